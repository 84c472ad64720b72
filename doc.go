// Package planogram extracts structured planogram data from retail shelf
// photographs by orchestrating several multimodal models. A run walks an
// ordered list of extraction stages, lets candidate models refine each
// other's output with visual feedback in between, and stops when the
// measured accuracy reaches its target, the iteration limit is hit, or the
// budget runs out.
//
// # Problem Statement
//
// A single model call rarely reads a dense shelf correctly. Products are
// misplaced by one facing, price labels are skipped, and the same photo
// gives different answers on two calls. Running several models blindly is
// expensive and still leaves the question of which answer to trust.
//
// The planogram package solves this by providing:
//
//   - Staged extraction: structure first, then products, then details
//   - Sequential refinement: each later candidate sees the previous result and its problems
//   - Visual feedback: a comparison model lists mismatches between the output and the photo
//   - Budget control: every model call is costed and no call starts once the budget is spent
//   - Human review: runs that cannot reach the target end as needs-human-review, not as silent failures
//
// # Basic Usage
//
// Describe the run in YAML and hand it to an Orchestrator:
//
//	system: retail
//	target_accuracy: 0.85
//	max_iterations: 3
//	max_budget: 0.50
//	stages:
//	  structure:
//	    prompt_template: "Count the shelves. Return {keys}."
//	    field_definitions:
//	      - {name: shelf_count, type: integer, required: true}
//	    candidate_models: [gemini-2.5-flash, gemini-2.5-pro]
//	  products:
//	    prompt_ref: products
//	    candidate_models: [gemini-2.5-pro]
//
//	cfg, _ := planogram.LoadRunConfig("retail.yaml")
//	images, _ := planogram.LoadImages("shelf-1.jpg", "shelf-2.jpg")
//
//	client, _ := planogram.NewGeminiClient(ctx, os.Getenv("GEMINI_API_KEY"))
//	o, _ := planogram.New(
//	    planogram.WithInvoker(planogram.NewGenAIInvoker(client)),
//	    planogram.WithTemplates(templates),
//	)
//	res, err := o.Run(ctx, cfg, images)
//	// res.Status is completed, needs-human-review, or failed
//
// # Prompt Templates
//
// Prompts are plain text with {name} placeholders and {?name}...{/name}
// conditional blocks that render only when the value is present. A template
// may carry an <<INITIAL>> and a <<RETRY>> section; the retry text is used
// when the previous iteration scored between the retry bound and the
// confidence threshold. Templates registered with a StickTemplateProvider
// may also use Twig syntax, which is expanded once when the run starts.
//
// # Stages and Candidates
//
// Stages run in configured order. Within a stage the candidate models run
// one after another and the last successful output wins. A failing model is
// replaced once by its configured fallback, otherwise the next candidate
// takes over. A stage whose best score has reached the target is locked and
// skipped in later iterations; its result is passed to the remaining
// stages as context.
//
// # Cost Estimation
//
// PlanBuilder prints the worst case of one iteration without calling any
// model:
//
//	plan, _ := planogram.NewPlanBuilder().WithConfig(cfg).WithImageCount(2).Explain()
//	text, _ := planogram.NewPlanBuilder().Format(plan, planogram.FormatText)
//
// # Error Handling
//
// Configuration problems surface as *ConfigurationError before any model is
// called. A stage in which every candidate fails returns a
// *ModelInvocationError that matches ErrNoCandidates and the failure kinds
// of its attempts (ErrQuotaExceeded, ErrInvalidOutput, ErrTransport).
// Cancelling the context fails the run with ErrCancelled after the call in
// flight returns.
package planogram
