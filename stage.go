package planogram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"
)

// errBudgetStop is returned by the stage runner when the budget refused the
// next model call. It is a termination condition, not a failure.
var errBudgetStop = errors.New("budget exhausted")

// StageInput is everything the runner needs for one stage execution.
type StageInput struct {
	Config          StageConfig
	Template        *Template
	Schema          *Schema // nil → generic untyped schema
	Images          []*Part
	Iteration       int
	PriorAccuracy   float64
	Context         map[string]any
	Temperature     *float32
	ComparisonModel string
}

type stageRunner struct {
	invoker           Invoker
	pricing           map[string]ModelPrice
	comparer          *FeedbackComparer
	composer          *Composer
	log               *slog.Logger
	timeout           time.Duration
	problemConfidence float64
	now               func() time.Time
}

type candidate struct {
	model    string
	fallback bool
}

// run executes the stage's candidate models in order. Each later model sees
// the previous output and the visual feedback on it, and is treated as the
// authoritative corrector of the earlier ones.
func (r *stageRunner) run(ctx context.Context, state *RunState, in StageInput) (*StageResult, error) {
	cfg := in.Config
	queue := make([]candidate, 0, len(cfg.CandidateModels))
	for _, m := range cfg.CandidateModels {
		queue = append(queue, candidate{model: m})
	}

	pctx := maps.Clone(in.Context)
	if pctx == nil {
		pctx = make(map[string]any)
	}

	var (
		outputs      []map[string]any
		feedback     []*VisualFeedback
		failures     []error
		lastModel    string
		usedFallback = make(map[string]bool)
		substitute   bool
		stageCost    float64
		stop         error
	)

	for i := 0; i < len(queue); i++ {
		c := queue[i]
		if err := ctx.Err(); err != nil {
			stop = fmt.Errorf("%w: %v", ErrCancelled, err)
			break
		}
		if !state.budget.Allow(state.Cost) {
			stop = errBudgetStop
			break
		}

		prompt, section := r.composer.Compose(in.Template, pctx, in.Iteration, in.PriorAccuracy)
		attempt := &ExtractionAttempt{
			Stage:     cfg.Name,
			Iteration: in.Iteration,
			Model:     c.model,
			Attempt:   i + 1,
			Section:   section.String(),
			Prompt:    prompt,
			Fallback:  c.fallback || substitute,
			StartedAt: r.now(),
		}
		substitute = false

		r.log.Debug("Invoking candidate",
			"stage", cfg.Name,
			"iteration", in.Iteration,
			"model", c.model,
			"attempt", attempt.Attempt,
			"section", attempt.Section,
			"fallback", attempt.Fallback)

		payload, resp, err := r.extract(ctx, c.model, prompt, in)
		attempt.Duration = r.now().Sub(attempt.StartedAt)
		if resp != nil {
			attempt.Cost = resp.Cost
			attempt.Usage = resp.Usage
		}
		state.record(attempt)
		stageCost += attempt.Cost

		if err != nil {
			attempt.Error = err.Error()
			failures = append(failures, err)
			if fb, ok := cfg.Fallbacks[c.model]; ok && fb != "" && !usedFallback[c.model] {
				usedFallback[c.model] = true
				r.log.Warn("Candidate failed, substituting fallback model",
					"stage", cfg.Name, "model", c.model, "fallback", fb, "error", err)
				queue = append(queue[:i+1], append([]candidate{{model: fb, fallback: true}}, queue[i+1:]...)...)
				continue
			}
			if i+1 < len(queue) {
				r.log.Warn("Candidate failed, falling back to next candidate",
					"stage", cfg.Name, "model", c.model, "next", queue[i+1].model, "error", err)
				substitute = true
				continue
			}
			r.log.Warn("Last candidate failed", "stage", cfg.Name, "model", c.model, "error", err)
			continue
		}

		attempt.Payload = payload
		outputs = append(outputs, payload)
		lastModel = c.model
		pctx["previous_result"] = payload
		pctx["previous_model"] = c.model

		if i+1 >= len(queue) || !cfg.feedbackEnabled() || r.comparer == nil {
			continue
		}
		if ctx.Err() != nil || !state.budget.Allow(state.Cost) {
			// the next iteration of the loop records the stop
			continue
		}
		var prev *VisualFeedback
		if len(feedback) > 0 {
			prev = feedback[len(feedback)-1]
		}
		fb, fbCost, err := r.compare(ctx, FeedbackRequest{
			Stage:         cfg.Name,
			Model:         in.ComparisonModel,
			ComparedModel: c.model,
			Payload:       payload,
			Images:        in.Images,
			Previous:      prev,
			Temperature:   in.Temperature,
		})
		state.addCost(fbCost)
		stageCost += fbCost
		if err != nil {
			r.log.Warn("Visual feedback failed, continuing without it",
				"stage", cfg.Name, "model", in.ComparisonModel, "error", err)
			continue
		}
		attempt.Feedback = fb
		feedback = append(feedback, fb)
		r.fold(pctx, fb)
	}

	if len(outputs) == 0 {
		if stop != nil {
			return nil, stop
		}
		return nil, &ModelInvocationError{Stage: cfg.Name, Failures: failures}
	}

	result := &StageResult{
		Stage:     cfg.Name,
		Payload:   outputs[len(outputs)-1],
		Model:     lastModel,
		Agreement: stageAgreement(outputs),
		Feedback:  feedback,
		Cost:      stageCost,
		Iteration: in.Iteration,
		Partial:   stop != nil,
	}
	if n := len(feedback); n > 0 {
		a := feedback[n-1].OverallAlignment
		result.Alignment = &a
	}
	result.Score = stageScore(result.Agreement, result.Alignment)

	r.log.Debug("Stage finished",
		"stage", cfg.Name,
		"iteration", in.Iteration,
		"model", lastModel,
		"agreement", result.Agreement,
		"score", result.Score,
		"cost", stageCost,
		"partial", result.Partial)
	return result, stop
}

// extract performs one bounded model call and validates its output.
func (r *stageRunner) extract(ctx context.Context, model, prompt string, in StageInput) (map[string]any, *Response, error) {
	callCtx, cancel := r.callContext(ctx)
	defer cancel()

	resp, err := r.invoker.Invoke(callCtx, &Request{
		Model:       model,
		Prompt:      prompt,
		Media:       in.Images,
		Schema:      in.Schema,
		Temperature: in.Temperature,
	})
	if err != nil {
		return nil, resp, r.callError(callCtx, model, err)
	}
	r.price(model, resp)
	payload, err := DecodePayload(in.Schema, resp.Raw)
	if err != nil {
		return nil, resp, &InvocationError{Model: model, Kind: ErrInvalidOutput, Err: err}
	}
	return payload, resp, nil
}

func (r *stageRunner) compare(ctx context.Context, req FeedbackRequest) (*VisualFeedback, float64, error) {
	callCtx, cancel := r.callContext(ctx)
	defer cancel()

	fb, resp, err := r.comparer.Compare(callCtx, req)
	r.price(req.Model, resp)
	var cost float64
	if resp != nil {
		cost = resp.Cost
	}
	if err != nil {
		return nil, cost, r.callError(callCtx, req.Model, err)
	}
	return fb, cost, nil
}

// price fills in the cost of a response whose invoker only reported usage.
func (r *stageRunner) price(model string, resp *Response) {
	if resp == nil || resp.Cost != 0 || r.pricing == nil {
		return
	}
	if resp.Usage.InputTokens == 0 && resp.Usage.OutputTokens == 0 {
		return
	}
	resp.Cost = CostOf(r.pricing, model, resp.Usage)
}

// callContext detaches the call from run cancellation so an in-flight call
// finishes and its cost is accounted; the timeout still bounds it.
func (r *stageRunner) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
}

func (r *stageRunner) callError(callCtx context.Context, model string, err error) error {
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return &InvocationError{Model: model, Kind: ErrTransport, Err: fmt.Errorf("timed out after %s: %w", r.timeout, err)}
	}
	return classifyError(model, err)
}

// fold adds feedback to the prompt context of the next candidate.
func (r *stageRunner) fold(pctx map[string]any, fb *VisualFeedback) {
	pctx["feedback_summary"] = fb.Summary()
	pctx["alignment"] = fb.OverallAlignment
	if areas := fb.ProblemAreas(r.problemConfidence); len(areas) > 0 {
		pctx["problem_areas"] = areas
	} else {
		delete(pctx, "problem_areas")
	}
}
