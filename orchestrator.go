package planogram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Orchestrator drives a run through its stages and iterations until the
// target accuracy is reached, the budget or iteration cap stops it, or an
// unrecoverable error fails it.
type Orchestrator struct {
	opts   Options
	log    *slog.Logger
	runner *stageRunner
}

// New creates an orchestrator. An Invoker is required.
func New(opts ...func(*Options)) (*Orchestrator, error) {
	o := Options{
		Logger:            slog.Default(),
		InvokeTimeout:     DefaultInvokeTimeout,
		ProblemConfidence: DefaultProblemConfidence,
		Now:               time.Now,
		NewID:             uuid.NewString,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Invoker == nil {
		return nil, &ConfigurationError{Field: "invoker", Reason: "no model invoker configured"}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Renderer == nil {
		o.Renderer = TextRenderer{}
	}
	if o.InvokeTimeout <= 0 {
		o.InvokeTimeout = DefaultInvokeTimeout
	}

	comparer, err := NewFeedbackComparer(o.Invoker, o.Renderer, o.Logger)
	if err != nil {
		return nil, fmt.Errorf("feedback comparer: %w", err)
	}
	return &Orchestrator{
		opts: o,
		log:  o.Logger,
		runner: &stageRunner{
			invoker:           o.Invoker,
			pricing:           o.Pricing,
			comparer:          comparer,
			log:               o.Logger,
			timeout:           o.InvokeTimeout,
			problemConfidence: o.ProblemConfidence,
			now:               o.Now,
		},
	}, nil
}

// stagePlan is a stage ready to execute: schema compiled, template parsed.
type stagePlan struct {
	cfg    StageConfig
	schema *Schema
	tpl    *Template
}

// Run executes one extraction run over the shelf images. It always returns a
// result in a terminal status. Configuration, schema and capability errors
// also come back as the error so callers can inspect them.
func (o *Orchestrator) Run(ctx context.Context, cfg *RunConfig, images []*Part) (*RunResult, error) {
	res := &RunResult{
		ID:        o.opts.NewID(),
		Status:    StatusPending,
		StartedAt: o.opts.Now(),
		Stages:    map[string]map[string]any{},
	}
	log := o.log.With("run", res.ID)

	if cfg == nil {
		return o.fail(log, res, nil, &ConfigurationError{Field: "config", Reason: "missing"})
	}
	res.System = cfg.System
	if err := cfg.Validate(); err != nil {
		return o.fail(log, res, nil, err)
	}
	if len(images) == 0 {
		return o.fail(log, res, nil, &ConfigurationError{Field: "images", Reason: "no shelf images", Err: ErrNoImages})
	}

	plans, err := o.prepare(log, cfg)
	if err != nil {
		return o.fail(log, res, nil, err)
	}

	budget := &Budget{MaxCost: cfg.MaxBudget, MaxIterations: cfg.MaxIterations}
	state := newRunState(res.ID, budget)
	state.Status = StatusProcessing
	res.Status = StatusProcessing
	runner := *o.runner
	runner.composer = &Composer{LowBound: cfg.lowBound(), Threshold: cfg.threshold()}

	log.Info("Run started",
		"system", cfg.System,
		"stages", cfg.Stages.Names(),
		"target_accuracy", cfg.TargetAccuracy,
		"max_iterations", cfg.MaxIterations,
		"max_budget", cfg.MaxBudget)

	for iter := 1; iter <= cfg.MaxIterations; iter++ {
		state.Iteration = iter
		res.IterationsCompleted = iter

		for idx, p := range plans {
			name := p.cfg.Name
			state.Stage = name
			prev := state.Best[name]
			if prev != nil && prev.Score >= cfg.TargetAccuracy {
				if !prev.Locked {
					log.Debug("Stage locked", "stage", name, "score", prev.Score, "iteration", iter)
				}
				prev.Locked = true
				continue
			}

			in := StageInput{
				Config:          p.cfg,
				Template:        p.tpl,
				Schema:          p.schema,
				Images:          images,
				Iteration:       iter,
				Context:         o.stageContext(cfg, plans, idx, state, iter),
				Temperature:     cfg.temperature(),
				ComparisonModel: cfg.comparisonModel(p.cfg),
			}
			if prev != nil {
				in.PriorAccuracy = prev.Score
			}

			sr, err := runner.run(ctx, state, in)
			if sr != nil {
				keepBest(state, sr)
			}
			if errors.Is(err, errBudgetStop) {
				// the decision below turns this into a review
				log.Info("Budget stopped stage", "stage", name, "spent", state.Cost)
				break
			}
			if err != nil {
				return o.fail(log, res, state, err)
			}
		}

		accuracy := overallAccuracy(cfg.Stages, state.Best)
		res.FinalAccuracy = accuracy
		decision, reason := budget.Decide(accuracy, cfg.TargetAccuracy, iter, state.Cost)

		log.Info("Iteration finished",
			"iteration", iter,
			"accuracy", accuracy,
			"spent", state.Cost,
			"decision", decision.String())

		switch decision {
		case DecisionComplete:
			return o.finish(log, res, state, plans, StatusCompleted, "")
		case DecisionReview:
			return o.finish(log, res, state, plans, StatusNeedsHumanReview, reason)
		}
	}
	// Decide always stops at the iteration cap; this is unreachable with a
	// valid config.
	return o.finish(log, res, state, plans, StatusNeedsHumanReview, ReasonIterationLimitReached)
}

// prepare builds every stage schema and resolves every template before any
// model is called.
func (o *Orchestrator) prepare(log *slog.Logger, cfg *RunConfig) ([]stagePlan, error) {
	plans := make([]stagePlan, 0, len(cfg.Stages))
	for _, st := range cfg.Stages {
		schema, err := BuildSchema(st.Name, st.FieldDefinitions, log)
		if err != nil {
			return nil, err
		}
		text, err := o.templateText(cfg, st, schema)
		if err != nil {
			return nil, err
		}
		tpl, err := ParseTemplate(text)
		if err != nil {
			return nil, &ConfigurationError{Field: "stages." + st.Name + ".prompt_template", Reason: "parse", Err: err}
		}
		plans = append(plans, stagePlan{cfg: st, schema: schema, tpl: tpl})
	}
	return plans, nil
}

// expander is implemented by providers that can render inline templates.
type expander interface {
	Expand(name, tpl string, vars map[string]any) (string, error)
}

func (o *Orchestrator) templateText(cfg *RunConfig, st StageConfig, schema *Schema) (string, error) {
	vars := map[string]any{
		"system": cfg.System,
		"stage":  st.Name,
	}
	if schema != nil {
		vars["keys"] = schema.Keys()
	}
	field := "stages." + st.Name

	if st.PromptRef != "" {
		if o.opts.Templates == nil {
			return "", &ConfigurationError{Field: field + ".prompt_ref", Reason: "no template provider configured", Err: ErrTemplateMissing}
		}
		text, err := o.opts.Templates.GetTemplate(st.PromptRef, vars)
		if err != nil {
			return "", &ConfigurationError{Field: field + ".prompt_ref", Reason: st.PromptRef, Err: err}
		}
		return text, nil
	}
	if ex, ok := o.opts.Templates.(expander); ok {
		text, err := ex.Expand(st.Name, st.PromptTemplate, vars)
		if err != nil {
			return "", &ConfigurationError{Field: field + ".prompt_template", Reason: "expand", Err: err}
		}
		return text, nil
	}
	return st.PromptTemplate, nil
}

var nonIdentRe = regexp.MustCompile(`[^A-Za-z0-9_]+`)

// contextKey turns a stage name into a placeholder-safe identifier.
func contextKey(stage string) string {
	return strings.Trim(nonIdentRe.ReplaceAllString(stage, "_"), "_")
}

// stageContext collects the placeholder values for one stage execution.
func (o *Orchestrator) stageContext(cfg *RunConfig, plans []stagePlan, idx int, state *RunState, iter int) map[string]any {
	p := plans[idx]
	ctx := map[string]any{
		"system":          cfg.System,
		"stage":           p.cfg.Name,
		"iteration":       iter,
		"attempt":         iter,
		"target_accuracy": cfg.TargetAccuracy,
	}
	if p.schema != nil {
		ctx["keys"] = strings.Join(p.schema.Keys(), ", ")
		ctx["fields"] = describeFields(p.cfg.FieldDefinitions, "")
	}

	if prev := state.Best[p.cfg.Name]; prev != nil {
		ctx["prior_accuracy"] = prev.Score
		ctx["prior_result"] = prev.Payload
		if n := len(prev.Feedback); n > 0 {
			if areas := prev.Feedback[n-1].ProblemAreas(o.opts.ProblemConfidence); len(areas) > 0 {
				ctx["problem_areas"] = areas
			}
			ctx["feedback_summary"] = prev.Feedback[n-1].Summary()
		}
	} else {
		ctx["prior_accuracy"] = 0.0
	}

	locked := map[string]any{}
	for i := 0; i < idx; i++ {
		name := plans[i].cfg.Name
		r := state.Best[name]
		if r == nil {
			continue
		}
		ctx[contextKey(name)+"_result"] = r.Payload
		if i == idx-1 {
			ctx["previous_stage_result"] = r.Payload
		}
		if r.Locked {
			locked[name] = r.Payload
		}
	}
	if len(locked) > 0 {
		ctx["locked_results"] = locked
	}
	return ctx
}

// describeFields renders field definitions as a bullet list for prompts.
func describeFields(defs []FieldDefinition, indent string) string {
	var sb strings.Builder
	for _, d := range defs {
		req := "optional"
		if d.Required {
			req = "required"
		}
		fmt.Fprintf(&sb, "%s- %s (%s, %s)", indent, d.Name, d.Kind, req)
		if len(d.AllowedValues) > 0 {
			fmt.Fprintf(&sb, " one of: %s", strings.Join(d.AllowedValues, ", "))
		}
		if d.Description != "" {
			sb.WriteString(": " + d.Description)
		}
		sb.WriteByte('\n')
		if len(d.Fields) > 0 {
			sb.WriteString(describeFields(d.Fields, indent+"  "))
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

// keepBest stores sr when it scores at least as well as the stage's best.
func keepBest(state *RunState, sr *StageResult) {
	if cur := state.Best[sr.Stage]; cur != nil && cur.Score > sr.Score {
		return
	}
	state.Best[sr.Stage] = sr
}

func (o *Orchestrator) finish(log *slog.Logger, res *RunResult, state *RunState, plans []stagePlan, status Status, reason string) (*RunResult, error) {
	for _, p := range plans {
		best := state.Best[p.cfg.Name]
		if best == nil {
			continue
		}
		if p.schema != nil {
			if err := p.schema.ValidateMap(best.Payload); err != nil {
				return o.fail(log, res, state, fmt.Errorf("stage %s result: %w", p.cfg.Name, err))
			}
		}
	}
	o.collect(res, state)
	res.Status = status
	res.Reason = reason
	state.Status = status
	res.FinishedAt = o.opts.Now()

	log.Info("Run finished",
		"status", status,
		"accuracy", res.FinalAccuracy,
		"iterations", res.IterationsCompleted,
		"cost", res.TotalCost,
		"reason", reason)
	return res, nil
}

func (o *Orchestrator) fail(log *slog.Logger, res *RunResult, state *RunState, err error) (*RunResult, error) {
	if state != nil {
		o.collect(res, state)
		state.Status = StatusFailed
	}
	res.Status = StatusFailed
	res.Reason = err.Error()
	res.FinishedAt = o.opts.Now()
	log.Error("Run failed", "error", err, "cost", res.TotalCost)
	return res, err
}

func (o *Orchestrator) collect(res *RunResult, state *RunState) {
	res.TotalCost = state.Cost
	res.Attempts = state.Attempts
	res.StageScores = make(map[string]float64, len(state.Best))
	for name, r := range state.Best {
		res.Stages[name] = r.Payload
		res.StageScores[name] = r.Score
	}
}
