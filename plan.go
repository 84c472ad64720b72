package planogram

import (
	"fmt"
	"log/slog"
)

// PlanNodeType defines the type of operation a node represents.
type PlanNodeType string

const (
	RunPlanType       PlanNodeType = "Run"
	IterationPlanType PlanNodeType = "Iteration"
	StagePlanType     PlanNodeType = "Stage"
	ExtractCallType   PlanNodeType = "ExtractCall"
	FeedbackCallType  PlanNodeType = "FeedbackCall"
)

// PlanNode represents a node in the worst-case execution plan of a run.
// Children and Metadata should not be modified after plan generation.
type PlanNode struct {
	Type         PlanNodeType   `json:"type"`
	Name         string         `json:"name,omitempty"`  // stage name
	Model        string         `json:"model,omitempty"` // model invoked by call nodes
	Fields       []string       `json:"fields,omitempty"`
	InputTokens  int            `json:"inputTokens,omitempty"`
	OutputTokens int            `json:"outputTokens,omitempty"`
	EstCost      float64        `json:"estCost"` // USD, includes children
	Children     []*PlanNode    `json:"children,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	// Summary information (populated for root nodes)
	ExpectedModels     []string       `json:"expectedModels,omitempty"`
	ExpectedCallCounts map[string]int `json:"expectedCallCounts,omitempty"`
	MaxIterations      int            `json:"maxIterations,omitempty"`
	MaxBudget          float64        `json:"maxBudget,omitempty"`
	WorstCaseCost      float64        `json:"worstCaseCost,omitempty"`
	// AffordableIterations is how many full worst-case iterations fit in the budget.
	AffordableIterations int `json:"affordableIterations,omitempty"`
}

// FormatType represents different output formats for the execution plan.
type FormatType string

const (
	FormatText FormatType = "text"
	FormatJSON FormatType = "json"
)

// Assumed sizes for token estimation when nothing better is known.
const (
	listItemsEstimate     = 10
	leafTokenEstimate     = 8
	untypedOutputEstimate = 500
)

// PlanBuilder estimates what a run will call and cost without calling any
// model. It is not safe for concurrent use.
type PlanBuilder struct {
	cfg       *RunConfig
	templates TemplateProvider
	prices    map[string]ModelPrice
	images    int
	log       *slog.Logger
}

// NewPlanBuilder creates a new plan builder.
func NewPlanBuilder() *PlanBuilder {
	return &PlanBuilder{prices: DefaultModelPricing(), images: 1, log: slog.Default()}
}

// WithConfig sets the run configuration to plan.
func (pb *PlanBuilder) WithConfig(cfg *RunConfig) *PlanBuilder {
	pb.cfg = cfg
	return pb
}

// WithTemplates sets the provider used to resolve prompt_ref templates.
func (pb *PlanBuilder) WithTemplates(p TemplateProvider) *PlanBuilder {
	pb.templates = p
	return pb
}

// WithPricing replaces the pricing table.
func (pb *PlanBuilder) WithPricing(p map[string]ModelPrice) *PlanBuilder {
	if p != nil {
		pb.prices = p
	}
	return pb
}

// WithImageCount sets how many shelf images each call carries.
func (pb *PlanBuilder) WithImageCount(n int) *PlanBuilder {
	if n > 0 {
		pb.images = n
	}
	return pb
}

// WithLogger sets the logger used while building schemas.
func (pb *PlanBuilder) WithLogger(l *slog.Logger) *PlanBuilder {
	if l != nil {
		pb.log = l
	}
	return pb
}

// Explain validates the configuration and builds the worst-case plan: every
// candidate succeeds, every comparison runs, and no stage locks early.
func (pb *PlanBuilder) Explain() (*PlanNode, error) {
	if pb.cfg == nil {
		return nil, &ConfigurationError{Field: "config", Reason: "missing"}
	}
	if err := pb.cfg.Validate(); err != nil {
		return nil, err
	}
	o := &Orchestrator{opts: Options{Templates: pb.templates}, log: pb.log}
	plans, err := o.prepare(pb.log, pb.cfg)
	if err != nil {
		return nil, err
	}

	iteration := &PlanNode{Type: IterationPlanType, Metadata: map[string]any{}}
	calls := map[string]int{}
	var models []string
	seen := map[string]bool{}
	note := func(model string) {
		calls[model]++
		if !seen[model] {
			seen[model] = true
			models = append(models, model)
		}
	}

	imageTokens := pb.images * imageTokenEstimate
	feedbackTokens := EstimateTokensFromText(feedbackPrompt) + imageTokens
	feedbackOut := pb.outputTokens(feedbackSchema())

	for _, p := range plans {
		stage := &PlanNode{Type: StagePlanType, Name: p.cfg.Name, Metadata: map[string]any{}}
		if p.schema != nil {
			stage.Fields = p.schema.Keys()
		}
		promptTokens := EstimateTokensFromText(Render(p.tpl.Initial, nil)) + imageTokens
		out := pb.outputTokens(p.schema)
		comparison := pb.cfg.comparisonModel(p.cfg)

		for i, model := range p.cfg.CandidateModels {
			in := promptTokens
			if i > 0 {
				// previous result and feedback are folded into later prompts
				in += out + feedbackOut
			}
			stage.Children = append(stage.Children, pb.call(ExtractCallType, model, in, out))
			note(model)

			if i+1 < len(p.cfg.CandidateModels) && p.cfg.feedbackEnabled() {
				stage.Children = append(stage.Children, pb.call(FeedbackCallType, comparison, feedbackTokens+out, feedbackOut))
				note(comparison)
			}
		}
		if len(p.cfg.Fallbacks) > 0 {
			stage.Metadata["fallbacks"] = p.cfg.Fallbacks
		}
		iteration.Children = append(iteration.Children, stage)
	}
	sumCosts(iteration)

	root := &PlanNode{
		Type:               RunPlanType,
		Name:               pb.cfg.System,
		Children:           []*PlanNode{iteration},
		EstCost:            iteration.EstCost,
		ExpectedModels:     models,
		ExpectedCallCounts: calls,
		MaxIterations:      pb.cfg.MaxIterations,
		MaxBudget:          pb.cfg.MaxBudget,
		WorstCaseCost:      iteration.EstCost * float64(pb.cfg.MaxIterations),
		Metadata:           map[string]any{"targetAccuracy": pb.cfg.TargetAccuracy},
	}
	root.AffordableIterations = pb.cfg.MaxIterations
	if iteration.EstCost > 0 {
		if n := int(pb.cfg.MaxBudget / iteration.EstCost); n < root.AffordableIterations {
			root.AffordableIterations = n
		}
	}
	return root, nil
}

func (pb *PlanBuilder) call(t PlanNodeType, model string, in, out int) *PlanNode {
	return &PlanNode{
		Type:         t,
		Model:        model,
		InputTokens:  in,
		OutputTokens: out,
		EstCost:      CostOf(pb.prices, model, Usage{InputTokens: in, OutputTokens: out}),
	}
}

// outputTokens approximates the size of a payload conforming to s.
func (pb *PlanBuilder) outputTokens(s *Schema) int {
	if s == nil {
		return untypedOutputEstimate
	}
	return schemaTokens(s)
}

func schemaTokens(s *Schema) int {
	switch s.Kind {
	case KindObject:
		n := 2
		for _, f := range s.Fields {
			n += EstimateTokensFromText(f.Name) + schemaTokens(f)
		}
		return n
	case KindList:
		if s.Items == nil {
			return 2
		}
		return 2 + listItemsEstimate*schemaTokens(s.Items)
	}
	return leafTokenEstimate
}

func sumCosts(n *PlanNode) float64 {
	if len(n.Children) == 0 {
		return n.EstCost
	}
	total := 0.0
	for _, c := range n.Children {
		total += sumCosts(c)
	}
	n.EstCost = total
	return total
}

func feedbackSchema() *Schema {
	s, err := BuildSchema("visual_feedback", feedbackFields, slog.New(slog.DiscardHandler))
	if err != nil {
		panic(fmt.Sprintf("feedback schema: %v", err))
	}
	return s
}

// Format renders the plan in the requested format.
func (pb *PlanBuilder) Format(plan *PlanNode, f FormatType) (string, error) {
	switch f {
	case FormatText, "":
		return pb.formatAsText(plan), nil
	case FormatJSON:
		return pb.formatAsJSON(plan)
	}
	return "", fmt.Errorf("unsupported plan format %q", f)
}
