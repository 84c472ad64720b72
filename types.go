package planogram

import (
	"context"
	"log/slog"
	"time"
)

// Status is the lifecycle state of a run.
type Status string

const (
	StatusPending          Status = "pending"
	StatusProcessing       Status = "processing"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
	StatusNeedsHumanReview Status = "needs-human-review"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusNeedsHumanReview
}

// Invoker is the model invocation capability. Implementations must be safe
// for concurrent use by independent runs.
type Invoker interface {
	Invoke(ctx context.Context, req *Request) (*Response, error)
}

// Request is one structured model call.
type Request struct {
	Model       string
	Prompt      string
	Media       []*Part
	Schema      *Schema // nil → untyped JSON object
	Temperature *float32
}

// Response is the raw structured output and what it cost.
type Response struct {
	Raw   []byte
	Usage Usage
	Cost  float64
}

// Renderer turns an intermediate stage payload into a planogram
// representation the comparison model can read. It must be pure.
type Renderer interface {
	Render(stage string, payload map[string]any) (*Part, error)
}

// ExtractionAttempt is one model invocation within a stage, kept for audit.
type ExtractionAttempt struct {
	Stage     string          `json:"stage"`
	Iteration int             `json:"iteration"`
	Model     string          `json:"model"`
	Attempt   int             `json:"attempt"`
	Section   string          `json:"section"`
	Prompt    string          `json:"prompt"`
	Payload   map[string]any  `json:"payload,omitempty"`
	Cost      float64         `json:"cost"`
	Usage     Usage           `json:"usage"`
	Fallback  bool            `json:"fallback,omitempty"`
	Error     string          `json:"error,omitempty"`
	Feedback  *VisualFeedback `json:"feedback,omitempty"`
	Duration  time.Duration   `json:"duration"`
	StartedAt time.Time       `json:"startedAt"`
}

// Succeeded reports whether the attempt produced a payload.
func (a *ExtractionAttempt) Succeeded() bool { return a.Error == "" && a.Payload != nil }

// StageResult is the outcome of one consensus stage run.
type StageResult struct {
	Stage     string            `json:"stage"`
	Payload   map[string]any    `json:"payload"`
	Model     string            `json:"model"`
	Agreement float64           `json:"agreement"`
	Alignment *float64          `json:"alignment,omitempty"`
	Score     float64           `json:"score"`
	Feedback  []*VisualFeedback `json:"feedback,omitempty"`
	Cost      float64           `json:"cost"`
	Iteration int               `json:"iteration"`
	Locked    bool              `json:"locked,omitempty"`
	// Partial is set when a budget or cancellation stop cut the model chain short.
	Partial bool `json:"partial,omitempty"`
}

// RunState is owned by one orchestrator run and threaded through the call
// chain. Nothing else mutates it.
type RunState struct {
	ID        string
	Status    Status
	Stage     string
	Iteration int
	Cost      float64
	Best      map[string]*StageResult
	Attempts  []*ExtractionAttempt
	budget    *Budget
}

func newRunState(id string, b *Budget) *RunState {
	return &RunState{
		ID:     id,
		Status: StatusPending,
		Best:   make(map[string]*StageResult),
		budget: b,
	}
}

func (s *RunState) record(a *ExtractionAttempt) {
	s.Attempts = append(s.Attempts, a)
	s.Cost += a.Cost
}

func (s *RunState) addCost(c float64) { s.Cost += c }

// RunResult is the record written back to the storage collaborator.
type RunResult struct {
	ID                  string                    `json:"id"`
	System              string                    `json:"system"`
	Status              Status                    `json:"status"`
	FinalAccuracy       float64                   `json:"final_accuracy"`
	IterationsCompleted int                       `json:"iterations_completed"`
	TotalCost           float64                   `json:"total_cost"`
	Stages              map[string]map[string]any `json:"stages"`
	StageScores         map[string]float64        `json:"stage_scores,omitempty"`
	Reason              string                    `json:"reason,omitempty"`
	Attempts            []*ExtractionAttempt      `json:"attempts,omitempty"`
	StartedAt           time.Time                 `json:"started_at"`
	FinishedAt          time.Time                 `json:"finished_at"`
}

// Options configures an Orchestrator.
type Options struct {
	Logger    *slog.Logger
	Invoker   Invoker
	Renderer  Renderer
	Templates TemplateProvider
	// Pricing costs responses that report token usage but no cost.
	Pricing       map[string]ModelPrice
	InvokeTimeout time.Duration
	// ProblemConfidence is the minimum mismatch confidence surfaced as a
	// problem area in the next prompt.
	ProblemConfidence float64
	Now               func() time.Time
	NewID             func() string
}

const (
	DefaultInvokeTimeout     = 120 * time.Second
	DefaultProblemConfidence = 0.5
)

// Functional option constructors
func WithLogger(l *slog.Logger) func(*Options) {
	return func(o *Options) { o.Logger = l }
}

func WithInvoker(inv Invoker) func(*Options) {
	return func(o *Options) { o.Invoker = inv }
}

func WithRenderer(r Renderer) func(*Options) {
	return func(o *Options) { o.Renderer = r }
}

func WithTemplates(p TemplateProvider) func(*Options) {
	return func(o *Options) { o.Templates = p }
}

func WithPricing(p map[string]ModelPrice) func(*Options) {
	return func(o *Options) { o.Pricing = p }
}

func WithInvokeTimeout(d time.Duration) func(*Options) {
	return func(o *Options) { o.InvokeTimeout = d }
}

func WithProblemConfidence(c float64) func(*Options) {
	return func(o *Options) { o.ProblemConfidence = c }
}

// WithClock overrides time.Now, mainly for tests.
func WithClock(now func() time.Time) func(*Options) {
	return func(o *Options) { o.Now = now }
}

// WithIDGenerator overrides run id generation.
func WithIDGenerator(fn func() string) func(*Options) {
	return func(o *Options) { o.NewID = fn }
}
