package planogram

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

// IssueKind classifies a planogram mismatch.
type IssueKind string

const (
	IssueMissing       IssueKind = "missing"
	IssueExtra         IssueKind = "extra"
	IssueWrongPosition IssueKind = "wrong-position"
	IssueWrongShelf    IssueKind = "wrong-shelf"
)

// Severity of a mismatch.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

func (s Severity) rank() int {
	switch s {
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	}
	return 0
}

// Mismatch is one difference between the rendered planogram and the photo.
type Mismatch struct {
	Location   string    `json:"location"`
	Issue      IssueKind `json:"issue"`
	Confidence float64   `json:"confidence"`
	Severity   Severity  `json:"severity"`
	Detail     string    `json:"detail,omitempty"`
}

// VisualFeedback is the structured diff produced by one comparison.
type VisualFeedback struct {
	Stage            string     `json:"stage"`
	Model            string     `json:"model"`
	ComparedModel    string     `json:"comparedModel"`
	Mismatches       []Mismatch `json:"mismatches"`
	OverallAlignment float64    `json:"overallAlignment"`
	Cost             float64    `json:"cost"`
}

// ProblemAreas lists mismatches at or above minConfidence, most severe first.
func (f *VisualFeedback) ProblemAreas(minConfidence float64) []string {
	ms := make([]Mismatch, 0, len(f.Mismatches))
	for _, m := range f.Mismatches {
		if m.Confidence >= minConfidence {
			ms = append(ms, m)
		}
	}
	sort.SliceStable(ms, func(i, j int) bool {
		if ms[i].Severity.rank() != ms[j].Severity.rank() {
			return ms[i].Severity.rank() > ms[j].Severity.rank()
		}
		return ms[i].Confidence > ms[j].Confidence
	})
	out := make([]string, 0, len(ms))
	for _, m := range ms {
		line := fmt.Sprintf("- %s at %s (severity %s, confidence %.2f)", m.Issue, m.Location, m.Severity, m.Confidence)
		if m.Detail != "" {
			line += ": " + m.Detail
		}
		out = append(out, line)
	}
	return out
}

// Summary is a one-line description for prompts and logs.
func (f *VisualFeedback) Summary() string {
	high := 0
	for _, m := range f.Mismatches {
		if m.Severity == SeverityHigh {
			high++
		}
	}
	return fmt.Sprintf("alignment %.2f, %d mismatches (%d high severity)", f.OverallAlignment, len(f.Mismatches), high)
}

var feedbackFields = []FieldDefinition{
	{
		Name:        "mismatches",
		Kind:        KindList,
		Required:    true,
		Description: "Every difference between the planogram and the photo",
		Fields: []FieldDefinition{
			{Name: "location", Kind: KindString, Required: true, Description: "Shelf and position, e.g. shelf 2 position 4"},
			{Name: "issue", Kind: KindLiteral, Required: true, AllowedValues: []string{
				string(IssueMissing), string(IssueExtra), string(IssueWrongPosition), string(IssueWrongShelf),
			}},
			{Name: "confidence", Kind: KindFloat, Required: true, Description: "0 to 1"},
			{Name: "severity", Kind: KindLiteral, Required: true, AllowedValues: []string{
				string(SeverityLow), string(SeverityMedium), string(SeverityHigh),
			}},
			{Name: "detail", Kind: KindString},
		},
	},
	{Name: "overall_alignment", Kind: KindFloat, Required: true, Description: "0 to 1, how well the planogram matches the photo"},
}

const feedbackPrompt = `You are auditing a retail shelf extraction for stage "{stage}".
The first image is the original shelf photograph. The text after it is a
provisional planogram produced by model {model}.

Compare them position by position. Report each product that is missing from
the planogram, extra in the planogram, at the wrong position, or on the wrong
shelf. Give each mismatch a confidence between 0 and 1 and a severity.
Finish with an overall_alignment score between 0 and 1.
{?previous_summary}
The previous comparison reported: {previous_summary}. Check whether those
problems were fixed.
{/previous_summary}`

// FeedbackComparer asks a comparison-capable model to diff a rendered
// planogram against the source photo.
type FeedbackComparer struct {
	invoker  Invoker
	renderer Renderer
	schema   *Schema
	tpl      *Template
	log      *slog.Logger
}

// NewFeedbackComparer builds the fixed feedback schema and prompt.
func NewFeedbackComparer(inv Invoker, r Renderer, log *slog.Logger) (*FeedbackComparer, error) {
	if log == nil {
		log = slog.Default()
	}
	if r == nil {
		r = TextRenderer{}
	}
	schema, err := BuildSchema("visual_feedback", feedbackFields, log)
	if err != nil {
		return nil, err
	}
	tpl, err := ParseTemplate(feedbackPrompt)
	if err != nil {
		return nil, err
	}
	return &FeedbackComparer{invoker: inv, renderer: r, schema: schema, tpl: tpl, log: log}, nil
}

// FeedbackRequest describes one comparison.
type FeedbackRequest struct {
	Stage         string
	Model         string // comparison model
	ComparedModel string // model whose output is being checked
	Payload       map[string]any
	Images        []*Part
	Previous      *VisualFeedback
	Temperature   *float32
}

// Compare renders the payload and invokes the comparison model. The returned
// response carries the call's cost even when normalisation fails.
func (c *FeedbackComparer) Compare(ctx context.Context, req FeedbackRequest) (*VisualFeedback, *Response, error) {
	rendered, err := c.renderer.Render(req.Stage, req.Payload)
	if err != nil {
		return nil, nil, err
	}

	pctx := map[string]any{"stage": req.Stage, "model": req.ComparedModel}
	if req.Previous != nil {
		pctx["previous_summary"] = req.Previous.Summary()
	}
	prompt := Render(c.tpl.Initial, pctx)

	media := append(append([]*Part(nil), req.Images...), rendered)
	resp, err := c.invoker.Invoke(ctx, &Request{
		Model:       req.Model,
		Prompt:      prompt,
		Media:       media,
		Schema:      c.schema,
		Temperature: req.Temperature,
	})
	if err != nil {
		return nil, nil, classifyError(req.Model, err)
	}

	fb, err := c.parse(resp.Raw)
	if err != nil {
		return nil, resp, &InvocationError{Model: req.Model, Kind: ErrInvalidOutput, Err: err}
	}
	fb.Stage = req.Stage
	fb.Model = req.Model
	fb.ComparedModel = req.ComparedModel
	fb.Cost = resp.Cost

	c.log.Debug("Visual feedback",
		"stage", req.Stage,
		"model", req.Model,
		"compared_model", req.ComparedModel,
		"summary", fb.Summary())
	return fb, resp, nil
}

func (c *FeedbackComparer) parse(raw []byte) (*VisualFeedback, error) {
	m, err := decodeObject(raw)
	if err != nil {
		return nil, err
	}
	normaliseFeedback(m)
	if err := c.schema.ValidateMap(m); err != nil {
		return nil, err
	}

	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var wire struct {
		Mismatches       []Mismatch `json:"mismatches"`
		OverallAlignment float64    `json:"overall_alignment"`
	}
	if err := json.Unmarshal(b, &wire); err != nil {
		return nil, err
	}
	fb := &VisualFeedback{Mismatches: wire.Mismatches, OverallAlignment: clamp01(wire.OverallAlignment)}
	if fb.Mismatches == nil {
		fb.Mismatches = []Mismatch{}
	}
	for i := range fb.Mismatches {
		fb.Mismatches[i].Confidence = clamp01(fb.Mismatches[i].Confidence)
	}
	return fb, nil
}

// normaliseFeedback rewrites "wrong_position" / "HIGH" style values into the
// canonical enum spelling before validation.
func normaliseFeedback(m map[string]any) {
	list, _ := m["mismatches"].([]any)
	for _, item := range list {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		for _, k := range []string{"issue", "severity"} {
			if s, ok := obj[k].(string); ok {
				obj[k] = strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "-")
			}
		}
	}
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
