package planogram

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Section markers. Each must sit on its own line; text before the first
// marker belongs to the initial section.
const (
	markerInitial = "<<INITIAL>>"
	markerRetry   = "<<RETRY>>"
)

// Default retry policy bounds.
const (
	DefaultRetryLowBound       = 0.3
	DefaultConfidenceThreshold = 0.85
)

// Section selects which part of a template is rendered.
type Section int

const (
	SectionInitial Section = iota
	SectionRetry
)

func (s Section) String() string {
	if s == SectionRetry {
		return "retry"
	}
	return "initial"
}

// Node is one element of a parsed template section.
type Node interface{ node() }

// Literal is verbatim text.
type Literal struct{ Text string }

// Placeholder is a {name} token.
type Placeholder struct{ Name string }

// Conditional renders Children only when Name is set in the context.
type Conditional struct {
	Name     string
	Children []Node
}

func (Literal) node()     {}
func (Placeholder) node() {}
func (Conditional) node() {}

// Template is a parsed prompt with an initial and optional retry section.
type Template struct {
	Initial []Node
	Retry   []Node // nil when the template has no retry section
}

// HasRetry reports whether the template declares a retry section.
func (t *Template) HasRetry() bool { return t.Retry != nil }

var (
	identRe    = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.]*$`)
	blankRunRe = regexp.MustCompile(`\n{3,}`)
)

// ParseTemplate splits text into sections and parses each into nodes.
func ParseTemplate(text string) (*Template, error) {
	initial, retry, hasRetry := splitSections(text)

	t := &Template{}
	var err error
	if t.Initial, err = parseNodes(initial); err != nil {
		return nil, fmt.Errorf("initial section: %w", err)
	}
	if hasRetry {
		if t.Retry, err = parseNodes(retry); err != nil {
			return nil, fmt.Errorf("retry section: %w", err)
		}
		if t.Retry == nil {
			t.Retry = []Node{}
		}
	}
	return t, nil
}

func splitSections(text string) (initial, retry string, hasRetry bool) {
	var ib, rb strings.Builder
	cur := &ib
	for _, line := range strings.SplitAfter(text, "\n") {
		switch strings.TrimSpace(line) {
		case markerInitial:
			cur = &ib
			continue
		case markerRetry:
			cur = &rb
			hasRetry = true
			continue
		}
		cur.WriteString(line)
	}
	return strings.TrimSpace(ib.String()), strings.TrimSpace(rb.String()), hasRetry
}

type frame struct {
	name  string
	nodes []Node
}

func parseNodes(s string) ([]Node, error) {
	stack := []*frame{{}}
	top := func() *frame { return stack[len(stack)-1] }

	var lit strings.Builder
	flush := func() {
		if lit.Len() > 0 {
			top().nodes = append(top().nodes, Literal{Text: lit.String()})
			lit.Reset()
		}
	}

	for i := 0; i < len(s); {
		if s[i] != '{' {
			lit.WriteByte(s[i])
			i++
			continue
		}
		end := strings.IndexByte(s[i:], '}')
		if end < 0 {
			lit.WriteString(s[i:])
			break
		}
		inner := s[i+1 : i+end]
		if strings.IndexByte(inner, '{') >= 0 {
			// an outer JSON brace; placeholders inside it are parsed next
			lit.WriteByte(s[i])
			i++
			continue
		}
		switch {
		case strings.HasPrefix(inner, "?") && identRe.MatchString(inner[1:]):
			flush()
			stack = append(stack, &frame{name: inner[1:]})
		case strings.HasPrefix(inner, "/") && identRe.MatchString(inner[1:]):
			name := inner[1:]
			if len(stack) == 1 || top().name != name {
				return nil, fmt.Errorf("%w: unexpected {/%s}", ErrTemplateSyntax, name)
			}
			flush()
			done := top()
			stack = stack[:len(stack)-1]
			top().nodes = append(top().nodes, Conditional{Name: done.name, Children: done.nodes})
		case identRe.MatchString(inner):
			flush()
			top().nodes = append(top().nodes, Placeholder{Name: inner})
		default:
			// JSON examples and other brace text stay literal.
			lit.WriteString(s[i : i+end+1])
		}
		i += end + 1
	}
	if len(stack) > 1 {
		return nil, fmt.Errorf("%w: unclosed {?%s}", ErrTemplateSyntax, top().name)
	}
	flush()
	return stack[0].nodes, nil
}

// Render evaluates nodes against ctx. Placeholders missing from ctx render
// as nothing.
func Render(nodes []Node, ctx map[string]any) string {
	var sb strings.Builder
	renderNodes(&sb, nodes, ctx)
	out := blankRunRe.ReplaceAllString(sb.String(), "\n\n")
	return strings.TrimSpace(out)
}

func renderNodes(sb *strings.Builder, nodes []Node, ctx map[string]any) {
	for _, n := range nodes {
		switch n := n.(type) {
		case Literal:
			sb.WriteString(n.Text)
		case Placeholder:
			if v, ok := ctx[n.Name]; ok {
				sb.WriteString(formatValue(v))
			}
		case Conditional:
			if present(ctx, n.Name) {
				renderNodes(sb, n.Children, ctx)
			}
		}
	}
}

func present(ctx map[string]any, name string) bool {
	v, ok := ctx[name]
	if !ok || v == nil {
		return false
	}
	switch v := v.(type) {
	case string:
		return v != ""
	case []string:
		return len(v) > 0
	case bool:
		return v
	}
	return formatValue(v) != ""
}

func formatValue(v any) string {
	switch v := v.(type) {
	case string:
		return v
	case []string:
		return strings.Join(v, "\n")
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case int:
		return strconv.Itoa(v)
	case bool:
		return strconv.FormatBool(v)
	case fmt.Stringer:
		return v.String()
	case nil:
		return ""
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

// Composer renders stage prompts and decides between the initial and retry
// variants.
type Composer struct {
	// LowBound is the prior accuracy at or below which a fresh initial attempt
	// is preferred over patching.
	LowBound float64
	// Threshold is the prior accuracy at or above which no retry is needed.
	Threshold float64
}

// NewComposer returns a composer with the default policy bounds.
func NewComposer() *Composer {
	return &Composer{LowBound: DefaultRetryLowBound, Threshold: DefaultConfidenceThreshold}
}

// SelectSection applies the retry policy. Attempt 1 always uses the initial
// section; later attempts use the retry section iff lowBound < prior < threshold.
func SelectSection(attempt int, prior, lowBound, threshold float64) Section {
	if attempt <= 1 {
		return SectionInitial
	}
	if lowBound < prior && prior < threshold {
		return SectionRetry
	}
	return SectionInitial
}

// Compose renders tpl for the given attempt. priorAccuracy is the best
// accuracy observed for the stage before this attempt.
func (c *Composer) Compose(tpl *Template, ctx map[string]any, attempt int, priorAccuracy float64) (string, Section) {
	sec := SelectSection(attempt, priorAccuracy, c.LowBound, c.Threshold)
	if sec == SectionRetry && !tpl.HasRetry() {
		sec = SectionInitial
	}
	nodes := tpl.Initial
	if sec == SectionRetry {
		nodes = tpl.Retry
	}
	return Render(nodes, ctx), sec
}

// ComposeText parses and renders a template in one step. The prior accuracy
// is read from ctx["prior_accuracy"] when present.
func ComposeText(text string, ctx map[string]any, attempt int, threshold float64) (string, error) {
	tpl, err := ParseTemplate(text)
	if err != nil {
		return "", err
	}
	prior, _ := ctx["prior_accuracy"].(float64)
	c := &Composer{LowBound: DefaultRetryLowBound, Threshold: threshold}
	out, _ := c.Compose(tpl, ctx, attempt, prior)
	return out, nil
}
