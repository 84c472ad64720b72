package planogram

import (
	"fmt"
	"sort"
	"strings"
)

// labelKeys are tried in order to name an object on one line.
var labelKeys = []string{"name", "product_name", "product", "label", "brand", "id"}

// TextRenderer renders a payload as an indented text planogram. Nested lists
// of objects (shelves → products → facings) become nested bullet lists.
type TextRenderer struct{}

// Render implements Renderer.
func (TextRenderer) Render(stage string, payload map[string]any) (*Part, error) {
	if payload == nil {
		return nil, fmt.Errorf("render %s: empty payload", stage)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "PROVISIONAL PLANOGRAM (stage %s)\n", stage)
	renderObject(&sb, payload, 0)
	return NewTextPart(strings.TrimRight(sb.String(), "\n")), nil
}

func renderObject(sb *strings.Builder, m map[string]any, depth int) {
	indent := strings.Repeat("  ", depth)
	for _, k := range sortedKeys(m) {
		switch v := m[k].(type) {
		case []any:
			fmt.Fprintf(sb, "%s%s (%d):\n", indent, k, len(v))
			renderList(sb, v, depth+1)
		case map[string]any:
			fmt.Fprintf(sb, "%s%s:\n", indent, k)
			renderObject(sb, v, depth+1)
		default:
			fmt.Fprintf(sb, "%s%s: %s\n", indent, k, scalar(v))
		}
	}
}

func renderList(sb *strings.Builder, items []any, depth int) {
	indent := strings.Repeat("  ", depth)
	for i, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			fmt.Fprintf(sb, "%s- %s\n", indent, scalar(item))
			continue
		}
		fmt.Fprintf(sb, "%s%d. %s\n", indent, i+1, summarize(obj))
		for _, k := range sortedKeys(obj) {
			switch v := obj[k].(type) {
			case []any:
				fmt.Fprintf(sb, "%s   %s (%d):\n", indent, k, len(v))
				renderList(sb, v, depth+2)
			case map[string]any:
				fmt.Fprintf(sb, "%s   %s:\n", indent, k)
				renderObject(sb, v, depth+2)
			}
		}
	}
}

// summarize renders an object's scalar fields on one line, label first.
func summarize(obj map[string]any) string {
	var label string
	used := ""
	for _, k := range labelKeys {
		if v, ok := obj[k]; ok && v != nil {
			label, used = scalar(v), k
			break
		}
	}
	var attrs []string
	for _, k := range sortedKeys(obj) {
		if k == used {
			continue
		}
		switch obj[k].(type) {
		case []any, map[string]any:
			continue
		}
		attrs = append(attrs, k+"="+scalar(obj[k]))
	}
	switch {
	case label == "":
		return strings.Join(attrs, ", ")
	case len(attrs) == 0:
		return label
	default:
		return label + " [" + strings.Join(attrs, ", ") + "]"
	}
}

func scalar(v any) string {
	switch v := v.(type) {
	case nil:
		return "-"
	case string:
		return v
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%g", v)
	default:
		return fmt.Sprint(v)
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
