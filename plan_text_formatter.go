package planogram

import (
	"fmt"
	"strings"
)

// formatAsText formats the plan as an ASCII tree followed by a budget summary.
func (pb *PlanBuilder) formatAsText(plan *PlanNode) string {
	var sb strings.Builder
	sb.WriteString("Planogram Extraction Plan (worst case per iteration)\n")
	pb.formatNodeAsText(plan, "", true, &sb)

	if plan.Type == RunPlanType {
		fmt.Fprintf(&sb, "\nIterations: up to %d, worst case $%.4f against budget $%.4f\n",
			plan.MaxIterations, plan.WorstCaseCost, plan.MaxBudget)
		if plan.AffordableIterations < plan.MaxIterations {
			fmt.Fprintf(&sb, "Budget covers %d full iteration(s); the run will stop early for review if accuracy is not reached.\n",
				plan.AffordableIterations)
		}
		for _, m := range plan.ExpectedModels {
			fmt.Fprintf(&sb, "  %s: %d call(s) per iteration\n", m, plan.ExpectedCallCounts[m])
		}
	}
	return sb.String()
}

// formatNodeAsText recursively formats a node and its children as text.
func (pb *PlanBuilder) formatNodeAsText(node *PlanNode, prefix string, isLast bool, sb *strings.Builder) {
	connector := "├─ "
	if isLast {
		connector = "└─ "
	}
	if prefix == "" {
		connector = ""
	}

	sb.WriteString(fmt.Sprintf("%s%s%s\n", prefix, connector, pb.formatNodeInfo(node)))

	childPrefix := prefix
	if prefix == "" {
		childPrefix = "  "
	} else {
		if isLast {
			childPrefix += "   "
		} else {
			childPrefix += "│  "
		}
	}

	for i, child := range node.Children {
		pb.formatNodeAsText(child, childPrefix, i == len(node.Children)-1, sb)
	}
}

// formatNodeInfo formats information for a single node.
func (pb *PlanBuilder) formatNodeInfo(node *PlanNode) string {
	parts := []string{string(node.Type)}

	if node.Name != "" {
		parts = append(parts, fmt.Sprintf(`"%s"`, node.Name))
	}

	var details []string
	if node.Model != "" {
		details = append(details, fmt.Sprintf("model=%s", node.Model))
	}
	details = append(details, fmt.Sprintf("$%.6f", node.EstCost))

	if node.InputTokens > 0 || node.OutputTokens > 0 {
		details = append(details, fmt.Sprintf("tokens(in=%d,out=%d)", node.InputTokens, node.OutputTokens))
	}

	if len(node.Fields) > 0 {
		if len(node.Fields) == 1 {
			details = append(details, fmt.Sprintf("field=%s", node.Fields[0]))
		} else {
			details = append(details, fmt.Sprintf("fields=%v", node.Fields))
		}
	}

	parts = append(parts, fmt.Sprintf("(%s)", strings.Join(details, ", ")))
	return strings.Join(parts, " ")
}
