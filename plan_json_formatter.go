package planogram

import (
	"encoding/json"
)

// planJSON is the machine-readable plan: the budget summary up front, each
// stage keyed by name, and the full node tree for tools that walk it.
type planJSON struct {
	System               string               `json:"system"`
	MaxIterations        int                  `json:"maxIterations"`
	MaxBudget            float64              `json:"maxBudget"`
	IterationCost        float64              `json:"iterationCost"`
	WorstCaseCost        float64              `json:"worstCaseCost"`
	AffordableIterations int                  `json:"affordableIterations"`
	CallsPerIteration    map[string]int       `json:"callsPerIteration"`
	StageOrder           []string             `json:"stageOrder"`
	Stages               map[string]stageJSON `json:"stages"`
	Tree                 *PlanNode            `json:"tree"`
}

type stageJSON struct {
	EstCost   float64           `json:"estCost"`
	Fields    []string          `json:"fields,omitempty"`
	Extracts  []string          `json:"extracts"`
	Feedback  int               `json:"feedbackCalls"`
	Fallbacks map[string]string `json:"fallbacks,omitempty"`
}

func (pb *PlanBuilder) formatAsJSON(plan *PlanNode) (string, error) {
	out := planJSON{
		System:               plan.Name,
		MaxIterations:        plan.MaxIterations,
		MaxBudget:            plan.MaxBudget,
		WorstCaseCost:        plan.WorstCaseCost,
		AffordableIterations: plan.AffordableIterations,
		CallsPerIteration:    plan.ExpectedCallCounts,
		Stages:               map[string]stageJSON{},
		Tree:                 plan,
	}
	for _, iteration := range plan.Children {
		out.IterationCost += iteration.EstCost
		for _, stage := range iteration.Children {
			sj := stageJSON{EstCost: stage.EstCost, Fields: stage.Fields, Extracts: []string{}}
			for _, call := range stage.Children {
				switch call.Type {
				case ExtractCallType:
					sj.Extracts = append(sj.Extracts, call.Model)
				case FeedbackCallType:
					sj.Feedback++
				}
			}
			if fb, ok := stage.Metadata["fallbacks"].(map[string]string); ok {
				sj.Fallbacks = fb
			}
			out.StageOrder = append(out.StageOrder, stage.Name)
			out.Stages[stage.Name] = sj
		}
	}

	b, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return "", err
	}
	return string(b), nil
}
