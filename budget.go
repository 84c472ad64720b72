package planogram

import "fmt"

// Decision is the controller's verdict after an iteration.
type Decision int

const (
	DecisionIterate Decision = iota
	DecisionComplete
	DecisionReview
)

func (d Decision) String() string {
	switch d {
	case DecisionComplete:
		return "complete"
	case DecisionReview:
		return "review"
	default:
		return "iterate"
	}
}

// Termination reasons. These are expected outcomes, not errors.
const (
	ReasonBudgetExceeded        = "BudgetExceeded"
	ReasonIterationLimitReached = "IterationLimitReached"
)

// Budget enforces the dollar cap and the iteration cap of one run.
type Budget struct {
	MaxCost       float64
	MaxIterations int
}

// Allow reports whether another model call may start given the cost spent
// so far. Checking before every call bounds the overshoot to one call.
func (b *Budget) Allow(spent float64) bool {
	return spent < b.MaxCost
}

// Exhausted reports whether the dollar cap has been reached.
func (b *Budget) Exhausted(spent float64) bool { return !b.Allow(spent) }

// Decide applies the transition rules after an iteration completes.
func (b *Budget) Decide(accuracy, target float64, iteration int, spent float64) (Decision, string) {
	if accuracy >= target {
		return DecisionComplete, ""
	}
	if b.Exhausted(spent) {
		return DecisionReview, fmt.Sprintf("%s: spent $%.4f of $%.4f with accuracy %.3f below target %.3f",
			ReasonBudgetExceeded, spent, b.MaxCost, accuracy, target)
	}
	if iteration >= b.MaxIterations {
		return DecisionReview, fmt.Sprintf("%s: %d of %d iterations with accuracy %.3f below target %.3f",
			ReasonIterationLimitReached, iteration, b.MaxIterations, accuracy, target)
	}
	return DecisionIterate, ""
}
