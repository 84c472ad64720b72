package planogram

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBudgetAllow(t *testing.T) {
	b := &Budget{MaxCost: 1.0, MaxIterations: 3}
	assert.True(t, b.Allow(0))
	assert.True(t, b.Allow(0.999))
	assert.False(t, b.Allow(1.0))
	assert.False(t, b.Allow(1.2))
	assert.True(t, b.Exhausted(1.0))
}

func TestBudgetDecide(t *testing.T) {
	b := &Budget{MaxCost: 1.0, MaxIterations: 3}

	cases := []struct {
		name      string
		accuracy  float64
		iteration int
		spent     float64
		want      Decision
		reason    string
	}{
		{"target reached", 0.9, 1, 0.1, DecisionComplete, ""},
		{"target reached even when broke", 0.8, 3, 5, DecisionComplete, ""},
		{"keep going", 0.5, 1, 0.1, DecisionIterate, ""},
		{"budget spent", 0.5, 1, 1.0, DecisionReview, ReasonBudgetExceeded},
		{"iterations spent", 0.5, 3, 0.2, DecisionReview, ReasonIterationLimitReached},
		{"budget wins over iterations", 0.5, 3, 1.5, DecisionReview, ReasonBudgetExceeded},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, reason := b.Decide(tc.accuracy, 0.8, tc.iteration, tc.spent)
			assert.Equal(t, tc.want, got)
			if tc.reason == "" {
				assert.Empty(t, reason)
			} else {
				assert.True(t, strings.HasPrefix(reason, tc.reason), reason)
			}
		})
	}
}

func TestDecisionString(t *testing.T) {
	assert.Equal(t, "iterate", DecisionIterate.String())
	assert.Equal(t, "complete", DecisionComplete.String())
	assert.Equal(t, "review", DecisionReview.String())
}
