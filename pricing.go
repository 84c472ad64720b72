package planogram

import "strings"

// ModelPrice represents the pricing for a specific model.
type ModelPrice struct {
	PromptTokCost     float64 // Cost per 1000 input tokens
	CompletionTokCost float64 // Cost per 1000 output tokens
}

// Usage is the token accounting reported for one model call.
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

// FallbackPrice is charged for models missing from the pricing table, so
// unknown models still count against the budget.
var FallbackPrice = ModelPrice{PromptTokCost: 0.00125, CompletionTokCost: 0.0100}

// DefaultModelPricing returns input/output token costs (USD per 1K tokens).
func DefaultModelPricing() map[string]ModelPrice {
	return map[string]ModelPrice{
		// OpenAI
		"gpt-4o":       {PromptTokCost: 0.0050, CompletionTokCost: 0.0200},
		"gpt-4o-mini":  {PromptTokCost: 0.0006, CompletionTokCost: 0.0024},
		"gpt-4.1":      {PromptTokCost: 0.0020, CompletionTokCost: 0.0080},
		"gpt-4.1-mini": {PromptTokCost: 0.0004, CompletionTokCost: 0.0016},
		"gpt-4.1-nano": {PromptTokCost: 0.0001, CompletionTokCost: 0.0004},

		// Google Gemini
		"gemini-2.5-pro":        {PromptTokCost: 0.00125, CompletionTokCost: 0.0100},
		"gemini-2.5-flash":      {PromptTokCost: 0.00030, CompletionTokCost: 0.0025},
		"gemini-2.5-flash-lite": {PromptTokCost: 0.00010, CompletionTokCost: 0.0004},
		"gemini-2.0-flash":      {PromptTokCost: 0.00015, CompletionTokCost: 0.0006},
		"gemini-1.5-pro":        {PromptTokCost: 0.00125, CompletionTokCost: 0.0050},
		"gemini-1.5-flash":      {PromptTokCost: 0.000075, CompletionTokCost: 0.00030},

		// Anthropic
		"claude-3-opus":   {PromptTokCost: 0.0150, CompletionTokCost: 0.0750},
		"claude-3-sonnet": {PromptTokCost: 0.0030, CompletionTokCost: 0.0150},
		"claude-3-haiku":  {PromptTokCost: 0.0008, CompletionTokCost: 0.0040},
	}
}

// PriceFor looks up model, ignoring a provider prefix such as "googleai/".
func PriceFor(prices map[string]ModelPrice, model string) (ModelPrice, bool) {
	if p, ok := prices[model]; ok {
		return p, true
	}
	if i := strings.LastIndexByte(model, '/'); i >= 0 {
		if p, ok := prices[model[i+1:]]; ok {
			return p, true
		}
	}
	return FallbackPrice, false
}

// CostOf converts token usage into dollars.
func CostOf(prices map[string]ModelPrice, model string, u Usage) float64 {
	p, _ := PriceFor(prices, model)
	return float64(u.InputTokens)/1000*p.PromptTokCost + float64(u.OutputTokens)/1000*p.CompletionTokCost
}

// EstimateTokensFromText provides a rough token estimate from text length.
func EstimateTokensFromText(text string) int {
	// ~4 characters per token for English text
	return (len(text) + 3) / 4
}

// imageTokenEstimate approximates a Gemini image tile charge.
const imageTokenEstimate = 258
