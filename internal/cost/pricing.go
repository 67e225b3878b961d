// Package cost prices model usage for the budget layer. Providers report
// token counts per call; this table turns them into USD. List prices
// drift, so every figure here is an estimate, never an invoice.
package cost

import "strings"

// Pricing is the rate for one model, in USD per million tokens.
type Pricing struct {
	InputPerMTok  float64
	OutputPerMTok float64
}

// Unknown models price at a moderate default rather than zero so budget
// enforcement stays conservative.
var defaultPricing = Pricing{InputPerMTok: 1.00, OutputPerMTok: 3.00}

// table holds list prices as of February 2026, {input, output} per
// million tokens.
var table = map[string]Pricing{
	"gpt-4o":        {2.50, 10.00},
	"gpt-4o-mini":   {0.15, 0.60},
	"gpt-4-turbo":   {10.00, 30.00},
	"gpt-4":         {30.00, 60.00},
	"gpt-3.5-turbo": {0.50, 1.50},
	"o1":            {15.00, 60.00},
	"o1-mini":       {3.00, 12.00},
	"o3-mini":       {1.10, 4.40},

	"claude-opus-4-6":   {15.00, 75.00},
	"claude-sonnet-4-6": {3.00, 15.00},
	"claude-haiku-4-5":  {0.80, 4.00},
	"claude-3-5-sonnet": {3.00, 15.00},
	"claude-3-5-haiku":  {0.80, 4.00},
	"claude-3-opus":     {15.00, 75.00},

	"gemini-2.0-flash": {0.10, 0.40},
	"gemini-1.5-pro":   {1.25, 5.00},
	"gemini-1.5-flash": {0.075, 0.30},

	"llama-3.1-70b": {0.88, 0.88},
	"llama-3.1-8b":  {0.18, 0.18},

	"mistral-large": {2.00, 6.00},
	"mistral-small": {0.20, 0.60},

	"deepseek-chat":     {0.14, 0.28},
	"deepseek-reasoner": {0.55, 2.19},
}

// For returns the pricing for a model. Dated releases resolve through
// their base name (claude-3-5-sonnet-20241022 matches claude-3-5-sonnet);
// the longest matching prefix wins.
func For(model string) Pricing {
	if p, ok := table[model]; ok {
		return p
	}
	best := ""
	for base := range table {
		if strings.HasPrefix(model, base) && len(base) > len(best) {
			best = base
		}
	}
	if best != "" {
		return table[best]
	}
	return defaultPricing
}

// USD prices one call.
func USD(model string, inputTokens, outputTokens int) float64 {
	p := For(model)
	return float64(inputTokens)/1e6*p.InputPerMTok + float64(outputTokens)/1e6*p.OutputPerMTok
}

// EstimateTokens approximates a token count from text for providers that
// report no usage, at roughly four characters per token. Non-empty text
// never estimates to zero.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	n := len(text) / 4
	if n == 0 {
		n = 1
	}
	return n
}
