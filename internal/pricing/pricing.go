// Package pricing estimates token usage and USD cost for engine calls.
// Providers do not report usage through the engine boundary, so both are
// estimates from text length.
package pricing

import "strings"

// ModelPricing holds per-million-token costs in USD.
type ModelPricing struct {
	PromptPer1M     float64
	CompletionPer1M float64
}

var knownModels = map[string]ModelPricing{
	"gemini-2.5-pro":        {1.25, 10.00},
	"gemini-2.5-flash":      {0.30, 2.50},
	"gemini-2.5-flash-lite": {0.10, 0.40},
	"claude-sonnet-4-5":     {3.00, 15.00},
	"claude-haiku-4-5":      {1.00, 5.00},
	"gpt-4o":                {2.50, 10.00},
	"gpt-4o-mini":           {0.15, 0.60},
}

// Usage is the estimate for one engine call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	CostUSD          float64
}

// Estimate sizes prompt and completion text and prices them for model.
func Estimate(model, prompt, completion string) Usage {
	u := Usage{
		PromptTokens:     EstimateTokens(prompt),
		CompletionTokens: EstimateTokens(completion),
	}
	u.CostUSD = EstimateCost(model, u.PromptTokens, u.CompletionTokens)
	return u
}

// EstimateTokens returns max(words*1.33, bytes/4). The byte floor covers
// JSON and non-English text where words are a poor proxy.
func EstimateTokens(content string) int {
	if content == "" {
		return 0
	}
	wordEstimate := int(float64(len(strings.Fields(content))) * 1.33)
	charEstimate := len(content) / 4
	if wordEstimate > charEstimate {
		return wordEstimate
	}
	return charEstimate
}

// EstimateCost returns the USD cost for the token counts, or 0 for unknown
// models. Provider prefixes such as "googleai/" are ignored.
func EstimateCost(model string, promptTokens, completionTokens int) float64 {
	p, ok := knownModels[normalizeModel(model)]
	if !ok {
		return 0
	}
	return (float64(promptTokens)/1_000_000)*p.PromptPer1M +
		(float64(completionTokens)/1_000_000)*p.CompletionPer1M
}

// Known reports whether model has a price entry.
func Known(model string) bool {
	_, ok := knownModels[normalizeModel(model)]
	return ok
}

func normalizeModel(model string) string {
	m := strings.ToLower(strings.TrimSpace(model))
	if i := strings.LastIndex(m, "/"); i >= 0 {
		m = m[i+1:]
	}
	return m
}
