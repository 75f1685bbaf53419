// Package pricing estimates per-turn USD cost from token counters. The
// stream processor stores the estimate alongside each turn's usage row.
package pricing

import "strings"

// Rate holds USD costs per million tokens.
type Rate struct {
	InputPer1M  float64
	OutputPer1M float64
}

// rates are keyed by model family. Dated release IDs such as
// "claude-sonnet-4-5-20250929" resolve through longest-prefix match.
// Figures current as of Feb 2026.
var rates = map[string]Rate{
	// Anthropic
	"claude-3-7-sonnet": {3.00, 15.00},
	"claude-sonnet-4-5": {3.00, 15.00},
	"claude-haiku-4-5":  {1.00, 5.00},
	"claude-opus-4-1":   {15.00, 75.00},
	// Google
	"gemini-1.5-pro":        {1.25, 5.00},
	"gemini-2.0-flash-exp":  {0, 0},
	"gemini-2.5-pro":        {1.25, 10.00},
	"gemini-2.5-flash":      {0.075, 0.30},
	"gemini-2.5-flash-lite": {0, 0},
	// OpenAI
	"gpt-4o":      {2.50, 10.00},
	"gpt-4o-mini": {0.15, 0.60},
	"gpt-4.1":     {2.00, 8.00},
}

// Lookup resolves a model ID to its rate, exact match first, then the
// longest family prefix. ok is false when no family covers the model.
func Lookup(model string) (Rate, bool) {
	if r, ok := rates[model]; ok {
		return r, true
	}
	best := ""
	var found Rate
	for prefix, r := range rates {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(best) {
			best, found = prefix, r
		}
	}
	return found, best != ""
}

// EstimateCost returns the estimated USD cost of one turn. Unknown models
// cost 0 so accounting never fails a turn; diagnostics surface the gap.
func EstimateCost(model string, inputTokens, outputTokens int) float64 {
	r, ok := Lookup(model)
	if !ok {
		return 0.0
	}
	return (float64(inputTokens)/1_000_000)*r.InputPer1M +
		(float64(outputTokens)/1_000_000)*r.OutputPer1M
}
