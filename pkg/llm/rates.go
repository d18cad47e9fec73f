package llm

import "strings"

// modelRate is USD per million tokens.
type modelRate struct {
	input  float64
	output float64
}

// rateTable maps model name prefixes to rates. Longest prefix wins; unknown
// models cost zero (accounting still tracks their token counts).
var rateTable = map[string]modelRate{
	"gpt-4o-mini":       {0.15, 0.60},
	"gpt-4o":            {2.50, 10.00},
	"gpt-4.1-mini":      {0.40, 1.60},
	"gpt-4.1":           {2.00, 8.00},
	"claude-3-5-haiku":  {0.80, 4.00},
	"claude-haiku":      {1.00, 5.00},
	"claude-sonnet":     {3.00, 15.00},
	"claude-3-7-sonnet": {3.00, 15.00},
	"claude-opus":       {15.00, 75.00},
}

// Cost returns the USD cost of a call against the rate table.
func Cost(model string, promptTokens, completionTokens int) float64 {
	var best string
	for prefix := range rateTable {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return 0
	}
	rate := rateTable[best]
	return float64(promptTokens)/1e6*rate.input + float64(completionTokens)/1e6*rate.output
}
