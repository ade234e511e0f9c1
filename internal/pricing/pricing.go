// Package pricing estimates what a worker's session has cost from the token
// total it reports in its mesh registration.
package pricing

import "strings"

// Rate holds per-million-token costs in USD.
type Rate struct {
	InputPer1M  float64
	OutputPer1M float64
}

// Registrations report one token total. Coding sessions read far more than
// they write, so the total is split 4:1 input to output.
const inputShare = 0.8

// Rates keyed by model family prefix; the longest matching prefix wins.
var rates = map[string]Rate{
	"claude-opus-4":     {15.00, 75.00},
	"claude-sonnet-4":   {3.00, 15.00},
	"claude-haiku-4":    {1.00, 5.00},
	"claude-3-7-sonnet": {3.00, 15.00},
	"gpt-5":             {1.25, 10.00},
	"gpt-5-mini":        {0.25, 2.00},
	"gpt-4.1":           {2.00, 8.00},
	"gpt-4o":            {2.50, 10.00},
	"gpt-4o-mini":       {0.15, 0.60},
	"o3":                {2.00, 8.00},
	"gemini-2.5-pro":    {1.25, 10.00},
	"gemini-2.5-flash":  {0.30, 2.50},
}

// Lookup returns the rate for model, matching by longest prefix.
func Lookup(model string) (Rate, bool) {
	model = strings.ToLower(strings.TrimSpace(model))
	if i := strings.LastIndex(model, "/"); i >= 0 {
		model = model[i+1:]
	}
	var (
		best    Rate
		bestLen int
	)
	for prefix, r := range rates {
		if strings.HasPrefix(model, prefix) && len(prefix) > bestLen {
			best, bestLen = r, len(prefix)
		}
	}
	return best, bestLen > 0
}

// EstimateCost returns the estimated USD cost for input and output tokens.
// Unknown models cost 0.
func EstimateCost(model string, inputTokens, outputTokens int) float64 {
	r, ok := Lookup(model)
	if !ok {
		return 0
	}
	return float64(inputTokens)/1_000_000*r.InputPer1M + float64(outputTokens)/1_000_000*r.OutputPer1M
}

// EstimateSession prices a session that reported only a token total.
func EstimateSession(model string, totalTokens int) float64 {
	if totalTokens <= 0 {
		return 0
	}
	in := int(float64(totalTokens) * inputShare)
	return EstimateCost(model, in, totalTokens-in)
}
