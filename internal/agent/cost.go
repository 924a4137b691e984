package agent

import "github.com/haasonsaas/warden/pkg/models"

// ModelPrice is the per-million-token price for one model.
type ModelPrice struct {
	InputUSD  float64
	OutputUSD float64
}

// modelPrices is the static price table used to derive session cost from
// token usage. Unknown models cost zero rather than guessing.
var modelPrices = map[string]ModelPrice{
	"claude-sonnet-4-20250514":   {InputUSD: 3.00, OutputUSD: 15.00},
	"claude-opus-4-20250514":     {InputUSD: 15.00, OutputUSD: 75.00},
	"claude-3-5-sonnet-20241022": {InputUSD: 3.00, OutputUSD: 15.00},
	"claude-3-5-haiku-20241022":  {InputUSD: 0.80, OutputUSD: 4.00},
	"claude-3-opus-20240229":     {InputUSD: 15.00, OutputUSD: 75.00},
	"claude-3-haiku-20240307":    {InputUSD: 0.25, OutputUSD: 1.25},
	"gpt-4o":                     {InputUSD: 2.50, OutputUSD: 10.00},
	"gpt-4o-mini":                {InputUSD: 0.15, OutputUSD: 0.60},
}

// CostUSD derives the dollar cost of a usage record for a model.
func CostUSD(model string, usage models.Usage) float64 {
	price, ok := modelPrices[model]
	if !ok {
		return 0
	}
	in := float64(usage.InputTokens) / 1e6 * price.InputUSD
	out := float64(usage.OutputTokens) / 1e6 * price.OutputUSD
	return in + out
}
