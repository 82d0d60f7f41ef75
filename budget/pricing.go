package budget

import (
	"strings"

	"github.com/PipeLaneLabs/ordo-ai/types"
)

// ModelPrice is USD per 1K tokens.
type ModelPrice struct {
	InputPer1K  float64 `json:"input_per_1k" yaml:"input_per_1k"`
	OutputPer1K float64 `json:"output_per_1k" yaml:"output_per_1k"`
}

// Pricing maps model names to prices. Lookup falls back to the longest
// matching prefix, then to the "default" entry.
type Pricing map[string]ModelPrice

// DefaultPricing returns conservative list prices for common models.
func DefaultPricing() Pricing {
	return Pricing{
		"default":           {InputPer1K: 0.003, OutputPer1K: 0.015},
		"claude-3-5-sonnet": {InputPer1K: 0.003, OutputPer1K: 0.015},
		"claude-3-haiku":    {InputPer1K: 0.00025, OutputPer1K: 0.00125},
		"gpt-4o":            {InputPer1K: 0.0025, OutputPer1K: 0.01},
		"gpt-4o-mini":       {InputPer1K: 0.00015, OutputPer1K: 0.0006},
		"deepseek-chat":     {InputPer1K: 0.00027, OutputPer1K: 0.0011},
	}
}

// Lookup returns the price for a model.
func (p Pricing) Lookup(model string) ModelPrice {
	if price, ok := p[model]; ok {
		return price
	}
	best, bestLen := ModelPrice{}, -1
	for name, price := range p {
		if name != "default" && strings.HasPrefix(model, name) && len(name) > bestLen {
			best, bestLen = price, len(name)
		}
	}
	if bestLen >= 0 {
		return best
	}
	return p["default"]
}

// Cost prices actual usage, rounding up to the next micro-dollar.
func (p Pricing) Cost(model string, tokensIn, tokensOut int64) types.MicroUSD {
	price := p.Lookup(model)
	micros := tokensIn*int64(types.USD(price.InputPer1K)) + tokensOut*int64(types.USD(price.OutputPer1K))
	return types.MicroUSD(ceilDiv(micros, 1000))
}

// Projected prices a token estimate at the higher of the two rates, since the
// input/output split is unknown before the call.
func (p Pricing) Projected(model string, tokens int64) types.MicroUSD {
	price := p.Lookup(model)
	rate := max(types.USD(price.InputPer1K), types.USD(price.OutputPer1K))
	return types.MicroUSD(ceilDiv(tokens*int64(rate), 1000))
}

func ceilDiv(a, b int64) int64 {
	if a <= 0 {
		return 0
	}
	return (a + b - 1) / b
}
