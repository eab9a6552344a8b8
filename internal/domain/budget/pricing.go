package budget

import "strings"

// ModelPrice is USD per million tokens.
type ModelPrice struct {
	InputPer1M  float64
	OutputPer1M float64
}

// defaultPrices covers the common models; unknown models fall back to
// defaultPrice. Overridable per entry via SetPrice.
var defaultPrices = map[string]ModelPrice{
	"claude-opus-4":     {InputPer1M: 15.0, OutputPer1M: 75.0},
	"claude-sonnet-4":   {InputPer1M: 3.0, OutputPer1M: 15.0},
	"claude-3-5-sonnet": {InputPer1M: 3.0, OutputPer1M: 15.0},
	"claude-3-5-haiku":  {InputPer1M: 0.8, OutputPer1M: 4.0},
	"gpt-4o":            {InputPer1M: 2.50, OutputPer1M: 10.0},
	"gpt-4o-mini":       {InputPer1M: 0.15, OutputPer1M: 0.60},
	"gpt-4-turbo":       {InputPer1M: 10.0, OutputPer1M: 30.0},
	"o1":                {InputPer1M: 15.0, OutputPer1M: 60.0},
	"o1-mini":           {InputPer1M: 3.0, OutputPer1M: 12.0},
	"deepseek-chat":     {InputPer1M: 0.27, OutputPer1M: 1.10},
	"mistral-large":     {InputPer1M: 2.0, OutputPer1M: 6.0},
	"llama":             {InputPer1M: 0, OutputPer1M: 0}, // local
}

var defaultPrice = ModelPrice{InputPer1M: 1.0, OutputPer1M: 3.0}

// PriceBook resolves model refs to pricing. Lookups accept full refs like
// "anthropic/claude-sonnet-4" and match the longest known prefix of the
// model part, so dated variants resolve to their family entry.
type PriceBook struct {
	prices map[string]ModelPrice
}

// NewPriceBook starts from the built-in table.
func NewPriceBook() *PriceBook {
	prices := make(map[string]ModelPrice, len(defaultPrices))
	for k, v := range defaultPrices {
		prices[k] = v
	}
	return &PriceBook{prices: prices}
}

// SetPrice overrides or adds one model's pricing.
func (p *PriceBook) SetPrice(model string, price ModelPrice) {
	p.prices[model] = price
}

// Resolve returns the pricing for a model ref.
func (p *PriceBook) Resolve(modelRef string) ModelPrice {
	model := modelRef
	if i := strings.Index(model, "/"); i >= 0 {
		model = model[i+1:]
	}

	if price, ok := p.prices[model]; ok {
		return price
	}

	best := ""
	for known := range p.prices {
		if strings.HasPrefix(model, known) && len(known) > len(best) {
			best = known
		}
	}
	if best != "" {
		return p.prices[best]
	}
	return defaultPrice
}

// EstimateCost computes one call's USD cost from token counts.
func (p *PriceBook) EstimateCost(modelRef string, tokensIn, tokensOut int) float64 {
	price := p.Resolve(modelRef)
	return float64(tokensIn)/1_000_000*price.InputPer1M +
		float64(tokensOut)/1_000_000*price.OutputPer1M
}
