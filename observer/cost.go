package observer

// ModelPricing is the blended USD rate for one model. Usage reporting is
// total-tokens only, so one rate covers input and output together.
type ModelPricing struct {
	PerMillionTokens float64
}

// DefaultPricing holds blended rates for the models the stock provider
// dialects commonly serve, in USD per million tokens. Unlisted models cost
// zero; pass overrides to Init to extend or correct the table.
var DefaultPricing = map[string]ModelPricing{
	"glm-4.6":           {PerMillionTokens: 1.00},
	"glm-4.5":           {PerMillionTokens: 0.80},
	"glm-4.5-air":       {PerMillionTokens: 0.25},
	"glm-4-flash":       {PerMillionTokens: 0},
	"gpt-4o":            {PerMillionTokens: 5.00},
	"gpt-4o-mini":       {PerMillionTokens: 0.30},
	"gpt-4.1":           {PerMillionTokens: 4.00},
	"gpt-4.1-mini":      {PerMillionTokens: 0.80},
	"deepseek-chat":     {PerMillionTokens: 0.55},
	"deepseek-reasoner": {PerMillionTokens: 1.10},
	"kimi-k2":           {PerMillionTokens: 1.20},
}

// CostCalculator turns token usage into USD amounts.
type CostCalculator struct {
	pricing map[string]ModelPricing
}

// NewCostCalculator builds a calculator from DefaultPricing with overrides
// merged on top.
func NewCostCalculator(overrides map[string]ModelPricing) *CostCalculator {
	pricing := make(map[string]ModelPricing, len(DefaultPricing)+len(overrides))
	for model, p := range DefaultPricing {
		pricing[model] = p
	}
	for model, p := range overrides {
		pricing[model] = p
	}
	return &CostCalculator{pricing: pricing}
}

// Calculate returns the USD cost of totalTokens for model. Unknown models
// and non-positive counts cost zero.
func (c *CostCalculator) Calculate(model string, totalTokens int64) float64 {
	p, ok := c.pricing[model]
	if !ok || totalTokens <= 0 {
		return 0
	}
	return float64(totalTokens) / 1_000_000 * p.PerMillionTokens
}
