package observer

// ModelPricing holds per-million-token pricing for a model.
type ModelPricing struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

// DefaultPricing covers the models the Marikina deployment runs.
// Override or extend via [observer.pricing] in agos.toml. Local models
// (Ollama and friends) cost nothing.
var DefaultPricing = map[string]ModelPricing{
	"gpt-4o":       {2.50, 10.00},
	"gpt-4o-mini":  {0.15, 0.60},
	"gpt-4.1":      {2.00, 8.00},
	"gpt-4.1-mini": {0.40, 1.60},
	"gpt-4.1-nano": {0.10, 0.40},

	"llama3.1":   {0.0, 0.0},
	"llava":      {0.0, 0.0},
	"qwen2.5-vl": {0.0, 0.0},
}

// CostCalculator computes USD cost from token counts.
type CostCalculator struct {
	pricing map[string]ModelPricing
}

// NewCostCalculator merges overrides onto the default table. Pass nil
// to price with defaults alone.
func NewCostCalculator(overrides map[string]ModelPricing) *CostCalculator {
	c := &CostCalculator{
		pricing: make(map[string]ModelPricing, len(DefaultPricing)+len(overrides)),
	}
	for name, p := range DefaultPricing {
		c.pricing[name] = p
	}
	for name, p := range overrides {
		c.pricing[name] = p
	}
	return c
}

// Calculate prices one call. Unknown models price at zero.
func (c *CostCalculator) Calculate(model string, inputTokens, outputTokens int) float64 {
	p, ok := c.pricing[model]
	if !ok {
		return 0
	}
	return perMillion(inputTokens, p.InputPerMillion) +
		perMillion(outputTokens, p.OutputPerMillion)
}

func perMillion(tokens int, rate float64) float64 {
	return float64(tokens) / 1_000_000 * rate
}
