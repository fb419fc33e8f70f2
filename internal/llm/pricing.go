package llm

// ModelPricing is the per-1M-token price pair for a model.
type ModelPricing struct {
	InputUSD  float64
	OutputUSD float64
}

// pricingTable maps model names to USD per 1M tokens. Unknown models cost
// zero; accounting still records their token counts.
var pricingTable = map[string]ModelPricing{
	"gpt-4o":                    {InputUSD: 2.50, OutputUSD: 10.00},
	"gpt-4o-mini":               {InputUSD: 0.15, OutputUSD: 0.60},
	"gpt-4-turbo":               {InputUSD: 10.00, OutputUSD: 30.00},
	"claude-3-5-sonnet-latest":  {InputUSD: 3.00, OutputUSD: 15.00},
	"claude-3-5-haiku-latest":   {InputUSD: 0.80, OutputUSD: 4.00},
	"claude-3-opus-latest":      {InputUSD: 15.00, OutputUSD: 75.00},
	"text-embedding-3-small":    {InputUSD: 0.02},
	"text-embedding-3-large":    {InputUSD: 0.13},
	"text-embedding-ada-002":    {InputUSD: 0.10},
}

// CompletionCost computes the USD cost of a completion call.
func CompletionCost(model string, inputTokens, outputTokens int) float64 {
	p, ok := pricingTable[model]
	if !ok {
		return 0
	}
	return float64(inputTokens)/1e6*p.InputUSD + float64(outputTokens)/1e6*p.OutputUSD
}

// EmbeddingCost computes the USD cost of an embedding call.
func EmbeddingCost(model string, tokens int) float64 {
	p, ok := pricingTable[model]
	if !ok {
		return 0
	}
	return float64(tokens) / 1e6 * p.InputUSD
}
