// Package pricing estimates the dollar cost of a request's accumulated usage.
//
// The pricing function is injectable: the cost accumulator calls it with the
// new running totals after every delta, so it must be pure and cheap.
package pricing

import "github.com/atelier-ai/kiln/internal/model"

// Func maps running usage totals to an estimated cost in USD.
type Func func(model.Costs) float64

// Rates holds per-unit prices.
type Rates struct {
	LLMPer1KTokens       float64
	PerImageGeneration   float64
	EmbeddingPer1KTokens float64
}

// Table builds a pricing function from a rate table.
func Table(r Rates) Func {
	return func(c model.Costs) float64 {
		return float64(c.LLMTokens)/1000*r.LLMPer1KTokens +
			float64(c.ImageGenerations)*r.PerImageGeneration +
			float64(c.EmbeddingTokens)/1000*r.EmbeddingPer1KTokens
	}
}

// Default prices usage at commodity rates. Deployments override this via
// configuration.
var Default = Table(Rates{
	LLMPer1KTokens:       0.002,
	PerImageGeneration:   0.04,
	EmbeddingPer1KTokens: 0.0001,
})
