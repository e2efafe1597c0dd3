// Package pricing converts token counts into rupiah. The estimator is pure;
// the FX rate it receives is authoritative for that call, whatever fallback
// produced it.
package pricing

import (
	"fmt"
	"math"
)

// Estimate is the priced outcome of one token count.
type Estimate struct {
	TotalTokens int64
	CostIDR     int64
}

// Estimator prices token usage against the per-model USD table.
type Estimator struct {
	usdPerMTok map[string]float64
	markup     float64
}

// New constructs an Estimator. Prices are USD per million tokens, combined
// input and output, keyed by logical model name.
func New(usdPerMTok map[string]float64, markup float64) *Estimator {
	if markup <= 0 {
		markup = 1
	}
	return &Estimator{usdPerMTok: usdPerMTok, markup: markup}
}

// Known reports whether the model has a price entry.
func (e *Estimator) Known(model string) bool {
	_, ok := e.usdPerMTok[model]
	return ok
}

// Estimate prices inputTokens+outputTokens of model usage at fxRate rupiah
// per USD. Cost rounds up to the next whole rupiah. Called once pre-flight
// with outputTokens=0 and once post-hoc with actual usage.
func (e *Estimator) Estimate(model string, inputTokens, outputTokens int64, fxRate float64) (Estimate, error) {
	price, ok := e.usdPerMTok[model]
	if !ok {
		return Estimate{}, fmt.Errorf("pricing: no price for model %q", model)
	}
	if inputTokens < 0 {
		inputTokens = 0
	}
	if outputTokens < 0 {
		outputTokens = 0
	}
	total := inputTokens + outputTokens
	usd := float64(total) * price / 1_000_000 * e.markup
	cost := int64(math.Ceil(usd * fxRate))
	return Estimate{TotalTokens: total, CostIDR: cost}, nil
}
