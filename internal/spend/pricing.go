// Package spend prices model token usage and maintains per-model and
// per-agent rollups, persisted as a summary file plus monthly ledgers.
package spend

import "math"

// ModelPricing holds per-1k-token USD rates for a model ref.
type ModelPricing struct {
	InputPer1kUsd  float64 `json:"inputPer1kUsd"`
	OutputPer1kUsd float64 `json:"outputPer1kUsd"`
}

// Pricing maps model refs to their rates. Unknown refs price to zero.
type Pricing map[string]ModelPricing

// CostFor returns the USD cost for a call, rounded to 8 decimals.
func (p Pricing) CostFor(modelRef string, tokensIn, tokensOut int64) float64 {
	rates, ok := p[modelRef]
	if !ok {
		return 0
	}
	cost := float64(tokensIn)/1000*rates.InputPer1kUsd +
		float64(tokensOut)/1000*rates.OutputPer1kUsd
	return Round8(cost)
}

// Round8 rounds to 8 decimal places, the precision spend counters carry.
func Round8(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return math.Round(v*1e8) / 1e8
}
