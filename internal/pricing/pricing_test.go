package pricing

import "testing"

func newTestEstimator() *Estimator {
	return New(map[string]float64{
		"gpt-5.1":    6.0,
		"gpt-5-nano": 0.3,
	}, 1.35)
}

func TestEstimateRoundsUpToWholeRupiah(t *testing.T) {
	e := newTestEstimator()

	// 1000 tokens * 6 USD/MTok * 1.35 markup * 16500 IDR/USD = 133.65 -> 134.
	got, err := e.Estimate("gpt-5.1", 700, 300, 16_500)
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	if got.TotalTokens != 1000 {
		t.Fatalf("expected 1000 total tokens, got %d", got.TotalTokens)
	}
	if got.CostIDR != 134 {
		t.Fatalf("expected 134 rupiah, got %d", got.CostIDR)
	}
}

func TestEstimatePreflightUsesZeroOutput(t *testing.T) {
	e := newTestEstimator()

	preflight, err := e.Estimate("gpt-5.1", 700, 0, 16_500)
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	final, err := e.Estimate("gpt-5.1", 700, 300, 16_500)
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	if preflight.CostIDR >= final.CostIDR {
		t.Fatalf("preflight %d should undercut final %d", preflight.CostIDR, final.CostIDR)
	}
}

func TestEstimateUnknownModel(t *testing.T) {
	e := newTestEstimator()
	if _, err := e.Estimate("gpt-unknown", 100, 0, 16_500); err == nil {
		t.Fatal("expected error for unpriced model")
	}
	if e.Known("gpt-unknown") {
		t.Fatal("unpriced model reported as known")
	}
	if !e.Known("gpt-5-nano") {
		t.Fatal("priced model reported as unknown")
	}
}

func TestEstimateZeroUsageCostsNothing(t *testing.T) {
	e := newTestEstimator()
	got, err := e.Estimate("gpt-5-nano", 0, 0, 16_500)
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	if got.TotalTokens != 0 || got.CostIDR != 0 {
		t.Fatalf("expected zero estimate, got %+v", got)
	}
}

func TestEstimateNegativeCountsClampToZero(t *testing.T) {
	e := newTestEstimator()
	got, err := e.Estimate("gpt-5-nano", -5, -10, 16_500)
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	if got.TotalTokens != 0 || got.CostIDR != 0 {
		t.Fatalf("negative counts must clamp, got %+v", got)
	}
}
