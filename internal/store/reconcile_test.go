package store_test

import (
	"testing"

	"github.com/sixbtc/pipeline/internal/store"
)

func TestReconcileDecision(t *testing.T) {
	cases := []struct {
		name          string
		allocated     float64
		peak          float64
		actual        float64
		wantAllocated float64
		wantPeak      float64
		wantCorrected bool
	}{
		{"phantom_capital", 83.33, 120, 0, 0, 0, true},
		{"zero_everywhere", 0, 0, 0, 0, 0, false},
		{"negative_balance_phantom", 50, 60, -5, 0, 0, true},
		{"mismatch_snaps_up", 100, 100, 250, 250, 250, true},
		{"mismatch_snaps_down_keeps_peak", 250, 300, 100, 100, 300, true},
		{"sub_dollar_drift_ignored", 100, 110, 100.5, 100, 110, false},
		{"exact_match", 100, 110, 100, 100, 110, false},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			allocated, peak, corrected := store.ReconcileDecision(c.allocated, c.peak, c.actual)
			if allocated != c.wantAllocated || peak != c.wantPeak || corrected != c.wantCorrected {
				t.Fatalf("ReconcileDecision(%v, %v, %v) = (%v, %v, %v), want (%v, %v, %v)",
					c.allocated, c.peak, c.actual,
					allocated, peak, corrected,
					c.wantAllocated, c.wantPeak, c.wantCorrected)
			}
		})
	}
}
