package correction

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConfidenceClampsProduct(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name       string
		prior      float64
		rate       float64
		confidence float64
		want       float64
	}{
		{"typical product", 0.9, 0.8, 0.9, 0.648},
		{"neutral history", 0.85, 1, 0.9, 0.765},
		{"clamped above", 1.5, 1, 1, 1},
		{"clamped below", -0.2, 1, 1, 0},
		{"zero rate zeroes out", 0.85, 0, 0.9, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Confidence(tt.prior, tt.rate, tt.confidence), 1e-9)
		})
	}
}

func TestHistoricalRateDefaultsToNeutral(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	assert.InDelta(t, 1.0, historicalRate(Request{}), 1e-9)
	assert.InDelta(t, 0.4, historicalRate(Request{HistoricalRate: 0.4}), 1e-9)
}
