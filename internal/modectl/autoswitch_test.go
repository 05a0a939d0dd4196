package modectl

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kjarvik/tradegate/internal/domain"
)

func TestRecommendMode(t *testing.T) {
	const threshold = 0.75

	cases := []struct {
		name    string
		current domain.Mode
		avg     float64
		want    domain.Mode
		switchy bool
	}{
		{"single upgrades above threshold", domain.ModeSingleInstrument, 0.80, domain.ModeMultiInstrument, true},
		{"single upgrades exactly at threshold", domain.ModeSingleInstrument, 0.75, domain.ModeMultiInstrument, true},
		{"single holds below threshold", domain.ModeSingleInstrument, 0.74, domain.ModeSingleInstrument, false},
		{"multi holds in hysteresis band", domain.ModeMultiInstrument, 0.60, domain.ModeMultiInstrument, false},
		{"multi downgrades under band", domain.ModeMultiInstrument, 0.50, domain.ModeSingleInstrument, true},
		{"multi holds at band boundary", domain.ModeMultiInstrument, 0.525, domain.ModeMultiInstrument, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := recommendMode(tc.current, tc.avg, threshold)
			assert.Equal(t, tc.switchy, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}
