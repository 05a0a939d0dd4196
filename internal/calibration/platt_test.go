package calibration

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFitPlatt_RequiresMinimumOutcomes(t *testing.T) {
	e := NewEngine(testCalibrationConfig(), nil)
	for i := 0; i < 49; i++ {
		e.RecordOutcome(outcome("composite", 0.6, i%2 == 0))
	}

	_, err := e.FitPlatt()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "platt fit needs 50")
}

func TestFitPlatt_CorrectsOverconfidentForecasts(t *testing.T) {
	cfg := testCalibrationConfig()
	cfg.HistorySize = 200
	e := NewEngine(cfg, nil)

	// Forecasts say 0.8 but reality is a coin flip. The fitted curve should
	// pull the probability toward 0.5 and improve the Brier score.
	for i := 0; i < 100; i++ {
		e.RecordOutcome(outcome("composite", 0.8, i%2 == 0))
	}

	res, err := e.FitPlatt()
	require.NoError(t, err)

	assert.Equal(t, 100, res.SampleCount)
	assert.InDelta(t, 0.34, res.BaselineBrier, 1e-6)
	assert.Greater(t, res.Improvement, 0.0)
	assert.InDelta(t, 0.5, res.Apply(0.8), 0.05)
}

func TestFitPlatt_KeepsInformativeForecasts(t *testing.T) {
	cfg := testCalibrationConfig()
	cfg.HistorySize = 200
	e := NewEngine(cfg, nil)

	// Well-separated forecasts: high confidence wins, low confidence loses.
	for i := 0; i < 60; i++ {
		e.RecordOutcome(outcome("composite", 0.9, true))
	}
	for i := 0; i < 60; i++ {
		e.RecordOutcome(outcome("composite", 0.2, false))
	}

	res, err := e.FitPlatt()
	require.NoError(t, err)

	// The mapping must stay monotone and keep the two groups apart.
	assert.Greater(t, res.A, 0.0)
	assert.Greater(t, res.Apply(0.9), res.Apply(0.2))
	assert.Greater(t, res.Apply(0.9), 0.5)
	assert.Less(t, res.Apply(0.2), 0.5)
}
