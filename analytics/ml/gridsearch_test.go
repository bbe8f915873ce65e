package ml

import (
	"context"
	"forecast-workbench/apperrors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func smallGrid() GridConfig {
	return GridConfig{
		ChangepointPriorScales: []float64{0.05, 0.5},
		SeasonalityPriorScales: []float64{1, 10},
		Modes:                  []SeasonalityMode{Additive},
		NumChangepoints:        []int{5},
		MaxCombinations:        96,
		Budget:                 20 * time.Second,
		Workers:                2,
	}
}

func TestGridCombinations(t *testing.T) {
	combos, truncated := DefaultGrid().Combinations()
	assert.Len(t, combos, 96)
	assert.False(t, truncated)

	g := DefaultGrid()
	g.MaxCombinations = 10
	combos, truncated = g.Combinations()
	assert.Len(t, combos, 10)
	assert.True(t, truncated)
	assert.Equal(t, ProphetParams{ChangepointPriorScale: 0.01, SeasonalityPriorScale: 0.01, Mode: Additive, NumChangepoints: 10}, combos[0])
}

func TestGridSearchPicksLowestMAPE(t *testing.T) {
	times := monthlyTimes(48)
	values := trendSeries(48, 300, 2, 15, 41)

	best, report, err := GridSearch(context.Background(), times, values, DefaultProphet(), smallGrid(), 6)
	require.NoError(t, err)

	assert.Equal(t, 4, report.Combos)
	assert.Equal(t, 4, report.Completed)
	assert.Equal(t, RankByMAPE, report.RankedBy)
	assert.Equal(t, 6, report.Holdout)
	assert.False(t, report.Truncated)
	assert.False(t, report.TimedOut)
	assert.Empty(t, report.Warnings)
	assert.Nil(t, best.Grid)

	for _, c := range report.Candidates {
		require.True(t, c.Completed, c.Error)
		require.NotNil(t, c.MAPE)
		assert.GreaterOrEqual(t, *c.MAPE, report.Score)
	}
	assert.Equal(t, report.Best.ChangepointPriorScale, best.ChangepointPriorScale)
	assert.Equal(t, report.Best.SeasonalityPriorScale, best.SeasonalityPriorScale)
}

func TestGridSearchFallsBackToMAE(t *testing.T) {
	times := monthlyTimes(36)
	values := trendSeries(36, 100, 1, 5, 42)
	values[33] = 0

	_, report, err := GridSearch(context.Background(), times, values, DefaultProphet(), smallGrid(), 6)
	require.NoError(t, err)
	assert.Equal(t, RankByMAE, report.RankedBy)
	require.Len(t, report.Warnings, 1)
	assert.Contains(t, report.Warnings[0], "MAE")
}

func TestGridSearchTruncationWarning(t *testing.T) {
	grid := smallGrid()
	grid.MaxCombinations = 1

	_, report, err := GridSearch(context.Background(), monthlyTimes(36), trendSeries(36, 100, 1, 5, 43), DefaultProphet(), grid, 6)
	require.NoError(t, err)
	assert.True(t, report.Truncated)
	assert.Equal(t, 1, report.Combos)
	assert.Contains(t, report.Warnings, "grid truncated to the maximum number of combinations")
}

func TestGridSearchHoldoutTooLarge(t *testing.T) {
	_, _, err := GridSearch(context.Background(), monthlyTimes(5), trendSeries(5, 1, 1, 0, 44), DefaultProphet(), smallGrid(), 4)
	require.Error(t, err)
	assert.Equal(t, apperrors.ModelFitError, apperrors.KindOf(err))
}

func TestGridSearchCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, report, err := GridSearch(ctx, monthlyTimes(36), trendSeries(36, 100, 1, 5, 45), DefaultProphet(), smallGrid(), 6)
	require.Error(t, err)
	assert.Equal(t, apperrors.ModelFitError, apperrors.KindOf(err))
	assert.Equal(t, 0, report.Completed)
}

func TestGridSearchInvalidGrid(t *testing.T) {
	grid := smallGrid()
	grid.ChangepointPriorScales = []float64{0.001}
	_, _, err := GridSearch(context.Background(), monthlyTimes(36), trendSeries(36, 100, 1, 5, 46), DefaultProphet(), grid, 6)
	assert.Equal(t, apperrors.InvalidConfig, apperrors.KindOf(err))
}
