package ml

import (
	"context"
	"forecast-workbench/apperrors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFitARIMARecoversAR1(t *testing.T) {
	values := arSeries(400, 10, 0.6, 1, 1)

	model, err := FitARIMA(context.Background(), values, ARIMAOrder{P: 1})
	require.NoError(t, err)

	require.Len(t, model.AR, 1)
	assert.InDelta(t, 0.6, model.AR[0], 0.12)
	assert.InDelta(t, 10, model.Intercept, 0.6)
	assert.InDelta(t, 1, model.Sigma2, 0.3)
	assert.Less(t, model.AIC, model.BIC)
	assert.Equal(t, 400, model.NObs)
	assert.Len(t, model.Residuals(), 399)
}

func TestFitARIMAOrderGridNeverPanics(t *testing.T) {
	values := trendSeries(30, 50, 0.8, 5, 2)
	orders := []int{0, 1, 2, 5, 10}

	for _, p := range orders {
		for _, d := range orders {
			for _, q := range orders {
				order := ARIMAOrder{P: p, D: d, Q: q}
				assert.NotPanics(t, func() {
					model, err := FitARIMA(context.Background(), values, order)
					if err != nil {
						assert.Equal(t, apperrors.ModelFitError, apperrors.KindOf(err), "%s: %v", order, err)
						return
					}
					mean, lower, upper, err := model.Forecast(6, 0.95)
					if err != nil {
						assert.Equal(t, apperrors.ModelFitError, apperrors.KindOf(err), "%s: %v", order, err)
						return
					}
					assert.Len(t, mean, 6, order.String())
					assert.Len(t, lower, 6)
					assert.Len(t, upper, 6)
				})
			}
		}
	}
}

func TestFitARIMATooShort(t *testing.T) {
	_, err := FitARIMA(context.Background(), []float64{1, 2}, ARIMAOrder{D: 2})
	require.Error(t, err)
	assert.Equal(t, apperrors.ModelFitError, apperrors.KindOf(err))

	_, err = FitARIMA(context.Background(), []float64{1, 2, 3, 4}, ARIMAOrder{P: 2, Q: 2})
	require.Error(t, err)
	assert.Equal(t, apperrors.ModelFitError, apperrors.KindOf(err))
}

func TestFitARIMARejectsInvalidOrder(t *testing.T) {
	_, err := FitARIMA(context.Background(), arSeries(50, 0, 0.5, 1, 3), ARIMAOrder{P: 11})
	require.Error(t, err)
	assert.Equal(t, apperrors.InvalidConfig, apperrors.KindOf(err))

	_, err = FitARIMA(context.Background(), arSeries(50, 0, 0.5, 1, 3), ARIMAOrder{Q: -1})
	require.Error(t, err)
	assert.Equal(t, apperrors.InvalidConfig, apperrors.KindOf(err))
}

func TestFitARIMARejectsNonFinite(t *testing.T) {
	values := arSeries(50, 0, 0.5, 1, 4)
	values[10] = math.NaN()
	_, err := FitARIMA(context.Background(), values, ARIMAOrder{P: 1})
	require.Error(t, err)
	assert.Equal(t, apperrors.ModelFitError, apperrors.KindOf(err))
}

func TestFitARIMACancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := FitARIMA(ctx, arSeries(50, 0, 0.5, 1, 5), ARIMAOrder{P: 1})
	require.Error(t, err)
	assert.Equal(t, apperrors.ModelFitError, apperrors.KindOf(err))
}

func TestARIMARandomWalkForecast(t *testing.T) {
	values := randomWalk(60, 0, 1, 6)

	model, err := FitARIMA(context.Background(), values, ARIMAOrder{D: 1})
	require.NoError(t, err)

	mean, lower, upper, err := model.Forecast(5, 0.95)
	require.NoError(t, err)

	last := values[len(values)-1]
	for h := range mean {
		assert.InDelta(t, last, mean[h], 1e-9)
		assert.Less(t, lower[h], mean[h])
		assert.Greater(t, upper[h], mean[h])
		if h > 0 {
			assert.Greater(t, upper[h]-lower[h], upper[h-1]-lower[h-1], "random walk intervals widen")
		}
	}
}

func TestARIMAForecastTracksTrend(t *testing.T) {
	values := make([]float64, 40)
	for i := range values {
		values[i] = 10 + 2*float64(i) + math.Sin(float64(i))*0.1
	}

	model, err := FitARIMA(context.Background(), values, ARIMAOrder{P: 1, D: 1, Q: 1})
	require.NoError(t, err)

	mean, _, _, err := model.Forecast(12, 0.9)
	require.NoError(t, err)
	assert.True(t, allFinite(mean))
	assert.Greater(t, mean[11], values[39])
}

func TestARIMAForecastRejectsZeroSteps(t *testing.T) {
	model, err := FitARIMA(context.Background(), arSeries(40, 0, 0.3, 1, 7), ARIMAOrder{P: 1})
	require.NoError(t, err)

	_, _, _, err = model.Forecast(0, 0.95)
	assert.Equal(t, apperrors.InvalidConfig, apperrors.KindOf(err))
}

func TestDifferenceAndIntegrate(t *testing.T) {
	values := []float64{1, 4, 9, 16, 25}

	d1 := difference(values)
	assert.Equal(t, []float64{3, 5, 7, 9}, d1)
	d2 := difference(d1)
	assert.Equal(t, []float64{2, 2, 2}, d2)
	assert.Empty(t, difference([]float64{1}))

	// continuing the second difference of squares gives the next squares
	next := integrate([]float64{2, 2}, []float64{25, 9})
	assert.Equal(t, []float64{36, 49}, next)
}

func TestPsiWeights(t *testing.T) {
	m := &ARIMAModel{Order: ARIMAOrder{P: 1}, AR: []float64{0.5}}
	psi := m.psiWeights(4)
	assert.InDeltaSlice(t, []float64{1, 0.5, 0.25, 0.125}, psi, 1e-12)

	m = &ARIMAModel{Order: ARIMAOrder{D: 1}}
	assert.InDeltaSlice(t, []float64{1, 1, 1}, m.psiWeights(3), 1e-12)

	m = &ARIMAModel{Order: ARIMAOrder{Q: 1}, MA: []float64{0.4}}
	assert.InDeltaSlice(t, []float64{1, 0.4, 0, 0}, m.psiWeights(4), 1e-12)
}

func TestYuleWalker(t *testing.T) {
	// AR(1) with phi 0.7 has acf 0.7^k
	acf := []float64{1, 0.7, 0.49, 0.343}
	phi := yuleWalker(acf, 2)
	assert.InDelta(t, 0.7, phi[0], 1e-9)
	assert.InDelta(t, 0, phi[1], 1e-9)
}
