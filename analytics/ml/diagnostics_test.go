package ml

import (
	"forecast-workbench/apperrors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiagnoseWhiteNoise(t *testing.T) {
	rng := rand.New(rand.NewSource(21))
	residuals := make([]float64, 200)
	for i := range residuals {
		residuals[i] = rng.NormFloat64()
	}

	d, err := Diagnose(residuals, 0)
	require.NoError(t, err)

	assert.Len(t, d.Residuals, 200)
	assert.Len(t, d.ACF, 20)
	assert.InDelta(t, 1.96/14.142135623730951, d.ACFBound, 1e-9)
	assert.Len(t, d.QQ, 200)
	assert.Equal(t, 10, d.LjungBox.Lags)
	assert.Equal(t, 10, d.LjungBox.DF)
	assert.Greater(t, d.LjungBox.PValue, 0.001, d.LjungBox.Verdict)
	assert.Greater(t, d.Normality.PValue, 0.001, d.Normality.Verdict)
	assert.Equal(t, "Jarque-Bera", d.Normality.Name)

	total := 0
	for _, bin := range d.Histogram {
		total += bin.Count
	}
	assert.Equal(t, 200, total)
	assert.Len(t, d.Histogram, 9) // Sturges: ceil(log2(200)) + 1

	for i := 1; i < len(d.QQ); i++ {
		assert.Less(t, d.QQ[i-1].Theoretical, d.QQ[i].Theoretical)
		assert.LessOrEqual(t, d.QQ[i-1].Sample, d.QQ[i].Sample)
	}
}

func TestDiagnoseAutocorrelatedResiduals(t *testing.T) {
	residuals := arSeries(200, 0, 0.9, 1, 22)

	d, err := Diagnose(residuals, 2)
	require.NoError(t, err)
	assert.False(t, d.LjungBox.Passed)
	assert.Equal(t, 8, d.LjungBox.DF)
	assert.True(t, d.ACF[0].Significant)
}

func TestDiagnoseConstantResiduals(t *testing.T) {
	d, err := Diagnose([]float64{1, 1, 1, 1, 1}, 0)
	require.NoError(t, err)
	assert.Len(t, d.Histogram, 1)
	assert.Equal(t, 5, d.Histogram[0].Count)
	assert.True(t, d.Normality.Passed)
}

func TestDiagnoseTooFewResiduals(t *testing.T) {
	_, err := Diagnose([]float64{1, 2, 3}, 0)
	require.Error(t, err)
	assert.Equal(t, apperrors.ModelFitError, apperrors.KindOf(err))
}
