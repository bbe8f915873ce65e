package ml

import (
	"forecast-workbench/apperrors"
	"math"
)

// Accuracy holds backtest error metrics. MAPE is a percentage and is nil
// when any overlapping actual is zero.
type Accuracy struct {
	MAPE    *float64 `json:"mape"`
	MAE     float64  `json:"mae"`
	RMSE    float64  `json:"rmse"`
	Holdout int      `json:"holdout"`
}

// overlap aligns actuals and predictions by position: the last n actuals
// against the first n predictions, n being the shorter length
func overlap(actuals, preds []float64) ([]float64, []float64) {
	n := len(actuals)
	if len(preds) < n {
		n = len(preds)
	}
	return actuals[len(actuals)-n:], preds[:n]
}

// MAPE returns the mean absolute percentage error over the overlap. It
// fails with UndefinedAccuracyMetric when the overlap is empty or holds a
// zero actual.
func MAPE(actuals, preds []float64) (float64, error) {
	a, p := overlap(actuals, preds)
	if len(a) == 0 {
		return 0, apperrors.New(apperrors.UndefinedAccuracyMetric, "mape", "no overlapping observations")
	}
	sum := 0.0
	for i := range a {
		if a[i] == 0 {
			return 0, apperrors.New(apperrors.UndefinedAccuracyMetric, "mape", "actual value is zero at position %d", i+1)
		}
		sum += math.Abs((a[i] - p[i]) / a[i])
	}
	return sum / float64(len(a)) * 100, nil
}

// MAE returns the mean absolute error over the overlap
func MAE(actuals, preds []float64) float64 {
	a, p := overlap(actuals, preds)
	if len(a) == 0 {
		return 0
	}
	sum := 0.0
	for i := range a {
		sum += math.Abs(a[i] - p[i])
	}
	return sum / float64(len(a))
}

// RMSE returns the root mean squared error over the overlap
func RMSE(actuals, preds []float64) float64 {
	a, p := overlap(actuals, preds)
	if len(a) == 0 {
		return 0
	}
	sum := 0.0
	for i := range a {
		d := a[i] - p[i]
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(a)))
}

// Evaluate computes every metric over the overlap. The returned error is
// the UndefinedAccuracyMetric reason when MAPE is unavailable.
func Evaluate(actuals, preds []float64) (Accuracy, error) {
	a, _ := overlap(actuals, preds)
	acc := Accuracy{
		MAE:     MAE(actuals, preds),
		RMSE:    RMSE(actuals, preds),
		Holdout: len(a),
	}
	mape, err := MAPE(actuals, preds)
	if err != nil {
		return acc, err
	}
	acc.MAPE = &mape
	return acc, nil
}
