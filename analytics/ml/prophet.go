package ml

import (
	"context"
	"errors"
	"forecast-workbench/apperrors"
	"math"
	"time"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// trendPriorScale is the prior standard deviation of the base rate and offset
const trendPriorScale = 5.0

const secondsPerDay = 86400.0

// seasonality is one Fourier-series seasonal component
type seasonality struct {
	Name   string  `json:"name"`
	Period float64 `json:"period_days"`
	Order  int     `json:"fourier_order"`
}

// ProphetModel is a piecewise-linear trend with Fourier seasonality, fitted
// by maximum a posteriori estimation under Gaussian priors
type ProphetModel struct {
	Spec          Prophet       `json:"spec"`
	Seasonalities []seasonality `json:"seasonalities"`
	Changepoints  []time.Time   `json:"changepoints"`

	start    time.Time
	span     float64 // seconds between first and last observation
	yScale   float64
	cpScaled []float64
	trend    []float64 // offset, rate, then one rate change per changepoint
	beta     []float64 // seasonal coefficients
	sigma2   float64   // residual variance on the scaled series

	residuals []float64
}

// FitProphet fits the model to an ordered series
func FitProphet(ctx context.Context, times []time.Time, values []float64, spec Prophet) (*ProphetModel, error) {
	spec.Grid = nil
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	n := len(values)
	if n < 2 || len(times) != n {
		return nil, apperrors.New(apperrors.ModelFitError, "fit prophet", "need at least 2 observations, got %d", n)
	}
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ModelFitError, "fit prophet", err, "cancelled")
	}

	m := &ProphetModel{Spec: spec, start: times[0], span: times[n-1].Sub(times[0]).Seconds()}
	if m.span <= 0 {
		return nil, apperrors.New(apperrors.ModelFitError, "fit prophet", "timestamps must span a positive interval")
	}

	m.yScale = 0
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, apperrors.New(apperrors.ModelFitError, "fit prophet", "series contains non-finite values")
		}
		m.yScale = math.Max(m.yScale, math.Abs(v))
	}
	if m.yScale == 0 {
		m.yScale = 1
	}
	y := make([]float64, n)
	for i, v := range values {
		y[i] = v / m.yScale
	}

	t := m.scaleTimes(times)
	m.placeChangepoints(times, t)
	m.Seasonalities = resolveSeasonalities(spec, times)

	trendX := m.trendMatrix(t)
	seasonX := m.seasonalMatrix(times)
	sigma2 := initialNoise(t, y)

	var fitted []float64
	var err error
	if spec.Mode == Multiplicative && seasonX != nil {
		fitted, err = m.fitMultiplicative(ctx, trendX, seasonX, y, sigma2)
	} else {
		fitted, err = m.fitAdditive(trendX, seasonX, y, sigma2)
	}
	if err != nil {
		return nil, err
	}

	rss := 0.0
	m.residuals = make([]float64, n)
	for i := range y {
		r := y[i] - fitted[i]
		rss += r * r
		m.residuals[i] = r * m.yScale
	}
	m.sigma2 = math.Max(rss/float64(n), 1e-12)

	for _, v := range append(append([]float64{m.sigma2}, m.trend...), m.beta...) {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, apperrors.New(apperrors.ModelFitError, "fit prophet", "produced non-finite estimates")
		}
	}
	return m, nil
}

func (m *ProphetModel) fitAdditive(trendX, seasonX *mat.Dense, y []float64, sigma2 float64) ([]float64, error) {
	x := trendX
	priors := m.trendPriors()
	if seasonX != nil {
		var joined mat.Dense
		joined.Augment(trendX, seasonX)
		x = &joined
		priors = append(priors, m.seasonalPriors()...)
	}

	coef, err := ridge(x, y, penalties(sigma2, priors))
	if err != nil {
		return nil, err
	}
	nt := len(m.trendPriors())
	m.trend = coef[:nt]
	m.beta = coef[nt:]
	return predictRows(x, coef), nil
}

// fitMultiplicative alternates between the trend and the seasonal factor
func (m *ProphetModel) fitMultiplicative(ctx context.Context, trendX, seasonX *mat.Dense, y []float64, sigma2 float64) ([]float64, error) {
	n := len(y)
	trendPriors := m.trendPriors()
	target := append([]float64(nil), y...)

	var trend, season []float64
	for iter := 0; iter < 3; iter++ {
		if err := ctx.Err(); err != nil {
			return nil, apperrors.Wrap(apperrors.ModelFitError, "fit prophet", err, "cancelled")
		}

		coef, err := ridge(trendX, target, penalties(sigma2, trendPriors))
		if err != nil {
			return nil, err
		}
		m.trend = coef
		trend = predictRows(trendX, coef)

		ratio := make([]float64, n)
		for i := range y {
			if math.Abs(trend[i]) < 1e-8 {
				return nil, apperrors.New(apperrors.ModelFitError, "fit prophet",
					"multiplicative seasonality needs a trend away from zero")
			}
			ratio[i] = y[i]/trend[i] - 1
		}
		if m.beta, err = ridge(seasonX, ratio, penalties(math.Max(variance(ratio), 1e-6), m.seasonalPriors())); err != nil {
			return nil, err
		}
		season = predictRows(seasonX, m.beta)

		for i := range y {
			factor := 1 + season[i]
			if math.Abs(factor) < 1e-8 {
				return nil, apperrors.New(apperrors.ModelFitError, "fit prophet", "seasonal factor collapsed to zero")
			}
			target[i] = y[i] / factor
		}
	}

	fitted := make([]float64, n)
	for i := range fitted {
		fitted[i] = trend[i] * (1 + season[i])
	}
	return fitted, nil
}

// Predict returns point forecasts and interval bounds for the given times
func (m *ProphetModel) Predict(times []time.Time, confidence float64) (mean, lower, upper []float64, err error) {
	t := m.scaleTimes(times)
	trend := predictRows(m.trendMatrix(t), m.trend)
	season := make([]float64, len(times))
	if sx := m.seasonalMatrix(times); sx != nil && len(m.beta) > 0 {
		season = predictRows(sx, m.beta)
	}

	// expected magnitude of future rate changes
	rate := float64(len(m.cpScaled))
	meanDelta := 0.0
	for _, d := range m.trend[2:] {
		meanDelta += math.Abs(d)
	}
	if rate > 0 {
		meanDelta /= rate
	}

	z := distuv.UnitNormal.Quantile((1 + confidence) / 2)
	mean = make([]float64, len(times))
	lower = make([]float64, len(times))
	upper = make([]float64, len(times))
	for i := range times {
		factor := 1.0
		if m.Spec.Mode == Multiplicative && len(m.beta) > 0 {
			mean[i] = trend[i] * (1 + season[i])
			factor = 1 + season[i]
		} else {
			mean[i] = trend[i] + season[i]
		}

		trendVar := 0.0
		if dt := t[i] - 1; dt > 0 {
			trendVar = rate * 2 * meanDelta * meanDelta * dt * dt * dt / 3 * factor * factor
		}
		half := z * math.Sqrt(m.sigma2+trendVar)

		mean[i] *= m.yScale
		lower[i] = mean[i] - half*m.yScale
		upper[i] = mean[i] + half*m.yScale
		if math.IsNaN(mean[i]) || math.IsInf(mean[i], 0) || math.IsInf(upper[i], 0) {
			return nil, nil, nil, apperrors.New(apperrors.ModelFitError, "prophet predict", "forecast diverged")
		}
	}
	return mean, lower, upper, nil
}

// Residuals returns in-sample residuals on the original scale
func (m *ProphetModel) Residuals() []float64 {
	return append([]float64(nil), m.residuals...)
}

func (m *ProphetModel) scaleTimes(times []time.Time) []float64 {
	t := make([]float64, len(times))
	for i, ts := range times {
		t[i] = ts.Sub(m.start).Seconds() / m.span
	}
	return t
}

// placeChangepoints spreads changepoints evenly over the first
// ChangepointRange of the history
func (m *ProphetModel) placeChangepoints(times []time.Time, t []float64) {
	n := len(t)
	history := int(math.Floor(float64(n) * m.Spec.ChangepointRange))
	count := m.Spec.NumChangepoints
	if count+1 > history {
		count = history - 1
	}
	if count <= 0 {
		return
	}
	for j := 1; j <= count; j++ {
		idx := int(math.Round(float64(j) * float64(history-1) / float64(count)))
		m.cpScaled = append(m.cpScaled, t[idx])
		m.Changepoints = append(m.Changepoints, times[idx])
	}
}

func (m *ProphetModel) trendMatrix(t []float64) *mat.Dense {
	cols := 2 + len(m.cpScaled)
	x := mat.NewDense(len(t), cols, nil)
	for i, ti := range t {
		x.Set(i, 0, 1)
		x.Set(i, 1, ti)
		for j, s := range m.cpScaled {
			if ti > s {
				x.Set(i, 2+j, ti-s)
			}
		}
	}
	return x
}

func (m *ProphetModel) seasonalMatrix(times []time.Time) *mat.Dense {
	cols := 0
	for _, s := range m.Seasonalities {
		cols += 2 * s.Order
	}
	if cols == 0 {
		return nil
	}
	x := mat.NewDense(len(times), cols, nil)
	for i, ts := range times {
		days := float64(ts.Unix()) / secondsPerDay
		col := 0
		for _, s := range m.Seasonalities {
			for k := 1; k <= s.Order; k++ {
				arg := 2 * math.Pi * float64(k) * days / s.Period
				x.Set(i, col, math.Sin(arg))
				x.Set(i, col+1, math.Cos(arg))
				col += 2
			}
		}
	}
	return x
}

func (m *ProphetModel) trendPriors() []float64 {
	priors := []float64{trendPriorScale, trendPriorScale}
	for range m.cpScaled {
		priors = append(priors, m.Spec.ChangepointPriorScale)
	}
	return priors
}

func (m *ProphetModel) seasonalPriors() []float64 {
	var priors []float64
	for _, s := range m.Seasonalities {
		for k := 0; k < 2*s.Order; k++ {
			priors = append(priors, m.Spec.SeasonalityPriorScale)
		}
	}
	return priors
}

// resolveSeasonalities applies explicit toggles and otherwise enables a
// component when the history is long and dense enough to identify it
func resolveSeasonalities(spec Prophet, times []time.Time) []seasonality {
	spanDays := times[len(times)-1].Sub(times[0]).Hours() / 24
	minGap := math.Inf(1)
	for i := 1; i < len(times); i++ {
		if gap := times[i].Sub(times[i-1]).Hours() / 24; gap > 0 && gap < minGap {
			minGap = gap
		}
	}

	enabled := func(flag *bool, auto bool) bool {
		if flag != nil {
			return *flag
		}
		return auto
	}

	var out []seasonality
	if enabled(spec.Yearly, spanDays >= 730) {
		out = append(out, seasonality{Name: "yearly", Period: 365.25, Order: 10})
	}
	if enabled(spec.Weekly, spanDays >= 14 && minGap < 7) {
		out = append(out, seasonality{Name: "weekly", Period: 7, Order: 3})
	}
	if enabled(spec.Daily, spanDays >= 2 && minGap < 1) {
		out = append(out, seasonality{Name: "daily", Period: 1, Order: 4})
	}
	return out
}

// initialNoise estimates the noise variance from a straight-line fit
func initialNoise(t, y []float64) float64 {
	x := mat.NewDense(len(t), 2, nil)
	for i, ti := range t {
		x.Set(i, 0, 1)
		x.Set(i, 1, ti)
	}
	coef, err := ridge(x, y, []float64{1e-9, 1e-9})
	if err != nil {
		return variance(y) + 1e-6
	}
	fitted := predictRows(x, coef)
	rss := 0.0
	for i := range y {
		rss += (y[i] - fitted[i]) * (y[i] - fitted[i])
	}
	return math.Max(rss/float64(len(y)), 1e-6)
}

// ridge solves (XᵀX + diag(penalty)) β = Xᵀy
func ridge(x *mat.Dense, y []float64, penalty []float64) ([]float64, error) {
	_, cols := x.Dims()
	var xtx mat.Dense
	xtx.Mul(x.T(), x)
	for i := 0; i < cols; i++ {
		xtx.Set(i, i, xtx.At(i, i)+penalty[i])
	}
	var xty mat.VecDense
	xty.MulVec(x.T(), mat.NewVecDense(len(y), y))

	var beta mat.VecDense
	if err := beta.SolveVec(&xtx, &xty); err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) {
			return nil, apperrors.Wrap(apperrors.ModelFitError, "ridge", err, "normal equations are singular")
		}
	}
	out := make([]float64, cols)
	for i := range out {
		out[i] = beta.AtVec(i)
	}
	return out, nil
}

func penalties(sigma2 float64, priors []float64) []float64 {
	out := make([]float64, len(priors))
	for i, p := range priors {
		out[i] = sigma2 / (p * p)
	}
	return out
}

func predictRows(x *mat.Dense, coef []float64) []float64 {
	rows, _ := x.Dims()
	var out mat.VecDense
	out.MulVec(x, mat.NewVecDense(len(coef), coef))
	res := make([]float64, rows)
	for i := range res {
		res[i] = out.AtVec(i)
	}
	return res
}

func variance(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	mean := 0.0
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))
	ss := 0.0
	for _, v := range values {
		ss += (v - mean) * (v - mean)
	}
	return ss / float64(len(values)-1)
}
