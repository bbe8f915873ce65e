package ml

import (
	"context"
	"fmt"
	"forecast-workbench/apperrors"
	"math"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/optimize"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// coefficientBound keeps AR and MA coefficients strictly inside the unit interval
const coefficientBound = 0.99

// ARIMAOrder represents the (p, d, q) order of an ARIMA model
type ARIMAOrder struct {
	P int `json:"p"`
	D int `json:"d"`
	Q int `json:"q"`
}

func (o ARIMAOrder) String() string {
	return fmt.Sprintf("ARIMA(%d,%d,%d)", o.P, o.D, o.Q)
}

// ARIMAModel is an ARIMA model fitted by conditional sum of squares
type ARIMAModel struct {
	Order     ARIMAOrder `json:"order"`
	AR        []float64  `json:"ar"`
	MA        []float64  `json:"ma"`
	Intercept float64    `json:"intercept"`
	Sigma2    float64    `json:"sigma2"`
	LogLik    float64    `json:"log_likelihood"`
	AIC       float64    `json:"aic"`
	AICc      float64    `json:"aicc"`
	BIC       float64    `json:"bic"`
	NObs      int        `json:"n_obs"`

	diffed     []float64 // series after d differences
	residuals  []float64 // innovations on the differenced scale
	lastLevels []float64 // last value of the series at each differencing level
}

// FitARIMA estimates an ARIMA model. The intercept is only estimated when
// d is 0. Any numerical failure, including a panic inside the optimiser,
// is reported as ModelFitError.
func FitARIMA(ctx context.Context, values []float64, order ARIMAOrder) (model *ARIMAModel, err error) {
	if err := (FixedOrderARIMA{P: order.P, D: order.D, Q: order.Q}).Validate(); err != nil {
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			model = nil
			err = apperrors.New(apperrors.ModelFitError, "fit arima", "%s failed: %v", order, r)
		}
	}()

	if len(values) < order.D+1 {
		return nil, apperrors.New(apperrors.ModelFitError, "fit arima",
			"%s needs at least %d observations, got %d", order, order.D+1, len(values))
	}
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, apperrors.New(apperrors.ModelFitError, "fit arima", "series contains non-finite values")
		}
	}

	m := &ARIMAModel{Order: order, NObs: len(values)}
	w := append([]float64(nil), values...)
	for k := 0; k < order.D; k++ {
		m.lastLevels = append(m.lastLevels, w[len(w)-1])
		w = difference(w)
	}
	m.diffed = w

	p, q := order.P, order.Q
	nEff := len(w)
	withMean := order.D == 0
	params := p + q
	if withMean {
		params++
	}
	if nEff-p <= p+q+1 {
		return nil, apperrors.New(apperrors.ModelFitError, "fit arima",
			"%s needs more observations: %d usable after differencing", order, nEff)
	}

	x0 := make([]float64, params)
	mean := 0.0
	if withMean {
		mean = stat.Mean(w, nil)
		x0[params-1] = mean
	}
	if p > 0 {
		ar := yuleWalker(autocorrelations(w, p), p)
		for i, phi := range ar {
			x0[i] = math.Atanh(clampCoefficient(phi) / coefficientBound)
		}
	}

	unpack := func(x []float64) (ar, ma []float64, mu float64) {
		ar = make([]float64, p)
		ma = make([]float64, q)
		for i := range ar {
			ar[i] = coefficientBound * math.Tanh(x[i])
		}
		for j := range ma {
			ma[j] = coefficientBound * math.Tanh(x[p+j])
		}
		if withMean {
			mu = x[params-1]
		}
		return ar, ma, mu
	}

	if params > 0 {
		if err := ctx.Err(); err != nil {
			return nil, apperrors.Wrap(apperrors.ModelFitError, "fit arima", err, "%s cancelled", order)
		}
		problem := optimize.Problem{
			Func: func(x []float64) float64 {
				ar, ma, mu := unpack(x)
				css, _ := conditionalSumOfSquares(w, ar, ma, mu)
				if math.IsNaN(css) || math.IsInf(css, 0) {
					return math.MaxFloat64
				}
				return css
			},
		}
		settings := &optimize.Settings{
			FuncEvaluations: 4000 * params,
			Converger:       &optimize.FunctionConverge{Absolute: 1e-12, Relative: 1e-10, Iterations: 200},
		}
		if deadline, ok := ctx.Deadline(); ok {
			settings.Runtime = time.Until(deadline)
			if settings.Runtime <= 0 {
				return nil, apperrors.New(apperrors.ModelFitError, "fit arima", "%s: deadline exceeded", order)
			}
		}
		result, err := optimize.Minimize(problem, x0, settings, &optimize.NelderMead{})
		if result == nil {
			return nil, apperrors.Wrap(apperrors.ModelFitError, "fit arima", err, "%s did not converge", order)
		}
		m.AR, m.MA, m.Intercept = unpack(result.X)
	} else {
		m.AR, m.MA = []float64{}, []float64{}
	}

	css, residuals := conditionalSumOfSquares(w, m.AR, m.MA, m.Intercept)
	m.residuals = residuals

	nCond := float64(nEff - p)
	m.Sigma2 = math.Max(css/nCond, 1e-12)
	k := float64(params + 1)
	m.LogLik = -nCond / 2 * (math.Log(2*math.Pi*m.Sigma2) + 1)
	m.AIC = -2*m.LogLik + 2*k
	m.BIC = -2*m.LogLik + k*math.Log(nCond)
	if nCond-k-1 > 0 {
		m.AICc = m.AIC + 2*k*(k+1)/(nCond-k-1)
	} else {
		m.AICc = math.MaxFloat64
	}

	estimates := append(append([]float64{m.Intercept, m.Sigma2, m.LogLik}, m.AR...), m.MA...)
	for _, v := range estimates {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, apperrors.New(apperrors.ModelFitError, "fit arima", "%s produced non-finite estimates", order)
		}
	}
	return m, nil
}

// Forecast returns point forecasts and a symmetric interval at the given
// confidence level for the next steps observations
func (m *ARIMAModel) Forecast(steps int, confidence float64) (mean, lower, upper []float64, err error) {
	if steps < 1 {
		return nil, nil, nil, apperrors.New(apperrors.InvalidConfig, "arima forecast", "steps must be at least 1")
	}

	p, q := m.Order.P, m.Order.Q
	n := len(m.diffed)
	x := make([]float64, n+steps)
	e := make([]float64, n+steps)
	for t, v := range m.diffed {
		x[t] = v - m.Intercept
	}
	copy(e, m.residuals)

	// future innovations are zero
	for h := 0; h < steps; h++ {
		t := n + h
		pred := 0.0
		for i := 0; i < p && t-i-1 >= 0; i++ {
			pred += m.AR[i] * x[t-i-1]
		}
		for j := 0; j < q && t-j-1 >= 0; j++ {
			pred += m.MA[j] * e[t-j-1]
		}
		x[t] = pred
	}

	mean = make([]float64, steps)
	for h := range mean {
		mean[h] = x[n+h] + m.Intercept
	}
	mean = integrate(mean, m.lastLevels)

	psi := m.psiWeights(steps)
	z := distuv.UnitNormal.Quantile((1 + confidence) / 2)
	lower = make([]float64, steps)
	upper = make([]float64, steps)
	cum := 0.0
	for h := 0; h < steps; h++ {
		cum += psi[h] * psi[h]
		half := z * math.Sqrt(m.Sigma2*cum)
		lower[h] = mean[h] - half
		upper[h] = mean[h] + half
	}

	for h := range mean {
		if math.IsNaN(mean[h]) || math.IsInf(mean[h], 0) || math.IsNaN(upper[h]) || math.IsInf(upper[h], 0) {
			return nil, nil, nil, apperrors.New(apperrors.ModelFitError, "arima forecast", "%s forecast diverged", m.Order)
		}
	}
	return mean, lower, upper, nil
}

// Residuals returns the in-sample innovations after the conditioning period
func (m *ARIMAModel) Residuals() []float64 {
	return append([]float64(nil), m.residuals[m.Order.P:]...)
}

// psiWeights returns the MA(infinity) weights of phi(B)(1-B)^d x = theta(B) e
func (m *ARIMAModel) psiWeights(n int) []float64 {
	// phi(B)(1-B)^d as polynomial coefficients, constant term first
	poly := []float64{1}
	for _, phi := range m.AR {
		poly = append(poly, -phi)
	}
	for k := 0; k < m.Order.D; k++ {
		poly = polyMul(poly, []float64{1, -1})
	}

	psi := make([]float64, n)
	psi[0] = 1
	for j := 1; j < n; j++ {
		v := 0.0
		if j <= len(m.MA) {
			v = m.MA[j-1]
		}
		for i := 1; i < len(poly) && i <= j; i++ {
			v -= poly[i] * psi[j-i]
		}
		psi[j] = v
	}
	return psi
}

// conditionalSumOfSquares runs the ARMA recursion with pre-sample
// innovations set to zero, conditioning on the first p observations
func conditionalSumOfSquares(w, ar, ma []float64, mu float64) (float64, []float64) {
	p := len(ar)
	residuals := make([]float64, len(w))
	css := 0.0
	for t := p; t < len(w); t++ {
		pred := mu
		for i := 0; i < p; i++ {
			pred += ar[i] * (w[t-i-1] - mu)
		}
		for j := 0; j < len(ma) && t-j-1 >= 0; j++ {
			pred += ma[j] * residuals[t-j-1]
		}
		residuals[t] = w[t] - pred
		css += residuals[t] * residuals[t]
	}
	return css, residuals
}

// autocorrelations returns the sample autocorrelation at lags 0..maxLag
func autocorrelations(values []float64, maxLag int) []float64 {
	n := len(values)
	mean := stat.Mean(values, nil)
	centered := make([]float64, n)
	floats.AddConst(-mean, floats.AddTo(centered, centered, values))

	denom := floats.Dot(centered, centered)
	acf := make([]float64, maxLag+1)
	if denom == 0 {
		acf[0] = 1
		return acf
	}
	for lag := 0; lag <= maxLag && lag < n; lag++ {
		acf[lag] = floats.Dot(centered[:n-lag], centered[lag:]) / denom
	}
	return acf
}

// yuleWalker estimates AR coefficients with the Levinson-Durbin recursion
func yuleWalker(acf []float64, order int) []float64 {
	phi := make([]float64, order)
	if order <= 0 || len(acf) <= order {
		return phi
	}

	v := 1.0
	for k := 0; k < order; k++ {
		lambda := acf[k+1]
		for j := 0; j < k; j++ {
			lambda -= phi[j] * acf[k-j]
		}
		if v <= 1e-12 {
			break
		}
		lambda /= v

		next := make([]float64, order)
		copy(next, phi)
		for j := 0; j < k; j++ {
			next[j] = phi[j] - lambda*phi[k-1-j]
		}
		next[k] = lambda
		phi = next
		v *= 1 - lambda*lambda
	}
	return phi
}

func clampCoefficient(v float64) float64 {
	limit := coefficientBound * 0.999
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(-limit, math.Min(limit, v))
}

// difference returns the first difference of values
func difference(values []float64) []float64 {
	if len(values) < 2 {
		return []float64{}
	}
	out := make([]float64, len(values)-1)
	for i := 1; i < len(values); i++ {
		out[i-1] = values[i] - values[i-1]
	}
	return out
}

// integrate undoes differencing one level at a time, innermost first
func integrate(forecast, lastLevels []float64) []float64 {
	out := append([]float64(nil), forecast...)
	for k := len(lastLevels) - 1; k >= 0; k-- {
		acc := lastLevels[k]
		for h := range out {
			acc += out[h]
			out[h] = acc
		}
	}
	return out
}

func polyMul(a, b []float64) []float64 {
	out := make([]float64, len(a)+len(b)-1)
	for i, x := range a {
		for j, y := range b {
			out[i+j] += x * y
		}
	}
	return out
}
