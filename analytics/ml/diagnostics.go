package ml

import (
	"fmt"
	"forecast-workbench/apperrors"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// significance is the level used for every diagnostic verdict
const significance = 0.05

// Diagnostics describes the residuals of a fitted model
type Diagnostics struct {
	Residuals []float64      `json:"residuals"`
	ACF       []ACFPoint     `json:"acf"`
	ACFBound  float64        `json:"acf_bound"`
	Histogram []HistogramBin `json:"histogram"`
	QQ        []QQPoint      `json:"qq"`
	LjungBox  TestResult     `json:"ljung_box"`
	Normality TestResult     `json:"normality"`
}

// ACFPoint is the autocorrelation at one lag
type ACFPoint struct {
	Lag         int     `json:"lag"`
	Value       float64 `json:"value"`
	Significant bool    `json:"significant"`
}

// HistogramBin is one bin of the residual histogram
type HistogramBin struct {
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
	Count int     `json:"count"`
}

// QQPoint pairs a theoretical normal quantile with a sorted residual
type QQPoint struct {
	Theoretical float64 `json:"theoretical"`
	Sample      float64 `json:"sample"`
}

// TestResult is a hypothesis test outcome with a plain verdict
type TestResult struct {
	Name      string  `json:"name"`
	Statistic float64 `json:"statistic"`
	PValue    float64 `json:"p_value"`
	DF        int     `json:"df"`
	Lags      int     `json:"lags,omitempty"`
	Passed    bool    `json:"passed"`
	Verdict   string  `json:"verdict"`
}

// Diagnose computes residual diagnostics. fitted is the number of ARMA
// parameters, subtracted from the Ljung-Box degrees of freedom.
func Diagnose(residuals []float64, fitted int) (*Diagnostics, error) {
	n := len(residuals)
	if n < 4 {
		return nil, apperrors.New(apperrors.ModelFitError, "diagnostics", "need at least 4 residuals, got %d", n)
	}
	for _, r := range residuals {
		if math.IsNaN(r) || math.IsInf(r, 0) {
			return nil, apperrors.New(apperrors.ModelFitError, "diagnostics", "residuals contain non-finite values")
		}
	}

	d := &Diagnostics{Residuals: append([]float64(nil), residuals...)}

	maxLag := n / 2
	if maxLag > 20 {
		maxLag = 20
	}
	d.ACFBound = 1.96 / math.Sqrt(float64(n))
	acf := autocorrelations(residuals, maxLag)
	for lag := 1; lag <= maxLag; lag++ {
		d.ACF = append(d.ACF, ACFPoint{Lag: lag, Value: acf[lag], Significant: math.Abs(acf[lag]) > d.ACFBound})
	}

	sorted := append([]float64(nil), residuals...)
	sort.Float64s(sorted)
	d.Histogram = histogram(sorted)
	d.QQ = qqPoints(sorted)
	d.LjungBox = ljungBox(acf, n, fitted)
	d.Normality = jarqueBera(residuals)
	return d, nil
}

// histogram bins sorted values with Sturges' rule
func histogram(sorted []float64) []HistogramBin {
	n := len(sorted)
	bins := int(math.Ceil(math.Log2(float64(n)))) + 1
	lo, hi := sorted[0], sorted[n-1]
	if hi == lo {
		bins = 1
	}
	dividers := make([]float64, bins+1)
	floats.Span(dividers, lo, hi)
	dividers[bins] = math.Nextafter(hi, math.Inf(1))

	counts := stat.Histogram(nil, dividers, sorted, nil)
	out := make([]HistogramBin, bins)
	for i := range out {
		out[i] = HistogramBin{Lower: dividers[i], Upper: dividers[i+1], Count: int(counts[i])}
	}
	return out
}

// qqPoints pairs sorted residuals with normal quantiles at Blom positions
func qqPoints(sorted []float64) []QQPoint {
	n := float64(len(sorted))
	out := make([]QQPoint, len(sorted))
	for i, v := range sorted {
		prob := (float64(i+1) - 0.375) / (n + 0.25)
		out[i] = QQPoint{Theoretical: distuv.UnitNormal.Quantile(prob), Sample: v}
	}
	return out
}

func ljungBox(acf []float64, n, fitted int) TestResult {
	lags := n / 5
	if lags > 10 {
		lags = 10
	}
	if lags < 1 {
		lags = 1
	}
	if lags >= len(acf) {
		lags = len(acf) - 1
	}

	q := 0.0
	for k := 1; k <= lags; k++ {
		q += acf[k] * acf[k] / float64(n-k)
	}
	q *= float64(n) * float64(n+2)

	df := lags - fitted
	if df < 1 {
		df = 1
	}
	p := 1 - distuv.ChiSquared{K: float64(df)}.CDF(q)

	res := TestResult{Name: "Ljung-Box", Statistic: q, PValue: p, DF: df, Lags: lags, Passed: p >= significance}
	if res.Passed {
		res.Verdict = fmt.Sprintf("no significant autocorrelation up to lag %d", lags)
	} else {
		res.Verdict = fmt.Sprintf("residuals are autocorrelated (p=%.3f)", p)
	}
	return res
}

func jarqueBera(residuals []float64) TestResult {
	n := float64(len(residuals))
	res := TestResult{Name: "Jarque-Bera", DF: 2}

	_, std := stat.MeanStdDev(residuals, nil)
	if std == 0 {
		res.PValue = 1
		res.Passed = true
		res.Verdict = "residuals are constant"
		return res
	}

	skew := stat.Skew(residuals, nil)
	kurt := stat.ExKurtosis(residuals, nil)
	jb := n / 6 * (skew*skew + kurt*kurt/4)
	p := 1 - distuv.ChiSquared{K: 2}.CDF(jb)

	res.Statistic = jb
	res.PValue = p
	res.Passed = p >= significance
	if res.Passed {
		res.Verdict = "residuals are consistent with a normal distribution"
	} else {
		res.Verdict = fmt.Sprintf("residuals deviate from normality (p=%.3f)", p)
	}
	return res
}
