package ml

import (
	"context"
	"forecast-workbench/apperrors"
	"math"
	"sort"
)

// kpssCritical5 is the 5% critical value of the level-stationarity KPSS test
const kpssCritical5 = 0.463

// CandidateScore records one order tried by the search
type CandidateScore struct {
	Order     ARIMAOrder `json:"order"`
	Criterion *float64   `json:"criterion"`
	Error     string     `json:"error,omitempty"`
}

// SearchReport summarises an automatic order search
type SearchReport struct {
	Order           ARIMAOrder       `json:"order"`
	Criterion       Criterion        `json:"criterion"`
	Score           float64          `json:"score"`
	ModelsEvaluated int              `json:"models_evaluated"`
	Stepwise        bool             `json:"stepwise"`
	Truncated       bool             `json:"truncated"`
	Candidates      []CandidateScore `json:"candidates"`
}

// KPSS returns the level-stationarity KPSS statistic with Bartlett
// weighted long-run variance
func KPSS(values []float64) float64 {
	n := len(values)
	nlags := int(math.Trunc(12 * math.Pow(float64(n)/100, 0.25)))
	if nlags >= n {
		nlags = n - 1
	}

	mean := 0.0
	for _, v := range values {
		mean += v
	}
	mean /= float64(n)

	residuals := make([]float64, n)
	for i, v := range values {
		residuals[i] = v - mean
	}

	s2 := 0.0
	for _, r := range residuals {
		s2 += r * r
	}
	s2 /= float64(n)
	for l := 1; l <= nlags; l++ {
		cov := 0.0
		for i := l; i < n; i++ {
			cov += residuals[i] * residuals[i-l]
		}
		cov /= float64(n)
		s2 += 2 * (1 - float64(l)/float64(nlags+1)) * cov
	}
	if s2 <= 0 {
		return 0
	}

	eta, cum := 0.0, 0.0
	for _, r := range residuals {
		cum += r
		eta += cum * cum
	}
	return eta / (float64(n) * float64(n) * s2)
}

// NDiffs picks the number of differences by repeating the KPSS test at the
// 5% level until the series looks level-stationary
func NDiffs(values []float64, maxD int) int {
	current := values
	for d := 0; d < maxD; d++ {
		if len(current) < 10 {
			return d
		}
		if KPSS(current) < kpssCritical5 {
			return d
		}
		current = difference(current)
	}
	return maxD
}

// SelectARIMA chooses d by KPSS and then (p, q) by minimising the
// information criterion, stepwise or over the full grid. The search stops
// early at MaxModels fits or when ctx is done.
func SelectARIMA(ctx context.Context, values []float64, spec AutoARIMA) (*ARIMAModel, *SearchReport, error) {
	if err := spec.Validate(); err != nil {
		return nil, nil, err
	}

	d := NDiffs(values, spec.MaxD)
	report := &SearchReport{Criterion: spec.Criterion, Stepwise: spec.Stepwise, Score: math.Inf(1)}

	var (
		best    *ARIMAModel
		lastErr error
		tried   = make(map[[2]int]bool)
	)

	// try fits one order; it reports false once the search must stop
	try := func(p, q int) bool {
		if p < 0 || q < 0 || p > spec.MaxP || q > spec.MaxQ || tried[[2]int{p, q}] {
			return true
		}
		if ctx.Err() != nil || (spec.MaxModels > 0 && report.ModelsEvaluated >= spec.MaxModels) {
			report.Truncated = true
			return false
		}
		tried[[2]int{p, q}] = true
		report.ModelsEvaluated++

		order := ARIMAOrder{P: p, D: d, Q: q}
		model, err := FitARIMA(ctx, values, order)
		if err != nil {
			lastErr = err
			report.Candidates = append(report.Candidates, CandidateScore{Order: order, Error: err.Error()})
			return true
		}
		score := model.criterion(spec.Criterion)
		report.Candidates = append(report.Candidates, CandidateScore{Order: order, Criterion: &score})
		if score < report.Score {
			report.Score = score
			report.Order = order
			best = model
		}
		return true
	}

	if spec.Stepwise {
		starts := [][2]int{{2, 2}, {0, 0}, {1, 0}, {0, 1}, {1, 1}}
		for _, s := range starts {
			if !try(s[0], s[1]) {
				break
			}
		}
		for improved := best != nil; improved && !report.Truncated; {
			improved = false
			center := report.Order
			neighbors := [][2]int{
				{center.P + 1, center.Q}, {center.P - 1, center.Q},
				{center.P, center.Q + 1}, {center.P, center.Q - 1},
				{center.P + 1, center.Q + 1}, {center.P - 1, center.Q - 1},
				{center.P + 1, center.Q - 1}, {center.P - 1, center.Q + 1},
			}
			for _, nb := range neighbors {
				if !try(nb[0], nb[1]) {
					break
				}
			}
			improved = report.Order != center
		}
	} else {
	grid:
		for p := 0; p <= spec.MaxP; p++ {
			for q := 0; q <= spec.MaxQ; q++ {
				if !try(p, q) {
					break grid
				}
			}
		}
	}

	if best == nil {
		report.Score = 0
		if lastErr == nil {
			lastErr = ctx.Err()
		}
		if lastErr == nil {
			return nil, report, apperrors.New(apperrors.ModelFitError, "auto arima", "no candidate order could be fitted")
		}
		return nil, report, apperrors.Wrap(apperrors.ModelFitError, "auto arima", lastErr, "no candidate order could be fitted")
	}

	sort.SliceStable(report.Candidates, func(i, j int) bool {
		a, b := report.Candidates[i].Criterion, report.Candidates[j].Criterion
		if a == nil || b == nil {
			return b == nil && a != nil
		}
		return *a < *b
	})
	return best, report, nil
}

func (m *ARIMAModel) criterion(c Criterion) float64 {
	switch c {
	case CriterionAICc:
		return m.AICc
	case CriterionBIC:
		return m.BIC
	default:
		return m.AIC
	}
}
