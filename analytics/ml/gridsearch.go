package ml

import (
	"context"
	"errors"
	"forecast-workbench/apperrors"
	"math"
	"time"

	"golang.org/x/sync/errgroup"
)

// Ranking metrics used by the grid search
const (
	RankByMAPE = "mape"
	RankByMAE  = "mae"
)

// ProphetParams is one point of the hyperparameter grid
type ProphetParams struct {
	ChangepointPriorScale float64         `json:"changepoint_prior_scale"`
	SeasonalityPriorScale float64         `json:"seasonality_prior_scale"`
	Mode                  SeasonalityMode `json:"mode"`
	NumChangepoints       int             `json:"n_changepoints"`
}

// GridCandidate is the outcome of one grid point
type GridCandidate struct {
	Params    ProphetParams `json:"params"`
	MAPE      *float64      `json:"mape,omitempty"`
	MAE       *float64      `json:"mae,omitempty"`
	Completed bool          `json:"completed"`
	Error     string        `json:"error,omitempty"`
}

// GridReport summarises a grid search
type GridReport struct {
	Best       ProphetParams   `json:"best"`
	Score      float64         `json:"score"`
	RankedBy   string          `json:"ranked_by"`
	Holdout    int             `json:"holdout"`
	Combos     int             `json:"combinations"`
	Completed  int             `json:"completed"`
	Truncated  bool            `json:"truncated"`
	TimedOut   bool            `json:"timed_out"`
	Candidates []GridCandidate `json:"candidates"`
	Warnings   []string        `json:"warnings,omitempty"`
	Duration   time.Duration   `json:"duration"`
}

// Combinations expands the grid in axis order, stopping at MaxCombinations.
// The second value reports whether the grid was cut short.
func (g GridConfig) Combinations() ([]ProphetParams, bool) {
	var out []ProphetParams
	for _, cps := range g.ChangepointPriorScales {
		for _, sps := range g.SeasonalityPriorScales {
			for _, mode := range g.Modes {
				for _, ncp := range g.NumChangepoints {
					if len(out) == g.MaxCombinations {
						return out, true
					}
					out = append(out, ProphetParams{
						ChangepointPriorScale: cps,
						SeasonalityPriorScale: sps,
						Mode:                  mode,
						NumChangepoints:       ncp,
					})
				}
			}
		}
	}
	return out, false
}

// GridSearch fits every grid point on all but the last holdout observations
// and scores it on the held-out tail. Candidates run concurrently up to
// Workers at a time and stop when Budget elapses. The lowest MAPE wins;
// when MAPE is undefined for the tail the ranking falls back to MAE.
func GridSearch(ctx context.Context, times []time.Time, values []float64, base Prophet, grid GridConfig, holdout int) (Prophet, *GridReport, error) {
	if err := grid.Validate(); err != nil {
		return base, nil, err
	}
	n := len(values)
	if holdout < 1 || n-holdout < 2 {
		return base, nil, apperrors.New(apperrors.ModelFitError, "grid search",
			"need at least %d observations for a %d step holdout, got %d", holdout+2, holdout, n)
	}

	started := time.Now()
	combos, truncated := grid.Combinations()
	report := &GridReport{
		Holdout:    holdout,
		Combos:     len(combos),
		Truncated:  truncated,
		Candidates: make([]GridCandidate, len(combos)),
	}

	headTimes, tailTimes := times[:n-holdout], times[n-holdout:]
	head, tail := values[:n-holdout], values[n-holdout:]

	budgetCtx, cancel := context.WithTimeout(ctx, grid.Budget)
	defer cancel()

	g, gctx := errgroup.WithContext(budgetCtx)
	g.SetLimit(grid.Workers)
	for i, params := range combos {
		i, params := i, params
		report.Candidates[i].Params = params
		g.Go(func() error {
			if gctx.Err() != nil {
				report.Candidates[i].Error = "not evaluated: budget exhausted"
				return nil
			}
			model, err := FitProphet(gctx, headTimes, head, base.withParams(params))
			if err != nil {
				report.Candidates[i].Error = err.Error()
				return nil
			}
			preds, _, _, err := model.Predict(tailTimes, 0.95)
			if err != nil {
				report.Candidates[i].Error = err.Error()
				return nil
			}
			mae := MAE(tail, preds)
			report.Candidates[i].MAE = &mae
			if mape, err := MAPE(tail, preds); err == nil {
				report.Candidates[i].MAPE = &mape
			}
			report.Candidates[i].Completed = true
			return nil
		})
	}
	_ = g.Wait()
	report.TimedOut = errors.Is(budgetCtx.Err(), context.DeadlineExceeded)
	report.Duration = time.Since(started)

	report.RankedBy = RankByMAPE
	for _, c := range report.Candidates {
		if c.Completed {
			report.Completed++
			if c.MAPE == nil {
				report.RankedBy = RankByMAE
			}
		}
	}
	if report.Completed == 0 {
		if err := ctx.Err(); err != nil {
			return base, report, apperrors.Wrap(apperrors.ModelFitError, "grid search", err, "cancelled before any candidate completed")
		}
		return base, report, apperrors.New(apperrors.ModelFitError, "grid search", "no grid candidate could be fitted")
	}
	if report.RankedBy == RankByMAE {
		report.Warnings = append(report.Warnings, "MAPE is undefined on the holdout because it contains a zero; candidates ranked by MAE")
	}
	if truncated {
		report.Warnings = append(report.Warnings, "grid truncated to the maximum number of combinations")
	}
	if report.TimedOut {
		report.Warnings = append(report.Warnings, "grid search budget exhausted before every candidate was evaluated")
	}

	report.Score = math.Inf(1)
	for _, c := range report.Candidates {
		if !c.Completed {
			continue
		}
		score := *c.MAE
		if report.RankedBy == RankByMAPE {
			score = *c.MAPE
		}
		if score < report.Score {
			report.Score = score
			report.Best = c.Params
		}
	}

	return base.withParams(report.Best), report, nil
}
