package ml

import (
	"fmt"
	"forecast-workbench/apperrors"
	"time"
)

// Forecasting method names
const (
	MethodARIMA     = "arima"
	MethodAutoARIMA = "auto_arima"
	MethodProphet   = "prophet"
)

// ARIMA order bounds
const (
	MaxOrder       = 10
	MaxAutoDiff    = 2
	MinCPScale     = 0.01
	MaxCPScale     = 0.5
	MaxHorizon     = 365
	DefaultHoldout = 12
)

// ModelSpec is the closed set of model configurations. Exactly one variant
// is active per forecast and it is not changed once fitting starts.
type ModelSpec interface {
	Method() string
	Validate() error
	isModelSpec()
}

// FixedOrderARIMA fits ARIMA(P, D, Q) as given
type FixedOrderARIMA struct {
	P int `json:"p"`
	D int `json:"d"`
	Q int `json:"q"`
}

func (FixedOrderARIMA) Method() string { return MethodARIMA }
func (FixedOrderARIMA) isModelSpec() {}

// Validate checks that every order lies in [0, MaxOrder]
func (s FixedOrderARIMA) Validate() error {
	names := [...]string{"p", "d", "q"}
	for i, v := range [...]int{s.P, s.D, s.Q} {
		if v < 0 || v > MaxOrder {
			return apperrors.New(apperrors.InvalidConfig, "arima", "%s=%d is outside [0, %d]", names[i], v, MaxOrder)
		}
	}
	return nil
}

// Order returns the ARIMA order
func (s FixedOrderARIMA) Order() ARIMAOrder {
	return ARIMAOrder{P: s.P, D: s.D, Q: s.Q}
}

// Criterion is the information criterion minimised by the order search
type Criterion string

const (
	CriterionAIC  Criterion = "aic"
	CriterionAICc Criterion = "aicc"
	CriterionBIC  Criterion = "bic"
)

// AutoARIMA searches the order automatically
type AutoARIMA struct {
	MaxP      int       `json:"max_p"`
	MaxD      int       `json:"max_d"`
	MaxQ      int       `json:"max_q"`
	Criterion Criterion `json:"criterion"`
	Stepwise  bool      `json:"stepwise"`
	MaxModels int       `json:"max_models"`
}

// DefaultAutoARIMA returns the stepwise search with the usual limits
func DefaultAutoARIMA() AutoARIMA {
	return AutoARIMA{
		MaxP:      5,
		MaxD:      MaxAutoDiff,
		MaxQ:      5,
		Criterion: CriterionAIC,
		Stepwise:  true,
		MaxModels: 94,
	}
}

func (AutoARIMA) Method() string { return MethodAutoARIMA }
func (AutoARIMA) isModelSpec() {}

// Validate checks the order bounds and the criterion
func (s AutoARIMA) Validate() error {
	if s.MaxP < 0 || s.MaxP > MaxOrder || s.MaxQ < 0 || s.MaxQ > MaxOrder {
		return apperrors.New(apperrors.InvalidConfig, "auto arima", "max_p and max_q must lie in [0, %d]", MaxOrder)
	}
	if s.MaxD < 0 || s.MaxD > MaxAutoDiff {
		return apperrors.New(apperrors.InvalidConfig, "auto arima", "max_d must lie in [0, %d]", MaxAutoDiff)
	}
	switch s.Criterion {
	case CriterionAIC, CriterionAICc, CriterionBIC:
	default:
		return apperrors.New(apperrors.InvalidConfig, "auto arima", "unknown criterion %q", s.Criterion)
	}
	if s.MaxModels < 0 {
		return apperrors.New(apperrors.InvalidConfig, "auto arima", "max_models must not be negative")
	}
	return nil
}

// SeasonalityMode selects how seasonality combines with the trend
type SeasonalityMode string

const (
	Additive       SeasonalityMode = "additive"
	Multiplicative SeasonalityMode = "multiplicative"
)

// Prophet configures the trend plus seasonality decomposition. A nil
// seasonality toggle is decided from the history span and spacing.
type Prophet struct {
	Mode                  SeasonalityMode `json:"mode"`
	Yearly                *bool           `json:"yearly,omitempty"`
	Weekly                *bool           `json:"weekly,omitempty"`
	Daily                 *bool           `json:"daily,omitempty"`
	ChangepointPriorScale float64         `json:"changepoint_prior_scale"`
	SeasonalityPriorScale float64         `json:"seasonality_prior_scale"`
	NumChangepoints       int             `json:"n_changepoints"`
	ChangepointRange      float64         `json:"changepoint_range"`
	Grid                  *GridConfig     `json:"grid,omitempty"`
}

// DefaultProphet returns an additive model with automatic seasonality
func DefaultProphet() Prophet {
	return Prophet{
		Mode:                  Additive,
		ChangepointPriorScale: 0.05,
		SeasonalityPriorScale: 10,
		NumChangepoints:       25,
		ChangepointRange:      0.8,
	}
}

func (Prophet) Method() string { return MethodProphet }
func (Prophet) isModelSpec() {}

// Validate checks the mode, the prior scales and the optional grid
func (s Prophet) Validate() error {
	if s.Mode != Additive && s.Mode != Multiplicative {
		return apperrors.New(apperrors.InvalidConfig, "prophet", "unknown seasonality mode %q", s.Mode)
	}
	if s.ChangepointPriorScale < MinCPScale || s.ChangepointPriorScale > MaxCPScale {
		return apperrors.New(apperrors.InvalidConfig, "prophet",
			"changepoint_prior_scale %g is outside [%g, %g]", s.ChangepointPriorScale, MinCPScale, MaxCPScale)
	}
	if s.SeasonalityPriorScale <= 0 {
		return apperrors.New(apperrors.InvalidConfig, "prophet", "seasonality_prior_scale must be positive")
	}
	if s.NumChangepoints < 0 || s.NumChangepoints > 100 {
		return apperrors.New(apperrors.InvalidConfig, "prophet", "n_changepoints must lie in [0, 100]")
	}
	if s.ChangepointRange <= 0 || s.ChangepointRange > 1 {
		return apperrors.New(apperrors.InvalidConfig, "prophet", "changepoint_range must lie in (0, 1]")
	}
	if s.Grid != nil {
		return s.Grid.Validate()
	}
	return nil
}

// withParams returns a copy of the spec using one grid candidate
func (s Prophet) withParams(p ProphetParams) Prophet {
	s.ChangepointPriorScale = p.ChangepointPriorScale
	s.SeasonalityPriorScale = p.SeasonalityPriorScale
	s.Mode = p.Mode
	s.NumChangepoints = p.NumChangepoints
	s.Grid = nil
	return s
}

// GridConfig bounds the Prophet hyperparameter sweep
type GridConfig struct {
	ChangepointPriorScales []float64         `json:"changepoint_prior_scales" yaml:"changepoint_prior_scales"`
	SeasonalityPriorScales []float64         `json:"seasonality_prior_scales" yaml:"seasonality_prior_scales"`
	Modes                  []SeasonalityMode `json:"modes" yaml:"modes"`
	NumChangepoints        []int             `json:"n_changepoints" yaml:"n_changepoints"`
	MaxCombinations        int               `json:"max_combinations" yaml:"max_combinations"`
	Budget                 time.Duration     `json:"budget" yaml:"budget"`
	Workers                int               `json:"workers" yaml:"workers"`
}

// DefaultGrid returns the standard sweep, capped at 96 combinations and 30s
func DefaultGrid() GridConfig {
	return GridConfig{
		ChangepointPriorScales: []float64{0.01, 0.05, 0.1, 0.5},
		SeasonalityPriorScales: []float64{0.01, 0.1, 1, 10},
		Modes:                  []SeasonalityMode{Additive, Multiplicative},
		NumChangepoints:        []int{10, 25, 50},
		MaxCombinations:        96,
		Budget:                 30 * time.Second,
		Workers:                4,
	}
}

// Validate checks that every axis is non-empty and in range
func (g GridConfig) Validate() error {
	if len(g.ChangepointPriorScales) == 0 || len(g.SeasonalityPriorScales) == 0 ||
		len(g.Modes) == 0 || len(g.NumChangepoints) == 0 {
		return apperrors.New(apperrors.InvalidConfig, "grid", "every grid axis needs at least one value")
	}
	for _, v := range g.ChangepointPriorScales {
		if v < MinCPScale || v > MaxCPScale {
			return apperrors.New(apperrors.InvalidConfig, "grid",
				"changepoint_prior_scale %g is outside [%g, %g]", v, MinCPScale, MaxCPScale)
		}
	}
	for _, v := range g.SeasonalityPriorScales {
		if v <= 0 {
			return apperrors.New(apperrors.InvalidConfig, "grid", "seasonality_prior_scale must be positive")
		}
	}
	for _, m := range g.Modes {
		if m != Additive && m != Multiplicative {
			return apperrors.New(apperrors.InvalidConfig, "grid", "unknown seasonality mode %q", m)
		}
	}
	for _, n := range g.NumChangepoints {
		if n < 0 || n > 100 {
			return apperrors.New(apperrors.InvalidConfig, "grid", "n_changepoints must lie in [0, 100]")
		}
	}
	if g.MaxCombinations <= 0 || g.Budget <= 0 || g.Workers <= 0 {
		return apperrors.New(apperrors.InvalidConfig, "grid", "max_combinations, budget and workers must be positive")
	}
	return nil
}

// ModelConfig is the flat request form of a ModelSpec, as sent by the API
// and the CLI
type ModelConfig struct {
	Method string `json:"method" validate:"required,oneof=arima auto_arima prophet"`

	P int `json:"p" validate:"min=0,max=10"`
	D int `json:"d" validate:"min=0,max=10"`
	Q int `json:"q" validate:"min=0,max=10"`

	MaxP       *int   `json:"max_p,omitempty" validate:"omitempty,min=0,max=10"`
	MaxD       *int   `json:"max_d,omitempty" validate:"omitempty,min=0,max=2"`
	MaxQ       *int   `json:"max_q,omitempty" validate:"omitempty,min=0,max=10"`
	Criterion  string `json:"criterion,omitempty" validate:"omitempty,oneof=aic aicc bic"`
	Exhaustive bool   `json:"exhaustive,omitempty"`

	Mode                  string  `json:"mode,omitempty" validate:"omitempty,oneof=additive multiplicative"`
	ChangepointPriorScale float64 `json:"changepoint_prior_scale,omitempty" validate:"omitempty,min=0.01,max=0.5"`
	SeasonalityPriorScale float64 `json:"seasonality_prior_scale,omitempty" validate:"omitempty,gt=0"`
	NumChangepoints       *int    `json:"n_changepoints,omitempty" validate:"omitempty,min=0,max=100"`
	Yearly                *bool   `json:"yearly,omitempty"`
	Weekly                *bool   `json:"weekly,omitempty"`
	Daily                 *bool   `json:"daily,omitempty"`
	GridSearch            bool    `json:"grid_search,omitempty"`
}

// Spec converts the request form into a validated ModelSpec. grid supplies
// the sweep used when GridSearch is set.
func (c ModelConfig) Spec(grid GridConfig) (ModelSpec, error) {
	var spec ModelSpec
	switch c.Method {
	case MethodARIMA:
		spec = FixedOrderARIMA{P: c.P, D: c.D, Q: c.Q}
	case MethodAutoARIMA:
		s := DefaultAutoARIMA()
		if c.MaxP != nil {
			s.MaxP = *c.MaxP
		}
		if c.MaxD != nil {
			s.MaxD = *c.MaxD
		}
		if c.MaxQ != nil {
			s.MaxQ = *c.MaxQ
		}
		if c.Criterion != "" {
			s.Criterion = Criterion(c.Criterion)
		}
		s.Stepwise = !c.Exhaustive
		spec = s
	case MethodProphet:
		s := DefaultProphet()
		if c.Mode != "" {
			s.Mode = SeasonalityMode(c.Mode)
		}
		if c.ChangepointPriorScale != 0 {
			s.ChangepointPriorScale = c.ChangepointPriorScale
		}
		if c.SeasonalityPriorScale != 0 {
			s.SeasonalityPriorScale = c.SeasonalityPriorScale
		}
		if c.NumChangepoints != nil {
			s.NumChangepoints = *c.NumChangepoints
		}
		s.Yearly, s.Weekly, s.Daily = c.Yearly, c.Weekly, c.Daily
		if c.GridSearch {
			g := grid
			s.Grid = &g
		}
		spec = s
	default:
		return nil, apperrors.New(apperrors.InvalidConfig, "model config", "unknown method %q", c.Method)
	}

	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return spec, nil
}

// Describe returns a short label for a spec, used in logs and charts
func Describe(spec ModelSpec) string {
	switch s := spec.(type) {
	case FixedOrderARIMA:
		return s.Order().String()
	case AutoARIMA:
		return fmt.Sprintf("AutoARIMA(max_p=%d, max_d=%d, max_q=%d, %s)", s.MaxP, s.MaxD, s.MaxQ, s.Criterion)
	case Prophet:
		if s.Grid != nil {
			return "Prophet(grid search)"
		}
		return fmt.Sprintf("Prophet(%s, cps=%g, sps=%g, n_cp=%d)",
			s.Mode, s.ChangepointPriorScale, s.SeasonalityPriorScale, s.NumChangepoints)
	default:
		return "unknown"
	}
}
