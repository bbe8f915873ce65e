// Package ml implements the forecasting engine (ARIMA, automatic ARIMA and a
// Prophet-style decomposition), its accuracy and residual diagnostics, and
// random forest regression training.
package ml

import (
	"context"
	"forecast-workbench/apperrors"
	"forecast-workbench/storage"
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ForecastEngine runs one model configuration against one target series
type ForecastEngine struct {
	config ForecastConfig
	logger logrus.FieldLogger
	tracer trace.Tracer
}

// ForecastConfig defines engine-wide defaults
type ForecastConfig struct {
	DefaultHorizon  int           `json:"default_horizon"`
	ConfidenceLevel float64       `json:"confidence_level"` // 0-1 for confidence intervals
	Holdout         int           `json:"holdout"`          // backtest length cap
	FitTimeout      time.Duration `json:"fit_timeout"`
	Grid            GridConfig    `json:"grid"`
}

// DefaultForecastConfig returns the engine defaults
func DefaultForecastConfig() ForecastConfig {
	return ForecastConfig{
		DefaultHorizon:  12,
		ConfidenceLevel: 0.95,
		Holdout:         DefaultHoldout,
		FitTimeout:      2 * time.Minute,
		Grid:            DefaultGrid(),
	}
}

// ForecastRequest is one forecast invocation
type ForecastRequest struct {
	Model           ModelSpec
	Horizon         int
	ConfidenceLevel float64
	Diagnostics     bool
	Holdout         int
}

// ForecastPoint represents a single forecast prediction
type ForecastPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
	Lower     float64   `json:"lower_bound"`
	Upper     float64   `json:"upper_bound"`
}

// Warning is a non-fatal condition recorded on a result
type Warning struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Warning codes
const (
	WarnRescaled           = "rescaled"
	WarnFrequencyDefaulted = "frequency_defaulted"
	WarnBacktestSkipped    = "backtest_skipped"
	WarnDiagnosticsSkipped = "diagnostics_skipped"
	WarnGridSearch         = "grid_search"
)

// ForecastResult contains forecast predictions and metadata. It is built
// once per invocation and not modified afterwards.
type ForecastResult struct {
	Target            string              `json:"target"`
	Method            string              `json:"method"`
	Model             string              `json:"model"`
	Order             *ARIMAOrder         `json:"order,omitempty"`
	ProphetParams     *ProphetParams      `json:"prophet_params,omitempty"`
	Frequency         Frequency           `json:"frequency"`
	FrequencyName     string              `json:"frequency_name"`
	FrequencyInferred bool                `json:"frequency_inferred"`
	ConfidenceLevel   float64             `json:"confidence_level"`
	ScaleFactor       float64             `json:"scale_factor"`
	History           []storage.DataPoint `json:"history"`
	Predictions       []ForecastPoint     `json:"predictions"`
	Accuracy          *Accuracy           `json:"accuracy,omitempty"`
	Diagnostics       *Diagnostics        `json:"diagnostics,omitempty"`
	Search            *SearchReport       `json:"search,omitempty"`
	Grid              *GridReport         `json:"grid,omitempty"`
	Warnings          []Warning           `json:"warnings"`
	GeneratedAt       time.Time           `json:"generated_at"`
	ForecastHorizon   int                 `json:"forecast_horizon"`
}

// fittedModel is the common surface of a fitted ARIMA or Prophet model
type fittedModel interface {
	forecast(future []time.Time, confidence float64) (mean, lower, upper []float64, err error)
	residuals() []float64
	armaParams() int
}

type arimaFit struct{ *ARIMAModel }

func (a arimaFit) forecast(future []time.Time, confidence float64) ([]float64, []float64, []float64, error) {
	return a.Forecast(len(future), confidence)
}
func (a arimaFit) residuals() []float64 { return a.Residuals() }
func (a arimaFit) armaParams() int      { return a.Order.P + a.Order.Q }

type prophetFit struct{ *ProphetModel }

func (p prophetFit) forecast(future []time.Time, confidence float64) ([]float64, []float64, []float64, error) {
	return p.Predict(future, confidence)
}
func (p prophetFit) residuals() []float64 { return p.Residuals() }
func (p prophetFit) armaParams() int      { return 0 }

// NewForecastEngine creates a new forecasting engine
func NewForecastEngine(config ForecastConfig, logger logrus.FieldLogger) *ForecastEngine {
	defaults := DefaultForecastConfig()
	if config.DefaultHorizon <= 0 {
		config.DefaultHorizon = defaults.DefaultHorizon
	}
	if config.ConfidenceLevel <= 0 || config.ConfidenceLevel >= 1 {
		config.ConfidenceLevel = defaults.ConfidenceLevel
	}
	if config.Holdout <= 0 {
		config.Holdout = defaults.Holdout
	}
	if config.Grid.MaxCombinations == 0 {
		config.Grid = defaults.Grid
	}
	return &ForecastEngine{
		config: config,
		logger: logger,
		tracer: otel.Tracer("forecast-workbench/analytics/ml"),
	}
}

// Config returns the engine configuration
func (fe *ForecastEngine) Config() ForecastConfig {
	return fe.config
}

// Forecast fits the requested model and forecasts Horizon steps past the
// last observation. Series whose maximum exceeds RescaleThreshold are fitted
// on a rescaled copy and every output is mapped back.
func (fe *ForecastEngine) Forecast(ctx context.Context, series *storage.Series, req ForecastRequest) (result *ForecastResult, err error) {
	req = fe.withDefaults(req)
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	if fe.config.FitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, fe.config.FitTimeout)
		defer cancel()
	}
	ctx, span := fe.tracer.Start(ctx, "ml.Forecast", trace.WithAttributes(
		attribute.String("forecast.method", req.Model.Method()),
		attribute.Int("forecast.horizon", req.Horizon),
		attribute.Int("forecast.observations", series.Size()),
	))
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = apperrors.New(apperrors.ModelFitError, "forecast", "model fitting failed unexpectedly: %v", r)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, apperrors.Message(err))
		}
		span.End()
	}()

	started := time.Now()
	times := series.Timestamps()
	raw := series.Values()
	if len(raw) == 0 {
		return nil, apperrors.New(apperrors.ModelFitError, "forecast", "target series is empty")
	}

	scaler := NewScaler(raw)
	values := scaler.Apply(raw)
	freq, inferred := InferFrequency(times)

	result = &ForecastResult{
		Target:            series.ID,
		Method:            req.Model.Method(),
		Model:             Describe(req.Model),
		Frequency:         freq,
		FrequencyName:     freq.Name(),
		FrequencyInferred: inferred,
		ConfidenceLevel:   req.ConfidenceLevel,
		ScaleFactor:       scaler.Factor,
		History:           series.GetLatest(series.Size()),
		Warnings:          []Warning{},
		ForecastHorizon:   req.Horizon,
	}
	if scaler.Active() {
		result.addWarning(WarnRescaled, "values exceed %g and were divided by %g before fitting", RescaleThreshold, scaler.Factor)
	}
	if !inferred {
		result.addWarning(WarnFrequencyDefaulted, "could not infer a regular frequency from the dates; assuming monthly")
	}

	holdout := holdoutSize(len(values), req.Holdout, req.Horizon)

	spec := req.Model
	if p, ok := spec.(Prophet); ok && p.Grid != nil {
		best, report, err := GridSearch(ctx, times, values, p, *p.Grid, holdout)
		if err != nil {
			return nil, err
		}
		spec = best
		result.Grid = report
		for _, w := range report.Warnings {
			result.addWarning(WarnGridSearch, "%s", w)
		}
	}

	model, resolved, err := fe.fit(ctx, spec, times, values, result)
	if err != nil {
		return nil, err
	}

	future := freq.Future(times[len(times)-1], req.Horizon)
	mean, lower, upper, err := model.forecast(future, req.ConfidenceLevel)
	if err != nil {
		return nil, err
	}
	scaler.Invert(mean)
	scaler.Invert(lower)
	scaler.Invert(upper)
	result.Predictions = make([]ForecastPoint, req.Horizon)
	for i := range future {
		result.Predictions[i] = ForecastPoint{Timestamp: future[i], Value: mean[i], Lower: lower[i], Upper: upper[i]}
	}

	fe.backtest(ctx, resolved, times, values, raw, holdout, scaler, result)

	if req.Diagnostics {
		residuals := scaler.Invert(model.residuals())
		diag, err := Diagnose(residuals, model.armaParams())
		if err != nil {
			result.addWarning(WarnDiagnosticsSkipped, "%s", apperrors.Message(err))
		} else {
			result.Diagnostics = diag
		}
	}

	result.GeneratedAt = time.Now()
	fields := logrus.Fields{
		"target":   result.Target,
		"model":    result.Model,
		"horizon":  req.Horizon,
		"n":        len(values),
		"warnings": len(result.Warnings),
		"duration": time.Since(started).String(),
	}
	if result.Accuracy != nil && result.Accuracy.MAPE != nil {
		fields["mape"] = *result.Accuracy.MAPE
	}
	fe.logger.WithFields(fields).Info("Forecast completed")

	return result, nil
}

// fit fits spec and returns the model plus a fixed spec that reproduces it
// on a shorter history
func (fe *ForecastEngine) fit(ctx context.Context, spec ModelSpec, times []time.Time, values []float64, result *ForecastResult) (fittedModel, ModelSpec, error) {
	switch s := spec.(type) {
	case FixedOrderARIMA:
		m, err := FitARIMA(ctx, values, s.Order())
		if err != nil {
			return nil, nil, err
		}
		order := m.Order
		result.Order = &order
		return arimaFit{m}, s, nil

	case AutoARIMA:
		m, report, err := SelectARIMA(ctx, values, s)
		result.Search = report
		if err != nil {
			return nil, nil, err
		}
		order := m.Order
		result.Order = &order
		result.Model = order.String()
		return arimaFit{m}, FixedOrderARIMA{P: order.P, D: order.D, Q: order.Q}, nil

	case Prophet:
		m, err := FitProphet(ctx, times, values, s)
		if err != nil {
			return nil, nil, err
		}
		result.ProphetParams = &ProphetParams{
			ChangepointPriorScale: s.ChangepointPriorScale,
			SeasonalityPriorScale: s.SeasonalityPriorScale,
			Mode:                  s.Mode,
			NumChangepoints:       s.NumChangepoints,
		}
		result.Model = Describe(s)
		return prophetFit{m}, s, nil

	default:
		return nil, nil, apperrors.New(apperrors.InvalidConfig, "forecast", "unsupported model configuration")
	}
}

// backtest refits the resolved configuration without the last k
// observations and scores its k-step forecast against them, step i
// against the i-th held-out observation
func (fe *ForecastEngine) backtest(ctx context.Context, spec ModelSpec, times []time.Time, values, raw []float64, k int, scaler Scaler, result *ForecastResult) {
	if k < 1 {
		result.addWarning(WarnBacktestSkipped, "too few observations to hold out a backtest window")
		return
	}
	n := len(values)
	model, _, err := fe.fit(ctx, spec, times[:n-k], values[:n-k], &ForecastResult{})
	if err != nil {
		result.addWarning(WarnBacktestSkipped, "backtest refit failed: %s", apperrors.Message(err))
		return
	}
	preds, _, _, err := model.forecast(times[n-k:], result.ConfidenceLevel)
	if err != nil {
		result.addWarning(WarnBacktestSkipped, "backtest forecast failed: %s", apperrors.Message(err))
		return
	}
	scaler.Invert(preds)

	acc, err := Evaluate(raw[n-k:], preds)
	result.Accuracy = &acc
	if err != nil {
		result.addWarning(string(apperrors.UndefinedAccuracyMetric), "MAPE unavailable: %s", apperrors.Message(err))
	}
}

// holdoutSize is min(holdout, horizon, n/4)
func holdoutSize(n, holdout, horizon int) int {
	k := holdout
	if horizon < k {
		k = horizon
	}
	if n/4 < k {
		k = n / 4
	}
	return k
}

func (fe *ForecastEngine) withDefaults(req ForecastRequest) ForecastRequest {
	if req.Horizon == 0 {
		req.Horizon = fe.config.DefaultHorizon
	}
	if req.ConfidenceLevel == 0 {
		req.ConfidenceLevel = fe.config.ConfidenceLevel
	}
	if req.Holdout <= 0 {
		req.Holdout = fe.config.Holdout
	}
	return req
}

func validateRequest(req ForecastRequest) error {
	if req.Model == nil {
		return apperrors.New(apperrors.InvalidConfig, "forecast", "no model configuration given")
	}
	if err := req.Model.Validate(); err != nil {
		return err
	}
	if req.Horizon < 1 || req.Horizon > MaxHorizon {
		return apperrors.New(apperrors.InvalidConfig, "forecast", "horizon %d is outside [1, %d]", req.Horizon, MaxHorizon)
	}
	if math.IsNaN(req.ConfidenceLevel) || req.ConfidenceLevel <= 0 || req.ConfidenceLevel >= 1 {
		return apperrors.New(apperrors.InvalidConfig, "forecast", "confidence level must lie in (0, 1)")
	}
	return nil
}

func (r *ForecastResult) addWarning(code, format string, args ...interface{}) {
	r.Warnings = append(r.Warnings, Warning{Code: code, Message: fmt.Sprintf(format, args...)})
}
