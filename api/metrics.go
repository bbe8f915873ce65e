package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors of the HTTP surface
type Metrics struct {
	registry *prometheus.Registry

	Requests        *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	Forecasts       *prometheus.CounterVec
	FitDuration     *prometheus.HistogramVec
	Trainings       *prometheus.CounterVec
	Uploads         *prometheus.CounterVec
	AQILookups      *prometheus.CounterVec
	RateLimited     prometheus.Counter
}

// NewMetrics creates and registers all collectors on a fresh registry.
// sessions reports the live session count.
func NewMetrics(sessions func() float64) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	m := &Metrics{
		registry: reg,
		Requests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forecast_workbench_http_requests_total",
				Help: "HTTP requests by route, method and status",
			},
			[]string{"route", "method", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "forecast_workbench_http_request_duration_seconds",
				Help:    "HTTP request latency by route",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		Forecasts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forecast_workbench_forecasts_total",
				Help: "Forecast runs by method and outcome",
			},
			[]string{"method", "outcome"},
		),
		FitDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "forecast_workbench_fit_duration_seconds",
				Help:    "Wall time of forecast runs including backtest",
				Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"method"},
		),
		Trainings: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forecast_workbench_trainings_total",
				Help: "Random forest trainings by outcome",
			},
			[]string{"outcome"},
		),
		Uploads: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forecast_workbench_uploads_total",
				Help: "Dataset uploads by format and outcome",
			},
			[]string{"format", "outcome"},
		),
		AQILookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forecast_workbench_aqi_lookups_total",
				Help: "Air quality lookups by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		RateLimited: factory.NewCounter(prometheus.CounterOpts{
			Name: "forecast_workbench_rate_limited_total",
			Help: "Requests rejected by the rate limiter",
		}),
	}

	if sessions != nil {
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "forecast_workbench_sessions_active",
			Help: "Live sessions in the session store",
		}, sessions)
	}
	return m
}

// Registry returns the registry served on /metrics
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
