// Package api exposes the workbench over HTTP: dataset sessions, forecasts,
// random forest training, artifact downloads and air-quality lookups.
package api

import (
	"context"
	"forecast-workbench/aqi"
	"forecast-workbench/pipeline"
	"forecast-workbench/storage"
	"net/http"
	"time"

	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Version is reported by the root endpoint
const Version = "1.0.0"

// AQIClient looks up air quality for a city
type AQIClient interface {
	Lookup(ctx context.Context, city string) (*aqi.Report, error)
	Forecast(ctx context.Context, city string) (*aqi.ForecastReport, error)
}

// RateLimit configures the per-client request limiter
type RateLimit struct {
	Enabled bool
	RPS     float64
	Burst   int
}

// Options wires the server's collaborators
type Options struct {
	Pipeline       *pipeline.Pipeline
	Storage        *storage.StorageEngine
	AQI            AQIClient
	Tokens         *TokenIssuer
	RateLimit      RateLimit
	MaxUploadBytes int64
	Logger         logrus.FieldLogger
}

// Server represents the HTTP API server
type Server struct {
	router         *mux.Router
	pipeline       *pipeline.Pipeline
	storage        *storage.StorageEngine
	aqi            AQIClient
	tokens         *TokenIssuer
	limiter        *rateLimiter
	metrics        *Metrics
	validator      *validator.Validate
	maxUploadBytes int64
	logger         logrus.FieldLogger
	startTime      time.Time
}

// NewServer creates a new API server
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	maxUpload := opts.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = 50 << 20
	}

	server := &Server{
		router:         mux.NewRouter(),
		pipeline:       opts.Pipeline,
		storage:        opts.Storage,
		aqi:            opts.AQI,
		tokens:         opts.Tokens,
		validator:      newValidator(),
		maxUploadBytes: maxUpload,
		logger:         logger.WithField("component", "api"),
		startTime:      time.Now(),
	}
	server.metrics = NewMetrics(func() float64 {
		return float64(opts.Storage.Sessions().Len())
	})
	if opts.RateLimit.Enabled {
		server.limiter = newRateLimiter(opts.RateLimit.RPS, opts.RateLimit.Burst)
	}

	server.setupRoutes()
	return server
}

// ServeHTTP implements the http.Handler interface
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cors(s.router).ServeHTTP(w, r)
}

// Metrics returns the server's collectors
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// PruneRateLimiters drops limiter buckets idle for longer than idle
func (s *Server) PruneRateLimiters(idle time.Duration) int {
	if s.limiter == nil {
		return 0
	}
	return s.limiter.prune(idle)
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	s.router.Use(s.instrument)

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(s.limit)

	// Session creation is the only unauthenticated session route
	api.HandleFunc("/sessions", s.createSession).Methods("POST")

	session := api.PathPrefix("/sessions/{id}").Subrouter()
	session.Use(s.requireSession)
	session.HandleFunc("", s.getSession).Methods("GET")
	session.HandleFunc("", s.deleteSession).Methods("DELETE")
	session.HandleFunc("/preview", s.previewSession).Methods("GET")
	session.HandleFunc("/targets", s.listTargets).Methods("GET")
	session.HandleFunc("/transform", s.transformSession).Methods("POST")
	session.HandleFunc("/reset", s.resetSession).Methods("POST")
	session.HandleFunc("/summary", s.summarizeSession).Methods("GET")
	session.HandleFunc("/export", s.exportSession).Methods("GET")
	session.HandleFunc("/forecast", s.generateForecast).Methods("POST")
	session.HandleFunc("/train", s.trainForest).Methods("POST")

	api.HandleFunc("/artifacts/{artifact}", s.downloadArtifact).Methods("GET")

	api.HandleFunc("/aqi", s.lookupAQI).Methods("GET")
	api.HandleFunc("/aqi/forecast", s.forecastAQI).Methods("GET")

	s.router.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{})).Methods("GET")
	s.router.HandleFunc("/health", s.healthCheck).Methods("GET")
	s.router.HandleFunc("/", s.rootHandler).Methods("GET")
}

// healthCheck returns health status
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
		"uptime":    time.Since(s.startTime).String(),
		"storage":   s.storage.GetStorageStats(),
	})
}

// rootHandler provides API information
func (s *Server) rootHandler(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]interface{}{
		"name":        "Forecast Workbench",
		"version":     Version,
		"description": "Upload tabular data, explore it and forecast a target column",
		"endpoints": map[string]string{
			"POST /api/v1/sessions":                "Upload a CSV, XLSX or JSON file",
			"GET  /api/v1/sessions/{id}":           "Session info",
			"GET  /api/v1/sessions/{id}/preview":   "First rows of the dataset",
			"GET  /api/v1/sessions/{id}/targets":   "Forecastable columns",
			"POST /api/v1/sessions/{id}/transform": "Apply preprocessing operations",
			"POST /api/v1/sessions/{id}/reset":     "Restore the uploaded dataset",
			"GET  /api/v1/sessions/{id}/summary":   "Exploratory summary and outliers",
			"GET  /api/v1/sessions/{id}/export":    "Download the dataset as XLSX",
			"POST /api/v1/sessions/{id}/forecast":  "Forecast a target (json, png or xlsx)",
			"POST /api/v1/sessions/{id}/train":     "Train a random forest regressor",
			"GET  /api/v1/artifacts/{artifact}":    "Download a trained model",
			"GET  /api/v1/aqi?city=":               "Current air quality",
			"GET  /api/v1/aqi/forecast?city=":      "Hourly air quality forecast",
			"GET  /metrics":                        "Prometheus metrics",
			"GET  /health":                         "Health check",
		},
	})
}
