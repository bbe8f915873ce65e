package main

import (
	"context"
	"fmt"
	"forecast-workbench/analytics"
	"forecast-workbench/analytics/ml"
	"forecast-workbench/api"
	"forecast-workbench/aqi"
	"forecast-workbench/config"
	"forecast-workbench/ingestion"
	"forecast-workbench/pipeline"
	"forecast-workbench/storage"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

func main() {
	configPath := os.Getenv("FORECAST_CONFIG")
	if configPath == "" {
		configPath = "config.json"
	}

	// Load configuration
	configManager, err := config.NewConfigManager(configPath)
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}
	cfg := configManager.GetConfig()
	logger := cfg.NewLogger()
	logger.Info("Starting Forecast Workbench...")

	configManager.AddWatcher(func(next *config.Config) {
		if level, err := logrus.ParseLevel(next.Logging.Level); err == nil {
			logger.SetLevel(level)
		}
		logger.WithField("level", next.Logging.Level).Info("Configuration reloaded")
	})

	// Session and artifact tiers
	storageEngine, err := storage.NewStorageEngine(cfg.StorageEngineConfig(), logger)
	if err != nil {
		logger.Fatalf("Failed to initialize storage engine: %v", err)
	}
	storageEngine.Start()
	defer func() {
		if err := storageEngine.Stop(); err != nil {
			logger.WithError(err).Error("Error stopping storage engine")
		}
	}()
	logger.WithFields(logrus.Fields{
		"max_sessions": cfg.Storage.MaxSessions,
		"artifacts":    cfg.Storage.ArtifactBackend,
	}).Info("Storage engine initialized")

	loader := ingestion.NewLoader(cfg.UploadValidator(), logger)
	engine := ml.NewForecastEngine(cfg.ForecastEngineConfig(), logger)
	workbench := pipeline.New(loader, engine, analytics.DefaultOutlierConfig(), logger)

	secret := cfg.Auth.JWTSecret
	if secret == "" {
		secret = uuid.NewString()
		logger.Warn("No auth.jwt_secret configured; session tokens will not survive a restart")
	}
	tokens, err := api.NewTokenIssuer(secret, cfg.Auth.Issuer, cfg.Auth.TokenTTL.Duration)
	if err != nil {
		logger.Fatalf("Failed to initialize token issuer: %v", err)
	}

	apiServer := api.NewServer(api.Options{
		Pipeline: workbench,
		Storage:  storageEngine,
		AQI:      aqi.NewClient(cfg.AQIClientConfig(), logger),
		Tokens:   tokens,
		RateLimit: api.RateLimit{
			Enabled: cfg.RateLimit.Enabled,
			RPS:     cfg.RateLimit.RPS,
			Burst:   cfg.RateLimit.Burst,
		},
		MaxUploadBytes: cfg.Upload.MaxBytes,
		Logger:         logger,
	})

	server := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      apiServer,
		ReadTimeout:  cfg.Server.ReadTimeout.Duration,
		WriteTimeout: cfg.Server.WriteTimeout.Duration,
		IdleTimeout:  cfg.Server.IdleTimeout.Duration,
	}

	go func() {
		logger.Infof("Starting HTTP server on %s", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("HTTP server failed: %v", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pruneLimiters(ctx, apiServer, cfg.Storage.CleanupInterval.Duration)

	printStartupInfo(cfg.Server.Port, cfg)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range signals {
		if sig != syscall.SIGHUP {
			break
		}
		if err := configManager.Reload(); err != nil {
			logger.WithError(err).Warn("Configuration reload failed")
		}
		if err := storageEngine.TriggerCleanup(); err != nil {
			logger.WithError(err).Warn("Cleanup after reload failed")
		}
	}
	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}

	logger.Info("Server gracefully stopped")
}

// pruneLimiters drops idle per-client rate limit buckets on the storage
// cleanup cadence
func pruneLimiters(ctx context.Context, s *api.Server, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.PruneRateLimiters(interval)
		}
	}
}

func printStartupInfo(port string, cfg *config.Config) {
	fmt.Println("\n" + strings.Repeat("=", 60))
	fmt.Println("Forecast Workbench Started")
	fmt.Println(strings.Repeat("=", 60))
	fmt.Printf("HTTP API: http://localhost%s\n", port)

	fmt.Println("\nConfiguration:")
	fmt.Printf("  Sessions:    max %d, idle %v\n", cfg.Storage.MaxSessions, cfg.Storage.SessionIdle.Duration)
	fmt.Printf("  Artifacts:   %s\n", cfg.Storage.ArtifactBackend)
	fmt.Printf("  Forecasting: horizon=%d, confidence=%.2f, fit timeout=%v\n",
		cfg.Forecasting.DefaultHorizon, cfg.Forecasting.ConfidenceLevel, cfg.Forecasting.FitTimeout.Duration)

	fmt.Println("\nExample Usage:")
	fmt.Printf("  curl -F file=@sales.csv http://localhost%s/api/v1/sessions\n", port)
	fmt.Printf(`  curl -X POST http://localhost%s/api/v1/sessions/<id>/forecast \`, port)
	fmt.Println(`
       -H "Authorization: Bearer <token>" \
       -d '{"target": "Sales", "model": {"method": "arima", "p": 1, "d": 1, "q": 1}, "horizon": 12}'`)

	fmt.Println("\n" + strings.Repeat("=", 60))
	fmt.Println("Press Ctrl+C to gracefully shutdown")
	fmt.Println(strings.Repeat("=", 60) + "\n")
}
