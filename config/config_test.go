package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":8080", cfg.Server.Port)
	assert.Equal(t, 12, cfg.Forecasting.DefaultHorizon)
	assert.Equal(t, 0.95, cfg.Forecasting.ConfidenceLevel)
	assert.Equal(t, "memory", cfg.Storage.ArtifactBackend)
}

func TestLoadFromFileJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{"server":{"port":":9090","read_timeout":"5s"},"forecasting":{"default_horizon":24,"fit_timeout":"45s"}}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.Server.ReadTimeout.Duration)
	assert.Equal(t, 24, cfg.Forecasting.DefaultHorizon)
	assert.Equal(t, 45*time.Second, cfg.Forecasting.FitTimeout.Duration)
	// untouched sections keep their defaults
	assert.Equal(t, 0.95, cfg.Forecasting.ConfidenceLevel)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadFromFileYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
logging:
  level: debug
  format: text
storage:
  artifact_backend: file
  data_path: /tmp/artifacts
  retention: 1h
aqi:
  api_key: secret
  timeout: 3s
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "file", cfg.Storage.ArtifactBackend)
	assert.Equal(t, time.Hour, cfg.Storage.Retention.Duration)
	assert.Equal(t, "secret", cfg.AQIClientConfig().APIKey)
	assert.Equal(t, 3*time.Second, cfg.AQIClientConfig().Timeout)
	require.NoError(t, cfg.Validate())
}

func TestLoadFromFileErrors(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"server":{"read_timeout":"soon"}}`), 0600))
	_, err = LoadFromFile(path)
	assert.Error(t, err)
}

func TestEnvOverlay(t *testing.T) {
	t.Setenv("FORECAST_SERVER_PORT", ":7070")
	t.Setenv("FORECAST_FORECASTING_FIT_TIMEOUT", "90s")
	t.Setenv("FORECAST_AQI_API_KEY", "from-env")
	t.Setenv("FORECAST_UPLOAD_ALLOWED_FORMATS", "csv,xlsx")

	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"server":{"port":":9090"},"logging":{"level":"warn"}}`), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":7070", cfg.Server.Port, "environment wins over the file")
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, 90*time.Second, cfg.Forecasting.FitTimeout.Duration)
	assert.Equal(t, "from-env", cfg.AQI.APIKey)
	assert.Equal(t, []string{"csv", "xlsx"}, cfg.Upload.AllowedFormats)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty port", func(c *Config) { c.Server.Port = "" }},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }},
		{"unknown backend", func(c *Config) { c.Storage.ArtifactBackend = "s3" }},
		{"file backend without path", func(c *Config) {
			c.Storage.ArtifactBackend = "file"
			c.Storage.DataPath = ""
		}},
		{"horizon too large", func(c *Config) { c.Forecasting.DefaultHorizon = 366 }},
		{"confidence of one", func(c *Config) { c.Forecasting.ConfidenceLevel = 1 }},
		{"zero fit timeout", func(c *Config) { c.Forecasting.FitTimeout = Duration{} }},
		{"rate limit without rps", func(c *Config) { c.RateLimit.RPS = 0 }},
		{"zero sessions", func(c *Config) { c.Storage.MaxSessions = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestSaveToFileRoundTrip(t *testing.T) {
	for _, name := range []string{"config.json", "config.yml"} {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Forecasting.Holdout = 7
			cfg.Storage.SessionIdle = Duration{15 * time.Minute}

			path := filepath.Join(t.TempDir(), name)
			require.NoError(t, cfg.SaveToFile(path))

			loaded, err := LoadFromFile(path)
			require.NoError(t, err)
			assert.Equal(t, 7, loaded.Forecasting.Holdout)
			assert.Equal(t, 15*time.Minute, loaded.Storage.SessionIdle.Duration)
		})
	}
}

func TestConversions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Forecasting.GridWorkers = 2
	cfg.Storage.MaxSessions = 10

	engine := cfg.ForecastEngineConfig()
	assert.Equal(t, 2, engine.Grid.Workers)
	assert.Equal(t, cfg.Forecasting.FitTimeout.Duration, engine.FitTimeout)

	st := cfg.StorageEngineConfig()
	assert.Equal(t, 10, st.Sessions.MaxSessions)
	assert.Equal(t, "memory", st.Artifacts.Backend)

	assert.Equal(t, cfg.Upload.MaxBytes, cfg.UploadValidator().MaxBytes())

	cfg.Logging.Level = "debug"
	logger := cfg.NewLogger()
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, logger.Formatter)
}

func TestConfigManagerReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"forecasting":{"default_horizon":6}}`), 0600))

	cm, err := NewConfigManager(path)
	require.NoError(t, err)
	assert.Equal(t, 6, cm.GetConfig().Forecasting.DefaultHorizon)

	var seen int
	cm.AddWatcher(func(c *Config) { seen = c.Forecasting.DefaultHorizon })

	require.NoError(t, os.WriteFile(path, []byte(`{"forecasting":{"default_horizon":18}}`), 0600))
	require.NoError(t, cm.Reload())
	assert.Equal(t, 18, seen)
	assert.Equal(t, 18, cm.GetConfig().Forecasting.DefaultHorizon)

	require.NoError(t, os.WriteFile(path, []byte(`{"forecasting":{"default_horizon":0}}`), 0600))
	assert.Error(t, cm.Reload())
	assert.Equal(t, 18, cm.GetConfig().Forecasting.DefaultHorizon)
}

func TestConfigManagerWithoutFile(t *testing.T) {
	cm, err := NewConfigManager("")
	require.NoError(t, err)
	assert.NotNil(t, cm.GetConfig())
	assert.Error(t, cm.Reload())
}
