package config

import (
	"encoding/json"
	"fmt"
	"forecast-workbench/analytics/ml"
	"forecast-workbench/aqi"
	"forecast-workbench/ingestion"
	"forecast-workbench/storage"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. FORECAST_SERVER_PORT
const EnvPrefix = "FORECAST"

// Config represents the complete system configuration
type Config struct {
	Server      ServerConfig      `json:"server" yaml:"server" envconfig:"SERVER"`
	Logging     LoggingConfig     `json:"logging" yaml:"logging" envconfig:"LOGGING"`
	Storage     StorageConfig     `json:"storage" yaml:"storage" envconfig:"STORAGE"`
	Upload      UploadConfig      `json:"upload" yaml:"upload" envconfig:"UPLOAD"`
	Forecasting ForecastingConfig `json:"forecasting" yaml:"forecasting" envconfig:"FORECASTING"`
	AQI         AQIConfig         `json:"aqi" yaml:"aqi" envconfig:"AQI"`
	Auth        AuthConfig        `json:"auth" yaml:"auth" envconfig:"AUTH"`
	RateLimit   RateLimitConfig   `json:"rate_limit" yaml:"rate_limit" envconfig:"RATE_LIMIT"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Port            string   `json:"port" yaml:"port" envconfig:"PORT"`
	ReadTimeout     Duration `json:"read_timeout" yaml:"read_timeout" envconfig:"READ_TIMEOUT"`
	WriteTimeout    Duration `json:"write_timeout" yaml:"write_timeout" envconfig:"WRITE_TIMEOUT"`
	IdleTimeout     Duration `json:"idle_timeout" yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT"`
	ShutdownTimeout Duration `json:"shutdown_timeout" yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`
}

// LoggingConfig selects the logrus level and formatter
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" envconfig:"LEVEL"`
	Format string `json:"format" yaml:"format" envconfig:"FORMAT"` // "json", "text"
}

// StorageConfig contains the session and artifact tiers
type StorageConfig struct {
	MaxSessions     int      `json:"max_sessions" yaml:"max_sessions" envconfig:"MAX_SESSIONS"`
	SessionIdle     Duration `json:"session_idle" yaml:"session_idle" envconfig:"SESSION_IDLE"`
	CleanupInterval Duration `json:"cleanup_interval" yaml:"cleanup_interval" envconfig:"CLEANUP_INTERVAL"`
	ArtifactBackend string   `json:"artifact_backend" yaml:"artifact_backend" envconfig:"ARTIFACT_BACKEND"` // "memory", "file", "redis"
	DataPath        string   `json:"data_path" yaml:"data_path" envconfig:"DATA_PATH"`
	Retention       Duration `json:"retention" yaml:"retention" envconfig:"RETENTION"`
	RedisAddr       string   `json:"redis_addr" yaml:"redis_addr" envconfig:"REDIS_ADDR"`
	RedisPassword   string   `json:"redis_password" yaml:"redis_password" envconfig:"REDIS_PASSWORD"`
	RedisDB         int      `json:"redis_db" yaml:"redis_db" envconfig:"REDIS_DB"`
}

// UploadConfig limits uploaded tables
type UploadConfig struct {
	MaxBytes       int64    `json:"max_bytes" yaml:"max_bytes" envconfig:"MAX_BYTES"`
	MaxRows        int      `json:"max_rows" yaml:"max_rows" envconfig:"MAX_ROWS"`
	MaxColumns     int      `json:"max_columns" yaml:"max_columns" envconfig:"MAX_COLUMNS"`
	MaxCellLength  int      `json:"max_cell_length" yaml:"max_cell_length" envconfig:"MAX_CELL_LENGTH"`
	AllowedFormats []string `json:"allowed_formats" yaml:"allowed_formats" envconfig:"ALLOWED_FORMATS"`
}

// ForecastingConfig contains forecast engine settings
type ForecastingConfig struct {
	DefaultHorizon      int      `json:"default_horizon" yaml:"default_horizon" envconfig:"DEFAULT_HORIZON"`
	ConfidenceLevel     float64  `json:"confidence_level" yaml:"confidence_level" envconfig:"CONFIDENCE_LEVEL"`
	Holdout             int      `json:"holdout" yaml:"holdout" envconfig:"HOLDOUT"`
	FitTimeout          Duration `json:"fit_timeout" yaml:"fit_timeout" envconfig:"FIT_TIMEOUT"`
	GridBudget          Duration `json:"grid_budget" yaml:"grid_budget" envconfig:"GRID_BUDGET"`
	GridWorkers         int      `json:"grid_workers" yaml:"grid_workers" envconfig:"GRID_WORKERS"`
	GridMaxCombinations int      `json:"grid_max_combinations" yaml:"grid_max_combinations" envconfig:"GRID_MAX_COMBINATIONS"`
}

// AQIConfig contains the air-quality client settings
type AQIConfig struct {
	BaseURL       string   `json:"base_url" yaml:"base_url" envconfig:"BASE_URL"`
	GeoURL        string   `json:"geo_url" yaml:"geo_url" envconfig:"GEO_URL"`
	APIKey        string   `json:"api_key" yaml:"api_key" envconfig:"API_KEY"`
	Timeout       Duration `json:"timeout" yaml:"timeout" envconfig:"TIMEOUT"`
	RatePerSecond float64  `json:"rate_per_second" yaml:"rate_per_second" envconfig:"RATE_PER_SECOND"`
	Burst         int      `json:"burst" yaml:"burst" envconfig:"BURST"`
}

// AuthConfig contains session token settings
type AuthConfig struct {
	JWTSecret string   `json:"jwt_secret" yaml:"jwt_secret" envconfig:"JWT_SECRET"`
	Issuer    string   `json:"issuer" yaml:"issuer" envconfig:"ISSUER"`
	TokenTTL  Duration `json:"token_ttl" yaml:"token_ttl" envconfig:"TOKEN_TTL"`
}

// RateLimitConfig contains per-client request limits
type RateLimitConfig struct {
	Enabled bool    `json:"enabled" yaml:"enabled" envconfig:"ENABLED"`
	RPS     float64 `json:"rps" yaml:"rps" envconfig:"RPS"`
	Burst   int     `json:"burst" yaml:"burst" envconfig:"BURST"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	engine := ml.DefaultForecastConfig()
	client := aqi.DefaultConfig()
	return &Config{
		Server: ServerConfig{
			Port:            ":8080",
			ReadTimeout:     Duration{30 * time.Second},
			WriteTimeout:    Duration{3 * time.Minute},
			IdleTimeout:     Duration{120 * time.Second},
			ShutdownTimeout: Duration{30 * time.Second},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Storage: StorageConfig{
			MaxSessions:     1000,
			SessionIdle:     Duration{2 * time.Hour},
			CleanupInterval: Duration{10 * time.Minute},
			ArtifactBackend: "memory",
			DataPath:        "./data/artifacts",
			Retention:       Duration{24 * time.Hour},
			RedisAddr:       "localhost:6379",
		},
		Upload: UploadConfig{
			MaxBytes:       50 << 20,
			MaxRows:        1000000,
			MaxColumns:     500,
			MaxCellLength:  32768,
			AllowedFormats: []string{}, // Empty means allow all
		},
		Forecasting: ForecastingConfig{
			DefaultHorizon:      engine.DefaultHorizon,
			ConfidenceLevel:     engine.ConfidenceLevel,
			Holdout:             engine.Holdout,
			FitTimeout:          Duration{engine.FitTimeout},
			GridBudget:          Duration{engine.Grid.Budget},
			GridWorkers:         engine.Grid.Workers,
			GridMaxCombinations: engine.Grid.MaxCombinations,
		},
		AQI: AQIConfig{
			BaseURL:       client.BaseURL,
			GeoURL:        client.GeoURL,
			Timeout:       Duration{client.Timeout},
			RatePerSecond: client.RatePerSecond,
			Burst:         client.Burst,
		},
		Auth: AuthConfig{
			Issuer:   "forecast-workbench",
			TokenTTL: Duration{2 * time.Hour},
		},
		RateLimit: RateLimitConfig{
			Enabled: true,
			RPS:     20,
			Burst:   40,
		},
	}
}

// LoadFromFile loads configuration from a JSON or YAML file over the defaults
func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", filename, err)
	}

	config := DefaultConfig()
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, config)
	default:
		err = json.Unmarshal(data, config)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", filename, err)
	}

	return config, nil
}

// ApplyEnv overlays FORECAST_* environment variables onto c
func (c *Config) ApplyEnv() error {
	if err := envconfig.Process(EnvPrefix, c); err != nil {
		return fmt.Errorf("failed to load config from env: %w", err)
	}
	return nil
}

// LoadFromEnv loads the defaults overlaid with environment variables
func LoadFromEnv() (*Config, error) {
	config := DefaultConfig()
	if err := config.ApplyEnv(); err != nil {
		return nil, err
	}
	return config, nil
}

// Load reads filename when it exists, then applies the environment
func Load(filename string) (*Config, error) {
	config := DefaultConfig()
	if filename != "" && fileExists(filename) {
		var err error
		if config, err = LoadFromFile(filename); err != nil {
			return nil, err
		}
	}
	if err := config.ApplyEnv(); err != nil {
		return nil, err
	}
	return config, nil
}

// SaveToFile saves configuration as JSON or YAML depending on the extension
func (c *Config) SaveToFile(filename string) error {
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(c)
	default:
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", filename, err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port cannot be empty")
	}

	if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("invalid logging level: %w", err)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("logging format must be json or text, got %q", c.Logging.Format)
	}

	if c.Storage.MaxSessions <= 0 {
		return fmt.Errorf("storage max sessions must be positive")
	}
	switch c.Storage.ArtifactBackend {
	case "memory":
	case "file":
		if c.Storage.DataPath == "" {
			return fmt.Errorf("storage data path cannot be empty for the file backend")
		}
	case "redis":
		if c.Storage.RedisAddr == "" {
			return fmt.Errorf("storage redis address cannot be empty for the redis backend")
		}
	default:
		return fmt.Errorf("unknown artifact backend %q", c.Storage.ArtifactBackend)
	}

	if c.Upload.MaxBytes <= 0 {
		return fmt.Errorf("upload max bytes must be positive")
	}

	f := c.Forecasting
	if f.DefaultHorizon < 1 || f.DefaultHorizon > ml.MaxHorizon {
		return fmt.Errorf("forecasting default horizon must be within 1..%d", ml.MaxHorizon)
	}
	if f.ConfidenceLevel <= 0 || f.ConfidenceLevel >= 1 {
		return fmt.Errorf("forecasting confidence level must be within (0, 1)")
	}
	if f.Holdout < 1 {
		return fmt.Errorf("forecasting holdout must be positive")
	}
	if f.FitTimeout.Duration <= 0 {
		return fmt.Errorf("forecasting fit timeout must be positive")
	}
	if f.GridWorkers < 1 {
		return fmt.Errorf("forecasting grid workers must be positive")
	}

	if c.RateLimit.Enabled && (c.RateLimit.RPS <= 0 || c.RateLimit.Burst <= 0) {
		return fmt.Errorf("rate limit rps and burst must be positive when enabled")
	}
	if c.Auth.TokenTTL.Duration <= 0 {
		return fmt.Errorf("auth token ttl must be positive")
	}

	return nil
}

// EnsureDataDirectories creates the artifact directory for the file backend
func (c *Config) EnsureDataDirectories() error {
	if c.Storage.ArtifactBackend != "file" {
		return nil
	}
	if err := os.MkdirAll(c.Storage.DataPath, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", c.Storage.DataPath, err)
	}
	return nil
}

// StorageEngineConfig converts the storage section for storage.NewStorageEngine
func (c *Config) StorageEngineConfig() *storage.StorageConfig {
	s := c.Storage
	return &storage.StorageConfig{
		Sessions: storage.SessionStorageConfig{
			MaxSessions:     s.MaxSessions,
			IdleTimeout:     s.SessionIdle.Duration,
			CleanupInterval: s.CleanupInterval.Duration,
		},
		Artifacts: storage.ArtifactStorageConfig{
			Backend:       s.ArtifactBackend,
			DataPath:      s.DataPath,
			Retention:     s.Retention.Duration,
			RedisAddr:     s.RedisAddr,
			RedisPassword: s.RedisPassword,
			RedisDB:       s.RedisDB,
		},
	}
}

// ForecastEngineConfig converts the forecasting section for ml.NewForecastEngine
func (c *Config) ForecastEngineConfig() ml.ForecastConfig {
	f := c.Forecasting
	engine := ml.DefaultForecastConfig()
	engine.DefaultHorizon = f.DefaultHorizon
	engine.ConfidenceLevel = f.ConfidenceLevel
	engine.Holdout = f.Holdout
	engine.FitTimeout = f.FitTimeout.Duration
	if f.GridBudget.Duration > 0 {
		engine.Grid.Budget = f.GridBudget.Duration
	}
	engine.Grid.Workers = f.GridWorkers
	if f.GridMaxCombinations > 0 {
		engine.Grid.MaxCombinations = f.GridMaxCombinations
	}
	return engine
}

// UploadValidator builds the ingestion limits
func (c *Config) UploadValidator() *ingestion.UploadValidator {
	uv := ingestion.NewUploadValidator()
	uv.SetLimits(c.Upload.MaxBytes, c.Upload.MaxRows, c.Upload.MaxColumns, c.Upload.MaxCellLength)
	uv.SetAllowedFormats(c.Upload.AllowedFormats)
	return uv
}

// AQIClientConfig converts the aqi section for aqi.NewClient
func (c *Config) AQIClientConfig() aqi.Config {
	a := c.AQI
	return aqi.Config{
		BaseURL:       a.BaseURL,
		GeoURL:        a.GeoURL,
		APIKey:        a.APIKey,
		Timeout:       a.Timeout.Duration,
		RatePerSecond: a.RatePerSecond,
		Burst:         a.Burst,
	}
}

// NewLogger builds the logrus logger described by the logging section
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	if level, err := logrus.ParseLevel(c.Logging.Level); err == nil {
		logger.SetLevel(level)
	}
	if c.Logging.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return logger
}

// ConfigManager handles configuration loading and hot-reloading
type ConfigManager struct {
	mu       sync.RWMutex
	config   *Config
	filename string
	watchers []func(*Config)
}

// NewConfigManager creates a new configuration manager
func NewConfigManager(filename string) (*ConfigManager, error) {
	config, err := Load(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if err := config.EnsureDataDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create data directories: %w", err)
	}

	return &ConfigManager{
		config:   config,
		filename: filename,
		watchers: make([]func(*Config), 0),
	}, nil
}

// GetConfig returns the current configuration
func (cm *ConfigManager) GetConfig() *Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.config
}

// AddWatcher adds a function to be called when configuration changes
func (cm *ConfigManager) AddWatcher(fn func(*Config)) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.watchers = append(cm.watchers, fn)
}

// Reload reloads the configuration from file
func (cm *ConfigManager) Reload() error {
	if cm.filename == "" || !fileExists(cm.filename) {
		return fmt.Errorf("no config file to reload")
	}

	newConfig, err := Load(cm.filename)
	if err != nil {
		return fmt.Errorf("failed to reload config: %w", err)
	}

	if err := newConfig.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	cm.mu.Lock()
	cm.config = newConfig
	watchers := append([]func(*Config){}, cm.watchers...)
	cm.mu.Unlock()

	for _, watcher := range watchers {
		watcher(newConfig)
	}

	return nil
}

// fileExists checks if a file exists
func fileExists(filename string) bool {
	_, err := os.Stat(filename)
	return !os.IsNotExist(err)
}
