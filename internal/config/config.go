package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

type (
	// Config holds configuration settings for the engine
	Config struct {
		// API Server
		APIHost  string
		APIPort  int
		LogLevel string

		// Tool endpoints
		RegistryURL    string
		RegistryAPIKey string
		DelegateURL    string
		DelegateAPIKey string

		// Transport retry
		ClientMaxAttempts    int
		ClientInitialBackoff time.Duration
		ClientMaxBackoff     time.Duration

		// Composition storage
		Storage StorageConfig

		// Telemetry
		MetricsDir        string
		MetricsArchiveURL string

		// Analysis
		Analyzer AnalyzerConfig

		StepTimeoutSeconds int
		ShutdownTimeout    time.Duration
	}

	// StorageConfig selects and configures the composition store
	// backend: "memory", "redis", or "sqlite"
	StorageConfig struct {
		Backend    string
		RedisAddr  string
		RedisPass  string
		RedisDB    int
		Prefix     string
		SQLitePath string
	}

	// AnalyzerConfig tunes the performance analyzer thresholds
	AnalyzerConfig struct {
		WindowDays           int
		MinExecutions        int
		SuccessRateThreshold float64
		LatencyThresholdMs   float64
	}
)

const (
	DefaultAPIPort = 8080
	DefaultAPIHost = "0.0.0.0"
	MaxTCPPort     = 65535

	DefaultStepTimeoutSeconds = 60
	MaxStepTimeoutSeconds     = 24 * 60 * 60
	DefaultShutdownTimeout    = 10 * time.Second

	DefaultClientMaxAttempts    = 3
	DefaultClientInitialBackoff = 2 * time.Second
	DefaultClientMaxBackoff     = 10 * time.Second
	MaxClientAttempts           = 100

	DefaultStorageBackend = "memory"
	DefaultRedisAddr      = "localhost:6379"
	DefaultRedisDB        = 0
	DefaultStoragePrefix  = "cantata"
	DefaultSQLitePath     = "cantata.db"

	DefaultMetricsDir = "metrics"

	DefaultAnalyzerWindowDays   = 30
	DefaultMinExecutions        = 5
	DefaultSuccessRateThreshold = 0.95
	DefaultLatencyThresholdMs   = 1000
	MaxAnalyzerWindowDays       = 3650
	MaxAnalyzerMinExecutions    = 1_000_000
)

var (
	ErrInvalidAPIPort        = errors.New("invalid API port")
	ErrInvalidStepTimeout    = errors.New("step timeout must be positive")
	ErrInvalidClientAttempts = errors.New(
		"client max attempts must be positive",
	)
	ErrMaxBackoffTooSmall = errors.New(
		"client max backoff must be >= initial backoff",
	)
	ErrInvalidStorageBackend = errors.New("invalid storage backend")
	ErrInvalidSuccessRate    = errors.New(
		"success rate threshold must be in (0, 1]",
	)
	ErrInvalidLatencyThreshold = errors.New(
		"latency threshold must be positive",
	)
	ErrInvalidMinExecutions = errors.New(
		"minimum executions must be positive",
	)
)

// NewDefaultConfig creates a configuration with sensible defaults for
// the server, tool client, stores, and analyzer
func NewDefaultConfig() *Config {
	return &Config{
		APIHost:  DefaultAPIHost,
		APIPort:  DefaultAPIPort,
		LogLevel: "info",

		ClientMaxAttempts:    DefaultClientMaxAttempts,
		ClientInitialBackoff: DefaultClientInitialBackoff,
		ClientMaxBackoff:     DefaultClientMaxBackoff,

		Storage: StorageConfig{
			Backend:    DefaultStorageBackend,
			RedisAddr:  DefaultRedisAddr,
			RedisDB:    DefaultRedisDB,
			Prefix:     DefaultStoragePrefix,
			SQLitePath: DefaultSQLitePath,
		},

		MetricsDir: DefaultMetricsDir,

		Analyzer: AnalyzerConfig{
			WindowDays:           DefaultAnalyzerWindowDays,
			MinExecutions:        DefaultMinExecutions,
			SuccessRateThreshold: DefaultSuccessRateThreshold,
			LatencyThresholdMs:   DefaultLatencyThresholdMs,
		},

		StepTimeoutSeconds: DefaultStepTimeoutSeconds,
		ShutdownTimeout:    DefaultShutdownTimeout,
	}
}

// LoadFromEnv populates configuration values from environment variables.
// Returns an error if any env var cannot be parsed
func (c *Config) LoadFromEnv() error {
	if apiHost := os.Getenv("API_HOST"); apiHost != "" {
		c.APIHost = apiHost
	}
	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		c.LogLevel = logLevel
	}

	if registryURL := os.Getenv("REGISTRY_URL"); registryURL != "" {
		c.RegistryURL = registryURL
	}
	if key := os.Getenv("REGISTRY_API_KEY"); key != "" {
		c.RegistryAPIKey = key
	}
	if delegateURL := os.Getenv("DELEGATE_URL"); delegateURL != "" {
		c.DelegateURL = delegateURL
	}
	if key := os.Getenv("DELEGATE_API_KEY"); key != "" {
		c.DelegateAPIKey = key
	}

	if backend := os.Getenv("STORAGE_BACKEND"); backend != "" {
		c.Storage.Backend = backend
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		c.Storage.RedisAddr = addr
	}
	if pass := os.Getenv("REDIS_PASSWORD"); pass != "" {
		c.Storage.RedisPass = pass
	}
	if prefix := os.Getenv("REDIS_PREFIX"); prefix != "" {
		c.Storage.Prefix = prefix
	}
	if path := os.Getenv("SQLITE_PATH"); path != "" {
		c.Storage.SQLitePath = path
	}

	if dir := os.Getenv("METRICS_DIR"); dir != "" {
		c.MetricsDir = dir
	}
	if archiveURL := os.Getenv("METRICS_ARCHIVE_URL"); archiveURL != "" {
		c.MetricsArchiveURL = archiveURL
	}

	if rate := os.Getenv("ANALYZER_SUCCESS_RATE"); rate != "" {
		parsed, err := strconv.ParseFloat(rate, 64)
		if err != nil {
			return fmt.Errorf("invalid ANALYZER_SUCCESS_RATE: %w", err)
		}
		c.Analyzer.SuccessRateThreshold = parsed
	}
	if ms := os.Getenv("ANALYZER_LATENCY_MS"); ms != "" {
		parsed, err := strconv.ParseFloat(ms, 64)
		if err != nil {
			return fmt.Errorf("invalid ANALYZER_LATENCY_MS: %w", err)
		}
		c.Analyzer.LatencyThresholdMs = parsed
	}

	if err := loadEnvInt("API_PORT", &c.APIPort, 0, MaxTCPPort); err != nil {
		return err
	}
	if err := loadEnvInt(
		"REDIS_DB", &c.Storage.RedisDB, 0, 15,
	); err != nil {
		return err
	}
	if err := loadEnvInt(
		"STEP_TIMEOUT_SECONDS", &c.StepTimeoutSeconds,
		0, MaxStepTimeoutSeconds,
	); err != nil {
		return err
	}
	if err := loadEnvInt(
		"CLIENT_MAX_ATTEMPTS", &c.ClientMaxAttempts, 0, MaxClientAttempts,
	); err != nil {
		return err
	}
	if err := loadEnvInt(
		"ANALYZER_WINDOW_DAYS", &c.Analyzer.WindowDays,
		0, MaxAnalyzerWindowDays,
	); err != nil {
		return err
	}
	if err := loadEnvInt(
		"ANALYZER_MIN_EXECUTIONS", &c.Analyzer.MinExecutions,
		0, MaxAnalyzerMinExecutions,
	); err != nil {
		return err
	}

	return nil
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	if c.APIPort <= 0 || c.APIPort > MaxTCPPort {
		return fmt.Errorf("%w: %d", ErrInvalidAPIPort, c.APIPort)
	}
	if c.StepTimeoutSeconds <= 0 {
		return ErrInvalidStepTimeout
	}
	if c.ClientMaxAttempts <= 0 {
		return ErrInvalidClientAttempts
	}
	if c.ClientMaxBackoff < c.ClientInitialBackoff {
		return ErrMaxBackoffTooSmall
	}

	switch c.Storage.Backend {
	case "memory", "redis", "sqlite":
	default:
		return fmt.Errorf("%w: %s",
			ErrInvalidStorageBackend, c.Storage.Backend)
	}

	if c.Analyzer.SuccessRateThreshold <= 0 ||
		c.Analyzer.SuccessRateThreshold > 1 {
		return fmt.Errorf("%w: %f",
			ErrInvalidSuccessRate, c.Analyzer.SuccessRateThreshold)
	}
	if c.Analyzer.LatencyThresholdMs <= 0 {
		return ErrInvalidLatencyThreshold
	}
	if c.Analyzer.MinExecutions <= 0 {
		return ErrInvalidMinExecutions
	}

	return nil
}

// loadEnvInt reads key from the environment, parses it as an integer,
// and stores it in dst when it falls within [minVal, maxVal]
func loadEnvInt[T ~int | ~int64](key string, dst *T, minVal, maxVal T) error {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	parsed, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	val := T(parsed)
	if val < minVal || val > maxVal {
		return fmt.Errorf("invalid %s: %d out of range [%d, %d]",
			key, val, minVal, maxVal)
	}
	*dst = val
	return nil
}
