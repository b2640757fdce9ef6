package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "howdoifare.yaml"

// Bounds for the configurable sync interval, in hours.
const (
	MinSyncIntervalHours = 1
	MaxSyncIntervalHours = 168
)

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error. HOWDOIFARE_CONFIG
// overrides the file path.
func Load() (*Config, error) {
	path := DefaultConfigFile
	if p := os.Getenv("HOWDOIFARE_CONFIG"); p != "" {
		path = p
	}
	return LoadFrom(path)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "HOWDOIFARE_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "HOWDOIFARE_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "HOWDOIFARE_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "HOWDOIFARE_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "HOWDOIFARE_PG_HEALTH_CHECK")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.NATS.Stream, "HOWDOIFARE_NATS_STREAM")
	setString(&cfg.Logging.Level, "HOWDOIFARE_LOG_LEVEL")
	setString(&cfg.Logging.Service, "HOWDOIFARE_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "HOWDOIFARE_LOG_ASYNC")
	setString(&cfg.Health.Port, "HOWDOIFARE_HEALTH_PORT")
	setString(&cfg.Encryption.Key, "ENCRYPTION_KEY")
	setString(&cfg.Encryption.KeyFile, "ENCRYPTION_KEY_FILE")

	// OpenTelemetry
	setBool(&cfg.OTEL.Enabled, "HOWDOIFARE_OTEL_ENABLED")
	setString(&cfg.OTEL.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setString(&cfg.OTEL.ServiceName, "OTEL_SERVICE_NAME")
	setBool(&cfg.OTEL.Insecure, "HOWDOIFARE_OTEL_INSECURE")
	setFloat64(&cfg.OTEL.SampleRate, "HOWDOIFARE_OTEL_SAMPLE_RATE")

	setInt(&cfg.Breaker.MaxFailures, "HOWDOIFARE_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "HOWDOIFARE_BREAKER_TIMEOUT")

	// Cache
	setInt64(&cfg.Cache.L1MaxSizeMB, "HOWDOIFARE_CACHE_L1_SIZE_MB")
	setDuration(&cfg.Cache.L1TTL, "HOWDOIFARE_CACHE_L1_TTL")
	setString(&cfg.Cache.L2Bucket, "HOWDOIFARE_CACHE_L2_BUCKET")
	setDuration(&cfg.Cache.L2TTL, "HOWDOIFARE_CACHE_L2_TTL")

	// Worker
	setInt(&cfg.Worker.Concurrency, "WORKER_CONCURRENCY")
	setInt(&cfg.Worker.MaxAttempts, "HOWDOIFARE_WORKER_MAX_ATTEMPTS")
	setDuration(&cfg.Worker.BackoffBase, "HOWDOIFARE_WORKER_BACKOFF_BASE")
	setDuration(&cfg.Worker.JobTimeout, "HOWDOIFARE_WORKER_JOB_TIMEOUT")
	setDuration(&cfg.Worker.DrainWait, "HOWDOIFARE_WORKER_DRAIN_TIMEOUT")

	// Sync
	setInt(&cfg.Sync.DefaultIntervalHours, "DEFAULT_SYNC_INTERVAL_HOURS")
	setDuration(&cfg.Sync.LockTimeout, "HOWDOIFARE_SYNC_LOCK_TIMEOUT")
	setDuration(&cfg.Sync.FlushInterval, "HOWDOIFARE_SYNC_FLUSH_INTERVAL")
	setInt(&cfg.Sync.ErrorMaxLen, "HOWDOIFARE_SYNC_ERROR_MAX_LEN")
	setDuration(&cfg.Sync.ScheduleTick, "HOWDOIFARE_SYNC_SCHEDULE_TICK")

	// External APIs
	setString(&cfg.GitHub.BaseURL, "HOWDOIFARE_GITHUB_BASE_URL")
	setInt(&cfg.GitHub.MaxTokens, "HOWDOIFARE_GITHUB_MAX_TOKENS")
	setInt(&cfg.GitHub.RefillRate, "HOWDOIFARE_GITHUB_REFILL_RATE")
	setDuration(&cfg.GitHub.RefillInterval, "HOWDOIFARE_GITHUB_REFILL_INTERVAL")
	setString(&cfg.Jira.Scheme, "HOWDOIFARE_JIRA_SCHEME")
	setInt(&cfg.Jira.MaxTokens, "HOWDOIFARE_JIRA_MAX_TOKENS")
	setInt(&cfg.Jira.RefillRate, "HOWDOIFARE_JIRA_REFILL_RATE")
	setDuration(&cfg.Jira.RefillInterval, "HOWDOIFARE_JIRA_REFILL_INTERVAL")
	setInt(&cfg.Throttle.MaxRetries, "HOWDOIFARE_THROTTLE_MAX_RETRIES")
	setDuration(&cfg.Throttle.ResetCap, "HOWDOIFARE_THROTTLE_RESET_CAP")
	setDuration(&cfg.Throttle.Fallback, "HOWDOIFARE_THROTTLE_FALLBACK")
	setDuration(&cfg.Limiter.AcquireTimeout, "HOWDOIFARE_LIMITER_ACQUIRE_TIMEOUT")
	setDuration(&cfg.Limiter.IdleTTL, "HOWDOIFARE_LIMITER_IDLE_TTL")
	setDuration(&cfg.Limiter.SweepInterval, "HOWDOIFARE_LIMITER_SWEEP_INTERVAL")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required")
	}
	if cfg.NATS.URL == "" {
		return errors.New("nats.url is required")
	}
	if cfg.Postgres.MaxConns < 1 {
		return errors.New("postgres.max_conns must be >= 1")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Worker.Concurrency < 1 {
		return errors.New("worker.concurrency must be >= 1")
	}
	if cfg.Worker.MaxAttempts < 1 {
		return errors.New("worker.max_attempts must be >= 1")
	}
	if h := cfg.Sync.DefaultIntervalHours; h < MinSyncIntervalHours || h > MaxSyncIntervalHours {
		return fmt.Errorf("sync.default_interval_hours must be between %d and %d", MinSyncIntervalHours, MaxSyncIntervalHours)
	}
	if cfg.Sync.LockTimeout <= 0 {
		return errors.New("sync.lock_timeout must be > 0")
	}
	if cfg.GitHub.MaxTokens < 1 || cfg.Jira.MaxTokens < 1 {
		return errors.New("max_tokens must be >= 1")
	}
	if cfg.GitHub.RefillInterval <= 0 || cfg.Jira.RefillInterval <= 0 {
		return errors.New("refill_interval must be > 0")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
