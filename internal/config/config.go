// Package config loads static startup configuration from the environment
// and watches the dynamic, hot-reloadable settings (degradation feature
// flags, adaptive-enforcement thresholds) on disk. Grounded on the
// teacher's infrastructure/config.LoadConfig (getEnv/getEnvBool/getEnvInt
// env-var-with-default pattern and the production-mode Validate check),
// its internal/config.Config (struct-tag `validate:"..."` rules checked
// with go-playground/validator) and its internal/config.Loader (optional
// YAML file overlay on top of env vars, read with gopkg.in/yaml.v3), and
// its ConfigWatcher (debounced fsnotify reload of a JSON file into a
// DynamicConfig struct, with registered onChange callbacks).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/forgeflow/core/internal/durable/lock"
)

// Config is the static configuration loaded once at process start. The
// yaml tags let an optional file overlay (LoadFromFile) populate the same
// struct env vars do; the validate tags are checked by
// github.com/go-playground/validator/v10 the way the teacher's
// internal/config.Config is, in addition to the production-mode checks
// Validate layers on top.
type Config struct {
	RootDir     string `yaml:"root_dir" validate:"required"`
	Environment string `yaml:"environment" validate:"required,oneof=development staging production"` // "development" | "staging" | "production"
	LogLevel    string `yaml:"log_level" validate:"required,oneof=debug info warn error"`

	LockStaleThreshold time.Duration `yaml:"lock_stale_threshold"`
	LockPollInterval   time.Duration `yaml:"lock_poll_interval"`

	RetryMaxRetries int           `yaml:"retry_max_retries" validate:"min=0"`
	RetryBaseDelay  time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay   time.Duration `yaml:"retry_max_delay"`

	BreakerFailureThreshold int           `yaml:"breaker_failure_threshold" validate:"min=0"`
	BreakerSuccessThreshold int           `yaml:"breaker_success_threshold" validate:"min=0"`
	BreakerTimeout          time.Duration `yaml:"breaker_timeout"`

	HealthCheckInterval time.Duration `yaml:"health_check_interval"`

	AuditMaxBytes   int64 `yaml:"audit_max_bytes" validate:"min=0"`
	AuditMaxBackups int   `yaml:"audit_max_backups" validate:"min=0"`

	FeatureFlagsPath string `yaml:"feature_flags_path"`
	EnforcementPath  string `yaml:"enforcement_path"`
	SchemaOverlayDir string `yaml:"schema_overlay_dir"`

	MetricsAddr string `yaml:"metrics_addr"`

	EnableMetrics bool `yaml:"enable_metrics"`
	EnableTracing bool `yaml:"enable_tracing"`

	// ProviderKind, when non-empty, tells forgeflowd to construct a
	// resilience-wrapped external data provider at startup ("dynamodb" or
	// "supabase") and register it as a health-check target. Left empty,
	// the daemon runs with no external provider — the durable core never
	// requires one.
	ProviderKind  string `yaml:"provider_kind" validate:"omitempty,oneof=dynamodb supabase"`
	ProviderTable string `yaml:"provider_table"`
	ProviderURL   string `yaml:"provider_url"`
	ProviderKey   string `yaml:"provider_key"`

	// EventBusName, when non-empty, tells forgeflowd to mirror every
	// committed ledger entry onto that AWS EventBridge bus in addition to
	// the on-disk ledger, which stays the durable record regardless.
	EventBusName string `yaml:"event_bus_name"`
}

var structValidator = validator.New()

// Load reads configuration from the environment, applying the same
// defaults-plus-override pattern the teacher uses, and validates it.
func Load() (*Config, error) {
	cfg := &Config{
		RootDir:     getEnv("FORGEFLOW_ROOT", "./.forgeflow"),
		Environment: getEnv("FORGEFLOW_ENV", "development"),
		LogLevel:    getEnv("FORGEFLOW_LOG_LEVEL", "info"),

		LockStaleThreshold: getEnvDuration("FORGEFLOW_LOCK_STALE_THRESHOLD", lock.StaleLockThreshold),
		LockPollInterval:   getEnvDuration("FORGEFLOW_LOCK_POLL_INTERVAL", 250*time.Millisecond),

		RetryMaxRetries: getEnvInt("FORGEFLOW_RETRY_MAX_RETRIES", 3),
		RetryBaseDelay:  getEnvDuration("FORGEFLOW_RETRY_BASE_DELAY", 500*time.Millisecond),
		RetryMaxDelay:   getEnvDuration("FORGEFLOW_RETRY_MAX_DELAY", 30*time.Second),

		BreakerFailureThreshold: getEnvInt("FORGEFLOW_BREAKER_FAILURE_THRESHOLD", 3),
		BreakerSuccessThreshold: getEnvInt("FORGEFLOW_BREAKER_SUCCESS_THRESHOLD", 2),
		BreakerTimeout:          getEnvDuration("FORGEFLOW_BREAKER_TIMEOUT", 60*time.Second),

		HealthCheckInterval: getEnvDuration("FORGEFLOW_HEALTHCHECK_INTERVAL", 30*time.Second),

		AuditMaxBytes:   getEnvInt64("FORGEFLOW_AUDIT_MAX_BYTES", 50*1024*1024),
		AuditMaxBackups: getEnvInt("FORGEFLOW_AUDIT_MAX_BACKUPS", 3),

		FeatureFlagsPath: getEnv("FORGEFLOW_FEATURE_FLAGS_PATH", "./.forgeflow/_config/feature_flags.json"),
		EnforcementPath:  getEnv("FORGEFLOW_ENFORCEMENT_PATH", "./.forgeflow/_config/enforcement.json"),
		SchemaOverlayDir: getEnv("FORGEFLOW_SCHEMA_OVERLAY_DIR", ""),

		MetricsAddr: getEnv("FORGEFLOW_METRICS_ADDR", ":9090"),

		EnableMetrics: getEnvBool("FORGEFLOW_ENABLE_METRICS", true),
		EnableTracing: getEnvBool("FORGEFLOW_ENABLE_TRACING", false),

		ProviderKind:  getEnv("FORGEFLOW_PROVIDER_KIND", ""),
		ProviderTable: getEnv("FORGEFLOW_PROVIDER_TABLE", ""),
		ProviderURL:   getEnv("FORGEFLOW_PROVIDER_URL", ""),
		ProviderKey:   getEnv("FORGEFLOW_PROVIDER_KEY", ""),

		EventBusName: getEnv("FORGEFLOW_EVENT_BUS_NAME", ""),
	}

	if path := getEnv("FORGEFLOW_CONFIG_FILE", ""); path != "" {
		if err := cfg.overlayFromFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// overlayFromFile merges a YAML file's fields onto cfg, the way the
// teacher's Loader layers a file source over environment defaults. Any
// field absent from the file keeps its env-derived value, since
// yaml.Unmarshal only writes keys present in the document.
func (c *Config) overlayFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: decode %s: %w", path, err)
	}
	return nil
}

// Validate checks the struct-tag rules with go-playground/validator and
// then the production-mode requirements, the way the teacher's
// Config.Validate gates JWT_SECRET/DYNAMODB_TABLE/EVENT_BUS_NAME on
// Environment == "production".
func (c *Config) Validate() error {
	if err := structValidator.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.IsProduction() {
		if c.AuditMaxBackups < 1 {
			return fmt.Errorf("config: FORGEFLOW_AUDIT_MAX_BACKUPS must be >= 1 in production")
		}
		if c.LockStaleThreshold < time.Second {
			return fmt.Errorf("config: FORGEFLOW_LOCK_STALE_THRESHOLD is implausibly small for production")
		}
	}
	return nil
}

// IsDevelopment reports whether Environment is "development".
func (c *Config) IsDevelopment() bool { return c.Environment == "development" }

// IsProduction reports whether Environment is "production".
func (c *Config) IsProduction() bool { return c.Environment == "production" }

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	return v == "true" || v == "1" || v == "yes"
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}
