// Package config loads the job manager configuration. Values are read once at
// startup from defaults, an optional YAML file and IMAGEGEN_* environment
// variables, in increasing precedence.
package config

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. IMAGEGEN_WORKER_COUNT
const EnvPrefix = "IMAGEGEN"

// Config is the full runtime configuration
type Config struct {
	QueueCapacity   int           `mapstructure:"queue_capacity" yaml:"queue_capacity" validate:"min=1"`
	WorkerCount     int           `mapstructure:"worker_count" yaml:"worker_count" validate:"min=1"`
	AttemptTimeout  time.Duration `mapstructure:"attempt_timeout" yaml:"attempt_timeout" validate:"gt=0"`
	MaxRetries      int           `mapstructure:"max_retries" yaml:"max_retries" validate:"min=0"`
	MaxPromptChars  int           `mapstructure:"max_prompt_chars" yaml:"max_prompt_chars" validate:"min=1"`
	ModelCacheTTL   time.Duration `mapstructure:"model_cache_ttl" yaml:"model_cache_ttl" validate:"gte=0"`
	ModelCacheBytes int           `mapstructure:"model_cache_bytes" yaml:"model_cache_bytes" validate:"eq=0|gte=8388608"`
	OutputDir       string        `mapstructure:"output_dir" yaml:"output_dir" validate:"required"`

	Retry       RetryConfig       `mapstructure:"retry" yaml:"retry"`
	RateLimit   RateLimitConfig   `mapstructure:"rate_limit" yaml:"rate_limit"`
	ActiveLimit ActiveLimitConfig `mapstructure:"active_limit" yaml:"active_limit"`
	Breaker     BreakerConfig     `mapstructure:"breaker" yaml:"breaker"`
	Cleanup     CleanupConfig     `mapstructure:"cleanup" yaml:"cleanup"`
	Database    DatabaseConfig    `mapstructure:"database" yaml:"database"`
	Log         LogConfig         `mapstructure:"log" yaml:"log"`
	HTTP        HTTPConfig        `mapstructure:"http" yaml:"http"`
	Tracing     TracingConfig     `mapstructure:"tracing" yaml:"tracing"`
	Providers   ProvidersConfig   `mapstructure:"providers" yaml:"providers"`
}

type RetryConfig struct {
	Base     time.Duration `mapstructure:"base" yaml:"base" validate:"gte=0"`
	Step     time.Duration `mapstructure:"step" yaml:"step" validate:"gte=0"`
	Jitter   time.Duration `mapstructure:"jitter" yaml:"jitter" validate:"gte=0"`
	MaxDelay time.Duration `mapstructure:"max_delay" yaml:"max_delay" validate:"gte=0"`
}

// RateLimitConfig caps admissions per sliding window; 0 disables a scope
type RateLimitConfig struct {
	Window        time.Duration `mapstructure:"window" yaml:"window" validate:"gt=0"`
	PerCredential int           `mapstructure:"per_credential" yaml:"per_credential" validate:"min=0"`
	PerSession    int           `mapstructure:"per_session" yaml:"per_session" validate:"min=0"`
}

// ActiveLimitConfig caps non-terminal jobs; 0 disables a scope
type ActiveLimitConfig struct {
	PerCredential int `mapstructure:"per_credential" yaml:"per_credential" validate:"min=0"`
	PerSession    int `mapstructure:"per_session" yaml:"per_session" validate:"min=0"`
}

type BreakerConfig struct {
	Threshold int           `mapstructure:"threshold" yaml:"threshold" validate:"min=0"`
	Cooldown  time.Duration `mapstructure:"cooldown" yaml:"cooldown" validate:"gte=0"`
}

type CleanupConfig struct {
	Enabled           bool          `mapstructure:"enabled" yaml:"enabled"`
	Interval          time.Duration `mapstructure:"interval" yaml:"interval" validate:"gt=0"`
	JobTTL            time.Duration `mapstructure:"job_ttl" yaml:"job_ttl" validate:"gt=0"`
	ResultTTL         time.Duration `mapstructure:"result_ttl" yaml:"result_ttl" validate:"gt=0"`
	OrphanGrace       time.Duration `mapstructure:"orphan_grace" yaml:"orphan_grace" validate:"gte=0"`
	StorageQuotaBytes int64         `mapstructure:"storage_quota_bytes" yaml:"storage_quota_bytes" validate:"min=0"`
	VacuumThreshold   int           `mapstructure:"vacuum_threshold" yaml:"vacuum_threshold" validate:"min=0"`
	DeleteRate        float64       `mapstructure:"delete_rate" yaml:"delete_rate" validate:"gte=0"`
}

type DatabaseConfig struct {
	Type string `mapstructure:"type" yaml:"type" validate:"oneof=sqlite postgres postgresql memory"`
	Path string `mapstructure:"path" yaml:"path"`
	DSN  string `mapstructure:"dsn" yaml:"dsn"`
}

type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level" validate:"oneof=debug info warn error DEBUG INFO WARN ERROR"`
	JSON  bool   `mapstructure:"json" yaml:"json"`
	Dir   string `mapstructure:"dir" yaml:"dir"`
}

type HTTPConfig struct {
	Addr              string        `mapstructure:"addr" yaml:"addr" validate:"required"`
	MetricsAddr       string        `mapstructure:"metrics_addr" yaml:"metrics_addr"`
	APIKey            string        `mapstructure:"api_key" yaml:"api_key"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second" yaml:"requests_per_second" validate:"gte=0"`
	Burst             int           `mapstructure:"burst" yaml:"burst" validate:"min=0"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" validate:"gt=0"`
}

type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled"`
	Endpoint    string `mapstructure:"endpoint" yaml:"endpoint" validate:"required_if=Enabled true"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
}

type ProvidersConfig struct {
	Together ProviderConfig `mapstructure:"together" yaml:"together"`
	Gemini   ProviderConfig `mapstructure:"gemini" yaml:"gemini"`
}

type ProviderConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	BaseURL string `mapstructure:"base_url" yaml:"base_url" validate:"omitempty,url"`
}

// Default returns the built-in configuration
func Default() Config {
	return Config{
		QueueCapacity:   100,
		WorkerCount:     4,
		AttemptTimeout:  120 * time.Second,
		MaxRetries:      2,
		MaxPromptChars:  2000,
		ModelCacheTTL:   10 * time.Minute,
		ModelCacheBytes: 32 << 20,
		OutputDir:       "./output",
		Retry: RetryConfig{
			Base:     1 * time.Second,
			Step:     2 * time.Second,
			Jitter:   500 * time.Millisecond,
			MaxDelay: 30 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Window:        time.Minute,
			PerCredential: 30,
			PerSession:    10,
		},
		ActiveLimit: ActiveLimitConfig{
			PerCredential: 8,
			PerSession:    3,
		},
		Breaker: BreakerConfig{
			Threshold: 5,
			Cooldown:  2 * time.Minute,
		},
		Cleanup: CleanupConfig{
			Enabled:           true,
			Interval:          10 * time.Minute,
			JobTTL:            7 * 24 * time.Hour,
			ResultTTL:         24 * time.Hour,
			OrphanGrace:       10 * time.Minute,
			StorageQuotaBytes: 2 << 30,
			VacuumThreshold:   500,
			DeleteRate:        200,
		},
		Database: DatabaseConfig{
			Type: "sqlite",
			Path: "imagegen.db",
		},
		Log: LogConfig{
			Level: "info",
		},
		HTTP: HTTPConfig{
			Addr:              ":8080",
			MetricsAddr:       ":9090",
			RequestsPerSecond: 20,
			Burst:             40,
			ShutdownTimeout:   30 * time.Second,
		},
		Tracing: TracingConfig{
			ServiceName: "imagegen",
		},
		Providers: ProvidersConfig{
			Together: ProviderConfig{Enabled: true},
			Gemini:   ProviderConfig{Enabled: true},
		},
	}
}

// Load reads configuration from path (optional) and the environment
func Load(path string) (Config, error) {
	v, err := newViper(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func newViper(path string) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	// Seed every key from the defaults so environment overrides apply to all of them
	defaults, err := yaml.Marshal(Default())
	if err != nil {
		return nil, fmt.Errorf("failed to encode defaults: %w", err)
	}
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints
func Validate(cfg Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Database.Type == "postgres" || cfg.Database.Type == "postgresql" {
		if cfg.Database.DSN == "" {
			return fmt.Errorf("invalid config: database.dsn is required for postgres")
		}
	}
	return nil
}

// Redacted returns a copy safe to print
func (c Config) Redacted() Config {
	out := c
	if out.HTTP.APIKey != "" {
		out.HTTP.APIKey = "***"
	}
	if out.Database.DSN != "" {
		out.Database.DSN = "***"
	}
	return out
}
