// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PORTAL_"

// Driver names.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"        envPrefix:"SERVER_"`
	Store         StoreConfig         `yaml:"store"         envPrefix:"STORE_"`
	OTP           OTPConfig           `yaml:"otp"           envPrefix:"OTP_"`
	Lifecycle     LifecycleConfig     `yaml:"lifecycle"     envPrefix:"LIFECYCLE_"`
	Flows         FlowsConfig         `yaml:"flows"         envPrefix:"FLOWS_"`
	Definitions   DefinitionsConfig   `yaml:"definitions"   envPrefix:"DEFINITIONS_"`
	Observability ObservabilityConfig `yaml:"observability" envPrefix:"OBSERVABILITY_"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"             env:"PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout"     env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout"    env:"WRITE_TIMEOUT"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"  env:"HANDLER_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"   env:"MAX_BODY_BYTES"`
}

// StoreConfig selects the entity store.
type StoreConfig struct {
	Driver          string        `yaml:"driver"            env:"DRIVER"`
	DSNEnv          string        `yaml:"dsn_env"           env:"DSN_ENV"`
	MaxConns        int32         `yaml:"max_conns"         env:"MAX_CONNS"`
	MinConns        int32         `yaml:"min_conns"         env:"MIN_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
	Migrate         bool          `yaml:"migrate"           env:"MIGRATE"`
}

// DSN resolves the connection string from the environment variable named
// by DSNEnv.
func (s StoreConfig) DSN() string {
	if s.DSNEnv == "" {
		return ""
	}
	return os.Getenv(s.DSNEnv)
}

// OTPConfig configures one-time password delivery and storage.
type OTPConfig struct {
	Driver      string        `yaml:"driver"       env:"DRIVER"`
	AddrEnv     string        `yaml:"addr_env"     env:"ADDR_ENV"`
	DB          int           `yaml:"db"           env:"DB"`
	CodeLength  int           `yaml:"code_length"  env:"CODE_LENGTH"`
	TTL         time.Duration `yaml:"ttl"          env:"TTL"`
	MaxAttempts int           `yaml:"max_attempts" env:"MAX_ATTEMPTS"`

	Breaker BreakerConfig `yaml:"breaker" envPrefix:"BREAKER_"`
}

// BreakerConfig trips OTP dispatch after repeated gateway failures.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" env:"FAILURE_THRESHOLD"`
	SuccessThreshold int           `yaml:"success_threshold" env:"SUCCESS_THRESHOLD"`
	OpenTimeout      time.Duration `yaml:"open_timeout"      env:"OPEN_TIMEOUT"`
}

// Addr resolves the Redis address from the environment variable named by
// AddrEnv.
func (o OTPConfig) Addr() string {
	if o.AddrEnv == "" {
		return ""
	}
	return os.Getenv(o.AddrEnv)
}

// LifecycleConfig tunes the entity state machines.
type LifecycleConfig struct {
	GrievanceReopenWindow time.Duration `yaml:"grievance_reopen_window" env:"GRIEVANCE_REOPEN_WINDOW"`
}

// FlowsConfig tunes live wizard sessions.
type FlowsConfig struct {
	SessionIdleTimeout time.Duration `yaml:"session_idle_timeout" env:"SESSION_IDLE_TIMEOUT"`
	SweepInterval      time.Duration `yaml:"sweep_interval"       env:"SWEEP_INTERVAL"`
}

// DefinitionsConfig describes where to find flow definition files in
// addition to the built-in ones.
type DefinitionsConfig struct {
	Directories []string `yaml:"directories" env:"DIRECTORIES" envSeparator:","`
	HotReload   bool     `yaml:"hot_reload"  env:"HOT_RELOAD"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel  string        `yaml:"log_level"  env:"LOG_LEVEL"`
	LogFormat string        `yaml:"log_format" env:"LOG_FORMAT"`
	Tracing   TracingConfig `yaml:"tracing"    envPrefix:"TRACING_"`
	Metrics   MetricsConfig `yaml:"metrics"    envPrefix:"METRICS_"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"       env:"ENABLED"`
	Exporter     string  `yaml:"exporter"      env:"EXPORTER"`
	Endpoint     string  `yaml:"endpoint"      env:"ENDPOINT"`
	SamplingRate float64 `yaml:"sampling_rate" env:"SAMPLING_RATE"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Path    string `yaml:"path"    env:"PATH"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxBodyBytes:    1 << 20,
		},
		Store: StoreConfig{
			Driver:          DriverMemory,
			DSNEnv:          "PORTAL_DATABASE_URL",
			MaxConns:        25,
			MinConns:        2,
			ConnMaxLifetime: 5 * time.Minute,
			Migrate:         true,
		},
		OTP: OTPConfig{
			Driver:      DriverMemory,
			AddrEnv:     "PORTAL_REDIS_ADDR",
			CodeLength:  6,
			TTL:         5 * time.Minute,
			MaxAttempts: 3,
			Breaker: BreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 2,
				OpenTimeout:      30 * time.Second,
			},
		},
		Lifecycle: LifecycleConfig{
			GrievanceReopenWindow: 7 * 24 * time.Hour,
		},
		Flows: FlowsConfig{
			SessionIdleTimeout: 30 * time.Minute,
			SweepInterval:      time.Minute,
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: "json",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates the result. An empty path skips the file and starts from
// Defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if c.Server.MaxBodyBytes <= 0 {
		errs = append(errs, "server.max_body_bytes must be positive")
	}

	switch c.Store.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Store.DSNEnv == "" {
			errs = append(errs, "store.dsn_env is required for the postgres driver")
		}
		if c.Store.MinConns > c.Store.MaxConns {
			errs = append(errs, "store.min_conns must not exceed store.max_conns")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q must be memory or postgres", c.Store.Driver))
	}

	switch c.OTP.Driver {
	case DriverMemory:
	case DriverRedis:
		if c.OTP.AddrEnv == "" {
			errs = append(errs, "otp.addr_env is required for the redis driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("otp.driver %q must be memory or redis", c.OTP.Driver))
	}
	if c.OTP.CodeLength < 4 || c.OTP.CodeLength > 10 {
		errs = append(errs, "otp.code_length must be between 4 and 10")
	}
	if c.OTP.TTL <= 0 {
		errs = append(errs, "otp.ttl must be positive")
	}
	if c.OTP.MaxAttempts < 1 {
		errs = append(errs, "otp.max_attempts must be at least 1")
	}
	if c.OTP.Breaker.FailureThreshold < 1 || c.OTP.Breaker.SuccessThreshold < 1 {
		errs = append(errs, "otp.breaker thresholds must be at least 1")
	}

	if c.Flows.SessionIdleTimeout <= 0 {
		errs = append(errs, "flows.session_idle_timeout must be positive")
	}
	if c.Flows.SweepInterval <= 0 {
		errs = append(errs, "flows.sweep_interval must be positive")
	}

	switch strings.ToLower(c.Observability.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("observability.log_level %q is not a known level", c.Observability.LogLevel))
	}
	if r := c.Observability.Tracing.SamplingRate; r < 0 || r > 1 {
		errs = append(errs, "observability.tracing.sampling_rate must be between 0 and 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides overlays PORTAL_* environment variables onto cfg. Unset
// variables leave the file or default value in place.
func applyEnvOverrides(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("config: environment: %w", err)
	}
	return nil
}
