package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/tKwbr999/supabase-toolbox/interp/wasm"
	"github.com/tKwbr999/supabase-toolbox/pkg/limiter"
)

// DefaultPath is read when neither -config nor CONFIG names a file
const DefaultPath = "hc.yaml"

// Config holds the health-check service configuration
type Config struct {
	Server         ServerConfig                 `yaml:"server"`
	Service        ServiceConfig                `yaml:"service"`
	Module         ModuleConfig                 `yaml:"module"`
	Logging        LoggingConfig                `yaml:"logging"`
	Tracing        TracingConfig                `yaml:"tracing"`
	CircuitBreaker limiter.CircuitBreakerConfig `yaml:"circuit_breaker"`
	RateLimit      limiter.RateLimitConfig      `yaml:"rate_limit"`
}

// ServerConfig holds HTTP listener settings
type ServerConfig struct {
	Port            string        `yaml:"port" validate:"required,numeric"`
	MetricsPath     string        `yaml:"metrics_path" validate:"omitempty,startswith=/"`
	ReadTimeout     time.Duration `yaml:"read_timeout" validate:"gte=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" validate:"gte=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
	// CoalesceChecks lets concurrent requests share one in-flight check.
	CoalesceChecks bool `yaml:"coalesce_checks"`
}

// ServiceConfig identifies the service in responses and telemetry
type ServiceConfig struct {
	EnvPrefix   string `yaml:"env_prefix"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// Name is the service name reported next to every status
func (s ServiceConfig) Name() string {
	return s.EnvPrefix + "health-checker"
}

// ModuleConfig selects the health module and how it is run
type ModuleConfig struct {
	Path        string        `yaml:"path"`
	CallTimeout time.Duration `yaml:"call_timeout" validate:"gt=0"`

	wasm.LoaderConfig `yaml:",inline"`
}

// LoggingConfig holds logger settings
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json console"`
}

// TracingConfig holds tracing settings. An empty endpoint disables export.
type TracingConfig struct {
	JaegerEndpoint string `yaml:"jaeger_endpoint" validate:"omitempty,url"`
}

var validate = validator.New()

// Default returns the configuration used when nothing is specified
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "8080",
			MetricsPath:     "/metrics",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			CoalesceChecks:  true,
		},
		Service: ServiceConfig{
			Version:     "1.0.0",
			Environment: "development",
		},
		Module: ModuleConfig{
			Path:         "hc.wasm",
			CallTimeout:  wasm.DefaultCallTimeout,
			LoaderConfig: wasm.DefaultLoaderConfig(),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		CircuitBreaker: limiter.DefaultCircuitBreakerConfig("health-module"),
	}
}

// Load builds the configuration from defaults, then the YAML file at path,
// then environment variables, and validates the result. An empty path falls
// back to CONFIG and then DefaultPath; a missing file is not an error.
func Load(path string) (*Config, error) {
	config := Default()

	if path == "" {
		path = getEnv("CONFIG", DefaultPath)
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// defaults and environment only
	case err != nil:
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config %s: %w", path, err)
		}
	}

	config.applyEnv()

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// LoadFromBytes parses YAML on top of the defaults without reading the environment
func LoadFromBytes(data []byte) (*Config, error) {
	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks every field constraint
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Server.Port = getEnv("HC_PORT", c.Server.Port)
	c.Module.Path = getEnv("HC_WASM_PATH", c.Module.Path)
	c.Service.EnvPrefix = getEnv("ENV_PREFIX", c.Service.EnvPrefix)
	c.Logging.Level = getEnv("LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv("LOG_FORMAT", c.Logging.Format)
	c.Module.CallTimeout = getEnvDuration("HC_CALL_TIMEOUT", c.Module.CallTimeout)
	c.Module.MemoryLimitPages = uint32(getEnvInt("HC_MEMORY_LIMIT_PAGES", int(c.Module.MemoryLimitPages)))
	c.RateLimit.RequestsPerSecond = getEnvFloat("HC_RATE_LIMIT_RPS", c.RateLimit.RequestsPerSecond)
	c.Tracing.JaegerEndpoint = getEnv("JAEGER_ENDPOINT", c.Tracing.JaegerEndpoint)
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an integer environment variable with a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil && intValue >= 0 {
			return intValue
		}
	}
	return defaultValue
}

// getEnvFloat gets a float environment variable with a default value
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration gets a duration environment variable with a default value
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
