package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/deployupdate/pkg/stores"
	"github.com/openfroyo/deployupdate/pkg/telemetry"
	"github.com/openfroyo/deployupdate/pkg/workflows"
)

// Environment variables that override the configuration file.
const (
	EnvDBPath    = "DEPUP_DB_PATH"
	EnvRedisAddr = "DEPUP_REDIS_ADDR"
	EnvLogLevel  = "DEPUP_LOG_LEVEL"
)

// DefaultServiceConfig returns the configuration used when no file is given.
func DefaultServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		Database: DatabaseConfig{
			Path:            "depup.db",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: time.Hour,
			BusyTimeout:     5 * time.Second,
		},
		Redis: RedisConfig{
			Addr:        "localhost:6379",
			Prefix:      "depup:",
			PollTimeout: time.Second,
			DialTimeout: 2 * time.Second,
		},
		Queue: QueueConfig{
			Backend: QueueMemory,
			Size:    workflows.DefaultQueueSize,
			Workers: 4,
		},
		Policies: PoliciesConfig{
			Enabled:  true,
			Builtins: true,
		},
		Telemetry: TelemetryConfig{
			Environment:     "development",
			LogLevel:        "info",
			LogFormat:       "json",
			LogOutput:       "stderr",
			MetricsEnabled:  false,
			MetricsAddr:     ":9090",
			TracingExporter: "none",
			SamplingRate:    1.0,
			TracingInsecure: true,
		},
	}
}

// LoadServiceConfig reads path over the defaults, applies environment
// overrides and validates the result. An empty path yields the defaults.
func LoadServiceConfig(path string) (*ServiceConfig, error) {
	cfg := DefaultServiceConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	cfg.ApplyEnv(os.LookupEnv)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from the DEPUP_* environment variables.
func (c *ServiceConfig) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvDBPath); ok && v != "" {
		c.Database.Path = v
	}
	if v, ok := lookup(EnvRedisAddr); ok && v != "" {
		c.Redis.Addr = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.Telemetry.LogLevel = strings.ToLower(v)
	}
}

// Validate checks the struct tags and reports every failing field.
func (c *ServiceConfig) Validate() error {
	err := validator.New().Struct(c)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("invalid config: %w", err)
	}

	errs := make(ValidationErrors, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		errs = append(errs, ValidationError{
			Path:    fe.Namespace(),
			Message: fmt.Sprintf("failed on %q (value %v)", fe.Tag(), fe.Value()),
		})
	}
	return fmt.Errorf("invalid config: %w", errs)
}

// StoreConfig returns the store settings.
func (c *ServiceConfig) StoreConfig() stores.Config {
	return stores.Config{
		Path:            c.Database.Path,
		MaxOpenConns:    c.Database.MaxOpenConns,
		MaxIdleConns:    c.Database.MaxIdleConns,
		ConnMaxLifetime: c.Database.ConnMaxLifetime,
		BusyTimeout:     c.Database.BusyTimeout,
	}
}

// RedisQueueConfig returns the Redis channel settings.
func (c *ServiceConfig) RedisQueueConfig() workflows.RedisConfig {
	return workflows.RedisConfig{
		Addr:        c.Redis.Addr,
		Password:    c.Redis.Password,
		DB:          c.Redis.DB,
		Prefix:      c.Redis.Prefix,
		PollTimeout: c.Redis.PollTimeout,
		DialTimeout: c.Redis.DialTimeout,
	}
}

// TelemetryConfig maps the file settings onto the telemetry defaults.
func (c *ServiceConfig) TelemetryConfig(version string) *telemetry.Config {
	t := c.Telemetry
	cfg := telemetry.DefaultConfig()
	if version != "" {
		cfg.ServiceVersion = version
	}
	if t.Environment != "" {
		cfg.Environment = t.Environment
	}

	cfg.Logging.Level = t.LogLevel
	cfg.Logging.Format = t.LogFormat
	if t.LogOutput != "" {
		cfg.Logging.Output = t.LogOutput
	}

	cfg.Metrics.Enabled = t.MetricsEnabled
	cfg.Metrics.ListenAddress = t.MetricsAddr

	cfg.Tracing.Enabled = t.TracingExporter != "none"
	cfg.Tracing.Exporter = t.TracingExporter
	cfg.Tracing.Endpoint = t.TracingEndpoint
	cfg.Tracing.SamplingRate = t.SamplingRate
	cfg.Tracing.Insecure = t.TracingInsecure
	for k, v := range t.TracingHeaders {
		cfg.Tracing.Headers[k] = v
	}
	return cfg
}
