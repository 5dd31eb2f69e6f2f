package config

import (
	"fmt"
	"strings"
	"time"
)

// Queue backends.
const (
	QueueMemory = "memory"
	QueueRedis  = "redis"
)

// ServiceConfig is the depup service configuration file.
type ServiceConfig struct {
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Queue     QueueConfig     `yaml:"queue"`
	Policies  PoliciesConfig  `yaml:"policies"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Workflows WorkflowsConfig `yaml:"workflows"`
}

// DatabaseConfig configures the SQLite store.
type DatabaseConfig struct {
	// Path is the database file, or ":memory:".
	Path string `yaml:"path" validate:"required"`

	MaxOpenConns    int           `yaml:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `yaml:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" validate:"gte=0"`
	BusyTimeout     time.Duration `yaml:"busy_timeout" validate:"gte=0"`
}

// RedisConfig configures the Redis execution channel.
type RedisConfig struct {
	Addr        string        `yaml:"addr" validate:"omitempty,hostname_port"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db" validate:"gte=0,lte=15"`
	Prefix      string        `yaml:"prefix"`
	PollTimeout time.Duration `yaml:"poll_timeout" validate:"gte=0"`
	DialTimeout time.Duration `yaml:"dial_timeout" validate:"gte=0"`
}

// QueueConfig selects the execution channel.
type QueueConfig struct {
	// Backend is "memory" or "redis".
	Backend string `yaml:"backend" validate:"required,oneof=memory redis"`

	// Size bounds the in-memory queue.
	Size int `yaml:"size" validate:"gte=0"`

	// Workers is the local runner concurrency.
	Workers int `yaml:"workers" validate:"gte=0"`
}

// PoliciesConfig configures step admission policies.
type PoliciesConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Builtins bool     `yaml:"builtins"`
	Paths    []string `yaml:"paths" validate:"dive,required"`
	Watch    bool     `yaml:"watch"`
}

// TelemetryConfig is the file form of the telemetry settings.
type TelemetryConfig struct {
	Environment string `yaml:"environment"`

	LogLevel  string `yaml:"log_level" validate:"required,oneof=trace debug info warn error fatal"`
	LogFormat string `yaml:"log_format" validate:"required,oneof=json console"`
	LogOutput string `yaml:"log_output"`

	MetricsEnabled bool   `yaml:"metrics_enabled"`
	MetricsAddr    string `yaml:"metrics_addr" validate:"required_if=MetricsEnabled true"`

	TracingExporter string            `yaml:"tracing_exporter" validate:"required,oneof=none stdout otlp"`
	TracingEndpoint string            `yaml:"tracing_endpoint" validate:"required_if=TracingExporter otlp"`
	SamplingRate    float64           `yaml:"sampling_rate" validate:"gte=0,lte=1"`
	TracingHeaders  map[string]string `yaml:"tracing_headers"`
	TracingInsecure bool              `yaml:"tracing_insecure"`
}

// WorkflowsConfig configures workflow dispatch.
type WorkflowsConfig struct {
	// AllowCustomParameters accepts parameters a workflow does not declare.
	AllowCustomParameters bool `yaml:"allow_custom_parameters"`
}

// ValidationError is a configuration or plan error with its location.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the path to the offending value (e.g., "nodes[1].relationships[0].target_id").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// ValidationErrors collects every problem found in one source.
type ValidationErrors []ValidationError

func (errs ValidationErrors) Error() string {
	switch len(errs) {
	case 0:
		return "no validation errors"
	case 1:
		return errs[0].Error()
	}
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Error()
	}
	return fmt.Sprintf("%d validation errors: %s", len(errs), strings.Join(msgs, "; "))
}
