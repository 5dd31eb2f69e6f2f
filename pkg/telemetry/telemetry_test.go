package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "no service name", mutate: func(c *Config) { c.ServiceName = "" }, wantErr: true},
		{name: "bad level", mutate: func(c *Config) { c.Logging.Level = "verbose" }, wantErr: true},
		{name: "bad format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: true},
		{name: "bad exporter", mutate: func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "jaeger" }, wantErr: true},
		{name: "bad sampling", mutate: func(c *Config) { c.Tracing.SamplingRate = 1.5 }, wantErr: true},
		{name: "metrics without address", mutate: func(c *Config) { c.Metrics.ListenAddress = "" }, wantErr: true},
		{name: "disabled metrics without address", mutate: func(c *Config) { c.Metrics.Enabled = false; c.Metrics.ListenAddress = "" }},
		{name: "empty event buffer", mutate: func(c *Config) { c.Events.BufferSize = 0 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(LoggingConfig{Level: "debug", Format: "json"}, &buf)

	logger.WithComponent("deployupdate").
		WithDeploymentID("dep-1").
		WithUpdateID("dep-1-u1").
		WithExecutionID("exec-1").
		WithError(errors.New("boom")).
		Warn("commit failed")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v (%s)", err, buf.String())
	}
	want := map[string]string{
		"level":         "warn",
		"component":     "deployupdate",
		"deployment_id": "dep-1",
		"update_id":     "dep-1-u1",
		"execution_id":  "exec-1",
		"error":         "boom",
		"message":       "commit failed",
	}
	for k, v := range want {
		if entry[k] != v {
			t.Errorf("field %s = %v, want %s", k, entry[k], v)
		}
	}
}

func TestLoggerLevelAndContext(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(LoggingConfig{Level: "warn", Format: "json"}, &buf)

	logger.Info("dropped")
	if buf.Len() != 0 {
		t.Errorf("info should be filtered at warn level, got %s", buf.String())
	}

	ctx := logger.WithContext(context.Background())
	FromContext(ctx).Error("kept")
	if !strings.Contains(buf.String(), "kept") {
		t.Errorf("expected the context logger to write, got %s", buf.String())
	}

	// Without a logger the context yields a no-op one.
	FromContext(context.Background()).Error("nowhere")
}

func TestParseLevel(t *testing.T) {
	if ParseLevel("trace").String() != "trace" || ParseLevel("bogus").String() != "info" {
		t.Error("unexpected level parsing")
	}
}

// value reads a counter or gauge.
func value(t *testing.T, c prometheus.Metric) float64 {
	t.Helper()
	var pb dto.Metric
	if err := c.Write(&pb); err != nil {
		t.Fatalf("failed to read metric: %v", err)
	}
	if pb.Counter != nil {
		return pb.GetCounter().GetValue()
	}
	return pb.GetGauge().GetValue()
}

// series counts the label sets of a gathered family.
func series(t *testing.T, m *Metrics, name string) int {
	t.Helper()
	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("failed to gather: %v", err)
	}
	for _, f := range families {
		if f.GetName() == name {
			return len(f.GetMetric())
		}
	}
	return 0
}

func TestMetricsRecordLifecycle(t *testing.T) {
	m, err := NewMetrics(DefaultConfig().Metrics)
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}

	m.RecordStaged()
	m.RecordStaged()
	m.RecordStep("remove", "relationship")
	m.RecordCommit("committing", 20*time.Millisecond)
	m.RecordFinalize("committed")
	m.RecordInstancesApplied("reduced", 3)
	m.RecordInstancesApplied("extended", 0)
	m.RecordVersionConflict()
	m.RecordDispatch("update", "queued")
	m.RecordExecutionEnded("update", "terminated")
	m.RecordError("conflict", "CONFLICT")
	m.RecordError("permanent", "")

	if got := value(t, m.updatesStaged); got != 2 {
		t.Errorf("staged = %v, want 2", got)
	}
	if got := value(t, m.activeUpdates); got != 1 {
		t.Errorf("active = %v, want 1", got)
	}
	if got := value(t, m.stepsCreated.WithLabelValues("remove", "relationship")); got != 1 {
		t.Errorf("steps = %v, want 1", got)
	}
	if got := value(t, m.instancesApplied.WithLabelValues("reduced")); got != 3 {
		t.Errorf("reduced = %v, want 3", got)
	}
	if got := series(t, m, "depup_node_instances_applied_total"); got != 1 {
		t.Errorf("zero-count categories should not create series, got %d", got)
	}
	if got := value(t, m.versionConflicts); got != 1 {
		t.Errorf("conflicts = %v, want 1", got)
	}
	if got := value(t, m.errorsByClass.WithLabelValues("permanent")); got != 1 {
		t.Errorf("permanent errors = %v, want 1", got)
	}
	if got := series(t, m, "depup_errors_by_code_total"); got != 1 {
		t.Errorf("errors without code should not be counted by code, got %d", got)
	}
}

func TestMetricsDisabled(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{})
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}
	m.RecordStaged()
	m.RecordCommit("committing", time.Second)
	m.RecordError("transient", "X")
	if m.Registry() != nil {
		t.Error("disabled metrics should have no registry")
	}
	if err := m.Serve(context.Background(), NewNopLogger()); err != nil {
		t.Errorf("Serve on disabled metrics should return nil, got %v", err)
	}

	var nilMetrics *Metrics
	nilMetrics.RecordVersionConflict()
}

func TestEventPublisherSync(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 4})
	if err != nil {
		t.Fatalf("NewEventPublisher failed: %v", err)
	}

	var got []Event
	ep.Subscribe(func(e Event) { got = append(got, e) }, FilterByType(EventTypeExecutionEnded))

	_ = ep.PublishUpdate(EventTypeUpdateStaged, "dep-1", "u1", "staged", nil)
	_ = ep.PublishExecution(EventTypeExecutionEnded, "dep-1", "exec-1", "update", "terminated")

	if len(got) != 1 {
		t.Fatalf("expected one filtered event, got %d", len(got))
	}
	e := got[0]
	if e.ID == "" || e.Timestamp.IsZero() || e.Source != "workflows" || e.Data["status"] != "terminated" {
		t.Errorf("unexpected event: %+v", e)
	}
	if err := ep.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
}

func TestEventPublisherAsyncDrainsOnShutdown(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 16, EnableAsync: true})
	if err != nil {
		t.Fatalf("NewEventPublisher failed: %v", err)
	}

	var mu sync.Mutex
	count := 0
	ep.Subscribe(func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	}, nil)

	for i := 0; i < 10; i++ {
		if err := ep.PublishUpdate(EventTypeStepCreated, "dep-1", "u1", "step", nil); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}
	if err := ep.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if count != 10 {
		t.Errorf("expected all 10 events delivered, got %d", count)
	}

	if err := ep.Publish(Event{Type: EventTypeStepCreated}); err == nil {
		t.Error("expected publishing after shutdown to fail")
	}
	if err := ep.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown failed: %v", err)
	}
}

func TestNewEventPublisherRejectsEmptyBuffer(t *testing.T) {
	if _, err := NewEventPublisher(EventsConfig{Enabled: true}); err == nil {
		t.Error("expected an error for a zero buffer")
	}
	disabled, err := NewEventPublisher(EventsConfig{})
	if err != nil {
		t.Fatalf("NewEventPublisher failed: %v", err)
	}
	if err := disabled.Publish(Event{Type: "x"}); err != nil {
		t.Errorf("disabled publisher should accept events, got %v", err)
	}
}

func TestTracerUpdateSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	tracer := &Tracer{provider: provider, tracer: provider.Tracer("test")}

	ctx, span := tracer.StartUpdateSpan(context.Background(), "finalize", "dep-1", "u1")
	if TraceID(ctx) == "" {
		t.Error("expected a trace id in the span context")
	}
	EndSpan(span, errors.New("stale version"))

	_, stageSpan := tracer.StartUpdateSpan(context.Background(), "stage", "dep-1", "")
	stageSpan.End()

	spans := recorder.Ended()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	if spans[0].Name() != "deployment_update.finalize" || spans[0].Status().Code != codes.Error {
		t.Errorf("unexpected span: %s %v", spans[0].Name(), spans[0].Status())
	}
	for _, attr := range spans[1].Attributes() {
		if attr.Key == AttrUpdateID {
			t.Error("stage span should not carry an update id")
		}
	}

	if err := tracer.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
	if TraceID(context.Background()) != "" {
		t.Error("expected no trace id without a span")
	}
}

func TestNewTelemetryDisabledTracing(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Output = "stdout"
	cfg.Metrics.Enabled = false

	tel, err := NewTelemetry(cfg)
	if err != nil {
		t.Fatalf("NewTelemetry failed: %v", err)
	}
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
}
