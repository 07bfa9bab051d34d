package telemetry

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "default", mutate: func(c *Config) {}},
		{name: "bad level", mutate: func(c *Config) { c.Logging.Level = "loud" }, wantErr: true},
		{name: "bad format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: true},
		{
			name: "otlp without endpoint",
			mutate: func(c *Config) {
				c.Tracing.Enabled = true
				c.Tracing.Exporter = "otlp"
			},
			wantErr: true,
		},
		{name: "sampling out of range", mutate: func(c *Config) { c.Tracing.SamplingRate = 2 }, wantErr: true},
		{
			name: "otlp with endpoint",
			mutate: func(c *Config) {
				c.Tracing.Enabled = true
				c.Tracing.Exporter = "otlp"
				c.Tracing.Endpoint = "collector:4317"
			},
		},
		{name: "relative metrics path", mutate: func(c *Config) { c.Metrics.Path = "metrics" }, wantErr: true},
		{name: "no service name", mutate: func(c *Config) { c.ServiceName = "" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, LoggingConfig{Level: "debug", Format: "json"})

	logger.NewComponentLogger("runner").
		WithRole("web", "r-1").
		WithAction("a-1", "copy content to /etc/motd").
		Debug("executed")

	out := buf.String()
	for _, want := range []string{`"component":"runner"`, `"role":"web"`, `"action_id":"a-1"`, `"message":"executed"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log output %s missing %s", out, want)
		}
	}

	buf.Reset()
	NewLoggerTo(&buf, LoggingConfig{Level: "warn", Format: "json"}).Info("hidden")
	if buf.Len() != 0 {
		t.Errorf("info message written at warn level: %s", buf.String())
	}
}

func TestLoggerContext(t *testing.T) {
	logger := NewNopLogger()
	ctx := logger.WithContext(context.Background())
	if FromContext(ctx) != logger {
		t.Error("FromContext() did not return the stored logger")
	}
	if FromContext(context.Background()) == nil {
		t.Error("FromContext() returned nil without a stored logger")
	}
}

func TestMetrics(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: true, Namespace: "provision"})
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}
	m.RecordAction("copy", "changed", 10*time.Millisecond)
	m.RecordBatch("web1", errors.New("boom"), time.Second)
	m.RecordFilePull(true, 42)
	m.RecordRoleClosed()
	m.RecordPipelineFailure()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{
		`provision_actions_total{action="copy",result="changed"} 1`,
		`provision_batches_total{status="failed",target="web1"} 1`,
		`provision_file_pull_bytes_total 42`,
		`provision_roles_closed_total 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}

	var disabled *Metrics
	disabled.RecordAction("copy", "changed", 0)
	(&Metrics{}).RecordBatch("x", nil, 0)
}

func TestEventPublisher(t *testing.T) {
	ep := NewEventPublisher()
	var all, closed []Event
	ep.Subscribe(func(e Event) { all = append(all, e) })
	ep.SubscribeFiltered(func(e Event) { closed = append(closed, e) }, FilterTypes(EventRoleClosed))

	ep.Publish(Event{Type: EventActionCompleted, Summary: "noop"})
	ep.Publish(Event{Type: EventRoleClosed, Role: "web"})

	if len(all) != 2 || len(closed) != 1 {
		t.Fatalf("delivered all=%d closed=%d, want 2 and 1", len(all), len(closed))
	}
	if all[0].ID == "" || all[0].Timestamp.IsZero() {
		t.Error("Publish() did not stamp id and timestamp")
	}

	var nilPublisher *EventPublisher
	nilPublisher.Publish(Event{Type: EventRoleClosed})
}

func TestTracerDisabled(t *testing.T) {
	tr, err := NewTracer(TracingConfig{}, "provision", "test")
	if err != nil {
		t.Fatalf("NewTracer() error = %v", err)
	}
	_, span := tr.StartBatchSpan(context.Background(), "web1", 3)
	RecordError(span, errors.New("boom"))
	span.End()
	if err := tr.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}
