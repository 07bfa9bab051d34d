package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Telemetry bundles logging, tracing, metrics and events.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config

	server *http.Server
}

// NewTelemetry creates a new telemetry instance from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  NewEventPublisher(),
		Config:  cfg,
	}, nil
}

// Nop returns telemetry that discards logs, records no metrics and exports
// no spans. Events are still delivered to subscribers.
func Nop() *Telemetry {
	tracer, _ := NewTracer(TracingConfig{}, "provision", "test")
	return &Telemetry{
		Logger:  NewNopLogger(),
		Tracer:  tracer,
		Metrics: &Metrics{},
		Events:  NewEventPublisher(),
		Config:  DefaultConfig(),
	}
}

// WithContext adds the logger to the context.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	return t.Logger.WithContext(ctx)
}

// StartMetricsServer serves the metrics handler on the configured address.
// It returns immediately; the server stops on Shutdown.
func (t *Telemetry) StartMetricsServer() error {
	cfg := t.Config.Metrics
	if !cfg.Enabled || cfg.ListenAddress == "" {
		return nil
	}
	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}

	ln, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.ListenAddress, err)
	}

	mux := http.NewServeMux()
	mux.Handle(path, t.Metrics.Handler())
	t.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := t.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.Logger.WithError(err).Error("metrics server stopped")
		}
	}()
	t.Logger.Infof("metrics available at http://%s%s", ln.Addr(), path)
	return nil
}

// Shutdown stops the metrics server and flushes spans.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	if t.server != nil {
		if err := t.server.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := t.Tracer.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
