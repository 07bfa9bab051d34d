package telemetry

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config groups the observability settings of a provisioning run. The
// inventory embeds the logging, tracing and metrics blocks directly.
type Config struct {
	ServiceName    string `yaml:"service_name" validate:"required"`
	ServiceVersion string `yaml:"service_version"`

	Logging LoggingConfig `yaml:"logging"`
	Tracing TracingConfig `yaml:"tracing"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// LoggingConfig selects the level, encoding and sink of the run log.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=trace debug info warn error fatal"`
	Format string `yaml:"format" validate:"omitempty,oneof=console json"`
	// Output is stderr, stdout or a file path.
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"caller"`
}

// TracingConfig selects the span exporter. An enabled otlp exporter needs
// an Endpoint.
type TracingConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Exporter      string        `yaml:"exporter" validate:"omitempty,oneof=otlp stdout none"`
	Endpoint      string        `yaml:"endpoint"`
	SamplingRate  float64       `yaml:"sampling_rate" validate:"gte=0,lte=1"`
	ExportTimeout time.Duration `yaml:"export_timeout"`
	Insecure      bool          `yaml:"insecure"`
}

// MetricsConfig controls the Prometheus registry and its HTTP endpoint.
// An empty ListenAddress keeps metrics in-process.
type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen"`
	Path          string `yaml:"path" validate:"omitempty,startswith=/"`
	Namespace     string `yaml:"namespace"`
}

// DefaultConfig returns console logging at info, tracing off and metrics
// collected without an endpoint.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "provision",
		ServiceVersion: "dev",
		Logging:        LoggingConfig{Level: "info", Format: "console", Output: "stderr"},
		Tracing: TracingConfig{
			Exporter:      "none",
			SamplingRate:  1.0,
			ExportTimeout: 30 * time.Second,
			Insecure:      true,
		},
		Metrics: MetricsConfig{Enabled: true, Path: "/metrics", Namespace: "provision"},
	}
}

var configValidator = func() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterStructValidation(func(sl validator.StructLevel) {
		tc := sl.Current().Interface().(TracingConfig)
		if tc.Enabled && tc.Exporter == "otlp" && tc.Endpoint == "" {
			sl.ReportError(tc.Endpoint, "Endpoint", "Endpoint", "required_for_otlp", "")
		}
	}, TracingConfig{})
	return v
}()

// Validate checks c and reports every offending field.
func (c *Config) Validate() error {
	err := configValidator.Struct(c)
	var fields validator.ValidationErrors
	if !errors.As(err, &fields) {
		return err
	}
	msgs := make([]string, 0, len(fields))
	for _, fe := range fields {
		msgs = append(msgs, fmt.Sprintf("%s fails %s (got %v)", fe.Namespace(), fe.Tag(), fe.Value()))
	}
	return fmt.Errorf("invalid telemetry config: %s", strings.Join(msgs, "; "))
}
