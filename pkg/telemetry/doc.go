// Package telemetry provides logging, tracing, metrics and run events for the
// provisioner.
//
// Logging is zerolog based; tracing uses OpenTelemetry with stdout or OTLP/gRPC
// exporters; metrics live in a private Prometheus registry; events are
// delivered synchronously to subscribers such as the CLI progress printer.
//
// Initialize once per process:
//
//	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
// Components receive the bundle (or its parts) explicitly; the logger is also
// stored on the context for code that only has a context at hand.
package telemetry
