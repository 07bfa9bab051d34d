// Command provision-worker executes actions on behalf of a provision
// controller. It speaks JSON lines on stdin/stdout and logs to stderr.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/openfroyo/provision/pkg/system"
	"github.com/openfroyo/provision/pkg/telemetry"
	"github.com/openfroyo/provision/pkg/worker"
)

// Version is set via ldflags during build.
var Version = "dev"

func main() {
	level := os.Getenv("LOG_LEVEL")
	if level == "" {
		level = "info"
	}
	// stdout carries the protocol.
	logger := telemetry.NewLoggerTo(os.Stderr, telemetry.LoggingConfig{Level: level, Format: "json"})

	tel := telemetry.Nop()
	tel.Logger = logger

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	srv := worker.NewServer(os.Stdin, os.Stdout, system.NewEnvironment(tel), worker.Config{Version: Version})
	if err := srv.Serve(ctx); err != nil {
		logger.WithError(err).Error("worker stopped")
		os.Exit(1)
	}
}
