// Command provision applies scripted roles and action batches to local,
// chroot, worker and ssh targets.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/provision/cmd/provision/commands"
	"github.com/openfroyo/provision/pkg/engine"
)

// Set with -ldflags "-X main.Version=...".
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	// The inventory's logging block replaces this once it is loaded.
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	if lvl, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil && lvl != zerolog.NoLevel {
		zerolog.SetGlobalLevel(lvl)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := commands.Execute(ctx, Version, Commit, BuildDate)
	stop()

	switch {
	case err == nil:
	case engine.IsConfigurationError(err):
		log.Error().Err(err).Msg("Invalid configuration")
		os.Exit(2)
	default:
		log.Error().Err(err).Msg("Command execution failed")
		os.Exit(1)
	}
}
