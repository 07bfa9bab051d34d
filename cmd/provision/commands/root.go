package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/provision/pkg/config"
	"github.com/openfroyo/provision/pkg/system"
	"github.com/openfroyo/provision/pkg/telemetry"
)

var (
	// Global flags
	inventoryPath string
	logLevel      string
	logFormat     string
	metricsListen string
	traceExporter string
	traceEndpoint string
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "provision",
		Short: "Role-based provisioning over local, chroot, worker and ssh targets",
		Long: `provision applies roles written in Starlark to a set of targets.

A role queues idempotent actions (copy, file, command, ...) on its target.
Actions run in order on a per-role pipeline: once one fails, the rest of
the role is skipped. Roles notified by changed actions run once afterwards.

Targets:
  - local:  this host
  - chroot: a filesystem tree, commands run through systemd-nspawn
  - worker: a provision-worker process started on this host
  - ssh:    a provision-worker uploaded and started over ssh`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&inventoryPath, "inventory", "i", "inventory.yaml", "inventory file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (console, json)")
	rootCmd.PersistentFlags().StringVar(&metricsListen, "metrics-listen", "", "serve prometheus metrics on this address")
	rootCmd.PersistentFlags().StringVar(&traceExporter, "trace-exporter", "", "trace exporter (otlp, stdout, none)")
	rootCmd.PersistentFlags().StringVar(&traceEndpoint, "trace-endpoint", "", "otlp collector endpoint")

	rootCmd.AddCommand(newApplyCommand())
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newActionsCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newTargetsCommand())
	rootCmd.AddCommand(newVersionCommand(version, commit, buildDate))

	return rootCmd
}

// session is what a command needs once the inventory is loaded.
type session struct {
	inv *config.Inventory
	tel *telemetry.Telemetry
	env *system.Environment
}

func openSession() (*session, error) {
	inv, err := config.LoadInventory(inventoryPath)
	if err != nil {
		return nil, err
	}

	cfg := inv.TelemetryConfig()
	applyTelemetryFlags(cfg)
	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to set up telemetry: %w", err)
	}
	if err := tel.StartMetricsServer(); err != nil {
		return nil, err
	}

	return &session{inv: inv, tel: tel, env: system.NewEnvironment(tel)}, nil
}

func (s *session) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.tel.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("telemetry shutdown failed")
	}
}

// applyTelemetryFlags overrides the inventory's telemetry settings with the
// global flags that were set.
func applyTelemetryFlags(cfg *telemetry.Config) {
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat != "" {
		cfg.Logging.Format = logFormat
	}
	if metricsListen != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.ListenAddress = metricsListen
	}
	if traceExporter != "" {
		cfg.Tracing.Exporter = traceExporter
		cfg.Tracing.Enabled = traceExporter != "none"
	}
	if traceEndpoint != "" {
		cfg.Tracing.Endpoint = traceEndpoint
	}
}
