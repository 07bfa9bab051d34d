package commands

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/provision/pkg/config"
	"github.com/openfroyo/provision/pkg/engine"
	"github.com/openfroyo/provision/pkg/system"
	"github.com/openfroyo/provision/pkg/transports/ssh"
	"github.com/openfroyo/provision/pkg/worker/client"
)

func newTargetsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "targets",
		Short: "List the inventory's targets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			inv, err := config.LoadInventory(inventoryPath)
			if err != nil {
				return err
			}

			t := table.New().
				Border(lipgloss.NormalBorder()).
				Headers("NAME", "TYPE", "LOCATION")
			for _, tc := range inv.Targets {
				t.Row(tc.Name, tc.Type, targetLocation(&tc))
			}
			fmt.Fprintln(cmd.OutOrStdout(), t.Render())
			return nil
		},
	}
}

func targetLocation(t *config.TargetConfig) string {
	switch t.Type {
	case config.TargetChroot:
		return t.Root
	case config.TargetWorker:
		return strings.TrimSpace(strings.Join(t.WorkerArgs, " ") + " " + t.WorkerPath)
	case config.TargetSSH:
		cfg := t.SSH.TransportConfig()
		return cfg.User + "@" + cfg.Address()
	}
	return "-"
}

// openSystem builds the System for one target. Worker and ssh targets start
// their worker process before it returns.
func openSystem(ctx context.Context, env *system.Environment, t *config.TargetConfig) (system.System, error) {
	switch t.Type {
	case config.TargetLocal:
		return system.NewLocal(env), nil

	case config.TargetChroot:
		c, err := system.NewChroot(t.Root, env)
		if err != nil {
			return nil, err
		}
		return c, nil

	case config.TargetWorker:
		r, err := system.NewRemote(ctx, env, system.RemoteConfig{
			Name:           t.Name,
			Transport:      &client.ProcessTransport{Prefix: t.WorkerArgs},
			WorkerPath:     t.WorkerPath,
			RemotePath:     t.RemotePath,
			StartupTimeout: t.StartupTimeout,
		})
		if err != nil {
			return nil, err
		}
		return r, nil

	case config.TargetSSH:
		transport, err := ssh.NewClient(t.SSH.TransportConfig(), env.Telemetry.Logger.WithTarget(t.Name))
		if err != nil {
			return nil, engine.NewConfigurationError("invalid ssh settings for target "+t.Name, err).
				WithCode(engine.ErrCodeInvalidConfig)
		}
		if err := connectWithRetry(ctx, transport, 3); err != nil {
			return nil, err
		}
		remotePath := t.RemotePath
		if remotePath == "" {
			remotePath = path.Join("/tmp", "provision-worker-"+uuid.NewString()[:8])
		}
		r, err := system.NewRemote(ctx, env, system.RemoteConfig{
			Name:           t.Name,
			Transport:      transport,
			WorkerPath:     t.WorkerPath,
			RemotePath:     remotePath,
			StartupTimeout: t.StartupTimeout,
		})
		if err != nil {
			_ = transport.Disconnect()
			return nil, err
		}
		return r, nil
	}
	return nil, engine.Configf("target %s has unknown type %q", t.Name, t.Type).
		WithCode(engine.ErrCodeInvalidConfig)
}

// connectWithRetry dials the host, retrying temporary network failures with
// a linear backoff.
func connectWithRetry(ctx context.Context, c *ssh.Client, attempts int) error {
	var err error
	for i := 1; i <= attempts; i++ {
		if err = c.Connect(ctx); err == nil || !ssh.IsRetryable(err) {
			return err
		}
		log.Warn().Err(err).Int("attempt", i).Msg("SSH connect failed")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(i) * time.Second):
		}
	}
	return err
}

// openSystems opens every target in order. On failure the systems opened so
// far are closed.
func openSystems(ctx context.Context, env *system.Environment, targets []config.TargetConfig) ([]system.System, error) {
	systems := make([]system.System, 0, len(targets))
	for i := range targets {
		sys, err := openSystem(ctx, env, &targets[i])
		if err != nil {
			closeSystems(systems)
			return nil, fmt.Errorf("target %s: %w", targets[i].Name, err)
		}
		systems = append(systems, sys)
	}
	return systems, nil
}

func closeSystems(systems []system.System) {
	for _, sys := range systems {
		_ = sys.Close()
	}
}
