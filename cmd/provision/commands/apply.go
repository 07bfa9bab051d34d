package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/provision/pkg/config"
	"github.com/openfroyo/provision/pkg/runner"
	"github.com/openfroyo/provision/pkg/system"
)

func newApplyCommand() *cobra.Command {
	var (
		roles       []string
		targets     []string
		concurrency int
	)

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Apply roles to targets",
		Long: `Apply roles from the inventory to its targets.

For every selected target this command:
  - Opens the target (starting its worker for worker and ssh targets)
  - Starts each selected role, which queues its tasks
  - Runs the queued actions in order, one pipeline per role
  - Starts roles notified by changed actions once each

Targets are provisioned concurrently and fail independently.`,
		Example: `  # Apply the inventory's default roles everywhere
  provision apply -i inventory.yaml

  # Apply one role to one target
  provision apply --role nginx --target web1

  # Provision at most two targets at a time
  provision apply --concurrency 2`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession()
			if err != nil {
				return err
			}
			defer s.close()

			if cmd.Flags().Changed("concurrency") {
				s.inv.Concurrency = concurrency
			}
			return runApply(cmd.Context(), s, newProgressPrinter(cmd.OutOrStdout()), roles, targets)
		},
	}

	cmd.Flags().StringSliceVarP(&roles, "role", "r", nil, "role to apply (repeatable; default from inventory)")
	cmd.Flags().StringSliceVarP(&targets, "target", "t", nil, "target to provision (repeatable; default all)")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "max targets provisioned at once (0 = number of CPUs)")

	return cmd
}

func runApply(ctx context.Context, s *session, progress *progressPrinter, roleNames, targetNames []string) error {
	selected, err := s.inv.SelectTargets(targetNames)
	if err != nil {
		return err
	}
	roleNames = s.inv.RolesToApply(roleNames)
	templates, err := runner.NewTemplates(s.inv.Templates...)
	if err != nil {
		return err
	}

	s.tel.Events.Subscribe(progress.Handle)

	systems, err := openSystems(ctx, s.env, selected)
	if err != nil {
		return err
	}
	defer closeSystems(systems)

	byTarget := make(map[system.System]*config.TargetConfig, len(systems))
	for i, sys := range systems {
		byTarget[sys] = &selected[i]
	}

	pool := system.NewPool(s.inv.Concurrency)
	errs := pool.ForEach(ctx, systems, func(ctx context.Context, sys system.System) error {
		return applyRoles(ctx, s, templates, sys, byTarget[sys], roleNames)
	})

	var failed []error
	for i, err := range errs {
		if err != nil {
			log.Error().Err(err).Str("target", selected[i].Name).Msg("target failed")
			failed = append(failed, fmt.Errorf("%s: %w", selected[i].Name, err))
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("%d of %d targets failed: %w", len(failed), len(systems), errors.Join(failed...))
	}
	return nil
}

// applyRoles starts roleNames on one target and runs them to completion.
func applyRoles(ctx context.Context, s *session, templates *runner.Templates, sys system.System, target *config.TargetConfig, roleNames []string) error {
	scripts, err := config.LoadRoles(s.inv, config.ScriptOptions{
		Templates: templates,
		Vars:      s.inv.VarsFor(target),
		Logger:    s.tel.Logger.WithTarget(target.Name),
	})
	if err != nil {
		return err
	}

	r := runner.NewRunner(sys, s.tel, templates)
	config.RegisterRoles(r, scripts)
	for _, name := range roleNames {
		if _, err := r.AddRole(ctx, name); err != nil {
			return err
		}
	}
	return r.Run(ctx)
}
