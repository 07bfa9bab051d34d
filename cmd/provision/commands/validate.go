package commands

import (
	"fmt"
	"io"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/provision/pkg/config"
	"github.com/openfroyo/provision/pkg/runner"
)

func newValidateCommand() *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the inventory and role scripts",
		Long: `Validate the inventory file and every role script it names.

This command checks:
  - Inventory syntax and field constraints
  - Target settings (chroot roots, worker paths, ssh blocks)
  - That every applied role exists
  - That every role script parses and defines start(role)

With --watch the checks run again whenever the inventory or a role script
changes, until interrupted.`,
		Example: `  provision validate -i inventory.yaml
  provision validate -i inventory.yaml --watch`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			log.Info().Str("inventory", inventoryPath).Msg("Validating inventory")

			files, err := validateInventory(out, inventoryPath)
			if !watch {
				return err
			}
			if err != nil {
				fmt.Fprintf(out, "invalid: %v\n", err)
			}
			if len(files) == 0 {
				files = []string{inventoryPath}
			}

			return watchFiles(cmd.Context(), files, func() {
				if _, err := validateInventory(out, inventoryPath); err != nil {
					fmt.Fprintf(out, "invalid: %v\n", err)
				}
			})
		},
	}

	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "re-validate when the inventory or a role script changes")
	return cmd
}

// validateInventory loads everything an apply would load and reports the
// files it read.
func validateInventory(out io.Writer, path string) ([]string, error) {
	inv, err := config.LoadInventory(path)
	if err != nil {
		return nil, err
	}
	files := []string{path}
	for _, r := range inv.Roles {
		files = append(files, r.Script)
	}

	templates, err := runner.NewTemplates(inv.Templates...)
	if err != nil {
		return files, err
	}
	roles, err := config.LoadRoles(inv, config.ScriptOptions{Templates: templates, Vars: inv.Vars})
	if err != nil {
		return files, err
	}

	fmt.Fprintf(out, "inventory ok: %d targets, %d roles\n", len(inv.Targets), len(roles))
	return files, nil
}
