package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/provision/pkg/actions"
)

func newActionsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "actions",
		Short: "List the registered action types",
		Long: `List the action type tags roles and batch files can use.

Built-in actions:
  - noop:    does nothing; reports changed when asked to
  - fail:    always fails with a message
  - copy:    writes a file from inline content or a controller-side file
  - file:    ensures a file, directory or absence with mode and ownership
  - command: runs a command, optionally guarded by creates/removes globs
  - package: installs or removes packages with apt, dnf, yum or zypper
  - service: starts, stops, restarts or enables a systemd unit`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, tag := range actions.Default.Tags() {
				fmt.Fprintln(cmd.OutOrStdout(), tag)
			}
			return nil
		},
	}
}
