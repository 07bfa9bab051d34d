package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/provision/pkg/actions"
	"github.com/openfroyo/provision/pkg/engine"
	"github.com/openfroyo/provision/pkg/system"
	"github.com/openfroyo/provision/pkg/telemetry"
)

func newRunCommand() *cobra.Command {
	var (
		batchFile string
		targets   []string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one batch of actions on targets",
		Long: `Run a batch of actions on every selected target.

The batch file is a YAML list of actions. Each entry names the action
type and its fields:

  - type: file
    path: /srv/app
    state: directory
  - type: copy
    dest: /srv/app/motd
    content: "hello\n"

A batch either completes entirely or aborts at the first failure. Targets
run concurrently and fail independently.`,
		Example: `  # Run a batch on every target
  provision run -f batch.yaml

  # Run it on one target
  provision run -f batch.yaml --target web1`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(batchFile)
			if err != nil {
				return engine.NewConfigurationError("failed to read batch file", err).
					WithCode(engine.ErrCodeInvalidConfig).
					WithDetail("path", batchFile)
			}
			// Parse once up front so a bad batch fails before any target opens.
			if _, err := parseBatch(actions.Default, data); err != nil {
				return err
			}

			s, err := openSession()
			if err != nil {
				return err
			}
			defer s.close()
			s.tel.Events.Subscribe(newProgressPrinter(cmd.OutOrStdout()).Handle)

			return runBatch(cmd.Context(), s, data, targets, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&batchFile, "file", "f", "batch.yaml", "batch file")
	cmd.Flags().StringSliceVarP(&targets, "target", "t", nil, "target to run on (repeatable; default all)")

	return cmd
}

// parseBatch decodes a YAML list of {type: tag, <fields>...} entries into
// prepared actions.
func parseBatch(registry *actions.Registry, data []byte) ([]actions.Action, error) {
	var entries []map[string]interface{}
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, engine.NewConfigurationError("failed to parse batch", err).
			WithCode(engine.ErrCodeInvalidConfig)
	}

	batch := make([]actions.Action, 0, len(entries))
	for i, entry := range entries {
		tag, ok := entry["type"].(string)
		if !ok || tag == "" {
			return nil, engine.Configf("batch entry %d has no type", i).WithCode(engine.ErrCodeInvalidConfig)
		}
		delete(entry, "type")

		fields, err := json.Marshal(entry)
		if err != nil {
			return nil, engine.NewConfigurationError(fmt.Sprintf("batch entry %d has unsupported values", i), err).
				WithCode(engine.ErrCodeInvalidConfig)
		}
		a, err := registry.Decode(actions.Record{Type: tag, Fields: fields})
		if err != nil {
			return nil, fmt.Errorf("batch entry %d: %w", i, err)
		}
		batch = append(batch, a)
	}
	return batch, nil
}

func runBatch(ctx context.Context, s *session, data []byte, targetNames []string, out io.Writer) error {
	selected, err := s.inv.SelectTargets(targetNames)
	if err != nil {
		return err
	}
	systems, err := openSystems(ctx, s.env, selected)
	if err != nil {
		return err
	}
	defer closeSystems(systems)

	// Every target gets its own copy: results are written into the actions.
	jobs := make([]system.Job, len(systems))
	for i, sys := range systems {
		batch, err := parseBatch(s.env.Registry, data)
		if err != nil {
			return err
		}
		jobs[i] = system.Job{System: sys, Actions: batch}
	}

	start := time.Now()
	results := system.NewPool(s.inv.Concurrency).Dispatch(ctx, jobs)

	failed := 0
	for _, res := range results {
		if res.Err != nil {
			failed++
			s.tel.Events.Publish(telemetry.Event{
				Type:    telemetry.EventBatchFailed,
				Target:  res.Target,
				Error:   res.Err.Error(),
				Elapsed: time.Since(start),
			})
			continue
		}
		for _, a := range res.Results {
			m := a.Meta()
			fmt.Fprintf(out, "%s [%s %.3fs] %s\n", res.Target, m.State, m.Elapsed.Seconds(), actions.DisplayName(a))
		}
		s.tel.Events.Publish(telemetry.Event{
			Type:    telemetry.EventBatchCompleted,
			Target:  res.Target,
			Summary: batchSummary(res.Results),
			Elapsed: time.Since(start),
		})
	}
	if failed > 0 {
		return engine.NewExecutionError(fmt.Sprintf("batch failed on %d of %d targets", failed, len(results)), nil).
			WithCode(engine.ErrCodeActionFailed)
	}
	return nil
}

// batchSummary counts results by state, e.g. "2 changed, 1 unchanged".
func batchSummary(results []actions.Action) string {
	var changed, unchanged int
	for _, a := range results {
		if a.Meta().Changed {
			changed++
		} else {
			unchanged++
		}
	}
	return fmt.Sprintf("%d changed, %d unchanged", changed, unchanged)
}
