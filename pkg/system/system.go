// Package system provides the execution substrates actions run on: Local
// (this process), Chroot (an alternate filesystem root) and Remote (a worker
// process reached over the JSON-lines protocol).
package system

import (
	"context"

	"github.com/openfroyo/provision/pkg/actions"
	"github.com/openfroyo/provision/pkg/telemetry"
)

// PipelineInfo accompanies every pipelined action. ID names the pipeline (the
// role id); When maps ids of earlier actions in the same pipeline to the
// result states that allow this action to run.
type PipelineInfo struct {
	ID   string              `json:"id"`
	When map[string][]string `json:"when,omitempty"`
}

// Pipeline is a fail-forward sequence of actions scoped to one role.
type Pipeline interface {
	// ID returns the pipeline id.
	ID() string

	// Add queues an action. It runs when results are received, unless the
	// pipeline has failed or its gate is unsatisfied.
	Add(action actions.Action, when map[string][]string)

	// Reset clears the failed state.
	Reset(ctx context.Context) error

	// Close releases pipeline state. Calling it again is a no-op.
	Close(ctx context.Context) error
}

// System is an execution substrate.
type System interface {
	// Name identifies the target in logs and metrics.
	Name() string

	// ShareFile makes a controller-side path pullable by the execution side.
	ShareFile(path string)

	// ShareFilePrefix makes every path under prefix pullable.
	ShareFilePrefix(prefix string)

	// Pipeline returns the pipeline with the given id, creating it if needed.
	Pipeline(id string) Pipeline

	// SendPipelined queues action on the pipeline named by info.
	SendPipelined(action actions.Action, info PipelineInfo)

	// PipelineClose closes the pipeline with the given id.
	PipelineClose(ctx context.Context, id string) error

	// ReceiveActions executes queued actions in order and hands each result
	// to fn. fn may queue more actions; they are executed in the same call.
	// The first failure stops the loop and is returned.
	ReceiveActions(ctx context.Context, fn func(result actions.Action) error) error

	// RunActions executes a batch in order and returns every result, or no
	// results and the first error.
	RunActions(ctx context.Context, batch []actions.Action) ([]actions.Action, error)

	// Close releases the substrate.
	Close() error
}

// Environment is the explicit context shared by every System a run builds.
type Environment struct {
	Registry  *actions.Registry
	Telemetry *telemetry.Telemetry
}

// NewEnvironment returns an Environment with the default registry.
func NewEnvironment(tel *telemetry.Telemetry) *Environment {
	if tel == nil {
		tel = telemetry.Nop()
	}
	return &Environment{Registry: actions.Default, Telemetry: tel}
}

func (e *Environment) registry() *actions.Registry {
	if e == nil || e.Registry == nil {
		return actions.Default
	}
	return e.Registry
}

func (e *Environment) telemetry() *telemetry.Telemetry {
	if e == nil || e.Telemetry == nil {
		return telemetry.Nop()
	}
	return e.Telemetry
}
