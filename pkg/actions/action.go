// Package actions defines the action contract, the static type registry used to
// ship actions across the worker boundary, and the built-in action catalogue.
package actions

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
)

// ResultState is the terminal state of an executed action.
type ResultState string

const (
	StateChanged   ResultState = "changed"
	StateUnchanged ResultState = "unchanged"
	StateSkipped   ResultState = "skipped"
	StateFailed    ResultState = "failed"
)

// Action is a self-contained, serializable unit of idempotent work.
//
// Implementations embed Base, which supplies Meta and a default
// NeededLocalFiles. Exported fields are the wire representation.
type Action interface {
	// Meta returns the identity and result bookkeeping of the action.
	Meta() *Base

	// Validate rejects invalid field combinations with a configuration error.
	// It may fill derived fields (such as checksums) and must be safe to call
	// more than once.
	Validate() error

	// Run executes the action against an execution context. It sets Changed
	// when it mutated the target and returns an error to abort the batch.
	Run(ctx context.Context, t Target) error

	// Summary is a short human description without side effects.
	Summary() string

	// NeededLocalFiles lists controller-side paths the execution side must be
	// able to pull before Run is invoked.
	NeededLocalFiles() []string
}

// Base carries the fields every action shares.
type Base struct {
	ID      string        `json:"id"`
	Name    string        `json:"name,omitempty"`
	Changed bool          `json:"changed"`
	State   ResultState   `json:"result,omitempty"`
	Elapsed time.Duration `json:"elapsed,omitempty"`
}

// Meta implements Action.
func (b *Base) Meta() *Base { return b }

// NeededLocalFiles implements Action with no files.
func (b *Base) NeededLocalFiles() []string { return nil }

// SetChanged marks the action as having mutated its target.
func (b *Base) SetChanged() { b.Changed = true }

// ClearResult drops the outcome of a previous run. Changed, State and
// Elapsed are outputs, whatever a record or an earlier run left in them.
func (b *Base) ClearResult() {
	b.Changed = false
	b.State = ""
	b.Elapsed = 0
}

// CommandOptions tunes a command invocation on a Target.
type CommandOptions struct {
	// Dir is the logical working directory.
	Dir string
	// Env holds extra KEY=VALUE entries.
	Env []string
	// Stdin is fed to the process when non-nil.
	Stdin []byte
}

// CommandResult is the captured outcome of a command.
type CommandResult struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Target is the execution context an action runs against.
type Target interface {
	// Path maps a logical path to the path this process must use.
	Path(logical string) string

	// RunCommand runs argv in the execution context. A nonzero exit returns
	// an execution error together with the populated result.
	RunCommand(ctx context.Context, argv []string, opts CommandOptions) (*CommandResult, error)

	// TransferFile streams the controller-side file src into dst.
	TransferFile(ctx context.Context, src string, dst io.Writer) error
}

// PackageManager is implemented by targets that track dpkg packages
// themselves. The apt flavour of Package uses it instead of probing every
// package with a command.
type PackageManager interface {
	PackageInstalled(name string) bool
	AptInstall(ctx context.Context, names []string, recommends bool) error
	DpkgPurge(ctx context.Context, names []string) error
}

// UnitManager is implemented by targets that manage systemd units without a
// running systemd. Service uses it for enablement.
type UnitManager interface {
	UnitEnabled(ctx context.Context, unit string) (bool, error)
	SystemctlEnable(ctx context.Context, units ...string) error
	SystemctlDisable(ctx context.Context, mask bool, units ...string) error
}

// Prepare assigns an id when missing and validates the action.
func Prepare(a Action) error {
	m := a.Meta()
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	return a.Validate()
}

// DisplayName returns the explicit name of the action or its summary.
func DisplayName(a Action) string {
	if n := a.Meta().Name; n != "" {
		return n
	}
	return a.Summary()
}
