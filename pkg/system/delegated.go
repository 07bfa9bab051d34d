package system

import (
	"context"
	"fmt"
	"io"

	"github.com/openfroyo/provision/pkg/actions"
	"github.com/openfroyo/provision/pkg/engine"
)

// FileMeta describes a pulled file.
type FileMeta struct {
	Size int64
	Mode uint32
}

// FilePuller fetches a controller-side file over the caller's connection.
// ok=false means the controller refused or aborted the transfer.
type FilePuller interface {
	PullFile(ctx context.Context, path string, dst io.Writer) (meta FileMeta, ok bool, err error)
}

// Delegated is the Target a worker runs actions against: local paths and
// commands, with files pulled back from the controller that dispatched the
// batch.
type Delegated struct {
	Puller FilePuller
	Exec   CommandExecutor
}

// NewDelegated returns a Delegated target bound to puller.
func NewDelegated(puller FilePuller) *Delegated {
	return &Delegated{Puller: puller, Exec: ExecCommand}
}

func (d *Delegated) Path(p string) string { return p }

func (d *Delegated) RunCommand(ctx context.Context, argv []string, opts actions.CommandOptions) (*actions.CommandResult, error) {
	return d.Exec(ctx, argv, opts)
}

func (d *Delegated) TransferFile(ctx context.Context, src string, dst io.Writer) error {
	_, ok, err := d.Puller.PullFile(ctx, src, dst)
	if err != nil {
		return engine.NewProtocolError(fmt.Sprintf("transfer of %q failed", src), err).
			WithCode(engine.ErrCodeTransferInterrupted)
	}
	if !ok {
		return engine.NewProtocolError(fmt.Sprintf("transfer of %q was interrupted", src), nil).
			WithCode(engine.ErrCodeTransferInterrupted)
	}
	return nil
}
