package worker

import (
	"context"
	"io"
	"sync"

	"github.com/openfroyo/provision/pkg/system"
)

// InProcessTransport runs a Server in a goroutine connected through pipes.
// It satisfies client.Transport and lets the remote-delegate system be used
// without spawning a process.
type InProcessTransport struct {
	Env    *system.Environment
	Config Config

	mu   sync.Mutex
	done chan error
}

// Upload is a no-op.
func (t *InProcessTransport) Upload(context.Context, string, string) error { return nil }

// Execute starts the server goroutine.
func (t *InProcessTransport) Execute(ctx context.Context, _ string) (io.WriteCloser, io.ReadCloser, error) {
	cmdR, cmdW := io.Pipe()
	outR, outW := io.Pipe()

	done := make(chan error, 1)
	t.mu.Lock()
	t.done = done
	t.mu.Unlock()

	srv := NewServer(cmdR, outW, t.Env, t.Config)
	go func() {
		err := srv.Serve(context.WithoutCancel(ctx))
		_ = outW.Close()
		_ = cmdR.Close()
		done <- err
	}()

	return cmdW, outR, nil
}

// Cleanup waits for the server goroutine to return.
func (t *InProcessTransport) Cleanup(ctx context.Context, _ string) error {
	t.mu.Lock()
	done := t.done
	t.done = nil
	t.mu.Unlock()

	if done == nil {
		return nil
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
