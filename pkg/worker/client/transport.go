package client

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
)

// ProcessTransport runs the worker as a child process of the controller.
// Prefix wraps the invocation, for example to enter a container:
// []string{"systemd-nspawn", "--quiet", "-D", root, "--"}.
type ProcessTransport struct {
	Prefix []string
	Args   []string
	// Stderr receives the worker's log output. Defaults to os.Stderr.
	Stderr io.Writer

	mu  sync.Mutex
	cmd *exec.Cmd
}

// Upload is a no-op: the binary is already on this host.
func (p *ProcessTransport) Upload(_ context.Context, localPath, remotePath string) error {
	if localPath != remotePath {
		return fmt.Errorf("process transport cannot relocate %s to %s", localPath, remotePath)
	}
	if _, err := os.Stat(localPath); err != nil {
		return fmt.Errorf("worker binary: %w", err)
	}
	return nil
}

// Execute starts the worker process.
func (p *ProcessTransport) Execute(ctx context.Context, remotePath string) (io.WriteCloser, io.ReadCloser, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cmd != nil {
		return nil, nil, fmt.Errorf("worker already started")
	}

	argv := append(append([]string{}, p.Prefix...), remotePath)
	argv = append(argv, p.Args...)

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stderr = p.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("failed to start %s: %w", argv[0], err)
	}

	p.cmd = cmd
	return stdin, stdout, nil
}

// Cleanup waits for the worker process to exit.
func (p *ProcessTransport) Cleanup(context.Context, string) error {
	p.mu.Lock()
	cmd := p.cmd
	p.cmd = nil
	p.mu.Unlock()

	if cmd == nil {
		return nil
	}
	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("worker exited: %w", err)
	}
	return nil
}
