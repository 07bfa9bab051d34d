package system

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/openfroyo/provision/pkg/actions"
	"github.com/openfroyo/provision/pkg/engine"
)

// CommandExecutor runs a process on this host. Chroot and Local go through
// it so tests can observe the exact argv without spawning anything.
type CommandExecutor func(ctx context.Context, argv []string, opts actions.CommandOptions) (*actions.CommandResult, error)

// ExecCommand is the CommandExecutor backed by os/exec.
func ExecCommand(ctx context.Context, argv []string, opts actions.CommandOptions) (*actions.CommandResult, error) {
	if len(argv) == 0 {
		return nil, engine.Configf("empty command")
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = opts.Dir
	cmd.Env = append(os.Environ(), opts.Env...)
	if opts.Stdin != nil {
		cmd.Stdin = bytes.NewReader(opts.Stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := &actions.CommandResult{
		Stdout: stdout.Bytes(),
		Stderr: stderr.Bytes(),
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, engine.NewExecutionError(fmt.Sprintf("failed to execute %s", argv[0]), err).
				WithCode(engine.ErrCodeCommandFailed)
		}
		result.ExitCode = exitErr.ExitCode()
		msg := fmt.Sprintf("%s exited with status %d", strings.Join(argv, " "), result.ExitCode)
		if s := strings.TrimSpace(stderr.String()); s != "" {
			msg += ": " + s
		}
		return result, engine.NewExecutionError(msg, nil).WithCode(engine.ErrCodeCommandFailed)
	}
	return result, nil
}
