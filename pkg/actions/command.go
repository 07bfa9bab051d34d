package actions

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/openfroyo/provision/pkg/engine"
)

// Command runs a process in the execution context. Argv is executed directly;
// Cmd is handed to /bin/sh -c. Creates and Removes are glob guards checked
// before anything runs.
type Command struct {
	Base

	Argv    []string          `json:"argv,omitempty"`
	Cmd     string            `json:"cmd,omitempty"`
	Chdir   string            `json:"chdir,omitempty"`
	Stdin   string            `json:"stdin,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Creates string            `json:"creates,omitempty"`
	Removes string            `json:"removes,omitempty"`

	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
	ExitCode int    `json:"exit_code,omitempty"`
}

func (c *Command) Validate() error {
	if len(c.Argv) == 0 && c.Cmd == "" {
		return engine.Configf("command: one of argv or cmd is required")
	}
	if len(c.Argv) > 0 && c.Cmd != "" {
		return engine.Configf("command: argv and cmd are mutually exclusive")
	}
	return nil
}

func (c *Command) Summary() string {
	if c.Cmd != "" {
		return fmt.Sprintf("run %q", c.Cmd)
	}
	return fmt.Sprintf("run %q", strings.Join(c.Argv, " "))
}

func (c *Command) Run(ctx context.Context, t Target) error {
	if c.Creates != "" {
		matches, err := filepath.Glob(t.Path(c.Creates))
		if err != nil {
			return engine.NewConfigurationError("command: bad creates pattern", err).WithAction(c.Summary())
		}
		if len(matches) > 0 {
			return nil
		}
	}
	if c.Removes != "" {
		matches, err := filepath.Glob(t.Path(c.Removes))
		if err != nil {
			return engine.NewConfigurationError("command: bad removes pattern", err).WithAction(c.Summary())
		}
		if len(matches) == 0 {
			return nil
		}
	}

	argv := c.Argv
	if c.Cmd != "" {
		argv = []string{"/bin/sh", "-c", c.Cmd}
	}

	opts := CommandOptions{Dir: c.Chdir}
	if c.Stdin != "" {
		opts.Stdin = []byte(c.Stdin)
	}
	keys := make([]string, 0, len(c.Env))
	for k := range c.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		opts.Env = append(opts.Env, k+"="+c.Env[k])
	}

	res, err := t.RunCommand(ctx, argv, opts)
	if res != nil {
		c.Stdout = string(res.Stdout)
		c.Stderr = string(res.Stderr)
		c.ExitCode = res.ExitCode
	}
	if err != nil {
		return withSummary(err, c.Summary())
	}
	c.SetChanged()
	return nil
}
