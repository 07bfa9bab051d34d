package actions

import (
	"context"

	"github.com/openfroyo/provision/pkg/engine"
)

// Noop does nothing. Change (input key "change") forces the result to
// report a change, which is useful to trigger notifications. The "changed"
// key is the result and is ignored on input.
type Noop struct {
	Base
	Change bool `json:"change,omitempty"`
}

func (n *Noop) Validate() error { return nil }

func (n *Noop) Run(_ context.Context, _ Target) error {
	n.Changed = n.Change
	return nil
}

func (n *Noop) Summary() string { return "noop" }

// Fail always fails with Message.
type Fail struct {
	Base
	Message string `json:"message"`
}

func (f *Fail) Validate() error {
	if f.Message == "" {
		f.Message = "failed"
	}
	return nil
}

func (f *Fail) Run(_ context.Context, _ Target) error {
	return engine.NewExecutionError(f.Message, nil).WithCode(engine.ErrCodeActionFailed)
}

func (f *Fail) Summary() string { return "fail: " + f.Message }
