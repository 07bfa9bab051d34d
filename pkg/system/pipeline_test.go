package system

import (
	"context"
	"errors"
	"testing"

	"github.com/openfroyo/provision/pkg/actions"
	"github.com/openfroyo/provision/pkg/engine"
)

func prepared(t *testing.T, a actions.Action) actions.Action {
	t.Helper()
	if err := actions.Prepare(a); err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	return a
}

func TestPipelineFailForward(t *testing.T) {
	ctx := context.Background()
	target := &LocalTarget{Exec: ExecCommand}
	ps := NewPipelineSet(nil)
	info := PipelineInfo{ID: "role-1"}

	first := prepared(t, &actions.Noop{Change: true})
	if err := ps.Execute(ctx, target, first, info); err != nil {
		t.Fatalf("first action error = %v", err)
	}
	if first.Meta().State != actions.StateChanged {
		t.Errorf("first state = %s, want changed", first.Meta().State)
	}

	failing := prepared(t, &actions.Fail{Message: "boom"})
	err := ps.Execute(ctx, target, failing, info)
	if !engine.IsExecutionError(err) {
		t.Fatalf("failing action error = %v, want execution error", err)
	}
	if !ps.Failed(info.ID) {
		t.Fatal("pipeline not marked failed")
	}

	skipped := prepared(t, &actions.Noop{Change: true})
	err = ps.Execute(ctx, target, skipped, info)
	if engine.GetErrorCode(err) != engine.ErrCodePipelineFailed {
		t.Fatalf("add after failure error = %v, want %s", err, engine.ErrCodePipelineFailed)
	}
	if skipped.Meta().Changed {
		t.Error("action added after failure was run")
	}
	if skipped.Meta().State != actions.StateFailed {
		t.Errorf("state after failure = %s, want failed", skipped.Meta().State)
	}

	other := prepared(t, &actions.Noop{Change: true})
	if err := ps.Execute(ctx, target, other, PipelineInfo{ID: "role-2"}); err != nil {
		t.Errorf("independent pipeline error = %v", err)
	}

	ps.Reset(info.ID)
	again := prepared(t, &actions.Noop{Change: true})
	if err := ps.Execute(ctx, target, again, info); err != nil {
		t.Fatalf("add after reset error = %v", err)
	}
	if !again.Meta().Changed {
		t.Error("action added after reset did not run")
	}
}

func TestPipelineGate(t *testing.T) {
	tests := []struct {
		name    string
		first   bool // change flag of the first action
		when    func(firstID string) map[string][]string
		wantRun bool
	}{
		{
			name:    "no gate",
			when:    func(string) map[string][]string { return nil },
			wantRun: true,
		},
		{
			name:    "changed gate satisfied",
			first:   true,
			when:    func(id string) map[string][]string { return map[string][]string{id: {"changed"}} },
			wantRun: true,
		},
		{
			name:    "changed gate unsatisfied",
			when:    func(id string) map[string][]string { return map[string][]string{id: {"changed"}} },
			wantRun: false,
		},
		{
			name:    "any of several states",
			when:    func(id string) map[string][]string { return map[string][]string{id: {"changed", "unchanged"}} },
			wantRun: true,
		},
		{
			name: "unknown action id",
			when: func(string) map[string][]string {
				return map[string][]string{"does-not-exist": {"unchanged"}}
			},
			wantRun: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			target := &LocalTarget{Exec: ExecCommand}
			ps := NewPipelineSet(nil)

			first := prepared(t, &actions.Noop{Change: tt.first})
			if err := ps.Execute(ctx, target, first, PipelineInfo{ID: "p"}); err != nil {
				t.Fatalf("first action error = %v", err)
			}

			gated := prepared(t, &actions.Noop{Change: true})
			info := PipelineInfo{ID: "p", When: tt.when(first.Meta().ID)}
			if err := ps.Execute(ctx, target, gated, info); err != nil {
				t.Fatalf("gated action error = %v", err)
			}

			if gated.Meta().Changed != tt.wantRun {
				t.Errorf("gated action ran = %v, want %v", gated.Meta().Changed, tt.wantRun)
			}
			if !tt.wantRun && gated.Meta().State != actions.StateSkipped {
				t.Errorf("state = %s, want skipped", gated.Meta().State)
			}
		})
	}
}

func TestPipelineCloseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	ps := NewPipelineSet(nil)
	target := &LocalTarget{Exec: ExecCommand}

	if err := ps.Execute(ctx, target, prepared(t, &actions.Fail{}), PipelineInfo{ID: "p"}); err == nil {
		t.Fatal("expected failure")
	}
	ps.Close("p")
	ps.Close("p")
	ps.Close("never-opened")

	if ps.Failed("p") {
		t.Error("closed pipeline still reports failed")
	}
}

func TestExecuteAnnotatesErrors(t *testing.T) {
	a := prepared(t, &actions.Fail{Message: "nope"})
	a.Meta().Name = "refuse politely"

	err := Execute(context.Background(), &LocalTarget{Exec: ExecCommand}, a, nil)
	var e *engine.EngineError
	if !errors.As(err, &e) {
		t.Fatalf("error = %v, want *EngineError", err)
	}
	if e.Action != "refuse politely" {
		t.Errorf("Action = %q, want the action name", e.Action)
	}
	if a.Meta().State != actions.StateFailed {
		t.Errorf("state = %s, want failed", a.Meta().State)
	}
}
