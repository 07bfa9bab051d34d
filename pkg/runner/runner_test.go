package runner

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/openfroyo/provision/pkg/actions"
	"github.com/openfroyo/provision/pkg/engine"
	"github.com/openfroyo/provision/pkg/system"
	"github.com/openfroyo/provision/pkg/telemetry"
)

func TestRunClosesRoleAfterCallbackTask(t *testing.T) {
	r := newLocalRunner(t)
	var delivered []string
	record := func(a actions.Action) error {
		delivered = append(delivered, a.Meta().Name)
		return nil
	}

	r.Register("base", StartFunc(func(_ context.Context, role *Role) error {
		for _, name := range []string{"one", "two"} {
			if _, err := role.Task(&actions.Noop{Base: actions.Base{Name: name}}, Then(record)); err != nil {
				return err
			}
		}
		_, err := role.Task(&actions.Noop{Base: actions.Base{Name: "three"}}, Then(record, func(actions.Action) error {
			_, err := role.Task(&actions.Noop{Base: actions.Base{Name: "four"}}, Then(record))
			return err
		}))
		return err
	}))

	ctx := context.Background()
	role, err := r.AddRole(ctx, "base")
	if err != nil {
		t.Fatalf("AddRole() error = %v", err)
	}
	if err := r.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if want := []string{"one", "two", "three", "four"}; !reflect.DeepEqual(delivered, want) {
		t.Errorf("delivered = %v, want %v", delivered, want)
	}
	if !role.Closed() {
		t.Error("role not closed")
	}
	if got := r.ClosedRoles(); !reflect.DeepEqual(got, []string{"base"}) {
		t.Errorf("closed roles = %v, want [base]", got)
	}
}

func TestRunEmptyRoleClosesImmediately(t *testing.T) {
	r := newLocalRunner(t)
	r.Register("empty", StartFunc(func(context.Context, *Role) error { return nil }))

	role, err := r.AddRole(context.Background(), "empty")
	if err != nil {
		t.Fatalf("AddRole() error = %v", err)
	}
	if !role.Closed() {
		t.Error("empty role not closed")
	}
}

func TestAddRoleUnknown(t *testing.T) {
	r := newLocalRunner(t)
	if _, err := r.AddRole(context.Background(), "missing"); !engine.IsConfigurationError(err) {
		t.Fatalf("AddRole() error = %v, want configuration error", err)
	}
}

func TestRunFailedActionKeepsRoleOpen(t *testing.T) {
	r := newLocalRunner(t)
	r.Register("broken", StartFunc(func(_ context.Context, role *Role) error {
		if _, err := role.Task(&actions.Fail{Message: "nope"}); err != nil {
			return err
		}
		_, err := role.Task(&actions.Noop{})
		return err
	}))

	ctx := context.Background()
	if _, err := r.AddRole(ctx, "broken"); err != nil {
		t.Fatalf("AddRole() error = %v", err)
	}
	err := r.Run(ctx)
	if got := engine.GetErrorCode(err); got != engine.ErrCodeActionFailed {
		t.Fatalf("Run() error = %v (code %q), want %s", err, got, engine.ErrCodeActionFailed)
	}
	if got := r.OpenRoles(); !reflect.DeepEqual(got, []string{"broken"}) {
		t.Errorf("open roles = %v, want [broken]", got)
	}
	if len(r.ClosedRoles()) != 0 {
		t.Errorf("closed roles = %v, want none", r.ClosedRoles())
	}
}

func TestRunStartsNotifiedRoleOnce(t *testing.T) {
	tel := telemetry.Nop()
	var events []telemetry.Event
	tel.Events.Subscribe(func(e telemetry.Event) { events = append(events, e) })

	r := NewRunner(system.NewLocal(nil), tel, nil)

	starts := 0
	r.Register("handler", StartFunc(func(_ context.Context, role *Role) error {
		starts++
		_, err := role.Task(&actions.Noop{})
		return err
	}))
	for _, name := range []string{"web", "db"} {
		r.Register(name, StartFunc(func(_ context.Context, role *Role) error {
			if _, err := role.Task(&actions.Noop{Change: true}, Notify("handler")); err != nil {
				return err
			}
			_, err := role.Task(&actions.Noop{}, Notify("unused"))
			return err
		}))
	}

	ctx := context.Background()
	for _, name := range []string{"web", "db"} {
		if _, err := r.AddRole(ctx, name); err != nil {
			t.Fatalf("AddRole(%s) error = %v", name, err)
		}
	}
	if err := r.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if starts != 1 {
		t.Errorf("handler started %d times, want 1", starts)
	}
	if got, want := r.ClosedRoles(), []string{"web", "db", "handler"}; !reflect.DeepEqual(got, want) {
		t.Errorf("closed roles = %v, want %v", got, want)
	}

	completed := 0
	for _, e := range events {
		if e.Type == telemetry.EventActionCompleted {
			completed++
		}
	}
	if completed != 5 {
		t.Errorf("action.completed events = %d, want 5", completed)
	}
}

func TestRunCallbackErrorStopsRun(t *testing.T) {
	r := newLocalRunner(t)
	boom := errors.New("boom")
	r.Register("base", StartFunc(func(_ context.Context, role *Role) error {
		_, err := role.Task(&actions.Noop{}, Then(func(actions.Action) error { return boom }))
		return err
	}))

	ctx := context.Background()
	if _, err := r.AddRole(ctx, "base"); err != nil {
		t.Fatalf("AddRole() error = %v", err)
	}
	if err := r.Run(ctx); !errors.Is(err, boom) {
		t.Fatalf("Run() error = %v, want %v", err, boom)
	}
}
