package runner

import (
	"context"
	"reflect"
	"testing"

	"github.com/openfroyo/provision/pkg/actions"
	"github.com/openfroyo/provision/pkg/engine"
	"github.com/openfroyo/provision/pkg/system"
)

func newLocalRunner(t *testing.T) *Runner {
	t.Helper()
	return NewRunner(system.NewLocal(nil), nil, nil)
}

func TestRoleOverlaysNest(t *testing.T) {
	role := NewRole("base", newLocalRunner(t))

	role.PushWhen(map[string][]string{"a": {"changed"}})
	role.PushNotify("restart")
	role.PushWhen(map[string][]string{"a": {"unchanged"}, "b": {"skipped"}})
	role.PushNotify("reload")

	if got, want := role.DefaultWhen(), map[string][]string{"a": {"unchanged"}, "b": {"skipped"}}; !reflect.DeepEqual(got, want) {
		t.Errorf("inner when = %v, want %v", got, want)
	}
	if got, want := role.DefaultNotify(), []string{"restart", "reload"}; !reflect.DeepEqual(got, want) {
		t.Errorf("inner notify = %v, want %v", got, want)
	}

	role.PopNotify()
	role.PopWhen()
	if got, want := role.DefaultWhen(), map[string][]string{"a": {"changed"}}; !reflect.DeepEqual(got, want) {
		t.Errorf("outer when = %v, want %v", got, want)
	}
	if got, want := role.DefaultNotify(), []string{"restart"}; !reflect.DeepEqual(got, want) {
		t.Errorf("outer notify = %v, want %v", got, want)
	}

	role.PopNotify()
	role.PopWhen()
	if len(role.DefaultWhen()) != 0 || len(role.DefaultNotify()) != 0 {
		t.Errorf("defaults not restored: when=%v notify=%v", role.DefaultWhen(), role.DefaultNotify())
	}
}

func TestRoleWithHelpersRestoreOnError(t *testing.T) {
	role := NewRole("base", newLocalRunner(t))
	boom := engine.Configf("boom")

	err := role.WithNotify([]string{"x"}, func() error {
		return role.WithWhen(map[string][]string{"a": {"changed"}}, func() error { return boom })
	})
	if err != boom {
		t.Fatalf("error = %v, want %v", err, boom)
	}
	if len(role.DefaultWhen()) != 0 || len(role.DefaultNotify()) != 0 {
		t.Errorf("defaults not restored: when=%v notify=%v", role.DefaultWhen(), role.DefaultNotify())
	}
}

func TestTaskNotifyConcatenatesDefaults(t *testing.T) {
	role := NewRole("base", newLocalRunner(t))

	var pa *PendingAction
	err := role.WithNotify([]string{"a"}, func() error {
		var err error
		pa, err = role.Task(&actions.Noop{}, Notify("b", "c"))
		return err
	})
	if err != nil {
		t.Fatalf("Task() error = %v", err)
	}
	if want := []string{"a", "b", "c"}; !reflect.DeepEqual(pa.Notify, want) {
		t.Errorf("notify = %v, want %v", pa.Notify, want)
	}
	if pa.ID() == "" {
		t.Error("pending action has no id")
	}
}

func TestTaskValidationErrorIsSynchronous(t *testing.T) {
	role := NewRole("base", newLocalRunner(t))

	_, err := role.Task(&actions.Copy{})
	if !engine.IsConfigurationError(err) {
		t.Fatalf("Task() error = %v, want configuration error", err)
	}
	if role.Pending() != 0 {
		t.Errorf("pending = %d after rejected task", role.Pending())
	}
}

func TestTaskWhenGates(t *testing.T) {
	tests := []struct {
		name     string
		defaults map[string][]string
		explicit []string
		want     actions.ResultState
	}{
		{name: "explicit satisfied", explicit: []string{"changed"}, want: actions.StateUnchanged},
		{name: "explicit unsatisfied", explicit: []string{"unchanged"}, want: actions.StateSkipped},
		{name: "default unsatisfied", defaults: map[string][]string{"first": {"skipped"}}, want: actions.StateSkipped},
		{name: "explicit overrides default", defaults: map[string][]string{"first": {"skipped"}}, explicit: []string{"changed"}, want: actions.StateUnchanged},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newLocalRunner(t)
			var second actions.Action
			r.Register("base", StartFunc(func(_ context.Context, role *Role) error {
				first := &actions.Noop{Change: true}
				if _, err := role.Task(first); err != nil {
					return err
				}
				when := map[string][]string{}
				for k, v := range tt.defaults {
					if k == "first" {
						k = first.ID
					}
					when[k] = v
				}
				var opts []TaskOption
				if tt.explicit != nil {
					opts = append(opts, WhenID(first.ID, tt.explicit...))
				}
				second = &actions.Noop{}
				return role.WithWhen(when, func() error {
					_, err := role.Task(second, opts...)
					return err
				})
			}))

			ctx := context.Background()
			if _, err := r.AddRole(ctx, "base"); err != nil {
				t.Fatalf("AddRole() error = %v", err)
			}
			if err := r.Run(ctx); err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if got := second.Meta().State; got != tt.want {
				t.Errorf("second state = %s, want %s", got, tt.want)
			}
		})
	}
}
