// Package runner builds task graphs out of roles and drives them through a
// System until every role has closed.
package runner

import (
	"context"
	"fmt"
	"maps"

	"github.com/google/uuid"

	"github.com/openfroyo/provision/pkg/actions"
	"github.com/openfroyo/provision/pkg/engine"
	"github.com/openfroyo/provision/pkg/system"
)

// Coordinator is what a Role needs from the component driving it.
type Coordinator interface {
	// System returns the substrate actions are dispatched to.
	System() system.System
	// AddPendingAction records pa so its result can be routed back.
	AddPendingAction(pa *PendingAction)
	// RoleClosed is told once when a role's task graph is exhausted.
	RoleClosed(ctx context.Context, role *Role)
}

// Starter populates a new role with its initial tasks.
type Starter interface {
	Start(ctx context.Context, role *Role) error
}

// StartFunc adapts a function to Starter.
type StartFunc func(ctx context.Context, role *Role) error

// Start implements Starter.
func (f StartFunc) Start(ctx context.Context, role *Role) error { return f(ctx, role) }

// Role is one macro-task: a set of actions queued on a pipeline of its own,
// possibly growing as results come back. It closes once, when nothing it
// queued is outstanding.
type Role struct {
	ID   string
	Name string

	coord   Coordinator
	pending map[string]struct{}
	closed  bool

	when        map[string][]string
	notify      []string
	whenStack   []map[string][]string
	notifyStack [][]string

	// Vars are made available to templates rendered on behalf of the role.
	Vars map[string]interface{}
}

// NewRole creates a role bound to coord.
func NewRole(name string, coord Coordinator) *Role {
	return &Role{
		ID:      uuid.NewString(),
		Name:    name,
		coord:   coord,
		pending: make(map[string]struct{}),
		when:    map[string][]string{},
		Vars:    map[string]interface{}{},
	}
}

type taskOptions struct {
	notify []string
	when   map[string][]string
	name   string
	then   []Callback
}

// TaskOption customizes one Task call.
type TaskOption func(*taskOptions)

// Notify adds roles to trigger when the action reports a change.
func Notify(roles ...string) TaskOption {
	return func(o *taskOptions) { o.notify = append(o.notify, roles...) }
}

// When gates the action on the result state of an earlier action of the
// same role.
func When(a actions.Action, states ...actions.ResultState) TaskOption {
	names := make([]string, len(states))
	for i, s := range states {
		names[i] = string(s)
	}
	return WhenID(a.Meta().ID, names...)
}

// WhenID gates the action on the result state of the action with id.
func WhenID(id string, states ...string) TaskOption {
	return func(o *taskOptions) {
		if o.when == nil {
			o.when = map[string][]string{}
		}
		o.when[id] = states
	}
}

// Name overrides the summary shown for the action.
func Name(name string) TaskOption {
	return func(o *taskOptions) { o.name = name }
}

// Then registers callbacks run, in order, when the result is delivered.
func Then(fns ...Callback) TaskOption {
	return func(o *taskOptions) { o.then = append(o.then, fns...) }
}

// Task validates action and queues it on the role's pipeline. Validation
// errors are returned before anything is queued.
func (r *Role) Task(action actions.Action, opts ...TaskOption) (*PendingAction, error) {
	if r.closed {
		return nil, engine.NewConfigurationError(fmt.Sprintf("role %s is already closed", r.Name), nil).
			WithCode(engine.ErrCodeInvalidConfig)
	}
	var o taskOptions
	for _, opt := range opts {
		opt(&o)
	}
	if err := actions.Prepare(action); err != nil {
		return nil, err
	}

	notify := make([]string, 0, len(r.notify)+len(o.notify))
	notify = append(notify, r.notify...)
	notify = append(notify, o.notify...)

	pa := &PendingAction{
		Role:   r,
		Action: action,
		Notify: notify,
		Name:   o.name,
		Then:   o.then,
	}

	sys := r.coord.System()
	for _, path := range action.NeededLocalFiles() {
		sys.ShareFile(path)
	}

	info := system.PipelineInfo{ID: r.ID}
	if len(r.when) > 0 || len(o.when) > 0 {
		info.When = make(map[string][]string, len(r.when)+len(o.when))
		maps.Copy(info.When, r.when)
		maps.Copy(info.When, o.when)
	}

	r.pending[pa.ID()] = struct{}{}
	r.coord.AddPendingAction(pa)
	sys.SendPipelined(action, info)
	return pa, nil
}

// PushWhen makes when part of the default gate of every task added until
// the matching PopWhen. Entries override earlier defaults with the same id.
func (r *Role) PushWhen(when map[string][]string) {
	r.whenStack = append(r.whenStack, r.when)
	next := maps.Clone(r.when)
	maps.Copy(next, when)
	r.when = next
}

// PopWhen restores the default gate in effect before the last PushWhen.
func (r *Role) PopWhen() {
	if len(r.whenStack) == 0 {
		panic("runner: PopWhen without PushWhen")
	}
	last := len(r.whenStack) - 1
	r.when = r.whenStack[last]
	r.whenStack = r.whenStack[:last]
}

// PushNotify adds roles to the default notify list until the matching
// PopNotify.
func (r *Role) PushNotify(roles ...string) {
	r.notifyStack = append(r.notifyStack, r.notify)
	next := make([]string, 0, len(r.notify)+len(roles))
	next = append(next, r.notify...)
	r.notify = append(next, roles...)
}

// PopNotify restores the default notify list in effect before the last
// PushNotify.
func (r *Role) PopNotify() {
	if len(r.notifyStack) == 0 {
		panic("runner: PopNotify without PushNotify")
	}
	last := len(r.notifyStack) - 1
	r.notify = r.notifyStack[last]
	r.notifyStack = r.notifyStack[:last]
}

// WithWhen runs fn with when pushed onto the default gate.
func (r *Role) WithWhen(when map[string][]string, fn func() error) error {
	r.PushWhen(when)
	defer r.PopWhen()
	return fn()
}

// WithNotify runs fn with roles pushed onto the default notify list.
func (r *Role) WithNotify(roles []string, fn func() error) error {
	r.PushNotify(roles...)
	defer r.PopNotify()
	return fn()
}

// DefaultWhen returns a copy of the current default gate.
func (r *Role) DefaultWhen() map[string][]string { return maps.Clone(r.when) }

// DefaultNotify returns a copy of the current default notify list.
func (r *Role) DefaultNotify() []string { return append([]string(nil), r.notify...) }

// Pending returns the number of outstanding actions.
func (r *Role) Pending() int { return len(r.pending) }

// Closed reports whether the role has closed.
func (r *Role) Closed() bool { return r.closed }

// OnActionExecuted is called once per delivered result. It runs the pending
// action's callbacks and closes the role when nothing is left outstanding.
func (r *Role) OnActionExecuted(ctx context.Context, pa *PendingAction, result actions.Action) error {
	delete(r.pending, result.Meta().ID)

	for _, fn := range pa.Then {
		if err := fn(result); err != nil {
			return err
		}
	}

	if len(r.pending) == 0 {
		return r.close(ctx)
	}
	return nil
}

func (r *Role) close(ctx context.Context) error {
	if r.closed {
		return nil
	}
	r.closed = true
	err := r.coord.System().PipelineClose(ctx, r.ID)
	r.coord.RoleClosed(ctx, r)
	return err
}
