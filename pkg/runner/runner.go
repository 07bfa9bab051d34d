package runner

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/provision/pkg/actions"
	"github.com/openfroyo/provision/pkg/engine"
	"github.com/openfroyo/provision/pkg/system"
	"github.com/openfroyo/provision/pkg/telemetry"
)

// Runner drives roles against one System. Roles are started explicitly with
// AddRole; roles notified by changed actions are started once each after the
// current results have been drained.
type Runner struct {
	sys       system.System
	tel       *telemetry.Telemetry
	log       *telemetry.Logger
	templates *Templates

	mu       sync.Mutex
	starters map[string]Starter
	pending  map[string]*PendingAction
	roles    map[string]*Role
	started  map[string]bool
	notified map[string]struct{}
	spans    map[string]trace.Span
	closed   []string
}

// NewRunner creates a Runner dispatching to sys. templates may be nil.
func NewRunner(sys system.System, tel *telemetry.Telemetry, templates *Templates) *Runner {
	if tel == nil {
		tel = telemetry.Nop()
	}
	return &Runner{
		sys:       sys,
		tel:       tel,
		log:       tel.Logger.NewComponentLogger("runner").WithTarget(sys.Name()),
		templates: templates,
		starters:  make(map[string]Starter),
		pending:   make(map[string]*PendingAction),
		roles:     make(map[string]*Role),
		started:   make(map[string]bool),
		notified:  make(map[string]struct{}),
		spans:     make(map[string]trace.Span),
	}
}

// Register makes a role available under name, for AddRole and notify.
func (r *Runner) Register(name string, s Starter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.starters[name] = s
}

// System implements Coordinator.
func (r *Runner) System() system.System { return r.sys }

// Templates returns the template renderer, or nil.
func (r *Runner) Templates() *Templates { return r.templates }

// AddPendingAction implements Coordinator.
func (r *Runner) AddPendingAction(pa *PendingAction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[pa.ID()] = pa
}

// AddRole creates the role registered as name and lets it queue its initial
// tasks. A role that queues nothing is closed immediately.
func (r *Runner) AddRole(ctx context.Context, name string) (*Role, error) {
	r.mu.Lock()
	starter, ok := r.starters[name]
	r.started[name] = true
	r.mu.Unlock()
	if !ok {
		return nil, engine.Configf("unknown role %q", name).WithCode(engine.ErrCodeInvalidConfig)
	}

	role := NewRole(name, r)
	_, span := r.tel.Tracer.StartRoleSpan(ctx, name, role.ID)

	r.mu.Lock()
	r.roles[role.ID] = role
	r.spans[role.ID] = span
	r.mu.Unlock()

	r.tel.Events.Publish(telemetry.Event{
		Type:   telemetry.EventRoleStarted,
		Target: r.sys.Name(),
		Role:   name,
	})
	r.log.WithRole(name, role.ID).Debug("role started")

	if err := starter.Start(ctx, role); err != nil {
		telemetry.RecordError(span, err)
		span.End()
		return nil, err
	}
	if role.Pending() == 0 {
		if err := role.close(ctx); err != nil {
			return nil, err
		}
	}
	return role, nil
}

// Run executes queued actions until every role has closed and no notified
// role is left to start.
func (r *Runner) Run(ctx context.Context) error {
	for {
		if err := r.sys.ReceiveActions(ctx, func(result actions.Action) error {
			return r.onResult(ctx, result)
		}); err != nil {
			r.failOpenRoles(err)
			return err
		}

		next := r.takeNotified()
		if len(next) == 0 {
			break
		}
		for _, name := range next {
			if _, err := r.AddRole(ctx, name); err != nil {
				return err
			}
		}
	}

	if open := r.OpenRoles(); len(open) > 0 {
		return engine.NewExecutionError(fmt.Sprintf("roles still open after run: %v", open), nil).
			WithCode(engine.ErrCodeActionFailed)
	}
	return nil
}

// takeNotified returns, sorted, the notified roles not started yet.
func (r *Runner) takeNotified() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var names []string
	for name := range r.notified {
		if !r.started[name] {
			names = append(names, name)
		}
	}
	r.notified = make(map[string]struct{})
	sort.Strings(names)
	return names
}

func (r *Runner) onResult(ctx context.Context, result actions.Action) error {
	id := result.Meta().ID
	r.mu.Lock()
	pa, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
		if result.Meta().Changed {
			for _, name := range pa.Notify {
				r.notified[name] = struct{}{}
			}
		}
	}
	r.mu.Unlock()
	if !ok {
		return engine.NewProtocolError(fmt.Sprintf("received result for unknown action %s", id), nil).
			WithCode(engine.ErrCodeUnexpectedMessage)
	}

	m := result.Meta()
	r.tel.Events.Publish(telemetry.Event{
		Type:     telemetry.EventActionCompleted,
		Target:   r.sys.Name(),
		Role:     pa.Role.Name,
		ActionID: id,
		Summary:  pa.Summary(),
		Result:   string(m.State),
		Elapsed:  m.Elapsed,
	})
	r.log.WithRole(pa.Role.Name, pa.Role.ID).
		Infof("[%s %.3fs] %s %s", m.State, m.Elapsed.Seconds(), pa.Role.Name, pa.Summary())

	return pa.Role.OnActionExecuted(ctx, pa, result)
}

// RoleClosed implements Coordinator.
func (r *Runner) RoleClosed(_ context.Context, role *Role) {
	r.mu.Lock()
	delete(r.roles, role.ID)
	span := r.spans[role.ID]
	delete(r.spans, role.ID)
	r.closed = append(r.closed, role.Name)
	r.mu.Unlock()

	r.tel.Metrics.RecordRoleClosed()
	r.tel.Events.Publish(telemetry.Event{
		Type:   telemetry.EventRoleClosed,
		Target: r.sys.Name(),
		Role:   role.Name,
	})
	r.log.WithRole(role.Name, role.ID).Infof("[done] %s", role.Name)
	if span != nil {
		telemetry.RecordSuccess(span)
		span.End()
	}
}

func (r *Runner) failOpenRoles(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, span := range r.spans {
		telemetry.RecordError(span, err)
		span.End()
		delete(r.spans, id)
	}
}

// OpenRoles returns the names of roles that have not closed, sorted.
func (r *Runner) OpenRoles() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.roles))
	for _, role := range r.roles {
		names = append(names, role.Name)
	}
	sort.Strings(names)
	return names
}

// ClosedRoles returns role names in the order they closed.
func (r *Runner) ClosedRoles() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.closed...)
}
