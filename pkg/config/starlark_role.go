package config

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"sort"
	"strings"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/openfroyo/provision/pkg/actions"
	"github.com/openfroyo/provision/pkg/engine"
	"github.com/openfroyo/provision/pkg/runner"
	"github.com/openfroyo/provision/pkg/telemetry"
)

// ScriptOptions configures how role scripts run.
type ScriptOptions struct {
	// Registry resolves action tags. Defaults to actions.Default.
	Registry *actions.Registry

	// Templates backs template() and template_string(). May be nil.
	Templates *runner.Templates

	// Vars are exposed as role.vars and passed to templates.
	Vars map[string]interface{}

	// Timeout bounds the start() call. Defaults to 30s.
	Timeout time.Duration

	Logger *telemetry.Logger
}

// ScriptRole is a runner.Starter backed by a Starlark file that defines
// start(role). The script queues tasks with role.task(tag, **fields):
//
//	def start(role):
//	    conf = role.task("copy", dest="/etc/motd", content="hi\n", notify="motd")
//	    role.task("command", argv=["true"], when={conf: "changed"})
type ScriptRole struct {
	Name string
	Path string

	source []byte
	opts   ScriptOptions
	log    *telemetry.Logger
}

// LoadScriptRole reads the script at path and checks that it defines a
// callable start.
func LoadScriptRole(name, path string, opts ScriptOptions) (*ScriptRole, error) {
	source, err := os.ReadFile(path)
	if err != nil {
		return nil, engine.NewConfigurationError(fmt.Sprintf("failed to read role %s", name), err).
			WithCode(engine.ErrCodeInvalidConfig).
			WithDetail("path", path)
	}
	return NewScriptRole(name, path, source, opts)
}

// NewScriptRole checks source and returns the role. path is used in
// error positions only.
func NewScriptRole(name, path string, source []byte, opts ScriptOptions) (*ScriptRole, error) {
	if opts.Registry == nil {
		opts.Registry = actions.Default
	}
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNopLogger()
	}
	s := &ScriptRole{
		Name:   name,
		Path:   path,
		source: source,
		opts:   opts,
		log:    opts.Logger.NewComponentLogger("role"),
	}
	if _, err := s.load(&starlark.Thread{Name: "check:" + name}, nil); err != nil {
		return nil, err
	}
	return s, nil
}

// load executes the script top level and returns its start function.
func (s *ScriptRole) load(thread *starlark.Thread, vars map[string]interface{}) (starlark.Callable, error) {
	globals, err := starlark.ExecFile(thread, s.Path, s.source, s.predeclared(vars))
	if err != nil {
		return nil, s.scriptError("failed to load role script", err)
	}
	start, ok := globals["start"].(starlark.Callable)
	if !ok {
		return nil, engine.Configf("role script %s does not define start(role)", s.Path).
			WithCode(engine.ErrCodeInvalidConfig)
	}
	return start, nil
}

func (s *ScriptRole) predeclared(vars map[string]interface{}) starlark.StringDict {
	return starlark.StringDict{
		"struct":          starlarkstruct.Default,
		"template":        starlark.NewBuiltin("template", s.builtinTemplate(vars, false)),
		"template_string": starlark.NewBuiltin("template_string", s.builtinTemplate(vars, true)),
		"CHANGED":         starlark.String(actions.StateChanged),
		"UNCHANGED":       starlark.String(actions.StateUnchanged),
		"SKIPPED":         starlark.String(actions.StateSkipped),
		"FAILED":          starlark.String(actions.StateFailed),
	}
}

// Start implements runner.Starter.
func (s *ScriptRole) Start(ctx context.Context, role *runner.Role) error {
	vars := maps.Clone(s.opts.Vars)
	if vars == nil {
		vars = map[string]interface{}{}
	}
	maps.Copy(role.Vars, vars)

	log := s.log.WithRole(role.Name, role.ID)
	newThread := func() *starlark.Thread {
		return &starlark.Thread{
			Name: "role:" + role.Name,
			Print: func(_ *starlark.Thread, msg string) {
				log.Info(msg)
			},
		}
	}
	thread := newThread()

	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			thread.Cancel(ctx.Err().Error())
		case <-stop:
		}
	}()

	start, err := s.load(thread, role.Vars)
	if err != nil {
		return err
	}
	rv := &roleValue{role: role, script: s, newThread: newThread}
	if _, err := starlark.Call(thread, start, starlark.Tuple{rv}, nil); err != nil {
		return s.scriptError("role start failed", err)
	}
	return nil
}

func (s *ScriptRole) scriptError(msg string, err error) error {
	return engine.NewConfigurationError(fmt.Sprintf("%s %s", msg, s.Name), err).
		WithCode(engine.ErrCodeInvalidConfig).
		WithDetail("path", s.Path)
}

func (s *ScriptRole) builtinTemplate(vars map[string]interface{}, inline bool) func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
	return func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if s.opts.Templates == nil {
			return nil, fmt.Errorf("%s: no template paths configured", b.Name())
		}
		var src string
		if err := starlark.UnpackPositionalArgs(b.Name(), args, nil, 1, &src); err != nil {
			return nil, err
		}
		ctx := maps.Clone(vars)
		if ctx == nil {
			ctx = map[string]interface{}{}
		}
		for _, kv := range kwargs {
			v, err := fromStarlarkValue(kv[1])
			if err != nil {
				return nil, fmt.Errorf("%s: %s: %w", b.Name(), kv[0], err)
			}
			ctx[string(kv[0].(starlark.String))] = v
		}

		var out string
		var err error
		if inline {
			out, err = s.opts.Templates.RenderString(src, ctx)
		} else {
			out, err = s.opts.Templates.RenderFile(src, ctx)
		}
		if err != nil {
			return nil, err
		}
		return starlark.String(out), nil
	}
}

// roleValue is the role object handed to start(). Callbacks run after
// start() returned, each on a fresh thread.
type roleValue struct {
	role      *runner.Role
	script    *ScriptRole
	newThread func() *starlark.Thread
}

var _ starlark.HasAttrs = (*roleValue)(nil)

func (r *roleValue) String() string        { return fmt.Sprintf("<role %s>", r.role.Name) }
func (r *roleValue) Type() string          { return "role" }
func (r *roleValue) Freeze()               {}
func (r *roleValue) Truth() starlark.Bool  { return true }
func (r *roleValue) Hash() (uint32, error) { return starlark.String(r.role.ID).Hash() }

func (r *roleValue) AttrNames() []string {
	return []string{"id", "name", "task", "vars", "with_notify", "with_when"}
}

func (r *roleValue) Attr(name string) (starlark.Value, error) {
	switch name {
	case "id":
		return starlark.String(r.role.ID), nil
	case "name":
		return starlark.String(r.role.Name), nil
	case "vars":
		return toStarlarkValue(r.role.Vars)
	case "task":
		return starlark.NewBuiltin("task", r.task), nil
	case "with_when":
		return starlark.NewBuiltin("with_when", r.withWhen), nil
	case "with_notify":
		return starlark.NewBuiltin("with_notify", r.withNotify), nil
	}
	return nil, nil
}

// task implements role.task(tag, name=, notify=, when=, then=, **fields).
func (r *roleValue) task(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var tag string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, nil, 1, &tag); err != nil {
		return nil, err
	}

	var opts []runner.TaskOption
	var name string
	fields := map[string]interface{}{}
	for _, kv := range kwargs {
		key := string(kv[0].(starlark.String))
		switch key {
		case "name":
			s, ok := starlark.AsString(kv[1])
			if !ok {
				return nil, fmt.Errorf("%s: name must be a string", b.Name())
			}
			name = s
			opts = append(opts, runner.Name(s))
		case "notify":
			roles, err := stringList("notify", kv[1])
			if err != nil {
				return nil, err
			}
			opts = append(opts, runner.Notify(roles...))
		case "when":
			when, err := parseWhen(kv[1])
			if err != nil {
				return nil, err
			}
			for id, states := range when {
				opts = append(opts, runner.WhenID(id, states...))
			}
		case "then":
			callbacks, err := r.callbacks(kv[1])
			if err != nil {
				return nil, err
			}
			opts = append(opts, runner.Then(callbacks...))
		default:
			v, err := fromStarlarkValue(kv[1])
			if err != nil {
				return nil, fmt.Errorf("%s: %s: %w", b.Name(), key, err)
			}
			fields[key] = v
		}
	}

	action, err := r.script.newAction(tag, fields)
	if err != nil {
		return nil, err
	}
	if name != "" {
		action.Meta().Name = name
	}
	if _, err := r.role.Task(action, opts...); err != nil {
		return nil, err
	}
	return &actionValue{action: action}, nil
}

func (r *roleValue) withWhen(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var whenArg starlark.Value
	var fn starlark.Callable
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &whenArg, &fn); err != nil {
		return nil, err
	}
	when, err := parseWhen(whenArg)
	if err != nil {
		return nil, err
	}
	err = r.role.WithWhen(when, func() error {
		_, err := starlark.Call(thread, fn, nil, nil)
		return err
	})
	return starlark.None, err
}

func (r *roleValue) withNotify(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var notifyArg starlark.Value
	var fn starlark.Callable
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &notifyArg, &fn); err != nil {
		return nil, err
	}
	roles, err := stringList("notify", notifyArg)
	if err != nil {
		return nil, err
	}
	err = r.role.WithNotify(roles, func() error {
		_, err := starlark.Call(thread, fn, nil, nil)
		return err
	})
	return starlark.None, err
}

// callbacks turns a callable or a list of callables into runner callbacks
// that call them with the result action.
func (r *roleValue) callbacks(v starlark.Value) ([]runner.Callback, error) {
	var fns []starlark.Callable
	switch val := v.(type) {
	case starlark.Callable:
		fns = append(fns, val)
	case starlark.Iterable:
		iter := val.Iterate()
		defer iter.Done()
		var x starlark.Value
		for iter.Next(&x) {
			fn, ok := x.(starlark.Callable)
			if !ok {
				return nil, fmt.Errorf("then: want callable, got %s", x.Type())
			}
			fns = append(fns, fn)
		}
	default:
		return nil, fmt.Errorf("then: want callable or list of callables, got %s", v.Type())
	}

	out := make([]runner.Callback, len(fns))
	for i, fn := range fns {
		out[i] = func(result actions.Action) error {
			if _, err := starlark.Call(r.newThread(), fn, starlark.Tuple{&actionValue{action: result}}, nil); err != nil {
				return r.script.scriptError("callback failed in role", err)
			}
			return nil
		}
	}
	return out, nil
}

// newAction builds an unprepared action of type tag from script fields.
func (s *ScriptRole) newAction(tag string, fields map[string]interface{}) (actions.Action, error) {
	ctor, err := s.opts.Registry.Resolve(tag)
	if err != nil {
		return nil, err
	}
	action := ctor()
	data, err := json.Marshal(fields)
	if err != nil {
		return nil, engine.NewConfigurationError(fmt.Sprintf("invalid %s fields", tag), err).
			WithCode(engine.ErrCodeInvalidConfig)
	}
	if err := json.Unmarshal(data, action); err != nil {
		return nil, engine.NewConfigurationError(fmt.Sprintf("invalid %s fields", tag), err).
			WithCode(engine.ErrCodeInvalidConfig)
	}
	return action, nil
}

// parseWhen accepts {action_or_id: state_or_states}.
func parseWhen(v starlark.Value) (map[string][]string, error) {
	dict, ok := v.(*starlark.Dict)
	if !ok {
		return nil, fmt.Errorf("when: want dict, got %s", v.Type())
	}
	when := make(map[string][]string, dict.Len())
	for _, item := range dict.Items() {
		var id string
		switch key := item[0].(type) {
		case *actionValue:
			id = key.action.Meta().ID
		case starlark.String:
			id = string(key)
		default:
			return nil, fmt.Errorf("when: key must be an action or id, got %s", item[0].Type())
		}
		states, err := stringList("when", item[1])
		if err != nil {
			return nil, err
		}
		for _, st := range states {
			switch actions.ResultState(st) {
			case actions.StateChanged, actions.StateUnchanged, actions.StateSkipped, actions.StateFailed:
			default:
				return nil, fmt.Errorf("when: unknown state %q", st)
			}
		}
		when[id] = states
	}
	return when, nil
}

// actionValue exposes an action and, once executed, its results.
type actionValue struct {
	action actions.Action
}

var _ starlark.HasAttrs = (*actionValue)(nil)

func (a *actionValue) String() string {
	return fmt.Sprintf("<action %s>", actions.DisplayName(a.action))
}
func (a *actionValue) Type() string         { return "action" }
func (a *actionValue) Freeze()              {}
func (a *actionValue) Truth() starlark.Bool { return true }
func (a *actionValue) Hash() (uint32, error) {
	return starlark.String(a.action.Meta().ID).Hash()
}

func (a *actionValue) fields() map[string]interface{} {
	data, err := json.Marshal(a.action)
	if err != nil {
		return nil
	}
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.UseNumber()
	var fields map[string]interface{}
	if err := dec.Decode(&fields); err != nil {
		return nil
	}
	return fields
}

func (a *actionValue) AttrNames() []string {
	names := []string{"changed", "elapsed", "id", "result", "summary"}
	for k := range a.fields() {
		switch k {
		case "changed", "elapsed", "id", "result":
		default:
			names = append(names, k)
		}
	}
	sort.Strings(names)
	return names
}

func (a *actionValue) Attr(name string) (starlark.Value, error) {
	m := a.action.Meta()
	switch name {
	case "id":
		return starlark.String(m.ID), nil
	case "changed":
		return starlark.Bool(m.Changed), nil
	case "result":
		return starlark.String(m.State), nil
	case "summary":
		return starlark.String(actions.DisplayName(a.action)), nil
	case "elapsed":
		return starlark.Float(m.Elapsed.Seconds()), nil
	}
	if v, ok := a.fields()[name]; ok {
		return toStarlarkValue(v)
	}
	return nil, nil
}

// LoadRoles loads every role script named in the inventory.
func LoadRoles(inv *Inventory, opts ScriptOptions) (map[string]*ScriptRole, error) {
	roles := make(map[string]*ScriptRole, len(inv.Roles))
	for _, rc := range inv.Roles {
		role, err := LoadScriptRole(rc.Name, rc.Script, opts)
		if err != nil {
			return nil, err
		}
		roles[rc.Name] = role
	}
	return roles, nil
}

// RegisterRoles makes roles startable on r by name.
func RegisterRoles(r *runner.Runner, roles map[string]*ScriptRole) {
	for name, role := range roles {
		r.Register(name, role)
	}
}
