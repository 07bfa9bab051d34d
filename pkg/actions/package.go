package actions

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openfroyo/provision/pkg/engine"
)

// Package states.
const (
	PackagePresent = "present"
	PackageAbsent  = "absent"
)

// Package installs or removes system packages. Only the packages whose
// state disagrees are passed to a single package manager invocation.
type Package struct {
	Base

	Names   []string `json:"names"`
	State   string   `json:"state,omitempty"`
	Manager string   `json:"manager,omitempty"`
	Options []string `json:"options,omitempty"`

	// Touched lists the packages installed or removed by Run.
	Touched []string `json:"touched,omitempty"`
}

func (p *Package) Validate() error {
	if len(p.Names) == 0 {
		return engine.Configf("package: names is required")
	}
	if p.State == "" {
		p.State = PackagePresent
	}
	if p.State != PackagePresent && p.State != PackageAbsent {
		return engine.Configf("package: unknown state %q", p.State)
	}
	if p.Manager == "" {
		p.Manager = "apt"
	}
	switch p.Manager {
	case "apt", "dnf", "yum", "zypper":
	default:
		return engine.Configf("package: unsupported manager %q", p.Manager)
	}
	return nil
}

func (p *Package) Summary() string {
	return fmt.Sprintf("package %s %s", p.State, strings.Join(p.Names, " "))
}

func (p *Package) Run(ctx context.Context, t Target) error {
	if pm, ok := t.(PackageManager); ok && p.Manager == "apt" {
		if recommends, ok := aptRecommends(p.Options); ok {
			return p.runManaged(ctx, pm, recommends)
		}
	}

	var todo []string
	for _, name := range p.Names {
		installed, err := p.installed(ctx, t, name)
		if err != nil {
			return err
		}
		if installed != (p.State == PackagePresent) {
			todo = append(todo, name)
		}
	}
	if len(todo) == 0 {
		return nil
	}

	verb := "install"
	if p.State == PackageAbsent {
		verb = "remove"
	}
	argv, opts := p.invocation(verb, todo)
	if _, err := t.RunCommand(ctx, argv, opts); err != nil {
		return withSummary(err, p.Summary())
	}
	p.Touched = todo
	p.SetChanged()
	return nil
}

// runManaged reconciles through the target's own package tracking. Removal
// purges.
func (p *Package) runManaged(ctx context.Context, pm PackageManager, recommends bool) error {
	var todo []string
	for _, name := range p.Names {
		if pm.PackageInstalled(name) != (p.State == PackagePresent) {
			todo = append(todo, name)
		}
	}
	if len(todo) == 0 {
		return nil
	}

	var err error
	if p.State == PackagePresent {
		err = pm.AptInstall(ctx, todo, recommends)
	} else {
		err = pm.DpkgPurge(ctx, todo)
	}
	if err != nil {
		return withSummary(err, p.Summary())
	}
	p.Touched = todo
	p.SetChanged()
	return nil
}

// aptRecommends maps Options onto the recommends switch. Any other option
// needs the generic command path.
func aptRecommends(options []string) (bool, bool) {
	recommends := true
	for _, o := range options {
		if o != "--no-install-recommends" {
			return false, false
		}
		recommends = false
	}
	return recommends, true
}

func (p *Package) installed(ctx context.Context, t Target, name string) (bool, error) {
	if p.Manager == "apt" {
		ok, res, err := probe(ctx, t, []string{"dpkg-query", "-W", "-f=${Status}", name})
		if err != nil {
			return false, withSummary(err, p.Summary())
		}
		return ok && strings.Contains(string(res.Stdout), "install ok installed"), nil
	}
	ok, _, err := probe(ctx, t, []string{"rpm", "-q", name})
	if err != nil {
		return false, withSummary(err, p.Summary())
	}
	return ok, nil
}

func (p *Package) invocation(verb string, names []string) ([]string, CommandOptions) {
	var argv []string
	var opts CommandOptions
	switch p.Manager {
	case "apt":
		argv = []string{"apt-get", "-y", verb}
		opts.Env = []string{"DEBIAN_FRONTEND=noninteractive"}
	case "zypper":
		argv = []string{"zypper", "--non-interactive", verb}
	default:
		argv = []string{p.Manager, "-y", verb}
	}
	argv = append(argv, p.Options...)
	return append(argv, names...), opts
}

// probe runs argv and reports whether it exited zero. Only failures to run
// the command at all are returned as errors.
func probe(ctx context.Context, t Target, argv []string) (bool, *CommandResult, error) {
	res, err := t.RunCommand(ctx, argv, CommandOptions{Env: []string{"LANG=C"}})
	if err != nil {
		if res == nil {
			return false, nil, err
		}
		return false, res, nil
	}
	return true, res, nil
}

// withSummary names the action on an engine error that does not name one
// yet.
func withSummary(err error, summary string) error {
	var e *engine.EngineError
	if errors.As(err, &e) && e.Action == "" {
		e.WithAction(summary)
	}
	return err
}
