package actions

import (
	"context"
	"fmt"
	"strings"

	"github.com/openfroyo/provision/pkg/engine"
)

// Service states.
const (
	ServiceStarted   = "started"
	ServiceStopped   = "stopped"
	ServiceRestarted = "restarted"
	ServiceReloaded  = "reloaded"
)

// Service drives a systemd unit. State started/stopped is idempotent;
// restarted and reloaded always act and report a change. Enabled, when set,
// reconciles the unit's boot-time enablement; enabling also unmasks, and
// Mask masks a unit being disabled.
type Service struct {
	Base

	Unit    string `json:"unit"`
	State   string `json:"state,omitempty"`
	Enabled *bool  `json:"enabled,omitempty"`
	Mask    bool   `json:"mask,omitempty"`
}

func (s *Service) Validate() error {
	if s.Unit == "" {
		return engine.Configf("service: unit is required")
	}
	if s.Mask && (s.Enabled == nil || *s.Enabled) {
		return engine.Configf("service: mask requires enabled=false")
	}
	switch s.State {
	case "", ServiceStarted, ServiceStopped, ServiceRestarted, ServiceReloaded:
	default:
		return engine.Configf("service: unknown state %q", s.State)
	}
	if s.State == "" && s.Enabled == nil {
		return engine.Configf("service: one of state or enabled is required")
	}
	return nil
}

func (s *Service) Summary() string {
	parts := []string{"service", s.Unit}
	if s.State != "" {
		parts = append(parts, "state="+s.State)
	}
	if s.Enabled != nil {
		parts = append(parts, fmt.Sprintf("enabled=%t", *s.Enabled))
	}
	return strings.Join(parts, " ")
}

func (s *Service) Run(ctx context.Context, t Target) error {
	if s.Enabled != nil {
		if err := s.reconcileEnabled(ctx, t); err != nil {
			return err
		}
	}

	switch s.State {
	case ServiceStarted, ServiceStopped:
		active, _, err := probe(ctx, t, []string{"systemctl", "is-active", "--quiet", s.Unit})
		if err != nil {
			return withSummary(err, s.Summary())
		}
		if active && s.State == ServiceStopped {
			return s.systemctl(ctx, t, "stop")
		}
		if !active && s.State == ServiceStarted {
			return s.systemctl(ctx, t, "start")
		}
	case ServiceRestarted:
		return s.systemctl(ctx, t, "restart")
	case ServiceReloaded:
		return s.systemctl(ctx, t, "reload")
	}
	return nil
}

func (s *Service) reconcileEnabled(ctx context.Context, t Target) error {
	if um, ok := t.(UnitManager); ok {
		enabled, err := um.UnitEnabled(ctx, s.Unit)
		if err != nil {
			return withSummary(err, s.Summary())
		}
		if enabled == *s.Enabled {
			return nil
		}
		if *s.Enabled {
			err = um.SystemctlEnable(ctx, s.Unit)
		} else {
			err = um.SystemctlDisable(ctx, s.Mask, s.Unit)
		}
		if err != nil {
			return withSummary(err, s.Summary())
		}
		s.SetChanged()
		return nil
	}

	enabled, _, err := probe(ctx, t, []string{"systemctl", "is-enabled", "--quiet", s.Unit})
	if err != nil {
		return withSummary(err, s.Summary())
	}
	switch {
	case enabled == *s.Enabled:
		return nil
	case *s.Enabled:
		return s.systemctl(ctx, t, "enable", "unmask")
	case s.Mask:
		return s.systemctl(ctx, t, "disable", "mask")
	default:
		return s.systemctl(ctx, t, "disable")
	}
}

func (s *Service) systemctl(ctx context.Context, t Target, verbs ...string) error {
	for _, verb := range verbs {
		if _, err := t.RunCommand(ctx, []string{"systemctl", verb, s.Unit}, CommandOptions{}); err != nil {
			return withSummary(err, s.Summary())
		}
	}
	s.SetChanged()
	return nil
}
