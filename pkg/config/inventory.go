package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/provision/pkg/engine"
	"github.com/openfroyo/provision/pkg/telemetry"
	"github.com/openfroyo/provision/pkg/transports/ssh"
)

// Target types.
const (
	TargetLocal  = "local"
	TargetChroot = "chroot"
	TargetWorker = "worker"
	TargetSSH    = "ssh"
)

// Inventory describes where to provision and what.
type Inventory struct {
	// Targets are the systems roles are applied to.
	Targets []TargetConfig `yaml:"targets" validate:"required,min=1,dive"`

	// Roles are the scripted roles available by name.
	Roles []RoleConfig `yaml:"roles" validate:"dive"`

	// Apply lists the roles started on every target when none are selected
	// explicitly. Empty means every role.
	Apply []string `yaml:"apply"`

	// Templates are the template search paths, relative to the inventory.
	Templates []string `yaml:"templates"`

	// Concurrency bounds how many targets are provisioned at once. Zero
	// means the number of CPUs.
	Concurrency int `yaml:"concurrency" validate:"gte=0"`

	// Vars are passed to every role and template.
	Vars map[string]interface{} `yaml:"vars"`

	Logging telemetry.LoggingConfig `yaml:"logging"`
	Tracing telemetry.TracingConfig `yaml:"tracing"`
	Metrics telemetry.MetricsConfig `yaml:"metrics"`

	// Dir is the directory relative paths were resolved against.
	Dir string `yaml:"-"`
}

// TargetConfig describes one target system.
type TargetConfig struct {
	Name string `yaml:"name" validate:"required"`
	Type string `yaml:"type" validate:"required,oneof=local chroot worker ssh"`

	// Root is the filesystem root of a chroot target.
	Root string `yaml:"root"`

	// WorkerPath is the controller-side worker binary for worker and ssh
	// targets.
	WorkerPath string `yaml:"worker_path"`

	// WorkerArgs prefix the worker command of a worker target, e.g.
	// ["systemd-nspawn", "-D", "/srv/root", "--"].
	WorkerArgs []string `yaml:"worker_args"`

	// RemotePath is where the worker binary is placed on the target.
	RemotePath string `yaml:"remote_path"`

	StartupTimeout time.Duration `yaml:"startup_timeout" validate:"gte=0"`

	SSH *SSHConfig `yaml:"ssh"`

	// Vars override inventory vars for this target.
	Vars map[string]interface{} `yaml:"vars"`
}

// SSHConfig holds connection settings for an ssh target.
type SSHConfig struct {
	Host              string        `yaml:"host" validate:"required"`
	Port              int           `yaml:"port" validate:"omitempty,min=1,max=65535"`
	User              string        `yaml:"user" validate:"required"`
	Auth              string        `yaml:"auth" validate:"omitempty,oneof=password key agent"`
	Password          string        `yaml:"password"`
	PrivateKey        string        `yaml:"private_key"`
	Passphrase        string        `yaml:"passphrase"`
	KnownHosts        string        `yaml:"known_hosts"`
	StrictHostKey     *bool         `yaml:"strict_host_key"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout" validate:"gte=0"`
	KeepAlive         time.Duration `yaml:"keep_alive" validate:"gte=0"`
	Sudo              bool          `yaml:"sudo"`
}

// RoleConfig names a Starlark role script.
type RoleConfig struct {
	Name   string `yaml:"name" validate:"required"`
	Script string `yaml:"script" validate:"required"`
}

// LoadInventory reads and validates the inventory at path. Relative paths
// inside it are resolved against its directory.
func LoadInventory(path string) (*Inventory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, engine.NewConfigurationError("failed to read inventory", err).
			WithCode(engine.ErrCodeInvalidConfig).
			WithDetail("path", path)
	}
	dir, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, engine.NewConfigurationError("failed to resolve inventory directory", err)
	}
	return ParseInventory(data, dir)
}

// ParseInventory decodes and validates an inventory document. Unknown keys
// are rejected.
func ParseInventory(data []byte, dir string) (*Inventory, error) {
	defaults := telemetry.DefaultConfig()
	inv := &Inventory{
		Logging: defaults.Logging,
		Tracing: defaults.Tracing,
		Metrics: defaults.Metrics,
		Dir:     dir,
	}
	inv.Metrics.Enabled = false

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(inv); err != nil && !errors.Is(err, io.EOF) {
		return nil, engine.NewConfigurationError("failed to parse inventory", err).
			WithCode(engine.ErrCodeInvalidConfig)
	}

	if err := inv.Validate(); err != nil {
		return nil, err
	}
	inv.resolvePaths()
	return inv, nil
}

// Validate checks field constraints and the rules spanning several fields.
func (inv *Inventory) Validate() error {
	if err := validator.New().Struct(inv); err != nil {
		return engine.NewConfigurationError("invalid inventory", err).WithCode(engine.ErrCodeInvalidConfig)
	}

	targets := make(map[string]bool, len(inv.Targets))
	for _, t := range inv.Targets {
		if targets[t.Name] {
			return engine.Configf("duplicate target %q", t.Name).WithCode(engine.ErrCodeInvalidConfig)
		}
		targets[t.Name] = true

		switch t.Type {
		case TargetChroot:
			if t.Root == "" {
				return engine.Configf("chroot target %q requires root", t.Name).WithCode(engine.ErrCodeInvalidConfig)
			}
		case TargetWorker:
			if t.WorkerPath == "" {
				return engine.Configf("worker target %q requires worker_path", t.Name).WithCode(engine.ErrCodeInvalidConfig)
			}
		case TargetSSH:
			if t.SSH == nil {
				return engine.Configf("ssh target %q requires an ssh block", t.Name).WithCode(engine.ErrCodeInvalidConfig)
			}
			if t.WorkerPath == "" {
				return engine.Configf("ssh target %q requires worker_path", t.Name).WithCode(engine.ErrCodeInvalidConfig)
			}
		}
		if t.SSH != nil && t.Type != TargetSSH {
			return engine.Configf("target %q has an ssh block but type %s", t.Name, t.Type).WithCode(engine.ErrCodeInvalidConfig)
		}
	}

	roles := make(map[string]bool, len(inv.Roles))
	for _, r := range inv.Roles {
		if roles[r.Name] {
			return engine.Configf("duplicate role %q", r.Name).WithCode(engine.ErrCodeInvalidConfig)
		}
		roles[r.Name] = true
	}
	for _, name := range inv.Apply {
		if !roles[name] {
			return engine.Configf("apply names unknown role %q", name).WithCode(engine.ErrCodeInvalidConfig)
		}
	}
	return nil
}

func (inv *Inventory) resolvePaths() {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) || inv.Dir == "" {
			return p
		}
		return filepath.Join(inv.Dir, p)
	}
	for i := range inv.Roles {
		inv.Roles[i].Script = abs(inv.Roles[i].Script)
	}
	for i := range inv.Templates {
		inv.Templates[i] = abs(inv.Templates[i])
	}
	for i := range inv.Targets {
		t := &inv.Targets[i]
		t.WorkerPath = abs(t.WorkerPath)
		if t.SSH != nil {
			t.SSH.PrivateKey = abs(t.SSH.PrivateKey)
		}
	}
	if len(inv.Templates) == 0 && inv.Dir != "" {
		inv.Templates = []string{inv.Dir}
	}
}

// Target returns the target named name.
func (inv *Inventory) Target(name string) (*TargetConfig, bool) {
	for i := range inv.Targets {
		if inv.Targets[i].Name == name {
			return &inv.Targets[i], true
		}
	}
	return nil, false
}

// SelectTargets returns the named targets, or all of them when names is
// empty.
func (inv *Inventory) SelectTargets(names []string) ([]TargetConfig, error) {
	if len(names) == 0 {
		return inv.Targets, nil
	}
	out := make([]TargetConfig, 0, len(names))
	for _, name := range names {
		t, ok := inv.Target(name)
		if !ok {
			return nil, engine.Configf("unknown target %q", name).WithCode(engine.ErrCodeInvalidConfig)
		}
		out = append(out, *t)
	}
	return out, nil
}

// RolesToApply returns the explicit selection, else Apply, else every role.
func (inv *Inventory) RolesToApply(selected []string) []string {
	if len(selected) > 0 {
		return selected
	}
	if len(inv.Apply) > 0 {
		return inv.Apply
	}
	names := make([]string, len(inv.Roles))
	for i, r := range inv.Roles {
		names[i] = r.Name
	}
	return names
}

// VarsFor merges inventory vars with the target's own.
func (inv *Inventory) VarsFor(t *TargetConfig) map[string]interface{} {
	vars := make(map[string]interface{}, len(inv.Vars)+len(t.Vars)+1)
	for k, v := range inv.Vars {
		vars[k] = v
	}
	for k, v := range t.Vars {
		vars[k] = v
	}
	vars["target"] = t.Name
	return vars
}

// TelemetryConfig returns the telemetry configuration the inventory asks
// for.
func (inv *Inventory) TelemetryConfig() *telemetry.Config {
	cfg := telemetry.DefaultConfig()
	cfg.Logging = inv.Logging
	cfg.Tracing = inv.Tracing
	cfg.Metrics = inv.Metrics
	return cfg
}

// TransportConfig converts the ssh block to a transport configuration.
func (s *SSHConfig) TransportConfig() *ssh.Config {
	cfg := ssh.DefaultConfig(s.Host, s.User)
	if s.Port != 0 {
		cfg.Port = s.Port
	}
	if s.Auth != "" {
		cfg.AuthMethod = ssh.AuthMethod(s.Auth)
	} else if s.Password != "" {
		cfg.AuthMethod = ssh.AuthMethodPassword
	}
	cfg.Password = s.Password
	cfg.PrivateKeyPath = s.PrivateKey
	cfg.PrivateKeyPassphrase = s.Passphrase
	if s.KnownHosts != "" {
		cfg.KnownHostsPath = s.KnownHosts
	}
	if s.StrictHostKey != nil {
		cfg.StrictHostKeyChecking = *s.StrictHostKey
	}
	if s.ConnectionTimeout > 0 {
		cfg.ConnectionTimeout = s.ConnectionTimeout
	}
	cfg.KeepAliveInterval = s.KeepAlive
	cfg.Sudo = s.Sudo
	return cfg
}

// String implements fmt.Stringer for log output.
func (t TargetConfig) String() string {
	return fmt.Sprintf("%s(%s)", t.Name, t.Type)
}
