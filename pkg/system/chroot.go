package system

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/openfroyo/provision/pkg/actions"
	"github.com/openfroyo/provision/pkg/engine"
)

// Chroot runs actions against a complete filesystem tree rooted at Root.
// Logical paths are translated under the root; commands run inside it with
// systemd-nspawn and a working resolver configuration.
type Chroot struct {
	*inProcess

	root           string
	exec           CommandExecutor
	hostResolvConf string
	nspawn         []string
}

var (
	_ actions.PackageManager = (*Chroot)(nil)
	_ actions.UnitManager    = (*Chroot)(nil)
)

// ChrootOption customizes a Chroot.
type ChrootOption func(*Chroot)

// WithCommandExecutor replaces the process runner.
func WithCommandExecutor(fn CommandExecutor) ChrootOption {
	return func(c *Chroot) { c.exec = fn }
}

// WithHostResolvConf sets the host resolver file copied into the root.
func WithHostResolvConf(path string) ChrootOption {
	return func(c *Chroot) { c.hostResolvConf = path }
}

// WithNspawnArgs replaces the command prefix used to enter the root. The root
// directory is appended as "-D <root>".
func WithNspawnArgs(args ...string) ChrootOption {
	return func(c *Chroot) { c.nspawn = args }
}

// NewChroot creates a Chroot for an existing root directory.
func NewChroot(root string, env *Environment, opts ...ChrootOption) (*Chroot, error) {
	if !filepath.IsAbs(root) {
		return nil, engine.Configf("chroot root %q must be absolute", root)
	}
	st, err := os.Stat(root)
	if err != nil {
		return nil, engine.NewConfigurationError("chroot root is not accessible", err)
	}
	if !st.IsDir() {
		return nil, engine.Configf("chroot root %q is not a directory", root)
	}

	c := &Chroot{
		root:           filepath.Clean(root),
		exec:           ExecCommand,
		hostResolvConf: "/etc/resolv.conf",
		nspawn:         []string{"systemd-nspawn", "--quiet"},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.inProcess = newInProcess("chroot:"+c.root, c, env)
	return c, nil
}

// Root returns the host path of the root directory.
func (c *Chroot) Root() string { return c.root }

// Path maps a logical in-root path to its host path. Paths cannot escape
// the root.
func (c *Chroot) Path(logical string) string {
	clean := filepath.Clean("/" + logical)
	if clean == "/" {
		return c.root
	}
	return filepath.Join(c.root, clean[1:])
}

// Abspath returns the host path of rel. With create, the path is created as
// a directory together with any missing parents.
func (c *Chroot) Abspath(rel string, create bool) (string, error) {
	p := c.Path(rel)
	if create {
		if err := os.MkdirAll(p, 0o755); err != nil {
			return "", c.fsError("mkdir", err)
		}
	}
	return p, nil
}

// HasFile reports whether rel exists in the root.
func (c *Chroot) HasFile(rel string) bool {
	_, err := os.Lstat(c.Path(rel))
	return err == nil
}

// RunCommand runs argv inside the root with LANG=C and a working resolver.
func (c *Chroot) RunCommand(ctx context.Context, argv []string, opts actions.CommandOptions) (*actions.CommandResult, error) {
	full := append([]string{}, c.nspawn...)
	full = append(full, "-D", c.root)
	if opts.Dir != "" {
		full = append(full, "--chdir="+opts.Dir)
	}
	for _, kv := range opts.Env {
		full = append(full, "--setenv="+kv)
	}
	full = append(full, "--setenv=LANG=C", "--")
	full = append(full, argv...)

	var res *actions.CommandResult
	err := c.WorkingResolvConf(func() error {
		var err error
		res, err = c.exec(ctx, full, actions.CommandOptions{Env: []string{"LANG=C"}, Stdin: opts.Stdin})
		return err
	})
	return res, err
}

// TransferFile reads src from the controller filesystem.
func (c *Chroot) TransferFile(ctx context.Context, src string, dst io.Writer) error {
	return (&LocalTarget{}).TransferFile(ctx, src, dst)
}

// StashFile moves rel aside for the duration of fn and restores it on every
// exit path. fn receives the temporary location, or "" when rel did not
// exist. Whatever fn left at rel is removed before restoring.
func (c *Chroot) StashFile(rel string, fn func(stashed string) error) (err error) {
	abs := c.Path(rel)

	var tmp string
	if _, statErr := os.Lstat(abs); statErr == nil {
		f, err := os.CreateTemp(filepath.Dir(abs), "."+filepath.Base(abs)+".stash-")
		if err != nil {
			return c.fsError("stash", err)
		}
		tmp = f.Name()
		_ = f.Close()
		if err := os.Rename(abs, tmp); err != nil {
			_ = os.Remove(tmp)
			return c.fsError("stash", err)
		}
	}

	defer func() {
		var restoreErr error
		if _, statErr := os.Lstat(abs); statErr == nil {
			if rmErr := os.Remove(abs); rmErr != nil {
				restoreErr = rmErr
			}
		}
		if tmp != "" && restoreErr == nil {
			restoreErr = os.Rename(tmp, abs)
		}
		if restoreErr != nil {
			err = errors.Join(err, c.fsError("restore", restoreErr))
		}
	}()

	return fn(tmp)
}

// WorkingResolvConf installs the host resolver configuration in the root
// while fn runs, then restores the original.
func (c *Chroot) WorkingResolvConf(fn func() error) error {
	return c.StashFile("/etc/resolv.conf", func(string) error {
		data, err := os.ReadFile(c.hostResolvConf)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			c.log.Debugf("host resolver configuration %s not found", c.hostResolvConf)
		case err != nil:
			return c.fsError("resolv.conf", err)
		default:
			dest := c.Path("/etc/resolv.conf")
			if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
				return c.fsError("resolv.conf", err)
			}
			if err := os.WriteFile(dest, data, 0o644); err != nil {
				return c.fsError("resolv.conf", err)
			}
		}
		return fn()
	})
}

// WriteFile atomically replaces rel with data.
func (c *Chroot) WriteFile(rel string, data []byte, mode os.FileMode) error {
	dest := c.Path(rel)
	if err := c.prepareReplace(dest, false); err != nil {
		return err
	}
	return actions.WriteFileAtomically(dest, mode, func(f *os.File) error {
		_, err := f.Write(data)
		return err
	})
}

// WriteSymlink atomically replaces rel with a symlink to target. An existing
// symlink with the same target is left alone.
func (c *Chroot) WriteSymlink(rel, target string) error {
	dest := c.Path(rel)
	if cur, err := os.Readlink(dest); err == nil && cur == target {
		return nil
	}
	if err := c.prepareReplace(dest, true); err != nil {
		return err
	}

	tmp := fmt.Sprintf("%s.tmp-%d", dest, os.Getpid())
	_ = os.Remove(tmp)
	if err := os.Symlink(target, tmp); err != nil {
		return c.fsError("symlink", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		_ = os.Remove(tmp)
		return c.fsError("symlink", err)
	}
	return nil
}

// prepareReplace creates the parent of dest and removes a pre-existing path
// of the wrong kind.
func (c *Chroot) prepareReplace(dest string, wantSymlink bool) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return c.fsError("mkdir", err)
	}
	st, err := os.Lstat(dest)
	if err != nil {
		return nil
	}
	isLink := st.Mode()&os.ModeSymlink != 0
	wrongKind := st.IsDir() || (wantSymlink && !isLink) || (!wantSymlink && !st.Mode().IsRegular())
	if !wrongKind {
		return nil
	}
	if err := os.Remove(dest); err != nil {
		return c.fsError("remove", err)
	}
	return nil
}

// FileContentsReplace replaces search with replace in rel. It reports false
// when rel is missing or already free of search.
func (c *Chroot) FileContentsReplace(rel, search, replace string) (bool, error) {
	path := c.Path(rel)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, c.fsError("read", err)
	}
	replaced := strings.ReplaceAll(string(data), search, replace)
	if replaced == string(data) {
		return false, nil
	}
	st, err := os.Stat(path)
	if err != nil {
		return false, c.fsError("stat", err)
	}
	if err := c.WriteFile(rel, []byte(replaced), st.Mode().Perm()); err != nil {
		return false, err
	}
	return true, nil
}

// CopyIfChanged copies the host file src to rel unless rel already has the
// same content.
func (c *Chroot) CopyIfChanged(src, rel string) (bool, error) {
	data, err := os.ReadFile(src)
	if err != nil {
		return false, c.fsError("read", err)
	}
	if cur, err := os.ReadFile(c.Path(rel)); err == nil && bytes.Equal(cur, data) {
		return false, nil
	}
	if err := c.WriteFile(rel, data, 0o644); err != nil {
		return false, err
	}
	return true, nil
}

// PackageInstalled probes the dpkg info marker for pkg.
func (c *Chroot) PackageInstalled(pkg string) bool {
	return c.HasFile(filepath.Join("/var/lib/dpkg/info", pkg+".list"))
}

// AptInstall installs the packages that are not installed yet with a single
// apt-get invocation. Nothing runs when all are present.
func (c *Chroot) AptInstall(ctx context.Context, pkgs []string, recommends bool) error {
	var missing []string
	for _, pkg := range pkgs {
		if !c.PackageInstalled(pkg) {
			missing = append(missing, pkg)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	argv := []string{"apt-get", "-y", "install"}
	if !recommends {
		argv = append(argv, "--no-install-recommends")
	}
	argv = append(argv, missing...)
	c.log.Infof("installing %s", strings.Join(missing, " "))
	_, err := c.RunCommand(ctx, argv, actions.CommandOptions{Env: []string{"DEBIAN_FRONTEND=noninteractive"}})
	return err
}

// DpkgPurge purges the packages that are installed with a single dpkg
// invocation. Nothing runs when none are present.
func (c *Chroot) DpkgPurge(ctx context.Context, pkgs []string) error {
	var present []string
	for _, pkg := range pkgs {
		if c.PackageInstalled(pkg) {
			present = append(present, pkg)
		}
	}
	if len(present) == 0 {
		return nil
	}
	c.log.Infof("purging %s", strings.Join(present, " "))
	_, err := c.RunCommand(ctx, append([]string{"dpkg", "--purge"}, present...), actions.CommandOptions{})
	return err
}

// UnitEnabled reports whether unit is enabled in the root's unit tree.
func (c *Chroot) UnitEnabled(ctx context.Context, unit string) (bool, error) {
	argv := []string{"systemctl", "--root=" + c.root, "is-enabled", "--quiet", unit}
	res, err := c.exec(ctx, argv, actions.CommandOptions{Env: []string{"LANG=C"}})
	if err != nil && res == nil {
		return false, err
	}
	return err == nil, nil
}

// SystemctlEnable enables and then unmasks units.
func (c *Chroot) SystemctlEnable(ctx context.Context, units ...string) error {
	return c.systemctl(ctx, units, "enable", "unmask")
}

// SystemctlDisable disables and, with mask, masks units.
func (c *Chroot) SystemctlDisable(ctx context.Context, mask bool, units ...string) error {
	if mask {
		return c.systemctl(ctx, units, "disable", "mask")
	}
	return c.systemctl(ctx, units, "disable")
}

func (c *Chroot) systemctl(ctx context.Context, units []string, verbs ...string) error {
	if len(units) == 0 {
		return nil
	}
	return c.WorkingResolvConf(func() error {
		for _, verb := range verbs {
			argv := append([]string{"systemctl", "--root=" + c.root, verb}, units...)
			if _, err := c.exec(ctx, argv, actions.CommandOptions{Env: []string{"LANG=C"}}); err != nil {
				return err
			}
		}
		return nil
	})
}

func (c *Chroot) fsError(op string, err error) error {
	return engine.NewExecutionError("chroot filesystem operation failed", err).
		WithCode(engine.ErrCodeFilesystem).
		WithOperation(op).
		WithDetail("root", c.root)
}
