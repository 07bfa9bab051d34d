package actions

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/user"
	"path/filepath"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/openfroyo/provision/pkg/engine"
)

// Checksum returns the hex SHA-256 of everything read from r.
func Checksum(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ChecksumBytes returns the hex SHA-256 of data.
func ChecksumBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ChecksumFile returns the hex SHA-256 of the file at path, or an empty string
// when the path does not exist.
func ChecksumFile(path string) (string, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	defer f.Close()
	return Checksum(f)
}

// WriteFileAtomically writes path through a temporary sibling. fn receives the
// open temporary file. When fn returns nil the file is synced, given mode and
// renamed over path. When fn fails, the temporary file is removed and path is
// left untouched.
func WriteFileAtomically(path string, mode os.FileMode, fn func(f *os.File) error) (err error) {
	dir, base := filepath.Split(path)
	if dir == "" {
		dir = "."
	}
	tmp, err := os.CreateTemp(dir, "."+base+".tmp-")
	if err != nil {
		return engine.NewExecutionError("failed to create temporary file", err).
			WithCode(engine.ErrCodeFilesystem).
			WithOperation("atomic-write")
	}
	tmpName := tmp.Name()
	closed := false
	defer func() {
		if err != nil {
			if !closed {
				_ = tmp.Close()
			}
			_ = os.Remove(tmpName)
		}
	}()

	if err = fn(tmp); err != nil {
		return err
	}
	if err = tmp.Chmod(mode); err != nil {
		return engine.NewExecutionError("failed to set mode", err).WithCode(engine.ErrCodeFilesystem)
	}
	if err = unix.Fsync(int(tmp.Fd())); err != nil {
		return engine.NewExecutionError("failed to sync", err).WithCode(engine.ErrCodeFilesystem)
	}
	closed = true
	if err = tmp.Close(); err != nil {
		return engine.NewExecutionError("failed to close", err).WithCode(engine.ErrCodeFilesystem)
	}
	if err = os.Rename(tmpName, path); err != nil {
		return engine.NewExecutionError("failed to rename into place", err).
			WithCode(engine.ErrCodeFilesystem).
			WithOperation("atomic-write")
	}
	return nil
}

// Mode is a permission value that accepts either a JSON number or an octal
// string such as "0644".
type Mode uint32

// UnmarshalJSON implements json.Unmarshaler.
func (m *Mode) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' {
		s = s[1 : len(s)-1]
		v, err := strconv.ParseUint(s, 8, 32)
		if err != nil {
			return fmt.Errorf("invalid mode %q: %w", s, err)
		}
		*m = Mode(v)
		return nil
	}
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return fmt.Errorf("invalid mode %s: %w", s, err)
	}
	*m = Mode(v)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (m Mode) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%q", fmt.Sprintf("%04o", uint32(m)))), nil
}

// Perm converts m to a file mode.
func (m Mode) Perm() os.FileMode { return os.FileMode(m) & os.ModePerm }

// FileAttrs are the ownership and permission fields shared by file-writing
// actions.
type FileAttrs struct {
	Mode  *Mode  `json:"mode,omitempty"`
	Owner string `json:"owner,omitempty"`
	Group string `json:"group,omitempty"`
}

// modeFor picks the mode for a new write: the declared mode, else the mode of
// the existing file, else fallback.
func (a FileAttrs) modeFor(path string, fallback os.FileMode) os.FileMode {
	if a.Mode != nil {
		return a.Mode.Perm()
	}
	if st, err := os.Stat(path); err == nil {
		return st.Mode().Perm()
	}
	return fallback
}

// apply reconciles mode and ownership of path and reports whether anything
// was modified.
func (a FileAttrs) apply(path string) (bool, error) {
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		return false, engine.NewExecutionError("failed to stat "+path, err).WithCode(engine.ErrCodeFilesystem)
	}

	changed := false
	if a.Mode != nil && os.FileMode(st.Mode)&os.ModePerm != a.Mode.Perm() {
		if err := os.Chmod(path, a.Mode.Perm()); err != nil {
			return false, engine.NewExecutionError("failed to chmod "+path, err).WithCode(engine.ErrCodeFilesystem)
		}
		changed = true
	}

	uid, gid := -1, -1
	if a.Owner != "" {
		id, err := lookupID(a.Owner, func(name string) (string, error) {
			u, err := user.Lookup(name)
			if err != nil {
				return "", err
			}
			return u.Uid, nil
		})
		if err != nil {
			return false, err
		}
		if uint32(id) != st.Uid {
			uid = id
		}
	}
	if a.Group != "" {
		id, err := lookupID(a.Group, func(name string) (string, error) {
			g, err := user.LookupGroup(name)
			if err != nil {
				return "", err
			}
			return g.Gid, nil
		})
		if err != nil {
			return false, err
		}
		if uint32(id) != st.Gid {
			gid = id
		}
	}
	if uid != -1 || gid != -1 {
		if err := unix.Lchown(path, uid, gid); err != nil {
			return false, engine.NewExecutionError("failed to chown "+path, err).WithCode(engine.ErrCodeFilesystem)
		}
		changed = true
	}
	return changed, nil
}

// lookupID accepts a numeric id or resolves a name through lookup.
func lookupID(name string, lookup func(string) (string, error)) (int, error) {
	if n, err := strconv.Atoi(name); err == nil {
		return n, nil
	}
	s, err := lookup(name)
	if err != nil {
		return 0, engine.NewExecutionError(fmt.Sprintf("unknown user or group %q", name), err).
			WithCode(engine.ErrCodeFilesystem)
	}
	return strconv.Atoi(s)
}
