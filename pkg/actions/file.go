package actions

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/openfroyo/provision/pkg/engine"
)

// File states.
const (
	FileStateFile      = "file"
	FileStateTouch     = "touch"
	FileStateDirectory = "directory"
	FileStateAbsent    = "absent"
)

// File reconciles the existence, kind and attributes of a path.
//
// "file" requires an existing regular file and only reconciles attributes.
// "touch" creates an empty file when missing. "directory" creates the
// directory and its parents. "absent" removes the path recursively.
type File struct {
	Base
	FileAttrs

	Path    string `json:"path"`
	State   string `json:"state,omitempty"`
	Recurse bool   `json:"recurse,omitempty"`
}

func (a *File) Validate() error {
	if a.Path == "" {
		return engine.Configf("file: path is required")
	}
	if a.State == "" {
		a.State = FileStateFile
	}
	switch a.State {
	case FileStateFile, FileStateTouch, FileStateDirectory, FileStateAbsent:
	default:
		return engine.Configf("file: unknown state %q", a.State)
	}
	if a.Recurse && a.State != FileStateDirectory {
		return engine.Configf("file: recurse is only valid with state=directory")
	}
	return nil
}

func (a *File) Summary() string {
	return fmt.Sprintf("file %s state=%s", a.Path, a.State)
}

func (a *File) Run(_ context.Context, t Target) error {
	path := t.Path(a.Path)

	st, err := os.Lstat(path)
	exists := err == nil
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return a.fsError("stat", err)
	}

	switch a.State {
	case FileStateAbsent:
		if !exists {
			return nil
		}
		if err := os.RemoveAll(path); err != nil {
			return a.fsError("remove", err)
		}
		a.SetChanged()
		return nil

	case FileStateDirectory:
		if exists && !st.IsDir() {
			return a.fsError("mkdir", fmt.Errorf("%s exists and is not a directory", path))
		}
		if !exists {
			mode := os.FileMode(0o755)
			if a.Mode != nil {
				mode = a.Mode.Perm()
			}
			if err := os.MkdirAll(path, mode); err != nil {
				return a.fsError("mkdir", err)
			}
			a.SetChanged()
		}
		return a.reconcile(path)

	case FileStateTouch:
		if !exists {
			f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, a.modeFor(path, 0o644))
			if err != nil {
				return a.fsError("create", err)
			}
			if err := f.Close(); err != nil {
				return a.fsError("create", err)
			}
			a.SetChanged()
		}
		return a.reconcile(path)

	default:
		if !exists {
			return a.fsError("stat", fmt.Errorf("%s does not exist", path))
		}
		return a.reconcile(path)
	}
}

func (a *File) reconcile(path string) error {
	paths := []string{path}
	if a.Recurse {
		paths = paths[:0]
		err := filepath.WalkDir(path, func(p string, _ fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			paths = append(paths, p)
			return nil
		})
		if err != nil {
			return a.fsError("walk", err)
		}
	}
	for _, p := range paths {
		changed, err := a.apply(p)
		if err != nil {
			return err
		}
		if changed {
			a.SetChanged()
		}
	}
	return nil
}

func (a *File) fsError(op string, err error) error {
	return engine.NewExecutionError("file operation failed", err).
		WithCode(engine.ErrCodeFilesystem).
		WithOperation(op).
		WithAction(a.Summary())
}
