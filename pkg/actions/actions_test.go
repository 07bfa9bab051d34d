package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/openfroyo/provision/pkg/engine"
)

// fakeTarget runs against the local filesystem and serves transfers from an
// in-memory table.
type fakeTarget struct {
	mu       sync.Mutex
	files    map[string][]byte
	commands [][]string
	opts     []CommandOptions
	result   *CommandResult
	err      error
	pulled   []string
}

func (f *fakeTarget) Path(p string) string { return p }

func (f *fakeTarget) RunCommand(_ context.Context, argv []string, opts CommandOptions) (*CommandResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, argv)
	f.opts = append(f.opts, opts)
	if f.result == nil {
		return &CommandResult{}, f.err
	}
	return f.result, f.err
}

func (f *fakeTarget) TransferFile(_ context.Context, src string, dst io.Writer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulled = append(f.pulled, src)
	data, ok := f.files[src]
	if !ok {
		return engine.NewProtocolError("transfer of "+src+" was interrupted", nil).
			WithCode(engine.ErrCodeTransferInterrupted)
	}
	_, err := dst.Write(data)
	return err
}

func strPtr(s string) *string { return &s }

func TestCopyValidate(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	if err := os.WriteFile(src, []byte("data"), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		action  *Copy
		wantErr bool
	}{
		{name: "content", action: &Copy{Dest: "/x", Content: strPtr("hello\n")}},
		{name: "empty content", action: &Copy{Dest: "/x", Content: strPtr("")}},
		{name: "src", action: &Copy{Dest: "/x", Src: src}},
		{name: "missing dest", action: &Copy{Content: strPtr("a")}, wantErr: true},
		{name: "both sources", action: &Copy{Dest: "/x", Src: src, Content: strPtr("a")}, wantErr: true},
		{name: "no source", action: &Copy{Dest: "/x"}, wantErr: true},
		{name: "unreadable src", action: &Copy{Dest: "/x", Src: filepath.Join(dir, "nope")}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Prepare(tt.action)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Prepare() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				if !engine.IsConfigurationError(err) {
					t.Errorf("Prepare() error class = %v, want configuration", err)
				}
				return
			}
			if tt.action.ID == "" {
				t.Error("Prepare() did not assign an id")
			}
			if tt.action.Checksum == "" {
				t.Error("Validate() did not compute checksum")
			}
		})
	}
}

func TestCopyContentIdempotent(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "motd")
	target := &fakeTarget{}

	first, err := NewContentCopy(dest, "hello\n")
	if err != nil {
		t.Fatalf("NewContentCopy() error = %v", err)
	}
	if err := first.Run(context.Background(), target); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !first.Changed {
		t.Error("first Run() changed = false, want true")
	}
	got, _ := os.ReadFile(dest)
	if string(got) != "hello\n" {
		t.Fatalf("dest content = %q, want %q", got, "hello\n")
	}

	before, _ := os.Stat(dest)
	time.Sleep(10 * time.Millisecond)

	second, _ := NewContentCopy(dest, "hello\n")
	if err := second.Run(context.Background(), target); err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if second.Changed {
		t.Error("second Run() changed = true, want false")
	}
	after, _ := os.Stat(dest)
	if !after.ModTime().Equal(before.ModTime()) {
		t.Error("second Run() touched the destination")
	}
	got, _ = os.ReadFile(dest)
	if string(got) != "hello\n" {
		t.Errorf("dest content = %q, want %q", got, "hello\n")
	}
}

func TestCopySrcTransfer(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "controller.conf")
	if err := os.WriteFile(src, []byte("key=value\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Run("pulls and verifies", func(t *testing.T) {
		dest := filepath.Join(dir, "out.conf")
		target := &fakeTarget{files: map[string][]byte{src: []byte("key=value\n")}}
		c, err := NewFileCopy(src, dest)
		if err != nil {
			t.Fatal(err)
		}
		if got := c.NeededLocalFiles(); len(got) != 1 || got[0] != src {
			t.Errorf("NeededLocalFiles() = %v, want [%s]", got, src)
		}
		if err := c.Run(context.Background(), target); err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if !c.Changed {
			t.Error("Run() changed = false, want true")
		}
		got, _ := os.ReadFile(dest)
		if string(got) != "key=value\n" {
			t.Errorf("dest content = %q", got)
		}
	})

	t.Run("mismatch discards temp file", func(t *testing.T) {
		out := t.TempDir()
		dest := filepath.Join(out, "out.conf")
		if err := os.WriteFile(dest, []byte("original\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		target := &fakeTarget{files: map[string][]byte{src: []byte("tampered\n")}}
		c, err := NewFileCopy(src, dest)
		if err != nil {
			t.Fatal(err)
		}
		err = c.Run(context.Background(), target)
		if engine.GetErrorCode(err) != engine.ErrCodeChecksumMismatch {
			t.Fatalf("Run() error = %v, want checksum mismatch", err)
		}
		got, _ := os.ReadFile(dest)
		if string(got) != "original\n" {
			t.Errorf("dest content = %q, want original bytes kept", got)
		}
		entries, _ := os.ReadDir(out)
		if len(entries) != 1 {
			t.Errorf("directory has %d entries, want only the destination", len(entries))
		}
	})

	t.Run("interrupted transfer", func(t *testing.T) {
		dest := filepath.Join(t.TempDir(), "never")
		c, err := NewFileCopy(src, dest)
		if err != nil {
			t.Fatal(err)
		}
		err = c.Run(context.Background(), &fakeTarget{})
		if !engine.IsProtocolError(err) {
			t.Fatalf("Run() error = %v, want protocol error", err)
		}
		if _, statErr := os.Stat(dest); !errors.Is(statErr, os.ErrNotExist) {
			t.Error("destination exists after interrupted transfer")
		}
	})
}

func TestWriteFileAtomicallyDiscardsOnError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	boom := errors.New("boom")

	err := WriteFileAtomically(path, 0o644, func(f *os.File) error {
		_, _ = f.WriteString("partial")
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WriteFileAtomically() error = %v, want %v", err, boom)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("directory has %d entries after failed write, want 0", len(entries))
	}

	if err := WriteFileAtomically(path, 0o600, func(f *os.File) error {
		_, err := f.WriteString("done")
		return err
	}); err != nil {
		t.Fatalf("WriteFileAtomically() error = %v", err)
	}
	st, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if st.Mode().Perm() != 0o600 {
		t.Errorf("mode = %o, want 600", st.Mode().Perm())
	}
}

func TestFileStates(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(t *testing.T, path string)
		action  func(path string) *File
		check   func(t *testing.T, path string)
		wantErr bool
	}{
		{
			name:   "touch creates",
			action: func(p string) *File { return &File{Path: p, State: FileStateTouch} },
			check: func(t *testing.T, p string) {
				if _, err := os.Stat(p); err != nil {
					t.Errorf("file not created: %v", err)
				}
			},
		},
		{
			name:   "directory with parents",
			action: func(p string) *File { return &File{Path: filepath.Join(p, "a", "b"), State: FileStateDirectory} },
			check: func(t *testing.T, p string) {
				st, err := os.Stat(filepath.Join(p, "a", "b"))
				if err != nil || !st.IsDir() {
					t.Errorf("directory not created: %v", err)
				}
			},
		},
		{
			name: "absent removes tree",
			setup: func(t *testing.T, p string) {
				if err := os.MkdirAll(filepath.Join(p, "x"), 0o755); err != nil {
					t.Fatal(err)
				}
			},
			action: func(p string) *File { return &File{Path: p, State: FileStateAbsent} },
			check: func(t *testing.T, p string) {
				if _, err := os.Stat(p); !errors.Is(err, os.ErrNotExist) {
					t.Errorf("path still exists")
				}
			},
		},
		{
			name: "mode reconciled",
			setup: func(t *testing.T, p string) {
				if err := os.WriteFile(p, nil, 0o600); err != nil {
					t.Fatal(err)
				}
			},
			action: func(p string) *File {
				m := Mode(0o640)
				return &File{Path: p, FileAttrs: FileAttrs{Mode: &m}}
			},
			check: func(t *testing.T, p string) {
				st, _ := os.Stat(p)
				if st.Mode().Perm() != 0o640 {
					t.Errorf("mode = %o, want 640", st.Mode().Perm())
				}
			},
		},
		{
			name:    "file requires existing path",
			action:  func(p string) *File { return &File{Path: p} },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "target")
			if tt.setup != nil {
				tt.setup(t, path)
			}

			first := tt.action(path)
			if err := Prepare(first); err != nil {
				t.Fatalf("Prepare() error = %v", err)
			}
			err := first.Run(context.Background(), &fakeTarget{})
			if (err != nil) != tt.wantErr {
				t.Fatalf("Run() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if !first.Changed {
				t.Error("first Run() changed = false, want true")
			}
			tt.check(t, path)

			second := tt.action(path)
			_ = Prepare(second)
			if err := second.Run(context.Background(), &fakeTarget{}); err != nil {
				t.Fatalf("second Run() error = %v", err)
			}
			if second.Changed {
				t.Error("second Run() changed = true, want false")
			}
		})
	}
}

func TestFileValidate(t *testing.T) {
	tests := []struct {
		name    string
		action  *File
		wantErr bool
	}{
		{name: "default state", action: &File{Path: "/x"}},
		{name: "no path", action: &File{State: FileStateTouch}, wantErr: true},
		{name: "bad state", action: &File{Path: "/x", State: "link"}, wantErr: true},
		{name: "recurse without directory", action: &File{Path: "/x", State: FileStateTouch, Recurse: true}, wantErr: true},
		{name: "recurse directory", action: &File{Path: "/x", State: FileStateDirectory, Recurse: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.action.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCommand(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "done")
	if err := os.WriteFile(marker, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name        string
		action      *Command
		wantArgv    []string
		wantChanged bool
	}{
		{
			name:        "argv",
			action:      &Command{Argv: []string{"true"}},
			wantArgv:    []string{"true"},
			wantChanged: true,
		},
		{
			name:        "shell",
			action:      &Command{Cmd: "echo hi > /tmp/x"},
			wantArgv:    []string{"/bin/sh", "-c", "echo hi > /tmp/x"},
			wantChanged: true,
		},
		{
			name:   "creates guard",
			action: &Command{Argv: []string{"make"}, Creates: filepath.Join(dir, "do*")},
		},
		{
			name:   "removes guard",
			action: &Command{Argv: []string{"rm"}, Removes: filepath.Join(dir, "missing*")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := &fakeTarget{result: &CommandResult{Stdout: []byte("out")}}
			if err := Prepare(tt.action); err != nil {
				t.Fatalf("Prepare() error = %v", err)
			}
			if err := tt.action.Run(context.Background(), target); err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if tt.action.Changed != tt.wantChanged {
				t.Errorf("changed = %v, want %v", tt.action.Changed, tt.wantChanged)
			}
			if tt.wantArgv == nil {
				if len(target.commands) != 0 {
					t.Errorf("commands = %v, want none", target.commands)
				}
				return
			}
			if len(target.commands) != 1 || strings.Join(target.commands[0], "\x00") != strings.Join(tt.wantArgv, "\x00") {
				t.Errorf("commands = %v, want %v", target.commands, tt.wantArgv)
			}
			if tt.action.Stdout != "out" {
				t.Errorf("stdout = %q, want %q", tt.action.Stdout, "out")
			}
		})
	}
}

func TestCommandFailureCarriesSummary(t *testing.T) {
	target := &fakeTarget{
		result: &CommandResult{ExitCode: 2, Stderr: []byte("nope")},
		err:    engine.NewExecutionError("command exited with status 2", nil).WithCode(engine.ErrCodeCommandFailed),
	}
	c := &Command{Argv: []string{"false"}, Env: map[string]string{"B": "2", "A": "1"}}
	if err := Prepare(c); err != nil {
		t.Fatal(err)
	}
	err := c.Run(context.Background(), target)
	if engine.GetErrorCode(err) != engine.ErrCodeCommandFailed {
		t.Fatalf("Run() error = %v, want command failure", err)
	}
	if !strings.Contains(err.Error(), `run "false"`) {
		t.Errorf("error %q does not name the action", err)
	}
	if c.ExitCode != 2 || c.Stderr != "nope" {
		t.Errorf("outputs = (%d, %q), want (2, nope)", c.ExitCode, c.Stderr)
	}
	if got := strings.Join(target.opts[0].Env, ","); got != "A=1,B=2" {
		t.Errorf("env = %s, want sorted A=1,B=2", got)
	}
}

func TestNoopAndFail(t *testing.T) {
	n := &Noop{Change: true}
	if err := n.Run(context.Background(), &fakeTarget{}); err != nil || !n.Changed {
		t.Errorf("Noop.Run() = %v changed=%v, want nil true", err, n.Changed)
	}

	tests := []struct {
		name   string
		fields string
		want   bool
	}{
		{name: "change requested", fields: `{"change":true}`, want: true},
		{name: "plain", fields: `{}`, want: false},
		{name: "result key is not an input", fields: `{"changed":true}`, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := Default.Decode(Record{Type: "noop", Fields: json.RawMessage(tt.fields)})
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			a.Meta().ClearResult()
			if err := a.Run(context.Background(), &fakeTarget{}); err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if got := a.Meta().Changed; got != tt.want {
				t.Errorf("changed = %v, want %v", got, tt.want)
			}
		})
	}

	f := &Fail{Message: "stop here"}
	_ = Prepare(f)
	err := f.Run(context.Background(), &fakeTarget{})
	if !engine.IsExecutionError(err) || !strings.Contains(err.Error(), "stop here") {
		t.Errorf("Fail.Run() error = %v", err)
	}
}

func TestModeJSON(t *testing.T) {
	var got struct {
		A Mode `json:"a"`
		B Mode `json:"b"`
	}
	if err := json.Unmarshal([]byte(`{"a":"0644","b":420}`), &got); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if got.A != 0o644 || got.B != 0o644 {
		t.Errorf("modes = %o %o, want 644 644", got.A, got.B)
	}
	out, _ := json.Marshal(Mode(0o755))
	if !bytes.Equal(out, []byte(`"0755"`)) {
		t.Errorf("Marshal() = %s, want \"0755\"", out)
	}
}
