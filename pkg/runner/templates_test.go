package runner

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/openfroyo/provision/pkg/engine"
)

func TestTemplatesRenderString(t *testing.T) {
	tpl, err := NewTemplates(t.TempDir())
	if err != nil {
		t.Fatalf("NewTemplates() error = %v", err)
	}
	got, err := tpl.RenderString("hello {{ name }}{% if admin %}!{% endif %}", map[string]interface{}{
		"name":  "world",
		"admin": true,
	})
	if err != nil {
		t.Fatalf("RenderString() error = %v", err)
	}
	if got != "hello world!" {
		t.Errorf("RenderString() = %q, want %q", got, "hello world!")
	}
}

func TestTemplatesRenderFileSearchOrder(t *testing.T) {
	first := t.TempDir()
	second := t.TempDir()
	if err := os.WriteFile(filepath.Join(second, "motd.j2"), []byte("second {{ host }}"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(second, "only.j2"), []byte("only"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(first, "motd.j2"), []byte("first {{ host }}"), 0o644); err != nil {
		t.Fatal(err)
	}

	tpl, err := NewTemplates(first, second)
	if err != nil {
		t.Fatalf("NewTemplates() error = %v", err)
	}

	tests := []struct {
		name string
		want string
	}{
		{name: "motd.j2", want: "first web1"},
		{name: "only.j2", want: "only"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tpl.RenderFile(tt.name, map[string]interface{}{"host": "web1"})
			if err != nil {
				t.Fatalf("RenderFile() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("RenderFile() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTemplatesErrors(t *testing.T) {
	if _, err := NewTemplates(filepath.Join(t.TempDir(), "missing")); !engine.IsConfigurationError(err) {
		t.Errorf("NewTemplates(missing) error = %v, want configuration error", err)
	}

	tpl, err := NewTemplates(t.TempDir())
	if err != nil {
		t.Fatalf("NewTemplates() error = %v", err)
	}
	if _, err := tpl.RenderFile("absent.j2", nil); !engine.IsConfigurationError(err) {
		t.Errorf("RenderFile(absent) error = %v, want configuration error", err)
	}
	if _, err := tpl.RenderString("{% if %}", nil); !engine.IsConfigurationError(err) {
		t.Errorf("RenderString(bad syntax) error = %v, want configuration error", err)
	}
}
