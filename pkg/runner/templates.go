package runner

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/nikolalohinski/gonja"
	gonjaconfig "github.com/nikolalohinski/gonja/config"
	"github.com/nikolalohinski/gonja/loaders"

	"github.com/openfroyo/provision/pkg/engine"
)

// Templates renders Jinja-style text templates. Files are looked up in the
// search paths in order; the first match wins.
type Templates struct {
	paths []string
	envs  []*gonja.Environment
}

// NewTemplates creates a renderer over paths. With no paths, the current
// directory is searched.
func NewTemplates(paths ...string) (*Templates, error) {
	if len(paths) == 0 {
		paths = []string{"."}
	}
	t := &Templates{paths: paths}
	for _, p := range paths {
		loader, err := loaders.NewFileSystemLoader(p)
		if err != nil {
			return nil, engine.NewConfigurationError(fmt.Sprintf("invalid template path %q", p), err).
				WithCode(engine.ErrCodeInvalidConfig)
		}
		t.envs = append(t.envs, gonja.NewEnvironment(gonjaconfig.NewConfig(), loader))
	}
	return t, nil
}

// Paths returns the search paths.
func (t *Templates) Paths() []string { return t.paths }

// RenderString renders src with vars.
func (t *Templates) RenderString(src string, vars map[string]interface{}) (string, error) {
	tpl, err := t.envs[0].FromString(src)
	if err != nil {
		return "", templateError("<string>", err)
	}
	out, err := tpl.Execute(vars)
	if err != nil {
		return "", templateError("<string>", err)
	}
	return out, nil
}

// RenderFile renders the template name, relative to the search paths,
// with vars.
func (t *Templates) RenderFile(name string, vars map[string]interface{}) (string, error) {
	for i, dir := range t.paths {
		if _, err := os.Stat(filepath.Join(dir, name)); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		tpl, err := t.envs[i].FromFile(name)
		if err != nil {
			return "", templateError(name, err)
		}
		out, err := tpl.Execute(vars)
		if err != nil {
			return "", templateError(name, err)
		}
		return out, nil
	}
	return "", engine.Configf("template %q not found in %v", name, t.paths).
		WithCode(engine.ErrCodeInvalidConfig)
}

func templateError(name string, err error) error {
	return engine.NewConfigurationError(fmt.Sprintf("failed to render template %s", name), err).
		WithCode(engine.ErrCodeInvalidConfig).
		WithDetail("template", name)
}
