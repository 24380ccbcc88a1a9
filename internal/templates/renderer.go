// Package templates renders the URL and header templates the query catalog
// defines. Rendering is sandboxed: sprig's filesystem helpers are removed and
// the env helper resolves only allow-listed variables, which is how upstream
// service keys reach request headers without living in the catalog files.
package templates

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/template"

	sprig "github.com/Masterminds/sprig/v3"
)

// Renderer compiles and executes catalog templates. Compiled templates are
// safe for concurrent use.
type Renderer struct {
	allowedEnv map[string]struct{}
	funcs      template.FuncMap
}

// Template represents a compiled template ready for execution.
type Template struct {
	name string
	tmpl *template.Template
}

// NewRenderer constructs a renderer whose env helper honors the given allow
// list. An empty list disables environment access entirely.
func NewRenderer(allowedEnv []string) *Renderer {
	funcs := sprig.TxtFuncMap()
	// Remove helpers that would let a catalog template escape the sandbox via
	// the filesystem or the unrestricted process environment.
	restricted := []string{
		"env",
		"expandenv",
		"readDir",
		"mustReadDir",
		"readFile",
		"mustReadFile",
		"glob",
	}
	for _, name := range restricted {
		delete(funcs, name)
	}

	allowed := make(map[string]struct{}, len(allowedEnv))
	for _, name := range allowedEnv {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			allowed[trimmed] = struct{}{}
		}
	}

	r := &Renderer{allowedEnv: allowed, funcs: make(template.FuncMap, len(funcs)+2)}
	for name, fn := range funcs {
		r.funcs[name] = fn
	}
	r.funcs["env"] = func(key string) string {
		return r.envValue(key)
	}
	r.funcs["expandenv"] = func(input string) string {
		return os.Expand(input, r.envValue)
	}
	return r
}

func (r *Renderer) envValue(key string) string {
	if r == nil {
		return ""
	}
	if _, ok := r.allowedEnv[key]; !ok {
		return ""
	}
	return os.Getenv(key)
}

// Compile parses an inline template source. Empty or whitespace-only sources
// return nil without error to simplify optional catalog fields.
func (r *Renderer) Compile(name, source string) (*Template, error) {
	trimmed := strings.TrimSpace(source)
	if trimmed == "" {
		return nil, nil
	}
	if name == "" {
		name = "inline"
	}
	tmpl, err := template.New(name).Funcs(r.funcs).Option("missingkey=zero").Parse(source)
	if err != nil {
		return nil, fmt.Errorf("templates: compile %q: %w", name, err)
	}
	return &Template{name: name, tmpl: tmpl}, nil
}

// Render executes the compiled template with the supplied data.
func (t *Template) Render(data any) (string, error) {
	if t == nil {
		return "", errors.New("templates: nil template")
	}
	var buf bytes.Buffer
	if err := t.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("templates: execute %q: %w", t.name, err)
	}
	return buf.String(), nil
}

// Name exposes the logical template name which callers may embed in logs.
func (t *Template) Name() string {
	if t == nil {
		return ""
	}
	return t.name
}
