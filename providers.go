package planogram

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/tyler-sommer/stick"
)

// TemplateProvider returns the raw prompt template registered under name.
type TemplateProvider interface {
	GetTemplate(name string, vars map[string]any) (string, error)
}

// StickTemplateProvider stores Twig templates and expands {{ ... }}
// expressions before the composer sees the text. Composer placeholders use
// single braces and pass through Twig untouched.
type StickTemplateProvider struct {
	env       *stick.Env
	templates map[string]string
	vars      map[string]any
}

type TemplateOption func(*StickTemplateProvider) error

// WithFS loads every *.twig file found under dir in the supplied FS.
func WithFS[F fs.FS](fsys F, dir string) TemplateOption {
	return func(p *StickTemplateProvider) error {
		return fs.WalkDir(fsys, dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !strings.HasSuffix(path, ".twig") {
				return nil
			}
			content, readErr := fs.ReadFile(fsys, path)
			if readErr != nil {
				return fmt.Errorf("read %s: %w", path, readErr)
			}
			p.templates[strings.TrimSuffix(filepath.Base(path), ".twig")] = string(content)
			return nil
		})
	}
}

// WithTemplateMap injects in-memory templates.
func WithTemplateMap(m map[string]string) TemplateOption {
	return func(p *StickTemplateProvider) error {
		for k, v := range m {
			p.templates[k] = v
		}
		return nil
	}
}

// WithVar adds a variable available to every template.
func WithVar(key string, value any) TemplateOption {
	return func(p *StickTemplateProvider) error {
		p.vars[key] = value
		return nil
	}
}

// NewStickTemplateProvider builds a provider from any combination of options.
func NewStickTemplateProvider(opts ...TemplateOption) (*StickTemplateProvider, error) {
	p := &StickTemplateProvider{
		env:       stick.New(nil),
		templates: make(map[string]string),
		vars:      make(map[string]any),
	}
	for _, opt := range opts {
		if err := opt(p); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// AddTemplate updates or inserts one template.
func (p *StickTemplateProvider) AddTemplate(name, tpl string) { p.templates[name] = tpl }

// GetTemplate renders the Twig layer of the named template. vars override
// provider-level variables.
func (p *StickTemplateProvider) GetTemplate(name string, vars map[string]any) (string, error) {
	tpl, ok := p.templates[name]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrTemplateMissing, name)
	}
	return p.expand(name, tpl, vars)
}

// Expand renders an inline template through the same Twig environment.
func (p *StickTemplateProvider) Expand(name, tpl string, vars map[string]any) (string, error) {
	return p.expand(name, tpl, vars)
}

func (p *StickTemplateProvider) expand(name, tpl string, vars map[string]any) (string, error) {
	if !strings.Contains(tpl, "{{") && !strings.Contains(tpl, "{%") {
		return tpl, nil
	}
	tctx := make(map[string]stick.Value, len(p.vars)+len(vars))
	for k, v := range p.vars {
		tctx[k] = v
	}
	for k, v := range vars {
		tctx[k] = v
	}
	var out strings.Builder
	if err := p.env.Execute(tpl, &out, tctx); err != nil {
		return "", fmt.Errorf("execute %q: %w", name, err)
	}
	return out.String(), nil
}

// SimpleTemplateProvider returns templates verbatim.
type SimpleTemplateProvider map[string]string

func (s SimpleTemplateProvider) GetTemplate(name string, _ map[string]any) (string, error) {
	if tpl, ok := s[name]; ok {
		return tpl, nil
	}
	return "", fmt.Errorf("%w: %q", ErrTemplateMissing, name)
}
