// Package scaffolding writes starter sites that devserve can build and serve
// without further setup.
package scaffolding

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/template"
	"time"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// DefaultTemplate is used when GenerateOptions.Template is empty.
const DefaultTemplate = "basic"

// Template bodies use [[ ]] delimiters so markdown layout placeholders such
// as {{content}} pass through untouched.
const (
	leftDelim  = "[["
	rightDelim = "]]"
)

// SiteTemplate is a named set of files.
type SiteTemplate struct {
	Description string
	Files       []FileTemplate
}

// FileTemplate is one file of a site, relative to the project directory.
type FileTemplate struct {
	Path    string
	Content string
}

// TemplateContext is passed to every file template.
type TemplateContext struct {
	ProjectName string
	Title       string
	Port        int
	Date        string
}

// GenerateOptions holds options for site generation
type GenerateOptions struct {
	Dir         string
	Template    string
	ProjectName string
	Port        int
	// Force overwrites existing files.
	Force bool
}

// TemplateInfo holds basic template information
type TemplateInfo struct {
	Name        string
	Description string
	Files       int
}

// Generator renders site templates into a directory.
type Generator struct {
	templates map[string]SiteTemplate
}

// NewGenerator creates a generator with the built-in templates.
func NewGenerator() *Generator {
	return &Generator{templates: GetBuiltinTemplates()}
}

// Generate writes the selected template into opts.Dir and returns the paths
// written, relative to it. Nothing is written when any target already
// exists and Force is not set.
func (g *Generator) Generate(opts GenerateOptions) ([]string, error) {
	if opts.Dir == "" {
		opts.Dir = "."
	}
	if opts.Template == "" {
		opts.Template = DefaultTemplate
	}
	if opts.Port == 0 {
		opts.Port = 8080
	}
	if opts.ProjectName == "" {
		abs, err := filepath.Abs(opts.Dir)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve directory: %w", err)
		}
		opts.ProjectName = filepath.Base(abs)
	}
	if err := ValidateProjectName(opts.ProjectName); err != nil {
		return nil, err
	}

	site, exists := g.templates[opts.Template]
	if !exists {
		return nil, fmt.Errorf("template '%s' not found", opts.Template)
	}

	ctx := TemplateContext{
		ProjectName: opts.ProjectName,
		Title:       titleCase(opts.ProjectName),
		Port:        opts.Port,
		Date:        time.Now().Format("2006-01-02"),
	}

	rendered := make(map[string][]byte, len(site.Files))
	var conflicts []string
	for _, f := range site.Files {
		content, err := render(f, ctx)
		if err != nil {
			return nil, err
		}
		rendered[f.Path] = content

		if _, err := os.Stat(filepath.Join(opts.Dir, filepath.FromSlash(f.Path))); err == nil && !opts.Force {
			conflicts = append(conflicts, f.Path)
		}
	}
	if len(conflicts) > 0 {
		return nil, fmt.Errorf("refusing to overwrite existing files: %s", strings.Join(conflicts, ", "))
	}

	written := make([]string, 0, len(site.Files))
	for _, f := range site.Files {
		target := filepath.Join(opts.Dir, filepath.FromSlash(f.Path))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return written, fmt.Errorf("failed to create directory: %w", err)
		}
		if err := os.WriteFile(target, rendered[f.Path], 0o644); err != nil {
			return written, fmt.Errorf("failed to write %s: %w", f.Path, err)
		}
		written = append(written, f.Path)
	}

	return written, nil
}

// ListTemplates returns available templates sorted by name.
func (g *Generator) ListTemplates() []TemplateInfo {
	templates := make([]TemplateInfo, 0, len(g.templates))
	for name, site := range g.templates {
		templates = append(templates, TemplateInfo{
			Name:        name,
			Description: site.Description,
			Files:       len(site.Files),
		})
	}
	sort.Slice(templates, func(i, j int) bool { return templates[i].Name < templates[j].Name })
	return templates
}

// AddCustomTemplate adds a custom template
func (g *Generator) AddCustomTemplate(name string, site SiteTemplate) {
	g.templates[name] = site
}

func render(f FileTemplate, ctx TemplateContext) ([]byte, error) {
	tmpl, err := template.New(f.Path).Delims(leftDelim, rightDelim).Parse(f.Content)
	if err != nil {
		return nil, fmt.Errorf("failed to parse template %s: %w", f.Path, err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, ctx); err != nil {
		return nil, fmt.Errorf("failed to execute template %s: %w", f.Path, err)
	}
	return buf.Bytes(), nil
}

// ValidateProjectName accepts letters, digits, '-', '_' and '.', starting
// with a letter or digit.
func ValidateProjectName(name string) error {
	if name == "" {
		return fmt.Errorf("project name cannot be empty")
	}
	for i, r := range name {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
		case i > 0 && (r == '-' || r == '_' || r == '.'):
		default:
			return fmt.Errorf("project name %q contains invalid character %q", name, r)
		}
	}
	return nil
}

func titleCase(name string) string {
	words := strings.FieldsFunc(name, func(r rune) bool { return r == '-' || r == '_' || r == '.' })
	return cases.Title(language.English).String(strings.Join(words, " "))
}
