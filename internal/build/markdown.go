package build

import (
	"bytes"
	"context"
	"errors"
	"html"
	"os"
	"path/filepath"
	"strings"

	"github.com/yuin/goldmark"
	gmast "github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/text"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	deverrors "github.com/conneroisu/devserve/internal/errors"
)

// LayoutName is the partial a markdown page is wrapped in when it exists in
// the page's directory or any parent up to the root.
const LayoutName = "_layout.html"

const defaultLayout = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{title}}</title>
</head>
<body>
{{content}}
</body>
</html>
`

// MarkdownCompiler renders .md files to HTML pages.
type MarkdownCompiler struct {
	root string
	md   goldmark.Markdown
}

// NewMarkdownCompiler creates a markdown compiler for sources under root.
func NewMarkdownCompiler(root string) *MarkdownCompiler {
	return &MarkdownCompiler{
		root: root,
		md: goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			goldmark.WithParserOptions(parser.WithAutoHeadingID()),
		),
	}
}

// Compile implements Compiler.
func (mc *MarkdownCompiler) Compile(ctx context.Context, source string) (*Artifact, error) {
	body, err := readSource(source)
	if err != nil {
		return nil, err
	}

	doc := mc.md.Parser().Parse(text.NewReader(body))
	title := firstHeading(doc, body)
	if title == "" {
		title = titleFromPath(source)
	}

	var rendered bytes.Buffer
	if err := mc.md.Renderer().Render(&rendered, body, doc); err != nil {
		return nil, deverrors.NewCompileFailure("", err.Error(), err).WithLocation(source, 0, 0)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	layout, layoutPath, err := mc.findLayout(source)
	if err != nil {
		return nil, err
	}

	page := strings.Replace(layout, "{{title}}", html.EscapeString(title), 1)
	page = strings.Replace(page, "{{content}}", rendered.String(), 1)

	artifact := &Artifact{
		Source: source,
		Path:   urlPath(mc.root, source, ".html"),
		Kind:   KindMarkup,
		Output: []byte(page),
	}
	if layoutPath != "" {
		artifact.Dependencies = []string{layoutPath}
	}
	return artifact, nil
}

// findLayout walks from the source directory up to the root.
func (mc *MarkdownCompiler) findLayout(source string) (string, string, error) {
	root := filepath.Clean(mc.root)
	dir := filepath.Dir(source)
	for {
		candidate := filepath.Join(dir, LayoutName)
		content, err := os.ReadFile(candidate)
		if err == nil {
			if !strings.Contains(string(content), "{{content}}") {
				return "", "", deverrors.NewCompileFailure("", "layout has no {{content}} placeholder", nil).
					WithLocation(candidate, 0, 0)
			}
			return string(content), candidate, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", "", deverrors.NewCompileFailure("", "cannot read layout", err).WithLocation(candidate, 0, 0)
		}
		if dir == root || !strings.HasPrefix(dir, root) {
			return defaultLayout, "", nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return defaultLayout, "", nil
		}
		dir = parent
	}
}

func firstHeading(doc gmast.Node, source []byte) string {
	var title string
	_ = gmast.Walk(doc, func(n gmast.Node, entering bool) (gmast.WalkStatus, error) {
		if !entering {
			return gmast.WalkContinue, nil
		}
		if h, ok := n.(*gmast.Heading); ok && h.Level == 1 {
			title = headingText(h, source)
			return gmast.WalkStop, nil
		}
		return gmast.WalkContinue, nil
	})
	return title
}

func headingText(n gmast.Node, source []byte) string {
	var b strings.Builder
	_ = gmast.Walk(n, func(c gmast.Node, entering bool) (gmast.WalkStatus, error) {
		if entering {
			if t, ok := c.(*gmast.Text); ok {
				b.Write(t.Segment.Value(source))
			}
		}
		return gmast.WalkContinue, nil
	})
	return strings.TrimSpace(b.String())
}

// titleFromPath turns "getting-started.md" into "Getting Started".
func titleFromPath(source string) string {
	name := strings.TrimSuffix(filepath.Base(source), filepath.Ext(source))
	name = strings.NewReplacer("-", " ", "_", " ").Replace(name)
	return cases.Title(language.English).String(strings.TrimSpace(name))
}
