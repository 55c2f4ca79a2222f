package build

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	deverrors "github.com/conneroisu/devserve/internal/errors"
)

func TestMarkdownCompilerDefaultLayout(t *testing.T) {
	root := t.TempDir()
	source := writeFile(t, filepath.Join(root, "hello.md"), "# Hello World\n\nSome *text* here.\n")

	artifact, err := NewMarkdownCompiler(root).Compile(context.Background(), source)
	require.NoError(t, err)

	assert.Equal(t, "/hello.html", artifact.Path)
	assert.Equal(t, KindMarkup, artifact.Kind)
	assert.Empty(t, artifact.Dependencies)

	g := goldie.New(t)
	g.Assert(t, "markdown_page", artifact.Output)
}

func TestMarkdownCompilerLayout(t *testing.T) {
	root := t.TempDir()
	layout := writeFile(t, filepath.Join(root, LayoutName), "<main>{{content}}</main><h6>{{title}}</h6>")
	source := writeFile(t, filepath.Join(root, "posts", "first-post.md"), "plain <b> & text\n")

	artifact, err := NewMarkdownCompiler(root).Compile(context.Background(), source)
	require.NoError(t, err)

	assert.Equal(t, "/posts/first-post.html", artifact.Path)
	assert.Equal(t, []string{layout}, artifact.Dependencies)
	assert.Contains(t, string(artifact.Output), "<h6>First Post</h6>")
	assert.Contains(t, string(artifact.Output), "<main><p>")
}

func TestMarkdownCompilerNearestLayoutWins(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, LayoutName), "<root>{{content}}</root>")
	nested := writeFile(t, filepath.Join(root, "docs", LayoutName), "<docs>{{content}}</docs>")
	source := writeFile(t, filepath.Join(root, "docs", "intro.md"), "# Intro\n")

	artifact, err := NewMarkdownCompiler(root).Compile(context.Background(), source)
	require.NoError(t, err)
	assert.Equal(t, []string{nested}, artifact.Dependencies)
	assert.Contains(t, string(artifact.Output), "<docs>")
}

func TestMarkdownCompilerLayoutWithoutPlaceholder(t *testing.T) {
	root := t.TempDir()
	layout := writeFile(t, filepath.Join(root, LayoutName), "<main></main>")
	source := writeFile(t, filepath.Join(root, "page.md"), "text")

	_, err := NewMarkdownCompiler(root).Compile(context.Background(), source)
	de, ok := deverrors.AsDevError(err)
	require.True(t, ok)
	assert.Equal(t, layout, de.FilePath)
}

func TestTitleFromPath(t *testing.T) {
	assert.Equal(t, "Getting Started", titleFromPath("/docs/getting-started.md"))
	assert.Equal(t, "Api Reference", titleFromPath("api_reference.md"))
}
