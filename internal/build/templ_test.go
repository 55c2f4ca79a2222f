package build

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	deverrors "github.com/conneroisu/devserve/internal/errors"
)

const helloTempl = `package views

templ Hello(name string) {
	<div class="greeting">Hello, { name }!</div>
}
`

func TestTemplCompilerGenerates(t *testing.T) {
	root := t.TempDir()
	source := writeFile(t, filepath.Join(root, "views", "hello.templ"), helloTempl)

	artifact, err := NewTemplCompiler(root, "v0.3.960").Compile(context.Background(), source)
	require.NoError(t, err)

	assert.Equal(t, "/views/hello_templ.go", artifact.Path)
	assert.Equal(t, KindMarkup, artifact.Kind)
	assert.Contains(t, string(artifact.Output), "package views")
	assert.Contains(t, string(artifact.Output), "func Hello(name string) templ.Component")
	assert.NotEmpty(t, artifact.SourceMap)
}

func TestTemplCompilerSyntaxError(t *testing.T) {
	root := t.TempDir()
	source := writeFile(t, filepath.Join(root, "broken.templ"), `package views

templ Broken() {
	<div>
}
`)

	_, err := NewTemplCompiler(root, "").Compile(context.Background(), source)
	require.Error(t, err)
	assert.True(t, deverrors.IsCompileFailure(err))

	de, ok := deverrors.AsDevError(err)
	require.True(t, ok)
	assert.Equal(t, source, de.FilePath)
	assert.NotEmpty(t, de.Message)
}

func TestTemplCompilerCancelled(t *testing.T) {
	root := t.TempDir()
	source := writeFile(t, filepath.Join(root, "hello.templ"), helloTempl)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewTemplCompiler(root, "").Compile(ctx, source)
	assert.ErrorIs(t, err, context.Canceled)
}
