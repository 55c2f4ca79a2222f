package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDevError_Error(t *testing.T) {
	err := NewCompileFailure("pages/index", "unexpected token", errors.New("parse"))
	err.WithLocation("pages/index.templ", 12, 4)

	assert.Equal(t,
		"[COMPILE_FAILED] artifact:pages/index pages/index.templ:12:4 unexpected token: parse",
		err.Error())
}

func TestDevError_Location(t *testing.T) {
	e := &DevError{}
	assert.Empty(t, e.Location())

	e.FilePath = "a.md"
	assert.Equal(t, "a.md", e.Location())

	e.Line = 3
	assert.Equal(t, "a.md:3", e.Location())

	e.Column = 7
	assert.Equal(t, "a.md:3:7", e.Location())
}

func TestDevError_IsAndUnwrap(t *testing.T) {
	root := errors.New("no such file")
	watch := NewWatchFailure(ErrCodeWatchRootMissing, "/srv/site", root)
	wrapped := fmt.Errorf("start watcher: %w", watch)

	assert.ErrorIs(t, wrapped, root)
	assert.ErrorIs(t, wrapped, &DevError{Type: ErrorTypeWatch, Code: ErrCodeWatchRootMissing})
	assert.NotErrorIs(t, wrapped, &DevError{Type: ErrorTypeWatch, Code: ErrCodeWatchRootLost})
}

func TestClassification(t *testing.T) {
	watch := NewWatchFailure(ErrCodeWatchRootLost, "/srv", nil)
	compile := NewCompileFailure("k", "bad", nil)
	client := NewClientSendFailure("c1", errors.New("timeout"))
	network := NewNetworkDegraded(503)

	assert.True(t, IsFatal(fmt.Errorf("x: %w", watch)))
	assert.False(t, IsFatal(compile))
	assert.False(t, IsFatal(errors.New("plain")))

	assert.True(t, IsCompileFailure(compile))
	assert.False(t, IsCompileFailure(watch))

	assert.True(t, IsRecoverable(client))
	assert.True(t, IsRecoverable(network))
	assert.False(t, IsRecoverable(watch))
	assert.Contains(t, network.Error(), "503")
}

func TestAsCompileFailure(t *testing.T) {
	assert.Nil(t, AsCompileFailure("k", nil))

	plain := AsCompileFailure("styles/site", errors.New("syntax error near line 2"))
	assert.Equal(t, "styles/site", plain.Key)
	assert.Equal(t, "syntax error near line 2", plain.Message)

	located := NewCompileFailure("", "missing brace", nil).WithLocation("a.templ", 1, 2)
	got := AsCompileFailure("a", fmt.Errorf("wrap: %w", located))
	require.Same(t, located, got)
	assert.Equal(t, "a", got.Key)
	assert.Equal(t, 1, got.Line)
}

func TestWithContext(t *testing.T) {
	e := NewConfigError(ErrCodeInvalidConfig, "bad port").WithContext("port", -1)
	assert.Equal(t, -1, e.Context["port"])
	assert.Equal(t, ErrorTypeConfig, e.Type)
}
