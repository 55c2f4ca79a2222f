package errors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseError_Patterns(t *testing.T) {
	parser := NewErrorParser()

	tests := []struct {
		name           string
		output         string
		expectedType   BuildErrorType
		expectedFile   string
		expectedLine   int
		expectedColumn int
		expectedMsg    string
	}{
		{
			name:           "file line column",
			output:         "components/button.templ:15:8: unexpected token",
			expectedType:   BuildErrorTypeSyntax,
			expectedFile:   "components/button.templ",
			expectedLine:   15,
			expectedColumn: 8,
			expectedMsg:    "unexpected token",
		},
		{
			name:           "file line only",
			output:         "main.go:25: undefined: fmt.Printf",
			expectedType:   BuildErrorTypeSyntax,
			expectedFile:   "main.go",
			expectedLine:   25,
			expectedMsg:    "undefined: fmt.Printf",
		},
		{
			name:           "templ semantic error",
			output:         "templ: component Card (views/card.templ:3:1): missing parameter",
			expectedType:   BuildErrorTypeSemantics,
			expectedFile:   "views/card.templ",
			expectedLine:   3,
			expectedColumn: 1,
			expectedMsg:    "component Card: missing parameter",
		},
		{
			name:         "tool prefix",
			output:       "go: module cache: permission denied",
			expectedType: BuildErrorTypeTool,
			expectedMsg:  "module cache: permission denied",
		},
		{
			name:         "permission denied",
			output:       "permission denied: /usr/local/bin/esbuild",
			expectedType: BuildErrorTypePermission,
			expectedFile: "/usr/local/bin/esbuild",
			expectedMsg:  "Permission denied",
		},
		{
			name:         "file without position",
			output:       "styles/site.css: unclosed block",
			expectedType: BuildErrorTypeSyntax,
			expectedFile: "styles/site.css",
			expectedMsg:  "unclosed block",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parsed := parser.ParseError(tt.output)
			require.Len(t, parsed, 1)

			pe := parsed[0]
			assert.Equal(t, tt.expectedType, pe.Type)
			assert.Equal(t, tt.expectedFile, pe.File)
			assert.Equal(t, tt.expectedLine, pe.Line)
			assert.Equal(t, tt.expectedColumn, pe.Column)
			assert.Equal(t, tt.expectedMsg, pe.Message)
			assert.Equal(t, ErrorSeverityError, pe.Severity)
			assert.Equal(t, tt.output, pe.RawError)
		})
	}
}

func TestParseError_NoiseFiltering(t *testing.T) {
	parser := NewErrorParser()

	assert.Empty(t, parser.ParseError(""))
	assert.Empty(t, parser.ParseError("   \n  \t  \n"))
	assert.Empty(t, parser.ParseError("Some random output"))

	generic := parser.ParseError("Build failed with unknown issue")
	require.Len(t, generic, 1)
	assert.Equal(t, BuildErrorTypeUnknown, generic[0].Type)

	multi := parser.ParseError("compiling...\na.templ:1:2: bad\nb.templ:3:4: worse\n")
	assert.Len(t, multi, 2)
}

func TestParseError_Unicode(t *testing.T) {
	parsed := NewErrorParser().ParseError("组件.templ:10:2: 语法错误")
	require.Len(t, parsed, 1)
	assert.Equal(t, "组件.templ", parsed[0].File)
	assert.Equal(t, "语法错误", parsed[0].Message)
}

func TestToCompileFailure(t *testing.T) {
	parser := NewErrorParser()
	cause := errors.New("exit status 1")

	t.Run("located diagnostic", func(t *testing.T) {
		failure := parser.ToCompileFailure("pages/index", "pages/index.templ:4:7: expected }\nx.templ:1:1: other", cause)

		assert.Equal(t, ErrorTypeCompile, failure.Type)
		assert.Equal(t, "pages/index", failure.Key)
		assert.Equal(t, "expected }", failure.Message)
		assert.Equal(t, "pages/index.templ", failure.FilePath)
		assert.Equal(t, 4, failure.Line)
		assert.Equal(t, 7, failure.Column)
		assert.Equal(t, 2, failure.Context["diagnostics"])
		assert.ErrorIs(t, failure, cause)
	})

	t.Run("unparsed output", func(t *testing.T) {
		failure := parser.ToCompileFailure("app", "  something odd happened  ", cause)
		assert.Equal(t, "something odd happened", failure.Message)
		assert.Empty(t, failure.FilePath)
	})

	t.Run("empty output falls back to cause", func(t *testing.T) {
		failure := parser.ToCompileFailure("app", "", cause)
		assert.Equal(t, "exit status 1", failure.Message)
	})
}

func TestFormatError(t *testing.T) {
	pe := &ParsedError{
		Type:     BuildErrorTypeSyntax,
		Severity: ErrorSeverityError,
		File:     "a.templ",
		Line:     3,
		Column:   9,
		Message:  "unexpected EOF",
	}
	assert.Equal(t, "[ERROR] syntax in a.templ:3:9\n  unexpected EOF\n", pe.FormatError())
}
