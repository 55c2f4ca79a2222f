package build

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"

	"github.com/a-h/parse"
	"github.com/a-h/templ/generator"
	parser "github.com/a-h/templ/parser/v2"

	deverrors "github.com/conneroisu/devserve/internal/errors"
)

// TemplCompiler generates Go code from .templ files in process.
type TemplCompiler struct {
	root    string
	version string
}

// NewTemplCompiler creates a templ compiler for sources under root.
// version is stamped into the generated header when not empty.
func NewTemplCompiler(root, version string) *TemplCompiler {
	return &TemplCompiler{root: root, version: version}
}

// Compile implements Compiler. The artifact is the generated
// <name>_templ.go source with its JSON source map.
func (tc *TemplCompiler) Compile(ctx context.Context, source string) (*Artifact, error) {
	content, err := readSource(source)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tf, err := parser.ParseString(string(content))
	if err != nil {
		return nil, templFailure(source, err)
	}
	tf.Filepath = source

	opts := []generator.GenerateOpt{generator.WithFileName(filepath.Base(source))}
	if tc.version != "" {
		opts = append(opts, generator.WithVersion(tc.version))
	}

	var out bytes.Buffer
	gen, err := generator.Generate(tf, &out, opts...)
	if err != nil {
		return nil, templFailure(source, err)
	}

	sourceMap, err := json.Marshal(gen.SourceMap)
	if err != nil {
		sourceMap = nil
	}

	return &Artifact{
		Source:    source,
		Path:      urlPath(tc.root, source, "_templ.go"),
		Kind:      KindMarkup,
		Output:    out.Bytes(),
		SourceMap: sourceMap,
	}, nil
}

// templFailure converts a templ parse error into a located compile failure.
// parse positions are zero based.
func templFailure(source string, err error) error {
	var pe parse.ParseError
	if errors.As(err, &pe) {
		return deverrors.NewCompileFailure("", pe.Msg, err).
			WithLocation(source, pe.Pos.Line+1, pe.Pos.Col+1)
	}
	if errors.Is(err, parser.ErrTemplateNotFound) {
		return deverrors.NewCompileFailure("", "no templates found", err).WithLocation(source, 0, 0)
	}
	return deverrors.NewCompileFailure("", err.Error(), err).WithLocation(source, 0, 0)
}
