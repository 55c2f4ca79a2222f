package build

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strings"

	"golang.org/x/net/html"

	deverrors "github.com/conneroisu/devserve/internal/errors"
)

const maxIncludeDepth = 8

var includeDirective = regexp.MustCompile(`<!--#include\s+file="([^"]+)"\s*-->`)

var voidElements = map[string]bool{
	"area": true, "base": true, "br": true, "col": true, "embed": true,
	"hr": true, "img": true, "input": true, "link": true, "meta": true,
	"source": true, "track": true, "wbr": true,
}

// HTMLCompiler expands include directives and rejects stray closing tags.
type HTMLCompiler struct {
	root string
}

// NewHTMLCompiler creates an HTML compiler for sources under root.
func NewHTMLCompiler(root string) *HTMLCompiler {
	return &HTMLCompiler{root: root}
}

// Compile implements Compiler.
func (hc *HTMLCompiler) Compile(ctx context.Context, source string) (*Artifact, error) {
	var deps []string
	out, err := hc.expand(source, map[string]bool{}, &deps, 0)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := checkBalance(source, out); err != nil {
		return nil, err
	}

	return &Artifact{
		Source:       source,
		Path:         urlPath(hc.root, source, ".html"),
		Kind:         KindMarkup,
		Output:       out,
		Dependencies: deps,
	}, nil
}

// expand inlines include directives relative to the including file.
func (hc *HTMLCompiler) expand(path string, stack map[string]bool, deps *[]string, depth int) ([]byte, error) {
	if depth > maxIncludeDepth {
		return nil, deverrors.NewCompileFailure("", "includes nested too deeply", nil).WithLocation(path, 0, 0)
	}
	content, err := readSource(path)
	if err != nil {
		return nil, err
	}

	stack[path] = true
	defer delete(stack, path)

	var expandErr error
	result := includeDirective.ReplaceAllFunc(content, func(match []byte) []byte {
		if expandErr != nil {
			return nil
		}
		name := string(includeDirective.FindSubmatch(match)[1])
		target := filepath.Clean(filepath.Join(filepath.Dir(path), filepath.FromSlash(name)))

		if !strings.HasPrefix(target, filepath.Clean(hc.root)+string(filepath.Separator)) {
			expandErr = hc.directiveFailure(path, content, match, "include outside source root: "+name)
			return nil
		}
		if stack[target] {
			expandErr = hc.directiveFailure(path, content, match, "include cycle: "+name)
			return nil
		}

		*deps = append(*deps, target)
		included, err := hc.expand(target, stack, deps, depth+1)
		if err != nil {
			expandErr = err
			return nil
		}
		return included
	})
	if expandErr != nil {
		return nil, expandErr
	}
	return result, nil
}

func (hc *HTMLCompiler) directiveFailure(path string, content, match []byte, msg string) error {
	line, col := position(content, bytes.Index(content, match))
	return deverrors.NewCompileFailure("", msg, nil).WithLocation(path, line, col)
}

// checkBalance tokenizes the page and reports the first closing tag that
// matches no open element. Optional end tags are tolerated by popping up to
// the matching element.
func checkBalance(source string, page []byte) error {
	z := html.NewTokenizer(bytes.NewReader(page))
	var open []string
	offset := 0

	for {
		tt := z.Next()
		start := offset
		offset += len(z.Raw())

		switch tt {
		case html.ErrorToken:
			if z.Err() == io.EOF {
				return nil
			}
			line, col := position(page, start)
			return deverrors.NewCompileFailure("", z.Err().Error(), z.Err()).WithLocation(source, line, col)

		case html.StartTagToken:
			name, _ := z.TagName()
			if !voidElements[string(name)] {
				open = append(open, string(name))
			}

		case html.EndTagToken:
			name, _ := z.TagName()
			tag := string(name)
			idx := -1
			for i := len(open) - 1; i >= 0; i-- {
				if open[i] == tag {
					idx = i
					break
				}
			}
			if idx < 0 {
				line, col := position(page, start)
				return deverrors.NewCompileFailure("", fmt.Sprintf("unexpected closing tag </%s>", tag), nil).
					WithLocation(source, line, col)
			}
			open = open[:idx]
		}
	}
}

// position converts a byte offset into a 1-based line and column.
func position(content []byte, offset int) (int, int) {
	if offset < 0 || offset > len(content) {
		return 0, 0
	}
	before := content[:offset]
	line := bytes.Count(before, []byte("\n")) + 1
	col := offset - bytes.LastIndexByte(before, '\n')
	return line, col
}
