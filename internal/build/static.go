package build

import (
	"context"
	"path/filepath"
	"regexp"
	"strings"
)

var cssImport = regexp.MustCompile(`@import\s+(?:url\()?\s*["']([^"']+)["']`)

// StaticCompiler serves styles and scripts as they are. For stylesheets,
// local @import targets are reported as dependencies so editing an imported
// file refreshes its importers.
type StaticCompiler struct {
	root string
	kind Kind
}

// NewStaticCompiler creates a pass-through compiler producing kind.
func NewStaticCompiler(root string, kind Kind) *StaticCompiler {
	return &StaticCompiler{root: root, kind: kind}
}

// Compile implements Compiler.
func (sc *StaticCompiler) Compile(ctx context.Context, source string) (*Artifact, error) {
	content, err := readSource(source)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	artifact := &Artifact{
		Source: source,
		Path:   urlPath(sc.root, source, ""),
		Kind:   sc.kind,
		Output: content,
	}
	if sc.kind == KindStyle {
		artifact.Dependencies = sc.imports(source, content)
	}
	return artifact, nil
}

func (sc *StaticCompiler) imports(source string, content []byte) []string {
	var deps []string
	for _, m := range cssImport.FindAllSubmatch(content, -1) {
		target := string(m[1])
		if strings.Contains(target, "://") || strings.HasPrefix(target, "//") {
			continue
		}
		var abs string
		if strings.HasPrefix(target, "/") {
			abs = filepath.Join(sc.root, filepath.FromSlash(target))
		} else {
			abs = filepath.Join(filepath.Dir(source), filepath.FromSlash(target))
		}
		deps = append(deps, filepath.Clean(abs))
	}
	return deps
}
