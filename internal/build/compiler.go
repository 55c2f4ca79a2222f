package build

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	deverrors "github.com/conneroisu/devserve/internal/errors"
	"github.com/conneroisu/devserve/internal/validation"
)

// SourcePlaceholder in a command's arguments is replaced by the source path
// relative to the build root.
const SourcePlaceholder = "{source}"

// DefaultAllowedCommands may be used by CommandCompiler when no allowlist is
// configured.
var DefaultAllowedCommands = []string{"esbuild", "tailwindcss", "sass", "templ", "go", "npx"}

// MultiCompiler dispatches to a compiler by file extension.
type MultiCompiler struct {
	byExt map[string]Compiler
}

// NewMultiCompiler creates an empty dispatcher.
func NewMultiCompiler() *MultiCompiler {
	return &MultiCompiler{byExt: make(map[string]Compiler)}
}

// Register binds c to each extension (with leading dot), replacing any
// previous binding.
func (m *MultiCompiler) Register(c Compiler, exts ...string) {
	for _, ext := range exts {
		m.byExt[strings.ToLower(ext)] = c
	}
}

// Supports reports whether a compiler is registered for path.
func (m *MultiCompiler) Supports(path string) bool {
	_, ok := m.byExt[strings.ToLower(filepath.Ext(path))]
	return ok
}

// Extensions returns the registered extensions, sorted.
func (m *MultiCompiler) Extensions() []string {
	exts := make([]string, 0, len(m.byExt))
	for ext := range m.byExt {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}

// Compile implements Compiler.
func (m *MultiCompiler) Compile(ctx context.Context, source string) (*Artifact, error) {
	c, ok := m.byExt[strings.ToLower(filepath.Ext(source))]
	if !ok {
		failure := deverrors.NewCompileFailure("", "no compiler for "+filepath.Base(source), nil)
		failure.Code = deverrors.ErrCodeNoCompiler
		return nil, failure
	}
	return c.Compile(ctx, source)
}

// CommandSpec describes an external build tool.
type CommandSpec struct {
	Command string
	Args    []string
	Kind    Kind
	// OutputExt replaces the source extension in the artifact path.
	OutputExt string
}

// CommandCompiler runs an allowlisted external tool and uses its stdout as
// the artifact. Diagnostics on stderr become compile failures.
type CommandCompiler struct {
	root    string
	spec    CommandSpec
	allowed map[string]bool
	parser  *deverrors.ErrorParser
}

// NewCommandCompiler validates spec against allowed and returns a
// compiler that runs it in root.
func NewCommandCompiler(root string, spec CommandSpec, allowed []string) (*CommandCompiler, error) {
	if len(allowed) == 0 {
		allowed = DefaultAllowedCommands
	}
	allowSet := make(map[string]bool, len(allowed))
	for _, cmd := range allowed {
		allowSet[cmd] = true
	}

	cc := &CommandCompiler{
		root:    root,
		spec:    spec,
		allowed: allowSet,
		parser:  deverrors.NewErrorParser(),
	}
	if err := cc.validateCommand(); err != nil {
		return nil, fmt.Errorf("command validation failed: %w", err)
	}
	return cc, nil
}

// Compile implements Compiler.
func (cc *CommandCompiler) Compile(ctx context.Context, source string) (*Artifact, error) {
	rel, err := filepath.Rel(cc.root, source)
	if err != nil || strings.HasPrefix(rel, "..") {
		return nil, deverrors.NewCompileFailure("", "source outside build root: "+source, err)
	}
	rel = filepath.ToSlash(rel)

	args := make([]string, len(cc.spec.Args))
	for i, arg := range cc.spec.Args {
		args[i] = strings.ReplaceAll(arg, SourcePlaceholder, rel)
	}

	cmd := exec.CommandContext(ctx, cc.spec.Command, args...)
	cmd.Dir = cc.root
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s timed out: %w", cc.spec.Command, ctx.Err())
		}
		output := stderr.String()
		if strings.TrimSpace(output) == "" {
			output = stdout.String()
		}
		return nil, cc.parser.ToCompileFailure("", output, err)
	}

	path := "/" + rel
	if cc.spec.OutputExt != "" {
		path = strings.TrimSuffix(path, filepath.Ext(path)) + cc.spec.OutputExt
	}

	return &Artifact{
		Source: source,
		Path:   path,
		Kind:   cc.spec.Kind,
		Output: stdout.Bytes(),
	}, nil
}

// validateCommand validates the command and arguments to prevent command injection
func (cc *CommandCompiler) validateCommand() error {
	if err := validation.ValidateCommand(cc.spec.Command, cc.allowed); err != nil {
		return err
	}

	for _, arg := range cc.spec.Args {
		if err := validation.ValidateArgument(arg); err != nil {
			return fmt.Errorf("invalid argument '%s': %w", arg, err)
		}
	}

	return nil
}

func readSource(source string) ([]byte, error) {
	content, err := os.ReadFile(source)
	if err != nil {
		return nil, deverrors.NewCompileFailure("", "cannot read "+filepath.Base(source), err).
			WithLocation(source, 0, 0)
	}
	return content, nil
}

// urlPath maps a source under root to its served path, swapping the
// extension when ext is not empty.
func urlPath(root, source, ext string) string {
	rel, err := filepath.Rel(root, source)
	if err != nil || strings.HasPrefix(rel, "..") {
		rel = filepath.Base(source)
	}
	rel = filepath.ToSlash(rel)
	if ext != "" {
		rel = strings.TrimSuffix(rel, filepath.Ext(rel)) + ext
	}
	return "/" + rel
}
