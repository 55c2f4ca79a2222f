package build

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// OutputWriter decorates a Compiler and writes every successful artifact
// below dir at its URL path.
type OutputWriter struct {
	dir  string
	next Compiler
}

// NewOutputWriter wraps next.
func NewOutputWriter(dir string, next Compiler) *OutputWriter {
	return &OutputWriter{dir: filepath.Clean(dir), next: next}
}

// Dir returns the output directory.
func (ow *OutputWriter) Dir() string {
	return ow.dir
}

// Compile implements Compiler.
func (ow *OutputWriter) Compile(ctx context.Context, source string) (*Artifact, error) {
	artifact, err := ow.next.Compile(ctx, source)
	if err != nil || artifact == nil {
		return artifact, err
	}
	if err := ow.write(artifact); err != nil {
		return nil, err
	}
	return artifact, nil
}

func (ow *OutputWriter) write(a *Artifact) error {
	target, err := ow.Target(a.Path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	// Write to a sibling temp file so readers never see a partial artifact.
	tmp, err := os.CreateTemp(filepath.Dir(target), ".devserve-*")
	if err != nil {
		return fmt.Errorf("create temp output: %w", err)
	}
	if _, err := tmp.Write(a.Output); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write output: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("close output: %w", err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("publish output: %w", err)
	}
	return nil
}

// Target maps an artifact URL path to a file below the output directory.
func (ow *OutputWriter) Target(urlPath string) (string, error) {
	rel := filepath.FromSlash(strings.TrimPrefix(urlPath, "/"))
	target := filepath.Join(ow.dir, rel)
	if rel == "" || !strings.HasPrefix(target, ow.dir+string(filepath.Separator)) {
		return "", fmt.Errorf("artifact path %q escapes output directory", urlPath)
	}
	return target, nil
}
