// Package build schedules incremental rebuilds of changed sources.
//
// The Coordinator keeps one entry per ArtifactKey. A change for a key that
// is already building only sets a rerun flag, so each key has at most one
// compile in flight and a burst of edits collapses into one follow-up build.
package build

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/conneroisu/devserve/internal/watcher"
)

// ArtifactKey identifies one output artifact.
type ArtifactKey string

// KeyForPath derives the key for a source path: the slash-separated path
// relative to root, extension included, so app.css and app.js stay distinct.
func KeyForPath(root, path string) ArtifactKey {
	rel, err := filepath.Rel(root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		rel = path
	}
	rel = filepath.ToSlash(rel)
	return ArtifactKey(strings.TrimPrefix(rel, "/"))
}

// Kind is the declared kind of an artifact.
type Kind int

const (
	KindMarkup Kind = iota
	KindStyle
	KindScript
)

func (k Kind) String() string {
	switch k {
	case KindMarkup:
		return "markup"
	case KindStyle:
		return "style"
	case KindScript:
		return "script"
	default:
		return "unknown"
	}
}

// ParseKind converts a configured kind name.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "markup":
		return KindMarkup, nil
	case "style":
		return KindStyle, nil
	case "script":
		return KindScript, nil
	default:
		return KindMarkup, fmt.Errorf("unknown artifact kind %q", s)
	}
}

// KindForPath guesses the artifact kind from a source extension.
func KindForPath(path string) Kind {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".css", ".scss", ".sass", ".less":
		return KindStyle
	case ".js", ".mjs", ".ts", ".jsx", ".tsx":
		return KindScript
	default:
		return KindMarkup
	}
}

// Artifact is the result of compiling one source.
type Artifact struct {
	Source string
	// Path is the URL path the artifact is served under.
	Path      string
	Kind      Kind
	Output    []byte
	SourceMap []byte
	// Dependencies lists absolute paths of other sources read while
	// compiling.
	Dependencies []string
}

// Compiler turns a source file into an artifact. Failures should be
// compile-typed errors from internal/errors; any other error is wrapped.
type Compiler interface {
	Compile(ctx context.Context, source string) (*Artifact, error)
}

// Target is one artifact affected by a change.
type Target struct {
	Key    ArtifactKey
	Source string
}

// Resolver maps a change to the artifacts it affects.
type Resolver interface {
	Resolve(ev watcher.Event) []Target
}

// DependencyRecorder is implemented by resolvers that learn dependencies
// from successful builds.
type DependencyRecorder interface {
	Record(key ArtifactKey, source string, deps []string)
}

// Status is the lifecycle state of a Job.
type Status int

const (
	StatusPending Status = iota
	StatusRunning
	StatusSucceeded
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Job is one build of one key.
type Job struct {
	Key         ArtifactKey `json:"key"`
	Source      string      `json:"source"`
	RequestedAt time.Time   `json:"requested_at"`
	StartedAt   time.Time   `json:"started_at,omitempty"`
	FinishedAt  time.Time   `json:"finished_at,omitempty"`
	Status      Status      `json:"status"`
	Err         error       `json:"-"`
	Attempt     int         `json:"attempt"`
}

// Completion is published once per finished job.
type Completion struct {
	Key      ArtifactKey
	Status   Status
	Kind     Kind
	Path     string
	Source   string
	Artifact *Artifact
	Err      error
	Duration time.Duration
}
