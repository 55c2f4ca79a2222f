package build

import (
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/conneroisu/devserve/internal/watcher"
)

// Graph resolves changed paths to artifact keys and remembers which sources
// each artifact read during its last successful build.
type Graph struct {
	root     string
	supports func(path string) bool

	mu         sync.RWMutex
	sources    map[ArtifactKey]string
	deps       map[ArtifactKey][]string
	dependents map[string]map[ArtifactKey]struct{}
}

// NewGraph creates a graph rooted at root. supports filters which paths
// are buildable on their own; nil accepts every path.
func NewGraph(root string, supports func(path string) bool) *Graph {
	if supports == nil {
		supports = func(string) bool { return true }
	}
	return &Graph{
		root:       filepath.Clean(root),
		supports:   supports,
		sources:    make(map[ArtifactKey]string),
		deps:       make(map[ArtifactKey][]string),
		dependents: make(map[string]map[ArtifactKey]struct{}),
	}
}

// IsPartial reports whether path only exists to be included by others.
func IsPartial(path string) bool {
	return strings.HasPrefix(filepath.Base(path), "_")
}

// Resolve implements Resolver. A change resolves to the path's own key and
// every key that depends on it. A deleted path is forgotten and only its
// dependents are rebuilt; partials are never built on their own.
func (g *Graph) Resolve(ev watcher.Event) []Target {
	path := filepath.Clean(ev.Path)
	key := KeyForPath(g.root, path)

	g.mu.Lock()
	defer g.mu.Unlock()

	seen := make(map[ArtifactKey]struct{})
	var targets []Target

	if ev.Kind == watcher.Deleted {
		if g.sources[key] == path {
			g.forgetLocked(key)
		}
	} else if !IsPartial(path) && g.supports(path) {
		g.sources[key] = path
		seen[key] = struct{}{}
		targets = append(targets, Target{Key: key, Source: path})
	}

	dependents := make([]ArtifactKey, 0, len(g.dependents[path]))
	for k := range g.dependents[path] {
		dependents = append(dependents, k)
	}
	sort.Slice(dependents, func(i, j int) bool { return dependents[i] < dependents[j] })

	for _, k := range dependents {
		if _, ok := seen[k]; ok {
			continue
		}
		source, ok := g.sources[k]
		if !ok {
			continue
		}
		seen[k] = struct{}{}
		targets = append(targets, Target{Key: k, Source: source})
	}

	return targets
}

// Record implements DependencyRecorder.
func (g *Graph) Record(key ArtifactKey, source string, deps []string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, dep := range g.deps[key] {
		g.unlinkLocked(dep, key)
	}

	cleaned := make([]string, 0, len(deps))
	for _, dep := range deps {
		dep = filepath.Clean(dep)
		if dep == source {
			continue
		}
		cleaned = append(cleaned, dep)
		if g.dependents[dep] == nil {
			g.dependents[dep] = make(map[ArtifactKey]struct{})
		}
		g.dependents[dep][key] = struct{}{}
	}

	g.sources[key] = filepath.Clean(source)
	g.deps[key] = cleaned
}

// Forget drops everything known about key.
func (g *Graph) Forget(key ArtifactKey) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.forgetLocked(key)
}

func (g *Graph) forgetLocked(key ArtifactKey) {
	for _, dep := range g.deps[key] {
		g.unlinkLocked(dep, key)
	}
	delete(g.deps, key)
	delete(g.sources, key)
}

func (g *Graph) unlinkLocked(dep string, key ArtifactKey) {
	keys := g.dependents[dep]
	delete(keys, key)
	if len(keys) == 0 {
		delete(g.dependents, dep)
	}
}

// Dependents returns the keys that read path, sorted.
func (g *Graph) Dependents(path string) []ArtifactKey {
	g.mu.RLock()
	defer g.mu.RUnlock()

	keys := make([]ArtifactKey, 0, len(g.dependents[filepath.Clean(path)]))
	for k := range g.dependents[filepath.Clean(path)] {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Keys returns every known artifact key, sorted.
func (g *Graph) Keys() []ArtifactKey {
	g.mu.RLock()
	defer g.mu.RUnlock()

	keys := make([]ArtifactKey, 0, len(g.sources))
	for k := range g.sources {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
