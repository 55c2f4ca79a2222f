// Package watcher turns fsnotify notifications for a source tree into
// coalesced change events.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	deverrors "github.com/conneroisu/devserve/internal/errors"
	"github.com/conneroisu/devserve/internal/logging"
)

// DefaultCoalesce is the window used when Options.Coalesce is zero.
const DefaultCoalesce = 50 * time.Millisecond

// maxCoalesceWindows bounds how long a path that keeps changing can hold
// back its event, measured from its first notification.
const maxCoalesceWindows = 4

// ErrWatcherStopped is returned by Start once the watcher has been stopped.
var ErrWatcherStopped = errors.New("watcher stopped")

// EventKind represents the type of file change
type EventKind int

const (
	Created EventKind = iota
	Modified
	Deleted
)

// String returns the string representation of the EventKind
func (k EventKind) String() string {
	switch k {
	case Created:
		return "created"
	case Modified:
		return "modified"
	case Deleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// Event is one coalesced change to a file under the root.
type Event struct {
	Path      string
	Kind      EventKind
	Timestamp time.Time
}

// Options configures a FileWatcher. Include and Exclude are doublestar
// patterns matched against slash-separated paths relative to Root. An empty
// Include matches every file.
type Options struct {
	Root     string
	Include  []string
	Exclude  []string
	Coalesce time.Duration
}

// FileWatcher watches a directory tree. It is single use: once stopped, a
// new FileWatcher is needed to resume watching.
type FileWatcher struct {
	root     string
	include  []string
	exclude  []string
	coalesce time.Duration
	logger   logging.Logger

	watcher *fsnotify.Watcher
	events  chan Event
	errs    chan error

	mu      sync.Mutex
	pending map[string]*pendingEvent
	dirs    map[string]struct{}
	started bool
	stopped bool
	halted  bool

	emitters sync.WaitGroup
	done     chan struct{}
	halt     chan struct{}
	loopDone chan struct{}
	stopOnce sync.Once
}

type pendingEvent struct {
	kind  EventKind
	first time.Time
	timer *time.Timer
}

// New creates a watcher for opts.Root. Nothing is watched until Start.
func New(opts Options, logger logging.Logger) (*FileWatcher, error) {
	if opts.Root == "" {
		return nil, deverrors.NewConfigError(deverrors.ErrCodeInvalidConfig, "watch root is required")
	}
	for _, p := range append(append([]string{}, opts.Include...), opts.Exclude...) {
		if !doublestar.ValidatePattern(p) {
			return nil, deverrors.NewConfigError(deverrors.ErrCodeInvalidConfig,
				fmt.Sprintf("invalid glob pattern %q", p))
		}
	}

	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve watch root: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	coalesce := opts.Coalesce
	if coalesce <= 0 {
		coalesce = DefaultCoalesce
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	return &FileWatcher{
		root:     root,
		include:  opts.Include,
		exclude:  opts.Exclude,
		coalesce: coalesce,
		logger:   logger.WithComponent("watcher"),
		watcher:  w,
		events:   make(chan Event, 256),
		errs:     make(chan error, 1),
		pending:  make(map[string]*pendingEvent),
		dirs:     make(map[string]struct{}),
		done:     make(chan struct{}),
		halt:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}, nil
}

// Root returns the absolute watch root.
func (fw *FileWatcher) Root() string {
	return fw.root
}

// Events returns the coalesced event stream. It is closed once the watcher
// stops.
func (fw *FileWatcher) Events() <-chan Event {
	return fw.events
}

// Errors delivers at most one fatal error. It is closed once the watcher
// stops.
func (fw *FileWatcher) Errors() <-chan error {
	return fw.errs
}

// Start validates the root, watches every non-excluded directory below it
// and begins emitting events.
func (fw *FileWatcher) Start(ctx context.Context) error {
	fw.mu.Lock()
	if fw.stopped || fw.halted {
		fw.mu.Unlock()
		return ErrWatcherStopped
	}
	if fw.started {
		fw.mu.Unlock()
		return errors.New("watcher already started")
	}
	fw.mu.Unlock()

	info, err := os.Stat(fw.root)
	if err != nil {
		return deverrors.NewWatchFailure(deverrors.ErrCodeWatchRootMissing, fw.root, err)
	}
	if !info.IsDir() {
		return deverrors.NewWatchFailure(deverrors.ErrCodeWatchRootNotDir, fw.root,
			errors.New("not a directory"))
	}

	if err := fw.addRecursive(fw.root, false); err != nil {
		return deverrors.NewWatchFailure(deverrors.ErrCodeWatchBackend, fw.root, err)
	}

	fw.mu.Lock()
	fw.started = true
	fw.mu.Unlock()

	go fw.watchLoop(ctx)

	fw.logger.Info(ctx, "watching", "root", fw.root, "directories", fw.dirCount())
	return nil
}

// Stop stops the watcher and releases the fsnotify handle. It is safe to
// call more than once.
func (fw *FileWatcher) Stop() error {
	var err error
	fw.stopOnce.Do(func() {
		fw.mu.Lock()
		fw.stopped = true
		started := fw.started
		fw.mu.Unlock()

		close(fw.done)
		err = fw.watcher.Close()

		if started {
			<-fw.loopDone
			return
		}
		close(fw.events)
		close(fw.errs)
	})
	return err
}

func (fw *FileWatcher) dirCount() int {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return len(fw.dirs)
}

// addRecursive watches dir and its subdirectories. When announce is set,
// files found along the way are reported as created; this covers files
// written into a new directory before its watch was in place.
func (fw *FileWatcher) addRecursive(dir string, announce bool) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			fw.logger.Debug(context.Background(), "skipping unreadable path", "path", path, "error", err.Error())
			return nil
		}

		rel := fw.rel(path)
		if d.IsDir() {
			if path != fw.root && fw.excludedDir(rel) {
				return filepath.SkipDir
			}
			if err := fw.watcher.Add(path); err != nil {
				return fmt.Errorf("watch %s: %w", path, err)
			}
			fw.mu.Lock()
			fw.dirs[path] = struct{}{}
			fw.mu.Unlock()
			return nil
		}

		if announce && fw.matches(rel) {
			fw.queue(path, Created, time.Now())
		}
		return nil
	})
}

func (fw *FileWatcher) rel(path string) string {
	rel, err := filepath.Rel(fw.root, path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(rel)
}

// matches reports whether a file passes the include and exclude patterns.
func (fw *FileWatcher) matches(rel string) bool {
	for _, p := range fw.exclude {
		if ok, _ := doublestar.Match(p, rel); ok {
			return false
		}
	}
	if len(fw.include) == 0 {
		return true
	}
	for _, p := range fw.include {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	return false
}

// Files lists the files under the root that pass the include and exclude
// patterns, in lexical order. It does not need a running watcher.
func (fw *FileWatcher) Files() ([]string, error) {
	var files []string
	err := filepath.WalkDir(fw.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == fw.root {
				return err
			}
			return nil
		}
		rel := fw.rel(path)
		if d.IsDir() {
			if path != fw.root && fw.excludedDir(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if fw.matches(rel) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, deverrors.NewWatchFailure(deverrors.ErrCodeWatchRootMissing, fw.root, err)
	}

	return files, nil
}

func (fw *FileWatcher) excludedDir(rel string) bool {
	for _, p := range fw.exclude {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
		if base, found := strings.CutSuffix(p, "/**"); found {
			if ok, _ := doublestar.Match(base, rel); ok {
				return true
			}
		}
	}
	return false
}

func (fw *FileWatcher) watchLoop(ctx context.Context) {
	defer fw.drain()

	for {
		select {
		case <-ctx.Done():
			return
		case <-fw.done:
			return
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			if err := fw.handleFsnotifyEvent(event); err != nil {
				fw.fail(err)
				return
			}
		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.fail(deverrors.NewWatchFailure(deverrors.ErrCodeWatchBackend, fw.root, err))
			return
		}
	}
}

func (fw *FileWatcher) fail(err error) {
	fw.logger.Error(context.Background(), err, "watcher stopped on fatal error")
	select {
	case fw.errs <- err:
	default:
	}
}

// drain runs when the loop exits: pending events are dropped, in-flight
// emitters finish, and both channels are closed.
func (fw *FileWatcher) drain() {
	fw.mu.Lock()
	fw.halted = true
	for path, p := range fw.pending {
		p.timer.Stop()
		delete(fw.pending, path)
	}
	fw.mu.Unlock()

	close(fw.halt)
	fw.emitters.Wait()
	_ = fw.watcher.Close()

	close(fw.events)
	close(fw.errs)
	close(fw.loopDone)
}

func (fw *FileWatcher) handleFsnotifyEvent(event fsnotify.Event) error {
	path := filepath.Clean(event.Name)
	now := time.Now()

	if path == fw.root && (event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename)) {
		return deverrors.NewWatchFailure(deverrors.ErrCodeWatchRootLost, fw.root,
			fmt.Errorf("root %s", strings.ToLower(event.Op.String())))
	}

	switch {
	case event.Has(fsnotify.Create):
		info, err := os.Stat(path)
		if err == nil && info.IsDir() {
			if fw.excludedDir(fw.rel(path)) {
				return nil
			}
			if err := fw.addRecursive(path, true); err != nil {
				fw.logger.Warn(context.Background(), err, "cannot watch new directory", "path", path)
			}
			return nil
		}
		fw.emitIfMatched(path, Created, now)

	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		fw.mu.Lock()
		_, wasDir := fw.dirs[path]
		delete(fw.dirs, path)
		fw.mu.Unlock()
		if wasDir {
			return nil
		}
		fw.emitIfMatched(path, Deleted, now)

	case event.Has(fsnotify.Write):
		fw.emitIfMatched(path, Modified, now)
	}

	return nil
}

func (fw *FileWatcher) emitIfMatched(path string, kind EventKind, at time.Time) {
	if !fw.matches(fw.rel(path)) {
		return
	}
	fw.queue(path, kind, at)
}

// queue folds a raw notification into the pending event for path and
// (re)arms its timer, never past maxCoalesceWindows after the first one.
func (fw *FileWatcher) queue(path string, kind EventKind, at time.Time) {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if fw.halted {
		return
	}

	if p, ok := fw.pending[path]; ok {
		p.kind = mergeKind(p.kind, kind)
		wait := fw.coalesce
		if remaining := fw.coalesce*maxCoalesceWindows - at.Sub(p.first); remaining < wait {
			wait = max(remaining, 0)
		}
		p.timer.Reset(wait)
		return
	}

	fw.pending[path] = &pendingEvent{
		kind:  kind,
		first: at,
		timer: time.AfterFunc(fw.coalesce, func() { fw.flush(path) }),
	}
}

func (fw *FileWatcher) flush(path string) {
	fw.mu.Lock()
	p, ok := fw.pending[path]
	if !ok || fw.halted {
		fw.mu.Unlock()
		return
	}
	delete(fw.pending, path)
	fw.emitters.Add(1)
	fw.mu.Unlock()
	defer fw.emitters.Done()

	event := Event{Path: path, Kind: p.kind, Timestamp: p.first}
	select {
	case fw.events <- event:
	case <-fw.halt:
	}
}

// mergeKind combines two notifications for the same path inside one window.
func mergeKind(prev, next EventKind) EventKind {
	switch {
	case next == Deleted:
		return Deleted
	case prev == Deleted:
		// deleted then recreated: the file was replaced
		return Modified
	case prev == Created:
		return Created
	default:
		return Modified
	}
}
