package build

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	deverrors "github.com/conneroisu/devserve/internal/errors"
	"github.com/conneroisu/devserve/internal/logging"
	"github.com/conneroisu/devserve/internal/watcher"
)

// MetricsRecorder receives build measurements.
type MetricsRecorder interface {
	ObserveBuild(status Status, duration time.Duration)
	ObserveRerun()
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithBuildTimeout bounds each compile. Zero disables the deadline.
func WithBuildTimeout(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		c.timeout = d
	}
}

// WithMetrics attaches a metrics recorder.
func WithMetrics(m MetricsRecorder) CoordinatorOption {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

type entry struct {
	job    Job
	rerun  bool
	source string
}

// Coordinator runs compiles for changed artifacts, at most one per key.
type Coordinator struct {
	resolver Resolver
	compiler Compiler
	logger   logging.Logger
	timeout  time.Duration
	metrics  MetricsRecorder
	stats    *BuildMetrics

	mu     sync.Mutex
	idle   *sync.Cond
	active map[ArtifactKey]*entry
	closed bool

	subMu  sync.RWMutex
	subs   map[uint64]func(Completion)
	nextID uint64
}

// NewCoordinator creates a coordinator.
func NewCoordinator(resolver Resolver, compiler Compiler, logger logging.Logger, opts ...CoordinatorOption) *Coordinator {
	if logger == nil {
		logger = logging.NewNop()
	}
	c := &Coordinator{
		resolver: resolver,
		compiler: compiler,
		logger:   logger.WithComponent("coordinator"),
		stats:    NewBuildMetrics(),
		active:   make(map[ArtifactKey]*entry),
		subs:     make(map[uint64]func(Completion)),
	}
	c.idle = sync.NewCond(&c.mu)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Subscribe registers fn for completions. Callbacks run on the build
// goroutine of the finished key; the returned func removes fn.
func (c *Coordinator) Subscribe(fn func(Completion)) (cancel func()) {
	c.subMu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = fn
	c.subMu.Unlock()

	return func() {
		c.subMu.Lock()
		delete(c.subs, id)
		c.subMu.Unlock()
	}
}

// OnChange resolves ev to artifact keys and schedules their builds.
func (c *Coordinator) OnChange(ev watcher.Event) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}

	targets := c.resolver.Resolve(ev)
	if len(targets) == 0 {
		c.logger.Debug(context.Background(), "change affects no artifact", "path", ev.Path, "kind", ev.Kind.String())
		return
	}
	for _, t := range targets {
		c.request(t)
	}
}

func (c *Coordinator) request(t Target) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}

	if e, ok := c.active[t.Key]; ok {
		e.rerun = true
		e.source = t.Source
		c.mu.Unlock()

		if c.metrics != nil {
			c.metrics.ObserveRerun()
		}
		c.logger.Debug(context.Background(), "rerun requested", "key", string(t.Key))
		return
	}

	e := &entry{source: t.Source}
	e.job = Job{
		Key:         t.Key,
		Source:      t.Source,
		RequestedAt: time.Now(),
		Status:      StatusPending,
		Attempt:     1,
	}
	c.active[t.Key] = e
	c.startLocked(e)
	c.mu.Unlock()

	go c.run(e)
}

// startLocked moves a pending job to running. c.mu must be held.
func (c *Coordinator) startLocked(e *entry) {
	e.job.Status = StatusRunning
	e.job.StartedAt = time.Now()
	e.job.Source = e.source
}

func (c *Coordinator) run(e *entry) {
	for {
		c.mu.Lock()
		job := e.job
		c.mu.Unlock()

		artifact, err := c.compile(job.Key, job.Source)
		finished := time.Now()
		completion := c.complete(e, job, artifact, err, finished)

		c.publish(completion)

		c.mu.Lock()
		if e.rerun {
			e.rerun = false
			e.job = Job{
				Key:         job.Key,
				RequestedAt: finished,
				Status:      StatusPending,
				Attempt:     job.Attempt + 1,
			}
			c.startLocked(e)
			c.mu.Unlock()
			continue
		}
		delete(c.active, job.Key)
		if len(c.active) == 0 {
			c.idle.Broadcast()
		}
		c.mu.Unlock()
		return
	}
}

func (c *Coordinator) complete(e *entry, job Job, artifact *Artifact, err error, finished time.Time) Completion {
	duration := finished.Sub(job.StartedAt)

	completion := Completion{
		Key:      job.Key,
		Source:   job.Source,
		Kind:     KindForPath(job.Source),
		Path:     "/" + string(job.Key),
		Duration: duration,
	}

	status := StatusSucceeded
	if err != nil {
		status = StatusFailed
		completion.Err = err
		c.logger.Warn(context.Background(), err, "build failed",
			"key", string(job.Key), "attempt", job.Attempt, "duration", duration)
	} else {
		completion.Artifact = artifact
		if artifact != nil {
			completion.Kind = artifact.Kind
			if artifact.Path != "" {
				completion.Path = artifact.Path
			}
			if rec, ok := c.resolver.(DependencyRecorder); ok {
				rec.Record(job.Key, job.Source, artifact.Dependencies)
			}
		}
		c.logger.Info(context.Background(), "build succeeded",
			"key", string(job.Key), "attempt", job.Attempt, "duration", duration)
	}
	completion.Status = status

	c.mu.Lock()
	e.job.Status = status
	e.job.FinishedAt = finished
	e.job.Err = err
	c.mu.Unlock()

	c.stats.RecordBuild(BuildResult{Key: job.Key, Duration: duration, Error: err})
	if c.metrics != nil {
		c.metrics.ObserveBuild(status, duration)
	}

	return completion
}

func (c *Coordinator) compile(key ArtifactKey, source string) (artifact *Artifact, err error) {
	ctx := context.Background()
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			artifact = nil
			err = deverrors.NewCompileFailure(string(key), fmt.Sprintf("compiler panic: %v", r), nil)
		}
	}()

	artifact, err = c.compiler.Compile(ctx, source)
	if err == nil {
		return artifact, nil
	}

	if errors.Is(err, context.DeadlineExceeded) || (c.timeout > 0 && ctx.Err() != nil) {
		failure := deverrors.NewCompileFailure(string(key),
			fmt.Sprintf("build timed out after %s", c.timeout), err)
		failure.Code = deverrors.ErrCodeCompileTimeout
		return nil, failure
	}
	return nil, deverrors.AsCompileFailure(string(key), err)
}

func (c *Coordinator) publish(completion Completion) {
	c.subMu.RLock()
	subs := make([]func(Completion), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	c.subMu.RUnlock()

	for _, fn := range subs {
		fn(completion)
	}
}

// Active returns the current job for key, if any.
func (c *Coordinator) Active(key ArtifactKey) (Job, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.active[key]
	if !ok {
		return Job{}, false
	}
	return e.job, true
}

// RerunPending reports whether a follow-up build is queued for key.
func (c *Coordinator) RerunPending(key ArtifactKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.active[key]
	return ok && e.rerun
}

// Snapshot returns every active job ordered by key.
func (c *Coordinator) Snapshot() []Job {
	c.mu.Lock()
	jobs := make([]Job, 0, len(c.active))
	for _, e := range c.active {
		jobs = append(jobs, e.job)
	}
	c.mu.Unlock()

	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Key < jobs[j].Key })
	return jobs
}

// Stats returns a snapshot of build statistics.
func (c *Coordinator) Stats() BuildStats {
	return c.stats.Snapshot()
}

// Wait blocks until no job is active.
func (c *Coordinator) Wait() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.active) > 0 {
		c.idle.Wait()
	}
}

// Close refuses further changes and waits for in-flight builds, including
// queued reruns, to finish.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.Wait()
}
