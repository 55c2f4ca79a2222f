package network

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/conneroisu/devserve/internal/logging"
)

const (
	// DefaultProbeInterval is used when ProberConfig.Interval is zero.
	DefaultProbeInterval = 2 * time.Second

	probeJobName = "network-recovery-probe"
)

// ProberConfig configures the recovery probe.
type ProberConfig struct {
	URL      string
	Interval time.Duration
	Client   *http.Client
}

// Prober polls the origin while the state is down and calls Enable(true)
// on the first answer below 500. It implements Monitor.
type Prober struct {
	state    *State
	url      string
	interval time.Duration
	client   *http.Client
	logger   logging.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	scheduler gocron.Scheduler
	job       gocron.Job
	closed    bool
}

// NewProber creates a prober bound to state and starts its scheduler. No
// job is scheduled until Start is called.
func NewProber(state *State, cfg ProberConfig, logger logging.Logger) (*Prober, error) {
	if state == nil {
		return nil, errors.New("network state is required")
	}
	if cfg.URL == "" {
		return nil, errors.New("probe url is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: interval}
	}

	scheduler, err := gocron.NewScheduler(gocron.WithStopTimeout(interval + time.Second))
	if err != nil {
		return nil, fmt.Errorf("create probe scheduler: %w", err)
	}
	scheduler.Start()

	ctx, cancel := context.WithCancel(context.Background())

	return &Prober{
		state:     state,
		url:       cfg.URL,
		interval:  interval,
		client:    client,
		logger:    logger.WithComponent("prober"),
		ctx:       ctx,
		cancel:    cancel,
		scheduler: scheduler,
	}, nil
}

// Start schedules the probe job, firing immediately. Calling Start while
// the job is scheduled does nothing.
func (p *Prober) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return errors.New("prober closed")
	}
	if p.job != nil {
		return nil
	}

	job, err := p.scheduler.NewJob(
		gocron.DurationJob(p.interval),
		gocron.NewTask(p.probe),
		gocron.WithName(probeJobName),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		return fmt.Errorf("schedule recovery probe: %w", err)
	}
	p.job = job

	p.logger.Debug(p.ctx, "recovery probe scheduled", "url", p.url, "interval", p.interval)
	return nil
}

// Stop removes the probe job. It is a no-op when nothing is scheduled.
func (p *Prober) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.job == nil {
		return nil
	}
	id := p.job.ID()
	p.job = nil

	if err := p.scheduler.RemoveJob(id); err != nil && !errors.Is(err, gocron.ErrJobNotFound) {
		return fmt.Errorf("remove recovery probe: %w", err)
	}
	p.logger.Debug(p.ctx, "recovery probe stopped")
	return nil
}

// Running reports whether the probe job is scheduled.
func (p *Prober) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.job != nil
}

// Close stops probing and shuts the scheduler down.
func (p *Prober) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.job = nil
	p.mu.Unlock()

	p.cancel()
	if err := p.scheduler.Shutdown(); err != nil {
		return fmt.Errorf("shutdown probe scheduler: %w", err)
	}
	return nil
}

func (p *Prober) probe() {
	ctx, cancel := context.WithTimeout(p.ctx, p.interval)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		p.logger.Error(ctx, err, "build probe request", "url", p.url)
		return
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Debug(ctx, "origin still unreachable", "url", p.url, "error", err.Error())
		return
	}
	_ = resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		p.logger.Debug(ctx, "origin still failing", "url", p.url, "status", resp.StatusCode)
		return
	}
	if p.ctx.Err() != nil {
		return
	}

	p.state.Enable(true)
}
