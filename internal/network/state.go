// Package network tracks the health of the proxied origin.
//
// State is a two-state machine (up/down). A single 503 or 504 from the
// origin demotes it immediately; promotion only happens through an explicit
// Enable(true), normally issued by the recovery Prober.
package network

import (
	"context"
	"io"
	"net/http"
	"sync"

	deverrors "github.com/conneroisu/devserve/internal/errors"
	"github.com/conneroisu/devserve/internal/logging"
)

// Monitor is started when the state goes down and stopped when it comes
// back up or the state is closed.
type Monitor interface {
	Start() error
	Stop() error
}

// State holds the up/down flag and its subscribers. The zero value is not
// usable; create one with NewState.
type State struct {
	// emitMu serialises transitions so subscribers observe them in order.
	emitMu sync.Mutex

	mu      sync.RWMutex
	up      bool
	subs    map[uint64]func(up bool)
	nextID  uint64
	monitor Monitor
	closed  bool

	logger logging.Logger
}

// NewState returns a State that starts up.
func NewState(logger logging.Logger) *State {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &State{
		up:     true,
		subs:   make(map[uint64]func(bool)),
		logger: logger.WithComponent("network"),
	}
}

// SetMonitor attaches the recovery monitor. If the state is already down
// the monitor is started right away.
func (s *State) SetMonitor(m Monitor) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	s.monitor = m
	down := !s.up && !s.closed
	s.mu.Unlock()

	if down && m != nil {
		s.startMonitor(m)
	}
}

// Up reports whether the origin is considered healthy.
func (s *State) Up() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.up
}

// Down is the complement of Up.
func (s *State) Down() bool {
	return !s.Up()
}

// Enable sets the health flag. Setting the current value does nothing;
// otherwise every subscriber is called exactly once with the new value.
func (s *State) Enable(up bool) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	if s.up == up {
		s.mu.Unlock()
		return
	}
	s.up = up
	monitor := s.monitor
	closed := s.closed
	subs := make([]func(bool), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	ctx := context.Background()
	if up {
		s.logger.Info(ctx, "origin healthy again", "state", "up")
	} else {
		s.logger.Info(ctx, "origin degraded", "state", "down")
	}

	if monitor != nil && !closed {
		if up {
			if err := monitor.Stop(); err != nil {
				s.logger.Warn(ctx, err, "stop recovery monitor")
			}
		} else {
			s.startMonitor(monitor)
		}
	}

	for _, fn := range subs {
		fn(up)
	}
}

// OnProxyStatus feeds an upstream response code into the state machine.
// Only 503 and 504 while up cause a transition.
func (s *State) OnProxyStatus(code int) {
	if code != http.StatusServiceUnavailable && code != http.StatusGatewayTimeout {
		return
	}
	if !s.Up() {
		return
	}
	s.logger.Warn(context.Background(), deverrors.NewNetworkDegraded(code), "upstream unavailable")
	s.Enable(false)
}

// Subscribe registers fn for transitions. The returned func removes it.
func (s *State) Subscribe(fn func(up bool)) (cancel func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// Close stops the recovery monitor, closing it when it implements
// io.Closer. It is safe to call more than once.
func (s *State) Close() error {
	s.emitMu.Lock()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.emitMu.Unlock()
		return nil
	}
	s.closed = true
	monitor := s.monitor
	s.mu.Unlock()
	// Released before stopping so an in-flight probe can finish its Enable.
	s.emitMu.Unlock()

	if closer, ok := monitor.(io.Closer); ok {
		return closer.Close()
	}
	if monitor != nil {
		return monitor.Stop()
	}
	return nil
}

func (s *State) startMonitor(m Monitor) {
	if err := m.Start(); err != nil {
		s.logger.Error(context.Background(), err, "start recovery monitor")
	}
}
