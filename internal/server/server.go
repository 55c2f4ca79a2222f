// Package server composes the devserve pipeline: the file watcher feeds the
// build coordinator, completions and network transitions reach browsers
// through the reload broadcaster, and one HTTP server exposes the reload
// socket, the client script, health endpoints and either the proxied origin
// or the built output.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/conneroisu/devserve/internal/build"
	"github.com/conneroisu/devserve/internal/config"
	"github.com/conneroisu/devserve/internal/logging"
	"github.com/conneroisu/devserve/internal/metrics"
	"github.com/conneroisu/devserve/internal/network"
	"github.com/conneroisu/devserve/internal/proxy"
	"github.com/conneroisu/devserve/internal/reload"
	"github.com/conneroisu/devserve/internal/version"
	"github.com/conneroisu/devserve/internal/watcher"
)

const readHeaderTimeout = 10 * time.Second

// Option configures a DevServer.
type Option func(*DevServer)

// WithLogger sets the logger shared by every component.
func WithLogger(logger logging.Logger) Option {
	return func(s *DevServer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithCompiler replaces the extension-based compiler set. Every watched
// file is handed to c.
func WithCompiler(c build.Compiler) Option {
	return func(s *DevServer) {
		s.compilerOverride = c
	}
}

// WithMetrics uses r instead of a fresh recorder.
func WithMetrics(r *metrics.Recorder) Option {
	return func(s *DevServer) {
		s.metrics = r
	}
}

// DevServer owns every component of one dev session.
type DevServer struct {
	config  *config.Config
	logger  logging.Logger
	metrics *metrics.Recorder

	network     *network.State
	watcher     *watcher.FileWatcher
	output      *build.OutputWriter
	coordinator *build.Coordinator
	broadcaster *reload.Broadcaster
	proxy       *proxy.Proxy
	prober      *network.Prober

	compilerOverride build.Compiler
	unsubscribe      []func()

	serverMutex sync.RWMutex
	httpServer  *http.Server
	addr        net.Addr
	started     bool
	ready       chan struct{}
	done        chan struct{}

	shutdownOnce sync.Once
	shutdownErr  error
}

// New wires the pipeline for cfg. state may be shared with the caller; a
// fresh one is created when nil. Nothing runs until Start.
func New(cfg *config.Config, state *network.State, opts ...Option) (*DevServer, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}

	s := &DevServer{
		config: cfg,
		logger: logging.NewNop(),
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.NewRecorder(nil)
	}
	if state == nil {
		state = network.NewState(s.logger)
	}
	s.network = state

	if cfg.Proxy.Origin != "" {
		if err := s.setupProxy(); err != nil {
			return nil, err
		}
	}

	fw, err := watcher.New(watcher.Options{
		Root:     cfg.Watch.Root,
		Include:  cfg.Watch.Include,
		Exclude:  cfg.Watch.Exclude,
		Coalesce: cfg.Watch.Coalesce,
	}, s.logger)
	if err != nil {
		s.closeProber()
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	s.watcher = fw

	compiler, supports, err := s.buildCompiler()
	if err != nil {
		_ = fw.Stop()
		s.closeProber()
		return nil, err
	}
	s.output = build.NewOutputWriter(cfg.OutputPath(), compiler)

	graph := build.NewGraph(fw.Root(), supports)
	s.coordinator = build.NewCoordinator(graph, s.output, s.logger,
		build.WithBuildTimeout(cfg.Build.Timeout),
		build.WithMetrics(s.metrics),
	)

	s.broadcaster = reload.NewBroadcaster(s.logger,
		reload.WithSendTimeout(cfg.Server.SendTimeout),
		reload.WithMetrics(s.metrics),
	)

	s.unsubscribe = append(s.unsubscribe,
		s.coordinator.Subscribe(s.broadcaster.NotifyBuildCompleted),
		s.network.Subscribe(s.broadcaster.NotifyNetworkTransition),
		s.network.Subscribe(s.metrics.ObserveNetwork),
	)

	return s, nil
}

func (s *DevServer) setupProxy() error {
	prober, err := network.NewProber(s.network, network.ProberConfig{
		URL:      s.config.Proxy.HealthURL,
		Interval: s.config.Proxy.ProbeInterval,
	}, s.logger)
	if err != nil {
		return fmt.Errorf("failed to create recovery probe: %w", err)
	}
	s.network.SetMonitor(prober)
	s.prober = prober

	opts := []proxy.Option{proxy.WithTimeout(s.config.Proxy.Timeout)}
	if !s.config.Proxy.Inject {
		opts = append(opts, proxy.WithoutInjection())
	}
	p, err := proxy.New(s.config.Proxy.Origin, s.OnUpstreamResponse, s.logger, opts...)
	if err != nil {
		s.closeProber()
		return err
	}
	s.proxy = p

	return nil
}

// closeProber detaches and closes the recovery probe after a failed New.
func (s *DevServer) closeProber() {
	if s.prober == nil {
		return
	}
	s.network.SetMonitor(nil)
	_ = s.prober.Close()
}

// buildCompiler returns the compiler for every supported extension and the
// filter the dependency graph uses to decide what is buildable.
func (s *DevServer) buildCompiler() (build.Compiler, func(string) bool, error) {
	if s.compilerOverride != nil {
		return s.compilerOverride, nil, nil
	}

	root := s.config.Watch.Root
	templVersion := s.config.Build.TemplVersion
	if templVersion == "" {
		templVersion = version.TemplVersion()
	}

	multi := build.NewMultiCompiler()
	multi.Register(build.NewTemplCompiler(root, templVersion), ".templ")
	multi.Register(build.NewMarkdownCompiler(root), ".md", ".markdown")
	multi.Register(build.NewHTMLCompiler(root), ".html", ".htm")
	multi.Register(build.NewStaticCompiler(root, build.KindStyle), ".css")
	multi.Register(build.NewStaticCompiler(root, build.KindScript), ".js", ".mjs")

	for _, cmd := range s.config.Build.Commands {
		kind, err := build.ParseKind(cmd.Kind)
		if err != nil {
			return nil, nil, fmt.Errorf("build command for %s: %w", cmd.Ext, err)
		}
		cc, err := build.NewCommandCompiler(root, build.CommandSpec{
			Command:   cmd.Command,
			Args:      cmd.Args,
			Kind:      kind,
			OutputExt: cmd.OutputExt,
		}, s.config.Build.AllowedCommands)
		if err != nil {
			return nil, nil, fmt.Errorf("build command for %s: %w", cmd.Ext, err)
		}
		multi.Register(cc, cmd.Ext)
	}

	s.logger.Debug(context.Background(), "compilers registered", "extensions", multi.Extensions())
	return multi, multi.Supports, nil
}

// OnUpstreamResponse reports the status of a proxied response.
func (s *DevServer) OnUpstreamResponse(code int) {
	s.network.OnProxyStatus(code)
}

// Start runs the watcher, the initial build and the HTTP server. It blocks
// until the watch root fails, the HTTP server fails, ctx is cancelled or
// Shutdown is called. Only the first two return an error.
func (s *DevServer) Start(ctx context.Context) error {
	s.serverMutex.Lock()
	select {
	case <-s.done:
		s.serverMutex.Unlock()
		return errors.New("server is shut down")
	default:
	}
	if s.started {
		s.serverMutex.Unlock()
		return errors.New("server already started")
	}
	s.started = true
	s.serverMutex.Unlock()

	if err := s.watcher.Start(ctx); err != nil {
		return err
	}

	addr := s.config.Address()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.serverMutex.Lock()
	select {
	case <-s.done:
		s.serverMutex.Unlock()
		_ = ln.Close()
		return nil
	default:
	}
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	server := s.httpServer
	s.addr = ln.Addr()
	s.serverMutex.Unlock()
	close(s.ready)

	s.logger.Info(ctx, "dev server listening", "addr", ln.Addr().String(), "root", s.watcher.Root(), "proxy", s.config.Proxy.Origin)

	go s.pump()
	s.initialBuild(ctx)

	serveErr := make(chan error, 1)
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case err, ok := <-s.watcher.Errors():
		if ok && err != nil {
			s.logger.Error(ctx, err, "watch root lost")
			return err
		}
		return nil
	case err := <-serveErr:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		return nil
	case <-s.done:
		return nil
	}
}

// pump forwards watcher events until the watcher stops.
func (s *DevServer) pump() {
	for ev := range s.watcher.Events() {
		s.logger.Debug(context.Background(), "file changed", "path", ev.Path, "kind", ev.Kind.String())
		s.coordinator.OnChange(ev)
	}
}

// initialBuild schedules every file already present under the root.
func (s *DevServer) initialBuild(ctx context.Context) {
	files, err := s.watcher.Files()
	if err != nil {
		s.logger.Warn(ctx, err, "initial scan failed")
		return
	}

	now := time.Now()
	for _, path := range files {
		s.coordinator.OnChange(watcher.Event{Path: path, Kind: watcher.Created, Timestamp: now})
	}
	s.logger.Info(ctx, "initial scan complete", "files", len(files))
}

// Ready is closed once the server is listening.
func (s *DevServer) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the listening address, or nil before Start.
func (s *DevServer) Addr() net.Addr {
	s.serverMutex.RLock()
	defer s.serverMutex.RUnlock()
	return s.addr
}

// Broadcaster returns the registry of connected reload clients.
func (s *DevServer) Broadcaster() *reload.Broadcaster { return s.broadcaster }

// Coordinator returns the build coordinator fed by the watcher.
func (s *DevServer) Coordinator() *build.Coordinator { return s.coordinator }

// Network returns the upstream reachability state.
func (s *DevServer) Network() *network.State { return s.network }

// Metrics returns the server's prometheus recorder.
func (s *DevServer) Metrics() *metrics.Recorder { return s.metrics }

// Shutdown stops the HTTP server, disconnects clients, waits for in-flight
// builds (bounded by ctx), stops the watcher and closes the network state.
// Later calls return the first result.
func (s *DevServer) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.logger.Info(ctx, "shutting down")
		var errs []error

		s.serverMutex.Lock()
		server := s.httpServer
		close(s.done)
		s.serverMutex.Unlock()

		if server != nil {
			if err := server.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("http server: %w", err))
			}
		}

		if err := s.broadcaster.Close(); err != nil {
			errs = append(errs, fmt.Errorf("broadcaster: %w", err))
		}

		drained := make(chan struct{})
		go func() {
			s.coordinator.Close()
			close(drained)
		}()
		select {
		case <-drained:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("waiting for builds: %w", ctx.Err()))
		}

		if err := s.watcher.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("watcher: %w", err))
		}
		if err := s.network.Close(); err != nil {
			errs = append(errs, fmt.Errorf("network: %w", err))
		}
		for _, cancel := range s.unsubscribe {
			cancel()
		}

		s.shutdownErr = errors.Join(errs...)
	})

	return s.shutdownErr
}
