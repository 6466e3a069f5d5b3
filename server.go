package lotteryd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"pkt.systems/lotteryd/internal/acceptor"
	"pkt.systems/lotteryd/internal/dispatch"
	"pkt.systems/lotteryd/internal/handler"
	"pkt.systems/lotteryd/internal/storage"
	"pkt.systems/lotteryd/internal/storage/disk"
	loggingengine "pkt.systems/lotteryd/internal/storage/logging"
	"pkt.systems/lotteryd/internal/svcfields"
	"pkt.systems/pslog"
)

// ErrServerClosed is returned by Start once the server has been shut down.
var ErrServerClosed = errors.New("lotteryd: server closed")

// Server wires the storage engine, connection handler, worker pool and
// acceptor behind a single lifecycle.
type Server struct {
	cfg       Config
	logger    pslog.Logger
	engine    storage.Engine
	handler   *handler.Handler
	pool      *dispatch.Pool
	telemetry *telemetryBundle

	mu           sync.Mutex
	acceptor     *acceptor.Acceptor
	listener     net.Listener
	shutdown     bool
	lastServeErr error
	readyOnce    sync.Once
	readyCh      chan struct{}
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger       pslog.Logger
	Engine       storage.Engine
	Listener     net.Listener
	OTLPEndpoint string
	configHooks  []func(*Config)
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithEngine injects a pre-built storage engine (useful for tests). The
// server takes ownership and closes it on shutdown.
func WithEngine(e storage.Engine) Option {
	return func(o *options) {
		o.Engine = e
	}
}

// WithListener serves on an existing listener instead of binding
// Config.Listen.
func WithListener(ln net.Listener) Option {
	return func(o *options) {
		o.Listener = ln
	}
}

// WithOTLPEndpoint overrides the OTLP collector endpoint used for telemetry.
func WithOTLPEndpoint(endpoint string) Option {
	return func(o *options) {
		o.configHooks = append(o.configHooks, func(cfg *Config) {
			cfg.OTLPEndpoint = endpoint
		})
	}
}

// WithShutdownTimeout overrides the drain budget applied when Shutdown is
// called without a deadline.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *options) {
		o.configHooks = append(o.configHooks, func(cfg *Config) {
			cfg.ShutdownTimeout = d
		})
	}
}

// NewServer constructs a lotteryd server according to cfg. Unless
// cfg.ResetOnStart is explicitly disabled the storage root is wiped.
// Example:
//
//	cfg := lotteryd.Config{Listen: ":12345", DataDir: "/var/lib/lotteryd"}
//	srv, err := lotteryd.NewServer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	for _, hook := range o.configHooks {
		hook(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := o.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	ctx := context.Background()

	telemetry, err := setupTelemetry(ctx, telemetryConfig{
		OTLPEndpoint:           cfg.OTLPEndpoint,
		MetricsListen:          cfg.MetricsListen,
		PprofListen:            cfg.PprofListen,
		EnableProfilingMetrics: cfg.EnableProfilingMetrics,
	}, svcfields.WithSubsystem(logger, svcfields.Telemetry))
	if err != nil {
		return nil, err
	}
	cleanup := func() {
		_ = telemetry.Shutdown(ctx)
	}

	engine := o.Engine
	if engine == nil {
		store, err := disk.New(disk.Config{
			Root:              cfg.DataDir,
			LockRetryInterval: cfg.LockRetryInterval,
			ExpectedAgencies:  cfg.AgencyCount,
			Logger:            svcfields.WithSubsystem(logger, svcfields.Storage),
		})
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("open storage: %w", err)
		}
		engine = store
	}
	engine = loggingengine.Wrap(engine, logger, svcfields.Storage)
	cleanup = func() {
		_ = engine.Close()
		_ = telemetry.Shutdown(ctx)
	}
	if cfg.ResetOnStart {
		if err := engine.Reset(ctx); err != nil {
			cleanup()
			return nil, fmt.Errorf("reset storage: %w", err)
		}
	}

	h, err := handler.New(handler.Config{
		Engine:      engine,
		Logger:      svcfields.WithSubsystem(logger, svcfields.Handler),
		ConnTimeout: cfg.ConnTimeout,
	})
	if err != nil {
		cleanup()
		return nil, err
	}
	pool, err := dispatch.New(dispatch.Config{
		Workers:   cfg.PoolSize,
		QueueSize: cfg.ListenBacklog,
		Serve:     h.Serve,
		Logger:    svcfields.WithSubsystem(logger, svcfields.Dispatch),
	})
	if err != nil {
		cleanup()
		return nil, err
	}

	return &Server{
		cfg:       cfg,
		logger:    svcfields.WithSubsystem(logger, svcfields.Server),
		engine:    engine,
		handler:   h,
		pool:      pool,
		telemetry: telemetry,
		listener:  o.Listener,
		readyCh:   make(chan struct{}),
	}, nil
}

// Config returns the validated configuration the server runs with.
func (s *Server) Config() Config {
	return s.cfg
}

// Engine returns the storage engine backing the server.
func (s *Server) Engine() storage.Engine {
	return s.engine
}

// Start binds the listener and serves connections. It blocks until the
// server stops and returns nil after a clean shutdown.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return ErrServerClosed
	}
	if s.acceptor != nil {
		s.mu.Unlock()
		return fmt.Errorf("lotteryd: server already started")
	}
	ln := s.listener
	if ln == nil {
		var err error
		ln, err = acceptor.Listen(context.Background(), s.cfg.Listen, s.cfg.ListenBacklog)
		if err != nil {
			s.mu.Unlock()
			err = fmt.Errorf("listen (tcp %s): %w", s.cfg.Listen, err)
			s.recordServeErr(err)
			return err
		}
		s.listener = ln
	}
	acc, err := acceptor.New(acceptor.Config{
		Listener:      ln,
		AcceptTimeout: s.cfg.AcceptTimeout,
		Pool:          s.pool,
		Logger:        s.logger,
	})
	if err != nil {
		s.mu.Unlock()
		_ = ln.Close()
		return err
	}
	s.acceptor = acc
	s.mu.Unlock()

	s.signalReady()
	s.logger.Info("listening",
		"address", ln.Addr().String(),
		"backlog", s.cfg.ListenBacklog,
		"workers", s.cfg.PoolSize,
		"data_dir", s.cfg.DataDir,
	)
	serveErr := acc.Serve(context.Background())
	s.recordServeErr(serveErr)
	if serveErr != nil {
		return fmt.Errorf("serve: %w", serveErr)
	}
	return nil
}

// Shutdown stops accepting connections, lets in-flight connections finish
// and releases storage and telemetry. Connections still running when ctx
// ends are aborted, which clears their working flags. Without a ctx
// deadline Config.ShutdownTimeout applies. Repeated calls return nil.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	acc := s.acceptor
	ln := s.listener
	s.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); !ok && s.cfg.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
		defer cancel()
	}
	start := time.Now()
	s.logger.Info("server.shutdown.begin", "in_flight", s.pool.InFlight(), "tracked", s.pool.Tracked())

	var errs []error
	if acc != nil {
		if err := acc.Shutdown(ctx); err != nil {
			s.logger.Warn("server.shutdown.connections_aborted", "error", err)
		}
	} else {
		if ln != nil {
			_ = ln.Close()
		}
		s.pool.Drain(ctx)
	}
	if err := s.engine.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close storage: %w", err))
	}
	if s.telemetry != nil {
		telemetryCtx := ctx
		if telemetryCtx.Err() != nil {
			var cancel context.CancelFunc
			telemetryCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
		}
		if err := s.telemetry.Shutdown(telemetryCtx); err != nil {
			errs = append(errs, err)
		}
	}
	s.signalReady()
	s.logger.Info("server.shutdown.complete", "elapsed", time.Since(start))
	return errors.Join(errs...)
}

// Close gracefully shuts the server down using the configured drain budget.
func (s *Server) Close() error {
	return s.Shutdown(context.Background())
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

// WaitUntilReady blocks until the listener is bound or ctx ends. It also
// returns once the server has been shut down before it became ready.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.acceptor == nil {
			if s.lastServeErr != nil {
				return s.lastServeErr
			}
			return ErrServerClosed
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound listener address once available.
func (s *Server) ListenerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

func (s *Server) recordServeErr(err error) {
	s.mu.Lock()
	s.lastServeErr = err
	s.mu.Unlock()
	if err != nil {
		s.signalReady()
	}
}

// LastServeError returns the error that ended the most recent Start call.
func (s *Server) LastServeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastServeErr
}

// StartServer starts a lotteryd server in a background goroutine and waits
// until it accepts connections. It returns the running server alongside a
// stop function that gracefully shuts it down. Cancelling ctx also stops
// the server.
// Example:
//
//	cfg := lotteryd.Config{Listen: "127.0.0.1:0", DataDir: t.TempDir()}
//	srv, stop, err := lotteryd.StartServer(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer stop(context.Background())
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	waitCtx := ctx
	if waitCtx == nil {
		waitCtx = context.Background()
	}
	if err := srv.WaitUntilReady(waitCtx); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-errCh
		return nil, nil, err
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				stopErr = err
			}
			if err := <-errCh; err != nil && !errors.Is(err, ErrServerClosed) && stopErr == nil {
				stopErr = err
			}
		})
		return stopErr
	}
	if ctx != nil {
		go func() {
			<-ctx.Done()
			_ = stop(context.Background())
		}()
	}
	return srv, stop, nil
}
