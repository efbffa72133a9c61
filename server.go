package gtxd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/gtxd/internal/clock"
	"pkt.systems/gtxd/internal/coordinator"
	"pkt.systems/gtxd/internal/hoststats"
	"pkt.systems/gtxd/internal/httpapi"
	"pkt.systems/gtxd/internal/participant"
	"pkt.systems/gtxd/internal/sessionstore"
	"pkt.systems/gtxd/internal/storage"
	"pkt.systems/gtxd/internal/svcfields"
)

// Server wraps the HTTP API, the session store and the coordinator loops.
type Server struct {
	cfg       Config
	logger    pslog.Logger
	clock     clock.Clock
	store     *sessionstore.Store
	coord     *coordinator.Coordinator
	httpSrv   *http.Server
	telemetry *telemetryBundle

	listener  net.Listener
	readyCh   chan struct{}
	readyOnce sync.Once
	ready     atomic.Bool

	loopCancel context.CancelFunc
	loopDone   chan struct{}

	mu       sync.Mutex
	shutdown bool
	serveErr error
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger      pslog.Logger
	Backend     storage.Backend
	Clock       clock.Clock
	Participant coordinator.Participant
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithBackend injects a pre-built backend (useful for tests).
func WithBackend(b storage.Backend) Option {
	return func(o *options) {
		o.Backend = b
	}
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// WithParticipant replaces the HTTP participant client.
func WithParticipant(p coordinator.Participant) Option {
	return func(o *options) {
		o.Participant = p
	}
}

// NewServer constructs a gtxd server according to cfg. Nothing listens and
// no session is recovered until Start.
func NewServer(cfg Config, opts ...Option) (srv *Server, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	logger := o.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	logger = svcfields.WithSubsystem(logger, "server.core")
	clk := o.Clock
	if clk == nil {
		clk = clock.Real{}
	}

	ctx := context.Background()
	telemetry, err := setupTelemetry(ctx, telemetryConfig{
		OTLPEndpoint:   cfg.OTLPEndpoint,
		MetricsListen:  cfg.MetricsListen,
		PprofListen:    cfg.PprofListen,
		RuntimeMetrics: cfg.EnableProfilingMetrics,
	}, svcfields.WithSubsystem(logger, "telemetry"))
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = telemetry.Shutdown(context.Background())
		}
	}()

	backend := o.Backend
	if backend == nil {
		backend, err = openBackend(ctx, cfg, logger, clk, true)
		if err != nil {
			return nil, err
		}
	}
	crypto, err := openCrypto(cfg)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	store, err := sessionstore.New(sessionstore.Config{
		Backend: backend,
		Crypto:  crypto,
		Logger:  svcfields.WithSubsystem(logger, "storage.sessions"),
		Clock:   clk,
	})
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = store.Close()
		}
	}()

	part := o.Participant
	if part == nil {
		part, err = participant.New(participant.Config{
			Endpoints: cfg.Participants,
			Timeout:   cfg.ParticipantTimeout,
			CAFile:    cfg.ParticipantCAFile,
			Insecure:  cfg.ParticipantInsecure,
			Tracing:   telemetry.TracingEnabled(),
			Logger:    svcfields.WithSubsystem(logger, "participant.client"),
		})
		if err != nil {
			return nil, err
		}
	}

	coord, err := coordinator.New(coordinator.Config{
		Address:                    cfg.Address,
		Store:                      store,
		Participant:                part,
		LockShards:                 cfg.LockShards,
		Clock:                      clk,
		Logger:                     logger,
		DefaultTimeout:             cfg.DefaultTimeout,
		CommittingRetryPeriod:      cfg.CommittingRetryPeriod,
		AsyncCommittingRetryPeriod: cfg.AsyncCommittingRetryPeriod,
		RollbackingRetryPeriod:     cfg.RollbackingRetryPeriod,
		TimeoutRetryPeriod:         cfg.TimeoutRetryPeriod,
		MaxCommitRetryTimeout:      cfg.MaxCommitRetryTimeout,
		MaxRollbackRetryTimeout:    cfg.MaxRollbackRetryTimeout,
		RetryMaxAttempts:           cfg.RetryMaxAttempts,
	})
	if err != nil {
		return nil, err
	}

	host := hoststats.New(hoststats.Config{
		MaxAge: DefaultHostStatsMaxAge,
		Logger: svcfields.WithSubsystem(logger, "server.hoststats"),
	})
	if err := host.RegisterMetrics(); err != nil {
		logger.Warn("hoststats.metrics.register_failed", "error", err)
	}

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		clock:     clk,
		store:     store,
		coord:     coord,
		telemetry: telemetry,
		readyCh:   make(chan struct{}),
	}
	handler := httpapi.New(httpapi.Config{
		Coordinator:  coord,
		Host:         host,
		Logger:       logger,
		Tracing:      telemetry.TracingEnabled(),
		MaxBodyBytes: cfg.MaxBodyBytes,
		Ready:        s.ready.Load,
	})
	mux := http.NewServeMux()
	handler.Register(mux)
	s.httpSrv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

// Handler returns the HTTP handler so the API can be mounted elsewhere.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Coordinator exposes the transaction coordinator.
func (s *Server) Coordinator() *coordinator.Coordinator {
	return s.coord
}

// Start recovers persisted sessions, starts the background loops and serves
// requests until Shutdown. Recovery must finish before the listener opens.
func (s *Server) Start() error {
	ctx := pslog.ContextWithLogger(context.Background(), s.logger)
	res, err := s.coord.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover sessions: %w", err)
	}
	s.logger.Info("server.recovered",
		"sessions", res.Sessions,
		"retry_commit", res.RetryCommit,
		"retry_rollback", res.RetryRollback,
		"async_commit", res.AsyncCommit,
		"locks", res.Locks,
		"elapsed", res.Duration,
	)

	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen (%s): %w", s.cfg.Listen, err)
	}
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		cancel()
		_ = ln.Close()
		return nil
	}
	s.listener = ln
	s.loopCancel = cancel
	s.loopDone = done
	s.mu.Unlock()
	go func() {
		defer close(done)
		if err := s.coord.Run(loopCtx); err != nil {
			s.logger.Error("coordinator.run.failed", "error", err)
		}
	}()
	s.ready.Store(true)
	s.signalReady()
	s.logger.Info("server.listening", "address", ln.Addr().String(), "xid_address", s.cfg.Address, "store", s.cfg.StoreMode)

	serveErr := s.httpSrv.Serve(ln)
	s.recordServeErr(serveErr)
	if errors.Is(serveErr, http.ErrServerClosed) {
		return nil
	}
	if serveErr != nil {
		return fmt.Errorf("http serve: %w", serveErr)
	}
	return nil
}

// Shutdown stops accepting requests, waits for in-flight requests and the
// background loops, then closes the store and telemetry.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	cancel, done := s.loopCancel, s.loopDone
	s.mu.Unlock()
	s.ready.Store(false)

	var errs []error
	if err := s.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("coordinator loops: %w", ctx.Err()))
		}
	}
	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	if s.telemetry != nil {
		telemetryCtx := ctx
		if telemetryCtx.Err() != nil {
			var cancelTelemetry context.CancelFunc
			telemetryCtx, cancelTelemetry = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelTelemetry()
		}
		if err := s.telemetry.Shutdown(telemetryCtx); err != nil {
			errs = append(errs, err)
		}
		s.telemetry = nil
	}
	if err := s.LastServeError(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, err)
	}
	s.logger.Info("server.shutdown.complete", "errors", len(errs))
	return errors.Join(errs...)
}

// Close gracefully shuts the server down using the configured timeout.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return s.Shutdown(ctx)
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

// WaitUntilReady blocks until recovery finished and the listener is open.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
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
	s.serveErr = err
	s.mu.Unlock()
}

// LastServeError returns the most recent error reported by the HTTP server.
func (s *Server) LastServeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serveErr
}

// StartServer starts a server in a background goroutine and waits until it
// is ready. The returned stop function shuts it down gracefully.
//
//	srv, stop, err := gtxd.StartServer(ctx, gtxd.Config{StoreMode: "memory", Listen: "127.0.0.1:0"})
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
	select {
	case <-srv.readyCh:
	case err := <-errCh:
		_ = srv.Close()
		if err == nil {
			err = errors.New("server stopped before becoming ready")
		}
		return nil, nil, err
	case <-ctx.Done():
		_ = srv.Close()
		<-errCh
		return nil, nil, ctx.Err()
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
			if err := <-errCh; err != nil {
				stopErr = errors.Join(stopErr, err)
			}
		})
		return stopErr
	}
	go func() {
		<-ctx.Done()
		_ = stop(context.Background())
	}()
	return srv, stop, nil
}
