package commitd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"pkt.systems/commitd/internal/clock"
	"pkt.systems/commitd/internal/httpapi"
	"pkt.systems/commitd/internal/txncoord"
	"pkt.systems/pslog"
)

// Server hosts the transaction coordination service behind an HTTP listener.
type Server struct {
	cfg       Config
	logger    pslog.Logger
	service   *txncoord.Service
	httpSrv   *http.Server
	telemetry *telemetryBundle

	readyCh   chan struct{}
	readyOnce sync.Once

	mu         sync.Mutex
	listener   net.Listener
	socketPath string
	shutdown   bool
	serveErr   error
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger       pslog.Logger
	Clock        clock.Clock
	Recovery     txncoord.RecoveryStore
	HTTPClient   *http.Client
	OTLPEndpoint string
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) { o.Logger = l }
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.Clock = c }
}

// WithRecoveryStore injects the store step-up recovery reads in-doubt
// coordinations from.
func WithRecoveryStore(store txncoord.RecoveryStore) Option {
	return func(o *options) { o.Recovery = store }
}

// WithHTTPClient overrides the client used for participant traffic.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.HTTPClient = c }
}

// WithOTLPEndpoint overrides the OTLP collector endpoint used for telemetry.
func WithOTLPEndpoint(endpoint string) Option {
	return func(o *options) { o.OTLPEndpoint = endpoint }
}

// NewServer constructs a commitd server according to cfg.
// Example:
//
//	srv, err := commitd.NewServer(commitd.Config{Listen: ":9351"})
//	if err != nil { log.Fatal(err) }
//	go srv.Start()
//	defer srv.Close()
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := o.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}

	otlpEndpoint := cfg.OTLPEndpoint
	if o.OTLPEndpoint != "" {
		otlpEndpoint = o.OTLPEndpoint
	}
	telemetry, err := setupTelemetry(context.Background(), telemetrySettings{
		otlpEndpoint:     otlpEndpoint,
		metricsListen:    cfg.MetricsListen,
		pprofListen:      cfg.PprofListen,
		profilingMetrics: cfg.EnableProfilingMetrics,
	}, logger.With("svc", "telemetry"))
	if err != nil {
		return nil, err
	}

	service := txncoord.NewService(txncoord.Config{
		Logger:           logger,
		Clock:            o.Clock,
		HTTPClient:       o.HTTPClient,
		Recovery:         o.Recovery,
		RetainCompleted:  cfg.RetainCompletedCoordinators,
		JoinWarnInterval: cfg.JoinWarnInterval,
		Retry: txncoord.RetryPolicy{
			Timeout:     cfg.ParticipantTimeout,
			MaxAttempts: cfg.ParticipantMaxAttempts,
			BaseDelay:   cfg.ParticipantRetryBaseDelay,
			MaxDelay:    cfg.ParticipantRetryMaxDelay,
			Multiplier:  cfg.ParticipantRetryMultiplier,
		},
	})
	handler := httpapi.New(httpapi.Config{
		Service:        service,
		Logger:         logger,
		TracingEnabled: otlpEndpoint != "",
	})

	return &Server{
		cfg:       cfg,
		logger:    logger,
		service:   service,
		telemetry: telemetry,
		httpSrv:   &http.Server{Handler: handler.Router()},
		readyCh:   make(chan struct{}),
	}, nil
}

// Service exposes the coordination service for embedding and tests.
func (s *Server) Service() *txncoord.Service {
	return s.service
}

// Handler returns the underlying HTTP handler so commitd can be mounted
// inside an existing mux when embedding the server into another program.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Start performs step-up recovery, then serves requests and blocks until the
// server stops.
func (s *Server) Start() error {
	if s.cfg.ListenProto == "unix" {
		if err := os.Remove(s.cfg.Listen); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove stale unix socket: %w", err)
		}
	}
	ln, err := net.Listen(s.cfg.ListenProto, s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen (%s %s): %w", s.cfg.ListenProto, s.cfg.Listen, err)
	}
	s.mu.Lock()
	s.listener = ln
	if s.cfg.ListenProto == "unix" {
		s.socketPath = s.cfg.Listen
	}
	s.mu.Unlock()

	if err := s.service.StepUp(context.Background()); err != nil {
		// The gate is poisoned; keep serving so clients get structured
		// step-up failures instead of connection refusals.
		s.logger.Error("txn.tc.stepup.failed", "error", err)
	}
	s.signalReady()
	s.logger.Info("listening", "network", s.cfg.ListenProto, "address", ln.Addr().String())

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

// Shutdown gracefully stops the server: no new requests are admitted, active
// coordinations drain, stragglers are cancelled when ctx ends. The returned
// error will be nil for clean shutdowns.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()

	if err := s.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http shutdown: %w", err)
	}
	if err := s.service.Shutdown(ctx); err != nil {
		return fmt.Errorf("coordination drain: %w", err)
	}
	s.mu.Lock()
	if l := s.listener; l != nil {
		_ = l.Close()
		s.listener = nil
	}
	socketPath := s.socketPath
	s.mu.Unlock()

	if s.telemetry != nil {
		telemetryCtx := ctx
		if telemetryCtx.Err() != nil {
			var cancel context.CancelFunc
			telemetryCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
		}
		if err := s.telemetry.Shutdown(telemetryCtx); err != nil {
			return err
		}
		s.telemetry = nil
	}
	if s.cfg.ListenProto == "unix" && socketPath != "" {
		if err := os.Remove(socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	if err := s.lastServeError(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close gracefully shuts the server down using a background context bounded
// by the configured shutdown timeout.
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

// WaitUntilReady blocks until the server accepts requests or ctx ends.
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
	if l := s.listener; l != nil {
		return l.Addr()
	}
	return nil
}

func (s *Server) recordServeErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.serveErr == nil {
		s.serveErr = err
	}
}

func (s *Server) lastServeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serveErr
}

// StartServer starts a commitd server in a background goroutine and waits
// until it is ready to accept connections. It returns the running server
// alongside a stop function that gracefully shuts it down.
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	readyCtx := ctx
	if readyCtx == nil {
		readyCtx = context.Background()
	}
	select {
	case err := <-errCh:
		if err == nil {
			err = errors.New("server exited before becoming ready")
		}
		return nil, nil, err
	case <-readyCtx.Done():
		_ = srv.Close()
		return nil, nil, readyCtx.Err()
	case <-srv.readyCh:
	}
	stop := func(stopCtx context.Context) error {
		if err := srv.Shutdown(stopCtx); err != nil {
			return err
		}
		select {
		case err := <-errCh:
			return err
		case <-stopCtx.Done():
			return stopCtx.Err()
		}
	}
	return srv, stop, nil
}
