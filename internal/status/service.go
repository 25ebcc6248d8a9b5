package status

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"humanity/internal/recovery"
	rtsup "humanity/internal/runtime/supervisor"
	logx "humanity/pkg/logx"
)

// ErrInsecureBind is returned when the server would listen beyond loopback
// without a token and allow_insecure is not set.
var ErrInsecureBind = errors.New("status: non-loopback addr requires token or allow_insecure")

const shutdownGrace = 2 * time.Second

// Provider supplies the controller snapshot. Status is called from HTTP
// handler goroutines.
type Provider interface {
	Status() recovery.Status
}

// Service is the optional status HTTP server. Each start gets its own
// supervisor running the listener under a restart loop; a failing status
// server never takes the app down.
type Service struct {
	provider Provider
	metrics  *Metrics
	version  string
	extras   map[string]func() any
	started  time.Time
	log      logx.Logger

	// lifeMu serializes Start, Stop and Reconfigure.
	lifeMu sync.Mutex

	mu  sync.Mutex
	cfg Config
	sup *rtsup.Supervisor
	ln  net.Listener
}

type Option func(*Service)

func WithMetrics(m *Metrics) Option { return func(s *Service) { s.metrics = m } }

func WithVersion(v string) Option { return func(s *Service) { s.version = v } }

// WithExtra adds a named section to the /status response.
func WithExtra(name string, fn func() any) Option {
	return func(s *Service) {
		if fn != nil {
			s.extras[name] = fn
		}
	}
}

func New(cfg Config, provider Provider, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		provider: provider,
		extras:   map[string]func() any{},
		started:  time.Now(),
		log:      log,
		cfg:      cfg,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Addr is the bound address, "" while not listening.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Supervisor returns the running server's supervisor, nil when stopped.
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Reconfigure switches to cfg, starting, stopping or restarting the server
// only when needed.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	s.mu.Lock()
	prev, running := s.cfg, s.sup != nil
	s.cfg = cfg
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		s.stopLocked(ctx)
	case !running:
		s.startLocked(ctx)
	case needsRestart(prev, cfg):
		s.log.Info("status server config changed; restarting")
		s.stopLocked(ctx)
		s.startLocked(ctx)
	}
}

// Start launches the server when enabled. It is a no-op when running.
func (s *Service) Start(ctx context.Context) {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	s.startLocked(ctx)
}

// Stop shuts the server down and waits, bounded by ctx.
func (s *Service) Stop(ctx context.Context) {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	s.stopLocked(ctx)
}

func (s *Service) startLocked(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.sup != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	cfg := s.cfg
	sup := rtsup.New(ctx, rtsup.WithLogger(s.log))
	s.sup = sup
	s.mu.Unlock()

	sup.GoRestart("status.http", func(ctx context.Context) error { return s.serve(ctx, cfg) },
		rtsup.WithPublishFirstError(true),
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
	)
}

func (s *Service) stopLocked(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	if sup == nil {
		return
	}
	if err := sup.Stop(ctx); errors.Is(err, context.DeadlineExceeded) {
		s.log.Warn("status server did not stop in time")
	}
	s.mu.Lock()
	s.sup, s.ln = nil, nil
	s.mu.Unlock()
	s.log.Info("status server stopped")
}

// checkBind applies the bind safety rules. It reports whether the bind is
// allowed but unauthenticated beyond loopback.
func checkBind(cfg Config) (insecure bool, err error) {
	if cfg.Token != "" || isLoopbackAddr(cfg.addr()) {
		return false, nil
	}
	if !cfg.AllowInsecure {
		return true, ErrInsecureBind
	}
	return true, nil
}

// serve runs one listener until ctx ends (nil) or serving fails (error).
func (s *Service) serve(ctx context.Context, cfg Config) error {
	addr := cfg.addr()
	insecure, err := checkBind(cfg)
	if err != nil {
		s.log.Error("status server refused to start", logx.String("addr", addr), logx.Err(err))
		return err
	}
	if insecure {
		s.log.Warn("status server has no token on a non-loopback addr", logx.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:      s.routes(cfg.Token),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		if s.ln == ln {
			s.ln = nil
		}
		s.mu.Unlock()
	}()

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			_ = srv.Close()
		}
	}()

	s.log.Info("status server listening", logx.String("addr", ln.Addr().String()), logx.Bool("token_set", cfg.Token != ""))
	err = srv.Serve(ln)
	if ctx.Err() != nil {
		<-stopped
		return nil
	}
	_ = srv.Close()
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("status server exited unexpectedly")
	}
	return err
}
