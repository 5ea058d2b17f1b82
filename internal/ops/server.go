// Package ops is the operator HTTP surface: liveness, queue and reminder
// state, recent deliveries, an on-demand sweep, and optional pprof.
package ops

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"agroplan/internal/jobs"
	"agroplan/internal/notifier"
	rtsup "agroplan/internal/runtime/supervisor"
	logx "agroplan/pkg/logx"
)

const defaultAddr = "127.0.0.1:8089"

// Config controls the listener. A non-loopback Addr needs Token or
// AllowInsecure.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
	Pprof         bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

func (c Config) addr() string {
	if a := strings.TrimSpace(c.Addr); a != "" {
		return a
	}
	return defaultAddr
}

type QueueSource interface {
	Snapshot() jobs.Snapshot
}

type ReminderSource interface {
	Armed() int
}

type DeliverySource interface {
	Snapshot() []notifier.HistoryItem
}

// Sources feeds the endpoints. Nil members make their endpoint answer 503.
type Sources struct {
	Queue       QueueSource
	Reminders   ReminderSource
	Deliveries  DeliverySource
	Supervisors func() map[string]rtsup.Snapshot
	// Sweep delivers due reminders and retries pending searches once.
	Sweep func(ctx context.Context) error
}

type Service struct {
	log     logx.Logger
	src     Sources
	started time.Time

	mu   sync.Mutex
	cfg  Config
	sup  *rtsup.Supervisor
	addr string
}

func New(cfg Config, src Sources, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, src: src, log: log.With(logx.String("comp", "ops")), started: time.Now()}
}

// Reconfigure swaps cfg in, restarting the listener only when it changed.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) {
	s.mu.Lock()
	same := s.cfg == cfg
	running := s.sup != nil
	s.cfg = cfg
	s.mu.Unlock()

	if running && (same || !cfg.Enabled) {
		if !cfg.Enabled {
			s.Stop(ctx)
		}
		return
	}
	if running {
		s.Stop(ctx)
	}
	s.Start(ctx)
}

// Start launches the listener if enabled and not already running. Bind
// errors are retried with backoff; an unsafe public bind is refused.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil || !s.cfg.Enabled {
		return
	}
	cfg := s.cfg
	if !cfg.AllowInsecure && cfg.Token == "" && !isLoopbackAddr(cfg.addr()) {
		s.log.Error("ops not started: public address needs a token or allow_insecure", logx.String("addr", cfg.addr()))
		return
	}
	s.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(s.log))
	s.sup.GoRestart("ops.http", func(c context.Context) error { return s.serve(c, cfg) },
		rtsup.WithPublishFirstError(true),
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
	)
}

// Stop closes the listener and waits for it, bounded by ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	if err := sup.Stop(ctx); err != nil && ctx.Err() != nil {
		s.log.Warn("ops stop timed out", logx.Err(err))
	}
	s.setAddr("")
	s.log.Info("ops server stopped")
}

// Addr is the bound address while serving, else "".
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Service) setAddr(a string) {
	s.mu.Lock()
	s.addr = a
	s.mu.Unlock()
}

func (s *Service) serve(ctx context.Context, cfg Config) error {
	ln, err := net.Listen("tcp", cfg.addr())
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:      s.Handler(cfg),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	s.setAddr(ln.Addr().String())
	s.log.Info("ops server listening", logx.String("addr", ln.Addr().String()), logx.Bool("pprof", cfg.Pprof), logx.Bool("token_set", cfg.Token != ""))
	err = srv.Serve(ln)
	if ctx.Err() != nil {
		<-stopped
		return context.Canceled
	}
	_ = srv.Close()
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		err = errors.New("server closed unexpectedly")
	}
	return err
}

func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(strings.Trim(host, "[]"))
	return ip != nil && ip.IsLoopback()
}
