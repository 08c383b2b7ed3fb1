// Package httpapi is the gateway's HTTP boundary.
//
// Every response is JSON shaped as {"success": bool, "message"|"error": ...}
// plus endpoint-specific fields. Routes under /api require the x-api-key
// header when a key is configured; /health is always public.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"msgate/internal/runtime/supervisor"
	"msgate/internal/templates"
	"msgate/pkg/logx"
)

const (
	defaultAddr         = ":3000"
	defaultMaxBodyBytes = 16 << 20
	defaultMaxRestarts  = 10
)

type Config struct {
	Addr string

	APIKey       string
	APIKeyBcrypt string

	Pprof bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	MaxBodyBytes int64

	// MaxRestarts caps how often a failed listener is rebound before the
	// server gives up. 0 selects the default; negative never gives up.
	MaxRestarts int
}

// Server runs the API over one listener and restarts it if Serve fails.
type Server struct {
	deps Deps
	log  logx.Logger

	// hot-reloadable request settings
	auth    atomic.Pointer[authKeys]
	maxBody atomic.Int64

	mu       sync.Mutex
	cfg      Config
	handler  http.Handler
	ln       net.Listener
	srv      *http.Server
	sup      *supervisor.Supervisor
	stopDone chan struct{}
}

func New(cfg Config, deps Deps, log logx.Logger) *Server {
	if deps.Templates == nil {
		deps.Templates = templates.NewStore()
	}
	s := &Server{
		deps: deps,
		log:  log.With(logx.String("comp", "http")),
		cfg:  cfg,
	}
	s.applyRequestSettings(cfg)
	s.handler = s.routes(cfg.Pprof)
	return s
}

// Handler is the full route tree, usable without a listener.
func (s *Server) Handler() http.Handler { return s.handler }

// Supervisor returns the serving supervisor (nil if not started).
func (s *Server) Supervisor() *supervisor.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Addr is the bound listener address, or "" when not serving.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Reconfigure applies auth keys and the body limit immediately. Address,
// timeouts and pprof take effect on the next Start.
func (s *Server) Reconfigure(cfg Config) {
	s.applyRequestSettings(cfg)
	s.mu.Lock()
	prev := s.cfg
	s.cfg.APIKey, s.cfg.APIKeyBcrypt, s.cfg.MaxBodyBytes = cfg.APIKey, cfg.APIKeyBcrypt, cfg.MaxBodyBytes
	s.mu.Unlock()
	if prev.Addr != cfg.Addr || prev.Pprof != cfg.Pprof {
		s.log.Warn("server address/pprof change requires restart",
			logx.String("addr", cfg.Addr),
			logx.Bool("pprof", cfg.Pprof),
		)
	}
}

func (s *Server) applyRequestSettings(cfg Config) {
	s.auth.Store(newAuthKeys(cfg.APIKey, cfg.APIKeyBcrypt))
	limit := cfg.MaxBodyBytes
	if limit <= 0 {
		limit = defaultMaxBodyBytes
	}
	s.maxBody.Store(limit)
}

// Start binds the listener and serves in the background. It is idempotent.
// The first bind error is returned so a misconfigured address fails startup.
func (s *Server) Start(ctx context.Context) error {
	for {
		s.mu.Lock()
		if s.stopDone != nil {
			done := s.stopDone
			s.mu.Unlock()
			select {
			case <-done:
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		if s.sup != nil {
			s.mu.Unlock()
			return nil
		}
		addr := strings.TrimSpace(s.cfg.Addr)
		if addr == "" {
			addr = defaultAddr
		}
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			s.mu.Unlock()
			return err
		}
		s.ln = ln
		s.sup = supervisor.New(ctx,
			supervisor.WithLogger(s.log),
			supervisor.WithCancelOnError(false),
		)
		sup := s.sup
		maxRestarts := s.cfg.MaxRestarts
		s.mu.Unlock()

		switch {
		case maxRestarts == 0:
			maxRestarts = defaultMaxRestarts
		case maxRestarts < 0:
			maxRestarts = 0
		}
		sup.GoRestart("http.serve", s.serveOnce,
			supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
			supervisor.WithMaxRestarts(maxRestarts),
		)
		return nil
	}
}

func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.sup == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	srv, ln, sup := s.srv, s.ln, s.sup
	s.mu.Unlock()

	go func() {
		defer close(done)
		if srv != nil {
			_ = srv.Shutdown(ctx)
			_ = srv.Close()
		}
		if ln != nil {
			_ = ln.Close()
		}
		sup.Cancel()
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.ln, s.srv, s.sup, s.stopDone = nil, nil, nil, nil
		s.mu.Unlock()
		s.log.Info("http stopped")
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
	}
}

func (s *Server) serveOnce(ctx context.Context) error {
	s.mu.Lock()
	cfg := s.cfg
	ln := s.ln
	if ln == nil {
		// previous listener died; rebind on restart
		addr := strings.TrimSpace(cfg.Addr)
		if addr == "" {
			addr = defaultAddr
		}
		var err error
		if ln, err = net.Listen("tcp", addr); err != nil {
			s.mu.Unlock()
			return err
		}
		s.ln = ln
	}
	srv := &http.Server{
		Handler:           s.handler,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
		ErrorLog:          s.log.StdLog(logx.LevelWarn),
	}
	s.srv = srv
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	s.log.Info("http started",
		logx.String("addr", ln.Addr().String()),
		logx.Bool("auth", s.auth.Load().enabled()),
		logx.Bool("pprof", cfg.Pprof),
	)
	err := srv.Serve(ln)

	s.mu.Lock()
	if s.srv == srv {
		s.srv = nil
		s.ln = nil
	}
	stopping := s.stopDone != nil
	s.mu.Unlock()

	if stopping || ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("http server exited unexpectedly")
	}
	return err
}
