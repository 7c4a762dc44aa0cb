// Package httpapi is the admin JSON API over the running bots.
//
// Security:
//   - Prefer binding to localhost (default).
//   - A non-loopback address requires Token.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"funnelbot/internal/engage"
	"funnelbot/internal/scheduler"
	logx "funnelbot/pkg/logx"
)

const defaultAddr = "127.0.0.1:8080"

var ErrInsecureAddr = errors.New("httpapi: non-loopback addr requires a token")

type Config struct {
	Addr         string
	Token        string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Pprof mounts net/http/pprof under /debug/pprof/ (token protected).
	Pprof   bool
	Profile ProfileRates
}

// Registry resolves bot instances by id.
type Registry interface {
	Bot(id string) (*engage.Bot, bool)
	Bots() []*engage.Bot
}

// SchedulerSource is implemented by registries that also expose the cron
// scheduler; GET /api/scheduler is mounted only for them.
type SchedulerSource interface {
	Scheduler() *scheduler.Service
}

type Server struct {
	mu  sync.Mutex
	log logx.Logger
	cfg Config
	reg Registry

	engine *gin.Engine
	ln     net.Listener
	srv    *http.Server
	done   chan struct{}
}

func New(cfg Config, reg Registry, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{cfg: cfg, reg: reg, log: log.With(logx.Comp("httpapi"))}
	s.engine = s.routes()
	return s
}

// Handler exposes the router, mostly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Addr is the bound listen address, empty when not running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Start listens and serves in the background. It returns once the listener
// is bound.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return nil
	}
	addr := strings.TrimSpace(s.cfg.Addr)
	if addr == "" {
		addr = defaultAddr
	}
	if strings.TrimSpace(s.cfg.Token) == "" && !isLoopbackAddr(addr) {
		s.log.Error("admin api refused to start", logx.String("addr", addr), logx.Err(ErrInsecureAddr))
		return ErrInsecureAddr
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.engine,
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       2 * time.Minute,
	}
	done := make(chan struct{})
	s.ln, s.srv, s.done = ln, srv, done

	go func() {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("admin api stopped with error", logx.Err(err))
		}
	}()
	s.log.Info("admin api started", logx.String("addr", ln.Addr().String()), logx.Bool("token_set", s.cfg.Token != ""))
	return nil
}

// Stop shuts the server down, waiting for in-flight requests until ctx ends.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, ln, done := s.srv, s.ln, s.done
	s.srv, s.ln, s.done = nil, nil, nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	err := srv.Shutdown(ctx)
	if err != nil {
		_ = srv.Close()
	}
	_ = ln.Close()
	select {
	case <-done:
	case <-ctx.Done():
	}
	s.log.Info("admin api stopped")
	return err
}

func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	host = strings.Trim(host, "[]")
	if host == "" {
		// ":8080" binds every interface.
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
