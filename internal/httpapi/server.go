// Package httpapi is the operator HTTP API: broadcasts, subscribers, audit, health
// and metrics, optionally with pprof.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	rtsup "rolecast/internal/runtime/supervisor"
	logx "rolecast/pkg/logx"
)

const DefaultAddr = "127.0.0.1:8080"

// Config controls the API server.
//
// An empty JWTSecret leaves the API unauthenticated; a non-loopback Addr then requires
// AllowInsecure.
type Config struct {
	Addr          string
	JWTSecret     string
	AllowInsecure bool

	RatePerSec float64
	Burst      int

	Pprof bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type Server struct {
	mu  sync.Mutex
	log logx.Logger
	cfg Config
	h   *handler

	engine   *gin.Engine
	srv      *http.Server
	sup      *rtsup.Supervisor
	stopDone chan struct{}
	addr     string
}

func New(cfg Config, d Deps, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "httpapi"))
	s := &Server{cfg: cfg, log: log, h: &handler{d: d, log: log}}
	s.engine = s.routes()
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Addr is the bound listen address, empty until serving.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(requestID(), recovery(s.log), accessLog(s.log))

	r.GET("/healthz", s.h.healthz)
	if s.h.d.Metrics != nil {
		r.GET("/metrics", gin.WrapH(s.h.d.Metrics))
	}

	auth := r.Group("/", rateLimit(s.cfg.RatePerSec, s.cfg.Burst), jwtAuth(s.cfg.JWTSecret))

	if s.h.d.Broadcasts != nil {
		api := auth.Group("/api")
		api.POST("/broadcasts", s.h.createBroadcast)
		api.GET("/broadcasts/pending", s.h.listPending)
		api.DELETE("/broadcasts/:id", s.h.cancelBroadcast)
		api.GET("/audit", s.h.listAudit)
	}

	dc := auth.Group("/discord")
	dc.POST("/subscribe", s.h.subscribe)
	dc.DELETE("/unsubscribe/:userId", s.h.unsubscribe)
	dc.GET("/subscribers", s.h.listSubscribers)
	dc.POST("/send-message", s.h.sendMessage)

	if s.cfg.Pprof {
		dbg := auth.Group("/debug/pprof")
		dbg.GET("/", gin.WrapF(hpprof.Index))
		dbg.GET("/cmdline", gin.WrapF(hpprof.Cmdline))
		dbg.GET("/profile", gin.WrapF(hpprof.Profile))
		dbg.GET("/symbol", gin.WrapF(hpprof.Symbol))
		dbg.POST("/symbol", gin.WrapF(hpprof.Symbol))
		dbg.GET("/trace", gin.WrapF(hpprof.Trace))
		for _, name := range []string{"allocs", "block", "goroutine", "heap", "mutex", "threadcreate"} {
			dbg.GET("/"+name, gin.WrapH(hpprof.Handler(name)))
		}
	}
	return r
}

// Start serves under a restarting supervisor. It is idempotent.
func (s *Server) Start(ctx context.Context) {
	for {
		s.mu.Lock()
		if s.stopDone != nil {
			done := s.stopDone
			s.mu.Unlock()
			select {
			case <-done:
			case <-ctx.Done():
				return
			}
			continue
		}
		if s.sup != nil {
			s.mu.Unlock()
			return
		}
		sup := rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
		s.sup = sup
		s.mu.Unlock()

		sup.GoRestart("http.serve", s.serveOnce,
			rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
			rtsup.WithMaxRestarts(20),
		)
		return
	}
}

// Stop shuts the server down gracefully until ctx ends.
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
	srv, sup := s.srv, s.sup
	s.mu.Unlock()

	go func() {
		defer close(done)
		if srv != nil {
			_ = srv.Shutdown(ctx)
			_ = srv.Close()
		}
		_ = sup.Stop(context.Background())

		s.mu.Lock()
		s.srv, s.sup, s.stopDone, s.addr = nil, nil, nil, ""
		s.mu.Unlock()
		s.log.Info("http api stopped")
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (s *Server) serveOnce(ctx context.Context) error {
	addr := strings.TrimSpace(s.cfg.Addr)
	if addr == "" {
		addr = DefaultAddr
	}
	secured := strings.TrimSpace(s.cfg.JWTSecret) != ""
	if !secured && !isLoopbackAddr(addr) {
		if !s.cfg.AllowInsecure {
			s.log.Error("http api refused to start: non-loopback addr requires jwt_secret or allow_insecure",
				logx.String("addr", addr))
			return errors.New("http api refused to start: insecure bind")
		}
		s.log.Warn("http api running without auth on non-loopback addr", logx.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		return err
	}
	defer func() { _ = ln.Close() }()

	srv := &http.Server{
		Handler:           s.engine,
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       2 * time.Minute,
	}
	defer func() { _ = srv.Close() }()

	s.mu.Lock()
	s.srv = srv
	s.addr = ln.Addr().String()
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	s.log.Info("http api started",
		logx.String("addr", ln.Addr().String()),
		logx.Bool("auth", secured),
		logx.Bool("pprof", s.cfg.Pprof),
	)
	err = srv.Serve(ln)

	s.mu.Lock()
	if s.srv == srv {
		s.srv = nil
		s.addr = ""
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

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
