package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"chatrelay/internal/breaker"
	"chatrelay/internal/gateway"
	"chatrelay/internal/limiter"
	"chatrelay/internal/notifier"
	"chatrelay/internal/queue"
	logx "chatrelay/pkg/logx"
)

// Sender is the send pipeline behind POST /v1/messages.
type Sender interface {
	Send(ctx context.Context, identifier string, req gateway.ChatRequest) (gateway.Result, error)
}

// Config controls the local API server.
//
// The API carries no auth of its own; bind it to loopback.
type Config struct {
	Addr string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = "127.0.0.1:8686"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 2 * time.Minute
	}
	// WriteTimeout stays 0 unless set: chat completions can run long.
	return c
}

type Server struct {
	cfg    Config
	router *chi.Mux
	srv    *http.Server

	gw      Sender
	queue   *queue.Queue // nil when storage is disabled
	limiter *limiter.Limiter
	breaker *breaker.Breaker
	conn    gateway.ConnectivitySource
	notif   *notifier.Service
	log     logx.Logger
}

func New(cfg Config, gw Sender, q *queue.Queue, lim *limiter.Limiter, brk *breaker.Breaker,
	conn gateway.ConnectivitySource, notif *notifier.Service, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{
		cfg:     cfg.withDefaults(),
		router:  chi.NewRouter(),
		gw:      gw,
		queue:   q,
		limiter: lim,
		breaker: brk,
		conn:    conn,
		notif:   notif,
		log:     log,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/messages", s.handleSend)
		r.Get("/messages", s.handleListMessages)
		r.Get("/messages/{id}/response", s.handleMessageResponse)

		r.Post("/queue/drain", s.handleDrain)
		r.Get("/queue/export", s.handleExport)

		r.Post("/connectivity", s.handleConnectivity)

		r.Get("/status", s.handleStatus)
	})
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.ListenAndServe() }()
	s.log.Info("api server started", logx.String("addr", s.cfg.Addr))

	select {
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(sctx)
		<-errCh
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
