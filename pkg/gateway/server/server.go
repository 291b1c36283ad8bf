package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/voxloop/voxloop/pkg/chat/store"
	"github.com/voxloop/voxloop/pkg/exchange"
	"github.com/voxloop/voxloop/pkg/gateway/config"
	"github.com/voxloop/voxloop/pkg/gateway/handlers"
	"github.com/voxloop/voxloop/pkg/gateway/mw"
	"github.com/voxloop/voxloop/pkg/gateway/ratelimit"
)

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	router chi.Router
}

// New wires the routes. ping, when non-nil, backs the readiness probe.
func New(cfg config.Config, logger *slog.Logger, st store.Store, ex *exchange.Exchanger, ping func(ctx context.Context) error) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:    cfg,
		logger: logger,
		router: chi.NewRouter(),
	}

	s.router.Method(http.MethodGet, "/healthz", handlers.HealthHandler{})
	s.router.Method(http.MethodGet, "/readyz", handlers.ReadyHandler{Config: cfg, Ping: ping})

	limiter := ratelimit.New(ratelimit.Config{
		RPS:                  cfg.RateRPS,
		Burst:                cfg.RateBurst,
		MaxConcurrentStreams: cfg.MaxConcurrentStreams,
	})

	s.router.Route("/v1", func(r chi.Router) {
		r.Use(func(next http.Handler) http.Handler {
			return mw.Auth(cfg, next)
		})
		r.Use(func(next http.Handler) http.Handler {
			return mw.RateLimit(limiter, next)
		})

		r.Method(http.MethodPost, "/chat", handlers.ChatHandler{
			Config:    cfg,
			Exchanger: ex,
			Limiter:   limiter,
			Logger:    logger,
		})

		conv := handlers.ConversationsHandler{Config: cfg, Store: st}
		r.Get("/conversations", conv.List)
		r.Get("/conversations/{id}", conv.Get)
		r.Delete("/conversations/{id}", conv.Delete)
	})

	return s
}

// Handler returns the full middleware chain around the router.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.router
	h = mw.CORS(s.cfg, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}
