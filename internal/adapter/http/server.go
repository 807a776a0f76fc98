// Package http exposes the conversion service as a JSON API with a
// server-sent event stream per job.
package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/bnema/audiograb/internal/adapter/http/middleware"
	"github.com/bnema/audiograb/internal/adapter/http/ratelimit"
	"github.com/bnema/audiograb/internal/infrastructure/metrics"
)

type Config struct {
	// AdminTokenHash is a bcrypt hash of the admin bearer token. Admin
	// routes are not mounted when it is empty.
	AdminTokenHash  string
	SubmitPerMinute float64
	SubmitBurst     int
	BehindProxy     bool
	KeepAlive       time.Duration
	Logger          *zap.Logger
}

type Server struct {
	router     chi.Router
	handlers   *Handlers
	sseHandler *SSEHandler
	submits    *ratelimit.ClientLimiter
	failures   *ratelimit.FailureLimiter
	cfg        Config
}

func NewServer(svc ConversionService, events EventSource, cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	logger := cfg.Logger.With(zap.String("component", "http"))

	submits := ratelimit.NewClientLimiter(cfg.SubmitPerMinute, cfg.SubmitBurst)
	failures := ratelimit.NewFailureLimiter(
		5,
		15*time.Minute,
		30*time.Minute,
	)

	s := &Server{
		handlers:   NewHandlers(svc, submits, logger),
		sseHandler: NewSSEHandler(svc, events, cfg.KeepAlive, logger),
		submits:    submits,
		failures:   failures,
		cfg:        cfg,
	}
	s.router = s.routes(logger)
	return s
}

func (s *Server) routes(logger *zap.Logger) chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	if s.cfg.BehindProxy {
		r.Use(chimw.RealIP)
	}
	r.Use(middleware.RequestLogger(logger))
	r.Use(chimw.Recoverer)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.Metrics)

	r.Get("/healthz", s.handlers.Healthz())
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.handlers.SubmitJob())
			r.Get("/", s.handlers.FindJob())
			r.Get("/{id}", s.handlers.GetJob())
			r.Get("/{id}/events", s.sseHandler.Events())
		})
		r.Get("/download/{id}", s.handlers.Download())
		r.Get("/stats", s.handlers.Stats())

		if s.cfg.AdminTokenHash != "" {
			r.Route("/admin/blocklist", func(r chi.Router) {
				r.Use(AdminAuth([]byte(s.cfg.AdminTokenHash), s.failures, logger))
				r.Get("/", s.handlers.ListBlocks())
				r.Post("/", s.handlers.AddBlock())
				r.Delete("/{kind}/{value}", s.handlers.RemoveBlock())
			})
		}
	})
	return r
}

// Limiters exposes the rate limiters so their cleanup loops can be run
// alongside the server.
func (s *Server) Limiters() (*ratelimit.ClientLimiter, *ratelimit.FailureLimiter) {
	return s.submits, s.failures
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
