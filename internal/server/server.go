// internal/server/server.go
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pulse-bot/pkg/logger"
)

// Check probes one dependency for /health.
type Check func(ctx context.Context) error

type Options struct {
	Port       string
	AdminToken string
	Webhook    http.HandlerFunc
	Admin      AdminStore
	Checks     map[string]Check
	Now        func() time.Time
}

type Server struct {
	server *http.Server
	logger *logger.Logger
}

func NewServer(opts Options, log *logger.Logger) *Server {
	httpServer := &http.Server{
		Addr:         ":" + opts.Port,
		Handler:      NewRouter(opts, log),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return &Server{
		server: httpServer,
		logger: log,
	}
}

// NewRouter builds the HTTP routes. Split out so tests can serve it through httptest.
func NewRouter(opts Options, log *logger.Logger) http.Handler {
	if opts.Now == nil {
		opts.Now = time.Now
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(Recovery(log))
	r.Use(RequestLogger(log))

	r.Get("/health", healthHandler(opts.Checks))
	r.Handle("/metrics", promhttp.Handler())
	if opts.Webhook != nil {
		r.Post("/webhook/stripe", opts.Webhook)
	}

	if opts.Admin != nil {
		a := &adminHandler{store: opts.Admin, now: opts.Now, logger: log}
		r.Route("/admin", func(r chi.Router) {
			r.Use(BearerAuth(opts.AdminToken))
			r.Get("/stats/overview", a.overview)
			r.Get("/stats/subscriptions", a.subscriptions)
			r.Get("/users", a.users)
			r.Get("/payments", a.payments)
			r.Get("/analyses", a.analyses)
		})
	}
	return r
}

func (s *Server) Start() error {
	s.logger.Info("Starting HTTP server", "addr", s.server.Addr)
	return s.server.ListenAndServe()
}

func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping HTTP server")
	return s.server.Shutdown(ctx)
}

// Run serves until ctx is cancelled and then shuts down within timeout.
func (s *Server) Run(ctx context.Context, timeout time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	return s.Stop(shutdownCtx)
}

func healthHandler(checks map[string]Check) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		status := map[string]string{"status": "ok"}
		for name, check := range checks {
			if err := check(ctx); err != nil {
				status[name] = "error"
				status["status"] = "degraded"
			} else {
				status[name] = "ok"
			}
		}

		code := http.StatusOK
		if status["status"] == "degraded" {
			code = http.StatusServiceUnavailable
		}
		JSON(w, code, status)
	}
}
