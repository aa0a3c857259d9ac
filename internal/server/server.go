// Package server exposes the provisioning operations over a small admin
// HTTP API.
//
// Routes:
//
//	GET    /healthz
//	GET    /pools
//	PUT    /shops/{shopID}                    register or update a shop record
//	DELETE /shops/{shopID}                    soft-delete a shop record
//	GET    /shops/{shopID}/database
//	POST   /shops/{shopID}/database           provision
//	DELETE /shops/{shopID}/database
//	POST   /shops/{shopID}/database/migrate
//	GET    /shops/{shopID}/database/schema
//	GET    /shops/{shopID}/archives
//
// With an auth secret configured, every route but /healthz requires an
// HS256 bearer token (see IssueToken).
package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/koustreak/shopdb/internal/config"
	"github.com/koustreak/shopdb/internal/logger"
	"github.com/koustreak/shopdb/internal/provision"
)

// Server serves the admin API.
type Server struct {
	factory    *provision.Factory
	log        *logger.Logger
	authSecret []byte
	router     chi.Router
}

// Option configures a Server.
type Option func(*Server)

// WithAuthSecret requires an HS256 bearer token signed with secret on every
// route except /healthz. An empty secret leaves the API open.
func WithAuthSecret(secret string) Option {
	return func(s *Server) {
		if secret != "" {
			s.authSecret = []byte(secret)
		}
	}
}

// New builds the router over factory.
func New(factory *provision.Factory, log *logger.Logger, opts ...Option) *Server {
	if log == nil {
		log = logger.Nop()
	}
	s := &Server{factory: factory, log: log}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(requestLogger(s.log))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		if s.authSecret != nil {
			r.Use(requireToken(s.authSecret))
		}

		r.Get("/pools", s.handlePools)

		r.Route("/shops/{shopID}", func(r chi.Router) {
			r.Put("/", s.handleRegisterShop)
			r.Delete("/", s.handleDeleteShop)

			r.Get("/database", s.handleGetDatabase)
			r.Post("/database", s.handleProvision)
			r.Delete("/database", s.handleDeleteDatabase)
			r.Post("/database/migrate", s.handleMigrate)
			r.Get("/database/schema", s.handleSchema)

			r.Get("/archives", s.handleArchives)
		})
	})

	return r
}

// Run serves on cfg.Addr until ctx is cancelled, then shuts down gracefully
// within cfg.ShutdownTimeout.
func (s *Server) Run(ctx context.Context, cfg config.HTTPConfig) error {
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: cfg.ReadTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.With().Str("addr", cfg.Addr).Logger().Info("admin API listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
