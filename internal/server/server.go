// Package server provides the HTTP surface of the automation hub.
package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/autohub-io/autohub/internal/bidi"
	"github.com/autohub-io/autohub/internal/config"
	"github.com/autohub-io/autohub/internal/dispatch"
	"github.com/autohub-io/autohub/internal/session"
)

// Server is the HTTP server wrapping the command dispatcher and the socket
// gateway.
type Server struct {
	cfg        *config.Config
	router     *chi.Mux
	httpSrv    *http.Server
	dispatcher *dispatch.Dispatcher
	sessions   *session.Service
	gateway    *bidi.Gateway
}

// New creates a Server around an already wired dispatcher and gateway.
func New(cfg *config.Config, dispatcher *dispatch.Dispatcher, sessions *session.Service, gateway *bidi.Gateway) *Server {
	s := &Server{
		cfg:        cfg,
		router:     chi.NewRouter(),
		dispatcher: dispatcher,
		sessions:   sessions,
		gateway:    gateway,
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// setupMiddleware configures middleware for the server.
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RealIP)

	if s.cfg.AllowCORS {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders:   []string{"X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}
}

// Start starts the HTTP server and blocks until it exits.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:        s.cfg.Address(),
		Handler:     s.router,
		ReadTimeout: 30 * time.Second,
		// No write timeout: the socket routes hold their connections open.
		IdleTimeout: time.Duration(s.cfg.KeepAliveTimeout) * time.Second,
	}
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.gateway.Close()
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// Router returns the router, for tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// basePath normalizes the configured route prefix; "/" and "" both mean no
// prefix.
func (s *Server) basePath() string {
	p := strings.TrimSuffix(s.cfg.BasePath, "/")
	if p == "" || p == "/" {
		return ""
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}
