package server

import (
	"github.com/go-chi/chi/v5"
)

// setupRoutes configures the hub endpoints, honoring the configured base
// path prefix.
func (s *Server) setupRoutes() {
	mount := func(r chi.Router) {
		r.Get("/status", s.getStatus)
		r.Get("/commands", s.listCommands)
		r.Get("/sessions", s.listSessions)

		r.Route("/session", func(r chi.Router) {
			r.Post("/", s.createSession)

			r.Route("/{sessionID}", func(r chi.Router) {
				r.Delete("/", s.deleteSession)
				r.Post("/execute", s.executeCommand)
				r.HandleFunc("/proxy/*", s.proxyCommand)
				r.Get("/bidi", s.sessionSocket)
			})
		})

		r.Get("/bidi", s.serverSocket)
	}

	if prefix := s.basePath(); prefix != "" {
		s.router.Route(prefix, mount)
		return
	}
	mount(s.router)
}
