package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/autohub-io/autohub/internal/capabilities"
	"github.com/autohub-io/autohub/internal/dispatch"
	"github.com/autohub-io/autohub/internal/drivers"
	"github.com/autohub-io/autohub/internal/errs"
)

// createSessionBody is the session creation payload. Both the standard
// envelope and the legacy desired/required pair are accepted; negotiation
// decides which protocol the session speaks.
type createSessionBody struct {
	Capabilities         *capabilities.W3CCapabilities `json:"capabilities"`
	DesiredCapabilities  capabilities.Capabilities     `json:"desiredCapabilities"`
	RequiredCapabilities capabilities.Capabilities     `json:"requiredCapabilities"`
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	envelope, err := s.dispatcher.Execute(r.Context(), dispatch.CommandGetStatus)
	if err != nil {
		writeError(w, err)
		return
	}
	writeEnvelope(w, envelope)
}

func (s *Server) listCommands(w http.ResponseWriter, r *http.Request) {
	envelope, err := s.dispatcher.Execute(r.Context(), dispatch.CommandListCommands)
	if err != nil {
		writeError(w, err)
		return
	}
	writeEnvelope(w, envelope)
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	envelope, err := s.dispatcher.Execute(r.Context(), dispatch.CommandGetSessions)
	if err != nil {
		writeError(w, err)
		return
	}
	writeEnvelope(w, envelope)
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var body createSessionBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, errs.InvalidArgument("malformed session request body: %v", err))
		return
	}

	args := []any{body.DesiredCapabilities, body.RequiredCapabilities, nil}
	if body.Capabilities != nil {
		args[2] = body.Capabilities
	}

	envelope, err := s.dispatcher.Execute(r.Context(), dispatch.CommandCreateSession, args...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeEnvelope(w, envelope)
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	envelope, err := s.dispatcher.Execute(r.Context(), dispatch.CommandDeleteSession, sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeEnvelope(w, envelope)
}

// executeBody is the generic command payload.
type executeBody struct {
	Command string `json:"command"`
	Args    []any  `json:"args"`
}

func (s *Server) executeCommand(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var body executeBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, errs.InvalidArgument("malformed command body: %v", err))
		return
	}
	if body.Command == "" {
		writeError(w, errs.InvalidArgument("command name is required"))
		return
	}

	args := append(body.Args, sessionID)
	envelope, err := s.dispatcher.Execute(r.Context(), body.Command, args...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeEnvelope(w, envelope)
}

// proxyCommand forwards an arbitrary request verbatim to the driver's raw
// proxy operation, plugin chain included.
func (s *Server) proxyCommand(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var path string
	if i := strings.Index(r.URL.Path, "/proxy/"); i >= 0 {
		path = r.URL.Path[i+len("/proxy"):]
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, errs.InvalidArgument("could not read proxy body: %v", err))
		return
	}

	envelope, err := s.dispatcher.Dispatch(r.Context(), dispatch.Request{
		Command: "proxyCommand",
		Args:    []any{sessionID},
		Proxy: &drivers.ProxyRequest{
			Path:   path,
			Method: r.Method,
			Body:   body,
		},
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeEnvelope(w, envelope)
}

func (s *Server) sessionSocket(w http.ResponseWriter, r *http.Request) {
	s.gateway.HandleSession(w, r, chi.URLParam(r, "sessionID"))
}

func (s *Server) serverSocket(w http.ResponseWriter, r *http.Request) {
	s.gateway.HandleServer(w, r)
}
