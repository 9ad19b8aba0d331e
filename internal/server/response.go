package server

import (
	"encoding/json"
	"net/http"

	"github.com/autohub-io/autohub/internal/capabilities"
	"github.com/autohub-io/autohub/internal/dispatch"
	"github.com/autohub-io/autohub/internal/errs"
	"github.com/autohub-io/autohub/internal/session"
)

// errorValue is the protocol-level error payload.
type errorValue struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	Stacktrace string `json:"stacktrace"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeEnvelope encodes a command result in the wire shape of its protocol.
// Session creation is the one command with a bespoke shape: the session id
// rides next to the capabilities.
func writeEnvelope(w http.ResponseWriter, envelope *dispatch.Envelope) {
	if result, ok := envelope.Value.(*session.CreateResult); ok {
		writeCreateResult(w, result)
		return
	}
	if envelope.Protocol == capabilities.ProtocolLegacy {
		writeJSON(w, http.StatusOK, map[string]any{"status": 0, "value": envelope.Value})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"value": envelope.Value})
}

func writeCreateResult(w http.ResponseWriter, result *session.CreateResult) {
	if result.Protocol == capabilities.ProtocolLegacy {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":    0,
			"sessionId": result.SessionID,
			"value":     result.Capabilities,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"value": map[string]any{
			"sessionId":    result.SessionID,
			"capabilities": result.Capabilities,
		},
	})
}

// writeError encodes a command failure. Structured errors carry their own
// wire code; anything else is reported as an unknown error.
func writeError(w http.ResponseWriter, err error) {
	code := errs.CodeOf(err)
	writeJSON(w, httpStatus(code), map[string]any{
		"value": errorValue{
			Error:      string(code),
			Message:    err.Error(),
			Stacktrace: "",
		},
	})
}

func httpStatus(code errs.Code) int {
	switch code {
	case errs.CodeInvalidArgument:
		return http.StatusBadRequest
	case errs.CodeNoSuchSession, errs.CodeNoProxyCommand:
		return http.StatusNotFound
	case errs.CodeSessionNotCreated:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
