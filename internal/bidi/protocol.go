// Package bidi implements the gateway for the bidirectional socket protocol:
// persistent connections per session (or server-global), command multiplexing
// through the plugin chain, and event fan-out to subscribed sockets.
package bidi

import (
	"encoding/json"
	"strings"

	"github.com/autohub-io/autohub/internal/errs"
)

// CommandMessage is one inbound client frame.
type CommandMessage struct {
	ID     *int64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// id returns the echoable message id, zero when the client omitted it.
func (m *CommandMessage) id() int64 {
	if m.ID == nil {
		return 0
	}
	return *m.ID
}

// parseMessage decodes and validates an inbound text frame.
func parseMessage(data []byte) (*CommandMessage, error) {
	var msg CommandMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return &msg, errs.InvalidArgument("malformed BiDi message: %v", err)
	}
	if msg.Method == "" {
		return &msg, errs.InvalidArgument("missing method in BiDi message")
	}
	if len(msg.Params) == 0 || string(msg.Params) == "null" {
		return &msg, errs.InvalidArgument("missing params in BiDi message")
	}
	return &msg, nil
}

// splitMethod breaks "module.command" at the first dot.
func splitMethod(method string) (module, command string) {
	if i := strings.Index(method, "."); i >= 0 {
		return method[:i], method[i+1:]
	}
	return "", method
}

type successFrame struct {
	ID     int64  `json:"id"`
	Type   string `json:"type"`
	Result any    `json:"result"`
}

type errorFrame struct {
	ID      int64  `json:"id"`
	Type    string `json:"type"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

type eventFrame struct {
	Type    string `json:"type"`
	Context string `json:"context"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

func newSuccessFrame(id int64, result any) successFrame {
	if result == nil {
		result = map[string]any{}
	}
	return successFrame{ID: id, Type: "success", Result: result}
}

// newErrorFrame derives an error envelope from err, falling back to the
// generic unknown-error code when err does not self-describe.
func newErrorFrame(id int64, err error) errorFrame {
	return errorFrame{
		ID:      id,
		Type:    "error",
		Error:   string(errs.CodeOf(err)),
		Message: err.Error(),
	}
}

// subscriptionParams is the payload of session.subscribe/session.unsubscribe.
type subscriptionParams struct {
	Events   []string `json:"events"`
	Contexts []string `json:"contexts"`
}
