// Package dispatch routes every inbound command through the plugin chain
// wrapped around a default behavior.
//
// Commands fall into three classes: the server-global status query (which
// bypasses all routing), orchestrator-owned commands on an explicit
// allow-list, and ordinary per-session commands forwarded to the owning
// driver.
package dispatch

import (
	"github.com/autohub-io/autohub/internal/capabilities"
	"github.com/autohub-io/autohub/internal/drivers"
)

// Command names the orchestrator itself responds to.
const (
	CommandCreateSession = "createSession"
	CommandDeleteSession = "deleteSession"
	CommandGetStatus     = "getStatus"
	CommandListCommands  = "listCommands"
	CommandGetSessions   = "getSessions"
)

// orchestratorCommands is the allow-list of commands whose default behavior
// executes against the orchestrator instead of a driver.
var orchestratorCommands = map[string]struct{}{
	CommandCreateSession: {},
	CommandDeleteSession: {},
	CommandListCommands:  {},
	CommandGetSessions:   {},
}

// sessionlessCommands take no session id argument.
var sessionlessCommands = map[string]struct{}{
	CommandCreateSession: {},
	CommandGetStatus:     {},
	CommandListCommands:  {},
	CommandGetSessions:   {},
}

// IsOrchestratorCommand reports whether the orchestrator owns the command's
// default behavior.
func IsOrchestratorCommand(name string) bool {
	_, ok := orchestratorCommands[name]
	return ok
}

// IsSessionCommand reports whether the command addresses a session, in which
// case the session id rides as the last argument by convention.
func IsSessionCommand(name string) bool {
	_, ok := sessionlessCommands[name]
	return !ok
}

// Request is one inbound command.
type Request struct {
	// Command is the command name.
	Command string
	// Args are the command arguments. For session commands the session id
	// is the last argument.
	Args []any
	// Proxy, when set, marks the command as already destined for verbatim
	// forwarding to the driver's raw-proxy operation.
	Proxy *drivers.ProxyRequest
}

// Envelope is a protocol-tagged command result. A plugin may return one
// directly, in which case it passes through unchanged; bare values are
// wrapped by the dispatcher.
type Envelope struct {
	Protocol capabilities.Protocol `json:"protocol"`
	Value    any                   `json:"value"`
}

// Status is the server-global status report. It must succeed even while
// sessions are being created or torn down.
type Status struct {
	Version string `json:"version"`
	Ready   bool   `json:"ready"`
	Uptime  int64  `json:"uptime"`
}
