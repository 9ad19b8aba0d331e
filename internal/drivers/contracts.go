// Package drivers defines the contracts backend drivers and plugins must
// satisfy, and the factory registry through which they are selected.
//
// Drivers and plugins are external, dynamically supplied implementations;
// only their interfaces live here. Optional capabilities (raw command
// proxying, shutdown notification, BiDi execution) are modeled as narrow
// interfaces discovered by type assertion.
package drivers

import (
	"context"
	"encoding/json"

	"github.com/autohub-io/autohub/internal/capabilities"
	"github.com/autohub-io/autohub/internal/event"
)

// DriverData is a summary snapshot of one driver's state, consumable as
// sibling-session data by co-resident drivers of the same type.
type DriverData map[string]any

// Driver is one backend automation engine instance, bound to at most one
// session.
type Driver interface {
	// CreateSession performs the backend's own session creation. Sibling
	// holds the driver data of all active and in-flight sessions of the
	// same driver type, so the driver can coordinate resource allocation.
	CreateSession(ctx context.Context, legacy, required capabilities.Capabilities, w3c *capabilities.W3CCapabilities, sibling []DriverData) (sessionID string, caps capabilities.Capabilities, err error)

	// DeleteSession tears the backend session down.
	DeleteSession(ctx context.Context, sessionID string, sibling []DriverData) error

	// ExecuteCommand runs one named command against the backend.
	ExecuteCommand(ctx context.Context, name string, args ...any) (any, error)

	// Protocol is the wire protocol negotiated for this driver's session.
	Protocol() capabilities.Protocol

	// DriverData returns this driver's sibling-session summary.
	DriverData() DriverData

	// EventBus is the channel on which the driver emits events.
	EventBus() *event.Bus

	// StartNewCommandTimeout / ClearNewCommandTimeout control the driver's
	// idle timeout. The dispatcher suspends the timer around plugin
	// execution; expiry itself is the driver's business.
	StartNewCommandTimeout()
	ClearNewCommandTimeout()

	// UpdateSettings applies settings extracted from the capabilities.
	UpdateSettings(ctx context.Context, settings map[string]any) error
}

// ProxyRequest is a raw protocol request forwarded verbatim to a backend.
type ProxyRequest struct {
	Path   string
	Method string
	Body   []byte
}

// CommandProxier is implemented by drivers that can forward raw protocol
// requests to an upstream backend without per-command translation.
type CommandProxier interface {
	ProxyCommand(ctx context.Context, req ProxyRequest) (any, error)
}

// ShutdownNotifier is implemented by drivers that can report unexpected
// backend termination (for example, the automation process crashed).
type ShutdownNotifier interface {
	// OnUnexpectedShutdown registers fn to be invoked, possibly from any
	// goroutine, when the backend dies outside a normal deleteSession.
	OnUnexpectedShutdown(fn func(cause error))
}

// BidiExecutor is implemented by drivers that execute BiDi commands.
type BidiExecutor interface {
	ExecuteBidiCommand(ctx context.Context, method string, params json.RawMessage) (any, error)
}

// BidiCommandsUpdater is implemented by drivers whose BiDi command table can
// be extended at runtime (for example by plugins).
type BidiCommandsUpdater interface {
	UpdateBidiCommands(table map[string][]string)
}

// BidiProxier is implemented by drivers that declare an upstream BiDi socket
// endpoint to which client sockets should be forwarded verbatim.
type BidiProxier interface {
	BidiProxyURL() string
}
