// Package session owns the registry of active driver sessions and their
// lifecycle.
//
// The registry is the single source of truth for "is this session live". Two
// mutable maps require mutual exclusion: the id-to-Session map and the per-type
// pending-driver map. The locking discipline is to hold a lock only while
// mutating a map snapshot, never across a backend call.
package session

import (
	"time"

	"github.com/autohub-io/autohub/internal/capabilities"
	"github.com/autohub-io/autohub/internal/drivers"
)

// Session is one active remote-control connection to a backend driver.
type Session struct {
	// ID is the opaque identifier returned by the driver.
	ID string
	// Driver is the backend instance serving this session. The session
	// does not own it; the driver may outlive deregistration briefly
	// during cleanup.
	Driver drivers.Driver
	// TypeID identifies the driver type for sibling-session grouping.
	TypeID string
	// DriverName names the implementation, for logs.
	DriverName string
	// Protocol is the negotiated wire protocol.
	Protocol capabilities.Protocol
	// CreatedAt is the registration timestamp.
	CreatedAt time.Time
}

// CreateResult is the successful outcome of session creation.
type CreateResult struct {
	SessionID    string
	Capabilities capabilities.Capabilities
	Protocol     capabilities.Protocol
}

// ShutdownObserver is notified when a session's backend terminates
// unexpectedly, before the session is removed from the registry. The command
// dispatcher registers one to fan the notification out to the session's
// plugins.
type ShutdownObserver func(s *Session, cause error)
