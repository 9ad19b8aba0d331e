package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/autohub-io/autohub/internal/capabilities"
	"github.com/autohub-io/autohub/internal/drivers"
	"github.com/autohub-io/autohub/internal/errs"
	"github.com/autohub-io/autohub/internal/event"
	"github.com/autohub-io/autohub/internal/logging"
)

// Config holds the registry's policy knobs.
type Config struct {
	// SessionOverride makes every Create first delete all existing
	// sessions, best-effort.
	SessionOverride bool
	// DefaultCapabilities are injected into negotiation per the
	// default-injection rule.
	DefaultCapabilities capabilities.Capabilities
	// Constraints are the server-wide validation rules applied before any
	// driver-specific ones.
	Constraints capabilities.Constraints
}

// Service manages session creation, lookup and teardown.
type Service struct {
	matcher drivers.Matcher
	bus     *event.Bus
	cfg     Config

	mu       sync.Mutex
	sessions map[string]*Session

	pendingMu sync.Mutex
	pending   map[string][]drivers.Driver

	observerMu sync.Mutex
	observers  []ShutdownObserver

	defaultsMu sync.RWMutex
	defaults   capabilities.Capabilities
}

// NewService creates a session registry. matcher selects driver
// implementations; bus receives session.created/session.deleted events.
func NewService(matcher drivers.Matcher, bus *event.Bus, cfg Config) *Service {
	return &Service{
		matcher:  matcher,
		bus:      bus,
		cfg:      cfg,
		sessions: make(map[string]*Session),
		pending:  make(map[string][]drivers.Driver),
		defaults: cfg.DefaultCapabilities,
	}
}

// SetDefaultCapabilities replaces the capability defaults injected into
// negotiation. Sessions already created are unaffected. The hot-reload path
// for the default-capabilities file calls this.
func (s *Service) SetDefaultCapabilities(caps capabilities.Capabilities) {
	s.defaultsMu.Lock()
	s.defaults = caps.Clone()
	s.defaultsMu.Unlock()
}

func (s *Service) defaultCapabilities() capabilities.Capabilities {
	s.defaultsMu.RLock()
	defer s.defaultsMu.RUnlock()
	return s.defaults
}

// OnUnexpectedShutdown registers an observer for unexpected backend
// termination.
func (s *Service) OnUnexpectedShutdown(fn ShutdownObserver) {
	s.observerMu.Lock()
	s.observers = append(s.observers, fn)
	s.observerMu.Unlock()
}

// Create negotiates capabilities, selects and instantiates a driver, runs the
// backend's session creation and publishes the new session. On any failure
// the pending-set entry is removed and no half-registered session remains
// visible.
func (s *Service) Create(ctx context.Context, legacy, required capabilities.Capabilities, w3c *capabilities.W3CCapabilities) (*CreateResult, error) {
	if s.cfg.SessionOverride && s.Count() > 0 {
		logging.Info().Msg("session override enabled; deleting existing sessions before creation")
		s.DeleteAll(ctx, false, "session override")
	}

	negotiated, err := capabilities.Negotiate(legacy, w3c, s.cfg.Constraints, s.defaultCapabilities())
	if err != nil {
		return nil, err
	}

	factory, err := s.matcher.FindMatchingDriver(negotiated.Capabilities)
	if err != nil {
		return nil, err
	}
	if len(factory.Constraints) > 0 {
		if err := capabilities.Validate(negotiated.Capabilities, factory.Constraints); err != nil {
			return nil, err
		}
	}

	// Settings ride along inside the capabilities; pull them out before
	// the driver sees the canonical mapping.
	caps := negotiated.Capabilities
	settings := capabilities.ExtractSettings(caps)

	drv := factory.New()

	s.addPending(factory.TypeID, drv)
	defer s.removePending(factory.TypeID, drv)

	sibling := s.siblingData(factory.TypeID, "", drv)

	sessionID, driverCaps, err := createBackendSession(ctx, drv, legacy, required, w3c, sibling)
	if err != nil {
		var structured *errs.Error
		if errors.As(err, &structured) {
			return nil, err
		}
		return nil, errs.SessionNotCreated(err)
	}
	if driverCaps == nil {
		driverCaps = caps
	}

	sess := &Session{
		ID:         sessionID,
		Driver:     drv,
		TypeID:     factory.TypeID,
		DriverName: factory.Name,
		Protocol:   drv.Protocol(),
		CreatedAt:  time.Now(),
	}

	s.mu.Lock()
	if _, exists := s.sessions[sessionID]; exists {
		s.mu.Unlock()
		return nil, errs.SessionNotCreated(fmt.Errorf("driver returned duplicate session id %q", sessionID))
	}
	s.sessions[sessionID] = sess
	s.mu.Unlock()

	if notifier, ok := drv.(drivers.ShutdownNotifier); ok {
		notifier.OnUnexpectedShutdown(func(cause error) {
			go s.handleUnexpectedShutdown(sessionID, cause)
		})
	}

	drv.StartNewCommandTimeout()

	if len(settings) > 0 {
		if err := drv.UpdateSettings(ctx, settings); err != nil {
			log := logging.ForSession(factory.Name, sessionID)
			log.Warn().
				Err(err).Msg("could not apply initial settings")
		}
	}

	log := logging.ForSession(factory.Name, sessionID)
	log.Info().
		Str("protocol", string(sess.Protocol)).Msg("session created")
	s.bus.Publish(event.Event{Type: event.SessionCreated, Data: sessionID})

	return &CreateResult{
		SessionID:    sessionID,
		Capabilities: driverCaps,
		Protocol:     sess.Protocol,
	}, nil
}

// createBackendSession invokes the driver's session creation, converting a
// panic in driver code into an error so the pending-set cleanup still runs.
func createBackendSession(ctx context.Context, drv drivers.Driver, legacy, required capabilities.Capabilities, w3c *capabilities.W3CCapabilities, sibling []drivers.DriverData) (id string, caps capabilities.Capabilities, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("driver panicked during session creation: %v", r)
		}
	}()
	return drv.CreateSession(ctx, legacy, required, w3c, sibling)
}

// Delete removes the session from the registry and then tears down the
// backend. The session disappears from the map before the (potentially slow)
// driver call so no new command can address it mid-deletion.
func (s *Service) Delete(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return errs.NoSuchSession(sessionID)
	}
	delete(s.sessions, sessionID)
	s.mu.Unlock()

	sibling := s.siblingData(sess.TypeID, sessionID, nil)

	err := deleteBackendSession(ctx, sess.Driver, sessionID, sibling)

	log := logging.ForSession(sess.DriverName, sessionID)
	log.Info().Msg("session deleted")
	s.bus.Publish(event.Event{Type: event.SessionDeleted, Data: sessionID})

	if err != nil {
		var structured *errs.Error
		if errors.As(err, &structured) {
			return err
		}
		return errs.Unknown(err)
	}
	return nil
}

// deleteBackendSession invokes the driver's deletion, converting a panic into
// a returned error.
func deleteBackendSession(ctx context.Context, drv drivers.Driver, sessionID string, sibling []drivers.DriverData) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("driver panicked during session deletion: %v", r)
		}
	}()
	return drv.DeleteSession(ctx, sessionID, sibling)
}

// DeleteAll tears down every session. With force set, each driver gets the
// unexpected-shutdown treatment instead of a normal deletion (used for hard
// process-level cleanup). Per-session failures are logged and never abort the
// cleanup of the remaining sessions.
func (s *Service) DeleteAll(ctx context.Context, force bool, reason string) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	if len(ids) == 0 {
		return
	}

	cause := errors.New(reason)
	for _, id := range ids {
		if force {
			go s.handleUnexpectedShutdown(id, cause)
			continue
		}
		if err := s.Delete(ctx, id); err != nil && !errs.HasCode(err, errs.CodeNoSuchSession) {
			logging.Warn().Str("session", id).Err(err).
				Msg("could not delete session during bulk cleanup")
		}
	}
}

// handleUnexpectedShutdown runs when a driver reports its backend died. It
// notifies the session's shutdown observers (plugin fan-out) and then removes
// the session. The driver's own DeleteSession is not invoked; the backend is
// presumed already gone.
func (s *Service) handleUnexpectedShutdown(sessionID string, cause error) {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	s.mu.Unlock()
	if !ok {
		return
	}

	log := logging.ForSession(sess.DriverName, sessionID)
	log.Warn().
		Err(cause).Msg("driver shut down unexpectedly")

	s.observerMu.Lock()
	observers := make([]ShutdownObserver, len(s.observers))
	copy(observers, s.observers)
	s.observerMu.Unlock()

	for _, fn := range observers {
		notifyObserver(fn, sess, cause)
	}

	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()

	s.bus.Publish(event.Event{Type: event.SessionDeleted, Data: sessionID})
}

// notifyObserver isolates one observer; a failing shutdown handler must not
// starve the others.
func notifyObserver(fn ShutdownObserver, sess *Session, cause error) {
	defer func() {
		if r := recover(); r != nil {
			log := logging.ForSession(sess.DriverName, sess.ID)
			log.Warn().
				Any("panic", r).Msg("shutdown observer failed")
		}
	}()
	fn(sess, cause)
}

// Get returns the active session with the given id.
func (s *Service) Get(sessionID string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	return sess, ok
}

// List returns all active sessions.
func (s *Service) List() []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

// Count returns the number of active sessions.
func (s *Service) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Service) addPending(typeID string, drv drivers.Driver) {
	s.pendingMu.Lock()
	s.pending[typeID] = append(s.pending[typeID], drv)
	s.pendingMu.Unlock()
}

func (s *Service) removePending(typeID string, drv drivers.Driver) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	list := s.pending[typeID]
	for i, d := range list {
		if d == drv {
			s.pending[typeID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(s.pending[typeID]) == 0 {
		delete(s.pending, typeID)
	}
}

// siblingData summarizes all active and pending drivers of the given type,
// excluding the named session and the given driver instance. Driver snapshots
// are taken outside both locks.
func (s *Service) siblingData(typeID, excludeSessionID string, excludeDriver drivers.Driver) []drivers.DriverData {
	var siblings []drivers.Driver

	s.mu.Lock()
	for id, sess := range s.sessions {
		if sess.TypeID == typeID && id != excludeSessionID {
			siblings = append(siblings, sess.Driver)
		}
	}
	s.mu.Unlock()

	s.pendingMu.Lock()
	for _, drv := range s.pending[typeID] {
		if drv != excludeDriver {
			siblings = append(siblings, drv)
		}
	}
	s.pendingMu.Unlock()

	data := make([]drivers.DriverData, 0, len(siblings))
	for _, drv := range siblings {
		data = append(data, drv.DriverData())
	}
	return data
}
