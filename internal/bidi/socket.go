package bidi

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
)

// socket is one live client connection plus its subscription state.
type socket struct {
	id        string
	sessionID string
	conn      *websocket.Conn
	log       zerolog.Logger

	// proxy is the upstream connection when the socket runs in verbatim
	// forwarding mode.
	proxy *websocket.Conn

	// ready is closed once the connection is fully open; done once it is
	// closed. Writes wait for ready with a bounded timeout.
	ready     chan struct{}
	done      chan struct{}
	readyOnce sync.Once
	doneOnce  sync.Once

	// writeMu serializes writes; the websocket allows one writer at a time.
	writeMu sync.Mutex

	subsMu sync.Mutex
	subs   map[string]map[string]struct{}

	unsubMu   sync.Mutex
	unsubs    []func()
	unsubOnce sync.Once
}

func newSocket(sessionID string, conn *websocket.Conn, log zerolog.Logger) *socket {
	s := &socket{
		id:        ulid.Make().String(),
		sessionID: sessionID,
		conn:      conn,
		log:       log,
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
		subs:      make(map[string]map[string]struct{}),
	}
	return s
}

func (s *socket) markReady() {
	s.readyOnce.Do(func() { close(s.ready) })
}

func (s *socket) markDone() {
	s.doneOnce.Do(func() { close(s.done) })
}

func (s *socket) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// waitOpen blocks until the socket is fully open, failing rather than hanging
// when the connection never gets there.
func (s *socket) waitOpen(timeout time.Duration) error {
	select {
	case <-s.ready:
		return nil
	case <-s.done:
		return errors.New("socket closed before reaching the open state")
	case <-time.After(timeout):
		return errors.New("timed out waiting for socket to open")
	}
}

// writeJSON confirms the socket is open and writes one frame. Failures are
// returned for logging; they are never fatal to the gateway.
func (s *socket) writeJSON(v any, openWait time.Duration) error {
	if err := s.waitOpen(openWait); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(v)
}

// writeClose sends a close frame with the given code, best-effort.
func (s *socket) writeClose(code int, reason string) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	deadline := time.Now().Add(time.Second)
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
}

// subscribe registers the socket for each listed event method under each
// listed context. An empty context list subscribes the default context.
func (s *socket) subscribe(p subscriptionParams) {
	contexts := p.Contexts
	if len(contexts) == 0 {
		contexts = []string{""}
	}
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for _, method := range p.Events {
		set, ok := s.subs[method]
		if !ok {
			set = make(map[string]struct{})
			s.subs[method] = set
		}
		for _, ctx := range contexts {
			set[ctx] = struct{}{}
		}
	}
}

// unsubscribe removes the listed contexts (or the whole method entry when no
// contexts are given).
func (s *socket) unsubscribe(p subscriptionParams) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for _, method := range p.Events {
		if len(p.Contexts) == 0 {
			delete(s.subs, method)
			continue
		}
		set := s.subs[method]
		for _, ctx := range p.Contexts {
			delete(set, ctx)
		}
		if len(set) == 0 {
			delete(s.subs, method)
		}
	}
}

// subscribed reports whether the socket wants events for method in context.
func (s *socket) subscribed(method, context string) bool {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	set, ok := s.subs[method]
	if !ok {
		return false
	}
	_, ok = set[context]
	return ok
}

// addUnsub records an event-listener cancellation handle.
func (s *socket) addUnsub(fn func()) {
	s.unsubMu.Lock()
	s.unsubs = append(s.unsubs, fn)
	s.unsubMu.Unlock()
}

// teardownSubs cancels every event listener exactly once.
func (s *socket) teardownSubs() {
	s.unsubOnce.Do(func() {
		s.unsubMu.Lock()
		unsubs := s.unsubs
		s.unsubs = nil
		s.unsubMu.Unlock()
		for _, fn := range unsubs {
			fn()
		}
	})
}
