package bidi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/autohub-io/autohub/internal/drivers"
	"github.com/autohub-io/autohub/internal/errs"
	"github.com/autohub-io/autohub/internal/event"
	"github.com/autohub-io/autohub/internal/logging"
	"github.com/autohub-io/autohub/internal/session"
)

// PluginSource supplies the plugin instances bound to a session. The command
// dispatcher implements it, so BiDi chains reuse the same instances (and
// therefore the same plugin state) as ordinary command chains.
type PluginSource interface {
	PluginsFor(sessionID string) []drivers.Plugin
}

// Config holds the gateway's timing knobs.
type Config struct {
	// OpenWaitTimeout bounds how long an outbound write waits for a
	// still-connecting socket before failing the write.
	OpenWaitTimeout time.Duration
	// DialTimeout bounds the upstream proxy dial, retries included.
	DialTimeout time.Duration
}

// DefaultConfig returns the default gateway configuration.
func DefaultConfig() Config {
	return Config{
		OpenWaitTimeout: 5 * time.Second,
		DialTimeout:     15 * time.Second,
	}
}

// Gateway manages persistent socket connections per session (or
// server-global) and routes their messages and events.
type Gateway struct {
	sessions *session.Service
	plugins  PluginSource
	cfg      Config
	upgrader websocket.Upgrader

	mu      sync.Mutex
	sockets map[string][]*socket

	serverBus *event.Bus
	busUnsub  func()
}

// New creates a gateway. serverBus carries the registry's session.deleted
// events (socket teardown) and any server-level BiDi events delivered to
// server-global sockets.
func New(sessions *session.Service, plugins PluginSource, serverBus *event.Bus, cfg Config) *Gateway {
	g := &Gateway{
		sessions: sessions,
		plugins:  plugins,
		cfg:      cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		sockets: make(map[string][]*socket),
	}
	g.busUnsub = serverBus.Subscribe(event.SessionDeleted, func(e event.Event) {
		if id, ok := e.Data.(string); ok {
			g.CloseSessionSockets(id)
		}
	})
	g.serverBus = serverBus
	return g
}

// HandleSession accepts a socket connection bound to an existing session.
// Unknown sessions and invalid upstream proxy URLs are rejected before the
// upgrade completes.
func (g *Gateway) HandleSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	sess, ok := g.sessions.Get(sessionID)
	if !ok {
		http.Error(w, fmt.Sprintf("no active session %q", sessionID), http.StatusNotFound)
		return
	}

	log := logging.ForSession(sess.DriverName, sessionID)

	if proxier, ok := sess.Driver.(drivers.BidiProxier); ok && proxier.BidiProxyURL() != "" {
		proxyURL := proxier.BidiProxyURL()
		if err := validateProxyURL(proxyURL); err != nil {
			log.Warn().Str("url", proxyURL).Err(err).Msg("rejecting socket: bad upstream proxy url")
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		g.handleProxied(w, r, sessionID, proxyURL, log)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	sock := newSocket(sessionID, conn, log)
	sock.markReady()
	g.register(sock)
	g.attachEventListeners(sock, sess)
	g.updateDriverBidiCommands(sess)

	go g.readLoop(sock, sess.Driver)
}

// HandleServer accepts a server-global socket connection (no session in the
// request path).
func (g *Gateway) HandleServer(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	sock := newSocket("", conn, logging.ForComponent("bidi"))
	sock.markReady()
	g.register(sock)

	// Server-global sockets hear server-level BiDi events only.
	unsub := g.serverBus.Subscribe(event.DriverBidi, func(e event.Event) {
		g.deliverEvent(sock, e)
	})
	sock.addUnsub(unsub)

	go g.readLoop(sock, nil)
}

// register adds the socket to the per-session bookkeeping.
func (g *Gateway) register(sock *socket) {
	g.mu.Lock()
	g.sockets[sock.sessionID] = append(g.sockets[sock.sessionID], sock)
	g.mu.Unlock()
}

// remove drops the socket from the bookkeeping.
func (g *Gateway) remove(sock *socket) {
	g.mu.Lock()
	defer g.mu.Unlock()
	list := g.sockets[sock.sessionID]
	for i, s := range list {
		if s == sock {
			g.sockets[sock.sessionID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(g.sockets[sock.sessionID]) == 0 {
		delete(g.sockets, sock.sessionID)
	}
}

// attachEventListeners subscribes the socket to the driver's event bus and to
// every bound plugin that emits events. Each subscription's cancellation
// handle is tied to the socket for deterministic teardown.
func (g *Gateway) attachEventListeners(sock *socket, sess *session.Session) {
	buses := []*event.Bus{sess.Driver.EventBus()}
	for _, p := range g.plugins.PluginsFor(sess.ID) {
		if emitter, ok := p.(drivers.EventEmitter); ok {
			buses = append(buses, emitter.EventBus())
		}
	}
	for _, bus := range buses {
		unsub := bus.Subscribe(event.DriverBidi, func(e event.Event) {
			g.deliverEvent(sock, e)
		})
		sock.addUnsub(unsub)
	}
}

// updateDriverBidiCommands extends the driver's BiDi command table with the
// commands its bound plugins advertise.
func (g *Gateway) updateDriverBidiCommands(sess *session.Session) {
	updater, ok := sess.Driver.(drivers.BidiCommandsUpdater)
	if !ok {
		return
	}
	table := make(map[string][]string)
	for _, p := range g.plugins.PluginsFor(sess.ID) {
		if adv, ok := p.(drivers.BidiCommandAdvertiser); ok {
			for module, commands := range adv.BidiCommandNames() {
				table[module] = append(table[module], commands...)
			}
		}
	}
	if len(table) > 0 {
		updater.UpdateBidiCommands(table)
	}
}

// readLoop processes inbound frames sequentially: each message is handled to
// completion before the next frame on the same socket is read.
func (g *Gateway) readLoop(sock *socket, drv drivers.Driver) {
	defer func() {
		sock.markDone()
		sock.teardownSubs()
		g.remove(sock)
		_ = sock.conn.Close()
	}()

	for {
		messageType, data, err := sock.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		g.handleFrame(context.Background(), sock, drv, data)
	}
}

// handleFrame parses and executes one inbound message, writing the response
// frame. Write failures are logged, never propagated.
func (g *Gateway) handleFrame(ctx context.Context, sock *socket, drv drivers.Driver, data []byte) {
	msg, err := parseMessage(data)
	if err != nil {
		g.respond(sock, newErrorFrame(msg.id(), err))
		return
	}

	// Subscription bookkeeping lives in the gateway; the per-method
	// context lists it maintains drive event delivery.
	switch msg.Method {
	case "session.subscribe", "session.unsubscribe":
		var params subscriptionParams
		if err := unmarshalParams(msg.Params, &params); err != nil {
			g.respond(sock, newErrorFrame(msg.id(), err))
			return
		}
		if msg.Method == "session.subscribe" {
			sock.subscribe(params)
		} else {
			sock.unsubscribe(params)
		}
		g.respond(sock, newSuccessFrame(msg.id(), nil))
		return
	}

	result, err := g.executeCommand(ctx, sock, drv, msg)
	if err != nil {
		g.respond(sock, newErrorFrame(msg.id(), err))
		return
	}
	g.respond(sock, newSuccessFrame(msg.id(), result))
}

// executeCommand routes one BiDi command through the plugins that claim its
// module/command pair, composed around the driver's own BiDi executor.
func (g *Gateway) executeCommand(ctx context.Context, sock *socket, drv drivers.Driver, msg *CommandMessage) (any, error) {
	module, command := splitMethod(msg.Method)

	var applicable []drivers.BidiPlugin
	if sock.sessionID != "" {
		for _, p := range g.plugins.PluginsFor(sock.sessionID) {
			if bp, ok := p.(drivers.BidiPlugin); ok && bp.SupportsBidiCommand(module, command) {
				applicable = append(applicable, bp)
			}
		}
	}

	def := func(ctx context.Context) (any, error) {
		if drv == nil {
			return nil, errs.Unknown(fmt.Errorf("no session is bound to this connection"))
		}
		executor, ok := drv.(drivers.BidiExecutor)
		if !ok {
			return nil, errs.Unknown(fmt.Errorf("driver does not support BiDi command %q", msg.Method))
		}
		return executor.ExecuteBidiCommand(ctx, msg.Method, msg.Params)
	}

	next := drivers.Next(def)
	for i := len(applicable) - 1; i >= 0; i-- {
		bp := applicable[i]
		inner := next
		next = func(ctx context.Context) (any, error) {
			return bp.HandleBidiCommand(ctx, msg.Method, msg.Params, inner, drv)
		}
	}
	return next(ctx)
}

// deliverEvent writes one event frame if the socket subscribed to the event's
// method and context. Non-open sockets drop the event; a closed socket also
// tears down its listeners as a cleanup side effect.
func (g *Gateway) deliverEvent(sock *socket, e event.Event) {
	evt, ok := bidiEventData(e)
	if !ok {
		return
	}
	if evt.Method == "" || evt.Params == nil {
		sock.log.Debug().Str("method", evt.Method).Msg("dropping malformed event")
		return
	}
	if sock.closed() {
		sock.teardownSubs()
		return
	}
	if !sock.subscribed(evt.Method, evt.Context) {
		return
	}
	frame := eventFrame{Type: "event", Context: evt.Context, Method: evt.Method, Params: evt.Params}
	if err := sock.writeJSON(frame, g.cfg.OpenWaitTimeout); err != nil {
		sock.log.Warn().Err(err).Str("method", evt.Method).Msg("could not deliver event")
	}
}

func bidiEventData(e event.Event) (event.BidiEvent, bool) {
	switch data := e.Data.(type) {
	case event.BidiEvent:
		return data, true
	case *event.BidiEvent:
		return *data, true
	default:
		return event.BidiEvent{}, false
	}
}

// respond writes one response frame, logging failures.
func (g *Gateway) respond(sock *socket, frame any) {
	if err := sock.writeJSON(frame, g.cfg.OpenWaitTimeout); err != nil {
		sock.log.Warn().Err(err).Msg("could not write response frame")
	}
}

// CloseSessionSockets closes every socket bound to the session with a
// going-away code and any proxy socket with a normal-closure code. Absence of
// either is a no-op.
func (g *Gateway) CloseSessionSockets(sessionID string) {
	g.mu.Lock()
	list := g.sockets[sessionID]
	delete(g.sockets, sessionID)
	g.mu.Unlock()

	for _, sock := range list {
		sock.teardownSubs()
		sock.writeClose(websocket.CloseGoingAway, "session deleted")
		if sock.proxy != nil {
			deadline := time.Now().Add(time.Second)
			_ = sock.proxy.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			_ = sock.proxy.Close()
		}
		sock.markDone()
		_ = sock.conn.Close()
	}
}

// Close tears down every socket the gateway tracks and detaches from the
// server bus.
func (g *Gateway) Close() {
	if g.busUnsub != nil {
		g.busUnsub()
	}
	g.mu.Lock()
	ids := make([]string, 0, len(g.sockets))
	for id := range g.sockets {
		ids = append(ids, id)
	}
	g.mu.Unlock()
	for _, id := range ids {
		g.CloseSessionSockets(id)
	}
}

func unmarshalParams(raw json.RawMessage, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return errs.InvalidArgument("malformed params: %v", err)
	}
	return nil
}

// validateProxyURL performs basic sanity checks on a driver-declared
// upstream socket endpoint.
func validateProxyURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid upstream proxy url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("upstream proxy url must use ws or wss, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("upstream proxy url is missing a host")
	}
	return nil
}
