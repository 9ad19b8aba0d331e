package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/autohub-io/autohub/internal/capabilities"
	"github.com/autohub-io/autohub/internal/drivers"
	"github.com/autohub-io/autohub/internal/errs"
	"github.com/autohub-io/autohub/internal/logging"
	"github.com/autohub-io/autohub/internal/session"
)

// Dispatcher is the top-level entry point for every protocol command.
type Dispatcher struct {
	sessions *session.Service
	registry *drivers.Registry
	cliArgs  map[string]any
	version  string
	started  time.Time
	active   map[string]struct{}

	mu             sync.Mutex
	sessionPlugins map[string][]drivers.Plugin
	sessionless    []drivers.Plugin
	sessionlessUp  bool
}

// New creates a dispatcher. It registers itself as a shutdown observer so
// plugins bound to a dying session hear about it and the bindings are
// released.
func New(sessions *session.Service, registry *drivers.Registry, cliArgs map[string]any, version string) *Dispatcher {
	d := &Dispatcher{
		sessions:       sessions,
		registry:       registry,
		cliArgs:        cliArgs,
		version:        version,
		started:        time.Now(),
		sessionPlugins: make(map[string][]drivers.Plugin),
	}
	sessions.OnUnexpectedShutdown(d.onUnexpectedShutdown)
	return d
}

// ActivatePlugins restricts plugin instantiation to the named factories. The
// name "all", or never calling this, activates every registered plugin. Call
// before the first command is dispatched.
func (d *Dispatcher) ActivatePlugins(names []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.active = nil
	for _, name := range names {
		if name == "all" {
			d.active = nil
			return
		}
		if d.active == nil {
			d.active = make(map[string]struct{}, len(names))
		}
		d.active[name] = struct{}{}
	}
}

// Execute runs one named command. For session commands the session id is the
// last argument.
func (d *Dispatcher) Execute(ctx context.Context, command string, args ...any) (*Envelope, error) {
	return d.Dispatch(ctx, Request{Command: command, Args: args})
}

// Dispatch runs one command request through the plugin chain.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*Envelope, error) {
	// The status query bypasses sessions, plugins and locks entirely: it
	// must answer even while a session creation is in flight.
	if req.Command == CommandGetStatus {
		return &Envelope{Protocol: capabilities.ProtocolW3C, Value: d.status()}, nil
	}

	var sess *session.Session
	var sessionID string
	if IsSessionCommand(req.Command) {
		var err error
		sessionID, err = tailSessionID(req.Args)
		if err != nil {
			return nil, err
		}
		var ok bool
		sess, ok = d.sessions.Get(sessionID)
		if !ok {
			return nil, errs.NoSuchSession(sessionID)
		}
	}

	plugins := d.pluginsFor(sessionID)
	applicable := applicablePlugins(plugins, req.Command)

	var target any = d
	if sess != nil {
		target = sess.Driver
	}

	tracker := newHandledTracker(applicable)
	def := d.defaultBehavior(req, sess, tracker)

	chain := composeChain(applicable, req, target, def, tracker)

	// Plugins may take arbitrarily long; suspend the driver's idle timeout
	// around the chain and restart it ourselves if the default behavior
	// (the driver's own restart path) is never reached.
	if len(applicable) > 0 && sess != nil {
		sess.Driver.ClearNewCommandTimeout()
	}

	value, err := chain(ctx)

	if len(applicable) > 0 && sess != nil && !tracker.defaultReached() {
		sess.Driver.StartNewCommandTimeout()
	}

	tracker.report(req.Command)

	if err != nil {
		return nil, err
	}

	envelope := d.normalize(value, sess)

	if req.Command == CommandCreateSession {
		d.migrateSessionlessPlugins(envelope)
	}
	if req.Command == CommandDeleteSession && sess != nil {
		// A plugin may have short-circuited the deletion; only drop the
		// bindings once the session is really gone.
		if _, stillActive := d.sessions.Get(sess.ID); !stillActive {
			d.releaseSessionPlugins(sess.ID)
		}
	}

	return envelope, nil
}

// defaultBehavior builds the closure representing "what happens with no
// plugins".
func (d *Dispatcher) defaultBehavior(req Request, sess *session.Session, tracker *handledTracker) drivers.Next {
	return func(ctx context.Context) (any, error) {
		tracker.markDefault()

		if req.Proxy != nil {
			if sess == nil {
				return nil, errs.NoProxyCommand(req.Command)
			}
			proxier, ok := sess.Driver.(drivers.CommandProxier)
			if !ok {
				return nil, errs.NoProxyCommand(req.Command)
			}
			return proxier.ProxyCommand(ctx, *req.Proxy)
		}

		if IsOrchestratorCommand(req.Command) {
			return d.executeOrchestratorCommand(ctx, req, sess)
		}

		return sess.Driver.ExecuteCommand(ctx, req.Command, req.Args...)
	}
}

// executeOrchestratorCommand runs an allow-listed command against the
// orchestrator itself.
func (d *Dispatcher) executeOrchestratorCommand(ctx context.Context, req Request, sess *session.Session) (any, error) {
	switch req.Command {
	case CommandCreateSession:
		legacy, required, w3c, err := createSessionArgs(req.Args)
		if err != nil {
			return nil, err
		}
		result, err := d.sessions.Create(ctx, legacy, required, w3c)
		if err != nil {
			return nil, err
		}
		return &Envelope{Protocol: result.Protocol, Value: result}, nil
	case CommandDeleteSession:
		if sess == nil {
			return nil, errs.InvalidArgument("deleteSession requires a session id")
		}
		if err := d.sessions.Delete(ctx, sess.ID); err != nil {
			return nil, err
		}
		return nil, nil
	case CommandListCommands:
		return d.listCommands(), nil
	case CommandGetSessions:
		return d.listSessions(), nil
	default:
		return nil, errs.Unknown(fmt.Errorf("unhandled orchestrator command %q", req.Command))
	}
}

func (d *Dispatcher) status() Status {
	return Status{
		Version: d.version,
		Ready:   true,
		Uptime:  int64(time.Since(d.started).Seconds()),
	}
}

func (d *Dispatcher) listCommands() map[string]any {
	server := make([]string, 0, len(orchestratorCommands)+1)
	server = append(server, CommandGetStatus)
	for name := range orchestratorCommands {
		server = append(server, name)
	}

	plugins := make(map[string][]string)
	for _, f := range d.registry.Plugins() {
		instance := f.New(f.Name, d.cliArgs, "introspection")
		if adv, ok := instance.(drivers.AdvertisedCommands); ok {
			plugins[f.Name] = adv.CommandNames()
		}
	}

	return map[string]any{"server": server, "plugins": plugins}
}

func (d *Dispatcher) listSessions() []map[string]any {
	sessions := d.sessions.List()
	out := make([]map[string]any, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, map[string]any{
			"id":      s.ID,
			"driver":  s.DriverName,
			"created": s.CreatedAt.UnixMilli(),
		})
	}
	return out
}

// normalize wraps a bare chain result in a protocol-tagged envelope; a result
// that is already an envelope passes through unchanged.
func (d *Dispatcher) normalize(value any, sess *session.Session) *Envelope {
	if envelope, ok := value.(*Envelope); ok {
		return envelope
	}
	protocol := capabilities.ProtocolW3C
	if sess != nil {
		protocol = sess.Protocol
	}
	return &Envelope{Protocol: protocol, Value: value}
}

// PluginsFor exposes the cached plugin set for a session to the BiDi gateway,
// which composes its own chains with the same instances.
func (d *Dispatcher) PluginsFor(sessionID string) []drivers.Plugin {
	return d.pluginsFor(sessionID)
}

// pluginsFor returns the plugin instances for a session (or the sessionless
// set when sessionID is empty), creating them lazily once and caching them.
func (d *Dispatcher) pluginsFor(sessionID string) []drivers.Plugin {
	d.mu.Lock()
	defer d.mu.Unlock()

	if sessionID == "" {
		if !d.sessionlessUp {
			d.sessionless = d.instantiatePlugins("sessionless")
			d.sessionlessUp = true
		}
		return d.sessionless
	}

	if cached, ok := d.sessionPlugins[sessionID]; ok {
		return cached
	}
	instances := d.instantiatePlugins(sessionID)
	d.sessionPlugins[sessionID] = instances
	return instances
}

func (d *Dispatcher) instantiatePlugins(ownerLogID string) []drivers.Plugin {
	factories := d.registry.Plugins()
	instances := make([]drivers.Plugin, 0, len(factories))
	for _, f := range factories {
		if d.active != nil {
			if _, ok := d.active[f.Name]; !ok {
				continue
			}
		}
		instances = append(instances, f.New(f.Name, d.cliArgs, ownerLogID))
	}
	return instances
}

// migrateSessionlessPlugins rebinds the sessionless plugin instances to the
// session a successful createSession produced, so state a plugin accumulated
// in its createSession hook stays visible to its later per-session hooks.
func (d *Dispatcher) migrateSessionlessPlugins(envelope *Envelope) {
	result, ok := envelope.Value.(*session.CreateResult)
	if !ok {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sessionlessUp && len(d.sessionless) > 0 {
		d.sessionPlugins[result.SessionID] = d.sessionless
	}
	d.sessionless = nil
	d.sessionlessUp = false
}

func (d *Dispatcher) releaseSessionPlugins(sessionID string) {
	d.mu.Lock()
	delete(d.sessionPlugins, sessionID)
	d.mu.Unlock()
}

// onUnexpectedShutdown notifies every bound plugin that implements a shutdown
// handler and releases the binding. One plugin's failing handler never
// silences the others.
func (d *Dispatcher) onUnexpectedShutdown(sess *session.Session, cause error) {
	d.mu.Lock()
	plugins := d.sessionPlugins[sess.ID]
	delete(d.sessionPlugins, sess.ID)
	d.mu.Unlock()

	for _, p := range plugins {
		handler, ok := p.(drivers.ShutdownHandler)
		if !ok {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					log := logging.ForSession(sess.DriverName, sess.ID)
					log.Warn().
						Str("plugin", p.Name()).Any("panic", r).
						Msg("plugin shutdown handler failed")
				}
			}()
			handler.OnUnexpectedShutdown(context.Background(), sess.Driver, cause)
		}()
	}
}

// tailSessionID pulls the session id off the end of the argument list.
func tailSessionID(args []any) (string, error) {
	if len(args) == 0 {
		return "", errs.InvalidArgument("session command is missing its session id argument")
	}
	id, ok := args[len(args)-1].(string)
	if !ok || id == "" {
		return "", errs.InvalidArgument("session id argument must be a non-empty string")
	}
	return id, nil
}

// createSessionArgs unpacks the conventional createSession argument triple.
func createSessionArgs(args []any) (legacy, required capabilities.Capabilities, w3c *capabilities.W3CCapabilities, err error) {
	pick := func(i int) any {
		if i < len(args) {
			return args[i]
		}
		return nil
	}
	if v := pick(0); v != nil {
		if legacy, err = asCapabilities(v); err != nil {
			return nil, nil, nil, errs.InvalidArgument("legacy capabilities: %v", err)
		}
	}
	if v := pick(1); v != nil {
		if required, err = asCapabilities(v); err != nil {
			return nil, nil, nil, errs.InvalidArgument("required capabilities: %v", err)
		}
	}
	switch v := pick(2).(type) {
	case nil:
	case *capabilities.W3CCapabilities:
		w3c = v
	case capabilities.W3CCapabilities:
		w3c = &v
	default:
		return nil, nil, nil, errs.InvalidArgument("standard capabilities must be an alwaysMatch/firstMatch envelope")
	}
	return legacy, required, w3c, nil
}

func asCapabilities(v any) (capabilities.Capabilities, error) {
	switch c := v.(type) {
	case capabilities.Capabilities:
		return c, nil
	case map[string]any:
		return capabilities.Capabilities(c), nil
	default:
		return nil, fmt.Errorf("expected a mapping, got %T", v)
	}
}
