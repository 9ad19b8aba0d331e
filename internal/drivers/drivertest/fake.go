// Package drivertest provides in-memory Driver and Plugin implementations
// for exercising the orchestrator core in tests.
package drivertest

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/autohub-io/autohub/internal/capabilities"
	"github.com/autohub-io/autohub/internal/drivers"
	"github.com/autohub-io/autohub/internal/event"
)

// FakeDriver is a minimal in-memory Driver. It records every interaction so
// tests can assert on ordering and cleanup behavior.
type FakeDriver struct {
	mu sync.Mutex

	bus       *event.Bus
	sessionID string

	// CreateErr / DeleteErr, when set, fail the corresponding call.
	CreateErr error
	DeleteErr error

	// CreateSibling / DeleteSibling capture the sibling data the registry
	// passed in.
	CreateSibling []drivers.DriverData
	DeleteSibling []drivers.DriverData

	// Executed lists the commands run through ExecuteCommand.
	Executed []string

	// Settings captures UpdateSettings payloads.
	Settings map[string]any

	// TimeoutRunning tracks Start/ClearNewCommandTimeout calls.
	TimeoutRunning bool

	// Caps echoes back from CreateSession when set.
	Caps capabilities.Capabilities

	shutdownFn func(cause error)
}

// NewFakeDriver creates a fake driver with its own event bus.
func NewFakeDriver() *FakeDriver {
	return &FakeDriver{bus: event.NewBus(), Settings: make(map[string]any)}
}

func (d *FakeDriver) CreateSession(ctx context.Context, legacy, required capabilities.Capabilities, w3c *capabilities.W3CCapabilities, sibling []drivers.DriverData) (string, capabilities.Capabilities, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.CreateErr != nil {
		return "", nil, d.CreateErr
	}
	d.CreateSibling = sibling
	d.sessionID = uuid.NewString()
	caps := d.Caps
	if caps == nil {
		caps = capabilities.Capabilities{}
	}
	return d.sessionID, caps, nil
}

func (d *FakeDriver) DeleteSession(ctx context.Context, sessionID string, sibling []drivers.DriverData) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.DeleteSibling = sibling
	return d.DeleteErr
}

func (d *FakeDriver) ExecuteCommand(ctx context.Context, name string, args ...any) (any, error) {
	d.mu.Lock()
	d.Executed = append(d.Executed, name)
	d.mu.Unlock()
	return "driver:" + name, nil
}

func (d *FakeDriver) Protocol() capabilities.Protocol { return capabilities.ProtocolW3C }

func (d *FakeDriver) DriverData() drivers.DriverData {
	d.mu.Lock()
	defer d.mu.Unlock()
	return drivers.DriverData{"sessionId": d.sessionID}
}

func (d *FakeDriver) EventBus() *event.Bus { return d.bus }

func (d *FakeDriver) StartNewCommandTimeout() {
	d.mu.Lock()
	d.TimeoutRunning = true
	d.mu.Unlock()
}

func (d *FakeDriver) ClearNewCommandTimeout() {
	d.mu.Lock()
	d.TimeoutRunning = false
	d.mu.Unlock()
}

func (d *FakeDriver) UpdateSettings(ctx context.Context, settings map[string]any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for k, v := range settings {
		d.Settings[k] = v
	}
	return nil
}

// OnUnexpectedShutdown implements drivers.ShutdownNotifier.
func (d *FakeDriver) OnUnexpectedShutdown(fn func(cause error)) {
	d.mu.Lock()
	d.shutdownFn = fn
	d.mu.Unlock()
}

// TriggerUnexpectedShutdown simulates the backend dying.
func (d *FakeDriver) TriggerUnexpectedShutdown(cause error) {
	d.mu.Lock()
	fn := d.shutdownFn
	d.mu.Unlock()
	if fn != nil {
		fn(cause)
	}
}

// SessionID returns the id handed out by CreateSession.
func (d *FakeDriver) SessionID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessionID
}

// ExecutedCommands returns a copy of the executed command names.
func (d *FakeDriver) ExecutedCommands() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.Executed))
	copy(out, d.Executed)
	return out
}

// FakeBidiDriver extends FakeDriver with BiDi command execution.
type FakeBidiDriver struct {
	*FakeDriver

	// Results maps full method names to canned results.
	Results map[string]any
	// Err, when set, fails every BiDi command.
	Err error
}

// NewFakeBidiDriver creates a fake BiDi-capable driver.
func NewFakeBidiDriver() *FakeBidiDriver {
	return &FakeBidiDriver{FakeDriver: NewFakeDriver(), Results: make(map[string]any)}
}

func (d *FakeBidiDriver) ExecuteBidiCommand(ctx context.Context, method string, params json.RawMessage) (any, error) {
	if d.Err != nil {
		return nil, d.Err
	}
	if r, ok := d.Results[method]; ok {
		return r, nil
	}
	return map[string]any{"method": method}, nil
}

// FakeProxyDriver extends FakeDriver with raw command proxying.
type FakeProxyDriver struct {
	*FakeDriver

	// Proxied lists the raw requests forwarded through ProxyCommand.
	Proxied []drivers.ProxyRequest
}

// NewFakeProxyDriver creates a fake proxying driver.
func NewFakeProxyDriver() *FakeProxyDriver {
	return &FakeProxyDriver{FakeDriver: NewFakeDriver()}
}

func (d *FakeProxyDriver) ProxyCommand(ctx context.Context, req drivers.ProxyRequest) (any, error) {
	d.mu.Lock()
	d.Proxied = append(d.Proxied, req)
	d.mu.Unlock()
	return "proxied:" + req.Path, nil
}

// FakePlugin is a configurable Plugin.
type FakePlugin struct {
	mu sync.Mutex

	name string

	// Handlers maps command names to dedicated handlers.
	Handlers map[string]drivers.HandlerFunc
	// CatchAll, when set, makes the plugin applicable to every command.
	CatchAll drivers.HandlerFunc

	// ShutdownCauses records OnUnexpectedShutdown invocations.
	ShutdownCauses []error
	// ShutdownPanics makes the shutdown handler panic, for isolation tests.
	ShutdownPanics bool
}

// NewFakePlugin creates a named fake plugin.
func NewFakePlugin(name string) *FakePlugin {
	return &FakePlugin{name: name, Handlers: make(map[string]drivers.HandlerFunc)}
}

func (p *FakePlugin) Name() string { return p.name }

func (p *FakePlugin) Handler(command string) drivers.HandlerFunc {
	if h, ok := p.Handlers[command]; ok {
		return h
	}
	return p.CatchAll
}

// CommandNames implements drivers.AdvertisedCommands.
func (p *FakePlugin) CommandNames() []string {
	names := make([]string, 0, len(p.Handlers))
	for name := range p.Handlers {
		names = append(names, name)
	}
	return names
}

// OnUnexpectedShutdown implements drivers.ShutdownHandler.
func (p *FakePlugin) OnUnexpectedShutdown(ctx context.Context, d drivers.Driver, cause error) {
	if p.ShutdownPanics {
		panic("shutdown handler failure")
	}
	p.mu.Lock()
	p.ShutdownCauses = append(p.ShutdownCauses, cause)
	p.mu.Unlock()
}

// ShutdownCount returns how many shutdown notifications arrived.
func (p *FakePlugin) ShutdownCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ShutdownCauses)
}

// FakeBidiPlugin intercepts BiDi commands for one module.
type FakeBidiPlugin struct {
	*FakePlugin

	// Module is the BiDi module this plugin claims.
	Module string
	// Handle is invoked for claimed commands.
	Handle func(ctx context.Context, method string, params json.RawMessage, next drivers.Next, d drivers.Driver) (any, error)
}

// NewFakeBidiPlugin creates a fake BiDi plugin claiming one module.
func NewFakeBidiPlugin(name, module string) *FakeBidiPlugin {
	return &FakeBidiPlugin{FakePlugin: NewFakePlugin(name), Module: module}
}

func (p *FakeBidiPlugin) SupportsBidiCommand(module, command string) bool {
	return module == p.Module
}

func (p *FakeBidiPlugin) HandleBidiCommand(ctx context.Context, method string, params json.RawMessage, next drivers.Next, d drivers.Driver) (any, error) {
	if p.Handle != nil {
		return p.Handle(ctx, method, params, next, d)
	}
	return map[string]any{"plugin": p.Name(), "method": method}, nil
}

// MatchPlatform returns a DriverFactory.Match that accepts capabilities whose
// platformName equals name (case-insensitive).
func MatchPlatform(name string) func(capabilities.Capabilities) bool {
	return func(caps capabilities.Capabilities) bool {
		v, _ := caps["platformName"].(string)
		return strings.EqualFold(v, name)
	}
}
