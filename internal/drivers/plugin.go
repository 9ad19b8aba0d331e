package drivers

import (
	"context"
	"encoding/json"

	"github.com/autohub-io/autohub/internal/event"
)

// Next advances a command down the plugin chain toward the default behavior.
// A plugin may call it zero or more times.
type Next func(ctx context.Context) (any, error)

// HandlerFunc intercepts one command. target is the owning Driver for
// session-scoped commands, or the orchestrator for orchestrator-owned ones.
type HandlerFunc func(ctx context.Context, next Next, target any, args ...any) (any, error)

// Plugin is one activated middleware unit.
//
// A plugin is applicable to a command when Handler returns a non-nil
// function, whether that is a handler dedicated to the command or the
// plugin's catch-all.
type Plugin interface {
	Name() string
	Handler(command string) HandlerFunc
}

// AdvertisedCommands is implemented by plugins that can enumerate the
// commands they dedicate handlers to, for introspection.
type AdvertisedCommands interface {
	CommandNames() []string
}

// ShutdownHandler is implemented by plugins that want to observe a driver's
// unexpected shutdown.
type ShutdownHandler interface {
	OnUnexpectedShutdown(ctx context.Context, d Driver, cause error)
}

// BidiPlugin is implemented by plugins that intercept BiDi commands.
type BidiPlugin interface {
	SupportsBidiCommand(module, command string) bool
	HandleBidiCommand(ctx context.Context, method string, params json.RawMessage, next Next, d Driver) (any, error)
}

// BidiCommandAdvertiser is implemented by BiDi plugins that can enumerate
// the commands they claim, so the gateway can extend the driver's BiDi
// command table through BidiCommandsUpdater.
type BidiCommandAdvertiser interface {
	BidiCommandNames() map[string][]string
}

// EventEmitter is implemented by plugins that emit events of their own; the
// gateway subscribes each session socket to every bound emitter.
type EventEmitter interface {
	EventBus() *event.Bus
}

// PluginFactory constructs plugin instances. Name is the activation name the
// instance was registered under; cliArgs carries plugin-specific settings
// from the surrounding CLI layer; ownerLogID tags the instance's log lines.
type PluginFactory struct {
	Name string
	New  func(name string, cliArgs map[string]any, ownerLogID string) Plugin
}
