package dispatch

import (
	"context"
	"sync"

	"github.com/autohub-io/autohub/internal/drivers"
	"github.com/autohub-io/autohub/internal/logging"
)

// applicablePlugin pairs a plugin with the handler it supplied for the
// current command.
type applicablePlugin struct {
	plugin  drivers.Plugin
	handler drivers.HandlerFunc
}

// applicablePlugins filters the plugin set down to those that define a
// handler (dedicated or catch-all) for the command, preserving registration
// order.
func applicablePlugins(plugins []drivers.Plugin, command string) []applicablePlugin {
	var out []applicablePlugin
	for _, p := range plugins {
		if h := p.Handler(command); h != nil {
			out = append(out, applicablePlugin{plugin: p, handler: h})
		}
	}
	return out
}

// composeChain folds the applicable plugins right-to-left around the default
// behavior. Each plugin receives the previously composed function as an
// explicit next value; calling it zero times short-circuits the rest of the
// chain.
func composeChain(plugins []applicablePlugin, req Request, target any, def drivers.Next, tracker *handledTracker) drivers.Next {
	next := def
	for i := len(plugins) - 1; i >= 0; i-- {
		p := plugins[i]
		inner := next
		next = func(ctx context.Context) (any, error) {
			tracker.mark(p.plugin.Name())
			return p.handler(ctx, inner, target, req.Args...)
		}
	}
	return next
}

// handledTracker records which handlers actually ran during a dispatch. It is
// diagnostic only; the result is reported in logs, never gating correctness.
type handledTracker struct {
	mu      sync.Mutex
	handled map[string]bool
}

func newHandledTracker(plugins []applicablePlugin) *handledTracker {
	handled := make(map[string]bool, len(plugins)+1)
	for _, p := range plugins {
		handled[p.plugin.Name()] = false
	}
	handled["default"] = false
	return &handledTracker{handled: handled}
}

func (t *handledTracker) mark(name string) {
	t.mu.Lock()
	t.handled[name] = true
	t.mu.Unlock()
}

func (t *handledTracker) markDefault() {
	t.mark("default")
}

func (t *handledTracker) defaultReached() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handled["default"]
}

func (t *handledTracker) snapshot() map[string]bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]bool, len(t.handled))
	for k, v := range t.handled {
		out[k] = v
	}
	return out
}

func (t *handledTracker) report(command string) {
	if len(t.handled) == 1 {
		// No plugins were applicable; nothing worth reporting.
		return
	}
	logging.Debug().Str("command", command).
		Any("handledBy", t.snapshot()).Msg("command dispatch complete")
}
