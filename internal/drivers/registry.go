package drivers

import (
	"fmt"
	"sync"

	"github.com/autohub-io/autohub/internal/capabilities"
	"github.com/autohub-io/autohub/internal/errs"
)

// DriverFactory describes one installable driver implementation.
type DriverFactory struct {
	// Name and Version identify the implementation for logs and errors.
	Name    string
	Version string
	// TypeID is the explicit driver type identifier. Sessions created by
	// factories sharing a TypeID see each other as siblings.
	TypeID string
	// Constraints are driver-specific validation rules merged into the
	// negotiation constraints when this driver is considered.
	Constraints capabilities.Constraints
	// Match reports whether this driver can serve the canonical
	// capabilities (typically keyed on platformName/automationName).
	Match func(caps capabilities.Capabilities) bool
	// New instantiates a fresh driver for one session.
	New func() Driver
}

// Matcher selects a driver implementation for negotiated capabilities. It is
// an injected collaborator of the session registry.
type Matcher interface {
	FindMatchingDriver(caps capabilities.Capabilities) (*DriverFactory, error)
}

// Registry holds the installed driver factories and the ordered plugin
// factories. It replaces by-convention extension resolution with explicit
// registration.
type Registry struct {
	mu       sync.RWMutex
	factories []*DriverFactory
	plugins   []PluginFactory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// RegisterDriver adds a driver factory. Registration order is the matching
// order.
func (r *Registry) RegisterDriver(f *DriverFactory) error {
	if f == nil || f.New == nil || f.Match == nil {
		return fmt.Errorf("driver factory must define Match and New")
	}
	if f.TypeID == "" {
		return fmt.Errorf("driver factory %q must declare a TypeID", f.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories = append(r.factories, f)
	return nil
}

// RegisterPlugin adds a plugin factory. Registration order is the chain
// composition order.
func (r *Registry) RegisterPlugin(f PluginFactory) error {
	if f.New == nil {
		return fmt.Errorf("plugin factory %q must define New", f.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plugins = append(r.plugins, f)
	return nil
}

// FindMatchingDriver returns the first registered factory whose Match accepts
// the canonical capabilities.
func (r *Registry) FindMatchingDriver(caps capabilities.Capabilities) (*DriverFactory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, f := range r.factories {
		if f.Match(caps) {
			return f, nil
		}
	}
	return nil, errs.SessionNotCreated(fmt.Errorf("no installed driver matches capabilities %v", capabilities.RemoveAppiumPrefixes(caps)))
}

// Plugins returns the plugin factories in registration order.
func (r *Registry) Plugins() []PluginFactory {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]PluginFactory, len(r.plugins))
	copy(out, r.plugins)
	return out
}

// Drivers returns the registered driver factories in registration order.
func (r *Registry) Drivers() []*DriverFactory {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*DriverFactory, len(r.factories))
	copy(out, r.factories)
	return out
}
