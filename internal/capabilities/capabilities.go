// Package capabilities implements negotiation of desired-capability payloads.
//
// Clients may send capabilities in two wire shapes: the legacy flat mapping
// and the standard envelope nesting requirements under alwaysMatch/firstMatch.
// This package reconciles the two into one canonical flat mapping in which
// every non-standard key carries the "appium:" vendor prefix.
package capabilities

import "strings"

// Capabilities is a flat mapping of capability names to JSON-like values.
type Capabilities map[string]any

// W3CCapabilities is the standard-form capabilities envelope.
type W3CCapabilities struct {
	AlwaysMatch Capabilities   `json:"alwaysMatch,omitempty"`
	FirstMatch  []Capabilities `json:"firstMatch,omitempty"`
}

// Protocol tags which wire protocol a session (or an error response) speaks.
type Protocol string

const (
	ProtocolW3C    Protocol = "W3C"
	ProtocolLegacy Protocol = "MJSONWP"
)

// VendorPrefix is the namespace prefix required on non-standard keys in
// standard-form payloads.
const VendorPrefix = "appium:"

// standardKeys is the fixed allow-list of capability names that travel
// unprefixed in standard form.
var standardKeys = map[string]struct{}{
	"browserName":               {},
	"browserVersion":            {},
	"platformName":              {},
	"acceptInsecureCerts":       {},
	"pageLoadStrategy":          {},
	"proxy":                     {},
	"setWindowRect":             {},
	"timeouts":                  {},
	"strictFileInteractability": {},
	"unhandledPromptBehavior":   {},
	"webSocketUrl":              {},
}

// IsStandardKey reports whether name is on the standard-capability allow-list.
func IsStandardKey(name string) bool {
	_, ok := standardKeys[name]
	return ok
}

// StandardKeys returns the standard-capability allow-list, for driver authors.
func StandardKeys() []string {
	keys := make([]string, 0, len(standardKeys))
	for k := range standardKeys {
		keys = append(keys, k)
	}
	return keys
}

// StripPrefix removes the vendor prefix from a capability name if present.
func StripPrefix(name string) string {
	return strings.TrimPrefix(name, VendorPrefix)
}

// InsertAppiumPrefixes returns a copy of caps in which every non-standard,
// unprefixed key carries the vendor prefix. Values are not recursed into.
func InsertAppiumPrefixes(caps Capabilities) Capabilities {
	if caps == nil {
		return nil
	}
	out := make(Capabilities, len(caps))
	for k, v := range caps {
		if !IsStandardKey(k) && !strings.HasPrefix(k, VendorPrefix) {
			k = VendorPrefix + k
		}
		out[k] = v
	}
	return out
}

// RemoveAppiumPrefixes returns a copy of caps with the vendor prefix stripped
// from every key, for consumers that want unprefixed names.
func RemoveAppiumPrefixes(caps Capabilities) Capabilities {
	if caps == nil {
		return nil
	}
	out := make(Capabilities, len(caps))
	for k, v := range caps {
		out[StripPrefix(k)] = v
	}
	return out
}

// Clone returns a shallow copy of caps.
func (c Capabilities) Clone() Capabilities {
	if c == nil {
		return nil
	}
	out := make(Capabilities, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// has reports whether caps contains name under either its prefixed or
// unprefixed spelling.
func (c Capabilities) has(name string) bool {
	stripped := StripPrefix(name)
	for k := range c {
		if StripPrefix(k) == stripped {
			return true
		}
	}
	return false
}

// lookup returns the value for name under either spelling.
func (c Capabilities) lookup(name string) (any, bool) {
	if v, ok := c[name]; ok {
		return v, true
	}
	if v, ok := c[VendorPrefix+name]; ok {
		return v, true
	}
	return nil, false
}
