package capabilities

import (
	"github.com/autohub-io/autohub/internal/errs"
)

// Negotiated is the successful outcome of capability negotiation.
type Negotiated struct {
	// Capabilities is the canonical flat mapping: every non-standard key
	// carries the vendor prefix.
	Capabilities Capabilities
	// Protocol is the wire protocol the session will speak.
	Protocol Protocol
}

// Negotiate reconciles the legacy and standard capability payloads into one
// canonical mapping.
//
// A request is valid only when the standard envelope supplies at least one of
// alwaysMatch/firstMatch; legacy-only payloads fail with an invalid-argument
// error. Errors are always tagged with the standard protocol since no
// legacy-only success path exists.
//
// Defaults are injected into firstMatch[0] unless the key (after prefix
// stripping) already appears anywhere in the caller-supplied payload; a
// default never overrides an explicit capability. The alwaysMatch mapping is
// then merged with each firstMatch entry in order, and the first combination
// with no key overlap that passes the constraints wins.
func Negotiate(legacy Capabilities, w3c *W3CCapabilities, constraints Constraints, defaults Capabilities) (*Negotiated, error) {
	if w3c == nil || (w3c.AlwaysMatch == nil && len(w3c.FirstMatch) == 0) {
		if len(legacy) > 0 {
			return nil, errs.InvalidArgument("legacy-format capabilities are not supported on their own; supply a standard alwaysMatch/firstMatch payload")
		}
		return nil, errs.InvalidArgument("capabilities must contain at least one of alwaysMatch or firstMatch")
	}

	always := w3c.AlwaysMatch.Clone()
	if always == nil {
		always = Capabilities{}
	}
	firstMatch := make([]Capabilities, 0, len(w3c.FirstMatch))
	for _, fm := range w3c.FirstMatch {
		firstMatch = append(firstMatch, fm.Clone())
	}
	if len(firstMatch) == 0 {
		firstMatch = append(firstMatch, Capabilities{})
	}

	injectDefaults(always, firstMatch, defaults)

	var lastErr error
	for _, fm := range firstMatch {
		merged, err := mergeMatch(always, fm)
		if err != nil {
			lastErr = err
			continue
		}
		if err := Validate(merged, constraints); err != nil {
			lastErr = err
			continue
		}
		return &Negotiated{
			Capabilities: InsertAppiumPrefixes(merged),
			Protocol:     ProtocolW3C,
		}, nil
	}
	return nil, lastErr
}

// injectDefaults adds each default capability to firstMatch[0] unless the key
// already appears (under either spelling) in alwaysMatch or any firstMatch
// entry.
func injectDefaults(always Capabilities, firstMatch []Capabilities, defaults Capabilities) {
	for key, value := range defaults {
		if always.has(key) {
			continue
		}
		supplied := false
		for _, fm := range firstMatch {
			if fm.has(key) {
				supplied = true
				break
			}
		}
		if !supplied {
			firstMatch[0][key] = value
		}
	}
}

// mergeMatch combines alwaysMatch with one firstMatch entry, failing when the
// two name the same capability (prefix-stripped comparison, so "appium:foo"
// collides with "foo").
func mergeMatch(always, fm Capabilities) (Capabilities, error) {
	merged := always.Clone()
	if merged == nil {
		merged = Capabilities{}
	}
	for k, v := range fm {
		if merged.has(k) {
			return nil, errs.InvalidArgument("capability %q appears in both alwaysMatch and a firstMatch entry", StripPrefix(k))
		}
		merged[k] = v
	}
	return merged, nil
}
