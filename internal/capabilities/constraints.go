package capabilities

import (
	"strings"

	"github.com/autohub-io/autohub/internal/errs"
)

// Constraint describes the validation rules for one capability.
type Constraint struct {
	// Presence requires the capability to be supplied.
	Presence bool
	// IsString / IsNumber / IsBoolean restrict the value's JSON type.
	IsString  bool
	IsNumber  bool
	IsBoolean bool
	// Inclusion restricts a string value to one of the listed options,
	// case-insensitively.
	Inclusion []string
	// Validate is an optional custom predicate run after the built-in checks.
	Validate func(value any) error
}

// Constraints maps unprefixed capability names to their validation rules.
type Constraints map[string]Constraint

// Validate checks a flat capabilities mapping against the constraints.
// Constraint names are unprefixed; values are looked up under both the
// prefixed and unprefixed spelling.
func Validate(caps Capabilities, constraints Constraints) error {
	for name, rule := range constraints {
		value, present := caps.lookup(name)
		if !present {
			if rule.Presence {
				return errs.InvalidArgument("required capability %q is missing", name)
			}
			continue
		}
		if err := rule.check(name, value); err != nil {
			return err
		}
	}
	return nil
}

func (r Constraint) check(name string, value any) error {
	if r.IsString {
		if _, ok := value.(string); !ok {
			return errs.InvalidArgument("capability %q must be a string", name)
		}
	}
	if r.IsNumber {
		switch value.(type) {
		case float64, int, int64:
		default:
			return errs.InvalidArgument("capability %q must be a number", name)
		}
	}
	if r.IsBoolean {
		if _, ok := value.(bool); !ok {
			return errs.InvalidArgument("capability %q must be a boolean", name)
		}
	}
	if len(r.Inclusion) > 0 {
		s, ok := value.(string)
		if !ok || !containsFold(r.Inclusion, s) {
			return errs.InvalidArgument("capability %q must be one of %s", name, strings.Join(r.Inclusion, ", "))
		}
	}
	if r.Validate != nil {
		if err := r.Validate(value); err != nil {
			return errs.InvalidArgument("capability %q is invalid: %v", name, err)
		}
	}
	return nil
}

func containsFold(options []string, s string) bool {
	for _, opt := range options {
		if strings.EqualFold(opt, s) {
			return true
		}
	}
	return false
}
