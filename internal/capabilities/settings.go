package capabilities

import "regexp"

// settingKeyRe matches capability names of the form settings[<name>], with or
// without the vendor prefix.
var settingKeyRe = regexp.MustCompile(`^(?:appium:)?settings\[(.+)\]$`)

// ExtractSettings pulls setting-valued capabilities out of caps and returns
// them as a separate mapping. Matching keys are deleted from caps; callers
// that need the original must clone first.
//
// Two forms are recognized: individual settings[<name>] keys, and a wholesale
// "settings" key whose value is itself a mapping (merged in entry by entry).
func ExtractSettings(caps Capabilities) map[string]any {
	settings := make(map[string]any)
	for key, value := range caps {
		if m := settingKeyRe.FindStringSubmatch(key); m != nil {
			settings[m[1]] = value
			delete(caps, key)
			continue
		}
		if StripPrefix(key) == "settings" {
			if nested, ok := value.(map[string]any); ok {
				for name, v := range nested {
					settings[name] = v
				}
				delete(caps, key)
			}
		}
	}
	return settings
}
