package capabilities

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractSettingsBracketForm(t *testing.T) {
	caps := Capabilities{
		"platformName":                  "Fake",
		"settings[mjpegServerPort]":     9100.0,
		"appium:settings[ignoreUnimportantViews]": true,
	}

	settings := ExtractSettings(caps)

	assert.Equal(t, map[string]any{
		"mjpegServerPort":        9100.0,
		"ignoreUnimportantViews": true,
	}, settings)
	assert.Equal(t, Capabilities{"platformName": "Fake"}, caps)
}

func TestExtractSettingsWholesaleObject(t *testing.T) {
	caps := Capabilities{
		"appium:settings":       map[string]any{"imageMatchThreshold": 0.4},
		"settings[shouldUseCompactResponses]": false,
	}

	settings := ExtractSettings(caps)

	assert.Equal(t, map[string]any{
		"imageMatchThreshold":       0.4,
		"shouldUseCompactResponses": false,
	}, settings)
	assert.Empty(t, caps)
}

func TestExtractSettingsIgnoresNonObjectSettingsKey(t *testing.T) {
	caps := Capabilities{"settings": "not-a-mapping"}
	settings := ExtractSettings(caps)
	assert.Empty(t, settings)
	assert.Equal(t, Capabilities{"settings": "not-a-mapping"}, caps)
}
