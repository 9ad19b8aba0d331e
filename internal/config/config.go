package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/afero"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/autohub-io/autohub/internal/capabilities"
)

// Config is the resolved server configuration.
type Config struct {
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	BasePath string `json:"basePath" yaml:"basePath"`

	LogLevel   string `json:"logLevel" yaml:"logLevel"`
	PrettyLogs bool   `json:"prettyLogs" yaml:"prettyLogs"`

	AllowCORS bool `json:"allowCors" yaml:"allowCors"`

	// SessionOverride lets a new session displace every existing one
	// instead of failing when drivers refuse concurrent sessions.
	SessionOverride bool `json:"sessionOverride" yaml:"sessionOverride"`

	// KeepAliveTimeout bounds idle HTTP connections, in seconds. Zero
	// disables the limit.
	KeepAliveTimeout int `json:"keepAliveTimeout" yaml:"keepAliveTimeout"`

	// DefaultCapabilities are injected into every new session request
	// without overriding what the client asked for.
	DefaultCapabilities capabilities.Capabilities `json:"defaultCapabilities" yaml:"defaultCapabilities"`
	// DefaultCapabilitiesPath points at a standalone capabilities file
	// that is watched for changes while the server runs.
	DefaultCapabilitiesPath string `json:"defaultCapabilitiesPath" yaml:"defaultCapabilitiesPath"`

	// Drivers and Plugins carry per-extension settings, keyed by the
	// registration name, and are handed to the factories verbatim.
	Drivers map[string]map[string]any `json:"drivers" yaml:"drivers"`
	Plugins map[string]map[string]any `json:"plugins" yaml:"plugins"`

	// UsePlugins activates plugins by name, in chain order. The special
	// value "all" activates every registered plugin.
	UsePlugins []string `json:"usePlugins" yaml:"usePlugins"`

	// BidiOpenWaitTimeout and BidiDialTimeout tune the socket gateway,
	// in seconds.
	BidiOpenWaitTimeout int `json:"bidiOpenWaitTimeout" yaml:"bidiOpenWaitTimeout"`
	BidiDialTimeout     int `json:"bidiDialTimeout" yaml:"bidiDialTimeout"`
}

// Default returns the configuration used when no file or environment
// override says otherwise.
func Default() *Config {
	return &Config{
		Host:                "0.0.0.0",
		Port:                4723,
		BasePath:            "/",
		LogLevel:            "info",
		KeepAliveTimeout:    600,
		BidiOpenWaitTimeout: 5,
		BidiDialTimeout:     15,
	}
}

// Address returns the host:port listen address.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// BidiTimeouts returns the gateway timeouts as durations.
func (c *Config) BidiTimeouts() (openWait, dial time.Duration) {
	return time.Duration(c.BidiOpenWaitTimeout) * time.Second,
		time.Duration(c.BidiDialTimeout) * time.Second
}

// Load resolves configuration from multiple sources (priority order):
// 1. Global config (XDG config dir)
// 2. Project config (directory argument)
// 3. AUTOHUB_CONFIG file
// 4. AUTOHUB_CONFIG_CONTENT inline JSON
// 5. Environment variables
// Files may be JSON, JSONC or YAML; {env:VAR} and {file:path} placeholders
// are interpolated before parsing.
func Load(fsys afero.Fs, directory string) (*Config, error) {
	config := Default()

	loaded := make(map[string]bool)
	loadOnce := func(path, baseDir string) {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return
		}
		if loaded[absPath] {
			return
		}
		if loadFile(fsys, path, config, baseDir) == nil {
			loaded[absPath] = true
		}
	}

	globalPath := GetPaths().Config
	loadOnce(filepath.Join(globalPath, "autohub.json"), globalPath)
	loadOnce(filepath.Join(globalPath, "autohub.jsonc"), globalPath)
	loadOnce(filepath.Join(globalPath, "autohub.yaml"), globalPath)

	if directory != "" {
		loadOnce(filepath.Join(directory, "autohub.json"), directory)
		loadOnce(filepath.Join(directory, "autohub.jsonc"), directory)
		loadOnce(filepath.Join(directory, "autohub.yaml"), directory)
		loadOnce(filepath.Join(directory, ".autohub", "autohub.json"), filepath.Join(directory, ".autohub"))
	}

	if configPath := os.Getenv("AUTOHUB_CONFIG"); configPath != "" {
		if err := loadFile(fsys, configPath, config, filepath.Dir(configPath)); err != nil {
			return nil, fmt.Errorf("loading %s: %w", configPath, err)
		}
	}

	if content := os.Getenv("AUTOHUB_CONFIG_CONTENT"); content != "" {
		var inline Config
		if err := json.Unmarshal(jsonc.ToJSON([]byte(content)), &inline); err != nil {
			return nil, fmt.Errorf("parsing AUTOHUB_CONFIG_CONTENT: %w", err)
		}
		merge(config, &inline)
	}

	applyEnvOverrides(config)

	if config.DefaultCapabilitiesPath != "" {
		caps, err := LoadCapabilitiesFile(fsys, config.DefaultCapabilitiesPath)
		if err != nil {
			return nil, err
		}
		mergeCapabilities(config, caps)
	}

	return config, nil
}

// loadFile loads a single config file with interpolation support.
func loadFile(fsys afero.Fs, path string, config *Config, baseDir string) error {
	data, err := afero.ReadFile(fsys, path)
	if err != nil {
		return err
	}

	data = interpolate(fsys, data, baseDir)

	var fileConfig Config
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &fileConfig); err != nil {
			return err
		}
	default:
		if err := json.Unmarshal(jsonc.ToJSON(data), &fileConfig); err != nil {
			return err
		}
	}

	merge(config, &fileConfig)
	return nil
}

// LoadCapabilitiesFile reads a standalone default-capabilities file, JSONC
// allowed.
func LoadCapabilitiesFile(fsys afero.Fs, path string) (capabilities.Capabilities, error) {
	data, err := afero.ReadFile(fsys, path)
	if err != nil {
		return nil, fmt.Errorf("reading capabilities file %s: %w", path, err)
	}
	var caps capabilities.Capabilities
	if err := json.Unmarshal(jsonc.ToJSON(data), &caps); err != nil {
		return nil, fmt.Errorf("parsing capabilities file %s: %w", path, err)
	}
	return caps, nil
}

// interpolate processes {env:VAR} and {file:path} placeholders.
func interpolate(fsys afero.Fs, data []byte, baseDir string) []byte {
	str := string(data)

	envPattern := regexp.MustCompile(`\{env:([^}]+)\}`)
	str = envPattern.ReplaceAllStringFunc(str, func(match string) string {
		varName := envPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})

	filePattern := regexp.MustCompile(`\{file:([^}]+)\}`)
	str = filePattern.ReplaceAllStringFunc(str, func(match string) string {
		filePath := filePattern.FindStringSubmatch(match)[1]

		if strings.HasPrefix(filePath, "~/") {
			filePath = filepath.Join(os.Getenv("HOME"), filePath[2:])
		} else if !filepath.IsAbs(filePath) {
			filePath = filepath.Join(baseDir, filePath)
		}

		content, err := afero.ReadFile(fsys, filePath)
		if err != nil {
			return match
		}

		escaped := strings.ReplaceAll(string(content), "\\", "\\\\")
		escaped = strings.ReplaceAll(escaped, "\"", "\\\"")
		escaped = strings.ReplaceAll(escaped, "\n", "\\n")
		escaped = strings.ReplaceAll(escaped, "\r", "\\r")
		escaped = strings.ReplaceAll(escaped, "\t", "\\t")
		return escaped
	})

	return []byte(str)
}

// merge folds source into target; later sources win for scalar fields.
func merge(target, source *Config) {
	if source.Host != "" {
		target.Host = source.Host
	}
	if source.Port != 0 {
		target.Port = source.Port
	}
	if source.BasePath != "" {
		target.BasePath = source.BasePath
	}
	if source.LogLevel != "" {
		target.LogLevel = source.LogLevel
	}
	if source.PrettyLogs {
		target.PrettyLogs = true
	}
	if source.AllowCORS {
		target.AllowCORS = true
	}
	if source.SessionOverride {
		target.SessionOverride = true
	}
	if source.KeepAliveTimeout != 0 {
		target.KeepAliveTimeout = source.KeepAliveTimeout
	}
	if source.DefaultCapabilitiesPath != "" {
		target.DefaultCapabilitiesPath = source.DefaultCapabilitiesPath
	}
	if source.BidiOpenWaitTimeout != 0 {
		target.BidiOpenWaitTimeout = source.BidiOpenWaitTimeout
	}
	if source.BidiDialTimeout != 0 {
		target.BidiDialTimeout = source.BidiDialTimeout
	}
	if len(source.UsePlugins) > 0 {
		target.UsePlugins = source.UsePlugins
	}

	mergeCapabilities(target, source.DefaultCapabilities)

	if source.Drivers != nil {
		if target.Drivers == nil {
			target.Drivers = make(map[string]map[string]any)
		}
		for k, v := range source.Drivers {
			target.Drivers[k] = v
		}
	}
	if source.Plugins != nil {
		if target.Plugins == nil {
			target.Plugins = make(map[string]map[string]any)
		}
		for k, v := range source.Plugins {
			target.Plugins[k] = v
		}
	}
}

func mergeCapabilities(target *Config, caps capabilities.Capabilities) {
	if len(caps) == 0 {
		return
	}
	if target.DefaultCapabilities == nil {
		target.DefaultCapabilities = make(capabilities.Capabilities, len(caps))
	}
	for k, v := range caps {
		target.DefaultCapabilities[k] = v
	}
}

// applyEnvOverrides applies environment variable overrides, the highest
// priority source.
func applyEnvOverrides(config *Config) {
	if host := os.Getenv("AUTOHUB_HOST"); host != "" {
		config.Host = host
	}
	if port := os.Getenv("AUTOHUB_PORT"); port != "" {
		var p int
		if _, err := fmt.Sscanf(port, "%d", &p); err == nil && p > 0 {
			config.Port = p
		}
	}
	if basePath := os.Getenv("AUTOHUB_BASE_PATH"); basePath != "" {
		config.BasePath = basePath
	}
	if level := os.Getenv("AUTOHUB_LOG_LEVEL"); level != "" {
		config.LogLevel = level
	}
	if capsJSON := os.Getenv("AUTOHUB_DEFAULT_CAPABILITIES"); capsJSON != "" {
		var caps capabilities.Capabilities
		if err := json.Unmarshal(jsonc.ToJSON([]byte(capsJSON)), &caps); err == nil {
			mergeCapabilities(config, caps)
		}
	}
}

// Save writes the configuration as indented JSON.
func Save(fsys afero.Fs, config *Config, path string) error {
	if err := fsys.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}
	return afero.WriteFile(fsys, path, data, 0644)
}
