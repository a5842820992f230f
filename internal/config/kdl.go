package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	kdl "github.com/sblinch/kdl-go"
)

// KDLConfig represents the KDL configuration structure.
type KDLConfig struct {
	Connections KDLConnections `kdl:"connections"`
	Plugins     KDLPlugins     `kdl:"plugins"`
	Mirror      KDLMirror      `kdl:"mirror"`
	Trace       KDLTrace       `kdl:"trace"`
	LogLevel    string         `kdl:"log-level"`
}

// KDLConnections holds connection limits.
type KDLConnections struct {
	Max         int `kdl:"max"`
	BufferLimit int `kdl:"buffer-limit"`
	// Grace is in milliseconds.
	Grace int `kdl:"grace"`
}

// KDLPlugins holds the extension policy.
type KDLPlugins struct {
	Policy string `kdl:"policy"`
	Watch  *bool  `kdl:"watch"`
}

// KDLMirror holds mirror defaults.
type KDLMirror struct {
	Mode string  `kdl:"mode"`
	Link *string `kdl:"link"`
}

// KDLTrace holds trace settings.
type KDLTrace struct {
	Enabled  *bool `kdl:"enabled"`
	Payloads *bool `kdl:"payloads"`
	MaxBytes int   `kdl:"max-bytes"`
}

// LoadFile applies the KDL file at path on top of cfg.
func LoadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := ParseKDL(cfg, string(data)); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	cfg.File = path
	return nil
}

// ParseKDL applies KDL configuration data on top of cfg. Absent settings keep
// their current values.
func ParseKDL(cfg *Config, data string) error {
	var k KDLConfig
	if err := kdl.Unmarshal([]byte(data), &k); err != nil {
		return err
	}

	if k.Connections.Max > 0 {
		cfg.MaxConnections = k.Connections.Max
	}
	if k.Connections.BufferLimit > 0 {
		cfg.BufferLimit = k.Connections.BufferLimit
	}
	if k.Connections.Grace > 0 {
		cfg.Grace = time.Duration(k.Connections.Grace) * time.Millisecond
	}
	if k.Plugins.Policy != "" {
		cfg.Plugins = k.Plugins.Policy
	}
	if k.Plugins.Watch != nil {
		cfg.PluginsWatch = *k.Plugins.Watch
	}
	if k.Mirror.Mode != "" {
		cfg.Mirror = k.Mirror.Mode
	}
	if k.Mirror.Link != nil {
		cfg.MirrorLink = *k.Mirror.Link
	}
	if k.Trace.Enabled != nil {
		cfg.Trace = *k.Trace.Enabled
	}
	if k.Trace.Payloads != nil {
		cfg.TracePayloads = *k.Trace.Payloads
	}
	if k.Trace.MaxBytes > 0 {
		cfg.TraceMaxBytes = k.Trace.MaxBytes
	}
	if k.LogLevel != "" {
		cfg.LogLevel = k.LogLevel
	}
	return nil
}

// WriteDefaultConfig writes a documented config file.
func WriteDefaultConfig(path string) error {
	defaultKDL := `// serial-mcp configuration
// Environment variables and flags override these values.

connections {
    // Simultaneously open connections
    max 10
    // Per-connection receive buffer in bytes
    buffer-limit 1048576
    // Close and shutdown grace in milliseconds
    grace 3000
}

plugins {
    // "" disables extensions, "all" allows every one, or list names: "gps,sensor"
    policy ""
    watch false
}

mirror {
    // off, ro or rw
    mode "off"
    link "/tmp/serial-mcp"
}

trace {
    enabled true
    payloads false
    max-bytes 16384
}

log-level "warn"
`
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strings.TrimSpace(defaultKDL)+"\n"), 0o644)
}
