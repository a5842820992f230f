// Package config assembles serial-mcp settings from defaults, an optional
// KDL file, the environment and command-line flags, in that order. The result
// is built once at startup and passed down; nothing reads it globally.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/standardbeagle/serial-mcp/internal/connection"
	"github.com/standardbeagle/serial-mcp/internal/extension"
	"github.com/standardbeagle/serial-mcp/internal/mirror"
	"github.com/standardbeagle/serial-mcp/internal/trace"
)

// Config holds the complete server configuration.
type Config struct {
	// MaxConnections caps simultaneously open connections.
	MaxConnections int `json:"max_connections"`
	// BufferLimit is the per-connection receive buffer size in bytes.
	BufferLimit int `json:"buffer_limit"`
	// Grace bounds how long close and shutdown wait on a device.
	Grace time.Duration `json:"grace"`

	// Plugins is the raw extension policy string.
	Plugins string `json:"plugins"`
	// PluginsWatch enables hot reload of loaded extensions.
	PluginsWatch bool `json:"plugins_watch"`

	// Mirror is the default mirror mode for new connections.
	Mirror string `json:"mirror"`
	// MirrorLink is the alias base for mirror PTYs; empty disables aliases.
	MirrorLink string `json:"mirror_link"`

	Trace         bool `json:"trace"`
	TracePayloads bool `json:"trace_payloads"`
	TraceMaxBytes int  `json:"trace_max_bytes"`

	LogLevel string `json:"log_level"`
	// SpecRoot overrides .serial_mcp discovery.
	SpecRoot string `json:"spec_root,omitempty"`
	// File is the KDL file that was applied, if any.
	File string `json:"file,omitempty"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxConnections: connection.DefaultMaxConnections,
		BufferLimit:    connection.DefaultBufferLimit,
		Grace:          connection.DefaultGrace,
		Mirror:         string(mirror.Off),
		MirrorLink:     "/tmp/serial-mcp",
		Trace:          true,
		TraceMaxBytes:  trace.DefaultMaxPayload,
		LogLevel:       "warn",
	}
}

// Policy parses the extension policy.
func (c *Config) Policy() extension.Policy { return extension.ParsePolicy(c.Plugins) }

// MirrorMode parses the default mirror mode.
func (c *Config) MirrorMode() (mirror.Mode, error) { return mirror.ParseMode(c.Mirror) }

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	name := strings.ToLower(strings.TrimSpace(c.LogLevel))
	switch name {
	case "warning":
		name = "warn"
	case "critical", "fatal":
		name = "error"
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(name)); err != nil {
		return slog.LevelWarn, fmt.Errorf("invalid log level %q", c.LogLevel)
	}
	return lvl, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.MaxConnections <= 0 {
		return fmt.Errorf("max connections must be positive, got %d", c.MaxConnections)
	}
	if c.BufferLimit <= 0 {
		return fmt.Errorf("buffer limit must be positive, got %d", c.BufferLimit)
	}
	if c.Grace <= 0 {
		c.Grace = connection.DefaultGrace
	}
	if c.TraceMaxBytes <= 0 {
		c.TraceMaxBytes = trace.DefaultMaxPayload
	}
	if _, err := c.MirrorMode(); err != nil {
		return err
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}
