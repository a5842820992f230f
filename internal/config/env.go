package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Environment variables read by ApplyEnv.
const (
	EnvMaxConnections = "SERIAL_MCP_MAX_CONNECTIONS"
	EnvPlugins        = "SERIAL_MCP_PLUGINS"
	EnvPluginsWatch   = "SERIAL_MCP_PLUGINS_WATCH"
	EnvMirror         = "SERIAL_MCP_MIRROR"
	EnvMirrorLink     = "SERIAL_MCP_MIRROR_LINK"
	EnvTrace          = "SERIAL_MCP_TRACE"
	EnvTracePayloads  = "SERIAL_MCP_TRACE_PAYLOADS"
	EnvTraceMaxBytes  = "SERIAL_MCP_TRACE_MAX_BYTES"
	EnvLogLevel       = "SERIAL_MCP_LOG_LEVEL"
	EnvSpecRoot       = "SERIAL_MCP_SPEC_ROOT"
	EnvGraceMS        = "SERIAL_MCP_GRACE_MS"
)

// ApplyEnv overrides cfg with every variable that is set. lookup is usually
// os.LookupEnv.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	var err error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	num := func(key string, dst *int) {
		v, ok := lookup(key)
		if !ok || err != nil || strings.TrimSpace(v) == "" {
			return
		}
		n, perr := strconv.Atoi(strings.TrimSpace(v))
		if perr != nil {
			err = fmt.Errorf("%s: %q is not an integer", key, v)
			return
		}
		*dst = n
	}
	flag := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = truthy(v)
		}
	}

	num(EnvMaxConnections, &cfg.MaxConnections)
	str(EnvPlugins, &cfg.Plugins)
	flag(EnvPluginsWatch, &cfg.PluginsWatch)
	str(EnvMirror, &cfg.Mirror)
	str(EnvMirrorLink, &cfg.MirrorLink)
	flag(EnvTrace, &cfg.Trace)
	flag(EnvTracePayloads, &cfg.TracePayloads)
	num(EnvTraceMaxBytes, &cfg.TraceMaxBytes)
	str(EnvLogLevel, &cfg.LogLevel)
	str(EnvSpecRoot, &cfg.SpecRoot)

	grace := 0
	num(EnvGraceMS, &grace)
	if grace > 0 {
		cfg.Grace = time.Duration(grace) * time.Millisecond
	}
	return err
}

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "0", "false", "no", "off":
		return false
	}
	return true
}
