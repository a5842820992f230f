package config

import (
	"os"

	"github.com/standardbeagle/serial-mcp/internal/project"
)

// Load builds the configuration from defaults, the KDL file and the
// environment. explicit is a --config path and must exist when given;
// otherwise serial-mcp.kdl in the state directory is used if present.
// Flags are applied by the caller afterwards.
func Load(explicit string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := DefaultConfig()

	path := explicit
	if path == "" {
		specRoot, _ := lookup(EnvSpecRoot)
		cwd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		proj, err := project.Detect(specRoot, cwd)
		if err != nil {
			return nil, err
		}
		if _, err := os.Stat(proj.ConfigFile()); err == nil {
			path = proj.ConfigFile()
		}
	}
	if path != "" {
		if err := LoadFile(cfg, path); err != nil {
			return nil, err
		}
	}

	if err := ApplyEnv(cfg, lookup); err != nil {
		return nil, err
	}
	return cfg, nil
}
