package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/standardbeagle/serial-mcp/internal/config"
	"github.com/standardbeagle/serial-mcp/internal/project"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or create the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a documented serial-mcp.kdl into the project state directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		proj, err := detectProject(cfg)
		if err != nil {
			return err
		}
		path := proj.ConfigFile()
		if _, err := os.Stat(path); err == nil {
			force, _ := cmd.Flags().GetBool("force")
			if !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
		}
		if err := os.MkdirAll(proj.Root, 0o755); err != nil {
			return err
		}
		if err := config.WriteDefaultConfig(path); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), path)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(cfg)
	},
}

func init() {
	configInitCmd.Flags().Bool("force", false, "Overwrite an existing file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
}

// loadConfig builds the configuration and applies the flags of cmd that were
// set explicitly.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path, os.LookupEnv)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}
	if f := flags.Lookup("plugins"); f != nil && f.Changed {
		cfg.Plugins = f.Value.String()
	}
	if f := flags.Lookup("watch-extensions"); f != nil && f.Changed {
		cfg.PluginsWatch, _ = flags.GetBool("watch-extensions")
	}
	if f := flags.Lookup("max-connections"); f != nil && f.Changed {
		cfg.MaxConnections, _ = flags.GetInt("max-connections")
	}
	if f := flags.Lookup("mirror"); f != nil && f.Changed {
		cfg.Mirror = f.Value.String()
	}
	if f := flags.Lookup("no-trace"); f != nil && f.Changed {
		noTrace, _ := flags.GetBool("no-trace")
		cfg.Trace = !noTrace
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func detectProject(cfg *config.Config) (*project.Project, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	return project.Detect(cfg.SpecRoot, cwd)
}

// newLogger writes text logs to stderr; stdout carries the MCP stream.
func newLogger(cfg *config.Config) *slog.Logger {
	lvl, _ := cfg.Level()
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
