package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/standardbeagle/serial-mcp/internal/updater"
)

const (
	appName    = "serial-mcp"
	appVersion = "0.3.0"
)

var rootCmd = &cobra.Command{
	Use:   appName,
	Short: "MCP server bridging AI assistants to serial devices",
	Long: `serial-mcp exposes serial ports to MCP clients (Claude Code, etc.):
  - Open, read, write and control lines on local serial ports
  - Optional PTY mirrors so other programs can watch the traffic
  - Device plugins that add tools at runtime
  - Device protocol specs indexed per project`,
	Version: appVersion,
	// Default behavior: if stdin is not a terminal, run as MCP server
	RunE: func(cmd *cobra.Command, args []string) error {
		if !term.IsTerminal(int(os.Stdin.Fd())) {
			return runServe(cmd, args)
		}
		return cmd.Help()
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "KDL config file (default .serial_mcp/serial-mcp.kdl when present)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn or error (overrides SERIAL_MCP_LOG_LEVEL)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(portsCmd)
	rootCmd.AddCommand(pluginCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)

	versionCmd.Flags().Bool("check", false, "Check GitHub for a newer release")

	rootCmd.SetVersionTemplate(fmt.Sprintf("%s v%s\n", appName, appVersion))
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s v%s\n", appName, appVersion)
		if check, _ := cmd.Flags().GetBool("check"); !check {
			return nil
		}
		info, err := updater.NewChecker("").Check(cmd.Context(), appVersion)
		if err != nil {
			return fmt.Errorf("update check failed: %w", err)
		}
		if info.Available {
			fmt.Fprintf(out, "v%s is available: %s\n", info.LatestVersion, info.ReleaseURL)
		} else {
			fmt.Fprintln(out, "Up to date.")
		}
		return nil
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
