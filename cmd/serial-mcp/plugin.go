package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/standardbeagle/serial-mcp/internal/extension"
)

var pluginCmd = &cobra.Command{
	Use:   "plugin",
	Short: "Work with device plugins",
}

var pluginTemplateCmd = &cobra.Command{
	Use:   "template [device name]",
	Short: "Print a plugin manifest template",
	Long: `Print a YAML plugin manifest template, pre-filled with the device name.

With --write the template is saved to the suggested path in the project's
plugins directory instead.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		proj, err := detectProject(cfg)
		if err != nil {
			return err
		}
		tmpl := extension.NewTemplate(proj.PluginsDir(), strings.Join(args, " "))

		if write, _ := cmd.Flags().GetBool("write"); !write {
			fmt.Fprint(cmd.OutOrStdout(), tmpl.Manifest)
			return nil
		}
		if _, err := os.Stat(tmpl.SuggestedPath); err == nil {
			return fmt.Errorf("%s already exists", tmpl.SuggestedPath)
		}
		if err := os.MkdirAll(proj.PluginsDir(), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(tmpl.SuggestedPath, []byte(tmpl.Manifest), 0o644); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tmpl.SuggestedPath)
		return nil
	},
}

func init() {
	pluginTemplateCmd.Flags().Bool("write", false, "Write the template into the plugins directory")
	pluginCmd.AddCommand(pluginTemplateCmd)
}
