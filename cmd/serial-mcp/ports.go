package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/standardbeagle/serial-mcp/internal/serialio"
)

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List serial ports on this machine",
	RunE: func(cmd *cobra.Command, args []string) error {
		ports, err := serialio.ListPorts()
		if err != nil {
			return fmt.Errorf("enumerate ports: %w", err)
		}
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(ports)
		}
		if len(ports) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No serial ports found.")
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "DEVICE\tVID:PID\tSERIAL\tDESCRIPTION")
		for _, p := range ports {
			ids := "-"
			if p.IsUSB {
				ids = p.VID + ":" + p.PID
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.Device, ids, dash(p.SerialNumber), dash(p.Description))
		}
		return w.Flush()
	},
}

func init() {
	portsCmd.Flags().Bool("json", false, "Print JSON instead of a table")
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
