package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"stockpulse/pkg/contracts"
)

func newVersionCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Long:  `Display version, build time, commit hash and platform information.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w := cmd.OutOrStdout()
			if asJSON {
				output, err := json.MarshalIndent(contracts.GetVersionInfo(), "", "  ")
				if err != nil {
					return fmt.Errorf("format version info: %w", err)
				}
				fmt.Fprintln(w, string(output))
				return nil
			}
			fmt.Fprintln(w, contracts.GetFullVersionString())
			return nil
		},
	}

	cmd.Flags().BoolVarP(&asJSON, "json", "j", false, "Output version info as JSON")
	return cmd
}
