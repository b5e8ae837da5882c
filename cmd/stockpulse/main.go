package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"stockpulse/internal/config"
)

// newRootCmd assembles the command tree. Commands are built fresh per call
// so flag state never leaks between invocations.
func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "stockpulse",
		Short: "Staged stock analysis service",
		Long: `stockpulse runs multi-stage stock analysis jobs and reports their progress.

Jobs move through validate, analyze, debate and risk stages; progress is
kept in a fast store for live readers and in SQL for the final record.

Available commands:
  serve    - Start the HTTP API and watch stream
  heat     - Compute the market-heat signal from indicator values
  inspect  - Show a stored job and optionally export its report
  version  - Show version information

Examples:
  stockpulse serve --port 9090
  stockpulse heat --category HK --value volume=1.6 --value breadth=0.7
  stockpulse inspect 6f1c... --out reports/6f1c.xlsx`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"YAML config file (defaults to $"+config.ConfigFileEnv+")")

	load := func() (*config.Config, error) {
		if configPath != "" {
			return config.LoadFile(configPath)
		}
		return config.Load()
	}

	root.AddCommand(newServeCmd(load))
	root.AddCommand(newHeatCmd(load))
	root.AddCommand(newInspectCmd(load))
	root.AddCommand(newVersionCmd())
	return root
}

// configLoader resolves the effective configuration for a command
type configLoader func() (*config.Config, error)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
