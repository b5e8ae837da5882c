package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"stockpulse/internal/app"
)

func newServeCmd(load configLoader) *cobra.Command {
	var (
		port     int
		logLevel string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Long: `Start the HTTP API, the job supervisor and the watch stream.

Jobs left pending or running by a previous process are marked failed
before the listener opens. SIGINT or SIGTERM shuts down gracefully.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}
			if logLevel != "" {
				cfg.Logging.Level = logLevel
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			application, err := app.New(cfg)
			if err != nil {
				return err
			}
			return application.Run()
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 0, "Listen port (overrides config)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn or error")
	return cmd
}
