package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"stockpulse/internal/exporter"
	"stockpulse/internal/infrastructure"
	"stockpulse/internal/store"
)

func newInspectCmd(load configLoader) *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "inspect <job-id>",
		Short: "Show a stored job",
		Long: `Print the durable record of a job as JSON.

With --out the final record is also exported; the format follows the
extension (.xlsx or .csv). Only finished jobs can be exported.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			logger := infrastructure.NewLogger(os.Stderr, "warn")

			durable, err := store.OpenSQL(ctx, cfg.Store.Driver, cfg.Store.DSN, logger)
			if err != nil {
				return err
			}
			// an empty fast side sends every read to the durable record
			fast, err := store.NewMemoryBackend(1)
			if err != nil {
				return err
			}
			s := store.New(fast, durable, store.Options{ReadTimeout: cfg.Store.ReadTimeout}, logger)
			defer s.Close()

			snap, found, err := s.Read(ctx, args[0])
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("job %s not found", args[0])
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(snap); err != nil {
				return err
			}

			if out != "" {
				if err := exporter.WriteFile(out, snap); err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "Report written to %s\n", out)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "", "Export the final record to this .xlsx or .csv file")
	return cmd
}
