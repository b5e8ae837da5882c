package exporter

import (
	"encoding/csv"
	"fmt"
	"io"

	"stockpulse/pkg/contracts/domain"
)

// CSVOptions configures CSV writing behavior
type CSVOptions struct {
	BOMPrefix bool // Add UTF-8 BOM for Excel compatibility
}

// WriteCSV writes the stage outputs of a finished job as CSV
func WriteCSV(w io.Writer, snap *domain.ProgressSnapshot, opts CSVOptions) error {
	if err := checkTerminal(snap); err != nil {
		return err
	}

	if opts.BOMPrefix {
		if _, err := w.Write([]byte{0xEF, 0xBB, 0xBF}); err != nil {
			return fmt.Errorf("failed to write BOM: %w", err)
		}
	}

	writer := csv.NewWriter(w)
	if err := writer.Write(stageHeaders); err != nil {
		return fmt.Errorf("failed to write headers: %w", err)
	}
	for i, record := range stageRows(snap) {
		if err := writer.Write(record); err != nil {
			return fmt.Errorf("failed to write record %d: %w", i, err)
		}
	}
	writer.Flush()
	return writer.Error()
}
