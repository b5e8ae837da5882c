package exporter

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"

	"stockpulse/pkg/contracts/domain"
)

// Sheet names in the generated workbook
const (
	SummarySheet = "Summary"
	StagesSheet  = "Stages"
)

// WriteXLSX writes a finished job as an Excel workbook
func WriteXLSX(w io.Writer, snap *domain.ProgressSnapshot) error {
	if err := checkTerminal(snap); err != nil {
		return err
	}

	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName(f.GetSheetName(0), SummarySheet); err != nil {
		return fmt.Errorf("failed to rename sheet: %w", err)
	}
	if _, err := f.NewSheet(StagesSheet); err != nil {
		return fmt.Errorf("failed to add sheet: %w", err)
	}

	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("failed to create style: %w", err)
	}

	summary := summaryRows(snap)
	if err := writeRows(f, SummarySheet, nil, summary); err != nil {
		return err
	}
	if err := f.SetCellStyle(SummarySheet, "A1", fmt.Sprintf("A%d", len(summary)), bold); err != nil {
		return err
	}
	if err := f.SetColWidth(SummarySheet, "A", "A", 24); err != nil {
		return err
	}
	if err := f.SetColWidth(SummarySheet, "B", "B", 48); err != nil {
		return err
	}

	if err := writeRows(f, StagesSheet, stageHeaders, stageRows(snap)); err != nil {
		return err
	}
	if err := f.SetCellStyle(StagesSheet, "A1", "C1", bold); err != nil {
		return err
	}
	if err := f.SetColWidth(StagesSheet, "C", "C", 80); err != nil {
		return err
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	return nil
}

func writeRows(f *excelize.File, sheet string, headers []string, rows [][]string) error {
	row := 1
	if headers != nil {
		if err := f.SetSheetRow(sheet, "A1", &headers); err != nil {
			return fmt.Errorf("failed to write %s headers: %w", sheet, err)
		}
		row++
	}
	for _, r := range rows {
		cell, err := excelize.CoordinatesToCellName(1, row)
		if err != nil {
			return err
		}
		values := r
		if err := f.SetSheetRow(sheet, cell, &values); err != nil {
			return fmt.Errorf("failed to write %s row %d: %w", sheet, row, err)
		}
		row++
	}
	return nil
}
