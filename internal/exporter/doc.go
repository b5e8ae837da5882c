// Package exporter renders a finished job record as a spreadsheet.
//
// WriteXLSX produces a workbook with a Summary sheet (job, status, signal)
// and a Stages sheet (one row per stage output). WriteCSV writes the stage
// rows alone, with an optional UTF-8 BOM so Excel detects the encoding.
// WriteFile picks the format from the file extension.
//
// Only terminal records are exported; anything else is ErrNotTerminal.
package exporter
