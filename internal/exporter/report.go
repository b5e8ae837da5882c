package exporter

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"stockpulse/pkg/contracts/domain"
)

// ErrNotTerminal is returned for records of jobs that have not finished
var ErrNotTerminal = errors.New("job is not finished")

// ErrUnknownFormat is returned by WriteFile for unsupported extensions
var ErrUnknownFormat = errors.New("unknown report format")

var stageHeaders = []string{"Stage", "Duration (ms)", "Output"}

// summaryRows lists the job-level fields as label/value pairs
func summaryRows(snap *domain.ProgressSnapshot) [][]string {
	rows := [][]string{
		{"Job ID", snap.JobID},
		{"Subject", snap.SubjectID},
		{"Category", snap.Category},
		{"Status", string(snap.Status)},
		{"Overall", formatFloat(snap.Overall)},
		{"Stages", fmt.Sprintf("%d", snap.StageCount)},
		{"Created", formatTime(&snap.CreatedAt)},
		{"Started", formatTime(snap.StartedAt)},
		{"Completed", formatTime(snap.CompletedAt)},
		{"Elapsed (s)", formatFloat(snap.ElapsedSeconds)},
	}
	if snap.Error != "" {
		rows = append(rows, []string{"Error", snap.Error}, []string{"Failed stage", snap.FailedStage})
	}
	if sig := snap.Signal; sig != nil {
		rows = append(rows,
			[]string{"Heat score", formatFloat(sig.Score)},
			[]string{"Heat tier", sig.Tier},
			[]string{"Debate rounds", fmt.Sprintf("%d", sig.Iterations)},
			[]string{"Position multiplier", formatFloat(sig.PositionMult)},
			[]string{"Stop-loss multiplier", formatFloat(sig.StopLossMult)},
		)
		if len(sig.Defaulted) > 0 {
			rows = append(rows, []string{"Defaulted indicators", formatList(sig.Defaulted)})
		}
	}
	return rows
}

// stageRows lists one row per stage output, compacting the JSON payload
func stageRows(snap *domain.ProgressSnapshot) [][]string {
	rows := make([][]string, 0, len(snap.Result))
	for _, r := range snap.Result {
		output := string(r.Output)
		var buf bytes.Buffer
		if len(r.Output) > 0 && json.Compact(&buf, r.Output) == nil {
			output = buf.String()
		}
		rows = append(rows, []string{r.Stage, fmt.Sprintf("%d", r.DurationMS), output})
	}
	return rows
}

func checkTerminal(snap *domain.ProgressSnapshot) error {
	if snap == nil || !snap.Status.IsTerminal() {
		return ErrNotTerminal
	}
	return nil
}

// WriteFile writes snap to path as .xlsx or .csv, creating parent directories
func WriteFile(path string, snap *domain.ProgressSnapshot) error {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".xlsx" && ext != ".csv" {
		return fmt.Errorf("%w: %q", ErrUnknownFormat, ext)
	}
	if err := checkTerminal(snap); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	if ext == ".xlsx" {
		err = WriteXLSX(file, snap)
	} else {
		err = WriteCSV(file, snap, CSVOptions{BOMPrefix: true})
	}
	if err != nil {
		file.Close()
		return err
	}
	return file.Close()
}
