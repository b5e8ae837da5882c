package exporter

import (
	"strconv"
	"strings"
	"time"
)

// formatFloat uses the shortest representation that round-trips
func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatList(items []string) string {
	return strings.Join(items, ", ")
}
