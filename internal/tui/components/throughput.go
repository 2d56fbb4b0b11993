package components

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"

	"github.com/jfoltran/walbouncer/internal/metrics"
)

var throughputValueStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FFFFFF"))

// RenderThroughput renders forwarded/filtered byte throughput across all
// sessions, replacing the teacher's rows/tables counters with the bytes
// a filtering proxy actually moves.
func RenderThroughput(snap metrics.Snapshot, width int) string {
	forwardedPerSec := throughputValueStyle.Render(formatBytes(int64(snap.BytesForwardedPerSec)) + "/s")
	filteredPerSec := throughputValueStyle.Render(formatBytes(int64(snap.BytesFilteredPerSec)) + "/s")
	totalForwarded := formatBytes(snap.TotalBytesForwarded)
	totalFiltered := formatBytes(snap.TotalBytesFiltered)

	errStr := ""
	if snap.ErrorCount > 0 {
		errStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444"))
		errStr = fmt.Sprintf("  Errors: %s", errStyle.Render(fmt.Sprintf("%d", snap.ErrorCount)))
	}

	return fmt.Sprintf("  Forwarded: %s (%s total)  |  Filtered: %s (%s total)%s",
		forwardedPerSec, totalForwarded, filteredPerSec, totalFiltered, errStr)
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for n/div >= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
