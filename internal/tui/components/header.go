package components

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/jfoltran/walbouncer/internal/metrics"
)

var (
	headerLabelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
	headerValueStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFFFF"))
	headerCountStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#A78BFA"))

	statusStreamingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#3B82F6"))
	statusCopyingStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#F59E0B"))
	statusPendingStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
)

// RenderHeader renders the top status bar: active session count, latest
// LSN, and lag.
func RenderHeader(snap metrics.Snapshot, width int) string {
	sessions := headerCountStyle.Render(fmt.Sprintf("%d", snap.SessionsActive))
	left := fmt.Sprintf("  Sessions: %s    LSN: %s",
		sessions,
		headerValueStyle.Render(snap.LatestLSN))

	lag := headerValueStyle.Render(snap.LagFormatted)
	right := fmt.Sprintf("Lag: %s  ", lag)

	gap := width - lipgloss.Width(left) - lipgloss.Width(right)
	if gap < 1 {
		gap = 1
	}

	return left + strings.Repeat(" ", gap) + right
}

func formatDuration(seconds float64) string {
	d := time.Duration(seconds * float64(time.Second))
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh %02dm %02ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %02ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}

// RenderSessions renders one line per standby session, replacing the
// teacher's per-table progress list with walbouncer's per-session
// filter throughput.
func RenderSessions(snap metrics.Snapshot, width int) string {
	if len(snap.Sessions) == 0 {
		return "  No active sessions"
	}

	var b strings.Builder
	for i, s := range snap.Sessions {
		var statusStyle lipgloss.Style
		switch s.Status {
		case metrics.SessionStreaming:
			statusStyle = statusStreamingStyle
		case metrics.SessionResyncing:
			statusStyle = statusCopyingStyle
		case metrics.SessionClosed:
			statusStyle = statusPendingStyle
		default:
			statusStyle = statusPendingStyle
		}

		appName := s.ApplicationName
		if appName == "" {
			appName = "(all tablespaces)"
		}

		line := fmt.Sprintf("  %-22s %-10s %s  sent=%s  kept=%d skipped=%d  %s",
			s.RemoteAddr,
			statusStyle.Render(string(s.Status)),
			headerLabelStyle.Render(appName),
			s.SentLSN,
			s.RecordsKept,
			s.RecordsSkipped,
			formatDuration(s.ElapsedSec),
		)
		b.WriteString(line)
		if i < len(snap.Sessions)-1 {
			b.WriteByte('\n')
		}
	}
	return b.String()
}
