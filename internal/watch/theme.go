package watch

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/expdesk/streamcore/internal/classify"
	"github.com/expdesk/streamcore/internal/session"
)

// Stage colors.
var (
	ColorIdle     = lipgloss.Color("#4b5563")
	ColorActive   = lipgloss.Color("#2563eb")
	ColorWaiting  = lipgloss.Color("#d97706")
	ColorClosed   = lipgloss.Color("#374151")
	ColorToolUse  = lipgloss.Color("#d97706")
	ColorErrored  = lipgloss.Color("#dc2626")
	ColorStarting = lipgloss.Color("#7c3aed")
)

// UI chrome colors.
var (
	ColorBorder  = lipgloss.Color("#4b5563")
	ColorDimmed  = lipgloss.Color("#6b7280")
	ColorBright  = lipgloss.Color("#f9fafb")
	ColorHealthy = lipgloss.Color("#22c55e")
	ColorWarning = lipgloss.Color("#d97706")
	ColorDanger  = lipgloss.Color("#dc2626")
)

var (
	StyleHeader = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorBright)

	StyleDimmed = lipgloss.NewStyle().
			Foreground(ColorDimmed)

	StyleSelected = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorBright)

	StyleDetail = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(ColorBorder).
			Padding(0, 1)
)

// StageColor returns the color for a session stage.
func StageColor(s session.Stage) lipgloss.Color {
	switch s {
	case session.Active:
		return ColorActive
	case session.WaitingApproval:
		return ColorWaiting
	case session.Closed:
		return ColorClosed
	default:
		return ColorIdle
	}
}

// EventGlyph returns a glyph for the kind of the last event seen.
func EventGlyph(ev classify.Event) string {
	if ev == nil {
		return "·"
	}
	switch e := ev.(type) {
	case classify.ToolExecution:
		if e.Status == classify.ToolCompleted {
			return "✓"
		}
		return "⚙>"
	case classify.SystemStatus:
		return "◎"
	case classify.ErrorEvent:
		return "✗"
	default:
		if ev.Metadata().RequiresApproval() {
			return "◌"
		}
		return "●>"
	}
}

func eventColor(ev classify.Event) lipgloss.Color {
	switch ev.(type) {
	case classify.ToolExecution:
		return ColorToolUse
	case classify.SystemStatus:
		return ColorStarting
	case classify.ErrorEvent:
		return ColorErrored
	default:
		return ColorActive
	}
}
