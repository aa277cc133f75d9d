package ui

import (
	"charm.land/lipgloss/v2"

	"github.com/zhubert/nightshift/internal/session"
)

// Color palette - Purple + Cyan/Teal theme
var (
	ColorPrimary   = lipgloss.Color("#7C3AED") // Purple
	ColorSecondary = lipgloss.Color("#06B6D4") // Cyan
	ColorMuted     = lipgloss.Color("#6B7280") // Gray
	ColorBorder    = lipgloss.Color("#374151") // Dark gray
	ColorText      = lipgloss.Color("#F9FAFB") // Light text
	ColorTextMuted = lipgloss.Color("#B0B8C4") // Muted text
	ColorWarning   = lipgloss.Color("#F59E0B") // Amber
	ColorError     = lipgloss.Color("#EF4444") // Red
	ColorSuccess   = lipgloss.Color("#10B981") // Green
	ColorSelected  = lipgloss.Color("#4C1D95") // Deep purple row highlight
)

// Header styles
var (
	HeaderStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorText).
			Background(ColorPrimary).
			Padding(0, 1)

	MutedStyle = lipgloss.NewStyle().
			Foreground(ColorTextMuted)
)

// Table styles
var (
	TableHeaderStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(ColorPrimary).
				Padding(0, 1)

	TableCellStyle = lipgloss.NewStyle().
			Padding(0, 1)

	TableSelectedStyle = TableCellStyle.
				Background(ColorSelected).
				Foreground(ColorText)
)

// StateStyle colors a session state.
func StateStyle(s session.State) lipgloss.Style {
	base := lipgloss.NewStyle()
	switch s {
	case session.StateRunning:
		return base.Foreground(ColorSecondary)
	case session.StateCompleted, session.StateApproved:
		return base.Foreground(ColorSuccess)
	case session.StateCrashed:
		return base.Foreground(ColorError)
	case session.StateUnderReview:
		return base.Foreground(ColorWarning)
	default:
		return base.Foreground(ColorMuted)
	}
}

// Diff coloring styles
var (
	DiffAddedStyle = lipgloss.NewStyle().
			Foreground(ColorSuccess)

	DiffHeaderStyle = lipgloss.NewStyle().
			Foreground(ColorPrimary).
			Bold(true)

	FileStatusStyle = lipgloss.NewStyle().
			Foreground(ColorWarning).
			Bold(true)
)
