// Package styles holds the lipgloss styles shared by the advisor views.
package styles

import (
	"github.com/charmbracelet/lipgloss"

	"killchain-advisor/internal/decision"
)

var (
	Primary    = lipgloss.Color("#7C3AED")
	Secondary  = lipgloss.Color("#10B981")
	Warning    = lipgloss.Color("#F59E0B")
	Error      = lipgloss.Color("#EF4444")
	MutedColor = lipgloss.Color("#6B7280")
	White      = lipgloss.Color("#FFFFFF")
	Dark       = lipgloss.Color("#1F2937")

	Muted = lipgloss.NewStyle().Foreground(MutedColor)

	Title = lipgloss.NewStyle().
		Bold(true).
		Foreground(Primary).
		MarginBottom(1)

	Subtitle = lipgloss.NewStyle().
			Foreground(MutedColor).
			Italic(true)

	StatusOK = lipgloss.NewStyle().
			Foreground(Secondary).
			Bold(true)

	StatusWarning = lipgloss.NewStyle().
			Foreground(Warning).
			Bold(true)

	StatusError = lipgloss.NewStyle().
			Foreground(Error).
			Bold(true)

	TabActive = lipgloss.NewStyle().
			Foreground(White).
			Background(Primary).
			Padding(0, 2).
			Bold(true)

	TabInactive = lipgloss.NewStyle().
			Foreground(MutedColor).
			Padding(0, 2)

	Help = lipgloss.NewStyle().
		Foreground(MutedColor).
		MarginTop(1)

	TableHeader = lipgloss.NewStyle().
			Bold(true).
			Foreground(Primary).
			BorderBottom(true).
			BorderStyle(lipgloss.NormalBorder()).
			BorderForeground(MutedColor)

	TableRowSelected = lipgloss.NewStyle().
				Foreground(White).
				Background(Primary)

	MetricValue = lipgloss.NewStyle().
			Bold(true).
			Foreground(Secondary)

	MetricLabel = lipgloss.NewStyle().
			Foreground(MutedColor)

	// StageSeen marks a kill chain stage with evidence; StageCurrent the
	// furthest one reached.
	StageSeen = lipgloss.NewStyle().
			Foreground(Warning)

	StageCurrent = lipgloss.NewStyle().
			Foreground(Error).
			Bold(true)

	StagePredicted = lipgloss.NewStyle().
			Foreground(Primary).
			Italic(true)
)

// Priority returns the style for a recommendation priority.
func Priority(p decision.Priority) lipgloss.Style {
	switch p {
	case decision.PriorityCritical, decision.PriorityHigh:
		return StatusError
	case decision.PriorityMedium:
		return StatusWarning
	case decision.PriorityLow:
		return StatusOK
	default:
		return Muted
	}
}

// Risk returns the style for a 0-100 risk score.
func Risk(score int) lipgloss.Style {
	switch {
	case score >= 70:
		return StatusError
	case score >= 40:
		return StatusWarning
	default:
		return StatusOK
	}
}
