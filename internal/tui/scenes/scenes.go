// Package scenes provides the views of the advisor terminal UI.
package scenes

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"killchain-advisor/internal/tui/styles"
)

// Scene names carried by TickMsg.
const (
	NameCampaigns = "campaigns"
	NameKillChain = "killchain"
	NameDecisions = "decisions"
)

// DefaultRefresh is how often the active scene reloads.
const DefaultRefresh = 5 * time.Second

// TickMsg is sent on each refresh tick. Scenes ignore ticks addressed to
// other scenes.
type TickMsg struct {
	Scene string
	Time  time.Time
}

// CampaignSelectedMsg scopes the kill chain and decisions views to one
// campaign. An empty ID clears the scope.
type CampaignSelectedMsg struct {
	ID    string
	Title string
}

func tick(scene string, every time.Duration) tea.Cmd {
	if every <= 0 {
		every = DefaultRefresh
	}
	return tea.Tick(every, func(t time.Time) tea.Msg {
		return TickMsg{Scene: scene, Time: t}
	})
}

func renderMetricCard(label, value string) string {
	card := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(styles.MutedColor).
		Padding(0, 2).
		Width(18).
		Align(lipgloss.Center)

	return card.Render(fmt.Sprintf("%s\n%s",
		styles.MetricValue.Render(value),
		styles.MetricLabel.Render(label),
	))
}

func scopeLabel(title string) string {
	if title == "" {
		return "all campaigns"
	}
	return title
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

func formatNumber(n int64) string {
	if n >= 1000000 {
		return fmt.Sprintf("%.1fM", float64(n)/1000000)
	}
	if n >= 1000 {
		return fmt.Sprintf("%.1fK", float64(n)/1000)
	}
	return fmt.Sprintf("%d", n)
}
