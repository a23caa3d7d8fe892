// Package tui is a read-only terminal view of the advisor: campaigns, the
// kill chain for a chosen scope, and the recommendations for that scope.
package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"killchain-advisor/internal/tui/api"
	"killchain-advisor/internal/tui/scenes"
	"killchain-advisor/internal/tui/styles"
)

// Scene represents the current view.
type Scene int

const (
	SceneCampaigns Scene = iota
	SceneKillChain
	SceneDecisions
	sceneCount
)

// Options configures the terminal view.
type Options struct {
	BaseURL string
	APIKey  string
	Refresh time.Duration
}

// Model is the main TUI model.
type Model struct {
	client *api.Client
	scene  Scene

	// Only the active scene receives ticks.
	campaigns *scenes.CampaignsScene
	killchain *scenes.KillChainScene
	decisions *scenes.DecisionsScene

	scopeTitle string
	width      int
	height     int
	quitting   bool
}

// New creates a TUI model.
func New(opts Options) *Model {
	client := api.NewClient(opts.BaseURL, opts.APIKey)
	return &Model{
		client:    client,
		scene:     SceneCampaigns,
		campaigns: scenes.NewCampaignsScene(client, opts.Refresh),
		killchain: scenes.NewKillChainScene(client, opts.Refresh),
		decisions: scenes.NewDecisionsScene(client, opts.Refresh),
	}
}

// Init loads the campaigns view and starts its ticker.
func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.campaigns.Init(), m.activeTickCmd())
}

func (m *Model) activeTickCmd() tea.Cmd {
	switch m.scene {
	case SceneCampaigns:
		return m.campaigns.TickCmd()
	case SceneKillChain:
		return m.killchain.TickCmd()
	case SceneDecisions:
		return m.decisions.TickCmd()
	}
	return nil
}

func (m *Model) activeInitCmd() tea.Cmd {
	switch m.scene {
	case SceneCampaigns:
		return m.campaigns.Init()
	case SceneKillChain:
		return m.killchain.Init()
	case SceneDecisions:
		return m.decisions.Init()
	}
	return nil
}

func (m *Model) switchTo(s Scene) tea.Cmd {
	if m.scene == s {
		return nil
	}
	m.scene = s
	return tea.Batch(m.activeInitCmd(), m.activeTickCmd())
}

func (m *Model) setScope(id, title string) tea.Cmd {
	m.scopeTitle = title
	return tea.Batch(
		m.killchain.SetCampaign(id, title),
		m.decisions.SetCampaign(id, title),
	)
}

// Update handles all messages.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "1":
			return m, m.switchTo(SceneCampaigns)
		case "2":
			return m, m.switchTo(SceneKillChain)
		case "3":
			return m, m.switchTo(SceneDecisions)
		case "tab":
			return m, m.switchTo((m.scene + 1) % sceneCount)
		case "c":
			if m.killchain.CampaignID() == "" {
				return m, nil
			}
			return m, m.setScope("", "")
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.campaigns, _ = m.campaigns.Update(msg)
		m.killchain, _ = m.killchain.Update(msg)
		m.decisions, _ = m.decisions.Update(msg)
		return m, nil

	case scenes.CampaignSelectedMsg:
		scope := m.setScope(msg.ID, msg.Title)
		m.scene = SceneKillChain
		return m, tea.Batch(scope, m.killchain.TickCmd())

	case scenes.TickMsg:
		var cmd tea.Cmd
		switch m.scene {
		case SceneCampaigns:
			m.campaigns, cmd = m.campaigns.Update(msg)
		case SceneKillChain:
			m.killchain, cmd = m.killchain.Update(msg)
		case SceneDecisions:
			m.decisions, cmd = m.decisions.Update(msg)
		}
		// A tick for a scene that is no longer active ends that scene's chain.
		if !m.ownsTick(msg) {
			return m, nil
		}
		return m, tea.Batch(cmd, m.activeTickCmd())
	}

	// Fetch results go to their own scene even when it is inactive, so a
	// switch back shows the latest data. Keys go to the active scene only.
	if _, ok := msg.(tea.KeyMsg); !ok {
		var c1, c2, c3 tea.Cmd
		m.campaigns, c1 = m.campaigns.Update(msg)
		m.killchain, c2 = m.killchain.Update(msg)
		m.decisions, c3 = m.decisions.Update(msg)
		return m, tea.Batch(c1, c2, c3)
	}

	var cmd tea.Cmd
	switch m.scene {
	case SceneCampaigns:
		m.campaigns, cmd = m.campaigns.Update(msg)
	case SceneKillChain:
		m.killchain, cmd = m.killchain.Update(msg)
	case SceneDecisions:
		m.decisions, cmd = m.decisions.Update(msg)
	}
	return m, cmd
}

func (m *Model) ownsTick(msg scenes.TickMsg) bool {
	switch m.scene {
	case SceneCampaigns:
		return msg.Scene == scenes.NameCampaigns
	case SceneKillChain:
		return msg.Scene == scenes.NameKillChain
	case SceneDecisions:
		return msg.Scene == scenes.NameDecisions
	}
	return false
}

// View renders the current view.
func (m *Model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(m.renderHeader())
	b.WriteString("\n")

	switch m.scene {
	case SceneCampaigns:
		b.WriteString(m.campaigns.View())
	case SceneKillChain:
		b.WriteString(m.killchain.View())
	case SceneDecisions:
		b.WriteString(m.decisions.View())
	}

	b.WriteString("\n")
	b.WriteString(m.renderFooter())
	return b.String()
}

func (m *Model) renderHeader() string {
	tabs := []struct {
		name  string
		key   string
		scene Scene
	}{
		{"Campaigns", "1", SceneCampaigns},
		{"Kill Chain", "2", SceneKillChain},
		{"Decisions", "3", SceneDecisions},
	}

	var tabViews []string
	for _, tab := range tabs {
		label := fmt.Sprintf(" %s %s ", tab.key, tab.name)
		if tab.scene == m.scene {
			tabViews = append(tabViews, styles.TabActive.Render(label))
		} else {
			tabViews = append(tabViews, styles.TabInactive.Render(label))
		}
	}
	if m.scopeTitle != "" {
		tabViews = append(tabViews, styles.Muted.Render("  scope: "+m.scopeTitle))
	}

	return lipgloss.NewStyle().
		BorderBottom(true).
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(styles.MutedColor).
		Width(m.width).
		Render(lipgloss.JoinHorizontal(lipgloss.Top, tabViews...))
}

func (m *Model) renderFooter() string {
	help := " [1-3] Switch tabs  [Tab] Next tab  [↑↓/jk] Navigate  [c] Clear scope  [q] Quit "
	return styles.Help.Render(help)
}

// Run starts the TUI application.
func Run(opts Options) error {
	p := tea.NewProgram(New(opts), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
