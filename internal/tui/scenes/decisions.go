package scenes

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	server "killchain-advisor/internal/api"
	"killchain-advisor/internal/decision"
	"killchain-advisor/internal/tui/api"
	"killchain-advisor/internal/tui/styles"
)

// DecisionsScene lists recommendations with the selected one expanded.
type DecisionsScene struct {
	client        *api.Client
	refresh       time.Duration
	campaignID    string
	campaignTitle string
	resp          *server.DecisionsResponse
	err           error
	width         int
	height        int
	cursor        int
	loading       bool
	lastUpdate    time.Time
}

type decisionsMsg struct {
	campaignID string
	resp       *server.DecisionsResponse
	err        error
}

// NewDecisionsScene creates the decisions scene.
func NewDecisionsScene(client *api.Client, refresh time.Duration) *DecisionsScene {
	return &DecisionsScene{client: client, refresh: refresh, loading: true}
}

// Init fetches recommendations for the current scope.
func (s *DecisionsScene) Init() tea.Cmd {
	return s.fetch()
}

// SetCampaign changes the scope and reloads.
func (s *DecisionsScene) SetCampaign(id, title string) tea.Cmd {
	s.campaignID, s.campaignTitle = id, title
	s.resp = nil
	s.err = nil
	s.cursor = 0
	s.loading = true
	return s.fetch()
}

func (s *DecisionsScene) fetch() tea.Cmd {
	id := s.campaignID
	return func() tea.Msg {
		resp, err := s.client.GetDecisions(id)
		return decisionsMsg{campaignID: id, resp: resp, err: err}
	}
}

// TickCmd schedules the next refresh.
func (s *DecisionsScene) TickCmd() tea.Cmd {
	return tick(NameDecisions, s.refresh)
}

func (s *DecisionsScene) items() []decision.Item {
	if s.resp == nil {
		return nil
	}
	return s.resp.Decisions
}

// Update handles messages for the decisions scene.
func (s *DecisionsScene) Update(msg tea.Msg) (*DecisionsScene, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		s.width = msg.Width
		s.height = msg.Height
		return s, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "up", "k":
			if s.cursor > 0 {
				s.cursor--
			}
		case "down", "j":
			if s.cursor < len(s.items())-1 {
				s.cursor++
			}
		case "r":
			s.loading = true
			return s, s.fetch()
		}
		return s, nil

	case decisionsMsg:
		if msg.campaignID != s.campaignID {
			return s, nil
		}
		s.loading = false
		s.err = msg.err
		if msg.resp != nil {
			s.resp = msg.resp
		}
		if n := len(s.items()); s.cursor >= n {
			s.cursor = max(0, n-1)
		}
		s.lastUpdate = time.Now()
		return s, nil

	case TickMsg:
		if msg.Scene == NameDecisions {
			return s, s.fetch()
		}
		return s, nil
	}
	return s, nil
}

// View renders the recommendation list and the selected item's detail.
func (s *DecisionsScene) View() string {
	var b strings.Builder
	b.WriteString(styles.Title.Render("  Recommendations"))
	b.WriteString("\n")
	b.WriteString(styles.Subtitle.Render("  Scope: " + scopeLabel(s.campaignTitle)))
	b.WriteString("\n\n")

	if s.err != nil {
		b.WriteString(styles.StatusError.Render(fmt.Sprintf("  Error: %v", s.err)))
		b.WriteString("\n")
		b.WriteString(styles.Muted.Render("  Press [r] to retry or [c] to clear the campaign scope."))
		return b.String()
	}
	if s.resp == nil {
		b.WriteString(styles.Muted.Render("  Loading..."))
		return b.String()
	}
	if s.resp.Degraded {
		b.WriteString(styles.StatusWarning.Render("  Store partially unreadable; recommendations reflect partial data."))
		b.WriteString("\n\n")
	}

	items := s.items()
	header := fmt.Sprintf("  %-10s %5s  %s", "Priority", "Score", "Title")
	b.WriteString(styles.TableHeader.Render(header))
	b.WriteString("\n")
	for i, it := range items {
		prio := styles.Priority(it.Priority).Render(fmt.Sprintf("%-10s", it.Priority))
		row := fmt.Sprintf("  %s %5d  %s", prio, it.Score, truncate(it.Title, 60))
		if i == s.cursor {
			row = styles.TableRowSelected.Render(row)
		}
		b.WriteString(row)
		b.WriteString("\n")
	}

	if s.cursor < len(items) {
		b.WriteString(renderItem(items[s.cursor]))
	}

	if len(s.resp.Guardrails) > 0 {
		b.WriteString("\n")
		b.WriteString(styles.Subtitle.Render("  Guardrails"))
		b.WriteString("\n")
		for _, g := range s.resp.Guardrails {
			b.WriteString(styles.Muted.Render("    " + g))
			b.WriteString("\n")
		}
	}

	if !s.lastUpdate.IsZero() {
		b.WriteString(styles.Muted.Render(fmt.Sprintf("\n  [↑↓] Select  [r] Refresh  |  Updated: %s", s.lastUpdate.Format("15:04:05"))))
	}
	return b.String()
}

func renderItem(it decision.Item) string {
	var b strings.Builder
	section := func(title string, lines []string) {
		if len(lines) == 0 {
			return
		}
		b.WriteString("\n")
		b.WriteString(styles.Subtitle.Render("  " + title))
		b.WriteString("\n")
		for _, l := range lines {
			b.WriteString("    - " + l + "\n")
		}
	}
	section("Rationale", it.Rationale)
	section("Suggested actions", it.SuggestedActions)
	section("Suggested hunts", it.SuggestedHunts)
	return b.String()
}
