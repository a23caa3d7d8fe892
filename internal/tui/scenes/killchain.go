package scenes

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"killchain-advisor/internal/killchain"
	"killchain-advisor/internal/tui/api"
	"killchain-advisor/internal/tui/styles"
)

// maxSignals caps the evidence lines shown under the stage ladder.
const maxSignals = 8

// KillChainScene shows the stage ladder for the current scope.
type KillChainScene struct {
	client        *api.Client
	refresh       time.Duration
	campaignID    string
	campaignTitle string
	summary       *killchain.Summary
	err           error
	width         int
	height        int
	loading       bool
	lastUpdate    time.Time
}

type killChainMsg struct {
	campaignID string
	summary    *killchain.Summary
	err        error
}

// NewKillChainScene creates the kill chain scene.
func NewKillChainScene(client *api.Client, refresh time.Duration) *KillChainScene {
	return &KillChainScene{client: client, refresh: refresh, loading: true}
}

// Init fetches the summary for the current scope.
func (s *KillChainScene) Init() tea.Cmd {
	return s.fetch()
}

// SetCampaign changes the scope and reloads.
func (s *KillChainScene) SetCampaign(id, title string) tea.Cmd {
	s.campaignID, s.campaignTitle = id, title
	s.summary = nil
	s.err = nil
	s.loading = true
	return s.fetch()
}

// CampaignID returns the current scope; empty means all campaigns.
func (s *KillChainScene) CampaignID() string {
	return s.campaignID
}

func (s *KillChainScene) fetch() tea.Cmd {
	id := s.campaignID
	return func() tea.Msg {
		sum, err := s.client.GetKillChain(id)
		return killChainMsg{campaignID: id, summary: sum, err: err}
	}
}

// TickCmd schedules the next refresh.
func (s *KillChainScene) TickCmd() tea.Cmd {
	return tick(NameKillChain, s.refresh)
}

// Update handles messages for the kill chain scene.
func (s *KillChainScene) Update(msg tea.Msg) (*KillChainScene, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		s.width = msg.Width
		s.height = msg.Height
		return s, nil

	case tea.KeyMsg:
		if msg.String() == "r" {
			s.loading = true
			return s, s.fetch()
		}
		return s, nil

	case killChainMsg:
		// A response for a scope that has since changed is stale.
		if msg.campaignID != s.campaignID {
			return s, nil
		}
		s.loading = false
		s.err = msg.err
		if msg.summary != nil {
			s.summary = msg.summary
		}
		s.lastUpdate = time.Now()
		return s, nil

	case TickMsg:
		if msg.Scene == NameKillChain {
			return s, s.fetch()
		}
		return s, nil
	}
	return s, nil
}

// View renders the stage ladder, prediction and evidence.
func (s *KillChainScene) View() string {
	var b strings.Builder
	b.WriteString(styles.Title.Render("  Kill Chain"))
	b.WriteString("\n")
	b.WriteString(styles.Subtitle.Render("  Scope: " + scopeLabel(s.campaignTitle)))
	b.WriteString("\n\n")

	if s.err != nil {
		b.WriteString(styles.StatusError.Render(fmt.Sprintf("  Error: %v", s.err)))
		b.WriteString("\n")
		b.WriteString(styles.Muted.Render("  Press [r] to retry or [c] to clear the campaign scope."))
		return b.String()
	}
	if s.summary == nil {
		b.WriteString(styles.Muted.Render("  Loading..."))
		return b.String()
	}

	sum := s.summary
	predicted := make(map[killchain.Stage]bool, len(sum.NextLikely))
	for _, st := range sum.NextLikely {
		predicted[st] = true
	}

	for i, st := range killchain.Canonical {
		line := fmt.Sprintf("  %2d  %s", i+1, st)
		switch {
		case sum.CurrentStage != nil && *sum.CurrentStage == st:
			b.WriteString(styles.StageCurrent.Render("▶" + line[1:] + "  (current)"))
		case sum.HasStage(st):
			b.WriteString(styles.StageSeen.Render("●" + line[1:]))
		case predicted[st]:
			b.WriteString(styles.StagePredicted.Render("→" + line[1:] + "  (likely next)"))
		default:
			b.WriteString(styles.Muted.Render("○" + line[1:]))
		}
		b.WriteString("\n")
	}

	b.WriteString("\n")
	fmt.Fprintf(&b, "  Confidence %s %d%%   Cases %d   Techniques %d   Lateral hops %d\n",
		confidenceBar(sum.Confidence, 20), sum.Confidence, sum.CaseCount,
		len(sum.Evidence.TechniqueIDs), len(sum.Evidence.LateralHops))

	if len(sum.Evidence.Signals) > 0 {
		b.WriteString("\n")
		b.WriteString(styles.Subtitle.Render("  Signals"))
		b.WriteString("\n")
		for i, sig := range sum.Evidence.Signals {
			if i == maxSignals {
				b.WriteString(styles.Muted.Render(fmt.Sprintf("    ... %d more", len(sum.Evidence.Signals)-maxSignals)))
				b.WriteString("\n")
				break
			}
			b.WriteString("    " + truncate(sig, max(20, s.width-6)) + "\n")
		}
	}

	if !s.lastUpdate.IsZero() {
		b.WriteString(styles.Muted.Render(fmt.Sprintf("\n  [r] Refresh  |  Updated: %s", s.lastUpdate.Format("15:04:05"))))
	}
	return b.String()
}

func confidenceBar(pct, width int) string {
	filled := max(0, min(width, pct*width/100))
	return "[" + strings.Repeat("█", filled) + strings.Repeat("░", width-filled) + "]"
}
