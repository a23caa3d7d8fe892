package scenes

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"killchain-advisor/internal/correlation"
	"killchain-advisor/internal/tui/api"
	"killchain-advisor/internal/tui/styles"
)

// CampaignsScene lists campaigns by risk alongside store health.
type CampaignsScene struct {
	client     *api.Client
	refresh    time.Duration
	overview   *api.Overview
	index      *correlation.Index
	err        error
	width      int
	height     int
	cursor     int
	offset     int
	maxRows    int
	loading    bool
	lastUpdate time.Time
}

type campaignsMsg struct {
	overview *api.Overview
	index    *correlation.Index
	err      error
}

// NewCampaignsScene creates the campaigns scene.
func NewCampaignsScene(client *api.Client, refresh time.Duration) *CampaignsScene {
	return &CampaignsScene{
		client:   client,
		refresh:  refresh,
		loading:  true,
		maxRows:  10,
		overview: &api.Overview{},
	}
}

// Init fetches the first snapshot.
func (s *CampaignsScene) Init() tea.Cmd {
	return s.fetch()
}

func (s *CampaignsScene) fetch() tea.Cmd {
	return func() tea.Msg {
		ov, err := s.client.GetOverview()
		if err != nil {
			return campaignsMsg{err: err}
		}
		ix, err := s.client.GetIndex()
		return campaignsMsg{overview: ov, index: ix, err: err}
	}
}

// TickCmd schedules the next refresh.
func (s *CampaignsScene) TickCmd() tea.Cmd {
	return tick(NameCampaigns, s.refresh)
}

// Selected returns the campaign under the cursor.
func (s *CampaignsScene) Selected() (correlation.Campaign, bool) {
	if s.index == nil || s.cursor >= len(s.index.Campaigns) {
		return correlation.Campaign{}, false
	}
	return s.index.Campaigns[s.cursor], true
}

// Update handles messages for the campaigns scene.
func (s *CampaignsScene) Update(msg tea.Msg) (*CampaignsScene, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		s.width = msg.Width
		s.height = msg.Height
		s.maxRows = max(5, s.height-16)
		return s, nil

	case tea.KeyMsg:
		n := s.count()
		switch msg.String() {
		case "up", "k":
			if s.cursor > 0 {
				s.cursor--
				if s.cursor < s.offset {
					s.offset = s.cursor
				}
			}
		case "down", "j":
			if s.cursor < n-1 {
				s.cursor++
				if s.cursor >= s.offset+s.maxRows {
					s.offset = s.cursor - s.maxRows + 1
				}
			}
		case "enter":
			if c, ok := s.Selected(); ok {
				return s, func() tea.Msg {
					return CampaignSelectedMsg{ID: c.ID, Title: c.Title}
				}
			}
		case "r":
			s.loading = true
			return s, s.fetch()
		}
		return s, nil

	case campaignsMsg:
		s.loading = false
		s.err = msg.err
		if msg.overview != nil {
			s.overview = msg.overview
		}
		if msg.index != nil {
			s.index = msg.index
		}
		s.lastUpdate = time.Now()
		if n := s.count(); s.cursor >= n {
			s.cursor = max(0, n-1)
			s.offset = min(s.offset, s.cursor)
		}
		return s, nil

	case TickMsg:
		if msg.Scene == NameCampaigns {
			return s, s.fetch()
		}
		return s, nil
	}
	return s, nil
}

func (s *CampaignsScene) count() int {
	if s.index == nil {
		return 0
	}
	return len(s.index.Campaigns)
}

// View renders the campaign table.
func (s *CampaignsScene) View() string {
	var b strings.Builder
	b.WriteString(styles.Title.Render("  Campaigns"))
	b.WriteString("\n\n")

	if s.loading && s.index == nil {
		b.WriteString(styles.Muted.Render("  Loading..."))
		return b.String()
	}

	var status string
	switch {
	case s.overview.Healthy:
		status = styles.StatusOK.Render("● HEALTHY")
	case s.overview.Status == "degraded":
		status = styles.StatusWarning.Render("● DEGRADED")
	default:
		status = styles.StatusError.Render("● UNREACHABLE")
	}
	fmt.Fprintf(&b, "  Status: %s  %s\n", status, styles.Muted.Render(s.overview.StatusReason))
	if s.err != nil {
		b.WriteString(styles.StatusError.Render(fmt.Sprintf("  Error: %v", s.err)))
		b.WriteString("\n")
	}
	b.WriteString("\n")

	lateral := 0
	if s.index != nil {
		lateral = len(s.index.Lateral)
	}
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
		renderMetricCard("Cases", formatNumber(int64(s.overview.Cases))),
		renderMetricCard("Entities", formatNumber(int64(s.overview.Entities))),
		renderMetricCard("Campaigns", formatNumber(int64(s.count()))),
		renderMetricCard("Lateral hops", formatNumber(int64(lateral))),
	))
	b.WriteString("\n\n")

	if s.count() == 0 {
		b.WriteString(styles.Muted.Render("  No campaigns. Record cases to populate the index."))
		return b.String()
	}

	header := fmt.Sprintf("  %-5s %-40s %6s %9s %5s  %s", "Risk", "Title", "Cases", "Entities", "Hops", "Window")
	b.WriteString(styles.TableHeader.Render(header))
	b.WriteString("\n")

	end := min(s.offset+s.maxRows, s.count())
	for i := s.offset; i < end; i++ {
		b.WriteString(s.renderRow(s.index.Campaigns[i], i == s.cursor))
		b.WriteString("\n")
	}

	help := "\n  [↑↓] Select  [Enter] Scope kill chain and decisions  [r] Refresh"
	if s.count() > s.maxRows {
		help = fmt.Sprintf("\n  %d-%d of %d", s.offset+1, end, s.count()) + help
	}
	b.WriteString(styles.Muted.Render(help))
	if !s.lastUpdate.IsZero() {
		b.WriteString(styles.Muted.Render(fmt.Sprintf("  |  Updated: %s", s.lastUpdate.Format("15:04:05"))))
	}
	return b.String()
}

func (s *CampaignsScene) renderRow(c correlation.Campaign, selected bool) string {
	window := "-"
	if !c.Start.IsZero() {
		window = c.Start.Format("01-02 15:04") + " → " + c.End.Format("01-02 15:04")
	}
	risk := styles.Risk(c.Risk).Render(fmt.Sprintf("%-5d", c.Risk))
	row := fmt.Sprintf("  %s %-40s %6d %9d %5d  %s",
		risk, truncate(c.Title, 40), len(c.CaseIDs), len(c.Entities), c.LateralHops, window)
	if selected {
		return styles.TableRowSelected.Render(row)
	}
	return row
}
