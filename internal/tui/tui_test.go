package tui

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/prometheus/client_golang/prometheus"

	"killchain-advisor/internal/analysis"
	server "killchain-advisor/internal/api"
	"killchain-advisor/internal/correlation"
	"killchain-advisor/internal/decision"
	"killchain-advisor/internal/schema"
	"killchain-advisor/internal/storage"
	"killchain-advisor/internal/tui/api"
	"killchain-advisor/internal/tui/scenes"
	"killchain-advisor/internal/tui/styles"
)

func keyMsg(s string) tea.KeyMsg {
	switch s {
	case "tab":
		return tea.KeyMsg{Type: tea.KeyTab}
	case "enter":
		return tea.KeyMsg{Type: tea.KeyEnter}
	case "down":
		return tea.KeyMsg{Type: tea.KeyDown}
	case "ctrl+c":
		return tea.KeyMsg{Type: tea.KeyCtrlC}
	default:
		return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
	}
}

// advisorServer serves the real API over an in-memory store holding two
// unrelated campaigns.
func advisorServer(t *testing.T) *httptest.Server {
	t.Helper()
	t0 := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	store := storage.NewMemoryStore()
	ctx := context.Background()
	for _, c := range []schema.Case{
		{ID: "C-1", Status: schema.StatusOpen, Device: "WS-01", User: "bob", Time: t0,
			Evidence: []schema.Evidence{{Content: "password spray against VPN"}}},
		{ID: "C-2", Status: schema.StatusInvestigating, Device: "WS-02", User: "bob", Time: t0.Add(time.Hour),
			Evidence: []schema.Evidence{{Content: "psexec service created"}}},
		{ID: "C-3", Status: schema.StatusOpen, Device: "PRN-9", Time: t0.Add(2 * time.Hour)},
	} {
		if err := store.UpsertCase(ctx, c); err != nil {
			t.Fatal(err)
		}
	}

	reg := prometheus.NewRegistry()
	p := analysis.NewPipeline(store, store, analysis.Config{
		Correlation: correlation.DefaultOptions(),
		Metrics:     analysis.NewMetrics(reg),
	})
	s, err := server.NewServer(p, server.Options{Gatherer: reg})
	if err != nil {
		t.Fatal(err)
	}
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

// run executes cmd and feeds every resulting message back into m, following
// batches but not ticks.
func run(m *Model, cmd tea.Cmd) {
	if cmd == nil {
		return
	}
	msg := cmd()
	switch msg := msg.(type) {
	case tea.BatchMsg:
		for _, c := range msg {
			run(m, c)
		}
	case scenes.TickMsg, nil:
	default:
		_, next := m.Update(msg)
		run(m, next)
	}
}

// runNoTick is run for commands that may contain tea.Tick, which would block.
func runNoTick(m *Model, cmds ...tea.Cmd) {
	for _, c := range cmds {
		run(m, c)
	}
}

// ---------------------------------------------------------------------------
// Model
// ---------------------------------------------------------------------------

func TestNewModel(t *testing.T) {
	m := New(Options{BaseURL: "http://localhost:8080", Refresh: time.Millisecond})
	if m == nil {
		t.Fatal("New() returned nil")
	}
	if m.scene != SceneCampaigns {
		t.Errorf("expected initial scene SceneCampaigns, got %d", m.scene)
	}
	if m.campaigns == nil || m.killchain == nil || m.decisions == nil {
		t.Error("scene models must be non-nil")
	}
	if m.client == nil {
		t.Error("client is nil")
	}
	if m.quitting {
		t.Error("model should not be quitting on init")
	}
	if m.Init() == nil {
		t.Error("Init() should return a command")
	}
}

func TestSceneSwitching(t *testing.T) {
	tests := []struct {
		keys []string
		want Scene
	}{
		{[]string{"2"}, SceneKillChain},
		{[]string{"3"}, SceneDecisions},
		{[]string{"3", "1"}, SceneCampaigns},
		{[]string{"tab"}, SceneKillChain},
		{[]string{"tab", "tab"}, SceneDecisions},
		{[]string{"tab", "tab", "tab"}, SceneCampaigns},
	}
	for _, tt := range tests {
		t.Run(strings.Join(tt.keys, ","), func(t *testing.T) {
			m := New(Options{BaseURL: "http://localhost:0", Refresh: time.Millisecond})
			for _, k := range tt.keys {
				m.Update(keyMsg(k))
			}
			if m.scene != tt.want {
				t.Errorf("scene = %d, want %d", m.scene, tt.want)
			}
		})
	}
}

func TestSwitchToActiveSceneIsNoop(t *testing.T) {
	m := New(Options{BaseURL: "http://localhost:0", Refresh: time.Millisecond})
	if _, cmd := m.Update(keyMsg("1")); cmd != nil {
		t.Error("switching to the active scene should not return a command")
	}
}

func TestQuit(t *testing.T) {
	for _, k := range []string{"q", "ctrl+c"} {
		m := New(Options{BaseURL: "http://localhost:0", Refresh: time.Millisecond})
		_, cmd := m.Update(keyMsg(k))
		if !m.quitting {
			t.Errorf("%s: model should be quitting", k)
		}
		if cmd == nil {
			t.Errorf("%s: expected quit command", k)
		}
		if m.View() != "" {
			t.Errorf("%s: view should be empty when quitting", k)
		}
	}
}

func TestWindowSize(t *testing.T) {
	m := New(Options{BaseURL: "http://localhost:0", Refresh: time.Millisecond})
	_, cmd := m.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	if cmd != nil {
		t.Error("WindowSizeMsg should return nil cmd")
	}
	if m.width != 120 || m.height != 40 {
		t.Errorf("dimensions = %dx%d, want 120x40", m.width, m.height)
	}
}

func TestTickRouting(t *testing.T) {
	m := New(Options{BaseURL: "http://localhost:0", Refresh: time.Millisecond})

	if _, cmd := m.Update(scenes.TickMsg{Scene: scenes.NameKillChain}); cmd != nil {
		t.Error("a tick for an inactive scene should end its chain")
	}
	if _, cmd := m.Update(scenes.TickMsg{Scene: scenes.NameCampaigns}); cmd == nil {
		t.Error("a tick for the active scene should fetch and reschedule")
	}
}

func TestViewTabsAndFooter(t *testing.T) {
	m := New(Options{BaseURL: "http://localhost:0", Refresh: time.Millisecond})
	view := m.View()
	for _, label := range []string{"Campaigns", "Kill Chain", "Decisions", "[q] Quit", "[c] Clear scope"} {
		if !strings.Contains(view, label) {
			t.Errorf("view missing %q", label)
		}
	}
}

// ---------------------------------------------------------------------------
// End to end against the real API
// ---------------------------------------------------------------------------

func TestCampaignsLoad(t *testing.T) {
	ts := advisorServer(t)
	m := New(Options{BaseURL: ts.URL, Refresh: time.Millisecond})
	run(m, m.campaigns.Init())

	view := m.View()
	if !strings.Contains(view, "HEALTHY") {
		t.Errorf("expected healthy status in view:\n%s", view)
	}
	c, ok := m.campaigns.Selected()
	if !ok {
		t.Fatal("expected a selected campaign")
	}
	if !c.Has(schema.NewEntityKey(schema.EntityUser, "bob")) {
		t.Errorf("highest risk campaign should be bob's, got %s", c.Title)
	}
	if !strings.Contains(view, truncate(c.Title)) {
		t.Errorf("view missing campaign title %q", c.Title)
	}
}

func truncate(s string) string {
	if len(s) > 37 {
		return s[:37]
	}
	return s
}

func TestSelectCampaignScopesViews(t *testing.T) {
	ts := advisorServer(t)
	m := New(Options{BaseURL: ts.URL, Refresh: time.Millisecond})
	run(m, m.campaigns.Init())

	_, cmd := m.Update(keyMsg("down"))
	runNoTick(m, cmd)
	selected, _ := m.campaigns.Selected()

	_, cmd = m.Update(keyMsg("enter"))
	msg := cmd()
	sel, ok := msg.(scenes.CampaignSelectedMsg)
	if !ok {
		t.Fatalf("enter produced %T, want CampaignSelectedMsg", msg)
	}
	if sel.ID != selected.ID {
		t.Errorf("selected %s, want %s", sel.ID, selected.ID)
	}

	_, next := m.Update(sel)
	if m.scene != SceneKillChain {
		t.Errorf("selecting a campaign should open the kill chain, got %d", m.scene)
	}
	runNoTick(m, next)

	if m.killchain.CampaignID() != sel.ID {
		t.Errorf("kill chain scope = %q, want %q", m.killchain.CampaignID(), sel.ID)
	}
	view := m.View()
	if !strings.Contains(view, "scope: "+sel.Title) {
		t.Errorf("header should show the scope:\n%s", view)
	}

	_, cmd = m.Update(keyMsg("c"))
	runNoTick(m, cmd)
	if m.killchain.CampaignID() != "" {
		t.Error("[c] should clear the scope")
	}
}

func TestKillChainView(t *testing.T) {
	ts := advisorServer(t)
	m := New(Options{BaseURL: ts.URL, Refresh: time.Millisecond})
	m.Update(keyMsg("2"))
	run(m, m.killchain.Init())

	view := m.View()
	for _, want := range []string{"Credential Access", "Lateral Movement", "(current)", "Confidence"} {
		if !strings.Contains(view, want) {
			t.Errorf("kill chain view missing %q:\n%s", want, view)
		}
	}
}

func TestDecisionsView(t *testing.T) {
	ts := advisorServer(t)
	m := New(Options{BaseURL: ts.URL, Refresh: time.Millisecond})
	m.Update(keyMsg("3"))
	run(m, m.decisions.Init())

	view := m.View()
	if !strings.Contains(view, "Guardrails") {
		t.Errorf("decisions view missing guardrails:\n%s", view)
	}
	if !strings.Contains(view, decision.Guardrails[0]) {
		t.Errorf("decisions view missing guardrail text")
	}
	if !strings.Contains(view, "Rationale") {
		t.Errorf("selected decision should show its rationale:\n%s", view)
	}
}

func TestStaleScopeResponseIgnored(t *testing.T) {
	ts := advisorServer(t)
	m := New(Options{BaseURL: ts.URL, Refresh: time.Millisecond})

	fetchAll := m.killchain.Init()
	m.killchain.SetCampaign("other", "Other")
	run(m, fetchAll)

	if !strings.Contains(m.killchain.View(), "Loading") {
		t.Error("a response for a previous scope must not be shown")
	}
}

func TestUnknownCampaignShowsError(t *testing.T) {
	ts := advisorServer(t)
	m := New(Options{BaseURL: ts.URL, Refresh: time.Millisecond})
	run(m, m.decisions.SetCampaign("missing", "Gone"))
	m.Update(keyMsg("3"))

	view := m.View()
	if !strings.Contains(view, "unknown campaign") {
		t.Errorf("expected unknown campaign error:\n%s", view)
	}
}

// ---------------------------------------------------------------------------
// Client
// ---------------------------------------------------------------------------

func TestClientSendsAPIKeyAndCampaign(t *testing.T) {
	var mu sync.Mutex
	var gotKey, gotCampaign, gotPath string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotKey = r.Header.Get(api.APIKeyHeader)
		gotCampaign = r.URL.Query().Get("campaign")
		gotPath = r.URL.Path
		mu.Unlock()
		json.NewEncoder(w).Encode(server.DecisionsResponse{ReportID: "r1"})
	}))
	defer ts.Close()

	client := api.NewClient(ts.URL+"/", "k-123")
	resp, err := client.GetDecisions("camp 1")
	if err != nil {
		t.Fatalf("GetDecisions() error: %v", err)
	}
	if resp.ReportID != "r1" {
		t.Errorf("ReportID = %q", resp.ReportID)
	}
	if gotPath != "/v1/decisions" {
		t.Errorf("path = %s, want /v1/decisions", gotPath)
	}
	if gotKey != "k-123" {
		t.Errorf("api key header = %q", gotKey)
	}
	if gotCampaign != "camp 1" {
		t.Errorf("campaign = %q", gotCampaign)
	}
}

func TestClientErrorBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"code": "UNAUTHORIZED", "message": "missing api key"})
	}))
	defer ts.Close()

	_, err := api.NewClient(ts.URL, "").GetIndex()
	if err == nil || !strings.Contains(err.Error(), "missing api key") {
		t.Errorf("expected error carrying the server message, got %v", err)
	}
}

func TestOverviewUnreachable(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	ov, err := api.NewClient(url, "").GetOverview()
	if err != nil {
		t.Fatalf("GetOverview() should report failures in the overview, got %v", err)
	}
	if ov.Healthy || ov.Status != "unknown" {
		t.Errorf("unexpected overview: %+v", ov)
	}
	if !strings.Contains(ov.StatusReason, "connection failed") {
		t.Errorf("StatusReason = %q", ov.StatusReason)
	}
}

func TestOverviewReadsMetrics(t *testing.T) {
	ts := advisorServer(t)
	client := api.NewClient(ts.URL, "")
	if _, err := client.GetIndex(); err != nil {
		t.Fatal(err)
	}
	ov, err := client.GetOverview()
	if err != nil {
		t.Fatal(err)
	}
	if !ov.Healthy || ov.Cases != 3 {
		t.Errorf("unexpected overview: %+v", ov)
	}
	if ov.Runs != 1 {
		t.Errorf("Runs = %d, want 1", ov.Runs)
	}
}

// ---------------------------------------------------------------------------
// Styles
// ---------------------------------------------------------------------------

func TestPriorityStyles(t *testing.T) {
	for _, p := range []decision.Priority{decision.PriorityLow, decision.PriorityMedium, decision.PriorityHigh, decision.PriorityCritical} {
		if out := styles.Priority(p).Render(string(p)); !strings.Contains(out, string(p)) {
			t.Errorf("Priority(%s) rendered %q", p, out)
		}
	}
	if styles.Risk(90).GetForeground() != styles.StatusError.GetForeground() {
		t.Error("high risk should use the error style")
	}
	if styles.Risk(10).GetForeground() != styles.StatusOK.GetForeground() {
		t.Error("low risk should use the ok style")
	}
}
