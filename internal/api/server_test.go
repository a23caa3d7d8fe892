package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"killchain-advisor/internal/analysis"
	"killchain-advisor/internal/correlation"
	apierrors "killchain-advisor/internal/errors"
	"killchain-advisor/internal/killchain"
	"killchain-advisor/internal/schema"
	"killchain-advisor/internal/storage"
)

var t0 = time.Date(2026, 4, 2, 8, 0, 0, 0, time.UTC)

func seededStore(t *testing.T) *storage.MemoryStore {
	t.Helper()
	store := storage.NewMemoryStore()
	ctx := context.Background()
	for _, c := range []schema.Case{
		{ID: "C-1", Status: schema.StatusOpen, Device: "VPN-GW", User: "alice", Time: t0,
			Evidence: []schema.Evidence{{Content: "brute attempts", Tags: []string{"bruteforce"}}}},
		{ID: "C-2", Status: schema.StatusInvestigating, Device: "WS-07", User: "alice", Time: t0.Add(time.Hour)},
		{ID: "C-3", Status: schema.StatusClosed, Device: "KIOSK-2", User: "guest", Time: t0.Add(2 * time.Hour)},
	} {
		require.NoError(t, store.UpsertCase(ctx, c))
	}
	require.NoError(t, store.UpsertEntity(ctx, schema.Entity{
		Type: schema.EntityUser, ID: "alice", RiskScore: 50, CaseRefs: []string{"C-1", "C-2"},
	}))
	return store
}

type testServer struct {
	*Server
	mux   *http.ServeMux
	store *storage.MemoryStore
	reg   *prometheus.Registry
}

func newTestServer(t *testing.T, cases storage.CaseReader, entities storage.EntityReader, production bool) *testServer {
	t.Helper()
	reg := prometheus.NewRegistry()
	p := analysis.NewPipeline(cases, entities, analysis.Config{
		Correlation: correlation.DefaultOptions(),
		Metrics:     analysis.NewMetrics(reg),
	})
	s, err := NewServer(p, Options{
		CacheSize: 4,
		Sanitizer: apierrors.NewSanitizer(production),
		Gatherer:  reg,
	})
	require.NoError(t, err)

	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return &testServer{Server: s, mux: mux, reg: reg}
}

func (ts *testServer) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	ts.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	return v
}

func TestIndex(t *testing.T) {
	store := seededStore(t)
	ts := newTestServer(t, store, store, false)

	rec := ts.get(t, "/v1/index")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	ix := decode[correlation.Index](t, rec)
	assert.Len(t, ix.Cases, 3)
	require.Len(t, ix.Campaigns, 2)
	assert.True(t, ix.Campaigns[0].Has("user:alice"))
	assert.Len(t, ix.Lateral, 1)
}

func TestKillChain(t *testing.T) {
	store := seededStore(t)
	ts := newTestServer(t, store, store, false)

	rec := ts.get(t, "/v1/killchain")
	require.Equal(t, http.StatusOK, rec.Code)
	sum := decode[killchain.Summary](t, rec)
	assert.True(t, sum.HasStage(killchain.CredentialAccess))
	assert.True(t, sum.HasStage(killchain.LateralMovement))
	require.NotNil(t, sum.CurrentStage)
	assert.Equal(t, killchain.LateralMovement, *sum.CurrentStage)
}

func TestKillChain_CampaignScope(t *testing.T) {
	store := seededStore(t)
	ts := newTestServer(t, store, store, false)

	ix := decode[correlation.Index](t, ts.get(t, "/v1/index"))
	var kiosk string
	for _, c := range ix.Campaigns {
		if c.Has("device:KIOSK-2") {
			kiosk = c.ID
		}
	}
	require.NotEmpty(t, kiosk)

	rec := ts.get(t, "/v1/killchain?campaign="+kiosk)
	require.Equal(t, http.StatusOK, rec.Code)
	sum := decode[killchain.Summary](t, rec)
	assert.Equal(t, kiosk, sum.CampaignID)
	assert.Equal(t, 1, sum.CaseCount)
	assert.Empty(t, sum.Stages)
}

func TestUnknownCampaign(t *testing.T) {
	store := seededStore(t)
	ts := newTestServer(t, store, store, true)

	for _, path := range []string{"/v1/killchain?campaign=nope", "/v1/decisions?campaign=nope", "/v1/report?campaign=nope"} {
		rec := ts.get(t, path)
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
		body := decode[map[string]any](t, rec)
		assert.Contains(t, body["error"], "unknown campaign", path)
	}

	rec := ts.get(t, "/v1/killchain?campaign="+strings.Repeat("x", 300))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDecisions(t *testing.T) {
	store := seededStore(t)
	ts := newTestServer(t, store, store, false)

	rec := ts.get(t, "/v1/decisions")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[DecisionsResponse](t, rec)

	require.Len(t, resp.Decisions, 4)
	for i := 1; i < len(resp.Decisions); i++ {
		assert.GreaterOrEqual(t, resp.Decisions[i-1].Priority.Rank(), resp.Decisions[i].Priority.Rank())
	}
	require.NotEmpty(t, resp.Guardrails)
	assert.Contains(t, resp.Guardrails[0], "no automated action")
}

func TestReport_Cached(t *testing.T) {
	store := seededStore(t)
	ts := newTestServer(t, store, store, false)

	first := decode[analysis.Report](t, ts.get(t, "/v1/report"))
	second := decode[analysis.Report](t, ts.get(t, "/v1/report"))
	assert.Equal(t, first.ID, second.ID, "unchanged snapshot is served from cache")
	assert.Equal(t, first.Fingerprint, second.Fingerprint)

	require.NoError(t, store.UpsertCase(context.Background(), schema.Case{
		ID: "C-4", Status: schema.StatusOpen, Device: "FS-01", User: "alice", Time: t0.Add(3 * time.Hour),
	}))
	third := decode[analysis.Report](t, ts.get(t, "/v1/report"))
	assert.NotEqual(t, first.ID, third.ID)
	assert.NotEqual(t, first.Fingerprint, third.Fingerprint)
	assert.Equal(t, 2, ts.cache.Len())
}

type brokenReader struct{}

func (brokenReader) ListCases(context.Context) ([]schema.Case, error) {
	return nil, errors.New("dial tcp 10.9.9.9:9000: connection refused")
}

func TestReport_Degraded(t *testing.T) {
	store := seededStore(t)
	ts := newTestServer(t, brokenReader{}, store, false)

	rec := ts.get(t, "/v1/report")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "true", rec.Header().Get("X-Advisor-Degraded"))

	r := decode[analysis.Report](t, rec)
	assert.True(t, r.Degraded)
	assert.Empty(t, r.Index.Cases)
	assert.Zero(t, r.KillChain.Confidence)
	assert.Zero(t, ts.cache.Len(), "degraded reports are not cached")

	health := decode[map[string]any](t, ts.get(t, "/health"))
	assert.Equal(t, "degraded", health["status"])
}

func TestHealth(t *testing.T) {
	store := seededStore(t)
	ts := newTestServer(t, store, store, false)

	rec := ts.get(t, "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, "healthy", body["status"])
	assert.EqualValues(t, 3, body["cases"])
	assert.EqualValues(t, 1, body["entities"])
}

func TestMetrics(t *testing.T) {
	store := seededStore(t)
	ts := newTestServer(t, store, store, false)

	ts.get(t, "/v1/index")
	rec := ts.get(t, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), "advisor_pipeline_runs_total 1")
	assert.Contains(t, string(body), "advisor_campaigns 2")
}

func TestReadOnly(t *testing.T) {
	store := seededStore(t)
	ts := newTestServer(t, store, store, false)

	for _, path := range []string{"/v1/index", "/v1/report", "/v1/decisions"} {
		rec := httptest.NewRecorder()
		ts.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code, path)
	}

	before, _ := store.ListEntities(context.Background())
	ts.get(t, "/v1/report")
	after, _ := store.ListEntities(context.Background())
	assert.Equal(t, before, after)
}
