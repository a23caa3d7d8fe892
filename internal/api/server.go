// Package api serves the advisor's three data products over HTTP: the
// correlation index, the kill chain summary and the recommendation list.
// Every endpoint is read-only.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"killchain-advisor/internal/analysis"
	"killchain-advisor/internal/decision"
	apierrors "killchain-advisor/internal/errors"
)

// DefaultCacheSize is the number of reports kept when Options leaves it unset.
const DefaultCacheSize = 64

// Options configures a Server.
type Options struct {
	CacheSize int
	Sanitizer *apierrors.Sanitizer
	// Gatherer backs GET /metrics; nil uses the default registry.
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// Server answers API requests from a Pipeline. Reports are cached by
// snapshot digest, so an unchanged store is analyzed once.
type Server struct {
	pipeline  *analysis.Pipeline
	cache     *lru.Cache[string, *analysis.Report]
	sanitizer *apierrors.Sanitizer
	metrics   http.Handler
	logger    *slog.Logger
	started   time.Time
}

// NewServer creates a Server.
func NewServer(p *analysis.Pipeline, opts Options) (*Server, error) {
	size := opts.CacheSize
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[string, *analysis.Report](size)
	if err != nil {
		return nil, err
	}

	sanitizer := opts.Sanitizer
	if sanitizer == nil {
		sanitizer = apierrors.NewSanitizer(false)
	}
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		pipeline:  p,
		cache:     cache,
		sanitizer: sanitizer,
		metrics:   promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}),
		logger:    logger,
		started:   time.Now(),
	}, nil
}

// RegisterRoutes registers the API endpoints on mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/index", s.handleIndex)
	mux.HandleFunc("GET /v1/killchain", s.handleKillChain)
	mux.HandleFunc("GET /v1/decisions", s.handleDecisions)
	mux.HandleFunc("GET /v1/report", s.handleReport)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", s.metrics)
}

// Report returns the report for the current snapshot, from cache when the
// snapshot is unchanged. Degraded reports are never cached.
func (s *Server) Report(ctx context.Context, campaignID string) (*analysis.Report, error) {
	snap := s.pipeline.Read(ctx)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var key string
	if !snap.Degraded() {
		digest, err := analysis.SnapshotDigest(snap.Cases, snap.Entities, campaignID)
		if err != nil {
			return nil, err
		}
		key = digest
		if r, ok := s.cache.Get(key); ok {
			return r, nil
		}
	}

	r, err := s.pipeline.Analyze(snap, campaignID)
	if err != nil {
		return nil, err
	}
	if key != "" {
		s.cache.Add(key, r)
	}
	return r, nil
}

// DecisionsResponse is the body of GET /v1/decisions.
type DecisionsResponse struct {
	ReportID   string          `json:"report_id"`
	CampaignID string          `json:"campaign_id,omitempty"`
	Decisions  []decision.Item `json:"decisions"`
	Guardrails []string        `json:"guardrails"`
	Degraded   bool            `json:"degraded"`
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	report, ok := s.report(w, r, "")
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, report.Index)
}

func (s *Server) handleKillChain(w http.ResponseWriter, r *http.Request) {
	report, ok := s.report(w, r, r.URL.Query().Get("campaign"))
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, report.KillChain)
}

func (s *Server) handleDecisions(w http.ResponseWriter, r *http.Request) {
	report, ok := s.report(w, r, r.URL.Query().Get("campaign"))
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, DecisionsResponse{
		ReportID:   report.ID,
		CampaignID: report.CampaignID,
		Decisions:  report.Decisions,
		Guardrails: decision.Guardrails,
		Degraded:   report.Degraded,
	})
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	report, ok := s.report(w, r, r.URL.Query().Get("campaign"))
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, report)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.pipeline.Read(r.Context())

	status, code := "healthy", http.StatusOK
	if snap.Degraded() {
		status = "degraded"
	}
	respondJSON(w, code, map[string]any{
		"status":         status,
		"cases":          len(snap.Cases),
		"entities":       len(snap.Entities),
		"cached_reports": s.cache.Len(),
		"uptime_seconds": int(time.Since(s.started).Seconds()),
	})
}

// report resolves the request's report or writes the error response.
func (s *Server) report(w http.ResponseWriter, r *http.Request, campaignID string) (*analysis.Report, bool) {
	if len(campaignID) > 256 {
		respondError(w, http.StatusBadRequest, "invalid request: campaign id too long")
		return nil, false
	}

	report, err := s.Report(r.Context(), campaignID)
	if err == nil {
		if report.Degraded {
			w.Header().Set("X-Advisor-Degraded", "true")
		}
		return report, true
	}

	switch {
	case errors.Is(err, analysis.ErrUnknownCampaign):
		respondError(w, http.StatusNotFound, s.sanitizer.SafeMessage(err))
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		respondError(w, http.StatusServiceUnavailable, "request canceled")
	default:
		s.logger.Error("analysis failed", "campaign", campaignID, "error", err)
		respondError(w, http.StatusInternalServerError, s.sanitizer.SafeMessage(err))
	}
	return nil, false
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]any{
		"success": false,
		"error":   message,
	})
}
