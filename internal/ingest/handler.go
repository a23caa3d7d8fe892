package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"killchain-advisor/internal/queue"
	"killchain-advisor/internal/schema"
)

// Handler handles HTTP case submission. Accepted cases are queued for the
// worker pool; the response does not wait for the stores.
type Handler struct {
	recorder   *Recorder
	queue      *queue.RingBuffer[*schema.Case]
	maxPayload int
	maxBatch   int
	startTime  time.Time
	casesTotal atomic.Uint64
}

// NewHandler creates a new ingest Handler. The recorder is used only to
// validate input before queueing.
func NewHandler(recorder *Recorder, q *queue.RingBuffer[*schema.Case]) *Handler {
	return &Handler{
		recorder:   recorder,
		queue:      q,
		maxPayload: 10 * 1024 * 1024, // 10MB default
		maxBatch:   500,
		startTime:  time.Now(),
	}
}

// WithMaxPayload sets the maximum payload size.
func (h *Handler) WithMaxPayload(size int) *Handler {
	if size > 0 {
		h.maxPayload = size
	}
	return h
}

// WithMaxBatch sets the maximum batch size.
func (h *Handler) WithMaxBatch(size int) *Handler {
	if size > 0 {
		h.maxBatch = size
	}
	return h
}

// SubmitRequest is the request body for case submission.
type SubmitRequest struct {
	Cases []schema.Case `json:"cases"`
}

// SubmitResponse is the response for case submission.
type SubmitResponse struct {
	Success   bool     `json:"success"`
	Accepted  int      `json:"accepted"`
	Rejected  int      `json:"rejected"`
	Errors    []string `json:"errors,omitempty"`
	RequestID string   `json:"request_id"`
}

// Routes registers the ingest endpoints on mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/cases", h.HandleCases)
	mux.HandleFunc("GET /v1/ingest/health", h.HealthCheck)
}

// HandleCases handles POST /v1/cases.
func (h *Handler) HandleCases(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()

	r.Body = http.MaxBytesReader(w, r.Body, int64(h.maxPayload))
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, "payload too large", requestID)
			return
		}
		respondError(w, http.StatusBadRequest, "failed to read request body", requestID)
		return
	}

	var req SubmitRequest
	if err := json.Unmarshal(body, &req); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err), requestID)
		return
	}

	if len(req.Cases) == 0 {
		respondError(w, http.StatusBadRequest, "no cases provided", requestID)
		return
	}
	if len(req.Cases) > h.maxBatch {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("batch size exceeds maximum of %d", h.maxBatch), requestID)
		return
	}

	var accepted, rejected, queueFull int
	var errs []string

	for i := range req.Cases {
		c := req.Cases[i]
		if err := h.recorder.Prepare(&c); err != nil {
			rejected++
			errs = append(errs, fmt.Sprintf("cases[%d]: %s", i, err.Error()))
			continue
		}

		if err := h.queue.Push(&c); err != nil {
			rejected++
			if errors.Is(err, queue.ErrQueueFull) {
				queueFull++
				errs = append(errs, fmt.Sprintf("cases[%d]: queue full", i))
			} else {
				errs = append(errs, fmt.Sprintf("cases[%d]: %s", i, err.Error()))
			}
			continue
		}

		accepted++
		h.casesTotal.Add(1)
	}

	resp := SubmitResponse{
		Success:   rejected == 0,
		Accepted:  accepted,
		Rejected:  rejected,
		Errors:    errs,
		RequestID: requestID,
	}

	status := http.StatusAccepted
	if accepted == 0 {
		status = http.StatusBadRequest
		if queueFull == rejected {
			status = http.StatusServiceUnavailable
		}
	} else if rejected > 0 {
		status = http.StatusMultiStatus
	}

	if rejected > 0 {
		slog.Warn("case submission partially rejected",
			"request_id", requestID,
			"accepted", accepted,
			"rejected", rejected,
		)
	}
	respondJSON(w, status, resp)
}

// HealthCheck handles GET /v1/ingest/health.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	metrics := h.queue.Metrics()

	status := "healthy"
	if metrics.Depth > int(float64(metrics.Capacity)*0.9) {
		status = "degraded"
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"status":         status,
		"cases_total":    h.casesTotal.Load(),
		"queue_depth":    metrics.Depth,
		"queue_capacity": metrics.Capacity,
		"queue_dropped":  metrics.Dropped,
		"uptime_seconds": int(time.Since(h.startTime).Seconds()),
	})
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string, requestID string) {
	respondJSON(w, status, map[string]any{
		"success":    false,
		"error":      message,
		"request_id": requestID,
	})
}
