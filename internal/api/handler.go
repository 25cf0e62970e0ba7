package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/openretail-dev/heron/internal/anomaly"
	"github.com/openretail-dev/heron/internal/domain"
	"github.com/openretail-dev/heron/internal/pipeline"
	"github.com/openretail-dev/heron/internal/source"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	warehouse domain.Warehouse
	staging   domain.Staging
	cache     domain.Cache
	bus       domain.EventBus
	inbox     *source.MemorySource
	runner    *pipeline.Runner
	version   string
}

// NewHandler creates a new API handler. The inbox is nil when batches
// arrive through the filesystem instead of POST /batches.
func NewHandler(runner *pipeline.Runner, warehouse domain.Warehouse, staging domain.Staging, cache domain.Cache, bus domain.EventBus, inbox *source.MemorySource, version string) *Handler {
	return &Handler{
		warehouse: warehouse,
		staging:   staging,
		cache:     cache,
		bus:       bus,
		inbox:     inbox,
		runner:    runner,
		version:   version,
	}
}

// TriggerRunRequest is the request body for POST /runs.
type TriggerRunRequest struct {
	Date         string `json:"date"`
	LookbackDays int    `json:"lookbackDays,omitempty"`
}

// TriggerRunResponse is the response for POST /runs.
type TriggerRunResponse struct {
	RunID  string           `json:"runId"`
	Status domain.RunStatus `json:"status"`
}

// TriggerRun handles POST /runs requests. The run executes
// asynchronously; poll GET /runs/{id} for the outcome. Triggering a
// date that is already in flight returns the active run.
func (h *Handler) TriggerRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req TriggerRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if req.Date == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "date is required",
		})
		return
	}
	if _, err := domain.ParseDate(req.Date); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "date must be formatted YYYY-MM-DD",
		})
		return
	}
	if req.LookbackDays < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "lookbackDays must not be negative",
		})
		return
	}

	run, err := h.runner.Start(ctx, req.Date, pipeline.RunOptions{
		LookbackDays: req.LookbackDays,
		TriggeredBy:  "api",
	})
	if err != nil {
		var inflight *pipeline.InFlightError
		if errors.As(err, &inflight) {
			status := domain.RunRunning
			if active, err := h.warehouse.GetRun(ctx, inflight.RunID); err == nil {
				status = active.Status
			}
			writeJSON(w, http.StatusAccepted, TriggerRunResponse{
				RunID:  inflight.RunID,
				Status: status,
			})
			return
		}
		slog.Error("failed to trigger run", "date", req.Date, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to trigger run",
		})
		return
	}

	writeJSON(w, http.StatusAccepted, TriggerRunResponse{
		RunID:  run.ID,
		Status: run.Status,
	})
}

// GetRun retrieves a pipeline run by ID.
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runID := chi.URLParam(r, "id")

	if runID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "run id is required",
		})
		return
	}

	run, err := h.warehouse.GetRun(ctx, runID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "run not found",
		})
		return
	}

	writeJSON(w, http.StatusOK, run)
}

// ListRuns returns recent pipeline runs, newest first.
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "limit must be a positive integer",
			})
			return
		}
		limit = n
	}

	runs, err := h.warehouse.ListRuns(ctx, limit)
	if err != nil {
		slog.Error("failed to list runs", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list runs",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"runs":  runs,
		"count": len(runs),
	})
}

// SubmitBatchRequest is the request body for POST /batches.
type SubmitBatchRequest struct {
	Date    string             `json:"date"`
	Records []domain.RawRecord `json:"records"`
}

// SubmitBatch stores raw records in the memory source inbox for a later
// run of the date. Submissions for the same date accumulate.
func (h *Handler) SubmitBatch(w http.ResponseWriter, r *http.Request) {
	if h.inbox == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "batch inbox not available, batches arrive through the source directory",
		})
		return
	}

	var req SubmitBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if req.Date == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "date is required",
		})
		return
	}
	if len(req.Records) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "records are required",
		})
		return
	}

	total, err := h.inbox.Put(req.Date, req.Records)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}

	// Submission counter, visible to operators through the cache
	submissions := int64(0)
	if h.cache != nil {
		if n, err := h.cache.IncrementCounter(r.Context(), "inbox:"+req.Date, 24*time.Hour); err == nil {
			submissions = n
		}
	}

	slog.Info("batch submitted",
		"date", req.Date,
		"received", len(req.Records),
		"total", total,
		"submissions", submissions)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"date":     req.Date,
		"received": len(req.Records),
		"total":    total,
	})
}

// GetFlags returns the anomaly flags raised for a date.
func (h *Handler) GetFlags(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	date := r.URL.Query().Get("date")
	if date == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "date query parameter is required",
		})
		return
	}
	if _, err := domain.ParseDate(date); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "date must be formatted YYYY-MM-DD",
		})
		return
	}

	flags, err := h.warehouse.FlagsForDate(ctx, date)
	if err != nil {
		slog.Error("failed to get flags", "date", date, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to get flags",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"date":  date,
		"flags": flags,
		"count": len(flags),
	})
}

// GetSummary returns the per-key daily aggregates for a date, computed
// from the loaded facts.
func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	date := r.URL.Query().Get("date")
	if date == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "date query parameter is required",
		})
		return
	}
	if _, err := domain.ParseDate(date); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "date must be formatted YYYY-MM-DD",
		})
		return
	}

	facts, err := h.warehouse.FactsForDate(ctx, date)
	if err != nil {
		slog.Error("failed to get facts", "date", date, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to get facts",
		})
		return
	}

	aggregates := anomaly.Aggregate(facts)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"date":       date,
		"aggregates": aggregates,
		"count":      len(aggregates),
	})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	// Check warehouse health
	if h.warehouse != nil {
		if err := h.warehouse.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	// Check staging health
	if h.staging != nil {
		if err := h.staging.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	// Check cache health
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	// Check bus health
	if h.bus != nil {
		if err := h.bus.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
