// Package rest exposes the detection pipeline, training scheduler and stored
// history over HTTP.
package rest

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/smartsensor/smartsensor-ai/internal/db"
	"github.com/smartsensor/smartsensor-ai/internal/models"
	"github.com/smartsensor/smartsensor-ai/internal/pipeline"
	"github.com/smartsensor/smartsensor-ai/internal/training"
)

const (
	defaultLimit = 50
	maxLimit     = 1000
)

// Pipeline is the detection surface used by the handlers.
type Pipeline interface {
	DetectPayload(ctx context.Context, payload []byte) (*pipeline.DetectResponse, error)
	ProcessPayload(ctx context.Context, payload []byte) (*pipeline.ProcessResponse, error)
	Stats() pipeline.Stats
}

// Trainer is the training surface used by the handlers.
type Trainer interface {
	TrainAll(ctx context.Context) ([]training.TrainedModel, error)
	Retrain(ctx context.Context, deviceID string, field models.Field) (*training.TrainedModel, error)
	Status() []training.ModelSummary
	DeviceStatus(deviceID string) []training.ModelSummary
}

// Store is the read side of persistence used by the handlers.
type Store interface {
	db.ReadingStore
	db.AnomalyStore
	db.DecisionStore
	Ping(ctx context.Context) error
}

// Handler serves the REST API.
type Handler struct {
	pipeline Pipeline
	trainer  Trainer
	store    Store
	ready    func() bool
	logger   *zap.Logger
}

// NewHandler creates a handler. ready reports whether background services
// have started; nil means always ready.
func NewHandler(p Pipeline, t Trainer, s Store, ready func() bool, logger *zap.Logger) *Handler {
	if ready == nil {
		ready = func() bool { return true }
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{pipeline: p, trainer: t, store: s, ready: ready, logger: logger.Named("rest")}
}

// ─── Health ───────────────────────────────────────────────────────────────────

// Health handles GET /health: the process is alive.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	})
}

// Ready handles GET /ready: the database answers and background services run.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"reason": "database_unavailable",
			"error":  err.Error(),
		})
		return
	}
	if !h.ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"reason": "starting",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ready",
		"timestamp": time.Now().UTC(),
	})
}

// ─── Detection ────────────────────────────────────────────────────────────────

// Detect handles POST /api/v1/detect: detection and correlation only.
func (h *Handler) Detect(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	resp, err := h.pipeline.DetectPayload(r.Context(), body)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// IngestReading handles POST /api/v1/readings: the full pipeline, including
// the decision and its dispatch.
func (h *Handler) IngestReading(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	resp, err := h.pipeline.ProcessPayload(r.Context(), body)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, resp)
}

// ─── History ──────────────────────────────────────────────────────────────────

// ListReadings handles GET /api/v1/readings?device_id&limit.
func (h *Handler) ListReadings(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	deviceID := r.URL.Query().Get("device_id")
	readings, err := h.store.RecentReadings(r.Context(), deviceID, limit)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	if readings == nil {
		readings = []models.Reading{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"readings":  readings,
		"total":     len(readings),
		"device_id": deviceID,
	})
}

// ListAnomalies handles GET /api/v1/anomalies?device_id&severity&limit.
func (h *Handler) ListAnomalies(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	q := db.AnomalyQuery{DeviceID: r.URL.Query().Get("device_id"), Limit: limit}
	if sev := r.URL.Query().Get("severity"); sev != "" {
		switch models.Severity(sev) {
		case models.SeverityLow, models.SeverityMedium, models.SeverityHigh:
			q.Severity = models.Severity(sev)
		default:
			respondError(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, "severity must be low, medium or high", nil)
			return
		}
	}
	anomalies, err := h.store.QueryAnomalies(r.Context(), q)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	if anomalies == nil {
		anomalies = []*models.CorrelatedAnomaly{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"anomalies": anomalies,
		"total":     len(anomalies),
	})
}

// ListDecisions handles GET /api/v1/decisions?device_id&decided_by&limit.
func (h *Handler) ListDecisions(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	q := db.DecisionQuery{
		DeviceID:  r.URL.Query().Get("device_id"),
		DecidedBy: models.DecidedBy(r.URL.Query().Get("decided_by")),
		Limit:     limit,
	}
	decisions, err := h.store.QueryDecisions(r.Context(), q)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	if decisions == nil {
		decisions = []*models.Decision{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"decisions": decisions,
		"total":     len(decisions),
	})
}

// ─── Training ─────────────────────────────────────────────────────────────────

// TrainAll handles POST /api/v1/train: one training cycle over every due key.
func (h *Handler) TrainAll(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	trained, err := h.trainer.TrainAll(r.Context())
	if err != nil {
		respondErr(w, r, err)
		return
	}
	if trained == nil {
		trained = []training.TrainedModel{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"trained":     trained,
		"total":       len(trained),
		"duration_ms": time.Since(start).Milliseconds(),
	})
}

// Retrain handles POST /api/v1/models/{device_id}/{field}/retrain.
func (h *Handler) Retrain(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	field, ok := models.ParseField(vars["field"])
	if !ok {
		respondError(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, "unknown field "+strconv.Quote(vars["field"]), nil)
		return
	}
	tm, err := h.trainer.Retrain(r.Context(), vars["device_id"], field)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tm)
}

// ListModels handles GET /api/v1/models.
func (h *Handler) ListModels(w http.ResponseWriter, r *http.Request) {
	status := h.trainer.Status()
	if status == nil {
		status = []training.ModelSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"models": status,
		"total":  len(status),
	})
}

// DeviceModels handles GET /api/v1/models/{device_id}.
func (h *Handler) DeviceModels(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["device_id"]
	status := h.trainer.DeviceStatus(deviceID)
	if len(status) == 0 {
		respondError(w, r, http.StatusNotFound, ErrCodeNotFound, "no trained models for device "+strconv.Quote(deviceID), nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"device_id": deviceID,
		"models":    status,
	})
}

// Stats handles GET /api/v1/stats.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats := h.pipeline.Stats()
	summary, err := h.store.AnomalySummary(r.Context())
	if err != nil {
		h.logger.Warn("anomaly summary failed", zap.Error(err))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pipeline":              stats,
		"anomalies_by_severity": summary,
	})
}

func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		respondError(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, "limit must be a positive integer", nil)
		return 0, false
	}
	return min(n, maxLimit), true
}
