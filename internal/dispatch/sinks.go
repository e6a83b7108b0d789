package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/smartsensor/smartsensor-ai/internal/audit"
	"github.com/smartsensor/smartsensor-ai/internal/db"
	"github.com/smartsensor/smartsensor-ai/internal/models"
)

// ─── Store ────────────────────────────────────────────────────────────────────

// StoreSink persists decisions. Saving is idempotent on decision ID.
type StoreSink struct {
	store db.DecisionStore
}

func NewStoreSink(store db.DecisionStore) *StoreSink { return &StoreSink{store: store} }

func (s *StoreSink) Name() string { return "store" }

func (s *StoreSink) Deliver(ctx context.Context, d *models.Decision) error {
	return s.store.SaveDecision(ctx, d)
}

// ─── Audit ────────────────────────────────────────────────────────────────────

// AuditSink appends dispatched decisions to the audit trail.
type AuditSink struct {
	logger audit.Logger
}

func NewAuditSink(logger audit.Logger) *AuditSink { return &AuditSink{logger: logger} }

func (s *AuditSink) Name() string { return "audit" }

// Deliver records the decision with its latency since it was decided.
func (s *AuditSink) Deliver(ctx context.Context, d *models.Decision) error {
	return s.logger.LogDecisionDispatched(ctx, d, time.Since(d.DecidedAt))
}

// ─── Log ──────────────────────────────────────────────────────────────────────

// LogSink writes every decision to the application log. It carries out the
// log action.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink { return &LogSink{logger: logger.Named("actions")} }

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Deliver(_ context.Context, d *models.Decision) error {
	fields := []zap.Field{
		zap.String("decision_id", d.ID),
		zap.String("device_id", d.DeviceID),
		zap.Time("timestamp", d.Timestamp),
		zap.Strings("actions", actionStrings(d.Actions)),
		zap.String("decided_by", string(d.DecidedBy)),
		zap.String("rationale", d.Rationale),
	}
	if d.Anomaly != nil {
		fields = append(fields, zap.String("severity", string(d.Anomaly.Severity)))
	}
	if d.HasAction(models.ActionCorrectiveAction) {
		s.logger.Warn("corrective action required", fields...)
		return nil
	}
	s.logger.Info("decision", fields...)
	return nil
}

// ─── Broadcast ────────────────────────────────────────────────────────────────

// Broadcaster pushes decisions to live subscribers.
type Broadcaster interface {
	BroadcastDecision(d *models.Decision)
}

// BroadcastSink forwards decisions to a Broadcaster such as the websocket hub.
type BroadcastSink struct {
	b Broadcaster
}

func NewBroadcastSink(b Broadcaster) *BroadcastSink { return &BroadcastSink{b: b} }

func (s *BroadcastSink) Name() string { return "broadcast" }

func (s *BroadcastSink) Deliver(_ context.Context, d *models.Decision) error {
	s.b.BroadcastDecision(d)
	return nil
}

// ─── Webhook ──────────────────────────────────────────────────────────────────

// WebhookPayload is the JSON body posted to the alert webhook.
type WebhookPayload struct {
	DecisionID string                   `json:"decision_id"`
	DeviceID   string                   `json:"device_id"`
	Timestamp  time.Time                `json:"timestamp"`
	Severity   models.Severity          `json:"severity,omitempty"`
	Confidence float64                  `json:"confidence,omitempty"`
	Actions    []models.Action          `json:"actions"`
	Rationale  string                   `json:"rationale"`
	DecidedBy  models.DecidedBy         `json:"decided_by"`
	Findings   []models.DetectionResult `json:"findings,omitempty"`
}

// WebhookSink posts notify and corrective decisions to an HTTP endpoint.
// Decisions that only log are skipped.
type WebhookSink struct {
	url    string
	client *http.Client
}

// NewWebhookSink creates a webhook sink. A zero timeout means 10s.
func NewWebhookSink(url string, timeout time.Duration) *WebhookSink {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookSink{url: url, client: &http.Client{Timeout: timeout}}
}

func (s *WebhookSink) Name() string { return "webhook" }

func (s *WebhookSink) Deliver(ctx context.Context, d *models.Decision) error {
	if !d.HasAction(models.ActionNotify) && !d.HasAction(models.ActionCorrectiveAction) {
		return nil
	}

	payload := WebhookPayload{
		DecisionID: d.ID,
		DeviceID:   d.DeviceID,
		Timestamp:  d.Timestamp,
		Actions:    d.Actions,
		Rationale:  d.Rationale,
		DecidedBy:  d.DecidedBy,
	}
	if d.Anomaly != nil {
		payload.Severity = d.Anomaly.Severity
		payload.Confidence = d.Anomaly.Confidence
		payload.Findings = d.Anomaly.Results
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Permanent(fmt.Errorf("failed to marshal webhook payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Decision-ID", d.ID)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return Permanent(fmt.Errorf("webhook rejected decision (status %d)", resp.StatusCode))
	default:
		return fmt.Errorf("webhook error (status %d)", resp.StatusCode)
	}
}

func actionStrings(actions []models.Action) []string {
	out := make([]string, len(actions))
	for i, a := range actions {
		out[i] = string(a)
	}
	return out
}
