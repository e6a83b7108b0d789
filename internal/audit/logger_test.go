package audit

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/smartsensor/smartsensor-ai/internal/models"
)

func newTestLogger(t *testing.T, bufferSize int, interval time.Duration) (Logger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.log")
	logger, err := NewLogger(&Config{
		AuditLogPath:  path,
		MaxSize:       10,
		MaxBackups:    3,
		BufferSize:    bufferSize,
		FlushInterval: interval,
	}, nil)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	t.Cleanup(func() { _ = logger.Close() })
	return logger, path
}

// readEvents decodes the event JSON carried in each audit line's message.
func readEvents(t *testing.T, path string) []Event {
	t.Helper()
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	var events []Event
	for _, line := range strings.Split(strings.TrimSpace(string(content)), "\n") {
		if line == "" {
			continue
		}
		var entry struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("decode line %q: %v", line, err)
		}
		var ev Event
		if err := json.Unmarshal([]byte(entry.Message), &ev); err != nil {
			t.Fatalf("decode event %q: %v", entry.Message, err)
		}
		events = append(events, ev)
	}
	return events
}

func testDecision() *models.Decision {
	return &models.Decision{
		ID:       "dec-42",
		DeviceID: "sensor-7",
		Anomaly: &models.CorrelatedAnomaly{
			DeviceID: "sensor-7",
			Severity: models.SeverityHigh,
			Results: []models.DetectionResult{
				{Field: models.FieldPM25, Category: models.CategoryAlert},
				{Field: models.FieldDBA, Category: models.CategoryAlert},
			},
		},
		Actions:   []models.Action{models.ActionNotify, models.ActionCorrectiveAction},
		Rationale: "pm2_5 and dBA alerts",
		DecidedBy: models.DecidedByRule,
	}
}

func TestNewLoggerRequiresPath(t *testing.T) {
	_, err := NewLogger(&Config{}, nil)
	if err == nil || !strings.Contains(err.Error(), "audit log path is required") {
		t.Errorf("expected path error, got %v", err)
	}
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	if config.AuditLogPath != "logs/audit.log" {
		t.Errorf("Expected audit log path 'logs/audit.log', got %s", config.AuditLogPath)
	}
	if config.MaxSize != 100 {
		t.Errorf("Expected max size 100, got %d", config.MaxSize)
	}
	if config.BufferSize != 100 {
		t.Errorf("Expected buffer size 100, got %d", config.BufferSize)
	}
}

func TestDecisionLifecycle(t *testing.T) {
	logger, path := newTestLogger(t, 100, time.Hour)
	ctx := context.Background()
	d := testDecision()

	if err := logger.LogDecisionMade(ctx, d); err != nil {
		t.Fatalf("LogDecisionMade: %v", err)
	}
	if err := logger.LogDecisionDispatched(ctx, d, 150*time.Millisecond); err != nil {
		t.Fatalf("LogDecisionDispatched: %v", err)
	}
	if err := logger.LogDispatchFailed(ctx, d, "webhook", errors.New("503")); err != nil {
		t.Fatalf("LogDispatchFailed: %v", err)
	}
	if err := logger.Sync(); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	events := readEvents(t, path)
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	made := events[0]
	if made.EventType != EventDecisionMade || made.CorrelationID != "dec-42" {
		t.Errorf("unexpected made event %+v", made)
	}
	if made.Action != "notify,trigger-corrective-action" {
		t.Errorf("unexpected action list %q", made.Action)
	}
	if made.Metadata["severity"] != "high" || made.Metadata["decided_by"] != "rule" {
		t.Errorf("unexpected metadata %v", made.Metadata)
	}
	if events[1].DurationMs != 150 {
		t.Errorf("expected duration 150ms, got %d", events[1].DurationMs)
	}
	failed := events[2]
	if failed.Result != ResultFailure || failed.Error != "503" || failed.Metadata["sink"] != "webhook" {
		t.Errorf("unexpected failure event %+v", failed)
	}
}

func TestModelLifecycle(t *testing.T) {
	logger, path := newTestLogger(t, 100, time.Hour)
	ctx := context.Background()
	state := &models.ModelState{
		DeviceID: "sensor-7", Field: models.FieldVibration, DetectorKind: models.DetectorSTL,
		Accuracy: 0.82, ReadingsCount: 480,
	}

	_ = logger.LogModelTrained(ctx, state, 2*time.Second)
	_ = logger.LogModelSwapped(ctx, state, models.DetectorZScore)
	_ = logger.LogTrainingFailed(ctx, state.Key(), errors.New("insufficient data"))
	_ = logger.Sync()

	events := readEvents(t, path)
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].Field != "vibration" || events[0].Action != "stl" || events[0].DurationMs != 2000 {
		t.Errorf("unexpected trained event %+v", events[0])
	}
	if events[1].Metadata["previous"] != "zscore" {
		t.Errorf("unexpected swapped event %+v", events[1])
	}
	if events[2].EventType != EventTrainingFailed || events[2].ErrorCode != "training_error" {
		t.Errorf("unexpected failure event %+v", events[2])
	}
}

func TestReadingRejectedCarriesField(t *testing.T) {
	logger, path := newTestLogger(t, 100, time.Hour)
	err := &models.ValidationError{Field: "dBA", Reason: "value 250 outside [30, 200]"}
	_ = logger.LogReadingRejected(context.Background(), "sensor-1", err)
	_ = logger.Sync()

	events := readEvents(t, path)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Field != "dBA" || events[0].Result != ResultDenied || events[0].ErrorCode != "validation_error" {
		t.Errorf("unexpected event %+v", events[0])
	}
}

func TestBufferAutoFlush(t *testing.T) {
	logger, path := newTestLogger(t, 100, 50*time.Millisecond)
	_ = logger.LogSystem(context.Background(), EventServerStarted, "started")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if content, err := os.ReadFile(path); err == nil && strings.Contains(string(content), "system.server_started") {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("event was not flushed by the background ticker")
}

func TestBufferFullFlush(t *testing.T) {
	logger, path := newTestLogger(t, 5, time.Hour)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_ = logger.LogSystem(ctx, EventConfigReloaded, "reload")
	}
	// The fifth event fills the buffer and forces a write without Sync.
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	if got := strings.Count(string(content), "system.config_reloaded"); got < 5 {
		t.Errorf("expected 5 flushed events, found %d", got)
	}
}

func TestCorrelationID(t *testing.T) {
	ctx := context.Background()
	if id := GetCorrelationID(ctx); id != "" {
		t.Errorf("expected empty correlation ID, got %s", id)
	}

	id := GenerateCorrelationID()
	ctx = WithCorrelationID(ctx, id)
	if got := GetCorrelationID(ctx); got != id {
		t.Errorf("expected %s, got %s", id, got)
	}

	logger, path := newTestLogger(t, 100, time.Hour)
	_ = logger.LogOracleUnavailable(ctx, "sensor-2", errors.New("timeout"))
	_ = logger.Sync()
	events := readEvents(t, path)
	if len(events) != 1 || events[0].CorrelationID != id {
		t.Errorf("context correlation ID not applied: %+v", events)
	}
}

func TestEventBuilderChain(t *testing.T) {
	event := NewEvent(EventDispatchFailed).
		WithCorrelationID("corr-1").
		WithDevice("sensor-3", "pm10").
		WithAction("notify").
		WithDuration(3 * time.Second).
		WithMetadata("attempts", 5).
		WithError(errors.New("boom"), "dispatch_error")

	if event.Result != ResultFailure {
		t.Errorf("WithError should mark the event failed, got %s", event.Result)
	}
	if event.DeviceID != "sensor-3" || event.Field != "pm10" {
		t.Errorf("unexpected device fields %+v", event)
	}
	if event.DurationMs != 3000 {
		t.Errorf("expected 3000ms, got %d", event.DurationMs)
	}
	if event.Metadata["attempts"] != 5 {
		t.Errorf("unexpected metadata %v", event.Metadata)
	}

	// A nil error leaves the result untouched.
	ok := NewEvent(EventModelTrained).WithResult(ResultSuccess).WithError(nil, "x")
	if ok.Result != ResultSuccess || ok.ErrorCode != "" {
		t.Errorf("nil error changed the event: %+v", ok)
	}
}

func TestNopLogger(t *testing.T) {
	logger := NewNopLogger()
	if err := logger.LogDecisionMade(context.Background(), testDecision()); err != nil {
		t.Fatalf("nop logger returned error: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// Close is idempotent.
	if err := logger.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
