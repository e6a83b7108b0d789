package db

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/smartsensor/smartsensor-ai/internal/models"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

var base = time.Date(2025, 2, 1, 8, 0, 0, 0, time.UTC)

func reading(device string, i int, pm25 float64) models.Reading {
	return models.Reading{
		DeviceID:  device,
		Timestamp: base.Add(time.Duration(i) * time.Minute),
		Values: map[models.Field]float64{
			models.FieldPM25: pm25, models.FieldPM10: pm25 * 2, models.FieldDBA: 50, models.FieldVibration: 0.1,
		},
	}
}

// ─── Readings ─────────────────────────────────────────────────────────────────

func TestReadingsHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if err := s.AppendReading(ctx, reading("dev-a", i, float64(i))); err != nil {
			t.Fatalf("AppendReading: %v", err)
		}
	}
	if err := s.AppendReading(ctx, reading("dev-b", 0, 99)); err != nil {
		t.Fatalf("AppendReading: %v", err)
	}

	hist, err := s.FieldHistory(ctx, models.ModelKey{DeviceID: "dev-a", Field: models.FieldPM10}, 4)
	if err != nil {
		t.Fatalf("FieldHistory: %v", err)
	}
	if len(hist) != 4 {
		t.Fatalf("expected 4 samples, got %d", len(hist))
	}
	// most recent four, oldest first
	if hist[0].Value != 12 || hist[3].Value != 18 {
		t.Errorf("unexpected history values: %+v", hist)
	}
	if !hist[3].Timestamp.Equal(base.Add(9 * time.Minute)) {
		t.Errorf("unexpected last timestamp %v", hist[3].Timestamp)
	}

	recent, err := s.RecentReadings(ctx, "", 3)
	if err != nil {
		t.Fatalf("RecentReadings: %v", err)
	}
	if len(recent) != 3 || recent[0].Value(models.FieldPM25) != 9 {
		t.Errorf("unexpected recent readings: %+v", recent)
	}

	n, err := s.CountSince(ctx, "dev-a", base.Add(5*time.Minute))
	if err != nil {
		t.Fatalf("CountSince: %v", err)
	}
	if n != 4 {
		t.Errorf("expected 4 readings after minute 5, got %d", n)
	}
	n, _ = s.CountSince(ctx, "dev-a", time.Time{})
	if n != 10 {
		t.Errorf("expected 10 readings in total, got %d", n)
	}

	devices, err := s.Devices(ctx)
	if err != nil {
		t.Fatalf("Devices: %v", err)
	}
	if len(devices) != 2 || devices[0] != "dev-a" {
		t.Errorf("unexpected devices %v", devices)
	}
}

// ─── Model states ─────────────────────────────────────────────────────────────

func TestModelStateUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	key := models.ModelKey{DeviceID: "dev-a", Field: models.FieldDBA}

	got, err := s.GetModelState(ctx, key)
	if err != nil || got != nil {
		t.Fatalf("expected absent state, got %v, %v", got, err)
	}

	st := &models.ModelState{
		DeviceID: "dev-a", Field: models.FieldDBA, DetectorKind: models.DetectorZScore,
		TrainedAt: base, DataUntil: base.Add(-time.Hour), Accuracy: 0.7, ReadingsCount: 60,
		Parameters: json.RawMessage(`{"mean":1}`),
	}
	if err := s.SaveModelState(ctx, st); err != nil {
		t.Fatalf("SaveModelState: %v", err)
	}

	st.DetectorKind = models.DetectorSTL
	st.ReadingsCount = 300
	st.Parameters = json.RawMessage(`{"fit_quality":0.9}`)
	if err := s.SaveModelState(ctx, st); err != nil {
		t.Fatalf("SaveModelState replace: %v", err)
	}

	got, err = s.GetModelState(ctx, key)
	if err != nil {
		t.Fatalf("GetModelState: %v", err)
	}
	if got.DetectorKind != models.DetectorSTL || got.ReadingsCount != 300 {
		t.Errorf("state not replaced: %+v", got)
	}
	if !got.TrainedAt.Equal(base) {
		t.Errorf("trained_at %v, want %v", got.TrainedAt, base)
	}
	if !got.DataUntil.Equal(base.Add(-time.Hour)) {
		t.Errorf("data_until %v, want %v", got.DataUntil, base.Add(-time.Hour))
	}
	if string(got.Parameters) != `{"fit_quality":0.9}` {
		t.Errorf("parameters %s", got.Parameters)
	}

	all, err := s.ListModelStates(ctx)
	if err != nil {
		t.Fatalf("ListModelStates: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("expected exactly one state per key, got %d", len(all))
	}
}

// ─── Anomalies & decisions ────────────────────────────────────────────────────

func TestAnomaliesAndDecisions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	anomaly := &models.CorrelatedAnomaly{
		DeviceID: "dev-a", Timestamp: base, Severity: models.SeverityMedium, Confidence: 1,
		Results:      []models.DetectionResult{{DeviceID: "dev-a", Field: models.FieldPM25, DetectorKind: models.DetectorThreshold, Category: models.CategoryAlert, Value: 120, Confidence: 1}},
		Correlations: []models.CrossSensor{{
			Fields: [2]models.Field{models.FieldPM25, models.FieldPM10}, Score: 0.85,
			Description: "High correlation between PM2.5 and PM10 readings",
		}},
	}
	if err := s.AppendAnomaly(ctx, anomaly); err != nil {
		t.Fatalf("AppendAnomaly: %v", err)
	}
	low := *anomaly
	low.Correlations = nil
	low.Severity = models.SeverityLow
	low.Timestamp = base.Add(time.Minute)
	if err := s.AppendAnomaly(ctx, &low); err != nil {
		t.Fatalf("AppendAnomaly: %v", err)
	}

	got, err := s.QueryAnomalies(ctx, AnomalyQuery{Severity: models.SeverityMedium})
	if err != nil {
		t.Fatalf("QueryAnomalies: %v", err)
	}
	if len(got) != 1 || got[0].Results[0].Value != 120 {
		t.Fatalf("unexpected anomalies %+v", got)
	}
	if len(got[0].Correlations) != 1 || got[0].Correlations[0].Score != 0.85 {
		t.Errorf("correlations not round-tripped: %+v", got[0].Correlations)
	}
	lows, err := s.QueryAnomalies(ctx, AnomalyQuery{Severity: models.SeverityLow})
	if err != nil {
		t.Fatalf("QueryAnomalies: %v", err)
	}
	if len(lows) != 1 || lows[0].Correlations != nil {
		t.Errorf("expected no correlations on the low anomaly, got %+v", lows)
	}

	summary, err := s.AnomalySummary(ctx)
	if err != nil {
		t.Fatalf("AnomalySummary: %v", err)
	}
	if summary[models.SeverityLow] != 1 || summary[models.SeverityMedium] != 1 {
		t.Errorf("unexpected summary %v", summary)
	}

	d := &models.Decision{
		ID: "dec-1", DeviceID: "dev-a", Timestamp: base, Anomaly: anomaly,
		Actions: []models.Action{models.ActionNotify}, Rationale: "pm2_5 alert",
		DecidedBy: models.DecidedByRule, DecidedAt: base.Add(time.Second),
	}
	if err := s.SaveDecision(ctx, d); err != nil {
		t.Fatalf("SaveDecision: %v", err)
	}
	// saving the same ID again must not create a second row
	if err := s.SaveDecision(ctx, d); err != nil {
		t.Fatalf("SaveDecision duplicate: %v", err)
	}

	decisions, err := s.QueryDecisions(ctx, DecisionQuery{DeviceID: "dev-a"})
	if err != nil {
		t.Fatalf("QueryDecisions: %v", err)
	}
	if len(decisions) != 1 {
		t.Fatalf("expected 1 decision, got %d", len(decisions))
	}
	if !decisions[0].HasAction(models.ActionNotify) || decisions[0].Anomaly.Severity != models.SeverityMedium {
		t.Errorf("unexpected decision %+v", decisions[0])
	}
}

func TestOpenRejectsUnknownType(t *testing.T) {
	if _, err := Open("mongo", ""); err == nil {
		t.Fatal("expected error for unsupported database type")
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := newTestStore(t).(*sqlStore)
	if err := s.migrate(); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}
