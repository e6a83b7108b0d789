package db

import (
	"context"
	"encoding/json"
	"time"

	"github.com/smartsensor/smartsensor-ai/internal/models"
)

// Store is the persistence interface for readings, trained models, anomalies
// and decisions.
type Store interface {
	ReadingStore
	ModelStateStore
	AnomalyStore
	DecisionStore

	// Close releases database resources.
	Close() error

	// Ping verifies the connection is alive.
	Ping(ctx context.Context) error
}

// ─── Readings ─────────────────────────────────────────────────────────────────

// ReadingStore persists validated readings and serves training history.
type ReadingStore interface {
	AppendReading(ctx context.Context, r models.Reading) error

	// RecentReadings returns up to limit readings, newest first. An empty
	// deviceID matches every device.
	RecentReadings(ctx context.Context, deviceID string, limit int) ([]models.Reading, error)

	// FieldHistory returns the most recent limit samples of one field in
	// chronological order.
	FieldHistory(ctx context.Context, key models.ModelKey, limit int) ([]models.Sample, error)

	// CountSince counts a device's readings strictly after since.
	CountSince(ctx context.Context, deviceID string, since time.Time) (int, error)

	// Devices lists every device with at least one stored reading.
	Devices(ctx context.Context) ([]string, error)
}

// ─── Model states ─────────────────────────────────────────────────────────────

// ModelStateStore persists one ModelState per (device, field).
type ModelStateStore interface {
	// SaveModelState inserts or replaces the state for its key.
	SaveModelState(ctx context.Context, s *models.ModelState) error

	// GetModelState returns nil, nil when the key has never been trained.
	GetModelState(ctx context.Context, key models.ModelKey) (*models.ModelState, error)

	ListModelStates(ctx context.Context) ([]*models.ModelState, error)
}

// ─── Anomalies ────────────────────────────────────────────────────────────────

// AnomalyQuery filters QueryAnomalies.
type AnomalyQuery struct {
	DeviceID string
	Severity models.Severity
	From     time.Time
	To       time.Time
	Limit    int
}

// AnomalyStore persists correlated anomalies.
type AnomalyStore interface {
	AppendAnomaly(ctx context.Context, a *models.CorrelatedAnomaly) error
	QueryAnomalies(ctx context.Context, q AnomalyQuery) ([]*models.CorrelatedAnomaly, error)
	// AnomalySummary counts anomalies per severity.
	AnomalySummary(ctx context.Context) (map[models.Severity]int, error)
}

// ─── Decisions ────────────────────────────────────────────────────────────────

// DecisionQuery filters QueryDecisions.
type DecisionQuery struct {
	DeviceID  string
	DecidedBy models.DecidedBy
	Limit     int
}

// DecisionStore persists decisions. Saving an ID twice is a no-op.
type DecisionStore interface {
	SaveDecision(ctx context.Context, d *models.Decision) error
	QueryDecisions(ctx context.Context, q DecisionQuery) ([]*models.Decision, error)
}

// ─── Row types ────────────────────────────────────────────────────────────────

type readingRow struct {
	DeviceID  string  `db:"device_id"`
	TS        int64   `db:"ts"`
	PM25      float64 `db:"pm2_5"`
	PM10      float64 `db:"pm10"`
	DBA       float64 `db:"dba"`
	Vibration float64 `db:"vibration"`
}

func (r readingRow) reading() models.Reading {
	return models.Reading{
		DeviceID:  r.DeviceID,
		Timestamp: fromNanos(r.TS),
		Values: map[models.Field]float64{
			models.FieldPM25:      r.PM25,
			models.FieldPM10:      r.PM10,
			models.FieldDBA:       r.DBA,
			models.FieldVibration: r.Vibration,
		},
	}
}

type modelStateRow struct {
	DeviceID      string  `db:"device_id"`
	Field         string  `db:"field"`
	DetectorKind  string  `db:"detector_kind"`
	TrainedAt     int64   `db:"trained_at"`
	DataUntil     int64   `db:"data_until"`
	Accuracy      float64 `db:"accuracy"`
	ReadingsCount int     `db:"readings_count"`
	Parameters    string  `db:"parameters"`
}

func (r modelStateRow) state() *models.ModelState {
	return &models.ModelState{
		DeviceID:      r.DeviceID,
		Field:         models.Field(r.Field),
		DetectorKind:  models.DetectorKind(r.DetectorKind),
		TrainedAt:     fromNanos(r.TrainedAt),
		DataUntil:     fromNanos(r.DataUntil),
		Accuracy:      r.Accuracy,
		ReadingsCount: r.ReadingsCount,
		Parameters:    json.RawMessage(r.Parameters),
	}
}

type anomalyRow struct {
	ID           string  `db:"id"`
	DeviceID     string  `db:"device_id"`
	TS           int64   `db:"ts"`
	Severity     string  `db:"severity"`
	Confidence   float64 `db:"confidence"`
	Results      string  `db:"results"`
	Correlations string  `db:"correlations"`
}

type decisionRow struct {
	ID        string `db:"id"`
	DeviceID  string `db:"device_id"`
	TS        int64  `db:"ts"`
	Severity  string `db:"severity"`
	Actions   string `db:"actions"`
	Rationale string `db:"rationale"`
	DecidedBy string `db:"decided_by"`
	DecidedAt int64  `db:"decided_at"`
	Anomaly   string `db:"anomaly"`
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
