package models

// Package models defines the core data types that flow through smartsensor-ai.
//
// A Reading enters through ingestion, is scored per field into DetectionResults,
// aggregated into a CorrelatedAnomaly and finally turned into a Decision.
// ModelState is the persisted per-(device, field) detector state written by
// the training scheduler.

import (
	"encoding/json"
	"time"
)

// Field identifies one measured quantity on a sensor device.
type Field string

const (
	FieldPM25      Field = "pm2_5"
	FieldPM10      Field = "pm10"
	FieldDBA       Field = "dBA"
	FieldVibration Field = "vibration"
)

// Fields lists every field in canonical order. Iteration order over readings
// and results follows this slice.
var Fields = []Field{FieldPM25, FieldPM10, FieldDBA, FieldVibration}

// FieldIndex returns the canonical position of f, or -1 if unknown.
func FieldIndex(f Field) int {
	for i, candidate := range Fields {
		if candidate == f {
			return i
		}
	}
	return -1
}

// ParseField resolves a field name.
func ParseField(s string) (Field, bool) {
	f := Field(s)
	return f, FieldIndex(f) >= 0
}

// RawReading is the inbound wire record. Pointer fields distinguish a missing
// value from zero.
type RawReading struct {
	Timestamp string   `json:"timestamp"`
	DeviceID  string   `json:"device_id"`
	PM25      *float64 `json:"pm2_5"`
	PM10      *float64 `json:"pm10"`
	DBA       *float64 `json:"dBA"`
	Vibration *float64 `json:"vibration"`
}

// Value returns the raw value for f.
func (r RawReading) Value(f Field) *float64 {
	switch f {
	case FieldPM25:
		return r.PM25
	case FieldPM10:
		return r.PM10
	case FieldDBA:
		return r.DBA
	case FieldVibration:
		return r.Vibration
	}
	return nil
}

// Reading is a validated, normalized sensor reading. It is never mutated
// after validation.
type Reading struct {
	DeviceID  string            `json:"device_id"`
	Timestamp time.Time         `json:"timestamp"`
	Values    map[Field]float64 `json:"values"`
}

// Value returns the value for f.
func (r Reading) Value(f Field) float64 {
	return r.Values[f]
}

// DetectorKind tags which algorithm produced a result or owns a ModelState.
type DetectorKind string

const (
	DetectorThreshold DetectorKind = "threshold"
	DetectorZScore    DetectorKind = "zscore"
	DetectorSTL       DetectorKind = "stl"
	DetectorLSTM      DetectorKind = "lstm"
)

// Category is the per-field classification of a value.
type Category string

const (
	CategoryNormal Category = "normal"
	CategoryNoise  Category = "noise"
	CategoryDrift  Category = "drift"
	CategoryAlert  Category = "alert"
)

// DetectionResult is one detector's verdict for one field of one reading.
type DetectionResult struct {
	DeviceID     string       `json:"device_id"`
	Field        Field        `json:"field"`
	DetectorKind DetectorKind `json:"detector_kind"`
	Category     Category     `json:"category"`
	Value        float64      `json:"value"`
	Threshold    float64      `json:"threshold"`
	Confidence   float64      `json:"confidence"`
	Score        float64      `json:"score"`
}

// IsNormal reports whether the result carries no anomaly signal.
func (r DetectionResult) IsNormal() bool {
	return r.Category == CategoryNormal
}

// Severity of a correlated anomaly.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// CorrelatedAnomaly aggregates the non-normal results of one reading.
type CorrelatedAnomaly struct {
	DeviceID   string            `json:"device_id"`
	Timestamp  time.Time         `json:"timestamp"`
	Severity   Severity          `json:"severity"`
	Confidence float64           `json:"confidence"`
	Results    []DetectionResult `json:"results"`

	// Correlations lists the cross-sensor pairs elevated on the reading.
	Correlations []CrossSensor `json:"correlations,omitempty"`
}

// CrossSensor records two fields that were elevated together on one reading.
type CrossSensor struct {
	Fields      [2]Field `json:"sensors"`
	Score       float64  `json:"correlation_score"`
	Description string   `json:"description"`
}

// Fields returns the distinct fields that contributed, in canonical order.
func (a *CorrelatedAnomaly) Fields() []Field {
	seen := make(map[Field]bool, len(a.Results))
	var out []Field
	for _, r := range a.Results {
		if !seen[r.Field] {
			seen[r.Field] = true
			out = append(out, r.Field)
		}
	}
	return out
}

// Action is a response the dispatcher knows how to carry out.
type Action string

const (
	ActionLog              Action = "log"
	ActionNotify           Action = "notify"
	ActionCorrectiveAction Action = "trigger-corrective-action"
)

// KnownAction reports whether a is one of the supported actions.
func KnownAction(a Action) bool {
	switch a {
	case ActionLog, ActionNotify, ActionCorrectiveAction:
		return true
	}
	return false
}

// DecidedBy records who produced a Decision.
type DecidedBy string

const (
	DecidedByRule   DecidedBy = "rule"
	DecidedByOracle DecidedBy = "oracle"
)

// Decision is the terminal output of the decision engine. It is persisted
// once and never mutated.
type Decision struct {
	ID        string             `json:"id"`
	DeviceID  string             `json:"device_id"`
	Timestamp time.Time          `json:"timestamp"`
	Anomaly   *CorrelatedAnomaly `json:"anomaly"`
	Actions   []Action           `json:"chosen_action"`
	Rationale string             `json:"rationale"`
	DecidedBy DecidedBy          `json:"decided_by"`
	DecidedAt time.Time          `json:"decided_at"`
}

// HasAction reports whether the decision includes a.
func (d *Decision) HasAction(a Action) bool {
	for _, candidate := range d.Actions {
		if candidate == a {
			return true
		}
	}
	return false
}

// ModelState is the trained detector state for one (device, field) key.
// Parameters holds the serialized form; Params is the decoded value owned by
// the detector and is never serialized. DataUntil is the timestamp of the
// newest reading the fit used; new data is counted from it.
type ModelState struct {
	DeviceID      string          `json:"device_id"`
	Field         Field           `json:"field"`
	DetectorKind  DetectorKind    `json:"detector_kind"`
	TrainedAt     time.Time       `json:"trained_at"`
	DataUntil     time.Time       `json:"data_until"`
	Accuracy      float64         `json:"accuracy_estimate"`
	ReadingsCount int             `json:"readings_count"`
	Parameters    json.RawMessage `json:"parameters,omitempty"`
	Params        any             `json:"-"`
}

// ModelKey identifies a ModelState.
type ModelKey struct {
	DeviceID string
	Field    Field
}

// Key returns the store key for s.
func (s *ModelState) Key() ModelKey {
	return ModelKey{DeviceID: s.DeviceID, Field: s.Field}
}

// String renders the key the way it is persisted and logged.
func (k ModelKey) String() string {
	return k.DeviceID + "_" + string(k.Field)
}

// Sample is a single timestamped value of one field.
type Sample struct {
	Timestamp time.Time
	Value     float64
}
