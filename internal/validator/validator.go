// Package validator normalizes inbound readings and rejects anything outside
// the configured physical bounds. Rejected readings are dropped, never clamped.
package validator

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/smartsensor/smartsensor-ai/internal/models"
)

// Bound is the inclusive physical range for a field.
type Bound struct {
	Min float64
	Max float64
}

// Bounds maps each field to its physical range.
type Bounds map[models.Field]Bound

// DefaultBounds returns the sensor hardware ranges.
func DefaultBounds() Bounds {
	return Bounds{
		models.FieldPM25:      {Min: 0, Max: 500},
		models.FieldPM10:      {Min: 0, Max: 500},
		models.FieldDBA:       {Min: 30, Max: 200},
		models.FieldVibration: {Min: 0, Max: 100},
	}
}

// Validator checks raw readings against Bounds.
type Validator struct {
	bounds Bounds
}

// New creates a Validator. Fields missing from bounds fall back to defaults.
func New(bounds Bounds) *Validator {
	merged := DefaultBounds()
	for f, b := range bounds {
		merged[f] = b
	}
	return &Validator{bounds: merged}
}

// Decode parses a wire message and validates it.
func (v *Validator) Decode(payload []byte) (models.Reading, error) {
	var raw models.RawReading
	if err := json.Unmarshal(payload, &raw); err != nil {
		return models.Reading{}, &models.ValidationError{Field: "payload", Reason: fmt.Sprintf("malformed json: %v", err)}
	}
	return v.Validate(raw)
}

// Validate returns the normalized Reading or a *models.ValidationError.
func (v *Validator) Validate(raw models.RawReading) (models.Reading, error) {
	deviceID := strings.TrimSpace(raw.DeviceID)
	if deviceID == "" {
		return models.Reading{}, &models.ValidationError{Field: "device_id", Reason: "must not be empty"}
	}

	ts, err := parseTimestamp(raw.Timestamp)
	if err != nil {
		return models.Reading{}, &models.ValidationError{Field: "timestamp", Reason: err.Error()}
	}

	values := make(map[models.Field]float64, len(models.Fields))
	for _, f := range models.Fields {
		p := raw.Value(f)
		if p == nil {
			return models.Reading{}, &models.ValidationError{Field: string(f), Reason: "missing"}
		}
		val := *p
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return models.Reading{}, &models.ValidationError{Field: string(f), Reason: "not a finite number"}
		}
		b := v.bounds[f]
		if val < b.Min || val > b.Max {
			return models.Reading{}, &models.ValidationError{
				Field:  string(f),
				Reason: fmt.Sprintf("value %g outside [%g, %g]", val, b.Min, b.Max),
			}
		}
		values[f] = round3(val)
	}

	return models.Reading{DeviceID: deviceID, Timestamp: ts, Values: values}, nil
}

func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("missing")
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%q is not an RFC3339 instant", s)
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
