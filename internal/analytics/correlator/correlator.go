// Package correlator folds the per-field detection results of one reading
// into at most one device-level anomaly.
package correlator

import (
	"sort"
	"time"

	"github.com/smartsensor/smartsensor-ai/internal/models"
)

var kindOrder = map[models.DetectorKind]int{
	models.DetectorThreshold: 0,
	models.DetectorZScore:    1,
	models.DetectorSTL:       2,
	models.DetectorLSTM:      3,
}

// Correlate returns nil when every result is normal. Otherwise severity is
// high when an alert is present and two or more fields are non-normal, medium
// for an alert on a single field, and low when only noise or drift appear.
// The function is pure: identical input yields an identical anomaly.
func Correlate(deviceID string, ts time.Time, results []models.DetectionResult) *models.CorrelatedAnomaly {
	var contributing []models.DetectionResult
	fields := make(map[models.Field]bool)
	alert := false
	confidence := 0.0

	for _, r := range results {
		if r.IsNormal() {
			continue
		}
		contributing = append(contributing, r)
		fields[r.Field] = true
		if r.Category == models.CategoryAlert {
			alert = true
		}
		if r.Confidence > confidence {
			confidence = r.Confidence
		}
	}
	if len(contributing) == 0 {
		return nil
	}

	sort.SliceStable(contributing, func(i, j int) bool {
		a, b := contributing[i], contributing[j]
		if fa, fb := models.FieldIndex(a.Field), models.FieldIndex(b.Field); fa != fb {
			return fa < fb
		}
		return kindOrder[a.DetectorKind] < kindOrder[b.DetectorKind]
	})

	severity := models.SeverityLow
	if alert {
		severity = models.SeverityMedium
		if len(fields) >= 2 {
			severity = models.SeverityHigh
		}
	}

	return &models.CorrelatedAnomaly{
		DeviceID:   deviceID,
		Timestamp:  ts,
		Severity:   severity,
		Confidence: confidence,
		Results:    contributing,
	}
}
