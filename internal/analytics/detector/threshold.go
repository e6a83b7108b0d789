package detector

import "github.com/smartsensor/smartsensor-ai/internal/models"

// Threshold is the stateless rule layer. It runs for every field regardless
// of which trainable detector governs the key.
type Threshold struct {
	bands ThresholdConfig
}

// NewThreshold creates a rule detector. Fields without a band never alert.
func NewThreshold(bands ThresholdConfig) *Threshold {
	cp := make(ThresholdConfig, len(bands))
	for f, b := range bands {
		cp[f] = b
	}
	return &Threshold{bands: cp}
}

// Evaluate classifies value against the field's alert band.
func (t *Threshold) Evaluate(deviceID string, field models.Field, value float64) models.DetectionResult {
	r := models.DetectionResult{
		DeviceID:     deviceID,
		Field:        field,
		DetectorKind: models.DetectorThreshold,
		Category:     models.CategoryNormal,
		Value:        value,
		Confidence:   1.0,
	}
	band, ok := t.bands[field]
	if !ok {
		return r
	}
	r.Threshold = band.Low
	if value >= band.Low {
		r.Category = models.CategoryAlert
		if value > band.High {
			r.Threshold = band.High
		}
		if band.Low != 0 {
			r.Score = value / band.Low
		}
	}
	return r
}
