// Package detector implements the per-field anomaly detectors: the stateless
// threshold rule and the three trainable kinds (z-score, STL, LSTM), plus the
// selector that decides which trainable kind governs a (device, field) key.
package detector

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/smartsensor/smartsensor-ai/internal/models"
)

// Input is everything a trainable detector needs to score one value.
type Input struct {
	DeviceID string
	Field    models.Field
	Sample   models.Sample
	// Window holds the key's prior samples, oldest first, excluding Sample.
	Window []models.Sample
	// State is the current ModelState snapshot; nil when the key is untrained.
	State *models.ModelState
}

// Detector is implemented by the trainable kinds. Implementations are
// immutable after construction and safe for concurrent use.
type Detector interface {
	Kind() models.DetectorKind
	MinReadings() int
	// Fit trains on history (oldest first) and returns a complete ModelState.
	Fit(ctx context.Context, key models.ModelKey, history []models.Sample) (*models.ModelState, error)
	// Restore decodes persisted parameters into the detector's parameter type.
	Restore(raw json.RawMessage) (any, error)
	// Score classifies in.Sample. A non-nil error is informational: the
	// returned result is always usable.
	Score(in Input) (models.DetectionResult, error)
}

// Set is the closed set of trainable detectors.
type Set struct {
	zscore *ZScore
	stl    *STL
	lstm   *LSTM
}

// NewSet constructs every trainable detector. It fails with a
// *models.ConfigurationError if any parameters are invalid.
func NewSet(cfg Config) (*Set, error) {
	z, err := NewZScore(cfg.ZScore)
	if err != nil {
		return nil, err
	}
	s, err := NewSTL(cfg.STL)
	if err != nil {
		return nil, err
	}
	l, err := NewLSTM(cfg.LSTM)
	if err != nil {
		return nil, err
	}
	return &Set{zscore: z, stl: s, lstm: l}, nil
}

// For returns the detector for kind.
func (s *Set) For(kind models.DetectorKind) (Detector, error) {
	switch kind {
	case models.DetectorZScore:
		return s.zscore, nil
	case models.DetectorSTL:
		return s.stl, nil
	case models.DetectorLSTM:
		return s.lstm, nil
	case models.DetectorThreshold:
		return nil, fmt.Errorf("threshold detector is not trainable")
	}
	return nil, fmt.Errorf("unknown detector kind %q", kind)
}

// ZScore returns the floor detector.
func (s *Set) ZScore() *ZScore { return s.zscore }

// STL returns the seasonal detector.
func (s *Set) STL() *STL { return s.stl }

// LSTM returns the sequence detector.
func (s *Set) LSTM() *LSTM { return s.lstm }

// WindowCapacity is the rolling window length that satisfies every detector.
func (s *Set) WindowCapacity() int {
	return max(s.zscore.WindowSize(), s.lstm.SequenceLength()+lstmNoiseRun-1)
}

// Restore fills state.Params from state.Parameters.
func (s *Set) Restore(state *models.ModelState) error {
	d, err := s.For(state.DetectorKind)
	if err != nil {
		return err
	}
	params, err := d.Restore(state.Parameters)
	if err != nil {
		return fmt.Errorf("restore %s parameters for %s: %w", state.DetectorKind, state.Key(), err)
	}
	state.Params = params
	return nil
}

// Seeder is implemented by parameter types that can warm a rolling window.
type Seeder interface {
	SeedSamples() []models.Sample
}

func newState(key models.ModelKey, kind models.DetectorKind, n int, accuracy float64, params any) (*models.ModelState, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode %s parameters: %w", kind, err)
	}
	return &models.ModelState{
		DeviceID:      key.DeviceID,
		Field:         key.Field,
		DetectorKind:  kind,
		Accuracy:      clamp01(accuracy),
		ReadingsCount: n,
		Parameters:    raw,
		Params:        params,
	}, nil
}

func result(in Input, kind models.DetectorKind, cat models.Category, threshold, confidence, score float64) models.DetectionResult {
	return models.DetectionResult{
		DeviceID:     in.DeviceID,
		Field:        in.Field,
		DetectorKind: kind,
		Category:     cat,
		Value:        in.Sample.Value,
		Threshold:    threshold,
		Confidence:   confidence,
		Score:        score,
	}
}

func values(samples []models.Sample) []float64 {
	out := make([]float64, len(samples))
	for i, s := range samples {
		out[i] = s.Value
	}
	return out
}
