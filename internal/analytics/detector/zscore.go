package detector

import (
	"context"
	"encoding/json"
	"math"

	"github.com/smartsensor/smartsensor-ai/internal/models"
)

const (
	zscoreAlertConfidence  = 0.9
	zscoreNoiseConfidence  = 0.7
	zscoreDriftConfidence  = 0.6
	zscoreNormalConfidence = 0.8
)

// ZScoreParams is the trained baseline. LastValues seeds the rolling window
// after a restart.
type ZScoreParams struct {
	Mean       float64         `json:"mean"`
	Std        float64         `json:"std"`
	LastValues []models.Sample `json:"last_values"`
}

// SeedSamples implements Seeder.
func (p *ZScoreParams) SeedSamples() []models.Sample { return p.LastValues }

// ZScore scores a value against the population statistics of the key's
// rolling window.
type ZScore struct {
	cfg ZScoreConfig
}

// NewZScore validates cfg and returns the detector.
func NewZScore(cfg ZScoreConfig) (*ZScore, error) {
	switch {
	case cfg.WindowSize < 2:
		return nil, &models.ConfigurationError{Kind: models.DetectorZScore, Parameter: "window_size", Reason: "must be at least 2"}
	case cfg.MinReadings < 2 || cfg.MinReadings > cfg.WindowSize:
		return nil, &models.ConfigurationError{Kind: models.DetectorZScore, Parameter: "min_readings", Reason: "must be in [2, window_size]"}
	case cfg.ZThreshold <= 0:
		return nil, &models.ConfigurationError{Kind: models.DetectorZScore, Parameter: "z_threshold", Reason: "must be positive"}
	case cfg.NoiseFraction <= 0 || cfg.NoiseFraction >= 1:
		return nil, &models.ConfigurationError{Kind: models.DetectorZScore, Parameter: "noise_threshold", Reason: "must be in (0, 1)"}
	case cfg.DriftThreshold <= 0:
		return nil, &models.ConfigurationError{Kind: models.DetectorZScore, Parameter: "drift_threshold", Reason: "must be positive"}
	case cfg.DriftSpan < 2:
		return nil, &models.ConfigurationError{Kind: models.DetectorZScore, Parameter: "drift_span", Reason: "must be at least 2"}
	}
	return &ZScore{cfg: cfg}, nil
}

func (z *ZScore) Kind() models.DetectorKind { return models.DetectorZScore }

func (z *ZScore) MinReadings() int { return z.cfg.MinReadings }

// WindowSize is the rolling window length.
func (z *ZScore) WindowSize() int { return z.cfg.WindowSize }

// Fit records the baseline and the tail of the history.
func (z *ZScore) Fit(ctx context.Context, key models.ModelKey, history []models.Sample) (*models.ModelState, error) {
	if len(history) < z.cfg.MinReadings {
		return nil, &models.InsufficientDataError{Kind: models.DetectorZScore, Have: len(history), Required: z.cfg.MinReadings}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	xs := values(history)
	mean, std := popMeanStd(xs)

	tail := history
	if len(tail) > z.cfg.WindowSize {
		tail = tail[len(tail)-z.cfg.WindowSize:]
	}
	params := &ZScoreParams{Mean: mean, Std: std, LastValues: append([]models.Sample(nil), tail...)}

	// Accuracy is the share of training points the detector would call non-alert.
	accuracy := 1.0
	if std > 0 {
		inside := 0
		for _, x := range xs {
			if math.Abs(x-mean)/std < z.cfg.ZThreshold {
				inside++
			}
		}
		accuracy = float64(inside) / float64(len(xs))
	}
	return newState(key, models.DetectorZScore, len(history), accuracy, params)
}

func (z *ZScore) Restore(raw json.RawMessage) (any, error) {
	var p ZScoreParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Score classifies in.Sample against the rolling window.
func (z *ZScore) Score(in Input) (models.DetectionResult, error) {
	window := values(in.Window)
	if len(window) > z.cfg.WindowSize {
		window = window[len(window)-z.cfg.WindowSize:]
	}
	if len(window) < z.cfg.MinReadings {
		return result(in, models.DetectorZScore, models.CategoryNormal, z.cfg.ZThreshold, 0, 0),
			&models.InsufficientDataError{Kind: models.DetectorZScore, Have: len(window), Required: z.cfg.MinReadings}
	}

	mean, std := popMeanStd(window)
	if std == 0 {
		return result(in, models.DetectorZScore, models.CategoryNormal, z.cfg.ZThreshold, 0, 0), nil
	}

	x := in.Sample.Value
	score := math.Abs(x-mean) / std
	if score >= z.cfg.ZThreshold {
		return result(in, models.DetectorZScore, models.CategoryAlert, z.cfg.ZThreshold, zscoreAlertConfidence, score), nil
	}
	if shift, ok := z.drift(window, x); ok {
		return result(in, models.DetectorZScore, models.CategoryDrift, z.cfg.DriftThreshold, zscoreDriftConfidence, shift), nil
	}
	if score >= z.cfg.NoiseFraction*z.cfg.ZThreshold {
		return result(in, models.DetectorZScore, models.CategoryNoise, z.cfg.NoiseFraction*z.cfg.ZThreshold, zscoreNoiseConfidence, score), nil
	}
	return result(in, models.DetectorZScore, models.CategoryNormal, z.cfg.ZThreshold, zscoreNormalConfidence, score), nil
}

// drift compares the most recent span (ending with x) against the earlier
// part of the window. It reports a shift only when every recent value lies on
// the same side of the baseline mean.
func (z *ZScore) drift(window []float64, x float64) (float64, bool) {
	span := z.cfg.DriftSpan
	cut := len(window) - (span - 1)
	if cut < span {
		return 0, false
	}
	baseline := window[:cut]
	recent := append(append(make([]float64, 0, span), window[cut:]...), x)

	baseMean, _ := popMeanStd(baseline)
	above, below := 0, 0
	for _, v := range recent {
		switch {
		case v > baseMean:
			above++
		case v < baseMean:
			below++
		}
	}
	if above != len(recent) && below != len(recent) {
		return 0, false
	}

	recentMean, _ := popMeanStd(recent)
	denom := math.Abs(baseMean)
	if denom < 1e-9 {
		denom = 1e-9
	}
	shift := math.Abs(recentMean-baseMean) / denom
	return shift, shift > z.cfg.DriftThreshold
}
