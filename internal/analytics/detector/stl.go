package detector

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/smartsensor/smartsensor-ai/internal/models"
)

const (
	stlAlertConfidence  = 0.9
	stlDriftConfidence  = 0.6
	stlNormalConfidence = 0.8

	// Live samples needed before the detector re-estimates the level and
	// checks for drift.
	stlMinLiveWindow = 10
)

// STLParams is the fitted decomposition.
type STLParams struct {
	Profile      []float64     `json:"seasonal_profile"`
	TrendLevel   float64       `json:"trend_level"`
	TrendSlope   float64       `json:"trend_slope"`
	ResidualMean float64       `json:"residual_mean"`
	ResidualStd  float64       `json:"residual_std"`
	Interval     time.Duration `json:"interval_ns"`
	Anchor       time.Time     `json:"anchor"`
	LastTime     time.Time     `json:"last_time"`
	FitQuality   float64       `json:"fit_quality"`
}

func (p *STLParams) phase(t time.Time) int {
	period := len(p.Profile)
	steps := int64(math.Round(float64(t.Sub(p.Anchor)) / float64(p.Interval)))
	return int(((steps % int64(period)) + int64(period)) % int64(period))
}

func (p *STLParams) steps(t time.Time) float64 {
	return float64(t.Sub(p.LastTime)) / float64(p.Interval)
}

// STL scores residuals against a seasonal-trend decomposition.
type STL struct {
	cfg STLConfig
}

// NewSTL validates window parameters. Invalid windows are rejected, never
// rounded.
func NewSTL(cfg STLConfig) (*STL, error) {
	cerr := func(param, reason string) error {
		return &models.ConfigurationError{Kind: models.DetectorSTL, Parameter: param, Reason: reason}
	}
	switch {
	case cfg.Period < 2:
		return nil, cerr("period", fmt.Sprintf("must be at least 2, got %d", cfg.Period))
	case cfg.TrendWindow%2 == 0:
		return nil, cerr("trend_window", fmt.Sprintf("must be odd, got %d", cfg.TrendWindow))
	case cfg.TrendWindow <= cfg.Period:
		return nil, cerr("trend_window", fmt.Sprintf("must exceed period %d, got %d", cfg.Period, cfg.TrendWindow))
	case cfg.LowPassWindow%2 == 0:
		return nil, cerr("low_pass_window", fmt.Sprintf("must be odd, got %d", cfg.LowPassWindow))
	case cfg.LowPassWindow <= cfg.Period:
		return nil, cerr("low_pass_window", fmt.Sprintf("must exceed period %d, got %d", cfg.Period, cfg.LowPassWindow))
	case cfg.SeasonalWindow < 3 || cfg.SeasonalWindow%2 == 0:
		return nil, cerr("seasonal_window", fmt.Sprintf("must be odd and at least 3, got %d", cfg.SeasonalWindow))
	case cfg.ResidualThreshold <= 0:
		return nil, cerr("residual_threshold", "must be positive")
	case cfg.TrendThreshold <= 0:
		return nil, cerr("trend_threshold", "must be positive")
	case cfg.MinReadings < 2*cfg.Period:
		return nil, cerr("min_readings", fmt.Sprintf("must cover two periods (%d)", 2*cfg.Period))
	}
	return &STL{cfg: cfg}, nil
}

func (s *STL) Kind() models.DetectorKind { return models.DetectorSTL }

func (s *STL) MinReadings() int { return s.cfg.MinReadings }

// Decompose exposes the decomposition used for fitting and selection.
func (s *STL) Decompose(xs []float64) Decomposition {
	return decompose(xs, s.cfg)
}

// Fit decomposes history and keeps the seasonal profile, trend tail and
// residual distribution.
func (s *STL) Fit(ctx context.Context, key models.ModelKey, history []models.Sample) (*models.ModelState, error) {
	if len(history) < s.cfg.MinReadings {
		return nil, &models.InsufficientDataError{Kind: models.DetectorSTL, Have: len(history), Required: s.cfg.MinReadings}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	xs := values(history)
	d := decompose(xs, s.cfg)

	profile := make([]float64, s.cfg.Period)
	counts := make([]int, s.cfg.Period)
	for i, v := range d.Seasonal {
		profile[i%s.cfg.Period] += v
		counts[i%s.cfg.Period]++
	}
	for p := range profile {
		if counts[p] > 0 {
			profile[p] /= float64(counts[p])
		}
	}

	tail := d.Trend
	if len(tail) > s.cfg.TrendWindow {
		tail = tail[len(tail)-s.cfg.TrendWindow:]
	}
	_, trendSlope := slope(tail)
	resMean, resStd := popMeanStd(d.Residual)

	times := make([]time.Time, len(history))
	for i, h := range history {
		times[i] = h.Timestamp
	}

	params := &STLParams{
		Profile:      profile,
		TrendLevel:   d.Trend[len(d.Trend)-1],
		TrendSlope:   trendSlope,
		ResidualMean: resMean,
		ResidualStd:  resStd,
		Interval:     medianInterval(times),
		Anchor:       history[0].Timestamp,
		LastTime:     history[len(history)-1].Timestamp,
		FitQuality:   d.FitQuality(),
	}
	return newState(key, models.DetectorSTL, len(history), params.FitQuality, params)
}

func (s *STL) Restore(raw json.RawMessage) (any, error) {
	var p STLParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	if len(p.Profile) == 0 || p.Interval <= 0 {
		return nil, fmt.Errorf("incomplete stl parameters")
	}
	return &p, nil
}

// Score compares the value with trend plus seasonal expectation. When enough
// live samples exist the level is re-estimated from the deseasonalized window
// instead of extrapolating the training trend.
func (s *STL) Score(in Input) (models.DetectionResult, error) {
	var p *STLParams
	if in.State != nil {
		p, _ = in.State.Params.(*STLParams)
	}
	if p == nil {
		return result(in, models.DetectorSTL, models.CategoryNormal, s.cfg.ResidualThreshold, 0, 0),
			fmt.Errorf("stl detector has no trained state for %s/%s", in.DeviceID, in.Field)
	}
	if p.ResidualStd == 0 {
		return result(in, models.DetectorSTL, models.CategoryNormal, s.cfg.ResidualThreshold, 0, 0), nil
	}

	t := in.Sample.Timestamp
	level := p.TrendLevel + p.TrendSlope*p.steps(t)

	var liveSlope, liveMean, liveSpan float64
	live := len(in.Window) >= stlMinLiveWindow
	if live {
		xs := make([]float64, len(in.Window))
		ys := make([]float64, len(in.Window))
		for i, w := range in.Window {
			xs[i] = p.steps(w.Timestamp)
			ys[i] = w.Value - p.Profile[p.phase(w.Timestamp)]
		}
		alpha, beta := stat.LinearRegression(xs, ys, nil, false)
		level = alpha + beta*p.steps(t)
		liveSlope = beta
		liveMean = stat.Mean(ys, nil)
		liveSpan = xs[len(xs)-1] - xs[0]
	}

	expected := level + p.Profile[p.phase(t)]
	score := math.Abs(in.Sample.Value-expected-p.ResidualMean) / p.ResidualStd
	if score > s.cfg.ResidualThreshold {
		return result(in, models.DetectorSTL, models.CategoryAlert, s.cfg.ResidualThreshold, stlAlertConfidence, score), nil
	}

	if live && liveSpan > 0 {
		denom := math.Max(math.Abs(liveMean), p.ResidualStd)
		change := math.Abs(liveSlope) * liveSpan / denom
		if change > s.cfg.TrendThreshold {
			return result(in, models.DetectorSTL, models.CategoryDrift, s.cfg.TrendThreshold, stlDriftConfidence, change), nil
		}
	}
	return result(in, models.DetectorSTL, models.CategoryNormal, s.cfg.ResidualThreshold, stlNormalConfidence, score), nil
}
