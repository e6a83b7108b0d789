package detector

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartsensor/smartsensor-ai/internal/models"
)

var testStart = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func samplesOf(xs []float64, step time.Duration) []models.Sample {
	out := make([]models.Sample, len(xs))
	for i, v := range xs {
		out[i] = models.Sample{Timestamp: testStart.Add(time.Duration(i) * step), Value: v}
	}
	return out
}

func alternating(n int, a, b float64) []float64 {
	xs := make([]float64, n)
	for i := range xs {
		if i%2 == 0 {
			xs[i] = a
		} else {
			xs[i] = b
		}
	}
	return xs
}

func seasonal(n, period int, level, amplitude, noise float64, seed int64) []float64 {
	rng := rand.New(rand.NewSource(seed))
	xs := make([]float64, n)
	for i := range xs {
		xs[i] = level + amplitude*math.Sin(2*math.Pi*float64(i)/float64(period)) + rng.NormFloat64()*noise
	}
	return xs
}

func whiteNoise(n int, level, spread float64, seed int64) []float64 {
	rng := rand.New(rand.NewSource(seed))
	xs := make([]float64, n)
	for i := range xs {
		xs[i] = level + spread*(rng.Float64()-0.5)
	}
	return xs
}

func ramp(n int, start, step, noise float64, seed int64) []float64 {
	rng := rand.New(rand.NewSource(seed))
	xs := make([]float64, n)
	for i := range xs {
		xs[i] = start + step*float64(i) + rng.NormFloat64()*noise
	}
	return xs
}

func key() models.ModelKey { return models.ModelKey{DeviceID: "dev-1", Field: models.FieldPM25} }

func TestZScoreKnownStatistics(t *testing.T) {
	z, err := NewZScore(DefaultZScoreConfig())
	require.NoError(t, err)

	// mean 25, population std 5
	window := samplesOf(alternating(50, 20, 30), time.Second)
	next := testStart.Add(50 * time.Second)

	res, err := z.Score(Input{DeviceID: "dev-1", Field: models.FieldPM25, Window: window, Sample: models.Sample{Timestamp: next, Value: 40}})
	require.NoError(t, err)
	assert.Equal(t, models.CategoryAlert, res.Category)
	assert.InDelta(t, 3.0, res.Score, 1e-12)
	assert.Equal(t, 0.9, res.Confidence)

	res, err = z.Score(Input{DeviceID: "dev-1", Field: models.FieldPM25, Window: window, Sample: models.Sample{Timestamp: next, Value: 30}})
	require.NoError(t, err)
	assert.Equal(t, models.CategoryNormal, res.Category)
	assert.InDelta(t, 1.0, res.Score, 1e-12)
}

func TestZScoreNoise(t *testing.T) {
	z, err := NewZScore(DefaultZScoreConfig())
	require.NoError(t, err)

	window := samplesOf(alternating(50, 20, 30), time.Second)
	res, _ := z.Score(Input{Window: window, Sample: models.Sample{Value: 37}})
	assert.Equal(t, models.CategoryNoise, res.Category)
	assert.Equal(t, 0.7, res.Confidence)
}

func TestZScoreWarmupAndFlatWindow(t *testing.T) {
	z, err := NewZScore(DefaultZScoreConfig())
	require.NoError(t, err)

	res, err := z.Score(Input{Window: samplesOf([]float64{1, 2, 3}, time.Second), Sample: models.Sample{Value: 100}})
	var insufficient *models.InsufficientDataError
	require.True(t, errors.As(err, &insufficient))
	assert.Equal(t, 3, insufficient.Have)
	assert.Equal(t, models.CategoryNormal, res.Category)
	assert.Zero(t, res.Confidence)

	flat := make([]float64, 20)
	for i := range flat {
		flat[i] = 7
	}
	res, err = z.Score(Input{Window: samplesOf(flat, time.Second), Sample: models.Sample{Value: 100}})
	require.NoError(t, err)
	assert.Equal(t, models.CategoryNormal, res.Category)
	assert.Zero(t, res.Confidence)
}

func TestZScoreDrift(t *testing.T) {
	z, err := NewZScore(DefaultZScoreConfig())
	require.NoError(t, err)

	// 40 values around 100 followed by 9 values sustained around 115.
	xs := alternating(40, 98, 102)
	for i := 0; i < 9; i++ {
		xs = append(xs, 114+float64(i%2)*2)
	}
	res, err := z.Score(Input{Window: samplesOf(xs, time.Second), Sample: models.Sample{Value: 115}})
	require.NoError(t, err)
	assert.Equal(t, models.CategoryDrift, res.Category)
	assert.Greater(t, res.Score, 0.1)
}

func TestZScoreFitSeedsWindow(t *testing.T) {
	z, err := NewZScore(DefaultZScoreConfig())
	require.NoError(t, err)

	history := samplesOf(alternating(80, 20, 30), time.Second)
	state, err := z.Fit(context.Background(), key(), history)
	require.NoError(t, err)

	assert.Equal(t, models.DetectorZScore, state.DetectorKind)
	assert.Equal(t, 80, state.ReadingsCount)
	params := state.Params.(*ZScoreParams)
	assert.InDelta(t, 25, params.Mean, 1e-9)
	assert.Len(t, params.SeedSamples(), 50)
	assert.Equal(t, history[79], params.LastValues[49])

	restored, err := z.Restore(state.Parameters)
	require.NoError(t, err)
	assert.Equal(t, params.LastValues, restored.(*ZScoreParams).LastValues)

	_, err = z.Fit(context.Background(), key(), history[:5])
	var insufficient *models.InsufficientDataError
	assert.True(t, errors.As(err, &insufficient))
}

func TestZScoreConfigValidation(t *testing.T) {
	cfg := DefaultZScoreConfig()
	cfg.WindowSize = 1
	_, err := NewZScore(cfg)
	var cerr *models.ConfigurationError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, "window_size", cerr.Parameter)
}

func TestThreshold(t *testing.T) {
	th := NewThreshold(ThresholdConfig{models.FieldPM25: {Low: 50, High: 100}})

	tests := []struct {
		value     float64
		want      models.Category
		threshold float64
	}{
		{20, models.CategoryNormal, 50},
		{50, models.CategoryAlert, 50},
		{75, models.CategoryAlert, 50},
		{120, models.CategoryAlert, 100},
	}
	for _, tt := range tests {
		r := th.Evaluate("dev-1", models.FieldPM25, tt.value)
		if r.Category != tt.want {
			t.Errorf("value %v: got %s, want %s", tt.value, r.Category, tt.want)
		}
		if r.Threshold != tt.threshold {
			t.Errorf("value %v: threshold %v, want %v", tt.value, r.Threshold, tt.threshold)
		}
		if r.Confidence != 1.0 {
			t.Errorf("value %v: confidence %v", tt.value, r.Confidence)
		}
	}

	r := th.Evaluate("dev-1", models.FieldDBA, 500)
	assert.Equal(t, models.CategoryNormal, r.Category)
}

func TestSTLConstructionValidation(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*STLConfig)
		param  string
	}{
		{"even trend window", func(c *STLConfig) { c.TrendWindow = 26 }, "trend_window"},
		{"trend window not above period", func(c *STLConfig) { c.TrendWindow = 23 }, "trend_window"},
		{"even low pass", func(c *STLConfig) { c.LowPassWindow = 28 }, "low_pass_window"},
		{"period equal to trend window", func(c *STLConfig) { c.Period = 25 }, "trend_window"},
		{"even seasonal window", func(c *STLConfig) { c.SeasonalWindow = 6 }, "seasonal_window"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultSTLConfig()
			tt.modify(&cfg)
			_, err := NewSTL(cfg)
			var cerr *models.ConfigurationError
			require.True(t, errors.As(err, &cerr), "expected configuration error, got %v", err)
			assert.Equal(t, tt.param, cerr.Parameter)
		})
	}

	_, err := NewSTL(DefaultSTLConfig())
	assert.NoError(t, err)
}

func TestSTLFitAndScore(t *testing.T) {
	s, err := NewSTL(DefaultSTLConfig())
	require.NoError(t, err)

	const n = 480
	xs := seasonal(n, 24, 50, 10, 1.5, 7)
	history := samplesOf(xs, time.Hour)
	state, err := s.Fit(context.Background(), key(), history)
	require.NoError(t, err)
	assert.Equal(t, models.DetectorSTL, state.DetectorKind)
	assert.Greater(t, state.Accuracy, 0.8)

	params := state.Params.(*STLParams)
	assert.Len(t, params.Profile, 24)
	assert.Equal(t, time.Hour, params.Interval)

	next := testStart.Add(n * time.Hour)
	expected := 50 + 10*math.Sin(2*math.Pi*float64(n)/24)
	window := history[n-50:]

	res, err := s.Score(Input{Window: window, State: state, Sample: models.Sample{Timestamp: next, Value: expected}})
	require.NoError(t, err)
	assert.Equal(t, models.CategoryNormal, res.Category)

	res, err = s.Score(Input{Window: window, State: state, Sample: models.Sample{Timestamp: next, Value: expected + 20}})
	require.NoError(t, err)
	assert.Equal(t, models.CategoryAlert, res.Category)
	assert.Greater(t, res.Score, 2.0)
}

func TestSTLScoreWithoutStateIsNormal(t *testing.T) {
	s, err := NewSTL(DefaultSTLConfig())
	require.NoError(t, err)

	res, err := s.Score(Input{Sample: models.Sample{Value: 1}})
	assert.Error(t, err)
	assert.Equal(t, models.CategoryNormal, res.Category)
	assert.Zero(t, res.Confidence)
}

func smallLSTMConfig() LSTMConfig {
	return LSTMConfig{
		SequenceLength:      8,
		HiddenUnits:         4,
		LearningRate:        0.01,
		Epochs:              15,
		BatchSize:           16,
		ThresholdMultiplier: 2.0,
		MinReadings:         60,
		Seed:                42,
	}
}

func TestLSTMFitAndScore(t *testing.T) {
	l, err := NewLSTM(smallLSTMConfig())
	require.NoError(t, err)

	xs := seasonal(200, 12, 50, 10, 0.5, 3)
	history := samplesOf(xs, time.Minute)
	state, err := l.Fit(context.Background(), key(), history)
	require.NoError(t, err)

	assert.Equal(t, models.DetectorLSTM, state.DetectorKind)
	assert.GreaterOrEqual(t, state.Accuracy, 0.0)
	assert.LessOrEqual(t, state.Accuracy, 1.0)

	params := state.Params.(*LSTMParams)
	require.Greater(t, params.ResidualStd, 0.0)
	assert.InDelta(t, 2*params.ResidualStd, params.Threshold, 1e-12)

	window := history[len(history)-20:]
	span := params.Max - params.Min
	res, err := l.Score(Input{Window: window, State: state, Sample: models.Sample{Value: params.Max + 10*span}})
	require.NoError(t, err)
	assert.Equal(t, models.CategoryAlert, res.Category)

	// Restored parameters score identically.
	restored, err := l.Restore(state.Parameters)
	require.NoError(t, err)
	clone := *state
	clone.Params = restored
	res2, err := l.Score(Input{Window: window, State: &clone, Sample: models.Sample{Value: params.Max + 10*span}})
	require.NoError(t, err)
	assert.InDelta(t, res.Score, res2.Score, 1e-9)
}

func TestLSTMNoiseRequiresPersistentResiduals(t *testing.T) {
	l, err := NewLSTM(smallLSTMConfig())
	require.NoError(t, err)

	history := samplesOf(seasonal(200, 12, 50, 10, 0.5, 3), time.Minute)
	state, err := l.Fit(context.Background(), key(), history)
	require.NoError(t, err)
	params := state.Params.(*LSTMParams)
	require.Greater(t, params.ResidualStd, 0.0)

	// offsets sets each of the last len(offsets) window points to its own
	// prediction plus offset*σ, so residuals are exact.
	window := func(offsets ...float64) []models.Sample {
		w := append([]models.Sample(nil), history[len(history)-20:]...)
		for i, off := range offsets {
			j := len(w) - len(offsets) + i
			w[j].Value = params.Predict(values(w[j-params.SeqLen:j])) + off*params.ResidualStd
		}
		return w
	}
	score := func(w []models.Sample) models.DetectionResult {
		next := params.Predict(values(w[len(w)-params.SeqLen:])) + 1.5*params.ResidualStd
		res, err := l.Score(Input{Window: w, State: state, Sample: models.Sample{Value: next}})
		require.NoError(t, err)
		return res
	}

	tests := []struct {
		name    string
		offsets []float64
		want    models.Category
	}{
		{name: "single excursion", offsets: []float64{0, 0}, want: models.CategoryNormal},
		{name: "two in a row", offsets: []float64{0, 1.5}, want: models.CategoryNormal},
		{name: "interrupted run", offsets: []float64{1.5, 0}, want: models.CategoryNormal},
		{name: "three in a row", offsets: []float64{1.5, 1.5}, want: models.CategoryNoise},
		{name: "run with mixed signs", offsets: []float64{-1.5, 1.5}, want: models.CategoryNoise},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := score(window(tt.offsets...))
			assert.Equal(t, tt.want, res.Category)
			assert.InDelta(t, 1.5, res.Score, 1e-9)
		})
	}

	// A window with no room for earlier predictions cannot be persistent.
	short := history[len(history)-params.SeqLen:]
	res := score(short)
	assert.Equal(t, models.CategoryNormal, res.Category)
}

func TestLSTMDeterministic(t *testing.T) {
	l, err := NewLSTM(smallLSTMConfig())
	require.NoError(t, err)

	history := samplesOf(seasonal(100, 12, 50, 10, 0.5, 9), time.Minute)
	a, err := l.Fit(context.Background(), key(), history)
	require.NoError(t, err)
	b, err := l.Fit(context.Background(), key(), history)
	require.NoError(t, err)
	assert.JSONEq(t, string(a.Parameters), string(b.Parameters))
}

func TestLSTMInsufficientWindow(t *testing.T) {
	l, err := NewLSTM(smallLSTMConfig())
	require.NoError(t, err)

	history := samplesOf(seasonal(80, 12, 50, 10, 0.5, 1), time.Minute)
	state, err := l.Fit(context.Background(), key(), history)
	require.NoError(t, err)

	res, err := l.Score(Input{Window: history[:3], State: state, Sample: models.Sample{Value: 50}})
	var insufficient *models.InsufficientDataError
	require.True(t, errors.As(err, &insufficient))
	assert.Equal(t, models.CategoryNormal, res.Category)
}

func TestLSTMFitHonoursCancellation(t *testing.T) {
	l, err := NewLSTM(smallLSTMConfig())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = l.Fit(ctx, key(), samplesOf(seasonal(80, 12, 50, 10, 0.5, 1), time.Minute))
	assert.ErrorIs(t, err, context.Canceled)
}
