package detector

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"

	"github.com/smartsensor/smartsensor-ai/internal/models"
)

const (
	lstmAlertConfidence  = 0.9
	lstmNoiseConfidence  = 0.7
	lstmNormalConfidence = 0.8
	lstmGradientClip     = 1.0

	// lstmNoiseRun consecutive residuals above one standard deviation,
	// the current one included, make a reading noise.
	lstmNoiseRun = 3
)

// LSTMParams is the trained network together with its scaler and residual
// distribution.
type LSTMParams struct {
	Network     *lstmNetwork `json:"network"`
	Min         float64      `json:"scaler_min"`
	Max         float64      `json:"scaler_max"`
	SeqLen      int          `json:"sequence_length"`
	ResidualStd float64      `json:"residual_std"`
	Threshold   float64      `json:"threshold"`
}

func (p *LSTMParams) scale(v float64) float64 {
	if p.Max == p.Min {
		return 0
	}
	return (v - p.Min) / (p.Max - p.Min)
}

func (p *LSTMParams) unscale(v float64) float64 {
	return v*(p.Max-p.Min) + p.Min
}

// Predict returns the expected next value after seq (raw units).
func (p *LSTMParams) Predict(seq []float64) float64 {
	scaled := make([]float64, len(seq))
	for i, v := range seq {
		scaled[i] = p.scale(v)
	}
	return p.unscale(p.Network.predict(scaled))
}

// LSTM scores the residual of a one-step-ahead sequence prediction.
type LSTM struct {
	cfg LSTMConfig
}

// NewLSTM validates cfg.
func NewLSTM(cfg LSTMConfig) (*LSTM, error) {
	cerr := func(param, reason string) error {
		return &models.ConfigurationError{Kind: models.DetectorLSTM, Parameter: param, Reason: reason}
	}
	switch {
	case cfg.SequenceLength < 2:
		return nil, cerr("sequence_length", "must be at least 2")
	case cfg.HiddenUnits < 1:
		return nil, cerr("hidden_units", "must be positive")
	case cfg.LearningRate <= 0:
		return nil, cerr("learning_rate", "must be positive")
	case cfg.Epochs < 1:
		return nil, cerr("epochs", "must be positive")
	case cfg.BatchSize < 1:
		return nil, cerr("batch_size", "must be positive")
	case cfg.ThresholdMultiplier <= 0:
		return nil, cerr("threshold_multiplier", "must be positive")
	case cfg.MinReadings <= cfg.SequenceLength:
		return nil, cerr("min_readings", fmt.Sprintf("must exceed sequence_length %d", cfg.SequenceLength))
	}
	return &LSTM{cfg: cfg}, nil
}

// WithTraining returns a copy using the given epochs and batch size when they
// are positive.
func (l *LSTM) WithTraining(epochs, batchSize int) *LSTM {
	cfg := l.cfg
	if epochs > 0 {
		cfg.Epochs = epochs
	}
	if batchSize > 0 {
		cfg.BatchSize = batchSize
	}
	return &LSTM{cfg: cfg}
}

func (l *LSTM) Kind() models.DetectorKind { return models.DetectorLSTM }

func (l *LSTM) MinReadings() int { return l.cfg.MinReadings }

// SequenceLength is the number of prior values a prediction needs.
func (l *LSTM) SequenceLength() int { return l.cfg.SequenceLength }

// Fit trains the network with mini-batch Adam. Training is deterministic for
// a given seed and history.
func (l *LSTM) Fit(ctx context.Context, key models.ModelKey, history []models.Sample) (*models.ModelState, error) {
	if len(history) < l.cfg.MinReadings {
		return nil, &models.InsufficientDataError{Kind: models.DetectorLSTM, Have: len(history), Required: l.cfg.MinReadings}
	}

	xs := values(history)
	params := &LSTMParams{SeqLen: l.cfg.SequenceLength, Min: xs[0], Max: xs[0]}
	for _, v := range xs {
		params.Min = math.Min(params.Min, v)
		params.Max = math.Max(params.Max, v)
	}
	scaled := make([]float64, len(xs))
	for i, v := range xs {
		scaled[i] = params.scale(v)
	}

	seq := l.cfg.SequenceLength
	samples := len(scaled) - seq
	order := make([]int, samples)
	for i := range order {
		order[i] = i
	}

	rng := rand.New(rand.NewSource(l.cfg.Seed))
	net := newLSTMNetwork(l.cfg.HiddenUnits, rng)
	opt := newAdam(l.cfg.HiddenUnits, l.cfg.LearningRate)
	grad := newLSTMGrad(l.cfg.HiddenUnits)

	for epoch := 0; epoch < l.cfg.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("lstm training interrupted at epoch %d: %w", epoch, err)
		}
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
		for start := 0; start < samples; start += l.cfg.BatchSize {
			end := start + l.cfg.BatchSize
			if end > samples {
				end = samples
			}
			grad.reset()
			for _, idx := range order[start:end] {
				net.backward(scaled[idx:idx+seq], scaled[idx+seq], grad)
			}
			opt.step(net, grad, end-start, lstmGradientClip)
		}
	}
	params.Network = net

	residuals := make([]float64, samples)
	var sq float64
	for i := 0; i < samples; i++ {
		pred := params.unscale(net.predict(scaled[i : i+seq]))
		residuals[i] = xs[i+seq] - pred
		sq += residuals[i] * residuals[i]
	}
	_, params.ResidualStd = popMeanStd(residuals)
	params.Threshold = l.cfg.ThresholdMultiplier * params.ResidualStd

	accuracy := 1.0
	if span := params.Max - params.Min; span > 0 {
		accuracy = 1 - math.Sqrt(sq/float64(samples))/span
	}
	return newState(key, models.DetectorLSTM, len(history), accuracy, params)
}

func (l *LSTM) Restore(raw json.RawMessage) (any, error) {
	var p LSTMParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	if p.Network == nil || p.SeqLen < 1 {
		return nil, fmt.Errorf("incomplete lstm parameters")
	}
	return &p, nil
}

// Score predicts the value from the trailing window and classifies the
// absolute residual.
func (l *LSTM) Score(in Input) (models.DetectionResult, error) {
	var p *LSTMParams
	if in.State != nil {
		p, _ = in.State.Params.(*LSTMParams)
	}
	if p == nil {
		return result(in, models.DetectorLSTM, models.CategoryNormal, 0, 0, 0),
			fmt.Errorf("lstm detector has no trained state for %s/%s", in.DeviceID, in.Field)
	}
	if len(in.Window) < p.SeqLen {
		return result(in, models.DetectorLSTM, models.CategoryNormal, p.Threshold, 0, 0),
			&models.InsufficientDataError{Kind: models.DetectorLSTM, Have: len(in.Window), Required: p.SeqLen}
	}
	if p.ResidualStd == 0 {
		return result(in, models.DetectorLSTM, models.CategoryNormal, p.Threshold, 0, 0), nil
	}

	seq := values(in.Window[len(in.Window)-p.SeqLen:])
	residual := math.Abs(in.Sample.Value - p.Predict(seq))
	score := residual / p.ResidualStd
	switch {
	case residual > p.Threshold:
		return result(in, models.DetectorLSTM, models.CategoryAlert, p.Threshold, lstmAlertConfidence, score), nil
	case residual > p.ResidualStd && p.persistent(in.Window):
		return result(in, models.DetectorLSTM, models.CategoryNoise, p.ResidualStd, lstmNoiseConfidence, score), nil
	}
	return result(in, models.DetectorLSTM, models.CategoryNormal, p.Threshold, lstmNormalConfidence, score), nil
}

// persistent reports whether the residuals of the last lstmNoiseRun-1 window
// points all exceed one standard deviation. A window too short to predict
// them is not persistent.
func (p *LSTMParams) persistent(window []models.Sample) bool {
	first := len(window) - (lstmNoiseRun - 1)
	if first < p.SeqLen {
		return false
	}
	for j := first; j < len(window); j++ {
		seq := values(window[j-p.SeqLen : j])
		if math.Abs(window[j].Value-p.Predict(seq)) <= p.ResidualStd {
			return false
		}
	}
	return true
}
