// Package pipeline composes validation, detection, correlation, decision and
// dispatch for one reading at a time.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/smartsensor/smartsensor-ai/internal/analytics/correlator"
	"github.com/smartsensor/smartsensor-ai/internal/analytics/detector"
	"github.com/smartsensor/smartsensor-ai/internal/analytics/timeseries"
	"github.com/smartsensor/smartsensor-ai/internal/audit"
	"github.com/smartsensor/smartsensor-ai/internal/db"
	"github.com/smartsensor/smartsensor-ai/internal/decision"
	"github.com/smartsensor/smartsensor-ai/internal/metrics"
	"github.com/smartsensor/smartsensor-ai/internal/models"
	"github.com/smartsensor/smartsensor-ai/internal/modelstore"
	"github.com/smartsensor/smartsensor-ai/internal/tracing"
	"github.com/smartsensor/smartsensor-ai/internal/validator"
)

// recentAnomalyLimit bounds the in-memory anomaly view.
const recentAnomalyLimit = 1000

// Store is the persistence the pipeline writes to.
type Store interface {
	db.ReadingStore
	db.AnomalyStore
}

// Options wires a Pipeline. Validator, Threshold, Detectors, Models and
// Engine are required.
type Options struct {
	Validator *validator.Validator
	Threshold *detector.Threshold
	Detectors *detector.Set
	Models    *modelstore.Store
	Engine    *decision.Engine

	// Windows defaults to one sized by Detectors.WindowCapacity.
	Windows *timeseries.Windows
	// History receives every accepted reading for oracle context.
	History *decision.History
	// Store persists readings and anomalies; nil disables persistence.
	Store Store
	// Pairs are the cross-sensor pairs checked on every reading. Nil uses
	// correlator.DefaultPairs; an empty slice disables the check.
	Pairs []correlator.Pair

	Audit  audit.Logger
	Logger *zap.Logger
}

// DetectResponse is the outcome of detection for one reading.
type DetectResponse struct {
	Reading models.Reading            `json:"reading"`
	Results []models.DetectionResult  `json:"results"`
	Anomaly *models.CorrelatedAnomaly `json:"anomaly,omitempty"`

	// Correlations are reported even when no field is anomalous.
	Correlations []models.CrossSensor `json:"correlations,omitempty"`
}

// ProcessResponse adds the decision made for an anomaly.
type ProcessResponse struct {
	DetectResponse
	Decision *models.Decision `json:"decision,omitempty"`
}

// Stats are the processing counters since start.
type Stats struct {
	Received         int64     `json:"readings_received"`
	Accepted         int64     `json:"readings_accepted"`
	Rejected         int64     `json:"readings_rejected"`
	Anomalies        int64     `json:"anomalies"`
	Decisions        int64     `json:"decisions"`
	OracleDecisions  int64     `json:"oracle_decisions"`
	RuleDecisions    int64     `json:"rule_decisions"`
	DispatchFailures int64     `json:"dispatch_failures"`
	PersistFailures  int64     `json:"persist_failures"`
	Devices          int       `json:"devices"`
	Models           int       `json:"models"`
	StartedAt        time.Time `json:"started_at"`
	LastReadingAt    time.Time `json:"last_reading_at,omitempty"`
}

type counters struct {
	received         atomic.Int64
	accepted         atomic.Int64
	rejected         atomic.Int64
	anomalies        atomic.Int64
	decisions        atomic.Int64
	oracleDecisions  atomic.Int64
	ruleDecisions    atomic.Int64
	dispatchFailures atomic.Int64
	persistFailures  atomic.Int64
	lastReading      atomic.Int64 // unix nanos
}

// Pipeline orchestrates detection and decision for incoming readings.
type Pipeline struct {
	validator *validator.Validator
	threshold *detector.Threshold
	detectors *detector.Set
	models    *modelstore.Store
	windows   *timeseries.Windows
	history   *decision.History
	engine    *decision.Engine
	store     Store
	pairs     []correlator.Pair
	audit     audit.Logger
	logger    *zap.Logger

	stats     counters
	startedAt time.Time

	mu              sync.RWMutex
	recentAnomalies []*models.CorrelatedAnomaly
}

// New creates a pipeline.
func New(opts Options) (*Pipeline, error) {
	switch {
	case opts.Validator == nil:
		return nil, fmt.Errorf("pipeline: validator is required")
	case opts.Threshold == nil:
		return nil, fmt.Errorf("pipeline: threshold detector is required")
	case opts.Detectors == nil:
		return nil, fmt.Errorf("pipeline: detector set is required")
	case opts.Models == nil:
		return nil, fmt.Errorf("pipeline: model store is required")
	case opts.Engine == nil:
		return nil, fmt.Errorf("pipeline: decision engine is required")
	}
	if opts.Windows == nil {
		opts.Windows = timeseries.New(opts.Detectors.WindowCapacity())
	}
	if opts.Pairs == nil {
		opts.Pairs = correlator.DefaultPairs()
	}
	for _, pair := range opts.Pairs {
		if err := pair.Validate(); err != nil {
			return nil, fmt.Errorf("pipeline: %w", err)
		}
	}
	if opts.Audit == nil {
		opts.Audit = audit.NewNopLogger()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Pipeline{
		validator:       opts.Validator,
		threshold:       opts.Threshold,
		detectors:       opts.Detectors,
		models:          opts.Models,
		windows:         opts.Windows,
		history:         opts.History,
		engine:          opts.Engine,
		store:           opts.Store,
		pairs:           opts.Pairs,
		audit:           opts.Audit,
		logger:          opts.Logger.Named("pipeline"),
		startedAt:       time.Now().UTC(),
		recentAnomalies: make([]*models.CorrelatedAnomaly, 0, recentAnomalyLimit),
	}, nil
}

// Warm seeds empty rolling windows from the tails stored in trained models,
// so detection resumes without a cold start. It returns the keys seeded.
func (p *Pipeline) Warm() int {
	seeded := 0
	for _, st := range p.models.List() {
		seeder, ok := st.Params.(detector.Seeder)
		if !ok {
			continue
		}
		if p.windows.Seed(st.Key(), seeder.SeedSamples()) {
			seeded++
		}
	}
	if seeded > 0 {
		p.logger.Info("rolling windows warmed from trained models", zap.Int("keys", seeded))
	}
	return seeded
}

// Detect validates raw and runs every detector on it. Rejected readings
// return a *models.ValidationError and leave no trace in the windows.
func (p *Pipeline) Detect(ctx context.Context, raw models.RawReading) (*DetectResponse, error) {
	ctx, span := tracing.StartSpan(ctx, "pipeline.detect", attribute.String("device_id", raw.DeviceID))
	defer span.End()

	p.stats.received.Add(1)
	reading, err := p.validator.Validate(raw)
	if err != nil {
		p.reject(ctx, raw.DeviceID, err)
		span.SetStatus(codes.Error, "rejected")
		return nil, err
	}
	resp, err := p.detect(ctx, reading)
	if err != nil {
		span.SetStatus(codes.Error, "rejected")
		return nil, err
	}
	if resp.Anomaly != nil {
		span.SetAttributes(attribute.String("severity", string(resp.Anomaly.Severity)))
	}
	return resp, nil
}

// DetectPayload decodes a wire message and detects on it.
func (p *Pipeline) DetectPayload(ctx context.Context, payload []byte) (*DetectResponse, error) {
	p.stats.received.Add(1)
	reading, err := p.validator.Decode(payload)
	if err != nil {
		p.reject(ctx, "", err)
		return nil, err
	}
	return p.detect(ctx, reading)
}

// Process runs detection, persists the reading and any anomaly, and carries
// an anomaly through the decision engine and dispatcher. A dispatch failure
// is returned together with the response.
func (p *Pipeline) Process(ctx context.Context, raw models.RawReading) (*ProcessResponse, error) {
	ctx, span := tracing.StartSpan(ctx, "pipeline.process", attribute.String("device_id", raw.DeviceID))
	defer span.End()

	resp, err := p.Detect(ctx, raw)
	if err != nil {
		return nil, err
	}
	return p.finish(ctx, resp)
}

// ProcessPayload is Process for an undecoded wire message.
func (p *Pipeline) ProcessPayload(ctx context.Context, payload []byte) (*ProcessResponse, error) {
	ctx, span := tracing.StartSpan(ctx, "pipeline.process")
	defer span.End()

	resp, err := p.DetectPayload(ctx, payload)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("device_id", resp.Reading.DeviceID))
	return p.finish(ctx, resp)
}

// RecentAnomalies returns up to limit of the newest anomalies, newest first,
// optionally filtered by device.
func (p *Pipeline) RecentAnomalies(deviceID string, limit int) []*models.CorrelatedAnomaly {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []*models.CorrelatedAnomaly
	for i := len(p.recentAnomalies) - 1; i >= 0; i-- {
		a := p.recentAnomalies[i]
		if deviceID != "" && a.DeviceID != deviceID {
			continue
		}
		out = append(out, a)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Stats returns a snapshot of the processing counters.
func (p *Pipeline) Stats() Stats {
	s := Stats{
		Received:         p.stats.received.Load(),
		Accepted:         p.stats.accepted.Load(),
		Rejected:         p.stats.rejected.Load(),
		Anomalies:        p.stats.anomalies.Load(),
		Decisions:        p.stats.decisions.Load(),
		OracleDecisions:  p.stats.oracleDecisions.Load(),
		RuleDecisions:    p.stats.ruleDecisions.Load(),
		DispatchFailures: p.stats.dispatchFailures.Load(),
		PersistFailures:  p.stats.persistFailures.Load(),
		Devices:          p.windows.Devices(),
		Models:           p.models.Len(),
		StartedAt:        p.startedAt,
	}
	if n := p.stats.lastReading.Load(); n != 0 {
		s.LastReadingAt = time.Unix(0, n).UTC()
	}
	return s
}

// ─── Internal ─────────────────────────────────────────────────────────────────

func (p *Pipeline) detect(ctx context.Context, reading models.Reading) (*DetectResponse, error) {
	start := time.Now()
	prior, err := p.windows.Advance(reading)
	if err != nil {
		p.reject(ctx, reading.DeviceID, err)
		return nil, err
	}
	p.stats.accepted.Add(1)
	metrics.ReadingsTotal.WithLabelValues("pipeline", "accepted").Inc()
	p.stats.lastReading.Store(reading.Timestamp.UnixNano())
	if p.history != nil {
		p.history.Observe(reading)
	}

	results := make([]models.DetectionResult, 0, 2*len(models.Fields))
	for _, field := range models.Fields {
		value := reading.Value(field)
		rule := p.threshold.Evaluate(reading.DeviceID, field, value)
		stat := p.score(reading, field, prior[field])
		results = append(results, rule, stat)
		metrics.DetectionsTotal.WithLabelValues(string(rule.DetectorKind), string(field), string(rule.Category)).Inc()
		metrics.DetectionsTotal.WithLabelValues(string(stat.DetectorKind), string(field), string(stat.Category)).Inc()
	}

	anomaly := correlator.Correlate(reading.DeviceID, reading.Timestamp, results)
	pairs := correlator.CrossSensor(reading, p.pairs)
	metrics.DetectionDuration.Observe(time.Since(start).Seconds())
	if anomaly != nil {
		anomaly.Correlations = pairs
		p.stats.anomalies.Add(1)
		metrics.AnomaliesTotal.WithLabelValues(string(anomaly.Severity)).Inc()
		p.recordAnomaly(anomaly)
	}
	return &DetectResponse{Reading: reading, Results: results, Anomaly: anomaly, Correlations: pairs}, nil
}

// score runs the key's trained detector, falling back to z-score when the
// key is untrained or the trained detector cannot score.
func (p *Pipeline) score(reading models.Reading, field models.Field, window []models.Sample) models.DetectionResult {
	key := models.ModelKey{DeviceID: reading.DeviceID, Field: field}
	in := detector.Input{
		DeviceID: reading.DeviceID,
		Field:    field,
		Sample:   models.Sample{Timestamp: reading.Timestamp, Value: reading.Value(field)},
		Window:   window,
		State:    p.models.Get(key),
	}

	if in.State != nil && in.State.DetectorKind != models.DetectorZScore {
		if d, err := p.detectors.For(in.State.DetectorKind); err == nil {
			r, err := d.Score(in)
			if err == nil {
				return r
			}
			p.logger.Debug("trained detector could not score, using zscore",
				zap.String("key", key.String()),
				zap.String("detector", string(in.State.DetectorKind)),
				zap.Error(err),
			)
		}
	}
	r, _ := p.detectors.ZScore().Score(in)
	return r
}

func (p *Pipeline) finish(ctx context.Context, resp *DetectResponse) (*ProcessResponse, error) {
	out := &ProcessResponse{DetectResponse: *resp}

	if p.store != nil {
		if err := p.store.AppendReading(ctx, resp.Reading); err != nil {
			p.stats.persistFailures.Add(1)
			p.logger.Warn("failed to persist reading", zap.String("device_id", resp.Reading.DeviceID), zap.Error(err))
		}
	}
	if resp.Anomaly == nil {
		return out, nil
	}
	if p.store != nil {
		if err := p.store.AppendAnomaly(ctx, resp.Anomaly); err != nil {
			p.stats.persistFailures.Add(1)
			p.logger.Warn("failed to persist anomaly", zap.String("device_id", resp.Anomaly.DeviceID), zap.Error(err))
		}
	}

	run, err := p.engine.Handle(ctx, resp.Anomaly)
	if run != nil && run.Decision != nil && run.State == decision.StateDispatched {
		out.Decision = run.Decision
		p.stats.decisions.Add(1)
		if run.Decision.DecidedBy == models.DecidedByOracle {
			p.stats.oracleDecisions.Add(1)
		} else {
			p.stats.ruleDecisions.Add(1)
		}
	}
	if err != nil {
		var perr *models.PersistenceError
		if errors.As(err, &perr) {
			p.stats.dispatchFailures.Add(1)
		}
		return out, err
	}
	return out, nil
}

func (p *Pipeline) reject(ctx context.Context, deviceID string, err error) {
	p.stats.rejected.Add(1)
	metrics.ReadingsTotal.WithLabelValues("pipeline", "rejected").Inc()
	_ = p.audit.LogReadingRejected(ctx, deviceID, err)
	p.logger.Debug("reading rejected", zap.String("device_id", deviceID), zap.Error(err))
}

func (p *Pipeline) recordAnomaly(a *models.CorrelatedAnomaly) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.recentAnomalies) >= recentAnomalyLimit {
		p.recentAnomalies = p.recentAnomalies[100:]
	}
	p.recentAnomalies = append(p.recentAnomalies, a)
}
