// Package training periodically refits the detector for every (device, field)
// key and publishes the result to the model store.
package training

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/smartsensor/smartsensor-ai/internal/analytics/detector"
	"github.com/smartsensor/smartsensor-ai/internal/audit"
	"github.com/smartsensor/smartsensor-ai/internal/db"
	"github.com/smartsensor/smartsensor-ai/internal/metrics"
	"github.com/smartsensor/smartsensor-ai/internal/models"
	"github.com/smartsensor/smartsensor-ai/internal/modelstore"
)

// Config controls the training cycle.
type Config struct {
	Interval        time.Duration
	MinTrainingData int // new readings required before a key is retrained
	MaxTrainingData int // most recent readings used for a fit
	Concurrency     int
	Epochs          int // LSTM override when > 0
	BatchSize       int // LSTM override when > 0
}

// DefaultConfig returns the scheduler defaults.
func DefaultConfig() Config {
	return Config{
		Interval:        30 * time.Minute,
		MinTrainingData: 50,
		MaxTrainingData: 1000,
		Concurrency:     4,
	}
}

// TrainedModel reports one key trained during a cycle.
type TrainedModel struct {
	DeviceID      string              `json:"device_id"`
	Field         models.Field        `json:"field"`
	DetectorKind  models.DetectorKind `json:"detector_kind"`
	Accuracy      float64             `json:"accuracy"`
	ReadingsCount int                 `json:"readings_count"`
	Reason        string              `json:"reason,omitempty"`
}

// ModelSummary describes the live model of one key.
type ModelSummary struct {
	DeviceID      string              `json:"device_id"`
	Field         models.Field        `json:"field"`
	DetectorKind  models.DetectorKind `json:"detector_kind"`
	TrainedAt     time.Time           `json:"trained_at"`
	DataUntil     time.Time           `json:"data_until"`
	Accuracy      float64             `json:"accuracy_estimate"`
	ReadingsCount int                 `json:"readings_count"`
}

// Scheduler retrains models on a fixed interval. Training never blocks
// detection: results are published through the model store's atomic swap.
type Scheduler struct {
	cfg      Config
	readings db.ReadingStore
	store    *modelstore.Store
	set      *detector.Set
	lstm     *detector.LSTM
	selector *detector.Selector
	audit    audit.Logger
	logger   *zap.Logger
	now      func() time.Time

	cycle sync.Mutex // one TrainAll at a time

	started  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New creates a scheduler. auditLogger and logger may be nil.
func New(cfg Config, readings db.ReadingStore, store *modelstore.Store, set *detector.Set, selector *detector.Selector, auditLogger audit.Logger, logger *zap.Logger) *Scheduler {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.MinTrainingData < 1 {
		cfg.MinTrainingData = DefaultConfig().MinTrainingData
	}
	if cfg.MaxTrainingData < cfg.MinTrainingData {
		cfg.MaxTrainingData = cfg.MinTrainingData
	}
	if auditLogger == nil {
		auditLogger = audit.NewNopLogger()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cfg:      cfg,
		readings: readings,
		store:    store,
		set:      set,
		lstm:     set.LSTM().WithTraining(cfg.Epochs, cfg.BatchSize),
		selector: selector,
		audit:    auditLogger,
		logger:   logger.Named("training"),
		now:      time.Now,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins periodic training. The first cycle runs after one interval.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(s.doneCh)
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				trained, err := s.TrainAll(ctx)
				if err != nil && !errors.Is(err, context.Canceled) {
					s.logger.Error("training cycle failed", zap.Error(err))
					continue
				}
				s.logger.Info("training cycle complete", zap.Int("trained", len(trained)))
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the scheduler and waits for the running cycle to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	if s.started.Load() {
		<-s.doneCh
	}
}

// TrainAll trains every key that has accumulated MinTrainingData new readings
// since its last fit (or in total when untrained). Per-key failures are
// logged and audited; the returned error covers only the cycle itself.
func (s *Scheduler) TrainAll(ctx context.Context) ([]TrainedModel, error) {
	s.cycle.Lock()
	defer s.cycle.Unlock()

	devices, err := s.readings.Devices(ctx)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}

	var (
		mu      sync.Mutex
		trained []TrainedModel
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)

	for _, deviceID := range devices {
		for _, field := range models.Fields {
			key := models.ModelKey{DeviceID: deviceID, Field: field}
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				due, err := s.due(gctx, key)
				if err != nil {
					s.logger.Warn("skipping key", zap.String("key", key.String()), zap.Error(err))
					return nil
				}
				if !due {
					return nil
				}
				tm, err := s.trainKey(gctx, key)
				if err != nil {
					if gctx.Err() != nil {
						return gctx.Err()
					}
					return nil
				}
				mu.Lock()
				trained = append(trained, *tm)
				mu.Unlock()
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return trained, err
	}

	sort.Slice(trained, func(i, j int) bool {
		if trained[i].DeviceID != trained[j].DeviceID {
			return trained[i].DeviceID < trained[j].DeviceID
		}
		return models.FieldIndex(trained[i].Field) < models.FieldIndex(trained[j].Field)
	})
	s.refreshGauges()
	return trained, nil
}

// Retrain trains one key immediately, regardless of how much new data it has.
func (s *Scheduler) Retrain(ctx context.Context, deviceID string, field models.Field) (*TrainedModel, error) {
	key := models.ModelKey{DeviceID: deviceID, Field: field}
	tm, err := s.trainKey(ctx, key)
	if err != nil {
		return nil, err
	}
	s.refreshGauges()
	return tm, nil
}

// Status lists the live model of every trained key.
func (s *Scheduler) Status() []ModelSummary {
	states := s.store.List()
	out := make([]ModelSummary, len(states))
	for i, st := range states {
		out[i] = summarize(st)
	}
	return out
}

// DeviceStatus lists the live models of one device.
func (s *Scheduler) DeviceStatus(deviceID string) []ModelSummary {
	states := s.store.ForDevice(deviceID)
	out := make([]ModelSummary, len(states))
	for i, st := range states {
		out[i] = summarize(st)
	}
	return out
}

func summarize(st *models.ModelState) ModelSummary {
	return ModelSummary{
		DeviceID:      st.DeviceID,
		Field:         st.Field,
		DetectorKind:  st.DetectorKind,
		TrainedAt:     st.TrainedAt,
		DataUntil:     st.DataUntil,
		Accuracy:      st.Accuracy,
		ReadingsCount: st.ReadingsCount,
	}
}

// ─── Internal ─────────────────────────────────────────────────────────────────

// due reports whether key has enough new readings to retrain.
func (s *Scheduler) due(ctx context.Context, key models.ModelKey) (bool, error) {
	n, err := s.readings.CountSince(ctx, key.DeviceID, s.watermark(key))
	if err != nil {
		return false, err
	}
	return n >= s.cfg.MinTrainingData, nil
}

// watermark is the newest reading timestamp covered by the key's last fit.
// It is persisted with the model, so it survives a restart. Untrained keys
// count every reading.
func (s *Scheduler) watermark(key models.ModelKey) time.Time {
	if prev := s.store.Get(key); prev != nil {
		return prev.DataUntil
	}
	return time.Time{}
}

func (s *Scheduler) detectorFor(kind models.DetectorKind) (detector.Detector, error) {
	if kind == models.DetectorLSTM {
		return s.lstm, nil
	}
	return s.set.For(kind)
}

// trainKey selects, fits and publishes one key. Selection or fit failures
// fall back to the z-score detector.
func (s *Scheduler) trainKey(ctx context.Context, key models.ModelKey) (*TrainedModel, error) {
	start := time.Now()
	history, err := s.readings.FieldHistory(ctx, key, s.cfg.MaxTrainingData)
	if err != nil {
		return nil, s.fail(ctx, key, models.DetectorZScore, fmt.Errorf("load history: %w", err))
	}
	floor := s.set.ZScore().MinReadings()
	if len(history) < floor {
		return nil, s.fail(ctx, key, models.DetectorZScore,
			&models.InsufficientDataError{Kind: models.DetectorZScore, Have: len(history), Required: floor})
	}

	var prevKind models.DetectorKind
	prev := s.store.Get(key)
	if prev != nil {
		prevKind = prev.DetectorKind
	}

	xs := make([]float64, len(history))
	for i, h := range history {
		xs[i] = h.Value
	}
	sel := s.selector.Select(xs, prevKind)

	state, err := s.fit(ctx, key, sel.Kind, history)
	if err != nil && sel.Kind != models.DetectorZScore && ctx.Err() == nil {
		s.logger.Warn("fit failed, falling back to zscore",
			zap.String("key", key.String()), zap.String("detector", string(sel.Kind)), zap.Error(err))
		metrics.TrainingRunsTotal.WithLabelValues(string(sel.Kind), "fallback").Inc()
		sel.Reason = fmt.Sprintf("fallback from %s: %v", sel.Kind, err)
		state, err = s.fit(ctx, key, models.DetectorZScore, history)
	}
	if err != nil {
		return nil, s.fail(ctx, key, sel.Kind, err)
	}

	state.TrainedAt = s.now().UTC()
	state.DataUntil = history[len(history)-1].Timestamp
	if err := s.store.Put(ctx, state); err != nil {
		return nil, s.fail(ctx, key, state.DetectorKind, fmt.Errorf("publish model: %w", err))
	}

	elapsed := time.Since(start)
	kind := string(state.DetectorKind)
	metrics.TrainingRunsTotal.WithLabelValues(kind, "success").Inc()
	metrics.TrainingDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
	metrics.ModelAccuracy.WithLabelValues(key.DeviceID, string(key.Field)).Set(state.Accuracy)

	_ = s.audit.LogModelTrained(ctx, state, elapsed)
	if prev != nil && prev.DetectorKind != state.DetectorKind {
		_ = s.audit.LogModelSwapped(ctx, state, prev.DetectorKind)
	}
	s.logger.Info("model trained",
		zap.String("key", key.String()),
		zap.String("detector", kind),
		zap.Float64("accuracy", state.Accuracy),
		zap.Int("readings", state.ReadingsCount),
		zap.String("reason", sel.Reason),
		zap.Duration("elapsed", elapsed),
	)

	return &TrainedModel{
		DeviceID:      key.DeviceID,
		Field:         key.Field,
		DetectorKind:  state.DetectorKind,
		Accuracy:      state.Accuracy,
		ReadingsCount: state.ReadingsCount,
		Reason:        sel.Reason,
	}, nil
}

func (s *Scheduler) fit(ctx context.Context, key models.ModelKey, kind models.DetectorKind, history []models.Sample) (*models.ModelState, error) {
	d, err := s.detectorFor(kind)
	if err != nil {
		return nil, err
	}
	return d.Fit(ctx, key, history)
}

func (s *Scheduler) fail(ctx context.Context, key models.ModelKey, kind models.DetectorKind, err error) error {
	metrics.TrainingRunsTotal.WithLabelValues(string(kind), "failure").Inc()
	_ = s.audit.LogTrainingFailed(ctx, key, err)
	s.logger.Warn("training failed", zap.String("key", key.String()), zap.Error(err))
	return err
}

func (s *Scheduler) refreshGauges() {
	counts := map[models.DetectorKind]int{
		models.DetectorZScore: 0,
		models.DetectorSTL:    0,
		models.DetectorLSTM:   0,
	}
	for _, st := range s.store.List() {
		counts[st.DetectorKind]++
	}
	for kind, n := range counts {
		metrics.ModelsActive.WithLabelValues(string(kind)).Set(float64(n))
	}
}
