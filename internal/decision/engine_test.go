package decision

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartsensor/smartsensor-ai/internal/models"
	"github.com/smartsensor/smartsensor-ai/internal/oracle"
)

type oracleFunc func(ctx context.Context, req oracle.Request) (*oracle.Verdict, error)

func (f oracleFunc) Consult(ctx context.Context, req oracle.Request) (*oracle.Verdict, error) {
	return f(ctx, req)
}

type recordingDispatcher struct {
	mu        sync.Mutex
	decisions []*models.Decision
	ctxErr    error
	err       error
}

func (r *recordingDispatcher) Dispatch(ctx context.Context, d *models.Decision) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decisions = append(r.decisions, d)
	r.ctxErr = ctx.Err()
	return r.err
}

var fixedNow = time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

func newTestEngine(cfg Config, o oracle.Oracle, h HistorySource, d Dispatcher) *Engine {
	e := New(cfg, o, h, d, nil, nil)
	e.now = func() time.Time { return fixedNow }
	e.newID = func() string { return "decision-1" }
	return e
}

func anomaly(sev models.Severity) *models.CorrelatedAnomaly {
	return &models.CorrelatedAnomaly{
		DeviceID:   "sensor-1",
		Timestamp:  fixedNow.Add(-time.Second),
		Severity:   sev,
		Confidence: 0.9,
		Results: []models.DetectionResult{
			{DeviceID: "sensor-1", Field: models.FieldPM25, DetectorKind: models.DetectorThreshold, Category: models.CategoryAlert, Value: 200, Confidence: 0.9},
			{DeviceID: "sensor-1", Field: models.FieldDBA, DetectorKind: models.DetectorZScore, Category: models.CategoryNoise, Value: 70, Confidence: 0.7},
		},
	}
}

func TestValidateStateTransition(t *testing.T) {
	assert.NoError(t, validateStateTransition(StateIdle, StateCorrelating))
	assert.NoError(t, validateStateTransition(StateOracleConsult, StateLocalDecision))
	assert.NoError(t, validateStateTransition(StateDecided, StateDispatched))
	assert.Error(t, validateStateTransition(StateIdle, StateDecided))
	assert.Error(t, validateStateTransition(StateLocalDecision, StateOracleConsult))
	assert.Error(t, validateStateTransition(StateDispatched, StateIdle))
	assert.Error(t, validateStateTransition(State("bogus"), StateIdle))
}

func TestLowSeverityDecidesLocally(t *testing.T) {
	consulted := false
	o := oracleFunc(func(context.Context, oracle.Request) (*oracle.Verdict, error) {
		consulted = true
		return nil, errors.New("unexpected")
	})
	e := newTestEngine(DefaultConfig(), o, nil, nil)

	run, err := e.Decide(context.Background(), anomaly(models.SeverityLow))
	require.NoError(t, err)
	assert.False(t, consulted)
	assert.Equal(t, []State{StateIdle, StateCorrelating, StateLocalDecision, StateDecided}, run.Trace)
	assert.Equal(t, []models.Action{models.ActionLog}, run.Decision.Actions)
	assert.Equal(t, models.DecidedByRule, run.Decision.DecidedBy)
}

func TestOracleVerdictIsUsed(t *testing.T) {
	var got oracle.Request
	o := oracleFunc(func(_ context.Context, req oracle.Request) (*oracle.Verdict, error) {
		got = req
		return &oracle.Verdict{
			Actions:   []models.Action{models.ActionCorrectiveAction, models.ActionCorrectiveAction},
			Rationale: "  particulate spike near intake ",
		}, nil
	})
	h, err := NewHistory(10, 3)
	require.NoError(t, err)
	a := anomaly(models.SeverityMedium)
	for i := 5; i > 0; i-- {
		h.Observe(models.Reading{DeviceID: "sensor-1", Timestamp: a.Timestamp.Add(-time.Duration(i) * time.Minute)})
	}
	h.Observe(models.Reading{DeviceID: "sensor-1", Timestamp: a.Timestamp})
	e := newTestEngine(DefaultConfig(), o, h, nil)

	run, err := e.Decide(context.Background(), a)
	require.NoError(t, err)
	assert.Equal(t, []State{StateIdle, StateCorrelating, StateOracleConsult, StateDecided}, run.Trace)
	assert.Nil(t, run.Fallback)

	d := run.Decision
	assert.Equal(t, models.DecidedByOracle, d.DecidedBy)
	assert.Equal(t, []models.Action{models.ActionCorrectiveAction}, d.Actions)
	assert.Equal(t, "particulate spike near intake", d.Rationale)
	assert.Equal(t, fixedNow, d.DecidedAt)

	require.Len(t, got.History, 3)
	assert.Equal(t, a.Timestamp.Add(-time.Minute), got.History[2].Timestamp, "the reading under decision is not history")
	assert.Equal(t, AllowedActions, got.AllowedActions)
}

func TestFallbackTable(t *testing.T) {
	tests := []struct {
		severity models.Severity
		want     []models.Action
	}{
		{models.SeverityMedium, []models.Action{models.ActionNotify}},
		{models.SeverityHigh, []models.Action{models.ActionNotify, models.ActionCorrectiveAction}},
	}
	for _, tt := range tests {
		t.Run(string(tt.severity), func(t *testing.T) {
			e := newTestEngine(DefaultConfig(), nil, nil, nil)
			run, err := e.Decide(context.Background(), anomaly(tt.severity))
			require.NoError(t, err)
			assert.Equal(t, tt.want, run.Decision.Actions)
			assert.Equal(t, models.DecidedByRule, run.Decision.DecidedBy)
			assert.Equal(t, []State{StateIdle, StateCorrelating, StateOracleConsult, StateLocalDecision, StateDecided}, run.Trace)

			var unavailable *models.OracleUnavailableError
			require.True(t, errors.As(run.Fallback, &unavailable))
			assert.Equal(t, "disabled", unavailable.Reason)
		})
	}
}

func TestFallbackIsIndependentOfCause(t *testing.T) {
	slow := oracleFunc(func(ctx context.Context, _ oracle.Request) (*oracle.Verdict, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	failing := oracleFunc(func(context.Context, oracle.Request) (*oracle.Verdict, error) {
		return nil, errors.New("connection refused")
	})
	invalid := oracleFunc(func(context.Context, oracle.Request) (*oracle.Verdict, error) {
		return &oracle.Verdict{Actions: []models.Action{"evacuate"}}, nil
	})
	empty := oracleFunc(func(context.Context, oracle.Request) (*oracle.Verdict, error) {
		return &oracle.Verdict{}, nil
	})

	cfg := DefaultConfig()
	cfg.OracleTimeout = 20 * time.Millisecond

	baseline, err := newTestEngine(cfg, oracle.Disabled{}, nil, nil).Decide(context.Background(), anomaly(models.SeverityHigh))
	require.NoError(t, err)

	reasons := map[string]oracle.Oracle{"timeout": slow, "consult failed": failing, "invalid verdict": invalid}
	for reason, o := range reasons {
		t.Run(reason, func(t *testing.T) {
			run, err := newTestEngine(cfg, o, nil, nil).Decide(context.Background(), anomaly(models.SeverityHigh))
			require.NoError(t, err)
			assert.Equal(t, baseline.Decision, run.Decision)
			assert.Equal(t, baseline.Trace, run.Trace)

			var unavailable *models.OracleUnavailableError
			require.True(t, errors.As(run.Fallback, &unavailable))
			assert.Equal(t, reason, unavailable.Reason)
		})
	}

	run, err := newTestEngine(cfg, empty, nil, nil).Decide(context.Background(), anomaly(models.SeverityHigh))
	require.NoError(t, err)
	assert.Equal(t, baseline.Decision, run.Decision)
}

func TestRateLimitedConsultFallsBack(t *testing.T) {
	calls := 0
	o := oracleFunc(func(context.Context, oracle.Request) (*oracle.Verdict, error) {
		calls++
		return &oracle.Verdict{Actions: []models.Action{models.ActionLog}, Rationale: "ok"}, nil
	})
	cfg := DefaultConfig()
	cfg.RatePerSecond = 0.001
	cfg.Burst = 1
	e := newTestEngine(cfg, o, nil, nil)

	first, err := e.Decide(context.Background(), anomaly(models.SeverityMedium))
	require.NoError(t, err)
	assert.Equal(t, models.DecidedByOracle, first.Decision.DecidedBy)

	second, err := e.Decide(context.Background(), anomaly(models.SeverityMedium))
	require.NoError(t, err)
	assert.Equal(t, models.DecidedByRule, second.Decision.DecidedBy)
	assert.Equal(t, 1, calls)
}

func TestCancelledContextAbandonsRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	o := oracleFunc(func(ctx context.Context, _ oracle.Request) (*oracle.Verdict, error) {
		cancel()
		return nil, ctx.Err()
	})
	d := &recordingDispatcher{}
	e := newTestEngine(DefaultConfig(), o, nil, d)

	run, err := e.Handle(ctx, anomaly(models.SeverityHigh))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateOracleConsult, run.State)
	assert.Empty(t, d.decisions)
}

func TestHandleDispatchesOnce(t *testing.T) {
	d := &recordingDispatcher{err: errors.New("sink down")}
	e := newTestEngine(DefaultConfig(), nil, nil, d)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	run, err := e.Handle(ctx, anomaly(models.SeverityLow))
	assert.EqualError(t, err, "sink down")
	assert.Equal(t, StateDispatched, run.State)
	require.Len(t, d.decisions, 1)
	assert.Same(t, run.Decision, d.decisions[0])
	assert.NoError(t, d.ctxErr)
}

func TestDecideRejectsNilAnomaly(t *testing.T) {
	_, err := newTestEngine(DefaultConfig(), nil, nil, nil).Decide(context.Background(), nil)
	assert.Error(t, err)
}
