// Package decision turns correlated anomalies into decisions. Low severity is
// decided locally; medium and high consult the oracle and fall back to a
// fixed rule table when it is unavailable.
package decision

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/smartsensor/smartsensor-ai/internal/audit"
	"github.com/smartsensor/smartsensor-ai/internal/metrics"
	"github.com/smartsensor/smartsensor-ai/internal/models"
	"github.com/smartsensor/smartsensor-ai/internal/oracle"
	"github.com/smartsensor/smartsensor-ai/internal/tracing"
)

// AllowedActions is the action set offered to the oracle.
var AllowedActions = []models.Action{models.ActionLog, models.ActionNotify, models.ActionCorrectiveAction}

// fallbackActions is the rule table applied when the oracle is bypassed.
var fallbackActions = map[models.Severity][]models.Action{
	models.SeverityLow:    {models.ActionLog},
	models.SeverityMedium: {models.ActionNotify},
	models.SeverityHigh:   {models.ActionNotify, models.ActionCorrectiveAction},
}

// Dispatcher delivers a decision to every configured sink.
type Dispatcher interface {
	Dispatch(ctx context.Context, d *models.Decision) error
}

// Config configures the engine.
type Config struct {
	OracleTimeout time.Duration
	// RatePerSecond and Burst bound oracle consults. Zero disables the limit.
	RatePerSecond float64
	Burst         int
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{OracleTimeout: 5 * time.Second, RatePerSecond: 2, Burst: 4}
}

// Engine runs the decision state machine.
type Engine struct {
	cfg        Config
	oracle     oracle.Oracle
	limiter    *rate.Limiter
	history    HistorySource
	dispatcher Dispatcher
	audit      audit.Logger
	logger     *zap.Logger

	now   func() time.Time
	newID func() string
}

// New creates an engine. A nil oracle behaves as oracle.Disabled; a nil
// history source yields empty oracle context.
func New(cfg Config, o oracle.Oracle, history HistorySource, dispatcher Dispatcher, auditLogger audit.Logger, logger *zap.Logger) *Engine {
	if o == nil {
		o = oracle.Disabled{}
	}
	if cfg.OracleTimeout <= 0 {
		cfg.OracleTimeout = DefaultConfig().OracleTimeout
	}
	if auditLogger == nil {
		auditLogger = audit.NewNopLogger()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		cfg:        cfg,
		oracle:     o,
		history:    history,
		dispatcher: dispatcher,
		audit:      auditLogger,
		logger:     logger.Named("decision"),
		now:        time.Now,
		newID:      uuid.NewString,
	}
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	return e
}

// Decide runs an anomaly up to the Decided state. It fails only when ctx is
// cancelled or a is invalid; oracle problems are absorbed by the fallback.
func (e *Engine) Decide(ctx context.Context, a *models.CorrelatedAnomaly) (*Run, error) {
	if a == nil {
		return nil, fmt.Errorf("nil anomaly")
	}
	ctx, span := tracing.StartSpan(ctx, "decision.decide",
		attribute.String("device_id", a.DeviceID),
		attribute.String("severity", string(a.Severity)),
	)
	defer span.End()

	run := newRun(a)
	if err := run.transition(StateCorrelating); err != nil {
		return nil, err
	}

	if a.Severity != models.SeverityLow {
		if err := run.transition(StateOracleConsult); err != nil {
			return nil, err
		}
		d, err := e.consult(ctx, a)
		if err != nil {
			var unavailable *models.OracleUnavailableError
			if !errors.As(err, &unavailable) {
				span.RecordError(err)
				span.SetStatus(codes.Error, "abandoned")
				return run, err
			}
			run.Fallback = err
			e.logger.Warn("oracle unavailable, applying rule fallback",
				zap.String("device_id", a.DeviceID),
				zap.String("severity", string(a.Severity)),
				zap.Error(err),
			)
			_ = e.audit.LogOracleUnavailable(ctx, a.DeviceID, err)
		} else {
			run.Decision = d
		}
	}

	if run.Decision == nil {
		if err := run.transition(StateLocalDecision); err != nil {
			return nil, err
		}
		run.Decision = e.ruleDecision(a)
	}
	if err := run.transition(StateDecided); err != nil {
		return nil, err
	}

	d := run.Decision
	span.SetAttributes(attribute.String("decided_by", string(d.DecidedBy)))
	metrics.DecisionsTotal.WithLabelValues(string(d.DecidedBy), string(a.Severity)).Inc()
	_ = e.audit.LogDecisionMade(ctx, d)
	return run, nil
}

// Handle decides and then dispatches. Once Decided the run is carried to
// Dispatched even if ctx is cancelled; the dispatch error, if any, is
// returned alongside the run.
func (e *Engine) Handle(ctx context.Context, a *models.CorrelatedAnomaly) (*Run, error) {
	run, err := e.Decide(ctx, a)
	if err != nil {
		return run, err
	}
	if err := run.transition(StateDispatched); err != nil {
		return run, err
	}
	if e.dispatcher == nil {
		return run, nil
	}
	return run, e.dispatcher.Dispatch(context.WithoutCancel(ctx), run.Decision)
}

// consult asks the oracle. Every failure other than cancellation of ctx
// itself is reported as *models.OracleUnavailableError.
func (e *Engine) consult(ctx context.Context, a *models.CorrelatedAnomaly) (*models.Decision, error) {
	if _, disabled := e.oracle.(oracle.Disabled); disabled {
		metrics.OracleRequestsTotal.WithLabelValues("disabled").Inc()
		return nil, &models.OracleUnavailableError{Reason: "disabled"}
	}
	if e.limiter != nil && !e.limiter.Allow() {
		metrics.OracleRequestsTotal.WithLabelValues("rate_limited").Inc()
		return nil, &models.OracleUnavailableError{Reason: "rate limited"}
	}

	req := oracle.Request{Anomaly: a, AllowedActions: AllowedActions}
	if e.history != nil {
		req.History = e.history.Recent(a.DeviceID, a.Timestamp)
	}

	cctx, cancel := context.WithTimeout(ctx, e.cfg.OracleTimeout)
	defer cancel()

	start := time.Now()
	verdict, err := e.oracle.Consult(cctx, req)
	metrics.OracleRequestDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(cctx.Err(), context.DeadlineExceeded) {
			metrics.OracleRequestsTotal.WithLabelValues("timeout").Inc()
			return nil, &models.OracleUnavailableError{Reason: "timeout", Err: err}
		}
		metrics.OracleRequestsTotal.WithLabelValues("error").Inc()
		var unavailable *models.OracleUnavailableError
		if errors.As(err, &unavailable) {
			return nil, unavailable
		}
		return nil, &models.OracleUnavailableError{Reason: "consult failed", Err: err}
	}

	actions, err := validateVerdict(verdict)
	if err != nil {
		metrics.OracleRequestsTotal.WithLabelValues("invalid").Inc()
		return nil, &models.OracleUnavailableError{Reason: "invalid verdict", Err: err}
	}
	metrics.OracleRequestsTotal.WithLabelValues("success").Inc()

	rationale := strings.TrimSpace(verdict.Rationale)
	if rationale == "" {
		rationale = "oracle verdict"
	}
	return e.decision(a, actions, rationale, models.DecidedByOracle), nil
}

// validateVerdict checks the actions against the allowed set and drops
// duplicates, preserving order.
func validateVerdict(v *oracle.Verdict) ([]models.Action, error) {
	if v == nil || len(v.Actions) == 0 {
		return nil, fmt.Errorf("verdict has no actions")
	}
	seen := make(map[models.Action]bool, len(v.Actions))
	out := make([]models.Action, 0, len(v.Actions))
	for _, act := range v.Actions {
		act = models.Action(strings.TrimSpace(string(act)))
		if !models.KnownAction(act) {
			return nil, fmt.Errorf("unknown action %q", act)
		}
		if !seen[act] {
			seen[act] = true
			out = append(out, act)
		}
	}
	return out, nil
}

func (e *Engine) ruleDecision(a *models.CorrelatedAnomaly) *models.Decision {
	actions := append([]models.Action(nil), fallbackActions[a.Severity]...)
	if len(actions) == 0 {
		actions = []models.Action{models.ActionLog}
	}
	rationale := fmt.Sprintf("rule: %s severity anomaly on %s", a.Severity, joinFields(a.Fields()))
	return e.decision(a, actions, rationale, models.DecidedByRule)
}

func (e *Engine) decision(a *models.CorrelatedAnomaly, actions []models.Action, rationale string, by models.DecidedBy) *models.Decision {
	return &models.Decision{
		ID:        e.newID(),
		DeviceID:  a.DeviceID,
		Timestamp: a.Timestamp,
		Anomaly:   a,
		Actions:   actions,
		Rationale: rationale,
		DecidedBy: by,
		DecidedAt: e.now().UTC(),
	}
}

func joinFields(fields []models.Field) string {
	parts := make([]string, len(fields))
	for i, f := range fields {
		parts[i] = string(f)
	}
	return strings.Join(parts, ", ")
}
