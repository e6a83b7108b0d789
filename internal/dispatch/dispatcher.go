// Package dispatch delivers decisions to their sinks with bounded exponential
// backoff. Each decision is dispatched at most once.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/smartsensor/smartsensor-ai/internal/audit"
	"github.com/smartsensor/smartsensor-ai/internal/metrics"
	"github.com/smartsensor/smartsensor-ai/internal/models"
)

// dispatchedCacheSize bounds the set of remembered decision IDs.
const dispatchedCacheSize = 8192

// Sink is one destination for decisions.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, d *models.Decision) error
}

// RetryPolicy defines the retry backoff parameters.
type RetryPolicy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	MaxAttempts  int
}

// DefaultRetryPolicy retries five times from 100ms, doubling up to 2s.
var DefaultRetryPolicy = RetryPolicy{
	InitialDelay: 100 * time.Millisecond,
	MaxDelay:     2 * time.Second,
	Multiplier:   2.0,
	MaxAttempts:  5,
}

// permanentError stops retries for its sink.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Dispatcher fans a decision out to every sink concurrently.
type Dispatcher struct {
	sinks  []Sink
	policy RetryPolicy
	audit  audit.Logger
	logger *zap.Logger

	mu         sync.Mutex
	dispatched *lru.Cache[string, struct{}]

	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a dispatcher over sinks.
func New(policy RetryPolicy, sinks []Sink, auditLogger audit.Logger, logger *zap.Logger) *Dispatcher {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if policy.Multiplier < 1 {
		policy.Multiplier = 1
	}
	if policy.MaxDelay < policy.InitialDelay {
		policy.MaxDelay = policy.InitialDelay
	}
	if auditLogger == nil {
		auditLogger = audit.NewNopLogger()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	dispatched, _ := lru.New[string, struct{}](dispatchedCacheSize)
	return &Dispatcher{
		sinks:      sinks,
		policy:     policy,
		audit:      auditLogger,
		logger:     logger.Named("dispatch"),
		dispatched: dispatched,
		sleep:      sleepContext,
	}
}

// Sinks lists the configured sink names.
func (d *Dispatcher) Sinks() []string {
	names := make([]string, len(d.sinks))
	for i, s := range d.sinks {
		names[i] = s.Name()
	}
	return names
}

// Dispatch delivers dec to every sink. A decision ID seen before is ignored.
// Sinks that exhaust their retries contribute a *models.PersistenceError to
// the joined result.
func (d *Dispatcher) Dispatch(ctx context.Context, dec *models.Decision) error {
	if dec == nil {
		return fmt.Errorf("nil decision")
	}
	if !d.claim(dec.ID) {
		d.logger.Debug("decision already dispatched", zap.String("decision_id", dec.ID))
		return nil
	}

	start := time.Now()
	errs := make([]error, len(d.sinks))
	var wg sync.WaitGroup
	for i, sink := range d.sinks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = d.deliver(ctx, sink, dec)
		}()
	}
	wg.Wait()

	err := errors.Join(errs...)
	if err == nil {
		d.logger.Debug("decision dispatched",
			zap.String("decision_id", dec.ID),
			zap.Int("sinks", len(d.sinks)),
			zap.Duration("elapsed", time.Since(start)),
		)
	}
	return err
}

// claim records id and reports whether it was new.
func (d *Dispatcher) claim(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dispatched.Contains(id) {
		return false
	}
	d.dispatched.Add(id, struct{}{})
	return true
}

func (d *Dispatcher) deliver(ctx context.Context, sink Sink, dec *models.Decision) error {
	name := sink.Name()
	start := time.Now()
	delay := d.policy.InitialDelay

	var (
		err     error
		attempt int
	)
	for attempt = 1; attempt <= d.policy.MaxAttempts; attempt++ {
		err = sink.Deliver(ctx, dec)
		if err == nil {
			metrics.DispatchAttemptsTotal.WithLabelValues(name, "success").Inc()
			return nil
		}
		metrics.DispatchAttemptsTotal.WithLabelValues(name, "failure").Inc()

		var permanent *permanentError
		if errors.As(err, &permanent) || attempt == d.policy.MaxAttempts {
			break
		}
		d.logger.Debug("sink delivery failed, retrying",
			zap.String("sink", name),
			zap.String("decision_id", dec.ID),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if serr := d.sleep(ctx, delay); serr != nil {
			err = fmt.Errorf("%w (retry aborted: %v)", err, serr)
			break
		}
		delay = time.Duration(float64(delay) * d.policy.Multiplier)
		if delay > d.policy.MaxDelay {
			delay = d.policy.MaxDelay
		}
	}
	perr := &models.PersistenceError{Sink: name, Attempts: attempt, Elapsed: time.Since(start), Err: err}
	metrics.DispatchFailuresTotal.WithLabelValues(name).Inc()
	_ = d.audit.LogDispatchFailed(ctx, dec, name, perr)
	d.logger.Error("sink delivery failed",
		zap.String("sink", name),
		zap.String("decision_id", dec.ID),
		zap.Int("attempts", attempt),
		zap.Error(err),
	)
	return perr
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
