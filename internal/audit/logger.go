package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/smartsensor/smartsensor-ai/internal/logging"
	"github.com/smartsensor/smartsensor-ai/internal/models"
)

// Logger defines the interface for audit logging
type Logger interface {
	// Log logs an audit event
	Log(ctx context.Context, event *Event) error

	// Decision lifecycle
	LogDecisionMade(ctx context.Context, d *models.Decision) error
	LogDecisionDispatched(ctx context.Context, d *models.Decision, duration time.Duration) error
	LogDispatchFailed(ctx context.Context, d *models.Decision, sink string, err error) error
	LogOracleUnavailable(ctx context.Context, deviceID string, err error) error

	// Model lifecycle
	LogModelTrained(ctx context.Context, state *models.ModelState, duration time.Duration) error
	LogModelSwapped(ctx context.Context, state *models.ModelState, previous models.DetectorKind) error
	LogTrainingFailed(ctx context.Context, key models.ModelKey, err error) error

	// Ingestion
	LogReadingRejected(ctx context.Context, deviceID string, err error) error

	// LogSystem records process lifecycle events
	LogSystem(ctx context.Context, eventType EventType, description string) error

	// Sync flushes buffered log entries
	Sync() error

	// Close closes the audit logger
	Close() error
}

// Config represents audit logger configuration
type Config struct {
	// AuditLogPath is the path to the audit log file
	AuditLogPath string

	// MaxSize is the maximum size in megabytes before rotation
	MaxSize int

	// MaxBackups is the maximum number of old log files to retain
	MaxBackups int

	// MaxAge is the maximum number of days to retain old log files
	MaxAge int

	// Compress determines if rotated files should be compressed
	Compress bool

	// BufferSize is the number of events held before a forced flush
	BufferSize int

	// FlushInterval is the period of the background flush
	FlushInterval time.Duration
}

// DefaultConfig returns default audit logger configuration
func DefaultConfig() *Config {
	return &Config{
		AuditLogPath:  "logs/audit.log",
		MaxSize:       100, // megabytes
		MaxBackups:    10,
		MaxAge:        30, // days
		Compress:      true,
		BufferSize:    100,
		FlushInterval: time.Second,
	}
}

// auditLogger implements the Logger interface
type auditLogger struct {
	appLogger   *zap.Logger
	auditLogger *zap.Logger
	config      *Config
	mu          sync.Mutex
	buffer      []*Event
	flushTicker *time.Ticker
	stopCh      chan struct{}
	closeOnce   sync.Once
}

// NewLogger creates a new audit logger. appLogger receives the logger's own
// failures and may be nil.
func NewLogger(config *Config, appLogger *zap.Logger) (Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.AuditLogPath == "" {
		return nil, fmt.Errorf("audit log path is required")
	}

	// Audit logs are append-only at INFO level
	auditRotator := &lumberjack.Logger{
		Filename:   config.AuditLogPath,
		MaxSize:    config.MaxSize,
		MaxBackups: config.MaxBackups,
		MaxAge:     config.MaxAge,
		Compress:   config.Compress,
	}
	auditCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(logging.EncoderConfig()),
		zapcore.AddSync(auditRotator),
		zapcore.InfoLevel,
	)

	return newAuditLogger(config, zap.New(auditCore), appLogger), nil
}

// NewNopLogger returns a Logger that discards every event.
func NewNopLogger() Logger {
	return newAuditLogger(DefaultConfig(), zap.NewNop(), nil)
}

func newAuditLogger(config *Config, sink, appLogger *zap.Logger) *auditLogger {
	if appLogger == nil {
		appLogger = zap.NewNop()
	}
	if config.BufferSize <= 0 {
		config.BufferSize = 100
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = time.Second
	}
	l := &auditLogger{
		appLogger:   appLogger.Named("audit"),
		auditLogger: sink,
		config:      config,
		buffer:      make([]*Event, 0, config.BufferSize),
		flushTicker: time.NewTicker(config.FlushInterval),
		stopCh:      make(chan struct{}),
	}
	go l.autoFlush()
	return l
}

// Log logs an audit event
func (l *auditLogger) Log(ctx context.Context, event *Event) error {
	if event.CorrelationID == "" {
		event.CorrelationID = GetCorrelationID(ctx)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.buffer = append(l.buffer, event)
	if len(l.buffer) >= l.config.BufferSize {
		return l.flushLocked()
	}
	return nil
}

// flushLocked flushes the buffer (caller must hold lock)
func (l *auditLogger) flushLocked() error {
	if len(l.buffer) == 0 {
		return nil
	}

	for _, event := range l.buffer {
		eventJSON, err := json.Marshal(event)
		if err != nil {
			l.appLogger.Error("failed to marshal audit event",
				zap.Error(err),
				zap.String("event_type", string(event.EventType)),
			)
			continue
		}

		l.auditLogger.Info(string(eventJSON),
			zap.String("correlation_id", event.CorrelationID),
			zap.String("event_type", string(event.EventType)),
			zap.String("result", string(event.Result)),
		)
	}

	l.buffer = l.buffer[:0]
	return nil
}

// autoFlush periodically flushes the buffer
func (l *auditLogger) autoFlush() {
	for {
		select {
		case <-l.flushTicker.C:
			l.mu.Lock()
			_ = l.flushLocked()
			l.mu.Unlock()
		case <-l.stopCh:
			return
		}
	}
}

// ─── Decisions ────────────────────────────────────────────────────────────────

func actionList(d *models.Decision) string {
	names := make([]string, len(d.Actions))
	for i, a := range d.Actions {
		names[i] = string(a)
	}
	return strings.Join(names, ",")
}

// LogDecisionMade logs a terminal decision before dispatch
func (l *auditLogger) LogDecisionMade(ctx context.Context, d *models.Decision) error {
	event := NewEvent(EventDecisionMade).
		WithCorrelationID(d.ID).
		WithDevice(d.DeviceID, "").
		WithAction(actionList(d)).
		WithResult(ResultSuccess).
		WithMetadata("decided_by", string(d.DecidedBy)).
		WithDescription(d.Rationale)
	if d.Anomaly != nil {
		event.WithMetadata("severity", string(d.Anomaly.Severity)).
			WithMetadata("fields", d.Anomaly.Fields())
	}
	return l.Log(ctx, event)
}

// LogDecisionDispatched logs a decision delivered to every sink
func (l *auditLogger) LogDecisionDispatched(ctx context.Context, d *models.Decision, duration time.Duration) error {
	event := NewEvent(EventDecisionDispatched).
		WithCorrelationID(d.ID).
		WithDevice(d.DeviceID, "").
		WithAction(actionList(d)).
		WithResult(ResultSuccess).
		WithDuration(duration).
		WithDescription(fmt.Sprintf("Decision %s dispatched", d.ID))
	return l.Log(ctx, event)
}

// LogDispatchFailed logs a sink that exhausted its retries
func (l *auditLogger) LogDispatchFailed(ctx context.Context, d *models.Decision, sink string, err error) error {
	event := NewEvent(EventDispatchFailed).
		WithCorrelationID(d.ID).
		WithDevice(d.DeviceID, "").
		WithAction(actionList(d)).
		WithMetadata("sink", sink).
		WithError(err, "dispatch_error").
		WithDescription(fmt.Sprintf("Decision %s not delivered to %s", d.ID, sink))
	return l.Log(ctx, event)
}

// LogOracleUnavailable logs a consult that fell back to the rule table
func (l *auditLogger) LogOracleUnavailable(ctx context.Context, deviceID string, err error) error {
	event := NewEvent(EventOracleUnavailable).
		WithDevice(deviceID, "").
		WithError(err, "oracle_unavailable").
		WithDescription("Oracle unavailable, rule fallback applied")
	return l.Log(ctx, event)
}

// ─── Models ───────────────────────────────────────────────────────────────────

// LogModelTrained logs a completed fit
func (l *auditLogger) LogModelTrained(ctx context.Context, state *models.ModelState, duration time.Duration) error {
	event := NewEvent(EventModelTrained).
		WithDevice(state.DeviceID, string(state.Field)).
		WithAction(string(state.DetectorKind)).
		WithResult(ResultSuccess).
		WithDuration(duration).
		WithMetadata("accuracy", state.Accuracy).
		WithMetadata("readings_count", state.ReadingsCount).
		WithDescription(fmt.Sprintf("Trained %s for %s", state.DetectorKind, state.Key()))
	return l.Log(ctx, event)
}

// LogModelSwapped logs a detector kind change for a key
func (l *auditLogger) LogModelSwapped(ctx context.Context, state *models.ModelState, previous models.DetectorKind) error {
	event := NewEvent(EventModelSwapped).
		WithDevice(state.DeviceID, string(state.Field)).
		WithAction(string(state.DetectorKind)).
		WithResult(ResultSuccess).
		WithMetadata("previous", string(previous)).
		WithDescription(fmt.Sprintf("Detector for %s changed from %s to %s", state.Key(), previous, state.DetectorKind))
	return l.Log(ctx, event)
}

// LogTrainingFailed logs a key whose training cycle failed
func (l *auditLogger) LogTrainingFailed(ctx context.Context, key models.ModelKey, err error) error {
	event := NewEvent(EventTrainingFailed).
		WithDevice(key.DeviceID, string(key.Field)).
		WithError(err, "training_error").
		WithDescription(fmt.Sprintf("Training failed for %s", key))
	return l.Log(ctx, event)
}

// ─── Ingestion & system ───────────────────────────────────────────────────────

// LogReadingRejected logs a reading dropped by validation
func (l *auditLogger) LogReadingRejected(ctx context.Context, deviceID string, err error) error {
	event := NewEvent(EventReadingRejected).
		WithDevice(deviceID, "").
		WithResult(ResultDenied).
		WithDescription(err.Error())
	var ve *models.ValidationError
	if errors.As(err, &ve) {
		event.Field = ve.Field
		event.ErrorCode = "validation_error"
	}
	return l.Log(ctx, event)
}

// LogSystem logs a process lifecycle event
func (l *auditLogger) LogSystem(ctx context.Context, eventType EventType, description string) error {
	event := NewEvent(eventType).
		WithResult(ResultSuccess).
		WithDescription(description)
	return l.Log(ctx, event)
}

// Sync flushes buffered log entries
func (l *auditLogger) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.flushLocked(); err != nil {
		return err
	}
	// Syncing a closed or non-file sink is not an audit failure.
	_ = l.auditLogger.Sync()
	return nil
}

// Close closes the audit logger
func (l *auditLogger) Close() error {
	l.closeOnce.Do(func() {
		close(l.stopCh)
		l.flushTicker.Stop()
	})
	return l.Sync()
}

type correlationKey struct{}

// GetCorrelationID extracts correlation ID from context
func GetCorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationKey{}).(string); ok {
		return id
	}
	return ""
}

// WithCorrelationID adds correlation ID to context
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// GenerateCorrelationID generates a new correlation ID
func GenerateCorrelationID() string {
	return uuid.NewString()
}
