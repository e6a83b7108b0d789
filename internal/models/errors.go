package models

import (
	"fmt"
	"time"
)

// ValidationError rejects a single reading. The reading is dropped.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid reading: %s: %s", e.Field, e.Reason)
}

// InsufficientDataError reports that a detector has not seen enough history.
// Scoring still produces a normal result with zero confidence.
type InsufficientDataError struct {
	Kind     DetectorKind
	Have     int
	Required int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("%s detector needs %d readings, have %d", e.Kind, e.Required, e.Have)
}

// ConfigurationError rejects detector parameters at construction time.
type ConfigurationError struct {
	Kind      DetectorKind
	Parameter string
	Reason    string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid %s configuration: %s %s", e.Kind, e.Parameter, e.Reason)
}

// OracleUnavailableError triggers the deterministic fallback.
type OracleUnavailableError struct {
	Reason string
	Err    error
}

func (e *OracleUnavailableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("oracle unavailable: %s: %v", e.Reason, e.Err)
	}
	return "oracle unavailable: " + e.Reason
}

func (e *OracleUnavailableError) Unwrap() error { return e.Err }

// PersistenceError is surfaced after a sink exhausts its retries.
type PersistenceError struct {
	Sink     string
	Attempts int
	Elapsed  time.Duration
	Err      error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("sink %s failed after %d attempts (%s): %v", e.Sink, e.Attempts, e.Elapsed, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
