package decision

import (
	"fmt"

	"github.com/smartsensor/smartsensor-ai/internal/models"
)

// Decision State Machine:
//
//	Idle → Correlating → LocalDecision ─────────────→ Decided → Dispatched
//	                   ↘ OracleConsult → (fallback) ↗
//	                                   ↘─────────────↗
//
// Low severity goes straight to LocalDecision. Medium and high consult the
// oracle and fall back to LocalDecision when it is unavailable.

// State is a position in the decision state machine.
type State string

const (
	StateIdle          State = "idle"
	StateCorrelating   State = "correlating"
	StateLocalDecision State = "local_decision"
	StateOracleConsult State = "oracle_consult"
	StateDecided       State = "decided"
	StateDispatched    State = "dispatched"
)

var validTransitions = map[State][]State{
	StateIdle:          {StateCorrelating},
	StateCorrelating:   {StateLocalDecision, StateOracleConsult},
	StateOracleConsult: {StateDecided, StateLocalDecision},
	StateLocalDecision: {StateDecided},
	StateDecided:       {StateDispatched},
	StateDispatched:    {}, // Terminal state
}

func validateStateTransition(from, to State) error {
	allowedStates, ok := validTransitions[from]
	if !ok {
		return fmt.Errorf("invalid current state: %s", from)
	}
	for _, allowed := range allowedStates {
		if allowed == to {
			return nil
		}
	}
	return fmt.Errorf("invalid state transition: %s → %s", from, to)
}

// Run is one pass of an anomaly through the state machine. Runs are
// independent values owned by a single goroutine.
type Run struct {
	State    State
	Anomaly  *models.CorrelatedAnomaly
	Decision *models.Decision
	// Trace lists every state the run has entered, starting with Idle.
	Trace []State
	// Fallback holds the reason the oracle was bypassed, if it was.
	Fallback error
}

func newRun(a *models.CorrelatedAnomaly) *Run {
	return &Run{State: StateIdle, Anomaly: a, Trace: []State{StateIdle}}
}

func (r *Run) transition(to State) error {
	if err := validateStateTransition(r.State, to); err != nil {
		return err
	}
	r.State = to
	r.Trace = append(r.Trace, to)
	return nil
}
