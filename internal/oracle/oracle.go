// Package oracle consults an external reasoning service about medium and high
// severity anomalies.
package oracle

import (
	"context"

	"github.com/smartsensor/smartsensor-ai/internal/models"
)

// Request is the context handed to the oracle for one anomaly.
type Request struct {
	Anomaly *models.CorrelatedAnomaly
	// History holds the device readings preceding the anomaly, oldest first.
	History        []models.Reading
	AllowedActions []models.Action
}

// Verdict is the oracle's answer. It is validated by the caller.
type Verdict struct {
	Actions   []models.Action `json:"actions"`
	Rationale string          `json:"rationale"`
}

// Oracle is implemented by reasoning backends.
type Oracle interface {
	Consult(ctx context.Context, req Request) (*Verdict, error)
}

// Disabled is the oracle used when no backend is configured. Every consult
// fails with an OracleUnavailableError.
type Disabled struct{}

func (Disabled) Consult(context.Context, Request) (*Verdict, error) {
	return nil, &models.OracleUnavailableError{Reason: "disabled"}
}
