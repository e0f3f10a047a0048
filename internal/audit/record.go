// Package audit records one ExecutionRecord per dispatched request. Writes
// are asynchronous and never fail the caller: a store outage degrades to a
// local append-only file.
package audit

import (
	"context"
	"errors"
	"time"
)

// Outcome is the final classification of a request.
type Outcome string

const (
	OutcomeAdmittedSuccess     Outcome = "ADMITTED_SUCCESS"
	OutcomeAdmittedFailure     Outcome = "ADMITTED_FAILURE"
	OutcomeAdmittedTimeout     Outcome = "ADMITTED_TIMEOUT"
	OutcomeRejectedAuth        Outcome = "REJECTED_AUTH"
	OutcomeRejectedKillSwitch  Outcome = "REJECTED_KILL_SWITCH"
	OutcomeRejectedReadOnly    Outcome = "REJECTED_READ_ONLY"
	OutcomeRejectedRateLimit   Outcome = "REJECTED_RATE_LIMIT"
	OutcomeRejectedUnknownTool Outcome = "REJECTED_UNKNOWN_TOOL"
)

// Admitted reports whether the request reached the handler.
func (o Outcome) Admitted() bool {
	switch o {
	case OutcomeAdmittedSuccess, OutcomeAdmittedFailure, OutcomeAdmittedTimeout:
		return true
	default:
		return false
	}
}

// ErrNotFound is returned by Query and Store.Get for an unknown correlation id.
var ErrNotFound = errors.New("execution record not found")

// ExecutionRecord is the append-only audit entry for one request.
type ExecutionRecord struct {
	CorrelationID   string    `json:"correlation_id"`
	Operation       string    `json:"operation"`
	Tier            string    `json:"tier,omitempty"`
	Outcome         Outcome   `json:"outcome"`
	ErrorKind       string    `json:"error_kind,omitempty"`
	Error           string    `json:"error,omitempty"`
	KeyID           string    `json:"key_id,omitempty"`
	DryRunRequested bool      `json:"dry_run_requested"`
	DryRunForced    bool      `json:"dry_run_forced"`
	EffectiveDryRun bool      `json:"effective_dry_run"`
	StartedAt       time.Time `json:"started_at"`
	EndedAt         time.Time `json:"ended_at"`
}

// Latency is the time between StartedAt and EndedAt.
func (r *ExecutionRecord) Latency() time.Duration {
	return r.EndedAt.Sub(r.StartedAt)
}

// Store is a durable record sink.
type Store interface {
	Write(ctx context.Context, batch []*ExecutionRecord) error
	Get(ctx context.Context, correlationID string) (*ExecutionRecord, error)
}
