// Package saga implements the saga orchestrator: persisted multi-step
// workflows driven forward step by step and rolled back with compensating
// actions on failure.
package saga

import (
	"context"
	"encoding/json"
	"time"
)

// Status is the saga-level state.
type Status string

const (
	StatusPending      Status = "Pending"
	StatusRunning      Status = "Running"
	StatusCompleted    Status = "Completed"
	StatusFailed       Status = "Failed"
	StatusCompensating Status = "Compensating"
	StatusCompensated  Status = "Compensated"
)

// Terminal reports whether no further transitions can occur.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCompensated
}

// StepStatus is the per-step runtime state.
type StepStatus string

const (
	StepPending     StepStatus = "Pending"
	StepRunning     StepStatus = "Running"
	StepCompleted   StepStatus = "Completed"
	StepFailed      StepStatus = "Failed"
	StepCompensated StepStatus = "Compensated"
	StepSkipped     StepStatus = "Skipped"
)

// Backoff names a retry delay strategy.
type Backoff string

const (
	BackoffFixed       Backoff = "Fixed"
	BackoffLinear      Backoff = "Linear"
	BackoffExponential Backoff = "Exponential"
)

// RetryPolicy bounds step retries. MaxRetries of zero means a single
// attempt.
type RetryPolicy struct {
	MaxRetries     int     `json:"max_retries"`
	Backoff        Backoff `json:"backoff"`
	InitialDelayMS int     `json:"initial_delay_ms"`
}

// Delay computes the pause before retry number attempt (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	base := time.Duration(p.InitialDelayMS) * time.Millisecond
	switch p.Backoff {
	case BackoffLinear:
		return base * time.Duration(attempt)
	case BackoffExponential:
		return base << (attempt - 1)
	default:
		return base
	}
}

// Step is one unit of a saga: a forward action, its compensating action
// (empty = no-op), and the runtime state the orchestrator records on it.
type Step struct {
	Name           string          `json:"name"`
	Action         string          `json:"action"`
	Compensation   string          `json:"compensation,omitempty"`
	TimeoutSeconds int             `json:"timeout_seconds"`
	Retry          *RetryPolicy    `json:"retry_policy,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`

	Status   StepStatus `json:"status"`
	Attempts int        `json:"attempts"`
	Error    string     `json:"error,omitempty"`
}

// Saga is the full saga record with per-step states.
type Saga struct {
	ID          string            `json:"saga_id"`
	Name        string            `json:"name"`
	Status      Status            `json:"status"`
	CurrentStep *int              `json:"current_step"`
	Steps       []Step            `json:"steps"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Executor is the caller-supplied capability that runs a step's action or
// compensation identifier against its payload. The orchestrator imposes
// the per-step timeout; a context error counts as a failed attempt.
type Executor func(ctx context.Context, action string, payload json.RawMessage) error

// AuditSink receives best-effort audit notifications of saga transitions.
// Failures are logged, never propagated.
type AuditSink func(ctx context.Context, sagaID, eventType string, payload any)
