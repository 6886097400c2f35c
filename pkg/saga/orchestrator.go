package saga

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/syros-io/syros/pkg/coord"
	"github.com/syros-io/syros/pkg/logstore"
	"github.com/syros-io/syros/pkg/telemetry"
)

// Options tunes an Orchestrator. Zero values fall back to defaults.
type Options struct {
	Clock              coord.Clock
	Metrics            *telemetry.Metrics
	Audit              AuditSink
	DefaultStepTimeout time.Duration
	DefaultMaxRetries  int
}

// Orchestrator drives saga state machines against the log store. Every
// state transition is persisted, with a compare-and-swap on the saga's
// current status, before the next executor dispatch.
type Orchestrator struct {
	store   logstore.Store
	clock   coord.Clock
	metrics *telemetry.Metrics
	audit   AuditSink
	logger  *slog.Logger

	defaultStepTimeout time.Duration
	defaultMaxRetries  int
}

// NewOrchestrator creates a saga engine over the given log store.
func NewOrchestrator(store logstore.Store, opts Options) *Orchestrator {
	o := &Orchestrator{
		store:              store,
		clock:              opts.Clock,
		metrics:            opts.Metrics,
		audit:              opts.Audit,
		logger:             slog.Default().With("component", "saga"),
		defaultStepTimeout: opts.DefaultStepTimeout,
		defaultMaxRetries:  opts.DefaultMaxRetries,
	}
	if o.clock == nil {
		o.clock = coord.SystemClock{}
	}
	if o.defaultStepTimeout <= 0 {
		o.defaultStepTimeout = 30 * time.Second
	}
	return o
}

// Start validates and persists a new saga in Pending, returning it
// without executing anything.
func (o *Orchestrator) Start(ctx context.Context, name string, steps []Step, metadata map[string]string) (*Saga, error) {
	if name == "" {
		return nil, coord.E(coord.KindInvalidArgument, "saga name must not be empty")
	}
	for i := range steps {
		if steps[i].Action == "" {
			return nil, coord.E(coord.KindInvalidArgument, "step %d has no action", i)
		}
		if steps[i].TimeoutSeconds < 0 {
			return nil, coord.E(coord.KindInvalidArgument, "step %d has negative timeout", i)
		}
		if p := steps[i].Retry; p != nil {
			switch p.Backoff {
			case BackoffFixed, BackoffLinear, BackoffExponential:
			default:
				return nil, coord.E(coord.KindInvalidArgument, "step %d has unknown backoff %q", i, p.Backoff)
			}
			if p.MaxRetries < 0 {
				return nil, coord.E(coord.KindInvalidArgument, "step %d has negative max_retries", i)
			}
		}
		steps[i].Status = StepPending
		steps[i].Attempts = 0
		steps[i].Error = ""
	}

	now := o.clock.Now()
	s := &Saga{
		ID:        uuid.New().String(),
		Name:      name,
		Status:    StatusPending,
		Steps:     steps,
		CreatedAt: now,
		UpdatedAt: now,
		Metadata:  metadata,
	}

	rec, err := encodeRecord(s)
	if err != nil {
		return nil, err
	}
	if err := o.store.InsertSaga(ctx, rec); err != nil {
		return nil, coord.FromStore(err, "saga insert")
	}

	o.metrics.SagaStarted(ctx)
	o.emit(ctx, s.ID, "saga.started", map[string]any{"name": name, "steps": len(steps)})
	return s, nil
}

// Status returns the full saga record with per-step states.
func (o *Orchestrator) Status(ctx context.Context, sagaID string) (*Saga, error) {
	return o.load(ctx, sagaID)
}

// Execute drives the saga from Pending to a terminal state using the
// caller's executor. The terminal status is returned; step-level failures
// are recorded on the saga, not surfaced as errors.
func (o *Orchestrator) Execute(ctx context.Context, sagaID string, exec Executor) (Status, error) {
	if exec == nil {
		return "", coord.E(coord.KindInvalidArgument, "executor must not be nil")
	}
	s, err := o.load(ctx, sagaID)
	if err != nil {
		return "", err
	}
	if s.Status != StatusPending {
		return "", coord.E(coord.KindSagaInvalidTransition, "saga %s is %s, not Pending", sagaID, s.Status)
	}

	// A saga with no steps completes immediately.
	if len(s.Steps) == 0 {
		s.Status = StatusCompleted
		if err := o.persist(ctx, s, StatusPending); err != nil {
			return "", err
		}
		o.metrics.SagaCompleted(ctx)
		o.emit(ctx, s.ID, "saga.completed", nil)
		return StatusCompleted, nil
	}

	expect := StatusPending
	for i := range s.Steps {
		step := i
		s.Status = StatusRunning
		s.CurrentStep = &step
		s.Steps[i].Status = StepRunning
		if err := o.persist(ctx, s, expect); err != nil {
			if cancelled, status := o.checkCancelled(ctx, s, exec, i); cancelled {
				return status, nil
			}
			return "", err
		}
		expect = StatusRunning

		stepErr := o.runStep(ctx, &s.Steps[i], exec)
		if stepErr == nil {
			s.Steps[i].Status = StepCompleted
			if err := o.persist(ctx, s, StatusRunning); err != nil {
				if cancelled, status := o.checkCancelled(ctx, s, exec, i+1); cancelled {
					return status, nil
				}
				return "", err
			}
			continue
		}

		s.Steps[i].Status = StepFailed
		s.Steps[i].Error = stepErr.Error()
		o.logger.InfoContext(ctx, "saga step failed",
			"saga_id", s.ID, "step", s.Steps[i].Name, "attempts", s.Steps[i].Attempts, "error", stepErr)

		if i == 0 {
			s.Status = StatusFailed
			if err := o.persist(ctx, s, StatusRunning); err != nil {
				return "", err
			}
			o.metrics.SagaFailed(ctx)
			o.emit(ctx, s.ID, "saga.failed", map[string]any{"step": s.Steps[i].Name})
			return StatusFailed, nil
		}
		return o.compensate(ctx, s, exec, StatusRunning)
	}

	s.Status = StatusCompleted
	if err := o.persist(ctx, s, StatusRunning); err != nil {
		if cancelled, status := o.checkCancelled(ctx, s, exec, len(s.Steps)); cancelled {
			return status, nil
		}
		return "", err
	}
	o.metrics.SagaCompleted(ctx)
	o.emit(ctx, s.ID, "saga.completed", nil)
	return StatusCompleted, nil
}

// Cancel requests rollback. Pending sagas jump straight to Compensated;
// Running sagas are flipped to Compensating for the executing driver to
// observe at its next transition; terminal sagas are untouched.
func (o *Orchestrator) Cancel(ctx context.Context, sagaID string) (Status, error) {
	for {
		s, err := o.load(ctx, sagaID)
		if err != nil {
			return "", err
		}
		switch s.Status {
		case StatusCompleted, StatusFailed, StatusCompensated:
			return s.Status, nil
		case StatusCompensating:
			return StatusCompensating, nil
		case StatusPending:
			s.Status = StatusCompensated
			if err := o.persist(ctx, s, StatusPending); err != nil {
				if coord.IsKind(err, coord.KindSagaInvalidTransition) {
					continue // lost the race, re-read
				}
				return "", err
			}
			o.emit(ctx, s.ID, "saga.cancelled", nil)
			return StatusCompensated, nil
		case StatusRunning:
			s.Status = StatusCompensating
			if s.Metadata == nil {
				s.Metadata = map[string]string{}
			}
			s.Metadata["cancel_requested_at"] = o.clock.Now().Format(time.RFC3339Nano)
			if err := o.persist(ctx, s, StatusRunning); err != nil {
				if coord.IsKind(err, coord.KindSagaInvalidTransition) {
					continue
				}
				return "", err
			}
			o.emit(ctx, s.ID, "saga.cancelled", nil)
			return StatusCompensating, nil
		default:
			return "", coord.E(coord.KindInternal, "saga %s has unknown status %q", sagaID, s.Status)
		}
	}
}

// RecoverInFlight applies the startup recovery rule: every persisted
// Running saga is assumed interrupted, its current step marked failed
// with a recovery marker, and its completed steps compensated. Returns
// the number of sagas recovered.
func (o *Orchestrator) RecoverInFlight(ctx context.Context, exec Executor) (int, error) {
	records, err := o.store.SagasByStatus(ctx, string(StatusRunning))
	if err != nil {
		return 0, coord.FromStore(err, "saga recovery scan")
	}

	recovered := 0
	for _, rec := range records {
		s, err := decodeRecord(rec)
		if err != nil {
			o.logger.ErrorContext(ctx, "skipping undecodable saga during recovery", "saga_id", rec.ID, "error", err)
			continue
		}
		if s.CurrentStep != nil && *s.CurrentStep < len(s.Steps) {
			cur := &s.Steps[*s.CurrentStep]
			if cur.Status == StepRunning {
				cur.Status = StepFailed
				cur.Error = "interrupted by process restart"
			}
		}
		if s.Metadata == nil {
			s.Metadata = map[string]string{}
		}
		s.Metadata["recovered_at"] = o.clock.Now().Format(time.RFC3339Nano)

		if _, err := o.compensate(ctx, s, exec, StatusRunning); err != nil {
			o.logger.ErrorContext(ctx, "saga recovery failed", "saga_id", s.ID, "error", err)
			continue
		}
		recovered++
	}
	return recovered, nil
}

// runStep dispatches the step's action under its timeout, retrying per
// its policy. Timeouts count as failures and are retried.
func (o *Orchestrator) runStep(ctx context.Context, step *Step, exec Executor) error {
	maxRetries := o.defaultMaxRetries
	policy := RetryPolicy{Backoff: BackoffFixed}
	if step.Retry != nil {
		policy = *step.Retry
		maxRetries = policy.MaxRetries
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetries+1; attempt++ {
		step.Attempts = attempt
		lastErr = o.dispatch(ctx, exec, step.Action, step.Payload, o.stepTimeout(step))
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			// Caller cancelled: no further retries.
			return lastErr
		}
		if attempt <= maxRetries {
			if err := o.sleep(ctx, policy.Delay(attempt)); err != nil {
				return lastErr
			}
		}
	}
	return lastErr
}

// compensate walks completed steps in reverse, invoking each compensation
// best-effort, then lands the saga in Compensated. Runs on a
// cancellation-immune context so a cancelled Execute still reaches a
// consistent terminal state.
func (o *Orchestrator) compensate(ctx context.Context, s *Saga, exec Executor, expect Status) (Status, error) {
	ctx = context.WithoutCancel(ctx)

	s.Status = StatusCompensating
	if err := o.persist(ctx, s, expect); err != nil {
		// The driver may already have been moved to Compensating by Cancel.
		reloaded, lerr := o.load(ctx, s.ID)
		if lerr != nil || reloaded.Status != StatusCompensating {
			return "", err
		}
		s.Status = StatusCompensating
	}
	return o.walkCompensations(ctx, s, exec)
}

// checkCancelled handles a lost status CAS during forward execution: when
// Cancel moved the saga to Compensating, the driver finishes the rollback
// here. fromStep is the index of the step whose transition lost the race.
func (o *Orchestrator) checkCancelled(ctx context.Context, s *Saga, exec Executor, fromStep int) (bool, Status) {
	reloaded, err := o.load(context.WithoutCancel(ctx), s.ID)
	if err != nil || reloaded.Status != StatusCompensating {
		return false, ""
	}
	// Carry over the step states this driver knows; the record in the
	// store predates the lost transition.
	reloaded.Steps = s.Steps
	if fromStep < len(reloaded.Steps) && reloaded.Steps[fromStep].Status == StepRunning {
		reloaded.Steps[fromStep].Status = StepFailed
		reloaded.Steps[fromStep].Error = "cancelled"
	}
	status, err := o.walkCompensations(ctx, reloaded, exec)
	if err != nil {
		o.logger.ErrorContext(ctx, "rollback after cancel failed", "saga_id", s.ID, "error", err)
		return true, StatusCompensating
	}
	return true, status
}

// walkCompensations runs the compensation walk for a saga already in
// Compensating.
func (o *Orchestrator) walkCompensations(ctx context.Context, s *Saga, exec Executor) (Status, error) {
	ctx = context.WithoutCancel(ctx)
	for i := len(s.Steps) - 1; i >= 0; i-- {
		if s.Steps[i].Status != StepCompleted {
			continue
		}
		if s.Steps[i].Compensation == "" {
			s.Steps[i].Status = StepSkipped
		} else if err := o.dispatch(ctx, exec, s.Steps[i].Compensation, s.Steps[i].Payload, o.stepTimeout(&s.Steps[i])); err != nil {
			s.Steps[i].Status = StepFailed
			s.Steps[i].Error = err.Error()
			o.logger.InfoContext(ctx, "saga compensation failed",
				"saga_id", s.ID, "step", s.Steps[i].Name, "error", err)
		} else {
			s.Steps[i].Status = StepCompensated
		}
		if err := o.persist(ctx, s, StatusCompensating); err != nil {
			return "", err
		}
	}
	s.Status = StatusCompensated
	if err := o.persist(ctx, s, StatusCompensating); err != nil {
		return "", err
	}
	o.metrics.SagaFailed(ctx)
	o.emit(ctx, s.ID, "saga.compensated", nil)
	return StatusCompensated, nil
}

// dispatch invokes the executor under the step timeout, enforcing the
// bound even against an executor that ignores its context.
func (o *Orchestrator) dispatch(ctx context.Context, exec Executor, action string, payload json.RawMessage, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- exec(ctx, action, payload)
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) stepTimeout(step *Step) time.Duration {
	if step.TimeoutSeconds > 0 {
		return time.Duration(step.TimeoutSeconds) * time.Second
	}
	return o.defaultStepTimeout
}

func (o *Orchestrator) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (o *Orchestrator) load(ctx context.Context, sagaID string) (*Saga, error) {
	if sagaID == "" {
		return nil, coord.E(coord.KindInvalidArgument, "saga_id must not be empty")
	}
	rec, err := o.store.GetSaga(ctx, sagaID)
	if errors.Is(err, logstore.ErrNotFound) {
		return nil, coord.E(coord.KindSagaNotFound, "saga %s not found", sagaID)
	}
	if err != nil {
		return nil, coord.FromStore(err, "saga load")
	}
	return decodeRecord(rec)
}

// persist writes the saga with a CAS on its previous status. A lost swap
// surfaces as SagaInvalidTransition for the caller to resolve.
func (o *Orchestrator) persist(ctx context.Context, s *Saga, expect Status) error {
	s.UpdatedAt = o.clock.Now()
	rec, err := encodeRecord(s)
	if err != nil {
		return err
	}
	ok, err := o.store.UpdateSaga(ctx, rec, string(expect))
	if err != nil {
		return coord.FromStore(err, "saga persist")
	}
	if !ok {
		return coord.E(coord.KindSagaInvalidTransition, "saga %s left %s concurrently", s.ID, expect)
	}
	return nil
}

func (o *Orchestrator) emit(ctx context.Context, sagaID, eventType string, payload any) {
	if o.audit == nil {
		return
	}
	o.audit(ctx, sagaID, eventType, payload)
}

func encodeRecord(s *Saga) (*logstore.SagaRecord, error) {
	steps, err := json.Marshal(s.Steps)
	if err != nil {
		return nil, coord.Wrap(coord.KindInternal, err, "encode saga steps")
	}
	meta := s.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	metadata, err := json.Marshal(meta)
	if err != nil {
		return nil, coord.Wrap(coord.KindInternal, err, "encode saga metadata")
	}
	return &logstore.SagaRecord{
		ID:          s.ID,
		Name:        s.Name,
		Status:      string(s.Status),
		CurrentStep: s.CurrentStep,
		Steps:       steps,
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.UpdatedAt,
		Metadata:    metadata,
	}, nil
}

func decodeRecord(rec *logstore.SagaRecord) (*Saga, error) {
	s := &Saga{
		ID:          rec.ID,
		Name:        rec.Name,
		Status:      Status(rec.Status),
		CurrentStep: rec.CurrentStep,
		CreatedAt:   rec.CreatedAt,
		UpdatedAt:   rec.UpdatedAt,
	}
	if err := json.Unmarshal(rec.Steps, &s.Steps); err != nil {
		return nil, coord.Wrap(coord.KindInternal, err, "decode saga steps for %s", rec.ID)
	}
	if len(rec.Metadata) > 0 {
		if err := json.Unmarshal(rec.Metadata, &s.Metadata); err != nil {
			return nil, coord.Wrap(coord.KindInternal, err, "decode saga metadata for %s", rec.ID)
		}
	}
	return s, nil
}
