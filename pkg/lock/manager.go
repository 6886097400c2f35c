// Package lock implements the distributed lock engine: named leases with
// owner identity, TTL expiry, and an optional bounded wait on acquire.
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/syros-io/syros/pkg/coord"
	"github.com/syros-io/syros/pkg/leasestore"
	"github.com/syros-io/syros/pkg/telemetry"
)

const keyPrefix = "syros:lock:"

// record is the JSON value stored under the lease key. Release and extend
// compare the exact stored bytes, so any concurrent replacement of the
// record makes the comparison fail.
type record struct {
	LockID     string    `json:"lock_id"`
	Owner      string    `json:"owner"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	Metadata   string    `json:"metadata,omitempty"`
}

// Lock is the result of a successful acquire.
type Lock struct {
	LockID     string    `json:"lock_id"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Status describes the current holder of a key, if any.
type Status struct {
	IsLocked   bool      `json:"is_locked"`
	LockID     string    `json:"lock_id,omitempty"`
	Owner      string    `json:"owner,omitempty"`
	AcquiredAt time.Time `json:"acquired_at,omitzero"`
	ExpiresAt  time.Time `json:"expires_at,omitzero"`
	Metadata   string    `json:"metadata,omitempty"`
}

// AcquireRequest carries the acquire parameters. A zero WaitTimeout means
// fail immediately on conflict.
type AcquireRequest struct {
	Key         string
	Owner       string
	TTL         time.Duration
	Metadata    string
	WaitTimeout time.Duration
}

// Options tunes a Manager. Zero values fall back to defaults.
type Options struct {
	Clock       coord.Clock
	Metrics     *telemetry.Metrics
	WaitPollMin time.Duration
	WaitPollMax time.Duration
}

// Manager is the lock engine. It is stateless apart from its store handle;
// all lock records live in the lease store and expire by its native TTL.
type Manager struct {
	store   leasestore.Store
	clock   coord.Clock
	metrics *telemetry.Metrics
	logger  *slog.Logger

	waitPollMin time.Duration
	waitPollMax time.Duration
}

// NewManager creates a lock engine over the given lease store.
func NewManager(store leasestore.Store, opts Options) *Manager {
	m := &Manager{
		store:       store,
		clock:       opts.Clock,
		metrics:     opts.Metrics,
		logger:      slog.Default().With("component", "lock"),
		waitPollMin: opts.WaitPollMin,
		waitPollMax: opts.WaitPollMax,
	}
	if m.clock == nil {
		m.clock = coord.SystemClock{}
	}
	if m.waitPollMin <= 0 {
		m.waitPollMin = 50 * time.Millisecond
	}
	if m.waitPollMax <= 0 {
		m.waitPollMax = 500 * time.Millisecond
	}
	return m
}

// Acquire attempts to take the lease on req.Key. On conflict it fails with
// LockConflict, or, when req.WaitTimeout is positive, polls with bounded
// exponential backoff until the key frees or the deadline passes
// (WaitTimeout). Concurrent waiters race without fairness ordering.
func (m *Manager) Acquire(ctx context.Context, req AcquireRequest) (*Lock, error) {
	if req.Key == "" {
		return nil, coord.E(coord.KindInvalidArgument, "lock key must not be empty")
	}
	if req.Owner == "" {
		return nil, coord.E(coord.KindInvalidArgument, "lock owner must not be empty")
	}
	if req.TTL <= 0 {
		return nil, coord.E(coord.KindInvalidArgument, "lock ttl must be positive")
	}

	lock, err := m.tryAcquire(ctx, req)
	if err != nil || lock != nil {
		return lock, err
	}
	if req.WaitTimeout <= 0 {
		return nil, coord.E(coord.KindLockConflict, "key %q is held", req.Key)
	}

	deadline := m.clock.Now().Add(req.WaitTimeout)
	poll := backoff.NewExponentialBackOff()
	poll.InitialInterval = m.waitPollMin
	poll.MaxInterval = m.waitPollMax
	poll.Multiplier = 2

	for {
		delay := poll.NextBackOff()
		if remaining := deadline.Sub(m.clock.Now()); remaining <= 0 {
			return nil, coord.E(coord.KindWaitTimeout, "wait for key %q elapsed after %s", req.Key, req.WaitTimeout)
		} else if delay > remaining {
			delay = remaining
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}

		lock, err := m.tryAcquire(ctx, req)
		if err != nil || lock != nil {
			return lock, err
		}
		if !deadline.After(m.clock.Now()) {
			return nil, coord.E(coord.KindWaitTimeout, "wait for key %q elapsed after %s", req.Key, req.WaitTimeout)
		}
	}
}

// tryAcquire performs one conditional SET, returning (nil, nil) when the
// key is held.
func (m *Manager) tryAcquire(ctx context.Context, req AcquireRequest) (*Lock, error) {
	now := m.clock.Now()
	rec := record{
		LockID:     uuid.New().String(),
		Owner:      req.Owner,
		AcquiredAt: now,
		ExpiresAt:  now.Add(req.TTL),
		Metadata:   req.Metadata,
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, coord.Wrap(coord.KindInternal, err, "encode lock record")
	}

	ok, err := m.store.SetNX(ctx, keyPrefix+req.Key, payload, req.TTL)
	if err != nil {
		return nil, coord.FromStore(err, "lock acquire")
	}
	if !ok {
		return nil, nil
	}

	m.metrics.LockAcquired(ctx)
	m.logger.DebugContext(ctx, "lock acquired", "key", req.Key, "owner", req.Owner, "lock_id", rec.LockID)
	return &Lock{LockID: rec.LockID, AcquiredAt: rec.AcquiredAt, ExpiresAt: rec.ExpiresAt}, nil
}

// Release removes the lease iff both lock_id and owner match the live
// record. A stale or absent record yields released=false, not an error, so
// client retries stay idempotent.
func (m *Manager) Release(ctx context.Context, key, lockID, owner string) (bool, error) {
	if key == "" || lockID == "" || owner == "" {
		return false, coord.E(coord.KindInvalidArgument, "key, lock_id and owner must not be empty")
	}

	payload, err := m.store.Get(ctx, keyPrefix+key)
	if errors.Is(err, leasestore.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, coord.FromStore(err, "lock release")
	}

	var rec record
	if err := json.Unmarshal(payload, &rec); err != nil {
		return false, coord.Wrap(coord.KindInternal, err, "decode lock record for %q", key)
	}
	if rec.LockID != lockID || rec.Owner != owner {
		return false, nil
	}

	released, err := m.store.CompareAndDelete(ctx, keyPrefix+key, payload)
	if err != nil {
		return false, coord.FromStore(err, "lock release")
	}
	if released {
		m.metrics.LockReleased(ctx)
		m.logger.DebugContext(ctx, "lock released", "key", key, "lock_id", lockID)
	}
	return released, nil
}

// Extend moves the lease expiry to now+additional for an active matching
// lock. LockNotFound when no live record exists, LockConflict when the
// live record's lock_id differs or the record changed mid-extend.
func (m *Manager) Extend(ctx context.Context, key, lockID string, additional time.Duration) (time.Time, error) {
	if key == "" || lockID == "" {
		return time.Time{}, coord.E(coord.KindInvalidArgument, "key and lock_id must not be empty")
	}
	if additional <= 0 {
		return time.Time{}, coord.E(coord.KindInvalidArgument, "extension must be positive")
	}

	payload, err := m.store.Get(ctx, keyPrefix+key)
	if errors.Is(err, leasestore.ErrNotFound) {
		return time.Time{}, coord.E(coord.KindLockNotFound, "no live lock for key %q", key)
	}
	if err != nil {
		return time.Time{}, coord.FromStore(err, "lock extend")
	}

	var rec record
	if err := json.Unmarshal(payload, &rec); err != nil {
		return time.Time{}, coord.Wrap(coord.KindInternal, err, "decode lock record for %q", key)
	}
	if rec.LockID != lockID {
		return time.Time{}, coord.E(coord.KindLockConflict, "key %q is held under a different lock_id", key)
	}

	updated := rec
	updated.ExpiresAt = m.clock.Now().Add(additional)
	replacement, err := json.Marshal(updated)
	if err != nil {
		return time.Time{}, coord.Wrap(coord.KindInternal, err, "encode lock record")
	}

	swapped, err := m.store.CompareAndSwap(ctx, keyPrefix+key, payload, replacement, additional)
	if err != nil {
		return time.Time{}, coord.FromStore(err, "lock extend")
	}
	if !swapped {
		return time.Time{}, coord.E(coord.KindLockConflict, "lock for key %q changed during extend", key)
	}
	return updated.ExpiresAt, nil
}

// Status reports the live holder of key. An expired-but-unswept record
// reads as unlocked and is dropped best-effort.
func (m *Manager) Status(ctx context.Context, key string) (*Status, error) {
	if key == "" {
		return nil, coord.E(coord.KindInvalidArgument, "lock key must not be empty")
	}

	payload, err := m.store.Get(ctx, keyPrefix+key)
	if errors.Is(err, leasestore.ErrNotFound) {
		return &Status{}, nil
	}
	if err != nil {
		return nil, coord.FromStore(err, "lock status")
	}

	var rec record
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, coord.Wrap(coord.KindInternal, err, "decode lock record for %q", key)
	}
	if !rec.ExpiresAt.After(m.clock.Now()) {
		// Expired but not yet swept by the store's TTL.
		if _, err := m.store.CompareAndDelete(ctx, keyPrefix+key, payload); err != nil {
			m.logger.DebugContext(ctx, "failed to sweep expired lock", "key", key, "error", err)
		}
		return &Status{}, nil
	}

	return &Status{
		IsLocked:   true,
		LockID:     rec.LockID,
		Owner:      rec.Owner,
		AcquiredAt: rec.AcquiredAt,
		ExpiresAt:  rec.ExpiresAt,
		Metadata:   rec.Metadata,
	}, nil
}
