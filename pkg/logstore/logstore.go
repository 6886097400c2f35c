// Package logstore defines the durable, versioned row contract backing the
// saga and event engines, with a PostgreSQL implementation and an
// in-memory implementation for tests.
package logstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no row exists for the given id.
	ErrNotFound = errors.New("logstore: record not found")
	// ErrDuplicateVersion is returned by InsertEvent when the
	// (stream_id, version) pair already exists. Distinct from other
	// failures so the append race can retry.
	ErrDuplicateVersion = errors.New("logstore: duplicate stream version")
)

// SagaRecord is the persisted shape of a saga. Steps and Metadata are
// stored opaquely; the orchestrator owns their schema.
type SagaRecord struct {
	ID          string
	Name        string
	Status      string
	CurrentStep *int
	Steps       json.RawMessage
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Metadata    json.RawMessage
}

// EventRecord is one immutable row of a stream.
type EventRecord struct {
	ID        string
	StreamID  string
	Version   int64
	EventType string
	Data      json.RawMessage
	Metadata  json.RawMessage
	CreatedAt time.Time
}

// StreamInfo summarizes a stream's extent.
type StreamInfo struct {
	EventCount   int64
	FirstVersion int64
	LastVersion  int64
}

// Store is the transactional contract the saga and event engines require:
// row inserts, a compare-and-swap saga update keyed on current status, and
// uniqueness-checked event inserts surfaced as ErrDuplicateVersion.
type Store interface {
	InsertSaga(ctx context.Context, rec *SagaRecord) error
	// GetSaga returns the saga row or ErrNotFound.
	GetSaga(ctx context.Context, id string) (*SagaRecord, error)
	// UpdateSaga rewrites the mutable columns iff the row's status still
	// equals expectStatus, reporting whether the swap took effect.
	UpdateSaga(ctx context.Context, rec *SagaRecord, expectStatus string) (bool, error)
	// SagasByStatus lists sagas currently in the given status.
	SagasByStatus(ctx context.Context, status string) ([]*SagaRecord, error)

	// MaxStreamVersion returns the highest version in the stream, or 0.
	MaxStreamVersion(ctx context.Context, streamID string) (int64, error)
	// InsertEvent appends one row, returning ErrDuplicateVersion when the
	// (stream_id, version) uniqueness constraint rejects it.
	InsertEvent(ctx context.Context, rec *EventRecord) error
	// ReadEvents returns up to limit events with version >= fromVersion
	// in ascending version order.
	ReadEvents(ctx context.Context, streamID string, fromVersion int64, limit int) ([]*EventRecord, error)
	// StreamInfo summarizes the stream; a stream with no events yields
	// zero values, not an error.
	StreamInfo(ctx context.Context, streamID string) (*StreamInfo, error)

	Close() error
}
