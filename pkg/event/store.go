// Package event implements the append-only event store: per-stream
// monotonic versions assigned under the log store's uniqueness constraint,
// with bounded retry of the append race.
package event

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/syros-io/syros/pkg/coord"
	"github.com/syros-io/syros/pkg/logstore"
	"github.com/syros-io/syros/pkg/telemetry"
)

const (
	defaultReadLimit = 1000
	maxReadLimit     = 10000
)

// Event is one immutable entry of a stream.
type Event struct {
	EventID   string            `json:"event_id"`
	StreamID  string            `json:"stream_id"`
	Version   int64             `json:"version"`
	EventType string            `json:"event_type"`
	Data      json.RawMessage   `json:"data"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// StreamInfo summarizes a stream.
type StreamInfo struct {
	EventCount   int64 `json:"event_count"`
	FirstVersion int64 `json:"first_version"`
	LastVersion  int64 `json:"last_version"`
}

// Options tunes a Store. Zero values fall back to defaults.
type Options struct {
	Clock           coord.Clock
	Metrics         *telemetry.Metrics
	ConflictRetries int
}

// Store is the event engine. Version assignment is read-compute-insert:
// concurrent appenders race on the (stream_id, version) constraint and the
// loser retries its read.
type Store struct {
	store   logstore.Store
	clock   coord.Clock
	metrics *telemetry.Metrics
	logger  *slog.Logger

	conflictRetries int
}

// NewStore creates an event engine over the given log store.
func NewStore(store logstore.Store, opts Options) *Store {
	s := &Store{
		store:           store,
		clock:           opts.Clock,
		metrics:         opts.Metrics,
		logger:          slog.Default().With("component", "event"),
		conflictRetries: opts.ConflictRetries,
	}
	if s.clock == nil {
		s.clock = coord.SystemClock{}
	}
	if s.conflictRetries <= 0 {
		s.conflictRetries = 8
	}
	return s
}

// Append writes one event at the stream's next version. After the conflict
// retry budget is exhausted the caller sees VersionConflict and is
// expected to retry at a higher level.
func (s *Store) Append(ctx context.Context, streamID, eventType string, data json.RawMessage, metadata map[string]string) (*Event, error) {
	if streamID == "" {
		return nil, coord.E(coord.KindInvalidArgument, "stream_id must not be empty")
	}
	if eventType == "" {
		return nil, coord.E(coord.KindInvalidArgument, "event_type must not be empty")
	}
	if data == nil {
		data = json.RawMessage(`null`)
	}
	metaJSON, err := json.Marshal(orEmpty(metadata))
	if err != nil {
		return nil, coord.Wrap(coord.KindInternal, err, "encode event metadata")
	}

	pause := backoff.NewExponentialBackOff()
	pause.InitialInterval = 5 * time.Millisecond
	pause.MaxInterval = 100 * time.Millisecond

	for attempt := 0; attempt < s.conflictRetries; attempt++ {
		max, err := s.store.MaxStreamVersion(ctx, streamID)
		if err != nil {
			return nil, coord.FromStore(err, "event version read")
		}

		rec := &logstore.EventRecord{
			ID:        uuid.New().String(),
			StreamID:  streamID,
			Version:   max + 1,
			EventType: eventType,
			Data:      data,
			Metadata:  metaJSON,
			CreatedAt: s.clock.Now(),
		}
		err = s.store.InsertEvent(ctx, rec)
		if err == nil {
			s.metrics.EventAppended(ctx)
			return &Event{
				EventID:   rec.ID,
				StreamID:  streamID,
				Version:   rec.Version,
				EventType: eventType,
				Data:      data,
				Metadata:  metadata,
				CreatedAt: rec.CreatedAt,
			}, nil
		}
		if !errors.Is(err, logstore.ErrDuplicateVersion) {
			return nil, coord.FromStore(err, "event insert")
		}

		// Lost the version race; back off and re-read. A cancelled
		// caller abandons cleanly, each insert being atomic.
		if attempt+1 < s.conflictRetries {
			timer := time.NewTimer(pause.NextBackOff())
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}
	}

	s.logger.WarnContext(ctx, "append conflict budget exhausted", "stream_id", streamID, "retries", s.conflictRetries)
	return nil, coord.E(coord.KindVersionConflict, "append to %q lost %d version races", streamID, s.conflictRetries)
}

// Read returns events of the stream in ascending version order.
// fromVersion defaults to 1; limit defaults to 1000 and is capped at
// 10000. An unknown stream reads as empty.
func (s *Store) Read(ctx context.Context, streamID string, fromVersion int64, limit int) ([]*Event, error) {
	if streamID == "" {
		return nil, coord.E(coord.KindInvalidArgument, "stream_id must not be empty")
	}
	if fromVersion < 0 {
		return nil, coord.E(coord.KindInvalidArgument, "from_version must not be negative")
	}
	if fromVersion == 0 {
		fromVersion = 1
	}
	if limit <= 0 {
		limit = defaultReadLimit
	}
	if limit > maxReadLimit {
		limit = maxReadLimit
	}

	records, err := s.store.ReadEvents(ctx, streamID, fromVersion, limit)
	if err != nil {
		return nil, coord.FromStore(err, "event read")
	}

	events := make([]*Event, 0, len(records))
	for _, rec := range records {
		evt := &Event{
			EventID:   rec.ID,
			StreamID:  rec.StreamID,
			Version:   rec.Version,
			EventType: rec.EventType,
			Data:      rec.Data,
			CreatedAt: rec.CreatedAt,
		}
		if len(rec.Metadata) > 0 {
			if err := json.Unmarshal(rec.Metadata, &evt.Metadata); err != nil {
				return nil, coord.Wrap(coord.KindInternal, err, "decode metadata of event %s", rec.ID)
			}
		}
		events = append(events, evt)
	}
	return events, nil
}

// Info summarizes the stream's extent. An unknown stream yields zero
// counts rather than an error.
func (s *Store) Info(ctx context.Context, streamID string) (*StreamInfo, error) {
	if streamID == "" {
		return nil, coord.E(coord.KindInvalidArgument, "stream_id must not be empty")
	}
	info, err := s.store.StreamInfo(ctx, streamID)
	if err != nil {
		return nil, coord.FromStore(err, "stream info")
	}
	return &StreamInfo{
		EventCount:   info.EventCount,
		FirstVersion: info.FirstVersion,
		LastVersion:  info.LastVersion,
	}, nil
}

func orEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
