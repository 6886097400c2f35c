package logstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

const uniqueViolation = "23505"

// Postgres implements Store on database/sql with the lib/pq driver.
type Postgres struct {
	db      *sql.DB
	timeout time.Duration
}

// NewPostgres opens a bounded pool against the Postgres at url.
func NewPostgres(url string, poolSize int, timeout time.Duration) (*Postgres, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open log store: %w", err)
	}
	if poolSize > 0 {
		db.SetMaxOpenConns(poolSize)
		db.SetMaxIdleConns(poolSize)
	}
	return &Postgres{db: db, timeout: timeout}, nil
}

// NewPostgresFromDB wraps an existing handle; used by tests.
func NewPostgresFromDB(db *sql.DB, timeout time.Duration) *Postgres {
	return &Postgres{db: db, timeout: timeout}
}

// Migrate creates the sagas and events tables if absent.
func (s *Postgres) Migrate(ctx context.Context) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS sagas (
			id uuid PRIMARY KEY,
			name text NOT NULL,
			status text NOT NULL,
			current_step int,
			steps jsonb NOT NULL,
			created_at timestamptz NOT NULL,
			updated_at timestamptz NOT NULL,
			metadata jsonb NOT NULL DEFAULT '{}'::jsonb
		)`,
		`CREATE INDEX IF NOT EXISTS sagas_status_idx ON sagas (status)`,
		`CREATE TABLE IF NOT EXISTS events (
			id uuid PRIMARY KEY DEFAULT gen_random_uuid(),
			stream_id text NOT NULL,
			version int NOT NULL,
			event_type text NOT NULL,
			data jsonb NOT NULL,
			metadata jsonb NOT NULL DEFAULT '{}'::jsonb,
			created_at timestamptz NOT NULL DEFAULT now(),
			UNIQUE (stream_id, version)
		)`,
		`CREATE INDEX IF NOT EXISTS events_stream_idx ON events (stream_id, version)`,
	} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate log store: %w", err)
		}
	}
	return nil
}

// Ping verifies connectivity.
func (s *Postgres) Ping(ctx context.Context) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.db.PingContext(ctx)
}

func (s *Postgres) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *Postgres) InsertSaga(ctx context.Context, rec *SagaRecord) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sagas (id, name, status, current_step, steps, created_at, updated_at, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.ID, rec.Name, rec.Status, nullableStep(rec.CurrentStep),
		[]byte(rec.Steps), rec.CreatedAt, rec.UpdatedAt, []byte(rec.Metadata))
	if err != nil {
		return fmt.Errorf("insert saga %s: %w", rec.ID, err)
	}
	return nil
}

func (s *Postgres) GetSaga(ctx context.Context, id string) (*SagaRecord, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, status, current_step, steps, created_at, updated_at, metadata
		 FROM sagas WHERE id = $1`, id)

	var rec SagaRecord
	var step sql.NullInt64
	err := row.Scan(&rec.ID, &rec.Name, &rec.Status, &step,
		(*[]byte)(&rec.Steps), &rec.CreatedAt, &rec.UpdatedAt, (*[]byte)(&rec.Metadata))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get saga %s: %w", id, err)
	}
	if step.Valid {
		v := int(step.Int64)
		rec.CurrentStep = &v
	}
	return &rec, nil
}

func (s *Postgres) UpdateSaga(ctx context.Context, rec *SagaRecord, expectStatus string) (bool, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx,
		`UPDATE sagas SET status = $1, current_step = $2, steps = $3, updated_at = $4, metadata = $5
		 WHERE id = $6 AND status = $7`,
		rec.Status, nullableStep(rec.CurrentStep), []byte(rec.Steps),
		rec.UpdatedAt, []byte(rec.Metadata), rec.ID, expectStatus)
	if err != nil {
		return false, fmt.Errorf("update saga %s: %w", rec.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update saga %s: %w", rec.ID, err)
	}
	return n == 1, nil
}

func (s *Postgres) SagasByStatus(ctx context.Context, status string) ([]*SagaRecord, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, status, current_step, steps, created_at, updated_at, metadata
		 FROM sagas WHERE status = $1 ORDER BY created_at`, status)
	if err != nil {
		return nil, fmt.Errorf("list sagas by status %s: %w", status, err)
	}
	defer rows.Close()

	var out []*SagaRecord
	for rows.Next() {
		var rec SagaRecord
		var step sql.NullInt64
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.Status, &step,
			(*[]byte)(&rec.Steps), &rec.CreatedAt, &rec.UpdatedAt, (*[]byte)(&rec.Metadata)); err != nil {
			return nil, fmt.Errorf("scan saga row: %w", err)
		}
		if step.Valid {
			v := int(step.Int64)
			rec.CurrentStep = &v
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (s *Postgres) MaxStreamVersion(ctx context.Context, streamID string) (int64, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	var max int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM events WHERE stream_id = $1`, streamID).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("max version for %s: %w", streamID, err)
	}
	return max, nil
}

func (s *Postgres) InsertEvent(ctx context.Context, rec *EventRecord) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (id, stream_id, version, event_type, data, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.ID, rec.StreamID, rec.Version, rec.EventType,
		[]byte(rec.Data), []byte(rec.Metadata), rec.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
			return ErrDuplicateVersion
		}
		return fmt.Errorf("insert event %s v%d: %w", rec.StreamID, rec.Version, err)
	}
	return nil
}

func (s *Postgres) ReadEvents(ctx context.Context, streamID string, fromVersion int64, limit int) ([]*EventRecord, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, stream_id, version, event_type, data, metadata, created_at
		 FROM events WHERE stream_id = $1 AND version >= $2
		 ORDER BY version ASC LIMIT $3`, streamID, fromVersion, limit)
	if err != nil {
		return nil, fmt.Errorf("read events %s: %w", streamID, err)
	}
	defer rows.Close()

	var out []*EventRecord
	for rows.Next() {
		var rec EventRecord
		if err := rows.Scan(&rec.ID, &rec.StreamID, &rec.Version, &rec.EventType,
			(*[]byte)(&rec.Data), (*[]byte)(&rec.Metadata), &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (s *Postgres) StreamInfo(ctx context.Context, streamID string) (*StreamInfo, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	var info StreamInfo
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(MIN(version), 0), COALESCE(MAX(version), 0)
		 FROM events WHERE stream_id = $1`, streamID).
		Scan(&info.EventCount, &info.FirstVersion, &info.LastVersion)
	if err != nil {
		return nil, fmt.Errorf("stream info %s: %w", streamID, err)
	}
	return &info, nil
}

func (s *Postgres) Close() error {
	return s.db.Close()
}

func nullableStep(step *int) sql.NullInt64 {
	if step == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*step), Valid: true}
}
