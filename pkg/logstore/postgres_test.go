package logstore

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresFromDB(db, 0), mock
}

func TestPostgres_InsertEvent_UniqueViolationIsDuplicateVersion(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO events")).
		WithArgs("evt-1", "orders", int64(3), "created", []byte(`{}`), []byte(`{}`), sqlmock.AnyArg()).
		WillReturnError(&pq.Error{Code: "23505"})

	err := store.InsertEvent(context.Background(), &EventRecord{
		ID:        "evt-1",
		StreamID:  "orders",
		Version:   3,
		EventType: "created",
		Data:      json.RawMessage(`{}`),
		Metadata:  json.RawMessage(`{}`),
		CreatedAt: time.Now().UTC(),
	})
	assert.ErrorIs(t, err, ErrDuplicateVersion)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_InsertEvent_OtherErrorsAreNotDuplicates(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO events")).
		WillReturnError(&pq.Error{Code: "40001"})

	err := store.InsertEvent(context.Background(), &EventRecord{
		ID: "evt-1", StreamID: "orders", Version: 3, EventType: "created",
		Data: json.RawMessage(`{}`), Metadata: json.RawMessage(`{}`),
	})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrDuplicateVersion)
}

func TestPostgres_MaxStreamVersion_EmptyStreamIsZero(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COALESCE(MAX(version), 0) FROM events WHERE stream_id = $1")).
		WithArgs("empty").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(0))

	max, err := store.MaxStreamVersion(context.Background(), "empty")
	require.NoError(t, err)
	assert.Equal(t, int64(0), max)
}

func TestPostgres_GetSaga_NotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT id, name, status").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "status", "current_step", "steps", "created_at", "updated_at", "metadata"}))

	_, err := store.GetSaga(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgres_GetSaga_NullCurrentStep(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	rows := sqlmock.NewRows([]string{"id", "name", "status", "current_step", "steps", "created_at", "updated_at", "metadata"}).
		AddRow("s-1", "order", "Pending", nil, []byte(`[]`), now, now, []byte(`{}`))
	mock.ExpectQuery("SELECT id, name, status").WithArgs("s-1").WillReturnRows(rows)

	rec, err := store.GetSaga(context.Background(), "s-1")
	require.NoError(t, err)
	assert.Nil(t, rec.CurrentStep)
	assert.Equal(t, "Pending", rec.Status)
}

func TestPostgres_UpdateSaga_CASOnStatus(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()
	step := 1

	rec := &SagaRecord{
		ID: "s-1", Name: "order", Status: "Running", CurrentStep: &step,
		Steps: json.RawMessage(`[]`), UpdatedAt: now, Metadata: json.RawMessage(`{}`),
	}

	mock.ExpectExec(regexp.QuoteMeta("UPDATE sagas SET")).
		WithArgs("Running", sqlmock.AnyArg(), []byte(`[]`), now, []byte(`{}`), "s-1", "Running").
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := store.UpdateSaga(context.Background(), rec, "Running")
	require.NoError(t, err)
	assert.True(t, ok)

	// Lost race: zero rows affected.
	mock.ExpectExec(regexp.QuoteMeta("UPDATE sagas SET")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err = store.UpdateSaga(context.Background(), rec, "Running")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPostgres_StreamInfo(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*), COALESCE(MIN(version), 0), COALESCE(MAX(version), 0)")).
		WithArgs("orders").
		WillReturnRows(sqlmock.NewRows([]string{"count", "min", "max"}).AddRow(42, 1, 42))

	info, err := store.StreamInfo(context.Background(), "orders")
	require.NoError(t, err)
	assert.Equal(t, int64(42), info.EventCount)
	assert.Equal(t, int64(1), info.FirstVersion)
	assert.Equal(t, int64(42), info.LastVersion)
}

func TestPostgres_ReadEvents_OrderedAscending(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	rows := sqlmock.NewRows([]string{"id", "stream_id", "version", "event_type", "data", "metadata", "created_at"}).
		AddRow("e1", "orders", 1, "created", []byte(`{"n":1}`), []byte(`{}`), now).
		AddRow("e2", "orders", 2, "paid", []byte(`{"n":2}`), []byte(`{}`), now)
	mock.ExpectQuery("SELECT id, stream_id, version").
		WithArgs("orders", int64(1), 1000).
		WillReturnRows(rows)

	events, err := store.ReadEvents(context.Background(), "orders", 1, 1000)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(1), events[0].Version)
	assert.Equal(t, int64(2), events[1].Version)
}
