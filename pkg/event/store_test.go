package event_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syros-io/syros/pkg/coord"
	"github.com/syros-io/syros/pkg/event"
	"github.com/syros-io/syros/pkg/logstore"
)

func newStore() *event.Store {
	return event.NewStore(logstore.NewMemory(), event.Options{})
}

func TestAppend_Validation(t *testing.T) {
	s := newStore()
	ctx := context.Background()

	_, err := s.Append(ctx, "", "t", nil, nil)
	assert.True(t, coord.IsKind(err, coord.KindInvalidArgument))

	_, err = s.Append(ctx, "s", "", nil, nil)
	assert.True(t, coord.IsKind(err, coord.KindInvalidArgument))
}

func TestAppend_VersionsAreDenseFromOne(t *testing.T) {
	s := newStore()
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		evt, err := s.Append(ctx, "orders", "created", json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)), nil)
		require.NoError(t, err)
		assert.Equal(t, int64(i), evt.Version)
		assert.NotEmpty(t, evt.EventID)
	}

	info, err := s.Info(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, int64(5), info.EventCount)
	assert.Equal(t, int64(1), info.FirstVersion)
	assert.Equal(t, int64(5), info.LastVersion)
}

func TestAppend_ConcurrentAppendersNoGapsNoDuplicates(t *testing.T) {
	s := newStore()
	ctx := context.Background()

	const clients = 10
	const perClient = 10
	var wg sync.WaitGroup
	errs := make(chan error, clients*perClient)
	for c := 0; c < clients; c++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perClient; i++ {
				if _, err := s.Append(ctx, "s", "tick", json.RawMessage(`{}`), nil); err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		// The in-memory store serializes on a mutex, so the retry
		// budget absorbs all races here.
		t.Fatalf("append failed: %v", err)
	}

	events, err := s.Read(ctx, "s", 1, 10000)
	require.NoError(t, err)
	require.Len(t, events, clients*perClient)
	seen := make(map[int64]bool)
	for i, evt := range events {
		assert.Equal(t, int64(i+1), evt.Version)
		assert.False(t, seen[evt.Version])
		seen[evt.Version] = true
	}
}

func TestRead_DefaultsAndBounds(t *testing.T) {
	s := newStore()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := s.Append(ctx, "s", "t", json.RawMessage(`{}`), nil)
		require.NoError(t, err)
	}

	// from_version defaults to 1.
	events, err := s.Read(ctx, "s", 0, 0)
	require.NoError(t, err)
	assert.Len(t, events, 5)

	// Beyond last version reads empty, not an error.
	events, err = s.Read(ctx, "s", 99, 0)
	require.NoError(t, err)
	assert.Empty(t, events)

	// Range from middle.
	events, err = s.Read(ctx, "s", 3, 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(3), events[0].Version)
	assert.Equal(t, int64(4), events[1].Version)
}

func TestRead_UnknownStreamIsEmpty(t *testing.T) {
	s := newStore()
	events, err := s.Read(context.Background(), "ghost", 1, 10)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestAppend_MetadataRoundTrip(t *testing.T) {
	s := newStore()
	ctx := context.Background()

	_, err := s.Append(ctx, "s", "t", json.RawMessage(`{"v":1}`), map[string]string{"source": "api"})
	require.NoError(t, err)

	events, err := s.Read(ctx, "s", 1, 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "api", events[0].Metadata["source"])
	assert.JSONEq(t, `{"v":1}`, string(events[0].Data))
}

func TestAppend_ConflictBudgetExhausted(t *testing.T) {
	store := &alwaysConflicting{Memory: logstore.NewMemory()}
	s := event.NewStore(store, event.Options{ConflictRetries: 3})

	_, err := s.Append(context.Background(), "s", "t", nil, nil)
	require.Error(t, err)
	assert.True(t, coord.IsKind(err, coord.KindVersionConflict))
	assert.True(t, coord.IsRetryable(err))
	assert.Equal(t, 3, store.inserts)
}

func TestInfo_EmptyStream(t *testing.T) {
	s := newStore()
	info, err := s.Info(context.Background(), "nothing")
	require.NoError(t, err)
	assert.Equal(t, int64(0), info.EventCount)
}

// alwaysConflicting rejects every insert with the uniqueness violation.
type alwaysConflicting struct {
	*logstore.Memory
	inserts int
}

func (s *alwaysConflicting) InsertEvent(ctx context.Context, rec *logstore.EventRecord) error {
	s.inserts++
	return logstore.ErrDuplicateVersion
}
