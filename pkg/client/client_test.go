package client_test

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syros-io/syros/pkg/api"
	"github.com/syros-io/syros/pkg/cache"
	"github.com/syros-io/syros/pkg/client"
	"github.com/syros-io/syros/pkg/coord"
	"github.com/syros-io/syros/pkg/event"
	"github.com/syros-io/syros/pkg/leasestore"
	"github.com/syros-io/syros/pkg/lock"
	"github.com/syros-io/syros/pkg/logstore"
	"github.com/syros-io/syros/pkg/saga"
)

func newClient(t *testing.T) *client.Client {
	t.Helper()
	lease := leasestore.NewMemory(nil)
	logs := logstore.NewMemory()
	svc := &api.Service{
		Locks:  lock.NewManager(lease, lock.Options{}),
		Sagas:  saga.NewOrchestrator(logs, saga.Options{}),
		Events: event.NewStore(logs, event.Options{}),
		Cache:  cache.NewManager(lease, cache.Options{}),
	}
	srv := httptest.NewServer(svc.Routes())
	t.Cleanup(srv.Close)
	return client.New(srv.URL)
}

func TestClient_LockFlow(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()

	got, err := c.AcquireLock(ctx, "r", "c1", 30, 0)
	require.NoError(t, err)
	require.NotEmpty(t, got.LockID)

	_, err = c.AcquireLock(ctx, "r", "c2", 30, 0)
	require.Error(t, err)
	assert.True(t, coord.IsKind(err, coord.KindLockConflict))

	status, err := c.LockStatus(ctx, "r")
	require.NoError(t, err)
	assert.True(t, status.IsLocked)
	assert.Equal(t, "c1", status.Owner)

	released, err := c.ReleaseLock(ctx, "r", got.LockID, "c1")
	require.NoError(t, err)
	assert.True(t, released)

	released, err = c.ReleaseLock(ctx, "r", got.LockID, "c1")
	require.NoError(t, err)
	assert.False(t, released)
}

func TestClient_SagaFlow(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()

	id, err := c.StartSaga(ctx, "order", []saga.Step{
		{Name: "A", Action: "do-a", TimeoutSeconds: 5},
	}, nil)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	s, err := c.SagaStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, saga.StatusPending, s.Status)

	status, err := c.CancelSaga(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, saga.StatusCompensated, status)
}

func TestClient_EventFlow(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		version, err := c.AppendEvent(ctx, "orders", "created", map[string]int{"n": i}, nil)
		require.NoError(t, err)
		assert.Equal(t, int64(i), version)
	}

	events, err := c.ReadEvents(ctx, "orders", 2, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(2), events[0].Version)

	info, err := c.StreamInfo(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, int64(3), info.EventCount)
}

func TestClient_CacheFlow(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()

	require.NoError(t, c.SetCache(ctx, "k", map[string]string{"v": "1"}, 60, []string{"x"}))

	var got map[string]string
	found, err := c.GetCache(ctx, "k", &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "1", got["v"])

	count, err := c.InvalidateTag(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	found, err = c.GetCache(ctx, "k", nil)
	require.NoError(t, err)
	assert.False(t, found)

	deleted, err := c.DeleteCache(ctx, "k")
	require.NoError(t, err)
	assert.False(t, deleted)
}
