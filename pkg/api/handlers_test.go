package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syros-io/syros/pkg/api"
	"github.com/syros-io/syros/pkg/cache"
	"github.com/syros-io/syros/pkg/event"
	"github.com/syros-io/syros/pkg/leasestore"
	"github.com/syros-io/syros/pkg/lock"
	"github.com/syros-io/syros/pkg/logstore"
	"github.com/syros-io/syros/pkg/saga"
)

func newTestServer(t *testing.T) *httptest.Server {
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
	return srv
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func TestHealthEndpoints(t *testing.T) {
	srv := newTestServer(t)
	for _, path := range []string{"/health", "/live", "/ready"} {
		resp, body := doJSON(t, http.MethodGet, srv.URL+path, nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "ok", body["status"])
	}
}

func TestLockLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/v1/locks", map[string]any{
		"key": "r", "owner": "c1", "ttl_seconds": 30,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	lockID, _ := body["lock_id"].(string)
	require.NotEmpty(t, lockID)

	// Conflicting acquire maps to 409 with the taxonomy kind.
	resp, body = doJSON(t, http.MethodPost, srv.URL+"/api/v1/locks", map[string]any{
		"key": "r", "owner": "c2", "ttl_seconds": 30,
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "lock_conflict", body["title"])
	assert.Equal(t, false, body["retryable"])

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/api/v1/locks/r", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["is_locked"])
	assert.Equal(t, "c1", body["owner"])

	resp, body = doJSON(t, http.MethodPost, srv.URL+"/api/v1/locks/r/extend", map[string]any{
		"lock_id": lockID, "additional_seconds": 60,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, body["new_expires_at"])

	resp, body = doJSON(t, http.MethodDelete, srv.URL+"/api/v1/locks/r", map[string]any{
		"lock_id": lockID, "owner": "c1",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["released"])
}

func TestAcquireValidationMapsTo400(t *testing.T) {
	srv := newTestServer(t)
	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/v1/locks", map[string]any{
		"key": "r", "owner": "c1", "ttl_seconds": 0,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_argument", body["title"])
}

func TestSagaOverHTTP(t *testing.T) {
	srv := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/v1/sagas", map[string]any{
		"name": "order",
		"steps": []map[string]any{
			{"name": "A", "action": "do-a", "compensation": "undo-a", "timeout_seconds": 5},
		},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	sagaID, _ := body["saga_id"].(string)
	require.NotEmpty(t, sagaID)
	assert.Equal(t, "Pending", body["status"])

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/api/v1/sagas/"+sagaID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Pending", body["status"])

	resp, body = doJSON(t, http.MethodPost, srv.URL+"/api/v1/sagas/"+sagaID+"/cancel", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Compensated", body["status"])

	// Unknown saga maps to 404.
	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/api/v1/sagas/unknown", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEventsOverHTTP(t *testing.T) {
	srv := newTestServer(t)

	for i := 0; i < 3; i++ {
		resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/v1/events", map[string]any{
			"stream_id": "orders", "event_type": "created", "data": map[string]int{"n": i},
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		assert.Equal(t, float64(i+1), body["version"])
	}

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/api/v1/events/orders?from_version=2", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	events, _ := body["events"].([]any)
	assert.Len(t, events, 2)

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/api/v1/events/orders/info", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(3), body["event_count"])
	assert.Equal(t, float64(3), body["last_version"])
}

func TestCacheOverHTTP(t *testing.T) {
	srv := newTestServer(t)

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/v1/cache/a", map[string]any{
		"value": map[string]int{"n": 1}, "ttl_seconds": 60, "tags": []string{"x", "y"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/api/v1/cache/b", map[string]any{
		"value": 2, "ttl_seconds": 60, "tags": []string{"x"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/api/v1/cache/a", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotNil(t, body["value"])

	resp, body = doJSON(t, http.MethodPost, srv.URL+"/api/v1/cache/tags/x/invalidate", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(2), body["count_invalidated"])

	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/api/v1/cache/a", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/api/v1/cache-stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(0), body["entries"])
	assert.Equal(t, float64(2), body["eviction_count"])
}

func TestMalformedBodyIs400(t *testing.T) {
	srv := newTestServer(t)
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/v1/locks", bytes.NewBufferString("{not json"))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
