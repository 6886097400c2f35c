// Package client is a typed Go client for the syros REST surface.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/syros-io/syros/pkg/api"
	"github.com/syros-io/syros/pkg/coord"
	"github.com/syros-io/syros/pkg/event"
	"github.com/syros-io/syros/pkg/lock"
	"github.com/syros-io/syros/pkg/saga"
)

// Client talks to a syros server over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for the server at baseURL.
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 2 * time.Minute},
	}
}

// AcquireLock acquires the named lock. ttlSeconds is mandatory; a
// waitTimeoutSeconds of zero fails fast on conflict.
func (c *Client) AcquireLock(ctx context.Context, key, owner string, ttlSeconds, waitTimeoutSeconds int) (*lock.Lock, error) {
	var out lock.Lock
	err := c.call(ctx, http.MethodPost, "/api/v1/locks", api.AcquireLockRequest{
		Key: key, Owner: owner, TTLSeconds: ttlSeconds, WaitTimeoutSeconds: waitTimeoutSeconds,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ReleaseLock releases the lock; released=false means the record was
// already gone or replaced.
func (c *Client) ReleaseLock(ctx context.Context, key, lockID, owner string) (bool, error) {
	var out struct {
		Released bool `json:"released"`
	}
	err := c.call(ctx, http.MethodDelete, "/api/v1/locks/"+url.PathEscape(key),
		api.ReleaseLockRequest{LockID: lockID, Owner: owner}, &out)
	return out.Released, err
}

// ExtendLock pushes the lock's expiry to now+additionalSeconds.
func (c *Client) ExtendLock(ctx context.Context, key, lockID string, additionalSeconds int) (time.Time, error) {
	var out struct {
		NewExpiresAt time.Time `json:"new_expires_at"`
	}
	err := c.call(ctx, http.MethodPost, "/api/v1/locks/"+url.PathEscape(key)+"/extend",
		api.ExtendLockRequest{LockID: lockID, AdditionalSeconds: additionalSeconds}, &out)
	return out.NewExpiresAt, err
}

// LockStatus reads the lock's current holder.
func (c *Client) LockStatus(ctx context.Context, key string) (*lock.Status, error) {
	var out lock.Status
	err := c.call(ctx, http.MethodGet, "/api/v1/locks/"+url.PathEscape(key), nil, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// StartSaga persists a new saga and returns its id.
func (c *Client) StartSaga(ctx context.Context, name string, steps []saga.Step, metadata map[string]string) (string, error) {
	var out struct {
		SagaID string `json:"saga_id"`
	}
	err := c.call(ctx, http.MethodPost, "/api/v1/sagas",
		api.StartSagaRequest{Name: name, Steps: steps, Metadata: metadata}, &out)
	return out.SagaID, err
}

// SagaStatus reads the full saga record.
func (c *Client) SagaStatus(ctx context.Context, sagaID string) (*saga.Saga, error) {
	var out saga.Saga
	err := c.call(ctx, http.MethodGet, "/api/v1/sagas/"+url.PathEscape(sagaID), nil, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelSaga requests rollback and returns the resulting status.
func (c *Client) CancelSaga(ctx context.Context, sagaID string) (saga.Status, error) {
	var out struct {
		Status saga.Status `json:"status"`
	}
	err := c.call(ctx, http.MethodPost, "/api/v1/sagas/"+url.PathEscape(sagaID)+"/cancel", nil, &out)
	return out.Status, err
}

// AppendEvent appends one event and returns its assigned version.
func (c *Client) AppendEvent(ctx context.Context, streamID, eventType string, data any, metadata map[string]string) (int64, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return 0, fmt.Errorf("encode event data: %w", err)
	}
	var out struct {
		Version int64 `json:"version"`
	}
	err = c.call(ctx, http.MethodPost, "/api/v1/events",
		api.AppendEventRequest{StreamID: streamID, EventType: eventType, Data: payload, Metadata: metadata}, &out)
	return out.Version, err
}

// ReadEvents reads a version range of the stream.
func (c *Client) ReadEvents(ctx context.Context, streamID string, fromVersion int64, limit int) ([]*event.Event, error) {
	path := fmt.Sprintf("/api/v1/events/%s?from_version=%d&limit=%d",
		url.PathEscape(streamID), fromVersion, limit)
	var out struct {
		Events []*event.Event `json:"events"`
	}
	err := c.call(ctx, http.MethodGet, path, nil, &out)
	return out.Events, err
}

// StreamInfo summarizes the stream.
func (c *Client) StreamInfo(ctx context.Context, streamID string) (*event.StreamInfo, error) {
	var out event.StreamInfo
	err := c.call(ctx, http.MethodGet, "/api/v1/events/"+url.PathEscape(streamID)+"/info", nil, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// SetCache writes a cache entry.
func (c *Client) SetCache(ctx context.Context, key string, value any, ttlSeconds int, tags []string) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode cache value: %w", err)
	}
	return c.call(ctx, http.MethodPost, "/api/v1/cache/"+url.PathEscape(key),
		api.SetCacheRequest{Value: payload, TTLSeconds: ttlSeconds, Tags: tags}, nil)
}

// GetCache reads a cache entry into dst, reporting whether it was found.
func (c *Client) GetCache(ctx context.Context, key string, dst any) (bool, error) {
	var out struct {
		Value json.RawMessage `json:"value"`
	}
	err := c.call(ctx, http.MethodGet, "/api/v1/cache/"+url.PathEscape(key), nil, &out)
	if coord.IsKind(err, coord.KindCacheMiss) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if dst != nil {
		if err := json.Unmarshal(out.Value, dst); err != nil {
			return true, fmt.Errorf("decode cache value: %w", err)
		}
	}
	return true, nil
}

// DeleteCache removes a cache entry.
func (c *Client) DeleteCache(ctx context.Context, key string) (bool, error) {
	var out struct {
		Deleted bool `json:"deleted"`
	}
	err := c.call(ctx, http.MethodDelete, "/api/v1/cache/"+url.PathEscape(key), nil, &out)
	return out.Deleted, err
}

// InvalidateTag drops every entry carrying the tag.
func (c *Client) InvalidateTag(ctx context.Context, tag string) (int, error) {
	var out struct {
		Count int `json:"count_invalidated"`
	}
	err := c.call(ctx, http.MethodPost, "/api/v1/cache/tags/"+url.PathEscape(tag)+"/invalidate", nil, &out)
	return out.Count, err
}

// call issues one request and decodes either the success body into out or
// a problem document into a coord.Error carrying the server's kind.
func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &buf)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var problem api.ProblemDetail
		if err := json.NewDecoder(resp.Body).Decode(&problem); err != nil {
			return coord.E(coord.KindInternal, "%s %s returned %d", method, path, resp.StatusCode)
		}
		e := coord.E(coord.Kind(problem.Title), "%s", problem.Detail)
		e.Retryable = problem.Retryable
		return e
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
