package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/syros-io/syros/pkg/cache"
	"github.com/syros-io/syros/pkg/event"
	"github.com/syros-io/syros/pkg/lock"
	"github.com/syros-io/syros/pkg/saga"
)

const maxBodyBytes = 1 << 20 // 1MB limit

// Service bundles the engine handles the handlers dispatch to. Each
// handler calls exactly one engine method.
type Service struct {
	Locks  *lock.Manager
	Sagas  *saga.Orchestrator
	Events *event.Store
	Cache  *cache.Manager
}

// Routes registers every endpoint on a fresh mux.
func (s *Service) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /live", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleHealth)

	mux.HandleFunc("POST /api/v1/locks", s.handleAcquireLock)
	mux.HandleFunc("DELETE /api/v1/locks/{key}", s.handleReleaseLock)
	mux.HandleFunc("POST /api/v1/locks/{key}/extend", s.handleExtendLock)
	mux.HandleFunc("GET /api/v1/locks/{key}", s.handleLockStatus)

	mux.HandleFunc("POST /api/v1/sagas", s.handleStartSaga)
	mux.HandleFunc("GET /api/v1/sagas/{id}", s.handleSagaStatus)
	mux.HandleFunc("POST /api/v1/sagas/{id}/cancel", s.handleCancelSaga)

	mux.HandleFunc("POST /api/v1/events", s.handleAppendEvent)
	mux.HandleFunc("GET /api/v1/events/{stream}", s.handleReadEvents)
	mux.HandleFunc("GET /api/v1/events/{stream}/info", s.handleStreamInfo)

	mux.HandleFunc("POST /api/v1/cache/{key}", s.handleSetCache)
	mux.HandleFunc("GET /api/v1/cache/{key}", s.handleGetCache)
	mux.HandleFunc("DELETE /api/v1/cache/{key}", s.handleDeleteCache)
	mux.HandleFunc("POST /api/v1/cache/tags/{tag}/invalidate", s.handleInvalidateTag)
	mux.HandleFunc("GET /api/v1/cache-stats", s.handleCacheStats)

	return mux
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// AcquireLockRequest is the acquire body.
type AcquireLockRequest struct {
	Key                string `json:"key"`
	Owner              string `json:"owner"`
	TTLSeconds         int    `json:"ttl_seconds"`
	Metadata           string `json:"metadata,omitempty"`
	WaitTimeoutSeconds int    `json:"wait_timeout_seconds,omitempty"`
}

func (s *Service) handleAcquireLock(w http.ResponseWriter, r *http.Request) {
	var req AcquireLockRequest
	if !decode(w, r, &req) {
		return
	}
	got, err := s.Locks.Acquire(r.Context(), lock.AcquireRequest{
		Key:         req.Key,
		Owner:       req.Owner,
		TTL:         time.Duration(req.TTLSeconds) * time.Second,
		Metadata:    req.Metadata,
		WaitTimeout: time.Duration(req.WaitTimeoutSeconds) * time.Second,
	})
	if err != nil {
		WriteEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, got)
}

// ReleaseLockRequest is the release body.
type ReleaseLockRequest struct {
	LockID string `json:"lock_id"`
	Owner  string `json:"owner"`
}

func (s *Service) handleReleaseLock(w http.ResponseWriter, r *http.Request) {
	var req ReleaseLockRequest
	if !decode(w, r, &req) {
		return
	}
	released, err := s.Locks.Release(r.Context(), r.PathValue("key"), req.LockID, req.Owner)
	if err != nil {
		WriteEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"released": released})
}

// ExtendLockRequest is the extend body.
type ExtendLockRequest struct {
	LockID            string `json:"lock_id"`
	AdditionalSeconds int    `json:"additional_seconds"`
}

func (s *Service) handleExtendLock(w http.ResponseWriter, r *http.Request) {
	var req ExtendLockRequest
	if !decode(w, r, &req) {
		return
	}
	newExpiry, err := s.Locks.Extend(r.Context(), r.PathValue("key"), req.LockID,
		time.Duration(req.AdditionalSeconds)*time.Second)
	if err != nil {
		WriteEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]time.Time{"new_expires_at": newExpiry})
}

func (s *Service) handleLockStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.Locks.Status(r.Context(), r.PathValue("key"))
	if err != nil {
		WriteEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// StartSagaRequest is the saga start body.
type StartSagaRequest struct {
	Name     string            `json:"name"`
	Steps    []saga.Step       `json:"steps"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (s *Service) handleStartSaga(w http.ResponseWriter, r *http.Request) {
	var req StartSagaRequest
	if !decode(w, r, &req) {
		return
	}
	started, err := s.Sagas.Start(r.Context(), req.Name, req.Steps, req.Metadata)
	if err != nil {
		WriteEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"saga_id": started.ID,
		"status":  started.Status,
	})
}

func (s *Service) handleSagaStatus(w http.ResponseWriter, r *http.Request) {
	got, err := s.Sagas.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, got)
}

func (s *Service) handleCancelSaga(w http.ResponseWriter, r *http.Request) {
	status, err := s.Sagas.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]saga.Status{"status": status})
}

// AppendEventRequest is the append body.
type AppendEventRequest struct {
	StreamID  string            `json:"stream_id"`
	EventType string            `json:"event_type"`
	Data      json.RawMessage   `json:"data"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func (s *Service) handleAppendEvent(w http.ResponseWriter, r *http.Request) {
	var req AppendEventRequest
	if !decode(w, r, &req) {
		return
	}
	evt, err := s.Events.Append(r.Context(), req.StreamID, req.EventType, req.Data, req.Metadata)
	if err != nil {
		WriteEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"event_id":   evt.EventID,
		"version":    evt.Version,
		"created_at": evt.CreatedAt,
	})
}

func (s *Service) handleReadEvents(w http.ResponseWriter, r *http.Request) {
	fromVersion := queryInt(r, "from_version")
	limit := queryInt(r, "limit")
	events, err := s.Events.Read(r.Context(), r.PathValue("stream"), int64(fromVersion), limit)
	if err != nil {
		WriteEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"stream_id": r.PathValue("stream"),
		"events":    events,
	})
}

func (s *Service) handleStreamInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.Events.Info(r.Context(), r.PathValue("stream"))
	if err != nil {
		WriteEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// SetCacheRequest is the cache set body.
type SetCacheRequest struct {
	Value      json.RawMessage `json:"value"`
	TTLSeconds int             `json:"ttl_seconds,omitempty"`
	Tags       []string        `json:"tags,omitempty"`
}

func (s *Service) handleSetCache(w http.ResponseWriter, r *http.Request) {
	var req SetCacheRequest
	if !decode(w, r, &req) {
		return
	}
	err := s.Cache.Set(r.Context(), r.PathValue("key"), req.Value,
		time.Duration(req.TTLSeconds)*time.Second, req.Tags)
	if err != nil {
		WriteEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Service) handleGetCache(w http.ResponseWriter, r *http.Request) {
	value, found, err := s.Cache.Get(r.Context(), r.PathValue("key"))
	if err != nil {
		WriteEngineError(w, err)
		return
	}
	if !found {
		writeProblem(w, http.StatusNotFound, "cache_miss", "key not found", false)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"key": r.PathValue("key"), "value": value})
}

func (s *Service) handleDeleteCache(w http.ResponseWriter, r *http.Request) {
	deleted, err := s.Cache.Delete(r.Context(), r.PathValue("key"))
	if err != nil {
		WriteEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": deleted})
}

func (s *Service) handleInvalidateTag(w http.ResponseWriter, r *http.Request) {
	count, err := s.Cache.InvalidateTag(r.Context(), r.PathValue("tag"))
	if err != nil {
		WriteEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count_invalidated": count})
}

func (s *Service) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.Cache.Stats(r.Context())
	if err != nil {
		WriteEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		WriteBadRequest(w, "invalid request body")
		return false
	}
	return true
}

func queryInt(r *http.Request, name string) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}
