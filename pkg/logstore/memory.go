package logstore

import (
	"context"
	"sort"
	"sync"
)

// Memory implements Store in process memory with the same serialization
// guarantees the Postgres schema provides: a uniqueness check on
// (stream_id, version) and status-CAS saga updates.
type Memory struct {
	mu     sync.Mutex
	sagas  map[string]*SagaRecord
	events map[string][]*EventRecord // stream_id -> rows sorted by version
}

// NewMemory creates an empty in-memory log store.
func NewMemory() *Memory {
	return &Memory{
		sagas:  make(map[string]*SagaRecord),
		events: make(map[string][]*EventRecord),
	}
}

func copySaga(rec *SagaRecord) *SagaRecord {
	out := *rec
	if rec.CurrentStep != nil {
		v := *rec.CurrentStep
		out.CurrentStep = &v
	}
	out.Steps = append([]byte(nil), rec.Steps...)
	out.Metadata = append([]byte(nil), rec.Metadata...)
	return &out
}

func copyEvent(rec *EventRecord) *EventRecord {
	out := *rec
	out.Data = append([]byte(nil), rec.Data...)
	out.Metadata = append([]byte(nil), rec.Metadata...)
	return &out
}

func (s *Memory) InsertSaga(ctx context.Context, rec *SagaRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sagas[rec.ID] = copySaga(rec)
	return nil
}

func (s *Memory) GetSaga(ctx context.Context, id string) (*SagaRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sagas[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copySaga(rec), nil
}

func (s *Memory) UpdateSaga(ctx context.Context, rec *SagaRecord, expectStatus string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.sagas[rec.ID]
	if !ok || cur.Status != expectStatus {
		return false, nil
	}
	stored := copySaga(rec)
	stored.CreatedAt = cur.CreatedAt
	s.sagas[rec.ID] = stored
	return true, nil
}

func (s *Memory) SagasByStatus(ctx context.Context, status string) ([]*SagaRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*SagaRecord
	for _, rec := range s.sagas {
		if rec.Status == status {
			out = append(out, copySaga(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Memory) MaxStreamVersion(ctx context.Context, streamID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.events[streamID]
	if len(rows) == 0 {
		return 0, nil
	}
	return rows[len(rows)-1].Version, nil
}

func (s *Memory) InsertEvent(ctx context.Context, rec *EventRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.events[rec.StreamID] {
		if existing.Version == rec.Version {
			return ErrDuplicateVersion
		}
	}
	rows := append(s.events[rec.StreamID], copyEvent(rec))
	sort.Slice(rows, func(i, j int) bool { return rows[i].Version < rows[j].Version })
	s.events[rec.StreamID] = rows
	return nil
}

func (s *Memory) ReadEvents(ctx context.Context, streamID string, fromVersion int64, limit int) ([]*EventRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*EventRecord
	for _, rec := range s.events[streamID] {
		if rec.Version < fromVersion {
			continue
		}
		if len(out) == limit {
			break
		}
		out = append(out, copyEvent(rec))
	}
	return out, nil
}

func (s *Memory) StreamInfo(ctx context.Context, streamID string) (*StreamInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.events[streamID]
	info := &StreamInfo{EventCount: int64(len(rows))}
	if len(rows) > 0 {
		info.FirstVersion = rows[0].Version
		info.LastVersion = rows[len(rows)-1].Version
	}
	return info, nil
}

func (s *Memory) Close() error {
	return nil
}
