package leasestore

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/syros-io/syros/pkg/coord"
)

type memoryRecord struct {
	value     []byte
	expiresAt time.Time // zero = no expiry
}

// Memory implements Store in process memory. Expiry is checked on every
// access against the injected clock, mirroring passive TTL expiry.
type Memory struct {
	mu      sync.Mutex
	records map[string]memoryRecord
	sets    map[string]map[string]struct{}
	clock   coord.Clock
}

// NewMemory creates an empty in-memory store reading time from clock.
func NewMemory(clock coord.Clock) *Memory {
	if clock == nil {
		clock = coord.SystemClock{}
	}
	return &Memory{
		records: make(map[string]memoryRecord),
		sets:    make(map[string]map[string]struct{}),
		clock:   clock,
	}
}

// live returns the record for key if present and unexpired, pruning an
// expired one. Caller holds mu.
func (s *Memory) live(key string) (memoryRecord, bool) {
	rec, ok := s.records[key]
	if !ok {
		return memoryRecord{}, false
	}
	if !rec.expiresAt.IsZero() && !rec.expiresAt.After(s.clock.Now()) {
		delete(s.records, key)
		return memoryRecord{}, false
	}
	return rec, true
}

func (s *Memory) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.clock.Now().Add(ttl)
}

func (s *Memory) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.live(key); ok {
		return false, nil
	}
	s.records[key] = memoryRecord{value: append([]byte(nil), value...), expiresAt: s.expiry(ttl)}
	return true, nil
}

func (s *Memory) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[key] = memoryRecord{value: append([]byte(nil), value...), expiresAt: s.expiry(ttl)}
	return nil
}

func (s *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.live(key)
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), rec.value...), nil
}

func (s *Memory) Delete(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.live(key)
	delete(s.records, key)
	if _, isSet := s.sets[key]; isSet {
		delete(s.sets, key)
		ok = true
	}
	return ok, nil
}

func (s *Memory) CompareAndDelete(ctx context.Context, key string, expect []byte) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.live(key)
	if !ok || !bytes.Equal(rec.value, expect) {
		return false, nil
	}
	delete(s.records, key)
	return true, nil
}

func (s *Memory) CompareAndSwap(ctx context.Context, key string, expect, replace []byte, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.live(key)
	if !ok || !bytes.Equal(rec.value, expect) {
		return false, nil
	}
	s.records[key] = memoryRecord{value: append([]byte(nil), replace...), expiresAt: s.expiry(ttl)}
	return true, nil
}

func (s *Memory) SetAdd(ctx context.Context, key string, members ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sets[key]
	if !ok {
		set = make(map[string]struct{})
		s.sets[key] = set
	}
	for _, m := range members {
		set[m] = struct{}{}
	}
	return nil
}

func (s *Memory) SetMembers(ctx context.Context, key string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.sets[key]
	members := make([]string, 0, len(set))
	for m := range set {
		members = append(members, m)
	}
	return members, nil
}

func (s *Memory) SetRemove(ctx context.Context, key string, members ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sets[key]
	if !ok {
		return nil
	}
	for _, m := range members {
		delete(set, m)
	}
	if len(set) == 0 {
		delete(s.sets, key)
	}
	return nil
}

func (s *Memory) Close() error {
	return nil
}
