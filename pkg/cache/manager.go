// Package cache implements the tagged distributed cache: TTL'd entries in
// the lease store plus a tag→keys secondary index for bulk invalidation.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/syros-io/syros/pkg/coord"
	"github.com/syros-io/syros/pkg/leasestore"
	"github.com/syros-io/syros/pkg/telemetry"
)

const (
	entryPrefix  = "syros:cache:entry:"
	keyTagPrefix = "syros:cache:keytags:"
	tagPrefix    = "syros:cache:tag:"
	keysIndex    = "syros:cache:keys"
	tagsIndex    = "syros:cache:tags"
)

// entry is the JSON value stored under the entry key. The tag list is
// duplicated into a non-expiring side record so an entry that expired by
// TTL can still have its index memberships repaired.
type entry struct {
	Value     json.RawMessage `json:"value"`
	Tags      []string        `json:"tags,omitempty"`
	ExpiresAt time.Time       `json:"expires_at,omitzero"`
}

// Stats is the counter snapshot returned by Stats.
type Stats struct {
	Entries       int   `json:"entries"`
	TagCount      int   `json:"tag_count"`
	HitCount      int64 `json:"hit_count"`
	MissCount     int64 `json:"miss_count"`
	EvictionCount int64 `json:"eviction_count"`
}

// Options tunes a Manager. Zero values fall back to defaults.
type Options struct {
	Clock      coord.Clock
	Metrics    *telemetry.Metrics
	DefaultTTL time.Duration
}

// Manager is the cache engine. Expiry is lazy: a get that observes a dead
// entry repairs the tag index before reporting the miss; the optional
// reaper only accelerates that, correctness never depends on it.
type Manager struct {
	store   leasestore.Store
	clock   coord.Clock
	metrics *telemetry.Metrics
	logger  *slog.Logger

	defaultTTL time.Duration

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

// NewManager creates a cache engine over the given lease store.
func NewManager(store leasestore.Store, opts Options) *Manager {
	m := &Manager{
		store:      store,
		clock:      opts.Clock,
		metrics:    opts.Metrics,
		logger:     slog.Default().With("component", "cache"),
		defaultTTL: opts.DefaultTTL,
	}
	if m.clock == nil {
		m.clock = coord.SystemClock{}
	}
	return m
}

// Set writes the entry and adds key to every tag's index set. A ttl of
// zero falls back to the configured default (which may itself mean "no
// expiry"). Re-setting a key first detaches it from tags it no longer
// carries.
func (m *Manager) Set(ctx context.Context, key string, value json.RawMessage, ttl time.Duration, tags []string) error {
	if key == "" {
		return coord.E(coord.KindInvalidArgument, "cache key must not be empty")
	}
	if ttl < 0 {
		return coord.E(coord.KindInvalidArgument, "cache ttl must not be negative")
	}
	if ttl == 0 {
		ttl = m.defaultTTL
	}
	for _, tag := range tags {
		if tag == "" {
			return coord.E(coord.KindInvalidArgument, "cache tags must not be empty")
		}
	}

	// Detach tag memberships the previous generation of this key held.
	oldTags, err := m.tagsOf(ctx, key)
	if err != nil {
		return err
	}
	keep := make(map[string]bool, len(tags))
	for _, tag := range tags {
		keep[tag] = true
	}
	for _, tag := range oldTags {
		if !keep[tag] {
			if err := m.store.SetRemove(ctx, tagPrefix+tag, key); err != nil {
				return coord.FromStore(err, "cache tag detach")
			}
		}
	}

	e := entry{Value: value, Tags: tags}
	if ttl > 0 {
		e.ExpiresAt = m.clock.Now().Add(ttl)
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return coord.Wrap(coord.KindInternal, err, "encode cache entry")
	}
	if err := m.store.Set(ctx, entryPrefix+key, payload, ttl); err != nil {
		return coord.FromStore(err, "cache set")
	}

	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return coord.Wrap(coord.KindInternal, err, "encode cache tag list")
	}
	if err := m.store.Set(ctx, keyTagPrefix+key, tagsJSON, 0); err != nil {
		return coord.FromStore(err, "cache set")
	}
	if err := m.store.SetAdd(ctx, keysIndex, key); err != nil {
		return coord.FromStore(err, "cache set")
	}
	for _, tag := range tags {
		if err := m.store.SetAdd(ctx, tagPrefix+tag, key); err != nil {
			return coord.FromStore(err, "cache tag attach")
		}
		if err := m.store.SetAdd(ctx, tagsIndex, tag); err != nil {
			return coord.FromStore(err, "cache tag attach")
		}
	}
	return nil
}

// Get returns the live value for key. A dead entry is a miss; its index
// memberships are repaired before returning.
func (m *Manager) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	if key == "" {
		return nil, false, coord.E(coord.KindInvalidArgument, "cache key must not be empty")
	}

	payload, err := m.store.Get(ctx, entryPrefix+key)
	if errors.Is(err, leasestore.ErrNotFound) {
		if err := m.detach(ctx, key, ""); err != nil {
			return nil, false, err
		}
		m.misses.Add(1)
		m.metrics.CacheMiss(ctx)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, coord.FromStore(err, "cache get")
	}

	var e entry
	if err := json.Unmarshal(payload, &e); err != nil {
		return nil, false, coord.Wrap(coord.KindInternal, err, "decode cache entry for %q", key)
	}
	m.hits.Add(1)
	m.metrics.CacheHit(ctx)
	return e.Value, true, nil
}

// Delete removes the entry and detaches key from every tag set it
// appeared in. Deleting an absent key reports deleted=false, not an
// error.
func (m *Manager) Delete(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, coord.E(coord.KindInvalidArgument, "cache key must not be empty")
	}

	deleted, err := m.store.Delete(ctx, entryPrefix+key)
	if err != nil {
		return false, coord.FromStore(err, "cache delete")
	}
	if err := m.detach(ctx, key, ""); err != nil {
		return false, err
	}
	if deleted {
		m.evictions.Add(1)
		m.metrics.CacheEvicted(ctx, 1)
	}
	return deleted, nil
}

// InvalidateTag deletes every entry carrying tag, detaches those keys
// from all other tags' sets, and drops the tag's own set. The count
// reflects entries that actually existed at invalidation time.
func (m *Manager) InvalidateTag(ctx context.Context, tag string) (int, error) {
	if tag == "" {
		return 0, coord.E(coord.KindInvalidArgument, "cache tag must not be empty")
	}

	keys, err := m.store.SetMembers(ctx, tagPrefix+tag)
	if err != nil {
		return 0, coord.FromStore(err, "cache tag invalidate")
	}

	count := 0
	for _, key := range keys {
		deleted, err := m.store.Delete(ctx, entryPrefix+key)
		if err != nil {
			return count, coord.FromStore(err, "cache tag invalidate")
		}
		if deleted {
			count++
		}
		// Detach from every other tag; tag's own set is dropped below.
		if err := m.detach(ctx, key, tag); err != nil {
			return count, err
		}
	}

	if _, err := m.store.Delete(ctx, tagPrefix+tag); err != nil {
		return count, coord.FromStore(err, "cache tag invalidate")
	}
	if err := m.store.SetRemove(ctx, tagsIndex, tag); err != nil {
		return count, coord.FromStore(err, "cache tag invalidate")
	}

	if count > 0 {
		m.evictions.Add(int64(count))
		m.metrics.CacheEvicted(ctx, int64(count))
	}
	return count, nil
}

// Stats walks the key and tag registries, pruning dead memberships it
// encounters, and returns the live counts alongside the process-local
// hit/miss/eviction counters.
func (m *Manager) Stats(ctx context.Context) (*Stats, error) {
	keys, err := m.store.SetMembers(ctx, keysIndex)
	if err != nil {
		return nil, coord.FromStore(err, "cache stats")
	}
	entries := 0
	for _, key := range keys {
		_, err := m.store.Get(ctx, entryPrefix+key)
		if errors.Is(err, leasestore.ErrNotFound) {
			if err := m.detach(ctx, key, ""); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, coord.FromStore(err, "cache stats")
		}
		entries++
	}

	tags, err := m.store.SetMembers(ctx, tagsIndex)
	if err != nil {
		return nil, coord.FromStore(err, "cache stats")
	}
	tagCount := 0
	for _, tag := range tags {
		members, err := m.store.SetMembers(ctx, tagPrefix+tag)
		if err != nil {
			return nil, coord.FromStore(err, "cache stats")
		}
		if len(members) == 0 {
			if err := m.store.SetRemove(ctx, tagsIndex, tag); err != nil {
				return nil, coord.FromStore(err, "cache stats")
			}
			continue
		}
		tagCount++
	}

	return &Stats{
		Entries:       entries,
		TagCount:      tagCount,
		HitCount:      m.hits.Load(),
		MissCount:     m.misses.Load(),
		EvictionCount: m.evictions.Load(),
	}, nil
}

// Reap sweeps the key registry once, repairing index memberships of
// entries the store has already expired. The cache is correct without it;
// it only keeps the indexes tight between accesses.
func (m *Manager) Reap(ctx context.Context) error {
	keys, err := m.store.SetMembers(ctx, keysIndex)
	if err != nil {
		return coord.FromStore(err, "cache reap")
	}
	for _, key := range keys {
		_, err := m.store.Get(ctx, entryPrefix+key)
		if errors.Is(err, leasestore.ErrNotFound) {
			if err := m.detach(ctx, key, ""); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return coord.FromStore(err, "cache reap")
		}
	}
	return nil
}

// StartReaper runs Reap on the given interval until ctx is cancelled.
func (m *Manager) StartReaper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := m.Reap(ctx); err != nil {
					m.logger.WarnContext(ctx, "cache reap failed", "error", err)
				}
			}
		}
	}()
}

// tagsOf reads the non-expiring tag list side record for key.
func (m *Manager) tagsOf(ctx context.Context, key string) ([]string, error) {
	payload, err := m.store.Get(ctx, keyTagPrefix+key)
	if errors.Is(err, leasestore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, coord.FromStore(err, "cache tag lookup")
	}
	var tags []string
	if err := json.Unmarshal(payload, &tags); err != nil {
		return nil, coord.Wrap(coord.KindInternal, err, "decode tag list for %q", key)
	}
	return tags, nil
}

// detach removes key from every tag set it belongs to (except skipTag,
// whose whole set the caller is dropping), deletes the tag list side
// record, and removes key from the key registry.
func (m *Manager) detach(ctx context.Context, key, skipTag string) error {
	tags, err := m.tagsOf(ctx, key)
	if err != nil {
		return err
	}
	for _, tag := range tags {
		if tag == skipTag {
			continue
		}
		if err := m.store.SetRemove(ctx, tagPrefix+tag, key); err != nil {
			return coord.FromStore(err, "cache tag detach")
		}
	}
	if _, err := m.store.Delete(ctx, keyTagPrefix+key); err != nil {
		return coord.FromStore(err, "cache tag detach")
	}
	if err := m.store.SetRemove(ctx, keysIndex, key); err != nil {
		return coord.FromStore(err, "cache tag detach")
	}
	return nil
}
