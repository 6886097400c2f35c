// Package leasestore defines the TTL-native key-value contract backing the
// lock and cache engines, with a Redis implementation and an in-memory
// implementation for tests and single-node development.
package leasestore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when no live record exists for the key.
var ErrNotFound = errors.New("leasestore: key not found")

// Store is the capability set the lease-backed engines require: atomic
// set-if-absent with TTL, compare-and-delete, compare-and-swap, and plain
// sets for secondary indexes. Expiry is passive; an expired record behaves
// exactly like an absent one.
type Store interface {
	// SetNX writes value under key with the given TTL iff no live record
	// exists. A ttl of zero means no expiry.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// Set writes value unconditionally. A ttl of zero means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Get returns the live value for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Delete removes key, reporting whether a live record existed.
	Delete(ctx context.Context, key string) (bool, error)
	// CompareAndDelete removes key iff its live value equals expect.
	CompareAndDelete(ctx context.Context, key string, expect []byte) (bool, error)
	// CompareAndSwap replaces key's value and TTL iff its live value
	// equals expect.
	CompareAndSwap(ctx context.Context, key string, expect, replace []byte, ttl time.Duration) (bool, error)

	// SetAdd adds members to the unordered set at key.
	SetAdd(ctx context.Context, key string, members ...string) error
	// SetMembers lists the members of the set at key.
	SetMembers(ctx context.Context, key string) ([]string, error)
	// SetRemove removes members from the set at key, dropping the set
	// when it becomes empty.
	SetRemove(ctx context.Context, key string, members ...string) error

	Close() error
}
