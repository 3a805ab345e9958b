package querycache

import (
	"context"
	"time"

	c "github.com/unkn0wn-root/querycache/codec"
	ep "github.com/unkn0wn-root/querycache/epoch"
	st "github.com/unkn0wn-root/querycache/store"
)

// Key is a structural query identifier: an ordered sequence of primitive
// values (strings, bools, ints, uints, floats). Equality is structural, so
// Key{"projects", 2} built in two places addresses the same entry.
type Key []any

// FetchFunc produces the value for a key. It is supplied by the caller and
// owned by the caller; the cache only decides when (and whether) to run it.
// The context is cancelled when the key is invalidated mid-flight or the
// cache closes.
type FetchFunc[V any] func(ctx context.Context) (V, error)

// Subscription is a handle returned by Subscribe. Unsubscribe is idempotent.
type Subscription interface {
	Unsubscribe()
}

// RollbackToken restores the data snapshot captured by OptimisticUpdate.
// The zero value is a no-op token: Rollback on it returns nil. Tokens are
// single-use.
type RollbackToken struct {
	key     string
	version uint64
	prev    any
	valid   bool
}

// SetCostFunc computes the cost passed to the second-level store on Set.
type SetCostFunc func(storageKey string, raw []byte) int64

// Cache is the high-level query cache API. V is the caller's value type.
type Cache[V any] interface {
	Enabled() bool
	Close(context.Context) error

	// Fetch returns fresh cached data, or runs fn (de-duplicated per key)
	// and caches the result. On fn failure prior data is returned alongside
	// the error (stale-while-error); inspect err to tell the two apart.
	Fetch(ctx context.Context, key Key, fn FetchFunc[V], opts ...FetchOption) (V, error)

	// Prefetch is Fetch with the value discarded; it only warms the cache.
	Prefetch(ctx context.Context, key Key, fn FetchFunc[V], opts ...FetchOption) error

	// Invalidate marks the key stale immediately: bumps its epoch, cancels
	// any in-flight fetch, clears the store mirror, and refetches in the
	// background when the key has subscribers.
	Invalidate(ctx context.Context, key Key) error

	// OptimisticUpdate snapshots current data, applies update synchronously,
	// and notifies subscribers. Status is not changed. update runs under the
	// entry lock and must not call back into the cache.
	OptimisticUpdate(key Key, update func(V) V) (RollbackToken, error)

	// Rollback restores the snapshot captured by OptimisticUpdate, unless a
	// newer write already landed (ErrRollbackSuperseded).
	Rollback(token RollbackToken) error

	// Subscribe registers fn to run with an Entry snapshot after every
	// committed change to the key's data, status, or error. Subscribed keys
	// are exempt from idle eviction.
	Subscribe(key Key, fn func(Entry[V])) (Subscription, error)

	// Peek returns the current entry snapshot without side effects.
	Peek(key Key) (Entry[V], bool)

	// Clear drops every entry and invalidates their store mirrors.
	Clear(ctx context.Context) error
}

// Options tune the behavior of the cache.
// Only Namespace is required; others have sensible defaults.
type Options[V any] struct {
	// Required. Logical namespace isolating this cache's keys in shared
	// backends. e.g. "todos", "projects".
	Namespace string

	// Store is an optional second-level byte store consulted on in-memory
	// misses and mirrored on successful fetches. Requires Codec.
	Store st.Store
	// Codec serializes values for Store. Required iff Store is set.
	Codec c.Codec[V]
	// SnapshotCodec deep-copies data for optimistic-update snapshots.
	// Defaults to Codec. If both are nil, snapshots are plain value copies,
	// which is only safe for value types without shared mutable state.
	SnapshotCodec c.Codec[V]
	// Epochs stores invalidation epochs. nil => in-process epoch.Local.
	Epochs ep.Store

	Logger Logger // if nil, NopLogger is used
	Hooks  Hooks  // if nil, NopHooks is used

	StaleAfter     time.Duration // freshness window; 0 => 30s
	StoreTTL       time.Duration // store mirror TTL; 0 => 10m
	IdleEviction   time.Duration // evict unsubscribed idle entries after; 0 => 5m
	SweepInterval  time.Duration // janitor interval; 0 => 1m
	EpochRetention time.Duration // local epoch pruning; 0 => 30d

	Disabled       bool        // default false (enabled)
	ComputeSetCost SetCostFunc // default len(raw)
}

// FetchOption overrides per-call fetch behavior.
type FetchOption func(*fetchConfig)

type fetchConfig struct {
	staleAfter time.Duration // -1 => use cache default
	storeTTL   time.Duration // 0 => use cache default
}

// WithStaleAfter overrides the freshness window for this fetch.
// Zero means always stale (every Fetch revalidates).
func WithStaleAfter(d time.Duration) FetchOption {
	return func(fc *fetchConfig) { fc.staleAfter = d }
}

// WithStoreTTL overrides the second-level store TTL for this fetch.
func WithStoreTTL(d time.Duration) FetchOption {
	return func(fc *fetchConfig) { fc.storeTTL = d }
}

func New[V any](opts Options[V]) (Cache[V], error) {
	return newCache[V](opts)
}
