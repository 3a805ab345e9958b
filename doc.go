// Package querycache implements a key-addressed query cache with fetch
// de-duplication, staleness windows, invalidation, optimistic-mutation
// rollback, and per-key subscriber notification.
//
// A query is identified by a structural Key (an ordered sequence of
// primitives, e.g. Key{"projects", page}). Fetch returns cached data while it
// is fresh, and otherwise runs the caller's fetch function exactly once per
// key no matter how many goroutines ask concurrently. Fetch failures keep the
// previous data (stale-while-error). Invalidate bumps the key's epoch so that
// any fetch started before the invalidation is discarded at commit time, and
// kicks a background refetch for subscribed keys.
//
// Components:
//   - store.Store: optional second-level byte store with TTL
//     (e.g. Ristretto, BigCache, Redis) that warms misses across restarts.
//   - codec.Codec[V]: (de)serializes V <-> []byte for the store tier and for
//     deep snapshots taken before optimistic updates.
//   - epoch.Store: invalidation epoch per logical key. Local (in-process) by
//     default, optional Redis implementation for multi-replica invalidation.
//
// Epoch guard:
//
//	obs := epochs.Snapshot(ctx, k) // before fetch starts
//	v   := fetchFn(ctx)
//	commit(v) iff epochs.Snapshot(ctx, k) == obs // else discard stale result
//
// Optimistic updates:
//
//	tok, _ := cache.OptimisticUpdate(key, func(todos Todos) Todos { ... })
//	if err := writeRemote(ctx); err != nil {
//	    _ = cache.Rollback(tok) // restore pre-update snapshot
//	}
package querycache
