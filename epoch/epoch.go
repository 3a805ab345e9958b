// Package epoch tracks per-key invalidation epochs.
//
// Every Invalidate bumps the key's epoch. A fetch captures the epoch before
// running and its result is committed only if the epoch is unchanged, so a
// slow fetch can never overwrite data with a result older than the latest
// invalidation.
package epoch

import (
	"context"
	"time"
)

// Store abstracts where epochs live.
// Use Local (default) for in-process epochs, or Redis for cross-replica
// invalidation and restart persistence.
type Store interface {
	// Snapshot returns the current epoch; missing => 0.
	Snapshot(ctx context.Context, key string) (uint64, error)
	// Bump atomically increments and returns the new epoch.
	Bump(ctx context.Context, key string) (uint64, error)
	// Cleanup prunes old metadata if applicable (no-op for Redis).
	Cleanup(retention time.Duration)
	// Close releases resources (no-op ok).
	Close(context.Context) error
}
