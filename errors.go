package querycache

import (
	"errors"
	"fmt"
)

var (
	// ErrNoData is returned by OptimisticUpdate when the key has no cached
	// data to mutate (nothing was ever fetched, or the entry was evicted).
	ErrNoData = errors.New("querycache: no cached data for key")

	// ErrRollbackSuperseded is returned by Rollback when a newer write
	// (a committed refetch or another optimistic update) landed after the
	// token was issued. The newer data wins; the snapshot is discarded.
	ErrRollbackSuperseded = errors.New("querycache: rollback superseded by newer write")

	// ErrClosed is returned for operations on a closed cache.
	ErrClosed = errors.New("querycache: cache closed")
)

// InvalidateError reports partial failure of Invalidate: the epoch bump and
// the store delete are independent best-effort steps and either can fail.
type InvalidateError struct {
	Key     string
	BumpErr error
	DelErr  error
}

func (e *InvalidateError) Error() string {
	switch {
	case e.BumpErr != nil && e.DelErr != nil:
		return fmt.Sprintf("invalidate %q failed: epoch bump and store delete failed: bump=%v; delete=%v",
			e.Key, e.BumpErr, e.DelErr)
	case e.BumpErr != nil:
		return fmt.Sprintf("invalidate %q: epoch bump failed: %v", e.Key, e.BumpErr)
	case e.DelErr != nil:
		return fmt.Sprintf("invalidate %q: store delete failed: %v", e.Key, e.DelErr)
	default:
		return fmt.Sprintf("invalidate %q: unknown error", e.Key)
	}
}

func (e *InvalidateError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.BumpErr != nil {
		errs = append(errs, e.BumpErr)
	}
	if e.DelErr != nil {
		errs = append(errs, e.DelErr)
	}
	return errs
}
