package querycache

import (
	"context"
	"sync"
	"time"
)

// Status describes the lifecycle state of a cached query.
// Transitions: Idle -> Loading -> {Success, Error}; Success -> Loading on
// refetch; Error -> Loading on retry. Optimistic updates never change Status.
type Status uint8

const (
	StatusIdle Status = iota
	StatusLoading
	StatusSuccess
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusLoading:
		return "loading"
	case StatusSuccess:
		return "success"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Entry is an immutable snapshot of a cached query, handed to subscribers and
// returned by Peek. Data may alias mutable state inside the cache's live
// value; treat it as read-only.
type Entry[V any] struct {
	Key        Key
	Data       V
	HasData    bool
	Status     Status
	Err        error
	FetchedAt  time.Time
	StaleAfter time.Duration
	Epoch      uint64
}

// entry is the live, cache-owned state for one canonical key.
// mu serializes all mutation; notifyMu is held across a mutation and its
// subscriber callbacks so per-key notifications observe commit order.
// Lock order: notifyMu before mu.
type entry[V any] struct {
	canon string
	key   Key

	mu         sync.Mutex
	notifyMu   sync.Mutex
	data       V
	hasData    bool
	status     Status
	err        error
	fetchedAt  time.Time
	staleAfter time.Duration
	epoch      uint64
	version    uint64 // bumped on every committed write
	lastAccess time.Time

	lastFetch    FetchFunc[V]       // remembered for background refetch on invalidate
	flightCancel context.CancelFunc // non-nil while a fetch is in flight

	subs      map[uint64]func(Entry[V])
	nextSubID uint64
}

// snapshot must be called with e.mu held.
func (e *entry[V]) snapshot() Entry[V] {
	return Entry[V]{
		Key:        e.key,
		Data:       e.data,
		HasData:    e.hasData,
		Status:     e.status,
		Err:        e.err,
		FetchedAt:  e.fetchedAt,
		StaleAfter: e.staleAfter,
		Epoch:      e.epoch,
	}
}

// subscribers must be called with e.mu held.
func (e *entry[V]) subscribers() []func(Entry[V]) {
	if len(e.subs) == 0 {
		return nil
	}
	out := make([]func(Entry[V]), 0, len(e.subs))
	for _, fn := range e.subs {
		out = append(out, fn)
	}
	return out
}

// fresh must be called with e.mu held.
func (e *entry[V]) fresh(now time.Time, staleAfter time.Duration) bool {
	if e.status != StatusSuccess || !e.hasData || e.fetchedAt.IsZero() {
		return false
	}
	return now.Sub(e.fetchedAt) < staleAfter
}
