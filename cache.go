package querycache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	c "github.com/unkn0wn-root/querycache/codec"
	ep "github.com/unkn0wn-root/querycache/epoch"
	"github.com/unkn0wn-root/querycache/internal/keyutil"
	"github.com/unkn0wn-root/querycache/internal/wire"
	st "github.com/unkn0wn-root/querycache/store"
)

const (
	defaultStaleAfter     = 30 * time.Second
	defaultStoreTTL       = 10 * time.Minute
	defaultIdleEviction   = 5 * time.Minute
	defaultSweep          = time.Minute
	defaultEpochRetention = 30 * 24 * time.Hour
)

// errFlightSuperseded signals that a fetch was cancelled by an invalidation
// while in flight; callers retry against the new epoch. Never escapes Fetch.
var errFlightSuperseded = errors.New("querycache: fetch superseded by invalidation")

type cache[V any] struct {
	ns        string
	store     st.Store
	codec     c.Codec[V]
	snapCodec c.Codec[V]
	epochs    ep.Store
	log       Logger
	hooks     Hooks

	enabled bool

	staleAfter   time.Duration
	storeTTL     time.Duration
	idleEviction time.Duration
	cost         SetCostFunc

	mu      sync.RWMutex
	entries map[string]*entry[V]
	group   singleflight.Group

	nowFn func() time.Time

	// background work lifecycle
	baseCtx    context.Context
	baseCancel context.CancelFunc
	ticker     *time.Ticker
	stopCh     chan struct{}
	closeWg    sync.WaitGroup
	closeOnce  sync.Once
	closed     atomic.Bool
	// bgMu makes the closed check plus closeWg.Add atomic with respect to
	// Close, so a spawn can never race Close's Wait at counter zero.
	bgMu sync.Mutex
}

func newCache[V any](opts Options[V]) (*cache[V], error) {
	if opts.Namespace == "" {
		return nil, fmt.Errorf("querycache: namespace is required")
	}
	if opts.Store != nil && opts.Codec == nil {
		return nil, fmt.Errorf("querycache: codec is required when a store is configured")
	}

	qc := &cache[V]{
		ns:      opts.Namespace,
		store:   opts.Store,
		codec:   opts.Codec,
		entries: make(map[string]*entry[V]),
		nowFn:   time.Now,
	}

	qc.snapCodec = opts.SnapshotCodec
	if qc.snapCodec == nil {
		qc.snapCodec = opts.Codec // may stay nil: plain value-copy snapshots
	}

	qc.log = coalesce[Logger](opts.Logger, NopLogger{})
	qc.hooks = coalesce[Hooks](opts.Hooks, NopHooks{})
	qc.staleAfter = coalesce[time.Duration](opts.StaleAfter, defaultStaleAfter)
	qc.storeTTL = coalesce[time.Duration](opts.StoreTTL, defaultStoreTTL)
	qc.idleEviction = coalesce[time.Duration](opts.IdleEviction, defaultIdleEviction)
	sweep := coalesce[time.Duration](opts.SweepInterval, defaultSweep)
	retention := coalesce[time.Duration](opts.EpochRetention, defaultEpochRetention)

	if opts.ComputeSetCost != nil {
		qc.cost = opts.ComputeSetCost
	} else {
		qc.cost = func(_ string, raw []byte) int64 { return int64(len(raw)) }
	}

	if opts.Epochs != nil {
		qc.epochs = opts.Epochs
	} else {
		// in-process epochs with periodic pruning of long-inactive keys
		qc.epochs = ep.NewLocal(sweep, retention)
	}

	qc.enabled = !opts.Disabled
	qc.baseCtx, qc.baseCancel = context.WithCancel(context.Background())

	if qc.enabled {
		qc.ticker = time.NewTicker(sweep)
		qc.stopCh = make(chan struct{})
		qc.closeWg.Add(1)
		go qc.janitor()
	}
	return qc, nil
}

func (qc *cache[V]) Enabled() bool { return qc.enabled }

func (qc *cache[V]) now() time.Time { return qc.nowFn() }

func (qc *cache[V]) Close(ctx context.Context) error {
	qc.closeOnce.Do(func() {
		qc.bgMu.Lock()
		qc.closed.Store(true)
		qc.bgMu.Unlock()
		qc.baseCancel()
		if qc.stopCh != nil {
			close(qc.stopCh)
		}
		// cancel in-flight fetches so waiters return promptly
		qc.mu.RLock()
		for _, ent := range qc.entries {
			ent.mu.Lock()
			if ent.flightCancel != nil {
				ent.flightCancel()
			}
			ent.mu.Unlock()
		}
		qc.mu.RUnlock()
		qc.closeWg.Wait()
		if qc.ticker != nil {
			qc.ticker.Stop()
		}
	})
	if qc.epochs != nil {
		_ = qc.epochs.Close(ctx)
	}
	if qc.store != nil {
		return qc.store.Close(ctx)
	}
	return nil
}

// Fetch implements the read path: fresh hit, store warmup, or de-duplicated
// flight. See Cache.Fetch for the contract.
func (qc *cache[V]) Fetch(ctx context.Context, key Key, fn FetchFunc[V], opts ...FetchOption) (V, error) {
	var zero V
	if fn == nil {
		return zero, fmt.Errorf("querycache: nil fetch func")
	}
	if !qc.enabled {
		// kill switch: pass through to the producer, cache nothing
		return fn(ctx)
	}
	if qc.closed.Load() {
		return zero, ErrClosed
	}

	canon, err := keyutil.Canon(key)
	if err != nil {
		return zero, err
	}
	fc := resolveFetchOpts(opts)
	staleAfter := fc.staleAfter
	if staleAfter < 0 {
		staleAfter = qc.staleAfter
	}

	ent := qc.entryFor(canon, key)
	now := qc.now()

	ent.mu.Lock()
	ent.lastAccess = now
	ent.lastFetch = fn
	freshHit := ent.fresh(now, staleAfter)
	data := ent.data
	hadData := ent.hasData
	entEpoch := ent.epoch
	ent.mu.Unlock()

	if freshHit && entEpoch == qc.snapshotEpoch(ctx, canon) {
		return data, nil
	}

	// Second-level store warmup: only when memory has nothing at all, so a
	// deliberate refetch of stale memory always reaches the producer.
	if !hadData && qc.store != nil {
		if v, at, epochv, ok := qc.loadFromStore(ctx, canon, staleAfter); ok {
			qc.hydrate(ent, v, at, epochv, staleAfter)
			return v, nil
		}
	}

	for {
		res, ferr, shared := qc.group.Do(canon, func() (any, error) {
			return qc.runFlight(ctx, ent, fn, staleAfter, fc.storeTTL)
		})
		if shared {
			qc.hooks.FlightShared(canon)
			qc.log.Debug("attached to in-flight fetch", Fields{"key": canon})
		}
		if ferr != nil {
			if errors.Is(ferr, errFlightSuperseded) {
				// invalidated mid-flight; retry against the new epoch while
				// the caller is still interested and the cache is open
				if ctx.Err() != nil {
					return zero, ctx.Err()
				}
				if qc.closed.Load() {
					return zero, ErrClosed
				}
				continue
			}
			// stale-while-error: keep and serve prior data alongside the error
			ent.mu.Lock()
			if ent.hasData {
				stale := ent.data
				ent.mu.Unlock()
				qc.hooks.StaleServed(canon)
				return stale, ferr
			}
			ent.mu.Unlock()
			return zero, ferr
		}
		return res.(V), nil
	}
}

func (qc *cache[V]) Prefetch(ctx context.Context, key Key, fn FetchFunc[V], opts ...FetchOption) error {
	_, err := qc.Fetch(ctx, key, fn, opts...)
	return err
}

// runFlight executes one de-duplicated fetch. Exactly one flight runs per key
// at a time (singleflight); the result is committed only if the key's epoch
// did not move while the fetch was in the air.
func (qc *cache[V]) runFlight(ctx context.Context, ent *entry[V], fn FetchFunc[V], staleAfter, storeTTL time.Duration) (any, error) {
	// Re-check freshness: a previous flight may have committed between the
	// caller's staleness check and this flight starting.
	now := qc.now()
	ent.mu.Lock()
	if ent.fresh(now, staleAfter) {
		data := ent.data
		entEpoch := ent.epoch
		ent.mu.Unlock()
		if entEpoch == qc.snapshotEpoch(ctx, ent.canon) {
			return data, nil
		}
	} else {
		ent.mu.Unlock()
	}

	obs := qc.snapshotEpoch(ctx, ent.canon)

	qc.commit(ent, func() bool {
		if ent.status == StatusLoading {
			return false
		}
		ent.status = StatusLoading
		return true
	})

	fctx, cancel := context.WithCancel(ctx)
	ent.mu.Lock()
	ent.flightCancel = cancel
	ent.mu.Unlock()

	v, err := fn(fctx)

	ent.mu.Lock()
	ent.flightCancel = nil
	ent.mu.Unlock()
	supersededCancel := fctx.Err() != nil && ctx.Err() == nil
	cancel()

	if err != nil {
		if supersededCancel {
			qc.hooks.CommitDiscarded(ent.canon, "cancelled")
			qc.settleLoading(ent)
			return nil, errFlightSuperseded
		}
		qc.commit(ent, func() bool {
			ent.status = StatusError
			ent.err = err
			// prior data stays untouched (stale-while-error)
			return true
		})
		qc.log.Warn("fetch failed", Fields{"key": ent.canon, "err": err})
		return nil, err
	}

	cur := qc.snapshotEpoch(ctx, ent.canon)
	if cur != obs {
		// fetched against an old epoch; never overwrite newer state
		qc.hooks.CommitDiscarded(ent.canon, "epoch_moved")
		qc.log.Debug("fetch result discarded (epoch moved)", Fields{"key": ent.canon, "obs": obs, "cur": cur})
		qc.settleLoading(ent)
		return v, nil // the caller still gets the value it asked for
	}

	committedAt := qc.now()
	qc.commit(ent, func() bool {
		ent.data = v
		ent.hasData = true
		ent.status = StatusSuccess
		ent.err = nil
		ent.fetchedAt = committedAt
		ent.staleAfter = staleAfter
		ent.epoch = cur
		ent.version++
		return true
	})
	qc.storeWrite(ctx, ent.canon, v, cur, committedAt, storeTTL)
	return v, nil
}

// settleLoading returns a dangling Loading status to its resting state after
// a discarded flight.
func (qc *cache[V]) settleLoading(ent *entry[V]) {
	qc.commit(ent, func() bool {
		if ent.status != StatusLoading {
			return false
		}
		if ent.hasData {
			ent.status = StatusSuccess
		} else {
			ent.status = StatusIdle
		}
		return true
	})
}

func (qc *cache[V]) Invalidate(ctx context.Context, key Key) error {
	if !qc.enabled {
		return nil
	}
	canon, err := keyutil.Canon(key)
	if err != nil {
		return err
	}

	newEpoch, bumpErr := qc.epochs.Bump(ctx, canon)
	if bumpErr != nil {
		qc.hooks.EpochBumpError(canon, bumpErr)
		qc.log.Error("epoch bump error", Fields{"key": canon, "err": bumpErr})
	}

	var delErr error
	if qc.store != nil {
		delErr = qc.store.Del(ctx, keyutil.StoreKey(qc.ns, canon))
	}

	if ent := qc.lookup(canon); ent != nil {
		ent.mu.Lock()
		ent.fetchedAt = time.Time{} // next Fetch always revalidates
		cancel := ent.flightCancel
		refetch := ent.lastFetch
		hasSubs := len(ent.subs) > 0
		staleAfter := ent.staleAfter
		kcopy := ent.key
		ent.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if hasSubs && refetch != nil {
			qc.bgMu.Lock()
			if !qc.closed.Load() {
				qc.closeWg.Add(1)
				go func() {
					defer qc.closeWg.Done()
					_, _ = qc.Fetch(qc.baseCtx, kcopy, refetch, WithStaleAfter(staleAfter))
				}()
			}
			qc.bgMu.Unlock()
		}
	}

	if bumpErr != nil || delErr != nil {
		return &InvalidateError{Key: canon, BumpErr: bumpErr, DelErr: delErr}
	}
	qc.log.Debug("invalidated key (bumped epoch + cleared mirror)", Fields{"key": canon, "epoch": newEpoch})
	return nil
}

func (qc *cache[V]) OptimisticUpdate(key Key, update func(V) V) (RollbackToken, error) {
	if update == nil {
		return RollbackToken{}, fmt.Errorf("querycache: nil update func")
	}
	if !qc.enabled {
		return RollbackToken{}, nil // zero token; Rollback on it is a no-op
	}
	canon, err := keyutil.Canon(key)
	if err != nil {
		return RollbackToken{}, err
	}
	ent := qc.lookup(canon)
	if ent == nil {
		return RollbackToken{}, ErrNoData
	}

	var tok RollbackToken
	var uerr error
	qc.commit(ent, func() bool {
		if !ent.hasData {
			uerr = ErrNoData
			return false
		}
		prev := any(ent.data)
		if qc.snapCodec != nil {
			cp, cerr := c.Clone(qc.snapCodec, ent.data)
			if cerr != nil {
				uerr = fmt.Errorf("querycache: snapshot: %w", cerr)
				return false
			}
			prev = any(cp)
		}
		ent.data = update(ent.data)
		ent.version++
		ent.lastAccess = qc.now()
		// Status stays as-is: an optimistic write is data-only
		tok = RollbackToken{key: canon, version: ent.version, prev: prev, valid: true}
		return true
	})
	if uerr != nil {
		return RollbackToken{}, uerr
	}
	qc.log.Debug("optimistic update applied", Fields{"key": canon})
	return tok, nil
}

func (qc *cache[V]) Rollback(tok RollbackToken) error {
	if !tok.valid {
		return nil // zero token (disabled cache, or already consumed elsewhere)
	}
	if !qc.enabled {
		return nil
	}
	ent := qc.lookup(tok.key)
	if ent == nil {
		return ErrRollbackSuperseded // evicted since the update; nothing to restore
	}

	var rerr error
	qc.commit(ent, func() bool {
		if ent.version != tok.version {
			rerr = ErrRollbackSuperseded
			return false
		}
		ent.data = tok.prev.(V)
		ent.version++
		return true
	})
	if rerr != nil {
		qc.hooks.RollbackSuperseded(tok.key)
		qc.log.Debug("rollback refused (newer write landed)", Fields{"key": tok.key})
		return rerr
	}
	qc.log.Debug("rollback applied", Fields{"key": tok.key})
	return nil
}

func (qc *cache[V]) Subscribe(key Key, fn func(Entry[V])) (Subscription, error) {
	if fn == nil {
		return nil, fmt.Errorf("querycache: nil subscriber func")
	}
	if !qc.enabled {
		return nopSubscription{}, nil
	}
	canon, err := keyutil.Canon(key)
	if err != nil {
		return nil, err
	}
	ent := qc.entryFor(canon, key)
	ent.mu.Lock()
	id := ent.nextSubID
	ent.nextSubID++
	ent.subs[id] = fn
	ent.lastAccess = qc.now()
	ent.mu.Unlock()
	return &subscription[V]{qc: qc, ent: ent, id: id}, nil
}

func (qc *cache[V]) Peek(key Key) (Entry[V], bool) {
	if !qc.enabled {
		return Entry[V]{}, false
	}
	canon, err := keyutil.Canon(key)
	if err != nil {
		return Entry[V]{}, false
	}
	ent := qc.lookup(canon)
	if ent == nil {
		return Entry[V]{}, false
	}
	ent.mu.Lock()
	snap := ent.snapshot()
	ent.mu.Unlock()
	return snap, true
}

// Clear drops all entries and bumps their epochs so store mirrors cannot
// resurrect the dropped state.
func (qc *cache[V]) Clear(ctx context.Context) error {
	if !qc.enabled {
		return nil
	}
	qc.mu.Lock()
	entries := qc.entries
	qc.entries = make(map[string]*entry[V])
	qc.mu.Unlock()

	var firstErr error
	for canon, ent := range entries {
		ent.mu.Lock()
		cancel := ent.flightCancel
		ent.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		if _, err := qc.epochs.Bump(ctx, canon); err != nil {
			qc.hooks.EpochBumpError(canon, err)
			if firstErr == nil {
				firstErr = err
			}
		}
		if qc.store != nil {
			if err := qc.store.Del(ctx, keyutil.StoreKey(qc.ns, canon)); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	qc.log.Debug("cleared all entries", Fields{"count": len(entries)})
	return firstErr
}

// ----- internals -----

// commit runs f under the entry's locks and, when f reports a change,
// notifies subscribers with a consistent snapshot. notifyMu is held across
// the mutation and the callbacks so per-key notifications observe commit
// order. Callbacks must not call back into the cache for the same key.
func (qc *cache[V]) commit(ent *entry[V], f func() bool) {
	ent.notifyMu.Lock()
	ent.mu.Lock()
	changed := f()
	var snap Entry[V]
	var subs []func(Entry[V])
	if changed {
		snap = ent.snapshot()
		subs = ent.subscribers()
	}
	ent.mu.Unlock()
	if changed {
		for _, sub := range subs {
			sub(snap)
		}
	}
	ent.notifyMu.Unlock()
}

func (qc *cache[V]) entryFor(canon string, key Key) *entry[V] {
	qc.mu.RLock()
	ent := qc.entries[canon]
	qc.mu.RUnlock()
	if ent != nil {
		return ent
	}

	qc.mu.Lock()
	ent = qc.entries[canon]
	if ent == nil {
		kcopy := make(Key, len(key))
		copy(kcopy, key)
		ent = &entry[V]{
			canon:      canon,
			key:        kcopy,
			status:     StatusIdle,
			subs:       make(map[uint64]func(Entry[V])),
			lastAccess: qc.now(),
		}
		qc.entries[canon] = ent
	}
	qc.mu.Unlock()
	return ent
}

func (qc *cache[V]) lookup(canon string) *entry[V] {
	qc.mu.RLock()
	ent := qc.entries[canon]
	qc.mu.RUnlock()
	return ent
}

func (qc *cache[V]) snapshotEpoch(ctx context.Context, canon string) uint64 {
	e, err := qc.epochs.Snapshot(ctx, canon)
	if err != nil {
		// Conservative: 0 makes commits against the real epoch skip; reads self-heal
		qc.hooks.EpochSnapshotError(canon, err)
		qc.log.Warn("epoch snapshot error", Fields{"key": canon, "err": err})
		return 0
	}
	return e
}

// hydrate seeds an empty entry from the second-level store.
func (qc *cache[V]) hydrate(ent *entry[V], v V, at time.Time, epochv uint64, staleAfter time.Duration) {
	qc.commit(ent, func() bool {
		if ent.hasData {
			return false // raced with a flight; memory wins
		}
		ent.data = v
		ent.hasData = true
		ent.status = StatusSuccess
		ent.err = nil
		ent.fetchedAt = at
		ent.staleAfter = staleAfter
		ent.epoch = epochv
		ent.version++
		return true
	})
	qc.log.Debug("hydrated entry from store", Fields{"key": ent.canon})
}

// loadFromStore returns a store-mirrored value only when it is frame-valid,
// epoch-current, and still fresh. Anything else is a miss; invalid frames and
// stale epochs are deleted (self-heal).
func (qc *cache[V]) loadFromStore(ctx context.Context, canon string, staleAfter time.Duration) (V, time.Time, uint64, bool) {
	var zero V
	sk := keyutil.StoreKey(qc.ns, canon)

	raw, ok, err := qc.store.Get(ctx, sk)
	if err != nil {
		qc.log.Warn("store get failed", Fields{"key": canon, "err": err})
		return zero, time.Time{}, 0, false
	}
	if !ok {
		return zero, time.Time{}, 0, false
	}

	epochv, at, payload, derr := wire.Decode(raw)
	if derr != nil {
		_ = qc.store.Del(ctx, sk)
		qc.hooks.SelfHealStore(sk, "corrupt")
		return zero, time.Time{}, 0, false
	}
	if epochv != qc.snapshotEpoch(ctx, canon) {
		_ = qc.store.Del(ctx, sk)
		qc.hooks.SelfHealStore(sk, "epoch_mismatch")
		return zero, time.Time{}, 0, false
	}
	v, verr := qc.codec.Decode(payload)
	if verr != nil {
		_ = qc.store.Del(ctx, sk)
		qc.hooks.SelfHealStore(sk, "value_decode")
		return zero, time.Time{}, 0, false
	}
	if qc.now().Sub(at) >= staleAfter {
		return zero, time.Time{}, 0, false // valid but too old to serve unrevalidated
	}
	return v, at, epochv, true
}

// storeWrite mirrors a committed fetch to the second-level store, best-effort.
func (qc *cache[V]) storeWrite(ctx context.Context, canon string, v V, epochv uint64, at time.Time, ttl time.Duration) {
	if qc.store == nil {
		return
	}
	if ttl == 0 {
		ttl = qc.storeTTL
	}
	payload, err := qc.codec.Encode(v)
	if err != nil {
		qc.log.Warn("store encode failed", Fields{"key": canon, "err": err})
		return
	}
	sk := keyutil.StoreKey(qc.ns, canon)
	framed := wire.Encode(epochv, at, payload)
	ok, err := qc.store.Set(ctx, sk, framed, qc.cost(sk, framed), ttl)
	if err != nil {
		qc.log.Warn("store set failed", Fields{"key": canon, "err": err})
		return
	}
	if !ok {
		qc.hooks.StoreSetRejected(sk)
		qc.log.Debug("store set rejected (pressure)", Fields{"key": canon})
	}
}

func (qc *cache[V]) janitor() {
	defer qc.closeWg.Done()
	for {
		select {
		case <-qc.ticker.C:
			qc.sweep()
		case <-qc.stopCh:
			return
		}
	}
}

// sweep evicts entries that have no subscribers, no flight in progress, and
// have not been touched within the idle window. Fixed idle timeout, not LRU:
// subscribed keys are pinned and everything else ages out uniformly.
func (qc *cache[V]) sweep() {
	cutoff := qc.now().Add(-qc.idleEviction)

	var candidates []string
	qc.mu.RLock()
	for canon, ent := range qc.entries {
		ent.mu.Lock()
		idle := len(ent.subs) == 0 && ent.flightCancel == nil && !ent.lastAccess.After(cutoff)
		ent.mu.Unlock()
		if idle {
			candidates = append(candidates, canon)
		}
	}
	qc.mu.RUnlock()

	if len(candidates) == 0 {
		return
	}

	removed := 0
	qc.mu.Lock()
	for _, canon := range candidates {
		ent, ok := qc.entries[canon]
		if !ok {
			continue
		}
		ent.mu.Lock()
		idle := len(ent.subs) == 0 && ent.flightCancel == nil && !ent.lastAccess.After(cutoff)
		ent.mu.Unlock()
		if idle {
			delete(qc.entries, canon)
			removed++
			qc.hooks.EntryEvicted(canon)
		}
	}
	qc.mu.Unlock()

	if removed > 0 {
		qc.log.Debug("janitor evicted idle entries", Fields{"removed": removed})
	}
}

func resolveFetchOpts(opts []FetchOption) fetchConfig {
	fc := fetchConfig{staleAfter: -1}
	for _, o := range opts {
		o(&fc)
	}
	return fc
}

type subscription[V any] struct {
	qc   *cache[V]
	ent  *entry[V]
	id   uint64
	once sync.Once
}

func (s *subscription[V]) Unsubscribe() {
	s.once.Do(func() {
		s.ent.mu.Lock()
		delete(s.ent.subs, s.id)
		s.ent.lastAccess = s.qc.now()
		s.ent.mu.Unlock()
	})
}

type nopSubscription struct{}

func (nopSubscription) Unsubscribe() {}
