// Package asynchook decouples hook consumers from the cache's hot paths.
// Events are handed to a bounded queue and replayed on worker goroutines;
// when the queue is full events are dropped, never blocked on.
//
// usage:
//
//	raw := sloghooks.New(slog.Default(), sloghooks.Options{
//	    SelfHealEvery:     10, // sample logs: ~every 10th self-heal
//	    FlightSharedEvery: 1,  // log every shared flight
//	})
//
//	hooks := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
//	defer hooks.Close()
//
//	cache, _ := querycache.New[Todos](querycache.Options[Todos]{
//	    Namespace: "todos",
//	    Codec:     codec.JSON[Todos]{},
//	    Hooks:     hooks, // or `raw` if you don't want async
//	})
package asynchook

import (
	"sync"

	"github.com/unkn0wn-root/querycache"
)

type Hooks struct {
	inner querycache.Hooks
	q     chan func()
	wg    sync.WaitGroup
	once  sync.Once
}

var _ querycache.Hooks = (*Hooks)(nil)

func New(inner querycache.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

func (h *Hooks) Close() {
	h.once.Do(func() {
		close(h.q)
		h.wg.Wait()
	})
}

func (h *Hooks) try(f func()) {
	select {
	case h.q <- f:
	default: // drop
	}
}

func (h *Hooks) FlightShared(k string)       { h.try(func() { h.inner.FlightShared(k) }) }
func (h *Hooks) StaleServed(k string)        { h.try(func() { h.inner.StaleServed(k) }) }
func (h *Hooks) SelfHealStore(k, r string)   { h.try(func() { h.inner.SelfHealStore(k, r) }) }
func (h *Hooks) StoreSetRejected(k string)   { h.try(func() { h.inner.StoreSetRejected(k) }) }
func (h *Hooks) EntryEvicted(k string)       { h.try(func() { h.inner.EntryEvicted(k) }) }
func (h *Hooks) RollbackSuperseded(k string) { h.try(func() { h.inner.RollbackSuperseded(k) }) }
func (h *Hooks) CommitDiscarded(k, r string) {
	h.try(func() { h.inner.CommitDiscarded(k, r) })
}
func (h *Hooks) EpochSnapshotError(k string, err error) {
	h.try(func() { h.inner.EpochSnapshotError(k, err) })
}
func (h *Hooks) EpochBumpError(k string, err error) {
	h.try(func() { h.inner.EpochBumpError(k, err) })
}
