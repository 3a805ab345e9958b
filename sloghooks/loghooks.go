package sloghooks

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync/atomic"

	"github.com/unkn0wn-root/querycache"
)

type Options struct {
	// Sampling to avoid floods; 0/1 = log all.
	FlightSharedEvery uint64
	SelfHealEvery     uint64
	StaleServedEvery  uint64
	EntryEvictedEvery uint64
	// Optional key redactor. Defaults to SHA-256 prefix.
	Redact func(string) string
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	flightCtr   atomic.Uint64
	selfHealCtr atomic.Uint64
	staleCtr    atomic.Uint64
	evictCtr    atomic.Uint64
}

var _ querycache.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func (h *Hooks) redact(k string) string {
	if h.opts.Redact != nil {
		return h.opts.Redact(k)
	}
	sum := sha256.Sum256([]byte(k))
	return hex.EncodeToString(sum[:8])
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) FlightShared(key string) {
	if h.l == nil || !sample(h.opts.FlightSharedEvery, &h.flightCtr) {
		return
	}
	h.l.Debug("querycache.flight_shared",
		"key", h.redact(key))
}

func (h *Hooks) StaleServed(key string) {
	if h.l == nil || !sample(h.opts.StaleServedEvery, &h.staleCtr) {
		return
	}
	h.l.Info("querycache.stale_served",
		"key", h.redact(key))
}

func (h *Hooks) CommitDiscarded(key, reason string) {
	if h.l == nil {
		return
	}
	h.l.Info("querycache.commit_discarded",
		"key", h.redact(key),
		"reason", reason)
}

func (h *Hooks) SelfHealStore(storageKey, reason string) {
	if h.l == nil || !sample(h.opts.SelfHealEvery, &h.selfHealCtr) {
		return
	}
	h.l.Debug("querycache.self_heal_store",
		"key", h.redact(storageKey),
		"reason", reason)
}

func (h *Hooks) StoreSetRejected(storageKey string) {
	if h.l == nil {
		return
	}
	h.l.Warn("querycache.store_set_rejected",
		"key", h.redact(storageKey))
}

func (h *Hooks) EpochSnapshotError(key string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("querycache.epoch_snapshot_error",
		"key", h.redact(key),
		"err", err)
}

func (h *Hooks) EpochBumpError(key string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("querycache.epoch_bump_error",
		"key", h.redact(key),
		"err", err)
}

func (h *Hooks) EntryEvicted(key string) {
	if h.l == nil || !sample(h.opts.EntryEvictedEvery, &h.evictCtr) {
		return
	}
	h.l.Debug("querycache.entry_evicted",
		"key", h.redact(key))
}

func (h *Hooks) RollbackSuperseded(key string) {
	if h.l == nil {
		return
	}
	h.l.Info("querycache.rollback_superseded",
		"key", h.redact(key))
}
