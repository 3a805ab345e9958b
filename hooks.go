package querycache

// Hooks lightweight callbacks for high-signal events.
// Implementations MUST be cheap and non-blocking.
// The cache calls them on hot paths.
type Hooks interface {
	// A caller attached to a fetch already in flight for the same key
	// instead of issuing a second request.
	FlightShared(key string)

	// Fetch failed but prior data was served alongside the error.
	StaleServed(key string)

	// A completed fetch result was discarded instead of committed.
	// reason ∈ {"epoch_moved", "cancelled"}
	CommitDiscarded(key, reason string)

	// A second-level store entry was deleted by the cache on read.
	// reason ∈ {"corrupt", "epoch_mismatch", "value_decode"}
	SelfHealStore(storageKey, reason string)

	// Store returned ok=false on Set (backpressure/eviction).
	StoreSetRejected(storageKey string)

	// Epoch store errors (snapshot or bump).
	EpochSnapshotError(key string, err error)
	EpochBumpError(key string, err error)

	// An idle entry with no subscribers was evicted by the janitor.
	EntryEvicted(key string)

	// Rollback was refused because a newer write already landed.
	RollbackSuperseded(key string)
}

// NopHooks is the default no-op
type NopHooks struct{}

func (NopHooks) FlightShared(string)              {}
func (NopHooks) StaleServed(string)               {}
func (NopHooks) CommitDiscarded(string, string)   {}
func (NopHooks) SelfHealStore(string, string)     {}
func (NopHooks) StoreSetRejected(string)          {}
func (NopHooks) EpochSnapshotError(string, error) {}
func (NopHooks) EpochBumpError(string, error)     {}
func (NopHooks) EntryEvicted(string)              {}
func (NopHooks) RollbackSuperseded(string)        {}
