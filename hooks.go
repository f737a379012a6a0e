package permcache

// Hooks lightweight callbacks for high-signal events.
// Implementations MUST be cheap and non-blocking.
// The cache calls them on hot paths.
type Hooks interface {
	// An entry was evicted under capacity pressure (strict LRU).
	EntryEvicted(key string)

	// An entry was purged lazily at read time.
	// tier ∈ {"fast", "persistent"}.
	EntryExpired(key, tier string)

	// An entry reached its access-count cap and was purged at read time.
	AccessLimitReached(key string)

	// A durable row was deleted on read because it could not be trusted.
	// reason ∈ {"corrupt", "decode", "schema", "digest"}
	RowSelfHealed(key, reason string)

	// A durable-tier operation failed and was converted to a miss/no-op.
	// op ∈ {"get", "put", "delete", "clear", "sweep"}.
	StoreDegraded(op string, err error)

	// One warm item failed; the rest of the batch continued.
	WarmItemFailed(resource, action string, err error)

	// The audit collaborator rejected a record; the decision was still cached.
	AuditDropped(err error)
}

// NopHooks is the default no-op
type NopHooks struct{}

func (NopHooks) EntryEvicted(string)                  {}
func (NopHooks) EntryExpired(string, string)          {}
func (NopHooks) AccessLimitReached(string)            {}
func (NopHooks) RowSelfHealed(string, string)         {}
func (NopHooks) StoreDegraded(string, error)          {}
func (NopHooks) WarmItemFailed(string, string, error) {}
func (NopHooks) AuditDropped(error)                   {}
