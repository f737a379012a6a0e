// Package permcache implements a two-tier cache for authorization decisions.
// Repeated checks of (subject, resource, action) hit an in-process fast tier
// first and fall back to an optional durable store that warm-starts the next
// session. The cache is a pure optimization: every tier failure degrades to a
// miss, never to a wrong or blocked authorization outcome.
//
// Components:
//   - fast tier: capacity-bounded strict-LRU map with a per-entry access cap
//     and lazy TTL expiry. Always present, owned by one Cache instance.
//   - store.Store: durable byte store with row metadata (e.g. SQLite, Redis).
//     Optional; writes are fire-and-forget and reads promote into the fast
//     tier. Expired rows are removed by a periodic sweep.
//   - codec.Codec[Entry]: (de)serializes entries for the durable tier.
//   - Evaluator / Auditor: external collaborators used for cache warming and
//     decision auditing.
//
// Keys:
//
//	subject|resource|action[|rid:<scope>][|org:<organization>]
//
// Typical use:
//
//	opts := permcache.Options{
//	    Codec:     codec.MustCBOR[permcache.Entry](true),
//	    Evaluator: evaluator,
//	}
//	if st, err := sqlite.Open(sqlite.Config{Path: "perm.db"}); err == nil {
//	    opts.Store = st // else fast tier only
//	}
//	pc, _ := permcache.New(opts)
//	defer pc.Close(ctx)
package permcache
