package permcache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	c "github.com/unkn0wn-root/permcache/codec"
	"github.com/unkn0wn-root/permcache/internal/wire"
	st "github.com/unkn0wn-root/permcache/store"
)

const (
	defaultCapacity    = 1000
	defaultAccessLimit = 1000
	defaultTTL         = 5 * time.Minute
	defaultSweep       = 5 * time.Minute
	defaultWarmWidth   = 3
	defaultStoreIO     = 2 * time.Second
)

type manager struct {
	fast  *fastTier
	store st.Store // nil => fast tier only
	codec c.Codec[Entry]
	eval  Evaluator
	audit Auditor
	log   Logger
	hooks Hooks
	score ScoreFunc

	enabled      bool
	defaultTTL   time.Duration
	accessLimit  int
	sweepEvery   time.Duration
	metricsEvery time.Duration
	warmWidth    int
	storeIO      time.Duration

	mu  sync.Mutex // guards fast
	met collector

	now func() time.Time // swapped in tests

	// background sweep + metrics logging
	stopCh    chan struct{}
	closeWg   sync.WaitGroup
	ioWg      sync.WaitGroup // outstanding fire-and-forget durable writes
	closeOnce sync.Once
	degraded  sync.Once // first durable failure logs at Warn, rest at Debug
}

func newManager(opts Options) (*manager, error) {
	if opts.Capacity < 0 {
		return nil, fmt.Errorf("permcache: negative capacity")
	}
	if opts.WarmConcurrency < 0 {
		return nil, fmt.Errorf("permcache: negative warm concurrency")
	}

	m := &manager{
		store:   opts.Store,
		eval:    opts.Evaluator,
		audit:   opts.Auditor,
		enabled: !opts.Disabled,
		now:     time.Now,
	}

	// defaults
	m.log = coalesce[Logger](opts.Logger, NopLogger{})
	m.hooks = coalesce[Hooks](opts.Hooks, NopHooks{})
	m.defaultTTL = coalesce[time.Duration](opts.DefaultTTL, defaultTTL)
	m.sweepEvery = coalesce[time.Duration](opts.SweepInterval, defaultSweep)
	m.metricsEvery = opts.MetricsInterval
	m.warmWidth = coalesce[int](opts.WarmConcurrency, defaultWarmWidth)
	m.storeIO = coalesce[time.Duration](opts.StoreTimeout, defaultStoreIO)

	capacity := coalesce[int](opts.Capacity, defaultCapacity)
	m.accessLimit = coalesce[int](opts.AccessLimit, defaultAccessLimit)
	if m.accessLimit < 0 {
		m.accessLimit = 0 // unlimited
	}
	m.fast = newFastTier(capacity, m.accessLimit)

	if opts.Score != nil {
		m.score = opts.Score
	} else {
		destructive := opts.DestructiveActions
		if destructive == nil {
			destructive = []string{"delete", "remove", "purge", "admin", "manage"}
		}
		m.score = DefaultScorer(opts.SensitiveResources, destructive)
	}

	if opts.Codec != nil {
		m.codec = opts.Codec
	} else {
		cc, err := c.NewCBOR[Entry](false)
		if err != nil {
			return nil, fmt.Errorf("permcache: default codec: %w", err)
		}
		m.codec = cc
	}

	if m.enabled {
		m.stopCh = make(chan struct{})
		if m.store != nil && m.sweepEvery > 0 {
			m.closeWg.Add(1)
			go m.sweepLoop()
		}
		if m.metricsEvery > 0 {
			m.closeWg.Add(1)
			go m.metricsLoop()
		}
	}
	return m, nil
}

func (m *manager) Enabled() bool { return m.enabled }

func (m *manager) Close(ctx context.Context) error {
	m.closeOnce.Do(func() {
		if m.stopCh != nil {
			close(m.stopCh)
		}
		m.closeWg.Wait()
		m.ioWg.Wait() // drain fire-and-forget writes
	})
	if m.store != nil {
		return m.store.Close(ctx)
	}
	return nil
}

// Get consults the fast tier, then the durable tier (promoting on hit).
// Every outcome feeds the rolling response-time average.
func (m *manager) Get(ctx context.Context, q Lookup) (Entry, bool) {
	if !m.enabled {
		return Entry{}, false
	}
	start := m.now()
	defer func() {
		m.met.observeResponse(float64(m.now().Sub(start)) / float64(time.Millisecond))
	}()

	key, err := BuildKey(q)
	if err != nil {
		m.log.Debug("get with invalid lookup", Fields{"err": err})
		m.met.miss()
		return Entry{}, false
	}

	now := m.now()
	m.mu.Lock()
	e, reason, ok := m.fast.get(key, now)
	entries, bytes := m.fast.len(), m.fast.bytes
	m.mu.Unlock()
	m.met.setGauges(entries, bytes)

	switch reason {
	case purgeExpired:
		m.hooks.EntryExpired(string(key), "fast")
	case purgeAccessCap:
		m.hooks.AccessLimitReached(string(key))
	}
	if ok {
		m.met.hit(true)
		return e, true
	}

	if m.store == nil {
		m.met.miss()
		return Entry{}, false
	}
	e, ok = m.getDurable(ctx, key, now)
	if !ok {
		m.met.miss()
		return Entry{}, false
	}

	// promote; may evict the fast tier's LRU entry
	m.mu.Lock()
	evicted, didEvict := m.fast.set(e)
	entries, bytes = m.fast.len(), m.fast.bytes
	m.mu.Unlock()
	m.met.setGauges(entries, bytes)
	if didEvict {
		m.met.evict()
		m.hooks.EntryEvicted(string(evicted))
	}

	// reflect the bumped access fields back, best-effort
	m.putAsync(e)

	m.met.hit(false)
	return e, true
}

// getDurable reads, validates, and self-heals one durable row. Any row that
// cannot be trusted (bad frame, undecodable, wrong schema, digest mismatch)
// is deleted and read as a miss, as are expired and read-capped rows.
func (m *manager) getDurable(ctx context.Context, key Key, now time.Time) (Entry, bool) {
	raw, ok, err := m.store.Get(ctx, string(key))
	if err != nil {
		m.degrade("get", err)
		return Entry{}, false
	}
	if !ok {
		return Entry{}, false
	}

	payload, err := wire.DecodeRow(raw)
	if err != nil {
		m.selfHeal(ctx, key, "corrupt")
		return Entry{}, false
	}
	e, err := m.codec.Decode(payload)
	if err != nil {
		m.selfHeal(ctx, key, "decode")
		return Entry{}, false
	}
	if e.SchemaVersion != SchemaVersion {
		m.selfHeal(ctx, key, "schema")
		return Entry{}, false
	}
	if !e.verifyDigest() {
		m.selfHeal(ctx, key, "digest")
		return Entry{}, false
	}
	if e.expired(now) {
		m.deleteDurable(ctx, key)
		m.hooks.EntryExpired(string(key), "persistent")
		return Entry{}, false
	}
	if m.accessLimit > 0 && e.AccessCount >= m.accessLimit {
		m.deleteDurable(ctx, key)
		m.hooks.AccessLimitReached(string(key))
		return Entry{}, false
	}

	e.AccessCount++
	e.LastAccessedAt = now
	return e, true
}

func (m *manager) selfHeal(ctx context.Context, key Key, reason string) {
	m.deleteDurable(ctx, key)
	m.hooks.RowSelfHealed(string(key), reason)
	m.log.Debug("self-healed durable row", Fields{"key": key, "reason": reason})
}

func (m *manager) deleteDurable(ctx context.Context, key Key) {
	if err := m.store.Delete(ctx, string(key)); err != nil {
		m.degrade("delete", err)
	}
}

func (m *manager) Set(ctx context.Context, q Lookup, allowed bool, opts SetOptions) (Entry, error) {
	return m.set(ctx, q, allowed, opts, "set")
}

func (m *manager) set(ctx context.Context, q Lookup, allowed bool, opts SetOptions, source string) (Entry, error) {
	key, err := BuildKey(q)
	if err != nil {
		return Entry{}, err
	}

	now := m.now()
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	e := Entry{
		Key:             key,
		Subject:         q.Subject,
		Resource:        q.Resource,
		Action:          q.Action,
		ResourceScope:   q.ResourceScope,
		Organization:    q.Organization,
		Allowed:         allowed,
		Reason:          opts.Reason,
		MatchedRules:    opts.MatchedRules,
		DeniedRules:     opts.DeniedRules,
		CreatedAt:       now,
		ExpiresAt:       now.Add(ttl),
		LastAccessedAt:  now,
		SchemaVersion:   SchemaVersion,
		IntegrityDigest: computeDigest(q.Subject, q.Resource, q.Action, allowed, now),
		Compliance:      m.score(q, allowed, now),
	}
	if !m.enabled {
		return e, nil
	}

	m.met.observeScore(e.Compliance.Score)

	m.mu.Lock()
	evicted, didEvict := m.fast.set(e)
	entries, bytes := m.fast.len(), m.fast.bytes
	m.mu.Unlock()
	m.met.setGauges(entries, bytes)
	if didEvict {
		m.met.evict()
		m.hooks.EntryEvicted(string(evicted))
	}

	if m.store != nil {
		m.putAsync(e)
	}
	m.recordAudit(ctx, e, source)
	return e, nil
}

// putAsync writes e to the durable tier fire-and-forget. A failed write never
// retracts the fast-tier entry; the goroutines are drained on Close.
func (m *manager) putAsync(e Entry) {
	payload, err := m.codec.Encode(e)
	if err != nil {
		m.log.Warn("encode durable row", Fields{"key": e.Key, "err": err})
		return
	}
	framed := wire.EncodeRow(payload)
	meta := st.Meta{
		Key:       string(e.Key),
		SubjectID: string(e.Subject),
		CreatedAt: e.CreatedAt,
		ExpiresAt: e.ExpiresAt,
	}
	m.ioWg.Add(1)
	go func() {
		defer m.ioWg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), m.storeIO)
		defer cancel()
		if err := m.store.Put(ctx, meta, framed); err != nil {
			m.degrade("put", err)
		}
	}()
}

func (m *manager) recordAudit(ctx context.Context, e Entry, source string) {
	if m.audit == nil {
		return
	}
	ev := AuditEvent{
		Subject:  e.Subject,
		Resource: e.Resource,
		Action:   e.Action,
		Allowed:  e.Allowed,
		Reason:   e.Reason,
		Source:   source,
		At:       e.CreatedAt,
	}
	if err := m.audit.Record(ctx, ev); err != nil {
		m.hooks.AuditDropped(err)
		m.log.Warn("audit record dropped", Fields{"key": e.Key, "err": err})
	}
}

func (m *manager) Invalidate(ctx context.Context, s Strategy) (int, error) {
	if !m.enabled {
		return 0, nil
	}
	switch s.Kind {
	case StrategyAll:
		m.mu.Lock()
		n := m.fast.clear()
		m.mu.Unlock()
		m.met.setGauges(0, 0)
		if m.store != nil {
			if err := m.store.Clear(ctx); err != nil {
				m.degrade("clear", err)
			}
		}
		m.log.Info("cache cleared", Fields{"removed": n})
		return n, nil
	case StrategySubject, StrategyResource, StrategyOrganization:
		if s.Value == "" {
			return 0, &StrategyError{Kind: s.Kind, Reason: "value is required"}
		}
		var match func(*Entry) bool
		switch s.Kind {
		case StrategySubject:
			match = func(e *Entry) bool { return string(e.Subject) == s.Value }
		case StrategyResource:
			match = func(e *Entry) bool { return e.Resource == s.Value }
		default:
			match = func(e *Entry) bool { return e.Organization == s.Value }
		}
		// Durable rows matching the dimension are left to expire lazily.
		m.mu.Lock()
		n := m.fast.deleteMatching(match)
		entries, bytes := m.fast.len(), m.fast.bytes
		m.mu.Unlock()
		m.met.setGauges(entries, bytes)
		m.log.Debug("invalidated entries", Fields{"kind": s.Kind, "value": s.Value, "removed": n})
		return n, nil
	default:
		return 0, &StrategyError{Kind: s.Kind, Reason: "unknown strategy"}
	}
}

// Warm evaluates the plan's resource×action grid for subject and caches each
// result. The grid is processed in batches of WarmConcurrency; items already
// cached are skipped and per-item failures never abort the rest. A cancelled
// ctx stops *scheduling* between batches; a started batch runs to completion.
func (m *manager) Warm(ctx context.Context, subject SubjectID, plan WarmPlan, organization string) (WarmStats, error) {
	if !m.enabled {
		return WarmStats{}, nil
	}
	if m.eval == nil {
		return WarmStats{}, ErrNoEvaluator
	}
	if subject == "" {
		return WarmStats{}, ErrEmptySubject
	}

	grid := make([]Lookup, 0, len(plan.Resources)*len(plan.Actions))
	for _, res := range plan.Resources {
		for _, act := range plan.Actions {
			grid = append(grid, Lookup{
				Subject:      subject,
				Resource:     res,
				Action:       act,
				Organization: organization,
			})
		}
	}

	var warmed, skipped, failed atomic.Int64
	for start := 0; start < len(grid); start += m.warmWidth {
		if ctx.Err() != nil {
			break
		}
		end := min(start+m.warmWidth, len(grid))
		g := new(errgroup.Group)
		for _, q := range grid[start:end] {
			q := q
			g.Go(func() error {
				if _, ok := m.Get(ctx, q); ok {
					skipped.Add(1)
					return nil
				}
				d, err := m.eval.Evaluate(ctx, q)
				if err != nil {
					failed.Add(1)
					m.hooks.WarmItemFailed(q.Resource, q.Action, err)
					m.log.Debug("warm item failed", Fields{"resource": q.Resource, "action": q.Action, "err": err})
					return nil
				}
				if _, err := m.set(ctx, q, d.Allowed, SetOptions{
					Reason:       d.Reason,
					MatchedRules: d.MatchedRules,
					DeniedRules:  d.DeniedRules,
				}, "warm"); err != nil {
					failed.Add(1)
					m.hooks.WarmItemFailed(q.Resource, q.Action, err)
					return nil
				}
				warmed.Add(1)
				return nil
			})
		}
		_ = g.Wait()
	}

	stats := WarmStats{
		Requested: len(grid),
		Warmed:    int(warmed.Load()),
		Skipped:   int(skipped.Load()),
		Failed:    int(failed.Load()),
	}
	m.log.Info("cache warm finished", Fields{
		"kind":      plan.Kind,
		"subject":   subject,
		"requested": stats.Requested,
		"warmed":    stats.Warmed,
		"skipped":   stats.Skipped,
		"failed":    stats.Failed,
	})
	return stats, nil
}

func (m *manager) Metrics() Metrics { return m.met.snapshot() }

// degrade converts a durable-tier failure into a log line and a hook call.
// The first failure logs at Warn; the durable tier stays a best-effort
// optimization either way.
func (m *manager) degrade(op string, err error) {
	m.hooks.StoreDegraded(op, err)
	logged := false
	m.degraded.Do(func() {
		m.log.Warn("durable tier degraded; continuing fast-tier-only for failing ops", Fields{"op": op, "err": err})
		logged = true
	})
	if !logged {
		m.log.Debug("durable tier error", Fields{"op": op, "err": err})
	}
}

func (m *manager) sweepLoop() {
	defer m.closeWg.Done()
	t := time.NewTicker(m.sweepEvery)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), m.storeIO)
			n, err := m.store.DeleteExpired(ctx, m.now())
			cancel()
			if err != nil {
				m.degrade("sweep", err)
				continue
			}
			if n > 0 {
				m.log.Debug("sweep removed expired rows", Fields{"removed": n})
			}
		case <-m.stopCh:
			return
		}
	}
}

func (m *manager) metricsLoop() {
	defer m.closeWg.Done()
	t := time.NewTicker(m.metricsEvery)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			s := m.met.snapshot()
			m.log.Info("cache metrics", Fields{
				"hits":      s.Hits,
				"misses":    s.Misses,
				"hit_rate":  s.HitRate,
				"entries":   s.TotalEntries,
				"bytes":     s.ApproxMemoryBytes,
				"evictions": s.Evictions,
				"avg_ms":    s.AvgResponseMillis,
				"avg_score": s.ComplianceAverage,
			})
		case <-m.stopCh:
			return
		}
	}
}
