package permcache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	c "github.com/unkn0wn-root/permcache/codec"
	"github.com/unkn0wn-root/permcache/internal/wire"
	st "github.com/unkn0wn-root/permcache/store"
)

type memRow struct {
	meta st.Meta
	v    []byte
}

// memStore is an in-memory store.Store double.
type memStore struct {
	mu sync.Mutex
	m  map[string]memRow
}

var _ st.Store = (*memStore)(nil)

func newMemStore() *memStore { return &memStore{m: make(map[string]memRow)} }

func (p *memStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.m[key]
	if !ok {
		return nil, false, nil
	}
	return r.v, true, nil
}

func (p *memStore) Put(_ context.Context, m st.Meta, v []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.m[m.Key] = memRow{meta: m, v: v}
	return nil
}

func (p *memStore) Delete(_ context.Context, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.m, key)
	return nil
}

func (p *memStore) Clear(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.m = make(map[string]memRow)
	return nil
}

func (p *memStore) DeleteExpired(_ context.Context, cutoff time.Time) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for k, r := range p.m {
		if !r.meta.ExpiresAt.After(cutoff) {
			delete(p.m, k)
			n++
		}
	}
	return n, nil
}

func (p *memStore) Close(context.Context) error { return nil }

func (p *memStore) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.m)
}

// failStore errors on every operation, simulating unavailable durable storage.
type failStore struct{}

var _ st.Store = failStore{}

var errStoreDown = errors.New("storage unavailable")

func (failStore) Get(context.Context, string) ([]byte, bool, error) { return nil, false, errStoreDown }
func (failStore) Put(context.Context, st.Meta, []byte) error        { return errStoreDown }
func (failStore) Delete(context.Context, string) error              { return errStoreDown }
func (failStore) Clear(context.Context) error                       { return errStoreDown }
func (failStore) DeleteExpired(context.Context, time.Time) (int, error) {
	return 0, errStoreDown
}
func (failStore) Close(context.Context) error { return nil }

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestCache(t *testing.T, optsOpt func(*Options)) Cache {
	t.Helper()
	opts := Options{}
	if optsOpt != nil {
		optsOpt(&opts)
	}
	pc, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return pc
}

func mustImpl(t *testing.T, pc Cache) *manager {
	t.Helper()
	m, ok := pc.(*manager)
	if !ok {
		t.Fatalf("unexpected concrete type for Cache")
	}
	return m
}

func lookup(subject, resource, action string) Lookup {
	return Lookup{Subject: SubjectID(subject), Resource: resource, Action: action}
}

// ==============================
// Round-trip and tier behavior
// ==============================

func TestSetThenGet(t *testing.T) {
	ctx := context.Background()
	pc := newTestCache(t, nil)
	defer pc.Close(ctx)

	q := lookup("u1", "payment", "read")
	e, err := pc.Set(ctx, q, true, SetOptions{Reason: "role match"})
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	if e.Key != "u1|payment|read" {
		t.Fatalf("unexpected key %q", e.Key)
	}
	if e.SchemaVersion != SchemaVersion || e.IntegrityDigest == "" {
		t.Fatalf("entry missing schema/digest: %+v", e)
	}
	if !e.Compliance.Validated {
		t.Fatalf("compliance not validated")
	}

	got, ok := pc.Get(ctx, q)
	if !ok || got.Allowed != true || got.Reason != "role match" {
		t.Fatalf("Get after set: ok=%v got=%+v", ok, got)
	}
	if got.AccessCount != 1 {
		t.Fatalf("access count = %d, want 1", got.AccessCount)
	}
}

func TestGetMissOnUnknownKey(t *testing.T) {
	ctx := context.Background()
	pc := newTestCache(t, nil)
	defer pc.Close(ctx)

	if _, ok := pc.Get(ctx, lookup("nobody", "doc", "read")); ok {
		t.Fatalf("expected miss")
	}
	m := pc.Metrics()
	if m.Misses != 1 || m.Hits != 0 {
		t.Fatalf("metrics after miss: %+v", m)
	}
}

func TestLazyTTLExpiry(t *testing.T) {
	ctx := context.Background()
	clk := &fakeClock{t: time.Now()}
	pc := newTestCache(t, nil)
	defer pc.Close(ctx)
	mustImpl(t, pc).now = clk.Now

	q := lookup("u1", "payment", "read")
	if _, err := pc.Set(ctx, q, true, SetOptions{TTL: time.Second}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if pc.Metrics().TotalEntries != 1 {
		t.Fatalf("totalEntries = %d, want 1", pc.Metrics().TotalEntries)
	}

	clk.Advance(1001 * time.Millisecond)
	if _, ok := pc.Get(ctx, q); ok {
		t.Fatalf("expired entry returned")
	}
	if n := pc.Metrics().TotalEntries; n != 0 {
		t.Fatalf("totalEntries after lazy expiry = %d, want 0", n)
	}
}

func TestAccessCountCap(t *testing.T) {
	ctx := context.Background()
	pc := newTestCache(t, func(o *Options) { o.AccessLimit = 2 })
	defer pc.Close(ctx)

	q := lookup("u1", "doc", "read")
	if _, err := pc.Set(ctx, q, true, SetOptions{}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, ok := pc.Get(ctx, q); !ok {
			t.Fatalf("read %d should hit", i+1)
		}
	}
	// Cap reached; entry is purged at the next read.
	if _, ok := pc.Get(ctx, q); ok {
		t.Fatalf("entry returned past access cap")
	}
	if n := pc.Metrics().TotalEntries; n != 0 {
		t.Fatalf("totalEntries after cap purge = %d, want 0", n)
	}
}

func TestLRUEvictionOrder(t *testing.T) {
	ctx := context.Background()
	pc := newTestCache(t, func(o *Options) { o.Capacity = 2 })
	defer pc.Close(ctx)

	k1 := lookup("u1", "r1", "read")
	k2 := lookup("u1", "r2", "read")
	k3 := lookup("u1", "r3", "read")

	for _, q := range []Lookup{k1, k2} {
		if _, err := pc.Set(ctx, q, true, SetOptions{}); err != nil {
			t.Fatalf("Set: %v", err)
		}
	}
	// Touch k1 so k2 becomes the LRU entry.
	if _, ok := pc.Get(ctx, k1); !ok {
		t.Fatalf("k1 should hit")
	}
	if _, err := pc.Set(ctx, k3, true, SetOptions{}); err != nil {
		t.Fatalf("Set k3: %v", err)
	}

	if _, ok := pc.Get(ctx, k2); ok {
		t.Fatalf("k2 should have been evicted")
	}
	if _, ok := pc.Get(ctx, k1); !ok {
		t.Fatalf("k1 should survive")
	}
	if _, ok := pc.Get(ctx, k3); !ok {
		t.Fatalf("k3 should be present")
	}
	if ev := pc.Metrics().Evictions; ev != 1 {
		t.Fatalf("evictions = %d, want 1", ev)
	}
}

// ==============================
// Durable tier
// ==============================

func TestDurablePromotion(t *testing.T) {
	ctx := context.Background()
	mp := newMemStore()

	first := newTestCache(t, func(o *Options) { o.Store = mp })
	q := lookup("u1", "payment", "write")
	if _, err := first.Set(ctx, q, false, SetOptions{Reason: "denied by policy"}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := first.Close(ctx); err != nil { // drains the fire-and-forget write
		t.Fatalf("Close: %v", err)
	}
	if mp.len() != 1 {
		t.Fatalf("store rows = %d, want 1", mp.len())
	}

	second := newTestCache(t, func(o *Options) { o.Store = mp })
	defer second.Close(ctx)

	got, ok := second.Get(ctx, q)
	if !ok || got.Allowed != false || got.Reason != "denied by policy" {
		t.Fatalf("promoted get: ok=%v got=%+v", ok, got)
	}
	if got.AccessCount != 1 {
		t.Fatalf("access count advanced to %d, want 1", got.AccessCount)
	}
	m := second.Metrics()
	if m.PersistentTierHits != 1 || m.FastTierHits != 0 {
		t.Fatalf("tier hit accounting: %+v", m)
	}

	// Promotion seeded the fast tier.
	if _, ok := second.Get(ctx, q); !ok {
		t.Fatalf("second read should hit fast tier")
	}
	if m := second.Metrics(); m.FastTierHits != 1 {
		t.Fatalf("fast tier hit not recorded: %+v", m)
	}
}

func TestDurableSelfHealCorrupt(t *testing.T) {
	ctx := context.Background()
	mp := newMemStore()
	pc := newTestCache(t, func(o *Options) { o.Store = mp })
	defer pc.Close(ctx)

	key := "u1|doc|read"
	_ = mp.Put(ctx, st.Meta{Key: key, ExpiresAt: time.Now().Add(time.Hour)}, []byte("not a frame"))

	if _, ok := pc.Get(ctx, lookup("u1", "doc", "read")); ok {
		t.Fatalf("corrupt row should read as miss")
	}
	if mp.len() != 0 {
		t.Fatalf("corrupt row not self-healed")
	}
}

func TestDurableSelfHealDigestMismatch(t *testing.T) {
	ctx := context.Background()
	mp := newMemStore()
	pc := newTestCache(t, func(o *Options) { o.Store = mp })
	defer pc.Close(ctx)

	// A plausible row whose digest does not match its fields.
	now := time.Now()
	e := Entry{
		Key:             "u1|doc|read",
		Subject:         "u1",
		Resource:        "doc",
		Action:          "read",
		Allowed:         true,
		CreatedAt:       now,
		ExpiresAt:       now.Add(time.Hour),
		SchemaVersion:   SchemaVersion,
		IntegrityDigest: "tampered",
	}
	payload, err := c.MustCBOR[Entry](false).Encode(e)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	_ = mp.Put(ctx, st.Meta{Key: string(e.Key), ExpiresAt: e.ExpiresAt}, wire.EncodeRow(payload))

	if _, ok := pc.Get(ctx, lookup("u1", "doc", "read")); ok {
		t.Fatalf("tampered row should read as miss")
	}
	if mp.len() != 0 {
		t.Fatalf("tampered row not deleted")
	}
}

func TestStoreFailuresDegradeSoft(t *testing.T) {
	ctx := context.Background()
	pc := newTestCache(t, func(o *Options) { o.Store = failStore{} })
	defer pc.Close(ctx)

	q := lookup("u1", "doc", "read")
	if _, err := pc.Set(ctx, q, true, SetOptions{}); err != nil {
		t.Fatalf("Set must not surface store errors: %v", err)
	}
	if _, ok := pc.Get(ctx, q); !ok {
		t.Fatalf("fast tier must stay functional")
	}
	if _, err := pc.Invalidate(ctx, Strategy{Kind: StrategyAll}); err != nil {
		t.Fatalf("Invalidate must not surface store errors: %v", err)
	}
}

// ==============================
// Invalidation
// ==============================

func TestInvalidateBySubject(t *testing.T) {
	ctx := context.Background()
	pc := newTestCache(t, nil)
	defer pc.Close(ctx)

	for _, q := range []Lookup{
		lookup("alice", "doc", "read"),
		lookup("alice", "doc", "write"),
		lookup("bob", "doc", "read"),
	} {
		if _, err := pc.Set(ctx, q, true, SetOptions{}); err != nil {
			t.Fatalf("Set: %v", err)
		}
	}

	n, err := pc.Invalidate(ctx, Strategy{Kind: StrategySubject, Value: "alice"})
	if err != nil || n != 2 {
		t.Fatalf("Invalidate subject: n=%d err=%v", n, err)
	}
	if _, ok := pc.Get(ctx, lookup("alice", "doc", "read")); ok {
		t.Fatalf("alice entry survived invalidation")
	}
	if _, ok := pc.Get(ctx, lookup("bob", "doc", "read")); !ok {
		t.Fatalf("bob entry should be untouched")
	}
}

func TestInvalidateByOrganization(t *testing.T) {
	ctx := context.Background()
	pc := newTestCache(t, nil)
	defer pc.Close(ctx)

	inOrg := Lookup{Subject: "u1", Resource: "doc", Action: "read", Organization: "acme"}
	outOrg := Lookup{Subject: "u1", Resource: "doc", Action: "write"}
	for _, q := range []Lookup{inOrg, outOrg} {
		if _, err := pc.Set(ctx, q, true, SetOptions{}); err != nil {
			t.Fatalf("Set: %v", err)
		}
	}

	n, err := pc.Invalidate(ctx, Strategy{Kind: StrategyOrganization, Value: "acme"})
	if err != nil || n != 1 {
		t.Fatalf("Invalidate org: n=%d err=%v", n, err)
	}
	if _, ok := pc.Get(ctx, outOrg); !ok {
		t.Fatalf("entry without org should survive")
	}
}

func TestInvalidateAllClearsBothTiers(t *testing.T) {
	ctx := context.Background()
	mp := newMemStore()
	pc := newTestCache(t, func(o *Options) { o.Store = mp })

	q := lookup("u1", "doc", "read")
	if _, err := pc.Set(ctx, q, true, SetOptions{}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	// Drain the async durable write before clearing.
	mustImpl(t, pc).ioWg.Wait()

	n, err := pc.Invalidate(ctx, Strategy{Kind: StrategyAll})
	if err != nil || n != 1 {
		t.Fatalf("Invalidate all: n=%d err=%v", n, err)
	}
	if mp.len() != 0 {
		t.Fatalf("durable tier not cleared")
	}
	if _, ok := pc.Get(ctx, q); ok {
		t.Fatalf("entry survived clear")
	}
	if pc.Metrics().TotalEntries != 0 {
		t.Fatalf("totalEntries not reset")
	}
	pc.Close(ctx)
}

func TestInvalidateStrategyErrors(t *testing.T) {
	ctx := context.Background()
	pc := newTestCache(t, nil)
	defer pc.Close(ctx)

	if _, err := pc.Invalidate(ctx, Strategy{Kind: "role", Value: "x"}); err == nil {
		t.Fatalf("unknown strategy kind must error")
	}
	_, err := pc.Invalidate(ctx, Strategy{Kind: StrategySubject})
	var se *StrategyError
	if !errors.As(err, &se) {
		t.Fatalf("missing value must yield StrategyError, got %v", err)
	}
}

// ==============================
// Warming
// ==============================

func TestWarmCountsFailuresWithoutAborting(t *testing.T) {
	ctx := context.Background()
	fail := map[string]bool{"r1|read": true, "r3|write": true}
	eval := EvaluatorFunc(func(_ context.Context, q Lookup) (Decision, error) {
		if fail[q.Resource+"|"+q.Action] {
			return Decision{}, errors.New("evaluator down")
		}
		return Decision{Allowed: true}, nil
	})
	pc := newTestCache(t, func(o *Options) {
		o.Evaluator = eval
		o.WarmConcurrency = 3
	})
	defer pc.Close(ctx)

	stats, err := pc.Warm(ctx, "u1", WarmPlan{
		Kind:      "predicted",
		Resources: []string{"r1", "r2", "r3"},
		Actions:   []string{"read", "write"},
	}, "")
	if err != nil {
		t.Fatalf("Warm: %v", err)
	}
	if stats.Requested != 6 || stats.Warmed != 4 || stats.Failed != 2 {
		t.Fatalf("warm stats: %+v", stats)
	}

	// Successful items are cached, failed ones are not.
	if _, ok := pc.Get(ctx, lookup("u1", "r2", "read")); !ok {
		t.Fatalf("warmed entry missing")
	}
	if _, ok := pc.Get(ctx, lookup("u1", "r1", "read")); ok {
		t.Fatalf("failed item must not be cached")
	}
}

func TestWarmSkipsCachedEntries(t *testing.T) {
	ctx := context.Background()
	calls := 0
	eval := EvaluatorFunc(func(_ context.Context, q Lookup) (Decision, error) {
		calls++
		return Decision{Allowed: true}, nil
	})
	pc := newTestCache(t, func(o *Options) {
		o.Evaluator = eval
		o.WarmConcurrency = 1 // serialize so counting calls is race-free
	})
	defer pc.Close(ctx)

	if _, err := pc.Set(ctx, lookup("u1", "r1", "read"), true, SetOptions{}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	stats, err := pc.Warm(ctx, "u1", WarmPlan{Resources: []string{"r1", "r2"}, Actions: []string{"read"}}, "")
	if err != nil {
		t.Fatalf("Warm: %v", err)
	}
	if stats.Skipped != 1 || stats.Warmed != 1 || calls != 1 {
		t.Fatalf("warm stats=%+v calls=%d", stats, calls)
	}
}

func TestWarmRequiresEvaluator(t *testing.T) {
	ctx := context.Background()
	pc := newTestCache(t, nil)
	defer pc.Close(ctx)

	if _, err := pc.Warm(ctx, "u1", WarmPlan{Resources: []string{"r"}, Actions: []string{"a"}}, ""); !errors.Is(err, ErrNoEvaluator) {
		t.Fatalf("want ErrNoEvaluator, got %v", err)
	}
}

// ==============================
// Metrics, scoring, audit
// ==============================

func TestHitRate(t *testing.T) {
	ctx := context.Background()
	pc := newTestCache(t, nil)

	if r := pc.Metrics().HitRate; r != 0 {
		t.Fatalf("hit rate with no traffic = %v, want 0", r)
	}

	q := lookup("u1", "doc", "read")
	if _, err := pc.Set(ctx, q, true, SetOptions{}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	pc.Get(ctx, q)                              // hit
	pc.Get(ctx, lookup("u1", "other", "read")) // miss

	m := pc.Metrics()
	if m.Hits != 1 || m.Misses != 1 || m.HitRate != 0.5 {
		t.Fatalf("metrics: %+v", m)
	}
	if m.AvgResponseMillis < 0 {
		t.Fatalf("negative response average")
	}
	pc.Close(ctx)
}

func TestComplianceScoring(t *testing.T) {
	ctx := context.Background()
	pc := newTestCache(t, func(o *Options) {
		o.SensitiveResources = []string{"payment"}
	})
	defer pc.Close(ctx)

	plain, _ := pc.Set(ctx, lookup("u1", "doc", "read"), true, SetOptions{})
	if plain.Compliance.Score != 50 {
		t.Fatalf("base score = %d, want 50", plain.Compliance.Score)
	}
	sensitive, _ := pc.Set(ctx, lookup("u1", "payment", "read"), true, SetOptions{})
	if sensitive.Compliance.Score != 70 {
		t.Fatalf("sensitive score = %d, want 70", sensitive.Compliance.Score)
	}
	denied, _ := pc.Set(ctx, lookup("u1", "payment", "delete"), false, SetOptions{})
	if denied.Compliance.Score != 100 {
		t.Fatalf("sensitive denied destructive score = %d, want 100", denied.Compliance.Score)
	}
	if avg := pc.Metrics().ComplianceAverage; avg < 50 || avg > 100 {
		t.Fatalf("compliance average out of range: %v", avg)
	}
}

func TestCustomScorer(t *testing.T) {
	ctx := context.Background()
	pc := newTestCache(t, func(o *Options) {
		o.Score = func(q Lookup, allowed bool, at time.Time) Assessment {
			return Assessment{Validated: true, Score: 7, AssessedAt: at}
		}
	})
	defer pc.Close(ctx)

	e, _ := pc.Set(ctx, lookup("u1", "doc", "read"), true, SetOptions{})
	if e.Compliance.Score != 7 {
		t.Fatalf("custom scorer ignored: %+v", e.Compliance)
	}
}

type recordingAuditor struct {
	mu     sync.Mutex
	events []AuditEvent
	err    error
}

func (a *recordingAuditor) Record(_ context.Context, ev AuditEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, ev)
	return a.err
}

func TestAuditEmission(t *testing.T) {
	ctx := context.Background()
	aud := &recordingAuditor{}
	pc := newTestCache(t, func(o *Options) { o.Auditor = aud })
	defer pc.Close(ctx)

	if _, err := pc.Set(ctx, lookup("u1", "doc", "read"), true, SetOptions{Reason: "ok"}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	aud.mu.Lock()
	defer aud.mu.Unlock()
	if len(aud.events) != 1 || aud.events[0].Source != "set" || aud.events[0].Resource != "doc" {
		t.Fatalf("audit events: %+v", aud.events)
	}
}

func TestAuditFailureSwallowed(t *testing.T) {
	ctx := context.Background()
	aud := &recordingAuditor{err: errors.New("sink down")}
	pc := newTestCache(t, func(o *Options) { o.Auditor = aud })
	defer pc.Close(ctx)

	q := lookup("u1", "doc", "read")
	if _, err := pc.Set(ctx, q, true, SetOptions{}); err != nil {
		t.Fatalf("audit failure must not propagate: %v", err)
	}
	if _, ok := pc.Get(ctx, q); !ok {
		t.Fatalf("entry must still be cached")
	}
}

// ==============================
// Disabled cache
// ==============================

func TestDisabledCache(t *testing.T) {
	ctx := context.Background()
	pc := newTestCache(t, func(o *Options) { o.Disabled = true })
	defer pc.Close(ctx)

	if pc.Enabled() {
		t.Fatalf("Enabled() on disabled cache")
	}
	q := lookup("u1", "doc", "read")
	if _, err := pc.Set(ctx, q, true, SetOptions{}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, ok := pc.Get(ctx, q); ok {
		t.Fatalf("disabled cache must not serve entries")
	}
}
