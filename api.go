package permcache

import (
	"context"
	"time"

	c "github.com/unkn0wn-root/permcache/codec"
	st "github.com/unkn0wn-root/permcache/store"
)

// Decision is the authorization evaluator's verdict for one Lookup.
type Decision struct {
	Allowed      bool
	Reason       string
	MatchedRules []string
	DeniedRules  []string
}

// Evaluator is the external authorization engine. The cache invokes it only
// during warming; ordinary Set callers obtain decisions themselves.
type Evaluator interface {
	Evaluate(ctx context.Context, q Lookup) (Decision, error)
}

// EvaluatorFunc adapts a function to the Evaluator interface.
type EvaluatorFunc func(ctx context.Context, q Lookup) (Decision, error)

func (f EvaluatorFunc) Evaluate(ctx context.Context, q Lookup) (Decision, error) { return f(ctx, q) }

// AuditEvent summarizes one cached decision for the audit sink.
type AuditEvent struct {
	Subject  SubjectID
	Resource string
	Action   string
	Allowed  bool
	Reason   string
	Source   string // "set" or "warm"
	At       time.Time
}

// Auditor records decision summaries fire-and-forget: a returned error is
// logged and counted, never propagated to the caller.
type Auditor interface {
	Record(ctx context.Context, ev AuditEvent) error
}

// StrategyKind selects the dimension a bulk invalidation matches on.
type StrategyKind string

const (
	StrategySubject      StrategyKind = "subject"
	StrategyResource     StrategyKind = "resource"
	StrategyOrganization StrategyKind = "organization"
	StrategyAll          StrategyKind = "all"
)

// Strategy is a bulk-invalidation rule. Targeted kinds remove matching
// fast-tier entries only; matching durable rows are left to expire lazily.
// StrategyAll clears both tiers.
type Strategy struct {
	Kind  StrategyKind
	Value string // required for targeted kinds, ignored for StrategyAll
}

// WarmPlan names the resource×action grid to pre-populate for a subject.
// Kind labels which prediction produced the plan; it is informational and
// shows up in logs and audit records only.
type WarmPlan struct {
	Kind      string
	Resources []string
	Actions   []string
}

// WarmStats reports the outcome of one Warm call.
type WarmStats struct {
	Requested int // grid size
	Warmed    int // evaluated and cached
	Skipped   int // already cached
	Failed    int // evaluator or cache failures, counted per item
}

// SetOptions carries the optional parts of a Set.
type SetOptions struct {
	Reason       string
	MatchedRules []string
	DeniedRules  []string
	TTL          time.Duration // 0 => Options.DefaultTTL
}

// Cache is the public two-tier permission cache API.
//
// Failure semantics: Get never fails — every tier error degrades to a miss.
// Set, Invalidate, and Warm return errors for caller mistakes (invalid
// identifiers, unknown strategy, missing evaluator) only; tier I/O failures
// are recovered internally and surfaced through hooks, logs, and Metrics.
type Cache interface {
	Enabled() bool
	Close(context.Context) error

	// Get returns the cached decision for q, if one is live in either tier.
	Get(ctx context.Context, q Lookup) (Entry, bool)

	// Set caches an authorization decision obtained from the evaluator.
	// The fast-tier write is unconditional; the durable write (when a store
	// is configured) is fire-and-forget.
	Set(ctx context.Context, q Lookup, allowed bool, opts SetOptions) (Entry, error)

	// Invalidate bulk-removes entries per s and returns the count removed
	// from the fast tier.
	Invalidate(ctx context.Context, s Strategy) (int, error)

	// Warm pre-populates the plan's resource×action grid for subject,
	// bounded by Options.WarmConcurrency. Per-item failures never abort the
	// remaining grid.
	Warm(ctx context.Context, subject SubjectID, plan WarmPlan, organization string) (WarmStats, error)

	// Metrics returns a point-in-time snapshot of cache counters.
	Metrics() Metrics
}

// Options tune the cache. Everything has a usable default; a nil Store means
// fast-tier-only operation (the documented degradation mode when durable
// storage cannot be opened).
type Options struct {
	Store     st.Store        // nil => fast tier only
	Codec     c.Codec[Entry]  // nil => CBOR
	Evaluator Evaluator       // required for Warm
	Auditor   Auditor         // nil => no auditing
	Logger    Logger          // nil => NopLogger
	Hooks     Hooks           // nil => NopHooks
	Score     ScoreFunc       // nil => DefaultScorer(SensitiveResources, DestructiveActions)

	Capacity        int           // fast-tier entries; 0 => 1000
	AccessLimit     int           // per-entry read cap; 0 => 1000, <0 => unlimited
	DefaultTTL      time.Duration // 0 => 5m
	SweepInterval   time.Duration // durable-tier sweep; 0 => 5m
	MetricsInterval time.Duration // periodic metrics logging; 0 => disabled
	WarmConcurrency int           // outstanding warm lookups; 0 => 3
	StoreTimeout    time.Duration // per fire-and-forget durable write; 0 => 2s

	// SensitiveResources and DestructiveActions feed DefaultScorer when no
	// Score is supplied. DestructiveActions defaults to
	// delete/remove/purge/admin/manage.
	SensitiveResources []string
	DestructiveActions []string

	Disabled bool // default false (enabled)
}

func New(opts Options) (Cache, error) {
	return newManager(opts)
}
