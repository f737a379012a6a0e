package permcache

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

// SchemaVersion is stamped into every entry so a future layout change can
// reject (and lazily rebuild) rows written by an older build.
const SchemaVersion = 1

// Entry is one cached authorization decision. The same shape lives in both
// tiers; the durable tier stores it codec-encoded behind wire framing.
type Entry struct {
	Key           Key       `json:"key"`
	Subject       SubjectID `json:"subjectId"`
	Resource      string    `json:"resource"`
	Action        string    `json:"action"`
	ResourceScope string    `json:"resourceScopeId,omitempty"`
	Organization  string    `json:"organizationId,omitempty"`

	Allowed      bool     `json:"result"`
	Reason       string   `json:"reason,omitempty"`
	MatchedRules []string `json:"matchedRules,omitempty"`
	DeniedRules  []string `json:"deniedRules,omitempty"`

	CreatedAt      time.Time `json:"createdAt"`
	ExpiresAt      time.Time `json:"expiresAt"`
	AccessCount    int       `json:"accessCount"`
	LastAccessedAt time.Time `json:"lastAccessedAt"`

	SchemaVersion   int        `json:"schemaVersion"`
	IntegrityDigest string     `json:"integrityDigest"`
	Compliance      Assessment `json:"complianceAssessment"`
}

// Assessment is a heuristic sensitivity score attached to a cached decision.
// Security monitoring reads the running average from Metrics.
type Assessment struct {
	Validated  bool      `json:"validated"`
	Score      int       `json:"score"` // 0..100
	AssessedAt time.Time `json:"assessedAt"`
}

func (e *Entry) expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// approxSize estimates the in-memory footprint of e for the memory gauge.
// It is an estimate: string headers, slice headers, and allocator overhead
// are folded into a flat per-entry constant.
func (e *Entry) approxSize() int64 {
	const overhead = 160
	n := overhead +
		len(e.Key) + len(e.Subject) + len(e.Resource) + len(e.Action) +
		len(e.ResourceScope) + len(e.Organization) +
		len(e.Reason) + len(e.IntegrityDigest)
	for _, r := range e.MatchedRules {
		n += len(r) + 16
	}
	for _, r := range e.DeniedRules {
		n += len(r) + 16
	}
	return int64(n)
}

// computeDigest produces the tamper-evidence digest stored with an entry:
// a SHA-256 over the decision-identifying fields and the write timestamp.
// Verification happens on durable-tier reads; see manager.getPersistent.
func computeDigest(subject SubjectID, resource, action string, allowed bool, at time.Time) string {
	h := sha256.New()
	h.Write([]byte(subject))
	h.Write([]byte{0})
	h.Write([]byte(resource))
	h.Write([]byte{0})
	h.Write([]byte(action))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatBool(allowed)))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(at.UnixMilli(), 10)))
	return hex.EncodeToString(h.Sum(nil))
}

func (e *Entry) verifyDigest() bool {
	return e.IntegrityDigest == computeDigest(e.Subject, e.Resource, e.Action, e.Allowed, e.CreatedAt)
}

// ScoreFunc assesses a decision at write time. Implementations must be pure:
// the same inputs always yield the same Assessment (modulo AssessedAt).
type ScoreFunc func(q Lookup, allowed bool, at time.Time) Assessment

// DefaultScorer builds the stock rubric: base 50, +20 when the resource is in
// the sensitive set, +30 when a destructive action was denied, clamped to
// [0,100]. Both sets are matched case-sensitively.
func DefaultScorer(sensitiveResources, destructiveActions []string) ScoreFunc {
	sensitive := make(map[string]struct{}, len(sensitiveResources))
	for _, r := range sensitiveResources {
		sensitive[r] = struct{}{}
	}
	destructive := make(map[string]struct{}, len(destructiveActions))
	for _, a := range destructiveActions {
		destructive[a] = struct{}{}
	}
	return func(q Lookup, allowed bool, at time.Time) Assessment {
		score := 50
		if _, ok := sensitive[q.Resource]; ok {
			score += 20
		}
		if _, ok := destructive[q.Action]; ok && !allowed {
			score += 30
		}
		if score > 100 {
			score = 100
		}
		if score < 0 {
			score = 0
		}
		return Assessment{Validated: true, Score: score, AssessedAt: at}
	}
}
