// Package sloghooks logs permcache hook events through log/slog. Keys embed
// subject identifiers, so they are redacted (SHA-256 prefix) by default, and
// the chatty events support sampling to avoid floods.
package sloghooks

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync/atomic"

	"github.com/unkn0wn-root/permcache"
)

type Options struct {
	// Sampling to avoid floods; 0/1 = log all.
	ExpiredEvery  uint64
	EvictedEvery  uint64
	SelfHealEvery uint64
	// Optional key redactor. Defaults to SHA-256 prefix.
	Redact func(string) string
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	expiredCtr  atomic.Uint64
	evictedCtr  atomic.Uint64
	selfHealCtr atomic.Uint64
}

var _ permcache.Hooks = (*Hooks)(nil)

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

func (h *Hooks) EntryEvicted(key string) {
	if h.l == nil || !sample(h.opts.EvictedEvery, &h.evictedCtr) {
		return
	}
	h.l.Debug("permcache.entry_evicted",
		"key", h.redact(key))
}

func (h *Hooks) EntryExpired(key, tier string) {
	if h.l == nil || !sample(h.opts.ExpiredEvery, &h.expiredCtr) {
		return
	}
	h.l.Debug("permcache.entry_expired",
		"key", h.redact(key),
		"tier", tier)
}

func (h *Hooks) AccessLimitReached(key string) {
	if h.l == nil {
		return
	}
	h.l.Info("permcache.access_limit_reached",
		"key", h.redact(key))
}

func (h *Hooks) RowSelfHealed(key, reason string) {
	if h.l == nil || !sample(h.opts.SelfHealEvery, &h.selfHealCtr) {
		return
	}
	h.l.Warn("permcache.row_self_healed",
		"key", h.redact(key),
		"reason", reason)
}

func (h *Hooks) StoreDegraded(op string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("permcache.store_degraded",
		"op", op,
		"err", err)
}

func (h *Hooks) WarmItemFailed(resource, action string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("permcache.warm_item_failed",
		"resource", resource,
		"action", action,
		"err", err)
}

func (h *Hooks) AuditDropped(err error) {
	if h.l == nil {
		return
	}
	h.l.Error("permcache.audit_dropped",
		"err", err)
}
