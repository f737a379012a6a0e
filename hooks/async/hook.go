// Package asynchook decouples hook consumers from the cache's hot paths:
// events are queued to a bounded channel and delivered by worker goroutines.
// When the queue is full events are dropped, never blocked on.
//
//	raw := sloghooks.New(slog.Default(), sloghooks.Options{SelfHealEvery: 10})
//	hooks := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
//	defer hooks.Close()
//
//	pc, _ := permcache.New(permcache.Options{
//	    Hooks: hooks, // or `raw` if you don't want async
//	})
package asynchook

import (
	"sync"

	"github.com/unkn0wn-root/permcache"
)

type Hooks struct {
	inner permcache.Hooks
	q     chan func()
	wg    sync.WaitGroup
	once  sync.Once
}

var _ permcache.Hooks = (*Hooks)(nil)

func New(inner permcache.Hooks, workers, qlen int) *Hooks {
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

func (h *Hooks) EntryEvicted(key string)          { h.try(func() { h.inner.EntryEvicted(key) }) }
func (h *Hooks) EntryExpired(key, tier string)    { h.try(func() { h.inner.EntryExpired(key, tier) }) }
func (h *Hooks) AccessLimitReached(key string)    { h.try(func() { h.inner.AccessLimitReached(key) }) }
func (h *Hooks) RowSelfHealed(key, reason string) { h.try(func() { h.inner.RowSelfHealed(key, reason) }) }
func (h *Hooks) AuditDropped(err error)           { h.try(func() { h.inner.AuditDropped(err) }) }
func (h *Hooks) StoreDegraded(op string, err error) {
	h.try(func() { h.inner.StoreDegraded(op, err) })
}
func (h *Hooks) WarmItemFailed(resource, action string, err error) {
	h.try(func() { h.inner.WarmItemFailed(resource, action, err) })
}
