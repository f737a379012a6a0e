package permcache

import (
	"container/list"
	"time"
)

// purge reasons reported by fastTier.get so the manager can account for
// lazy removals without re-inspecting the entry.
type purgeReason int

const (
	purgeNone purgeReason = iota
	purgeExpired
	purgeAccessCap
)

// fastTier is the in-process tier: a map of entries plus a recency list kept
// in lock-step. Front of the list is most recently used. Not safe for
// concurrent use; the owning manager serializes access.
type fastTier struct {
	capacity    int
	accessLimit int

	items map[Key]*list.Element
	order *list.List // of *Entry
	bytes int64
}

func newFastTier(capacity, accessLimit int) *fastTier {
	return &fastTier{
		capacity:    capacity,
		accessLimit: accessLimit,
		items:       make(map[Key]*list.Element, capacity),
		order:       list.New(),
	}
}

// get returns the live entry for key, bumping its access bookkeeping and
// recency. Expired and over-cap entries are purged here, at read time; the
// second return reports why a present entry was not returned.
func (f *fastTier) get(key Key, now time.Time) (Entry, purgeReason, bool) {
	el, ok := f.items[key]
	if !ok {
		return Entry{}, purgeNone, false
	}
	e := el.Value.(*Entry)
	if e.expired(now) {
		f.remove(el)
		return Entry{}, purgeExpired, false
	}
	if f.accessLimit > 0 && e.AccessCount >= f.accessLimit {
		f.remove(el)
		return Entry{}, purgeAccessCap, false
	}
	e.AccessCount++
	e.LastAccessedAt = now
	f.order.MoveToFront(el)
	return *e, purgeNone, true
}

// set inserts or replaces the entry for e.Key, evicting the strict LRU entry
// first when the tier is at capacity. The evicted key is returned so the
// manager can count it.
func (f *fastTier) set(e Entry) (evicted Key, didEvict bool) {
	if el, ok := f.items[e.Key]; ok {
		old := el.Value.(*Entry)
		f.bytes += e.approxSize() - old.approxSize()
		*old = e
		f.order.MoveToFront(el)
		return "", false
	}
	if f.capacity > 0 && f.order.Len() >= f.capacity {
		if back := f.order.Back(); back != nil {
			evicted = back.Value.(*Entry).Key
			f.remove(back)
			didEvict = true
		}
	}
	cp := e
	f.items[e.Key] = f.order.PushFront(&cp)
	f.bytes += cp.approxSize()
	return evicted, didEvict
}

func (f *fastTier) delete(key Key) bool {
	el, ok := f.items[key]
	if !ok {
		return false
	}
	f.remove(el)
	return true
}

// deleteMatching removes every entry match reports true for and returns the
// count removed. Used by targeted invalidation.
func (f *fastTier) deleteMatching(match func(*Entry) bool) int {
	var victims []*list.Element
	for el := f.order.Front(); el != nil; el = el.Next() {
		if match(el.Value.(*Entry)) {
			victims = append(victims, el)
		}
	}
	for _, el := range victims {
		f.remove(el)
	}
	return len(victims)
}

func (f *fastTier) clear() int {
	n := f.order.Len()
	f.items = make(map[Key]*list.Element, f.capacity)
	f.order.Init()
	f.bytes = 0
	return n
}

func (f *fastTier) len() int { return f.order.Len() }

func (f *fastTier) remove(el *list.Element) {
	e := el.Value.(*Entry)
	f.order.Remove(el)
	delete(f.items, e.Key)
	f.bytes -= e.approxSize()
}
