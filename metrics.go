package permcache

import (
	"sync"
	"sync/atomic"
)

// Metrics is a point-in-time snapshot of cache activity. The security
// monitoring collaborator polls this; there is no push surface.
type Metrics struct {
	Hits               int64   `json:"hits"`
	Misses             int64   `json:"misses"`
	FastTierHits       int64   `json:"fastTierHits"`
	PersistentTierHits int64   `json:"persistentTierHits"`
	Evictions          int64   `json:"evictions"`
	TotalEntries       int64   `json:"totalEntries"`
	ApproxMemoryBytes  int64   `json:"approxMemoryBytes"`
	HitRate            float64 `json:"hitRate"`
	AvgResponseMillis  float64 `json:"averageResponseTimeMs"`
	ComplianceAverage  float64 `json:"complianceAverage"`
}

// collector accumulates counters with atomics; the two running averages use
// a small mutex since they need read-modify-write of a float pair.
type collector struct {
	hits           atomic.Int64
	misses         atomic.Int64
	fastHits       atomic.Int64
	persistentHits atomic.Int64
	evictions      atomic.Int64
	totalEntries   atomic.Int64
	memoryBytes    atomic.Int64

	mu         sync.Mutex
	respCount  int64
	respMean   float64 // cumulative moving average, milliseconds
	scoreCount int64
	scoreMean  float64
}

func (c *collector) hit(fast bool) {
	c.hits.Add(1)
	if fast {
		c.fastHits.Add(1)
	} else {
		c.persistentHits.Add(1)
	}
}

func (c *collector) miss()  { c.misses.Add(1) }
func (c *collector) evict() { c.evictions.Add(1) }

func (c *collector) setGauges(entries int, bytes int64) {
	c.totalEntries.Store(int64(entries))
	c.memoryBytes.Store(bytes)
}

func (c *collector) observeResponse(ms float64) {
	c.mu.Lock()
	c.respCount++
	c.respMean += (ms - c.respMean) / float64(c.respCount)
	c.mu.Unlock()
}

func (c *collector) observeScore(score int) {
	c.mu.Lock()
	c.scoreCount++
	c.scoreMean += (float64(score) - c.scoreMean) / float64(c.scoreCount)
	c.mu.Unlock()
}

func (c *collector) snapshot() Metrics {
	m := Metrics{
		Hits:               c.hits.Load(),
		Misses:             c.misses.Load(),
		FastTierHits:       c.fastHits.Load(),
		PersistentTierHits: c.persistentHits.Load(),
		Evictions:          c.evictions.Load(),
		TotalEntries:       c.totalEntries.Load(),
		ApproxMemoryBytes:  c.memoryBytes.Load(),
	}
	if total := m.Hits + m.Misses; total > 0 {
		m.HitRate = float64(m.Hits) / float64(total)
	}
	c.mu.Lock()
	m.AvgResponseMillis = c.respMean
	m.ComplianceAverage = c.scoreMean
	c.mu.Unlock()
	return m
}
