package metrics

import (
	"sync/atomic"
	"time"

	"github.com/meigma/imageload/core/artifact"
)

// DefaultAccuracy is the relative accuracy of latency quantiles.
const DefaultAccuracy = 0.01

// Counters is a point-in-time copy of the collector's counters.
type Counters struct {
	CacheHits   int64
	CacheMisses int64
	Loads       int64
	Failures    int64
	Retries     int64
	Coalesced   int64
	Batches     int64
}

// Snapshot is a point-in-time view of a Collector.
type Snapshot struct {
	Counters
	Latencies []Stats
}

// Collector accumulates loader events. It is safe for concurrent use.
type Collector struct {
	latency *LatencyTracker

	cacheHits   atomic.Int64
	cacheMisses atomic.Int64
	loads       atomic.Int64
	failures    atomic.Int64
	retries     atomic.Int64
	coalesced   atomic.Int64
	batches     atomic.Int64
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{latency: NewLatencyTracker(DefaultAccuracy)}
}

// CacheHit counts a synchronous memory cache hit.
func (c *Collector) CacheHit() { c.cacheHits.Add(1) }

// CacheMiss counts a memory cache miss that engaged the dispatcher.
func (c *Collector) CacheMiss() { c.cacheMisses.Add(1) }

// HuntFinished records one hunt attempt. Latency is tracked per provenance,
// failures under "hunt.failed".
func (c *Collector) HuntFinished(_ string, from artifact.Provenance, d time.Duration, err error) {
	if err != nil {
		c.failures.Add(1)
		c.latency.Record("hunt.failed", d)
		return
	}
	c.loads.Add(1)
	c.latency.Record("hunt."+from.String(), d)
}

// Retried counts a resubmitted hunt.
func (c *Collector) Retried(string) { c.retries.Add(1) }

// Coalesced counts an action attached to an in-flight hunt.
func (c *Collector) Coalesced(string) { c.coalesced.Add(1) }

// BatchFlushed counts one delivered completion batch.
func (c *Collector) BatchFlushed(int) { c.batches.Add(1) }

// Snapshot returns the current counters and latency summaries.
func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		Counters: Counters{
			CacheHits:   c.cacheHits.Load(),
			CacheMisses: c.cacheMisses.Load(),
			Loads:       c.loads.Load(),
			Failures:    c.failures.Load(),
			Retries:     c.retries.Load(),
			Coalesced:   c.coalesced.Load(),
			Batches:     c.batches.Load(),
		},
		Latencies: c.latency.All(),
	}
}
