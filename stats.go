package imageload

import (
	"fmt"
	"strings"

	"github.com/meigma/imageload/internal/metrics"
)

// LatencyStats summarizes the latency of one operation.
type LatencyStats = metrics.Stats

// Stats is a point-in-time view of a Loader.
type Stats struct {
	metrics.Counters

	// CacheEntries is the number of cached artifacts.
	CacheEntries int
	// CacheSize is the weighted size of the cache.
	CacheSize int
	// CacheMaxSize is the cache limit.
	CacheMaxSize int
	// PoolSize is the current worker target.
	PoolSize int

	// Latencies holds one entry per hunt outcome, sorted by operation.
	Latencies []LatencyStats
}

// Stats returns current cache, dispatcher and latency statistics.
func (l *Loader) Stats() Stats {
	snap := l.metrics.Snapshot()
	return Stats{
		Counters:     snap.Counters,
		CacheEntries: l.cache.Len(),
		CacheSize:    l.cache.Size(),
		CacheMaxSize: l.cache.MaxSize(),
		PoolSize:     l.dispatcher.PoolSize(),
		Latencies:    snap.Latencies,
	}
}

// String formats the statistics as a short multi-line report.
func (s Stats) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "cache: %d entries, %d/%d bytes, %d hits, %d misses\n",
		s.CacheEntries, s.CacheSize, s.CacheMaxSize, s.CacheHits, s.CacheMisses)
	fmt.Fprintf(&b, "loads: %d ok, %d failed, %d retries, %d coalesced, %d batches, pool %d\n",
		s.Loads, s.Failures, s.Retries, s.Coalesced, s.Batches, s.PoolSize)
	for _, lat := range s.Latencies {
		b.WriteString(lat.String())
		b.WriteByte('\n')
	}
	return b.String()
}
