package tiersearch

import (
	"sync/atomic"
	"time"

	"github.com/hupe1980/tiersearch/model"
)

// CacheStats is a snapshot of the filter cache counters.
type CacheStats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Entries   int
	Bytes     int64
}

// MetricsObserver receives operational events.
// Implement this interface to integrate with monitoring systems; see
// PrometheusObserver for a ready-made implementation.
type MetricsObserver interface {
	// OnSearch is called after each search.
	OnSearch(duration time.Duration, hits int, partial bool, err error)

	// OnFlush is called when a delta flush completes.
	OnFlush(duration time.Duration, docs int, err error)

	// OnDemotion is called after each demotion job run.
	OnDemotion(src, dst model.Tier, kind model.IndexKind, docs int, bytes int64, err error)

	// OnQueueDepth reports the depth of a background queue.
	OnQueueDepth(name string, depth int)

	// OnCacheStats reports the filter cache counters after a search.
	OnCacheStats(stats CacheStats)
}

// NoopMetricsObserver is a no-op implementation of MetricsObserver.
type NoopMetricsObserver struct{}

func (NoopMetricsObserver) OnSearch(time.Duration, int, bool, error)                                {}
func (NoopMetricsObserver) OnFlush(time.Duration, int, error)                                      {}
func (NoopMetricsObserver) OnDemotion(model.Tier, model.Tier, model.IndexKind, int, int64, error) {}
func (NoopMetricsObserver) OnQueueDepth(string, int)                                               {}
func (NoopMetricsObserver) OnCacheStats(CacheStats)                                                {}

// BasicMetricsObserver provides simple in-memory metrics collection.
// Useful for debugging and tests without external dependencies.
type BasicMetricsObserver struct {
	SearchCount      atomic.Int64
	SearchErrors     atomic.Int64
	SearchPartial    atomic.Int64
	SearchTotalNanos atomic.Int64
	FlushCount       atomic.Int64
	FlushErrors      atomic.Int64
	FlushedDocs      atomic.Int64
	DemotionCount    atomic.Int64
	DemotionErrors   atomic.Int64
	DemotedDocs      atomic.Int64
	DemotedBytes     atomic.Int64
	QueueDepth       atomic.Int64
	CacheHits        atomic.Int64
	CacheMisses      atomic.Int64
}

// OnSearch implements MetricsObserver.
func (b *BasicMetricsObserver) OnSearch(duration time.Duration, _ int, partial bool, err error) {
	b.SearchCount.Add(1)
	b.SearchTotalNanos.Add(duration.Nanoseconds())
	if partial {
		b.SearchPartial.Add(1)
	}
	if err != nil {
		b.SearchErrors.Add(1)
	}
}

// OnFlush implements MetricsObserver.
func (b *BasicMetricsObserver) OnFlush(_ time.Duration, docs int, err error) {
	b.FlushCount.Add(1)
	b.FlushedDocs.Add(int64(docs))
	if err != nil {
		b.FlushErrors.Add(1)
	}
}

// OnDemotion implements MetricsObserver.
func (b *BasicMetricsObserver) OnDemotion(_, _ model.Tier, _ model.IndexKind, docs int, bytes int64, err error) {
	b.DemotionCount.Add(1)
	b.DemotedDocs.Add(int64(docs))
	b.DemotedBytes.Add(bytes)
	if err != nil {
		b.DemotionErrors.Add(1)
	}
}

// OnQueueDepth implements MetricsObserver. Only the migration queue is kept.
func (b *BasicMetricsObserver) OnQueueDepth(name string, depth int) {
	if name == "migration" {
		b.QueueDepth.Store(int64(depth))
	}
}

// OnCacheStats implements MetricsObserver.
func (b *BasicMetricsObserver) OnCacheStats(s CacheStats) {
	b.CacheHits.Store(s.Hits)
	b.CacheMisses.Store(s.Misses)
}

// AvgSearchLatency returns the mean search latency.
func (b *BasicMetricsObserver) AvgSearchLatency() time.Duration {
	n := b.SearchCount.Load()
	if n == 0 {
		return 0
	}
	return time.Duration(b.SearchTotalNanos.Load() / n)
}
