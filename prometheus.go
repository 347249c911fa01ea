package tiersearch

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hupe1980/tiersearch/model"
)

// PrometheusObserver implements MetricsObserver with client_golang collectors.
type PrometheusObserver struct {
	opLatency   *prometheus.HistogramVec
	searchHits  prometheus.Histogram
	partial     prometheus.Counter
	flushedDocs prometheus.Counter
	demoted     *prometheus.CounterVec
	demotedSize *prometheus.CounterVec
	failures    *prometheus.CounterVec
	queueDepth  *prometheus.GaugeVec
	cache       *prometheus.GaugeVec
}

var _ MetricsObserver = (*PrometheusObserver)(nil)

// NewPrometheusObserver creates the collectors and registers them with reg.
// A nil reg uses prometheus.DefaultRegisterer.
func NewPrometheusObserver(reg prometheus.Registerer) *PrometheusObserver {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	o := &PrometheusObserver{
		opLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tiersearch_operation_latency_seconds",
			Help:    "Latency of engine operations",
			Buckets: prometheus.DefBuckets,
		}, []string{"op", "status"}),
		searchHits: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tiersearch_search_hits",
			Help:    "Number of hits returned per search",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}),
		partial: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tiersearch_search_partial_total",
			Help: "Searches that returned partial results",
		}),
		flushedDocs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tiersearch_flushed_docs_total",
			Help: "Delta entries flushed to disk tiers",
		}),
		demoted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tiersearch_demoted_docs_total",
			Help: "Records moved to a colder tier",
		}, []string{"src", "dst", "kind"}),
		demotedSize: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tiersearch_demoted_bytes_total",
			Help: "Bytes moved to a colder tier",
		}, []string{"src", "dst", "kind"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tiersearch_demotion_failures_total",
			Help: "Demotion job runs that ended with an error",
		}, []string{"src", "dst", "kind"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tiersearch_queue_depth",
			Help: "Depth of background queues",
		}, []string{"queue"}),
		cache: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tiersearch_filter_cache",
			Help: "Filter cache counters",
		}, []string{"stat"}),
	}
	reg.MustRegister(
		o.opLatency,
		o.searchHits,
		o.partial,
		o.flushedDocs,
		o.demoted,
		o.demotedSize,
		o.failures,
		o.queueDepth,
		o.cache,
	)
	return o
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// OnSearch implements MetricsObserver.
func (o *PrometheusObserver) OnSearch(d time.Duration, hits int, partial bool, err error) {
	o.opLatency.WithLabelValues("search", status(err)).Observe(d.Seconds())
	if err != nil {
		return
	}
	o.searchHits.Observe(float64(hits))
	if partial {
		o.partial.Inc()
	}
}

// OnFlush implements MetricsObserver.
func (o *PrometheusObserver) OnFlush(d time.Duration, docs int, err error) {
	o.opLatency.WithLabelValues("flush", status(err)).Observe(d.Seconds())
	o.flushedDocs.Add(float64(docs))
}

// OnDemotion implements MetricsObserver.
func (o *PrometheusObserver) OnDemotion(src, dst model.Tier, kind model.IndexKind, docs int, bytes int64, err error) {
	labels := []string{src.String(), dst.String(), kind.String()}
	o.demoted.WithLabelValues(labels...).Add(float64(docs))
	o.demotedSize.WithLabelValues(labels...).Add(float64(bytes))
	if err != nil {
		o.failures.WithLabelValues(labels...).Inc()
	}
}

// OnQueueDepth implements MetricsObserver.
func (o *PrometheusObserver) OnQueueDepth(name string, depth int) {
	o.queueDepth.WithLabelValues(name).Set(float64(depth))
}

// OnCacheStats implements MetricsObserver.
func (o *PrometheusObserver) OnCacheStats(s CacheStats) {
	o.cache.WithLabelValues("hits").Set(float64(s.Hits))
	o.cache.WithLabelValues("misses").Set(float64(s.Misses))
	o.cache.WithLabelValues("evictions").Set(float64(s.Evictions))
	o.cache.WithLabelValues("entries").Set(float64(s.Entries))
	o.cache.WithLabelValues("bytes").Set(float64(s.Bytes))
}
