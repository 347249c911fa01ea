package tiersearch

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/tiersearch/internal/migration"
	"github.com/hupe1980/tiersearch/model"
)

var _ migration.Observer = MetricsObserver(nil)

func TestPrometheusObserver(t *testing.T) {
	reg := prometheus.NewRegistry()
	o := NewPrometheusObserver(reg)

	o.OnSearch(10*time.Millisecond, 3, true, nil)
	o.OnSearch(time.Millisecond, 0, false, errors.New("boom"))
	o.OnFlush(time.Millisecond, 7, nil)
	o.OnDemotion(model.TierHot, model.TierWarm, model.KindMeta, 4, 400, nil)
	o.OnDemotion(model.TierHot, model.TierWarm, model.KindMeta, 1, 100, errors.New("crash"))
	o.OnQueueDepth("migration", 12)
	o.OnCacheStats(CacheStats{Hits: 5, Misses: 2, Entries: 1})

	assert.Equal(t, 1.0, testutil.ToFloat64(o.partial))
	assert.Equal(t, 7.0, testutil.ToFloat64(o.flushedDocs))
	assert.Equal(t, 5.0, testutil.ToFloat64(o.demoted.WithLabelValues("hot", "warm", "meta")))
	assert.Equal(t, 500.0, testutil.ToFloat64(o.demotedSize.WithLabelValues("hot", "warm", "meta")))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.failures.WithLabelValues("hot", "warm", "meta")))
	assert.Equal(t, 12.0, testutil.ToFloat64(o.queueDepth.WithLabelValues("migration")))
	assert.Equal(t, 5.0, testutil.ToFloat64(o.cache.WithLabelValues("hits")))

	// search/success, search/error and flush/success.
	n, err := testutil.GatherAndCount(reg, "tiersearch_operation_latency_seconds")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	o.OnFlush(time.Millisecond, 1, errors.New("disk full"))
	assert.Equal(t, 4, testutil.CollectAndCount(o.opLatency))
}

func TestBasicMetricsObserver(t *testing.T) {
	var o BasicMetricsObserver
	o.OnSearch(10*time.Millisecond, 1, false, nil)
	o.OnSearch(30*time.Millisecond, 0, true, errors.New("boom"))
	o.OnQueueDepth("delta", 99)
	o.OnQueueDepth("migration", 4)

	assert.Equal(t, int64(2), o.SearchCount.Load())
	assert.Equal(t, int64(1), o.SearchErrors.Load())
	assert.Equal(t, int64(1), o.SearchPartial.Load())
	assert.Equal(t, 20*time.Millisecond, o.AvgSearchLatency())
	assert.Equal(t, int64(4), o.QueueDepth.Load())
}
