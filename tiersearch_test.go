package tiersearch_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/tiersearch"
	"github.com/hupe1980/tiersearch/model"
	"github.com/hupe1980/tiersearch/query"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

const day = 24 * time.Hour

func openDB(t *testing.T, opts ...tiersearch.Option) (*tiersearch.DB, *clock) {
	t.Helper()
	clk := &clock{now: time.Now().UTC()}
	opts = append([]tiersearch.Option{
		tiersearch.WithInMemory(),
		tiersearch.WithClock(clk.Now),
		tiersearch.WithConfig(tiersearch.Config{HotDays: 30, WarmDays: 365, EnableCold: true}),
	}, opts...)
	db, err := tiersearch.Open("", opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db, clk
}

func fileMeta(id uint64, name string, modified time.Time) model.FileMeta {
	return model.FileMeta{
		Key:      model.NewDocKey(1, model.FileID(id)),
		Name:     name,
		Path:     "/data/" + name,
		Ext:      "txt",
		Size:     100,
		Modified: modified.UTC(),
		Created:  modified.UTC(),
		Volume:   1,
	}
}

func TestSearchFindsBufferedDocument(t *testing.T) {
	db, clk := openDB(t)
	ctx := context.Background()
	m := fileMeta(1, "report.txt", clk.Now())
	require.NoError(t, db.UpsertMeta(ctx, m))

	res, err := db.SearchString(ctx, "name:report", tiersearch.SearchOptions{})
	require.NoError(t, err)
	require.Len(t, res.Hits, 1)
	assert.Equal(t, model.TierDelta, res.Hits[0].Tier)
	assert.Equal(t, m, *res.Hits[0].Meta)
	assert.NotEmpty(t, res.ID)
	assert.False(t, res.Partial)
}

func TestFlushRoutesByAge(t *testing.T) {
	db, clk := openDB(t)
	ctx := context.Background()
	now := clk.Now()
	require.NoError(t, db.UpsertMeta(ctx, fileMeta(1, "report-new.txt", now)))
	require.NoError(t, db.UpsertMeta(ctx, fileMeta(2, "report-old.txt", now.Add(-40*day))))
	require.NoError(t, db.UpsertMeta(ctx, fileMeta(3, "report-ancient.txt", now.Add(-800*day))))
	require.NoError(t, db.Flush(ctx))

	st, err := db.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, tiersearch.TierCounts{}, st.DeltaSize)
	assert.Equal(t, 1, st.PerTierDocCounts[model.TierHot].Meta)
	assert.Equal(t, 1, st.PerTierDocCounts[model.TierWarm].Meta)
	assert.Equal(t, 1, st.PerTierDocCounts[model.TierCold].Meta)
	assert.False(t, st.LastFlushTime.IsZero())
	assert.Empty(t, st.UnhealthyTiers)
	assert.Zero(t, st.ActiveMigrations)

	res, err := db.Search(ctx, query.Match(query.FieldName, "report"), tiersearch.SearchOptions{Archive: true})
	require.NoError(t, err)
	require.Len(t, res.Hits, 3)
	tiers := map[model.DocKey]model.Tier{}
	for _, h := range res.Hits {
		tiers[h.Key] = h.Tier
	}
	assert.Equal(t, model.TierHot, tiers[model.NewDocKey(1, 1)])
	assert.Equal(t, model.TierWarm, tiers[model.NewDocKey(1, 2)])
	assert.Equal(t, model.TierCold, tiers[model.NewDocKey(1, 3)])
}

func TestDeleteHidesFlushedDocument(t *testing.T) {
	db, clk := openDB(t)
	ctx := context.Background()
	m := fileMeta(1, "report.txt", clk.Now())
	require.NoError(t, db.UpsertMeta(ctx, m))
	require.NoError(t, db.Flush(ctx))

	require.NoError(t, db.Delete(ctx, m.Key))
	res, err := db.SearchString(ctx, "report", tiersearch.SearchOptions{})
	require.NoError(t, err)
	assert.Empty(t, res.Hits)
	_, err = db.Get(ctx, m.Key)
	assert.ErrorIs(t, err, tiersearch.ErrNotFound)

	require.NoError(t, db.Flush(ctx))
	st, err := db.Status(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.PerTierDocCounts[model.TierHot].Meta)
}

func TestGetAttachesContent(t *testing.T) {
	db, clk := openDB(t)
	ctx := context.Background()
	now := clk.Now()
	m := fileMeta(1, "notes.txt", now)
	require.NoError(t, db.Apply(ctx, model.ChangeEvent{
		Key:     m.Key,
		Kind:    model.ChangeUpsert,
		Meta:    &m,
		Content: &model.ContentDoc{Key: m.Key, Text: "quarterly numbers", Modified: now, Size: 100, Volume: 1},
	}))
	require.NoError(t, db.Flush(ctx))

	h, err := db.Get(ctx, m.Key)
	require.NoError(t, err)
	assert.Equal(t, model.TierHot, h.Tier)
	require.NotNil(t, h.Content)
	assert.Equal(t, "quarterly numbers", h.Content.Text)

	res, err := db.SearchString(ctx, "content:quarterly", tiersearch.SearchOptions{})
	require.NoError(t, err)
	require.Len(t, res.Hits, 1)
	assert.Equal(t, m.Key, res.Hits[0].Key)
}

func TestApplyRejectsInvalidEvents(t *testing.T) {
	db, clk := openDB(t)
	ctx := context.Background()
	m := fileMeta(1, "a.txt", clk.Now())

	tests := []struct {
		name string
		ev   model.ChangeEvent
	}{
		{"upsert without records", model.ChangeEvent{Key: m.Key, Kind: model.ChangeUpsert}},
		{"key mismatch", model.ChangeEvent{Key: model.NewDocKey(2, 2), Kind: model.ChangeUpsert, Meta: &m}},
		{"unknown kind", model.ChangeEvent{Key: m.Key, Kind: 9}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, db.Apply(ctx, tt.ev), tiersearch.ErrInvalidArgument)
		})
	}
}

func TestSearchRejectsBadQuery(t *testing.T) {
	db, _ := openDB(t)
	_, err := db.SearchString(context.Background(), "(a OR b", tiersearch.SearchOptions{})
	assert.ErrorIs(t, err, tiersearch.ErrInvalidArgument)

	_, err = db.Search(context.Background(), query.Match(query.FieldName, "a"), tiersearch.SearchOptions{Limit: -1})
	assert.ErrorIs(t, err, tiersearch.ErrInvalidArgument)
}

func TestTickDemotesAgedDocuments(t *testing.T) {
	obs := &tiersearch.BasicMetricsObserver{}
	db, clk := openDB(t, tiersearch.WithMetricsObserver(obs))
	ctx := context.Background()
	m := fileMeta(1, "report.txt", clk.Now())
	require.NoError(t, db.UpsertMeta(ctx, m))
	require.NoError(t, db.Flush(ctx))

	clk.Advance(31 * day)
	report, err := db.Tick(ctx)
	require.NoError(t, err)
	var moved int
	for _, j := range report.Jobs {
		require.NoError(t, j.Err)
		moved += j.Files
	}
	assert.Equal(t, 1, moved)

	res, err := db.SearchString(ctx, "name:report", tiersearch.SearchOptions{})
	require.NoError(t, err)
	require.Len(t, res.Hits, 1)
	assert.Equal(t, model.TierWarm, res.Hits[0].Tier)
	assert.Equal(t, m, *res.Hits[0].Meta)

	st, err := db.Status(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, st.Jobs)
	for _, j := range st.Jobs {
		assert.Equal(t, "done", j.State, j.ID)
	}
	assert.Equal(t, int64(1), obs.DemotedDocs.Load())
	assert.Equal(t, int64(1), obs.SearchCount.Load())
}

func TestBudgetLimitsTick(t *testing.T) {
	db, clk := openDB(t, tiersearch.WithBudget(10, 0, 1))
	ctx := context.Background()
	old := clk.Now().Add(-40 * day)
	for i := range 25 {
		require.NoError(t, db.UpsertMeta(ctx, fileMeta(uint64(i+1), "old.txt", old)))
	}
	// The flush budget also caps at 10 entries per round.
	for range 2 {
		assert.ErrorIs(t, db.Flush(ctx), tiersearch.ErrBudgetExceeded)
	}
	require.NoError(t, db.Flush(ctx))

	st, err := db.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 25, st.PerTierDocCounts[model.TierWarm].Meta)
}

func TestReportLoadThrottlesBusyDisk(t *testing.T) {
	db, clk := openDB(t)
	ctx := context.Background()
	old := clk.Now().Add(-40 * day)
	for i := range 15 {
		require.NoError(t, db.UpsertMeta(ctx, fileMeta(uint64(i+1), "old.txt", old)))
	}

	db.ReportLoad(10, true)
	assert.ErrorIs(t, db.Flush(ctx), tiersearch.ErrBudgetExceeded)
	st, err := db.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, st.PerTierDocCounts[model.TierWarm].Meta)

	db.ReportLoad(10, false)
	require.NoError(t, db.Flush(ctx))
	st, err = db.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 15, st.PerTierDocCounts[model.TierWarm].Meta)
}

func TestRebuildTier(t *testing.T) {
	db, clk := openDB(t)
	ctx := context.Background()
	require.NoError(t, db.UpsertMeta(ctx, fileMeta(1, "old.txt", clk.Now().Add(-40*day))))
	require.NoError(t, db.Flush(ctx))

	require.NoError(t, db.RebuildTier(ctx, model.TierWarm))
	st, err := db.Status(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.PerTierDocCounts[model.TierWarm].Meta)

	assert.ErrorIs(t, db.RebuildTier(ctx, model.TierDelta), tiersearch.ErrTierUnavailable)
}

func TestCloseIdempotent(t *testing.T) {
	db, _ := openDB(t)
	require.NoError(t, db.Close())
	require.NoError(t, db.Close())

	_, err := db.SearchString(context.Background(), "a", tiersearch.SearchOptions{})
	assert.ErrorIs(t, err, tiersearch.ErrClosed)
	assert.ErrorIs(t, db.Delete(context.Background(), model.NewDocKey(1, 1)), tiersearch.ErrClosed)
}

func TestReopenKeepsFlushedDocuments(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	now := time.Now().UTC()

	db, err := tiersearch.Open(dir)
	require.NoError(t, err)
	m := fileMeta(1, "report.txt", now)
	require.NoError(t, db.UpsertMeta(ctx, m))
	// Close flushes the delta.
	require.NoError(t, db.Close())

	db, err = tiersearch.Open(dir)
	require.NoError(t, err)
	defer db.Close()

	h, err := db.Get(ctx, m.Key)
	require.NoError(t, err)
	assert.Equal(t, model.TierHot, h.Tier)
	assert.Equal(t, m, *h.Meta)
}

func TestStartFlushesInBackground(t *testing.T) {
	db, clk := openDB(t, tiersearch.WithConfig(tiersearch.Config{
		Delta: tiersearch.DeltaConfig{MaxDocsMeta: 1},
	}))
	ctx := context.Background()
	require.NoError(t, db.Start(ctx))
	defer db.Stop()

	require.NoError(t, db.UpsertMeta(ctx, fileMeta(1, "a.txt", clk.Now())))
	require.NoError(t, db.UpsertMeta(ctx, fileMeta(2, "b.txt", clk.Now())))

	assert.Eventually(t, func() bool {
		st, err := db.Status(ctx)
		return err == nil && st.PerTierDocCounts[model.TierHot].Meta == 2
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSearchReportsTotalAndTruncated(t *testing.T) {
	db, clk := openDB(t)
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		require.NoError(t, db.UpsertMeta(ctx, fileMeta(uint64(i), fmt.Sprintf("report-%d.txt", i), clk.Now())))
	}
	require.NoError(t, db.Flush(ctx))
	for i := 4; i <= 5; i++ {
		require.NoError(t, db.UpsertMeta(ctx, fileMeta(uint64(i), fmt.Sprintf("report-%d.txt", i), clk.Now())))
	}

	res, err := db.SearchString(ctx, "report", tiersearch.SearchOptions{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, res.Hits, 2)
	assert.Equal(t, 5, res.Total)
	assert.True(t, res.Truncated)
	assert.Empty(t, res.UnhealthyTiers)

	res, err = db.SearchString(ctx, "report", tiersearch.SearchOptions{Limit: 10})
	require.NoError(t, err)
	assert.Len(t, res.Hits, 5)
	assert.Equal(t, 5, res.Total)
	assert.False(t, res.Truncated)
}

func TestFlushLargerThanMemTable(t *testing.T) {
	db, clk := openDB(t, tiersearch.WithConfig(tiersearch.Config{
		Resources: tiersearch.ResourceConfig{MemTableBytes: 1 << 20},
	}))
	ctx := context.Background()
	for i := 1; i <= 100; i++ {
		m := fileMeta(uint64(i), "wide.txt", clk.Now())
		words := make([]string, 400)
		for j := range words {
			words[j] = fmt.Sprintf("d%dw%d", i, j)
		}
		require.NoError(t, db.UpsertMeta(ctx, m))
		require.NoError(t, db.UpsertContent(ctx, model.ContentDoc{
			Key:      m.Key,
			Text:     strings.Join(words, " "),
			Modified: m.Modified,
			Size:     m.Size,
			Volume:   m.Volume,
		}))
	}
	require.NoError(t, db.Flush(ctx))

	st, err := db.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 100, st.PerTierDocCounts[model.TierHot].Content)

	res, err := db.Search(ctx, query.Match(query.FieldContent, "d64w399"), tiersearch.SearchOptions{})
	require.NoError(t, err)
	require.Len(t, res.Hits, 1)
	assert.Equal(t, model.NewDocKey(1, 64), res.Hits[0].Key)
	assert.Equal(t, model.TierHot, res.Hits[0].Tier)
}
