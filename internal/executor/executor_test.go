package executor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/tiersearch/internal/cache"
	"github.com/hupe1980/tiersearch/internal/delta"
	"github.com/hupe1980/tiersearch/internal/planner"
	"github.com/hupe1980/tiersearch/internal/tier"
	"github.com/hupe1980/tiersearch/model"
	"github.com/hupe1980/tiersearch/query"
)

var planCfg = planner.Config{HotDays: 30, WarmDays: 365, EnableCold: true}

type env struct {
	store *tier.Store
	delta *delta.Index
	cache *cache.FilterCache
	exec  *Executor
	now   time.Time
}

func newEnv(t *testing.T) *env {
	t.Helper()
	s, err := tier.Open(context.Background(), tier.Config{InMemory: true, EnableCold: true}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	d := delta.New(delta.DefaultConfig())
	c := cache.New(cache.Config{}, nil)
	return &env{
		store: s,
		delta: d,
		cache: c,
		exec:  New(s, d, WithFilterCache(c)),
		now:   time.Now().UTC(),
	}
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

func (e *env) putMeta(t *testing.T, id model.Tier, stamp int64, metas ...model.FileMeta) {
	t.Helper()
	h, err := e.store.Tier(id)
	require.NoError(t, err)
	w, err := h.Writer(context.Background())
	require.NoError(t, err)
	for _, m := range metas {
		require.NoError(t, w.PutMeta(&model.StoredMeta{FileMeta: m, CommitStamp: stamp}))
	}
	require.NoError(t, w.Commit())
}

func (e *env) putContent(t *testing.T, id model.Tier, docs ...model.ContentDoc) {
	t.Helper()
	h, err := e.store.Tier(id)
	require.NoError(t, err)
	w, err := h.Writer(context.Background())
	require.NoError(t, err)
	for _, c := range docs {
		require.NoError(t, w.PutContent(&model.StoredContent{ContentDoc: c}))
	}
	require.NoError(t, w.Commit())
}

func (e *env) search(t *testing.T, expr query.Expr, limit int) *Result {
	t.Helper()
	p := planner.Build(expr, planner.PlanInput{Limit: limit, Now: e.now}, planCfg)
	res, err := e.exec.Execute(context.Background(), p)
	require.NoError(t, err)
	return res
}

func keys(hits []model.Hit) []model.DocKey {
	out := make([]model.DocKey, len(hits))
	for i, h := range hits {
		out[i] = h.Key
	}
	return out
}

func TestFilterAndTermReturnsDocOnce(t *testing.T) {
	e := newEnv(t)
	big := fileMeta(1, "report.pdf", e.now)
	big.Size = 2 << 20
	small := fileMeta(2, "report.txt", e.now)
	other := fileMeta(3, "holiday.jpg", e.now)
	other.Size = 5 << 20
	e.putMeta(t, model.TierHot, 0, big, small, other)

	expr, err := query.Parse(`size:>1MB AND name:"report"`)
	require.NoError(t, err)
	res := e.search(t, expr, 10)

	require.Len(t, res.Hits, 1)
	assert.Equal(t, big.Key, res.Hits[0].Key)
	assert.Equal(t, model.TierHot, res.Hits[0].Tier)
	assert.Equal(t, big, *res.Hits[0].Meta)
	assert.Greater(t, res.Hits[0].Score, float32(0))
	assert.False(t, res.Partial)
}

func TestDeltaShadowsDiskCopies(t *testing.T) {
	e := newEnv(t)
	e.putMeta(t, model.TierHot, 0, fileMeta(1, "draft.txt", e.now))
	e.delta.UpsertMeta(fileMeta(1, "final.txt", e.now))

	res := e.search(t, query.Match(query.FieldName, "draft"), 10)
	assert.Empty(t, res.Hits)

	res = e.search(t, query.Match(query.FieldName, "final"), 10)
	require.Len(t, res.Hits, 1)
	assert.Equal(t, model.TierDelta, res.Hits[0].Tier)

	// A filter-only query sees the delta version only.
	res = e.search(t, query.Compare(query.FieldSize, query.OpGe, 0), 10)
	require.Len(t, res.Hits, 1)
	assert.Equal(t, "final.txt", res.Hits[0].Meta.Name)
}

func TestDeltaTombstoneHidesDiskCopy(t *testing.T) {
	e := newEnv(t)
	m := fileMeta(1, "secret.txt", e.now)
	e.putMeta(t, model.TierHot, 0, m)
	e.putContent(t, model.TierHot, model.ContentDoc{Key: m.Key, Text: "launch codes"})
	e.delta.Delete(m.Key)

	res := e.search(t, query.Match(query.FieldDefault, "secret"), 10)
	assert.Empty(t, res.Hits)
	res = e.search(t, query.Match(query.FieldContent, "launch"), 10)
	assert.Empty(t, res.Hits)
}

func TestDuplicatePrecedence(t *testing.T) {
	e := newEnv(t)
	m := fileMeta(1, "plan.txt", e.now.AddDate(0, 0, -40))

	// Newer stamp in the older tier wins.
	e.putMeta(t, model.TierHot, 100, m)
	e.putMeta(t, model.TierWarm, 200, m)
	p := planner.Build(query.Match(query.FieldName, "plan"), planner.PlanInput{Limit: 10, Now: e.now}, planCfg)
	p.WarmMandated = true
	res, err := e.exec.Execute(context.Background(), p)
	require.NoError(t, err)
	require.Len(t, res.Hits, 1)
	assert.Equal(t, model.TierWarm, res.Hits[0].Tier)
	assert.Equal(t, int64(200), res.Hits[0].CommitStamp)
}

func TestDuplicateTieGoesToYoungerTier(t *testing.T) {
	e := newEnv(t)
	m := fileMeta(1, "plan.txt", e.now)
	e.putMeta(t, model.TierHot, 100, m)
	e.putMeta(t, model.TierWarm, 100, m)

	p := planner.Build(query.Match(query.FieldName, "plan"), planner.PlanInput{Limit: 10, Now: e.now}, planCfg)
	p.WarmMandated = true
	res, err := e.exec.Execute(context.Background(), p)
	require.NoError(t, err)
	require.Len(t, res.Hits, 1)
	assert.Equal(t, model.TierHot, res.Hits[0].Tier)
}

func TestContentHitResolvesMetaFromOtherTier(t *testing.T) {
	e := newEnv(t)
	pdf := fileMeta(1, "scan.pdf", e.now)
	pdf.Ext = "pdf"
	txt := fileMeta(2, "notes.txt", e.now)
	e.putMeta(t, model.TierHot, 0, pdf, txt)
	e.putContent(t, model.TierWarm,
		model.ContentDoc{Key: pdf.Key, Text: "invoice total due", Modified: pdf.Modified},
		model.ContentDoc{Key: txt.Key, Text: "invoice draft", Modified: txt.Modified},
	)

	expr, err := query.Parse("ext:pdf content:invoice")
	require.NoError(t, err)
	res := e.search(t, expr, 10)

	require.Len(t, res.Hits, 1)
	h := res.Hits[0]
	assert.Equal(t, pdf.Key, h.Key)
	assert.Equal(t, model.TierWarm, h.Tier)
	require.NotNil(t, h.Meta)
	assert.Equal(t, "scan.pdf", h.Meta.Name)
	require.NotNil(t, h.Content)
	assert.Equal(t, "invoice total due", h.Content.Text)
}

func TestEarlyStopSkipsUnmandatedTier(t *testing.T) {
	e := newEnv(t)
	e.putMeta(t, model.TierHot, 0, fileMeta(1, "budget.xlsx", e.now))
	e.putMeta(t, model.TierWarm, 0, fileMeta(2, "budget_old.xlsx", e.now.AddDate(0, 0, -60)))

	res := e.search(t, query.Match(query.FieldName, "budget"), 1)
	require.Len(t, res.Hits, 1)
	assert.Equal(t, []model.Tier{model.TierDelta, model.TierHot}, res.VisitedTiers)

	// Without a satisfied limit the executor escalates to warm.
	res = e.search(t, query.Match(query.FieldName, "budget"), 5)
	assert.Len(t, res.Hits, 2)
	assert.Equal(t, []model.Tier{model.TierDelta, model.TierHot, model.TierWarm}, res.VisitedTiers)
}

func TestMandatedTierIsVisited(t *testing.T) {
	e := newEnv(t)
	e.putMeta(t, model.TierHot, 0, fileMeta(1, "budget.xlsx", e.now))
	e.putMeta(t, model.TierWarm, 0, fileMeta(2, "budget.xlsx", e.now.AddDate(0, 0, -60)))

	p := planner.Build(query.Match(query.FieldName, "budget"), planner.PlanInput{Limit: 1, Now: e.now}, planCfg)
	p.WarmMandated = true
	res, err := e.exec.Execute(context.Background(), p)
	require.NoError(t, err)
	assert.Contains(t, res.VisitedTiers, model.TierWarm)
	require.Len(t, res.Hits, 1)
	// Equal scores: the more recently modified file ranks first.
	assert.Equal(t, model.NewDocKey(1, 1), res.Hits[0].Key)
}

func TestCorruptTierIsSkipped(t *testing.T) {
	e := newEnv(t)
	e.putMeta(t, model.TierHot, 0, fileMeta(1, "a.txt", e.now))
	warm, err := e.store.Tier(model.TierWarm)
	require.NoError(t, err)
	warm.MarkCorrupt(tier.ErrCorrupt)

	res := e.search(t, query.Match(query.FieldName, "a"), 10)
	assert.True(t, res.Partial)
	assert.Equal(t, []model.Tier{model.TierWarm}, res.SkippedTiers)
	assert.Len(t, res.Hits, 1)
}

func TestCanceledContextReturnsPartial(t *testing.T) {
	e := newEnv(t)
	e.putMeta(t, model.TierHot, 0, fileMeta(1, "a.txt", e.now))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := planner.Build(query.Match(query.FieldName, "a"), planner.PlanInput{Limit: 10, Now: e.now}, planCfg)
	res, err := e.exec.Execute(ctx, p)
	require.NoError(t, err)
	assert.True(t, res.Partial)
	assert.Empty(t, res.Hits)
}

func TestFilterCacheReuseAndInvalidation(t *testing.T) {
	e := newEnv(t)
	e.putMeta(t, model.TierHot, 0, fileMeta(1, "a.txt", e.now), fileMeta(2, "b.txt", e.now))
	hot, err := e.store.Tier(model.TierHot)
	require.NoError(t, err)

	expr := query.Compare(query.FieldSize, query.OpGe, 50)
	p := planner.Build(expr, planner.PlanInput{Limit: 10, Now: e.now}, planCfg)

	_, err = e.exec.Execute(context.Background(), p)
	require.NoError(t, err)
	gen := hot.Generation()
	first, ok := e.cache.Get(p.Signature, model.TierHot, gen)
	require.True(t, ok)
	assert.Equal(t, uint64(2), first.GetCardinality())

	_, err = e.exec.Execute(context.Background(), p)
	require.NoError(t, err)
	again, ok := e.cache.Get(p.Signature, model.TierHot, gen)
	require.True(t, ok)
	assert.Same(t, first, again)

	e.putMeta(t, model.TierHot, 0, fileMeta(3, "c.txt", e.now))
	_, ok = e.cache.Get(p.Signature, model.TierHot, hot.Generation())
	assert.False(t, ok)

	res, err := e.exec.Execute(context.Background(), p)
	require.NoError(t, err)
	assert.Len(t, res.Hits, 3)
}

func TestFilterOnlyOrdersByModified(t *testing.T) {
	e := newEnv(t)
	e.putMeta(t, model.TierHot, 0,
		fileMeta(1, "old.txt", e.now.Add(-3*time.Hour)),
		fileMeta(2, "new.txt", e.now),
		fileMeta(3, "mid.txt", e.now.Add(-time.Hour)),
	)
	res := e.search(t, query.Match(query.FieldExt, "txt"), 10)
	assert.Equal(t, []model.DocKey{model.NewDocKey(1, 2), model.NewDocKey(1, 3), model.NewDocKey(1, 1)}, keys(res.Hits))
}

func TestPhraseAndNegation(t *testing.T) {
	e := newEnv(t)
	e.putMeta(t, model.TierHot, 0,
		fileMeta(1, "quarterly_report.pdf", e.now),
		fileMeta(2, "report_quarterly.pdf", e.now),
		fileMeta(3, "holiday.jpg", e.now),
	)

	expr, err := query.Parse(`name:"quarterly report"`)
	require.NoError(t, err)
	res := e.search(t, expr, 10)
	assert.Equal(t, []model.DocKey{model.NewDocKey(1, 1)}, keys(res.Hits))

	expr, err = query.Parse(`NOT name:report`)
	require.NoError(t, err)
	res = e.search(t, expr, 10)
	assert.Equal(t, []model.DocKey{model.NewDocKey(1, 3)}, keys(res.Hits))
}

func TestPrefixAndFuzzy(t *testing.T) {
	e := newEnv(t)
	e.putMeta(t, model.TierHot, 0, fileMeta(1, "holiday.jpg", e.now), fileMeta(2, "holistic.md", e.now))

	res := e.search(t, query.Term{Field: query.FieldName, Value: "holi", Modifier: query.Prefix}, 10)
	assert.Len(t, res.Hits, 2)

	res = e.search(t, query.Term{Field: query.FieldName, Value: "holidy", Modifier: query.Fuzzy(1)}, 10)
	assert.Equal(t, []model.DocKey{model.NewDocKey(1, 1)}, keys(res.Hits))
}

func TestFlushDuringQueryKeepsDocument(t *testing.T) {
	e := newEnv(t)
	m := fileMeta(1, "report.txt", e.now)
	stamp := e.delta.UpsertMeta(m)

	p := planner.Build(query.Match(query.FieldName, "report"), planner.PlanInput{Limit: 10, Now: e.now}, planCfg)
	r := newRun(e.exec, p)
	defer r.release()

	// A flush commits the entry to hot and drops it from the delta after the
	// run took its delta snapshot.
	e.putMeta(t, model.TierHot, stamp, m)
	frozen := e.delta.Freeze()
	require.Len(t, frozen, 1)
	e.delta.Drop(frozen[0], []model.DocKey{m.Key}, nil)
	require.Zero(t, e.delta.Size().Meta)

	res := r.execute(context.Background())
	require.Len(t, res.Hits, 1)
	assert.Equal(t, m.Key, res.Hits[0].Key)
	assert.Equal(t, model.TierDelta, res.Hits[0].Tier)
	assert.False(t, res.Partial)

	// A new query sees the flushed copy.
	res = e.search(t, query.Match(query.FieldName, "report"), 10)
	require.Len(t, res.Hits, 1)
	assert.Equal(t, model.TierHot, res.Hits[0].Tier)
}

func TestConjunctionAcrossMetaAndContentTiers(t *testing.T) {
	e := newEnv(t)
	m := fileMeta(1, "report.txt", e.now)
	other := fileMeta(2, "report-old.txt", e.now)
	e.putMeta(t, model.TierHot, 1, m, other)
	e.putContent(t, model.TierWarm,
		model.ContentDoc{Key: m.Key, Text: "annual budget review", Modified: e.now},
		model.ContentDoc{Key: other.Key, Text: "travel plans", Modified: e.now},
	)

	res := e.search(t, query.NewAnd(query.Match(query.FieldName, "report"), query.Match(query.FieldContent, "budget")), 10)
	require.Len(t, res.Hits, 1)
	assert.Equal(t, m.Key, res.Hits[0].Key)
	require.NotNil(t, res.Hits[0].Meta)
	assert.Equal(t, "report.txt", res.Hits[0].Meta.Name)
	assert.Greater(t, res.Hits[0].Score, float32(0))

	res = e.search(t, query.NewAnd(query.Match(query.FieldName, "report"), query.NewNot(query.Match(query.FieldContent, "budget"))), 10)
	assert.Equal(t, []model.DocKey{other.Key}, keys(res.Hits))

	res = e.search(t, query.NewAnd(query.Match(query.FieldName, "report"), query.Term{Field: query.FieldContent, Value: "budget review", Modifier: query.Phrase}), 10)
	assert.Equal(t, []model.DocKey{m.Key}, keys(res.Hits))
}

func TestUnhealthyTierExcludedFromPlan(t *testing.T) {
	e := newEnv(t)
	e.putMeta(t, model.TierHot, 0, fileMeta(1, "a.txt", e.now))
	cfg := planCfg
	cfg.Unhealthy = []model.Tier{model.TierWarm}

	p := planner.Build(query.Match(query.FieldName, "a"), planner.PlanInput{Limit: 10, Now: e.now}, cfg)
	res, err := e.exec.Execute(context.Background(), p)
	require.NoError(t, err)
	assert.True(t, res.Partial)
	assert.Empty(t, res.SkippedTiers)
	assert.Equal(t, []model.Tier{model.TierWarm}, res.UnhealthyTiers)
	assert.NotContains(t, res.VisitedTiers, model.TierWarm)
	assert.Len(t, res.Hits, 1)
}

func TestTotalAndTruncated(t *testing.T) {
	e := newEnv(t)
	e.putMeta(t, model.TierHot, 0,
		fileMeta(1, "report-a.txt", e.now),
		fileMeta(2, "report-b.txt", e.now),
		fileMeta(3, "report-c.txt", e.now),
	)

	res := e.search(t, query.Match(query.FieldName, "report"), 2)
	assert.Len(t, res.Hits, 2)
	assert.Equal(t, 3, res.Total)
	assert.True(t, res.Truncated)

	res = e.search(t, query.Match(query.FieldName, "report"), 10)
	assert.Len(t, res.Hits, 3)
	assert.Equal(t, 3, res.Total)
	assert.False(t, res.Truncated)
}
