package migration

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/tiersearch/internal/delta"
	"github.com/hupe1980/tiersearch/internal/executor"
	"github.com/hupe1980/tiersearch/internal/planner"
	"github.com/hupe1980/tiersearch/internal/tier"
	"github.com/hupe1980/tiersearch/model"
	"github.com/hupe1980/tiersearch/query"
)

var routeCfg = tier.RouteConfig{HotDays: 30, WarmDays: 365, EnableCold: true}

type env struct {
	store   *tier.Store
	delta   *delta.Index
	state   *StateStore
	coord   *Coordinator
	now     time.Time
	signals atomic.Int32
}

func newEnv(t *testing.T, dcfg delta.Config, opts ...Option) *env {
	t.Helper()
	return newEnvWithTiers(t, tier.Config{InMemory: true, EnableCold: true}, dcfg, opts...)
}

func newEnvWithTiers(t *testing.T, tcfg tier.Config, dcfg delta.Config, opts ...Option) *env {
	t.Helper()
	s, err := tier.Open(context.Background(), tcfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	state, err := OpenStateStore("", true, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = state.Close() })

	e := &env{store: s, state: state, now: time.Now().UTC()}
	e.delta = delta.New(dcfg, delta.WithFlushSignal(func() { e.signals.Add(1) }))
	e.coord = e.newCoordinator(t, opts...)
	return e
}

func (e *env) newCoordinator(t *testing.T, opts ...Option) *Coordinator {
	t.Helper()
	opts = append([]Option{WithClock(func() time.Time { return e.now })}, opts...)
	c, err := New(e.store, e.delta, e.state, Config{Route: routeCfg, BaseBackoff: time.Millisecond}, opts...)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
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

func (e *env) putMeta(t *testing.T, id model.Tier, metas ...model.FileMeta) {
	t.Helper()
	h, err := e.store.Tier(id)
	require.NoError(t, err)
	w, err := h.Writer(context.Background())
	require.NoError(t, err)
	for _, m := range metas {
		require.NoError(t, w.PutMeta(&model.StoredMeta{FileMeta: m}))
	}
	require.NoError(t, w.Commit())
}

func (e *env) meta(t *testing.T, id model.Tier, key model.DocKey) *model.StoredMeta {
	t.Helper()
	h, err := e.store.Tier(id)
	require.NoError(t, err)
	rd, err := h.Reader()
	require.NoError(t, err)
	defer rd.Release()
	m, err := rd.Meta(key)
	require.NoError(t, err)
	return m
}

func (e *env) count(t *testing.T, id model.Tier, kind model.IndexKind) int {
	t.Helper()
	h, err := e.store.Tier(id)
	require.NoError(t, err)
	rd, err := h.Reader()
	require.NoError(t, err)
	defer rd.Release()
	n, err := rd.Count(kind)
	require.NoError(t, err)
	return n
}

func (e *env) job(t *testing.T, id string) Job {
	t.Helper()
	for _, j := range e.coord.Jobs() {
		if j.ID() == id {
			return j
		}
	}
	t.Fatalf("job %s not found", id)
	return Job{}
}

func (r *TickReport) job(id string) JobReport {
	for _, j := range r.Jobs {
		if j.ID == id {
			return j
		}
	}
	return JobReport{}
}

var hotWarmMeta = JobID(model.TierHot, model.TierWarm, model.KindMeta)

func TestFlushOnMetaLimit(t *testing.T) {
	cfg := delta.DefaultConfig()
	cfg.MaxDocsMeta = 2
	e := newEnv(t, cfg)

	recent := fileMeta(1, "recent.txt", e.now)
	older := fileMeta(2, "older.txt", e.now.AddDate(0, 0, -40))
	ancient := fileMeta(3, "ancient.txt", e.now.AddDate(-2, 0, 0))
	e.delta.UpsertMeta(recent)
	e.delta.UpsertMeta(older)
	assert.Zero(t, e.signals.Load())
	e.delta.UpsertMeta(ancient)
	assert.Equal(t, int32(1), e.signals.Load())

	report, err := e.coord.Tick(context.Background())
	require.NoError(t, err)
	require.True(t, report.Flushed)
	require.NoError(t, report.FlushErr)
	assert.Equal(t, 3, report.Flush.Meta)
	assert.Zero(t, e.delta.Size().Meta)

	for _, tc := range []struct {
		meta model.FileMeta
		tier model.Tier
	}{
		{recent, model.TierHot},
		{older, model.TierWarm},
		{ancient, model.TierCold},
	} {
		got := e.meta(t, tc.tier, tc.meta.Key)
		require.NotNil(t, got, tc.meta.Name)
		assert.Equal(t, tc.meta, got.FileMeta)
	}
}

func TestFlushReplacesOlderDiskCopies(t *testing.T) {
	e := newEnv(t, delta.DefaultConfig())
	stale := fileMeta(1, "stale.txt", e.now.AddDate(0, 0, -40))
	e.putMeta(t, model.TierWarm, stale, fileMeta(2, "gone.txt", e.now))

	e.delta.UpsertMeta(fileMeta(1, "fresh.txt", e.now))
	e.delta.Delete(model.NewDocKey(1, 2))

	stats, err := e.coord.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Meta)
	assert.Equal(t, 2, stats.Deleted)

	assert.Nil(t, e.meta(t, model.TierWarm, stale.Key))
	assert.Nil(t, e.meta(t, model.TierWarm, model.NewDocKey(1, 2)))
	got := e.meta(t, model.TierHot, stale.Key)
	require.NotNil(t, got)
	assert.Equal(t, "fresh.txt", got.Name)
	assert.Equal(t, 0, e.delta.Size().Meta+e.delta.Size().Content)
}

func TestFlushBudget(t *testing.T) {
	gov := StaticGovernor{Default: Budget{MaxFiles: 2}}
	e := newEnv(t, delta.DefaultConfig(), WithGovernor(gov))
	for i := range 5 {
		e.delta.UpsertMeta(fileMeta(uint64(i+1), "f.txt", e.now))
	}

	stats, err := e.coord.Flush(context.Background())
	require.ErrorIs(t, err, ErrBudgetExceeded)
	assert.Equal(t, 2, stats.Meta)
	assert.Equal(t, 3, stats.Remaining)
	assert.Equal(t, 3, e.delta.Size().Meta)
	assert.Equal(t, 2, e.count(t, model.TierHot, model.KindMeta))

	for range 2 {
		_, _ = e.coord.Flush(context.Background())
	}
	assert.Zero(t, e.delta.Size().Meta)
	assert.Equal(t, 5, e.count(t, model.TierHot, model.KindMeta))
}

func TestDemotionAfterAging(t *testing.T) {
	e := newEnv(t, delta.DefaultConfig())
	m := fileMeta(1, "report.txt", e.now)
	e.delta.UpsertMeta(m)
	_, err := e.coord.Flush(context.Background())
	require.NoError(t, err)
	require.NotNil(t, e.meta(t, model.TierHot, m.Key))

	e.now = e.now.AddDate(0, 0, 31)
	report, err := e.coord.Tick(context.Background())
	require.NoError(t, err)
	rep := report.job(hotWarmMeta)
	require.NoError(t, rep.Err)
	assert.Equal(t, 1, rep.Files)
	assert.True(t, rep.Done)

	assert.Nil(t, e.meta(t, model.TierHot, m.Key))
	got := e.meta(t, model.TierWarm, m.Key)
	require.NotNil(t, got)
	assert.Equal(t, m, got.FileMeta)

	exec := executor.New(e.store, e.delta)
	p := planner.Build(query.Match(query.FieldName, "report"), planner.PlanInput{Limit: 10, Now: e.now},
		planner.Config{HotDays: routeCfg.HotDays, WarmDays: routeCfg.WarmDays, EnableCold: true})
	res, err := exec.Execute(context.Background(), p)
	require.NoError(t, err)
	require.Len(t, res.Hits, 1)
	assert.Equal(t, model.TierWarm, res.Hits[0].Tier)
	assert.Equal(t, m, *res.Hits[0].Meta)
}

func TestDemotionBudgetResumesAtCursor(t *testing.T) {
	gov := StaticGovernor{Default: Budget{MaxFiles: 10, MaxConcurrentWorkers: 1}}
	e := newEnv(t, delta.DefaultConfig(), WithGovernor(gov))
	old := e.now.AddDate(0, 0, -40)
	metas := make([]model.FileMeta, 25)
	for i := range metas {
		metas[i] = fileMeta(uint64(i+1), "old.txt", old)
	}
	e.putMeta(t, model.TierHot, metas...)

	for i, want := range []int{10, 10, 5} {
		report, err := e.coord.Tick(context.Background())
		require.NoError(t, err)
		rep := report.job(hotWarmMeta)
		require.NoError(t, rep.Err)
		assert.Equal(t, want, rep.Files, "tick %d", i+1)

		j := e.job(t, hotWarmMeta)
		switch i {
		case 0:
			assert.Equal(t, StateCopying, j.State)
			assert.Equal(t, metas[10].Key, j.Cursor)
		case 1:
			assert.Equal(t, metas[20].Key, j.Cursor)
		case 2:
			assert.True(t, rep.Done)
			assert.Equal(t, StateDone, j.State)
			assert.Zero(t, j.Cursor)
		}
	}
	assert.Zero(t, e.count(t, model.TierHot, model.KindMeta))
	assert.Equal(t, 25, e.count(t, model.TierWarm, model.KindMeta))
}

func TestInterruptedDemotionLeavesOneCopy(t *testing.T) {
	e := newEnv(t, delta.DefaultConfig())
	old := e.now.AddDate(0, 0, -40)
	m := fileMeta(1, "moved.txt", old)
	e.putMeta(t, model.TierHot, m)

	errCrash := errors.New("crash")
	e.coord.demoter.afterCopy = func(*Job) error { return errCrash }
	report, err := e.coord.Tick(context.Background())
	require.NoError(t, err)
	require.ErrorIs(t, report.job(hotWarmMeta).Err, errCrash)

	// Both tiers hold the record until the job resumes.
	require.NotNil(t, e.meta(t, model.TierHot, m.Key))
	require.NotNil(t, e.meta(t, model.TierWarm, m.Key))
	persisted, err := e.state.Load(hotWarmMeta)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, persisted.State)
	assert.Equal(t, 3, persisted.Attempts)
	assert.Equal(t, "crash", persisted.LastError)
	assert.Equal(t, 1, persisted.Pending)

	// A restarted coordinator resumes from the persisted cursor.
	e.coord.Close()
	e.coord = e.newCoordinator(t)
	for range 2 {
		_, err := e.coord.Tick(context.Background())
		require.NoError(t, err)
	}
	assert.Nil(t, e.meta(t, model.TierHot, m.Key))
	got := e.meta(t, model.TierWarm, m.Key)
	require.NotNil(t, got)
	assert.Equal(t, m, got.FileMeta)
	assert.Equal(t, 1, e.count(t, model.TierWarm, model.KindMeta))
	assert.Empty(t, e.job(t, hotWarmMeta).LastError)
}

func TestDemotionMovesContentIndependently(t *testing.T) {
	e := newEnv(t, delta.DefaultConfig())
	m := fileMeta(1, "notes.txt", e.now)
	e.delta.UpsertMeta(m)
	e.delta.UpsertContent(model.ContentDoc{
		Key:      m.Key,
		Text:     "quarterly numbers",
		Modified: e.now.AddDate(0, 0, -40),
		Size:     17,
		Volume:   1,
	})
	_, err := e.coord.Flush(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, e.count(t, model.TierHot, model.KindMeta))
	assert.Equal(t, 1, e.count(t, model.TierWarm, model.KindContent))
	assert.Zero(t, e.count(t, model.TierHot, model.KindContent))
}

func TestStartFlushesOnSignal(t *testing.T) {
	cfg := delta.DefaultConfig()
	cfg.MaxDocsMeta = 1
	e := newEnv(t, cfg)
	e.coord.Start(context.Background())
	defer e.coord.Stop()

	e.delta.UpsertMeta(fileMeta(1, "a.txt", e.now))
	e.delta.UpsertMeta(fileMeta(2, "b.txt", e.now))
	e.coord.Signal()

	require.Eventually(t, func() bool {
		return e.delta.Size().Meta == 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, e.count(t, model.TierHot, model.KindMeta))
}

func TestResetJobs(t *testing.T) {
	gov := StaticGovernor{Default: Budget{MaxFiles: 1}}
	e := newEnv(t, delta.DefaultConfig(), WithGovernor(gov))
	old := e.now.AddDate(0, 0, -40)
	e.putMeta(t, model.TierHot, fileMeta(1, "a.txt", old), fileMeta(2, "b.txt", old))

	_, err := e.coord.Tick(context.Background())
	require.NoError(t, err)
	require.NotZero(t, e.job(t, hotWarmMeta).Cursor)

	require.NoError(t, e.coord.ResetJobs(model.TierWarm))
	j := e.job(t, hotWarmMeta)
	assert.Zero(t, j.Cursor)
	assert.Equal(t, StatePending, j.State)
}
