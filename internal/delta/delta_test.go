package delta

import (
	"context"
	"maps"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/tiersearch/model"
	"github.com/hupe1980/tiersearch/query"
)

func meta(id uint64, name string) model.FileMeta {
	return model.FileMeta{
		Key:      model.NewDocKey(1, model.FileID(id)),
		Name:     name,
		Path:     "/data/" + name,
		Modified: time.Now(),
		Volume:   1,
	}
}

func TestFlushSignalOnThirdInsert(t *testing.T) {
	signals := 0
	idx := New(Config{MaxDocsMeta: 2}, WithFlushSignal(func() { signals++ }))

	idx.UpsertMeta(meta(1, "a.txt"))
	idx.UpsertMeta(meta(2, "b.txt"))
	assert.Equal(t, 0, signals)
	idx.UpsertMeta(meta(3, "c.txt"))
	assert.Equal(t, 1, signals)
	assert.True(t, idx.FlushDue())
}

func TestFlushSignalOnContentBytes(t *testing.T) {
	signals := 0
	idx := New(Config{MaxTotalBytesContent: 10}, WithFlushSignal(func() { signals++ }))

	idx.UpsertContent(model.ContentDoc{Key: 1, Text: "short"})
	assert.Equal(t, 0, signals)
	idx.UpsertContent(model.ContentDoc{Key: 2, Text: "longer text"})
	assert.Equal(t, 1, signals)
	assert.Equal(t, int64(16), idx.Size().ContentBytes)
}

func TestFlushDueAfterInterval(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	idx := New(Config{FlushInterval: time.Minute}, WithClock(func() time.Time { return now }))

	assert.False(t, idx.FlushDue(), "empty delta is never due")
	idx.UpsertMeta(meta(1, "a.txt"))
	assert.False(t, idx.FlushDue())
	now = now.Add(time.Minute)
	assert.True(t, idx.FlushDue())
}

func TestStampsAreMonotonic(t *testing.T) {
	fixed := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	idx := New(DefaultConfig(), WithClock(func() time.Time { return fixed }))

	s1 := idx.UpsertMeta(meta(1, "a.txt"))
	s2 := idx.UpsertMeta(meta(1, "a.txt"))
	s3 := idx.Delete(model.NewDocKey(1, 1))
	assert.Less(t, s1, s2)
	assert.Less(t, s2, s3)
}

func TestUpdateReplacesVisibleVersion(t *testing.T) {
	ctx := context.Background()
	idx := New(DefaultConfig())
	idx.UpsertMeta(meta(1, "draft.txt"))
	idx.UpsertMeta(meta(1, "final.txt"))

	r := idx.Reader()
	scores, err := r.Search(ctx, query.FieldName, "draft", query.Exact)
	require.NoError(t, err)
	assert.Empty(t, scores)
	scores, err = r.Search(ctx, query.FieldName, "final", query.Exact)
	require.NoError(t, err)
	assert.Len(t, scores, 1)

	n, err := r.Count(model.KindMeta)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestDeleteLeavesTombstone(t *testing.T) {
	ctx := context.Background()
	idx := New(DefaultConfig())
	key := model.NewDocKey(1, 1)
	idx.UpsertMeta(meta(1, "a.txt"))
	idx.UpsertContent(model.ContentDoc{Key: key, Text: "hello"})
	idx.Delete(key)

	r := idx.Reader()
	got, err := r.Meta(key)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.True(t, r.MetaDeleted(key))
	assert.True(t, r.Tombstones(model.KindMeta).Contains(uint64(key)))
	assert.True(t, r.Tombstones(model.KindContent).Contains(uint64(key)))

	scores, err := r.Search(ctx, query.FieldContent, "hello", query.Exact)
	require.NoError(t, err)
	assert.Empty(t, scores)

	all, err := r.AllKeys(ctx, model.KindMeta)
	require.NoError(t, err)
	assert.True(t, all.IsEmpty())
}

func TestFreezeKeepsEntriesVisibleUntilDrop(t *testing.T) {
	ctx := context.Background()
	idx := New(DefaultConfig())
	idx.UpsertMeta(meta(1, "report.txt"))
	idx.UpsertMeta(meta(2, "notes.txt"))

	frozen := idx.Freeze()
	require.Len(t, frozen, 1)

	// New writes land in the fresh active buffer.
	idx.UpsertMeta(meta(3, "report_v2.txt"))

	r := idx.Reader()
	scores, err := r.Search(ctx, query.FieldName, "report", query.Exact)
	require.NoError(t, err)
	assert.Len(t, scores, 2)

	metaEntries, contentEntries := idx.Entries(frozen[0])
	require.Len(t, metaEntries, 2)
	assert.Empty(t, contentEntries)
	assert.Equal(t, model.NewDocKey(1, 1), metaEntries[0].Key)

	genBefore := idx.Generation()
	idx.Drop(frozen[0], []model.DocKey{metaEntries[0].Key, metaEntries[1].Key}, nil)
	assert.Greater(t, idx.Generation(), genBefore)

	size := idx.Size()
	assert.Equal(t, 1, size.Meta)
	assert.Equal(t, 0, size.Frozen)

	r = idx.Reader()
	scores, err = r.Search(ctx, query.FieldName, "report", query.Exact)
	require.NoError(t, err)
	assert.Len(t, scores, 1)
}

func TestDropRevealsOlderFrozenVersion(t *testing.T) {
	idx := New(DefaultConfig())
	idx.UpsertMeta(meta(1, "old.txt"))
	first := idx.Freeze()[0]
	idx.UpsertMeta(meta(1, "new.txt"))
	frozen := idx.Freeze()
	require.Len(t, frozen, 2)

	// Dropping the newer entry first must fall back to the older buffered version.
	idx.Drop(frozen[1], []model.DocKey{model.NewDocKey(1, 1)}, nil)
	got, err := idx.Reader().Meta(model.NewDocKey(1, 1))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "old.txt", got.Name)

	idx.Drop(first, []model.DocKey{model.NewDocKey(1, 1)}, nil)
	got, err = idx.Reader().Meta(model.NewDocKey(1, 1))
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestScanMetaFromCursor(t *testing.T) {
	idx := New(DefaultConfig())
	for i := uint64(1); i <= 4; i++ {
		idx.UpsertMeta(meta(i, "f.txt"))
	}
	idx.Delete(model.NewDocKey(1, 3))

	var keys []model.DocKey
	err := idx.Reader().ScanMeta(context.Background(), model.NewDocKey(1, 2), func(m *model.StoredMeta) bool {
		keys = append(keys, m.Key)
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, []model.DocKey{model.NewDocKey(1, 2), model.NewDocKey(1, 4)}, keys)
}

func TestUpsertNormalizesTimesToUTC(t *testing.T) {
	loc := time.FixedZone("x", 3600)
	idx := New(DefaultConfig())
	m := meta(1, "a.txt")
	m.Modified = time.Date(2025, 1, 1, 12, 0, 0, 0, loc)
	idx.UpsertMeta(m)

	got, err := idx.Reader().Meta(m.Key)
	require.NoError(t, err)
	assert.Equal(t, time.UTC, got.Modified.Location())
	assert.True(t, got.Modified.Equal(m.Modified))
}

func TestReaderIsSnapshot(t *testing.T) {
	ctx := context.Background()
	idx := New(DefaultConfig())
	idx.UpsertMeta(meta(1, "report.txt"))
	r := idx.Reader()

	idx.UpsertMeta(meta(2, "report_v2.txt"))
	frozen := idx.Freeze()
	require.Len(t, frozen, 1)
	idx.Drop(frozen[0], []model.DocKey{model.NewDocKey(1, 1), model.NewDocKey(1, 2)}, nil)
	assert.Equal(t, 0, idx.Size().Meta)

	got, err := r.Meta(model.NewDocKey(1, 1))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "report.txt", got.Name)
	assert.True(t, r.Shadow(model.KindMeta).Contains(uint64(model.NewDocKey(1, 1))))
	assert.False(t, r.Shadow(model.KindMeta).Contains(uint64(model.NewDocKey(1, 2))))

	scores, err := r.Search(ctx, query.FieldName, "report", query.Exact)
	require.NoError(t, err)
	assert.Equal(t, []model.DocKey{model.NewDocKey(1, 1)}, slices.Collect(maps.Keys(scores)))

	fresh, err := idx.Reader().Search(ctx, query.FieldName, "report", query.Exact)
	require.NoError(t, err)
	assert.Empty(t, fresh)
}

func TestEntriesAfterPartialDrop(t *testing.T) {
	idx := New(DefaultConfig())
	idx.UpsertMeta(meta(1, "a.txt"))
	idx.UpsertMeta(meta(2, "b.txt"))
	b := idx.Freeze()[0]

	idx.Drop(b, []model.DocKey{model.NewDocKey(1, 1)}, nil)
	metaEntries, _ := idx.Entries(b)
	require.Len(t, metaEntries, 1)
	assert.Equal(t, model.NewDocKey(1, 2), metaEntries[0].Key)
	assert.Equal(t, 1, idx.Size().Frozen)
}
