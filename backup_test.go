package tiersearch_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/tiersearch"
	"github.com/hupe1980/tiersearch/blobstore"
	"github.com/hupe1980/tiersearch/model"
)

func TestBackupRestore(t *testing.T) {
	db, clk := openDB(t)
	ctx := context.Background()
	recent := fileMeta(1, "report.txt", clk.Now())
	old := fileMeta(2, "archive.txt", clk.Now().Add(-40*day))
	require.NoError(t, db.UpsertMeta(ctx, recent))
	require.NoError(t, db.UpsertMeta(ctx, old))

	store := blobstore.NewLocalStore(t.TempDir())
	// Buffered documents are flushed into the snapshot.
	snap, err := db.Backup(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, []string{"hot", "warm", "cold", "state"}, snap.Parts)
	assert.Positive(t, snap.Bytes)

	ids, err := tiersearch.ListSnapshots(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, []string{snap.ID}, ids)

	dir := t.TempDir()
	restored, err := tiersearch.Restore(ctx, store, dir, "")
	require.NoError(t, err)
	assert.Equal(t, snap.ID, restored.ID)

	db2, err := tiersearch.Open(dir, tiersearch.WithConfig(tiersearch.Config{HotDays: 30, WarmDays: 365, EnableCold: true}))
	require.NoError(t, err)
	defer db2.Close()

	h, err := db2.Get(ctx, recent.Key)
	require.NoError(t, err)
	assert.Equal(t, model.TierHot, h.Tier)
	assert.Equal(t, recent, *h.Meta)

	h, err = db2.Get(ctx, old.Key)
	require.NoError(t, err)
	assert.Equal(t, model.TierWarm, h.Tier)

	// A second restore into the same directory is refused.
	_, err = tiersearch.Restore(ctx, store, dir, snap.ID)
	assert.ErrorIs(t, err, tiersearch.ErrInvalidArgument)
}

func TestRestoreMissingSnapshot(t *testing.T) {
	store := blobstore.NewMemoryStore()
	_, err := tiersearch.Restore(context.Background(), store, t.TempDir(), "")
	assert.ErrorIs(t, err, tiersearch.ErrNotFound)
}

func TestBackupClosed(t *testing.T) {
	db, _ := openDB(t)
	require.NoError(t, db.Close())
	_, err := db.Backup(context.Background(), blobstore.NewMemoryStore())
	assert.ErrorIs(t, err, tiersearch.ErrClosed)
}
