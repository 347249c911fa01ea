package blobstore

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T, store Store) {
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "snapshots/a/MANIFEST", strings.NewReader("manifest")))
	require.NoError(t, store.Put(ctx, "snapshots/a/hot.zst", strings.NewReader("hot")))
	require.NoError(t, store.Put(ctx, "CURRENT", strings.NewReader("a")))

	r, err := store.Get(ctx, "snapshots/a/hot.zst")
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.Equal(t, "hot", string(data))

	// Overwrite replaces the content.
	require.NoError(t, store.Put(ctx, "CURRENT", strings.NewReader("b")))
	r, err = store.Get(ctx, "CURRENT")
	require.NoError(t, err)
	data, _ = io.ReadAll(r)
	_ = r.Close()
	assert.Equal(t, "b", string(data))

	names, err := store.List(ctx, "snapshots/")
	require.NoError(t, err)
	assert.Equal(t, []string{"snapshots/a/MANIFEST", "snapshots/a/hot.zst"}, names)

	all, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	require.NoError(t, store.Delete(ctx, "snapshots/a/hot.zst"))
	require.NoError(t, store.Delete(ctx, "snapshots/a/hot.zst"))

	_, err = store.Get(ctx, "snapshots/a/hot.zst")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocalStore(t *testing.T) {
	testStore(t, NewLocalStore(t.TempDir()))
}

func TestMemoryStore(t *testing.T) {
	testStore(t, NewMemoryStore())
}

func TestLocalStore_ListMissingRoot(t *testing.T) {
	store := NewLocalStore(filepath.Join(t.TempDir(), "missing"))
	names, err := store.List(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, names)
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("boom") }

func TestLocalStore_FailedPutLeavesNothing(t *testing.T) {
	dir := t.TempDir()
	store := NewLocalStore(dir)
	ctx := context.Background()

	require.Error(t, store.Put(ctx, "part", io.MultiReader(strings.NewReader("partial"), failingReader{})))

	_, err := store.Get(ctx, "part")
	assert.ErrorIs(t, err, ErrNotFound)
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
