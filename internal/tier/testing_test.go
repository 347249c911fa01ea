package tier

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hupe1980/tiersearch/model"
)

func newTestStore(t *testing.T, cold bool) *Store {
	t.Helper()
	s, err := Open(context.Background(), Config{InMemory: true, EnableCold: cold}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testMeta(id uint64, name string, modified time.Time) *model.StoredMeta {
	key := model.NewDocKey(1, model.FileID(id))
	return &model.StoredMeta{FileMeta: model.FileMeta{
		Key:      key,
		Name:     name,
		Path:     "/data/" + name,
		Ext:      "txt",
		Size:     100 * id,
		Modified: modified.UTC(),
		Created:  modified.UTC(),
		Volume:   1,
	}}
}
