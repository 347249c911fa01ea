package migration

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/tiersearch/internal/tier"
	"github.com/hupe1980/tiersearch/model"
)

func TestStateStorePersistsJobs(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenStateStore(dir, false, nil)
	require.NoError(t, err)

	j := &Job{
		Source:    model.TierWarm,
		Dest:      model.TierCold,
		Kind:      model.KindContent,
		Cursor:    model.NewDocKey(3, 99),
		Pending:   7,
		State:     StateDeleting,
		Attempts:  2,
		LastError: "disk full",
	}
	require.NoError(t, s.Save(j))
	assert.False(t, j.UpdatedAt.IsZero())
	require.NoError(t, s.Save(&Job{Source: model.TierHot, Dest: model.TierWarm}))
	require.NoError(t, s.Close())

	s, err = OpenStateStore(dir, false, nil)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Load("content:warm->cold")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, j.Cursor, got.Cursor)
	assert.Equal(t, StateDeleting, got.State)
	assert.Equal(t, 7, got.Pending)
	assert.Equal(t, 2, got.Attempts)
	assert.Equal(t, "disk full", got.LastError)
	assert.WithinDuration(t, j.UpdatedAt, got.UpdatedAt, time.Microsecond)
	assert.True(t, got.Active())

	jobs, err := s.List()
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "content:warm->cold", jobs[0].ID())
	assert.Equal(t, "meta:hot->warm", jobs[1].ID())
}

func TestStateStoreLoadMissing(t *testing.T) {
	s, err := OpenStateStore("", true, nil)
	require.NoError(t, err)
	defer s.Close()

	j, err := s.Load("meta:hot->warm")
	require.NoError(t, err)
	assert.Nil(t, j)
}

func TestStateStoreBackupRestores(t *testing.T) {
	s, err := OpenStateStore("", true, nil)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Save(&Job{Source: model.TierHot, Dest: model.TierWarm, Cursor: model.NewDocKey(1, 5), State: StateCopying}))

	var buf bytes.Buffer
	require.NoError(t, s.Backup(&buf))

	dir := filepath.Join(t.TempDir(), "state")
	require.NoError(t, tier.LoadBadger(dir, &buf, nil))
	restored, err := OpenStateStore(dir, false, nil)
	require.NoError(t, err)
	defer restored.Close()

	j, err := restored.Load("meta:hot->warm")
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, model.NewDocKey(1, 5), j.Cursor)
	assert.Equal(t, StateCopying, j.State)
}

func TestUnmarshalJobRejectsCorruption(t *testing.T) {
	data := marshalJob(&Job{Source: model.TierHot, Dest: model.TierWarm, LastError: "x"})
	data[len(data)-1] ^= 0xFF
	_, err := unmarshalJob(data)
	assert.ErrorIs(t, err, tier.ErrCorrupt)

	_, err = unmarshalJob([]byte{jobVersion})
	assert.ErrorIs(t, err, tier.ErrCorrupt)
}
