package history

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/segmentio/ksuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mohaanymo/m3u8keeper/internal/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "db", "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newJob(name string) models.DownloadJob {
	return models.DownloadJob{
		ID:        ksuid.New().String(),
		URL:       "https://cdn.example.com/" + name + "/index.m3u8",
		Name:      name,
		StartedAt: time.UnixMilli(1_700_000_000_000),
	}
}

func TestStore_RecordCompletedAndFailed(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ok := newJob("ok")
	require.NoError(t, s.Record(ctx, ok, &models.Result{
		JobID:    ok.ID,
		Name:     "ok.ts",
		Location: "/tmp/ok.ts",
		Format:   models.FormatTS,
		Size:     60,
		FellBack: true,
	}, nil))

	bad := newJob("bad")
	require.NoError(t, s.Record(ctx, bad, nil, errors.New("fetch segment 1: network error")))

	got, err := s.Get(ctx, ok.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StageCompleted, got.Stage)
	assert.Equal(t, "ok.ts", got.Name)
	assert.Equal(t, models.FormatTS, got.Format)
	assert.EqualValues(t, 60, got.Size)
	assert.True(t, got.FellBack)
	assert.True(t, got.StartedAt.Equal(ok.StartedAt))

	got, err = s.Get(ctx, bad.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StageFailed, got.Stage)
	assert.Contains(t, got.Error, "network error")
	assert.Empty(t, got.Location)
}

func TestStore_ListMostRecentFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	clock := time.UnixMilli(1_700_000_000_000)
	s.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}

	var ids []string
	for _, name := range []string{"a", "b", "c"} {
		job := newJob(name)
		ids = append(ids, job.ID)
		require.NoError(t, s.Record(ctx, job, nil, nil))
	}

	entries, err := s.List(ctx, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, ids[2], entries[0].ID)
	assert.Equal(t, ids[1], entries[1].ID)

	all, err := s.List(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestStore_GetUnknown(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOpen_MigrationsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Record(context.Background(), newJob("x"), nil, nil))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	entries, err := s.List(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
