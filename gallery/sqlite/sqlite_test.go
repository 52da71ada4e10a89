package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/imagegate/gallery"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "data", "gallery.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

var epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func TestAddWork_ComposeCountsAsEdit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	w := gallery.Work{ID: "w1", UserID: "u1", Prompt: "merge", Kind: gallery.KindCompose, Cost: 0.039, CreatedAt: epoch}
	require.NoError(t, s.AddWork(ctx, w))

	st, err := s.Stats(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, st.TotalGenerations)
	assert.Equal(t, 1, st.TotalEdits)

	got, err := s.Work(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, gallery.KindCompose, got.Kind)
}

func TestAddWork_UpdatesStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	works := []gallery.Work{
		{ID: "w1", UserID: "u1", Prompt: "fox", Kind: gallery.KindCreate, Cost: 0.039, Image: []byte("a"), CreatedAt: epoch},
		{ID: "w2", UserID: "u1", Prompt: "fox with hat", Kind: gallery.KindEdit, ParentID: "w1", Cost: 0.039, CreatedAt: epoch.Add(time.Minute)},
		{ID: "w3", UserID: "u1", Prompt: "owl", Kind: gallery.KindBatch, JobID: "j1", Cost: 0.0195, Saved: 0.0195, CreatedAt: epoch.Add(2 * time.Minute)},
		{ID: "w4", UserID: "u2", Prompt: "cat", Kind: gallery.KindCreate, Cost: 0.039, CreatedAt: epoch},
	}
	for _, w := range works {
		require.NoError(t, s.AddWork(ctx, w))
	}

	st, err := s.Stats(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, st.TotalGenerations)
	assert.Equal(t, 1, st.TotalEdits)
	assert.Equal(t, 1, st.TotalBatches)
	assert.InDelta(t, 0.0975, st.TotalCost, 1e-9)
	assert.InDelta(t, 0.0195, st.TotalSavings, 1e-9)
	assert.Equal(t, epoch, st.FirstGeneration)
	assert.Equal(t, epoch.Add(2*time.Minute), st.LastGeneration)

	got, err := s.Work(ctx, "w2")
	require.NoError(t, err)
	assert.Equal(t, "w1", got.ParentID)
	assert.Equal(t, gallery.KindEdit, got.Kind)
	assert.Empty(t, got.JobID)
}

func TestRecentWorks_NewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.AddWork(ctx, gallery.Work{
			ID: id, UserID: "u1", Prompt: id, Kind: gallery.KindCreate,
			CreatedAt: epoch.Add(time.Duration(i) * time.Second),
		}))
	}

	works, err := s.RecentWorks(ctx, "u1", 2)
	require.NoError(t, err)
	require.Len(t, works, 2)
	assert.Equal(t, "c", works[0].ID)
	assert.Equal(t, "b", works[1].ID)
}

func TestUnknownUserAndWork(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	st, err := s.Stats(ctx, "nobody")
	require.NoError(t, err)
	assert.Equal(t, gallery.Stats{UserID: "nobody"}, st)

	_, err = s.Work(ctx, "missing")
	assert.ErrorIs(t, err, gallery.ErrWorkNotFound)
}

func TestDuplicateWorkLeavesStatsUntouched(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	w := gallery.Work{ID: "w1", UserID: "u1", Prompt: "fox", Kind: gallery.KindCreate, Cost: 0.039, CreatedAt: epoch}
	require.NoError(t, s.AddWork(ctx, w))
	require.Error(t, s.AddWork(ctx, w))

	st, err := s.Stats(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, st.TotalGenerations)
}
