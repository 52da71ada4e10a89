package gallery_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ig "github.com/ineyio/imagegate"
	"github.com/ineyio/imagegate/gallery"
)

var epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type recordingStore struct {
	works []gallery.Work
	fail  error
}

func (s *recordingStore) AddWork(_ context.Context, w gallery.Work) error {
	if s.fail != nil {
		return s.fail
	}
	s.works = append(s.works, w)
	return nil
}

func (s *recordingStore) Work(context.Context, string) (gallery.Work, error) {
	return gallery.Work{}, gallery.ErrWorkNotFound
}

func (s *recordingStore) RecentWorks(context.Context, string, int) ([]gallery.Work, error) {
	return s.works, nil
}

func (s *recordingStore) Stats(_ context.Context, userID string) (gallery.Stats, error) {
	return gallery.Stats{UserID: userID}, nil
}

func completedJob(t *testing.T) *ig.BatchJob {
	t.Helper()
	job := ig.NewBatchJob("u1", []string{"a", "b", "c"}, epoch)
	require.NoError(t, job.MarkSubmitted("batches/1", epoch))
	require.NoError(t, job.Transition(ig.JobPolling, epoch))
	require.NoError(t, job.Complete([]ig.Outcome{
		{RequestID: job.RequestIDs[0], Prompt: "a", Image: []byte("A"), Cost: 0.0195},
		{RequestID: job.RequestIDs[1], Prompt: "b", Err: ig.ErrContentFiltered},
		{RequestID: job.RequestIDs[2], Prompt: "c", Image: []byte("C"), Cost: 0.0195},
	}, epoch.Add(time.Minute)))
	return job
}

func TestWorksFromJob_SkipsFailures(t *testing.T) {
	job := completedJob(t)
	works := gallery.WorksFromJob(job, ig.DefaultPricing())

	require.Len(t, works, 2)
	assert.Equal(t, "a", works[0].Prompt)
	assert.Equal(t, "c", works[1].Prompt)
	for _, w := range works {
		assert.Equal(t, gallery.KindBatch, w.Kind)
		assert.Equal(t, job.ID, w.JobID)
		assert.InDelta(t, 0.0195, w.Saved, 1e-9)
		assert.Equal(t, job.CompletedAt, w.CreatedAt)
		assert.NotEmpty(t, w.ID)
	}
}

func TestAddJob(t *testing.T) {
	s := &recordingStore{}
	n, err := gallery.AddJob(context.Background(), s, completedJob(t), ig.DefaultPricing())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, s.works, 2)

	s = &recordingStore{fail: errors.New("disk full")}
	n, err = gallery.AddJob(context.Background(), s, completedJob(t), ig.DefaultPricing())
	assert.Error(t, err)
	assert.Equal(t, 0, n)
}

func TestNewWork_Kind(t *testing.T) {
	out := ig.Outcome{Prompt: "fox", Image: []byte("x"), Cost: 0.039}

	w := gallery.NewWork(ig.GenerationRequest{UserID: "u1", Prompt: "fox"}, out, epoch)
	assert.Equal(t, gallery.KindCreate, w.Kind)
	assert.Equal(t, "u1", w.UserID)

	w = gallery.NewWork(ig.GenerationRequest{UserID: "u1", Prompt: "fox", SourceImage: []byte("s")}, out, epoch)
	assert.Equal(t, gallery.KindEdit, w.Kind)

	w = gallery.NewWork(ig.GenerationRequest{UserID: "u1", Prompt: "fox", Sources: [][]byte{[]byte("a"), []byte("b")}}, out, epoch)
	assert.Equal(t, gallery.KindCompose, w.Kind)
}
