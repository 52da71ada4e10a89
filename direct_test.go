package imagegate_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	ig "github.com/ineyio/imagegate"
	"github.com/ineyio/imagegate/provider/mock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate_ContentFilterAttemptedOnce(t *testing.T) {
	p := mock.New(mock.WithError(fmt.Errorf("%w: SAFETY", ig.ErrContentFiltered)))

	cfg := ig.DefaultConfig().Batch
	cfg.RetryCount = 5
	s := &sleeper{}
	c, err := ig.NewCoordinator(p, p, cfg, ig.WithSleep(s.Sleep))
	require.NoError(t, err)

	_, err = c.Generate(context.Background(), "forbidden")
	require.ErrorIs(t, err, ig.ErrContentFiltered)
	assert.Equal(t, int64(1), p.CallCount())
	assert.Empty(t, s.Waits())

	var ge *ig.GatewayError
	require.True(t, errors.As(err, &ge))
	assert.Equal(t, 1, ge.Attempts)
	assert.Equal(t, "generate", ge.Op)
}

func TestGenerate_PermanentErrorNotRetried(t *testing.T) {
	p := mock.New(mock.WithError(ig.ErrPermanent))
	c, s := newTestCoordinator(t, p)

	_, err := c.Generate(context.Background(), "x")
	require.ErrorIs(t, err, ig.ErrPermanent)
	assert.Equal(t, int64(1), p.CallCount())
	assert.Empty(t, s.Waits())
}

func TestGenerate_TransientRetriedWithBackoff(t *testing.T) {
	p := mock.New(mock.WithError(fmt.Errorf("%w: 503", ig.ErrTransient)))
	c, s := newTestCoordinator(t, p)

	_, err := c.Generate(context.Background(), "x")
	require.ErrorIs(t, err, ig.ErrTransient)
	assert.Equal(t, int64(3), p.CallCount())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, s.Waits())

	var ge *ig.GatewayError
	require.True(t, errors.As(err, &ge))
	assert.Equal(t, 3, ge.Attempts)
}

func TestGenerate_BackoffIsCapped(t *testing.T) {
	p := mock.New(mock.WithError(ig.ErrTransient))

	cfg := ig.DefaultConfig().Batch
	cfg.RetryCount = 40
	s := &sleeper{}
	c, err := ig.NewCoordinator(p, p, cfg, ig.WithSleep(s.Sleep))
	require.NoError(t, err)

	_, err = c.Generate(context.Background(), "x")
	require.ErrorIs(t, err, ig.ErrTransient)

	waits := s.Waits()
	require.Len(t, waits, 39)
	for i, w := range waits {
		assert.Positive(t, w, "wait %d", i)
		assert.LessOrEqual(t, w, 10*time.Minute, "wait %d", i)
		if i > 0 {
			assert.GreaterOrEqual(t, w, waits[i-1], "wait %d", i)
		}
	}
	assert.Equal(t, 10*time.Minute, waits[len(waits)-1])
}

func TestGenerate_UnclassifiedErrorRetried(t *testing.T) {
	p := mock.New(mock.WithError(errors.New("connection reset")))
	c, _ := newTestCoordinator(t, p)

	_, err := c.Generate(context.Background(), "x")
	require.Error(t, err)
	assert.Equal(t, int64(3), p.CallCount())
}

func TestGenerate_SucceedsAfterTransientFailures(t *testing.T) {
	var calls atomic.Int32
	p := mock.New(mock.WithImageFunc(func(prompt string) ([]byte, error) {
		if calls.Add(1) < 3 {
			return nil, ig.ErrTransient
		}
		return []byte("png"), nil
	}))
	c, s := newTestCoordinator(t, p)

	img, err := c.Generate(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, []byte("png"), img)
	assert.Len(t, s.Waits(), 2)
}

func TestGenerate_CancelledDuringBackoff(t *testing.T) {
	p := mock.New(mock.WithError(ig.ErrTransient))
	ctx, cancel := context.WithCancel(context.Background())

	c, err := ig.NewCoordinator(p, p, ig.DefaultConfig().Batch,
		ig.WithSleep(func(context.Context, time.Duration) error {
			cancel()
			return context.Canceled
		}),
	)
	require.NoError(t, err)

	_, err = c.Generate(ctx, "x")
	require.ErrorIs(t, err, ig.ErrTransient)
	assert.Equal(t, int64(1), p.CallCount())
}

func TestEdit_UsesSourceImage(t *testing.T) {
	p := mock.New()
	c, _ := newTestCoordinator(t, p)

	img, err := c.Edit(context.Background(), "make it blue", []byte("src"))
	require.NoError(t, err)
	assert.Equal(t, mock.Image("make it blue"), img)

	_, err = c.Edit(context.Background(), "make it blue", nil)
	assert.ErrorIs(t, err, ig.ErrPermanent)
}

func TestCompose_ContentFilterAttemptedOnce(t *testing.T) {
	p := mock.New(mock.WithError(fmt.Errorf("%w: SAFETY", ig.ErrContentFiltered)))
	c, s := newTestCoordinator(t, p)

	_, err := c.Compose(context.Background(), "merge", [][]byte{[]byte("a"), []byte("b")})
	require.ErrorIs(t, err, ig.ErrContentFiltered)
	assert.Equal(t, int64(1), p.CallCount())
	assert.Empty(t, s.Waits())

	var ge *ig.GatewayError
	require.True(t, errors.As(err, &ge))
	assert.Equal(t, "compose", ge.Op)
	assert.Equal(t, 1, ge.Attempts)
}

func TestCompose_TransientRetriedWithBackoff(t *testing.T) {
	var calls atomic.Int32
	p := mock.New(mock.WithImageFunc(func(prompt string) ([]byte, error) {
		if calls.Add(1) < 3 {
			return nil, fmt.Errorf("%w: 503", ig.ErrTransient)
		}
		return []byte("composed"), nil
	}))
	c, s := newTestCoordinator(t, p)

	img, err := c.Compose(context.Background(), "merge", [][]byte{[]byte("a"), []byte("b"), []byte("c")})
	require.NoError(t, err)
	assert.Equal(t, []byte("composed"), img)
	assert.Equal(t, int64(3), p.CallCount())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, s.Waits())
}

func TestCompose_RejectsSourceCountWithoutCalling(t *testing.T) {
	p := mock.New()
	c, _ := newTestCoordinator(t, p)

	tests := map[string][][]byte{
		"one":       {[]byte("a")},
		"five":      {[]byte("a"), []byte("b"), []byte("c"), []byte("d"), []byte("e")},
		"empty one": {[]byte("a"), nil},
	}
	for name, sources := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := c.Compose(context.Background(), "merge", sources)
			assert.ErrorIs(t, err, ig.ErrInvalidSources)
		})
	}
	assert.Zero(t, p.CallCount())
}

func TestHandle_RoutesByRequestKind(t *testing.T) {
	spend := ig.NewSpendTracker()
	p := mock.New()
	c, _ := newTestCoordinator(t, p, ig.WithSpendTracker(spend))

	out := c.Handle(context.Background(), ig.GenerationRequest{UserID: "u1", Prompt: "sunset"})
	require.True(t, out.OK())
	assert.Equal(t, mock.Image("sunset"), out.Image)
	assert.InDelta(t, 0.039, out.Cost, 1e-9)

	out = c.Handle(context.Background(), ig.GenerationRequest{UserID: "u1", Prompt: "edit", SourceImage: []byte{1}})
	require.True(t, out.OK())

	out = c.Handle(context.Background(), ig.GenerationRequest{UserID: "u1", Prompt: "merge", Sources: [][]byte{{1}, {2}}})
	require.True(t, out.OK())
	assert.Equal(t, mock.Image("merge"), out.Image)

	out = c.Handle(context.Background(), ig.GenerationRequest{UserID: "u1", Prompt: "merge", Sources: [][]byte{{1}}})
	assert.ErrorIs(t, out.Err, ig.ErrInvalidSources)

	assert.Equal(t, 3, spend.Get("u1").Images)
}

func TestHandle_FailureCarriesError(t *testing.T) {
	p := mock.New(mock.WithError(ig.ErrContentFiltered))
	c, _ := newTestCoordinator(t, p)

	out := c.Handle(context.Background(), ig.GenerationRequest{UserID: "u1", Prompt: "bad"})
	assert.False(t, out.OK())
	assert.Nil(t, out.Image)
	assert.ErrorIs(t, out.Err, ig.ErrContentFiltered)
	assert.Contains(t, ig.UserMessage(out.Err), "content filters")
}
