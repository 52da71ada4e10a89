package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ig "github.com/ineyio/imagegate"
	"github.com/ineyio/imagegate/gallery/sqlite"
	"github.com/ineyio/imagegate/provider/mock"
	"github.com/ineyio/imagegate/server"
	"github.com/ineyio/imagegate/store/memory"
)

type envelope struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
	Error  struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type testServer struct {
	srv     *httptest.Server
	limiter *ig.RateLimiter
}

func newTestServer(t *testing.T, p *mock.Provider) *testServer {
	t.Helper()
	cfg := ig.DefaultConfig()
	cfg.Batch.MaxBatchSize = 3

	coord, err := ig.NewCoordinator(p, p, cfg.Batch,
		ig.WithJobStore(memory.New()),
		ig.WithSpendTracker(ig.NewSpendTracker()),
		ig.WithSleep(func(ctx context.Context, _ time.Duration) error { return ctx.Err() }),
	)
	require.NoError(t, err)

	limiter := ig.NewRateLimiter(ig.RateLimitConfig{MaxRequests: 2, WindowHours: 1, CleanupIntervalSeconds: 3600})

	g, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "gallery.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Close() })

	h := server.New(coord, limiter,
		server.WithGallery(g),
		server.WithBatchLimits(cfg.Limits()),
	)
	srv := httptest.NewServer(h.Routes())
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, limiter: limiter}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) (*http.Response, envelope) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, reader)
	require.NoError(t, err)
	resp, err := ts.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp, env
}

func TestGenerate(t *testing.T) {
	ts := newTestServer(t, mock.New())

	resp, env := ts.do(t, http.MethodPost, "/v1/generate", map[string]any{"user_id": "u1", "prompt": "  a red   fox "})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		WorkID string  `json:"work_id"`
		Image  []byte  `json:"image"`
		Cost   float64 `json:"cost"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &out))
	assert.Equal(t, mock.Image("a red fox"), out.Image)
	assert.InDelta(t, 0.039, out.Cost, 1e-9)
	assert.NotEmpty(t, out.WorkID)

	_, env = ts.do(t, http.MethodGet, "/v1/users/u1/stats", nil)
	var stats struct {
		TotalGenerations int     `json:"total_generations"`
		TodayImages      int     `json:"today_images"`
		TodayCost        float64 `json:"today_cost"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &stats))
	assert.Equal(t, 1, stats.TotalGenerations)
	assert.Equal(t, 1, stats.TodayImages)
	assert.InDelta(t, 0.039, stats.TodayCost, 1e-9)
}

func TestGenerate_InvalidPromptDoesNotUseSlot(t *testing.T) {
	ts := newTestServer(t, mock.New())

	resp, env := ts.do(t, http.MethodPost, "/v1/generate", map[string]any{"user_id": "u1", "prompt": "something nsfw"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_input", env.Error.Code)
	assert.Equal(t, 0, ts.limiter.UserStatus("u1").Used)

	resp, env = ts.do(t, http.MethodPost, "/v1/generate", map[string]any{"prompt": "fox"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_input", env.Error.Code)
}

func TestGenerate_RateLimitAndReset(t *testing.T) {
	ts := newTestServer(t, mock.New())
	body := map[string]any{"user_id": "u1", "prompt": "fox"}

	for range 2 {
		resp, _ := ts.do(t, http.MethodPost, "/v1/generate", body)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	resp, env := ts.do(t, http.MethodPost, "/v1/generate", body)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "rate_limited", env.Error.Code)
	assert.Equal(t, ig.UserMessage(ig.ErrRateLimitExceeded), env.Error.Message)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))

	_, env = ts.do(t, http.MethodGet, "/v1/users/u1/limit", nil)
	var st struct {
		Limited        bool     `json:"limited"`
		Used           int      `json:"used"`
		ResetInSeconds *float64 `json:"reset_in_seconds"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &st))
	assert.True(t, st.Limited)
	assert.Equal(t, 2, st.Used)
	require.NotNil(t, st.ResetInSeconds)

	_, env = ts.do(t, http.MethodDelete, "/v1/users/u1/limit", nil)
	assert.JSONEq(t, `{"reset":true}`, string(env.Data))

	resp, _ = ts.do(t, http.MethodPost, "/v1/generate", body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCompose(t *testing.T) {
	ts := newTestServer(t, mock.New())

	resp, env := ts.do(t, http.MethodPost, "/v1/compose", map[string]any{
		"user_id": "u1",
		"prompt":  "cat and dog on a sofa",
		"images":  [][]byte{[]byte("cat"), []byte("dog")},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		WorkID string `json:"work_id"`
		Image  []byte `json:"image"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &out))
	assert.Equal(t, mock.Image("cat and dog on a sofa"), out.Image)
	assert.NotEmpty(t, out.WorkID)

	_, env = ts.do(t, http.MethodGet, "/v1/users/u1/works", nil)
	var works []struct {
		Kind string `json:"kind"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &works))
	require.Len(t, works, 1)
	assert.Equal(t, "compose", works[0].Kind)
}

func TestCompose_BadImageCountDoesNotUseSlot(t *testing.T) {
	ts := newTestServer(t, mock.New())

	for _, images := range [][][]byte{
		nil,
		{[]byte("a")},
		{[]byte("a"), []byte("b"), []byte("c"), []byte("d"), []byte("e")},
	} {
		resp, env := ts.do(t, http.MethodPost, "/v1/compose", map[string]any{
			"user_id": "u1",
			"prompt":  "merge",
			"images":  images,
		})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "invalid_input", env.Error.Code)
	}
	assert.Equal(t, 0, ts.limiter.UserStatus("u1").Used)
}

func TestGenerate_ContentFiltered(t *testing.T) {
	ts := newTestServer(t, mock.New(mock.WithPromptError("a castle", ig.ErrContentFiltered)))

	resp, env := ts.do(t, http.MethodPost, "/v1/generate", map[string]any{"user_id": "u1", "prompt": "a castle"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "content_filtered", env.Error.Code)
}

type jobResponse struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	Succeeded int    `json:"succeeded"`
	Results   []struct {
		Prompt    string `json:"prompt"`
		Image     []byte `json:"image"`
		ErrorKind string `json:"error_kind"`
	} `json:"results"`
}

func TestBatch_SubmitAndLookup(t *testing.T) {
	ts := newTestServer(t, mock.New(
		mock.WithReversedResults(),
		mock.WithPromptError("owl", ig.ErrContentFiltered),
	))

	resp, env := ts.do(t, http.MethodPost, "/v1/batches", map[string]any{
		"user_id": "u1",
		"prompts": []string{"fox", "owl", "cat"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var job jobResponse
	require.NoError(t, json.Unmarshal(env.Data, &job))
	assert.Equal(t, "completed", job.Status)
	assert.Equal(t, 2, job.Succeeded)
	require.Len(t, job.Results, 3)
	assert.Equal(t, "fox", job.Results[0].Prompt)
	assert.Equal(t, mock.Image("fox"), job.Results[0].Image)
	assert.Equal(t, "content_filtered", job.Results[1].ErrorKind)
	assert.Equal(t, mock.Image("cat"), job.Results[2].Image)

	_, env = ts.do(t, http.MethodGet, "/v1/batches/"+job.ID, nil)
	var stored jobResponse
	require.NoError(t, json.Unmarshal(env.Data, &stored))
	assert.Equal(t, "completed", stored.Status)
	assert.Nil(t, stored.Results[0].Image)

	_, env = ts.do(t, http.MethodGet, "/v1/users/u1/batches", nil)
	var list []jobResponse
	require.NoError(t, json.Unmarshal(env.Data, &list))
	require.Len(t, list, 1)
	assert.Equal(t, job.ID, list[0].ID)

	_, env = ts.do(t, http.MethodGet, "/v1/users/u1/works", nil)
	var works []struct {
		Kind  string `json:"kind"`
		JobID string `json:"job_id"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &works))
	require.Len(t, works, 2)
	assert.Equal(t, "batch", works[0].Kind)
	assert.Equal(t, job.ID, works[0].JobID)
}

func TestBatch_Errors(t *testing.T) {
	ts := newTestServer(t, mock.New())

	resp, env := ts.do(t, http.MethodPost, "/v1/batches", map[string]any{
		"user_id": "u1",
		"prompts": []string{"a", "b", "c", "d"},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_input", env.Error.Code)

	resp, _ = ts.do(t, http.MethodPost, "/v1/batches", map[string]any{
		"user_id": "u1",
		"prompts": []string{},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Rejected sizes never take a slot.
	assert.Equal(t, 0, ts.limiter.UserStatus("u1").Used)

	resp, env = ts.do(t, http.MethodGet, "/v1/batches/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", env.Error.Code)

	resp, _ = ts.do(t, http.MethodGet, "/v1/users/u1/batches?limit=0", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBatchLimits(t *testing.T) {
	ts := newTestServer(t, mock.New())

	_, env := ts.do(t, http.MethodGet, "/v1/batches/limits", nil)
	var limits struct {
		MaxBatchSize   int     `json:"max_batch_size"`
		CostPerImage   float64 `json:"cost_per_image"`
		SavingsPercent float64 `json:"savings_percent"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &limits))
	assert.Equal(t, 3, limits.MaxBatchSize)
	assert.InDelta(t, 0.0195, limits.CostPerImage, 1e-9)
	assert.InDelta(t, 50.0, limits.SavingsPercent, 1e-9)
}
