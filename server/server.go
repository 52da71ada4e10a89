// Package server exposes the rate limiter and batch coordinator over HTTP
// for a chat front-end.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ineyio/imagegate"
	"github.com/ineyio/imagegate/gallery"
	"github.com/ineyio/imagegate/prompt"
)

var errBadRequest = errors.New("server: bad request")

// Handler serves the imagegate HTTP API.
type Handler struct {
	coord   *imagegate.Coordinator
	limiter *imagegate.RateLimiter
	gallery gallery.Store
	limits  imagegate.BatchLimits
	prompts prompt.Options
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures Handler.
type Option func(*Handler)

// WithGallery stores every produced image and serves user stats from it.
func WithGallery(g gallery.Store) Option {
	return func(h *Handler) { h.gallery = g }
}

// WithBatchLimits sets what GET /v1/batches/limits reports.
func WithBatchLimits(l imagegate.BatchLimits) Option {
	return func(h *Handler) { h.limits = l }
}

// WithPromptOptions sets prompt validation options.
func WithPromptOptions(o prompt.Options) Option {
	return func(h *Handler) { h.prompts = o }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

// WithClock overrides the time source used to stamp gallery works.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

// New creates a Handler.
func New(coord *imagegate.Coordinator, limiter *imagegate.RateLimiter, opts ...Option) *Handler {
	h := &Handler{
		coord:   coord,
		limiter: limiter,
		prompts: prompt.Options{ContentFilter: true},
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	if h.now == nil {
		h.now = time.Now
	}
	return h
}

// Routes returns the HTTP router.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { writeSuccess(w, http.StatusOK, "ok") })
	r.Route("/v1", func(r chi.Router) {
		r.Post("/generate", h.generate)
		r.Post("/compose", h.compose)
		r.Post("/batches", h.submitBatch)
		r.Get("/batches/limits", h.batchLimits)
		r.Get("/batches/{job_id}", h.getBatch)
		r.Get("/users/{user_id}/batches", h.listBatches)
		r.Get("/users/{user_id}/limit", h.limitStatus)
		r.Delete("/users/{user_id}/limit", h.resetLimit)
		r.Get("/users/{user_id}/stats", h.stats)
		r.Get("/users/{user_id}/works", h.works)
	})
	return r
}

type generateRequest struct {
	UserID      string `json:"user_id"`
	Prompt      string `json:"prompt"`
	SourceImage []byte `json:"source_image,omitempty"`
}

type generateResponse struct {
	WorkID string  `json:"work_id,omitempty"`
	Image  []byte  `json:"image"`
	Cost   float64 `json:"cost"`
}

type composeRequest struct {
	UserID string   `json:"user_id"`
	Prompt string   `json:"prompt"`
	Images [][]byte `json:"images"`
}

type batchRequest struct {
	UserID  string   `json:"user_id"`
	Prompts []string `json:"prompts"`
}

func (h *Handler) generate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := requireUser(req.UserID); err != nil {
		writeError(w, r, err)
		return
	}
	text, err := h.cleanPrompt(req.Prompt)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !h.admit(w, r, req.UserID) {
		return
	}

	h.serveDirect(w, r, imagegate.GenerationRequest{
		UserID:      req.UserID,
		Prompt:      text,
		SourceImage: req.SourceImage,
		SubmittedAt: h.now(),
	})
}

// compose combines two to four images. Sources are checked before a slot
// is taken.
func (h *Handler) compose(w http.ResponseWriter, r *http.Request) {
	var req composeRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := requireUser(req.UserID); err != nil {
		writeError(w, r, err)
		return
	}
	text, err := h.cleanPrompt(req.Prompt)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := imagegate.ValidateSources(req.Images); err != nil {
		writeError(w, r, err)
		return
	}
	if !h.admit(w, r, req.UserID) {
		return
	}

	h.serveDirect(w, r, imagegate.GenerationRequest{
		UserID:      req.UserID,
		Prompt:      text,
		Sources:     req.Images,
		SubmittedAt: h.now(),
	})
}

// serveDirect runs an admitted request through the direct path and records
// the result in the gallery.
func (h *Handler) serveDirect(w http.ResponseWriter, r *http.Request, genReq imagegate.GenerationRequest) {
	out := h.coord.Handle(r.Context(), genReq)
	if out.Err != nil {
		writeError(w, r, out.Err)
		return
	}

	resp := generateResponse{Image: out.Image, Cost: out.Cost}
	if h.gallery != nil {
		work := gallery.NewWork(genReq, out, h.now())
		if err := h.gallery.AddWork(r.Context(), work); err != nil {
			h.logger.Error("saving work failed", "user", genReq.UserID, "error", err)
		} else {
			resp.WorkID = work.ID
		}
	}
	writeSuccess(w, http.StatusOK, resp)
}

// submitBatch runs a whole batch inside the request. One batch takes one
// rate limit slot.
func (h *Handler) submitBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := requireUser(req.UserID); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.coord.CheckBatchSize(len(req.Prompts)); err != nil {
		writeError(w, r, err)
		return
	}
	prompts := make([]string, len(req.Prompts))
	for i, p := range req.Prompts {
		text, err := h.cleanPrompt(p)
		if err != nil {
			writeError(w, r, fmt.Errorf("prompt %d: %w", i+1, err))
			return
		}
		prompts[i] = text
	}
	if !h.admit(w, r, req.UserID) {
		return
	}

	job, err := h.coord.Submit(r.Context(), req.UserID, prompts)
	if job != nil && job.Status == imagegate.JobCompleted && h.gallery != nil {
		if _, gerr := gallery.AddJob(r.Context(), h.gallery, job, h.coord.Pricing()); gerr != nil {
			h.logger.Error("saving batch works failed", "job", job.ID, "error", gerr)
		}
	}
	if err != nil {
		writeError(w, r, err)
		return
	}

	status := http.StatusOK
	switch job.Status {
	case imagegate.JobTimedOut:
		status = http.StatusGatewayTimeout
	case imagegate.JobFailed:
		status = http.StatusBadGateway
	}
	writeSuccess(w, status, newJobView(job, true))
}

func (h *Handler) batchLimits(w http.ResponseWriter, _ *http.Request) {
	writeSuccess(w, http.StatusOK, limitsView{
		MinBatchSize:         h.limits.MinBatchSize,
		MaxBatchSize:         h.limits.MaxBatchSize,
		TimeoutBudgetSeconds: h.limits.TimeoutBudget,
		CostPerImage:         h.limits.CostPerImage,
		SavingsPercent:       h.limits.SavingsPct,
	})
}

func (h *Handler) getBatch(w http.ResponseWriter, r *http.Request) {
	job, err := h.coord.Job(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, newJobView(job, false))
}

func (h *Handler) listBatches(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, 10)
	if err != nil {
		writeError(w, r, err)
		return
	}
	jobs, err := h.coord.Jobs(r.Context(), chi.URLParam(r, "user_id"), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	views := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, newJobView(j, false))
	}
	writeSuccess(w, http.StatusOK, views)
}

func (h *Handler) limitStatus(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, http.StatusOK, newLimitView(h.limiter.UserStatus(chi.URLParam(r, "user_id"))))
}

func (h *Handler) resetLimit(w http.ResponseWriter, r *http.Request) {
	reset := h.limiter.ResetUser(chi.URLParam(r, "user_id"))
	writeSuccess(w, http.StatusOK, map[string]bool{"reset": reset})
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")
	spend := h.coord.Spend(userID)
	view := statsView{
		UserID:       userID,
		TodayCost:    spend.Cost,
		TodaySavings: spend.Savings,
		TodayImages:  spend.Images,
	}
	if h.gallery != nil {
		st, err := h.gallery.Stats(r.Context(), userID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		view.TotalGenerations = st.TotalGenerations
		view.TotalEdits = st.TotalEdits
		view.TotalBatches = st.TotalBatches
		view.TotalCost = st.TotalCost
		view.TotalSavings = st.TotalSavings
		view.FirstGeneration = timePtr(st.FirstGeneration)
		view.LastGeneration = timePtr(st.LastGeneration)
	}
	writeSuccess(w, http.StatusOK, view)
}

func (h *Handler) works(w http.ResponseWriter, r *http.Request) {
	if h.gallery == nil {
		writeSuccess(w, http.StatusOK, []workView{})
		return
	}
	limit, err := queryLimit(r, 10)
	if err != nil {
		writeError(w, r, err)
		return
	}
	works, err := h.gallery.RecentWorks(r.Context(), chi.URLParam(r, "user_id"), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	views := make([]workView, 0, len(works))
	for _, wk := range works {
		views = append(views, workView{
			ID:        wk.ID,
			Prompt:    wk.Prompt,
			Kind:      string(wk.Kind),
			JobID:     wk.JobID,
			Cost:      wk.Cost,
			CreatedAt: wk.CreatedAt,
		})
	}
	writeSuccess(w, http.StatusOK, views)
}

func (h *Handler) cleanPrompt(p string) (string, error) {
	text := prompt.Sanitize(p)
	if err := prompt.Validate(text, h.prompts); err != nil {
		return "", err
	}
	return text, nil
}

// admit consumes a rate limit slot for the user, or writes a 429 with a
// Retry-After header and returns false.
func (h *Handler) admit(w http.ResponseWriter, r *http.Request, userID string) bool {
	if h.limiter.CheckUser(userID) {
		return true
	}
	st := h.limiter.UserStatus(userID)
	if st.ResetIn != nil {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(st.ResetIn.Seconds()))))
	}
	writeError(w, r, imagegate.ErrRateLimitExceeded)
	return false
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid json: %v", errBadRequest, err)
	}
	return nil
}

func requireUser(userID string) error {
	if userID == "" {
		return fmt.Errorf("%w: user_id is required", errBadRequest)
	}
	return nil
}

func queryLimit(r *http.Request, def int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > 100 {
		return 0, fmt.Errorf("%w: limit must be 1..100", errBadRequest)
	}
	return n, nil
}
