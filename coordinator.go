package imagegate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Coordinator routes prompts to the direct or the batch path, drives batch
// jobs to a terminal state and fans their results back out in prompt order.
type Coordinator struct {
	gateway  Gateway
	batchAPI BatchAPI
	cfg      BatchConfig
	pricing  Pricing

	policy   RoutingPolicy
	fallback FallbackStrategy
	jobs     JobStore
	health   *HealthTracker
	spend    *SpendTracker
	meter    Meter
	logger   *slog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithRoutingPolicy sets the batch-versus-direct policy.
func WithRoutingPolicy(p RoutingPolicy) CoordinatorOption {
	return func(c *Coordinator) { c.policy = p }
}

// WithFallback sets the strategy used when a batch cannot be submitted.
func WithFallback(f FallbackStrategy) CoordinatorOption {
	return func(c *Coordinator) { c.fallback = f }
}

// WithJobStore sets where jobs are saved on every transition.
func WithJobStore(s JobStore) CoordinatorOption {
	return func(c *Coordinator) { c.jobs = s }
}

// WithHealthTracker sets the breaker guarding the batch API.
func WithHealthTracker(h *HealthTracker) CoordinatorOption {
	return func(c *Coordinator) { c.health = h }
}

// WithSpendTracker records per-user cost of finished work.
func WithSpendTracker(s *SpendTracker) CoordinatorOption {
	return func(c *Coordinator) { c.spend = s }
}

// WithPricing sets per-image prices.
func WithPricing(p Pricing) CoordinatorOption {
	return func(c *Coordinator) { c.pricing = p }
}

// WithMeter sets the meter.
func WithMeter(m Meter) CoordinatorOption {
	return func(c *Coordinator) { c.meter = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.logger = l }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) { c.now = now }
}

// WithSleep replaces the wait used between polls and retries.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) CoordinatorOption {
	return func(c *Coordinator) { c.sleep = sleep }
}

// NewCoordinator creates a Coordinator. gw is required; a nil api sends every
// batch through the fallback strategy.
func NewCoordinator(gw Gateway, api BatchAPI, cfg BatchConfig, opts ...CoordinatorOption) (*Coordinator, error) {
	if gw == nil {
		return nil, fmt.Errorf("imagegate: a gateway is required")
	}
	if cfg.MinBatchSize < 1 || cfg.MaxBatchSize < cfg.MinBatchSize {
		return nil, fmt.Errorf("%w: min %d, max %d", ErrInvalidBatchSize, cfg.MinBatchSize, cfg.MaxBatchSize)
	}

	c := &Coordinator{
		gateway:  gw,
		batchAPI: api,
		cfg:      cfg,
		pricing:  DefaultPricing(),
		health:   NewHealthTracker(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.policy == nil {
		c.policy = thresholdPolicy{minBatch: max(cfg.DirectThreshold, 1)}
	}
	if c.fallback == nil {
		c.fallback = DirectFallback{Concurrency: cfg.FallbackConcurrency}
	}
	if c.jobs == nil {
		c.jobs = noopJobStore{}
	}
	if c.meter == nil {
		c.meter = noopMeter{}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.sleep == nil {
		c.sleep = sleepCtx
	}
	return c, nil
}

// CheckBatchSize reports whether Submit accepts n prompts.
func (c *Coordinator) CheckBatchSize(n int) error {
	if n < c.cfg.MinBatchSize || n > c.cfg.MaxBatchSize {
		return fmt.Errorf("%w: got %d prompts, want %d..%d", ErrInvalidBatchSize, n, c.cfg.MinBatchSize, c.cfg.MaxBatchSize)
	}
	return nil
}

// Submit runs prompts for userID to completion and returns the terminal job.
// Its Results hold one outcome per prompt in submission order.
//
// A failed batch submission is not an error: the fallback strategy produces
// the results instead. Submit returns an error only for an invalid batch size
// or when the fallback produced no image at all, in which case the job is
// returned alongside an error wrapping ErrBatchSubmissionFailed.
func (c *Coordinator) Submit(ctx context.Context, userID string, prompts []string) (*BatchJob, error) {
	n := len(prompts)
	if err := c.CheckBatchSize(n); err != nil {
		return nil, err
	}

	job := NewBatchJob(userID, prompts, c.now())
	route := c.policy.Route(n)
	c.logger.Info("job created", "job", job.ID, "user", userID, "prompts", n, "route", route.String())
	c.save(ctx, job)

	if route == RouteDirect {
		c.runDirect(ctx, job)
		c.finish(job)
		return job, nil
	}

	job.CostPerItem = c.pricing.BatchCost

	if c.batchAPI == nil || !c.health.Allow(batchHealthKey) {
		c.logger.Warn("batch api unavailable, using fallback", "job", job.ID, "fallback", c.fallback.Name())
		return job, c.runFallback(ctx, job, errors.New("batch api unavailable"))
	}

	reqs := make([]BatchRequest, n)
	for i, p := range job.Prompts {
		reqs[i] = BatchRequest{RequestID: job.RequestIDs[i], Prompt: p}
	}
	externalID, err := c.batchAPI.SubmitJob(ctx, reqs)
	if err != nil {
		c.health.RecordFailure(batchHealthKey)
		c.logger.Warn("batch submission failed, using fallback",
			"job", job.ID,
			"fallback", c.fallback.Name(),
			"error", err,
		)
		return job, c.runFallback(ctx, job, err)
	}
	c.health.RecordSuccess(batchHealthKey)

	c.transition(ctx, job, func(now time.Time) error { return job.MarkSubmitted(externalID, now) })
	c.logger.Info("batch submitted", "job", job.ID, "external_id", externalID)

	// Poll errors only report an illegal transition; the job's status says the rest.
	if err := c.Poll(ctx, job); err != nil {
		return job, err
	}
	c.finish(job)
	return job, nil
}

// Poll queries the external status every PollInterval until the job reaches
// a terminal state or TimeoutBudget runs out. It moves a Submitted job to
// Polling first. On success the results are fetched and the job completes.
//
// Exhausting the budget, or ctx being done, leaves the job TimedOut. The job
// is not resubmitted.
//
// Poll mutates job, so the caller must own it for the duration of the call.
func (c *Coordinator) Poll(ctx context.Context, job *BatchJob) error {
	if job.Status == JobSubmitted {
		if err := c.transition(ctx, job, func(now time.Time) error {
			return job.Transition(JobPolling, now)
		}); err != nil {
			return err
		}
	}
	if job.Status != JobPolling {
		return fmt.Errorf("%w: cannot poll a %s job", ErrInvalidTransition, job.Status)
	}

	budget := c.cfg.TimeoutBudget()
	interval := c.cfg.PollInterval()
	start := c.now()
	var waited time.Duration

	for polls := 1; ; polls++ {
		st, err := c.batchAPI.GetStatus(ctx, job.ExternalID)
		switch {
		case err != nil:
			c.logger.Warn("batch status query failed", "job", job.ID, "poll", polls, "error", err)
		case st.State == BatchSucceeded:
			return c.completeFromAPI(ctx, job)
		case st.State == BatchFailed:
			reason := st.Error
			if reason == "" {
				reason = "batch job failed"
			}
			c.logger.Error("batch failed", "job", job.ID, "reason", reason)
			return c.transition(ctx, job, func(now time.Time) error { return job.Fail(reason, now) })
		default:
			c.logger.Debug("batch still running", "job", job.ID, "state", st.State.String(), "poll", polls)
		}

		if max(c.now().Sub(start), waited) >= budget || ctx.Err() != nil {
			break
		}
		wait := min(interval, budget-waited)
		if err := c.sleep(ctx, wait); err != nil {
			break
		}
		waited += wait
	}

	c.logger.Warn("batch timed out", "job", job.ID, "budget", budget.String())
	return c.transition(ctx, job, func(now time.Time) error { return job.TimeOut(budget, now) })
}

// FetchResults returns the outcomes of a Completed job in prompt order.
// Records are matched by request ID, so the order the external API returns
// them in does not matter. Prompts with no matching record get an outcome
// carrying ErrMissingResult. The job is not modified, but it must not be
// mutated by another goroutine while FetchResults reads it.
func (c *Coordinator) FetchResults(ctx context.Context, job *BatchJob) ([]Outcome, error) {
	if job.Status != JobCompleted {
		return nil, fmt.Errorf("%w: job %s is %s", ErrJobNotCompleted, job.ID, job.Status)
	}
	if job.Fallback || job.ExternalID == "" {
		return append([]Outcome(nil), job.Results...), nil
	}

	return c.fetch(ctx, job)
}

// reconcile maps records onto the job's prompt order.
func (c *Coordinator) reconcile(job *BatchJob, records []BatchRecord) []Outcome {
	index := make(map[string]int, len(job.RequestIDs))
	for i, id := range job.RequestIDs {
		index[id] = i
	}

	out := make([]Outcome, len(job.Prompts))
	seen := make([]bool, len(job.Prompts))
	for _, rec := range records {
		i, ok := index[rec.RequestID]
		if !ok {
			c.logger.Warn("ignoring result for unknown request", "job", job.ID, "request_id", rec.RequestID)
			continue
		}
		if seen[i] {
			c.logger.Warn("ignoring duplicate result", "job", job.ID, "request_id", rec.RequestID)
			continue
		}
		seen[i] = true

		o := Outcome{RequestID: rec.RequestID, Prompt: job.Prompts[i]}
		switch {
		case rec.Err != nil:
			o.Err = rec.Err
		case len(rec.Image) == 0:
			o.Err = fmt.Errorf("%w: empty image", ErrMissingResult)
		default:
			o.Image = rec.Image
			o.Cost = job.CostPerItem
		}
		out[i] = o
	}

	for i, ok := range seen {
		if !ok {
			out[i] = Outcome{
				RequestID: job.RequestIDs[i],
				Prompt:    job.Prompts[i],
				Err:       fmt.Errorf("%w: %s", ErrMissingResult, job.RequestIDs[i]),
			}
		}
	}
	return out
}

// Handle serves a single request through the direct path and wraps the
// result as an Outcome.
func (c *Coordinator) Handle(ctx context.Context, req GenerationRequest) Outcome {
	var (
		img []byte
		err error
	)
	switch {
	case req.IsCompose():
		img, err = c.Compose(ctx, req.Prompt, req.Sources)
	case req.IsEdit():
		img, err = c.Edit(ctx, req.Prompt, req.SourceImage)
	default:
		img, err = c.Generate(ctx, req.Prompt)
	}

	o := Outcome{Prompt: req.Prompt}
	if err != nil {
		o.Err = err
		return o
	}
	o.Image = img
	o.Cost = c.pricing.StandardCost
	if c.spend != nil {
		c.spend.Record(req.UserID, 1, o.Cost, 0)
	}
	return o
}

// Job returns a previously saved job from the job store.
func (c *Coordinator) Job(ctx context.Context, jobID string) (*BatchJob, error) {
	return c.jobs.Get(ctx, jobID)
}

// Jobs lists a user's saved jobs, newest first.
func (c *Coordinator) Jobs(ctx context.Context, userID string, limit int) ([]*BatchJob, error) {
	return c.jobs.ListByUser(ctx, userID, limit)
}

// Pricing returns the prices the coordinator charges.
func (c *Coordinator) Pricing() Pricing { return c.pricing }

// Spend returns the user's spend for the current day. It is zero when no
// SpendTracker was configured.
func (c *Coordinator) Spend(userID string) Spend {
	if c.spend == nil {
		return Spend{}
	}
	return c.spend.Get(userID)
}

func (c *Coordinator) completeFromAPI(ctx context.Context, job *BatchJob) error {
	results, err := c.fetch(ctx, job)
	if err != nil {
		c.logger.Error("fetching batch results failed", "job", job.ID, "error", err)
		return c.transition(ctx, job, func(now time.Time) error { return job.Fail(err.Error(), now) })
	}
	c.logger.Info("batch completed", "job", job.ID, "prompts", len(job.Prompts))
	return c.transition(ctx, job, func(now time.Time) error { return job.Complete(results, now) })
}

func (c *Coordinator) fetch(ctx context.Context, job *BatchJob) ([]Outcome, error) {
	records, err := c.batchAPI.GetResults(ctx, job.ExternalID)
	if err != nil {
		return nil, fmt.Errorf("imagegate: fetch results for job %s: %w", job.ID, err)
	}
	return c.reconcile(job, records), nil
}

// runDirect serves a job on the direct route: standard pricing, no external
// batch, one direct call per prompt.
func (c *Coordinator) runDirect(ctx context.Context, job *BatchJob) {
	job.CostPerItem = c.pricing.StandardCost
	c.transition(ctx, job, func(now time.Time) error { return job.MarkSubmitted("direct-"+job.ID, now) })
	c.transition(ctx, job, func(now time.Time) error { return job.Transition(JobPolling, now) })

	results := DirectFallback{Concurrency: c.cfg.FallbackConcurrency}.Run(ctx, job, c.Generate)
	c.transition(ctx, job, func(now time.Time) error { return job.Complete(results, now) })
}

// runFallback serves a job whose batch could not be submitted.
func (c *Coordinator) runFallback(ctx context.Context, job *BatchJob, cause error) error {
	job.Fallback = true
	c.transition(ctx, job, func(now time.Time) error { return job.MarkSubmitted("fallback-"+job.ID, now) })
	c.transition(ctx, job, func(now time.Time) error { return job.Transition(JobPolling, now) })

	results := c.fallback.Run(ctx, job, c.Generate)
	c.transition(ctx, job, func(now time.Time) error { return job.Complete(results, now) })
	c.finish(job)

	if job.Succeeded() == 0 {
		return fmt.Errorf("%w: %v; fallback %s produced no images", ErrBatchSubmissionFailed, cause, c.fallback.Name())
	}
	c.logger.Info("fallback completed",
		"job", job.ID,
		"fallback", c.fallback.Name(),
		"succeeded", job.Succeeded(),
		"prompts", len(job.Prompts),
	)
	return nil
}

// transition applies step, emits a meter event and saves the job.
func (c *Coordinator) transition(ctx context.Context, job *BatchJob, step func(now time.Time) error) error {
	from := job.Status
	if err := step(c.now()); err != nil {
		c.logger.Error("job transition rejected", "job", job.ID, "from", from.String(), "error", err)
		return err
	}
	c.meter.OnJobTransition(JobEvent{
		JobID:    job.ID,
		UserID:   job.UserID,
		From:     from,
		To:       job.Status,
		Prompts:  len(job.Prompts),
		Fallback: job.Fallback,
		Elapsed:  c.now().Sub(job.CreatedAt),
	})
	c.save(ctx, job)
	return nil
}

// save writes the job even when ctx is already done, so a timed-out job is
// still recorded.
func (c *Coordinator) save(ctx context.Context, job *BatchJob) {
	if err := c.jobs.Save(context.WithoutCancel(ctx), job.Snapshot()); err != nil {
		c.logger.Error("saving job failed", "job", job.ID, "error", err)
	}
}

// finish charges the job's successful items to its owner.
func (c *Coordinator) finish(job *BatchJob) {
	if c.spend != nil && job.Status == JobCompleted {
		c.spend.recordJob(job, c.pricing)
	}
}
