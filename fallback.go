package imagegate

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// GenerateFunc produces one image through the direct path.
type GenerateFunc func(ctx context.Context, prompt string) ([]byte, error)

// FallbackStrategy produces results for a job whose batch submission could
// not be made.
type FallbackStrategy interface {
	// Name identifies the strategy in logs.
	Name() string

	// Run returns exactly one outcome per prompt of job, in prompt order.
	// Items that fail carry their error; nothing is dropped.
	Run(ctx context.Context, job *BatchJob, generate GenerateFunc) []Outcome
}

// DirectFallback runs every prompt of the job through the direct path.
type DirectFallback struct {
	// Concurrency bounds in-flight direct calls. Values below 1 mean one at a time.
	Concurrency int
}

var _ FallbackStrategy = DirectFallback{}

func (DirectFallback) Name() string { return "direct" }

func (f DirectFallback) Run(ctx context.Context, job *BatchJob, generate GenerateFunc) []Outcome {
	out := make([]Outcome, len(job.Prompts))

	limit := f.Concurrency
	if limit < 1 {
		limit = 1
	}

	// Errors are kept per item, never returned to the group, so one failure
	// does not cancel the remaining prompts.
	var g errgroup.Group
	g.SetLimit(limit)
	for i, p := range job.Prompts {
		g.Go(func() error {
			o := Outcome{RequestID: job.RequestIDs[i], Prompt: p}
			img, err := generate(ctx, p)
			if err != nil {
				o.Err = err
			} else {
				o.Image = img
				o.Cost = job.CostPerItem
			}
			out[i] = o
			return nil
		})
	}
	_ = g.Wait()
	return out
}
