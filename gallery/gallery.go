// Package gallery records the images a user produced and keeps running
// per-user usage totals.
package gallery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ineyio/imagegate"
)

// ErrWorkNotFound is returned when a work ID is unknown.
var ErrWorkNotFound = errors.New("gallery: work not found")

// Kind is how a work was produced.
type Kind string

const (
	KindCreate  Kind = "create"
	KindEdit    Kind = "edit"
	KindCompose Kind = "compose"
	KindBatch   Kind = "batch"
)

// Work is one stored image.
type Work struct {
	ID        string
	UserID    string
	Prompt    string
	Kind      Kind
	ParentID  string // work that was edited, if any
	JobID     string // batch job, if any
	Cost      float64
	Saved     float64
	Image     []byte
	CreatedAt time.Time
}

// Stats are a user's running totals.
type Stats struct {
	UserID           string
	TotalGenerations int
	TotalEdits       int // edits and compositions
	TotalBatches     int
	TotalCost        float64
	TotalSavings     float64
	FirstGeneration  time.Time
	LastGeneration   time.Time
}

// Store persists works and stats. Adding a work updates the owner's stats
// in the same step.
type Store interface {
	AddWork(ctx context.Context, w Work) error
	Work(ctx context.Context, id string) (Work, error)
	RecentWorks(ctx context.Context, userID string, limit int) ([]Work, error)
	Stats(ctx context.Context, userID string) (Stats, error)
}

// NewWork builds a work for a single direct generation, edit or composition.
func NewWork(req imagegate.GenerationRequest, out imagegate.Outcome, now time.Time) Work {
	kind := KindCreate
	switch {
	case req.IsCompose():
		kind = KindCompose
	case req.IsEdit():
		kind = KindEdit
	}
	return Work{
		ID:        uuid.NewString(),
		UserID:    req.UserID,
		Prompt:    out.Prompt,
		Kind:      kind,
		Cost:      out.Cost,
		Image:     out.Image,
		CreatedAt: now,
	}
}

// WorksFromJob builds one work per successful outcome of a completed job.
// Each is credited with what it saved over the standard price.
func WorksFromJob(job *imagegate.BatchJob, pricing imagegate.Pricing) []Work {
	var works []Work
	for _, o := range job.Results {
		if !o.OK() {
			continue
		}
		works = append(works, Work{
			ID:        uuid.NewString(),
			UserID:    job.UserID,
			Prompt:    o.Prompt,
			Kind:      KindBatch,
			JobID:     job.ID,
			Cost:      o.Cost,
			Saved:     max(pricing.StandardCost-o.Cost, 0),
			Image:     o.Image,
			CreatedAt: job.CompletedAt,
		})
	}
	return works
}

// AddJob stores every successful image of a completed job.
func AddJob(ctx context.Context, s Store, job *imagegate.BatchJob, pricing imagegate.Pricing) (int, error) {
	works := WorksFromJob(job, pricing)
	for i, w := range works {
		if err := s.AddWork(ctx, w); err != nil {
			return i, fmt.Errorf("gallery: add job %s: %w", job.ID, err)
		}
	}
	return len(works), nil
}
