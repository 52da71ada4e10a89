// Package memory provides an in-process JobStore.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ineyio/imagegate"
)

// Store keeps jobs in memory. Finished jobs are dropped once they have been
// terminal for longer than the retention period.
type Store struct {
	mu        sync.RWMutex
	jobs      map[string]*imagegate.BatchJob
	retention time.Duration
	now       func() time.Time
}

var _ imagegate.JobStore = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithRetention sets how long terminal jobs are kept (default 24h).
// Zero keeps them forever.
func WithRetention(d time.Duration) Option {
	return func(s *Store) { s.retention = d }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a new in-memory job store.
func New(opts ...Option) *Store {
	s := &Store{
		jobs:      make(map[string]*imagegate.BatchJob),
		retention: 24 * time.Hour,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Save stores a copy of job.
func (s *Store) Save(_ context.Context, job *imagegate.BatchJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.jobs[job.ID] = job.Snapshot()
	return nil
}

// Get returns a copy of the job.
func (s *Store) Get(_ context.Context, jobID string) (*imagegate.BatchJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jobs[jobID]
	if !ok || s.expired(j) {
		return nil, imagegate.ErrJobNotFound
	}
	return j.Snapshot(), nil
}

// ListByUser returns up to limit of the user's jobs, newest first.
// A non-positive limit returns all of them.
func (s *Store) ListByUser(_ context.Context, userID string, limit int) ([]*imagegate.BatchJob, error) {
	s.mu.RLock()
	var out []*imagegate.BatchJob
	for _, j := range s.jobs {
		if j.UserID == userID && !s.expired(j) {
			out = append(out, j.Snapshot())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Purge removes expired jobs and returns how many were dropped.
func (s *Store) Purge() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, j := range s.jobs {
		if s.expired(j) {
			delete(s.jobs, id)
			n++
		}
	}
	return n
}

// Len returns the number of stored jobs, expired or not.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}

func (s *Store) expired(j *imagegate.BatchJob) bool {
	if s.retention <= 0 || !j.Status.Terminal() {
		return false
	}
	return s.now().Sub(j.CompletedAt) > s.retention
}
