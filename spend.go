package imagegate

import (
	"sync"
	"time"
)

// SpendTracker tracks per-user dollar spend and batch savings with daily reset.
type SpendTracker struct {
	mu       sync.Mutex
	users    map[string]*userSpend
	resetDay int // day of year for last reset
	now      func() time.Time
}

type userSpend struct {
	cost    float64
	savings float64
	images  int
}

// Spend is a user's usage for the current UTC day.
type Spend struct {
	Cost    float64
	Savings float64
	Images  int
}

// NewSpendTracker creates a new SpendTracker.
func NewSpendTracker() *SpendTracker {
	return newSpendTracker(time.Now)
}

func newSpendTracker(now func() time.Time) *SpendTracker {
	return &SpendTracker{
		users:    make(map[string]*userSpend),
		resetDay: now().UTC().YearDay(),
		now:      now,
	}
}

// Record adds cost and savings for images produced for a user.
func (s *SpendTracker) Record(userID string, images int, cost, savings float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.checkReset()

	us, ok := s.users[userID]
	if !ok {
		us = &userSpend{}
		s.users[userID] = us
	}
	us.cost += cost
	us.savings += savings
	us.images += images
}

// Get returns the current daily spend for a user.
func (s *SpendTracker) Get(userID string) Spend {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.checkReset()

	us, ok := s.users[userID]
	if !ok {
		return Spend{}
	}
	return Spend{Cost: us.cost, Savings: us.savings, Images: us.images}
}

// checkReset resets all spend if day has changed. Must be called with lock held.
func (s *SpendTracker) checkReset() {
	today := s.now().UTC().YearDay()
	if today != s.resetDay {
		s.users = make(map[string]*userSpend)
		s.resetDay = today
	}
}

// recordJob charges a finished job to its owner.
func (s *SpendTracker) recordJob(job *BatchJob, p Pricing) {
	images := job.Succeeded()
	if images == 0 {
		return
	}
	var savings float64
	if job.CostPerItem < p.StandardCost {
		savings = float64(images) * (p.StandardCost - job.CostPerItem)
	}
	s.Record(job.UserID, images, job.TotalCost(), savings)
}
