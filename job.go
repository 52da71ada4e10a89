package imagegate

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle state of a BatchJob.
type JobStatus int

const (
	JobPending JobStatus = iota
	JobSubmitted
	JobPolling
	JobCompleted
	JobFailed
	JobTimedOut
)

func (s JobStatus) String() string {
	switch s {
	case JobPending:
		return "pending"
	case JobSubmitted:
		return "submitted"
	case JobPolling:
		return "polling"
	case JobCompleted:
		return "completed"
	case JobFailed:
		return "failed"
	case JobTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// ParseJobStatus is the inverse of JobStatus.String.
func ParseJobStatus(s string) (JobStatus, error) {
	for st := JobPending; st <= JobTimedOut; st++ {
		if st.String() == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("imagegate: unknown job status %q", s)
}

// Terminal reports whether the status has no outgoing transitions.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobTimedOut
}

// canTransition encodes the forward-only lifecycle.
func (s JobStatus) canTransition(to JobStatus) bool {
	switch s {
	case JobPending:
		return to == JobSubmitted
	case JobSubmitted:
		return to == JobPolling
	case JobPolling:
		return to == JobCompleted || to == JobFailed || to == JobTimedOut
	default:
		return false
	}
}

// BatchJob is a set of prompts submitted together and their results.
//
// A BatchJob is not safe for concurrent use. It belongs to the goroutine
// driving it through Submit or Poll; other goroutines get a Snapshot.
type BatchJob struct {
	ID          string
	ExternalID  string
	UserID      string
	Prompts     []string
	RequestIDs  []string
	Status      JobStatus
	Fallback    bool
	CostPerItem float64
	Error       string

	CreatedAt   time.Time
	SubmittedAt time.Time
	CompletedAt time.Time

	Results []Outcome
}

// NewBatchJob creates a Pending job with one request ID per prompt.
func NewBatchJob(userID string, prompts []string, now time.Time) *BatchJob {
	id := uuid.New().String()
	reqIDs := make([]string, len(prompts))
	for i := range prompts {
		reqIDs[i] = fmt.Sprintf("%s-%d", id, i)
	}

	p := make([]string, len(prompts))
	copy(p, prompts)

	return &BatchJob{
		ID:         id,
		UserID:     userID,
		Prompts:    p,
		RequestIDs: reqIDs,
		Status:     JobPending,
		CreatedAt:  now,
	}
}

// Transition moves the job forward. Any move not allowed by the lifecycle
// returns ErrInvalidTransition and leaves the job unchanged.
func (j *BatchJob) Transition(to JobStatus, now time.Time) error {
	if !j.Status.canTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, to)
	}
	j.Status = to
	switch to {
	case JobSubmitted:
		j.SubmittedAt = now
	case JobCompleted, JobFailed, JobTimedOut:
		j.CompletedAt = now
	}
	return nil
}

// MarkSubmitted records the external identifier and moves to Submitted.
func (j *BatchJob) MarkSubmitted(externalID string, now time.Time) error {
	if err := j.Transition(JobSubmitted, now); err != nil {
		return err
	}
	j.ExternalID = externalID
	return nil
}

// Complete stores results and moves to Completed. results must hold one
// outcome per prompt, in prompt order.
func (j *BatchJob) Complete(results []Outcome, now time.Time) error {
	if len(results) != len(j.Prompts) {
		return fmt.Errorf("imagegate: job %s: %d results for %d prompts", j.ID, len(results), len(j.Prompts))
	}
	if err := j.Transition(JobCompleted, now); err != nil {
		return err
	}
	j.Results = results
	return nil
}

// Fail marks every item failed with the job-level reason.
func (j *BatchJob) Fail(reason string, now time.Time) error {
	if err := j.Transition(JobFailed, now); err != nil {
		return err
	}
	j.Error = reason
	j.Results = j.uniform(fmt.Errorf("%w: %s", ErrBatchFailed, reason))
	return nil
}

// TimeOut abandons the job. Every item gets ErrBatchTimedOut so callers keep
// a 1:1 view of their prompts, but the status stays distinct from Failed.
func (j *BatchJob) TimeOut(budget time.Duration, now time.Time) error {
	if err := j.Transition(JobTimedOut, now); err != nil {
		return err
	}
	j.Error = fmt.Sprintf("no terminal status after %s", budget)
	j.Results = j.uniform(ErrBatchTimedOut)
	return nil
}

func (j *BatchJob) uniform(err error) []Outcome {
	out := make([]Outcome, len(j.Prompts))
	for i, p := range j.Prompts {
		out[i] = Outcome{RequestID: j.RequestIDs[i], Prompt: p, Err: err}
	}
	return out
}

// Succeeded returns the number of outcomes that carry an image.
func (j *BatchJob) Succeeded() int {
	n := 0
	for _, r := range j.Results {
		if r.OK() {
			n++
		}
	}
	return n
}

// TotalCost sums the cost of all successful outcomes.
func (j *BatchJob) TotalCost() float64 {
	var total float64
	for _, r := range j.Results {
		if r.OK() {
			total += r.Cost
		}
	}
	return total
}

// Snapshot returns a deep copy safe to hand to another goroutine.
func (j *BatchJob) Snapshot() *BatchJob {
	cp := *j
	cp.Prompts = append([]string(nil), j.Prompts...)
	cp.RequestIDs = append([]string(nil), j.RequestIDs...)
	cp.Results = append([]Outcome(nil), j.Results...)
	return &cp
}
