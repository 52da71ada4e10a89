package imagegate

import (
	"context"
	"errors"
	"time"
)

// JobStore retains batch jobs so their status can be queried after Submit
// returns. Images are not retained; they belong to the gallery.
type JobStore interface {
	// Save inserts or replaces the job.
	Save(ctx context.Context, job *BatchJob) error

	// Get returns the job or ErrJobNotFound.
	Get(ctx context.Context, jobID string) (*BatchJob, error)

	// ListByUser returns up to limit of the user's jobs, newest first.
	ListByUser(ctx context.Context, userID string, limit int) ([]*BatchJob, error)
}

// JobRecord is the storable form of a BatchJob.
type JobRecord struct {
	ID          string          `json:"id"`
	ExternalID  string          `json:"external_id,omitempty"`
	UserID      string          `json:"user_id"`
	Prompts     []string        `json:"prompts"`
	RequestIDs  []string        `json:"request_ids"`
	Status      string          `json:"status"`
	Fallback    bool            `json:"fallback,omitempty"`
	CostPerItem float64         `json:"cost_per_item"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	SubmittedAt time.Time       `json:"submitted_at,omitempty"`
	CompletedAt time.Time       `json:"completed_at,omitempty"`
	Results     []OutcomeRecord `json:"results,omitempty"`
}

// OutcomeRecord is the storable form of an Outcome.
type OutcomeRecord struct {
	RequestID  string  `json:"request_id"`
	Prompt     string  `json:"prompt"`
	Cost       float64 `json:"cost,omitempty"`
	ImageBytes int     `json:"image_bytes,omitempty"`
	ErrorKind  string  `json:"error_kind,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// errorKinds maps stored kinds back onto sentinels so errors.Is keeps working
// after a round trip through a store.
var errorKinds = []struct {
	kind string
	err  error
}{
	{"content_filtered", ErrContentFiltered},
	{"batch_timed_out", ErrBatchTimedOut},
	{"batch_failed", ErrBatchFailed},
	{"missing_result", ErrMissingResult},
	{"permanent", ErrPermanent},
	{"transient", ErrTransient},
}

// ErrorKind returns a stable name for the error's class, or "unknown".
func ErrorKind(err error) string {
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return "unknown"
}

type storedError struct {
	msg  string
	kind error
}

func (e *storedError) Error() string { return e.msg }
func (e *storedError) Unwrap() error { return e.kind }

func restoreError(kind, msg string) error {
	for _, k := range errorKinds {
		if k.kind == kind {
			return &storedError{msg: msg, kind: k.err}
		}
	}
	return errors.New(msg)
}

// Record converts the job to its storable form.
func (j *BatchJob) Record() JobRecord {
	rec := JobRecord{
		ID:          j.ID,
		ExternalID:  j.ExternalID,
		UserID:      j.UserID,
		Prompts:     append([]string(nil), j.Prompts...),
		RequestIDs:  append([]string(nil), j.RequestIDs...),
		Status:      j.Status.String(),
		Fallback:    j.Fallback,
		CostPerItem: j.CostPerItem,
		Error:       j.Error,
		CreatedAt:   j.CreatedAt,
		SubmittedAt: j.SubmittedAt,
		CompletedAt: j.CompletedAt,
	}
	for _, o := range j.Results {
		or := OutcomeRecord{
			RequestID:  o.RequestID,
			Prompt:     o.Prompt,
			Cost:       o.Cost,
			ImageBytes: len(o.Image),
		}
		if o.Err != nil {
			or.ErrorKind = ErrorKind(o.Err)
			or.Error = o.Err.Error()
		}
		rec.Results = append(rec.Results, or)
	}
	return rec
}

// JobFromRecord rebuilds a job from its storable form. Outcomes come back
// without image bytes.
func JobFromRecord(rec JobRecord) (*BatchJob, error) {
	status, err := ParseJobStatus(rec.Status)
	if err != nil {
		return nil, err
	}
	job := &BatchJob{
		ID:          rec.ID,
		ExternalID:  rec.ExternalID,
		UserID:      rec.UserID,
		Prompts:     rec.Prompts,
		RequestIDs:  rec.RequestIDs,
		Status:      status,
		Fallback:    rec.Fallback,
		CostPerItem: rec.CostPerItem,
		Error:       rec.Error,
		CreatedAt:   rec.CreatedAt,
		SubmittedAt: rec.SubmittedAt,
		CompletedAt: rec.CompletedAt,
	}
	for _, or := range rec.Results {
		o := Outcome{RequestID: or.RequestID, Prompt: or.Prompt, Cost: or.Cost}
		if or.Error != "" {
			o.Err = restoreError(or.ErrorKind, or.Error)
		}
		job.Results = append(job.Results, o)
	}
	return job, nil
}

// noopJobStore retains nothing.
type noopJobStore struct{}

func (noopJobStore) Save(context.Context, *BatchJob) error { return nil }
func (noopJobStore) Get(context.Context, string) (*BatchJob, error) {
	return nil, ErrJobNotFound
}
func (noopJobStore) ListByUser(context.Context, string, int) ([]*BatchJob, error) {
	return nil, nil
}
