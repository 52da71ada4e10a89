package server

import (
	"time"

	"github.com/ineyio/imagegate"
)

type jobView struct {
	ID          string        `json:"id"`
	ExternalID  string        `json:"external_id,omitempty"`
	UserID      string        `json:"user_id"`
	Status      string        `json:"status"`
	Fallback    bool          `json:"fallback"`
	CostPerItem float64       `json:"cost_per_item"`
	TotalCost   float64       `json:"total_cost"`
	Succeeded   int           `json:"succeeded"`
	Total       int           `json:"total"`
	Error       string        `json:"error,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	Results     []outcomeView `json:"results"`
}

type outcomeView struct {
	RequestID string  `json:"request_id"`
	Prompt    string  `json:"prompt"`
	Image     []byte  `json:"image,omitempty"`
	Cost      float64 `json:"cost,omitempty"`
	Error     string  `json:"error,omitempty"`
	ErrorKind string  `json:"error_kind,omitempty"`
	Message   string  `json:"message,omitempty"`
}

// newJobView renders a job. Image bytes are only included when withImages
// is set; stored jobs never carry them.
func newJobView(job *imagegate.BatchJob, withImages bool) jobView {
	v := jobView{
		ID:          job.ID,
		ExternalID:  job.ExternalID,
		UserID:      job.UserID,
		Status:      job.Status.String(),
		Fallback:    job.Fallback,
		CostPerItem: job.CostPerItem,
		TotalCost:   job.TotalCost(),
		Succeeded:   job.Succeeded(),
		Total:       len(job.Prompts),
		Error:       job.Error,
		CreatedAt:   job.CreatedAt,
		CompletedAt: timePtr(job.CompletedAt),
		Results:     make([]outcomeView, 0, len(job.Results)),
	}
	for _, o := range job.Results {
		ov := outcomeView{RequestID: o.RequestID, Prompt: o.Prompt, Cost: o.Cost}
		if withImages {
			ov.Image = o.Image
		}
		if o.Err != nil {
			ov.Cost = 0
			ov.Error = o.Err.Error()
			ov.ErrorKind = imagegate.ErrorKind(o.Err)
			ov.Message = imagegate.UserMessage(o.Err)
		}
		v.Results = append(v.Results, ov)
	}
	return v
}

type limitView struct {
	Limited        bool     `json:"limited"`
	Used           int      `json:"used"`
	Remaining      int      `json:"remaining"`
	ResetInSeconds *float64 `json:"reset_in_seconds,omitempty"`
}

func newLimitView(st imagegate.UserStatus) limitView {
	v := limitView{Limited: st.Limited, Used: st.Used, Remaining: st.Remaining}
	if st.ResetIn != nil {
		secs := st.ResetIn.Seconds()
		v.ResetInSeconds = &secs
	}
	return v
}

type limitsView struct {
	MinBatchSize         int     `json:"min_batch_size"`
	MaxBatchSize         int     `json:"max_batch_size"`
	TimeoutBudgetSeconds int     `json:"timeout_budget_seconds"`
	CostPerImage         float64 `json:"cost_per_image"`
	SavingsPercent       float64 `json:"savings_percent"`
}

type statsView struct {
	UserID           string     `json:"user_id"`
	TodayCost        float64    `json:"today_cost"`
	TodaySavings     float64    `json:"today_savings"`
	TodayImages      int        `json:"today_images"`
	TotalGenerations int        `json:"total_generations"`
	TotalEdits       int        `json:"total_edits"`
	TotalBatches     int        `json:"total_batches"`
	TotalCost        float64    `json:"total_cost"`
	TotalSavings     float64    `json:"total_savings"`
	FirstGeneration  *time.Time `json:"first_generation,omitempty"`
	LastGeneration   *time.Time `json:"last_generation,omitempty"`
}

type workView struct {
	ID        string    `json:"id"`
	Prompt    string    `json:"prompt"`
	Kind      string    `json:"kind"`
	JobID     string    `json:"job_id,omitempty"`
	Cost      float64   `json:"cost"`
	CreatedAt time.Time `json:"created_at"`
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
