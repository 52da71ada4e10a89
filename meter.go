package imagegate

import "time"

// Meter observes admission, job and gateway events for monitoring/logging.
type Meter interface {
	// OnAdmission is called after every rate limit decision.
	OnAdmission(event AdmissionEvent)

	// OnJobTransition is called when a batch job changes status.
	OnJobTransition(event JobEvent)

	// OnGatewayCall is called when a direct gateway call returns.
	OnGatewayCall(event GatewayEvent)
}

// AdmissionEvent describes a rate limit decision.
type AdmissionEvent struct {
	UserID  string
	Allowed bool
	Used    int
	Max     int
}

// JobEvent describes a batch job status change.
type JobEvent struct {
	JobID    string
	UserID   string
	From     JobStatus
	To       JobStatus
	Prompts  int
	Fallback bool
	Elapsed  time.Duration
}

// GatewayEvent describes the outcome of one direct gateway attempt.
type GatewayEvent struct {
	Op       string // generate or edit
	Attempt  int
	Success  bool
	Duration time.Duration
	Error    error
}

// noopMeter is a meter that does nothing.
type noopMeter struct{}

func (noopMeter) OnAdmission(AdmissionEvent) {}
func (noopMeter) OnJobTransition(JobEvent)   {}
func (noopMeter) OnGatewayCall(GatewayEvent) {}
