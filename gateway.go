package imagegate

import "context"

// Gateway is the direct, single-shot image API that adapters must implement.
//
// Implementations classify failures by wrapping ErrContentFiltered,
// ErrTransient or ErrPermanent.
type Gateway interface {
	// Generate renders an image from a text prompt.
	Generate(ctx context.Context, prompt string) ([]byte, error)

	// Edit renders a new image from a prompt and a source image.
	Edit(ctx context.Context, prompt string, source []byte) ([]byte, error)

	// Compose renders one image that combines several source images as the
	// prompt describes. Adapters without multi-image input return ErrPermanent.
	Compose(ctx context.Context, prompt string, sources [][]byte) ([]byte, error)
}

// BatchAPI is the asynchronous, discounted batch interface of the image API.
type BatchAPI interface {
	// SubmitJob hands a set of requests to the API and returns its job identifier.
	SubmitJob(ctx context.Context, requests []BatchRequest) (string, error)

	// GetStatus reports the current state of an external job.
	GetStatus(ctx context.Context, externalID string) (BatchStatus, error)

	// GetResults returns the per-request records of a succeeded job.
	// Records may come back in any order.
	GetResults(ctx context.Context, externalID string) ([]BatchRecord, error)
}

// BatchRequest is one prompt inside a batch submission.
type BatchRequest struct {
	RequestID string
	Prompt    string
}

// BatchState is the external job state as reported by the BatchAPI.
type BatchState int

const (
	BatchPending BatchState = iota
	BatchRunning
	BatchSucceeded
	BatchFailed
)

func (s BatchState) String() string {
	switch s {
	case BatchPending:
		return "pending"
	case BatchRunning:
		return "running"
	case BatchSucceeded:
		return "succeeded"
	case BatchFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the external job finished.
func (s BatchState) Terminal() bool {
	return s == BatchSucceeded || s == BatchFailed
}

// BatchStatus is the result of a status query.
type BatchStatus struct {
	State BatchState
	Error string
}

// BatchRecord is a single result of a finished external job.
type BatchRecord struct {
	RequestID string
	Prompt    string
	Image     []byte
	Err       error
}
