package imagegate

import (
	"fmt"
	"time"
)

// Bounds on the number of images a composition takes.
const (
	MinComposeSources = 2
	MaxComposeSources = 4
)

// GenerationRequest is a single prompt handed to the coordinator.
// A nil SourceImage means pure generation; a non-nil one means edit.
// Non-empty Sources make it a composition and SourceImage is ignored.
type GenerationRequest struct {
	UserID      string
	Prompt      string
	SourceImage []byte
	Sources     [][]byte
	SubmittedAt time.Time
}

// IsEdit reports whether the request edits an existing image.
func (r GenerationRequest) IsEdit() bool { return r.SourceImage != nil && !r.IsCompose() }

// IsCompose reports whether the request combines several source images.
func (r GenerationRequest) IsCompose() bool { return len(r.Sources) > 0 }

// ValidateSources checks the images of a composition: between
// MinComposeSources and MaxComposeSources, none of them empty.
func ValidateSources(sources [][]byte) error {
	if n := len(sources); n < MinComposeSources || n > MaxComposeSources {
		return fmt.Errorf("%w: got %d images, want %d..%d", ErrInvalidSources, n, MinComposeSources, MaxComposeSources)
	}
	for i, src := range sources {
		if len(src) == 0 {
			return fmt.Errorf("%w: image %d is empty", ErrInvalidSources, i+1)
		}
	}
	return nil
}

// Outcome is the result for one requested prompt. Exactly one of Image or
// Err is set.
type Outcome struct {
	RequestID string
	Prompt    string
	Image     []byte
	Cost      float64
	Err       error
}

// OK reports whether the outcome carries image bytes.
func (o Outcome) OK() bool { return o.Err == nil }

// UserStatus is a read-only snapshot of a user's rate window.
type UserStatus struct {
	Limited   bool
	Used      int
	Remaining int
	// ResetIn is nil when the window holds no active requests.
	ResetIn *time.Duration
}

// DurationPtr returns a pointer to the given duration.
func DurationPtr(d time.Duration) *time.Duration { return &d }
