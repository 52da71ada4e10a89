package imagegate

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	ErrRateLimitExceeded     = errors.New("imagegate: rate limit exceeded")
	ErrContentFiltered       = errors.New("imagegate: content filtered")
	ErrTransient             = errors.New("imagegate: transient gateway error")
	ErrPermanent             = errors.New("imagegate: permanent gateway error")
	ErrBatchSubmissionFailed = errors.New("imagegate: batch submission failed")
	ErrBatchFailed           = errors.New("imagegate: batch job failed")
	ErrBatchTimedOut         = errors.New("imagegate: batch job timed out")
	ErrInvalidBatchSize      = errors.New("imagegate: invalid batch size")
	ErrInvalidTransition     = errors.New("imagegate: invalid job status transition")
	ErrJobNotCompleted       = errors.New("imagegate: job not completed")
	ErrMissingResult         = errors.New("imagegate: no result returned for request")
	ErrInvalidPrompt         = errors.New("imagegate: invalid prompt")
	ErrJobNotFound           = errors.New("imagegate: job not found")
	ErrInvalidSources        = errors.New("imagegate: invalid source images")
)

// GatewayError wraps a gateway failure with the operation and attempt count.
type GatewayError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("imagegate: %s failed after %d attempt(s): %v", e.Op, e.Attempts, e.Err)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// IsFatal returns true if the error must not be retried.
func IsFatal(err error) bool {
	return errors.Is(err, ErrContentFiltered) || errors.Is(err, ErrPermanent)
}

// IsRetryable returns true if the gateway call may be attempted again.
func IsRetryable(err error) bool {
	if err == nil || IsFatal(err) {
		return false
	}
	return errors.Is(err, ErrTransient)
}

// UserMessage returns the text a chat front-end shows for err.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrRateLimitExceeded):
		return "Rate limit exceeded. Please wait before making another request."
	case errors.Is(err, ErrContentFiltered):
		return "Your request was blocked by content filters. Please try a different prompt."
	case errors.Is(err, ErrInvalidPrompt), errors.Is(err, ErrInvalidBatchSize),
		errors.Is(err, ErrInvalidSources):
		return "Invalid input provided. Please check your request and try again."
	case errors.Is(err, ErrBatchTimedOut):
		return "The batch is taking longer than expected. Please submit it again later."
	case errors.Is(err, ErrTransient), errors.Is(err, ErrPermanent),
		errors.Is(err, ErrBatchFailed), errors.Is(err, ErrMissingResult):
		return "Failed to generate image. Please try again later."
	default:
		return "An unexpected error occurred. Please try again."
	}
}
