package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/ineyio/imagegate"
	"github.com/ineyio/imagegate/gallery"
)

type successResponse struct {
	Status string `json:"status"`
	Data   any    `json:"data,omitempty"`
}

type errorResponse struct {
	Status string       `json:"status"`
	Error  errorPayload `json:"error"`
}

type errorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Detail    string `json:"detail,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeSuccess(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, successResponse{Status: "success", Data: data})
}

// writeError reports err with the message a chat user would see and the raw
// error as detail.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := mapError(err)
	writeJSON(w, status, errorResponse{Status: "error", Error: errorPayload{
		Code:      code,
		Message:   imagegate.UserMessage(err),
		Detail:    err.Error(),
		RequestID: middleware.GetReqID(r.Context()),
	}})
}

func mapError(err error) (int, string) {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, imagegate.ErrInvalidPrompt),
		errors.Is(err, imagegate.ErrInvalidBatchSize),
		errors.Is(err, imagegate.ErrInvalidSources):
		return http.StatusBadRequest, "invalid_input"
	case errors.Is(err, imagegate.ErrRateLimitExceeded):
		return http.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, imagegate.ErrJobNotFound), errors.Is(err, gallery.ErrWorkNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, imagegate.ErrContentFiltered):
		return http.StatusUnprocessableEntity, "content_filtered"
	case errors.Is(err, imagegate.ErrBatchTimedOut):
		return http.StatusGatewayTimeout, "batch_timed_out"
	case errors.Is(err, imagegate.ErrBatchSubmissionFailed),
		errors.Is(err, imagegate.ErrBatchFailed),
		errors.Is(err, imagegate.ErrTransient),
		errors.Is(err, imagegate.ErrPermanent):
		return http.StatusBadGateway, "gateway_error"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
