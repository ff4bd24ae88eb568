// Package api exposes the question engine over HTTP/JSON.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/onnwee/civicq/internal/audit"
	"github.com/onnwee/civicq/internal/cluster"
	"github.com/onnwee/civicq/internal/engine"
	"github.com/onnwee/civicq/internal/middleware"
	"github.com/onnwee/civicq/internal/question"
	"github.com/onnwee/civicq/internal/vote"
)

// Common error codes used throughout the API.
const (
	// ErrCodeValidation indicates input validation failure.
	ErrCodeValidation = "validation_error"

	// ErrCodeNotFound indicates the requested resource was not found.
	ErrCodeNotFound = "not_found"

	// ErrCodeRateLimited indicates rate limit exceeded.
	ErrCodeRateLimited = "rate_limited"

	// ErrCodeInternal indicates an internal server error.
	ErrCodeInternal = "internal_error"

	// ErrCodeConflict indicates a conflict with the current state.
	ErrCodeConflict = "conflict"

	// ErrCodeBadRequest indicates a malformed request.
	ErrCodeBadRequest = "bad_request"

	// ErrCodeContestFrozen indicates the contest no longer accepts votes.
	ErrCodeContestFrozen = "contest_frozen"

	// ErrCodeQuestionNotOpen indicates the question is pending or removed.
	ErrCodeQuestionNotOpen = "question_not_open"

	// ErrCodeRecomputeFailed indicates a ranking recompute stage failed.
	// The previous ranking stays published.
	ErrCodeRecomputeFailed = "recompute_failed"

	// ErrCodeUnavailable indicates a dependency did not answer in time.
	ErrCodeUnavailable = "unavailable"
)

// ErrorResponse represents the standard error response format.
// All API errors return JSON in this structure: {"error": {"code": "...", "message": "..."}}
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains the error code and human-readable message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteError writes a standardized JSON error response and records code
// for the logging middleware.
//
// Format: {"error": {"code": "error_code", "message": "Error description"}}
func WriteError(w http.ResponseWriter, ctx context.Context, status int, code, message string) {
	middleware.SetErrorCode(ctx, code)

	data, err := json.Marshal(ErrorResponse{Error: ErrorDetail{Code: code, Message: message}})
	if err != nil {
		slog.ErrorContext(ctx, "failed to marshal error response", "error", err)
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("Internal server error"))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		slog.ErrorContext(ctx, "failed to write error response", "error", err)
	}
}

// writeJSON writes v with the given status.
func writeJSON(w http.ResponseWriter, ctx context.Context, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

// errorMapping pairs sentinel errors with their HTTP status and code.
var errorMapping = []struct {
	err    error
	status int
	code   string
}{
	{engine.ErrMissingContest, http.StatusBadRequest, ErrCodeValidation},
	{engine.ErrMissingUser, http.StatusBadRequest, ErrCodeValidation},
	{engine.ErrInvalidNewStatus, http.StatusBadRequest, ErrCodeValidation},
	{question.ErrEmptyText, http.StatusBadRequest, ErrCodeValidation},
	{question.ErrTooManyTags, http.StatusBadRequest, ErrCodeValidation},
	{vote.ErrInvalidValue, http.StatusBadRequest, ErrCodeValidation},
	{vote.ErrInvalidWeight, http.StatusBadRequest, ErrCodeValidation},
	{audit.ErrInvalidEntityType, http.StatusBadRequest, ErrCodeValidation},
	{audit.ErrInvalidEntityID, http.StatusBadRequest, ErrCodeValidation},

	{question.ErrQuestionNotFound, http.StatusNotFound, ErrCodeNotFound},
	{question.ErrVersionNotFound, http.StatusNotFound, ErrCodeNotFound},
	{vote.ErrVoteNotFound, http.StatusNotFound, ErrCodeNotFound},
	{cluster.ErrClusterNotFound, http.StatusNotFound, ErrCodeNotFound},

	{vote.ErrContestFrozen, http.StatusConflict, ErrCodeContestFrozen},
	{engine.ErrQuestionNotOpen, http.StatusConflict, ErrCodeQuestionNotOpen},
	{engine.ErrRedirectTooDeep, http.StatusConflict, ErrCodeConflict},
	{question.ErrQuestionNotEditable, http.StatusConflict, ErrCodeConflict},
	{question.ErrInvalidTransition, http.StatusConflict, ErrCodeConflict},
	{question.ErrVersionConflict, http.StatusConflict, ErrCodeConflict},

	{context.DeadlineExceeded, http.StatusServiceUnavailable, ErrCodeUnavailable},
}

// writeServiceError maps an engine error to a response. Unknown errors are
// logged and reported as internal errors without their message.
func writeServiceError(w http.ResponseWriter, ctx context.Context, err error) {
	for _, m := range errorMapping {
		if errors.Is(err, m.err) {
			WriteError(w, ctx, m.status, m.code, m.err.Error())
			return
		}
	}
	slog.ErrorContext(ctx, "request failed", "error", err)
	WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Internal server error")
}

// StatusCodeMapping returns the recommended HTTP status code for common error codes.
func StatusCodeMapping(code string) int {
	switch code {
	case ErrCodeValidation, ErrCodeBadRequest:
		return http.StatusBadRequest
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case ErrCodeConflict, ErrCodeContestFrozen, ErrCodeQuestionNotOpen:
		return http.StatusConflict
	case ErrCodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
