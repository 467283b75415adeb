package http

import (
	"errors"
	"net/http"

	"quiz-session-service/internal/domain"
)

// errorPayload is the body of every error reply, over HTTP and websocket alike.
type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// classify maps a service error to its HTTP status and stable error code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrExpired):
		return http.StatusGone, "expired"
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, domain.ErrInvalidQuiz):
		return http.StatusUnprocessableEntity, "invalid_quiz"
	case errors.Is(err, domain.ErrInvalidID):
		return http.StatusBadRequest, "bad_request"
	case domain.IsRetryable(err):
		return http.StatusServiceUnavailable, "retryable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func newErrorPayload(err error) (int, errorPayload) {
	status, code := classify(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		// Store and driver details stay in the logs.
		msg = http.StatusText(status)
	}
	return status, errorPayload{Code: code, Message: msg}
}
