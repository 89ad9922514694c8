package llm

import (
	"context"
	"errors"
	"fmt"
)

// Preview limits applied to error bodies.
const (
	nonJSONPreviewLen = 120
	streamPreviewLen  = 300
)

// ApiError is the transport's failure type: non-JSON bodies, provider error
// objects, non-2xx streaming opens, and client timeouts all surface as one.
type ApiError struct {
	Provider Provider
	Status   int
	Message  string
}

func (e *ApiError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: %s (status %d)", e.Provider, e.Message, e.Status)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// newAPIError builds an ApiError, mapping context deadline expiry to a
// timeout message.
func newAPIError(p Provider, status int, msg string, cause error) *ApiError {
	if cause != nil && errors.Is(cause, context.DeadlineExceeded) {
		return &ApiError{Provider: p, Status: status, Message: "request timed out"}
	}
	return &ApiError{Provider: p, Status: status, Message: msg}
}

// preview truncates s to n bytes for inclusion in error messages.
func preview(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
