package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotConfigured means the client has no API key and cannot serve calls.
	ErrNotConfigured = errors.New("llm client not configured")
	// ErrRetriesExhausted wraps the last transient failure after the retry
	// budget is spent. Callers treat the batch as contributing zero records.
	ErrRetriesExhausted = errors.New("llm retries exhausted")
)

// HTTPStatusError is returned for non-2xx responses from the model endpoint.
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("llm endpoint returned status %d: %s", e.StatusCode, e.Body)
}

// IsTransient classifies a call failure. Rate limits, server errors and
// timeouts are worth retrying; auth and request-shape problems are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.StatusCode == 429:
			return true
		case statusErr.StatusCode >= 500:
			return true
		case statusErr.StatusCode == 400, statusErr.StatusCode == 401,
			statusErr.StatusCode == 403, statusErr.StatusCode == 404:
			return false
		}
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"timeout", "deadline exceeded", "connection refused", "connection reset",
		"temporary", "rate limit", "too many requests", "overloaded",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
