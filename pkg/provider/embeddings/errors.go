package embeddings

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrRateLimited marks a call rejected because the backend quota was
// exhausted. It is the only transient error class: callers may retry after
// a backoff.
var ErrRateLimited = errors.New("embeddings: rate limited")

// ProviderError is returned by backends for failed calls. StatusCode is the
// HTTP status when the backend reported one, 0 otherwise.
type ProviderError struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s embeddings: status %d: %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s embeddings: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrRateLimited) true for HTTP 429 responses.
func (e *ProviderError) Is(target error) bool {
	return target == ErrRateLimited && e.StatusCode == http.StatusTooManyRequests
}

// ErrorClass is the retry classification of a provider failure.
type ErrorClass int

const (
	// FatalProviderError stops retrying immediately.
	FatalProviderError ErrorClass = iota

	// TransientProviderError may succeed after a backoff.
	TransientProviderError
)

func (c ErrorClass) String() string {
	if c == TransientProviderError {
		return "transient"
	}
	return "fatal"
}

// Classify decides whether err is worth retrying. Only rate limiting is
// transient; cancellation, timeouts, auth and malformed requests are fatal.
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return FatalProviderError
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return FatalProviderError
	case errors.Is(err, ErrRateLimited):
		return TransientProviderError
	default:
		return FatalProviderError
	}
}

// StatusLabel returns a short label for err suitable as a metric attribute.
func StatusLabel(err error) string {
	if err == nil {
		return "ok"
	}
	if errors.Is(err, ErrRateLimited) {
		return "rate_limited"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var pe *ProviderError
	if errors.As(err, &pe) && pe.StatusCode != 0 {
		return fmt.Sprintf("http_%d", pe.StatusCode)
	}
	return "error"
}
