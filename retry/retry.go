package retry

import (
	"context"
	"math"
	"math/rand"
	"net/http"
	"time"
)

const (
	// MaxRetries bounds how many times a sync peer call is attempted
	// before WithRetry gives up and returns the last error.
	MaxRetries = 3
	// RetryBaseWait is the first backoff step; later attempts double it.
	RetryBaseWait = 1 * time.Second
)

// RetryableFunc is one attempt at a peer call: push/pull ops, status
// probes, pairing handshakes.
type RetryableFunc func() error

// WithRetry runs f up to MaxRetries times, backing off exponentially
// (with jitter) between attempts. An APIError whose StatusCode fails
// ShouldRetry is returned immediately without burning further attempts
// — a 4xx from a peer means the request itself is wrong, not transient.
func WithRetry(ctx context.Context, f RetryableFunc) error {
	var lastError error

	for attempt := 0; attempt < MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(float64(RetryBaseWait) * math.Pow(2, float64(attempt-1)))
			jitter := time.Duration(rand.Float64() * float64(backoff) * 0.1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff + jitter):
			}
		}

		if err := f(); err != nil {
			lastError = err
			if apiErr, ok := err.(APIError); ok && !ShouldRetry(apiErr.StatusCode()) {
				return err
			}
			continue
		}
		return nil
	}
	return lastError
}

// ShouldRetry reports whether statusCode is a transient failure worth
// another attempt (rate-limited or the peer is briefly unavailable).
func ShouldRetry(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests || // 429
		statusCode == http.StatusServiceUnavailable || // 503
		statusCode == http.StatusGatewayTimeout // 504
}

// APIError is implemented by errors carrying an HTTP status code, so
// WithRetry can decide whether a failure is worth retrying.
type APIError interface {
	error
	StatusCode() int
}
