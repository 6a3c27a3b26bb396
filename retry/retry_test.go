package retry

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

// peerAPIError is a minimal APIError the way sync/client.go's
// httpAPIError adapts a peer's HTTP response.
type peerAPIError struct {
	status int
}

func (e *peerAPIError) Error() string   { return "peer call failed" }
func (e *peerAPIError) StatusCode() int { return e.status }

func TestShouldRetryTransientStatuses(t *testing.T) {
	require.True(t, ShouldRetry(http.StatusTooManyRequests))
	require.True(t, ShouldRetry(http.StatusServiceUnavailable))
	require.True(t, ShouldRetry(http.StatusGatewayTimeout))
	require.False(t, ShouldRetry(http.StatusBadRequest))
	require.False(t, ShouldRetry(http.StatusOK))
}

func TestWithRetrySucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	err := WithRetry(context.Background(), func() error {
		attempts++
		if attempts < 2 {
			return &peerAPIError{status: http.StatusServiceUnavailable}
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, attempts)
}

func TestWithRetryStopsOnNonRetryableAPIError(t *testing.T) {
	attempts := 0
	err := WithRetry(context.Background(), func() error {
		attempts++
		return &peerAPIError{status: http.StatusBadRequest}
	})
	require.Error(t, err)
	require.Equal(t, 1, attempts)
}

func TestWithRetryExhaustsAttemptsOnPlainError(t *testing.T) {
	attempts := 0
	wantErr := errors.New("connection reset")
	err := WithRetry(context.Background(), func() error {
		attempts++
		return wantErr
	})
	require.ErrorIs(t, err, wantErr)
	require.Equal(t, MaxRetries, attempts)
}

func TestWithRetryRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	attempts := 0
	err := WithRetry(ctx, func() error {
		attempts++
		return &peerAPIError{status: http.StatusServiceUnavailable}
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, attempts)
}
