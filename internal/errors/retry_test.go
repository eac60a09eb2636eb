package errors

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func fastRetry() RetryConfig {
	return RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestRetryWithResultEventualSuccess(t *testing.T) {
	attempts := 0
	result, err := RetryWithResult(context.Background(), fastRetry(), nil, func(context.Context) (string, error) {
		attempts++
		if attempts < 3 {
			return "", NewTransientError(fmt.Errorf("flaky"), "flaky")
		}
		return "ok", nil
	})
	require.NoError(t, err)
	require.Equal(t, "ok", result)
	require.Equal(t, 3, attempts)
}

func TestRetryWithResultPermanentNotRetried(t *testing.T) {
	attempts := 0
	_, err := RetryWithResult(context.Background(), fastRetry(), nil, func(context.Context) (int, error) {
		attempts++
		return 0, NewPermanentError(fmt.Errorf("bad request"), "Request rejected (400).")
	})
	require.Error(t, err)
	require.Equal(t, 1, attempts)
	require.False(t, IsTransient(err))
}

func TestRetryWithResultQuotaNotRetried(t *testing.T) {
	attempts := 0
	_, err := RetryWithResult(context.Background(), fastRetry(), nil, func(context.Context) (int, error) {
		attempts++
		return 0, MapHTTPStatus(402, []byte("payment required"), nil)
	})
	require.True(t, IsQuota(err))
	require.Equal(t, 1, attempts)
}

func TestRetryWithResultExhaustsAttempts(t *testing.T) {
	attempts := 0
	_, err := RetryWithResult(context.Background(), fastRetry(), nil, func(context.Context) (int, error) {
		attempts++
		return 0, NewTransientError(fmt.Errorf("still down"), "still down")
	})
	require.Error(t, err)
	require.Equal(t, 4, attempts) // first try + 3 retries
}

func TestRetryWithResultHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	attempts := 0
	_, err := RetryWithResult(ctx, fastRetry(), nil, func(context.Context) (int, error) {
		attempts++
		return 0, nil
	})
	require.ErrorIs(t, err, ErrCancelled)
	require.Zero(t, attempts)
}

func TestBackoffDelayDoubles(t *testing.T) {
	config := RetryConfig{BaseDelay: time.Second, MaxDelay: 30 * time.Second}
	require.Equal(t, time.Second, backoffDelay(0, config))
	require.Equal(t, 2*time.Second, backoffDelay(1, config))
	require.Equal(t, 4*time.Second, backoffDelay(2, config))
}
