package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blevin/mailmirror/internal/mailerr"
)

func fastConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   4,
		InitialDelay:  time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		BackoffFactor: 2.0,
	}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastConfig(), func() error {
		calls++
		if calls < 3 {
			return &mailerr.ConnectionError{Op: "fetch", Err: errors.New("reset")}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	calls := 0
	authErr := &mailerr.AuthenticationError{Account: "a@b.c", Err: errors.New("NO")}
	err := Retry(context.Background(), fastConfig(), func() error {
		calls++
		return authErr
	})
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, authErr)
}

func TestRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastConfig(), func() error {
		calls++
		return &mailerr.ConnectionError{Op: "fetch", Err: errors.New("timeout")}
	})
	assert.Equal(t, 4, calls)
	var connErr *mailerr.ConnectionError
	assert.ErrorAs(t, err, &connErr)
}

func TestRetryHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	cfg := fastConfig()
	cfg.InitialDelay = time.Hour // forces the wait branch
	err := Retry(ctx, cfg, func() error {
		calls++
		cancel()
		return &mailerr.ConnectionError{Op: "fetch", Err: errors.New("reset")}
	})
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, context.Canceled)
}
