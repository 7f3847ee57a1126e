package errs

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimitTimeoutUnwrap(t *testing.T) {
	err := fmt.Errorf("fetch page: %w", &RateLimitTimeout{Key: "okx_api", Cost: 1, Err: context.DeadlineExceeded})

	var rl *RateLimitTimeout
	require.True(t, errors.As(err, &rl))
	assert.Equal(t, "okx_api", rl.Key)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, IsRetryable(err))
	assert.False(t, IsSkip(err))
}

func TestTransientIngestionErrorKeepsCursor(t *testing.T) {
	cause := errors.New("502 bad gateway")
	err := &TransientIngestionError{InstID: "BTC-USDT", Bar: "1H", Cursor: 1700000000000, Attempts: 3, Err: cause}

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "1700000000000")
	assert.True(t, IsRetryable(err))
}

func TestSkipErrors(t *testing.T) {
	assert.True(t, IsSkip(&InsufficientHistoryError{Bar: "4H", Need: 35, Have: 10}))
	assert.True(t, IsSkip(fmt.Errorf("row: %w", &MalformedBarError{Row: 2, Reason: "bad close"})))
	assert.False(t, IsSkip(&MissingNormalizerError{InstID: "BTC-USDT", Bar: "1H", Column: "rsi_1H"}))
	assert.False(t, IsRetryable(ErrCostExceedsCapacity))
}

func TestTransientTagging(t *testing.T) {
	cause := errors.New("connection reset")
	err := fmt.Errorf("history-candles: %w", Transient(cause))

	assert.True(t, IsTransient(err))
	assert.ErrorIs(t, err, cause)
	assert.False(t, IsTransient(cause))
	assert.NoError(t, Transient(nil))
}
