package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig(attempts int) Config {
	return Config{MaxAttempts: attempts, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	t.Parallel()

	calls := 0
	err := Do(context.Background(), fastConfig(3), func(attempt int) error {
		calls++
		assert.Equal(t, calls, attempt)
		if attempt < 3 {
			return errors.New("bad gateway")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoReturnsLastErrorWhenExhausted(t *testing.T) {
	t.Parallel()

	calls := 0
	err := Do(context.Background(), fastConfig(2), func(attempt int) error {
		calls++
		return errors.New("attempt failed")
	})
	require.EqualError(t, err, "attempt failed")
	assert.Equal(t, 2, calls)
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	t.Parallel()

	sentinel := errors.New("not found")
	calls := 0
	err := Do(context.Background(), fastConfig(5), func(int) error {
		calls++
		return NonRetryable(sentinel)
	})
	require.ErrorIs(t, err, sentinel)
	assert.False(t, IsNonRetryable(err))
	assert.Equal(t, 1, calls)
}

func TestDoHonoursCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{MaxAttempts: 5, InitialDelay: time.Hour}
	calls := 0
	err := Do(ctx, cfg, func(int) error {
		calls++
		cancel()
		return errors.New("transient")
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestDoRejectsNegativeConfig(t *testing.T) {
	t.Parallel()

	err := Do(context.Background(), Config{MaxAttempts: 1, InitialDelay: -time.Second}, func(int) error { return nil })
	require.Error(t, err)
}

func TestJitterBounds(t *testing.T) {
	t.Parallel()

	assert.Zero(t, jitter(0))
	for range 20 {
		j := jitter(10 * time.Millisecond)
		assert.GreaterOrEqual(t, j, time.Duration(0))
		assert.Less(t, j, 10*time.Millisecond)
	}
}
