package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type classified struct {
	retryable bool
}

func (c classified) Error() string     { return fmt.Sprintf("classified retryable=%v", c.retryable) }
func (c classified) IsRetryable() bool { return c.retryable }

func TestPolicy_DelayFor(t *testing.T) {
	p := DefaultPolicy()

	assert.Equal(t, time.Second, p.DelayFor(0))
	assert.Equal(t, 2*time.Second, p.DelayFor(1))
	assert.Equal(t, 4*time.Second, p.DelayFor(2))
	assert.Equal(t, 8*time.Second, p.DelayFor(3))
	assert.Equal(t, 30*time.Second, p.DelayFor(10), "capped at MaxDelay")
	assert.Equal(t, time.Second, p.DelayFor(-1))
}

func TestPolicy_DelayFor_Uncapped(t *testing.T) {
	p := Policy{BaseDelay: time.Second}

	assert.Equal(t, 4*time.Second, p.DelayFor(2))
	for _, attempt := range []int{40, 63, 64, 1000} {
		d := p.DelayFor(attempt)
		assert.Positive(t, d, "attempt %d", attempt)
		assert.Equal(t, maxBackoff, d, "attempt %d", attempt)
	}
}

func TestPolicy_ShouldRetry(t *testing.T) {
	p := DefaultPolicy()

	tests := []struct {
		name       string
		err        error
		attempt    int
		maxRetries int
		want       bool
	}{
		{"retryable below limit", classified{true}, 0, 2, true},
		{"retryable at last allowed", classified{true}, 1, 2, true},
		{"retryable exhausted", classified{true}, 2, 2, false},
		{"non-retryable", classified{false}, 0, 5, false},
		{"wrapped retryable", fmt.Errorf("attempt failed: %w", classified{true}), 0, 1, true},
		{"unclassified error", errors.New("boom"), 0, 3, false},
		{"nil error", nil, 0, 3, false},
		{"zero max retries", classified{true}, 0, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.ShouldRetry(tt.err, tt.attempt, tt.maxRetries))
		})
	}
}

func TestSleep_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := Sleep(ctx, time.Hour)

	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

func TestDoWithLog_SucceedsAfterFailures(t *testing.T) {
	cfg := Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, BackoffFactor: 2}

	calls := 0
	var logged []int
	err := DoWithLog(context.Background(), cfg, "test", func() error {
		calls++
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	}, func(attempt int, err error, nextDelay time.Duration) {
		logged = append(logged, attempt)
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, logged)
}

func TestDoWithLog_Exhausted(t *testing.T) {
	cfg := Config{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffFactor: 2}

	err := DoWithLog(context.Background(), cfg, "postgres", func() error {
		return errors.New("refused")
	}, nil)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres: max retry attempts (2) exceeded")
}
