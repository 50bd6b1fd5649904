package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(attempts int) Policy {
	return Policy{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
	}
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(3), func(ctx context.Context, attempt int) error {
		calls++
		if attempt < 3 {
			return Transient(errors.New("connection refused"))
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	authErr := errors.New("unable to authenticate")
	calls := 0
	err := Do(context.Background(), fastPolicy(5), func(ctx context.Context, attempt int) error {
		calls++
		return authErr
	})

	assert.Equal(t, 1, calls)
	assert.Same(t, authErr, err)
}

func TestDoExhausted(t *testing.T) {
	base := errors.New("no route to host")
	var retried []int
	p := fastPolicy(3)
	p.OnRetry = func(attempt int, delay time.Duration, err error) {
		retried = append(retried, attempt)
	}

	err := Do(context.Background(), p, func(ctx context.Context, attempt int) error {
		return Transient(base)
	})

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.ErrorIs(t, err, base)
	assert.Equal(t, []int{1, 2}, retried)
}

func TestDoCustomClassifierAndPermanent(t *testing.T) {
	p := fastPolicy(4)
	p.Retryable = func(err error) bool { return true }

	calls := 0
	err := Do(context.Background(), p, func(ctx context.Context, attempt int) error {
		calls++
		if attempt == 2 {
			return Permanent(errors.New("locked out"))
		}
		return errors.New("flaky")
	})

	assert.Equal(t, 2, calls)
	assert.True(t, IsPermanent(err))
}

func TestDoHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := fastPolicy(10)
	p.InitialDelay = time.Hour
	p.MaxDelay = time.Hour

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := Do(ctx, p, func(ctx context.Context, attempt int) error {
		return Transient(errors.New("timeout"))
	})

	assert.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestDelayGrowsAndCaps(t *testing.T) {
	p := Policy{InitialDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond, Multiplier: 2}

	assert.Equal(t, 100*time.Millisecond, p.Delay(1))
	assert.Equal(t, 200*time.Millisecond, p.Delay(2))
	assert.Equal(t, 300*time.Millisecond, p.Delay(3))
	assert.Equal(t, 300*time.Millisecond, p.Delay(8))
}
