// Package retry provides bounded retries with exponential backoff
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Operation represents a function that can be retried. attempt starts at 1.
type Operation func(ctx context.Context, attempt int) error

// Policy holds retry configuration
type Policy struct {
	// MaxAttempts is the maximum number of attempts including the initial attempt
	MaxAttempts int

	// InitialDelay is the delay before the first retry
	InitialDelay time.Duration

	// MaxDelay caps the delay between retries
	MaxDelay time.Duration

	// Multiplier is the factor by which the delay grows after each retry
	Multiplier float64

	// MaxJitter is the maximum random jitter added to delays
	MaxJitter time.Duration

	// Retryable decides whether a failed attempt may be retried. A nil
	// Retryable only retries errors marked with Transient.
	Retryable func(error) bool

	// OnRetry is called before sleeping for the next attempt
	OnRetry func(attempt int, delay time.Duration, err error)
}

// DefaultPolicy returns the policy used for device connection attempts
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		MaxJitter:    100 * time.Millisecond,
	}
}

// Do runs op until it succeeds, hits a non-retryable error, runs out of
// attempts or ctx is done. The last error is returned unwrapped so callers
// can classify it, and ExhaustedError reports how many attempts were made.
func Do(ctx context.Context, p Policy, op Operation) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		err := op(ctx, attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		if !p.retryable(err) {
			return err
		}
		if attempt == attempts {
			break
		}

		delay := p.Delay(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, delay, err)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return lastErr
		case <-timer.C:
		}
	}

	return &ExhaustedError{Attempts: attempts, Err: lastErr}
}

func (p Policy) retryable(err error) bool {
	if IsPermanent(err) {
		return false
	}
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return IsTransient(err)
}

// Delay returns the backoff before the attempt following the given one,
// without jitter when MaxJitter is zero.
func (p Policy) Delay(attempt int) time.Duration {
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	delay := float64(p.InitialDelay) * math.Pow(mult, float64(attempt-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	if p.MaxJitter > 0 {
		delay += float64(p.MaxJitter) * rand.Float64()
	}
	return time.Duration(delay)
}

// ExhaustedError is returned once every attempt failed with a retryable error
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Transient marks err as retryable
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// Permanent marks err as never retryable, overriding Policy.Retryable
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsTransient reports whether err was marked with Transient
func IsTransient(err error) bool {
	var t *transientError
	return errors.As(err, &t)
}

// IsPermanent reports whether err was marked with Permanent
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
