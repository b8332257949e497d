// Package retry provides bounded retry with exponential backoff for executor
// calls. Transient failures (network, timeout, rate limiting at the deployment
// target) are retried up to a fixed small limit; everything else fails fast.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"
)

// Config defines retry behavior with exponential backoff.
type Config struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	JitterFactor float64 // 0.0-1.0, +/- jitter to prevent thundering herd
}

// DefaultConfig returns the engine default: 3 retries with 100ms initial delay,
// capped at 5s, doubling each time, with 10% jitter.
func DefaultConfig() *Config {
	return &Config{
		MaxRetries:   3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.1,
	}
}

// applyJitter adds random jitter to a delay.
// Jitter is calculated as: delay +/- (delay * jitterFactor * random(-1 to +1))
func applyJitter(delay time.Duration, jitterFactor float64) time.Duration {
	if jitterFactor <= 0 {
		return delay
	}
	jitter := float64(delay) * jitterFactor * (rand.Float64()*2 - 1)
	return time.Duration(float64(delay) + jitter)
}

// Do executes fn with exponential backoff, retrying every failure up to
// MaxRetries. Respects context cancellation during wait periods.
func Do(ctx context.Context, cfg *Config, fn func() error) error {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	var lastErr error
	delay := cfg.InitialDelay

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err

			if attempt < cfg.MaxRetries {
				select {
				case <-time.After(applyJitter(delay, cfg.JitterFactor)):
					delay = time.Duration(float64(delay) * cfg.Multiplier)
					if delay > cfg.MaxDelay {
						delay = cfg.MaxDelay
					}
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	}

	return lastErr
}

// TransientError is an interface for errors that explicitly declare their
// retryability. Executor errors implement this to control the retry path.
type TransientError interface {
	error
	IsTransient() bool
}

// Transient wraps err as an explicitly retryable error.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err}
}

// Permanent wraps err as an explicitly non-retryable error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err}
}

type transientError struct{ err error }

func (e transientError) Error() string     { return e.err.Error() }
func (e transientError) Unwrap() error     { return e.err }
func (e transientError) IsTransient() bool { return true }

type permanentError struct{ err error }

func (e permanentError) Error() string     { return e.err.Error() }
func (e permanentError) Unwrap() error     { return e.err }
func (e permanentError) IsTransient() bool { return false }

// IsTransient determines if an error is worth retrying.
//
// The function checks errors in this order:
//  1. Context cancellation and deadline errors from the caller are never retried
//     here; deadline overruns inside the executor surface as wrapped timeouts.
//  2. If any error in the chain implements TransientError, its verdict wins.
//  3. Otherwise, pattern-match against known transient failure strings from
//     deployment targets and entity stores.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var te TransientError
	if errors.As(err, &te) {
		return te.IsTransient()
	}

	if errors.Is(err, context.DeadlineExceeded) {
		// An executor call that ran out of its bounded timeout is a transient
		// execution failure, not a silent hang.
		return true
	}

	errStr := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"no such host",
		"timeout",
		"timed out",
		"temporary failure",
		"too many connections",
		"deadlock",
		"i/o timeout",
		"network is unreachable",
		"rate limit",
		"too many requests",
		"service unavailable",
		"service busy",
		"429",
		"502",
		"503",
		"504",
	}

	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// DoIfTransient only retries when the error is transient. Permanent errors
// (bad parameters, missing targets, guardrail vetoes) return immediately.
// Returns both the final error and the number of attempts made.
func DoIfTransient(ctx context.Context, cfg *Config, fn func() error) (int, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	var lastErr error
	delay := cfg.InitialDelay
	attempts := 0

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		attempts++
		err := fn()
		if err == nil {
			return attempts, nil
		}
		lastErr = err

		if !IsTransient(err) {
			return attempts, err
		}

		if attempt < cfg.MaxRetries {
			select {
			case <-time.After(applyJitter(delay, cfg.JitterFactor)):
				delay = time.Duration(float64(delay) * cfg.Multiplier)
				if delay > cfg.MaxDelay {
					delay = cfg.MaxDelay
				}
			case <-ctx.Done():
				return attempts, ctx.Err()
			}
		}
	}

	return attempts, fmt.Errorf("retries exhausted after %d attempts: %w", attempts, lastErr)
}
