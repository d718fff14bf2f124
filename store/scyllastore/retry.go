package scyllastore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/gocql/gocql"
)

// RetryPolicy retries transient ScyllaDB failures with exponential backoff
// and jitter. It only retries errors that can plausibly succeed on another
// attempt; CAS conflicts and query errors surface immediately.
type RetryPolicy struct {
	numRetries    int
	minDelay      time.Duration
	maxDelay      time.Duration
	backoffFactor float64
}

// NewRetryPolicy creates a retry policy from the given configuration.
func NewRetryPolicy(config RetryPolicyConfig) *RetryPolicy {
	return &RetryPolicy{
		numRetries:    config.NumRetries,
		minDelay:      config.MinRetryDelay,
		maxDelay:      config.MaxRetryDelay,
		backoffFactor: 2.0,
	}
}

// Execute runs operation, retrying retryable failures until the attempt
// budget is spent or ctx is cancelled.
func (rp *RetryPolicy) Execute(ctx context.Context, operation func() error) error {
	var lastErr error

	for attempt := 0; attempt <= rp.numRetries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(rp.delay(attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("cancelled after %d attempts: %w", attempt, ctx.Err())
			case <-timer.C:
			}
		}

		err := operation()
		if err == nil {
			if attempt > 0 {
				logger.Debugf("operation succeeded after %d retries", attempt)
			}
			return nil
		}
		lastErr = err

		if !isRetryable(err) {
			return err
		}
		if attempt < rp.numRetries {
			logger.Debugf("retryable ScyllaDB error on attempt %d/%d: %s",
				attempt+1, rp.numRetries+1, err)
		}
	}
	return fmt.Errorf("operation failed after %d attempts: %w", rp.numRetries+1, lastErr)
}

// delay is exponential in the attempt number, jittered by ±25% and clamped
// to [minDelay, maxDelay].
func (rp *RetryPolicy) delay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	base := float64(rp.minDelay) * math.Pow(rp.backoffFactor, float64(attempt-1))
	if base > float64(rp.maxDelay) {
		base = float64(rp.maxDelay)
	}
	jitter := base * 0.25 * (rand.Float64()*2 - 1)
	d := time.Duration(base + jitter)
	if d < rp.minDelay {
		d = rp.minDelay
	}
	if d > rp.maxDelay {
		d = rp.maxDelay
	}
	return d
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gocql.ErrNotFound) {
		return false
	}

	switch err.(type) {
	case *gocql.RequestErrUnavailable,
		*gocql.RequestErrReadTimeout,
		*gocql.RequestErrWriteTimeout,
		*gocql.RequestErrReadFailure,
		*gocql.RequestErrWriteFailure:
		return true
	}

	errStr := strings.ToLower(err.Error())
	for _, s := range []string{
		"timeout",
		"connection refused",
		"connection reset",
		"no hosts available",
		"host down",
		"broken pipe",
	} {
		if strings.Contains(errStr, s) {
			return true
		}
	}
	return false
}
