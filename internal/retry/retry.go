// Package retry wraps outbound provider calls with classification-driven
// retries and exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"time"
)

// ErrExhausted is returned after the attempt budget is spent on retriable
// failures. The last underlying error is wrapped for diagnostics.
var ErrExhausted = errors.New("retry attempts exhausted")

// StatusCoder is implemented by errors that carry an HTTP-like status.
type StatusCoder interface {
	HTTPStatus() int
}

// Hinter is implemented by errors that carry a server-suggested wait,
// e.g. from a Retry-After header. The hint wins over computed backoff
// when it is non-negative and below the configured maximum.
type Hinter interface {
	RetryAfterHint() (time.Duration, bool)
}

// Policy bounds the retry behavior.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MinDelay    time.Duration
	MaxDelay    time.Duration
}

// Retrier executes operations under a Policy. The sleep and jitter sources
// are injectable so timing is deterministic under test.
type Retrier struct {
	policy Policy

	// sleep waits for d or until ctx is done. Replaceable in tests.
	sleep func(ctx context.Context, d time.Duration) error

	// jitter perturbs a computed delay to avoid synchronized retry storms.
	jitter func(d time.Duration) time.Duration
}

// New creates a Retrier with real clock and randomized jitter
// (up to 25% of the computed delay).
func New(policy Policy) *Retrier {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	return &Retrier{
		policy: policy,
		sleep:  sleepCtx,
		jitter: func(d time.Duration) time.Duration {
			if d <= 0 {
				return 0
			}
			return time.Duration(rand.Int63n(int64(d)/4 + 1))
		},
	}
}

// SetSleep replaces the wait function. Test hook.
func (r *Retrier) SetSleep(fn func(ctx context.Context, d time.Duration) error) {
	r.sleep = fn
}

// SetJitter replaces the jitter source. Test hook.
func (r *Retrier) SetJitter(fn func(d time.Duration) time.Duration) {
	r.jitter = fn
}

// Do runs op, retrying on retriable failures with exponential backoff until
// it succeeds, a fatal error occurs, or the attempt budget is exhausted.
func (r *Retrier) Do(ctx context.Context, op func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !Retriable(err) {
			return err
		}
		lastErr = err

		if attempt == r.policy.MaxAttempts {
			break
		}

		delay := r.delayFor(attempt, err)
		if err := r.sleep(ctx, delay); err != nil {
			return err
		}
	}

	return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, r.policy.MaxAttempts, lastErr)
}

// delayFor computes the wait before the next attempt. attempt is 1-based.
func (r *Retrier) delayFor(attempt int, cause error) time.Duration {
	var hinter Hinter
	if errors.As(cause, &hinter) {
		if hint, ok := hinter.RetryAfterHint(); ok && hint >= 0 && hint <= r.policy.MaxDelay {
			return hint
		}
	}

	delay := r.policy.BaseDelay << (attempt - 1)
	delay += r.jitter(delay)
	if delay < r.policy.MinDelay {
		delay = r.policy.MinDelay
	}
	if delay > r.policy.MaxDelay {
		delay = r.policy.MaxDelay
	}
	return delay
}

// Retriable classifies an error. Rate limits, server errors, timeouts and
// transient network failures are retriable; authentication and validation
// errors, and anything unrecognized, are fatal.
func Retriable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var sc StatusCoder
	if errors.As(err, &sc) {
		status := sc.HTTPStatus()
		switch {
		case status == 429:
			return true
		case status >= 500 && status <= 599:
			return true
		case status == 401, status == 403, status == 400, status == 404, status == 422:
			return false
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"rate limit", "rate_limit_exceeded", "429", "tpm",
		"temporarily unavailable", "overloaded",
		"connection reset", "connection refused", "timeout", "timed out",
		"bad gateway", "service unavailable",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
