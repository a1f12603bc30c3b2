// Package retry implements the bounded retry with exponential backoff
// used for every call that leaves the process: state store, mailbox and
// index.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"
)

// Class is how an error should be treated by a retry loop.
type Class int

const (
	// Fatal errors are returned immediately.
	Fatal Class = iota
	// Transient errors (network, throttling) are retried.
	Transient
	// Conflict errors are retried only by policies that resolve them.
	Conflict
)

func (c Class) String() string {
	switch c {
	case Transient:
		return "transient"
	case Conflict:
		return "conflict"
	default:
		return "fatal"
	}
}

// Classifier is implemented by errors that know their own class.
type Classifier interface {
	RetryClass() Class
}

type classified struct {
	err   error
	class Class
}

func (e *classified) Error() string     { return e.err.Error() }
func (e *classified) Unwrap() error     { return e.err }
func (e *classified) RetryClass() Class { return e.class }

// MarkTransient tags err as retryable. A nil err stays nil.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return &classified{err: err, class: Transient}
}

// MarkConflict tags err as a conflict. A nil err stays nil.
func MarkConflict(err error) error {
	if err == nil {
		return nil
	}
	return &classified{err: err, class: Conflict}
}

// Classify returns the class of err. Errors carrying a Classifier in
// their chain use it; network timeouts and per-attempt deadlines are
// transient; everything else, including cancellation, is fatal.
func Classify(err error) Class {
	if err == nil {
		return Fatal
	}
	var c Classifier
	if errors.As(err, &c) {
		return c.RetryClass()
	}
	if errors.Is(err, context.Canceled) {
		return Fatal
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Transient
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return Transient
	}
	return Fatal
}

// Policy describes a bounded retry loop.
type Policy struct {
	// MaxAttempts is the total number of calls, including the first.
	MaxAttempts int

	// BaseDelay is the wait before the second attempt; it doubles on each
	// further attempt up to MaxDelay.
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// Retryable decides which classes are retried. Nil retries Transient
	// only.
	Retryable func(Class) bool

	// BeforeRetry runs after a failed attempt and before the wait. An
	// error from it ends the loop.
	BeforeRetry func(ctx context.Context, attempt int, err error) error

	// Logger receives one warning per retry. Nil disables logging.
	Logger *slog.Logger

	// Name labels log lines.
	Name string

	// sleep is replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// ExhaustedError is returned when every attempt failed with a retryable
// error.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("giving up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Do calls op until it succeeds, fails with a non-retryable error, the
// attempts run out or ctx is done.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	_, err := DoValue(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// DoValue is Do for operations that return a value.
func DoValue[T any](
	ctx context.Context,
	p Policy,
	op func(ctx context.Context) (T, error),
) (T, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = TransientOnly
	}

	var zero T
	for attempt := 1; ; attempt++ {
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		if ctx.Err() != nil {
			return zero, err
		}
		class := Classify(err)
		if !retryable(class) {
			return zero, err
		}
		if attempt >= maxAttempts {
			return zero, &ExhaustedError{Attempts: attempt, Err: err}
		}

		if p.BeforeRetry != nil {
			if hookErr := p.BeforeRetry(ctx, attempt, err); hookErr != nil {
				return zero, hookErr
			}
		}

		delay := p.Delay(attempt)
		if p.Logger != nil {
			p.Logger.Warn("retrying",
				"op", p.Name,
				"attempt", attempt,
				"class", class.String(),
				"delay", delay,
				"err", err,
			)
		}

		sleep := p.sleep
		if sleep == nil {
			sleep = waitWithContext
		}
		if waitErr := sleep(ctx, delay); waitErr != nil {
			return zero, err
		}
	}
}

// Delay returns the wait after the given failed attempt.
func (p Policy) Delay(attempt int) time.Duration {
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	delay := p.BaseDelay
	if delay <= 0 {
		return 0
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

// TransientOnly retries transient errors.
func TransientOnly(c Class) bool { return c == Transient }

// TransientOrConflict retries transient errors and conflicts.
func TransientOrConflict(c Class) bool { return c == Transient || c == Conflict }

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
