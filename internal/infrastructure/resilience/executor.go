package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
)

type ErrorClassification struct {
	Retryable     bool
	RecordFailure bool
}

type ErrorClassifier func(err error) ErrorClassification

type Executor struct {
	cfg Config

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[any]
}

func NewExecutor(cfg Config) *Executor {
	return &Executor{
		cfg:      cfg.normalize(),
		breakers: make(map[string]*gobreaker.CircuitBreaker[any]),
	}
}

func (e *Executor) Execute(
	ctx context.Context,
	operation string,
	fn func(context.Context) error,
	classifier ErrorClassifier,
) error {
	_, err := e.ExecuteCounted(ctx, operation, fn, classifier)
	return err
}

// ExecuteCounted behaves like Execute and also reports how many times fn ran.
// A call rejected by an open breaker reports zero attempts.
func (e *Executor) ExecuteCounted(
	ctx context.Context,
	operation string,
	fn func(context.Context) error,
	classifier ErrorClassifier,
) (int, error) {
	if fn == nil {
		return 0, fmt.Errorf("resilience: operation callback is nil")
	}
	op := strings.TrimSpace(operation)
	if op == "" {
		op = "unknown"
	}
	if classifier == nil {
		classifier = defaultClassifier
	}

	if !e.cfg.BreakerEnabled {
		return e.executeWithRetry(ctx, op, fn, classifier)
	}

	attempts := 0
	breaker := e.circuitBreaker(op)
	_, err := breaker.Execute(func() (any, error) {
		n, err := e.executeWithRetry(ctx, op, fn, classifier)
		attempts = n
		if err != nil && (ctx.Err() != nil || !classifier(err).RecordFailure) {
			return nil, excusedError{err: err}
		}
		return nil, err
	})
	if excused, ok := err.(excusedError); ok {
		err = excused.err
	}
	return attempts, err
}

// excusedError marks a failure the breaker must not count: the caller gave
// up, or the call's classifier does not record it.
type excusedError struct{ err error }

func (e excusedError) Error() string { return e.err.Error() }
func (e excusedError) Unwrap() error { return e.err }

// MaxAttempts is the normalized retry budget of the executor.
func (e *Executor) MaxAttempts() int {
	return e.cfg.RetryMaxAttempts
}

func (e *Executor) executeWithRetry(
	ctx context.Context,
	operation string,
	fn func(context.Context) error,
	classifier ErrorClassifier,
) (int, error) {
	maxAttempts := e.cfg.RetryMaxAttempts
	backoff := e.cfg.RetryInitialBackoff

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return attempt - 1, lastErr
			}
			return attempt - 1, err
		}

		err := fn(ctx)
		if err == nil {
			return attempt, nil
		}
		lastErr = err

		if !classifier(err).Retryable || attempt == maxAttempts {
			return attempt, err
		}

		wait := e.waitBefore(backoff, err)
		slog.Warn("retry_attempt",
			"operation", operation,
			"attempt", attempt,
			"max_attempts", maxAttempts,
			"backoff_ms", float64(wait.Microseconds())/1000.0,
			"error", err,
		)
		if !sleep(ctx, wait) {
			return attempt, err
		}

		backoff = min(time.Duration(float64(backoff)*e.cfg.RetryMultiplier), e.cfg.RetryMaxBackoff)
	}

	return maxAttempts, lastErr
}

// waitBefore is the exponential backoff, stretched to a server retry hint
// when err carries one.
func (e *Executor) waitBefore(backoff time.Duration, err error) time.Duration {
	wait := min(backoff, e.cfg.RetryMaxBackoff)
	if hint := RetryAfter(err); hint > wait {
		wait = min(hint, e.cfg.RetryAfterCap)
	}
	return wait
}

// RetryAfter extracts a retry hint from errors implementing
// RetryAfter() time.Duration. Zero means no hint.
func RetryAfter(err error) time.Duration {
	var hinted interface{ RetryAfter() time.Duration }
	if errors.As(err, &hinted) {
		return hinted.RetryAfter()
	}
	return 0
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (e *Executor) circuitBreaker(operation string) *gobreaker.CircuitBreaker[any] {
	e.mu.Lock()
	defer e.mu.Unlock()

	if breaker, ok := e.breakers[operation]; ok {
		return breaker
	}

	settings := gobreaker.Settings{
		Name:        operation,
		MaxRequests: e.cfg.BreakerHalfOpenMaxCalls,
		Timeout:     e.cfg.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < e.cfg.BreakerMinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= e.cfg.BreakerFailureRatio
		},
		IsSuccessful: func(err error) bool {
			_, excused := err.(excusedError)
			return err == nil || excused
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			slog.Warn("circuit_breaker_state_change", "operation", name, "from", from.String(), "to", to.String())
		},
	}

	breaker := gobreaker.NewCircuitBreaker[any](settings)
	e.breakers[operation] = breaker
	return breaker
}

func IsCircuitOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

func defaultClassifier(error) ErrorClassification {
	return ErrorClassification{
		Retryable:     false,
		RecordFailure: true,
	}
}
