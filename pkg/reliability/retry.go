package reliability

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/odvcencio/browserhost/pkg/config"
	"github.com/odvcencio/browserhost/pkg/errors"
	"github.com/odvcencio/browserhost/pkg/logging"
)

var metricRetriedAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "browserhost",
	Subsystem: "retry",
	Name:      "attempts_total",
	Help:      "Failed attempts that entered the retry loop, by operation.",
}, []string{"operation"})

// Strategy implements bounded retry with exponential backoff for flaky
// browser operations. Delays start at InitialDelay and grow by Multiplier
// after every failed attempt, capped at MaxDelay.
type Strategy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64

	// Logger, when set, records each retried attempt.
	Logger *logging.Logger
}

// NavigationStrategy returns the fixed profile for page navigations:
// fewer attempts with larger delays, since a slow page load rarely
// benefits from hammering.
func NavigationStrategy() Strategy {
	return FromProfile(config.DefaultConfig().Retry.Navigation)
}

// ActionStrategy returns the fixed profile for fine-grained page actions:
// more attempts with shorter delays.
func ActionStrategy() Strategy {
	return FromProfile(config.DefaultConfig().Retry.Action)
}

// FromProfile builds a Strategy from a configured retry profile.
func FromProfile(p config.RetryProfile) Strategy {
	return Strategy{
		MaxAttempts:  p.MaxAttempts,
		InitialDelay: p.InitialDelay,
		MaxDelay:     p.MaxDelay,
		Multiplier:   p.Multiplier,
	}
}

// WithLogger returns a copy of the strategy that logs retried attempts.
func (s Strategy) WithLogger(logger *logging.Logger) Strategy {
	s.Logger = logger
	return s
}

// Execute runs fn up to MaxAttempts times, sleeping between attempts.
//
// An error explicitly marked non-retryable (a structured error with
// Retryable=false, such as a security denial) stops the loop immediately.
// Everything else is treated as transient. On exhaustion the last observed
// error is returned as-is, never an aggregate.
//
// Context cancellation stops the loop between attempts.
func (s Strategy) Execute(ctx context.Context, label string, fn func(context.Context) error) error {
	_, err := ExecuteValue(ctx, s, label, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// ExecuteValue is Execute for operations that produce a value.
func ExecuteValue[T any](ctx context.Context, s Strategy, label string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error
	delay := s.InitialDelay

	attempts := s.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return zero, ctx.Err()
			}

			delay = time.Duration(float64(delay) * s.Multiplier)
			if s.MaxDelay > 0 && delay > s.MaxDelay {
				delay = s.MaxDelay
			}
		}

		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !shouldRetry(err) {
			return zero, err
		}

		metricRetriedAttempts.WithLabelValues(label).Inc()
		s.Logger.Warn(logging.CategoryRetry, "attempt_failed", label, map[string]any{
			"attempt":      attempt,
			"max_attempts": attempts,
			"error":        err.Error(),
		})
	}

	return zero, lastErr
}

// shouldRetry treats errors as transient unless they are explicitly marked
// non-retryable. Plain errors from the transport get the benefit of the
// doubt; the attempt bound keeps that safe.
func shouldRetry(err error) bool {
	if structured, ok := err.(*errors.Error); ok {
		return structured.Retryable
	}
	return true
}
