package runner

import (
	"context"
	"math"
	"time"

	runnable "github.com/goliatone/go-runnable"
)

const (
	DefaultInitialDelay = 128 * time.Millisecond
	DefaultMaxDelay     = 30 * time.Second
)

// RetryStrategy encapsulates the delay between retries.
type RetryStrategy interface {
	// SleepDuration returns how long to wait before the next retry attempt.
	// The attempt index starts at 0, incrementing after each failure.
	SleepDuration(attempt int, err error) time.Duration
}

// RetryDecision is the outcome of asking a strategy about one failure.
type RetryDecision struct {
	ShouldRetry bool
	Delay       time.Duration
	Metadata    map[string]any
}

// RetryDecider is implemented by strategies that also decide whether an
// error is worth retrying.
type RetryDecider interface {
	DecideRetry(attempt int, err error) RetryDecision
}

// DecideRetry asks strategy about a failure. Strategies that only implement
// RetryStrategy retry every retryable fault.
func DecideRetry(strategy RetryStrategy, attempt int, err error) RetryDecision {
	if decider, ok := strategy.(RetryDecider); ok {
		return decider.DecideRetry(attempt, err)
	}
	decision := RetryDecision{ShouldRetry: err == nil || runnable.IsRetryable(err)}
	if strategy != nil {
		decision.Delay = strategy.SleepDuration(attempt, err)
	}
	return decision
}

// NoDelayStrategy is a simple retry strategy that performs all retries
// immediately without waiting.
type NoDelayStrategy struct{}

// SleepDuration always returns zero, causing immediate retries.
func (n NoDelayStrategy) SleepDuration(_ int, _ error) time.Duration {
	return 0
}

// ExponentialBackoffStrategy implements a backoff strategy.
// Usage example:
//
//	WithRetryStrategy(ExponentialBackoffStrategy{
//	    Base:   100 * time.Millisecond,
//	    Factor: 2,
//	    Max:    5 * time.Second,
//	})
type ExponentialBackoffStrategy struct {
	// Base is the starting delay (e.g., 100ms)
	Base time.Duration
	// Factor is multiplied each iteration (e.g., 2 => 100ms, 200ms, 400ms, ...)
	Factor float64
	// Max is the maximum delay allowed (caps the exponential growth)
	Max time.Duration
}

// SleepDuration implements an exponential backoff with a cap at Max.
func (e ExponentialBackoffStrategy) SleepDuration(attempt int, _ error) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(e.Base) * math.Pow(e.Factor, float64(attempt))
	if time.Duration(delay) > e.Max && e.Max > 0 {
		return e.Max
	}
	return time.Duration(delay)
}

// backoffFor builds the strategy described by a retry config.
func backoffFor(cfg *RetryConfig) RetryStrategy {
	base := cfg.InitialDelay
	if base == 0 {
		base = DefaultInitialDelay
	}
	if base < 0 {
		return NoDelayStrategy{}
	}
	max := cfg.MaxDelay
	if max <= 0 {
		max = DefaultMaxDelay
	}
	return ExponentialBackoffStrategy{Base: base, Factor: 2, Max: max}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return runnable.Aborted(ctx)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return runnable.Aborted(ctx)
	case <-timer.C:
		return nil
	}
}
