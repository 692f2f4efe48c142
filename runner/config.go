package runner

import (
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/goliatone/go-errors"
	runnable "github.com/goliatone/go-runnable"
)

// Config describes the resilience policies wrapped around one callable.
// Zero values disable the matching policy.
type Config struct {
	Retry          *RetryConfig   `json:"retry,omitempty" yaml:"retry,omitempty"`
	CircuitBreaker *BreakerConfig `json:"circuit_breaker,omitempty" yaml:"circuit_breaker,omitempty"`
	Timeout        time.Duration  `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Bulkhead       int            `json:"bulkhead,omitempty" yaml:"bulkhead,omitempty"`
	BulkheadQueue  int            `json:"bulkhead_queue,omitempty" yaml:"bulkhead_queue,omitempty"`
	// Fallback produces the result when every inner policy gave up.
	Fallback runnable.Runnable `json:"-" yaml:"-"`
}

// RetryConfig: MaxAttempts retries after the first call, so 3 means four
// invocations. A negative InitialDelay retries without waiting.
type RetryConfig struct {
	MaxAttempts  int           `json:"max_attempts" yaml:"max_attempts"`
	InitialDelay time.Duration `json:"initial_delay,omitempty" yaml:"initial_delay,omitempty"`
	MaxDelay     time.Duration `json:"max_delay,omitempty" yaml:"max_delay,omitempty"`
}

// BreakerConfig selects a consecutive breaker when ConsecutiveFailures is
// set and a sampling breaker otherwise.
type BreakerConfig struct {
	ConsecutiveFailures int           `json:"consecutive_failures,omitempty" yaml:"consecutive_failures,omitempty"`
	Threshold           float64       `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	Duration            time.Duration `json:"duration,omitempty" yaml:"duration,omitempty"`
	MinimumCalls        int           `json:"minimum_calls,omitempty" yaml:"minimum_calls,omitempty"`
	HalfOpenAfter       time.Duration `json:"half_open_after,omitempty" yaml:"half_open_after,omitempty"`
}

// Retries is shorthand for a retry config with default backoff.
func Retries(n int) *RetryConfig {
	return &RetryConfig{MaxAttempts: n}
}

func (c Config) Validate() error {
	err := validation.ValidateStruct(&c,
		validation.Field(&c.Timeout, validation.Min(time.Duration(0))),
		validation.Field(&c.Bulkhead, validation.Min(0)),
		validation.Field(&c.BulkheadQueue, validation.Min(0)),
	)
	if err == nil && c.Retry != nil {
		err = c.Retry.Validate()
	}
	if err == nil && c.CircuitBreaker != nil {
		err = c.CircuitBreaker.Validate()
	}
	if err != nil {
		return errors.FromOzzoValidation(err, "invalid resilience config").
			WithTextCode(runnable.CodeConfiguration)
	}
	return nil
}

func (c RetryConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.MaxAttempts, validation.Min(0)),
		validation.Field(&c.MaxDelay, validation.Min(time.Duration(0))),
	)
}

func (c BreakerConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.ConsecutiveFailures, validation.Min(0)),
		validation.Field(&c.Threshold, validation.Min(0.0), validation.Max(1.0)),
		validation.Field(&c.Duration, validation.Min(time.Duration(0))),
		validation.Field(&c.MinimumCalls, validation.Min(0)),
		validation.Field(&c.HalfOpenAfter, validation.Min(time.Duration(0))),
	)
}
