package runner

import (
	"context"
	"time"

	runnable "github.com/goliatone/go-runnable"
)

// Logger is the logging surface the policy needs.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Operation is the unit wrapped by a Policy.
type Operation func(ctx context.Context) (any, error)

// FallbackFunc produces a replacement result for a failed operation.
type FallbackFunc func(ctx context.Context, cause error) (any, error)

// Policy composes the resilience policies of one callable. From outermost to
// innermost: fallback, timeout, retry, circuit breaker, bulkhead. A Policy
// is built once and shared, so breaker and bulkhead state outlive a single
// call.
type Policy struct {
	timeout  Timeout
	retry    *RetryConfig
	strategy RetryStrategy
	breaker  *Breaker
	bulkhead *Bulkhead
	fallback FallbackFunc

	onRetry []func(attempt int, err error)
	logger  Logger
}

// NewPolicy compiles cfg. The returned policy is nil when cfg enables
// nothing and no option adds behavior; a nil Policy runs operations as is.
func NewPolicy(cfg Config, opts ...Option) *Policy {
	p := &Policy{
		timeout: Timeout(cfg.Timeout),
	}
	if cfg.Retry != nil {
		retry := *cfg.Retry
		p.retry = &retry
		p.strategy = backoffFor(&retry)
	}
	if cfg.CircuitBreaker != nil {
		p.breaker = NewBreaker(*cfg.CircuitBreaker)
	}
	if cfg.Bulkhead > 0 {
		p.bulkhead = NewBulkhead(cfg.Bulkhead, cfg.BulkheadQueue)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.fallback == nil && cfg.Fallback != nil {
		fallback := cfg.Fallback
		p.fallback = func(ctx context.Context, _ error) (any, error) {
			state, params := InputFrom(ctx)
			return fallback.Invoke(ctx, state, params)
		}
	}
	if p.empty() {
		return nil
	}
	return p
}

func (p *Policy) empty() bool {
	return p.timeout <= 0 && p.retry == nil && p.breaker == nil &&
		p.bulkhead == nil && p.fallback == nil
}

// Breaker exposes the compiled circuit breaker, nil when none is configured.
func (p *Policy) Breaker() *Breaker {
	if p == nil {
		return nil
	}
	return p.breaker
}

// Execute runs op through every configured policy.
//
// When the failure is a circuit open fault and a fallback is configured,
// the fallback still runs and its result is returned together with the
// fault.
func (p *Policy) Execute(ctx context.Context, op Operation) (any, error) {
	if p == nil {
		return op(ctx)
	}

	result, err := p.timeout.Execute(ctx, func(ctx context.Context) (any, error) {
		return p.executeRetry(ctx, func(ctx context.Context) (any, error) {
			return p.executeBreaker(ctx, func(ctx context.Context) (any, error) {
				return p.executeBulkhead(ctx, op)
			})
		})
	})
	if err == nil || p.fallback == nil || runnable.IsFault(err, runnable.CodeAbort) {
		return result, err
	}

	value, fbErr := p.fallback(ctx, err)
	if fbErr != nil {
		return nil, runnable.NewFault(runnable.ErrStep, "fallback failed", fbErr, map[string]any{
			"cause": err.Error(),
		})
	}
	if runnable.IsFault(err, runnable.CodeCircuitOpen) {
		return value, err
	}
	return value, nil
}

func (p *Policy) executeRetry(ctx context.Context, op Operation) (any, error) {
	if p.retry == nil {
		return op(ctx)
	}

	var lastErr error
	for attempt := 0; attempt <= p.retry.MaxAttempts; attempt++ {
		if err := runnable.Aborted(ctx); err != nil {
			return nil, err
		}
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if attempt == p.retry.MaxAttempts {
			break
		}
		decision := DecideRetry(p.strategy, attempt, err)
		if !decision.ShouldRetry {
			break
		}
		p.logInfo("retrying after attempt %d of %d: %v", attempt+1, p.retry.MaxAttempts+1, err)
		for _, hook := range p.onRetry {
			hook(attempt+1, err)
		}
		if err := sleep(ctx, decision.Delay); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

func (p *Policy) executeBreaker(ctx context.Context, op Operation) (any, error) {
	if p.breaker == nil {
		return op(ctx)
	}
	return p.breaker.Execute(ctx, op)
}

func (p *Policy) executeBulkhead(ctx context.Context, op Operation) (any, error) {
	if p.bulkhead == nil {
		return op(ctx)
	}
	return p.bulkhead.Execute(ctx, op)
}

func (p *Policy) logInfo(msg string, args ...any) {
	if p.logger != nil {
		p.logger.Info(msg, args...)
	}
}

type inputKey struct{}

type input struct {
	state  runnable.State
	params runnable.Params
}

// WithInput stores the state and params an operation was called with, so a
// configured fallback runnable receives the same input.
func WithInput(ctx context.Context, state runnable.State, params runnable.Params) context.Context {
	return context.WithValue(ctx, inputKey{}, input{state: state, params: params})
}

// InputFrom returns the input stored by WithInput.
func InputFrom(ctx context.Context) (runnable.State, runnable.Params) {
	if in, ok := ctx.Value(inputKey{}).(input); ok {
		return in.state, in.params
	}
	return runnable.State{}, runnable.Params{}
}

// Timeout races an operation against a timer. The operation keeps running
// in the background after expiry but its context is cancelled.
type Timeout time.Duration

func (t Timeout) Execute(ctx context.Context, op Operation) (any, error) {
	if t <= 0 {
		return op(ctx)
	}

	tctx, cancel := context.WithTimeout(ctx, time.Duration(t))
	defer cancel()

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		value, err := op(tctx)
		done <- outcome{value: value, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil && tctx.Err() != nil && ctx.Err() == nil {
			return nil, t.fault(tctx)
		}
		return out.value, out.err
	case <-tctx.Done():
		if err := runnable.Aborted(ctx); err != nil {
			return nil, err
		}
		return nil, t.fault(tctx)
	}
}

func (t Timeout) fault(ctx context.Context) error {
	return runnable.NewFault(runnable.ErrTimeout, "", ctx.Err(), map[string]any{
		"timeout": time.Duration(t).String(),
	})
}
