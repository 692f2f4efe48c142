package runner

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	runnable "github.com/goliatone/go-runnable"
)

type countingFunc struct {
	mu        sync.Mutex
	calls     int
	failUntil int
}

func (c *countingFunc) fn(ctx context.Context) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.calls <= c.failUntil {
		return nil, fmt.Errorf("attempt %d failed", c.calls)
	}
	return c.calls, nil
}

func (c *countingFunc) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func fastRetry(n int) *RetryConfig {
	return &RetryConfig{MaxAttempts: n, InitialDelay: -1}
}

func TestNewPolicyNilWhenEmpty(t *testing.T) {
	if p := NewPolicy(Config{}); p != nil {
		t.Fatalf("expected nil policy, got %+v", p)
	}
	var p *Policy
	result, err := p.Execute(context.Background(), func(context.Context) (any, error) { return 1, nil })
	if err != nil || result != 1 {
		t.Fatalf("nil policy must run the operation: %v %v", result, err)
	}
}

func TestPolicy_SuccessOnSecondAttempt(t *testing.T) {
	p := NewPolicy(Config{Retry: fastRetry(3)})
	cf := &countingFunc{failUntil: 1}

	result, err := p.Execute(context.Background(), cf.fn)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cf.count() != 2 {
		t.Errorf("expected calls=2, got %d", cf.count())
	}
	if result != 2 {
		t.Errorf("expected result from second call, got %v", result)
	}
}

func TestPolicy_RetryCountIsAttemptsPlusOne(t *testing.T) {
	p := NewPolicy(Config{Retry: fastRetry(3)})
	cf := &countingFunc{failUntil: 100}

	_, err := p.Execute(context.Background(), cf.fn)
	if err == nil {
		t.Fatal("expected error")
	}
	if cf.count() != 4 {
		t.Errorf("expected calls=4 (1 initial + 3 retries), got %d", cf.count())
	}
	if err.Error() != "attempt 4 failed" {
		t.Errorf("expected last error to propagate, got %v", err)
	}
}

func TestPolicy_OnRetryHook(t *testing.T) {
	var attempts []int
	p := NewPolicy(Config{Retry: fastRetry(2)}, WithOnRetry(func(attempt int, err error) {
		attempts = append(attempts, attempt)
	}))
	cf := &countingFunc{failUntil: 100}
	_, _ = p.Execute(context.Background(), cf.fn)

	if len(attempts) != 2 || attempts[0] != 1 || attempts[1] != 2 {
		t.Fatalf("unexpected hook attempts %v", attempts)
	}
}

func TestPolicy_BreakerStopsRetries(t *testing.T) {
	p := NewPolicy(Config{
		Retry:          fastRetry(5),
		CircuitBreaker: &BreakerConfig{ConsecutiveFailures: 2},
	})
	cf := &countingFunc{failUntil: 100}

	_, err := p.Execute(context.Background(), cf.fn)
	if !runnable.IsFault(err, runnable.CodeCircuitOpen) {
		t.Fatalf("expected circuit open, got %v", err)
	}
	if cf.count() != 2 {
		t.Fatalf("expected exactly 2 invocations, got %d", cf.count())
	}
	if p.Breaker().State() != BreakerOpen {
		t.Fatal("expected breaker to stay open")
	}
}

func TestPolicy_NoRetryOnConfigurationFault(t *testing.T) {
	p := NewPolicy(Config{Retry: fastRetry(3)})
	calls := 0
	_, err := p.Execute(context.Background(), func(context.Context) (any, error) {
		calls++
		return nil, runnable.NewFault(runnable.ErrConfiguration, "bad", nil, nil)
	})
	if !runnable.IsFault(err, runnable.CodeConfiguration) {
		t.Fatalf("expected configuration fault, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected a single call, got %d", calls)
	}
}

func TestPolicy_Timeout(t *testing.T) {
	p := NewPolicy(Config{Timeout: 10 * time.Millisecond})
	_, err := p.Execute(context.Background(), func(ctx context.Context) (any, error) {
		select {
		case <-time.After(time.Second):
			return "late", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	if !runnable.IsFault(err, runnable.CodeTimeout) {
		t.Fatalf("expected timeout fault, got %v", err)
	}
}

func TestPolicy_TimeoutAppliesToAllRetries(t *testing.T) {
	p := NewPolicy(Config{
		Timeout: 30 * time.Millisecond,
		Retry:   &RetryConfig{MaxAttempts: 100, InitialDelay: 5 * time.Millisecond, MaxDelay: 5 * time.Millisecond},
	})
	cf := &countingFunc{failUntil: 1000}
	_, err := p.Execute(context.Background(), cf.fn)
	if !runnable.IsFault(err, runnable.CodeTimeout) {
		t.Fatalf("expected timeout fault, got %v", err)
	}
	if cf.count() >= 100 {
		t.Fatalf("expected timeout to stop the retry loop, got %d calls", cf.count())
	}
}

func TestPolicy_FallbackReplacesError(t *testing.T) {
	p := NewPolicy(Config{Retry: fastRetry(1)}, WithFallback(func(ctx context.Context, cause error) (any, error) {
		return "fallback", nil
	}))
	cf := &countingFunc{failUntil: 100}
	result, err := p.Execute(context.Background(), cf.fn)
	if err != nil {
		t.Fatalf("expected fallback to absorb error, got %v", err)
	}
	if result != "fallback" {
		t.Fatalf("expected fallback result, got %v", result)
	}
}

func TestPolicy_FallbackOnCircuitOpenKeepsError(t *testing.T) {
	p := NewPolicy(Config{
		CircuitBreaker: &BreakerConfig{ConsecutiveFailures: 1},
	}, WithFallback(func(ctx context.Context, cause error) (any, error) {
		return "fallback", nil
	}))
	cf := &countingFunc{failUntil: 100}

	result, err := p.Execute(context.Background(), cf.fn)
	if err != nil || result != "fallback" {
		t.Fatalf("first failure should fall back cleanly: %v %v", result, err)
	}

	result, err = p.Execute(context.Background(), cf.fn)
	if !runnable.IsFault(err, runnable.CodeCircuitOpen) {
		t.Fatalf("expected circuit open to propagate, got %v", err)
	}
	if result != "fallback" {
		t.Fatalf("expected fallback value beside the error, got %v", result)
	}
	if cf.count() != 1 {
		t.Fatalf("open circuit must not invoke the callable, got %d calls", cf.count())
	}
}

func TestPolicy_FallbackRunnableGetsInput(t *testing.T) {
	fallback := runnable.StepFunc(func(ctx context.Context, s runnable.State, p runnable.Params) (runnable.State, error) {
		return runnable.State{"seen": s["a"], "run": p.RunID}, nil
	})
	p := NewPolicy(Config{Fallback: fallback})
	ctx := WithInput(context.Background(), runnable.State{"a": 1}, runnable.Params{RunID: "r1"})

	result, err := p.Execute(ctx, func(context.Context) (any, error) { return nil, errBoom })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := result.(runnable.State)
	if got["seen"] != 1 || got["run"] != "r1" {
		t.Fatalf("fallback did not receive input: %v", got)
	}
}

func TestPolicy_AbortDuringBackoff(t *testing.T) {
	p := NewPolicy(Config{Retry: &RetryConfig{MaxAttempts: 3, InitialDelay: time.Second}})
	ctx, cancel := context.WithCancel(context.Background())
	cf := &countingFunc{failUntil: 100}

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := p.Execute(ctx, cf.fn)
	if !runnable.IsFault(err, runnable.CodeAbort) {
		t.Fatalf("expected abort fault, got %v", err)
	}
	if cf.count() != 1 {
		t.Fatalf("expected one call before abort, got %d", cf.count())
	}
}

func TestBulkheadRejectsBeyondQueue(t *testing.T) {
	b := NewBulkhead(1, 0)
	release := make(chan struct{})
	started := make(chan struct{})

	go func() {
		_, _ = b.Execute(context.Background(), func(context.Context) (any, error) {
			close(started)
			<-release
			return nil, nil
		})
	}()
	<-started

	_, err := b.Execute(context.Background(), func(context.Context) (any, error) { return nil, nil })
	if !runnable.IsFault(err, runnable.CodeBulkheadFull) {
		t.Fatalf("expected bulkhead full, got %v", err)
	}
	close(release)
}

func TestBulkheadLimitsConcurrency(t *testing.T) {
	b := NewBulkhead(2, 10)
	var current, peak int32
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := b.Execute(context.Background(), func(context.Context) (any, error) {
				n := atomic.AddInt32(&current, 1)
				for {
					old := atomic.LoadInt32(&peak)
					if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&current, -1)
				return nil, nil
			})
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if peak > 2 {
		t.Fatalf("expected at most 2 concurrent calls, saw %d", peak)
	}
}

func TestConfigValidate(t *testing.T) {
	if err := (Config{Retry: Retries(2)}).Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err := (Config{CircuitBreaker: &BreakerConfig{Threshold: 2}}).Validate()
	if !runnable.IsFault(err, runnable.CodeConfiguration) {
		t.Fatalf("expected configuration fault, got %v", err)
	}
}
