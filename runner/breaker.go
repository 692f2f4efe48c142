package runner

import (
	"context"
	"sync"
	"time"

	runnable "github.com/goliatone/go-runnable"
)

const (
	DefaultHalfOpenAfter     = 10 * time.Second
	DefaultSamplingThreshold = 0.2
	DefaultSamplingDuration  = 15 * time.Second
	DefaultMinimumCalls      = 5
)

// BreakerState is the state of a circuit breaker.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

type sample struct {
	at     time.Time
	failed bool
}

// Breaker is a circuit breaker state machine. It opens either after a run of
// consecutive failures or when the failure rate inside a rolling window
// reaches a threshold. Once open it rejects calls until HalfOpenAfter has
// elapsed, then lets a single probe through.
type Breaker struct {
	mu sync.Mutex

	state    BreakerState
	openedAt time.Time
	probing  bool

	consecutive int
	failures    int

	threshold    float64
	window       time.Duration
	minimumCalls int
	samples      []sample

	halfOpenAfter time.Duration
	now           func() time.Time
	onChange      func(from, to BreakerState)
}

// BreakerOption allows customizing breaker behavior.
type BreakerOption func(*Breaker)

// WithHalfOpenAfter sets the cooldown before a probe is allowed.
func WithHalfOpenAfter(d time.Duration) BreakerOption {
	return func(b *Breaker) {
		if d > 0 {
			b.halfOpenAfter = d
		}
	}
}

// WithClock replaces time.Now, used by tests.
func WithClock(now func() time.Time) BreakerOption {
	return func(b *Breaker) {
		if now != nil {
			b.now = now
		}
	}
}

// WithStateChange registers a callback for state transitions. It runs while
// the breaker is locked and must not call back into it.
func WithStateChange(fn func(from, to BreakerState)) BreakerOption {
	return func(b *Breaker) {
		b.onChange = fn
	}
}

// NewConsecutiveBreaker opens after k consecutive failures.
func NewConsecutiveBreaker(k int, opts ...BreakerOption) *Breaker {
	if k <= 0 {
		k = 1
	}
	return newBreaker(func(b *Breaker) { b.consecutive = k }, opts)
}

// NewSamplingBreaker opens when at least minimumCalls calls happened in the
// window and the failure rate reached threshold.
func NewSamplingBreaker(threshold float64, window time.Duration, minimumCalls int, opts ...BreakerOption) *Breaker {
	if threshold <= 0 {
		threshold = DefaultSamplingThreshold
	}
	if window <= 0 {
		window = DefaultSamplingDuration
	}
	if minimumCalls <= 0 {
		minimumCalls = DefaultMinimumCalls
	}
	return newBreaker(func(b *Breaker) {
		b.threshold = threshold
		b.window = window
		b.minimumCalls = minimumCalls
	}, opts)
}

// NewBreaker builds the breaker described by cfg.
func NewBreaker(cfg BreakerConfig, opts ...BreakerOption) *Breaker {
	opts = append([]BreakerOption{WithHalfOpenAfter(cfg.HalfOpenAfter)}, opts...)
	if cfg.ConsecutiveFailures > 0 {
		return NewConsecutiveBreaker(cfg.ConsecutiveFailures, opts...)
	}
	return NewSamplingBreaker(cfg.Threshold, cfg.Duration, cfg.MinimumCalls, opts...)
}

func newBreaker(kind func(*Breaker), opts []BreakerOption) *Breaker {
	b := &Breaker{
		halfOpenAfter: DefaultHalfOpenAfter,
		now:           time.Now,
	}
	kind(b)
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// State returns the current state, moving open to half-open when the
// cooldown elapsed.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.halfOpenAfter {
		return BreakerHalfOpen
	}
	return b.state
}

// Allow reserves a call. It returns a circuit open fault when the call must
// not reach the protected callable.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return nil
	case BreakerOpen:
		if b.now().Sub(b.openedAt) < b.halfOpenAfter {
			return b.openFault()
		}
		b.transition(BreakerHalfOpen)
		b.probing = true
		return nil
	case BreakerHalfOpen:
		if b.probing {
			return b.openFault()
		}
		b.probing = true
		return nil
	}
	return nil
}

// Record reports the outcome of a call reserved with Allow.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	failed := err != nil
	now := b.now()

	if b.state == BreakerHalfOpen {
		b.probing = false
		if failed {
			b.open(now)
			return
		}
		b.reset()
		b.transition(BreakerClosed)
		return
	}

	if b.consecutive > 0 {
		if !failed {
			b.failures = 0
			return
		}
		b.failures++
		if b.failures >= b.consecutive {
			b.open(now)
		}
		return
	}

	b.samples = append(b.samples, sample{at: now, failed: failed})
	b.prune(now)
	if len(b.samples) < b.minimumCalls {
		return
	}
	failures := 0
	for _, s := range b.samples {
		if s.failed {
			failures++
		}
	}
	if float64(failures)/float64(len(b.samples)) >= b.threshold {
		b.open(now)
	}
}

// Execute runs op through the breaker. Cancellation is not counted as a
// failure.
func (b *Breaker) Execute(ctx context.Context, op Operation) (any, error) {
	if err := b.Allow(); err != nil {
		return nil, err
	}
	result, err := op(ctx)
	if err != nil && runnable.IsFault(err, runnable.CodeAbort) {
		b.release()
		return result, err
	}
	b.Record(err)
	return result, err
}

// release gives back a half-open probe slot without recording an outcome.
func (b *Breaker) release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false
}

func (b *Breaker) open(now time.Time) {
	b.openedAt = now
	b.failures = 0
	b.samples = nil
	b.transition(BreakerOpen)
}

func (b *Breaker) reset() {
	b.failures = 0
	b.samples = nil
}

func (b *Breaker) prune(now time.Time) {
	cutoff := now.Add(-b.window)
	i := 0
	for i < len(b.samples) && b.samples[i].at.Before(cutoff) {
		i++
	}
	b.samples = b.samples[i:]
}

func (b *Breaker) transition(to BreakerState) {
	from := b.state
	b.state = to
	if from != to && b.onChange != nil {
		b.onChange(from, to)
	}
}

func (b *Breaker) openFault() error {
	return runnable.NewFault(runnable.ErrCircuitOpen, "", nil, map[string]any{
		"opened_at":       b.openedAt,
		"half_open_after": b.halfOpenAfter.String(),
	})
}
