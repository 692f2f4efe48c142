package runner

import (
	"context"
	"sync"

	runnable "github.com/goliatone/go-runnable"
)

// Bulkhead caps concurrent executions. Callers beyond the limit wait in a
// bounded queue; callers beyond the queue are rejected.
type Bulkhead struct {
	slots chan struct{}

	mu       sync.Mutex
	queued   int
	maxQueue int
}

func NewBulkhead(limit, queue int) *Bulkhead {
	if limit <= 0 {
		limit = 1
	}
	if queue < 0 {
		queue = 0
	}
	return &Bulkhead{
		slots:    make(chan struct{}, limit),
		maxQueue: queue,
	}
}

// Execute runs op once a slot is free.
func (b *Bulkhead) Execute(ctx context.Context, op Operation) (any, error) {
	if err := b.acquire(ctx); err != nil {
		return nil, err
	}
	defer func() { <-b.slots }()
	return op(ctx)
}

// InFlight returns the number of running executions.
func (b *Bulkhead) InFlight() int {
	return len(b.slots)
}

// Queued returns the number of callers waiting for a slot.
func (b *Bulkhead) Queued() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queued
}

func (b *Bulkhead) acquire(ctx context.Context) error {
	select {
	case b.slots <- struct{}{}:
		return nil
	default:
	}

	b.mu.Lock()
	if b.queued >= b.maxQueue {
		b.mu.Unlock()
		return runnable.NewFault(runnable.ErrBulkheadFull, "", nil, map[string]any{
			"limit": cap(b.slots),
			"queue": b.maxQueue,
		})
	}
	b.queued++
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.queued--
		b.mu.Unlock()
	}()

	select {
	case b.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return runnable.Aborted(ctx)
	}
}
