package runner

import (
	"context"
	"sync"

	runnable "github.com/goliatone/go-runnable"
)

// Control gates a run between steps. Checkpoint blocks while the run is
// held and returns an abort fault once it must stop.
type Control interface {
	Checkpoint(ctx context.Context) error
}

// Gate is a Control driven by explicit Pause, Resume and Cancel calls. One
// gate may be shared by many runs.
type Gate struct {
	mu     sync.Mutex
	open   chan struct{}
	closed chan struct{}
	cause  error
}

// NewGate returns an open gate.
func NewGate() *Gate {
	open := make(chan struct{})
	close(open)
	return &Gate{open: open, closed: make(chan struct{})}
}

// Checkpoint waits for the gate to open. A canceled gate or context yields
// an abort fault.
func (g *Gate) Checkpoint(ctx context.Context) error {
	if g == nil {
		return runnable.Aborted(ctx)
	}
	g.mu.Lock()
	open, closed := g.open, g.closed
	g.mu.Unlock()

	select {
	case <-closed:
		return g.abort()
	default:
	}
	select {
	case <-open:
		return runnable.Aborted(ctx)
	case <-closed:
		return g.abort()
	case <-ctx.Done():
		return runnable.Aborted(ctx)
	}
}

// Pause holds runs at their next checkpoint.
func (g *Gate) Pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.open:
		g.open = make(chan struct{})
	default:
	}
}

// Resume releases held runs.
func (g *Gate) Resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.open:
	default:
		close(g.open)
	}
}

// Paused reports whether runs are held.
func (g *Gate) Paused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.open:
		return false
	default:
		return true
	}
}

// Cancel aborts every run at its next checkpoint. Only the first cause is
// kept.
func (g *Gate) Cancel(cause error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.closed:
		return
	default:
	}
	g.cause = cause
	close(g.closed)
}

// Err returns the cancel cause.
func (g *Gate) Err() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cause
}

func (g *Gate) abort() error {
	return runnable.NewFault(runnable.ErrAbort, "run canceled", g.Err(), nil)
}
