package flow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	runnable "github.com/goliatone/go-runnable"
)

func TestFanOutRunsConcurrently(t *testing.T) {
	var wg sync.WaitGroup
	wg.Add(2)
	barrier := func(key string) func(context.Context, runnable.State) (any, error) {
		return func(ctx context.Context, _ runnable.State) (any, error) {
			wg.Done()
			done := make(chan struct{})
			go func() {
				wg.Wait()
				close(done)
			}()
			select {
			case <-done:
				return key, nil
			case <-time.After(time.Second):
				return nil, errors.New("callables did not overlap")
			}
		}
	}

	out, err := New().AssignMap(map[string]any{
		"left":  barrier("l"),
		"right": barrier("r"),
	}).Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out["left"] != "l" || out["right"] != "r" {
		t.Fatalf("unexpected state %v", out)
	}
}

func TestFanOutFailFastCancelsSiblings(t *testing.T) {
	cancelled := make(chan bool, 1)
	p := New().Parallel([]any{
		func(ctx context.Context, _ runnable.State) (runnable.State, error) {
			select {
			case <-ctx.Done():
				cancelled <- true
				return nil, ctx.Err()
			case <-time.After(time.Second):
				cancelled <- false
				return runnable.State{}, nil
			}
		},
		func(runnable.State) (runnable.State, error) { return nil, errBoom },
	})

	_, err := p.Run(context.Background(), nil)
	if !errors.Is(err, errBoom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if !<-cancelled {
		t.Fatal("expected the slow sibling to observe cancellation")
	}
}

func TestFanOutCallablesGetPrivateCopies(t *testing.T) {
	mutate := func(s runnable.State) runnable.State {
		s["shared"].(map[string]any)["touched"] = true
		return runnable.State{}
	}
	read := func(s runnable.State) runnable.State {
		time.Sleep(5 * time.Millisecond)
		_, touched := s["shared"].(map[string]any)["touched"]
		return runnable.State{"seen": touched}
	}

	out, err := New().Parallel([]any{mutate, read}).Run(context.Background(), runnable.State{
		"shared": map[string]any{},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out["seen"] != false {
		t.Fatalf("callables must not share state, got %v", out)
	}
	if len(out["shared"].(map[string]any)) != 0 {
		t.Fatalf("run state was mutated by a callable: %v", out)
	}
}
