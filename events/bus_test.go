package events

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	runnable "github.com/goliatone/go-runnable"
)

func TestBusDeliversInSubscriptionOrder(t *testing.T) {
	bus := NewBus()
	var got []string
	bus.On("signal", func(payload any) { got = append(got, "first:"+payload.(string)) })
	bus.On("signal", func(payload any) { got = append(got, "second:"+payload.(string)) })

	if !bus.Emit("signal", "x") {
		t.Fatal("expected listeners")
	}
	if len(got) != 2 || got[0] != "first:x" || got[1] != "second:x" {
		t.Fatalf("unexpected delivery %v", got)
	}
	if bus.Emit("other", nil) {
		t.Fatal("expected no listeners for other")
	}
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus()
	var calls int32
	sub := bus.On("signal", func(any) { atomic.AddInt32(&calls, 1) })
	bus.Emit("signal", nil)
	sub.Unsubscribe()
	sub.Unsubscribe()
	bus.Emit("signal", nil)

	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
	if bus.Listeners("signal") != 0 {
		t.Fatalf("expected no listeners left")
	}
}

func TestBusRecoversPanics(t *testing.T) {
	var recovered int32
	bus := NewBus(WithPanicLogger(func(string, any, []byte, ...map[string]any) {
		atomic.AddInt32(&recovered, 1)
	}))
	var delivered int32
	bus.On("signal", func(any) { panic("boom") })
	bus.On("signal", func(any) { atomic.AddInt32(&delivered, 1) })

	bus.Emit("signal", nil)
	if recovered != 1 || delivered != 1 {
		t.Fatalf("recovered=%d delivered=%d", recovered, delivered)
	}
}

func TestOnStepFiltersPayload(t *testing.T) {
	bus := NewBus()
	var events []StepEvent
	bus.OnStep(func(e StepEvent) { events = append(events, e) })

	bus.Emit(Step, "not an event")
	bus.Emit(Step, NewStepEvent("run", 1, "pipe", "a", "main", nil, runnable.State{"a": 1}))

	if len(events) != 1 {
		t.Fatalf("expected 1 step event, got %d", len(events))
	}
	if events[0].ID == "" || events[0].RunID != "run" || events[0].Label != "a" {
		t.Fatalf("unexpected event %+v", events[0])
	}
}

func TestStreamBackpressureAndClose(t *testing.T) {
	bus := NewBus()
	ch, sub := bus.Stream("signal", 1)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 3; i++ {
			bus.Emit("signal", i)
		}
	}()

	for i := 0; i < 2; i++ {
		select {
		case v := <-ch:
			if v != i {
				t.Fatalf("expected %d, got %v", i, v)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}

	// closing the stream releases any emit still waiting on the buffer
	sub.Unsubscribe()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("emitter stayed blocked after unsubscribe")
	}
}

func TestConcurrentSubscribeEmit(t *testing.T) {
	bus := NewBus()
	var counter atomic.Int32
	var wg sync.WaitGroup
	numOperations := 100

	wg.Add(numOperations * 2)
	for i := 0; i < numOperations; i++ {
		go func() {
			defer wg.Done()
			sub := bus.On("signal", func(any) { counter.Add(1) })
			time.Sleep(time.Millisecond)
			sub.Unsubscribe()
		}()
	}
	for i := 0; i < numOperations; i++ {
		go func(id int) {
			defer wg.Done()
			bus.Emit("signal", id)
		}(i)
	}
	wg.Wait()

	if bus.Listeners("signal") != 0 {
		t.Fatal("expected every subscription to be removed")
	}
}
