package events

import (
	"sort"
	"sync"

	runnable "github.com/goliatone/go-runnable"
)

type handler struct {
	id int64
	fn func(payload any)
}

// Bus delivers named events to subscribers synchronously, in subscription
// order. A panicking subscriber is recovered and reported to the panic
// logger; delivery continues with the next subscriber.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]handler
	patterns map[string][]handler
	nextID   int64
	recover  func(funcName string, errp *error, fields ...map[string]any)
}

// Option defines the functional option signature.
type Option func(*Bus)

// WithPanicLogger replaces the logger used for recovered subscriber panics.
func WithPanicLogger(logger runnable.PanicLogger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.recover = runnable.MakePanicHandler(logger)
		}
	}
}

func NewBus(opts ...Option) *Bus {
	b := &Bus{
		handlers: make(map[string][]handler),
		patterns: make(map[string][]handler),
		recover:  runnable.Recover,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// On subscribes fn to events published under name. A name holding "*" or
// "#" segments is a pattern, see Match.
func (b *Bus) On(name string, fn func(payload any)) Subscription {
	if fn == nil {
		return noopSubscription{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	if isPattern(name) {
		b.patterns[name] = append(b.patterns[name], handler{id: id, fn: fn})
		return &subscription{bus: b, name: name, id: id, pattern: true}
	}
	b.handlers[name] = append(b.handlers[name], handler{id: id, fn: fn})
	return &subscription{bus: b, name: name, id: id}
}

// OnStep subscribes to step events.
func (b *Bus) OnStep(fn func(StepEvent)) Subscription {
	return b.On(Step, func(payload any) {
		if event, ok := payload.(StepEvent); ok {
			fn(event)
		}
	})
}

// Emit publishes payload to the subscribers of name and reports whether
// anyone was listening.
func (b *Bus) Emit(name string, payload any) bool {
	if b == nil {
		return false
	}
	subscribers := b.subscribers(name)

	for _, h := range subscribers {
		b.deliver(name, h, payload)
	}
	return len(subscribers) > 0
}

// subscribers returns exact and pattern handlers of name in subscription
// order.
func (b *Bus) subscribers(name string) []handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := append([]handler(nil), b.handlers[name]...)
	if len(b.patterns) == 0 {
		return out
	}
	exact := len(out)
	for pattern, list := range b.patterns {
		if Match(pattern, name) {
			out = append(out, list...)
		}
	}
	if len(out) > exact {
		sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	}
	return out
}

func (b *Bus) deliver(name string, h handler, payload any) {
	defer b.recover("events.Bus.Emit", nil, map[string]any{"event": name})
	h.fn(payload)
}

// Listeners returns the number of subscribers of name, patterns included.
func (b *Bus) Listeners(name string) int {
	return len(b.subscribers(name))
}

// Stream exposes the events of name as a channel. Emit blocks while the
// buffer is full, until the subscription is closed.
func (b *Bus) Stream(name string, buffer int) (<-chan any, Subscription) {
	if buffer < 0 {
		buffer = 0
	}
	ch := make(chan any, buffer)
	done := make(chan struct{})
	var once sync.Once

	inner := b.On(name, func(payload any) {
		select {
		case <-done:
		case ch <- payload:
		}
	})
	return ch, SubscriptionFunc(func() {
		once.Do(func() {
			inner.Unsubscribe()
			close(done)
		})
	})
}

func (b *Bus) remove(name string, id int64, pattern bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	index := b.handlers
	if pattern {
		index = b.patterns
	}
	list := index[name]
	for i, h := range list {
		if h.id == id {
			index[name] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(index[name]) == 0 {
		delete(index, name)
	}
}
