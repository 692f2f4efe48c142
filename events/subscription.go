package events

type Subscription interface {
	Unsubscribe()
}

// SubscriptionFunc adapts a function to Subscription.
type SubscriptionFunc func()

func (f SubscriptionFunc) Unsubscribe() {
	f()
}

type subscription struct {
	bus     *Bus
	name    string
	id      int64
	pattern bool
}

func (s *subscription) Unsubscribe() {
	if s == nil || s.bus == nil {
		return
	}
	s.bus.remove(s.name, s.id, s.pattern)
}

type noopSubscription struct{}

func (noopSubscription) Unsubscribe() {}
