package runnable

import "context"

// State is the value threaded through a pipeline run. It is a tree of
// map[string]any, []any and scalar values.
type State = map[string]any

// Params are handed to every step callable next to the state.
type Params struct {
	RunID string
	// Emit publishes a user signal on the bus of the current run.
	Emit func(name string, payload any)
	// Context holds injected dependencies (clients, repositories, config).
	// It is never merged into State.
	Context map[string]any
}

// EmitSafe calls Emit when one is set.
func (p Params) EmitSafe(name string, payload any) {
	if p.Emit != nil {
		p.Emit(name, payload)
	}
}

// Value returns the injected dependency stored under key.
func (p Params) Value(key string) (any, bool) {
	if p.Context == nil {
		return nil, false
	}
	v, ok := p.Context[key]
	return v, ok
}

// Runnable is anything that can turn a state into a new state: a step
// function or a whole pipeline.
type Runnable interface {
	Invoke(ctx context.Context, state State, params Params) (State, error)
}

// StepFunc is the canonical step callable.
type StepFunc func(ctx context.Context, state State, params Params) (State, error)

// Invoke implements Runnable.
func (f StepFunc) Invoke(ctx context.Context, state State, params Params) (State, error) {
	return f(ctx, state, params)
}

// ValueFunc computes a single value, used by assign steps.
type ValueFunc func(ctx context.Context, state State, params Params) (any, error)

// Predicate decides branch cases and goto routes.
type Predicate func(ctx context.Context, state State, params Params) (bool, error)

// Get returns a typed value from a typed dependency map.
func Get[T any](params Params, key string) (T, bool) {
	var zero T
	v, ok := params.Value(key)
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}
