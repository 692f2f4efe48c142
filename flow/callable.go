package flow

import (
	"context"
	"fmt"

	runnable "github.com/goliatone/go-runnable"
	"github.com/goliatone/go-runnable/cache"
	"github.com/goliatone/go-runnable/runner"
	"github.com/goliatone/go-runnable/state"
)

// invokeFunc is the shape every accepted callable is normalized to.
type invokeFunc func(ctx context.Context, s runnable.State, p runnable.Params) (any, error)

// stepFunc normalizes callables producing a state.
func stepFunc(fn any) (invokeFunc, error) {
	switch f := fn.(type) {
	case nil:
		return nil, fmt.Errorf("callable is nil")
	case runnable.Runnable:
		return func(ctx context.Context, s runnable.State, p runnable.Params) (any, error) {
			return f.Invoke(ctx, s, p)
		}, nil
	case func(context.Context, runnable.State, runnable.Params) (runnable.State, error):
		return stepFunc(runnable.StepFunc(f))
	case func(context.Context, runnable.State) (runnable.State, error):
		return func(ctx context.Context, s runnable.State, _ runnable.Params) (any, error) {
			return f(ctx, s)
		}, nil
	case func(runnable.State) (runnable.State, error):
		return func(_ context.Context, s runnable.State, _ runnable.Params) (any, error) {
			return f(s)
		}, nil
	case func(runnable.State) runnable.State:
		return func(_ context.Context, s runnable.State, _ runnable.Params) (any, error) {
			return f(s), nil
		}, nil
	}
	return nil, fmt.Errorf("unsupported step callable %T", fn)
}

// valueFunc normalizes callables producing any value. Step callables are
// accepted too.
func valueFunc(fn any) (invokeFunc, error) {
	switch f := fn.(type) {
	case runnable.ValueFunc:
		return invokeFunc(f), nil
	case func(context.Context, runnable.State, runnable.Params) (any, error):
		return invokeFunc(f), nil
	case func(context.Context, runnable.State) (any, error):
		return func(ctx context.Context, s runnable.State, _ runnable.Params) (any, error) {
			return f(ctx, s)
		}, nil
	case func(runnable.State) (any, error):
		return func(_ context.Context, s runnable.State, _ runnable.Params) (any, error) {
			return f(s)
		}, nil
	case func(runnable.State) any:
		return func(_ context.Context, s runnable.State, _ runnable.Params) (any, error) {
			return f(s), nil
		}, nil
	}
	return stepFunc(fn)
}

func predicateFunc(fn any) (invokeFunc, error) {
	wrap := func(f func(context.Context, runnable.State, runnable.Params) (bool, error)) invokeFunc {
		return func(ctx context.Context, s runnable.State, p runnable.Params) (any, error) {
			return f(ctx, s, p)
		}
	}
	switch f := fn.(type) {
	case nil:
		return nil, fmt.Errorf("predicate is nil")
	case runnable.Predicate:
		return wrap(f), nil
	case func(context.Context, runnable.State, runnable.Params) (bool, error):
		return wrap(f), nil
	case func(context.Context, runnable.State) (bool, error):
		return func(ctx context.Context, s runnable.State, _ runnable.Params) (any, error) {
			return f(ctx, s)
		}, nil
	case func(runnable.State) (bool, error):
		return func(_ context.Context, s runnable.State, _ runnable.Params) (any, error) {
			return f(s)
		}, nil
	case func(runnable.State) bool:
		return func(_ context.Context, s runnable.State, _ runnable.Params) (any, error) {
			return f(s), nil
		}, nil
	}
	return nil, fmt.Errorf("unsupported predicate %T", fn)
}

// isCallable reports whether v is accepted as a value callable.
func isCallable(v any) bool {
	if v == nil {
		return false
	}
	_, err := valueFunc(v)
	return err == nil
}

// callable is a normalized function compiled with the policy and cache of
// its step. It is built once at append time and shared by every run.
type callable struct {
	name    string
	fn      invokeFunc
	schema  runnable.Schema
	policy  *runner.Policy
	gateway *cache.Gateway
}

// compile wraps fn with the resilience policy and cache gateway of o.
func (p *Pipeline) compile(fn invokeFunc, name string, o stepOptions) (*callable, error) {
	c := &callable{name: name, fn: fn, schema: o.schema}
	if o.resilience != nil {
		if err := o.resilience.Validate(); err != nil {
			return nil, err
		}
		c.policy = runner.NewPolicy(*o.resilience, runner.WithLogger(p.logger))
	}
	if o.cache != nil {
		g, err := cache.NewGateway(cache.Identity{
			Pipeline: p.name,
			Step:     o.label,
			Fn:       name,
		}, *o.cache, p.cacheFactory)
		if err != nil {
			return nil, err
		}
		c.gateway = g
	}
	p.wrapped++
	return c, nil
}

// invoke runs the callable against a private copy of s.
func (c *callable) invoke(ctx context.Context, r *run, s runnable.State) (any, error) {
	input := state.Clone(s)
	if c.schema != nil {
		parsed, err := c.schema.Parse(input)
		if err != nil {
			return nil, err
		}
		input = parsed
	}
	params := r.params()

	return cached(ctx, c.gateway, input, r.bus, func(ctx context.Context) (any, error) {
		return c.policy.Execute(runner.WithInput(ctx, input, params), func(ctx context.Context) (any, error) {
			return r.exec(ctx, c, input, params)
		})
	})
}

// cached serves op from the gateway when the entry is present and stores
// the result of a miss. A nil gateway runs op as is.
func cached(ctx context.Context, g *cache.Gateway, key runnable.State, emitter cache.Emitter, op runner.Operation) (any, error) {
	if g == nil {
		return op(ctx)
	}
	entry, active, err := g.Resolve(ctx, key)
	if err != nil {
		return nil, err
	}
	if !active {
		return op(ctx)
	}
	value, hit, err := g.Get(ctx, entry, emitter)
	if err != nil {
		return nil, err
	}
	if hit {
		return value, nil
	}

	value, err = op(ctx)
	if err != nil {
		return value, err
	}
	if err := g.Set(ctx, entry, value, emitter); err != nil {
		return value, err
	}
	return value, nil
}

func asState(value any) (runnable.State, error) {
	switch v := value.(type) {
	case nil:
		return runnable.State{}, nil
	case map[string]any:
		if v == nil {
			return runnable.State{}, nil
		}
		return v, nil
	}
	return state.Normalize(value)
}

func asBool(value any) bool {
	b, _ := value.(bool)
	return b
}
