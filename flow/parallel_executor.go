package flow

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	runnable "github.com/goliatone/go-runnable"
	"github.com/goliatone/go-runnable/state"
)

// fanOut runs calls concurrently, each on its own copy of the state, and
// returns their results in declaration order. The first failure cancels the
// remaining calls. When calls fail on an open circuit with a fallback
// value, only those fallback values are returned beside the error.
func (r *run) fanOut(ctx context.Context, calls []*callable) ([]any, error) {
	results := make([]any, len(calls))
	switch len(calls) {
	case 0:
		return results, nil
	case 1:
		value, err := calls[0].invoke(ctx, r, r.state)
		if err != nil {
			if fallbackValue(value, err) {
				results[0] = value
				return results, err
			}
			return nil, err
		}
		results[0] = value
		return results, nil
	}

	input := r.snapshot()
	var fallback atomic.Bool
	fellBack := make([]bool, len(calls))
	g, gctx := errgroup.WithContext(ctx)
	for i, call := range calls {
		g.Go(func() error {
			value, err := call.invoke(gctx, r, input)
			if err != nil {
				if fallbackValue(value, err) {
					results[i] = value
					fellBack[i] = true
					fallback.Store(true)
				}
				return runnable.NewFault(runnable.ErrStep, "callable failed in parallel execution", err, map[string]any{
					"handler_index":     i,
					"handler_name":      call.name,
					"total_handlers":    len(calls),
					"context_cancelled": gctx.Err() != nil,
				})
			}
			results[i] = value
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if fallback.Load() {
			for i := range results {
				if !fellBack[i] {
					results[i] = nil
				}
			}
			return results, err
		}
		return nil, err
	}
	return results, nil
}

func fallbackValue(value any, err error) bool {
	return value != nil && runnable.IsFault(err, runnable.CodeCircuitOpen)
}

// applyResults merges fan-out results in order, then merges them into the
// state or replaces it.
func (r *run) applyResults(rec *record, results []any) error {
	update := runnable.State{}
	for _, value := range results {
		if value == nil {
			continue
		}
		s, err := asState(value)
		if err != nil {
			return err
		}
		update = state.Merge(update, s)
	}
	if rec.opts.mode == Replace {
		r.setState(update)
		return nil
	}
	r.update(func(s runnable.State) runnable.State { return state.Merge(s, update) })
	return nil
}

// keepFallbacks applies the fallback values fanOut returned beside err and
// returns err.
func (r *run) keepFallbacks(results []any, err error) error {
	if results == nil {
		return err
	}
	update := runnable.State{}
	for _, value := range results {
		if value == nil {
			continue
		}
		if s, convErr := asState(value); convErr == nil {
			update = state.Merge(update, s)
		}
	}
	r.update(func(s runnable.State) runnable.State { return state.Merge(s, update) })
	return err
}
