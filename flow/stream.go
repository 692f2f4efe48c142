package flow

import (
	"context"
	"iter"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	runnable "github.com/goliatone/go-runnable"
	"github.com/goliatone/go-runnable/events"
)

const DefaultHighWaterMark = 16

// StreamResult is the outcome of one streamed run.
type StreamResult struct {
	State runnable.State
	Err   error
}

type StreamOption func(*streamOptions)

type streamOptions struct {
	highWaterMark int
	run           []RunOption
}

// HighWaterMark bounds the number of runs in flight.
func HighWaterMark(n int) StreamOption {
	return func(o *streamOptions) {
		if n > 0 {
			o.highWaterMark = n
		}
	}
}

// StreamRunOptions applies opts to every streamed run.
func StreamRunOptions(opts ...RunOption) StreamOption {
	return func(o *streamOptions) {
		o.run = append(o.run, opts...)
	}
}

// Stream runs the pipeline once per input state. Runs overlap up to the
// high water mark and results are delivered in input order. The first
// failure is delivered and ends the stream; the output channel is closed
// when the input is drained or the stream ends.
func (p *Pipeline) Stream(ctx context.Context, in <-chan runnable.State, opts ...StreamOption) <-chan StreamResult {
	o := streamOptions{highWaterMark: DefaultHighWaterMark}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	out := make(chan StreamResult)
	pending := make(chan chan StreamResult, o.highWaterMark)

	var g errgroup.Group
	g.SetLimit(o.highWaterMark)

	go func() {
		defer close(pending)
		for {
			var (
				s  runnable.State
				ok bool
			)
			select {
			case <-ctx.Done():
				return
			case s, ok = <-in:
				if !ok {
					return
				}
			}

			future := make(chan StreamResult, 1)
			select {
			case <-ctx.Done():
				return
			case pending <- future:
			}
			g.Go(func() error {
				result, err := p.Run(ctx, s, o.run...)
				future <- StreamResult{State: result, Err: err}
				return nil
			})
		}
	}()

	go func() {
		defer close(out)
		defer cancel()
		for future := range pending {
			result := <-future
			select {
			case <-ctx.Done():
				return
			case out <- result:
			}
			if result.Err != nil {
				return
			}
		}
		_ = g.Wait()
	}()
	return out
}

// StreamSteps runs the pipeline on s and yields its step events as they
// happen, ending with the end step. A failed run yields its error last.
// The sequence can be ranged over once; breaking out of the loop aborts
// the run.
func (p *Pipeline) StreamSteps(ctx context.Context, s runnable.State, opts ...RunOption) iter.Seq2[events.StepEvent, error] {
	var used atomic.Bool
	return func(yield func(events.StepEvent, error) bool) {
		if used.Swap(true) {
			yield(events.StepEvent{}, runnable.NewFault(runnable.ErrConfiguration, "step stream already consumed", nil, nil))
			return
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		bus := events.NewBus()
		steps, sub := bus.Stream(events.Step, 0)
		defer sub.Unsubscribe()

		done := make(chan error, 1)
		go func() {
			_, err := p.Run(ctx, s, append(opts, RunBus(bus))...)
			done <- err
		}()

		for {
			select {
			case payload := <-steps:
				event, ok := payload.(events.StepEvent)
				if !ok {
					continue
				}
				if !yield(event, nil) {
					return
				}
			case err := <-done:
				if err != nil {
					yield(events.StepEvent{}, err)
				}
				return
			}
		}
	}
}
