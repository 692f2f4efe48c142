package flow

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	runnable "github.com/goliatone/go-runnable"
	"github.com/goliatone/go-runnable/events"
	"github.com/goliatone/go-runnable/runner"
	"github.com/goliatone/go-runnable/state"
)

// run is the mutable context of one execution. Only the dispatch loop
// writes the state; it does so under mu so a timed out caller can take a
// consistent snapshot.
type run struct {
	p          *Pipeline
	id         string
	program    []*record
	labels     map[string]int
	cursor     int
	iterations int
	bus        *events.Bus
	values     map[string]any
	logger     Logger
	status     Status

	mu    sync.Mutex
	state runnable.State
}

type busKey struct{}

func withBus(ctx context.Context, bus *events.Bus) context.Context {
	return context.WithValue(ctx, busKey{}, bus)
}

func busFrom(ctx context.Context) *events.Bus {
	bus, _ := ctx.Value(busKey{}).(*events.Bus)
	return bus
}

// Run executes the pipeline on s. On failure the state reached so far is
// returned together with the error.
func (p *Pipeline) Run(ctx context.Context, s runnable.State, opts ...RunOption) (runnable.State, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := p.Err(); err != nil {
		return s, err
	}
	var ro runOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&ro)
		}
	}
	if ro.resilience != nil {
		if err := ro.resilience.Validate(); err != nil {
			return s, err
		}
	}
	return p.newRun(s, ro).start(ctx, ro)
}

func (p *Pipeline) newRun(s runnable.State, ro runOptions) *run {
	id := ro.runID
	if id == "" {
		id = uuid.NewString()
	}
	bus := ro.bus
	if bus == nil {
		bus = p.bus
	}
	if bus == nil {
		bus = events.NewBus()
	}
	program, labels := p.program()
	return &run{
		p:       p,
		id:      id,
		program: program,
		labels:  labels,
		bus:     bus,
		values:  mergeMaps(p.values, ro.values),
		logger:  loggerWith(p.logger, map[string]any{"run_id": id, "pipeline": p.name}),
		state:   state.Clone(state.Merge(p.defaults, s)),
	}
}

func (r *run) start(ctx context.Context, ro runOptions) (runnable.State, error) {
	begin := time.Now()
	ctx = withBus(ctx, r.bus)
	ctx, span := r.p.tracer.Start(ctx, r.p.spanName(), trace.WithAttributes(
		attribute.String("runnable.run_id", r.id),
		attribute.String("runnable.origin", r.p.name),
	))
	defer span.End()

	subs := make([]events.Subscription, 0, len(r.p.listeners))
	for _, l := range r.p.listeners {
		subs = append(subs, r.bus.On(l.name, l.fn))
	}
	defer func() {
		for _, sub := range subs {
			sub.Unsubscribe()
		}
	}()

	r.status = StatusRunning
	r.logger.Debug("run started")
	r.bus.Emit(events.RunStart, events.RunEvent{RunID: r.id, Pipeline: r.p.name, Status: r.status.String(), State: r.snapshot()})

	value, err := cached(ctx, r.p.runCache, r.snapshot(), r.bus, func(ctx context.Context) (any, error) {
		return r.policy(ro).Execute(ctx, func(ctx context.Context) (any, error) {
			if err := r.loop(ctx); err != nil {
				return nil, err
			}
			return r.snapshot(), nil
		})
	})

	result := r.snapshot()
	if value != nil {
		if s, convErr := asState(value); convErr == nil {
			result = s
		}
	}

	elapsed := time.Since(begin)
	r.p.metrics.record(ctx, elapsed, r.p.name, err)
	if err != nil {
		r.status = StatusFailed
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.logger.Debug("run failed after %s: %v", elapsed, err)
	} else {
		r.status = StatusCompleted
		r.logger.Debug("run completed in %s", elapsed)
	}
	r.bus.Emit(events.RunEnd, events.RunEvent{
		RunID:    r.id,
		Pipeline: r.p.name,
		Status:   r.status.String(),
		State:    state.Clone(result),
		Err:      err,
		Duration: elapsed,
	})
	return result, err
}

// policy compiles the run level policy. Its retries resume at the step that
// failed.
func (r *run) policy(ro runOptions) *runner.Policy {
	cfg := r.p.resilience
	if ro.resilience != nil {
		cfg = ro.resilience
	}
	if cfg == nil {
		return nil
	}
	opts := []runner.Option{
		runner.WithLogger(r.logger),
		runner.WithOnRetry(r.rewind),
	}
	if fallback := cfg.Fallback; fallback != nil {
		opts = append(opts, runner.WithFallback(func(ctx context.Context, _ error) (any, error) {
			return fallback.Invoke(ctx, r.snapshot(), r.params())
		}))
	}
	return runner.NewPolicy(*cfg, opts...)
}

func (r *run) rewind(_ int, err error) {
	if pos, ok := runnable.FaultMetadata(err, runnable.CodeStep, "position"); ok {
		if index, ok := pos.(int); ok {
			r.cursor = index
		}
	}
}

func (r *run) loop(ctx context.Context) error {
	for r.cursor < len(r.program) {
		if err := r.checkpoint(ctx); err != nil {
			return err
		}
		rec := r.program[r.cursor]
		r.cursor++
		if err := r.step(ctx, rec); err != nil {
			return r.fault(rec, err)
		}
		if rec.kind() == KindEnd {
			return nil
		}
	}
	return nil
}

// checkpoint blocks while the run is paused and fails once it is aborted.
func (r *run) checkpoint(ctx context.Context) error {
	if r.p.control == nil {
		return runnable.Aborted(ctx)
	}
	return r.p.control.Checkpoint(ctx)
}

func (r *run) step(ctx context.Context, rec *record) error {
	ctx, span := r.p.tracer.Start(ctx, r.p.spanName(rec.kind().String(), rec.label()), trace.WithAttributes(
		attribute.String("runnable.run_id", r.id),
		attribute.Int("runnable.position", rec.index),
		attribute.String("runnable.origin", r.p.name),
		attribute.String("runnable.kind", rec.kind().String()),
		attribute.String("runnable.label", rec.label()),
		attribute.StringSlice("runnable.tags", rec.opts.tags),
	))
	defer span.End()

	if err := r.dispatch(ctx, rec); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	snapshot := r.snapshot()
	if span.IsRecording() {
		span.AddEvent("state", trace.WithAttributes(attribute.String("runnable.state", state.Stringify(snapshot))))
	}
	r.bus.Emit(events.Step, events.NewStepEvent(r.id, rec.index, rec.kind().String(), rec.label(), r.p.name, rec.opts.tags, snapshot))
	return nil
}

func (r *run) dispatch(ctx context.Context, rec *record) error {
	switch inst := rec.inst.(type) {
	case marker:
		return nil
	case pipeStep:
		result, err := r.invokeState(ctx, inst.call)
		if err != nil {
			return err
		}
		r.setState(result)
	case pushStep:
		result, err := r.invokeState(ctx, inst.call)
		if err != nil {
			return err
		}
		if rec.opts.schema != nil {
			r.setState(result)
			return nil
		}
		r.update(func(s runnable.State) runnable.State { return state.Merge(s, result) })
	case passThroughStep:
		_, err := inst.call.invoke(ctx, r, r.state)
		return err
	case assignStep:
		return r.assign(ctx, inst)
	case pickStep:
		return r.pick(inst)
	case branchStep:
		return r.branch(ctx, rec, inst)
	case parallelStep:
		results, err := r.fanOut(ctx, inst.calls)
		if err != nil {
			return r.keepFallbacks(results, err)
		}
		return r.applyResults(rec, results)
	case loopStep:
		return r.loopOver(ctx, inst)
	case gotoStep:
		return r.jump(ctx, inst)
	default:
		return runnable.NewFault(runnable.ErrConfiguration, fmt.Sprintf("unknown step kind %s", rec.kind()), nil, nil)
	}
	return nil
}

func (r *run) invokeState(ctx context.Context, c *callable) (runnable.State, error) {
	value, err := c.invoke(ctx, r, r.state)
	if err != nil {
		if !fallbackValue(value, err) {
			return nil, err
		}
		// A fallback value beside an open circuit is still applied.
		s, convErr := asState(value)
		if convErr == nil {
			r.setState(state.Merge(r.snapshot(), s))
		}
		return nil, err
	}
	return asState(value)
}

func (r *run) assign(ctx context.Context, inst assignStep) error {
	values := make([]any, len(inst.entries))
	var calls []*callable
	var slots []int
	for i, e := range inst.entries {
		if e.call == nil {
			values[i] = state.CloneValue(e.literal)
			continue
		}
		calls = append(calls, e.call)
		slots = append(slots, i)
	}
	results, err := r.fanOut(ctx, calls)
	if err != nil && results == nil {
		return err
	}
	for i, slot := range slots {
		values[slot] = results[i]
	}
	failed := err != nil
	r.update(func(s runnable.State) runnable.State {
		for i, e := range inst.entries {
			if failed && (e.call == nil || values[i] == nil) {
				continue
			}
			state.Set(s, e.key, values[i])
		}
		return s
	})
	return err
}

func (r *run) pick(inst pickStep) error {
	if inst.schema != nil {
		parsed, err := inst.schema.Parse(state.Clone(r.state))
		if err != nil {
			return err
		}
		r.setState(parsed)
		return nil
	}
	r.setState(state.Pick(r.state, inst.keys...))
	return nil
}

// loopOver runs the chain for every element at the loop key and writes the
// returned elements back in place.
func (r *run) loopOver(ctx context.Context, inst loopStep) error {
	key := inst.key
	if state.OnlyKeys(r.state, "element", "index") && !strings.HasPrefix(key, "element.") {
		key = "element." + key
	}
	raw, _ := state.Get(r.state, key)
	items, ok := toSlice(raw)
	if !ok {
		return runnable.NewFault(runnable.ErrConfiguration, "loop key must be an array", nil, map[string]any{
			"key": key,
		})
	}

	for i, element := range items {
		child := inst.chain(r.p.child(fmt.Sprintf("%s:loop:%s:%d", r.p.name, key, i)))
		if child == nil {
			return runnable.NewFault(runnable.ErrConfiguration, "loop chain returned no pipeline", nil, map[string]any{
				"key": key,
			})
		}
		result, err := child.Run(ctx,
			runnable.State{"element": state.CloneValue(element), "index": i},
			RunID(r.id), RunContext(r.values), RunBus(r.bus),
		)
		if err != nil {
			return err
		}
		items[i] = mergeElement(element, result["element"])
		r.update(func(s runnable.State) runnable.State {
			state.Set(s, key, append([]any(nil), items...))
			return s
		})
	}
	return nil
}

// child returns an empty pipeline sharing the runtime wiring of p.
func (p *Pipeline) child(name string) *Pipeline {
	c := New(
		WithName(name),
		WithMaxIterations(p.maxIterations),
		WithLogger(p.logger),
		WithTracerProvider(p.tracerProvider),
		WithMeterProvider(p.meterProvider),
		WithCacheFactory(p.cacheFactory),
		WithControl(p.control),
	)
	c.recover = p.recover
	return c
}

func (r *run) jump(ctx context.Context, inst gotoStep) error {
	for _, route := range inst.routes {
		target, ok := r.labels[route.to]
		if !ok {
			return runnable.NewFault(runnable.ErrConfiguration, fmt.Sprintf("jump target %q not found", route.to), nil, map[string]any{
				"label": route.to,
			})
		}
		if route.when != nil {
			take, err := route.when.invoke(ctx, r, r.state)
			if err != nil {
				return err
			}
			if !asBool(take) {
				continue
			}
		}
		if r.iterations >= r.p.maxIterations {
			return runnable.NewFault(runnable.ErrIterationBudget, "", nil, map[string]any{
				"max_iterations": r.p.maxIterations,
				"label":          route.to,
			})
		}
		r.iterations++
		r.cursor = target
		return nil
	}
	return nil
}

// exec calls the callable body inside its span, converting panics to step
// faults.
func (r *run) exec(ctx context.Context, c *callable, input runnable.State, params runnable.Params) (result any, err error) {
	ctx, span := r.p.tracer.Start(ctx, r.p.spanName("func", "exec", c.name), trace.WithAttributes(
		attribute.String("runnable.run_id", r.id),
		attribute.String("runnable.origin", r.p.name),
	))
	defer span.End()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()
	defer r.p.recover(r.p.spanName("func", c.name), &err, map[string]any{"run_id": r.id})

	return c.fn(ctx, input, params)
}

func (r *run) fault(rec *record, err error) error {
	fields := map[string]any{
		"run_id":   r.id,
		"position": rec.index,
		"kind":     rec.kind().String(),
		"label":    rec.label(),
	}
	loggerWith(r.logger, fields).Error("%s step failed: %v", rec.kind(), err)
	return runnable.NewFault(runnable.ErrStep, fmt.Sprintf("%s step at position %d failed", rec.kind(), rec.index), err, fields)
}

func (r *run) params() runnable.Params {
	bus := r.bus
	return runnable.Params{
		RunID: r.id,
		Emit: func(name string, payload any) {
			bus.Emit(name, payload)
		},
		Context: r.values,
	}
}

func (r *run) setState(s runnable.State) {
	if s == nil {
		s = runnable.State{}
	}
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

func (r *run) update(fn func(runnable.State) runnable.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = fn(r.state)
}

func (r *run) snapshot() runnable.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return state.Clone(r.state)
}

func (p *Pipeline) spanName(parts ...string) string {
	name := p.name
	if name == "" {
		name = "runnable"
	}
	for _, part := range parts {
		if part != "" {
			name += ":" + part
		}
	}
	return name
}

func toSlice(v any) ([]any, bool) {
	switch items := v.(type) {
	case []any:
		return append([]any(nil), items...), true
	case []map[string]any:
		return anySlice(items), true
	case []string:
		return anySlice(items), true
	case []int:
		return anySlice(items), true
	case []int64:
		return anySlice(items), true
	case []float64:
		return anySlice(items), true
	case []bool:
		return anySlice(items), true
	case nil:
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

func anySlice[T any](items []T) []any {
	out := make([]any, len(items))
	for i, item := range items {
		out[i] = item
	}
	return out
}

func mergeElement(element, result any) any {
	base, ok := element.(map[string]any)
	if !ok {
		if result != nil {
			return result
		}
		return element
	}
	out := make(map[string]any, len(base))
	for k, v := range base {
		out[k] = v
	}
	if overlay, ok := result.(map[string]any); ok {
		for k, v := range overlay {
			out[k] = v
		}
	}
	return out
}
