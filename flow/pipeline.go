package flow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	runnable "github.com/goliatone/go-runnable"
	"github.com/goliatone/go-runnable/cache"
	"github.com/goliatone/go-runnable/events"
	"github.com/goliatone/go-runnable/runner"
)

const instrumentationName = "github.com/goliatone/go-runnable/flow"

// Pipeline is an ordered list of steps over a shared state. Build it with
// the chaining methods, then Run it any number of times, concurrently if
// needed. Building and running must not overlap.
//
// Builder methods never fail. The first append error is returned by Err and
// by every Run.
type Pipeline struct {
	name          string
	maxIterations int
	values        map[string]any
	defaults      runnable.State
	resilience    *runner.Config
	cacheConfig   *cache.Config
	bus           *events.Bus
	logger        Logger
	cacheFactory  *cache.Factory
	control       runner.Control
	recover       func(funcName string, errp *error, fields ...map[string]any)

	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	tracer         trace.Tracer
	metrics        *runMetrics

	runCache  *cache.Gateway
	records   []*record
	labels    map[string]int
	listeners []listener
	errs      []error
	wrapped   int
}

type listener struct {
	name string
	fn   func(any)
}

// New returns a pipeline holding only its start step.
func New(opts ...Option) *Pipeline {
	p := &Pipeline{
		maxIterations: DefaultMaxIterations,
		labels:        make(map[string]int),
		recover:       runnable.Recover,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	p.logger = loggerWith(p.logger, nil)
	if p.cacheFactory == nil {
		p.cacheFactory = cache.Default()
	}
	if p.tracerProvider == nil {
		p.tracerProvider = otel.GetTracerProvider()
	}
	if p.meterProvider == nil {
		p.meterProvider = otel.GetMeterProvider()
	}
	p.tracer = p.tracerProvider.Tracer(instrumentationName)
	metrics, err := newRunMetrics(p.meterProvider.Meter(instrumentationName))
	if err != nil {
		p.logger.Warn("run duration histogram unavailable: %v", err)
	}
	p.metrics = metrics

	if p.resilience != nil {
		if err := p.resilience.Validate(); err != nil {
			p.fail(-1, err)
		}
	}
	if p.cacheConfig != nil {
		g, err := cache.NewGateway(cache.Identity{Pipeline: p.name, Step: "start", Fn: "run"}, *p.cacheConfig, p.cacheFactory)
		if err != nil {
			p.fail(-1, err)
		}
		p.runCache = g
	}

	p.add(marker{k: KindStart}, stepOptions{label: "start"})
	return p
}

// From builds a pipeline from a list: maps become assign steps, everything
// else a pipe step.
func From(steps []any, opts ...Option) *Pipeline {
	p := New(opts...)
	for _, step := range steps {
		if values, ok := step.(map[string]any); ok {
			p.AssignMap(values)
			continue
		}
		p.Pipe(step)
	}
	return p
}

func (p *Pipeline) Name() string {
	return p.name
}

// Err returns the errors recorded while building.
func (p *Pipeline) Err() error {
	return errors.Join(p.errs...)
}

// WrappedCount returns the number of callables compiled into the steps.
func (p *Pipeline) WrappedCount() int {
	return p.wrapped
}

// Steps describes the step list.
func (p *Pipeline) Steps() []StepInfo {
	out := make([]StepInfo, 0, len(p.records))
	for _, rec := range p.records {
		out = append(out, StepInfo{
			Index: rec.index,
			Kind:  rec.kind(),
			Label: rec.label(),
			Tags:  append([]string(nil), rec.opts.tags...),
		})
	}
	return out
}

// On subscribes fn to name on the bus of every run.
func (p *Pipeline) On(name string, fn func(payload any)) *Pipeline {
	if fn != nil {
		p.listeners = append(p.listeners, listener{name: name, fn: fn})
	}
	return p
}

// Emit publishes on the bus given with WithBus and reports whether anyone
// was listening.
func (p *Pipeline) Emit(name string, payload any) bool {
	return p.bus.Emit(name, payload)
}

func (p *Pipeline) Milestone(label string, opts ...StepOption) *Pipeline {
	o := newStepOptions(opts)
	o.label = label
	if strings.TrimSpace(label) == "" {
		p.fail(len(p.records), fmt.Errorf("milestone requires a label"))
		return p
	}
	p.add(marker{k: KindMilestone}, o)
	return p
}

// Pipe replaces the state with the result of fn.
func (p *Pipeline) Pipe(fn any, opts ...StepOption) *Pipeline {
	o := newStepOptions(opts)
	if call, ok := p.compileStep(fn, "", o); ok {
		p.add(pipeStep{call: call}, o)
	}
	return p
}

// Push deep merges the result of fn into the state.
func (p *Pipeline) Push(fn any, opts ...StepOption) *Pipeline {
	o := newStepOptions(opts)
	if call, ok := p.compileStep(fn, "", o); ok {
		p.add(pushStep{call: call}, o)
	}
	return p
}

// PassThrough calls fn for its side effects and keeps the state.
func (p *Pipeline) PassThrough(fn any, opts ...StepOption) *Pipeline {
	o := newStepOptions(opts)
	if call, ok := p.compileStep(fn, "", o); ok {
		p.add(passThroughStep{call: call}, o)
	}
	return p
}

// Assign stores the value returned by fn at the dotted key.
func (p *Pipeline) Assign(key string, fn any, opts ...StepOption) *Pipeline {
	o := newStepOptions(opts)
	if fn == nil {
		p.fail(len(p.records), fmt.Errorf("assign %q requires a function", key))
		return p
	}
	call, ok := p.compileValue(fn, key, o)
	if !ok {
		return p
	}
	p.add(assignStep{entries: []assignEntry{{key: key, call: call}}}, o)
	return p
}

// AssignMap stores several keys. Callables and Runnables run concurrently,
// other values are literals. Results are written in key order.
func (p *Pipeline) AssignMap(values map[string]any, opts ...StepOption) *Pipeline {
	o := newStepOptions(opts)
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	entries := make([]assignEntry, 0, len(keys))
	for _, key := range keys {
		value := values[key]
		if !isCallable(value) {
			entries = append(entries, assignEntry{key: key, literal: value})
			continue
		}
		call, ok := p.compileValue(value, key, o)
		if !ok {
			return p
		}
		entries = append(entries, assignEntry{key: key, call: call})
	}
	p.add(assignStep{entries: entries}, o)
	return p
}

// Pick keeps only the dotted keys.
func (p *Pipeline) Pick(keys []string, opts ...StepOption) *Pipeline {
	p.add(pickStep{keys: append([]string(nil), keys...)}, newStepOptions(opts))
	return p
}

// PickSchema replaces the state with the result of schema.
func (p *Pipeline) PickSchema(schema runnable.Schema, opts ...StepOption) *Pipeline {
	o := newStepOptions(opts)
	if schema == nil {
		p.fail(len(p.records), fmt.Errorf("pick requires a schema"))
		return p
	}
	p.add(pickStep{schema: schema}, o)
	return p
}

// Branch runs the Then of the first case whose If holds.
func (p *Pipeline) Branch(cases []Case, opts ...StepOption) *Pipeline {
	o := newStepOptions(opts)
	compiled, ok := p.compileCases(cases, o)
	if ok {
		p.add(branchStep{cases: compiled}, o)
	}
	return p
}

// BranchAll runs the Then of every case whose If holds, concurrently.
func (p *Pipeline) BranchAll(cases []Case, opts ...StepOption) *Pipeline {
	return p.Branch(cases, append(opts, processAll())...)
}

// Parallel runs every fn concurrently on its own copy of the state and
// merges the results in declaration order.
func (p *Pipeline) Parallel(fns []any, opts ...StepOption) *Pipeline {
	o := newStepOptions(opts)
	calls := make([]*callable, 0, len(fns))
	for i, fn := range fns {
		call, ok := p.compileStep(fn, fmt.Sprintf("#%d", i), o)
		if !ok {
			return p
		}
		calls = append(calls, call)
	}
	p.add(parallelStep{calls: calls}, o)
	return p
}

// Loop runs chain once per element of the array at key, sequentially. Each
// element runs in a fresh child pipeline with state {element, index}; the
// returned element is merged back into the array.
func (p *Pipeline) Loop(key string, chain func(*Pipeline) *Pipeline, opts ...StepOption) *Pipeline {
	o := newStepOptions(opts)
	if strings.TrimSpace(key) == "" || chain == nil {
		p.fail(len(p.records), fmt.Errorf("loop requires a key and a chain"))
		return p
	}
	p.add(loopStep{key: key, chain: chain}, o)
	return p
}

// Go jumps to the label of the first route whose If holds.
func (p *Pipeline) Go(routes ...Route) *Pipeline {
	return p.GoWith(routes)
}

// GoWith is Go with step options.
func (p *Pipeline) GoWith(routes []Route, opts ...StepOption) *Pipeline {
	o := newStepOptions(opts)
	compiled := make([]gotoRoute, 0, len(routes))
	for i, route := range routes {
		r := gotoRoute{to: route.To}
		if route.If != nil {
			call, ok := p.compilePredicate(route.If, fmt.Sprintf("if#%d", i), o)
			if !ok {
				return p
			}
			r.when = call
		}
		compiled = append(compiled, r)
	}
	p.add(gotoStep{routes: compiled}, o)
	return p
}

func (p *Pipeline) compileCases(cases []Case, o stepOptions) ([]branchCase, bool) {
	out := make([]branchCase, 0, len(cases))
	for i, c := range cases {
		when, ok := p.compilePredicate(c.If, fmt.Sprintf("if#%d", i), o)
		if !ok {
			return nil, false
		}
		then, ok := p.compileStep(c.Then, fmt.Sprintf("then#%d", i), o)
		if !ok {
			return nil, false
		}
		out = append(out, branchCase{when: when, then: then})
	}
	return out, true
}

func (p *Pipeline) compileStep(fn any, name string, o stepOptions) (*callable, bool) {
	invoke, err := stepFunc(fn)
	return p.compiled(invoke, err, name, o)
}

func (p *Pipeline) compileValue(fn any, name string, o stepOptions) (*callable, bool) {
	invoke, err := valueFunc(fn)
	return p.compiled(invoke, err, name, o)
}

func (p *Pipeline) compilePredicate(fn any, name string, o stepOptions) (*callable, bool) {
	invoke, err := predicateFunc(fn)
	return p.compiled(invoke, err, name, o)
}

func (p *Pipeline) compiled(invoke invokeFunc, err error, name string, o stepOptions) (*callable, bool) {
	if err != nil {
		p.fail(len(p.records), err)
		return nil, false
	}
	call, err := p.compile(invoke, name, o)
	if err != nil {
		p.fail(len(p.records), err)
		return nil, false
	}
	return call, true
}

func (p *Pipeline) add(inst instruction, o stepOptions) {
	index := len(p.records)
	if o.label != "" {
		if prev, exists := p.labels[o.label]; exists {
			p.fail(index, runnable.NewFault(runnable.ErrConfiguration, "duplicate step label", nil, map[string]any{
				"label":    o.label,
				"position": index,
				"previous": prev,
			}))
			return
		}
		p.labels[o.label] = index
	}
	p.records = append(p.records, &record{index: index, opts: o, inst: inst})
}

func (p *Pipeline) fail(position int, err error) {
	if !runnable.IsFault(err, runnable.CodeConfiguration) {
		err = runnable.NewFault(runnable.ErrConfiguration, err.Error(), err, nil)
	}
	if position >= 0 {
		err = fmt.Errorf("step %d: %w", position, err)
	}
	p.errs = append(p.errs, err)
}

// program returns the records a run executes, with an end step appended
// when the list has none.
func (p *Pipeline) program() ([]*record, map[string]int) {
	n := len(p.records)
	if p.ended() {
		return p.records, p.labels
	}
	end := &record{index: n, inst: marker{k: KindEnd}}
	labels := p.labels
	if _, taken := labels["end"]; !taken {
		end.opts.label = "end"
		labels = make(map[string]int, len(p.labels)+1)
		for k, v := range p.labels {
			labels[k] = v
		}
		labels["end"] = n
	}
	return append(p.records[:n:n], end), labels
}

// End closes the step list explicitly. Steps appended later are never
// reached except through a jump. A list holds at most one end step, so
// later calls are no-ops.
func (p *Pipeline) End() *Pipeline {
	if p.ended() {
		return p
	}
	o := stepOptions{}
	if _, taken := p.labels["end"]; !taken {
		o.label = "end"
	}
	p.add(marker{k: KindEnd}, o)
	return p
}

func (p *Pipeline) ended() bool {
	for _, rec := range p.records {
		if rec.kind() == KindEnd {
			return true
		}
	}
	return false
}

// Invoke runs the pipeline as a step of another run. The child shares the
// run id, injected context and bus of its caller.
func (p *Pipeline) Invoke(ctx context.Context, s runnable.State, params runnable.Params) (runnable.State, error) {
	opts := []RunOption{RunContext(params.Context)}
	if params.RunID != "" {
		opts = append(opts, RunID(params.RunID))
	}
	if bus := busFrom(ctx); bus != nil {
		opts = append(opts, RunBus(bus))
	}
	return p.Run(ctx, s, opts...)
}
