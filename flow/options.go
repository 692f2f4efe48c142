package flow

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	runnable "github.com/goliatone/go-runnable"
	"github.com/goliatone/go-runnable/cache"
	"github.com/goliatone/go-runnable/events"
	"github.com/goliatone/go-runnable/runner"
	"github.com/goliatone/go-runnable/state"
)

const DefaultMaxIterations = 25

// Option configures a Pipeline.
type Option func(*Pipeline)

func WithName(name string) Option {
	return func(p *Pipeline) {
		p.name = name
	}
}

// WithMaxIterations bounds the number of jumps a run may take.
func WithMaxIterations(n int) Option {
	return func(p *Pipeline) {
		if n >= 0 {
			p.maxIterations = n
		}
	}
}

// WithContext injects dependencies handed to every callable as
// Params.Context.
func WithContext(values map[string]any) Option {
	return func(p *Pipeline) {
		p.values = mergeMaps(p.values, values)
	}
}

// WithResilience wraps every run in a policy. A retry re-enters the run at
// the failing step.
func WithResilience(cfg runner.Config) Option {
	return func(p *Pipeline) {
		p.resilience = &cfg
	}
}

// WithCache caches whole runs under the identity <name>:start:run.
func WithCache(cfg cache.Config) Option {
	return func(p *Pipeline) {
		p.cacheConfig = &cfg
	}
}

// WithBus shares a bus with every run. Without one each run gets its own.
func WithBus(bus *events.Bus) Option {
	return func(p *Pipeline) {
		p.bus = bus
	}
}

func WithLogger(logger Logger) Option {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(p *Pipeline) {
		p.tracerProvider = tp
	}
}

func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(p *Pipeline) {
		p.meterProvider = mp
	}
}

func WithCacheFactory(f *cache.Factory) Option {
	return func(p *Pipeline) {
		p.cacheFactory = f
	}
}

// WithControl pauses, resumes or cancels runs between steps.
func WithControl(control runner.Control) Option {
	return func(p *Pipeline) {
		p.control = control
	}
}

// WithDefaults sets the state a run starts from. Caller state is merged
// over it.
func WithDefaults(defaults runnable.State) Option {
	return func(p *Pipeline) {
		p.defaults = state.Clone(defaults)
	}
}

// WithPanicLogger replaces the logger used for recovered callable panics.
func WithPanicLogger(logger runnable.PanicLogger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.recover = runnable.MakePanicHandler(logger)
		}
	}
}

// StepOption configures a single step.
type StepOption func(*stepOptions)

type stepOptions struct {
	label      string
	tags       []string
	processAll bool
	mode       MergeStrategy
	schema     runnable.Schema
	resilience *runner.Config
	cache      *cache.Config
}

func newStepOptions(opts []StepOption) stepOptions {
	var o stepOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// Label names a step. Labels are unique and are the only jump targets.
func Label(name string) StepOption {
	return func(o *stepOptions) {
		o.label = name
	}
}

func Tags(tags ...string) StepOption {
	return func(o *stepOptions) {
		o.tags = append(o.tags, tags...)
	}
}

// MergeMode sets how Branch, BranchAll and Parallel apply their results.
func MergeMode(mode MergeStrategy) StepOption {
	return func(o *stepOptions) {
		o.mode = mode
	}
}

// Validate parses the state with schema before it reaches the step
// callables. A push step with a schema replaces the state with its result.
func Validate(schema runnable.Schema) StepOption {
	return func(o *stepOptions) {
		o.schema = schema
	}
}

func Resilience(cfg runner.Config) StepOption {
	return func(o *stepOptions) {
		o.resilience = &cfg
	}
}

func Cache(cfg cache.Config) StepOption {
	return func(o *stepOptions) {
		o.cache = &cfg
	}
}

func processAll() StepOption {
	return func(o *stepOptions) {
		o.processAll = true
	}
}

// RunOption configures one run.
type RunOption func(*runOptions)

type runOptions struct {
	runID      string
	values     map[string]any
	bus        *events.Bus
	resilience *runner.Config
}

func RunID(id string) RunOption {
	return func(o *runOptions) {
		o.runID = id
	}
}

// RunContext adds dependencies for this run. Keys override the ones given
// with WithContext.
func RunContext(values map[string]any) RunOption {
	return func(o *runOptions) {
		o.values = mergeMaps(o.values, values)
	}
}

func RunBus(bus *events.Bus) RunOption {
	return func(o *runOptions) {
		o.bus = bus
	}
}

// RunResilience replaces the pipeline level policy for this run.
func RunResilience(cfg runner.Config) RunOption {
	return func(o *runOptions) {
		o.resilience = &cfg
	}
}
