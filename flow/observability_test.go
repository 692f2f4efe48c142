package flow

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	runnable "github.com/goliatone/go-runnable"
	"github.com/goliatone/go-runnable/events"
)

func TestRunSpansAndDuration(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	p := New(WithName("obs"), WithTracerProvider(tp), WithMeterProvider(mp)).
		Push(func(runnable.State) runnable.State { return runnable.State{"a": 1} }, Label("load"))

	_, err := p.Run(context.Background(), nil, RunID("run-1"))
	require.NoError(t, err)

	names := map[string]bool{}
	for _, span := range recorder.Ended() {
		names[span.Name()] = true
	}
	for _, want := range []string{"obs", "obs:start:start", "obs:push:load", "obs:func:exec", "obs:end:end"} {
		assert.True(t, names[want], "missing span %s in %v", want, names)
	}

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	var found bool
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != runDurationMetric {
				continue
			}
			hist, ok := m.Data.(metricdata.Histogram[float64])
			require.True(t, ok, "unexpected data %T", m.Data)
			require.Len(t, hist.DataPoints, 1)
			assert.Equal(t, uint64(1), hist.DataPoints[0].Count)
			value, ok := hist.DataPoints[0].Attributes.Value(attribute.Key("runnable.pipeline"))
			assert.True(t, ok)
			assert.Equal(t, "obs", value.AsString())
			found = true
		}
	}
	assert.True(t, found, "expected %s to be recorded", runDurationMetric)
}

func TestFailedStepSpanRecordsError(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	p := New(WithName("obs"), WithTracerProvider(tp)).
		Pipe(func(runnable.State) (runnable.State, error) { return nil, errBoom }, Label("charge"))
	_, err := p.Run(context.Background(), nil)
	require.Error(t, err)

	for _, span := range recorder.Ended() {
		if span.Name() == "obs:pipe:charge" {
			assert.Equal(t, "Error", span.Status().Code.String())
			return
		}
	}
	t.Fatal("expected a span for the failed step")
}

func TestStepAndRunEvents(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	record := func(name string) func(any) {
		return func(payload any) {
			mu.Lock()
			defer mu.Unlock()
			switch e := payload.(type) {
			case events.StepEvent:
				seen = append(seen, name+":"+e.Kind)
			case events.RunEvent:
				seen = append(seen, name)
			default:
				seen = append(seen, name)
			}
		}
	}

	p := New(WithName("evented")).
		PassThrough(func(_ context.Context, _ runnable.State, params runnable.Params) (runnable.State, error) {
			params.EmitSafe("custom", 1)
			return nil, nil
		}, Tags("audit"))
	p.On(events.RunStart, record("run:start")).
		On(events.Step, record("step")).
		On("custom", record("custom")).
		On(events.RunEnd, record("run:end"))

	_, err := p.Run(context.Background(), nil)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		"run:start",
		"step:start",
		"custom",
		"step:passThrough",
		"step:end",
		"run:end",
	}, seen)
}

func TestSharedBus(t *testing.T) {
	bus := events.NewBus()
	var ends int
	bus.On(events.RunEnd, func(payload any) {
		if e, ok := payload.(events.RunEvent); ok && e.Pipeline == "shared" {
			ends++
		}
	})

	p := New(WithName("shared"), WithBus(bus))
	_, err := p.Run(context.Background(), nil)
	require.NoError(t, err)
	_, err = p.Run(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, 2, ends)
	assert.True(t, p.Emit(events.RunEnd, events.RunEvent{Pipeline: "other"}))
	assert.False(t, p.Emit("nobody", nil))
}

func TestRunEventsCarryStatus(t *testing.T) {
	var statuses []string
	record := func(payload any) {
		if e, ok := payload.(events.RunEvent); ok {
			statuses = append(statuses, e.Status)
		}
	}

	ok := New(WithName("ok"))
	ok.On(events.RunStart, record).On(events.RunEnd, record)
	_, err := ok.Run(context.Background(), nil)
	require.NoError(t, err)

	failing := New(WithName("failing")).Pipe(func(runnable.State) (runnable.State, error) {
		return nil, errBoom
	})
	failing.On(events.RunStart, record).On(events.RunEnd, record)
	_, err = failing.Run(context.Background(), nil)
	require.Error(t, err)

	assert.Equal(t, []string{"running", "completed", "running", "failed"}, statuses)
}
