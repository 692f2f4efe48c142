package flow

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	runnable "github.com/goliatone/go-runnable"
)

const ordersYAML = `
version: 1
pipelines:
  - name: enrich
    steps:
      - kind: push
        fn: add_title
  - name: orders
    max_iterations: 5
    context:
      region: eu
    defaults:
      counter: 0
    steps:
      - kind: milestone
        label: top
      - kind: push
        fn: increment
        tags: [counter]
      - kind: go
        routes:
          - to: top
            if: below_three
      - kind: assign
        values:
          static: literal
          region: "@region_of"
      - kind: loop
        key: items
        steps:
          - kind: pipe
            fn: enrich
      - kind: parallel
        fns: [flag_a, flag_b]
      - kind: branch
        cases:
          - if: never
            then: flag_a
          - if: always
            then: flag_c
`

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	reg := NewRegistry()
	entries := map[string]any{
		"add_title": func(runnable.State) runnable.State {
			return runnable.State{"element": map[string]any{"title": "x"}}
		},
		"increment": func(s runnable.State) runnable.State {
			return runnable.State{"counter": s["counter"].(int) + 1}
		},
		"below_three": func(s runnable.State) bool { return s["counter"].(int) < 3 },
		"region_of": func(_ context.Context, _ runnable.State, p runnable.Params) (any, error) {
			return p.Context["region"], nil
		},
		"flag_a": func(runnable.State) runnable.State { return runnable.State{"a": true} },
		"flag_b": func(runnable.State) runnable.State { return runnable.State{"b": true} },
		"flag_c": func(runnable.State) runnable.State { return runnable.State{"c": true} },
		"never":  func(runnable.State) bool { return false },
		"always": func(runnable.State) bool { return true },
		"fail": func(runnable.State) (runnable.State, error) {
			return nil, errBoom
		},
		"recover": func(runnable.State) runnable.State { return runnable.State{"recovered": true} },
	}
	for id, fn := range entries {
		require.NoError(t, reg.Register(id, fn))
	}
	return reg
}

func TestBuildPipelinesFromYAML(t *testing.T) {
	set, err := ParsePipelineSet([]byte(ordersYAML))
	require.NoError(t, err)
	require.Len(t, set.Pipelines, 2)

	pipelines, err := BuildPipelines(set, testRegistry(t))
	require.NoError(t, err)
	require.Contains(t, pipelines, "orders")
	require.Contains(t, pipelines, "enrich")

	orders := pipelines["orders"]
	assert.Equal(t, "orders", orders.Name())

	out, err := orders.Run(context.Background(), runnable.State{
		"items": []any{map[string]any{"id": 1}},
	})
	require.NoError(t, err)

	assert.Equal(t, 3, out["counter"])
	assert.Equal(t, "literal", out["static"])
	assert.Equal(t, "eu", out["region"])
	assert.Equal(t, []any{map[string]any{"id": 1, "title": "x"}}, out["items"])
	assert.Equal(t, true, out["a"])
	assert.Equal(t, true, out["b"])
	assert.Equal(t, true, out["c"])

	steps := orders.Steps()
	require.Len(t, steps, 8)
	assert.Equal(t, KindMilestone, steps[1].Kind)
	assert.Equal(t, "top", steps[1].Label)
	assert.Equal(t, []string{"counter"}, steps[2].Tags)
}

func TestBuildPipelineWithFallbackAndReplace(t *testing.T) {
	def := PipelineDefinition{
		Name: "guarded",
		Steps: []StepDefinition{
			{Kind: DefPush, Fn: "fail", Fallback: "recover"},
			{Kind: DefParallel, Fns: []string{"flag_a", "flag_b"}, Mode: "replace"},
		},
	}

	p, err := BuildPipeline(def, testRegistry(t))
	require.NoError(t, err)

	out, err := p.Run(context.Background(), runnable.State{"x": 1})
	require.NoError(t, err)
	assert.Equal(t, runnable.State{"a": true, "b": true}, out)
}

func TestBuildPipelineRunFallback(t *testing.T) {
	def := PipelineDefinition{
		Name:     "guarded",
		Fallback: "recover",
		Steps:    []StepDefinition{{Kind: DefPipe, Fn: "fail"}},
	}
	p, err := BuildPipeline(def, testRegistry(t))
	require.NoError(t, err)

	out, err := p.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, true, out["recovered"])
}

func TestBuildPipelinesUnknownCallable(t *testing.T) {
	set := PipelineSet{Pipelines: []PipelineDefinition{{
		Name:  "broken",
		Steps: []StepDefinition{{Kind: DefPush, Fn: "missing"}},
	}}}
	_, err := BuildPipelines(set, testRegistry(t))
	require.Error(t, err)
	assert.True(t, runnable.IsFault(err, runnable.CodeConfiguration))
	assert.Contains(t, err.Error(), "broken")
}

func TestBuildPipelinesUnknownCallableInLoopBody(t *testing.T) {
	def := PipelineDefinition{
		Name: "loop",
		Steps: []StepDefinition{{
			Kind:  DefLoop,
			Key:   "items",
			Steps: []StepDefinition{{Kind: DefPush, Fn: "missing"}},
		}},
	}
	_, err := BuildPipeline(def, testRegistry(t))
	assert.True(t, runnable.IsFault(err, runnable.CodeConfiguration), "expected configuration fault, got %v", err)
}

func TestPipelineSetValidation(t *testing.T) {
	cases := []struct {
		name string
		set  PipelineSet
	}{
		{name: "empty", set: PipelineSet{}},
		{name: "missing name", set: PipelineSet{Pipelines: []PipelineDefinition{{
			Steps: []StepDefinition{{Kind: DefPush, Fn: "x"}},
		}}}},
		{name: "no steps", set: PipelineSet{Pipelines: []PipelineDefinition{{Name: "a"}}}},
		{name: "unknown kind", set: PipelineSet{Pipelines: []PipelineDefinition{{
			Name:  "a",
			Steps: []StepDefinition{{Kind: "teleport"}},
		}}}},
		{name: "pipe without fn", set: PipelineSet{Pipelines: []PipelineDefinition{{
			Name:  "a",
			Steps: []StepDefinition{{Kind: DefPipe}},
		}}}},
		{name: "loop without body", set: PipelineSet{Pipelines: []PipelineDefinition{{
			Name:  "a",
			Steps: []StepDefinition{{Kind: DefLoop, Key: "items"}},
		}}}},
		{name: "route without target", set: PipelineSet{Pipelines: []PipelineDefinition{{
			Name:  "a",
			Steps: []StepDefinition{{Kind: DefGo, Routes: []RouteDefinition{{If: "always"}}}},
		}}}},
		{name: "bad mode", set: PipelineSet{Pipelines: []PipelineDefinition{{
			Name:  "a",
			Steps: []StepDefinition{{Kind: DefParallel, Fns: []string{"x"}, Mode: "sideways"}},
		}}}},
		{name: "duplicate names", set: PipelineSet{Pipelines: []PipelineDefinition{
			{Name: "a", Steps: []StepDefinition{{Kind: DefMilestone, Label: "m"}}},
			{Name: "a", Steps: []StepDefinition{{Kind: DefMilestone, Label: "m"}}},
		}}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.set.Validate()
			require.Error(t, err)
			assert.True(t, runnable.IsFault(err, runnable.CodeConfiguration), "expected configuration fault, got %v", err)
		})
	}
}

func TestLoadAndMarshalPipelineSet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipelines.yaml")
	require.NoError(t, os.WriteFile(path, []byte(ordersYAML), 0o600))

	set, err := LoadPipelineSet(path)
	require.NoError(t, err)

	data, err := MarshalPipelineSet(set)
	require.NoError(t, err)

	again, err := ParsePipelineSet(data)
	require.NoError(t, err)
	require.Len(t, again.Pipelines, 2)
	assert.Equal(t, set.Pipelines[1].Steps[2].Routes, again.Pipelines[1].Steps[2].Routes)
	assert.Equal(t, set.Pipelines[1].Steps[3].Values, again.Pipelines[1].Steps[3].Values)

	_, err = LoadPipelineSet(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestParsePipelineSetRejectsMalformedInput(t *testing.T) {
	_, err := ParsePipelineSet([]byte("pipelines: ["))
	assert.True(t, runnable.IsFault(err, runnable.CodeConfiguration))
}

func TestBuildPipelinePickKeepsLabelAndTags(t *testing.T) {
	def := PipelineDefinition{
		Name: "egress",
		Steps: []StepDefinition{
			{Kind: DefGo, Routes: []RouteDefinition{{To: "filter:egress"}}},
			{Kind: DefPush, Fn: "flag_a"},
			{Kind: DefPick, Keys: []string{"x"}, Label: "filter:egress", Tags: []string{"egress"}},
		},
	}
	p, err := BuildPipeline(def, testRegistry(t))
	require.NoError(t, err)

	steps := p.Steps()
	require.Len(t, steps, 4)
	assert.Equal(t, KindPick, steps[3].Kind)
	assert.Equal(t, "filter:egress", steps[3].Label)
	assert.Equal(t, []string{"egress"}, steps[3].Tags)

	out, err := p.Run(context.Background(), runnable.State{"x": 1, "y": 2})
	require.NoError(t, err)
	assert.Equal(t, runnable.State{"x": 1}, out)
}
