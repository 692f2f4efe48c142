package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"gopkg.in/yaml.v3"

	runnable "github.com/goliatone/go-runnable"
	"github.com/goliatone/go-runnable/flow"
)

type validateCmd struct {
	File string `arg:"" type:"existingfile" help:"Pipeline set file."`
}

func (c *validateCmd) Run(e *env) error {
	set, pipelines, err := load(c.File, e)
	if err != nil {
		return err
	}
	fmt.Fprintf(e.out, "ok: %d pipelines (version %d)\n", len(pipelines), set.Version)
	return nil
}

type inspectCmd struct {
	File     string `arg:"" type:"existingfile" help:"Pipeline set file."`
	Pipeline string `short:"p" help:"Only print this pipeline."`
}

type pipelineSummary struct {
	Name  string          `yaml:"name"`
	Steps []flow.StepInfo `yaml:"steps"`
}

func (c *inspectCmd) Run(e *env) error {
	set, pipelines, err := load(c.File, e)
	if err != nil {
		return err
	}

	var out []pipelineSummary
	for _, def := range set.Pipelines {
		if c.Pipeline != "" && def.Name != c.Pipeline {
			continue
		}
		out = append(out, pipelineSummary{Name: def.Name, Steps: pipelines[def.Name].Steps()})
	}
	if c.Pipeline != "" && len(out) == 0 {
		return fmt.Errorf("pipeline %q not found", c.Pipeline)
	}

	enc := yaml.NewEncoder(e.out)
	enc.SetIndent(2)
	if err := enc.Encode(out); err != nil {
		return err
	}
	return enc.Close()
}

type runCmd struct {
	File     string            `arg:"" type:"existingfile" help:"Pipeline set file."`
	Pipeline string            `short:"p" help:"Pipeline to run. Defaults to the first one in the file."`
	State    string            `short:"s" default:"{}" help:"Initial state as a JSON object."`
	Context  map[string]string `short:"c" help:"Values injected into the run context (key=value)."`
	RunID    string            `name:"run-id" help:"Run id. Generated when empty."`
	Timeout  time.Duration     `help:"Abort the run after this long."`
	Steps    bool              `help:"Print every step event as a JSON line."`
}

func (c *runCmd) Run(e *env) error {
	set, pipelines, err := load(c.File, e)
	if err != nil {
		return err
	}
	name := c.Pipeline
	if name == "" {
		name = set.Pipelines[0].Name
	}
	p, ok := pipelines[name]
	if !ok {
		return fmt.Errorf("pipeline %q not found", name)
	}

	initial, err := parseState(c.State)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	runID := c.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	values := make(map[string]any, len(c.Context))
	for k, v := range c.Context {
		values[k] = v
	}
	opts := []flow.RunOption{flow.RunID(runID), flow.RunContext(values)}

	enc := json.NewEncoder(e.out)
	if c.Steps {
		for event, err := range p.StreamSteps(ctx, initial, opts...) {
			if err != nil {
				return err
			}
			if err := enc.Encode(event); err != nil {
				return err
			}
		}
		return nil
	}

	result, err := p.Run(ctx, initial, opts...)
	if err != nil {
		return err
	}
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

type builtinsCmd struct{}

func (c *builtinsCmd) Run(e *env) error {
	for _, id := range e.registry.IDs() {
		fmt.Fprintln(e.out, id)
	}
	return nil
}

func load(path string, e *env) (flow.PipelineSet, map[string]*flow.Pipeline, error) {
	set, err := flow.LoadPipelineSet(path)
	if err != nil {
		return set, nil, err
	}
	pipelines, err := flow.BuildPipelines(set, e.registry, flow.WithLogger(e.logger))
	if err != nil {
		return set, nil, err
	}
	return set, pipelines, nil
}

func parseState(raw string) (runnable.State, error) {
	if !gjson.Valid(raw) || !gjson.Parse(raw).IsObject() {
		return nil, fmt.Errorf("state must be a JSON object")
	}
	var s runnable.State
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, err
	}
	return s, nil
}
