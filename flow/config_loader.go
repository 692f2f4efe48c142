package flow

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	runnable "github.com/goliatone/go-runnable"
	"github.com/goliatone/go-runnable/runner"
	"github.com/goliatone/go-runnable/state"
)

// ParsePipelineSet parses JSON or YAML into a PipelineSet.
func ParsePipelineSet(data []byte) (PipelineSet, error) {
	var set PipelineSet
	if err := yaml.Unmarshal(data, &set); err != nil {
		// yaml can handle JSON too, so a single attempt is fine
		return set, runnable.NewFault(runnable.ErrConfiguration, "parse pipeline set", err, nil)
	}
	return set, set.Validate()
}

// LoadPipelineSet reads and parses a definition file.
func LoadPipelineSet(path string) (PipelineSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return PipelineSet{}, fmt.Errorf("read pipeline set %s: %w", path, err)
	}
	return ParsePipelineSet(data)
}

// MarshalPipelineSet renders a PipelineSet as YAML.
func MarshalPipelineSet(set PipelineSet) ([]byte, error) {
	return yaml.Marshal(set)
}

// BuildPipelines constructs every pipeline of set, in order. Callables are
// looked up in reg; a pipeline defined earlier in the set can be referenced
// by name as a step of a later one.
func BuildPipelines(set PipelineSet, reg *Registry, opts ...Option) (map[string]*Pipeline, error) {
	if err := set.Validate(); err != nil {
		return nil, err
	}
	res := resolver{reg: reg, built: make(map[string]*Pipeline, len(set.Pipelines))}
	for _, def := range set.Pipelines {
		p, err := res.pipeline(def, opts)
		if err != nil {
			return nil, fmt.Errorf("build pipeline %s: %w", def.Name, err)
		}
		res.built[def.Name] = p
	}
	return res.built, nil
}

// BuildPipeline constructs a single pipeline from def.
func BuildPipeline(def PipelineDefinition, reg *Registry, opts ...Option) (*Pipeline, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	p, err := resolver{reg: reg}.pipeline(def, opts)
	if err != nil {
		return nil, fmt.Errorf("build pipeline %s: %w", def.Name, err)
	}
	return p, nil
}

type resolver struct {
	reg   *Registry
	built map[string]*Pipeline
}

func (r resolver) lookup(ref string) (any, error) {
	id := strings.TrimSpace(strings.TrimPrefix(ref, "@"))
	if p, ok := r.built[id]; ok {
		return p, nil
	}
	if fn, ok := r.reg.Lookup(id); ok {
		return fn, nil
	}
	return nil, runnable.NewFault(runnable.ErrConfiguration, fmt.Sprintf("callable %s not found", id), nil, map[string]any{
		"ref": id,
	})
}

func (r resolver) lookupAll(refs []string) ([]any, error) {
	out := make([]any, 0, len(refs))
	for _, ref := range refs {
		fn, err := r.lookup(ref)
		if err != nil {
			return nil, err
		}
		out = append(out, fn)
	}
	return out, nil
}

// fallback turns a reference into the Runnable a resilience config expects.
func (r resolver) fallback(ref string) (runnable.Runnable, error) {
	fn, err := r.lookup(ref)
	if err != nil {
		return nil, err
	}
	if rn, ok := fn.(runnable.Runnable); ok {
		return rn, nil
	}
	invoke, err := stepFunc(fn)
	if err != nil {
		return nil, runnable.NewFault(runnable.ErrConfiguration, fmt.Sprintf("fallback %s", ref), err, nil)
	}
	return runnable.StepFunc(func(ctx context.Context, s runnable.State, p runnable.Params) (runnable.State, error) {
		v, err := invoke(ctx, s, p)
		if err != nil {
			return nil, err
		}
		return asState(v)
	}), nil
}

func (r resolver) resilience(cfg *runner.Config, fallback string) (*runner.Config, error) {
	if cfg == nil && fallback == "" {
		return nil, nil
	}
	var out runner.Config
	if cfg != nil {
		out = *cfg
	}
	if fallback != "" {
		fb, err := r.fallback(fallback)
		if err != nil {
			return nil, err
		}
		out.Fallback = fb
	}
	return &out, nil
}

func (r resolver) pipeline(def PipelineDefinition, extra []Option) (*Pipeline, error) {
	opts := []Option{WithName(def.Name)}
	if def.MaxIterations > 0 {
		opts = append(opts, WithMaxIterations(def.MaxIterations))
	}
	if len(def.Context) > 0 {
		opts = append(opts, WithContext(def.Context))
	}
	if len(def.Defaults) > 0 {
		opts = append(opts, WithDefaults(def.Defaults))
	}
	cfg, err := r.resilience(def.Resilience, def.Fallback)
	if err != nil {
		return nil, err
	}
	if cfg != nil {
		opts = append(opts, WithResilience(*cfg))
	}
	if def.Cache != nil {
		opts = append(opts, WithCache(*def.Cache))
	}
	opts = append(opts, extra...)

	p := New(opts...)
	if err := r.steps(p, def.Steps); err != nil {
		return nil, err
	}
	if err := p.Err(); err != nil {
		return nil, err
	}
	return p, nil
}

func (r resolver) steps(p *Pipeline, defs []StepDefinition) error {
	for idx, def := range defs {
		if err := r.step(p, def); err != nil {
			return fmt.Errorf("step[%d] %s: %w", idx, def.Kind, err)
		}
	}
	return nil
}

func (r resolver) step(p *Pipeline, def StepDefinition) error {
	opts, err := r.stepOptions(def)
	if err != nil {
		return err
	}

	switch def.Kind {
	case DefPipe, DefPush, DefPassThrough:
		fn, err := r.lookup(def.Fn)
		if err != nil {
			return err
		}
		switch def.Kind {
		case DefPipe:
			p.Pipe(fn, opts...)
		case DefPush:
			p.Push(fn, opts...)
		default:
			p.PassThrough(fn, opts...)
		}
	case DefAssign:
		if len(def.Values) == 0 {
			fn, err := r.lookup(def.Fn)
			if err != nil {
				return err
			}
			p.Assign(def.Key, fn, opts...)
			return nil
		}
		values := make(map[string]any, len(def.Values))
		for key, v := range def.Values {
			ref, ok := isReference(v)
			if !ok {
				values[key] = state.CloneValue(v)
				continue
			}
			fn, err := r.lookup(ref)
			if err != nil {
				return err
			}
			values[key] = fn
		}
		p.AssignMap(values, opts...)
	case DefPick:
		p.Pick(def.Keys, opts...)
	case DefBranch, DefBranchAll:
		cases := make([]Case, 0, len(def.Cases))
		for _, c := range def.Cases {
			when, err := r.lookup(c.If)
			if err != nil {
				return err
			}
			then, err := r.lookup(c.Then)
			if err != nil {
				return err
			}
			cases = append(cases, Case{If: when, Then: then})
		}
		if def.Kind == DefBranchAll {
			p.BranchAll(cases, opts...)
		} else {
			p.Branch(cases, opts...)
		}
	case DefParallel:
		fns, err := r.lookupAll(def.Fns)
		if err != nil {
			return err
		}
		p.Parallel(fns, opts...)
	case DefLoop:
		// resolve the body once up front so missing callables fail the build
		// instead of the first iteration
		if err := r.steps(New(WithName(p.Name()+":loop")), def.Steps); err != nil {
			return err
		}
		body := def.Steps
		p.Loop(def.Key, func(child *Pipeline) *Pipeline {
			if err := r.steps(child, body); err != nil {
				child.fail(-1, err)
			}
			return child
		}, opts...)
	case DefGo:
		routes := make([]Route, 0, len(def.Routes))
		for _, rd := range def.Routes {
			route := Route{To: rd.To}
			if rd.If != "" {
				when, err := r.lookup(rd.If)
				if err != nil {
					return err
				}
				route.If = when
			}
			routes = append(routes, route)
		}
		p.GoWith(routes, opts...)
	case DefMilestone:
		p.Milestone(def.Label, opts...)
	default:
		return runnable.NewFault(runnable.ErrConfiguration, fmt.Sprintf("unknown step kind %s", def.Kind), nil, nil)
	}
	return nil
}

func (r resolver) stepOptions(def StepDefinition) ([]StepOption, error) {
	var opts []StepOption
	if def.Label != "" {
		opts = append(opts, Label(def.Label))
	}
	if len(def.Tags) > 0 {
		opts = append(opts, Tags(def.Tags...))
	}
	if strings.EqualFold(def.Mode, "replace") {
		opts = append(opts, MergeMode(Replace))
	}
	cfg, err := r.resilience(def.Resilience, def.Fallback)
	if err != nil {
		return nil, err
	}
	if cfg != nil {
		opts = append(opts, Resilience(*cfg))
	}
	if def.Cache != nil {
		opts = append(opts, Cache(*def.Cache))
	}
	return opts, nil
}
