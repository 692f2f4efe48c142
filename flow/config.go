package flow

import (
	"fmt"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/goliatone/go-errors"

	runnable "github.com/goliatone/go-runnable"
	"github.com/goliatone/go-runnable/cache"
	"github.com/goliatone/go-runnable/runner"
)

// Step kinds accepted in definitions.
const (
	DefPipe        = "pipe"
	DefPush        = "push"
	DefPassThrough = "pass_through"
	DefAssign      = "assign"
	DefPick        = "pick"
	DefBranch      = "branch"
	DefBranchAll   = "branch_all"
	DefParallel    = "parallel"
	DefLoop        = "loop"
	DefGo          = "go"
	DefMilestone   = "milestone"
)

var definitionKinds = []any{
	DefPipe, DefPush, DefPassThrough, DefAssign, DefPick, DefBranch,
	DefBranchAll, DefParallel, DefLoop, DefGo, DefMilestone,
}

// PipelineSet is a collection of pipelines loaded from YAML or JSON.
type PipelineSet struct {
	Version   int                  `json:"version" yaml:"version"`
	Pipelines []PipelineDefinition `json:"pipelines" yaml:"pipelines"`
	Meta      map[string]any       `json:"meta,omitempty" yaml:"meta,omitempty"`
}

// Validate checks every definition and that pipeline names are unique.
func (s PipelineSet) Validate() error {
	if len(s.Pipelines) == 0 {
		return runnable.NewFault(runnable.ErrConfiguration, "pipeline set has no pipelines", nil, nil)
	}
	seen := make(map[string]int, len(s.Pipelines))
	for idx, def := range s.Pipelines {
		if err := def.Validate(); err != nil {
			return fmt.Errorf("pipeline[%d]: %w", idx, err)
		}
		if prev, exists := seen[def.Name]; exists {
			return runnable.NewFault(runnable.ErrConfiguration, fmt.Sprintf("duplicate pipeline name %s", def.Name), nil, map[string]any{
				"index":    idx,
				"previous": prev,
			})
		}
		seen[def.Name] = idx
	}
	return nil
}

// PipelineDefinition describes one pipeline. Callables are registry ids.
type PipelineDefinition struct {
	Name          string           `json:"name" yaml:"name"`
	Description   string           `json:"description,omitempty" yaml:"description,omitempty"`
	MaxIterations int              `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty"`
	Context       map[string]any   `json:"context,omitempty" yaml:"context,omitempty"`
	Defaults      map[string]any   `json:"defaults,omitempty" yaml:"defaults,omitempty"`
	Resilience    *runner.Config   `json:"resilience,omitempty" yaml:"resilience,omitempty"`
	Fallback      string           `json:"fallback,omitempty" yaml:"fallback,omitempty"`
	Cache         *cache.Config    `json:"cache,omitempty" yaml:"cache,omitempty"`
	Steps         []StepDefinition `json:"steps" yaml:"steps"`
}

func (d PipelineDefinition) Validate() error {
	return definitionError(validation.ValidateStruct(&d,
		validation.Field(&d.Name, validation.Required),
		validation.Field(&d.MaxIterations, validation.Min(0)),
		validation.Field(&d.Resilience),
		validation.Field(&d.Cache),
		validation.Field(&d.Steps, validation.Required),
	), fmt.Sprintf("invalid pipeline %s", d.Name))
}

// StepDefinition describes one step. Which fields apply depends on Kind:
// Fn for pipe, push, pass_through and single key assign; Values for
// multi key assign; Keys for pick; Cases for branch; Fns for parallel;
// Key and Steps for loop; Routes for go.
type StepDefinition struct {
	Kind       string            `json:"kind" yaml:"kind"`
	Label      string            `json:"label,omitempty" yaml:"label,omitempty"`
	Tags       []string          `json:"tags,omitempty" yaml:"tags,omitempty"`
	Fn         string            `json:"fn,omitempty" yaml:"fn,omitempty"`
	Fns        []string          `json:"fns,omitempty" yaml:"fns,omitempty"`
	Key        string            `json:"key,omitempty" yaml:"key,omitempty"`
	Values     map[string]any    `json:"values,omitempty" yaml:"values,omitempty"`
	Keys       []string          `json:"keys,omitempty" yaml:"keys,omitempty"`
	Cases      []CaseDefinition  `json:"cases,omitempty" yaml:"cases,omitempty"`
	Routes     []RouteDefinition `json:"routes,omitempty" yaml:"routes,omitempty"`
	Steps      []StepDefinition  `json:"steps,omitempty" yaml:"steps,omitempty"`
	Mode       string            `json:"mode,omitempty" yaml:"mode,omitempty"`
	Resilience *runner.Config    `json:"resilience,omitempty" yaml:"resilience,omitempty"`
	Fallback   string            `json:"fallback,omitempty" yaml:"fallback,omitempty"`
	Cache      *cache.Config     `json:"cache,omitempty" yaml:"cache,omitempty"`
}

func (d StepDefinition) Validate() error {
	singleAssign := d.Kind == DefAssign && len(d.Values) == 0
	return validation.ValidateStruct(&d,
		validation.Field(&d.Kind, validation.Required, validation.In(definitionKinds...)),
		validation.Field(&d.Fn, validation.When(d.usesFn() || singleAssign, validation.Required)),
		validation.Field(&d.Key, validation.When(d.Kind == DefLoop || singleAssign, validation.Required)),
		validation.Field(&d.Keys, validation.When(d.Kind == DefPick, validation.Required)),
		validation.Field(&d.Cases, validation.When(d.Kind == DefBranch || d.Kind == DefBranchAll, validation.Required)),
		validation.Field(&d.Fns, validation.When(d.Kind == DefParallel, validation.Required)),
		validation.Field(&d.Steps, validation.When(d.Kind == DefLoop, validation.Required)),
		validation.Field(&d.Routes, validation.When(d.Kind == DefGo, validation.Required)),
		validation.Field(&d.Label, validation.When(d.Kind == DefMilestone, validation.Required)),
		validation.Field(&d.Mode, validation.In("merge", "replace")),
		validation.Field(&d.Resilience),
		validation.Field(&d.Cache),
	)
}

func (d StepDefinition) usesFn() bool {
	switch d.Kind {
	case DefPipe, DefPush, DefPassThrough:
		return true
	}
	return false
}

type CaseDefinition struct {
	If   string `json:"if" yaml:"if"`
	Then string `json:"then" yaml:"then"`
}

func (c CaseDefinition) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.If, validation.Required),
		validation.Field(&c.Then, validation.Required),
	)
}

// RouteDefinition is a jump. An empty If always matches.
type RouteDefinition struct {
	To string `json:"to" yaml:"to"`
	If string `json:"if,omitempty" yaml:"if,omitempty"`
}

func (r RouteDefinition) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.To, validation.Required),
	)
}

func definitionError(err error, msg string) error {
	if err == nil {
		return nil
	}
	if verrs, ok := err.(validation.Errors); ok {
		return errors.FromOzzoValidation(verrs, msg).WithTextCode(runnable.CodeConfiguration)
	}
	return runnable.NewFault(runnable.ErrConfiguration, msg, err, nil)
}

func isReference(v any) (string, bool) {
	s, ok := v.(string)
	if !ok || !strings.HasPrefix(s, "@") {
		return "", false
	}
	return strings.TrimPrefix(s, "@"), true
}
