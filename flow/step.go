package flow

import runnable "github.com/goliatone/go-runnable"

// instruction is the closed set of step bodies. The interpreter switches
// over the concrete types.
type instruction interface {
	kind() Kind
}

// record is one entry of the step list.
type record struct {
	index int
	opts  stepOptions
	inst  instruction
}

func (r *record) kind() Kind {
	return r.inst.kind()
}

func (r *record) label() string {
	return r.opts.label
}

// marker covers start, end and milestone records.
type marker struct {
	k Kind
}

func (m marker) kind() Kind { return m.k }

type pipeStep struct {
	call *callable
}

func (pipeStep) kind() Kind { return KindPipe }

type pushStep struct {
	call *callable
}

func (pushStep) kind() Kind { return KindPush }

type passThroughStep struct {
	call *callable
}

func (passThroughStep) kind() Kind { return KindPassThrough }

type assignEntry struct {
	key     string
	literal any
	call    *callable
}

type assignStep struct {
	entries []assignEntry
}

func (assignStep) kind() Kind { return KindAssign }

type pickStep struct {
	keys   []string
	schema runnable.Schema
}

func (pickStep) kind() Kind { return KindPick }

type branchCase struct {
	when *callable
	then *callable
}

type branchStep struct {
	cases []branchCase
}

func (branchStep) kind() Kind { return KindBranch }

type parallelStep struct {
	calls []*callable
}

func (parallelStep) kind() Kind { return KindParallel }

type loopStep struct {
	key   string
	chain func(*Pipeline) *Pipeline
}

func (loopStep) kind() Kind { return KindLoop }

type gotoRoute struct {
	to   string
	when *callable
}

type gotoStep struct {
	routes []gotoRoute
}

func (gotoStep) kind() Kind { return KindGoto }

// Case is one arm of Branch and BranchAll. If is a predicate and Then a
// step callable or Runnable.
type Case struct {
	If   any
	Then any
}

// Route is one jump of Go. A nil If always matches.
type Route struct {
	To string
	If any
}

// StepInfo describes a step for inspection.
type StepInfo struct {
	Index int      `json:"index" yaml:"index"`
	Kind  Kind     `json:"kind" yaml:"kind"`
	Label string   `json:"label,omitempty" yaml:"label,omitempty"`
	Tags  []string `json:"tags,omitempty" yaml:"tags,omitempty"`
}
