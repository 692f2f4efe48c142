package flow

// Kind identifies the instruction a step record carries.
type Kind string

const (
	KindStart       Kind = "start"
	KindEnd         Kind = "end"
	KindMilestone   Kind = "milestone"
	KindPipe        Kind = "pipe"
	KindPush        Kind = "push"
	KindAssign      Kind = "assign"
	KindPassThrough Kind = "passThrough"
	KindPick        Kind = "pick"
	KindBranch      Kind = "branch"
	KindParallel    Kind = "parallel"
	KindLoop        Kind = "loop"
	KindGoto        Kind = "goto"
)

func (k Kind) String() string {
	return string(k)
}

// MergeStrategy decides how fan-out results reach the state.
type MergeStrategy int

const (
	// Merge deep merges the combined results into the state.
	Merge MergeStrategy = iota
	// Replace makes the combined results the new state.
	Replace
)

func (m MergeStrategy) String() string {
	if m == Replace {
		return "replace"
	}
	return "merge"
}

// Status is the lifecycle of one run.
type Status int

const (
	StatusReady Status = iota
	StatusRunning
	StatusCompleted
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	default:
		return "ready"
	}
}
