package runnable

import (
	"context"
	"strings"

	"github.com/goliatone/go-errors"
)

const (
	CodeValidation      = "VALIDATION_FAILED"
	CodeConfiguration   = "CONFIGURATION_INVALID"
	CodeIterationBudget = "ITERATION_BUDGET_EXCEEDED"
	CodeStep            = "STEP_FAILED"
	CodeTimeout         = "STEP_TIMEOUT"
	CodeCircuitOpen     = "CIRCUIT_OPEN"
	CodeAbort           = "RUN_ABORTED"
	CodeBulkheadFull    = "BULKHEAD_FULL"
)

// Fault sentinels. Use NewFault to derive a fault carrying context, and
// IsFault to test for one anywhere in an error chain.
var (
	ErrValidation = errors.New("validation error", errors.CategoryValidation).
			WithTextCode(CodeValidation)
	ErrConfiguration = errors.New("invalid configuration", errors.CategoryBadInput).
				WithTextCode(CodeConfiguration)
	ErrIterationBudget = errors.New("max iterations reached", errors.CategoryOperation).
				WithTextCode(CodeIterationBudget)
	ErrStep = errors.New("step failed", errors.CategoryHandler).
		WithTextCode(CodeStep)
	ErrTimeout = errors.New("step timed out", errors.CategoryOperation).
			WithTextCode(CodeTimeout)
	ErrCircuitOpen = errors.New("circuit open", errors.CategoryExternal).
			WithTextCode(CodeCircuitOpen)
	ErrAbort = errors.New("run aborted", errors.CategoryOperation).
			WithTextCode(CodeAbort)
	ErrBulkheadFull = errors.New("bulkhead capacity exceeded", errors.CategoryRateLimit).
			WithTextCode(CodeBulkheadFull)
)

// NewFault clones base, replacing the message when one is given and
// attaching source and metadata.
func NewFault(base *errors.Error, message string, source error, metadata map[string]any) *errors.Error {
	if base == nil {
		base = ErrStep
	}
	err := base.Clone()
	if text := strings.TrimSpace(message); text != "" {
		err.Message = text
	}
	if source != nil {
		err.Source = source
	}
	if len(metadata) > 0 {
		err = err.WithMetadata(metadata)
	}
	return err
}

// Aborted returns an abort fault when ctx is done and nil otherwise.
func Aborted(ctx context.Context) error {
	if ctx == nil || ctx.Err() == nil {
		return nil
	}
	return NewFault(ErrAbort, "", context.Cause(ctx), nil)
}

// IsFault reports whether any error in the chain carries code.
func IsFault(err error, code string) bool {
	found := false
	walkFaults(err, func(e *errors.Error) bool {
		if e.TextCode == code {
			found = true
			return false
		}
		return true
	})
	return found
}

// FaultCode returns the innermost text code in the chain, which is the most
// specific reason a run failed.
func FaultCode(err error) string {
	code := ""
	walkFaults(err, func(e *errors.Error) bool {
		if e.TextCode != "" {
			code = e.TextCode
		}
		return true
	})
	return code
}

// FaultMetadata returns the metadata value stored under key by the first
// fault in the chain carrying code.
func FaultMetadata(err error, code, key string) (any, bool) {
	var (
		value any
		ok    bool
	)
	walkFaults(err, func(e *errors.Error) bool {
		if e.TextCode != code {
			return true
		}
		value, ok = e.Metadata[key]
		return false
	})
	return value, ok
}

// IsRetryable reports whether resilience policies may retry err.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	for _, code := range []string{
		CodeValidation,
		CodeConfiguration,
		CodeIterationBudget,
		CodeAbort,
		CodeCircuitOpen,
	} {
		if IsFault(err, code) {
			return false
		}
	}
	return true
}

// walkFaults visits faults depth first and stops once visit returns false.
func walkFaults(err error, visit func(*errors.Error) bool) bool {
	if err == nil {
		return true
	}
	if e, ok := err.(*errors.Error); ok {
		if !visit(e) {
			return false
		}
	}
	switch x := err.(type) {
	case interface{ Unwrap() []error }:
		for _, inner := range x.Unwrap() {
			if !walkFaults(inner, visit) {
				return false
			}
		}
	case interface{ Unwrap() error }:
		return walkFaults(x.Unwrap(), visit)
	}
	return true
}
