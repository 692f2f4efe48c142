package main

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	runnable "github.com/goliatone/go-runnable"
	"github.com/goliatone/go-runnable/flow"
)

const builtinNamespace = "std"

var errFail = errors.New("std::fail")

// builtins returns a registry holding the callables pipeline files can
// reference as std::<name>.
func builtins(logger flow.Logger) *flow.Registry {
	reg := flow.NewRegistry()
	entries := map[string]any{
		"identity": func(s runnable.State) runnable.State { return s },
		"now": runnable.ValueFunc(func(context.Context, runnable.State, runnable.Params) (any, error) {
			return time.Now().UTC().Format(time.RFC3339), nil
		}),
		"uuid": runnable.ValueFunc(func(context.Context, runnable.State, runnable.Params) (any, error) {
			return uuid.NewString(), nil
		}),
		"always": runnable.Predicate(func(context.Context, runnable.State, runnable.Params) (bool, error) {
			return true, nil
		}),
		"never": runnable.Predicate(func(context.Context, runnable.State, runnable.Params) (bool, error) {
			return false, nil
		}),
		"log": runnable.StepFunc(func(_ context.Context, s runnable.State, p runnable.Params) (runnable.State, error) {
			logger.Info("run %s state %v", p.RunID, s)
			return s, nil
		}),
		"fail": runnable.StepFunc(func(context.Context, runnable.State, runnable.Params) (runnable.State, error) {
			return nil, errFail
		}),
	}
	for id, fn := range entries {
		if err := reg.RegisterNamespaced(builtinNamespace, id, fn); err != nil {
			panic(err)
		}
	}
	return reg
}
