package main

import (
	"fmt"
	"io"
	"os"

	"github.com/alecthomas/kong"
	_ "github.com/mattn/go-sqlite3"

	"github.com/goliatone/go-runnable/flow"
)

type cli struct {
	LogLevel string `name:"log-level" default:"warn" enum:"trace,debug,info,warn,error" help:"Runtime log level."`
	LogJSON  bool   `name:"log-json" help:"Write runtime logs as JSON."`

	Validate validateCmd `cmd:"" help:"Validate a pipeline set and resolve its callables."`
	Inspect  inspectCmd  `cmd:"" help:"Print the steps of every pipeline in a set."`
	Run      runCmd      `cmd:"" help:"Run one pipeline of a set."`
	Builtins builtinsCmd `cmd:"" help:"List the callables available to pipeline files."`
}

// env is bound into every command.
type env struct {
	out      io.Writer
	logger   flow.Logger
	registry *flow.Registry
}

func main() {
	if err := execute(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func execute(args []string, stdout, stderr io.Writer) error {
	var c cli
	parser, err := kong.New(&c,
		kong.Name("runnable"),
		kong.Description("Validate, inspect and run pipeline definitions."),
		kong.Writers(stdout, stderr),
		kong.UsageOnError(),
	)
	if err != nil {
		return err
	}
	ctx, err := parser.Parse(args)
	if err != nil {
		return err
	}

	logger := newLogger(stderr, c.LogLevel, c.LogJSON)
	return ctx.Run(&env{
		out:      stdout,
		logger:   logger,
		registry: builtins(logger),
	})
}
