package cron

import (
	"fmt"
	"io"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/goliatone/go-errors"

	runnable "github.com/goliatone/go-runnable"
	"github.com/goliatone/go-runnable/runner"
)

// LogLevel represents different logging levels
type LogLevel int

const (
	LogLevelSilent LogLevel = iota
	LogLevelError
	LogLevelInfo
	LogLevelDebug
)

// Parser represents a cron expression parser type
type Parser int

const (
	DefaultParser Parser = iota
	StandardParser
	SecondsParser
)

// Option defines the functional option type for Scheduler
type Option func(*Scheduler)

// WithLocation sets the timezone location for the scheduler
func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) {
		s.location = loc
	}
}

// WithLogger sets a custom logger for the scheduler
func WithLogger(logger Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithLogWriter sets a custom writer for logging
func WithLogWriter(writer io.Writer) Option {
	return func(s *Scheduler) {
		s.logWriter = writer
	}
}

// WithLogLevel sets the logging level
func WithLogLevel(level LogLevel) Option {
	return func(s *Scheduler) {
		s.logLevel = level
	}
}

// WithErrorHandler sets a custom error handler for the scheduler
func WithErrorHandler(handler func(error)) Option {
	return func(s *Scheduler) {
		s.errorHandler = handler
	}
}

// WithParser sets the type of cron expression parser to use
func WithParser(p Parser) Option {
	return func(s *Scheduler) {
		s.parser = p
	}
}

// loggerAdapter adapts our Logger interface to robfig/cron's logger
type loggerAdapter struct {
	logger Logger
	level  LogLevel
}

func (l *loggerAdapter) Info(msg string, args ...interface{}) {
	if l.level >= LogLevelInfo {
		l.logger.Info(msg, args...)
	}
}

func (l *loggerAdapter) Error(err error, msg string, args ...interface{}) {
	if l.level >= LogLevelError {
		if err != nil {
			l.logger.Error(fmt.Sprintf("%s: %v", fmt.Sprintf(msg, args...), err))
		} else {
			l.logger.Error(msg, args...)
		}
	}
}

// errorHandlerAdapter adapts a simple error handler function to implement cron.Logger
type errorHandlerAdapter struct {
	handler func(error)
}

func (e *errorHandlerAdapter) Info(msg string, args ...interface{}) {
	// Info messages are ignored for error handler
}

func (e *errorHandlerAdapter) Error(err error, msg string, args ...interface{}) {
	if e.handler != nil {
		if err != nil {
			e.handler(err)
		} else {
			e.handler(fmt.Errorf(msg, args...))
		}
	}
}

// JobConfig describes one scheduled pipeline run.
type JobConfig struct {
	// Expression is required by ScheduleCron and ignored otherwise.
	Expression string
	// State is copied into every run.
	State runnable.State
	// Context is injected as Params.Context.
	Context map[string]any
	// Resilience wraps each run. Retries happen inside a single tick.
	Resilience runner.Config
	// Deadline completes the schedule at the first tick past it.
	Deadline time.Time
	// MaxRuns completes the schedule after that many ticks.
	MaxRuns int
	Once    bool
	// StopOnError fails the schedule on the first failed run.
	StopOnError bool
	// OnResult receives the outcome of every run.
	OnResult func(runID string, out runnable.State, err error)
}

// Validate checks the job configuration.
func (c JobConfig) Validate() error {
	err := validation.ValidateStruct(&c,
		validation.Field(&c.MaxRuns, validation.Min(0)),
	)
	if err != nil {
		return errors.FromOzzoValidation(err, "invalid job config").WithTextCode(runnable.CodeConfiguration)
	}
	return c.Resilience.Validate()
}

func (c JobConfig) maxRuns() int {
	if c.Once {
		return 1
	}
	return c.MaxRuns
}
