package cron

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	rcron "github.com/robfig/cron/v3"

	runnable "github.com/goliatone/go-runnable"
	"github.com/goliatone/go-runnable/runner"
)

// Logger interface shared across packages
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Scheduler runs pipelines on cron expressions, after a delay or at a
// point in time.
type Scheduler struct {
	mu           sync.Mutex
	cron         *rcron.Cron
	location     *time.Location
	errorHandler func(error)

	logger    Logger
	parser    Parser
	logWriter io.Writer
	logLevel  LogLevel

	ctx    context.Context
	cancel context.CancelFunc

	nextHandleID int64
	handles      map[int64]*cronSubscription
}

// NewScheduler creates a new scheduler instance with the provided options.
func NewScheduler(opts ...Option) *Scheduler {
	s := &Scheduler{
		location: time.Local,
		parser:   DefaultParser,
		logLevel: LogLevelError,
		errorHandler: func(err error) {
			log.Printf("error: %v\n", err)
		},
		handles: make(map[int64]*cronSubscription),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.cron = rcron.New(s.build()...)
	return s
}

func (s *Scheduler) SetLogger(logger Logger) {
	s.logger = logger
}

// ScheduleCron runs target every time expression fires.
func (s *Scheduler) ScheduleCron(cfg JobConfig, target any) (Handle, error) {
	if cfg.Expression == "" {
		return nil, runnable.NewFault(runnable.ErrConfiguration, "cron expression cannot be empty", nil, nil)
	}
	run, err := s.buildRun(cfg, target)
	if err != nil {
		return nil, err
	}

	sub := s.newHandle()
	job := rcron.FuncJob(func() {
		if isTerminalStatus(sub.Status()) {
			return
		}
		if !cfg.Deadline.IsZero() && time.Now().After(cfg.Deadline) {
			s.finish(sub, ScheduleStatusCompleted, nil)
			return
		}

		sub.setStatus(ScheduleStatusRunning, nil)
		err := run(sub)
		runs := sub.incRuns()
		if err != nil {
			s.errorHandler(err)
			if cfg.StopOnError {
				s.finish(sub, ScheduleStatusFailed, err)
				return
			}
		}
		if limit := cfg.maxRuns(); limit > 0 && runs >= limit {
			s.finish(sub, ScheduleStatusCompleted, err)
			return
		}
		if !isTerminalStatus(sub.Status()) {
			sub.setStatus(ScheduleStatusIdle, err)
		}
	})

	entryID, err := s.cron.AddJob(cfg.Expression, job)
	if err != nil {
		return nil, runnable.NewFault(runnable.ErrConfiguration, "failed to add job", err, map[string]any{
			"expression": cfg.Expression,
		})
	}
	sub.entryID = int(entryID)
	s.storeHandle(sub)
	return sub, nil
}

// ScheduleAfter schedules one execution after delay.
func (s *Scheduler) ScheduleAfter(delay time.Duration, cfg JobConfig, target any) (Handle, error) {
	if delay < 0 {
		delay = 0
	}
	return s.ScheduleAt(time.Now().Add(delay), cfg, target)
}

// ScheduleAt schedules one execution at a specific time.
func (s *Scheduler) ScheduleAt(at time.Time, cfg JobConfig, target any) (Handle, error) {
	run, err := s.buildRun(cfg, target)
	if err != nil {
		return nil, err
	}

	sub := s.newHandle()
	s.storeHandle(sub)

	go func() {
		wait := time.Until(at)
		if wait < 0 {
			wait = 0
		}

		timer := time.NewTimer(wait)
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-sub.Done():
			return
		}

		if isTerminalStatus(sub.Status()) {
			return
		}
		sub.setStatus(ScheduleStatusRunning, nil)
		err := run(sub)
		sub.incRuns()
		if err != nil {
			s.errorHandler(err)
			s.finish(sub, ScheduleStatusFailed, err)
			return
		}
		s.finish(sub, ScheduleStatusCompleted, nil)
	}()

	return sub, nil
}

// RemoveHandler removes a scheduled job by entry ID.
func (s *Scheduler) RemoveHandler(entryID int) {
	if s == nil {
		return
	}

	var affected []*cronSubscription
	s.mu.Lock()
	for id, handle := range s.handles {
		if handle != nil && handle.entryID == entryID {
			affected = append(affected, handle)
			delete(s.handles, id)
		}
	}
	s.mu.Unlock()

	s.cron.Remove(rcron.EntryID(entryID))
	for _, handle := range affected {
		handle.setTerminal(ScheduleStatusCanceled, nil)
	}
}

// Start begins executing scheduled cron jobs.
func (s *Scheduler) Start(_ context.Context) error {
	s.cron.Start()
	return nil
}

// Stop stops executing scheduled jobs, aborts runs in flight and marks
// active handles as stopped. It waits for running jobs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	stopped := s.cron.Stop()

	var handles []*cronSubscription
	s.mu.Lock()
	for _, handle := range s.handles {
		handles = append(handles, handle)
	}
	s.handles = make(map[int64]*cronSubscription)
	s.mu.Unlock()

	for _, handle := range handles {
		if handle == nil {
			continue
		}
		if handle.entryID > 0 {
			s.cron.Remove(rcron.EntryID(handle.entryID))
		}
		if isTerminalStatus(handle.Status()) {
			continue
		}
		handle.setTerminal(ScheduleStatusStopped, nil)
	}

	if ctx == nil {
		return nil
	}
	select {
	case <-stopped.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) finish(handle *cronSubscription, status ScheduleStatus, err error) {
	s.removeHandle(handle.id)
	handle.setTerminal(status, err)
}

func (s *Scheduler) removeHandle(id int64) {
	handle := s.removeStoredHandle(id)
	if handle == nil {
		return
	}
	if handle.entryID > 0 {
		s.cron.Remove(rcron.EntryID(handle.entryID))
	}
}

func (s *Scheduler) removeStoredHandle(id int64) *cronSubscription {
	if s == nil || id == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	handle := s.handles[id]
	delete(s.handles, id)
	return handle
}

func (s *Scheduler) storeHandle(handle *cronSubscription) {
	if s == nil || handle == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handles == nil {
		s.handles = make(map[int64]*cronSubscription)
	}
	s.handles[handle.id] = handle
}

func (s *Scheduler) newHandle() *cronSubscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextHandleID++
	return &cronSubscription{
		scheduler: s,
		id:        s.nextHandleID,
		status:    ScheduleStatusScheduled,
		done:      make(chan struct{}),
	}
}

func isTerminalStatus(status ScheduleStatus) bool {
	switch status {
	case ScheduleStatusCompleted, ScheduleStatusCanceled, ScheduleStatusFailed, ScheduleStatusStopped:
		return true
	default:
		return false
	}
}

// buildRun normalizes target and wraps it with the policy of cfg. Every
// execution gets a fresh run id and a copy of cfg.State.
func (s *Scheduler) buildRun(cfg JobConfig, target any) (func(*cronSubscription) error, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	exec, err := runnableFor(target)
	if err != nil {
		return nil, err
	}
	policy := runner.NewPolicy(cfg.Resilience, runner.WithLogger(s.logger))

	return func(sub *cronSubscription) error {
		ctx, cancel := context.WithCancel(s.ctx)
		defer cancel()
		go func() {
			select {
			case <-sub.Done():
				cancel()
			case <-ctx.Done():
			}
		}()

		params := runnable.Params{RunID: uuid.NewString(), Context: cfg.Context}
		state := runnable.State{}
		for k, v := range cfg.State {
			state[k] = v
		}
		result, err := policy.Execute(runner.WithInput(ctx, state, params), func(ctx context.Context) (any, error) {
			return exec.Invoke(ctx, state, params)
		})
		if cfg.OnResult != nil {
			out, _ := result.(runnable.State)
			cfg.OnResult(params.RunID, out, err)
		}
		if err != nil {
			s.logError("scheduled run %s failed: %v", params.RunID, err)
		}
		return err
	}, nil
}

func (s *Scheduler) logError(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Error(msg, args...)
	}
}

// runnableFor accepts Runnables, step functions and plain funcs.
func runnableFor(target any) (runnable.Runnable, error) {
	switch t := target.(type) {
	case nil:
		return nil, runnable.NewFault(runnable.ErrConfiguration, "scheduled target cannot be nil", nil, nil)
	case runnable.Runnable:
		return t, nil
	case func(context.Context, runnable.State, runnable.Params) (runnable.State, error):
		return runnable.StepFunc(t), nil
	case func(context.Context) error:
		return runnable.StepFunc(func(ctx context.Context, _ runnable.State, _ runnable.Params) (runnable.State, error) {
			return nil, t(ctx)
		}), nil
	case func() error:
		return runnable.StepFunc(func(context.Context, runnable.State, runnable.Params) (runnable.State, error) {
			return nil, t()
		}), nil
	case func():
		return runnable.StepFunc(func(context.Context, runnable.State, runnable.Params) (runnable.State, error) {
			t()
			return nil, nil
		}), nil
	}
	return nil, runnable.NewFault(runnable.ErrConfiguration, fmt.Sprintf("unsupported handler type: %T", target), nil, nil)
}

func makeLogger(out io.Writer, level LogLevel) rcron.Logger {
	stdLogger := log.New(out, "cron: ", log.LstdFlags)
	cronLogger := rcron.PrintfLogger(stdLogger)
	if level >= LogLevelDebug {
		cronLogger = rcron.VerbosePrintfLogger(stdLogger)
	}
	return cronLogger
}

// build converts implementation-agnostic options to rcron options.
func (s *Scheduler) build() []rcron.Option {
	opts := make([]rcron.Option, 0)

	if s.location != nil {
		opts = append(opts, rcron.WithLocation(s.location))
	}

	switch s.parser {
	case StandardParser:
		opts = append(opts, rcron.WithParser(rcron.NewParser(
			rcron.Minute|rcron.Hour|rcron.Dom|rcron.Month|rcron.Dow|rcron.Descriptor,
		)))
	case SecondsParser:
		opts = append(opts, rcron.WithParser(rcron.NewParser(
			rcron.Second|rcron.Minute|rcron.Hour|rcron.Dom|rcron.Month|rcron.Dow|rcron.Descriptor,
		)))
	}

	if s.errorHandler != nil {
		opts = append(opts, rcron.WithChain(
			rcron.Recover(&errorHandlerAdapter{handler: s.errorHandler}),
		))
	}

	var cronLogger rcron.Logger
	switch {
	case s.logger != nil:
		cronLogger = &loggerAdapter{logger: s.logger, level: s.logLevel}
	case s.logWriter != nil:
		cronLogger = makeLogger(s.logWriter, s.logLevel)
	default:
		if s.logLevel > LogLevelSilent {
			cronLogger = makeLogger(os.Stdout, s.logLevel)
		}
	}

	if cronLogger != nil {
		opts = append(opts, rcron.WithLogger(cronLogger))
	}

	return opts
}
