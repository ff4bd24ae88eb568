// Package scheduler runs periodic batch jobs (lockstep rescoring, index
// rebuilds) on cron schedules.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrUnknownJob is returned by RunNow for a job that was never added.
var ErrUnknownJob = errors.New("unknown job")

// Job is a named unit of periodic work.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// JobMetrics defines the interface for recording job metrics.
type JobMetrics interface {
	IncJobsTotal(jobType, status string)
	ObserveJobDuration(jobType string, seconds float64)
	IncJobErrors(jobType, errorType string)
}

// FuncJob adapts a function to Job and records job metrics for it.
type FuncJob struct {
	name    string
	fn      func(ctx context.Context) error
	metrics JobMetrics
}

// NewFuncJob wraps fn. metrics may be nil.
func NewFuncJob(name string, fn func(ctx context.Context) error, metrics JobMetrics) *FuncJob {
	return &FuncJob{name: name, fn: fn, metrics: metrics}
}

// Name returns the job name.
func (f *FuncJob) Name() string { return f.name }

// Run calls the wrapped function.
func (f *FuncJob) Run(ctx context.Context) error {
	start := time.Now()
	err := f.fn(ctx)
	if f.metrics != nil {
		status := "success"
		if err != nil {
			status = "failure"
			f.metrics.IncJobErrors(f.name, "run_error")
		}
		f.metrics.IncJobsTotal(f.name, status)
		f.metrics.ObserveJobDuration(f.name, time.Since(start).Seconds())
	}
	return err
}

// Config configures the scheduler.
type Config struct {
	Logger *slog.Logger
	// Location for schedule evaluation; nil uses UTC.
	Location *time.Location
}

// Scheduler runs jobs on cron schedules. A run that is still going when its
// next tick arrives causes that tick to be skipped.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	jobs    map[string]Job
	entries map[string]cron.EntryID
	started bool
}

// New creates a stopped scheduler.
func New(cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	ctx, cancel := context.WithCancel(context.Background())
	cl := cronLogger{logger: logger}
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		jobs:    make(map[string]Job),
		entries: make(map[string]cron.EntryID),
	}
}

// Add schedules job using a standard cron spec or descriptor such as
// "@every 10m". Adding a job with an existing name replaces it.
func (s *Scheduler) Add(spec string, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := job.Name()
	if id, ok := s.entries[name]; ok {
		s.cron.Remove(id)
		delete(s.entries, name)
	}

	id, err := s.cron.AddFunc(spec, func() { s.run(s.ctx, job) })
	if err != nil {
		return fmt.Errorf("failed to schedule %s: %w", name, err)
	}
	s.jobs[name] = job
	s.entries[name] = id
	s.logger.Info("job scheduled", slog.String("job", name), slog.String("schedule", spec))
	return nil
}

// RunNow runs a scheduled job synchronously outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	job, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.run(ctx, job)
}

func (s *Scheduler) run(ctx context.Context, job Job) error {
	start := time.Now()
	err := job.Run(ctx)
	if err != nil {
		s.logger.Error("scheduled job failed",
			slog.String("job", job.Name()),
			slog.Duration("duration", time.Since(start)),
			slog.String("error", err.Error()))
		return err
	}
	s.logger.Debug("scheduled job completed",
		slog.String("job", job.Name()),
		slog.Duration("duration", time.Since(start)))
	return nil
}

// Next returns the next scheduled run of a job, or the zero time when the
// job is unknown or the scheduler is stopped.
func (s *Scheduler) Next(name string) time.Time {
	s.mu.Lock()
	id, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}
	}
	return s.cron.Entry(id).Next
}

// Start begins running schedules. Safe to call more than once; a stopped
// scheduler does not restart.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.ctx.Err() != nil {
		return
	}
	s.cron.Start()
	s.started = true
	s.logger.Info("scheduler started", slog.Int("jobs", len(s.entries)))
}

// Stop cancels running jobs and waits for them to return or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	s.mu.Unlock()

	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}

// IsRunning reports whether schedules are active.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// cronLogger routes cron's internal logging to slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
