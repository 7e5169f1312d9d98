package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// cronLogger adapts slog to the cron logger interface.
type cronLogger struct{ log *slog.Logger }

func (l cronLogger) Info(msg string, kv ...interface{}) { l.log.Debug(msg, kv...) }
func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Error(msg, append(kv, "error", err)...)
}

// Scheduler triggers unattended runs on a cron schedule. A trigger that
// fires while the previous run is still going is skipped.
type Scheduler struct {
	cron *cron.Cron
	job  func(ctx context.Context) error
	ctx  context.Context
	log  *slog.Logger
}

// NewScheduler registers job under spec, a standard five-field cron
// expression evaluated in loc (UTC when nil).
func NewScheduler(ctx context.Context, spec string, loc *time.Location, job func(ctx context.Context) error, log *slog.Logger) (*Scheduler, error) {
	if log == nil {
		log = slog.Default()
	}
	if loc == nil {
		loc = time.UTC
	}
	cl := cronLogger{log: log.With("component", "scheduler")}
	s := &Scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		job: job,
		ctx: ctx,
		log: cl.log,
	}
	if _, err := s.cron.AddFunc(spec, s.fire); err != nil {
		return nil, fmt.Errorf("register schedule %q: %w", spec, err)
	}
	return s, nil
}

func (s *Scheduler) fire() {
	if s.ctx.Err() != nil {
		return
	}
	start := time.Now()
	s.log.Info("scheduled run starting")
	if err := s.job(s.ctx); err != nil {
		s.log.Error("scheduled run failed", "error", err, "elapsed", time.Since(start))
		return
	}
	s.log.Info("scheduled run finished", "elapsed", time.Since(start))
}

// Next returns the next trigger time.
func (s *Scheduler) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Schedule.Next(time.Now())
}

// Start starts the scheduler in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info("scheduler started", "next", s.Next())
}

// Stop stops the scheduler and waits for a running job to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.log.Info("scheduler stopped")
}
