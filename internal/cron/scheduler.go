// Package cron runs the supervisor's periodic housekeeping: the health and
// idle sweep on a fixed interval and memory TTL pruning on a cron schedule.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser accepts standard 5-field expressions and descriptors such as
// @daily and @every 30s.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Config holds the jobs and their schedules. A nil job is not scheduled.
type Config struct {
	Sweep  func(ctx context.Context) error
	Prune  func(ctx context.Context) (int, error)
	Logger *slog.Logger
	// SweepEvery defaults to 30s. Intervals under a second round up.
	SweepEvery time.Duration
	// PruneSpec defaults to @daily.
	PruneSpec string
}

// Scheduler owns a cron runner for the housekeeping jobs.
type Scheduler struct {
	cfg    Config
	logger *slog.Logger
	runner *cronlib.Cron

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(cfg Config) *Scheduler {
	if cfg.SweepEvery <= 0 {
		cfg.SweepEvery = 30 * time.Second
	}
	if cfg.PruneSpec == "" {
		cfg.PruneSpec = "@daily"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{cfg: cfg, logger: logger}
}

// cronLogger adapts slog to the runner's logger interface.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}

// Start registers the jobs, runs one sweep right away, and keeps running
// until ctx ends or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)
	logs := cronLogger{l: s.logger}
	s.runner = cronlib.New(
		cronlib.WithParser(cronParser),
		cronlib.WithLogger(logs),
		cronlib.WithChain(cronlib.Recover(logs), cronlib.SkipIfStillRunning(logs)),
	)

	if s.cfg.Sweep != nil {
		spec := fmt.Sprintf("@every %s", s.cfg.SweepEvery)
		if _, err := s.runner.AddFunc(spec, func() { s.sweep(ctx) }); err != nil {
			return fmt.Errorf("schedule sweep %q: %w", spec, err)
		}
	}
	if s.cfg.Prune != nil {
		if _, err := s.runner.AddFunc(s.cfg.PruneSpec, func() { s.prune(ctx) }); err != nil {
			return fmt.Errorf("schedule prune %q: %w", s.cfg.PruneSpec, err)
		}
	}

	s.runner.Start()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if s.cfg.Sweep != nil {
			s.sweep(ctx)
		}
		<-ctx.Done()
		<-s.runner.Stop().Done()
	}()
	s.logger.Info("housekeeping scheduler started", "sweep_every", s.cfg.SweepEvery, "prune", s.cfg.PruneSpec)
	return nil
}

// Stop cancels the scheduler and waits for running jobs to return.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("housekeeping scheduler stopped")
}

func (s *Scheduler) sweep(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if err := s.cfg.Sweep(ctx); err != nil {
		s.logger.Error("cron: sweep failed", "error", err)
	}
}

func (s *Scheduler) prune(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	n, err := s.cfg.Prune(ctx)
	if err != nil {
		s.logger.Error("cron: memory prune failed", "error", err)
		return
	}
	s.logger.Info("cron: memory pruned", "removed", n)
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
