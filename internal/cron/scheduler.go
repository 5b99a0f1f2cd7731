// Package cron runs named jobs on cron schedules. Specs accept the standard
// five fields, an optional leading seconds field, and descriptors such as
// "@every 5s".
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

var specParser = cronlib.NewParser(
	cronlib.SecondOptional | cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

const (
	defaultInterval = 250 * time.Millisecond
	stopTimeout     = 2 * time.Second
)

// Job is one scheduled unit of work.
type Job struct {
	Name string
	Spec string
	// RunOnStart fires the job once as soon as the scheduler starts.
	RunOnStart bool
	Run        func(ctx context.Context)
}

// Config holds the dependencies for the scheduler.
type Config struct {
	Jobs     []Job
	Logger   *slog.Logger
	Interval time.Duration // tick granularity; defaults to 250ms
}

type entry struct {
	job      Job
	schedule cronlib.Schedule
	next     time.Time
}

// Scheduler checks its jobs on every tick and fires the ones that are due.
// Jobs run sequentially on the scheduler goroutine.
type Scheduler struct {
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	entries []*entry

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler parses every job spec and returns an error naming the first
// invalid one.
func NewScheduler(cfg Config) (*Scheduler, error) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		logger:   logger.With("component", "cron"),
		interval: interval,
		now:      time.Now,
	}
	for _, job := range cfg.Jobs {
		if err := s.add(job); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Scheduler) add(job Job) error {
	if job.Run == nil {
		return fmt.Errorf("cron job %q: nil Run", job.Name)
	}
	sched, err := specParser.Parse(job.Spec)
	if err != nil {
		return fmt.Errorf("cron job %q: parse %q: %w", job.Name, job.Spec, err)
	}
	s.mu.Lock()
	s.entries = append(s.entries, &entry{job: job, schedule: sched, next: sched.Next(s.now())})
	s.mu.Unlock()
	return nil
}

// Start begins the scheduler loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("cron scheduler started", "jobs", len(s.entries), "interval", s.interval)
}

// Stop cancels the loop and waits up to two seconds for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("cron scheduler stopped")
	case <-time.After(stopTimeout):
		s.logger.Warn("cron scheduler did not stop in time")
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	for _, e := range s.snapshot() {
		if e.job.RunOnStart {
			s.fire(ctx, e)
		}
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, s.now())
		}
	}
}

func (s *Scheduler) snapshot() []*entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*entry(nil), s.entries...)
}

// tick fires every job whose next run is at or before now.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	for _, e := range s.snapshot() {
		if ctx.Err() != nil {
			return
		}
		s.mu.Lock()
		due := !now.Before(e.next)
		if due {
			e.next = e.schedule.Next(now)
		}
		s.mu.Unlock()
		if due {
			s.fire(ctx, e)
		}
	}
}

func (s *Scheduler) fire(ctx context.Context, e *entry) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("cron: job panicked", "job", e.job.Name, "panic", r)
		}
	}()
	e.job.Run(ctx)
	s.logger.Debug("cron: job fired", "job", e.job.Name, "elapsed", time.Since(start))
}

// NextRunTime parses spec and returns the next activation after the given time.
func NextRunTime(spec string, after time.Time) (time.Time, error) {
	sched, err := specParser.Parse(spec)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

// ValidateSpec reports whether spec parses.
func ValidateSpec(spec string) error {
	_, err := specParser.Parse(spec)
	return err
}
