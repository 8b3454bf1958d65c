// Package schedule owns the process-wide cron scheduler. Background
// maintenance (report ticks, retention sweeps, digest flushes, cache
// janitors) registers named jobs here instead of running private timers,
// so every periodic task is inspectable in one place.
package schedule

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"faultline/internal/logging"
)

// JobInfo is a snapshot of one registered job.
type JobInfo struct {
	Name     string
	Schedule string    // cron expression as registered
	LastRun  time.Time // zero until the first run
	NextRun  time.Time // zero while the scheduler is stopped
}

type entry struct {
	job  gocron.Job
	expr string
}

// Scheduler multiplexes named jobs onto a single gocron scheduler.
type Scheduler struct {
	logger *slog.Logger

	mu      sync.Mutex
	cron    gocron.Scheduler
	entries map[string]entry
}

// New builds a stopped scheduler; register jobs, then call Start.
func New(logger *slog.Logger) (*Scheduler, error) {
	c, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create cron scheduler: %w", err)
	}
	return &Scheduler{
		logger:  logging.Default(logger).With("component", "schedule"),
		cron:    c,
		entries: make(map[string]entry),
	}, nil
}

// AddJob registers fn under a unique name. Expressions use five fields,
// six when a leading seconds field is wanted.
func (s *Scheduler) AddJob(name, expr string, fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.add(name, expr, fn)
}

// UpdateJob swaps a job's schedule and task in one step, creating the job
// when it does not exist yet.
func (s *Scheduler) UpdateJob(name, expr string, fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remove(name)
	return s.add(name, expr, fn)
}

// RemoveJob unregisters a named job; unknown names are ignored.
func (s *Scheduler) RemoveJob(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remove(name)
}

// HasJob reports whether name is registered.
func (s *Scheduler) HasJob(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[name]
	return ok
}

// ListJobs snapshots every registered job.
func (s *Scheduler) ListJobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobInfo, 0, len(s.entries))
	for name, e := range s.entries {
		info := JobInfo{Name: name, Schedule: e.expr}
		if lr, err := e.job.LastRun(); err == nil {
			info.LastRun = lr
		}
		if nr, err := e.job.NextRun(); err == nil {
			info.NextRun = nr
		}
		out = append(out, info)
	}
	return out
}

// Start begins running registered jobs on their schedules.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.mu.Lock()
	n := len(s.entries)
	s.mu.Unlock()
	s.logger.Info("scheduler started", "jobs", n)
}

// Stop shuts the scheduler down, waiting for in-flight jobs to return.
func (s *Scheduler) Stop() error {
	return s.cron.Shutdown()
}

// add assumes s.mu is held.
func (s *Scheduler) add(name, expr string, fn func()) error {
	if _, dup := s.entries[name]; dup {
		return fmt.Errorf("scheduled job already exists: %s", name)
	}
	j, err := s.cron.NewJob(
		gocron.CronJob(expr, true),
		gocron.NewTask(s.guard(name, fn)),
		gocron.WithName(name),
	)
	if err != nil {
		return fmt.Errorf("create scheduled job %s: %w", name, err)
	}
	s.entries[name] = entry{job: j, expr: expr}
	s.logger.Info("scheduled job added", "name", name, "cron", expr)
	return nil
}

// remove assumes s.mu is held.
func (s *Scheduler) remove(name string) {
	e, ok := s.entries[name]
	if !ok {
		return
	}
	if err := s.cron.RemoveJob(e.job.ID()); err != nil {
		s.logger.Warn("failed to remove scheduled job", "name", name, "error", err)
	}
	delete(s.entries, name)
	s.logger.Info("scheduled job removed", "name", name)
}

// guard keeps a panicking job from taking the whole process down. The
// scheduler shares one process with ingestion; a bad sweep must not cost
// accepted events.
func (s *Scheduler) guard(name string, fn func()) func() {
	return func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("scheduled job panicked", "name", name, "panic", r)
			}
		}()
		fn()
	}
}
