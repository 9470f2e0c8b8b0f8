// Package sched drives the daily housekeeping jobs (pre-session warm-up,
// labelling, training, retention prune) on cron schedules. Every job is
// single-flight: an overlapping trigger is skipped with a warning, never
// queued. Last-run stamps persist across restarts so a trigger missed while
// the process was down runs once on startup, without a catch-up burst.
package sched

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

const stampFile = "last_runs.json"

// Job is one scheduled unit of work. Fn receives the scheduler's root
// context; long jobs should bound themselves further.
type Job struct {
	Name string
	Spec string // standard 5-field cron expression
	Fn   func(ctx context.Context) error
}

type job struct {
	Job
	schedule cron.Schedule
	mu       sync.Mutex // TryLock guards against overlap
}

// Scheduler runs registered jobs until stopped.
type Scheduler struct {
	stateDir string
	logger   *slog.Logger
	cron     *cron.Cron
	jobs     []*job

	stampMu sync.Mutex
	stamps  map[string]time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

// New parses every job spec up front so a bad expression fails at
// construction, not at first trigger.
func New(stateDir string, jobs []Job, logger *slog.Logger) (*Scheduler, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create sched state dir: %w", err)
	}
	s := &Scheduler{
		stateDir: stateDir,
		logger:   logger.With("component", "sched"),
		cron:     cron.New(),
		stamps:   make(map[string]time.Time),
	}
	for _, j := range jobs {
		schedule, err := cron.ParseStandard(j.Spec)
		if err != nil {
			return nil, fmt.Errorf("parse cron spec for %s: %w", j.Name, err)
		}
		s.jobs = append(s.jobs, &job{Job: j, schedule: schedule})
	}
	if err := s.loadStamps(); err != nil {
		return nil, err
	}
	return s, nil
}

// Start recovers missed triggers, then begins the cron loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)

	for _, j := range s.jobs {
		j := j
		s.recoverMissed(j)
		s.cron.Schedule(j.schedule, cron.FuncJob(func() { s.runJob(j) }))
	}
	s.cron.Start()
	s.logger.Info("scheduler started", "jobs", len(s.jobs))
}

// Stop halts scheduling and waits for any running job to return.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

// recoverMissed runs a job once, synchronously, if its schedule fired while
// the process was down. A job never seen before is stamped without running:
// first startup is not a missed trigger.
func (s *Scheduler) recoverMissed(j *job) {
	now := time.Now()
	last, seen := s.lastRun(j.Name)
	if !seen {
		s.recordRun(j.Name, now)
		return
	}
	if j.schedule.Next(last).After(now) {
		return
	}
	s.logger.Info("running missed trigger", "job", j.Name, "last_run", last)
	s.runJob(j)
}

func (s *Scheduler) runJob(j *job) {
	if !j.mu.TryLock() {
		s.logger.Warn("job still running, skipping trigger", "job", j.Name)
		return
	}
	defer j.mu.Unlock()

	start := time.Now()
	s.logger.Info("job started", "job", j.Name)
	if err := j.Fn(s.ctx); err != nil {
		s.logger.Error("job failed", "job", j.Name, "duration", time.Since(start), "error", err)
	} else {
		s.logger.Info("job finished", "job", j.Name, "duration", time.Since(start))
	}
	s.recordRun(j.Name, start)
}

func (s *Scheduler) lastRun(name string) (time.Time, bool) {
	s.stampMu.Lock()
	defer s.stampMu.Unlock()
	t, ok := s.stamps[name]
	return t, ok
}

func (s *Scheduler) recordRun(name string, at time.Time) {
	s.stampMu.Lock()
	defer s.stampMu.Unlock()
	s.stamps[name] = at
	if err := s.saveStampsLocked(); err != nil {
		s.logger.Error("persist last-run stamps", "error", err)
	}
}

func (s *Scheduler) loadStamps() error {
	data, err := os.ReadFile(filepath.Join(s.stateDir, stampFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read last-run stamps: %w", err)
	}
	if err := json.Unmarshal(data, &s.stamps); err != nil {
		return fmt.Errorf("parse last-run stamps: %w", err)
	}
	return nil
}

// saveStampsLocked writes via temp file + rename so a crash mid-write
// never corrupts the stamp file.
func (s *Scheduler) saveStampsLocked() error {
	data, err := json.MarshalIndent(s.stamps, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(s.stateDir, stampFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
