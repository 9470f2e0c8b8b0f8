package sched

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func countingJob(name, spec string, runs *atomic.Int32) Job {
	return Job{
		Name: name,
		Spec: spec,
		Fn: func(ctx context.Context) error {
			runs.Add(1)
			return nil
		},
	}
}

func TestNewRejectsBadSpec(t *testing.T) {
	t.Parallel()

	_, err := New(t.TempDir(), []Job{{Name: "bad", Spec: "not a cron", Fn: func(context.Context) error { return nil }}}, slog.Default())
	if err == nil {
		t.Fatal("New() accepted an invalid cron spec")
	}
}

func TestFirstStartupStampsWithoutRunning(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	var runs atomic.Int32
	s, err := New(dir, []Job{countingJob("labeling", "0 19 * * *", &runs)}, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	s.Start(context.Background())
	defer s.Stop()

	if got := runs.Load(); got != 0 {
		t.Errorf("job ran %d times on first startup, want 0", got)
	}

	// The stamp file exists so the next start sees the job.
	data, err := os.ReadFile(filepath.Join(dir, stampFile))
	if err != nil {
		t.Fatalf("stamp file missing: %v", err)
	}
	var stamps map[string]time.Time
	if err := json.Unmarshal(data, &stamps); err != nil {
		t.Fatal(err)
	}
	if _, ok := stamps["labeling"]; !ok {
		t.Error("first startup did not stamp the job")
	}
}

func TestMissedTriggerRunsOnceOnStart(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	// A stamp two days old for a daily job: exactly one catch-up run.
	stamps := map[string]time.Time{"training": time.Now().Add(-48 * time.Hour)}
	data, _ := json.Marshal(stamps)
	if err := os.WriteFile(filepath.Join(dir, stampFile), data, 0o644); err != nil {
		t.Fatal(err)
	}

	var runs atomic.Int32
	s, err := New(dir, []Job{countingJob("training", "0 2 * * *", &runs)}, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	s.Start(context.Background())
	defer s.Stop()

	if got := runs.Load(); got != 1 {
		t.Errorf("missed trigger ran %d times, want exactly 1", got)
	}
}

func TestFreshStampDoesNotRerun(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	// Stamped moments ago: the next daily trigger is still in the future.
	stamps := map[string]time.Time{"training": time.Now()}
	data, _ := json.Marshal(stamps)
	if err := os.WriteFile(filepath.Join(dir, stampFile), data, 0o644); err != nil {
		t.Fatal(err)
	}

	var runs atomic.Int32
	s, err := New(dir, []Job{countingJob("training", "0 2 * * *", &runs)}, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	s.Start(context.Background())
	defer s.Stop()

	if got := runs.Load(); got != 0 {
		t.Errorf("fresh stamp reran %d times, want 0", got)
	}
}

func TestSingleFlightSkipsOverlap(t *testing.T) {
	t.Parallel()

	var runs atomic.Int32
	release := make(chan struct{})
	started := make(chan struct{})
	j := Job{
		Name: "slow",
		Spec: "* * * * *",
		Fn: func(ctx context.Context) error {
			runs.Add(1)
			close(started)
			<-release
			return nil
		},
	}
	s, err := New(t.TempDir(), []Job{j}, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	s.ctx = context.Background()

	done := make(chan struct{})
	go func() {
		s.runJob(s.jobs[0])
		close(done)
	}()
	<-started

	// Overlapping trigger while the first invocation holds the lock.
	s.runJob(s.jobs[0])
	if got := runs.Load(); got != 1 {
		t.Errorf("overlapping trigger ran, runs = %d, want 1", got)
	}
	close(release)
	<-done
}

func TestStampsPersistAcrossRestart(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	var runs atomic.Int32
	s, err := New(dir, []Job{countingJob("prune", "0 3 * * *", &runs)}, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	s.ctx = context.Background()
	s.runJob(s.jobs[0])
	if runs.Load() != 1 {
		t.Fatal("direct run did not execute")
	}

	// A new scheduler over the same state dir sees the recorded run.
	s2, err := New(dir, []Job{countingJob("prune", "0 3 * * *", &runs)}, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	last, seen := s2.lastRun("prune")
	if !seen {
		t.Fatal("restarted scheduler lost the stamp")
	}
	if time.Since(last) > time.Minute {
		t.Errorf("stamp = %v, want recent", last)
	}
}
