package history

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"surgewatch/internal/metrics"
	"surgewatch/pkg/types"
)

// Logger decouples inference from partition writes with a bounded in-memory
// queue. Append never blocks: on overflow it first drops an older queued
// sample for the same (symbol, second) — the newer observation supersedes
// it — and only then the oldest sample overall.
type Logger struct {
	store    *Store
	loc      *time.Location
	capacity int
	interval time.Duration
	metrics  *metrics.Registry
	logger   *slog.Logger

	mu       sync.Mutex
	queue    []types.HistoryRecord
	appended uint64
	flushed  uint64
	dropped  uint64
}

// NewLogger builds a logger flushing into the given partition store.
// Partition dates are resolved in the session timezone.
func NewLogger(store *Store, loc *time.Location, capacity int, interval time.Duration, m *metrics.Registry, logger *slog.Logger) *Logger {
	return &Logger{
		store:    store,
		loc:      loc,
		capacity: capacity,
		interval: interval,
		metrics:  m,
		logger:   logger.With("component", "history"),
	}
}

// Append enqueues one record, applying the overflow policy when full.
func (l *Logger) Append(rec types.HistoryRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) >= l.capacity {
		l.dropOneLocked(rec)
	}
	l.queue = append(l.queue, rec)
	l.appended++
}

// dropOneLocked frees one slot. Prefers an older record in the same
// (symbol, second) bucket as the incoming one.
func (l *Logger) dropOneLocked(incoming types.HistoryRecord) {
	victim := 0
	sec := incoming.Timestamp.Unix()
	for i, q := range l.queue {
		if q.Symbol == incoming.Symbol && q.Timestamp.Unix() == sec {
			victim = i
			break
		}
	}
	l.queue = append(l.queue[:victim], l.queue[victim+1:]...)
	l.dropped++
	l.metrics.IncHistoryDropped()
}

// Len reports the current queue depth.
func (l *Logger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Run flushes on the configured interval until the context ends, then
// flushes whatever remains.
func (l *Logger) Run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			l.Flush()
			return
		case <-ticker.C:
			l.Flush()
		}
	}
}

// Flush drains the queue into per-date batches. Records that fail to write
// are dropped and counted; the queue never grows unbounded on a sick disk.
func (l *Logger) Flush() {
	l.mu.Lock()
	batch := l.queue
	l.queue = nil
	l.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	byDate := make(map[string][]types.HistoryRecord)
	for _, rec := range batch {
		date := rec.Timestamp.In(l.loc).Format(DateFormat)
		byDate[date] = append(byDate[date], rec)
	}
	for date, recs := range byDate {
		if err := l.store.WriteBatch(date, recs); err != nil {
			l.logger.Error("history flush failed", "date", date, "records", len(recs), "error", err)
			l.mu.Lock()
			l.dropped += uint64(len(recs))
			l.mu.Unlock()
			for range recs {
				l.metrics.IncHistoryDropped()
			}
			continue
		}
		l.mu.Lock()
		l.flushed += uint64(len(recs))
		l.mu.Unlock()
		l.metrics.IncHistoryFlush()
	}
}

// Report holds one day's logger counters.
type Report struct {
	Appended uint64
	Flushed  uint64
	Dropped  uint64
}

// DailyReport snapshots and resets the counters. Callers alert when
// Dropped is non-zero.
func (l *Logger) DailyReport() Report {
	l.mu.Lock()
	defer l.mu.Unlock()
	r := Report{Appended: l.appended, Flushed: l.flushed, Dropped: l.dropped}
	l.appended, l.flushed, l.dropped = 0, 0, 0
	return r
}
