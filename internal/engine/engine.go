// Package engine wires the surveillance pipeline together and owns its
// lifecycle: dual-channel ingestion (REST polling plus the broker stream),
// the feature store, subscription rotation, inference, history logging,
// detection delivery, and the scheduled daily jobs.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync/atomic"
	"time"

	"surgewatch/internal/api"
	"surgewatch/internal/broker"
	"surgewatch/internal/config"
	"surgewatch/internal/history"
	"surgewatch/internal/inference"
	"surgewatch/internal/labeler"
	"surgewatch/internal/metrics"
	"surgewatch/internal/model"
	"surgewatch/internal/planner"
	"surgewatch/internal/resilience"
	"surgewatch/internal/sched"
	"surgewatch/internal/sink"
	"surgewatch/internal/store"
	"surgewatch/internal/trainer"
	"surgewatch/pkg/types"
)

// Engine orchestrates every pipeline component.
type Engine struct {
	cfg    config.Config
	logger *slog.Logger
	loc    *time.Location

	symbols []string

	metrics    *metrics.Registry
	tokens     *broker.TokenSource
	rest       *broker.Client
	breaker    *resilience.Breaker
	stream     *broker.Stream
	store      *store.Store
	handle     *model.Handle
	artifacts  *model.Store
	histStore  *history.Store
	histLogger *history.Logger
	labeler    *labeler.Labeler
	trainer    *trainer.Trainer
	inference  *inference.Engine
	planner    *planner.Planner
	sink       sink.Sink
	scheduler  *sched.Scheduler
	supervisor *resilience.Supervisor

	// lastPollOK tracks the REST channel's health for /health: unix nanos
	// of the last successful quote batch.
	lastPollOK atomic.Int64

	startedAt time.Time
	ctx       context.Context
	cancel    context.CancelFunc
}

// New constructs and wires every component. Nothing runs until Start.
func New(cfg config.Config, logger *slog.Logger) (*Engine, error) {
	loc, err := time.LoadLocation(cfg.Session.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load session timezone: %w", err)
	}
	symbols, err := cfg.LoadUniverse()
	if err != nil {
		return nil, err
	}
	if len(symbols) == 0 {
		return nil, fmt.Errorf("universe is empty")
	}

	e := &Engine{
		cfg:     cfg,
		logger:  logger.With("component", "engine"),
		loc:     loc,
		symbols: symbols,
		metrics: metrics.NewRegistry(),
		handle:  &model.Handle{},
	}

	e.tokens = broker.NewTokenSource(cfg.Broker.RESTBaseURL, cfg.Broker.AppKey, cfg.Broker.AppSecret, cfg.Broker.TokenTimeout, logger)
	e.rest = broker.NewClient(cfg.Broker, cfg.Backoff, e.tokens, logger)
	e.breaker = resilience.NewBreaker(cfg.Breaker.Threshold, cfg.Breaker.Cooldown)
	e.breaker.OnChange(func(st resilience.CircuitState) {
		e.metrics.SetCircuitState(int(st))
	})
	e.stream = broker.NewStream(cfg.Broker, cfg.Stream, cfg.Backoff, e.tokens, e.breaker, e.metrics, logger)
	e.store = store.New(cfg, e.metrics, logger)

	e.artifacts, err = model.OpenStore(cfg.Models.Dir)
	if err != nil {
		return nil, err
	}
	if art, err := e.artifacts.LoadCurrent(); err != nil {
		return nil, fmt.Errorf("restore active model: %w", err)
	} else if art != nil {
		e.handle.Swap(art)
		e.metrics.SetModelVersion(art.Version)
		e.logger.Info("restored active model", "version", art.Version, "val_auc", art.Meta.ValidationAUC)
	}

	e.histStore, err = history.Open(cfg.History.Dir)
	if err != nil {
		return nil, err
	}
	e.histLogger = history.NewLogger(e.histStore, loc, cfg.History.QueueSize, cfg.History.FlushInterval, e.metrics, logger)
	e.labeler = labeler.New(cfg.Labeler, e.histStore, e.calendar, loc, logger)
	e.trainer = trainer.New(cfg.Trainer, e.histStore, e.artifacts, e.handle, loc, e.metrics, logger)

	e.inference = inference.New(cfg.Inference, cfg.Features.Granularity, e.handle, e.store, e.histLogger, e.calendar, e.metrics, logger)
	e.planner = planner.New(cfg.Planner, e.stream, e.store, e.calendar, logger)

	e.sink, err = sink.New(cfg.Sink, logger)
	if err != nil {
		return nil, err
	}

	e.supervisor = resilience.NewSupervisor(
		resilience.Backoff{Base: cfg.Backoff.Base, Cap: cfg.Backoff.Cap, Jitter: cfg.Backoff.Jitter},
		logger,
	)
	e.supervisor.OnRestart = e.metrics.IncLoopRestart
	e.supervisor.OnFatal = func(loop string, err any) {
		e.logger.Error("FATAL: background loop abandoned", "loop", loop, "cause", err)
	}

	e.scheduler, err = sched.New(cfg.Sched.StateDir, e.jobs(), logger)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// calendar resolves the session context for a given instant.
func (e *Engine) calendar(now time.Time) types.CalendarContext {
	open, end, err := e.cfg.SessionBounds(now)
	if err != nil {
		// Validated at startup; a failure here means the tz database changed
		// under us. Fall back to an always-closed session.
		return types.CalendarContext{Now: now}
	}
	return types.CalendarContext{
		Now:          now,
		SessionOpen:  open,
		SessionClose: end,
		Staleness:    e.cfg.Staleness(),
	}
}

// Start launches every supervised loop and the scheduler.
func (e *Engine) Start() error {
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.startedAt = time.Now()

	e.supervisor.Go(e.ctx, "stream", func(ctx context.Context) {
		_ = e.stream.Run(ctx)
	})
	e.supervisor.Go(e.ctx, "poll", e.pollLoop)
	e.supervisor.Go(e.ctx, "frame_pump", e.framePump)
	e.supervisor.Go(e.ctx, "planner", e.planner.Run)
	e.supervisor.Go(e.ctx, "inference", e.inference.Run)
	e.supervisor.Go(e.ctx, "history", e.histLogger.Run)
	e.supervisor.Go(e.ctx, "detections", e.fanOutDetections)

	e.scheduler.Start(e.ctx)

	e.logger.Info("engine started",
		"universe", len(e.symbols),
		"subscription_cap", e.cfg.Stream.SubscriptionCap,
		"top_k", e.cfg.Planner.TopK)
	return nil
}

// Stop unwinds within the configured grace period: cancel the root
// context, let loops drain (the history logger flushes on its way out),
// then close resources in reverse dependency order.
func (e *Engine) Stop() {
	e.logger.Info("engine stopping")
	e.scheduler.Stop()
	e.cancel()
	_ = e.stream.Close()

	done := make(chan struct{})
	go func() {
		e.supervisor.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(e.cfg.Shutdown.Grace):
		e.logger.Warn("shutdown grace period elapsed, abandoning remaining loops")
	}

	e.histLogger.Flush()
	e.histStore.Close()
	e.sink.Close()
	e.logger.Info("engine stopped")
}

// pollLoop drives the REST channel: every interval, quote snapshots for
// the whole universe in broker-sized chunks. While the stream session is
// down, polling speeds up to compensate.
func (e *Engine) pollLoop(ctx context.Context) {
	for {
		interval := e.cfg.Poll.Interval
		if st := e.stream.State(); st != broker.StateReady && st != broker.StateDegraded {
			interval = e.cfg.Poll.DegradedInterval
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
		e.pollOnce(ctx)
	}
}

func (e *Engine) pollOnce(ctx context.Context) {
	for start := 0; start < len(e.symbols); start += broker.MaxBatchSize {
		end := start + broker.MaxBatchSize
		if end > len(e.symbols) {
			end = len(e.symbols)
		}
		quotes, err := e.rest.QuoteBatch(ctx, e.symbols[start:end])
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			e.metrics.IncRESTRequest("error")
			e.logger.Warn("quote batch failed", "symbols", end-start, "error", err)
			continue
		}
		e.metrics.IncRESTRequest("ok")
		e.lastPollOK.Store(time.Now().UnixNano())
		for _, q := range quotes {
			e.store.ApplyQuote(q)
		}
	}
}

// framePump moves stream frames into the feature store.
func (e *Engine) framePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-e.stream.Frames():
			switch frame := f.(type) {
			case types.TradeFrame:
				e.store.ApplyTrade(frame)
			case types.BookFrame:
				e.store.ApplyBook(frame)
			}
		}
	}
}

// fanOutDetections delivers detections to the sink without ever blocking
// inference; the detections channel is the buffer.
func (e *Engine) fanOutDetections(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case det := <-e.inference.Detections():
			pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := e.sink.Publish(pubCtx, det); err != nil {
				e.logger.Error("detection publish failed", "id", det.ID, "symbol", det.Symbol, "error", err)
			}
			cancel()
		}
	}
}

// jobs defines the scheduled daily work.
func (e *Engine) jobs() []sched.Job {
	return []sched.Job{
		{Name: "warmup", Spec: e.cfg.Sched.Warmup, Fn: e.warmup},
		{Name: "labeling", Spec: e.cfg.Sched.Labeling, Fn: e.runLabeling},
		{Name: "training", Spec: e.cfg.Sched.Training, Fn: e.runTraining},
		{Name: "prune", Spec: e.cfg.Sched.Prune, Fn: e.runPrune},
	}
}

// warmup resets per-session state and loads prior-session baselines
// (previous close, 5-day average volume) for the whole universe.
func (e *Engine) warmup(ctx context.Context) error {
	e.store.ResetSession()
	loaded := 0
	for start := 0; start < len(e.symbols); start += broker.MaxBatchSize {
		end := start + broker.MaxBatchSize
		if end > len(e.symbols) {
			end = len(e.symbols)
		}
		meta, err := e.rest.SessionBaseline(ctx, e.symbols[start:end])
		if err != nil {
			return fmt.Errorf("session baseline [%d:%d]: %w", start, end, err)
		}
		e.store.SetSessionMeta(meta)
		loaded += len(meta)
	}
	e.logger.Info("session warm-up complete", "symbols", loaded)
	return nil
}

// runLabeling labels today's partition and retries yesterday's, picking up
// records deferred while the session was still trading.
func (e *Engine) runLabeling(ctx context.Context) error {
	now := time.Now().In(e.loc)
	for _, day := range []time.Time{now.AddDate(0, 0, -1), now} {
		date := day.Format(history.DateFormat)
		res, err := e.labeler.RunFor(ctx, date)
		if err != nil {
			return fmt.Errorf("label %s: %w", date, err)
		}
		_ = res
	}
	if report := e.histLogger.DailyReport(); report.Dropped > 0 {
		e.logger.Error("history samples were dropped today",
			"dropped", report.Dropped,
			"appended", report.Appended,
			"flushed", report.Flushed)
	}
	return nil
}

// runTraining runs the daily training pass under its wall-clock cap. A
// guard abort keeps the active artifact and is not a job failure.
func (e *Engine) runTraining(ctx context.Context) error {
	runCtx, cancel := context.WithTimeout(ctx, e.cfg.Trainer.WallClockCap)
	defer cancel()
	art, err := e.trainer.Run(runCtx, time.Now().In(e.loc))
	if err != nil {
		e.logger.Warn("training run did not publish", "error", err)
		return nil
	}
	e.logger.Info("training run published", "version", art.Version)
	return nil
}

func (e *Engine) runPrune(ctx context.Context) error {
	cutoff := time.Now().In(e.loc).
		AddDate(0, 0, -e.cfg.History.RetentionDays).
		Format(history.DateFormat)
	removed, err := e.histStore.Prune(cutoff)
	if err != nil {
		return err
	}
	if removed > 0 {
		e.logger.Info("pruned history partitions", "removed", removed, "cutoff", cutoff)
	}
	return nil
}

// MetricsHandler exposes the prometheus endpoint for the ops server.
func (e *Engine) MetricsHandler() http.Handler {
	return e.metrics.Handler()
}

// Health implements api.Provider.
func (e *Engine) Health() api.Health {
	streamState := e.stream.State()
	pollFresh := false
	if ts := e.lastPollOK.Load(); ts > 0 {
		pollFresh = time.Since(time.Unix(0, ts)) < 3*e.cfg.Poll.Interval
	}

	status := api.StatusHealthy
	switch {
	case streamState == broker.StateReady:
		status = api.StatusHealthy
	case pollFresh:
		status = api.StatusDegraded
	default:
		status = api.StatusUnhealthy
	}

	version := 0
	if art := e.handle.Load(); art != nil {
		version = art.Version
	}
	return api.Health{
		Status:              status,
		StreamState:         streamState.String(),
		CircuitState:        e.breaker.State().String(),
		ActiveSubscriptions: e.stream.Slots(),
		Tickers:             e.store.Len(),
		ModelVersion:        version,
		StartedAt:           e.startedAt,
	}
}

// Universe implements api.Provider.
func (e *Engine) Universe() []api.SymbolSummary {
	subscribed := make(map[string]bool)
	for _, key := range e.stream.Subscribed() {
		subscribed[key.Symbol] = true
	}

	out := make([]api.SymbolSummary, 0, e.store.Len())
	for _, sym := range e.store.Symbols() {
		snap, ok := e.store.SnapshotFor(sym)
		if !ok {
			continue
		}
		out = append(out, api.SymbolSummary{
			Symbol:      sym,
			Price:       snap.Price,
			ChangePct:   snap.ChangePct,
			CumVolume:   snap.CumVolume,
			Subscribed:  subscribed[sym],
			LastQuoteAt: snap.QuoteAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Model implements api.Provider.
func (e *Engine) Model() (api.ModelInfo, bool) {
	art := e.handle.Load()
	if art == nil {
		return api.ModelInfo{}, false
	}
	return api.ModelInfo{
		Version:       art.Version,
		SchemaVersion: art.SchemaVersion,
		Threshold:     art.Threshold,
		Weights:       art.Weights,
		TrainedAt:     art.Meta.TrainedAt,
		WindowDays:    art.Meta.WindowDays,
		Samples:       art.Meta.Samples,
		ValidationAUC: art.Meta.ValidationAUC,
		ValidationF1:  art.Meta.ValidationF1,
		RunID:         art.Meta.RunID,
	}, true
}
