// Surgewatch — real-time equity market surveillance that detects presurge
// conditions: symbols likely to rise at least 5% within the next hour.
//
// Architecture:
//
//	main.go              — entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go     — orchestrator: wires polling + stream → store → inference → sink,
//	                       schedules the daily labelling/training jobs
//	broker/client.go     — rate-limited REST client (batch quotes, depth, session baselines)
//	broker/stream.go     — capped WebSocket session with ack-tracked subscriptions and replay
//	planner/planner.go   — rotates stream slots onto the highest volume-ratio symbols
//	store/store.go       — in-memory per-symbol market state (samples, bars, depth)
//	features/pipeline.go — fixed-schema feature vectors with per-source staleness masks
//	inference/engine.go  — scores every symbol per cycle against the active artifact
//	history/             — per-date SQLite feature/label partitions behind a bounded queue
//	labeler/labeler.go   — forward-window peak-return labelling after the close
//	trainer/trainer.go   — daily three-learner ensemble retrain with publication guards
//	model/               — learners, artifact persistence, atomic model handle
package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	_ "go.uber.org/automaxprocs"

	"surgewatch/internal/api"
	"surgewatch/internal/config"
	"surgewatch/internal/engine"
)

func main() {
	// A local .env is optional; real deployments set SURGE_* directly.
	_ = godotenv.Load()

	cfgPath := "configs/config.yaml"
	if p := os.Getenv("SURGE_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	eng, err := engine.New(*cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	var opsServer *api.Server
	if cfg.Ops.Enabled {
		opsServer = api.NewServer(cfg.Ops, eng, eng.MetricsHandler(), logger)
		go func() {
			if err := opsServer.Start(); err != nil {
				logger.Error("ops server failed", "error", err)
			}
		}()
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	logger.Info("surgewatch started",
		"ops_port", cfg.Ops.Port,
		"subscription_cap", cfg.Stream.SubscriptionCap,
		"sink", cfg.Sink.Kind,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if opsServer != nil {
		if err := opsServer.Stop(); err != nil {
			logger.Error("failed to stop ops server", "error", err)
		}
	}
	eng.Stop()
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
