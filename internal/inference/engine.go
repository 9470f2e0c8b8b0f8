// Package inference scores every tracked symbol each cycle against the
// active model artifact and emits detections when the ensemble probability
// crosses the published threshold.
package inference

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"surgewatch/internal/config"
	"surgewatch/internal/features"
	"surgewatch/internal/metrics"
	"surgewatch/internal/model"
	"surgewatch/pkg/types"
)

// topFeatureCount bounds how many features a detection explains.
const topFeatureCount = 3

// coreFeatures must all be present before a symbol is scored. A fresh
// ticker is still warming up until price change, volume baseline, and
// short-horizon momentum are computable.
var coreFeatures = []string{"change_pct", "volume_ratio", "momentum_5m"}

// Universe is the read surface the engine scores over.
type Universe interface {
	Symbols() []string
	SnapshotFor(symbol string) (types.TickerSnapshot, bool)
}

// Recorder receives every computed feature vector for persistence,
// regardless of whether the symbol was scored.
type Recorder interface {
	Append(rec types.HistoryRecord)
}

// Calendar yields the session context for a cycle instant.
type Calendar func(now time.Time) types.CalendarContext

// Engine runs the per-cycle scoring loop.
type Engine struct {
	cfg      config.InferenceConfig
	interval time.Duration
	handle   *model.Handle
	universe Universe
	recorder Recorder
	calendar Calendar
	metrics  *metrics.Registry
	logger   *slog.Logger

	detections chan types.Detection

	now func() time.Time // injectable for tests
}

// New builds an engine scoring on the features granularity interval.
func New(cfg config.InferenceConfig, interval time.Duration, handle *model.Handle, universe Universe, recorder Recorder, cal Calendar, m *metrics.Registry, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:        cfg,
		interval:   interval,
		handle:     handle,
		universe:   universe,
		recorder:   recorder,
		calendar:   cal,
		metrics:    m,
		logger:     logger.With("component", "inference"),
		detections: make(chan types.Detection, 256),
		now:        time.Now,
	}
}

// Detections is the engine's output channel. Sends never block a cycle;
// an undrained channel drops the detection with a warning.
func (e *Engine) Detections() <-chan types.Detection {
	return e.detections
}

// Run scores on a fixed ticker until the context ends.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Cycle(ctx)
		}
	}
}

// Cycle scores every symbol once and returns how many were scored. Symbols
// left when the soft deadline passes are skipped and counted.
func (e *Engine) Cycle(ctx context.Context) int {
	start := e.now()
	cal := e.calendar(start)
	if start.Before(cal.SessionOpen) || start.After(cal.SessionClose) {
		return 0
	}
	deadline := start.Add(e.cfg.SoftDeadline)

	symbols := e.universe.Symbols()
	scored := 0
	for i, sym := range symbols {
		if ctx.Err() != nil {
			return scored
		}
		if e.now().After(deadline) {
			skipped := len(symbols) - i
			e.metrics.IncInferenceSkip()
			e.logger.Warn("cycle deadline exceeded",
				"deadline", e.cfg.SoftDeadline,
				"scored", scored,
				"skipped", skipped)
			return scored
		}
		if e.scoreSymbol(sym, cal) {
			scored++
		}
	}
	return scored
}

// scoreSymbol computes the vector, records it, and scores it if the model
// and the vector both allow. Returns whether a score was produced.
func (e *Engine) scoreSymbol(sym string, cal types.CalendarContext) bool {
	snap, ok := e.universe.SnapshotFor(sym)
	if !ok || snap.Price <= 0 {
		return false
	}

	vec := features.Compute(snap, cal)
	if e.recorder != nil {
		e.recorder.Append(types.HistoryRecord{
			Timestamp: cal.Now,
			Symbol:    sym,
			Vector:    vec,
			Price:     snap.Price,
		})
	}

	art := e.handle.Load()
	if art == nil {
		return false
	}
	if art.SchemaVersion != vec.Version {
		e.metrics.IncSchemaMismatch()
		e.logger.Error("SCHEMA_MISMATCH: model artifact incompatible with feature schema",
			"symbol", sym,
			"model_schema", art.SchemaVersion,
			"feature_schema", vec.Version,
			"model_version", art.Version)
		return false
	}
	if !warmedUp(vec) {
		return false
	}

	x := model.Inputs(vec)
	p, _ := art.Predict(x)
	if p < art.Threshold {
		return true
	}

	det := types.Detection{
		ID:           uuid.NewString(),
		Timestamp:    cal.Now,
		Symbol:       sym,
		Probability:  p,
		Threshold:    art.Threshold,
		ModelVersion: art.Version,
		TopFeatures:  topContributions(art, vec, x, p),
		Snapshot:     snap,
	}
	e.metrics.IncDetection()
	select {
	case e.detections <- det:
	default:
		e.logger.Warn("detection channel full, dropping", "symbol", sym, "id", det.ID)
	}
	return true
}

// warmedUp reports whether every core feature is present.
func warmedUp(vec types.FeatureVector) bool {
	for _, name := range coreFeatures {
		if idx := types.FeatureIndex(name); idx >= 0 && vec.Masked[idx] {
			return false
		}
	}
	return true
}

// topContributions estimates per-feature influence by leave-one-out: mask
// one feature, rescore, and take the probability delta. The three largest
// absolute deltas explain the detection.
func topContributions(art *model.Artifact, vec types.FeatureVector, x []float64, p float64) []types.FeatureContribution {
	contribs := make([]types.FeatureContribution, 0, types.FeatureCount)
	masked := make([]float64, len(x))
	for i := 0; i < types.FeatureCount; i++ {
		if vec.Masked[i] {
			continue
		}
		copy(masked, x)
		masked[i] = 0
		masked[types.FeatureCount+i] = 1
		q, _ := art.Predict(masked)
		contribs = append(contribs, types.FeatureContribution{
			Name:         types.FeatureNames[i],
			Value:        vec.Values[i],
			Contribution: p - q,
		})
	}
	// Partial selection sort: only the top entries matter.
	limit := topFeatureCount
	if limit > len(contribs) {
		limit = len(contribs)
	}
	for i := 0; i < limit; i++ {
		best := i
		for j := i + 1; j < len(contribs); j++ {
			if abs(contribs[j].Contribution) > abs(contribs[best].Contribution) {
				best = j
			}
		}
		contribs[i], contribs[best] = contribs[best], contribs[i]
	}
	return contribs[:limit]
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
