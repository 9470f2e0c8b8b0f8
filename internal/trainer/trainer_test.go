package trainer

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"surgewatch/internal/config"
	"surgewatch/internal/history"
	"surgewatch/internal/model"
	"surgewatch/pkg/types"
)

var asOf = time.Date(2026, 8, 26, 19, 0, 0, 0, time.UTC)

func testTrainerConfig() config.TrainerConfig {
	return config.TrainerConfig{
		WindowDays:          3,
		Trials:              3,
		EarlyStop:           2,
		ValFraction:         0.2,
		TargetPositiveRatio: 0.3,
		MinSamples:          100,
		MinPositives:        10,
		AUCSanityFloor:      0.55,
		MaxAUCRegression:    0.02,
		DecayPerDay:         0.95,
		ThresholdStrategy:   "f1_max",
		DriftWindowDays:     1,
		DriftBaselineDays:   3,
		DriftTolerance:      0.05,
		Seed:                42,
	}
}

// seedHistory writes perDay rows for each of the last `days` partitions.
// Every third row is positive with a clearly higher change_pct, so the
// classes separate on one feature.
func seedHistory(t *testing.T, store *history.Store, days, perDay int) {
	t.Helper()
	idx := types.FeatureIndex("change_pct")
	for d := days - 1; d >= 0; d-- {
		day := asOf.AddDate(0, 0, -d)
		date := day.Format(history.DateFormat)
		var feats []types.HistoryRecord
		var labels []types.LabelRecord
		for i := 0; i < perDay; i++ {
			ts := time.Date(day.Year(), day.Month(), day.Day(), 10, 0, i*5, 0, time.UTC)
			rec := types.HistoryRecord{Timestamp: ts, Symbol: "005930", Price: 100}
			rec.Vector.Symbol = rec.Symbol
			rec.Vector.Timestamp = ts
			rec.Vector.Version = types.SchemaVersion
			for j := range rec.Vector.Masked {
				rec.Vector.Masked[j] = true
			}
			label := 0
			if i%3 == 0 {
				label = 1
				rec.Vector.Set(idx, 3+float64(i%7)*0.1)
			} else {
				rec.Vector.Set(idx, 0.2+float64(i%7)*0.1)
			}
			feats = append(feats, rec)
			labels = append(labels, types.LabelRecord{
				Timestamp: ts, Symbol: rec.Symbol, Label: label,
				PeakReturn: float64(label) * 0.06,
			})
		}
		if err := store.WriteBatch(date, feats); err != nil {
			t.Fatal(err)
		}
		if err := store.WriteLabels(date, labels); err != nil {
			t.Fatal(err)
		}
	}
}

func newTestTrainer(t *testing.T, cfg config.TrainerConfig) (*Trainer, *history.Store, *model.Store, *model.Handle) {
	t.Helper()
	hist, err := history.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(hist.Close)
	artifacts, err := model.OpenStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	handle := &model.Handle{}
	tr := New(cfg, hist, artifacts, handle, time.UTC, nil, slog.Default())
	return tr, hist, artifacts, handle
}

func TestRunPublishesArtifact(t *testing.T) {
	t.Parallel()

	tr, hist, artifacts, handle := newTestTrainer(t, testTrainerConfig())
	seedHistory(t, hist, 3, 60)

	art, err := tr.Run(context.Background(), asOf)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if art.Version != 1 {
		t.Errorf("version = %d, want 1", art.Version)
	}
	if err := art.Validate(); err != nil {
		t.Errorf("published artifact invalid: %v", err)
	}
	if art.SchemaVersion != types.SchemaVersion {
		t.Errorf("schema = %d, want %d", art.SchemaVersion, types.SchemaVersion)
	}
	if art.Meta.Samples != 180 {
		t.Errorf("samples = %d, want 180", art.Meta.Samples)
	}
	if art.Meta.ValidationAUC < 0.9 {
		t.Errorf("validation AUC = %v, want ≥ 0.9 on separable data", art.Meta.ValidationAUC)
	}
	if art.Meta.RunID == "" {
		t.Error("run id missing")
	}
	if handle.Load() != art {
		t.Error("handle not swapped to the new artifact")
	}
	if cur, err := artifacts.LoadCurrent(); err != nil || cur.Version != 1 {
		t.Errorf("LoadCurrent() = (v%d, %v), want v1", cur.Version, err)
	}

	// The next run versions monotonically.
	art2, err := tr.Run(context.Background(), asOf)
	if err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if art2.Version != 2 {
		t.Errorf("second version = %d, want 2", art2.Version)
	}
}

func TestRunInsufficientData(t *testing.T) {
	t.Parallel()

	tr, _, _, handle := newTestTrainer(t, testTrainerConfig())
	_, err := tr.Run(context.Background(), asOf)
	if !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("Run() on empty history error = %v, want ErrInsufficientData", err)
	}
	if handle.Load() != nil {
		t.Error("aborted run must not install an artifact")
	}
}

func TestRunNeedsPositivesInValidationFold(t *testing.T) {
	t.Parallel()

	cfg := testTrainerConfig()
	cfg.MinSamples = 10
	cfg.MinPositives = 5
	tr, hist, _, _ := newTestTrainer(t, cfg)

	// All positives land on the oldest day; the newest fold is pure negative.
	idx := types.FeatureIndex("change_pct")
	for d := 2; d >= 0; d-- {
		day := asOf.AddDate(0, 0, -d)
		date := day.Format(history.DateFormat)
		var feats []types.HistoryRecord
		var labels []types.LabelRecord
		for i := 0; i < 40; i++ {
			ts := time.Date(day.Year(), day.Month(), day.Day(), 10, 0, i*5, 0, time.UTC)
			rec := types.HistoryRecord{Timestamp: ts, Symbol: "A", Price: 100}
			rec.Vector.Version = types.SchemaVersion
			label := 0
			if d == 2 {
				label = 1
				rec.Vector.Set(idx, 3)
			}
			feats = append(feats, rec)
			labels = append(labels, types.LabelRecord{Timestamp: ts, Symbol: "A", Label: label})
		}
		if err := hist.WriteBatch(date, feats); err != nil {
			t.Fatal(err)
		}
		if err := hist.WriteLabels(date, labels); err != nil {
			t.Fatal(err)
		}
	}

	_, err := tr.Run(context.Background(), asOf)
	if !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("Run() error = %v, want ErrInsufficientData for a positive-free validation fold", err)
	}
}

func TestRunAUCRegressionGuard(t *testing.T) {
	t.Parallel()

	tr, hist, _, handle := newTestTrainer(t, testTrainerConfig())
	seedHistory(t, hist, 3, 60)

	// An active artifact claiming an unbeatable validation AUC: any candidate
	// regresses past the tolerance and publication must abort.
	prior := &model.Artifact{
		Version:       9,
		SchemaVersion: types.SchemaVersion,
		Meta:          model.Metadata{ValidationAUC: 2.0},
	}
	handle.Swap(prior)

	_, err := tr.Run(context.Background(), asOf)
	if !errors.Is(err, ErrAUCRegression) {
		t.Fatalf("Run() error = %v, want ErrAUCRegression", err)
	}
	if handle.Load() != prior {
		t.Error("aborted run replaced the active artifact")
	}
}

// expiringContext reports expiry after a fixed number of Err() polls,
// pinning down where in a run the wall-clock cap lands.
type expiringContext struct {
	context.Context
	remaining int
}

func (c *expiringContext) Err() error {
	c.remaining--
	if c.remaining < 0 {
		return context.DeadlineExceeded
	}
	return nil
}

func TestRunDoesNotPublishWhenWallClockExpires(t *testing.T) {
	t.Parallel()

	tr, hist, artifacts, handle := newTestTrainer(t, testTrainerConfig())
	seedHistory(t, hist, 3, 60)

	// The cap fires after one fitted candidate: the run must abort rather
	// than publish a best-so-far from a half-finished search.
	ctx := &expiringContext{Context: context.Background(), remaining: 1}
	_, err := tr.Run(ctx, asOf)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run() error = %v, want context.DeadlineExceeded", err)
	}
	if handle.Load() != nil {
		t.Error("capped run installed an artifact")
	}
	if cur, err := artifacts.LoadCurrent(); err != nil || cur != nil {
		t.Errorf("LoadCurrent() = (%v, %v), want nothing published", cur, err)
	}
}

func TestCheckDriftAlertsOnRecentAUCDrop(t *testing.T) {
	t.Parallel()

	cfg := testTrainerConfig()
	cfg.DriftWindowDays = 1
	cfg.DriftBaselineDays = 4
	tr, hist, _, _ := newTestTrainer(t, cfg)
	seedHistory(t, hist, 3, 60)

	art, err := tr.Run(context.Background(), asOf)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if tr.checkDrift(art, asOf) {
		t.Error("drift alerted on the distribution the model was trained on")
	}

	// The next day the feature/label relationship inverts: the model scores
	// positives low, so the 1-day AUC collapses against the 4-day baseline.
	idx := types.FeatureIndex("change_pct")
	day := asOf.AddDate(0, 0, 1)
	date := day.Format(history.DateFormat)
	var feats []types.HistoryRecord
	var labels []types.LabelRecord
	for i := 0; i < 60; i++ {
		ts := time.Date(day.Year(), day.Month(), day.Day(), 10, 0, i*5, 0, time.UTC)
		rec := types.HistoryRecord{Timestamp: ts, Symbol: "005930", Price: 100}
		rec.Vector.Version = types.SchemaVersion
		for j := range rec.Vector.Masked {
			rec.Vector.Masked[j] = true
		}
		label := 0
		if i%3 == 0 {
			label = 1
			rec.Vector.Set(idx, 0.2+float64(i%7)*0.1)
		} else {
			rec.Vector.Set(idx, 3+float64(i%7)*0.1)
		}
		feats = append(feats, rec)
		labels = append(labels, types.LabelRecord{Timestamp: ts, Symbol: rec.Symbol, Label: label})
	}
	if err := hist.WriteBatch(date, feats); err != nil {
		t.Fatal(err)
	}
	if err := hist.WriteLabels(date, labels); err != nil {
		t.Fatal(err)
	}

	if !tr.checkDrift(art, day) {
		t.Error("inverted recent window did not raise a drift alert")
	}
}

func TestRunValidationFloor(t *testing.T) {
	t.Parallel()

	cfg := testTrainerConfig()
	cfg.AUCSanityFloor = 1.5 // unreachable on purpose
	tr, hist, _, _ := newTestTrainer(t, cfg)
	seedHistory(t, hist, 3, 60)

	_, err := tr.Run(context.Background(), asOf)
	if !errors.Is(err, ErrValidationFloor) {
		t.Fatalf("Run() error = %v, want ErrValidationFloor", err)
	}
}
