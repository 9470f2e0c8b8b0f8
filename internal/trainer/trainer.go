// Package trainer runs the daily learning loop: load the labelled window,
// fit three base learners under a random hyperparameter search, blend them
// on a weight grid, pick an alert threshold from the validation
// precision/recall curve, and publish a new artifact — or abort and keep
// the prior one when any guard trips.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"surgewatch/internal/config"
	"surgewatch/internal/history"
	"surgewatch/internal/metrics"
	"surgewatch/internal/model"
	"surgewatch/pkg/types"
)

var (
	// ErrInsufficientData aborts a run whose window holds too few samples
	// or positives to train on.
	ErrInsufficientData = errors.New("trainer: insufficient labelled data")
	// ErrValidationFloor aborts publication when the candidate's validation
	// AUC is indistinguishable from chance.
	ErrValidationFloor = errors.New("trainer: validation AUC below sanity floor")
	// ErrAUCRegression aborts publication when the candidate regresses too
	// far from the active artifact.
	ErrAUCRegression = errors.New("trainer: validation AUC regressed from active model")
)

// Trainer owns the daily training run.
type Trainer struct {
	cfg       config.TrainerConfig
	hist      *history.Store
	artifacts *model.Store
	handle    *model.Handle
	loc       *time.Location
	metrics   *metrics.Registry
	logger    *slog.Logger
}

func New(cfg config.TrainerConfig, hist *history.Store, artifacts *model.Store, handle *model.Handle, loc *time.Location, m *metrics.Registry, logger *slog.Logger) *Trainer {
	return &Trainer{
		cfg:       cfg,
		hist:      hist,
		artifacts: artifacts,
		handle:    handle,
		loc:       loc,
		metrics:   m,
		logger:    logger.With("component", "trainer"),
	}
}

// Run executes one full training pass as of the given day. The caller
// bounds wall-clock time through the context; the search loops check it
// between fits. On a guard error the active artifact stays in place.
func (t *Trainer) Run(ctx context.Context, asOf time.Time) (*model.Artifact, error) {
	art, err := t.run(ctx, asOf)
	if err != nil {
		t.metrics.IncTrainingRun("aborted")
		return nil, err
	}
	t.metrics.IncTrainingRun("published")
	return art, nil
}

func (t *Trainer) run(ctx context.Context, asOf time.Time) (*model.Artifact, error) {
	rows, err := t.loadWindow(asOf, t.cfg.WindowDays)
	if err != nil {
		return nil, err
	}

	positives := 0
	for _, r := range rows {
		if r.Label == 1 {
			positives++
		}
	}
	if len(rows) < t.cfg.MinSamples || positives < t.cfg.MinPositives {
		return nil, fmt.Errorf("%w: %d samples, %d positives (need %d/%d)",
			ErrInsufficientData, len(rows), positives, t.cfg.MinSamples, t.cfg.MinPositives)
	}
	classRatio := float64(positives) / float64(len(rows))

	ds := t.buildDataset(rows, asOf)

	// Time-ordered split: the newest fold validates, never trains.
	cut := int(float64(ds.Len()) * (1 - t.cfg.ValFraction))
	if cut <= 0 || cut >= ds.Len() {
		return nil, fmt.Errorf("%w: validation fold empty", ErrInsufficientData)
	}
	trainIdx := make([]int, cut)
	valIdx := make([]int, ds.Len()-cut)
	for i := range trainIdx {
		trainIdx[i] = i
	}
	for i := range valIdx {
		valIdx[i] = cut + i
	}
	valFold := ds.Subset(valIdx)
	if countPositives(valFold.Y) == 0 {
		return nil, fmt.Errorf("%w: validation fold has no positives", ErrInsufficientData)
	}

	seed := t.cfg.Seed
	if seed == 0 {
		seed = asOf.UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	trainFold := Resample(ds.Subset(trainIdx), t.cfg.TargetPositiveRatio, rng)

	valLabels := make([]int, valFold.Len())
	for i, y := range valFold.Y {
		if y > 0.5 {
			valLabels[i] = 1
		}
	}

	var learners [3]model.Learner
	var learnerScores [3][]float64
	for i, kind := range model.Kinds {
		best, scores, auc, err := t.searchLearner(ctx, kind, trainFold, valFold, valLabels, rng)
		if err != nil {
			return nil, err
		}
		learners[i] = best
		learnerScores[i] = scores
		t.logger.Info("learner search complete", "kind", kind, "val_auc", auc)
	}

	weights, ensScores := blendWeights(learnerScores, valLabels)
	valAUC := AUC(ensScores, valLabels)

	if valAUC < t.cfg.AUCSanityFloor {
		return nil, fmt.Errorf("%w: %.4f < %.4f", ErrValidationFloor, valAUC, t.cfg.AUCSanityFloor)
	}
	if prev := t.handle.Load(); prev != nil {
		floor := prev.Meta.ValidationAUC - t.cfg.MaxAUCRegression
		if valAUC < floor {
			return nil, fmt.Errorf("%w: %.4f < %.4f (active v%d at %.4f)",
				ErrAUCRegression, valAUC, floor, prev.Version, prev.Meta.ValidationAUC)
		}
	}

	var threshold, f1 float64
	switch t.cfg.ThresholdStrategy {
	case "precision_target":
		threshold, f1 = ThresholdPrecisionTarget(ensScores, valLabels, t.cfg.PrecisionTarget)
	default:
		threshold, f1 = ThresholdF1Max(ensScores, valLabels)
	}

	// The wall-clock cap may have fired between the last search and here; a
	// capped run keeps the prior artifact active.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	version, err := t.artifacts.NextVersion()
	if err != nil {
		return nil, err
	}
	art := &model.Artifact{
		Version:       version,
		SchemaVersion: types.SchemaVersion,
		Weights:       weights,
		Threshold:     threshold,
		Learners:      learners,
		Meta: model.Metadata{
			RunID:         uuid.NewString(),
			TrainedAt:     time.Now().UTC(),
			WindowDays:    t.cfg.WindowDays,
			Samples:       len(rows),
			ClassRatio:    classRatio,
			ValidationAUC: valAUC,
			ValidationF1:  f1,
		},
	}
	if err := t.artifacts.Publish(art); err != nil {
		return nil, err
	}
	t.handle.Swap(art)
	t.metrics.SetModelVersion(version)

	t.checkDrift(art, asOf)

	t.logger.Info("artifact published",
		"version", version,
		"val_auc", valAUC,
		"threshold", threshold,
		"weights", weights,
		"samples", len(rows),
		"class_ratio", classRatio,
		"run_id", art.Meta.RunID)
	return art, nil
}

// loadWindow concatenates labelled rows from the last windowDays partitions
// up to and including asOf, oldest first.
func (t *Trainer) loadWindow(asOf time.Time, windowDays int) ([]history.TrainingRow, error) {
	var out []history.TrainingRow
	for d := windowDays - 1; d >= 0; d-- {
		date := asOf.In(t.loc).AddDate(0, 0, -d).Format(history.DateFormat)
		rows, err := t.hist.LoadLabeled(date, types.SchemaVersion)
		if err != nil {
			return nil, err
		}
		out = append(out, rows...)
	}
	return out, nil
}

// buildDataset converts rows into the learner input layout with
// exponential time-decay weights: decay^daysAgo.
func (t *Trainer) buildDataset(rows []history.TrainingRow, asOf time.Time) *model.Dataset {
	ds := &model.Dataset{
		X: make([][]float64, len(rows)),
		Y: make([]float64, len(rows)),
		W: make([]float64, len(rows)),
	}
	day := asOf.In(t.loc).Truncate(24 * time.Hour)
	for i, r := range rows {
		ds.X[i] = model.Inputs(r.Vector)
		ds.Y[i] = float64(r.Label)
		daysAgo := day.Sub(r.Timestamp.In(t.loc).Truncate(24*time.Hour)).Hours() / 24
		if daysAgo < 0 {
			daysAgo = 0
		}
		ds.W[i] = math.Pow(t.cfg.DecayPerDay, daysAgo)
	}
	return ds
}

// searchLearner runs the random search for one family: up to Trials
// candidates, stopping after EarlyStop consecutive non-improvements.
// Returns the best fitted learner with its validation scores. A context
// expiry aborts the whole run, fitted candidates notwithstanding.
func (t *Trainer) searchLearner(ctx context.Context, kind model.Kind, train, val *model.Dataset, valLabels []int, rng *rand.Rand) (model.Learner, []float64, float64, error) {
	var best model.Learner
	var bestScores []float64
	bestAUC := math.Inf(-1)
	sinceImproved := 0

	for trial := 0; trial < t.cfg.Trials; trial++ {
		if err := ctx.Err(); err != nil {
			return nil, nil, 0, fmt.Errorf("trainer: %s search interrupted: %w", kind, err)
		}
		cand, err := model.NewLearner(kind, drawParams(kind, rng))
		if err != nil {
			return nil, nil, 0, err
		}
		if err := cand.Fit(train, rng); err != nil {
			return nil, nil, 0, fmt.Errorf("fit %s trial %d: %w", kind, trial, err)
		}
		scores := make([]float64, val.Len())
		for i, x := range val.X {
			scores[i] = cand.PredictProba(x)
		}
		auc := AUC(scores, valLabels)
		if auc > bestAUC {
			bestAUC = auc
			best = cand
			bestScores = scores
			sinceImproved = 0
		} else {
			sinceImproved++
			if sinceImproved >= t.cfg.EarlyStop {
				break
			}
		}
	}
	if best == nil {
		return nil, nil, 0, fmt.Errorf("trainer: no %s candidate fitted", kind)
	}
	return best, bestScores, bestAUC, nil
}

// blendWeights searches the 0.1-grid simplex for the weight vector with the
// highest validation AUC of the blended scores.
func blendWeights(learnerScores [3][]float64, labels []int) ([3]float64, []float64) {
	n := len(labels)
	bestAUC := math.Inf(-1)
	var bestW [3]float64
	bestScores := make([]float64, n)
	blended := make([]float64, n)

	for _, w := range weightGrid() {
		for i := 0; i < n; i++ {
			blended[i] = w[0]*learnerScores[0][i] + w[1]*learnerScores[1][i] + w[2]*learnerScores[2][i]
		}
		auc := AUC(blended, labels)
		if auc > bestAUC {
			bestAUC = auc
			bestW = w
			copy(bestScores, blended)
		}
	}
	return bestW, bestScores
}

// checkDrift scores the recent and baseline labelled windows with the
// artifact and alerts when the recent AUC sits at least the tolerance
// below the baseline AUC. Reports whether an alert fired.
func (t *Trainer) checkDrift(art *model.Artifact, asOf time.Time) bool {
	recent, rok := t.windowAUC(art, asOf, t.cfg.DriftWindowDays)
	baseline, bok := t.windowAUC(art, asOf, t.cfg.DriftBaselineDays)
	if !rok || !bok {
		return false
	}
	if baseline-recent < t.cfg.DriftTolerance {
		return false
	}
	t.metrics.IncDriftAlert()
	t.logger.Warn("model performance drift",
		"recent_days", t.cfg.DriftWindowDays,
		"recent_auc", recent,
		"baseline_days", t.cfg.DriftBaselineDays,
		"baseline_auc", baseline,
		"tolerance", t.cfg.DriftTolerance)
	return true
}

// windowAUC scores the last `days` labelled partitions with the artifact.
// ok is false on an empty or single-class window.
func (t *Trainer) windowAUC(art *model.Artifact, asOf time.Time, days int) (float64, bool) {
	rows, err := t.loadWindow(asOf, days)
	if err != nil || len(rows) == 0 {
		return 0, false
	}
	scores := make([]float64, len(rows))
	labels := make([]int, len(rows))
	pos := 0
	for i, r := range rows {
		p, _ := art.Predict(model.Inputs(r.Vector))
		scores[i] = p
		labels[i] = r.Label
		pos += r.Label
	}
	if pos == 0 || pos == len(rows) {
		return 0, false
	}
	return AUC(scores, labels), true
}

func countPositives(y []float64) int {
	n := 0
	for _, v := range y {
		if v > 0.5 {
			n++
		}
	}
	return n
}
