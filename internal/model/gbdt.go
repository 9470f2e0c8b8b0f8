// gbdt.go implements gradient-boosted trees on logistic loss. One type
// covers both GBDT family members; the Hist flag switches the split search
// (exact greedy, depth-wise vs histogram-binned, leaf-wise), which makes
// them genuinely different estimators, not the same model twice.
package model

import (
	"fmt"
	"math/rand"
)

// GBDT is a boosted ensemble of regression trees over log-odds.
type GBDT struct {
	P     Params      `json:"params"`
	Hist  bool        `json:"hist"`
	Base  float64     `json:"base"` // prior log-odds
	Trees []*TreeNode `json:"trees"`
}

func (g *GBDT) Kind() Kind {
	if g.Hist {
		return KindGBDTHist
	}
	return KindGBDTExact
}

// Fit boosts P.Rounds trees with Newton steps: per round, gradients
// g=p−y and hessians h=p(1−p) (sample weights folded in), a tree fit to
// them, and shrunken leaf updates added to the running log-odds.
func (g *GBDT) Fit(ds *Dataset, rng *rand.Rand) error {
	if err := ds.Validate(); err != nil {
		return err
	}
	n := ds.Len()
	if n == 0 {
		return fmt.Errorf("model: empty dataset")
	}

	// Prior: weighted base rate in log-odds.
	var posW, totW float64
	for i := 0; i < n; i++ {
		w := ds.Weight(i)
		totW += w
		if ds.Y[i] > 0.5 {
			posW += w
		}
	}
	g.Base = logit(posW / totW)
	g.Trees = g.Trees[:0]

	cfg := treeConfig{
		maxDepth:       g.P.MaxDepth,
		minSamplesLeaf: g.P.MinSamplesLeaf,
		lambda:         g.P.Lambda,
		featureFrac:    g.P.FeatureFraction,
		leafSign:       -1,
	}
	if g.Hist {
		cfg.bins = g.P.Bins
		cfg.maxLeaves = g.P.MaxLeaves
	}

	score := make([]float64, n)
	for i := range score {
		score[i] = g.Base
	}
	grad := make([]float64, n)
	hess := make([]float64, n)

	for round := 0; round < g.P.Rounds; round++ {
		for i := 0; i < n; i++ {
			p := sigmoid(score[i])
			w := ds.Weight(i)
			grad[i] = w * (p - ds.Y[i])
			hess[i] = w * p * (1 - p)
		}

		rows := sampleRows(n, g.P.Subsample, rng)
		tree := buildTree(ds.X, grad, hess, rows, cfg, rng)
		g.Trees = append(g.Trees, tree)

		for i := 0; i < n; i++ {
			score[i] += g.P.LearningRate * tree.Predict(ds.X[i])
		}
	}
	return nil
}

// PredictProba returns the positive-class probability for one input row.
func (g *GBDT) PredictProba(x []float64) float64 {
	z := g.Base
	for _, t := range g.Trees {
		z += g.P.LearningRate * t.Predict(x)
	}
	return sigmoid(z)
}

// sampleRows draws a row subset without replacement; frac ≤ 0 or ≥ 1
// keeps all rows.
func sampleRows(n int, frac float64, rng *rand.Rand) []int {
	all := make([]int, n)
	for i := range all {
		all[i] = i
	}
	if frac <= 0 || frac >= 1 || rng == nil {
		return all
	}
	k := int(frac * float64(n))
	if k < 1 {
		k = 1
	}
	rng.Shuffle(n, func(i, j int) { all[i], all[j] = all[j], all[i] })
	return all[:k]
}
