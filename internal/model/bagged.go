// bagged.go implements the third base learner: bootstrap-aggregated trees
// with per-split feature subsampling, probabilities by averaging the
// weighted positive fraction at each tree's leaves.
package model

import (
	"fmt"
	"math/rand"
)

// BaggedTrees is a bagging ensemble over mean-fit trees.
type BaggedTrees struct {
	P     Params      `json:"params"`
	Trees []*TreeNode `json:"trees"`
}

func (b *BaggedTrees) Kind() Kind { return KindBagged }

// Fit grows P.Rounds trees, each on a bootstrap sample (with replacement,
// P.Subsample × n rows), splitting on variance reduction with leaves
// holding the weighted positive fraction.
func (b *BaggedTrees) Fit(ds *Dataset, rng *rand.Rand) error {
	if err := ds.Validate(); err != nil {
		return err
	}
	n := ds.Len()
	if n == 0 {
		return fmt.Errorf("model: empty dataset")
	}

	cfg := treeConfig{
		maxDepth:       b.P.MaxDepth,
		minSamplesLeaf: b.P.MinSamplesLeaf,
		lambda:         b.P.Lambda,
		featureFrac:    b.P.FeatureFraction,
		leafSign:       1,
	}

	// Mean fit: grad carries w·y, hess carries w, so leaves are weighted
	// positive fractions and splits reduce weighted variance.
	grad := make([]float64, n)
	hess := make([]float64, n)
	for i := 0; i < n; i++ {
		w := ds.Weight(i)
		grad[i] = w * ds.Y[i]
		hess[i] = w
	}

	size := n
	if b.P.Subsample > 0 && b.P.Subsample < 1 {
		size = int(b.P.Subsample * float64(n))
		if size < 1 {
			size = 1
		}
	}

	b.Trees = b.Trees[:0]
	for t := 0; t < b.P.Rounds; t++ {
		rows := make([]int, size)
		for i := range rows {
			if rng != nil {
				rows[i] = rng.Intn(n)
			} else {
				rows[i] = i % n
			}
		}
		b.Trees = append(b.Trees, buildTree(ds.X, grad, hess, rows, cfg, rng))
	}
	return nil
}

// PredictProba averages tree outputs, clamped to [0, 1].
func (b *BaggedTrees) PredictProba(x []float64) float64 {
	if len(b.Trees) == 0 {
		return 0.5
	}
	var sum float64
	for _, t := range b.Trees {
		sum += t.Predict(x)
	}
	p := sum / float64(len(b.Trees))
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}
