// Package model implements the ensemble used for presurge scoring: three
// base learners behind one capability contract (fit, predict probability,
// serialise), the immutable published artifact, and the atomic handle the
// inference engine reads it through.
package model

import (
	"fmt"

	"surgewatch/pkg/types"
)

// InputWidth is the learner input dimension: every feature value followed
// by its mask bit as 0/1, so trees can split on missingness directly.
const InputWidth = 2 * types.FeatureCount

// Inputs flattens a feature vector into the learner input layout. Masked
// entries carry the zero sentinel plus a set mask bit.
func Inputs(v types.FeatureVector) []float64 {
	x := make([]float64, InputWidth)
	for i := 0; i < types.FeatureCount; i++ {
		x[i] = v.Values[i]
		if v.Masked[i] {
			x[types.FeatureCount+i] = 1
		}
	}
	return x
}

// InputName returns the feature name for an input column; mask columns get
// a ":masked" suffix.
func InputName(col int) string {
	if col < types.FeatureCount {
		return types.FeatureNames[col]
	}
	return types.FeatureNames[col-types.FeatureCount] + ":masked"
}

// Dataset is a training matrix with binary targets and per-sample weights.
type Dataset struct {
	X [][]float64
	Y []float64 // 0 or 1
	W []float64 // non-negative; nil means uniform
}

// Len returns the sample count.
func (d *Dataset) Len() int { return len(d.X) }

// Weight returns sample i's weight, defaulting to 1.
func (d *Dataset) Weight(i int) float64 {
	if d.W == nil {
		return 1
	}
	return d.W[i]
}

// PositiveRatio returns the unweighted share of positive targets.
func (d *Dataset) PositiveRatio() float64 {
	if len(d.Y) == 0 {
		return 0
	}
	var pos float64
	for _, y := range d.Y {
		if y > 0.5 {
			pos++
		}
	}
	return pos / float64(len(d.Y))
}

// Validate checks shape invariants before fitting.
func (d *Dataset) Validate() error {
	if len(d.X) != len(d.Y) {
		return fmt.Errorf("model: X rows %d != Y rows %d", len(d.X), len(d.Y))
	}
	if d.W != nil && len(d.W) != len(d.Y) {
		return fmt.Errorf("model: W rows %d != Y rows %d", len(d.W), len(d.Y))
	}
	for i, row := range d.X {
		if len(row) != InputWidth {
			return fmt.Errorf("model: row %d width %d != %d", i, len(row), InputWidth)
		}
	}
	return nil
}

// Subset returns a view over the given row indices (rows are shared).
func (d *Dataset) Subset(idx []int) *Dataset {
	out := &Dataset{
		X: make([][]float64, len(idx)),
		Y: make([]float64, len(idx)),
	}
	if d.W != nil {
		out.W = make([]float64, len(idx))
	}
	for i, j := range idx {
		out.X[i] = d.X[j]
		out.Y[i] = d.Y[j]
		if d.W != nil {
			out.W[i] = d.W[j]
		}
	}
	return out
}
