// search.go draws random hyperparameter candidates per learner family.
package trainer

import (
	"math/rand"

	"surgewatch/internal/model"
)

// drawParams samples one candidate from the family's search space.
func drawParams(kind model.Kind, rng *rand.Rand) model.Params {
	switch kind {
	case model.KindGBDTExact:
		return model.Params{
			Rounds:          30 + rng.Intn(71), // 30..100
			LearningRate:    0.03 + rng.Float64()*0.17,
			MaxDepth:        3 + rng.Intn(4), // 3..6
			MinSamplesLeaf:  5 + rng.Intn(26),
			Lambda:          0.5 + rng.Float64()*4.5,
			Subsample:       0.6 + rng.Float64()*0.4,
			FeatureFraction: 0.6 + rng.Float64()*0.4,
		}
	case model.KindGBDTHist:
		return model.Params{
			Rounds:          30 + rng.Intn(71),
			LearningRate:    0.03 + rng.Float64()*0.17,
			MaxDepth:        4 + rng.Intn(5),  // deeper, leaf budget restrains it
			MaxLeaves:       8 + rng.Intn(25), // 8..32
			MinSamplesLeaf:  5 + rng.Intn(26),
			Lambda:          0.5 + rng.Float64()*4.5,
			Bins:            32 + rng.Intn(4)*32, // 32, 64, 96, 128
			Subsample:       0.6 + rng.Float64()*0.4,
			FeatureFraction: 0.6 + rng.Float64()*0.4,
		}
	case model.KindBagged:
		return model.Params{
			Rounds:          50 + rng.Intn(101), // tree count 50..150
			MaxDepth:        5 + rng.Intn(6),
			MinSamplesLeaf:  3 + rng.Intn(18),
			Lambda:          0.1 + rng.Float64()*1.9,
			Subsample:       0.5 + rng.Float64()*0.5,
			FeatureFraction: 0.4 + rng.Float64()*0.5,
		}
	default:
		return model.Params{}
	}
}

// weightGrid enumerates every non-negative 3-weight combination on a 0.1
// grid summing to 1.
func weightGrid() [][3]float64 {
	var out [][3]float64
	for a := 0; a <= 10; a++ {
		for b := 0; a+b <= 10; b++ {
			c := 10 - a - b
			out = append(out, [3]float64{float64(a) / 10, float64(b) / 10, float64(c) / 10})
		}
	}
	return out
}
