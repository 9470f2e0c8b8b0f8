// resample.go rebalances the training fold toward a target positive ratio.
// Validation folds are never resampled; metrics stay honest.
package trainer

import (
	"math/rand"
	"sort"

	"surgewatch/internal/model"
)

// maxOversample caps minority duplication at this multiple of the original
// positive count; the rest of the rebalancing comes from trimming the
// majority.
const maxOversample = 3

// Resample rebalances toward the target positive ratio with combined
// over-sampling of the minority class and a light under-sampling of the
// majority. Duplicates are drawn with probability proportional to the
// sample weights, so heavily weighted recent positives are replicated
// most. Every original minority row is kept, and rows stay in
// chronological order so the time-decay weights remain aligned.
func Resample(ds *model.Dataset, target float64, rng *rand.Rand) *model.Dataset {
	if target <= 0 || target >= 1 {
		return ds
	}
	var pos, neg []int
	for i, y := range ds.Y {
		if y > 0.5 {
			pos = append(pos, i)
		} else {
			neg = append(neg, i)
		}
	}
	if len(pos) == 0 || len(neg) == 0 {
		return ds
	}
	if float64(len(pos))/float64(len(pos)+len(neg)) >= target {
		return ds
	}

	// Duplicate positives first, up to the count that would hit the target
	// against the full majority or the oversample cap, whichever is lower.
	wantPos := int(target / (1 - target) * float64(len(neg)))
	if limit := maxOversample * len(pos); wantPos > limit {
		wantPos = limit
	}
	kept := append([]int(nil), pos...)
	kept = append(kept, weightedDraw(pos, ds, wantPos-len(pos), rng)...)

	// Then lightly trim the majority for the remainder.
	if float64(len(kept))/float64(len(kept)+len(neg)) < target {
		keepNeg := int(float64(len(kept)) * (1 - target) / target)
		if keepNeg < 1 {
			keepNeg = 1
		}
		if keepNeg < len(neg) {
			rng.Shuffle(len(neg), func(i, j int) { neg[i], neg[j] = neg[j], neg[i] })
			neg = neg[:keepNeg]
		}
	}
	kept = append(kept, neg...)
	// Restore chronological order; duplicated indices stay adjacent.
	sort.Ints(kept)
	return ds.Subset(kept)
}

// weightedDraw samples n indices from idx with replacement, each drawn
// with probability proportional to its sample weight.
func weightedDraw(idx []int, ds *model.Dataset, n int, rng *rand.Rand) []int {
	if n <= 0 {
		return nil
	}
	cum := make([]float64, len(idx))
	total := 0.0
	for i, j := range idx {
		total += ds.Weight(j)
		cum[i] = total
	}
	out := make([]int, 0, n)
	for k := 0; k < n; k++ {
		var i int
		if total > 0 {
			i = sort.SearchFloat64s(cum, rng.Float64()*total)
		} else {
			i = rng.Intn(len(idx))
		}
		if i >= len(idx) {
			i = len(idx) - 1
		}
		out = append(out, idx[i])
	}
	return out
}
