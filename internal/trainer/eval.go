// eval.go holds validation metrics: rank AUC and precision/recall derived
// thresholds.
package trainer

import (
	"sort"
)

// AUC computes the area under the ROC curve as the Mann-Whitney rank
// statistic, with average ranks over tied scores. Returns 0.5 when either
// class is absent.
func AUC(scores []float64, labels []int) float64 {
	n := len(scores)
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return scores[order[a]] < scores[order[b]] })

	var pos, neg int
	for _, y := range labels {
		if y == 1 {
			pos++
		} else {
			neg++
		}
	}
	if pos == 0 || neg == 0 {
		return 0.5
	}

	// Sum of positive ranks, averaging within tie groups.
	var rankSum float64
	i := 0
	for i < n {
		j := i
		for j < n && scores[order[j]] == scores[order[i]] {
			j++
		}
		avgRank := float64(i+j+1) / 2 // 1-based ranks i+1 .. j
		for k := i; k < j; k++ {
			if labels[order[k]] == 1 {
				rankSum += avgRank
			}
		}
		i = j
	}
	p := float64(pos)
	return (rankSum - p*(p+1)/2) / (p * float64(neg))
}

// prPoint is one operating point on the precision/recall curve.
type prPoint struct {
	threshold float64
	precision float64
	recall    float64
}

// prCurve sweeps every distinct score as a candidate threshold, descending.
func prCurve(scores []float64, labels []int) []prPoint {
	n := len(scores)
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return scores[order[a]] > scores[order[b]] })

	var totalPos int
	for _, y := range labels {
		if y == 1 {
			totalPos++
		}
	}
	if totalPos == 0 {
		return nil
	}

	var points []prPoint
	tp, fp := 0, 0
	for i := 0; i < n; i++ {
		idx := order[i]
		if labels[idx] == 1 {
			tp++
		} else {
			fp++
		}
		// Only emit at score boundaries so ties share one point.
		if i+1 < n && scores[order[i+1]] == scores[idx] {
			continue
		}
		points = append(points, prPoint{
			threshold: scores[idx],
			precision: float64(tp) / float64(tp+fp),
			recall:    float64(tp) / float64(totalPos),
		})
	}
	return points
}

// ThresholdF1Max picks the threshold maximising F1 on the validation fold.
// Falls back to 0.5 when the curve is degenerate.
func ThresholdF1Max(scores []float64, labels []int) (threshold, f1 float64) {
	points := prCurve(scores, labels)
	threshold = 0.5
	for _, pt := range points {
		if pt.precision+pt.recall == 0 {
			continue
		}
		f := 2 * pt.precision * pt.recall / (pt.precision + pt.recall)
		if f > f1 {
			f1 = f
			threshold = pt.threshold
		}
	}
	threshold = clampThreshold(threshold)
	return threshold, f1
}

// ThresholdPrecisionTarget picks the lowest threshold whose precision still
// meets the target, maximising recall at that precision. Falls back to the
// F1-max threshold when no point reaches the target.
func ThresholdPrecisionTarget(scores []float64, labels []int, target float64) (threshold, f1 float64) {
	points := prCurve(scores, labels)
	found := false
	var best prPoint
	for _, pt := range points {
		if pt.precision >= target && (!found || pt.recall > best.recall) {
			best = pt
			found = true
		}
	}
	if !found {
		return ThresholdF1Max(scores, labels)
	}
	if best.precision+best.recall > 0 {
		f1 = 2 * best.precision * best.recall / (best.precision + best.recall)
	}
	return clampThreshold(best.threshold), f1
}

// clampThreshold keeps the published threshold strictly inside (0, 1).
func clampThreshold(t float64) float64 {
	const eps = 1e-6
	if t <= 0 {
		return eps
	}
	if t >= 1 {
		return 1 - eps
	}
	return t
}
