// tree.go is the shared regression-tree machinery behind all three base
// learners. Trees are grown on gradient/hessian statistics so the same
// builder serves Newton boosting (g = p−y, h = p(1−p), leaf = −G/(H+λ))
// and mean fitting for bagging (g = y, h = 1, leaf = +G/H). Two split
// searches exist: exact greedy over sorted unique values, and histogram
// binning with leaf-wise growth.
package model

import (
	"math"
	"math/rand"
	"sort"
)

// TreeNode is one node of a serialisable regression tree. Rows with
// x[Feature] < Threshold descend left.
type TreeNode struct {
	Feature   int       `json:"f,omitempty"`
	Threshold float64   `json:"t,omitempty"`
	Left      *TreeNode `json:"l,omitempty"`
	Right     *TreeNode `json:"r,omitempty"`
	Leaf      bool      `json:"leaf,omitempty"`
	Value     float64   `json:"v"`
}

// Predict descends to a leaf.
func (n *TreeNode) Predict(x []float64) float64 {
	for !n.Leaf {
		if x[n.Feature] < n.Threshold {
			n = n.Left
		} else {
			n = n.Right
		}
	}
	return n.Value
}

// treeConfig parameterises one tree build.
type treeConfig struct {
	maxDepth       int
	maxLeaves      int // 0: depth-wise only
	minSamplesLeaf int
	lambda         float64
	bins           int     // 0: exact split search
	featureFrac    float64 // fraction of features considered per split; 0 = all
	leafSign       float64 // −1 for Newton boosting, +1 for mean fit
	minGain        float64
}

// nodeStats accumulates the gradient/hessian sums for a node.
type nodeStats struct {
	g, h float64
}

func (s nodeStats) score(lambda float64) float64 {
	return s.g * s.g / (s.h + lambda)
}

func (s nodeStats) leafValue(cfg treeConfig) float64 {
	return cfg.leafSign * s.g / (s.h + cfg.lambda)
}

// split is one candidate partition of a node.
type split struct {
	feature   int
	threshold float64
	gain      float64
	left      []int
	right     []int
	lStats    nodeStats
	rStats    nodeStats
}

// buildTree grows one tree over the given rows. grad and hess are
// per-sample statistics with weights already folded in.
func buildTree(X [][]float64, grad, hess []float64, rows []int, cfg treeConfig, rng *rand.Rand) *TreeNode {
	total := sum(grad, hess, rows)
	root := &TreeNode{Leaf: true, Value: total.leafValue(cfg)}
	if cfg.maxLeaves > 0 {
		growLeafWise(X, grad, hess, rows, root, total, cfg, rng)
		return root
	}
	growDepthWise(X, grad, hess, rows, root, total, cfg, rng, 0)
	return root
}

func growDepthWise(X [][]float64, grad, hess []float64, rows []int, node *TreeNode, stats nodeStats, cfg treeConfig, rng *rand.Rand, depth int) {
	if depth >= cfg.maxDepth || len(rows) < 2*cfg.minSamplesLeaf {
		return
	}
	sp, ok := bestSplit(X, grad, hess, rows, stats, cfg, rng)
	if !ok {
		return
	}
	applySplit(node, sp, cfg)
	growDepthWise(X, grad, hess, sp.left, node.Left, sp.lStats, cfg, rng, depth+1)
	growDepthWise(X, grad, hess, sp.right, node.Right, sp.rStats, cfg, rng, depth+1)
}

// growLeafWise expands the highest-gain leaf first until maxLeaves is
// reached, the hist-GBDT growth strategy.
func growLeafWise(X [][]float64, grad, hess []float64, rows []int, root *TreeNode, total nodeStats, cfg treeConfig, rng *rand.Rand) {
	type candidate struct {
		node  *TreeNode
		rows  []int
		stats nodeStats
		depth int
	}
	open := []candidate{{node: root, rows: rows, stats: total}}
	leaves := 1

	for leaves < cfg.maxLeaves && len(open) > 0 {
		bestIdx := -1
		var bestSp split
		for i, c := range open {
			if c.depth >= cfg.maxDepth || len(c.rows) < 2*cfg.minSamplesLeaf {
				continue
			}
			sp, ok := bestSplit(X, grad, hess, c.rows, c.stats, cfg, rng)
			if ok && (bestIdx == -1 || sp.gain > bestSp.gain) {
				bestIdx = i
				bestSp = sp
			}
		}
		if bestIdx == -1 {
			return
		}
		c := open[bestIdx]
		applySplit(c.node, bestSp, cfg)
		open = append(open[:bestIdx], open[bestIdx+1:]...)
		open = append(open,
			candidate{node: c.node.Left, rows: bestSp.left, stats: bestSp.lStats, depth: c.depth + 1},
			candidate{node: c.node.Right, rows: bestSp.right, stats: bestSp.rStats, depth: c.depth + 1},
		)
		leaves++
	}
}

func applySplit(node *TreeNode, sp split, cfg treeConfig) {
	node.Leaf = false
	node.Feature = sp.feature
	node.Threshold = sp.threshold
	node.Value = 0
	node.Left = &TreeNode{Leaf: true, Value: sp.lStats.leafValue(cfg)}
	node.Right = &TreeNode{Leaf: true, Value: sp.rStats.leafValue(cfg)}
}

// bestSplit searches all sampled features for the highest-gain partition.
func bestSplit(X [][]float64, grad, hess []float64, rows []int, total nodeStats, cfg treeConfig, rng *rand.Rand) (split, bool) {
	features := sampleFeatures(len(X[0]), cfg.featureFrac, rng)
	var best split
	found := false
	for _, f := range features {
		var sp split
		var ok bool
		if cfg.bins > 0 {
			sp, ok = bestSplitHist(X, grad, hess, rows, f, total, cfg)
		} else {
			sp, ok = bestSplitExact(X, grad, hess, rows, f, total, cfg)
		}
		if ok && (!found || sp.gain > best.gain) {
			best = sp
			found = true
		}
	}
	if !found {
		return split{}, false
	}
	best.left, best.right = partition(X, rows, best.feature, best.threshold)
	best.lStats = sum(grad, hess, best.left)
	best.rStats = sum(grad, hess, best.right)
	return best, true
}

// bestSplitExact scans sorted unique values of one feature.
func bestSplitExact(X [][]float64, grad, hess []float64, rows []int, f int, total nodeStats, cfg treeConfig) (split, bool) {
	order := make([]int, len(rows))
	copy(order, rows)
	sort.Slice(order, func(i, j int) bool { return X[order[i]][f] < X[order[j]][f] })

	var left nodeStats
	var best split
	found := false
	for i := 0; i < len(order)-1; i++ {
		r := order[i]
		left.g += grad[r]
		left.h += hess[r]
		v, next := X[r][f], X[order[i+1]][f]
		if v == next {
			continue
		}
		if i+1 < cfg.minSamplesLeaf || len(order)-i-1 < cfg.minSamplesLeaf {
			continue
		}
		right := nodeStats{g: total.g - left.g, h: total.h - left.h}
		gain := left.score(cfg.lambda) + right.score(cfg.lambda) - total.score(cfg.lambda)
		if gain > cfg.minGain && (!found || gain > best.gain) {
			best = split{feature: f, threshold: (v + next) / 2, gain: gain}
			found = true
		}
	}
	return best, found
}

// bestSplitHist bins one feature uniformly between node min and max and
// scans bin boundaries.
func bestSplitHist(X [][]float64, grad, hess []float64, rows []int, f int, total nodeStats, cfg treeConfig) (split, bool) {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, r := range rows {
		v := X[r][f]
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	if hi <= lo {
		return split{}, false
	}

	gs := make([]float64, cfg.bins)
	hs := make([]float64, cfg.bins)
	counts := make([]int, cfg.bins)
	width := (hi - lo) / float64(cfg.bins)
	for _, r := range rows {
		b := int((X[r][f] - lo) / width)
		if b >= cfg.bins {
			b = cfg.bins - 1
		}
		gs[b] += grad[r]
		hs[b] += hess[r]
		counts[b]++
	}

	var left nodeStats
	leftCount := 0
	var best split
	found := false
	for b := 0; b < cfg.bins-1; b++ {
		left.g += gs[b]
		left.h += hs[b]
		leftCount += counts[b]
		if leftCount < cfg.minSamplesLeaf || len(rows)-leftCount < cfg.minSamplesLeaf {
			continue
		}
		right := nodeStats{g: total.g - left.g, h: total.h - left.h}
		gain := left.score(cfg.lambda) + right.score(cfg.lambda) - total.score(cfg.lambda)
		if gain > cfg.minGain && (!found || gain > best.gain) {
			best = split{feature: f, threshold: lo + width*float64(b+1), gain: gain}
			found = true
		}
	}
	return best, found
}

func partition(X [][]float64, rows []int, f int, threshold float64) (left, right []int) {
	for _, r := range rows {
		if X[r][f] < threshold {
			left = append(left, r)
		} else {
			right = append(right, r)
		}
	}
	return left, right
}

func sum(grad, hess []float64, rows []int) nodeStats {
	var s nodeStats
	for _, r := range rows {
		s.g += grad[r]
		s.h += hess[r]
	}
	return s
}

// sampleFeatures returns the feature columns considered for one split.
func sampleFeatures(width int, frac float64, rng *rand.Rand) []int {
	all := make([]int, width)
	for i := range all {
		all[i] = i
	}
	if frac <= 0 || frac >= 1 || rng == nil {
		return all
	}
	k := int(math.Ceil(frac * float64(width)))
	rng.Shuffle(width, func(i, j int) { all[i], all[j] = all[j], all[i] })
	return all[:k]
}

func sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}

// logit is the inverse sigmoid, clamped away from 0 and 1.
func logit(p float64) float64 {
	const eps = 1e-6
	if p < eps {
		p = eps
	}
	if p > 1-eps {
		p = 1 - eps
	}
	return math.Log(p / (1 - p))
}
