// learner.go defines the capability contract every base learner satisfies
// and the envelope that serialises them. Model families are a small variant
// type, not a hierarchy: the trainer constructs by kind, the artifact
// stores kind + parameters + fitted state.
package model

import (
	"encoding/json"
	"fmt"
	"math/rand"
)

// Kind identifies a base-learner family.
type Kind string

const (
	KindGBDTExact Kind = "gbdt_exact" // boosted trees, exact greedy splits, depth-wise
	KindGBDTHist  Kind = "gbdt_hist"  // boosted trees, histogram splits, leaf-wise
	KindBagged    Kind = "bagged"     // bootstrap-aggregated trees, probability averaging
)

// Kinds lists the ensemble's base learners in artifact order.
var Kinds = [3]Kind{KindGBDTExact, KindGBDTHist, KindBagged}

// Params are the tunable hyperparameters shared across learner families;
// each family reads the subset it understands.
type Params struct {
	Rounds          int     `json:"rounds"`           // boosting rounds / bagged tree count
	LearningRate    float64 `json:"learning_rate"`    // boosting shrinkage
	MaxDepth        int     `json:"max_depth"`
	MaxLeaves       int     `json:"max_leaves"`       // hist variant, leaf-wise budget
	MinSamplesLeaf  int     `json:"min_samples_leaf"`
	Lambda          float64 `json:"lambda"`           // L2 on leaf values
	Bins            int     `json:"bins"`             // hist variant
	Subsample       float64 `json:"subsample"`        // row fraction per tree
	FeatureFraction float64 `json:"feature_fraction"` // column fraction per split
}

// Learner is the capability contract: fit on a dataset, produce a
// positive-class probability, round-trip through JSON.
type Learner interface {
	Kind() Kind
	Fit(ds *Dataset, rng *rand.Rand) error
	PredictProba(x []float64) float64
}

// NewLearner constructs an unfitted learner of the given kind.
func NewLearner(kind Kind, p Params) (Learner, error) {
	switch kind {
	case KindGBDTExact:
		return &GBDT{P: p, Hist: false}, nil
	case KindGBDTHist:
		return &GBDT{P: p, Hist: true}, nil
	case KindBagged:
		return &BaggedTrees{P: p}, nil
	default:
		return nil, fmt.Errorf("model: unknown learner kind %q", kind)
	}
}

// envelope wraps a learner with its kind for serialisation.
type envelope struct {
	Kind Kind            `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// MarshalLearner serialises a fitted learner.
func MarshalLearner(l Learner) ([]byte, error) {
	data, err := json.Marshal(l)
	if err != nil {
		return nil, fmt.Errorf("marshal %s learner: %w", l.Kind(), err)
	}
	return json.Marshal(envelope{Kind: l.Kind(), Data: data})
}

// UnmarshalLearner restores a learner from its envelope. Restored learners
// score byte-identically to the originals: all state is float64 trees.
func UnmarshalLearner(data []byte) (Learner, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal learner envelope: %w", err)
	}
	var l Learner
	switch env.Kind {
	case KindGBDTExact, KindGBDTHist:
		l = &GBDT{}
	case KindBagged:
		l = &BaggedTrees{}
	default:
		return nil, fmt.Errorf("model: unknown learner kind %q", env.Kind)
	}
	if err := json.Unmarshal(env.Data, l); err != nil {
		return nil, fmt.Errorf("unmarshal %s learner: %w", env.Kind, err)
	}
	return l, nil
}
