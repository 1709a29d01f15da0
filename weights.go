package telos

import (
	"fmt"
	"math"
)

// weightSumTolerance is how far a weight vector may sum from 1.0.
const weightSumTolerance = 0.001

// EmbedderWeights assigns a non-negative weight to each of the thirteen
// embedders. The weights sum to 1.0 within ±0.001.
//
// The zero value is not usable; construct with NewEmbedderWeights,
// UniformWeights, SingleWeight or WeightProfile.
type EmbedderWeights struct {
	w     [NumEmbedders]float32
	valid bool
}

// NewEmbedderWeights validates w and returns the weights.
//
// A negative entry yields a *WeightError naming the embedder; a sum outside
// 1.0 ± 0.001 yields a *WeightError carrying the sum. Both unwrap to
// ErrInvalidWeights.
func NewEmbedderWeights(w [NumEmbedders]float32) (EmbedderWeights, error) {
	var sum float64
	for i, v := range w {
		if v < 0 || math.IsNaN(float64(v)) {
			e := Embedder(i)
			return EmbedderWeights{}, &WeightError{Embedder: &e, Value: v}
		}
		sum += float64(v)
	}
	if math.Abs(sum-1.0) > weightSumTolerance {
		return EmbedderWeights{}, &WeightError{Sum: float32(sum)}
	}
	return EmbedderWeights{w: w, valid: true}, nil
}

// UniformWeights gives every embedder 1/13.
func UniformWeights() EmbedderWeights {
	var w [NumEmbedders]float32
	for i := range w {
		w[i] = 1.0 / NumEmbedders
	}
	return EmbedderWeights{w: w, valid: true}
}

// SingleWeight puts all weight on e.
func SingleWeight(e Embedder) EmbedderWeights {
	var w [NumEmbedders]float32
	w[e] = 1
	return EmbedderWeights{w: w, valid: true}
}

// Weight returns the weight of e.
func (w EmbedderWeights) Weight(e Embedder) float32 { return w.w[e] }

// Values returns a copy of all thirteen weights.
func (w EmbedderWeights) Values() [NumEmbedders]float32 { return w.w }

// IsValid reports whether w came from a validating constructor.
func (w EmbedderWeights) IsValid() bool { return w.valid }

// ActiveSet marks every embedder whose weight is non-zero.
func (w EmbedderWeights) ActiveSet() [NumEmbedders]bool {
	var active [NumEmbedders]bool
	for i, v := range w.w {
		active[i] = v > 0
	}
	return active
}

// Active lists the embedders with non-zero weight in index order.
func (w EmbedderWeights) Active() []Embedder {
	out := make([]Embedder, 0, NumEmbedders)
	for i, v := range w.w {
		if v > 0 {
			out = append(out, Embedder(i))
		}
	}
	return out
}

func (w EmbedderWeights) String() string {
	return fmt.Sprintf("weights%v", w.w)
}

// rescale divides every weight by the sum so they total 1.0.
// A vector summing to zero is left unchanged.
func rescale(w [NumEmbedders]float32) [NumEmbedders]float32 {
	var sum float64
	for _, v := range w {
		sum += float64(v)
	}
	if sum == 0 {
		return w
	}
	for i := range w {
		w[i] = float32(float64(w[i]) / sum)
	}
	return w
}

// ============================================================================
// Named weight profiles
// ============================================================================

// Profiles that rank by meaning leave the temporal embedders (E2..E4) at
// zero; only temporal_search weights them.
var weightProfiles = map[string][NumEmbedders]float32{
	"semantic_search":   {0.33, 0, 0, 0, 0.15, 0.05, 0.05, 0.05, 0.02, 0.15, 0.05, 0.10, 0.05},
	"causal_reasoning":  {0.20, 0, 0, 0, 0.40, 0.03, 0.03, 0.12, 0.02, 0.05, 0.10, 0.03, 0.02},
	"code_search":       {0.15, 0, 0, 0, 0.05, 0.08, 0.40, 0.10, 0.02, 0.03, 0.07, 0.05, 0.05},
	"fact_checking":     {0.25, 0, 0, 0, 0.10, 0.10, 0.02, 0.05, 0.03, 0.05, 0.25, 0.10, 0.05},
	"category_weighted": {0.25, 0, 0, 0, 0.10, 0.05, 0.10, 0.10, 0.05, 0.10, 0.10, 0.10, 0.05},
	"intent_search":     {0.30, 0, 0, 0, 0.10, 0.03, 0.02, 0.05, 0.02, 0.30, 0.05, 0.08, 0.05},
	"intent_enhanced":   {0.25, 0, 0, 0, 0.10, 0.05, 0.02, 0.05, 0.02, 0.35, 0.05, 0.06, 0.05},
	"typo_tolerant":     {0.25, 0, 0, 0, 0.02, 0.15, 0.03, 0.02, 0.22, 0.03, 0.05, 0.05, 0.18},
	"graph_reasoning":   {0.20, 0, 0, 0, 0.10, 0.03, 0.05, 0.40, 0.02, 0.05, 0.10, 0.03, 0.02},
	"temporal_search":   {0.15, 0.20, 0.15, 0.15, 0.05, 0.03, 0.02, 0.05, 0.02, 0.05, 0.03, 0.05, 0.05},
}

// WeightProfile returns a named weighting. "balanced" is UniformWeights.
func WeightProfile(name string) (EmbedderWeights, error) {
	if name == "balanced" {
		return UniformWeights(), nil
	}
	w, ok := weightProfiles[name]
	if !ok {
		return EmbedderWeights{}, fmt.Errorf("%w: weight profile %q", ErrUnknownPreset, name)
	}
	return NewEmbedderWeights(rescale(w))
}

// WeightProfileNames lists the available profiles.
func WeightProfileNames() []string {
	return []string{
		"balanced", "semantic_search", "causal_reasoning", "code_search", "fact_checking",
		"category_weighted", "intent_search", "intent_enhanced", "typo_tolerant",
		"graph_reasoning", "temporal_search",
	}
}
