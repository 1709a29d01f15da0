package telos

import (
	"fmt"
	"math"
)

// EmbedderScores holds up to thirteen per-embedder similarities. An
// embedder that was not evaluated is absent, which is distinct from a score
// of zero.
type EmbedderScores struct {
	scores  [NumEmbedders]float32
	present [NumEmbedders]bool
}

// Set records a score for e.
func (s *EmbedderScores) Set(e Embedder, v float32) {
	s.scores[e] = v
	s.present[e] = true
}

// Get returns e's score and whether it was evaluated.
func (s *EmbedderScores) Get(e Embedder) (float32, bool) {
	return s.scores[e], s.present[e]
}

// Has reports whether e was evaluated.
func (s *EmbedderScores) Has(e Embedder) bool { return s.present[e] }

// Count returns the number of evaluated embedders.
func (s *EmbedderScores) Count() int {
	n := 0
	for _, p := range s.present {
		if p {
			n++
		}
	}
	return n
}

// Evaluated lists evaluated embedders in index order.
func (s *EmbedderScores) Evaluated() []Embedder {
	out := make([]Embedder, 0, NumEmbedders)
	for i, p := range s.present {
		if p {
			out = append(out, Embedder(i))
		}
	}
	return out
}

// Array returns all thirteen slots with nil for absent embedders.
func (s *EmbedderScores) Array() [NumEmbedders]*float32 {
	var out [NumEmbedders]*float32
	for i, p := range s.present {
		if p {
			v := s.scores[i]
			out[i] = &v
		}
	}
	return out
}

// coherence is 1 - variance of the evaluated scores clamped to [0,1].
// It needs at least two scores.
func (s *EmbedderScores) coherence() (float32, bool) {
	n := s.Count()
	if n < 2 {
		return 0, false
	}
	var mean float64
	for i, p := range s.present {
		if p {
			mean += float64(s.scores[i])
		}
	}
	mean /= float64(n)
	var variance float64
	for i, p := range s.present {
		if p {
			d := float64(s.scores[i]) - mean
			variance += d * d
		}
	}
	variance /= float64(n)
	return float32(math.Max(0, math.Min(1, 1-variance))), true
}

// ComparisonKind names the strategy variant of a ComparisonType.
type ComparisonKind string

const (
	ComparisonSingle   ComparisonKind = "single"
	ComparisonGroup    ComparisonKind = "group"
	ComparisonWeighted ComparisonKind = "weighted"
	ComparisonMatrix   ComparisonKind = "matrix"
)

// ComparisonType selects how two arrays are compared. Exactly one variant
// is populated; build one with CompareSingle, CompareGroup, CompareWeighted
// or CompareMatrix.
type ComparisonType struct {
	kind     ComparisonKind
	embedder Embedder
	group    EmbedderGroup
	weights  EmbedderWeights
	matrix   SearchMatrix
}

// CompareSingle compares one embedder.
func CompareSingle(e Embedder) ComparisonType {
	return ComparisonType{kind: ComparisonSingle, embedder: e}
}

// CompareGroup compares the group's embedders with equal weight.
func CompareGroup(g EmbedderGroup) ComparisonType {
	return ComparisonType{kind: ComparisonGroup, group: g}
}

// CompareWeighted compares every embedder with a non-zero weight.
func CompareWeighted(w EmbedderWeights) ComparisonType {
	return ComparisonType{kind: ComparisonWeighted, weights: w}
}

// CompareMatrix compares with a full 13×13 matrix.
func CompareMatrix(m SearchMatrix) ComparisonType {
	return ComparisonType{kind: ComparisonMatrix, matrix: m}
}

// Kind returns the active variant.
func (c ComparisonType) Kind() ComparisonKind { return c.kind }

// Embedder returns the single-embedder target.
func (c ComparisonType) Embedder() Embedder { return c.embedder }

// Group returns the group target.
func (c ComparisonType) Group() EmbedderGroup { return c.group }

// Weights returns the weight vector.
func (c ComparisonType) Weights() EmbedderWeights { return c.weights }

// Matrix returns the matrix.
func (c ComparisonType) Matrix() SearchMatrix { return c.matrix }

func (c ComparisonType) String() string {
	switch c.kind {
	case ComparisonSingle:
		return fmt.Sprintf("single(%s)", c.embedder)
	case ComparisonGroup:
		return fmt.Sprintf("group(%s)", c.group.Name)
	case ComparisonWeighted:
		return "weighted"
	case ComparisonMatrix:
		if c.matrix.label != "" {
			return fmt.Sprintf("matrix(%s)", c.matrix.label)
		}
		return "matrix"
	}
	return "invalid"
}

// Validate checks the populated variant.
func (c ComparisonType) Validate() error {
	switch c.kind {
	case ComparisonSingle:
		if !c.embedder.Valid() {
			return fmt.Errorf("%w: %v", ErrUnknownEmbedder, c.embedder)
		}
	case ComparisonGroup:
		if len(c.group.Embedders) == 0 {
			return fmt.Errorf("%w: empty group %q", ErrInvalidComparison, c.group.Name)
		}
		for _, e := range c.group.Embedders {
			if !e.Valid() {
				return fmt.Errorf("%w: %v", ErrUnknownEmbedder, e)
			}
		}
	case ComparisonWeighted:
		if !c.weights.IsValid() {
			return fmt.Errorf("%w: weights not constructed through NewEmbedderWeights", ErrInvalidWeights)
		}
	case ComparisonMatrix:
		if err := c.matrix.Validate(); err != nil {
			return err
		}
		if len(c.matrix.ActiveEmbedders()) == 0 {
			return fmt.Errorf("%w: all-zero matrix", ErrNoActiveEmbedders)
		}
	default:
		return ErrInvalidComparison
	}
	return nil
}

// Embedders lists the embedders this comparison must evaluate, in index
// order. Zero-weight embedders are excluded.
func (c ComparisonType) Embedders() []Embedder {
	switch c.kind {
	case ComparisonSingle:
		return []Embedder{c.embedder}
	case ComparisonGroup:
		var set [NumEmbedders]bool
		for _, e := range c.group.Embedders {
			set[e] = true
		}
		out := make([]Embedder, 0, len(c.group.Embedders))
		for i, ok := range set {
			if ok {
				out = append(out, Embedder(i))
			}
		}
		return out
	case ComparisonWeighted:
		return c.weights.Active()
	case ComparisonMatrix:
		return c.matrix.ActiveEmbedders()
	}
	return nil
}

// aggregate folds evaluated per-embedder scores into the strategy's score
// and dominant embedder. ok is false when nothing contributed.
func (c ComparisonType) aggregate(s *EmbedderScores) (score float32, dominant Embedder, ok bool) {
	switch c.kind {
	case ComparisonSingle:
		v, has := s.Get(c.embedder)
		return v, c.embedder, has
	case ComparisonGroup:
		var sum float64
		n := 0
		best := float32(math.Inf(-1))
		for _, e := range c.Embedders() {
			v, has := s.Get(e)
			if !has {
				continue
			}
			sum += float64(v)
			n++
			if v > best {
				best, dominant = v, e
			}
		}
		if n == 0 {
			return 0, 0, false
		}
		return float32(sum / float64(n)), dominant, true
	case ComparisonWeighted:
		var sum float64
		best := float32(math.Inf(-1))
		for _, e := range c.weights.Active() {
			v, has := s.Get(e)
			if !has {
				continue
			}
			contrib := c.weights.Weight(e) * v
			sum += float64(contrib)
			if contrib > best {
				best, dominant = contrib, e
			}
			ok = true
		}
		return float32(sum), dominant, ok
	case ComparisonMatrix:
		score, ok = c.matrix.combine(s)
		if !ok {
			return 0, 0, false
		}
		best := float32(math.Inf(-1))
		for _, e := range s.Evaluated() {
			v, _ := s.Get(e)
			w := c.matrix.cells[e][e]
			if w == 0 {
				continue
			}
			if contrib := w * v; contrib > best {
				best, dominant = contrib, e
			}
		}
		if math.IsInf(float64(best), -1) {
			dominant = s.Evaluated()[0]
		}
		return score, dominant, true
	}
	return 0, 0, false
}

// ComparisonResult is the outcome of comparing two arrays.
type ComparisonResult struct {
	Score       float32
	PerEmbedder EmbedderScores
	Strategy    ComparisonType
	// Coherence is set when two or more embedders were evaluated.
	Coherence *float32
	// Dominant is the embedder contributing most to Score.
	Dominant *Embedder
}
