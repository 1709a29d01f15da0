package telos

import (
	"fmt"
	"math"

	"github.com/bits-and-blooms/bitset"
)

// MaxSim is the late-interaction score of doc for query: for every query
// token take the best cosine similarity against any document token, then
// average over query tokens.
//
// MaxSim is asymmetric. MaxSim(q, d) != MaxSim(d, q) in general; callers
// must pass the query side first. An all-zero token on either side is
// ErrZeroMagnitude.
func MaxSim(query, doc [][]float32) (float32, error) {
	if len(query) == 0 || len(doc) == 0 {
		return 0, ErrEmptyVector
	}
	dim := len(query[0])
	for i, t := range query {
		if len(t) != dim {
			return 0, fmt.Errorf("%w: query token %d len %d, want %d", ErrDimensionMismatch, i, len(t), dim)
		}
	}
	for i, t := range doc {
		if len(t) != dim {
			return 0, fmt.Errorf("%w: doc token %d len %d, want %d", ErrDimensionMismatch, i, len(t), dim)
		}
	}

	docNorms := make([]float64, len(doc))
	for i, t := range doc {
		docNorms[i] = math.Sqrt(dotUnrolled(t, t))
		if docNorms[i] == 0 {
			return 0, fmt.Errorf("%w: doc token %d", ErrZeroMagnitude, i)
		}
	}

	var total float64
	for _, q := range query {
		qn := math.Sqrt(dotUnrolled(q, q))
		if qn == 0 {
			return 0, ErrZeroMagnitude
		}
		best := math.Inf(-1)
		for i, d := range doc {
			if c := dotUnrolled(q, d) / (qn * docNorms[i]); c > best {
				best = c
			}
		}
		total += best
	}
	return clampUnit(float32(total / float64(len(query)))), nil
}

// HammingSimilarity is 1 - hamming(a,b)/width for equal-width bit codes.
func HammingSimilarity(a, b *bitset.BitSet) (float32, error) {
	if a == nil || b == nil {
		return 0, ErrEmptyVector
	}
	if a.Len() != b.Len() {
		return 0, fmt.Errorf("%w: width %d vs %d", ErrDimensionMismatch, a.Len(), b.Len())
	}
	if a.Len() == 0 {
		return 0, ErrEmptyVector
	}
	dist := a.SymmetricDifferenceCardinality(b)
	return 1 - float32(dist)/float32(a.Len()), nil
}

// HammingDistance counts differing bits.
func HammingDistance(a, b *bitset.BitSet) (uint, error) {
	if a == nil || b == nil {
		return 0, ErrEmptyVector
	}
	if a.Len() != b.Len() {
		return 0, fmt.Errorf("%w: width %d vs %d", ErrDimensionMismatch, a.Len(), b.Len())
	}
	return a.SymmetricDifferenceCardinality(b), nil
}

// OutputSimilarity compares two outputs of embedder e with the metric for
// its shape: cosine for dense, sparse cosine for sparse, MaxSim (a as query)
// for token-level and Hamming similarity for binary.
func OutputSimilarity(e Embedder, a, b EmbedderOutput) (float32, error) {
	shape := e.Shape()
	if a.Shape != shape || b.Shape != shape {
		return 0, &SimilarityError{Embedder: e, Err: ErrShapeMismatch}
	}
	var (
		s   float32
		err error
	)
	switch shape {
	case ShapeDense:
		s, err = CosineSimilarity(a.Dense, b.Dense)
	case ShapeSparse:
		s, err = SparseCosineSimilarity(a.Sparse, b.Sparse)
	case ShapeTokenLevel:
		s, err = MaxSim(a.Tokens, b.Tokens)
	case ShapeBinary:
		s, err = HammingSimilarity(a.Binary, b.Binary)
	}
	if err != nil {
		return 0, &SimilarityError{Embedder: e, Err: err}
	}
	return s, nil
}
