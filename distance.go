package telos

import (
	"errors"
	"math"
)

// ErrUnknownDistanceKind is returned when an unknown distance kind is provided to NewDistance.
var ErrUnknownDistanceKind = errors.New("unknown distance kind")

// DistanceKind selects the metric a dense index navigates by.
//
// Indexes work on distances (lower is closer) internally and convert to a
// similarity score (higher is better) at the result boundary using
// Distance.Similarity, so every index reports scores on the same axis as the
// comparator.
type DistanceKind string

const (
	// Cosine distance is 1 - cosine similarity. Vectors are normalized on
	// insert so Calculate reduces to a dot product. Range [0, 2].
	Cosine DistanceKind = "cosine"

	// Euclidean (L2) distance. Similarity is 1 / (1 + d).
	Euclidean DistanceKind = "l2"

	// L2Squared avoids the sqrt; ordering matches Euclidean.
	L2Squared DistanceKind = "l2_squared"
)

var (
	cosineDistanceImpl    = cosine{}
	euclideanDistanceImpl = euclidean{}
	l2SquaredDistanceImpl = l2Squared{}
)

// Distance is a stateless dense metric used by HNSWIndex and FlatIndex.
type Distance interface {
	// Calculate returns the distance between two equal-length vectors that
	// have already been passed through Preprocess.
	Calculate(a, b []float32) float32

	// Similarity maps a distance produced by Calculate onto a score where
	// higher means more similar. For cosine this is the cosine similarity.
	Similarity(d float32) float32

	// PreprocessInPlace prepares a vector for storage (normalization for
	// cosine, no-op otherwise).
	PreprocessInPlace(v []float32) error

	// Preprocess returns a prepared copy, leaving v untouched.
	Preprocess(v []float32) ([]float32, error)
}

// NewDistance returns the singleton implementation for kind.
func NewDistance(kind DistanceKind) (Distance, error) {
	switch kind {
	case Cosine:
		return cosineDistanceImpl, nil
	case Euclidean:
		return euclideanDistanceImpl, nil
	case L2Squared:
		return l2SquaredDistanceImpl, nil
	default:
		return nil, ErrUnknownDistanceKind
	}
}

type cosine struct{}

// Calculate assumes unit vectors: 1 - dot(a, b).
func (cosine) Calculate(a, b []float32) float32 {
	return 1 - clampUnit(float32(dotUnrolled(a, b)))
}

func (cosine) Similarity(d float32) float32 { return 1 - d }

func (cosine) PreprocessInPlace(v []float32) error { return NormalizeInPlace(v) }

func (cosine) Preprocess(v []float32) ([]float32, error) { return Normalized(v) }

type euclidean struct{}

func (euclidean) Calculate(a, b []float32) float32 {
	return float32(math.Sqrt(sqDistUnrolled(a, b)))
}

func (euclidean) Similarity(d float32) float32 { return 1 / (1 + d) }

func (euclidean) PreprocessInPlace([]float32) error { return nil }

func (euclidean) Preprocess(v []float32) ([]float32, error) {
	return append([]float32(nil), v...), nil
}

type l2Squared struct{}

func (l2Squared) Calculate(a, b []float32) float32 {
	return float32(sqDistUnrolled(a, b))
}

func (l2Squared) Similarity(d float32) float32 { return 1 / (1 + float32(math.Sqrt(float64(d)))) }

func (l2Squared) PreprocessInPlace([]float32) error { return nil }

func (l2Squared) Preprocess(v []float32) ([]float32, error) {
	return append([]float32(nil), v...), nil
}
