package telos

import (
	"fmt"
	"math"
)

// laneWidth is the unroll factor of the vectorized kernels. Lengths that are
// not a multiple of it are finished by a scalar tail loop.
const laneWidth = 8

// ============================================================================
// Public dense similarity functions
// ============================================================================

// CosineSimilarity returns dot(a,b) / (|a|*|b|), clamped to [-1, 1].
//
// Returns ErrEmptyVector for empty input, ErrDimensionMismatch when the
// lengths differ and ErrZeroMagnitude when either vector is all zeros.
func CosineSimilarity(a, b []float32) (float32, error) {
	if err := checkPair(a, b); err != nil {
		return 0, err
	}
	return cosineKernel(a, b, dotUnrolled)
}

// DotProduct returns sum(a[i]*b[i]).
func DotProduct(a, b []float32) (float32, error) {
	if err := checkPair(a, b); err != nil {
		return 0, err
	}
	return float32(dotUnrolled(a, b)), nil
}

// EuclideanDistance returns sqrt(sum((a[i]-b[i])^2)).
func EuclideanDistance(a, b []float32) (float32, error) {
	if err := checkPair(a, b); err != nil {
		return 0, err
	}
	return float32(math.Sqrt(sqDistUnrolled(a, b))), nil
}

// Magnitude returns the L2 norm of v.
func Magnitude(v []float32) (float32, error) {
	if len(v) == 0 {
		return 0, ErrEmptyVector
	}
	return float32(math.Sqrt(dotUnrolled(v, v))), nil
}

// NormalizeInPlace scales v to unit length.
// Returns ErrZeroMagnitude for an all-zero vector and leaves it unchanged.
func NormalizeInPlace(v []float32) error {
	if len(v) == 0 {
		return ErrEmptyVector
	}
	norm := math.Sqrt(dotUnrolled(v, v))
	if norm == 0 {
		return ErrZeroMagnitude
	}
	scale := 1 / norm
	for i := range v {
		v[i] = float32(float64(v[i]) * scale)
	}
	return nil
}

// Normalized returns a unit-length copy of v.
func Normalized(v []float32) ([]float32, error) {
	out := append([]float32(nil), v...)
	if err := NormalizeInPlace(out); err != nil {
		return nil, err
	}
	return out, nil
}

func checkPair(a, b []float32) error {
	if len(a) == 0 || len(b) == 0 {
		return ErrEmptyVector
	}
	if len(a) != len(b) {
		return fmt.Errorf("%w: %d vs %d", ErrDimensionMismatch, len(a), len(b))
	}
	return nil
}

func cosineKernel(a, b []float32, dot func(a, b []float32) float64) (float32, error) {
	na := dot(a, a)
	nb := dot(b, b)
	if na == 0 || nb == 0 {
		return 0, ErrZeroMagnitude
	}
	c := dot(a, b) / (math.Sqrt(na) * math.Sqrt(nb))
	return clampUnit(float32(c)), nil
}

func clampUnit(c float32) float32 {
	if c > 1 {
		return 1
	}
	if c < -1 {
		return -1
	}
	return c
}

// ============================================================================
// Kernels
// ============================================================================

// dotScalar is the reference implementation.
func dotScalar(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// dotUnrolled processes eight lanes per iteration with independent
// accumulators so the compiler can keep them in registers.
func dotUnrolled(a, b []float32) float64 {
	n := len(a)
	b = b[:n]
	var s0, s1, s2, s3, s4, s5, s6, s7 float64
	i := 0
	for ; i+laneWidth <= n; i += laneWidth {
		s0 += float64(a[i]) * float64(b[i])
		s1 += float64(a[i+1]) * float64(b[i+1])
		s2 += float64(a[i+2]) * float64(b[i+2])
		s3 += float64(a[i+3]) * float64(b[i+3])
		s4 += float64(a[i+4]) * float64(b[i+4])
		s5 += float64(a[i+5]) * float64(b[i+5])
		s6 += float64(a[i+6]) * float64(b[i+6])
		s7 += float64(a[i+7]) * float64(b[i+7])
	}
	sum := (s0 + s1) + (s2 + s3) + (s4 + s5) + (s6 + s7)
	for ; i < n; i++ {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

func sqDistScalar(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return sum
}

func sqDistUnrolled(a, b []float32) float64 {
	n := len(a)
	b = b[:n]
	var s0, s1, s2, s3, s4, s5, s6, s7 float64
	i := 0
	for ; i+laneWidth <= n; i += laneWidth {
		d0 := float64(a[i]) - float64(b[i])
		d1 := float64(a[i+1]) - float64(b[i+1])
		d2 := float64(a[i+2]) - float64(b[i+2])
		d3 := float64(a[i+3]) - float64(b[i+3])
		d4 := float64(a[i+4]) - float64(b[i+4])
		d5 := float64(a[i+5]) - float64(b[i+5])
		d6 := float64(a[i+6]) - float64(b[i+6])
		d7 := float64(a[i+7]) - float64(b[i+7])
		s0 += d0 * d0
		s1 += d1 * d1
		s2 += d2 * d2
		s3 += d3 * d3
		s4 += d4 * d4
		s5 += d5 * d5
		s6 += d6 * d6
		s7 += d7 * d7
	}
	sum := (s0 + s1) + (s2 + s3) + (s4 + s5) + (s6 + s7)
	for ; i < n; i++ {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return sum
}
