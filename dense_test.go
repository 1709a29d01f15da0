package telos

import (
	"errors"
	"math"
	"testing"
)

func TestCosineSimilarity_SelfIsOne(t *testing.T) {
	rng := newTestRand(10)
	for _, dim := range []int{1, 3, 8, 15, 16, 127, 1024} {
		v := randomDense(rng, dim)
		got, err := CosineSimilarity(v, v)
		if err != nil {
			t.Fatalf("dim %d: CosineSimilarity() error: %v", dim, err)
		}
		if math.Abs(float64(got)-1) > 1e-6 {
			t.Errorf("dim %d: cos(v,v) = %v, want 1", dim, got)
		}
	}
}

func TestCosineSimilarity_KnownValues(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float32
	}{
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 2, 3}, []float32{-1, -2, -3}, -1},
		{"scaled", []float32{1, 2, 3}, []float32{2, 4, 6}, 1},
		{"45 degrees", []float32{1, 0}, []float32{1, 1}, float32(1 / math.Sqrt2)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CosineSimilarity(tt.a, tt.b)
			if err != nil {
				t.Fatalf("CosineSimilarity() error: %v", err)
			}
			if math.Abs(float64(got-tt.want)) > 1e-6 {
				t.Errorf("CosineSimilarity() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDenseFunctions_DimensionMismatch(t *testing.T) {
	a := []float32{1, 2, 3}
	b := []float32{1, 2}

	if _, err := CosineSimilarity(a, b); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("CosineSimilarity: got %v, want ErrDimensionMismatch", err)
	}
	if _, err := DotProduct(a, b); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("DotProduct: got %v, want ErrDimensionMismatch", err)
	}
	if _, err := EuclideanDistance(a, b); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("EuclideanDistance: got %v, want ErrDimensionMismatch", err)
	}
}

func TestDenseFunctions_Degenerate(t *testing.T) {
	if _, err := CosineSimilarity(nil, nil); !errors.Is(err, ErrEmptyVector) {
		t.Errorf("empty: got %v, want ErrEmptyVector", err)
	}
	if _, err := CosineSimilarity([]float32{0, 0}, []float32{1, 0}); !errors.Is(err, ErrZeroMagnitude) {
		t.Errorf("zero vector: got %v, want ErrZeroMagnitude", err)
	}
	if _, err := Magnitude(nil); !errors.Is(err, ErrEmptyVector) {
		t.Errorf("Magnitude(nil): got %v, want ErrEmptyVector", err)
	}
	v := []float32{0, 0, 0}
	if err := NormalizeInPlace(v); !errors.Is(err, ErrZeroMagnitude) {
		t.Errorf("NormalizeInPlace(zero): got %v, want ErrZeroMagnitude", err)
	}
}

func TestDotProductAndEuclidean(t *testing.T) {
	a := []float32{1, 2, 3}
	b := []float32{4, 5, 6}

	dot, err := DotProduct(a, b)
	if err != nil || dot != 32 {
		t.Errorf("DotProduct() = %v, %v; want 32", dot, err)
	}
	d, err := EuclideanDistance(a, b)
	if err != nil || math.Abs(float64(d)-math.Sqrt(27)) > 1e-6 {
		t.Errorf("EuclideanDistance() = %v, %v; want sqrt(27)", d, err)
	}
	if d, _ := EuclideanDistance(a, a); d != 0 {
		t.Errorf("EuclideanDistance(a, a) = %v, want 0", d)
	}
}

func TestNormalizeInPlace(t *testing.T) {
	v := []float32{3, 4}
	if err := NormalizeInPlace(v); err != nil {
		t.Fatalf("NormalizeInPlace() error: %v", err)
	}
	if math.Abs(float64(v[0])-0.6) > 1e-6 || math.Abs(float64(v[1])-0.8) > 1e-6 {
		t.Errorf("NormalizeInPlace() = %v, want [0.6 0.8]", v)
	}
	m, _ := Magnitude(v)
	if math.Abs(float64(m)-1) > 1e-6 {
		t.Errorf("|v| = %v, want 1", m)
	}

	orig := []float32{1, 1}
	n, err := Normalized(orig)
	if err != nil {
		t.Fatalf("Normalized() error: %v", err)
	}
	if orig[0] != 1 {
		t.Error("Normalized() modified its input")
	}
	if math.Abs(float64(n[0])-1/math.Sqrt2) > 1e-6 {
		t.Errorf("Normalized() = %v", n)
	}
}

// The unrolled kernels must agree with the scalar reference for lengths on
// and off the lane width.
func TestUnrolledKernels_MatchScalar(t *testing.T) {
	rng := newTestRand(11)
	for _, dim := range []int{1, 7, 8, 9, 16, 31, 64, 100, 1023, 1024} {
		for trial := 0; trial < 20; trial++ {
			a := randomDense(rng, dim)
			b := randomDense(rng, dim)

			fast, err := cosineKernel(a, b, dotUnrolled)
			if err != nil {
				t.Fatalf("dim %d: unrolled error: %v", dim, err)
			}
			slow, err := cosineKernel(a, b, dotScalar)
			if err != nil {
				t.Fatalf("dim %d: scalar error: %v", dim, err)
			}
			if math.Abs(float64(fast-slow)) > 1e-5 {
				t.Errorf("dim %d: cosine unrolled %v vs scalar %v", dim, fast, slow)
			}

			du, ds := sqDistUnrolled(a, b), sqDistScalar(a, b)
			if math.Abs(du-ds) > 1e-5*math.Max(1, ds) {
				t.Errorf("dim %d: sqdist unrolled %v vs scalar %v", dim, du, ds)
			}
		}
	}
}

func BenchmarkCosineSimilarity_1024(b *testing.B) {
	rng := newTestRand(12)
	x, y := randomDense(rng, 1024), randomDense(rng, 1024)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = CosineSimilarity(x, y)
	}
}
