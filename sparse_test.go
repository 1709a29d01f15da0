package telos

import (
	"errors"
	"math"
	"testing"
)

func TestSparseDotProduct_Self(t *testing.T) {
	rng := newTestRand(20)
	for trial := 0; trial < 10; trial++ {
		v := randomSparse(rng, 1000, 1+rng.IntN(50))
		var want float64
		for _, x := range v.Values {
			want += float64(x) * float64(x)
		}
		got, err := SparseDotProduct(v, v)
		if err != nil {
			t.Fatalf("SparseDotProduct() error: %v", err)
		}
		if math.Abs(float64(got)-want) > 1e-4 {
			t.Errorf("dot(v,v) = %v, want %v", got, want)
		}
	}
}

func TestSparseDotProduct_Overlap(t *testing.T) {
	a := SparseVector{Indices: []uint32{1, 4, 9}, Values: []float32{1, 2, 3}}
	b := SparseVector{Indices: []uint32{0, 4, 9, 12}, Values: []float32{5, 0.5, 2, 7}}
	got, err := SparseDotProduct(a, b)
	if err != nil {
		t.Fatalf("SparseDotProduct() error: %v", err)
	}
	if got != 7 {
		t.Errorf("SparseDotProduct() = %v, want 7", got)
	}
}

func TestSparse_Disjoint(t *testing.T) {
	a := SparseVector{Indices: []uint32{1, 3, 5}, Values: []float32{1, 1, 1}}
	b := SparseVector{Indices: []uint32{2, 4, 6}, Values: []float32{1, 1, 1}}

	dot, err := SparseDotProduct(a, b)
	if err != nil || dot != 0 {
		t.Errorf("disjoint dot = %v, %v; want 0", dot, err)
	}
	j, err := JaccardSimilarity(a, b)
	if err != nil || j != 0 {
		t.Errorf("disjoint jaccard = %v, %v; want 0", j, err)
	}
	c, err := SparseCosineSimilarity(a, b)
	if err != nil || c != 0 {
		t.Errorf("disjoint cosine = %v, %v; want 0", c, err)
	}
}

func TestJaccardSimilarity(t *testing.T) {
	empty := SparseVector{}
	v := SparseVector{Indices: []uint32{1, 2, 3, 4}, Values: []float32{1, 1, 1, 1}}
	w := SparseVector{Indices: []uint32{3, 4, 5, 6}, Values: []float32{9, 9, 9, 9}}

	tests := []struct {
		name string
		a, b SparseVector
		want float32
	}{
		{"self", v, v, 1},
		{"half overlap", v, w, 2.0 / 6.0},
		{"both empty", empty, empty, 1},
		{"one empty", v, empty, 0},
		{"other empty", empty, w, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := JaccardSimilarity(tt.a, tt.b)
			if err != nil {
				t.Fatalf("JaccardSimilarity() error: %v", err)
			}
			if math.Abs(float64(got-tt.want)) > 1e-6 {
				t.Errorf("JaccardSimilarity() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSparseCosineSimilarity(t *testing.T) {
	a := SparseVector{Indices: []uint32{0, 7}, Values: []float32{3, 4}}
	got, err := SparseCosineSimilarity(a, a)
	if err != nil || math.Abs(float64(got)-1) > 1e-6 {
		t.Errorf("cos(a,a) = %v, %v; want 1", got, err)
	}
	if _, err := SparseCosineSimilarity(a, SparseVector{}); !errors.Is(err, ErrZeroMagnitude) {
		t.Errorf("empty side: got %v, want ErrZeroMagnitude", err)
	}
}

func TestSparse_RejectsUnsorted(t *testing.T) {
	bad := SparseVector{Indices: []uint32{4, 2}, Values: []float32{1, 1}}
	ok := SparseVector{Indices: []uint32{1}, Values: []float32{1}}
	if _, err := SparseDotProduct(bad, ok); !errors.Is(err, ErrUnsortedSparse) {
		t.Errorf("SparseDotProduct: got %v, want ErrUnsortedSparse", err)
	}
	if _, err := JaccardSimilarity(ok, bad); !errors.Is(err, ErrUnsortedSparse) {
		t.Errorf("JaccardSimilarity: got %v, want ErrUnsortedSparse", err)
	}
}

func TestBM25Score(t *testing.T) {
	stats := CorpusStats{
		DocCount:     10,
		AvgDocLength: 4,
		DocFreq:      map[uint32]int{1: 1, 2: 9},
	}
	query := SparseVector{Indices: []uint32{1, 2}, Values: []float32{1, 1}}
	rare := SparseVector{Indices: []uint32{1}, Values: []float32{2}}
	common := SparseVector{Indices: []uint32{2}, Values: []float32{2}}

	sRare, err := BM25Score(query, rare, stats, DefaultBM25Params())
	if err != nil {
		t.Fatalf("BM25Score() error: %v", err)
	}
	sCommon, err := BM25Score(query, common, stats, DefaultBM25Params())
	if err != nil {
		t.Fatalf("BM25Score() error: %v", err)
	}
	if sRare <= sCommon {
		t.Errorf("rare term score %v should beat common term score %v", sRare, sCommon)
	}

	none := SparseVector{Indices: []uint32{7}, Values: []float32{3}}
	if s, _ := BM25Score(query, none, stats, DefaultBM25Params()); s != 0 {
		t.Errorf("no shared terms: score = %v, want 0", s)
	}
	if _, err := BM25Score(query, rare, CorpusStats{}, DefaultBM25Params()); err == nil {
		t.Error("empty corpus: expected error")
	}
}
