package telos

import (
	"errors"
	"math"
	"testing"
)

func newTestSparseIndex(t *testing.T, scoring SparseScoring) *SparseInvertedIndex {
	t.Helper()
	idx, err := NewSparseInvertedIndex(E13Splade, 100, SparseConfig{Scoring: scoring})
	if err != nil {
		t.Fatalf("NewSparseInvertedIndex() error: %v", err)
	}
	return idx
}

func TestSparseInvertedIndex_DotMatchesBruteForce(t *testing.T) {
	rng := newTestRand(70)
	idx := newTestSparseIndex(t, SparseDot)
	docs := make([]SparseVector, 60)
	for i := range docs {
		docs[i] = randomSparse(rng, 100, 8)
		if err := idx.Add(uint32(i+1), SparseOutput(docs[i])); err != nil {
			t.Fatal(err)
		}
	}

	q := randomSparse(rng, 100, 10)
	hits, err := idx.NewSearch().WithQuery(SparseOutput(q)).WithK(0).Execute()
	if err != nil {
		t.Fatal(err)
	}
	assertHitsOrdered(t, hits)

	matched := 0
	for i, d := range docs {
		want, _ := SparseDotProduct(q, d)
		if want > 0 {
			matched++
		}
		for _, h := range hits {
			if h.DocID == uint32(i+1) && math.Abs(float64(h.Score-want)) > 1e-5 {
				t.Errorf("doc %d: index %v, brute force %v", h.DocID, h.Score, want)
			}
		}
	}
	if len(hits) != matched {
		t.Errorf("index returned %d docs, %d share a term", len(hits), matched)
	}
	if got := idx.TermCandidates(q).GetCardinality(); int(got) != matched {
		t.Errorf("TermCandidates() = %d docs, want %d", got, matched)
	}
}

func TestSparseInvertedIndex_BM25MatchesScore(t *testing.T) {
	rng := newTestRand(71)
	idx := newTestSparseIndex(t, SparseBM25)
	docs := make([]SparseVector, 30)
	for i := range docs {
		docs[i] = randomSparse(rng, 100, 12)
		if err := idx.Add(uint32(i+1), SparseOutput(docs[i])); err != nil {
			t.Fatal(err)
		}
	}

	stats := idx.CorpusStats()
	if stats.DocCount != 30 {
		t.Fatalf("CorpusStats().DocCount = %d", stats.DocCount)
	}
	q := randomSparse(rng, 100, 6)
	hits, err := idx.NewSearch().WithQuery(SparseOutput(q)).WithK(0).Execute()
	if err != nil {
		t.Fatal(err)
	}
	for _, h := range hits {
		want, err := BM25Score(q, docs[h.DocID-1], stats, DefaultBM25Params())
		if err != nil {
			t.Fatal(err)
		}
		if math.Abs(float64(h.Score-want)) > 1e-4 {
			t.Errorf("doc %d: index %v, BM25Score %v", h.DocID, h.Score, want)
		}
	}
}

func TestSparseInvertedIndex_Remove(t *testing.T) {
	idx := newTestSparseIndex(t, SparseDot)
	a := SparseVector{Indices: []uint32{1, 5}, Values: []float32{1, 2}}
	b := SparseVector{Indices: []uint32{5, 9}, Values: []float32{3, 1}}
	if err := idx.AddBatch([]uint32{1, 2}, []EmbedderOutput{SparseOutput(a), SparseOutput(b)}); err != nil {
		t.Fatal(err)
	}
	if err := idx.Add(1, SparseOutput(b)); !errors.Is(err, ErrDuplicateID) {
		t.Errorf("duplicate add: got %v", err)
	}

	if err := idx.Remove(1); err != nil {
		t.Fatal(err)
	}
	stats := idx.CorpusStats()
	if stats.DocCount != 1 || stats.DocFreq[1] != 0 || stats.DocFreq[5] != 1 {
		t.Errorf("CorpusStats() after remove = %+v", stats)
	}
	if math.Abs(stats.AvgDocLength-4) > 1e-9 {
		t.Errorf("AvgDocLength = %v, want 4", stats.AvgDocLength)
	}

	hits, _ := idx.NewSearch().WithQuery(SparseOutput(SparseVector{Indices: []uint32{1, 5}, Values: []float32{1, 1}})).Execute()
	if len(hits) != 1 || hits[0].DocID != 2 || hits[0].Score != 3 {
		t.Errorf("hits after remove = %+v", hits)
	}
	if err := idx.Optimize(); err != nil {
		t.Fatal(err)
	}
}

func TestSparseInvertedIndex_Errors(t *testing.T) {
	if _, err := NewSparseInvertedIndex(E1Semantic, 10, SparseConfig{}); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("dense embedder: got %v", err)
	}
	if _, err := NewSparseInvertedIndex(E6Sparse, 10, SparseConfig{Scoring: "tfidf"}); err == nil {
		t.Error("unknown scoring accepted")
	}
	idx := newTestSparseIndex(t, SparseDot)
	out := SparseOutput(SparseVector{Indices: []uint32{100}, Values: []float32{1}})
	if err := idx.Add(1, out); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("index outside vocabulary: got %v", err)
	}
	hits, err := idx.NewSearch().WithQuery(SparseOutput(SparseVector{})).Execute()
	if err != nil || len(hits) != 0 {
		t.Errorf("empty query on empty index: %v, %v", hits, err)
	}
}

func TestSparseInvertedIndex_CosineMatchesComparator(t *testing.T) {
	rng := newTestRand(72)
	idx, err := NewSparseInvertedIndex(E13Splade, 100, DefaultSparseConfig())
	if err != nil {
		t.Fatal(err)
	}
	if idx.Scoring() != SparseCosine || !idx.Scoring().Bounded() {
		t.Fatalf("default scoring = %s, want bounded cosine", idx.Scoring())
	}
	docs := make([]SparseVector, 40)
	for i := range docs {
		docs[i] = randomSparse(rng, 100, 8)
		if err := idx.Add(uint32(i+1), SparseOutput(docs[i])); err != nil {
			t.Fatal(err)
		}
	}

	hits, err := idx.NewSearch().WithQuery(SparseOutput(docs[6])).WithK(0).Execute()
	if err != nil {
		t.Fatal(err)
	}
	assertHitsOrdered(t, hits)
	if hits[0].DocID != 7 || math.Abs(float64(hits[0].Score)-1) > 1e-6 {
		t.Errorf("self hit = %+v, want doc 7 at 1", hits[0])
	}
	for _, h := range hits {
		if h.Score > 1 {
			t.Errorf("doc %d scored %v above 1", h.DocID, h.Score)
		}
		want, _ := SparseCosineSimilarity(docs[6], docs[h.DocID-1])
		if math.Abs(float64(h.Score-want)) > 1e-6 {
			t.Errorf("doc %d: index %v, SparseCosineSimilarity %v", h.DocID, h.Score, want)
		}
	}

	if err := idx.Remove(7); err != nil {
		t.Fatal(err)
	}
	hits, _ = idx.NewSearch().WithQuery(SparseOutput(docs[6])).WithK(1).Execute()
	if len(hits) == 1 && hits[0].DocID == 7 {
		t.Error("removed doc still returned")
	}

	zero := SparseVector{Indices: []uint32{3}, Values: []float32{0}}
	if _, err := idx.NewSearch().WithQuery(SparseOutput(zero)).Execute(); !errors.Is(err, ErrZeroMagnitude) {
		t.Errorf("zero-magnitude query: got %v", err)
	}
	if SparseDot.Bounded() || SparseBM25.Bounded() {
		t.Error("dot and bm25 reported as bounded")
	}
}
