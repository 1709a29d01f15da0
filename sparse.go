package telos

import (
	"fmt"
	"math"
)

// BM25 defaults.
const (
	// DefaultBM25K1 controls term frequency saturation.
	DefaultBM25K1 = 1.2
	// DefaultBM25B controls document length normalization.
	DefaultBM25B = 0.75
)

// BM25Params holds the BM25 tuning constants.
type BM25Params struct {
	K1 float64 `yaml:"k1"`
	B  float64 `yaml:"b"`
}

// DefaultBM25Params returns k1=1.2, b=0.75.
func DefaultBM25Params() BM25Params {
	return BM25Params{K1: DefaultBM25K1, B: DefaultBM25B}
}

// CorpusStats are the collection-level statistics BM25 needs. They are
// supplied by the caller (usually a SparseInvertedIndex) rather than
// computed per comparison.
type CorpusStats struct {
	DocCount     int
	AvgDocLength float64
	// DocFreq maps a vocabulary index to the number of documents that
	// contain it.
	DocFreq map[uint32]int
}

// SparseDotProduct merge-joins two sorted sparse vectors.
// Cost is O(nnz(a) + nnz(b)).
func SparseDotProduct(a, b SparseVector) (float32, error) {
	if err := validatePair(a, b); err != nil {
		return 0, err
	}
	return float32(sparseDot(a, b)), nil
}

// SparseCosineSimilarity is dot(a,b) / (|a|*|b|) with norms taken over the
// stored entries only.
func SparseCosineSimilarity(a, b SparseVector) (float32, error) {
	if err := validatePair(a, b); err != nil {
		return 0, err
	}
	na, nb := sparseNorm(a), sparseNorm(b)
	if na == 0 || nb == 0 {
		return 0, ErrZeroMagnitude
	}
	return clampUnit(float32(sparseDot(a, b) / (na * nb))), nil
}

// JaccardSimilarity is |A ∩ B| / |A ∪ B| over the sets of active indices.
// Two empty vectors score 1; exactly one empty vector scores 0.
func JaccardSimilarity(a, b SparseVector) (float32, error) {
	if err := validatePair(a, b); err != nil {
		return 0, err
	}
	if a.Nnz() == 0 && b.Nnz() == 0 {
		return 1, nil
	}
	if a.Nnz() == 0 || b.Nnz() == 0 {
		return 0, nil
	}
	inter := 0
	i, j := 0, 0
	for i < len(a.Indices) && j < len(b.Indices) {
		switch {
		case a.Indices[i] == b.Indices[j]:
			inter++
			i++
			j++
		case a.Indices[i] < b.Indices[j]:
			i++
		default:
			j++
		}
	}
	union := a.Nnz() + b.Nnz() - inter
	return float32(inter) / float32(union), nil
}

// BM25Score scores doc against the terms of query. Query values are ignored
// except as presence markers; doc values are treated as term frequencies and
// the document length is the sum of doc values.
func BM25Score(query, doc SparseVector, stats CorpusStats, params BM25Params) (float32, error) {
	if err := validatePair(query, doc); err != nil {
		return 0, err
	}
	if stats.DocCount <= 0 {
		return 0, fmt.Errorf("%w: corpus has no documents", ErrEmptyVector)
	}
	var docLen float64
	for _, v := range doc.Values {
		docLen += float64(v)
	}
	var score float64
	i, j := 0, 0
	for i < len(query.Indices) && j < len(doc.Indices) {
		switch {
		case query.Indices[i] == doc.Indices[j]:
			term := query.Indices[i]
			score += bm25Term(float64(doc.Values[j]), docLen, stats.AvgDocLength,
				float64(stats.DocCount), float64(stats.DocFreq[term]), params)
			i++
			j++
		case query.Indices[i] < doc.Indices[j]:
			i++
		default:
			j++
		}
	}
	return float32(score), nil
}

// bm25Term is the contribution of a single matched term:
//
//	idf = ln((N - df + 0.5) / (df + 0.5) + 1)
//	tf' = tf * (k1 + 1) / (tf + k1 * (1 - b + b * docLen/avgDocLen))
func bm25Term(tf, docLen, avgDocLen, n, df float64, p BM25Params) float64 {
	idf := math.Log((n-df+0.5)/(df+0.5) + 1.0)
	lenNorm := 1.0
	if avgDocLen > 0 {
		lenNorm = 1 - p.B + p.B*(docLen/avgDocLen)
	}
	return idf * (tf * (p.K1 + 1)) / (tf + p.K1*lenNorm)
}

func validatePair(a, b SparseVector) error {
	if err := a.Validate(); err != nil {
		return err
	}
	return b.Validate()
}

func sparseDot(a, b SparseVector) float64 {
	var sum float64
	i, j := 0, 0
	for i < len(a.Indices) && j < len(b.Indices) {
		switch {
		case a.Indices[i] == b.Indices[j]:
			sum += float64(a.Values[i]) * float64(b.Values[j])
			i++
			j++
		case a.Indices[i] < b.Indices[j]:
			i++
		default:
			j++
		}
	}
	return sum
}

func sparseNorm(v SparseVector) float64 {
	var sum float64
	for _, x := range v.Values {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}
