// Inverted postings index over a sparse embedder (E6, E13).
//
// Every vocabulary index that appears in a document gets a roaring bitmap
// of the documents containing it, plus a per-document weight. A query only
// touches the postings of its own non-zero terms, so cost scales with
// query nnz times average posting length rather than corpus size.
//
// Three scorings are supported:
//
//	cosine: dot(q, d) / (|q| * |d|), bounded to [-1, 1] like the dense
//	        similarities it is fused with
//	dot:    sum over shared terms of q[t] * d[t]
//	bm25: sum over shared terms of idf(t) * tf'(d[t]) with the document's
//	      stored weights treated as term frequencies and the sum of its
//	      weights as its length
package telos

import (
	"fmt"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring"
)

var _ EmbedderIndex = (*SparseInvertedIndex)(nil)

// SparseScoring selects how an inverted index scores matches.
type SparseScoring string

const (
	SparseCosine SparseScoring = "cosine"
	SparseDot    SparseScoring = "dot"
	SparseBM25   SparseScoring = "bm25"
)

// Validate rejects unknown scorings.
func (s SparseScoring) Validate() error {
	switch s {
	case SparseCosine, SparseDot, SparseBM25:
		return nil
	}
	return fmt.Errorf("unknown sparse scoring %q", s)
}

// Bounded reports whether scores stay within [-1, 1].
func (s SparseScoring) Bounded() bool { return s == SparseCosine }

// SparseConfig configures a SparseInvertedIndex.
type SparseConfig struct {
	Scoring SparseScoring `yaml:"scoring"`
	BM25    BM25Params    `yaml:"bm25"`
}

// DefaultSparseConfig scores by cosine, which agrees with the Comparator
// and stays in the same range as every other embedder's similarity. Dot
// and BM25 scores are unbounded and only suit single-embedder ranking.
func DefaultSparseConfig() SparseConfig {
	return SparseConfig{Scoring: SparseCosine, BM25: DefaultBM25Params()}
}

// SparseInvertedIndex is a postings index for one sparse embedder.
type SparseInvertedIndex struct {
	embedder Embedder
	vocab    int
	cfg      SparseConfig

	mu            sync.RWMutex
	postings      map[uint32]*roaring.Bitmap
	weights       map[uint32]map[uint32]float32
	docs          map[uint32]SparseVector
	docLengths    map[uint32]float64
	docNorms      map[uint32]float64
	totalLength   float64
	lastOptimized time.Time
}

// NewSparseInvertedIndex creates an index for sparse embedder e with the
// given vocabulary size.
func NewSparseInvertedIndex(e Embedder, vocab int, cfg SparseConfig) (*SparseInvertedIndex, error) {
	if e.Shape() != ShapeSparse {
		return nil, fmt.Errorf("%w: inverted index needs a sparse embedder, %s is %s", ErrShapeMismatch, e, e.Shape())
	}
	if vocab <= 0 {
		return nil, fmt.Errorf("%w: vocabulary must be positive", ErrInvalidLayout)
	}
	if cfg.Scoring == "" {
		cfg.Scoring = SparseCosine
	}
	if err := cfg.Scoring.Validate(); err != nil {
		return nil, err
	}
	if cfg.BM25 == (BM25Params{}) {
		cfg.BM25 = DefaultBM25Params()
	}
	return &SparseInvertedIndex{
		embedder:   e,
		vocab:      vocab,
		cfg:        cfg,
		postings:   make(map[uint32]*roaring.Bitmap),
		weights:    make(map[uint32]map[uint32]float32),
		docs:       make(map[uint32]SparseVector),
		docLengths: make(map[uint32]float64),
		docNorms:   make(map[uint32]float64),
	}, nil
}

func (ix *SparseInvertedIndex) Embedder() Embedder { return ix.embedder }

func (ix *SparseInvertedIndex) Kind() IndexKind { return InvertedIndexKind }

// Scoring returns the index's scoring.
func (ix *SparseInvertedIndex) Scoring() SparseScoring { return ix.cfg.Scoring }

func (ix *SparseInvertedIndex) check(out EmbedderOutput) error {
	if out.Shape != ShapeSparse {
		return &SimilarityError{Embedder: ix.embedder, Err: ErrShapeMismatch}
	}
	if err := out.Sparse.Validate(); err != nil {
		return &SimilarityError{Embedder: ix.embedder, Err: err}
	}
	if n := out.Sparse.Nnz(); n > 0 && int(out.Sparse.Indices[n-1]) >= ix.vocab {
		return &SimilarityError{
			Embedder: ix.embedder,
			Err:      fmt.Errorf("%w: index %d outside vocabulary %d", ErrDimensionMismatch, out.Sparse.Indices[n-1], ix.vocab),
		}
	}
	return nil
}

func (ix *SparseInvertedIndex) Add(id uint32, out EmbedderOutput) error {
	if err := ix.check(out); err != nil {
		return err
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.addLocked(id, out.Sparse.clone())
}

func (ix *SparseInvertedIndex) AddBatch(ids []uint32, outs []EmbedderOutput) error {
	if len(ids) != len(outs) {
		return fmt.Errorf("%w: %d ids for %d outputs", ErrInvalidQuery, len(ids), len(outs))
	}
	for _, out := range outs {
		if err := ix.check(out); err != nil {
			return err
		}
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for i, id := range ids {
		if err := ix.addLocked(id, outs[i].Sparse.clone()); err != nil {
			return err
		}
	}
	return nil
}

func (ix *SparseInvertedIndex) addLocked(id uint32, sv SparseVector) error {
	if _, exists := ix.docs[id]; exists {
		return fmt.Errorf("%w: doc %d already in %s index", ErrDuplicateID, id, ix.embedder)
	}
	var length float64
	for i, term := range sv.Indices {
		if ix.postings[term] == nil {
			ix.postings[term] = roaring.New()
			ix.weights[term] = make(map[uint32]float32)
		}
		ix.postings[term].Add(id)
		ix.weights[term][id] = sv.Values[i]
		length += float64(sv.Values[i])
	}
	ix.docs[id] = sv
	ix.docLengths[id] = length
	ix.docNorms[id] = sparseNorm(sv)
	ix.totalLength += length
	return nil
}

// Remove drops id from every posting list it appears in.
func (ix *SparseInvertedIndex) Remove(id uint32) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	sv, ok := ix.docs[id]
	if !ok {
		return nil
	}
	for _, term := range sv.Indices {
		if bm := ix.postings[term]; bm != nil {
			bm.Remove(id)
			if bm.IsEmpty() {
				delete(ix.postings, term)
				delete(ix.weights, term)
				continue
			}
		}
		delete(ix.weights[term], id)
	}
	ix.totalLength -= ix.docLengths[id]
	delete(ix.docs, id)
	delete(ix.docLengths, id)
	delete(ix.docNorms, id)
	if len(ix.docs) == 0 {
		ix.totalLength = 0
	}
	return nil
}

func (ix *SparseInvertedIndex) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.docs)
}

// Optimize run-length compresses every posting list.
func (ix *SparseInvertedIndex) Optimize() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for _, bm := range ix.postings {
		bm.RunOptimize()
	}
	ix.lastOptimized = time.Now()
	return nil
}

func (ix *SparseInvertedIndex) Stats() IndexStats {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return IndexStats{
		Embedder:      ix.embedder,
		Kind:          InvertedIndexKind,
		Size:          len(ix.docs),
		LastOptimized: ix.lastOptimized,
	}
}

// CorpusStats snapshots the collection statistics for BM25Score.
func (ix *SparseInvertedIndex) CorpusStats() CorpusStats {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	stats := CorpusStats{
		DocCount: len(ix.docs),
		DocFreq:  make(map[uint32]int, len(ix.postings)),
	}
	if stats.DocCount > 0 {
		stats.AvgDocLength = ix.totalLength / float64(stats.DocCount)
	}
	for term, bm := range ix.postings {
		stats.DocFreq[term] = int(bm.GetCardinality())
	}
	return stats
}

// TermCandidates returns every document sharing at least one term with q.
func (ix *SparseInvertedIndex) TermCandidates(q SparseVector) *roaring.Bitmap {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	bms := make([]*roaring.Bitmap, 0, len(q.Indices))
	for _, term := range q.Indices {
		if bm := ix.postings[term]; bm != nil {
			bms = append(bms, bm)
		}
	}
	if len(bms) == 0 {
		return roaring.New()
	}
	return roaring.FastOr(bms...)
}

func (ix *SparseInvertedIndex) NewSearch() IndexSearch {
	return newIndexSearch(ix.embedder, ix.search)
}

func (ix *SparseInvertedIndex) search(p *searchParams) ([]IndexHit, error) {
	if err := ix.check(p.query); err != nil {
		return nil, err
	}
	q := p.query.Sparse

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	n := float64(len(ix.docs))
	if n == 0 || q.Nnz() == 0 {
		return []IndexHit{}, nil
	}
	avg := ix.totalLength / n
	var qNorm float64
	if ix.cfg.Scoring == SparseCosine {
		if qNorm = sparseNorm(q); qNorm == 0 {
			return nil, &SimilarityError{Embedder: ix.embedder, Err: ErrZeroMagnitude}
		}
	}

	scores := make(map[uint32]float64)
	for i, term := range q.Indices {
		bm := ix.postings[term]
		if bm == nil {
			continue
		}
		df := float64(bm.GetCardinality())
		termWeights := ix.weights[term]
		for it := bm.Iterator(); it.HasNext(); {
			id := it.Next()
			if p.filter.ShouldSkip(id) {
				continue
			}
			w := float64(termWeights[id])
			switch ix.cfg.Scoring {
			case SparseBM25:
				scores[id] += bm25Term(w, ix.docLengths[id], avg, n, df, ix.cfg.BM25)
			default:
				scores[id] += float64(q.Values[i]) * w
			}
		}
	}

	top := newTopK(p.k)
	for id, s := range scores {
		score := float32(s)
		if ix.cfg.Scoring == SparseCosine {
			dn := ix.docNorms[id]
			if dn == 0 {
				continue
			}
			score = clampUnit(float32(s / (qNorm * dn)))
		}
		if p.keep(score) {
			top.push(IndexHit{DocID: id, Score: score})
		}
	}
	return top.sorted(), nil
}
