package telos

import (
	"fmt"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring"
)

var _ EmbedderIndex = (*LateInteractionIndex)(nil)

// LateInteractionConfig configures a LateInteractionIndex.
type LateInteractionConfig struct {
	// HNSW configures the token graph.
	HNSW HNSWConfig `yaml:"hnsw"`
	// TokensPerQueryToken is how many nearest document tokens each query
	// token pulls in during candidate generation.
	TokensPerQueryToken int `yaml:"tokens_per_query_token"`
	// ExactRerankLimit is the largest filter scored by MaxSim directly,
	// skipping the token graph.
	ExactRerankLimit int `yaml:"exact_rerank_limit"`
}

// DefaultLateInteractionConfig returns 32 tokens per query token.
func DefaultLateInteractionConfig() LateInteractionConfig {
	return LateInteractionConfig{
		HNSW:                DefaultHNSWConfig(),
		TokensPerQueryToken: 32,
		ExactRerankLimit:    4096,
	}
}

// LateInteractionIndex serves a token-level embedder (E12).
//
// Every document token is inserted into an HNSW graph keyed by a token id
// that maps back to its document. A search looks up the nearest document
// tokens for each query token, unions their documents into a candidate set,
// then scores each candidate exactly with MaxSim.
type LateInteractionIndex struct {
	embedder Embedder
	dim      int
	cfg      LateInteractionConfig
	graph    *HNSWIndex

	mu            sync.RWMutex
	docs          map[uint32][][]float32
	docTokenIDs   map[uint32][]uint32
	tokenOwner    map[uint32]uint32
	nextTokenID   uint32
	lastOptimized time.Time
}

// NewLateInteractionIndex creates an index for token-level embedder e with
// per-token dimension dim.
func NewLateInteractionIndex(e Embedder, dim int, cfg LateInteractionConfig) (*LateInteractionIndex, error) {
	if e.Shape() != ShapeTokenLevel {
		return nil, fmt.Errorf("%w: late interaction index needs a token-level embedder, %s is %s", ErrShapeMismatch, e, e.Shape())
	}
	d := DefaultLateInteractionConfig()
	if cfg.TokensPerQueryToken <= 0 {
		cfg.TokensPerQueryToken = d.TokensPerQueryToken
	}
	if cfg.ExactRerankLimit < 0 {
		cfg.ExactRerankLimit = 0
	}
	cfg.HNSW.Distance = Cosine
	graph, err := newHNSW(e, dim, cfg.HNSW)
	if err != nil {
		return nil, err
	}
	return &LateInteractionIndex{
		embedder:    e,
		dim:         dim,
		cfg:         cfg,
		graph:       graph,
		docs:        make(map[uint32][][]float32),
		docTokenIDs: make(map[uint32][]uint32),
		tokenOwner:  make(map[uint32]uint32),
		nextTokenID: 1,
	}, nil
}

func (ix *LateInteractionIndex) Embedder() Embedder { return ix.embedder }

func (ix *LateInteractionIndex) Kind() IndexKind { return LateInteractionIndexKind }

// prepare validates and unit-normalizes every token.
func (ix *LateInteractionIndex) prepare(out EmbedderOutput) ([][]float32, error) {
	if out.Shape != ShapeTokenLevel {
		return nil, &SimilarityError{Embedder: ix.embedder, Err: ErrShapeMismatch}
	}
	if len(out.Tokens) == 0 {
		return nil, &SimilarityError{Embedder: ix.embedder, Err: ErrEmptyVector}
	}
	toks := make([][]float32, len(out.Tokens))
	for i, t := range out.Tokens {
		if len(t) != ix.dim {
			return nil, &SimilarityError{
				Embedder: ix.embedder,
				Err:      fmt.Errorf("%w: token %d len %d, want %d", ErrDimensionMismatch, i, len(t), ix.dim),
			}
		}
		n, err := Normalized(t)
		if err != nil {
			return nil, &SimilarityError{Embedder: ix.embedder, Err: fmt.Errorf("token %d: %w", i, err)}
		}
		toks[i] = n
	}
	return toks, nil
}

func (ix *LateInteractionIndex) Add(id uint32, out EmbedderOutput) error {
	toks, err := ix.prepare(out)
	if err != nil {
		return err
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.addLocked(id, toks)
}

func (ix *LateInteractionIndex) AddBatch(ids []uint32, outs []EmbedderOutput) error {
	if len(ids) != len(outs) {
		return fmt.Errorf("%w: %d ids for %d outputs", ErrInvalidQuery, len(ids), len(outs))
	}
	prepared := make([][][]float32, len(outs))
	for i, out := range outs {
		toks, err := ix.prepare(out)
		if err != nil {
			return err
		}
		prepared[i] = toks
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for i, id := range ids {
		if err := ix.addLocked(id, prepared[i]); err != nil {
			return err
		}
	}
	return nil
}

func (ix *LateInteractionIndex) addLocked(id uint32, toks [][]float32) error {
	if _, exists := ix.docs[id]; exists {
		return fmt.Errorf("%w: doc %d already in %s index", ErrDuplicateID, id, ix.embedder)
	}
	tids := make([]uint32, len(toks))
	ix.graph.mu.Lock()
	for i, t := range toks {
		tid := ix.nextTokenID
		ix.nextTokenID++
		if err := ix.graph.addLocked(tid, t); err != nil {
			ix.graph.mu.Unlock()
			return err
		}
		tids[i] = tid
		ix.tokenOwner[tid] = id
	}
	ix.graph.mu.Unlock()
	ix.docs[id] = toks
	ix.docTokenIDs[id] = tids
	return nil
}

// Remove drops id and soft-deletes its tokens from the graph.
func (ix *LateInteractionIndex) Remove(id uint32) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	tids, ok := ix.docTokenIDs[id]
	if !ok {
		return nil
	}
	for _, tid := range tids {
		if err := ix.graph.Remove(tid); err != nil {
			return err
		}
		delete(ix.tokenOwner, tid)
	}
	delete(ix.docs, id)
	delete(ix.docTokenIDs, id)
	return nil
}

func (ix *LateInteractionIndex) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.docs)
}

// Optimize compacts the token graph.
func (ix *LateInteractionIndex) Optimize() error {
	if err := ix.graph.Optimize(); err != nil {
		return err
	}
	ix.mu.Lock()
	ix.lastOptimized = time.Now()
	ix.mu.Unlock()
	return nil
}

func (ix *LateInteractionIndex) Stats() IndexStats {
	g := ix.graph.Stats()
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return IndexStats{
		Embedder:      ix.embedder,
		Kind:          LateInteractionIndexKind,
		Size:          len(ix.docs),
		Deleted:       g.Deleted,
		LastOptimized: ix.lastOptimized,
	}
}

func (ix *LateInteractionIndex) NewSearch() IndexSearch {
	return newIndexSearch(ix.embedder, ix.search)
}

func (ix *LateInteractionIndex) search(p *searchParams) ([]IndexHit, error) {
	query, err := ix.prepare(p.query)
	if err != nil {
		return nil, err
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if len(ix.docs) == 0 {
		return []IndexHit{}, nil
	}

	var candidates *roaring.Bitmap
	switch {
	case p.filter != nil && p.filter.Count() <= uint64(ix.cfg.ExactRerankLimit):
		candidates = p.filter.Bitmap()
	case p.k <= 0:
		candidates = roaring.New()
		for id := range ix.docs {
			candidates.Add(id)
		}
	default:
		candidates = roaring.New()
		for _, qt := range query {
			hits, err := ix.graph.search(&searchParams{
				query:    DenseOutput(qt),
				hasQuery: true,
				k:        ix.cfg.TokensPerQueryToken,
			})
			if err != nil {
				return nil, err
			}
			for _, h := range hits {
				if owner, ok := ix.tokenOwner[h.DocID]; ok && p.filter.IsEligible(owner) {
					candidates.Add(owner)
				}
			}
		}
	}

	top := newTopK(p.k)
	for it := candidates.Iterator(); it.HasNext(); {
		id := it.Next()
		doc, ok := ix.docs[id]
		if !ok {
			continue
		}
		s, err := MaxSim(query, doc)
		if err != nil {
			return nil, &SimilarityError{Embedder: ix.embedder, Err: err}
		}
		if p.keep(s) {
			top.push(IndexHit{DocID: id, Score: s})
		}
	}
	return top.sorted(), nil
}

// Tokens returns the stored, normalized tokens of id.
func (ix *LateInteractionIndex) Tokens(id uint32) ([][]float32, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	t, ok := ix.docs[id]
	return t, ok
}
