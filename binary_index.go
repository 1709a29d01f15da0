package telos

import (
	"fmt"
	"sync"
	"time"

	"github.com/bits-and-blooms/bitset"
)

var _ EmbedderIndex = (*BinaryIndex)(nil)

// BinaryIndex stores fixed-width bit codes for a binary embedder (E9) and
// scans them by Hamming similarity. XOR plus popcount over 64-bit words is
// fast enough that a linear scan beats any graph at this width.
type BinaryIndex struct {
	embedder Embedder
	width    uint

	mu            sync.RWMutex
	codes         map[uint32]*bitset.BitSet
	lastOptimized time.Time
}

// NewBinaryIndex creates an index for binary embedder e with codes of
// width bits.
func NewBinaryIndex(e Embedder, width int) (*BinaryIndex, error) {
	if e.Shape() != ShapeBinary {
		return nil, fmt.Errorf("%w: binary index needs a binary embedder, %s is %s", ErrShapeMismatch, e, e.Shape())
	}
	if width <= 0 {
		return nil, fmt.Errorf("%w: width must be positive", ErrInvalidLayout)
	}
	return &BinaryIndex{
		embedder: e,
		width:    uint(width),
		codes:    make(map[uint32]*bitset.BitSet),
	}, nil
}

func (ix *BinaryIndex) Embedder() Embedder { return ix.embedder }

func (ix *BinaryIndex) Kind() IndexKind { return BinaryIndexKind }

func (ix *BinaryIndex) check(out EmbedderOutput) error {
	if out.Shape != ShapeBinary || out.Binary == nil {
		return &SimilarityError{Embedder: ix.embedder, Err: ErrShapeMismatch}
	}
	if out.Binary.Len() != ix.width {
		return &SimilarityError{
			Embedder: ix.embedder,
			Err:      fmt.Errorf("%w: width %d, want %d", ErrDimensionMismatch, out.Binary.Len(), ix.width),
		}
	}
	return nil
}

func (ix *BinaryIndex) Add(id uint32, out EmbedderOutput) error {
	if err := ix.check(out); err != nil {
		return err
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if _, ok := ix.codes[id]; ok {
		return fmt.Errorf("%w: doc %d already in %s index", ErrDuplicateID, id, ix.embedder)
	}
	ix.codes[id] = out.Binary.Clone()
	return nil
}

func (ix *BinaryIndex) AddBatch(ids []uint32, outs []EmbedderOutput) error {
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
		if _, ok := ix.codes[id]; ok {
			return fmt.Errorf("%w: doc %d already in %s index", ErrDuplicateID, id, ix.embedder)
		}
		ix.codes[id] = outs[i].Binary.Clone()
	}
	return nil
}

func (ix *BinaryIndex) Remove(id uint32) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	delete(ix.codes, id)
	return nil
}

func (ix *BinaryIndex) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.codes)
}

// Optimize is a no-op beyond recording the time; codes are stored densely.
func (ix *BinaryIndex) Optimize() error {
	ix.mu.Lock()
	ix.lastOptimized = time.Now()
	ix.mu.Unlock()
	return nil
}

func (ix *BinaryIndex) Stats() IndexStats {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return IndexStats{
		Embedder:      ix.embedder,
		Kind:          BinaryIndexKind,
		Size:          len(ix.codes),
		LastOptimized: ix.lastOptimized,
	}
}

func (ix *BinaryIndex) NewSearch() IndexSearch {
	return newIndexSearch(ix.embedder, ix.search)
}

func (ix *BinaryIndex) search(p *searchParams) ([]IndexHit, error) {
	if err := ix.check(p.query); err != nil {
		return nil, err
	}
	q := p.query.Binary

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	top := newTopK(p.k)
	w := float32(ix.width)
	for id, code := range ix.codes {
		if p.filter.ShouldSkip(id) {
			continue
		}
		s := 1 - float32(q.SymmetricDifferenceCardinality(code))/w
		if p.keep(s) {
			top.push(IndexHit{DocID: id, Score: s})
		}
	}
	return top.sorted(), nil
}
