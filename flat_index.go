package telos

import (
	"fmt"
	"sync"
	"time"
)

var _ EmbedderIndex = (*FlatIndex)(nil)

// FlatConfig configures a FlatIndex.
type FlatConfig struct {
	Distance  DistanceKind  `yaml:"distance"`
	Quantizer QuantizerType `yaml:"quantizer"`
	// ProjectionDim, when positive and smaller than the embedder dimension,
	// keeps only the leading ProjectionDim components of every vector.
	ProjectionDim int `yaml:"projection_dim"`
}

// FlatIndex scores every stored vector on each search. It is exact, cheap
// to maintain, and with a projection plus HalfPrecision storage serves as
// the fast first-pass ANN stage over E1.
type FlatIndex struct {
	embedder  Embedder
	dim       int
	storeDim  int
	distance  Distance
	quantizer Quantizer

	mu            sync.RWMutex
	vectors       map[uint32]any
	lastOptimized time.Time
}

// NewFlatIndex creates an exhaustive index for dense embedder e.
func NewFlatIndex(e Embedder, dim int, cfg FlatConfig) (*FlatIndex, error) {
	if e.Shape() != ShapeDense {
		return nil, fmt.Errorf("%w: flat index needs a dense embedder, %s is %s", ErrShapeMismatch, e, e.Shape())
	}
	if dim <= 0 {
		return nil, fmt.Errorf("%w: dimension must be positive", ErrInvalidLayout)
	}
	if cfg.Distance == "" {
		cfg.Distance = Cosine
	}
	distance, err := NewDistance(cfg.Distance)
	if err != nil {
		return nil, err
	}
	q, err := NewQuantizer(cfg.Quantizer)
	if err != nil {
		return nil, err
	}
	storeDim := dim
	if cfg.ProjectionDim > 0 && cfg.ProjectionDim < dim {
		storeDim = cfg.ProjectionDim
	}
	return &FlatIndex{
		embedder:  e,
		dim:       dim,
		storeDim:  storeDim,
		distance:  distance,
		quantizer: q,
		vectors:   make(map[uint32]any),
	}, nil
}

// NewProjectionIndex returns a FlatIndex over the first projDim components
// of e stored in float16.
func NewProjectionIndex(e Embedder, dim, projDim int) (*FlatIndex, error) {
	return NewFlatIndex(e, dim, FlatConfig{Distance: Cosine, Quantizer: HalfPrecision, ProjectionDim: projDim})
}

func (idx *FlatIndex) Embedder() Embedder { return idx.embedder }

func (idx *FlatIndex) Kind() IndexKind { return FlatIndexKind }

// StoredDim is the number of components kept per vector.
func (idx *FlatIndex) StoredDim() int { return idx.storeDim }

// project validates, truncates and preprocesses a dense output.
func (idx *FlatIndex) project(out EmbedderOutput) ([]float32, error) {
	if out.Shape != ShapeDense {
		return nil, &SimilarityError{Embedder: idx.embedder, Err: ErrShapeMismatch}
	}
	if len(out.Dense) != idx.dim {
		return nil, &SimilarityError{
			Embedder: idx.embedder,
			Err:      fmt.Errorf("%w: expected %d, got %d", ErrDimensionMismatch, idx.dim, len(out.Dense)),
		}
	}
	v, err := idx.distance.Preprocess(out.Dense[:idx.storeDim])
	if err != nil {
		return nil, &SimilarityError{Embedder: idx.embedder, Err: err}
	}
	return v, nil
}

func (idx *FlatIndex) Add(id uint32, out EmbedderOutput) error {
	v, err := idx.project(out)
	if err != nil {
		return err
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if _, ok := idx.vectors[id]; ok {
		return fmt.Errorf("%w: doc %d already in %s index", ErrDuplicateID, id, idx.embedder)
	}
	idx.vectors[id] = idx.quantizer.Quantize(v)
	return nil
}

func (idx *FlatIndex) AddBatch(ids []uint32, outs []EmbedderOutput) error {
	if len(ids) != len(outs) {
		return fmt.Errorf("%w: %d ids for %d outputs", ErrInvalidQuery, len(ids), len(outs))
	}
	stored := make([]any, len(outs))
	for i, out := range outs {
		v, err := idx.project(out)
		if err != nil {
			return err
		}
		stored[i] = idx.quantizer.Quantize(v)
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for i, id := range ids {
		if _, ok := idx.vectors[id]; ok {
			return fmt.Errorf("%w: doc %d already in %s index", ErrDuplicateID, id, idx.embedder)
		}
		idx.vectors[id] = stored[i]
	}
	return nil
}

// Remove deletes id immediately; a flat index has no structure to repair.
func (idx *FlatIndex) Remove(id uint32) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.vectors, id)
	return nil
}

func (idx *FlatIndex) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.vectors)
}

// Optimize is a no-op beyond recording the time.
func (idx *FlatIndex) Optimize() error {
	idx.mu.Lock()
	idx.lastOptimized = time.Now()
	idx.mu.Unlock()
	return nil
}

func (idx *FlatIndex) Stats() IndexStats {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return IndexStats{
		Embedder:      idx.embedder,
		Kind:          FlatIndexKind,
		Size:          len(idx.vectors),
		LastOptimized: idx.lastOptimized,
	}
}

func (idx *FlatIndex) NewSearch() IndexSearch {
	return newIndexSearch(idx.embedder, idx.search)
}
