package telos

import (
	"fmt"
	"sync"
	"time"
)

// NewIndex builds the index kind that serves e's shape, sized from layout.
func NewIndex(e Embedder, layout Layout, cfg *Config) (EmbedderIndex, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	dim := layout.Dim(e)
	switch e.Shape() {
	case ShapeDense:
		return NewHNSWIndex(e, dim, cfg.HNSW)
	case ShapeSparse:
		return NewSparseInvertedIndex(e, dim, cfg.Sparse)
	case ShapeTokenLevel:
		return NewLateInteractionIndex(e, dim, cfg.LateInteraction)
	case ShapeBinary:
		return NewBinaryIndex(e, dim)
	}
	return nil, fmt.Errorf("%w: %v", ErrUnknownEmbedder, e)
}

// IndexRegistry owns one index per embedder plus the optional float16
// projection of E1 used by the fast ANN pipeline stage.
//
// The registry lock only guards which index occupies a slot. Each index
// has its own lock, so swapping a rebuilt index in never waits for
// searches on other embedders.
type IndexRegistry struct {
	mu         sync.RWMutex
	slots      [NumEmbedders]EmbedderIndex
	projection *FlatIndex
	rebuilt    [NumEmbedders]time.Time

	// rebuilding serializes rebuilds per slot.
	rebuilding [NumEmbedders]sync.Mutex
}

// NewIndexRegistry creates every index for layout. A positive
// cfg.Pipeline.ProjectionDim also creates the projection index.
func NewIndexRegistry(layout Layout, cfg *Config) (*IndexRegistry, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := layout.Validate(); err != nil {
		return nil, err
	}
	r := &IndexRegistry{}
	for _, e := range AllEmbedders {
		idx, err := NewIndex(e, layout, cfg)
		if err != nil {
			return nil, fmt.Errorf("create %s index: %w", e, err)
		}
		r.slots[e] = idx
	}
	if cfg.Pipeline.ProjectionDim > 0 {
		p, err := NewProjectionIndex(E1Semantic, layout.Dim(E1Semantic), cfg.Pipeline.ProjectionDim)
		if err != nil {
			return nil, fmt.Errorf("create projection index: %w", err)
		}
		r.projection = p
	}
	return r, nil
}

// Get returns e's index.
func (r *IndexRegistry) Get(e Embedder) (EmbedderIndex, error) {
	if !e.Valid() {
		return nil, fmt.Errorf("%w: %v", ErrUnknownEmbedder, e)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.slots[e] == nil {
		return nil, fmt.Errorf("%w: %s", ErrIndexMissing, e)
	}
	return r.slots[e], nil
}

// Set installs idx in its embedder's slot, replacing whatever was there.
func (r *IndexRegistry) Set(idx EmbedderIndex) error {
	e := idx.Embedder()
	if !e.Valid() {
		return fmt.Errorf("%w: %v", ErrUnknownEmbedder, e)
	}
	r.mu.Lock()
	r.slots[e] = idx
	r.mu.Unlock()
	return nil
}

// Projection returns the projection index, or nil.
func (r *IndexRegistry) Projection() *FlatIndex {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.projection
}

// all returns every live index including the projection.
func (r *IndexRegistry) all() []EmbedderIndex {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]EmbedderIndex, 0, NumEmbedders+1)
	for _, idx := range r.slots {
		if idx != nil {
			out = append(out, idx)
		}
	}
	if r.projection != nil {
		out = append(out, r.projection)
	}
	return out
}

// swap replaces e's index with a freshly built one. When projection is
// non-nil it replaces the projection index as well.
func (r *IndexRegistry) swap(idx EmbedderIndex, projection *FlatIndex) {
	e := idx.Embedder()
	r.mu.Lock()
	r.slots[e] = idx
	if projection != nil {
		r.projection = projection
	}
	r.rebuilt[e] = time.Now()
	r.mu.Unlock()
}

// Stats reports every slot in embedder order, followed by the projection
// index when present.
func (r *IndexRegistry) Stats() []IndexStats {
	r.mu.RLock()
	slots := r.slots
	rebuilt := r.rebuilt
	projection := r.projection
	r.mu.RUnlock()

	out := make([]IndexStats, 0, NumEmbedders+1)
	for e, idx := range slots {
		if idx == nil {
			continue
		}
		st := idx.Stats()
		st.LastRebuilt = rebuilt[e]
		out = append(out, st)
	}
	if projection != nil {
		st := projection.Stats()
		st.LastRebuilt = rebuilt[E1Semantic]
		out = append(out, st)
	}
	return out
}

// OptimizeAll compacts every index.
func (r *IndexRegistry) OptimizeAll() error {
	for _, idx := range r.all() {
		if err := idx.Optimize(); err != nil {
			return fmt.Errorf("optimize %s %s index: %w", idx.Embedder(), idx.Kind(), err)
		}
	}
	return nil
}
