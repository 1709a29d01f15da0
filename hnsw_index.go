// HNSW (Hierarchical Navigable Small World) index over one dense embedder.
//
// The graph is layered: layer 0 holds every node, each higher layer holds an
// exponentially thinning subset. A search greedily descends from the entry
// point through the sparse upper layers and then runs a best-first beam
// search (width efSearch) on layer 0.
//
// Node levels are drawn with P(level >= l) = (1/M)^l and capped at MaxLevel.
// Each node keeps up to M neighbors per layer (2*M on layer 0).
//
// Deletions are soft: the id goes into a roaring bitmap, is skipped in
// results but still routed through, and is unlinked by Optimize.
//
// Filtered searches over small candidate sets (at most ExactSearchLimit
// documents) bypass the graph and score the candidates exactly; this is what
// the later retrieval pipeline stages hit.
package telos

import (
	"container/heap"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring"
)

var _ EmbedderIndex = (*HNSWIndex)(nil)

// HNSWConfig holds graph construction and search parameters.
type HNSWConfig struct {
	M              int          `yaml:"m"`
	EfConstruction int          `yaml:"ef_construction"`
	EfSearch       int          `yaml:"ef_search"`
	MaxLevel       int          `yaml:"max_level"`
	Distance       DistanceKind `yaml:"distance"`
	// ExactSearchLimit is the largest filter cardinality scored by exact
	// scan instead of graph traversal.
	ExactSearchLimit int `yaml:"exact_search_limit"`
	// Seed fixes level assignment for reproducible graphs. 0 picks a random
	// seed.
	Seed uint64 `yaml:"seed"`
}

// DefaultHNSWConfig returns M=16, efConstruction=200, efSearch=100.
func DefaultHNSWConfig() HNSWConfig {
	return HNSWConfig{
		M:                16,
		EfConstruction:   200,
		EfSearch:         100,
		MaxLevel:         16,
		Distance:         Cosine,
		ExactSearchLimit: 2048,
	}
}

func (c HNSWConfig) withDefaults() HNSWConfig {
	d := DefaultHNSWConfig()
	if c.M <= 1 {
		c.M = d.M
	}
	if c.EfConstruction <= 0 {
		c.EfConstruction = d.EfConstruction
	}
	if c.EfSearch <= 0 {
		c.EfSearch = d.EfSearch
	}
	if c.MaxLevel <= 0 {
		c.MaxLevel = d.MaxLevel
	}
	if c.Distance == "" {
		c.Distance = d.Distance
	}
	if c.ExactSearchLimit < 0 {
		c.ExactSearchLimit = 0
	}
	return c
}

type hnswNode struct {
	id     uint32
	vector []float32
	level  int
	edges  [][]uint32
}

func newHnswNode(id uint32, vector []float32, level int) *hnswNode {
	edges := make([][]uint32, level+1)
	for i := range edges {
		edges[i] = make([]uint32, 0)
	}
	return &hnswNode{id: id, vector: vector, level: level, edges: edges}
}

// HNSWIndex is an approximate nearest-neighbor index for a dense embedder.
type HNSWIndex struct {
	embedder Embedder
	dim      int
	cfg      HNSWConfig
	distance Distance

	mu            sync.RWMutex
	maxLevel      int
	entryPoint    uint32
	nodes         map[uint32]*hnswNode
	deleted       *roaring.Bitmap
	rng           *rand.Rand
	lastOptimized time.Time
}

// NewHNSWIndex creates an empty graph for embedder e with vectors of length
// dim. e must be a dense embedder.
func NewHNSWIndex(e Embedder, dim int, cfg HNSWConfig) (*HNSWIndex, error) {
	if e.Shape() != ShapeDense {
		return nil, fmt.Errorf("%w: hnsw needs a dense embedder, %s is %s", ErrShapeMismatch, e, e.Shape())
	}
	return newHNSW(e, dim, cfg)
}

// newHNSW builds the graph without the shape check so token-level indexes
// can reuse it for their per-token vectors.
func newHNSW(e Embedder, dim int, cfg HNSWConfig) (*HNSWIndex, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("%w: dimension must be positive", ErrInvalidLayout)
	}
	cfg = cfg.withDefaults()
	distance, err := NewDistance(cfg.Distance)
	if err != nil {
		return nil, err
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	return &HNSWIndex{
		embedder: e,
		dim:      dim,
		cfg:      cfg,
		distance: distance,
		maxLevel: -1,
		nodes:    make(map[uint32]*hnswNode),
		deleted:  roaring.New(),
		rng:      rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}, nil
}

func (idx *HNSWIndex) Embedder() Embedder { return idx.embedder }

func (idx *HNSWIndex) Kind() IndexKind { return HNSWIndexKind }

// Config returns the effective configuration.
func (idx *HNSWIndex) Config() HNSWConfig { return idx.cfg }

func (idx *HNSWIndex) prepare(out EmbedderOutput) ([]float32, error) {
	if out.Shape != ShapeDense {
		return nil, &SimilarityError{Embedder: idx.embedder, Err: ErrShapeMismatch}
	}
	if len(out.Dense) != idx.dim {
		return nil, &SimilarityError{
			Embedder: idx.embedder,
			Err:      fmt.Errorf("%w: expected %d, got %d", ErrDimensionMismatch, idx.dim, len(out.Dense)),
		}
	}
	vec, err := idx.distance.Preprocess(out.Dense)
	if err != nil {
		return nil, &SimilarityError{Embedder: idx.embedder, Err: err}
	}
	return vec, nil
}

// Add inserts a vector. The caller's slice is copied, never modified.
func (idx *HNSWIndex) Add(id uint32, out EmbedderOutput) error {
	vec, err := idx.prepare(out)
	if err != nil {
		return err
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.addLocked(id, vec)
}

// AddBatch validates every output first, then inserts them under a single
// write lock. A validation failure inserts nothing.
func (idx *HNSWIndex) AddBatch(ids []uint32, outs []EmbedderOutput) error {
	if len(ids) != len(outs) {
		return fmt.Errorf("%w: %d ids for %d outputs", ErrInvalidQuery, len(ids), len(outs))
	}
	vecs := make([][]float32, len(outs))
	for i, out := range outs {
		v, err := idx.prepare(out)
		if err != nil {
			return err
		}
		vecs[i] = v
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for i, id := range ids {
		if err := idx.addLocked(id, vecs[i]); err != nil {
			return err
		}
	}
	return nil
}

func (idx *HNSWIndex) addLocked(id uint32, vec []float32) error {
	if _, exists := idx.nodes[id]; exists {
		return fmt.Errorf("%w: doc %d already in %s index", ErrDuplicateID, id, idx.embedder)
	}
	level := idx.randomLevel()
	node := newHnswNode(id, vec, level)

	if len(idx.nodes) == 0 {
		idx.entryPoint = id
		idx.maxLevel = level
		idx.nodes[id] = node
		return nil
	}

	idx.insertNode(node)
	idx.nodes[id] = node
	if level > idx.maxLevel {
		idx.maxLevel = level
		idx.entryPoint = id
	}
	return nil
}

// Remove soft-deletes id.
func (idx *HNSWIndex) Remove(id uint32) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if _, ok := idx.nodes[id]; ok {
		idx.deleted.Add(id)
	}
	return nil
}

// Len returns the number of live vectors.
func (idx *HNSWIndex) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.nodes) - int(idx.deleted.GetCardinality())
}

// Stats implements EmbedderIndex.
func (idx *HNSWIndex) Stats() IndexStats {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return IndexStats{
		Embedder:      idx.embedder,
		Kind:          HNSWIndexKind,
		Size:          len(idx.nodes) - int(idx.deleted.GetCardinality()),
		Deleted:       int(idx.deleted.GetCardinality()),
		LastOptimized: idx.lastOptimized,
	}
}

// Optimize unlinks and drops soft-deleted nodes and repairs the entry point.
func (idx *HNSWIndex) Optimize() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.lastOptimized = time.Now()

	if idx.deleted.IsEmpty() {
		return nil
	}

	for _, n := range idx.nodes {
		if idx.deleted.Contains(n.id) {
			continue
		}
		for lc := range n.edges {
			kept := n.edges[lc][:0]
			for _, nid := range n.edges[lc] {
				if !idx.deleted.Contains(nid) {
					kept = append(kept, nid)
				}
			}
			n.edges[lc] = kept
		}
	}

	it := idx.deleted.Iterator()
	for it.HasNext() {
		delete(idx.nodes, it.Next())
	}
	idx.deleted.Clear()

	if _, ok := idx.nodes[idx.entryPoint]; !ok {
		idx.maxLevel = -1
		for _, n := range idx.nodes {
			if n.level > idx.maxLevel || (n.level == idx.maxLevel && n.id < idx.entryPoint) {
				idx.maxLevel = n.level
				idx.entryPoint = n.id
			}
		}
	}
	return nil
}

// NewSearch returns a search builder.
func (idx *HNSWIndex) NewSearch() IndexSearch {
	return newIndexSearch(idx.embedder, idx.search)
}

// ============================================================================
// Graph construction
// ============================================================================

// randomLevel draws a level with P(level >= l) = (1/M)^l. Caller holds mu.
func (idx *HNSWIndex) randomLevel() int {
	p := 1.0 / float64(idx.cfg.M)
	level := 0
	for level < idx.cfg.MaxLevel && idx.rng.Float64() < p {
		level++
	}
	return level
}

// insertNode links node into the graph. Caller holds mu and node is not yet
// in idx.nodes.
func (idx *HNSWIndex) insertNode(node *hnswNode) {
	curr := idx.entryPoint
	currDist := idx.distance.Calculate(node.vector, idx.nodes[curr].vector)

	for lc := idx.maxLevel; lc > node.level; lc-- {
		curr, currDist = idx.greedyStep(node.vector, curr, currDist, lc)
	}

	top := node.level
	if top > idx.maxLevel {
		top = idx.maxLevel
	}
	for lc := top; lc >= 0; lc-- {
		candidates := idx.searchLayer(node.vector, curr, idx.cfg.EfConstruction, lc)

		m := idx.cfg.M
		if lc == 0 {
			m *= 2
		}
		for _, nid := range selectNeighbors(candidates, m) {
			node.edges[lc] = append(node.edges[lc], nid)
			neighbor := idx.nodes[nid]
			if lc <= neighbor.level {
				neighbor.edges[lc] = append(neighbor.edges[lc], node.id)
				if len(neighbor.edges[lc]) > m {
					idx.pruneConnections(neighbor, lc, m)
				}
			}
		}
		if len(candidates) > 0 {
			curr = candidates[0].id
		}
	}
}

// greedyStep walks layer lc toward query until no neighbor is closer.
func (idx *HNSWIndex) greedyStep(query []float32, curr uint32, currDist float32, lc int) (uint32, float32) {
	for changed := true; changed; {
		changed = false
		n := idx.nodes[curr]
		if lc >= len(n.edges) {
			break
		}
		for _, nid := range n.edges[lc] {
			if d := idx.distance.Calculate(query, idx.nodes[nid].vector); d < currDist {
				currDist, curr, changed = d, nid, true
			}
		}
	}
	return curr, currDist
}

// searchLayer is a best-first beam search of width ef on one layer. Deleted
// nodes are routed through but never returned. Results are nearest first.
func (idx *HNSWIndex) searchLayer(query []float32, entry uint32, ef, layer int) []candidate {
	visited := roaring.New()
	candidates := newMinHeap()
	defer putMinHeap(candidates)
	result := newMaxHeap()
	defer putMaxHeap(result)

	d := idx.distance.Calculate(query, idx.nodes[entry].vector)
	heap.Push(candidates, candidate{id: entry, distance: d})
	if !idx.deleted.Contains(entry) {
		heap.Push(result, candidate{id: entry, distance: d})
	}
	visited.Add(entry)

	for candidates.Len() > 0 {
		current := heap.Pop(candidates).(candidate)
		if result.Len() >= ef && current.distance > (*result)[0].distance {
			break
		}
		n := idx.nodes[current.id]
		if layer >= len(n.edges) {
			continue
		}
		for _, nid := range n.edges[layer] {
			if visited.Contains(nid) {
				continue
			}
			visited.Add(nid)
			d := idx.distance.Calculate(query, idx.nodes[nid].vector)
			if result.Len() < ef || d < (*result)[0].distance {
				heap.Push(candidates, candidate{id: nid, distance: d})
				if !idx.deleted.Contains(nid) {
					heap.Push(result, candidate{id: nid, distance: d})
					if result.Len() > ef {
						heap.Pop(result)
					}
				}
			}
		}
	}

	out := make([]candidate, result.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(result).(candidate)
	}
	return out
}

// selectNeighbors keeps the m nearest candidates.
func selectNeighbors(candidates []candidate, m int) []uint32 {
	sorted := append([]candidate(nil), candidates...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].distance < sorted[j].distance })
	if len(sorted) > m {
		sorted = sorted[:m]
	}
	ids := make([]uint32, len(sorted))
	for i, c := range sorted {
		ids[i] = c.id
	}
	return ids
}

// pruneConnections trims n's layer-lc edges back to its m nearest.
func (idx *HNSWIndex) pruneConnections(n *hnswNode, lc, m int) {
	cands := make([]candidate, 0, len(n.edges[lc]))
	for _, nid := range n.edges[lc] {
		other := idx.nodes[nid]
		if other == nil {
			continue
		}
		cands = append(cands, candidate{id: nid, distance: idx.distance.Calculate(n.vector, other.vector)})
	}
	n.edges[lc] = selectNeighbors(cands, m)
}
