package telos

import (
	"container/heap"
	"sync"
)

// Pools for the traversal heaps; searchLayer runs once per layer per query
// so reusing their backing arrays matters.
var minHeapPool = sync.Pool{
	New: func() interface{} {
		h := &minHeap{}
		heap.Init(h)
		return h
	},
}

var maxHeapPool = sync.Pool{
	New: func() interface{} {
		h := &maxHeap{}
		heap.Init(h)
		return h
	},
}

// search runs one query. With k <= 0, or a filter small enough for
// ExactSearchLimit, every eligible vector is scored exactly; otherwise the
// graph is traversed with ef = max(efSearch, k) and ineligible nodes are
// dropped from the beam's output.
func (idx *HNSWIndex) search(p *searchParams) ([]IndexHit, error) {
	query, err := idx.prepare(p.query)
	if err != nil {
		return nil, err
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if len(idx.nodes) == 0 {
		return []IndexHit{}, nil
	}

	if p.k <= 0 || (p.filter != nil && p.filter.Count() <= uint64(idx.cfg.ExactSearchLimit)) {
		return idx.exactSearch(query, p), nil
	}

	curr := idx.entryPoint
	currDist := idx.distance.Calculate(query, idx.nodes[curr].vector)
	for lc := idx.maxLevel; lc > 0; lc-- {
		curr, currDist = idx.greedyStep(query, curr, currDist, lc)
	}

	ef := idx.cfg.EfSearch
	if p.k > ef {
		ef = p.k
	}
	if p.filter != nil {
		// Widen the beam in proportion to how selective the filter is.
		if live := uint64(len(idx.nodes)); live > 0 {
			sel := float64(p.filter.Count()) / float64(live)
			if sel > 0 && sel < 1 {
				ef = int(float64(ef) / sel)
			}
		}
	}
	if ef > len(idx.nodes) {
		ef = len(idx.nodes)
	}

	top := newTopK(p.k)
	for _, c := range idx.searchLayer(query, curr, ef, 0) {
		if p.filter.ShouldSkip(c.id) {
			continue
		}
		score := idx.distance.Similarity(c.distance)
		if !p.keep(score) {
			continue
		}
		top.push(IndexHit{DocID: c.id, Score: score})
	}
	return top.sorted(), nil
}

// exactSearch scores every live, eligible vector. Caller holds mu.
func (idx *HNSWIndex) exactSearch(query []float32, p *searchParams) []IndexHit {
	top := newTopK(p.k)
	visit := func(id uint32) {
		n, ok := idx.nodes[id]
		if !ok || idx.deleted.Contains(id) {
			return
		}
		score := idx.distance.Similarity(idx.distance.Calculate(query, n.vector))
		if p.keep(score) {
			top.push(IndexHit{DocID: id, Score: score})
		}
	}
	if p.filter != nil {
		p.filter.ForEach(visit)
	} else {
		for id := range idx.nodes {
			visit(id)
		}
	}
	return top.sorted()
}

// ============================================================================
// Heaps
// ============================================================================

// candidate is a node and its distance from the current query.
type candidate struct {
	id       uint32
	distance float32
}

// minHeap pops the nearest candidate first.
type minHeap []candidate

func (h minHeap) Len() int           { return len(h) }
func (h minHeap) Less(i, j int) bool { return h[i].distance < h[j].distance }
func (h minHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *minHeap) Push(x interface{}) { *h = append(*h, x.(candidate)) }

func (h *minHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

func newMinHeap() *minHeap { return minHeapPool.Get().(*minHeap) }

func putMinHeap(h *minHeap) {
	*h = (*h)[:0]
	minHeapPool.Put(h)
}

// maxHeap keeps the farthest retained candidate at the root.
type maxHeap []candidate

func (h maxHeap) Len() int           { return len(h) }
func (h maxHeap) Less(i, j int) bool { return h[i].distance > h[j].distance }
func (h maxHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *maxHeap) Push(x interface{}) { *h = append(*h, x.(candidate)) }

func (h *maxHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

func newMaxHeap() *maxHeap { return maxHeapPool.Get().(*maxHeap) }

func putMaxHeap(h *maxHeap) {
	*h = (*h)[:0]
	maxHeapPool.Put(h)
}
