package telos

import (
	"bytes"
	"container/heap"
	"sort"
)

// sanitizeK clamps k into [1, maxResults]. k <= 0 means "everything".
func sanitizeK(k, maxResults int) int {
	if k <= 0 || k > maxResults {
		return maxResults
	}
	return k
}

// hitLess orders hits by descending score, then ascending DocID.
func hitLess(a, b IndexHit) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	return a.DocID < b.DocID
}

// sortHits orders hits in place.
func sortHits(hits []IndexHit) {
	sort.Slice(hits, func(i, j int) bool { return hitLess(hits[i], hits[j]) })
}

// limitHits truncates sorted hits to k.
func limitHits(hits []IndexHit, k int) []IndexHit {
	return hits[:sanitizeK(k, len(hits))]
}

// hitHeap keeps the k best hits seen so far. The worst kept hit sits at the
// root so it can be evicted in O(log k).
type hitHeap []IndexHit

func (h hitHeap) Len() int           { return len(h) }
func (h hitHeap) Less(i, j int) bool { return hitLess(h[j], h[i]) }
func (h hitHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *hitHeap) Push(x interface{}) { *h = append(*h, x.(IndexHit)) }

func (h *hitHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// topK collects hits, keeping only the k best when k > 0.
type topK struct {
	k    int
	heap hitHeap
	all  []IndexHit
}

func newTopK(k int) *topK {
	return &topK{k: k}
}

func (t *topK) push(h IndexHit) {
	if t.k <= 0 {
		t.all = append(t.all, h)
		return
	}
	if t.heap.Len() < t.k {
		heap.Push(&t.heap, h)
		return
	}
	if hitLess(h, t.heap[0]) {
		t.heap[0] = h
		heap.Fix(&t.heap, 0)
	}
}

// sorted returns the collected hits in result order.
func (t *topK) sorted() []IndexHit {
	out := t.all
	if t.k > 0 {
		out = append([]IndexHit(nil), t.heap...)
	}
	if out == nil {
		out = []IndexHit{}
	}
	sortHits(out)
	return out
}

// ============================================================================
// Record-level ordering
// ============================================================================

// resultLess orders search results by descending score, then ascending
// record ID bytes.
func resultLess(a, b SearchResult) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	return bytes.Compare(a.ID[:], b.ID[:]) < 0
}

func sortResults(rs []SearchResult) {
	sort.Slice(rs, func(i, j int) bool { return resultLess(rs[i], rs[j]) })
}

func limitResults(rs []SearchResult, k int) []SearchResult {
	return rs[:sanitizeK(k, len(rs))]
}
