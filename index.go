package telos

import (
	"time"
)

// IndexKind identifies an EmbedderIndex implementation.
type IndexKind string

const (
	// HNSWIndexKind is a hierarchical navigable small world graph over
	// dense vectors.
	HNSWIndexKind IndexKind = "hnsw"

	// FlatIndexKind is an exhaustive scan over (optionally quantized)
	// dense vectors.
	FlatIndexKind IndexKind = "flat"

	// InvertedIndexKind is a postings index over sparse vocabulary terms.
	InvertedIndexKind IndexKind = "inverted"

	// LateInteractionIndexKind indexes token vectors and reranks by MaxSim.
	LateInteractionIndexKind IndexKind = "late_interaction"

	// BinaryIndexKind scans fixed-width bit codes by Hamming similarity.
	BinaryIndexKind IndexKind = "binary"
)

// IndexKindFor returns the index kind used for an embedding shape.
func IndexKindFor(shape EmbeddingShape) IndexKind {
	switch shape {
	case ShapeSparse:
		return InvertedIndexKind
	case ShapeTokenLevel:
		return LateInteractionIndexKind
	case ShapeBinary:
		return BinaryIndexKind
	default:
		return HNSWIndexKind
	}
}

// IndexHit is one index search result. Score is a similarity: higher is
// better.
type IndexHit struct {
	DocID uint32
	Score float32
}

// IndexSearch is the builder returned by EmbedderIndex.NewSearch.
//
// Example:
//
//	hits, err := idx.NewSearch().
//	    WithQuery(query.Output(E1Semantic)).
//	    WithK(20).
//	    WithThreshold(0.3).
//	    Execute()
type IndexSearch interface {
	// WithQuery sets the query output. Its shape must match the index.
	WithQuery(q EmbedderOutput) IndexSearch

	// WithK sets the number of hits to return. k <= 0 returns every match.
	WithK(k int) IndexSearch

	// WithThreshold drops hits scoring below t.
	WithThreshold(t float32) IndexSearch

	// WithDocumentFilter restricts hits to the filter's documents. A nil
	// filter allows everything.
	WithDocumentFilter(f *DocumentFilter) IndexSearch

	// Execute runs the search. Hits are ordered by descending score, then
	// ascending DocID.
	Execute() ([]IndexHit, error)
}

// EmbedderIndex is a searchable index over one embedder's outputs.
//
// Every implementation guards its state with its own RWMutex; writes to one
// index never block reads or writes on another.
type EmbedderIndex interface {
	// Embedder returns the embedder this index serves.
	Embedder() Embedder

	// Kind returns the implementation kind.
	Kind() IndexKind

	// Add indexes out under id. Adding an id that is already live is an
	// error; callers remove first.
	Add(id uint32, out EmbedderOutput) error

	// AddBatch indexes many outputs under one lock acquisition.
	AddBatch(ids []uint32, outs []EmbedderOutput) error

	// Remove marks id deleted. Removing an unknown id is a no-op.
	Remove(id uint32) error

	// NewSearch returns a search builder.
	NewSearch() IndexSearch

	// Len returns the number of live entries.
	Len() int

	// Optimize compacts soft-deleted entries.
	Optimize() error

	// Stats reports size and maintenance counters.
	Stats() IndexStats
}

// IndexStats describes one index.
type IndexStats struct {
	Embedder      Embedder
	Kind          IndexKind
	Size          int
	Deleted       int
	LastOptimized time.Time
	LastRebuilt   time.Time
}
