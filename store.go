package telos

import (
	"context"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/google/uuid"
)

// Store persists teleological arrays as whole units.
//
// Implementations return errors wrapping ErrNotFound for missing records and
// *StoreError for infrastructure failures.
type Store interface {
	// Store inserts a, replacing any record with the same ID.
	Store(ctx context.Context, a *TeleologicalArray) error

	// StoreBatch inserts every array or none of them.
	StoreBatch(ctx context.Context, arrays []*TeleologicalArray) error

	// Retrieve returns a copy of the record.
	Retrieve(ctx context.Context, id uuid.UUID) (*TeleologicalArray, error)

	// RetrieveBatch returns copies positionally; missing records are nil.
	RetrieveBatch(ctx context.Context, ids []uuid.UUID) ([]*TeleologicalArray, error)

	// Delete removes the record.
	Delete(ctx context.Context, id uuid.UUID) error

	Exists(ctx context.Context, id uuid.UUID) (bool, error)

	Count(ctx context.Context) (int, error)

	Stats(ctx context.Context) (StoreStats, error)
}

// StoreStats aggregates a store's contents.
type StoreStats struct {
	Count        int
	ByNamespace  map[string]int
	OldestRecord time.Time
	NewestRecord time.Time
	LastWrite    time.Time
}

// SearchBackend is what the search strategies and the retrieval pipeline
// need from a store. Doc IDs are the dense uint32 keys the indexes use; a
// doc ID that no longer resolves belongs to a replaced or deleted record
// and must be ignored.
type SearchBackend interface {
	// Index returns e's index.
	Index(e Embedder) (EmbedderIndex, error)

	// Resolve maps a doc ID to its record ID.
	Resolve(docID uint32) (uuid.UUID, bool)

	// Lookup returns the live record for a doc ID. The result is shared
	// and must not be modified.
	Lookup(docID uint32) (*TeleologicalArray, bool)

	// DocumentFilter compiles f. A zero filter yields nil.
	DocumentFilter(f SearchFilter) *DocumentFilter

	// LiveDocs returns a copy of every committed doc ID.
	LiveDocs() *roaring.Bitmap

	// Projection returns the reduced-precision E1 index, or nil.
	Projection() EmbedderIndex

	// KeywordSearch runs a BM25 query over record content text.
	KeywordSearch(text string, k int, filter *DocumentFilter) []IndexHit
}

// IndexedStore is a Store that can also search its records.
type IndexedStore interface {
	Store
	SearchBackend

	// Search ranks records against query using opts.Comparison.
	Search(ctx context.Context, query *TeleologicalArray, opts SearchOptions) ([]SearchResult, error)

	// IndexStats reports every per-embedder index.
	IndexStats(ctx context.Context) ([]IndexStats, error)

	// RebuildIndexes rebuilds the named indexes from the stored records,
	// or all of them when none are named.
	RebuildIndexes(ctx context.Context, embedders ...Embedder) error
}

// NewSearcher returns the strategy that serves ct over b.
func NewSearcher(b SearchBackend, ct ComparisonType, opts ...SearchOption) (Searcher, error) {
	if err := ct.Validate(); err != nil {
		return nil, err
	}
	switch ct.Kind() {
	case ComparisonSingle:
		return NewSingleEmbedderSearch(b, ct.Embedder())
	case ComparisonGroup:
		return NewGroupSearch(b, ct.Group(), opts...)
	case ComparisonWeighted:
		return NewWeightedSearch(b, ct.Weights(), opts...)
	case ComparisonMatrix:
		return NewMatrixSearch(b, ct.Matrix(), opts...)
	}
	return nil, ErrInvalidComparison
}
