// Metadata filter index for teleological arrays.
//
// Categorical attributes (namespace, content type) map each distinct value
// to a roaring bitmap of document IDs. Creation time goes into a bit-sliced
// index (BSI) keyed by Unix milliseconds so time-range filters are a single
// bitwise range comparison rather than a scan.
//
// A query ANDs the bitmaps for every populated criterion, starting from the
// set of all live documents, and the result feeds DocumentFilter so every
// EmbedderIndex can pre-filter.
package telos

import (
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring"
	bsi "github.com/RoaringBitmap/roaring/BitSliceIndexing"
)

// SearchFilter restricts which records a search may return. Zero fields are
// unconstrained.
type SearchFilter struct {
	Namespace     string
	ContentType   string
	CreatedAfter  time.Time
	CreatedBefore time.Time
}

// IsZero reports whether the filter constrains nothing.
func (f SearchFilter) IsZero() bool {
	return f.Namespace == "" && f.ContentType == "" && f.CreatedAfter.IsZero() && f.CreatedBefore.IsZero()
}

// FilterIndex indexes record metadata for pre-filtering.
type FilterIndex struct {
	mu           sync.RWMutex
	namespaces   map[string]*roaring.Bitmap
	contentTypes map[string]*roaring.Bitmap
	created      *bsi.BSI
	all          *roaring.Bitmap
}

// NewFilterIndex returns an empty index.
func NewFilterIndex() *FilterIndex {
	return &FilterIndex{
		namespaces:   make(map[string]*roaring.Bitmap),
		contentTypes: make(map[string]*roaring.Bitmap),
		created:      bsi.NewBSI(bsi.Min64BitSigned, bsi.Max64BitSigned),
		all:          roaring.New(),
	}
}

// Add records docID's metadata.
func (idx *FilterIndex) Add(docID uint32, a *TeleologicalArray) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.all.Add(docID)
	addCategory(idx.namespaces, a.Namespace, docID)
	addCategory(idx.contentTypes, a.ContentType, docID)
	if !a.CreatedAt.IsZero() {
		idx.created.SetValue(uint64(docID), a.CreatedAt.UnixMilli())
	}
}

func addCategory(m map[string]*roaring.Bitmap, value string, docID uint32) {
	if value == "" {
		return
	}
	if m[value] == nil {
		m[value] = roaring.New()
	}
	m[value].Add(docID)
}

// Remove forgets docID.
func (idx *FilterIndex) Remove(docID uint32) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.all.Remove(docID)
	for _, m := range []map[string]*roaring.Bitmap{idx.namespaces, idx.contentTypes} {
		for v, bm := range m {
			bm.Remove(docID)
			if bm.IsEmpty() {
				delete(m, v)
			}
		}
	}
	idx.created.ClearValues(roaring.BitmapOf(docID))
}

// Len returns the number of indexed documents.
func (idx *FilterIndex) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return int(idx.all.GetCardinality())
}

// All returns a copy of every live document ID.
func (idx *FilterIndex) All() *roaring.Bitmap {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.all.Clone()
}

// Query returns the documents matching f as a new bitmap.
func (idx *FilterIndex) Query(f SearchFilter) *roaring.Bitmap {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	result := idx.all.Clone()
	if f.Namespace != "" {
		result.And(categoryOrEmpty(idx.namespaces, f.Namespace))
	}
	if f.ContentType != "" {
		result.And(categoryOrEmpty(idx.contentTypes, f.ContentType))
	}
	switch {
	case !f.CreatedAfter.IsZero() && !f.CreatedBefore.IsZero():
		result.And(idx.created.CompareValue(0, bsi.RANGE, f.CreatedAfter.UnixMilli(), f.CreatedBefore.UnixMilli(), nil))
	case !f.CreatedAfter.IsZero():
		result.And(idx.created.CompareValue(0, bsi.GE, f.CreatedAfter.UnixMilli(), 0, nil))
	case !f.CreatedBefore.IsZero():
		result.And(idx.created.CompareValue(0, bsi.LE, f.CreatedBefore.UnixMilli(), 0, nil))
	}
	return result
}

func categoryOrEmpty(m map[string]*roaring.Bitmap, value string) *roaring.Bitmap {
	if bm := m[value]; bm != nil {
		return bm
	}
	return roaring.New()
}

// DocumentFilter converts f into a filter for index searches. A zero
// filter yields nil (no restriction).
func (idx *FilterIndex) DocumentFilter(f SearchFilter) *DocumentFilter {
	if f.IsZero() {
		return nil
	}
	return FilterFromBitmap(idx.Query(f))
}
