package telos

import (
	"sync"

	"github.com/RoaringBitmap/roaring"
)

// DocumentFilter restricts an index search to a set of document IDs.
// A nil *DocumentFilter admits every document.
type DocumentFilter struct {
	bitmap *roaring.Bitmap
	pooled bool
}

var documentFilterPool = sync.Pool{
	New: func() interface{} {
		return &DocumentFilter{bitmap: roaring.New(), pooled: true}
	},
}

// NewDocumentFilter builds a filter from explicit IDs. An empty list yields
// nil (no filtering). Return it with ReturnDocumentFilter when done.
func NewDocumentFilter(docIDs []uint32) *DocumentFilter {
	if len(docIDs) == 0 {
		return nil
	}
	f := documentFilterPool.Get().(*DocumentFilter)
	f.bitmap.Clear()
	f.bitmap.AddMany(docIDs)
	return f
}

// FilterFromBitmap wraps bm. Unlike NewDocumentFilter an empty bitmap gives
// a filter that admits nothing. bm must not be mutated while the filter is
// in use.
func FilterFromBitmap(bm *roaring.Bitmap) *DocumentFilter {
	if bm == nil {
		return nil
	}
	return &DocumentFilter{bitmap: bm}
}

// ReturnDocumentFilter releases a pooled filter. Filters from
// FilterFromBitmap are left alone.
func ReturnDocumentFilter(f *DocumentFilter) {
	if f != nil && f.pooled {
		documentFilterPool.Put(f)
	}
}

// IsEligible reports whether docID passes the filter.
func (f *DocumentFilter) IsEligible(docID uint32) bool {
	if f == nil {
		return true
	}
	return f.bitmap.Contains(docID)
}

// ShouldSkip is !IsEligible, for use with continue.
func (f *DocumentFilter) ShouldSkip(docID uint32) bool {
	return !f.IsEligible(docID)
}

// Count returns the number of eligible documents, or 0 for a nil filter.
func (f *DocumentFilter) Count() uint64 {
	if f == nil {
		return 0
	}
	return f.bitmap.GetCardinality()
}

// IsEmpty reports whether the filter admits nothing. A nil filter is never
// empty.
func (f *DocumentFilter) IsEmpty() bool {
	if f == nil {
		return false
	}
	return f.bitmap.IsEmpty()
}

// ForEach visits eligible IDs in ascending order. It must not be called on
// a nil filter.
func (f *DocumentFilter) ForEach(fn func(docID uint32)) {
	it := f.bitmap.Iterator()
	for it.HasNext() {
		fn(it.Next())
	}
}

// Bitmap exposes the underlying set. Treat it as read-only.
func (f *DocumentFilter) Bitmap() *roaring.Bitmap {
	if f == nil {
		return nil
	}
	return f.bitmap
}
