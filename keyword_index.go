// Keyword BM25 index over the optional Content text of teleological arrays.
//
// Text is NFKC-normalized, lower-cased and split into words with UAX#29 word
// segmentation. Postings are roaring bitmaps keyed by token; per-document
// term frequencies and lengths feed standard BM25:
//
//	idf = ln((N - df + 0.5) / (df + 0.5) + 1)
//	tf' = tf * (k1 + 1) / (tf + k1 * (1 - b + b * len/avgLen))
//
// The retrieval pipeline unions these hits with the SPLADE lexical recall
// when a query carries text. Only tokens are kept, never the text itself.
package telos

import (
	"strings"
	"sync"
	"unicode"

	"github.com/RoaringBitmap/roaring"
	"github.com/clipperhouse/uax29/v2/words"
	"golang.org/x/text/unicode/norm"
)

// KeywordIndex is a full-text BM25 index. Safe for concurrent use.
type KeywordIndex struct {
	params BM25Params

	mu          sync.RWMutex
	postings    map[string]*roaring.Bitmap
	tf          map[string]map[uint32]int
	docLengths  map[uint32]int
	docTokens   map[uint32][]string
	totalTokens int
}

// NewKeywordIndex returns an empty index.
func NewKeywordIndex(params BM25Params) *KeywordIndex {
	if params == (BM25Params{}) {
		params = DefaultBM25Params()
	}
	return &KeywordIndex{
		params:     params,
		postings:   make(map[string]*roaring.Bitmap),
		tf:         make(map[string]map[uint32]int),
		docLengths: make(map[uint32]int),
		docTokens:  make(map[uint32][]string),
	}
}

func normalizeText(s string) string {
	return strings.ToLower(norm.NFKC.String(s))
}

// tokenize segments s into words, dropping whitespace and punctuation
// segments.
func tokenize(s string) []string {
	seg := words.FromString(normalizeText(s))
	var tokens []string
	for seg.Next() {
		tok := seg.Value()
		if strings.IndexFunc(tok, func(r rune) bool { return unicode.IsLetter(r) || unicode.IsNumber(r) }) < 0 {
			continue
		}
		tokens = append(tokens, tok)
	}
	return tokens
}

// Add indexes text under id, replacing any previous text for id. Empty
// text is not indexed.
func (ix *KeywordIndex) Add(id uint32, text string) {
	tokens := tokenize(text)
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.removeLocked(id)
	if len(tokens) == 0 {
		return
	}
	ix.docTokens[id] = tokens
	ix.docLengths[id] = len(tokens)
	ix.totalTokens += len(tokens)
	for _, t := range tokens {
		if ix.postings[t] == nil {
			ix.postings[t] = roaring.New()
			ix.tf[t] = make(map[uint32]int)
		}
		ix.postings[t].Add(id)
		ix.tf[t][id]++
	}
}

// Remove drops id.
func (ix *KeywordIndex) Remove(id uint32) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.removeLocked(id)
}

func (ix *KeywordIndex) removeLocked(id uint32) {
	tokens, ok := ix.docTokens[id]
	if !ok {
		return
	}
	for _, t := range tokens {
		if bm := ix.postings[t]; bm != nil {
			bm.Remove(id)
			if bm.IsEmpty() {
				delete(ix.postings, t)
				delete(ix.tf, t)
				continue
			}
		}
		delete(ix.tf[t], id)
	}
	ix.totalTokens -= ix.docLengths[id]
	delete(ix.docTokens, id)
	delete(ix.docLengths, id)
}

// Len returns the number of indexed documents.
func (ix *KeywordIndex) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.docTokens)
}

// Search returns up to k documents ranked by BM25 for query. k <= 0 returns
// every match.
func (ix *KeywordIndex) Search(query string, k int, filter *DocumentFilter) []IndexHit {
	qtokens := tokenize(query)
	if len(qtokens) == 0 {
		return []IndexHit{}
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	n := float64(len(ix.docTokens))
	if n == 0 {
		return []IndexHit{}
	}
	avg := float64(ix.totalTokens) / n

	seen := make(map[string]bool, len(qtokens))
	scores := make(map[uint32]float64)
	for _, t := range qtokens {
		if seen[t] {
			continue
		}
		seen[t] = true
		bm := ix.postings[t]
		if bm == nil {
			continue
		}
		df := float64(bm.GetCardinality())
		for it := bm.Iterator(); it.HasNext(); {
			id := it.Next()
			if filter.ShouldSkip(id) {
				continue
			}
			scores[id] += bm25Term(float64(ix.tf[t][id]), float64(ix.docLengths[id]), avg, n, df, ix.params)
		}
	}

	top := newTopK(k)
	for id, s := range scores {
		top.push(IndexHit{DocID: id, Score: float32(s)})
	}
	return top.sorted()
}
