package telos

import "fmt"

// searchParams carries the builder state shared by every index kind.
type searchParams struct {
	query        EmbedderOutput
	hasQuery     bool
	k            int
	threshold    float32
	hasThreshold bool
	filter       *DocumentFilter
}

// keep reports whether a hit passes the threshold.
func (p *searchParams) keep(score float32) bool {
	return !p.hasThreshold || score >= p.threshold
}

// indexSearch is the IndexSearch implementation handed out by all indexes.
// Each index supplies its own exec.
type indexSearch struct {
	embedder Embedder
	params   searchParams
	exec     func(p *searchParams) ([]IndexHit, error)
}

var _ IndexSearch = (*indexSearch)(nil)

func newIndexSearch(e Embedder, exec func(p *searchParams) ([]IndexHit, error)) *indexSearch {
	return &indexSearch{
		embedder: e,
		params:   searchParams{k: 10},
		exec:     exec,
	}
}

func (s *indexSearch) WithQuery(q EmbedderOutput) IndexSearch {
	s.params.query = q
	s.params.hasQuery = true
	return s
}

func (s *indexSearch) WithK(k int) IndexSearch {
	s.params.k = k
	return s
}

func (s *indexSearch) WithThreshold(t float32) IndexSearch {
	s.params.threshold = t
	s.params.hasThreshold = true
	return s
}

func (s *indexSearch) WithDocumentFilter(f *DocumentFilter) IndexSearch {
	s.params.filter = f
	return s
}

func (s *indexSearch) Execute() ([]IndexHit, error) {
	if !s.params.hasQuery {
		return nil, fmt.Errorf("%w: no query set", ErrInvalidQuery)
	}
	if s.params.query.Shape != s.embedder.Shape() {
		return nil, &SimilarityError{
			Embedder: s.embedder,
			Err:      fmt.Errorf("%w: query is %s, index holds %s", ErrShapeMismatch, s.params.query.Shape, s.embedder.Shape()),
		}
	}
	if s.params.filter.IsEmpty() {
		return []IndexHit{}, nil
	}
	return s.exec(&s.params)
}
