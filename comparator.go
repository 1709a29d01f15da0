package telos

import (
	"context"
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Comparator computes ComparisonResults between teleological arrays.
//
// Each embedder is compared only with the same embedder of the other array.
// Comparator is stateless apart from its worker bound and is safe for
// concurrent use.
type Comparator struct {
	workers int
}

// ComparatorOption configures a Comparator.
type ComparatorOption func(*Comparator)

// WithComparatorWorkers bounds CompareBatch parallelism. Values <= 0 use
// GOMAXPROCS.
func WithComparatorWorkers(n int) ComparatorOption {
	return func(c *Comparator) { c.workers = n }
}

// NewComparator returns a Comparator.
func NewComparator(opts ...ComparatorOption) *Comparator {
	c := &Comparator{}
	for _, opt := range opts {
		opt(c)
	}
	if c.workers <= 0 {
		c.workers = runtime.GOMAXPROCS(0)
	}
	return c
}

// Compare scores b against a under ct. a is the query side for asymmetric
// metrics (MaxSim).
//
// Only the embedders ct needs are evaluated. Any similarity failure is
// returned as a *SimilarityError naming the embedder.
func (c *Comparator) Compare(a, b *TeleologicalArray, ct ComparisonType) (ComparisonResult, error) {
	if a == nil || b == nil {
		return ComparisonResult{}, fmt.Errorf("%w: nil array", ErrInvalidQuery)
	}
	if err := ct.Validate(); err != nil {
		return ComparisonResult{}, err
	}
	res := ComparisonResult{Strategy: ct}
	for _, e := range ct.Embedders() {
		s, err := OutputSimilarity(e, a.Outputs[e], b.Outputs[e])
		if err != nil {
			return ComparisonResult{}, err
		}
		res.PerEmbedder.Set(e, s)
	}
	return finishResult(res), nil
}

// finishResult fills the aggregate fields from PerEmbedder.
func finishResult(res ComparisonResult) ComparisonResult {
	score, dominant, ok := res.Strategy.aggregate(&res.PerEmbedder)
	res.Score = score
	if ok {
		d := dominant
		res.Dominant = &d
	}
	if coh, ok := res.PerEmbedder.coherence(); ok {
		res.Coherence = &coh
	}
	return res
}

// CompareBatch compares query against every candidate in parallel, bounded
// by the comparator's worker count. Results are positional. The first error
// cancels the remaining work.
func (c *Comparator) CompareBatch(ctx context.Context, query *TeleologicalArray, candidates []*TeleologicalArray, ct ComparisonType) ([]ComparisonResult, error) {
	if err := ct.Validate(); err != nil {
		return nil, err
	}
	results := make([]ComparisonResult, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for i, cand := range candidates {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			r, err := c.Compare(query, cand, ct)
			if err != nil {
				return fmt.Errorf("candidate %d: %w", i, err)
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
