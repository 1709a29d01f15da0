package telos

import (
	"fmt"
	"math"
	"sort"
)

// FusionKind selects how per-embedder result lists are merged into one
// ranked list.
type FusionKind string

const (
	// WeightedSumFusion adds weight × similarity across embedders.
	WeightedSumFusion FusionKind = "weighted_sum"

	// MaxFusion keeps the largest weight × similarity of any embedder.
	MaxFusion FusionKind = "max"

	// ReciprocalRankFusion adds weight / (k + rank) across embedders.
	ReciprocalRankFusion FusionKind = "rrf"
)

// DefaultRRFK is the usual smoothing constant for reciprocal rank fusion.
const DefaultRRFK = 60.0

// Fusion scores one embedder's contribution to a record and folds it into
// the record's running total.
type Fusion interface {
	Kind() FusionKind

	// Contribution is what a hit at rank (1-based) with similarity score
	// adds under weight.
	Contribution(weight, score float32, rank int) float64

	// Combine folds a contribution into an accumulated score.
	Combine(acc, contrib float64) float64

	// Ceiling bounds Contribution for any hit of an embedder whose
	// similarities never exceed maxScore.
	Ceiling(weight float32, maxScore float64) float64
}

// NewFusion returns the fusion for kind. rrfK is only used by
// ReciprocalRankFusion; values <= 0 select DefaultRRFK.
func NewFusion(kind FusionKind, rrfK float64) (Fusion, error) {
	switch kind {
	case WeightedSumFusion, "":
		return weightedSumFusion{}, nil
	case MaxFusion:
		return maxFusion{}, nil
	case ReciprocalRankFusion:
		if rrfK <= 0 {
			rrfK = DefaultRRFK
		}
		return reciprocalRankFusion{k: rrfK}, nil
	default:
		return nil, fmt.Errorf("unknown fusion kind: %s", kind)
	}
}

// ============================================================================
// WEIGHTED SUM FUSION
// ============================================================================

// weightedSumFusion is the default. With all weight on one embedder it
// reproduces that embedder's own similarity exactly.
type weightedSumFusion struct{}

func (weightedSumFusion) Kind() FusionKind { return WeightedSumFusion }

func (weightedSumFusion) Contribution(weight, score float32, _ int) float64 {
	return float64(weight) * float64(score)
}

func (weightedSumFusion) Combine(acc, contrib float64) float64 { return acc + contrib }

func (weightedSumFusion) Ceiling(weight float32, maxScore float64) float64 {
	return float64(weight) * maxScore
}

// ============================================================================
// MAX FUSION
// ============================================================================

// maxFusion favors records that excel in at least one space.
type maxFusion struct{}

func (maxFusion) Kind() FusionKind { return MaxFusion }

func (maxFusion) Contribution(weight, score float32, _ int) float64 {
	return float64(weight) * float64(score)
}

func (maxFusion) Combine(acc, contrib float64) float64 { return math.Max(acc, contrib) }

func (maxFusion) Ceiling(weight float32, maxScore float64) float64 {
	return float64(weight) * maxScore
}

// ============================================================================
// RECIPROCAL RANK FUSION (RRF)
// ============================================================================

// reciprocalRankFusion only looks at ranks, so embedders with incomparable
// score scales (BM25 against cosine) mix cleanly. Larger k flattens the
// difference between adjacent ranks.
//
// Reference: https://plg.uwaterloo.ca/~gvcormac/cormacksigir09-rrf.pdf
type reciprocalRankFusion struct {
	k float64
}

func (reciprocalRankFusion) Kind() FusionKind { return ReciprocalRankFusion }

func (f reciprocalRankFusion) Contribution(weight, _ float32, rank int) float64 {
	return float64(weight) / (f.k + float64(rank))
}

func (reciprocalRankFusion) Combine(acc, contrib float64) float64 { return acc + contrib }

func (f reciprocalRankFusion) Ceiling(weight float32, _ float64) float64 {
	return float64(weight) / (f.k + 1)
}

// rrfMerge fuses ranked hit lists that are not tied to an embedder, such as
// index postings and keyword matches. Output is ordered by descending fused
// score, then ascending doc ID.
func rrfMerge(k float64, lists ...[]IndexHit) []IndexHit {
	f := reciprocalRankFusion{k: k}
	scores := make(map[uint32]float64)
	for _, hits := range lists {
		for i, h := range hits {
			scores[h.DocID] += f.Contribution(1, h.Score, i+1)
		}
	}
	out := make([]IndexHit, 0, len(scores))
	for id, s := range scores {
		out = append(out, IndexHit{DocID: id, Score: float32(s)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].DocID < out[j].DocID
	})
	return out
}

// ============================================================================
// Accumulation
// ============================================================================

// fusedDoc is one record's running fused state.
type fusedDoc struct {
	docID       uint32
	score       float64
	perEmbedder EmbedderScores
}

// fusionAccumulator merges hit lists one embedder at a time, so staged
// search can inspect the standings between embedders.
type fusionAccumulator struct {
	fusion Fusion
	docs   map[uint32]*fusedDoc
}

func newFusionAccumulator(f Fusion) *fusionAccumulator {
	return &fusionAccumulator{fusion: f, docs: make(map[uint32]*fusedDoc)}
}

// add folds e's hits (already in rank order) in under weight w.
func (a *fusionAccumulator) add(e Embedder, w float32, hits []IndexHit) {
	for i, h := range hits {
		d := a.docs[h.DocID]
		contrib := a.fusion.Contribution(w, h.Score, i+1)
		if d == nil {
			d = &fusedDoc{docID: h.DocID, score: contrib}
			a.docs[h.DocID] = d
		} else {
			d.score = a.fusion.Combine(d.score, contrib)
		}
		d.perEmbedder.Set(e, h.Score)
	}
}

// ranked returns every record ordered by descending fused score, then
// ascending doc ID.
func (a *fusionAccumulator) ranked() []*fusedDoc {
	out := make([]*fusedDoc, 0, len(a.docs))
	for _, d := range a.docs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].docID < out[j].docID
	})
	return out
}

// settled reports whether no record outside the current top k can still
// reach it once embedders worth at most remaining more are folded in.
func (a *fusionAccumulator) settled(k int, remaining float64) bool {
	if k <= 0 || len(a.docs) < k {
		return false
	}
	r := a.ranked()
	kth := r[k-1].score
	next := 0.0
	if len(r) > k {
		next = r[k].score
	}
	return kth > remaining && kth-next > remaining
}
