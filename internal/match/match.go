// Package match ranks enrolled speakers against a query embedding.
package match

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"

	"speaker-id/internal/centroids"
	"speaker-id/internal/embeddings"
)

// DefaultMaxResults caps a ranked list when no limit is configured.
const DefaultMaxResults = 5

// Distance returns |1 - a·b|. For unit vectors that is the cosine distance:
// 0 for identical direction, growing as the speakers differ.
func Distance(a, b embeddings.Vector) (float64, error) {
	if len(a) != len(b) {
		return 0, &embeddings.DimensionMismatchError{Expected: len(a), Actual: len(b)}
	}
	if len(a) == 0 {
		return 1, nil
	}
	return math.Abs(1 - floats.Dot(a, b)), nil
}

// Result pairs a speaker with its distance to the query.
type Result struct {
	Name     string  `json:"name"`
	Distance float64 `json:"result"`
}

// Ranked is sorted by ascending distance.
type Ranked []Result

// Best returns the closest speaker.
func (r Ranked) Best() (Result, bool) {
	if len(r) == 0 {
		return Result{}, false
	}
	return r[0], true
}

// Margin is the distance gap between the best and second-best speakers, or
// +Inf when fewer than two speakers were ranked.
func (r Ranked) Margin() float64 {
	if len(r) < 2 {
		return math.Inf(1)
	}
	return r[1].Distance - r[0].Distance
}

// Ranker orders candidates by distance to a query.
type Ranker interface {
	Rank(query embeddings.Vector, candidates []centroids.Entry) (Ranked, error)
}

// LinearRanker scores every candidate on each call.
type LinearRanker struct {
	MaxResults int
}

func NewLinearRanker(maxResults int) *LinearRanker {
	if maxResults <= 0 {
		maxResults = DefaultMaxResults
	}
	return &LinearRanker{MaxResults: maxResults}
}

// Rank returns at most MaxResults candidates. Ties keep candidate order.
func (l *LinearRanker) Rank(query embeddings.Vector, candidates []centroids.Entry) (Ranked, error) {
	out := make(Ranked, 0, len(candidates))
	for _, c := range candidates {
		d, err := Distance(query, c.Vector)
		if err != nil {
			return nil, fmt.Errorf("speaker %q: %w", c.Name, err)
		}
		out = append(out, Result{Name: c.Name, Distance: d})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	if len(out) > l.MaxResults {
		out = out[:l.MaxResults]
	}
	return out, nil
}

// Verify reports whether the closest ranked speaker is strictly nearer than
// threshold. The list is sorted, so only the head needs checking. A distance
// equal to threshold is not a match.
func Verify(r Ranked, threshold float64) bool {
	best, ok := r.Best()
	return ok && best.Distance < threshold
}
