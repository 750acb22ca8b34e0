package centroids

import (
	"errors"
	"fmt"

	"speaker-id/internal/embeddings"
)

// IssueKind classifies a validation problem.
type IssueKind string

const (
	IssueDimension IssueKind = "dimension"
	IssueNorm      IssueKind = "norm"
	IssueShape     IssueKind = "shape"
)

// Issue is a single validation finding for one speaker.
type Issue struct {
	Speaker string    `json:"speaker"`
	Kind    IssueKind `json:"kind"`
	Detail  string    `json:"detail"`
}

// Report is the outcome of validating a centroid document. Loading never
// fails because of validation findings; callers inspect the report and
// decide whether to accept the data.
type Report struct {
	Entries int     `json:"entries"`
	Issues  []Issue `json:"issues,omitempty"`
}

// Valid reports whether no issue was found.
func (r Report) Valid() bool { return len(r.Issues) == 0 }

// Err returns nil for a valid report and an ErrInvalidData error otherwise.
func (r Report) Err() error {
	if r.Valid() {
		return nil
	}
	return fmt.Errorf("%w: %d issue(s), first: %s %s (%s)",
		ErrInvalidData, len(r.Issues), r.Issues[0].Speaker, r.Issues[0].Kind, r.Issues[0].Detail)
}

// Validate checks every entry against the embedding invariants.
func Validate(s *Snapshot, dims int) Report {
	r := Report{Entries: s.Len()}
	for _, e := range s.Entries() {
		if err := e.Vector.Validate(dims); err != nil {
			r.Issues = append(r.Issues, issueFor(e.Name, err))
		}
	}
	return r
}

func issueFor(name string, err error) Issue {
	kind := IssueShape
	var dm *embeddings.DimensionMismatchError
	switch {
	case errors.As(err, &dm):
		kind = IssueDimension
	case errors.Is(err, embeddings.ErrNotUnitNorm):
		kind = IssueNorm
	}
	return Issue{Speaker: name, Kind: kind, Detail: err.Error()}
}
