package embeddings

import (
	"context"
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// DefaultDims is the length of vectors produced by the speaker model.
const DefaultDims = 512

// NormEpsilon is the tolerance applied to the unit-norm check.
const NormEpsilon = 1e-4

var (
	// ErrInvalidAudio means the audio could not be decoded or featurized.
	ErrInvalidAudio = errors.New("invalid audio")
	// ErrUnsupportedInput means the input was rejected before or during inference,
	// including model calls that exceeded their deadline.
	ErrUnsupportedInput = errors.New("unsupported input")
	// ErrNotUnitNorm means a vector's Euclidean norm is not 1 within NormEpsilon.
	ErrNotUnitNorm = errors.New("vector is not unit norm")
)

// DimensionMismatchError reports a vector whose length differs from the expected one.
type DimensionMismatchError struct {
	Expected int
	Actual   int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// Vector is a speaker embedding. Treat it as immutable once produced.
type Vector []float64

// Norm returns the Euclidean norm of v.
func (v Vector) Norm() float64 {
	if len(v) == 0 {
		return 0
	}
	return floats.Norm(v, 2)
}

// Clone returns a copy that does not share backing storage with v.
func (v Vector) Clone() Vector {
	if v == nil {
		return nil
	}
	out := make(Vector, len(v))
	copy(out, v)
	return out
}

// Validate checks the length against dims and the norm against 1 ± NormEpsilon.
func (v Vector) Validate(dims int) error {
	if len(v) != dims {
		return &DimensionMismatchError{Expected: dims, Actual: len(v)}
	}
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return fmt.Errorf("%w: contains non-finite component", ErrNotUnitNorm)
		}
	}
	if n := v.Norm(); math.Abs(n-1.0) > NormEpsilon {
		return fmt.Errorf("%w: norm %.6f", ErrNotUnitNorm, n)
	}
	return nil
}

// Model computes a speaker embedding from raw audio bytes.
// Implementations must be safe for concurrent use.
type Model interface {
	Embed(ctx context.Context, audio []byte) (Vector, error)
}
