package centroids

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformed means a blob is not a valid centroid document.
	ErrMalformed = errors.New("malformed centroid document")
	// ErrInvalidData means the data failed validation and strict mode refused it.
	ErrInvalidData = errors.New("centroid data failed validation")
)

// PersistenceError wraps a backend failure during a store operation.
// CURRENT is never modified by an operation that returns one before its
// final write.
type PersistenceError struct {
	Op   string
	Blob string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("centroids: %s %s: %v", e.Op, e.Blob, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
