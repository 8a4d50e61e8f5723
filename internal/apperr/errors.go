// Package apperr holds the error taxonomy shared by the store, builder and transports.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrAlreadyExists = errors.New("already exists")
	ErrInvalid       = errors.New("invalid argument")
)

// SplitError reports input the splitter cannot work with.
type SplitError struct {
	Reason string
}

func (e *SplitError) Error() string {
	return "split: " + e.Reason
}

// ExternalClientError reports an embedding or summarization call that kept
// failing after every retry.
type ExternalClientError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *ExternalClientError) Error() string {
	return fmt.Sprintf("external %s failed after %d attempt(s): %v", e.Op, e.Attempts, e.Err)
}

func (e *ExternalClientError) Unwrap() error { return e.Err }

// EmbeddingModelMismatch is returned when a query vector and the indexed
// vectors come from different embedding models.
type EmbeddingModelMismatch struct {
	QueryModel  string
	StoredModel string
}

func (e *EmbeddingModelMismatch) Error() string {
	return fmt.Sprintf("embedding model mismatch: query %q, index %q", e.QueryModel, e.StoredModel)
}

// DanglingReferenceError is returned when a summary edge or relationship
// points at a chunk that does not exist (or lives in another message).
type DanglingReferenceError struct {
	From string
	To   string
}

func (e *DanglingReferenceError) Error() string {
	if e.From == "" {
		return fmt.Sprintf("dangling reference to chunk %q", e.To)
	}
	return fmt.Sprintf("dangling reference from %q to chunk %q", e.From, e.To)
}

// IsSplit reports whether err is (or wraps) a SplitError.
func IsSplit(err error) bool {
	var se *SplitError
	return errors.As(err, &se)
}

// IsExternal reports whether err is (or wraps) an ExternalClientError.
func IsExternal(err error) bool {
	var ee *ExternalClientError
	return errors.As(err, &ee)
}

// IsModelMismatch reports whether err is (or wraps) an EmbeddingModelMismatch.
func IsModelMismatch(err error) bool {
	var me *EmbeddingModelMismatch
	return errors.As(err, &me)
}

// IsDangling reports whether err is (or wraps) a DanglingReferenceError.
func IsDangling(err error) bool {
	var de *DanglingReferenceError
	return errors.As(err, &de)
}
