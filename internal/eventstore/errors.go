package eventstore

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidBatch marks a batch rejected before contacting the store:
	// empty, mixed aggregates, non-contiguous sequences, or unencodable.
	ErrInvalidBatch = errors.New("invalid event batch")

	// ErrConcurrencyConflict matches every *ConflictError.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrStoreFailure matches every *StoreError.
	ErrStoreFailure = errors.New("store failure")
)

// ConflictError reports a lost optimistic race: the stream did not have the
// length the batch expected, or another writer appended to it between the
// length check and the commit. The caller should reload the aggregate and
// retry with a freshly built batch.
type ConflictError struct {
	AggregateType    string
	AggregateID      string
	ExpectedSequence int64
	ObservedLength   int64
	// GuardViolated is set when the length matched but the commit was
	// rejected by the store's guard.
	GuardViolated bool
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("concurrent modification detected for aggregate %s %q: expected sequence %d, stream length %d",
		e.AggregateType, e.AggregateID, e.ExpectedSequence, e.ObservedLength)
}

// Is makes errors.Is(err, ErrConcurrencyConflict) hold.
func (e *ConflictError) Is(target error) bool {
	return target == ErrConcurrencyConflict
}

// StoreError wraps a transport or store failure that is not a guard
// violation. Whether a failed commit was applied is unknown to the
// caller; read the stream length before retrying.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store failure during %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrStoreFailure) hold.
func (e *StoreError) Is(target error) bool {
	return target == ErrStoreFailure
}
