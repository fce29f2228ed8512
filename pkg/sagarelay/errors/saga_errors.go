package errors

import "fmt"

// DuplicateKeyError indicates an insert collided with an existing unique key.
// Recovery: the caller should treat the pre-existing row as authoritative,
// not retry the insert.
type DuplicateKeyError struct {
	Table string
	Key   string
}

// Error implements the error interface.
func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("duplicate key %q in %s", e.Key, e.Table)
}

// ConcurrencyConflictError indicates a SaveSaga call lost an optimistic
// concurrency race: the stored version no longer matched ExpectedVersion.
type ConcurrencyConflictError struct {
	CorrelationID   string
	ExpectedVersion int
	ActualVersion   int
}

// Error implements the error interface.
func (e *ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("saga %s: expected version %d, found %d",
		e.CorrelationID, e.ExpectedVersion, e.ActualVersion)
}

// UnexpectedEventForStateError indicates an event arrived for a saga that
// has no transition defined from its current state for that event kind.
// Recovery: dead-letter the event, do not retry.
type UnexpectedEventForStateError struct {
	CorrelationID string
	State         string
	EventType     string
}

// Error implements the error interface.
func (e *UnexpectedEventForStateError) Error() string {
	return fmt.Sprintf("saga %s: event %q is unexpected in state %q",
		e.CorrelationID, e.EventType, e.State)
}

// DeserializationError indicates a stored payload could not be decoded back
// into its Go type. Recovery: treat as permanent, never retry.
type DeserializationError struct {
	Target string
	Cause  error
}

// Error implements the error interface.
func (e *DeserializationError) Error() string {
	return fmt.Sprintf("deserialize %s: %s", e.Target, e.Cause)
}

// Unwrap returns the underlying decode error.
func (e *DeserializationError) Unwrap() error {
	return e.Cause
}

// PersistenceError wraps a failure from the Store that is neither a
// duplicate key nor a concurrency conflict (connection loss, disk error).
// Treated as transient so the caller's retry loop will try again.
type PersistenceError struct {
	Op    string
	Cause error
}

// Error implements the error interface.
func (e *PersistenceError) Error() string {
	return fmt.Sprintf("store %s: %s", e.Op, e.Cause)
}

// Unwrap returns the underlying store error.
func (e *PersistenceError) Unwrap() error {
	return e.Cause
}
