package store

import "errors"

// ErrStaleVersion is returned by UpdateTask (and the operations built on
// it) when the caller's expected version no longer matches the stored
// record. It is never fatal: the documented recovery is reload and retry.
var ErrStaleVersion = errors.New("store: stale version")

// ErrNotFound is returned when an id does not resolve to a record.
var ErrNotFound = errors.New("store: not found")

// ErrWrongWorker is returned when a completion or failure report is bound
// to a worker id that does not match the task's current assignment.
var ErrWrongWorker = errors.New("store: worker mismatch")

// ErrInvalidTransition is returned when a caller requests a state change
// forbidden by the entity's invariants (e.g. completed -> *).
var ErrInvalidTransition = errors.New("store: invalid transition")
