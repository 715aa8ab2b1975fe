package storage

import "errors"

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrNoPending is returned by ClaimNextPending when no PENDING request could
// be claimed — either the queue is empty or concurrent workers won every row.
// Callers should retry on the next poll, not against the row they lost.
var ErrNoPending = errors.New("storage: no pending request")

// ErrNotTerminal is returned when a continuation is requested on a request
// that is still active.
var ErrNotTerminal = errors.New("storage: request is not in a terminal state")

// ErrTerminal is returned when a mutation would violate the
// terminal-immutability invariant (e.g. appending an iteration to a
// completed request).
var ErrTerminal = errors.New("storage: request is in a terminal state")
