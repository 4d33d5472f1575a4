package core

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by stores when no document exists for the key.
	ErrNotFound = errors.New("not found")

	// ErrStorageUnavailable marks durable-store unreachability. The engine
	// fails the turn when persistence was required for correctness (first
	// thread-handle assignment) and degrades to in-memory state otherwise.
	ErrStorageUnavailable = errors.New("session storage unavailable")

	// ErrTooManyToolCycles is the engine-imposed safety bound on consecutive
	// requires-action cycles within one turn.
	ErrTooManyToolCycles = errors.New("too many consecutive tool cycles")

	// ErrEmptyTurn rejects a turn with neither user content nor attachments.
	ErrEmptyTurn = errors.New("empty turn: no content and no attachments")
)

// BackendRunError reports that the backend run itself failed. The backend's
// reason is forwarded verbatim to the user-visible status line.
type BackendRunError struct {
	RunID  string
	Reason string
}

func (e *BackendRunError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("backend run %s failed", e.RunID)
	}
	return fmt.Sprintf("backend run %s failed: %s", e.RunID, e.Reason)
}

// TransportDeliveryError reports a transport operation that kept failing after
// the bounded retry schedule was exhausted.
type TransportDeliveryError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *TransportDeliveryError) Error() string {
	return fmt.Sprintf("transport %s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

// Unwrap exposes the final underlying transport error.
func (e *TransportDeliveryError) Unwrap() error { return e.Err }

// MalformedEventError records a stream item that violated the ordering
// invariants (e.g. a TextDelta with no preceding MessageStarted). The engine
// recovers by synthesizing the missing event and logs the anomaly; this error
// is informational and never aborts a turn.
type MalformedEventError struct {
	Reason string
}

func (e *MalformedEventError) Error() string {
	return fmt.Sprintf("malformed stream event: %s", e.Reason)
}
