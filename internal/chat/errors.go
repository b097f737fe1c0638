package chat

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionNotFound is returned when an operation references an id
	// the registry does not hold.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionExists is returned when registering an id that is already
	// live.
	ErrSessionExists = errors.New("session already exists")

	// ErrTooManySessions is returned when the registry is at capacity.
	ErrTooManySessions = errors.New("too many concurrent sessions")

	// ErrSessionActive is returned by Reset while the session is still
	// streaming; a session must reach a terminal state before deletion.
	ErrSessionActive = errors.New("session is still streaming")
)

// TransportError is a terminal failure that happened before any content
// arrived. The caller may retry; the orchestrator never does.
type TransportError struct {
	Cause error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("stream failed before any content: %v", e.Cause)
}

func (e *TransportError) Unwrap() error { return e.Cause }

// PartialStreamError is a terminal failure after partial content was already
// appended. The received content stays visible; retrying is the caller's
// decision because re-generating changes conversation semantics.
type PartialStreamError struct {
	// Received is how many bytes of content had arrived before the failure.
	Received int
	Cause    error
}

func (e *PartialStreamError) Error() string {
	return fmt.Sprintf("stream failed after %d bytes of content: %v", e.Received, e.Cause)
}

func (e *PartialStreamError) Unwrap() error { return e.Cause }
