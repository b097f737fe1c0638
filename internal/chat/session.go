// Package chat implements the streaming-session orchestrator. It tracks
// in-flight generations keyed by a conversation id, reconciles provisional
// ids with backend-confirmed ones without losing buffered content, cancels
// locally even when the remote cancel fails, and recovers partial content
// after a reconnect.
//
// The registry is the sole shared mutable resource. Every component reads
// and writes through it, so all subscribers converge on one consistent view.
package chat

import (
	"sync"
	"time"
)

// SessionID keys a session in the registry. Negative values are provisional
// ids assigned locally before the backend confirms a conversation id;
// positive values are backend-assigned and durable.
type SessionID int64

// Provisional reports whether the id is a locally assigned placeholder.
func (id SessionID) Provisional() bool {
	return id < 0
}

// Session is a point-in-time snapshot of one session's state. Snapshots are
// values; mutating one never affects the registry.
type Session struct {
	ID SessionID
	// SubtaskID is the backend's id for the assistant sub-exchange, zero
	// until the stream resolves it. Cancellation and recovery key on it.
	SubtaskID int64
	// Streaming is true while chunks are still being consumed.
	Streaming bool
	// Stopping is true between a stop request and its terminal transition.
	// Stopping implies Streaming.
	Stopping bool
	// Content is the accumulated reply text. It only ever grows within a
	// session's lifetime; a reset deletes the whole entry.
	Content string
	// Err is the terminal error, if the session ended in one.
	Err error
	// PendingUserMessage echoes the user's message for optimistic
	// rendering until the session reaches a terminal state.
	PendingUserMessage string
	// PendingAttachmentID references an uploaded attachment for optimistic
	// rendering, cleared together with PendingUserMessage.
	PendingAttachmentID int64
	// UpdatedAt is bumped on every mutation; the remap conflict rule uses
	// it to pick the fresher of two entries.
	UpdatedAt time.Time
}

// Callbacks carry a session's completion, error, and id-resolution hooks.
// They are registered at start and travel with the session through a remap.
// Nil fields are skipped.
type Callbacks struct {
	// OnComplete fires exactly once when the exchange finished and the
	// backend holds durable state worth re-fetching.
	OnComplete func(id SessionID, subtaskID int64)
	// OnError fires exactly once on a terminal failure. OnComplete and
	// OnError are mutually exclusive.
	OnError func(err error)
	// OnIDResolved fires exactly once when the provisional id is replaced
	// by the backend-confirmed one.
	OnIDResolved func(realID SessionID)
}

// outcome is a session's single-resolution result holder. Storing the
// callbacks behind one holder, and moving the holder by pointer on remap,
// keeps their identity stable while the storage key changes mid-flight.
type outcome struct {
	terminal sync.Once
	resolved sync.Once
	cb       Callbacks
}

func newOutcome(cb Callbacks) *outcome {
	return &outcome{cb: cb}
}

// complete fires OnComplete if no terminal callback has fired yet.
func (o *outcome) complete(id SessionID, subtaskID int64) {
	o.terminal.Do(func() {
		if o.cb.OnComplete != nil {
			o.cb.OnComplete(id, subtaskID)
		}
	})
}

// fail fires OnError if no terminal callback has fired yet.
func (o *outcome) fail(err error) {
	o.terminal.Do(func() {
		if o.cb.OnError != nil {
			o.cb.OnError(err)
		}
	})
}

// resolveID fires OnIDResolved on the first id resolution only.
func (o *outcome) resolveID(realID SessionID) {
	o.resolved.Do(func() {
		if o.cb.OnIDResolved != nil {
			o.cb.OnIDResolved(realID)
		}
	})
}

// sessionState is a registry entry: the snapshot plus the resources that are
// not part of the public view. The abort handle stops byte consumption for
// exactly this session; it is replaced, never duplicated, on remap.
type sessionState struct {
	snap    Session
	abort   func()
	outcome *outcome
}
