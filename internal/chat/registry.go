package chat

import (
	"log/slog"
	"sync"
	"time"
)

// DefaultMaxSessions caps concurrent live sessions. Each session holds an
// open response body and a consumer goroutine.
const DefaultMaxSessions = 32

// Observer receives registry change notifications. Implementations must not
// block: notifications are delivered synchronously from the mutating
// goroutine, so per-session ordering matches apply order.
type Observer interface {
	// SessionUpdated is called with a fresh snapshot after every mutation.
	SessionUpdated(s Session)
	// SessionResolved is called when an entry moves from a provisional id
	// to the backend-assigned one. s carries the state under the new id.
	SessionResolved(oldID SessionID, s Session)
	// SessionDeleted is called after an entry is removed.
	SessionDeleted(id SessionID)
}

// RegistryConfig holds construction options for a Registry.
type RegistryConfig struct {
	// MaxSessions caps live entries. Zero selects DefaultMaxSessions.
	MaxSessions int
	// Logger receives registry diagnostics. Nil disables logging.
	Logger *slog.Logger
	// Clock overrides time.Now, mainly for tests.
	Clock func() time.Time
}

// Registry is the shared store mapping a session id to its live state.
// All mutation happens under one lock, so a reader can never observe a
// partially applied update. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	sessions map[SessionID]*sessionState
	// lastProvisional is the most recent (most negative) provisional id
	// handed out, used to keep ids strictly decreasing within a process.
	lastProvisional int64

	obsMu     sync.RWMutex
	observers map[Observer]struct{}

	maxSessions int
	logger      *slog.Logger
	clock       func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	maxSessions := cfg.MaxSessions
	if maxSessions <= 0 {
		maxSessions = DefaultMaxSessions
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Registry{
		sessions:    make(map[SessionID]*sessionState),
		observers:   make(map[Observer]struct{}),
		maxSessions: maxSessions,
		logger:      cfg.Logger,
		clock:       clock,
	}
}

// NextProvisionalID returns a fresh provisional id: negative, derived from
// the wall clock, and strictly decreasing so it can never collide with a
// backend-assigned positive id or an earlier provisional one.
func (r *Registry) NextProvisionalID() SessionID {
	r.mu.Lock()
	defer r.mu.Unlock()

	candidate := -r.clock().UnixMilli()
	if r.lastProvisional != 0 && candidate >= r.lastProvisional {
		candidate = r.lastProvisional - 1
	}
	r.lastProvisional = candidate
	return SessionID(candidate)
}

// Register adds a snapshot-only entry. The launcher uses registerState to
// attach an abort handle and callbacks; Register exists for entries that
// carry neither, and for tests.
func (r *Registry) Register(snap Session) error {
	return r.registerState(&sessionState{snap: snap, outcome: newOutcome(Callbacks{})})
}

// registerState adds a full entry, enforcing uniqueness and the session cap.
func (r *Registry) registerState(st *sessionState) error {
	r.mu.Lock()
	if _, exists := r.sessions[st.snap.ID]; exists {
		r.mu.Unlock()
		return ErrSessionExists
	}
	if len(r.sessions) >= r.maxSessions {
		r.mu.Unlock()
		return ErrTooManySessions
	}
	st.snap.UpdatedAt = r.clock()
	r.sessions[st.snap.ID] = st
	snap := st.snap
	r.mu.Unlock()

	r.notifyUpdated(snap)
	return nil
}

// Get returns a snapshot of the session.
func (r *Registry) Get(id SessionID) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.sessions[id]
	if !ok {
		return Session{}, false
	}
	return st.snap, true
}

// Sessions returns snapshots of all entries, in no particular order.
func (r *Registry) Sessions() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Session, 0, len(r.sessions))
	for _, st := range r.sessions {
		out = append(out, st.snap)
	}
	return out
}

// Update applies mutate to the session under the registry lock and notifies
// observers with the resulting snapshot. The id and content fields are owned
// by the registry: mutate must not change ID, and content changes belong in
// Append.
func (r *Registry) Update(id SessionID, mutate func(*Session)) (Session, bool) {
	r.mu.Lock()
	st, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return Session{}, false
	}
	mutate(&st.snap)
	st.snap.ID = id
	st.snap.UpdatedAt = r.clock()
	snap := st.snap
	r.mu.Unlock()

	r.notifyUpdated(snap)
	return snap, true
}

// Append concatenates chunk onto the session's content. Appends for one
// session always arrive from its single consumer goroutine, so content
// equals the exact concatenation of chunks in receipt order.
func (r *Registry) Append(id SessionID, chunk string) (Session, bool) {
	r.mu.Lock()
	st, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return Session{}, false
	}
	st.snap.Content += chunk
	st.snap.UpdatedAt = r.clock()
	snap := st.snap
	r.mu.Unlock()

	r.notifyUpdated(snap)
	return snap, true
}

// Delete removes the entry. A deleted entry must not keep consuming bytes,
// so any abort handle still attached is invoked.
func (r *Registry) Delete(id SessionID) {
	r.mu.Lock()
	st, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	if st.abort != nil {
		st.abort()
	}
	r.notifyDeleted(id)
}

// Remap atomically moves all state held under oldID to newID: content, abort
// handle, callbacks (by holder identity), and pending optimistic fields.
//
// If newID already holds independent state, the entry that is actively
// streaming wins; when neither or both stream, the more recently updated one
// wins. The losing entry's abort handle is invoked so it cannot keep
// consuming bytes. A repeat call after the move completed is a no-op.
func (r *Registry) Remap(oldID, newID SessionID) error {
	if oldID == newID {
		return nil
	}

	r.mu.Lock()
	old, okOld := r.sessions[oldID]
	if !okOld {
		_, okNew := r.sessions[newID]
		r.mu.Unlock()
		if okNew {
			return nil
		}
		return ErrSessionNotFound
	}

	var loser *sessionState
	if existing, conflict := r.sessions[newID]; conflict {
		winner := pickRemapWinner(old, existing)
		if winner == old {
			loser = existing
		} else {
			loser = old
		}
		r.sessions[newID] = winner
		winner.snap.ID = newID
		winner.snap.UpdatedAt = r.clock()
	} else {
		r.sessions[newID] = old
		old.snap.ID = newID
		old.snap.UpdatedAt = r.clock()
	}
	delete(r.sessions, oldID)
	snap := r.sessions[newID].snap
	logger := r.logger
	r.mu.Unlock()

	if loser != nil {
		if loser.abort != nil {
			loser.abort()
		}
		if logger != nil {
			logger.Warn("Remap conflict; dropped duplicate session entry",
				"old_id", int64(oldID), "new_id", int64(newID),
				"dropped_streaming", loser.snap.Streaming)
		}
	}

	r.notifyResolved(oldID, snap)
	return nil
}

// pickRemapWinner resolves a remap collision. An actively streaming entry is
// never dropped in favor of an idle one.
func pickRemapWinner(a, b *sessionState) *sessionState {
	if a.snap.Streaming != b.snap.Streaming {
		if a.snap.Streaming {
			return a
		}
		return b
	}
	if b.snap.UpdatedAt.After(a.snap.UpdatedAt) {
		return b
	}
	return a
}

// outcomeOf returns the session's result holder, or nil if the id is gone.
func (r *Registry) outcomeOf(id SessionID) *outcome {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if st, ok := r.sessions[id]; ok {
		return st.outcome
	}
	return nil
}

// releaseAbort invokes and clears the session's abort handle. It returns
// true when a handle was present.
func (r *Registry) releaseAbort(id SessionID) bool {
	r.mu.Lock()
	st, ok := r.sessions[id]
	var abort func()
	if ok {
		abort = st.abort
		st.abort = nil
	}
	r.mu.Unlock()

	if abort == nil {
		return false
	}
	abort()
	return true
}

// subtaskStreaming reports whether any live entry is actively streaming the
// given subtask. Recovery must not probe such subtasks: the same logical
// stream would be consumed from two sources.
func (r *Registry) subtaskStreaming(subtaskID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, st := range r.sessions {
		if st.snap.SubtaskID == subtaskID && st.snap.Streaming {
			return true
		}
	}
	return false
}

// AddObserver registers an observer for change notifications.
func (r *Registry) AddObserver(o Observer) {
	r.obsMu.Lock()
	defer r.obsMu.Unlock()
	r.observers[o] = struct{}{}
}

// RemoveObserver unregisters an observer.
func (r *Registry) RemoveObserver(o Observer) {
	r.obsMu.Lock()
	defer r.obsMu.Unlock()
	delete(r.observers, o)
}

func (r *Registry) notifyUpdated(snap Session) {
	r.obsMu.RLock()
	observers := make([]Observer, 0, len(r.observers))
	for o := range r.observers {
		observers = append(observers, o)
	}
	r.obsMu.RUnlock()

	for _, o := range observers {
		o.SessionUpdated(snap)
	}
}

func (r *Registry) notifyResolved(oldID SessionID, snap Session) {
	r.obsMu.RLock()
	observers := make([]Observer, 0, len(r.observers))
	for o := range r.observers {
		observers = append(observers, o)
	}
	r.obsMu.RUnlock()

	for _, o := range observers {
		o.SessionResolved(oldID, snap)
	}
}

func (r *Registry) notifyDeleted(id SessionID) {
	r.obsMu.RLock()
	observers := make([]Observer, 0, len(r.observers))
	for o := range r.observers {
		observers = append(observers, o)
	}
	r.obsMu.RUnlock()

	for _, o := range observers {
		o.SessionDeleted(id)
	}
}

// CloseAll aborts every live stream. Used on shutdown; entries stay in the
// registry so late observers still see their last state.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	aborts := make([]func(), 0, len(r.sessions))
	for _, st := range r.sessions {
		if st.abort != nil {
			aborts = append(aborts, st.abort)
			st.abort = nil
		}
	}
	r.mu.Unlock()

	for _, abort := range aborts {
		abort()
	}
}
