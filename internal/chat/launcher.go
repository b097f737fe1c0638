package chat

import (
	"context"
	"log/slog"
	"unicode/utf8"

	"github.com/parley-ai/parley/internal/api"
)

// Streamer opens streaming exchanges against the backend. *api.Client is
// adapted to this interface by the service; tests substitute fakes.
type Streamer interface {
	// Send opens a new exchange. The returned channel yields events in
	// receipt order and closes after a terminal event, or without one when
	// ctx is cancelled.
	Send(ctx context.Context, req api.SendRequest) (<-chan api.StreamEvent, error)
	// Resume re-attaches to a running exchange from a rune offset.
	Resume(ctx context.Context, subtaskID int64, offset int) (<-chan api.StreamEvent, error)
}

// Request describes one user message to launch.
type Request struct {
	// ConversationID continues an existing conversation when positive.
	// Zero starts a new conversation under a provisional id.
	ConversationID SessionID
	// Message is the user's text.
	Message string
	// ModelID optionally overrides the agent's model.
	ModelID string
	// ForceModelOverride applies ModelID even when the agent pins a model.
	ForceModelOverride bool
	// AttachmentID references a previously uploaded file.
	AttachmentID int64
	// WebSearch enables web search for this message.
	WebSearch bool
	// SearchEngine selects the engine when WebSearch is set.
	SearchEngine string
	// Clarification asks the agent for structured follow-up questions.
	Clarification bool
}

// Launcher opens one streaming exchange per session and applies its events
// to the registry.
type Launcher struct {
	reg      *Registry
	streamer Streamer
	logger   *slog.Logger
}

// NewLauncher creates a launcher writing through reg.
func NewLauncher(reg *Registry, streamer Streamer, logger *slog.Logger) *Launcher {
	return &Launcher{reg: reg, streamer: streamer, logger: logger}
}

// Start registers a session and returns its id before any network I/O, so
// the caller can render optimistic state synchronously. When req names no
// conversation the id is provisional (negative) until the stream resolves
// the real one.
//
// The stream is deliberately not bound to a caller context: generation keeps
// running when the subscriber goes away. Stop, Delete, or CloseAll end it.
func (l *Launcher) Start(req Request, cb Callbacks) (SessionID, error) {
	id := req.ConversationID
	if id == 0 {
		id = l.reg.NextProvisionalID()
	}

	ctx, abort := context.WithCancel(context.Background())
	st := &sessionState{
		snap: Session{
			ID:                  id,
			Streaming:           true,
			PendingUserMessage:  req.Message,
			PendingAttachmentID: req.AttachmentID,
		},
		abort:   abort,
		outcome: newOutcome(cb),
	}
	if err := l.reg.registerState(st); err != nil {
		abort()
		return 0, err
	}

	go l.run(ctx, st, id, req)
	return id, nil
}

// Resume registers a session seeded with already-recovered content and
// re-attaches to the backend stream from the matching offset. The backend
// counts offsets in characters, so the seed length is measured in runes.
func (l *Launcher) Resume(conversationID SessionID, subtaskID int64, content string, cb Callbacks) error {
	ctx, abort := context.WithCancel(context.Background())
	st := &sessionState{
		snap: Session{
			ID:        conversationID,
			SubtaskID: subtaskID,
			Streaming: true,
			Content:   content,
		},
		abort:   abort,
		outcome: newOutcome(cb),
	}
	if err := l.reg.registerState(st); err != nil {
		abort()
		return err
	}

	offset := utf8.RuneCountInString(content)
	go func() {
		events, err := l.streamer.Resume(ctx, subtaskID, offset)
		if err != nil {
			l.failed(conversationID, err)
			return
		}
		l.consume(st, conversationID, events)
	}()
	return nil
}

// run opens the exchange and consumes it to a terminal state.
func (l *Launcher) run(ctx context.Context, st *sessionState, id SessionID, req Request) {
	taskID := int64(req.ConversationID)
	if taskID < 0 {
		// Provisional ids never reach the wire.
		taskID = 0
	}
	events, err := l.streamer.Send(ctx, api.SendRequest{
		Message:            req.Message,
		ConversationID:     taskID,
		ModelID:            req.ModelID,
		ForceModelOverride: req.ForceModelOverride,
		AttachmentID:       req.AttachmentID,
		WebSearch:          req.WebSearch,
		SearchEngine:       req.SearchEngine,
		Clarification:      req.Clarification,
	})
	if err != nil {
		l.failed(id, err)
		return
	}
	l.consume(st, id, events)
}

// consume applies stream events to the registry in receipt order. current
// tracks the session's key, which changes once when the backend id resolves.
func (l *Launcher) consume(st *sessionState, current SessionID, events <-chan api.StreamEvent) {
	for ev := range events {
		switch e := ev.(type) {
		case api.Resolved:
			next, ok := l.resolve(st, current, e)
			if !ok {
				// This flow lost a remap conflict; its stream is
				// already aborted.
				return
			}
			current = next
		case api.Delta:
			if _, ok := l.reg.Append(current, e.Content); !ok {
				if l.logger != nil {
					l.logger.Warn("Dropping delta for missing session", "session_id", int64(current))
				}
				return
			}
		case api.Completed:
			l.completed(current)
			return
		case api.Failed:
			l.failed(current, e.Err)
			return
		}
	}
	// Closed without a terminal event: a local abort. Whoever aborted owns
	// the terminal transition.
}

// resolve records the subtask id, remaps the provisional key to the backend
// one, and fires OnIDResolved once. It reports false when this flow's entry
// lost a remap conflict to a concurrent flow.
func (l *Launcher) resolve(st *sessionState, current SessionID, e api.Resolved) (SessionID, bool) {
	l.reg.Update(current, func(s *Session) {
		s.SubtaskID = e.SubtaskID
	})

	target := current
	if newID := SessionID(e.ConversationID); newID > 0 && newID != current {
		if err := l.reg.Remap(current, newID); err != nil {
			if l.logger != nil {
				l.logger.Warn("Session id remap failed",
					"old_id", int64(current), "new_id", int64(newID), "error", err)
			}
		} else {
			target = newID
		}
	}

	if l.reg.outcomeOf(target) != st.outcome {
		return current, false
	}
	// A stream missing its conversation id leaves the entry provisional;
	// resolution is only announced once the durable id is known.
	if !target.Provisional() {
		st.outcome.resolveID(target)
	}
	return target, true
}

// completed releases the abort handle, moves the session to its terminal
// state, and fires OnComplete exactly once.
func (l *Launcher) completed(id SessionID) {
	l.reg.releaseAbort(id)
	snap, ok := l.reg.Update(id, func(s *Session) {
		s.Streaming = false
		s.Stopping = false
		s.PendingUserMessage = ""
		s.PendingAttachmentID = 0
	})
	if !ok {
		return
	}
	if o := l.reg.outcomeOf(id); o != nil {
		o.complete(id, snap.SubtaskID)
	}
	if l.logger != nil {
		l.logger.Debug("Stream completed", "session_id", int64(id), "subtask_id", snap.SubtaskID, "content_len", len(snap.Content))
	}
}

// failed classifies cause by whether content had arrived, moves the session
// to its terminal state, and fires OnError exactly once.
func (l *Launcher) failed(id SessionID, cause error) {
	l.reg.releaseAbort(id)

	var terminal error
	if snap, ok := l.reg.Get(id); ok && len(snap.Content) > 0 {
		terminal = &PartialStreamError{Received: len(snap.Content), Cause: cause}
	} else {
		terminal = &TransportError{Cause: cause}
	}

	l.reg.Update(id, func(s *Session) {
		s.Streaming = false
		s.Stopping = false
		s.Err = terminal
		s.PendingUserMessage = ""
		s.PendingAttachmentID = 0
	})
	if o := l.reg.outcomeOf(id); o != nil {
		o.fail(terminal)
	}
	if l.logger != nil {
		l.logger.Warn("Stream failed", "session_id", int64(id), "error", terminal)
	}
}
