package chat

import (
	"context"
	"log/slog"
	"time"
)

// DefaultCancelTimeout bounds the best-effort remote cancel call so a stop
// can never hang on a dead backend.
const DefaultCancelTimeout = 5 * time.Second

// RemoteCanceller asks the backend to stop a generation and persist the
// partial content it has so far.
type RemoteCanceller interface {
	Cancel(ctx context.Context, subtaskID int64, partialContent string) error
}

// Canceller stops sessions. Local consumption stops immediately and
// unconditionally; the remote cancel is best-effort and never blocks the
// terminal transition.
type Canceller struct {
	reg     *Registry
	remote  RemoteCanceller
	timeout time.Duration
	logger  *slog.Logger
}

// NewCanceller creates a canceller. timeout <= 0 selects
// DefaultCancelTimeout.
func NewCanceller(reg *Registry, remote RemoteCanceller, timeout time.Duration, logger *slog.Logger) *Canceller {
	if timeout <= 0 {
		timeout = DefaultCancelTimeout
	}
	return &Canceller{reg: reg, remote: remote, timeout: timeout, logger: logger}
}

// Stop cancels the session. It is a no-op when the session is absent or not
// streaming. The session always reaches a terminal, non-stopping state
// before Stop returns: a failed remote cancel is logged, never surfaced.
// OnComplete fires only when the backend confirmed the cancel and therefore
// holds durable state worth re-fetching.
func (c *Canceller) Stop(ctx context.Context, id SessionID) {
	snap, ok := c.reg.Get(id)
	if !ok || !snap.Streaming {
		return
	}

	c.reg.Update(id, func(s *Session) {
		s.Stopping = true
	})

	// Local abort first: byte consumption halts immediately whatever the
	// remote call does.
	c.reg.releaseAbort(id)

	// Snapshot content as of the stop; the remote cancel persists exactly
	// what the user saw.
	snap, ok = c.reg.Get(id)
	if !ok {
		return
	}
	partial := snap.Content

	remoteOK := false
	if snap.SubtaskID != 0 {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		err := c.remote.Cancel(callCtx, snap.SubtaskID, partial)
		cancel()
		if err != nil {
			if c.logger != nil {
				c.logger.Warn("Remote cancel failed; advancing locally",
					"session_id", int64(id), "subtask_id", snap.SubtaskID, "error", err)
			}
		} else {
			remoteOK = true
		}
	} else if c.logger != nil {
		// The stream was stopped before the backend assigned a subtask;
		// there is nothing to cancel remotely.
		c.logger.Debug("Stopping session without subtask id", "session_id", int64(id))
	}

	c.reg.Update(id, func(s *Session) {
		s.Streaming = false
		s.Stopping = false
		s.PendingUserMessage = ""
		s.PendingAttachmentID = 0
	})

	if remoteOK {
		if o := c.reg.outcomeOf(id); o != nil {
			o.complete(id, snap.SubtaskID)
		}
	}
	if c.logger != nil {
		c.logger.Info("Session stopped",
			"session_id", int64(id), "remote_cancelled", remoteOK, "partial_len", len(partial))
	}
}
