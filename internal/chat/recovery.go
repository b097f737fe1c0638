package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/parley-ai/parley/internal/api"
)

// Backend subtask descriptor values, matching the backend's enums.
const (
	SubtaskStatusRunning = "RUNNING"
	SubtaskRoleAssistant = "ASSISTANT"
)

// SubtaskDescriptor identifies one historical exchange of a conversation, as
// reported by the backend's message history.
type SubtaskDescriptor struct {
	SubtaskID int64
	// Status is the backend's subtask status (PENDING, RUNNING, COMPLETED,
	// FAILED). Only RUNNING subtasks can hold recoverable content.
	Status string
	// Role is USER or ASSISTANT. Only assistant subtasks stream replies.
	Role string
}

// RecoveredSession is the probe outcome for one subtask.
type RecoveredSession struct {
	SubtaskID int64
	// Recovered reports whether buffered content was found.
	Recovered bool
	// Content is the buffered partial reply.
	Content string
	// Streaming reports whether the generation is still producing output
	// server-side. When true the recoverer re-attaches to the live tail.
	Streaming bool
	// Incomplete marks content cut short by a dead client; the caller may
	// surface it as possibly truncated.
	Incomplete bool
}

// RecoveryClient fetches buffered content for a subtask.
type RecoveryClient interface {
	StreamingContent(ctx context.Context, subtaskID int64) (api.StreamingContent, error)
}

// Recoverer reconstructs in-progress generation content after a reconnect.
type Recoverer struct {
	reg      *Registry
	probe    RecoveryClient
	launcher *Launcher
	logger   *slog.Logger
}

// NewRecoverer creates a recoverer. launcher may be nil to disable live
// re-attachment.
func NewRecoverer(reg *Registry, probe RecoveryClient, launcher *Launcher, logger *slog.Logger) *Recoverer {
	return &Recoverer{reg: reg, probe: probe, launcher: launcher, logger: logger}
}

// ProbeConversation checks every server-side running assistant subtask of a
// conversation for buffered content. Subtasks the registry already reports
// as actively streaming locally are never probed: the same logical stream
// must not be consumed from two sources.
//
// A probe miss degrades to Recovered=false; it never fails the whole call.
// When a probed subtask is still streaming server-side, the recoverer seeds
// a session with the recovered content and re-attaches to the live tail, so
// cb fires for that session like for a normal start.
func (r *Recoverer) ProbeConversation(ctx context.Context, conversationID SessionID, descs []SubtaskDescriptor, cb Callbacks) []RecoveredSession {
	var results []RecoveredSession
	for _, d := range descs {
		if !strings.EqualFold(d.Role, SubtaskRoleAssistant) {
			continue
		}
		if !strings.EqualFold(d.Status, SubtaskStatusRunning) {
			continue
		}
		if r.reg.subtaskStreaming(d.SubtaskID) {
			if r.logger != nil {
				r.logger.Debug("Skipping recovery probe for locally streaming subtask",
					"conversation_id", int64(conversationID), "subtask_id", d.SubtaskID)
			}
			continue
		}
		results = append(results, r.probeOne(ctx, conversationID, d.SubtaskID, cb))
	}
	return results
}

// probeOne fetches buffered content for one subtask and re-attaches when the
// generation is still live.
func (r *Recoverer) probeOne(ctx context.Context, conversationID SessionID, subtaskID int64, cb Callbacks) RecoveredSession {
	sc, err := r.probe.StreamingContent(ctx, subtaskID)
	if err != nil {
		if errors.Is(err, api.ErrNoBufferedContent) {
			if r.logger != nil {
				r.logger.Debug("No buffered content for subtask", "subtask_id", subtaskID)
			}
		} else if r.logger != nil {
			r.logger.Warn("Recovery probe failed", "subtask_id", subtaskID, "error", err)
		}
		return RecoveredSession{SubtaskID: subtaskID}
	}

	recovered := RecoveredSession{
		SubtaskID:  subtaskID,
		Recovered:  true,
		Content:    sc.Content,
		Streaming:  sc.Streaming,
		Incomplete: sc.Incomplete,
	}
	if r.logger != nil {
		r.logger.Info("Recovered buffered content",
			"conversation_id", int64(conversationID), "subtask_id", subtaskID,
			"source", sc.Source, "streaming", sc.Streaming, "content_len", len(sc.Content))
	}

	if sc.Streaming && r.launcher != nil {
		if err := r.launcher.Resume(conversationID, subtaskID, sc.Content, cb); err != nil {
			// An existing live entry for this conversation keeps
			// priority; the recovered snapshot is still returned.
			if r.logger != nil {
				r.logger.Debug("Skipping live re-attach", "conversation_id", int64(conversationID), "error", err)
			}
		}
	}
	return recovered
}
