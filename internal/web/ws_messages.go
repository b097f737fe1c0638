// Package web provides the WebSocket gateway for Parley chat sessions.
//
// # WebSocket Protocol Overview
//
// The gateway exposes a single WebSocket endpoint:
//   - /ws: session control and streaming updates
//
// All messages are JSON-encoded with the following structure:
//
//	{
//	    "type": "message_type",
//	    "data": { ... }  // Optional, type-specific payload
//	}
//
// A client subscribes to the conversations it cares about and receives a
// snapshot followed by incremental updates. Starting a message auto-subscribes
// the client to the resulting session.
package web

import (
	"encoding/json"
	"time"

	"github.com/parley-ai/parley/internal/chat"
	"github.com/parley-ai/parley/internal/clarify"
)

// WSMessage represents a WebSocket message between client and gateway.
// All WebSocket communication uses this envelope format.
type WSMessage struct {
	Type string          `json:"type"`           // Message type (see WSMsgType* constants)
	Data json.RawMessage `json:"data,omitempty"` // Type-specific payload
}

// ParseMessage parses raw message bytes into a WSMessage.
func ParseMessage(data []byte) (WSMessage, error) {
	var msg WSMessage
	err := json.Unmarshal(data, &msg)
	return msg, err
}

// =============================================================================
// Client → Gateway Message Types
// =============================================================================

const (
	// WSMsgTypeSubscribe subscribes to updates for one conversation.
	// A conversation_id of 0 subscribes to every session.
	// Data: { "conversation_id": int64 }
	WSMsgTypeSubscribe = "subscribe"

	// WSMsgTypeUnsubscribe removes a subscription.
	// A conversation_id of 0 removes the subscribe-to-all subscription.
	// Data: { "conversation_id": int64 }
	WSMsgTypeUnsubscribe = "unsubscribe"

	// WSMsgTypeStart sends a user message, starting or continuing a
	// conversation. The client is auto-subscribed to the session.
	// Data: { "message": string, "conversation_id": int64 (optional),
	//         "model_id": string (optional), "force_model_override": bool,
	//         "attachment_id": int64 (optional), "web_search": bool,
	//         "search_engine": string (optional), "clarification": bool }
	WSMsgTypeStart = "start"

	// WSMsgTypeStop cancels a streaming session, keeping the partial reply.
	// Data: { "conversation_id": int64 }
	WSMsgTypeStop = "stop"

	// WSMsgTypeReset discards a finished session's local state.
	// Data: { "conversation_id": int64 }
	WSMsgTypeReset = "reset"

	// WSMsgTypeRecover probes a conversation's unfinished exchanges for
	// buffered content after a reconnect. The subtask list comes from the
	// client's own view of the conversation history.
	// Data: { "conversation_id": int64,
	//         "subtasks": [{ "id": int64, "status": string, "role": string }] }
	WSMsgTypeRecover = "recover"
)

// =============================================================================
// Gateway → Client Message Types
// =============================================================================

const (
	// WSMsgTypeConnected confirms the WebSocket connection is established.
	// Data: { "client_id": string }
	WSMsgTypeConnected = "connected"

	// WSMsgTypeSnapshot carries the current state of a session, sent once
	// when a subscription attaches to it.
	// Data: SessionPayload
	WSMsgTypeSnapshot = "snapshot"

	// WSMsgTypeUpdate carries a fresh session state after any change.
	// Data: SessionPayload
	WSMsgTypeUpdate = "update"

	// WSMsgTypeDeleted notifies that a session entry was removed, for
	// example by a reset.
	// Data: { "id": int64 }
	WSMsgTypeDeleted = "deleted"

	// WSMsgTypeResolved notifies that a provisional id was replaced by the
	// backend-confirmed conversation id. Subscriptions follow automatically.
	// Data: { "provisional_id": int64, "id": int64 }
	WSMsgTypeResolved = "resolved"

	// WSMsgTypeComplete notifies that an exchange finished and the backend
	// holds its durable state.
	// Data: { "id": int64, "subtask_id": int64 }
	WSMsgTypeComplete = "complete"

	// WSMsgTypeRecovered carries the outcome of a recover probe.
	// Data: { "conversation_id": int64, "sessions": [RecoveredPayload] }
	WSMsgTypeRecovered = "recovered"

	// WSMsgTypeError reports an error to the client.
	// Data: { "id": int64 (optional), "message": string }
	WSMsgTypeError = "error"
)

// =============================================================================
// Payload Types
// =============================================================================

// StartPayload is the data for a start message.
type StartPayload struct {
	Message            string `json:"message"`
	ConversationID     int64  `json:"conversation_id,omitempty"`
	ModelID            string `json:"model_id,omitempty"`
	ForceModelOverride bool   `json:"force_model_override,omitempty"`
	AttachmentID       int64  `json:"attachment_id,omitempty"`
	WebSearch          bool   `json:"web_search,omitempty"`
	SearchEngine       string `json:"search_engine,omitempty"`
	Clarification      bool   `json:"clarification,omitempty"`
}

// ConversationRef is the data for subscribe, unsubscribe, stop, and reset.
type ConversationRef struct {
	ConversationID int64 `json:"conversation_id"`
}

// SubtaskRef describes one historical exchange in a recover request.
type SubtaskRef struct {
	ID     int64  `json:"id"`
	Status string `json:"status"`
	Role   string `json:"role"`
}

// RecoverPayload is the data for a recover message.
type RecoverPayload struct {
	ConversationID int64        `json:"conversation_id"`
	Subtasks       []SubtaskRef `json:"subtasks"`
}

// ConnectedPayload is the data for a connected message.
type ConnectedPayload struct {
	ClientID string `json:"client_id"`
}

// ResolvedPayload is the data for a resolved message.
type ResolvedPayload struct {
	ProvisionalID int64 `json:"provisional_id"`
	ID            int64 `json:"id"`
}

// CompletePayload is the data for a complete message.
type CompletePayload struct {
	ID        int64 `json:"id"`
	SubtaskID int64 `json:"subtask_id"`
}

// DeletedPayload is the data for a deleted message.
type DeletedPayload struct {
	ID int64 `json:"id"`
}

// ErrorPayload is the data for an error message.
type ErrorPayload struct {
	ID      int64  `json:"id,omitempty"`
	Message string `json:"message"`
}

// RecoveredSessionPayload is one probe outcome inside a recovered message.
type RecoveredSessionPayload struct {
	SubtaskID  int64  `json:"subtask_id"`
	Recovered  bool   `json:"recovered"`
	Content    string `json:"content,omitempty"`
	Streaming  bool   `json:"streaming"`
	Incomplete bool   `json:"incomplete,omitempty"`
}

// RecoveredPayload is the data for a recovered message.
type RecoveredPayload struct {
	ConversationID int64                     `json:"conversation_id"`
	Sessions       []RecoveredSessionPayload `json:"sessions"`
}

// ReplyAnalysis classifies a finished reply for the client. Exactly one of
// Clarification and FinalPrompt is set unless Kind is "plain".
type ReplyAnalysis struct {
	// Kind is "plain", "clarification", or "final_prompt".
	Kind          string                 `json:"kind"`
	Clarification *clarify.Clarification `json:"clarification,omitempty"`
	FinalPrompt   *clarify.FinalPrompt   `json:"final_prompt,omitempty"`
}

// SessionPayload is the wire form of a session snapshot.
type SessionPayload struct {
	ID                  int64          `json:"id"`
	SubtaskID           int64          `json:"subtask_id,omitempty"`
	Streaming           bool           `json:"streaming"`
	Stopping            bool           `json:"stopping,omitempty"`
	Content             string         `json:"content"`
	Error               string         `json:"error,omitempty"`
	PendingUserMessage  string         `json:"pending_user_message,omitempty"`
	PendingAttachmentID int64          `json:"pending_attachment_id,omitempty"`
	UpdatedAt           time.Time      `json:"updated_at"`
	Analysis            *ReplyAnalysis `json:"analysis,omitempty"`
}

// newSessionPayload converts a session snapshot for the wire. Finished
// replies are classified with parser; streaming ones are not, since a block
// may still be incomplete mid-stream.
func newSessionPayload(s chat.Session, parser *clarify.Parser) SessionPayload {
	p := SessionPayload{
		ID:                  int64(s.ID),
		SubtaskID:           s.SubtaskID,
		Streaming:           s.Streaming,
		Stopping:            s.Stopping,
		Content:             s.Content,
		PendingUserMessage:  s.PendingUserMessage,
		PendingAttachmentID: s.PendingAttachmentID,
		UpdatedAt:           s.UpdatedAt,
	}
	if s.Err != nil {
		p.Error = s.Err.Error()
	}
	if !s.Streaming && s.Err == nil && s.Content != "" && parser != nil {
		p.Analysis = analyzeReply(s.Content, parser)
	}
	return p
}

// analyzeReply classifies finished content.
func analyzeReply(content string, parser *clarify.Parser) *ReplyAnalysis {
	if c := parser.Parse(content); c != nil {
		return &ReplyAnalysis{Kind: "clarification", Clarification: c}
	}
	if f := parser.ParseFinalPrompt(content); f != nil {
		return &ReplyAnalysis{Kind: "final_prompt", FinalPrompt: f}
	}
	return &ReplyAnalysis{Kind: "plain"}
}
