package api

import "encoding/json"

// StreamEvent is one event of a streaming chat exchange. The set of
// implementations is closed: Delta, Resolved, Completed, Failed. Consumers
// switch on the concrete type instead of inspecting raw payload shapes.
type StreamEvent interface {
	streamEvent()
}

// Delta carries one content chunk in receipt order.
type Delta struct {
	// Content is the text fragment to append.
	Content string
	// Offset is the character offset the backend reports for this chunk.
	Offset int
	// Cached is set when the chunk was replayed from the backend's buffer
	// during a resume rather than generated live.
	Cached bool
}

// Resolved announces the backend-assigned identifiers for the exchange.
// It is emitted at most once per stream, before any Delta that depends on it.
type Resolved struct {
	// ConversationID is the durable conversation (task) id.
	ConversationID int64
	// SubtaskID is the id of the assistant sub-exchange, used for
	// cancellation and recovery.
	SubtaskID int64
}

// Completed is the terminal success event.
type Completed struct {
	// Result is the backend's final result payload, if any.
	Result json.RawMessage
}

// Failed is the terminal failure event.
type Failed struct {
	Err error
}

func (Delta) streamEvent()     {}
func (Resolved) streamEvent()  {}
func (Completed) streamEvent() {}
func (Failed) streamEvent()    {}
