package model

import (
	"time"
)

// StreamEventType tags events on a streamed send. Lines arrive tagged
// "event:"; an untagged event defaults to EventMessage.
type StreamEventType string

const (
	// EventMessage is the default event type: incremental answer text.
	EventMessage StreamEventType = "message"
	// EventThought is an advisory progress event, safe to discard.
	EventThought StreamEventType = "thought"
	// EventEnd terminates a streamed send; the caller stops reading and
	// re-fetches authoritative messages.
	EventEnd StreamEventType = "end"
	// EventError carries a server-side failure reason.
	EventError StreamEventType = "error"
)

// StreamEvent is one reassembled server-sent event.
type StreamEvent struct {
	Type StreamEventType
	Data string
}

// ConversationEventType classifies lifecycle events published to the event
// bus by the gateway server.
type ConversationEventType string

const (
	ConversationEventMessage   ConversationEventType = "message"
	ConversationEventError     ConversationEventType = "error"
	ConversationEventCancelled ConversationEventType = "cancelled"
	ConversationEventDeleted   ConversationEventType = "deleted"
)

// ConversationEvent is a lifecycle event for a conversation.
type ConversationEvent struct {
	ID             string                `json:"id"`
	ConversationID string                `json:"conversation_id"`
	UserID         string                `json:"user_id"`
	Type           ConversationEventType `json:"type"`
	Reason         string                `json:"reason,omitempty"`
	CreatedAt      time.Time             `json:"created_at"`
}
