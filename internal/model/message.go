package model

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role represents the role of a message sender.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// senderBot is the wire name older gateway deployments use for assistant
// messages.
const senderBot = "bot"

// localIDPrefix tags optimistic message ids so they can never collide with a
// server-assigned id.
const localIDPrefix = "local-"

// Source is a citation attached to an assistant message.
type Source struct {
	Title string `json:"title"`
	URL   string `json:"url,omitempty"`
}

// Message represents a conversation message. Optimistic messages carry a
// locally generated id until the server confirms or the operation is rolled
// back; confirmed messages carry the server-assigned id.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"sender"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"timestamp"`
	Sources   []Source  `json:"sources,omitempty"`

	// Error marks a synthetic assistant-role message that reports a failed
	// send in-thread. Never set on server-confirmed messages.
	Error bool `json:"error,omitempty"`
}

// NewOptimisticUserMessage creates a locally tagged, not-yet-confirmed user
// message.
func NewOptimisticUserMessage(text string) Message {
	return Message{
		ID:        localIDPrefix + uuid.Must(uuid.NewV7()).String(),
		Role:      RoleUser,
		Text:      text,
		CreatedAt: time.Now(),
	}
}

// NewAssistantErrorMessage creates a synthetic assistant-role message that
// reports a failed send in-thread, distinguishable from a normal answer.
func NewAssistantErrorMessage(text string) Message {
	return Message{
		ID:        localIDPrefix + uuid.Must(uuid.NewV7()).String(),
		Role:      RoleAssistant,
		Text:      text,
		CreatedAt: time.Now(),
		Error:     true,
	}
}

// Optimistic reports whether the message id is a local placeholder.
func (m Message) Optimistic() bool {
	return strings.HasPrefix(m.ID, localIDPrefix)
}

// UnmarshalJSON accepts both "assistant" and the legacy "bot" sender value.
func (m *Message) UnmarshalJSON(data []byte) error {
	type alias Message
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	if a.Role == senderBot {
		a.Role = RoleAssistant
	}
	*m = Message(a)
	return nil
}

// SendMessageRequest is the body of POST /conversations/{id}/messages.
type SendMessageRequest struct {
	Query string `json:"query"`
	Model string `json:"model,omitempty"`
}

// SendMessageResponse is the buffered-mode response: the persisted user
// message and the generated assistant message.
type SendMessageResponse struct {
	UserMessage Message `json:"user_message"`
	BotMessage  Message `json:"bot_message"`
}

// ListMessagesResponse is the response for listing a conversation's
// messages, ordered by creation time ascending.
type ListMessagesResponse struct {
	Messages []Message `json:"messages"`
}
