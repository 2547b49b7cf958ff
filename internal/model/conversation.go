// Package model defines data structures shared by the session controller
// and the conversation gateway.
package model

import (
	"time"
)

// DefaultTitle is the placeholder title a conversation carries until the
// first exchange (or an explicit rename) gives it a real one.
const DefaultTitle = "New conversation"

// Conversation represents a conversation thread as the gateway reports it.
type Conversation struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	LastActivity time.Time `json:"last_activity"`
}

// CreateConversationResponse is returned by POST /conversations. The initial
// message set may be empty or contain a seeded greeting.
type CreateConversationResponse struct {
	ID       string    `json:"id"`
	Title    string    `json:"title"`
	Messages []Message `json:"messages"`
}

// ListConversationsResponse is the response for listing conversations,
// ordered by last activity descending.
type ListConversationsResponse struct {
	Conversations []Conversation `json:"conversations"`
}
