// Package store holds the in-memory conversation list and the message
// sequences of loaded conversations. It is the single mutable resource the
// controller and the reveal scheduler share; every mutation is
// invariant-preserving and a mutation whose target no longer exists is a
// silent no-op, which is how stale asynchronous completions are ignored.
package store

import (
	"sort"
	"sync"
	"time"

	"github.com/wellspring-kb/session-controller/internal/model"
)

// Store is safe for concurrent use.
type Store struct {
	mu            sync.RWMutex
	conversations []model.Conversation
	messages      map[string][]model.Message
}

// New creates an empty store.
func New() *Store {
	return &Store{
		messages: make(map[string][]model.Message),
	}
}

// ListConversations returns a copy of the conversation list, ordered by
// last activity descending.
func (s *Store) ListConversations() []model.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Conversation, len(s.conversations))
	copy(out, s.conversations)
	return out
}

// SetConversations replaces the conversation list with the authoritative
// one and re-sorts it.
func (s *Store) SetConversations(convs []model.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.conversations = make([]model.Conversation, len(convs))
	copy(s.conversations, convs)
	s.sortLocked()
}

// PrependConversation inserts a conversation at the front of the list.
func (s *Store) PrependConversation(conv model.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.conversations = append([]model.Conversation{conv}, s.conversations...)
}

// RemoveConversation drops a conversation and its messages.
func (s *Store) RemoveConversation(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, c := range s.conversations {
		if c.ID == id {
			s.conversations = append(s.conversations[:i], s.conversations[i+1:]...)
			break
		}
	}
	delete(s.messages, id)
}

// TouchConversation updates the last-activity timestamp (kept monotonically
// non-decreasing) and re-sorts the list.
func (s *Store) TouchConversation(id string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.conversations {
		if s.conversations[i].ID == id {
			if at.After(s.conversations[i].LastActivity) {
				s.conversations[i].LastActivity = at
			}
			s.sortLocked()
			return
		}
	}
}

// RenameConversation sets a conversation's title.
func (s *Store) RenameConversation(id, title string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.conversations {
		if s.conversations[i].ID == id {
			s.conversations[i].Title = title
			return
		}
	}
}

// Title returns the current title of a conversation, or "" if unknown.
func (s *Store) Title(id string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, c := range s.conversations {
		if c.ID == id {
			return c.Title
		}
	}
	return ""
}

// Messages returns a copy of a conversation's message sequence, empty if
// the conversation is not loaded.
func (s *Store) Messages(conversationID string) []model.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.messages[conversationID]
	out := make([]model.Message, len(msgs))
	copy(out, msgs)
	return out
}

// ReplaceMessages atomically discards any local state for the conversation
// and installs the authoritative sequence.
func (s *Store) ReplaceMessages(conversationID string, msgs []model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	installed := make([]model.Message, len(msgs))
	copy(installed, msgs)
	s.messages[conversationID] = installed
}

// ClearMessages drops the loaded message sequence for a conversation.
func (s *Store) ClearMessages(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.messages, conversationID)
}

// AppendOptimisticUserMessage creates and appends a placeholder user
// message, returning it so the caller can later remove or replace it by
// identity.
func (s *Store) AppendOptimisticUserMessage(conversationID, text string) model.Message {
	msg := model.NewOptimisticUserMessage(text)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[conversationID] = append(s.messages[conversationID], msg)
	return msg
}

// AppendMessage appends a confirmed message at the end of the sequence.
func (s *Store) AppendMessage(conversationID string, msg model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[conversationID] = append(s.messages[conversationID], msg)
}

// UpsertAssistantPlaceholder inserts an empty-text assistant message
// immediately after its triggering user message. If the trigger is not
// found the placeholder is appended at the end.
func (s *Store) UpsertAssistantPlaceholder(conversationID, triggerMessageID string, placeholder model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := s.messages[conversationID]
	for i, m := range msgs {
		if m.ID == placeholder.ID {
			return
		}
		if m.ID == triggerMessageID {
			msgs = append(msgs[:i+1], append([]model.Message{placeholder}, msgs[i+1:]...)...)
			s.messages[conversationID] = msgs
			return
		}
	}
	s.messages[conversationID] = append(msgs, placeholder)
}

// MutateAssistantText rewrites the text of an assistant message. This is
// the only mutation path the reveal scheduler uses; it no-ops if the
// message no longer exists.
func (s *Store) MutateAssistantText(conversationID, messageID, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := s.messages[conversationID]
	for i := range msgs {
		if msgs[i].ID == messageID && msgs[i].Role == model.RoleAssistant {
			msgs[i].Text = text
			return
		}
	}
}

// RemoveMessage removes a message by id, no-op if absent. Used to roll back
// a failed or cancelled optimistic send.
func (s *Store) RemoveMessage(conversationID, messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := s.messages[conversationID]
	for i, m := range msgs {
		if m.ID == messageID {
			s.messages[conversationID] = append(msgs[:i], msgs[i+1:]...)
			return
		}
	}
}

func (s *Store) sortLocked() {
	sort.SliceStable(s.conversations, func(i, j int) bool {
		return s.conversations[i].LastActivity.After(s.conversations[j].LastActivity)
	})
}
