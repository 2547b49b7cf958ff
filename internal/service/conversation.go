// Package service implements the gateway's business logic: per-user
// conversation records and answer generation.
package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wellspring-kb/session-controller/internal/events"
	"github.com/wellspring-kb/session-controller/internal/model"
	"github.com/wellspring-kb/session-controller/pkg/logger"
	"github.com/wellspring-kb/session-controller/pkg/metrics"
)

// ErrNotFound marks a conversation that does not exist for the user.
// Handlers map it to 404, which clients treat as already-deleted.
var ErrNotFound = errors.New("conversation not found")

// greetingText is seeded into every new conversation.
const greetingText = "Hello! Ask me anything about the knowledge base."

type record struct {
	conv     model.Conversation
	messages []model.Message
}

// ConversationService owns conversation and message records, partitioned
// per user. Storage is in memory; the event stream is the durable record.
type ConversationService struct {
	events events.Publisher
	log    *logger.Logger

	mu     sync.RWMutex
	byUser map[string]map[string]*record
}

// NewConversationService creates a conversation service.
func NewConversationService(pub events.Publisher, log *logger.Logger) *ConversationService {
	return &ConversationService{
		events: pub,
		log:    log,
		byUser: make(map[string]map[string]*record),
	}
}

// Create creates a conversation with a seeded assistant greeting.
func (s *ConversationService) Create(ctx context.Context, userID string) (*model.CreateConversationResponse, error) {
	now := time.Now()
	conv := model.Conversation{
		ID:           uuid.Must(uuid.NewV7()).String(),
		Title:        model.DefaultTitle,
		LastActivity: now,
	}
	greeting := model.Message{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Role:      model.RoleAssistant,
		Text:      greetingText,
		CreatedAt: now,
	}

	s.mu.Lock()
	if s.byUser[userID] == nil {
		s.byUser[userID] = make(map[string]*record)
	}
	s.byUser[userID][conv.ID] = &record{
		conv:     conv,
		messages: []model.Message{greeting},
	}
	s.mu.Unlock()

	metrics.ConversationsTotal.WithLabelValues(userID).Inc()
	s.log.Info("conversation created", "conversation_id", conv.ID, "user_id", userID)

	return &model.CreateConversationResponse{
		ID:       conv.ID,
		Title:    conv.Title,
		Messages: []model.Message{greeting},
	}, nil
}

// List returns the user's conversations ordered by last activity
// descending.
func (s *ConversationService) List(ctx context.Context, userID string) ([]model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	convs := make([]model.Conversation, 0, len(s.byUser[userID]))
	for _, rec := range s.byUser[userID] {
		convs = append(convs, rec.conv)
	}
	sort.Slice(convs, func(i, j int) bool {
		return convs[i].LastActivity.After(convs[j].LastActivity)
	})
	return convs, nil
}

// Delete removes a conversation and its messages. Deleting a missing
// conversation returns ErrNotFound.
func (s *ConversationService) Delete(ctx context.Context, userID, conversationID string) error {
	s.mu.Lock()
	_, ok := s.byUser[userID][conversationID]
	if ok {
		delete(s.byUser[userID], conversationID)
	}
	s.mu.Unlock()

	if !ok {
		return ErrNotFound
	}

	if err := s.events.PublishConversationEvent(ctx, &model.ConversationEvent{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: conversationID,
		UserID:         userID,
		Type:           model.ConversationEventDeleted,
		CreatedAt:      time.Now(),
	}); err != nil {
		s.log.Warn("event publish failed", "conversation_id", conversationID, "error", err)
	}

	s.log.Info("conversation deleted", "conversation_id", conversationID, "user_id", userID)
	return nil
}

// Messages returns a conversation's messages ordered by creation time
// ascending.
func (s *ConversationService) Messages(ctx context.Context, userID, conversationID string) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.byUser[userID][conversationID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]model.Message, len(rec.messages))
	copy(out, rec.messages)
	return out, nil
}

// AppendMessage persists a message, bumps last activity and, for the
// first user message, derives the conversation title from it.
func (s *ConversationService) AppendMessage(userID, conversationID string, msg model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byUser[userID][conversationID]
	if !ok {
		return ErrNotFound
	}
	rec.messages = append(rec.messages, msg)
	rec.conv.LastActivity = msg.CreatedAt

	if msg.Role == model.RoleUser && rec.conv.Title == model.DefaultTitle {
		rec.conv.Title = deriveTitle(msg.Text)
	}

	metrics.MessagesTotal.WithLabelValues(userID, string(msg.Role)).Inc()
	return nil
}

// maxTitleRunes bounds a derived conversation title.
const maxTitleRunes = 40

func deriveTitle(text string) string {
	runes := []rune(text)
	if len(runes) <= maxTitleRunes {
		return text
	}
	return string(runes[:maxTitleRunes]) + "…"
}
