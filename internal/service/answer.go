package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wellspring-kb/session-controller/internal/events"
	"github.com/wellspring-kb/session-controller/internal/llm"
	"github.com/wellspring-kb/session-controller/internal/model"
	"github.com/wellspring-kb/session-controller/pkg/logger"
)

// AnswerService turns a user query into a persisted exchange: the user
// message, the model call and the assistant answer.
type AnswerService struct {
	convs  *ConversationService
	llm    llm.Client
	events events.Publisher
	log    *logger.Logger
}

// NewAnswerService creates an answer service.
func NewAnswerService(convs *ConversationService, llmClient llm.Client, pub events.Publisher, log *logger.Logger) *AnswerService {
	return &AnswerService{
		convs:  convs,
		llm:    llmClient,
		events: pub,
		log:    log,
	}
}

// Answer handles a buffered send: persist the user message, generate the
// full answer, persist it and return both.
func (s *AnswerService) Answer(ctx context.Context, userID, conversationID string, req *model.SendMessageRequest) (*model.SendMessageResponse, error) {
	userMsg, history, err := s.acceptQuery(userID, conversationID, req.Query)
	if err != nil {
		return nil, err
	}

	resp, err := s.llm.Complete(ctx, &llm.CompletionRequest{
		Model:    req.Model,
		Messages: history,
	})
	if err != nil {
		s.reportFailure(conversationID, userID, err)
		return nil, fmt.Errorf("generate answer: %w", err)
	}

	botMsg, err := s.persistAnswer(ctx, userID, conversationID, resp)
	if err != nil {
		return nil, err
	}

	return &model.SendMessageResponse{
		UserMessage: userMsg,
		BotMessage:  botMsg,
	}, nil
}

// AnswerStream handles a streamed send: the same persistence as Answer,
// with progress emitted through onEvent. The terminal event is always
// either end or error.
func (s *AnswerService) AnswerStream(ctx context.Context, userID, conversationID string, req *model.SendMessageRequest, onEvent func(model.StreamEvent) error) error {
	_, history, err := s.acceptQuery(userID, conversationID, req.Query)
	if err != nil {
		return err
	}

	if err := onEvent(model.StreamEvent{Type: model.EventThought, Data: "Consulting the knowledge base"}); err != nil {
		return err
	}

	resp, err := s.llm.CompleteStream(ctx, &llm.CompletionRequest{
		Model:    req.Model,
		Messages: history,
	}, func(token string, _ int) error {
		return onEvent(model.StreamEvent{Type: model.EventMessage, Data: token})
	})
	if err != nil {
		s.reportFailure(conversationID, userID, err)
		_ = onEvent(model.StreamEvent{Type: model.EventError, Data: "answer generation failed"})
		return fmt.Errorf("generate answer: %w", err)
	}

	if _, err := s.persistAnswer(ctx, userID, conversationID, resp); err != nil {
		_ = onEvent(model.StreamEvent{Type: model.EventError, Data: "answer persistence failed"})
		return err
	}

	return onEvent(model.StreamEvent{Type: model.EventEnd})
}

// acceptQuery persists the user message and returns it with the model
// input history, the persisted message included.
func (s *AnswerService) acceptQuery(userID, conversationID, query string) (model.Message, []llm.ChatMessage, error) {
	prior, err := s.convs.Messages(context.Background(), userID, conversationID)
	if err != nil {
		return model.Message{}, nil, err
	}

	userMsg := model.Message{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Role:      model.RoleUser,
		Text:      query,
		CreatedAt: time.Now(),
	}
	if err := s.convs.AppendMessage(userID, conversationID, userMsg); err != nil {
		return model.Message{}, nil, err
	}

	history := make([]llm.ChatMessage, 0, len(prior)+1)
	for _, msg := range prior {
		history = append(history, llm.ChatMessage{
			Role:    string(msg.Role),
			Content: msg.Text,
		})
	}
	history = append(history, llm.ChatMessage{
		Role:    string(model.RoleUser),
		Content: query,
	})
	return userMsg, history, nil
}

func (s *AnswerService) persistAnswer(ctx context.Context, userID, conversationID string, resp *llm.CompletionResponse) (model.Message, error) {
	botMsg := model.Message{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Role:      model.RoleAssistant,
		Text:      resp.Content,
		CreatedAt: time.Now(),
	}
	if err := s.convs.AppendMessage(userID, conversationID, botMsg); err != nil {
		return model.Message{}, err
	}

	if err := s.events.PublishConversationEvent(ctx, &model.ConversationEvent{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: conversationID,
		UserID:         userID,
		Type:           model.ConversationEventMessage,
		CreatedAt:      time.Now(),
	}); err != nil {
		s.log.Warn("event publish failed", "conversation_id", conversationID, "error", err)
	}

	s.log.Debug("answer persisted",
		"conversation_id", conversationID,
		"model", resp.Model,
		"tokens_out", resp.TokensOut,
		"latency_ms", resp.LatencyMs,
	)
	return botMsg, nil
}

// reportFailure publishes the event matching a failed generation:
// cancelled when the caller went away, error otherwise.
func (s *AnswerService) reportFailure(conversationID, userID string, genErr error) {
	eventType := model.ConversationEventError
	if errors.Is(genErr, context.Canceled) {
		eventType = model.ConversationEventCancelled
	}

	if err := s.events.PublishConversationEvent(context.Background(), &model.ConversationEvent{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: conversationID,
		UserID:         userID,
		Type:           eventType,
		Reason:         genErr.Error(),
		CreatedAt:      time.Now(),
	}); err != nil {
		s.log.Warn("event publish failed", "conversation_id", conversationID, "error", err)
	}
}
