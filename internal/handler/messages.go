package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/wellspring-kb/session-controller/internal/middleware"
	"github.com/wellspring-kb/session-controller/internal/model"
	"github.com/wellspring-kb/session-controller/internal/service"
	"github.com/wellspring-kb/session-controller/pkg/logger"
	"github.com/wellspring-kb/session-controller/pkg/metrics"
)

// MessageHandler handles message endpoints.
type MessageHandler struct {
	answers *service.AnswerService
	convs   *service.ConversationService
	logger  *logger.Logger
}

// NewMessageHandler creates a message handler.
func NewMessageHandler(answers *service.AnswerService, convs *service.ConversationService, log *logger.Logger) *MessageHandler {
	return &MessageHandler{answers: answers, convs: convs, logger: log}
}

// List handles GET /api/v1/conversations/{id}/messages
func (h *MessageHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	msgs, err := h.convs.Messages(ctx, userID, conversationID)
	if err != nil {
		writeServiceError(w, h.logger, err, "list messages", conversationID)
		return
	}

	writeJSON(w, http.StatusOK, &model.ListMessagesResponse{Messages: msgs})
}

// Send handles POST /api/v1/conversations/{id}/messages. Clients that
// accept text/event-stream get the streamed protocol; everyone else gets
// the buffered response with both persisted messages.
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req model.SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateQuery(req.Query); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		h.sendStreamed(w, r, userID, conversationID, &req)
		return
	}

	resp, err := h.answers.Answer(ctx, userID, conversationID, &req)
	if err != nil {
		writeServiceError(w, h.logger, err, "generate answer", conversationID)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *MessageHandler) sendStreamed(w http.ResponseWriter, r *http.Request, userID, conversationID string, req *model.SendMessageRequest) {
	ctx := r.Context()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	err := h.answers.AnswerStream(ctx, userID, conversationID, req, func(ev model.StreamEvent) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		return writeSSEEvent(w, flusher, ev)
	})
	if err != nil {
		// The terminal error event, if the stream was still writable, was
		// already emitted by the service.
		h.logger.Warn("streamed answer failed", "conversation_id", conversationID, "error", err)
	}
}

// writeSSEEvent writes one event in the wire framing the controller's
// gateway client reads: an event line, data lines, then a blank line.
func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, ev model.StreamEvent) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", ev.Type); err != nil {
		return err
	}
	for _, line := range strings.Split(ev.Data, "\n") {
		if _, err := fmt.Fprintf(w, "data: %s\n", line); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprint(w, "\n"); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
