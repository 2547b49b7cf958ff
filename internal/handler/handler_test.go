package handler_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wellspring-kb/session-controller/internal/events"
	"github.com/wellspring-kb/session-controller/internal/gateway"
	"github.com/wellspring-kb/session-controller/internal/handler"
	"github.com/wellspring-kb/session-controller/internal/llm"
	"github.com/wellspring-kb/session-controller/internal/middleware"
	"github.com/wellspring-kb/session-controller/internal/model"
	"github.com/wellspring-kb/session-controller/internal/service"
	"github.com/wellspring-kb/session-controller/pkg/logger"
)

const testSecret = "handler-test-secret"

// newTestServer wires the real router, services and scripted model
// backend, and returns a gateway client authenticated against it. The
// tests exercise the full wire round trip.
func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	log := logger.NewNop()

	convs := service.NewConversationService(events.NoopPublisher{}, log)
	answers := service.NewAnswerService(convs, llm.NewScriptedClient(), events.NoopPublisher{}, log)

	conversationHandler := handler.NewConversationHandler(convs, log)
	messageHandler := handler.NewMessageHandler(answers, convs, log)
	healthHandler := handler.NewHealthHandler(nil)

	r := chi.NewRouter()
	r.Get("/health", healthHandler.Health)
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(testSecret))
		r.Route("/conversations", func(r chi.Router) {
			r.Get("/", conversationHandler.List)
			r.Post("/", conversationHandler.Create)
			r.Route("/{id}", func(r chi.Router) {
				r.Delete("/", conversationHandler.Delete)
				r.Get("/messages", messageHandler.List)
				r.Post("/messages", messageHandler.Send)
			})
		})
	})

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(t *testing.T, srv *httptest.Server, userID string) *gateway.HTTPClient {
	t.Helper()
	token, err := middleware.IssueToken(testSecret, userID, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	require.NoError(t, err)
	return gateway.NewHTTPClient(srv.URL+"/api/v1",
		gateway.StaticCredential(token),
		gateway.WithLogger(logger.NewNop()))
}

func TestConversationLifecycle(t *testing.T) {
	srv := newTestServer(t)
	client := newTestClient(t, srv, "alice")
	ctx := context.Background()

	created, err := client.CreateConversation(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.DefaultTitle, created.Title)
	require.Len(t, created.Messages, 1)
	assert.Equal(t, model.RoleAssistant, created.Messages[0].Role)

	convs, err := client.ListConversations(ctx)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, created.ID, convs[0].ID)

	require.NoError(t, client.DeleteConversation(ctx, created.ID))

	// A second delete reports not found, which clients fold into success.
	err = client.DeleteConversation(ctx, created.ID)
	require.Error(t, err)
	assert.True(t, gateway.IsNotFound(err))
}

func TestBufferedSendPersistsExchange(t *testing.T) {
	srv := newTestServer(t)
	client := newTestClient(t, srv, "alice")
	ctx := context.Background()

	created, err := client.CreateConversation(ctx)
	require.NoError(t, err)

	resp, err := client.SendMessage(ctx, created.ID, model.SendMessageRequest{
		Query: "what is the indexing policy?",
	})
	require.NoError(t, err)
	assert.Equal(t, model.RoleUser, resp.UserMessage.Role)
	assert.Equal(t, "what is the indexing policy?", resp.UserMessage.Text)
	assert.Equal(t, model.RoleAssistant, resp.BotMessage.Role)
	assert.NotEmpty(t, resp.BotMessage.Text)

	msgs, err := client.Messages(ctx, created.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, model.RoleAssistant, msgs[0].Role) // greeting
	assert.Equal(t, resp.UserMessage.ID, msgs[1].ID)
	assert.Equal(t, resp.BotMessage.ID, msgs[2].ID)

	// The first exchange renames the conversation after the query.
	convs, err := client.ListConversations(ctx)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, "what is the indexing policy?", convs[0].Title)
}

func TestStreamedSendEmitsEventsAndPersists(t *testing.T) {
	srv := newTestServer(t)
	client := newTestClient(t, srv, "alice")
	ctx := context.Background()

	created, err := client.CreateConversation(ctx)
	require.NoError(t, err)

	var evs []model.StreamEvent
	err = client.StreamMessage(ctx, created.ID, model.SendMessageRequest{Query: "hello"},
		func(ev model.StreamEvent) error {
			evs = append(evs, ev)
			return nil
		})
	require.NoError(t, err)

	require.NotEmpty(t, evs)
	assert.Equal(t, model.EventThought, evs[0].Type)
	assert.Equal(t, model.EventEnd, evs[len(evs)-1].Type)

	var streamed strings.Builder
	for _, ev := range evs {
		if ev.Type == model.EventMessage {
			streamed.WriteString(ev.Data)
		}
	}

	msgs, err := client.Messages(ctx, created.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, streamed.String(), msgs[2].Text)
}

func TestUsersAreIsolated(t *testing.T) {
	srv := newTestServer(t)
	alice := newTestClient(t, srv, "alice")
	bob := newTestClient(t, srv, "bob")
	ctx := context.Background()

	created, err := alice.CreateConversation(ctx)
	require.NoError(t, err)

	convs, err := bob.ListConversations(ctx)
	require.NoError(t, err)
	assert.Empty(t, convs)

	_, err = bob.Messages(ctx, created.ID)
	require.Error(t, err)
	assert.True(t, gateway.IsNotFound(err))
}

func TestAuthRequired(t *testing.T) {
	srv := newTestServer(t)
	client := gateway.NewHTTPClient(srv.URL+"/api/v1",
		gateway.StaticCredential(""),
		gateway.WithLogger(logger.NewNop()))

	_, err := client.ListConversations(context.Background())
	require.Error(t, err)
	assert.True(t, gateway.IsAuthFailure(err))
}

func TestErrorResponsesShareWireShape(t *testing.T) {
	srv := newTestServer(t)
	token, err := middleware.IssueToken(testSecret, "alice", jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet,
		srv.URL+"/api/v1/conversations/"+uuid.NewString()+"/messages", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	var body struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "conversation not found", body.Error)
}

func TestSendRejectsEmptyQuery(t *testing.T) {
	srv := newTestServer(t)
	client := newTestClient(t, srv, "alice")
	ctx := context.Background()

	created, err := client.CreateConversation(ctx)
	require.NoError(t, err)

	_, err = client.SendMessage(ctx, created.ID, model.SendMessageRequest{Query: ""})
	require.Error(t, err)

	var statusErr *gateway.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, 400, statusErr.Code)
}
