package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wellspring-kb/session-controller/internal/gateway"
	"github.com/wellspring-kb/session-controller/internal/model"
)

// fakeGateway behaves like a tiny gateway server: it persists messages on
// send and serves them back on fetch. Gate channels let tests hold a send
// or a message fetch in flight until they decide to resolve it.
type fakeGateway struct {
	mu       sync.Mutex
	convSeq  int
	msgSeq   int
	convs    []model.Conversation
	messages map[string][]model.Message
	seed     string
	answer   string
	sendErr  error
	gate     chan struct{}
	msgGate  chan struct{}
}

var _ gateway.Client = (*fakeGateway)(nil)

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		messages: make(map[string][]model.Message),
		answer:   "hi there",
	}
}

func (g *fakeGateway) setGate() chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.gate = make(chan struct{})
	return g.gate
}

func (g *fakeGateway) setMsgGate() chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.msgGate = make(chan struct{})
	return g.msgGate
}

func (g *fakeGateway) ListConversations(context.Context) ([]model.Conversation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]model.Conversation, len(g.convs))
	copy(out, g.convs)
	return out, nil
}

func (g *fakeGateway) CreateConversation(context.Context) (*model.CreateConversationResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.convSeq++
	id := fmt.Sprintf("conv-%d", g.convSeq)
	conv := model.Conversation{ID: id, Title: model.DefaultTitle, LastActivity: time.Now()}
	g.convs = append([]model.Conversation{conv}, g.convs...)

	if g.seed != "" {
		g.msgSeq++
		g.messages[id] = []model.Message{{
			ID:        fmt.Sprintf("b%d", g.msgSeq),
			Role:      model.RoleAssistant,
			Text:      g.seed,
			CreatedAt: time.Now(),
		}}
	}

	msgs := make([]model.Message, len(g.messages[id]))
	copy(msgs, g.messages[id])
	return &model.CreateConversationResponse{ID: id, Title: conv.Title, Messages: msgs}, nil
}

func (g *fakeGateway) DeleteConversation(_ context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, c := range g.convs {
		if c.ID == id {
			g.convs = append(g.convs[:i], g.convs[i+1:]...)
			delete(g.messages, id)
			return nil
		}
	}
	return gateway.ErrNotFound
}

func (g *fakeGateway) Messages(ctx context.Context, id string) ([]model.Message, error) {
	// The response is captured before blocking, so a gated fetch returns
	// data that predates whatever the test did while it was held open.
	g.mu.Lock()
	out := make([]model.Message, len(g.messages[id]))
	copy(out, g.messages[id])
	gate := g.msgGate
	g.mu.Unlock()

	if gate != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-gate:
		}
	}
	return out, nil
}

func (g *fakeGateway) SendMessage(ctx context.Context, id string, req model.SendMessageRequest) (*model.SendMessageResponse, error) {
	g.mu.Lock()
	gate := g.gate
	g.mu.Unlock()

	if gate != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-gate:
		}
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sendErr != nil {
		return nil, g.sendErr
	}

	g.msgSeq++
	user := model.Message{
		ID: fmt.Sprintf("u%d", g.msgSeq), Role: model.RoleUser,
		Text: req.Query, CreatedAt: time.Now(),
	}
	g.msgSeq++
	bot := model.Message{
		ID: fmt.Sprintf("b%d", g.msgSeq), Role: model.RoleAssistant,
		Text: g.answer, CreatedAt: time.Now(),
	}
	g.messages[id] = append(g.messages[id], user, bot)
	return &model.SendMessageResponse{UserMessage: user, BotMessage: bot}, nil
}

func (g *fakeGateway) StreamMessage(ctx context.Context, id string, req model.SendMessageRequest, onEvent func(model.StreamEvent) error) error {
	if _, err := g.SendMessage(ctx, id, req); err != nil {
		return err
	}
	if err := onEvent(model.StreamEvent{Type: model.EventThought, Data: "thinking"}); err != nil {
		return err
	}
	return onEvent(model.StreamEvent{Type: model.EventEnd})
}

func newTestController(t *testing.T, gw gateway.Client, opts ...Option) *Controller {
	t.Helper()
	opts = append([]Option{WithRevealInterval(time.Millisecond)}, opts...)
	c := New(gw, opts...)
	require.NoError(t, c.Bootstrap(context.Background()))
	return c
}

func waitIdle(t *testing.T, c *Controller) Snapshot {
	t.Helper()
	require.Eventually(t, func() bool {
		return !c.Snapshot().InteractionDisabled
	}, 2*time.Second, 2*time.Millisecond)
	return c.Snapshot()
}

func TestSendMessageHappyPath(t *testing.T) {
	gw := newFakeGateway()
	c := newTestController(t, gw)
	ctx := context.Background()

	gate := gw.setGate()
	require.True(t, c.SendMessage(ctx, "  hello  "))

	// The optimistic user message is visible before the network resolves,
	// trimmed.
	snap := c.Snapshot()
	require.NotEmpty(t, snap.Messages)
	last := snap.Messages[len(snap.Messages)-1]
	assert.Equal(t, model.RoleUser, last.Role)
	assert.Equal(t, "hello", last.Text)
	assert.True(t, last.Optimistic())

	close(gate)
	snap = waitIdle(t, c)
	require.Len(t, snap.Messages, 2)
	assert.Equal(t, "u1", snap.Messages[0].ID)
	assert.Equal(t, "hello", snap.Messages[0].Text)
	assert.False(t, snap.Messages[0].Optimistic())
	assert.Equal(t, "b2", snap.Messages[1].ID)
	assert.Equal(t, "hi there", snap.Messages[1].Text)
	assert.False(t, snap.InteractionDisabled)

	// The placeholder title was replaced by the first exchange.
	assert.Equal(t, "hello", snap.Conversations[0].Title)
}

func TestSendMessageBusyGuardNoOp(t *testing.T) {
	gw := newFakeGateway()
	c := newTestController(t, gw)
	ctx := context.Background()

	gate := gw.setGate()
	require.True(t, c.SendMessage(ctx, "first"))

	before := c.Snapshot().Messages
	assert.False(t, c.SendMessage(ctx, "second"))
	assert.False(t, c.SendMessage(ctx, "third"))
	assert.Equal(t, before, c.Snapshot().Messages)

	// Empty input is skipped even when idle.
	close(gate)
	waitIdle(t, c)
	assert.False(t, c.SendMessage(ctx, "   "))
}

func TestStopGenerationRollsBackOptimisticSend(t *testing.T) {
	gw := newFakeGateway()
	c := newTestController(t, gw)
	ctx := context.Background()

	gate := gw.setGate()
	require.True(t, c.SendMessage(ctx, "x"))
	require.Len(t, c.Snapshot().Messages, 1)

	// The in-flight slot is reserved before SendMessage returns, so an
	// immediate stop, with the gateway still unresolved, lands on it.
	assert.True(t, c.Snapshot().Generating)
	c.StopGeneration()
	close(gate)

	require.Eventually(t, func() bool {
		s := c.Snapshot()
		return len(s.Messages) == 0 && !s.InteractionDisabled
	}, 2*time.Second, 2*time.Millisecond)
}

func TestStopRacingRevealHandoffLeavesNoOrphanReveal(t *testing.T) {
	gw := newFakeGateway()
	gw.answer = strings.Repeat("steady answer text ", 30)
	c := newTestController(t, gw)

	require.True(t, c.SendMessage(context.Background(), "q"))

	// Stop the moment the persisted pair lands, racing the reveal
	// hand-off.
	require.Eventually(t, func() bool {
		return len(c.Snapshot().Messages) == 2
	}, 2*time.Second, time.Millisecond)
	c.StopGeneration()

	snap := waitIdle(t, c)
	require.Len(t, snap.Messages, 2)
	frozen := snap.Messages[1].Text

	// Once the controller reports idle no reveal session may still be
	// mutating the assistant text behind the lowered busy-guard.
	time.Sleep(20 * time.Millisecond)
	after := c.Snapshot()
	assert.False(t, after.Generating)
	assert.Equal(t, frozen, after.Messages[1].Text)
}

func TestStopGenerationIdempotent(t *testing.T) {
	gw := newFakeGateway()
	c := newTestController(t, gw)

	// Stopping while idle is a no-op.
	before := c.Snapshot()
	c.StopGeneration()
	c.StopGeneration()
	after := c.Snapshot()
	assert.Equal(t, before.Messages, after.Messages)
	assert.Equal(t, before.InteractionDisabled, after.InteractionDisabled)

	// Stopping mid-reveal freezes the revealed prefix but keeps the
	// persisted pair: cancellation never rolls back durable messages.
	gw.answer = "a long answer that reveals over many ticks before finishing"
	require.True(t, c.SendMessage(context.Background(), "q"))
	require.Eventually(t, func() bool {
		return len(c.Snapshot().Messages) == 2
	}, 2*time.Second, 2*time.Millisecond)

	c.StopGeneration()
	c.StopGeneration()

	snap := waitIdle(t, c)
	require.Len(t, snap.Messages, 2)
	assert.Equal(t, model.RoleAssistant, snap.Messages[1].Role)
}

func TestCancelThenResendNoDuplicates(t *testing.T) {
	gw := newFakeGateway()
	c := newTestController(t, gw)
	ctx := context.Background()

	gw.setGate()
	require.True(t, c.SendMessage(ctx, "same text"))
	c.StopGeneration()

	require.Eventually(t, func() bool {
		s := c.Snapshot()
		return len(s.Messages) == 0 && !s.InteractionDisabled
	}, 2*time.Second, 2*time.Millisecond)

	gw.mu.Lock()
	gw.gate = nil
	gw.mu.Unlock()

	require.True(t, c.SendMessage(ctx, "same text"))
	snap := waitIdle(t, c)

	var userCount int
	for _, m := range snap.Messages {
		if m.Role == model.RoleUser {
			userCount++
			assert.Equal(t, "same text", m.Text)
		}
	}
	assert.Equal(t, 1, userCount)
}

func TestStaleSwitchDoesNotCorruptOtherConversations(t *testing.T) {
	gw := newFakeGateway()
	c := newTestController(t, gw)
	ctx := context.Background()

	convA := c.Snapshot().ActiveID
	require.NoError(t, c.CreateConversation(ctx))
	convB := c.Snapshot().ActiveID
	require.NotEqual(t, convA, convB)

	// Put a message in B so corruption would be observable.
	require.True(t, c.SendMessage(ctx, "b question"))
	waitIdle(t, c)

	// Back to A; hold its send in flight.
	require.NoError(t, c.SwitchConversation(ctx, convA))
	gate := gw.setGate()
	require.True(t, c.SendMessage(ctx, "a question"))

	// Away to B and back to A before A's send resolves.
	require.NoError(t, c.SwitchConversation(ctx, convB))
	require.NoError(t, c.SwitchConversation(ctx, convA))

	gw.mu.Lock()
	gw.gate = nil
	gw.mu.Unlock()
	close(gate)

	require.Eventually(t, func() bool {
		s := c.Snapshot()
		return !s.InteractionDisabled && len(s.Messages) == 2
	}, 2*time.Second, 2*time.Millisecond)

	// A reconciled to the authoritative pair, no optimistic leftovers.
	snap := c.Snapshot()
	assert.Equal(t, convA, snap.ActiveID)
	assert.Equal(t, "a question", snap.Messages[0].Text)
	assert.False(t, snap.Messages[0].Optimistic())
	assert.Equal(t, model.RoleAssistant, snap.Messages[1].Role)

	// B is untouched.
	require.NoError(t, c.SwitchConversation(ctx, convB))
	snap = waitIdle(t, c)
	require.Len(t, snap.Messages, 2)
	assert.Equal(t, "b question", snap.Messages[0].Text)
}

func TestStaleResolveDuringFetchStillRefreshes(t *testing.T) {
	gw := newFakeGateway()
	c := newTestController(t, gw)
	ctx := context.Background()

	convA := c.Snapshot().ActiveID
	require.NoError(t, c.CreateConversation(ctx))
	convB := c.Snapshot().ActiveID

	require.NoError(t, c.SwitchConversation(ctx, convA))
	sendGate := gw.setGate()
	require.True(t, c.SendMessage(ctx, "a question"))

	require.NoError(t, c.SwitchConversation(ctx, convB))

	// Switch back with the fetch held open; its response predates the
	// send's persistence.
	msgGate := gw.setMsgGate()
	done := make(chan error, 1)
	go func() { done <- c.SwitchConversation(ctx, convA) }()
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.loadingMessages
	}, 2*time.Second, time.Millisecond)

	// The send resolves stale while the fetch is still running; its
	// recovery refresh must be queued, not dropped.
	close(sendGate)
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		_, queued := c.pendingRefresh[convA]
		return queued
	}, 2*time.Second, time.Millisecond)

	close(msgGate)
	require.NoError(t, <-done)

	// The queued refresh re-fetches and installs the persisted pair.
	require.Eventually(t, func() bool {
		s := c.Snapshot()
		return !s.InteractionDisabled && len(s.Messages) == 2
	}, 2*time.Second, 2*time.Millisecond)
	snap := c.Snapshot()
	assert.Equal(t, convA, snap.ActiveID)
	assert.Equal(t, "a question", snap.Messages[0].Text)
	assert.Equal(t, model.RoleAssistant, snap.Messages[1].Role)
}

func TestFailedSendShowsInThreadError(t *testing.T) {
	gw := newFakeGateway()
	c := newTestController(t, gw)

	gw.mu.Lock()
	gw.sendErr = &gateway.StatusError{Code: 500, Body: "backend down"}
	gw.mu.Unlock()

	require.True(t, c.SendMessage(context.Background(), "doomed"))
	snap := waitIdle(t, c)

	require.Len(t, snap.Messages, 1)
	assert.Equal(t, model.RoleAssistant, snap.Messages[0].Role)
	assert.True(t, snap.Messages[0].Error)
}

func TestDeleteOnlyConversationCreatesReplacement(t *testing.T) {
	gw := newFakeGateway()
	gw.seed = "Hello! Ask me anything about the knowledge base."
	c := newTestController(t, gw)

	first := c.Snapshot().ActiveID
	require.NoError(t, c.DeleteConversation(context.Background(), first))

	snap := waitIdle(t, c)
	require.Len(t, snap.Conversations, 1)
	assert.NotEqual(t, first, snap.ActiveID)
	assert.Equal(t, snap.Conversations[0].ID, snap.ActiveID)
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, gw.seed, snap.Messages[0].Text)
}

func TestDeleteIsIdempotentOnNotFound(t *testing.T) {
	gw := newFakeGateway()
	c := newTestController(t, gw)
	ctx := context.Background()

	require.NoError(t, c.CreateConversation(ctx))
	stale := c.Snapshot().ActiveID

	// Delete server-side behind the controller's back.
	require.NoError(t, gw.DeleteConversation(ctx, stale))

	// The controller's delete sees a 404 and proceeds as a success.
	require.NoError(t, c.DeleteConversation(ctx, stale))
	snap := waitIdle(t, c)
	for _, conv := range snap.Conversations {
		assert.NotEqual(t, stale, conv.ID)
	}
}

func TestStreamedSendRevealsRefetchedAnswer(t *testing.T) {
	gw := newFakeGateway()
	var thoughts []string
	var mu sync.Mutex
	c := newTestController(t, gw,
		WithStreaming(true),
		WithThoughtHandler(func(_, thought string) {
			mu.Lock()
			thoughts = append(thoughts, thought)
			mu.Unlock()
		}))

	require.True(t, c.SendMessage(context.Background(), "hello"))
	snap := waitIdle(t, c)

	require.Len(t, snap.Messages, 2)
	assert.Equal(t, "hello", snap.Messages[0].Text)
	assert.Equal(t, "hi there", snap.Messages[1].Text)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"thinking"}, thoughts)
}

func TestBootstrapCreatesConversationWhenNoneExist(t *testing.T) {
	gw := newFakeGateway()
	c := newTestController(t, gw)

	snap := c.Snapshot()
	require.Len(t, snap.Conversations, 1)
	assert.Equal(t, snap.Conversations[0].ID, snap.ActiveID)
	assert.Equal(t, model.DefaultTitle, snap.Conversations[0].Title)
}
