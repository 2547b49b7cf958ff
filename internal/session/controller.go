// Package session implements the session interaction controller: the
// orchestrator that turns user actions into a consistent, cancellable,
// eventually-consistent conversation state. It is the only component that
// composes the conversation store, the reveal scheduler, the request
// lifecycle manager and the gateway; everything the UI renders comes out of
// its snapshots.
package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/wellspring-kb/session-controller/internal/gateway"
	"github.com/wellspring-kb/session-controller/internal/lifecycle"
	"github.com/wellspring-kb/session-controller/internal/model"
	"github.com/wellspring-kb/session-controller/internal/reveal"
	"github.com/wellspring-kb/session-controller/internal/store"
	"github.com/wellspring-kb/session-controller/pkg/logger"
	"github.com/wellspring-kb/session-controller/pkg/metrics"
)

// maxTitleRunes bounds the title derived from the first user message.
const maxTitleRunes = 40

// sendFailureText is shown in-thread when a send fails.
const sendFailureText = "Something went wrong answering this question. Please try again."

// Snapshot is the immutable view the UI renders from.
type Snapshot struct {
	Conversations []model.Conversation
	ActiveID      string
	Messages      []model.Message

	// InteractionDisabled is the composite busy-guard: true while a send is
	// in flight for the active conversation, a reveal is in progress, or a
	// list/message fetch, creation or deletion is running.
	InteractionDisabled bool

	// Generating reports an in-progress answer (send or reveal) for the
	// active conversation.
	Generating bool
}

// Controller drives one user's conversation session.
type Controller struct {
	store    *store.Store
	reveal   *reveal.Scheduler
	requests *lifecycle.Manager
	gw       gateway.Client
	log      *logger.Logger

	modelName      string
	revealInterval time.Duration
	streaming      bool
	onThought      lifecycle.ThoughtFunc
	onChange       func()

	mu              sync.Mutex
	activeID        string
	revealConvID    string
	revealing       bool
	loadingList     bool
	loadingMessages bool
	creating        bool
	deleting        bool
	epochs          map[string]uint64
	pendingRefresh  map[string]struct{}
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger overrides the logger.
func WithLogger(log *logger.Logger) Option {
	return func(c *Controller) { c.log = log }
}

// WithModel sets the model hint forwarded on sends.
func WithModel(name string) Option {
	return func(c *Controller) { c.modelName = name }
}

// WithRevealInterval sets the typing-reveal cadence.
func WithRevealInterval(d time.Duration) Option {
	return func(c *Controller) { c.revealInterval = d }
}

// WithStreaming selects streamed sends.
func WithStreaming(enabled bool) Option {
	return func(c *Controller) { c.streaming = enabled }
}

// WithThoughtHandler forwards advisory progress events from streamed sends.
func WithThoughtHandler(fn lifecycle.ThoughtFunc) Option {
	return func(c *Controller) { c.onThought = fn }
}

// WithChangeListener installs a callback invoked after every state change,
// so the UI knows to re-render a fresh snapshot.
func WithChangeListener(fn func()) Option {
	return func(c *Controller) { c.onChange = fn }
}

// New creates a controller on top of a gateway client.
func New(gw gateway.Client, opts ...Option) *Controller {
	c := &Controller{
		store:          store.New(),
		gw:             gw,
		log:            logger.Global(),
		epochs:         make(map[string]uint64),
		pendingRefresh: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	var lifecycleOpts []lifecycle.ManagerOption
	lifecycleOpts = append(lifecycleOpts,
		lifecycle.WithStreaming(c.streaming),
		lifecycle.WithLogger(c.log),
	)
	if c.onThought != nil {
		lifecycleOpts = append(lifecycleOpts, lifecycle.WithThoughtHandler(c.onThought))
	}
	c.requests = lifecycle.NewManager(gw, lifecycleOpts...)
	c.reveal = reveal.New(c.revealInterval, c.emitReveal, c.revealDone)

	return c
}

// Snapshot returns the current renderable state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Snapshot{
		Conversations:       c.store.ListConversations(),
		ActiveID:            c.activeID,
		Messages:            c.store.Messages(c.activeID),
		InteractionDisabled: c.interactionDisabledLocked(),
		Generating:          c.revealing || c.requests.InFlight(c.activeID),
	}
}

// Bootstrap loads the conversation list and activates the most recent
// conversation, creating one when none exist.
func (c *Controller) Bootstrap(ctx context.Context) error {
	c.mu.Lock()
	if c.loadingList {
		c.mu.Unlock()
		return nil
	}
	c.loadingList = true
	c.mu.Unlock()
	c.notify()

	convs, err := c.gw.ListConversations(ctx)

	c.mu.Lock()
	c.loadingList = false
	c.mu.Unlock()

	if err != nil {
		c.notify()
		c.log.Error("conversation list load failed", "error", err)
		return err
	}

	c.store.SetConversations(convs)
	c.notify()

	if len(convs) == 0 {
		return c.CreateConversation(ctx)
	}
	return c.SwitchConversation(ctx, convs[0].ID)
}

// SendMessage submits the user's query for the active conversation. It
// silently no-ops (returning false) when the busy-guard is up or the text
// is empty after trimming. On acceptance the in-flight slot is reserved
// and the optimistic user message is visible before this returns, so a
// StopGeneration issued immediately after still cancels the send; true is
// returned, which the UI uses to clear its input.
func (c *Controller) SendMessage(ctx context.Context, text string) bool {
	text = strings.TrimSpace(text)

	c.mu.Lock()
	if text == "" || c.activeID == "" || c.interactionDisabledLocked() {
		c.mu.Unlock()
		c.log.Debug("send skipped", "reason", "empty or busy")
		return false
	}
	conversationID := c.activeID
	handle, err := c.requests.Begin(ctx, conversationID)
	if err != nil {
		c.mu.Unlock()
		c.log.Debug("send skipped", "reason", "in flight")
		return false
	}
	epoch := c.epochs[conversationID]
	optimistic := c.store.AppendOptimisticUserMessage(conversationID, text)
	c.mu.Unlock()
	c.notify()

	go c.resolveSend(ctx, handle, conversationID, epoch, optimistic, text)
	return true
}

// StopGeneration cancels the active conversation's in-flight send and any
// reveal in progress. Safe to call in any state, including idle; calling
// it twice is the same as calling it once.
func (c *Controller) StopGeneration() {
	// Cancel and reveal stop happen under the lock so they serialize with
	// the reveal hand-off in finishSendLocked.
	c.mu.Lock()
	c.revealing = false
	c.requests.Cancel(c.activeID)
	c.reveal.Stop()
	c.mu.Unlock()
	c.notify()
}

// SwitchConversation activates another conversation and fetches its
// authoritative messages. Any active reveal is stopped; an in-flight send
// for the conversation being left is NOT cancelled; it completes in the
// background and stale results are discarded through the epoch check.
func (c *Controller) SwitchConversation(ctx context.Context, conversationID string) error {
	c.mu.Lock()
	if conversationID == c.activeID || c.loadingList || c.loadingMessages || c.creating || c.deleting {
		c.mu.Unlock()
		return nil
	}
	c.revealing = false
	c.activeID = conversationID
	c.store.ClearMessages(conversationID)
	c.epochs[conversationID]++
	c.reveal.Stop()
	c.mu.Unlock()
	c.notify()

	return c.loadMessages(ctx, conversationID)
}

// CreateConversation requests a new conversation, prepends it to the list
// and activates it with whatever initial message set the gateway returned.
// Allowed unless another creation is already in flight.
func (c *Controller) CreateConversation(ctx context.Context) error {
	c.mu.Lock()
	if c.creating {
		c.mu.Unlock()
		return nil
	}
	c.creating = true
	c.mu.Unlock()
	c.notify()

	resp, err := c.gw.CreateConversation(ctx)

	c.mu.Lock()
	c.creating = false
	if err != nil {
		c.mu.Unlock()
		c.notify()
		c.log.Error("conversation create failed", "error", err)
		return err
	}

	title := resp.Title
	if title == "" {
		title = model.DefaultTitle
	}
	c.store.PrependConversation(model.Conversation{
		ID:           resp.ID,
		Title:        title,
		LastActivity: time.Now(),
	})
	c.store.ReplaceMessages(resp.ID, resp.Messages)
	c.epochs[resp.ID]++
	c.revealing = false
	c.activeID = resp.ID
	c.reveal.Stop()
	c.mu.Unlock()
	c.notify()
	c.log.Info("conversation created", "conversation_id", resp.ID)
	return nil
}

// DeleteConversation deletes a conversation; a gateway 404 is treated as
// already-deleted. When the active conversation goes away the first
// remaining one is activated, or a fresh conversation is created if none
// remain. Failures are reported without mutating local state.
func (c *Controller) DeleteConversation(ctx context.Context, conversationID string) error {
	c.mu.Lock()
	if c.interactionDisabledLocked() {
		c.mu.Unlock()
		return nil
	}
	c.deleting = true
	c.mu.Unlock()
	c.notify()

	err := c.gw.DeleteConversation(ctx, conversationID)
	if err != nil && gateway.IsNotFound(err) {
		err = nil
	}

	c.mu.Lock()
	c.deleting = false
	if err != nil {
		c.mu.Unlock()
		c.notify()
		c.log.Error("conversation delete failed", "conversation_id", conversationID, "error", err)
		return err
	}

	c.store.RemoveConversation(conversationID)
	wasActive := conversationID == c.activeID
	if wasActive {
		c.activeID = ""
	}
	remaining := c.store.ListConversations()
	c.mu.Unlock()
	c.notify()

	if !wasActive {
		return nil
	}
	if len(remaining) > 0 {
		return c.SwitchConversation(ctx, remaining[0].ID)
	}
	return c.CreateConversation(ctx)
}

// resolveSend settles a send: reconciles the store with the authoritative
// result, or rolls the optimistic message back on abort/failure.
func (c *Controller) resolveSend(ctx context.Context, handle *lifecycle.Handle, conversationID string, epoch uint64, optimistic model.Message, text string) {
	defer c.notify()

	res, err := handle.Do(text, c.modelName)
	if err != nil {
		c.settleFailedSend(ctx, conversationID, optimistic, err)
		return
	}

	userMsg := res.UserMessage
	botMsg := res.BotMessage
	if res.Streamed {
		// Streamed mode carries no payload; the end event means the
		// authoritative record is ready to fetch.
		msgs, fetchErr := c.gw.Messages(ctx, conversationID)
		if fetchErr != nil {
			c.settleFailedSend(ctx, conversationID, optimistic, fetchErr)
			return
		}
		c.reconcileStreamed(conversationID, epoch, optimistic, text, msgs)
		return
	}

	c.mu.Lock()
	if c.epochs[conversationID] != epoch {
		c.mu.Unlock()
		c.discardStale(ctx, conversationID, optimistic)
		return
	}

	c.store.RemoveMessage(conversationID, optimistic.ID)
	c.store.AppendMessage(conversationID, userMsg)

	fullText := botMsg.Text
	placeholder := botMsg
	placeholder.Text = ""
	c.store.UpsertAssistantPlaceholder(conversationID, userMsg.ID, placeholder)

	c.finishSendLocked(conversationID, botMsg.ID, fullText, text)
}

// reconcileStreamed installs the re-fetched authoritative sequence and
// reveals the final assistant text.
func (c *Controller) reconcileStreamed(conversationID string, epoch uint64, optimistic model.Message, text string, msgs []model.Message) {
	c.mu.Lock()
	if c.epochs[conversationID] != epoch {
		c.mu.Unlock()
		c.discardStale(context.Background(), conversationID, optimistic)
		return
	}

	var botID, fullText string
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == model.RoleAssistant {
			botID = msgs[i].ID
			fullText = msgs[i].Text
			msgs[i].Text = ""
			break
		}
	}
	c.store.ReplaceMessages(conversationID, msgs)
	c.epochs[conversationID]++

	if botID == "" {
		c.mu.Unlock()
		return
	}
	c.finishSendLocked(conversationID, botID, fullText, text)
}

// finishSendLocked does the shared tail of a successful send: title and
// ordering bookkeeping, then either the reveal hand-off (active
// conversation) or an immediate full-text install (background one).
// Called with c.mu held; releases it.
func (c *Controller) finishSendLocked(conversationID, botMessageID, fullText, userText string) {
	if title := c.store.Title(conversationID); title == "" || title == model.DefaultTitle {
		c.store.RenameConversation(conversationID, deriveTitle(userText))
	}
	c.store.TouchConversation(conversationID, time.Now())

	if conversationID == c.activeID {
		c.revealing = true
		c.revealConvID = conversationID
		// Started before the lock is released: a concurrent stop either
		// runs first and this session survives it, or runs after and
		// invalidates this session's generation.
		c.reveal.Start(botMessageID, fullText)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.store.MutateAssistantText(conversationID, botMessageID, fullText)
}

// settleFailedSend rolls back the optimistic message and, for visible
// failures, appends a synthetic in-thread error message.
func (c *Controller) settleFailedSend(ctx context.Context, conversationID string, optimistic model.Message, err error) {
	switch {
	case errors.Is(err, lifecycle.ErrCancelled):
		c.store.RemoveMessage(conversationID, optimistic.ID)

	case gateway.IsAuthFailure(err):
		// The gateway client already signalled the session collaborator;
		// nothing to show in-thread.
		c.store.RemoveMessage(conversationID, optimistic.ID)

	case gateway.IsNotFound(err):
		c.log.Warn("conversation vanished server-side", "conversation_id", conversationID)
		c.pruneAndRecover(ctx, conversationID)

	case errors.Is(err, lifecycle.ErrConversationBusy):
		// Guarded against at submit; a duplicate slipping through is
		// rolled back without a visible error.
		c.store.RemoveMessage(conversationID, optimistic.ID)

	default:
		c.log.Error("send failed", "conversation_id", conversationID, "error", err)
		c.store.RemoveMessage(conversationID, optimistic.ID)
		c.store.AppendMessage(conversationID, model.NewAssistantErrorMessage(sendFailureText))
	}
}

// discardStale drops the remnants of a completion whose epoch no longer
// matches and, if the conversation is still the active one, restores the
// authoritative record.
func (c *Controller) discardStale(ctx context.Context, conversationID string, optimistic model.Message) {
	metrics.StaleCompletionsTotal.Inc()
	c.log.Debug("discarding stale completion", "conversation_id", conversationID)

	c.store.RemoveMessage(conversationID, optimistic.ID)

	c.mu.Lock()
	active := conversationID == c.activeID
	c.mu.Unlock()
	if active {
		if err := c.loadMessages(ctx, conversationID); err != nil {
			c.log.Warn("stale refresh failed", "conversation_id", conversationID, "error", err)
		}
	}
}

// pruneAndRecover handles a conversation that no longer exists
// server-side: the local list self-heals and, if it was the active (or
// only) conversation, a replacement is activated or created.
func (c *Controller) pruneAndRecover(ctx context.Context, conversationID string) {
	c.store.RemoveConversation(conversationID)

	c.mu.Lock()
	wasActive := conversationID == c.activeID
	if wasActive {
		c.activeID = ""
	}
	remaining := c.store.ListConversations()
	c.mu.Unlock()
	c.notify()

	if !wasActive {
		return
	}

	var err error
	if len(remaining) > 0 {
		err = c.SwitchConversation(ctx, remaining[0].ID)
	} else {
		err = c.CreateConversation(ctx)
	}
	if err != nil {
		c.log.Error("recovery after missing conversation failed", "error", err)
	}
}

func (c *Controller) loadMessages(ctx context.Context, conversationID string) error {
	c.mu.Lock()
	if c.loadingMessages {
		// Another fetch holds the slot; queue this one so the refresh is
		// not lost.
		c.pendingRefresh[conversationID] = struct{}{}
		c.mu.Unlock()
		return nil
	}
	c.loadingMessages = true
	delete(c.pendingRefresh, conversationID)
	c.mu.Unlock()
	c.notify()

	msgs, err := c.gw.Messages(ctx, conversationID)

	c.mu.Lock()
	c.loadingMessages = false
	if err != nil {
		c.mu.Unlock()
		c.notify()
		c.drainPendingRefresh(ctx)
		if gateway.IsNotFound(err) {
			c.pruneAndRecover(ctx, conversationID)
			return nil
		}
		return err
	}

	c.store.ReplaceMessages(conversationID, msgs)
	c.epochs[conversationID]++
	c.mu.Unlock()
	c.notify()
	c.drainPendingRefresh(ctx)
	return nil
}

// drainPendingRefresh re-runs message fetches that were queued while
// another fetch held the slot.
func (c *Controller) drainPendingRefresh(ctx context.Context) {
	for {
		c.mu.Lock()
		var next string
		for id := range c.pendingRefresh {
			next = id
			break
		}
		if next == "" || c.loadingMessages {
			c.mu.Unlock()
			return
		}
		delete(c.pendingRefresh, next)
		c.mu.Unlock()

		if err := c.loadMessages(ctx, next); err != nil {
			c.log.Warn("queued message refresh failed", "conversation_id", next, "error", err)
		}
	}
}

// emitReveal is the reveal scheduler's only write path into shared state.
func (c *Controller) emitReveal(messageID, prefix string) {
	c.mu.Lock()
	conversationID := c.revealConvID
	c.mu.Unlock()

	c.store.MutateAssistantText(conversationID, messageID, prefix)
	c.notify()
}

func (c *Controller) revealDone(string) {
	c.mu.Lock()
	c.revealing = false
	c.mu.Unlock()
	c.notify()
}

func (c *Controller) interactionDisabledLocked() bool {
	return c.revealing ||
		c.loadingList ||
		c.loadingMessages ||
		c.creating ||
		c.deleting ||
		c.requests.InFlight(c.activeID)
}

func (c *Controller) notify() {
	if c.onChange != nil {
		c.onChange()
	}
}

func deriveTitle(text string) string {
	runes := []rune(text)
	if len(runes) <= maxTitleRunes {
		return text
	}
	return string(runes[:maxTitleRunes]) + "…"
}
