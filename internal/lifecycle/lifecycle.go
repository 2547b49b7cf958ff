// Package lifecycle owns the outstanding network operation of a send: at
// most one per conversation, each with a fresh cancellation handle, and a
// classified terminal outcome.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/wellspring-kb/session-controller/internal/gateway"
	"github.com/wellspring-kb/session-controller/internal/model"
	"github.com/wellspring-kb/session-controller/pkg/logger"
	"github.com/wellspring-kb/session-controller/pkg/metrics"
)

// ErrCancelled marks a send terminated by an explicit Cancel. It never
// surfaces as a visible error.
var ErrCancelled = errors.New("lifecycle: send cancelled")

// ErrConversationBusy marks a submit while another send is in flight for
// the same conversation. Sends to different conversations are independent.
var ErrConversationBusy = errors.New("lifecycle: send already in flight")

// Result is the successful outcome of a send.
type Result struct {
	UserMessage model.Message
	BotMessage  model.Message

	// Streamed means the answer arrived as a consumed event stream; the
	// message fields are empty and the caller re-fetches authoritative
	// messages.
	Streamed bool
}

// ThoughtFunc receives advisory progress events from a streamed send.
type ThoughtFunc func(conversationID, thought string)

// Manager issues sends through the gateway and owns their cancellation
// handles.
type Manager struct {
	gw        gateway.Client
	log       *logger.Logger
	streaming bool
	onThought ThoughtFunc

	mu       sync.Mutex
	gen      uint64
	inflight map[string]*operation
}

type operation struct {
	gen    uint64
	cancel context.CancelFunc
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithStreaming selects streamed sends instead of buffered ones.
func WithStreaming(enabled bool) ManagerOption {
	return func(m *Manager) { m.streaming = enabled }
}

// WithThoughtHandler installs a consumer for advisory thought events;
// without one they are discarded.
func WithThoughtHandler(fn ThoughtFunc) ManagerOption {
	return func(m *Manager) { m.onThought = fn }
}

// WithLogger overrides the logger.
func WithLogger(log *logger.Logger) ManagerOption {
	return func(m *Manager) { m.log = log }
}

// NewManager creates a Manager on top of a gateway client.
func NewManager(gw gateway.Client, opts ...ManagerOption) *Manager {
	m := &Manager{
		gw:       gw,
		log:      logger.Global(),
		inflight: make(map[string]*operation),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Handle is a reserved in-flight slot for one send: created by Begin,
// consumed by exactly one Do call. From the moment Begin returns, Cancel
// observes the operation, even before Do issues the network call.
type Handle struct {
	m              *Manager
	conversationID string
	op             *operation
	ctx            context.Context
}

// Begin reserves the conversation's in-flight slot and returns the handle
// the send runs through. The reservation is synchronous so a cancellation
// issued right after an accepted submit always lands on the operation.
// Returns ErrConversationBusy when a send is already outstanding.
func (m *Manager) Begin(ctx context.Context, conversationID string) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.inflight[conversationID]; exists {
		return nil, ErrConversationBusy
	}
	m.gen++
	opCtx, cancel := context.WithCancel(ctx)
	op := &operation{gen: m.gen, cancel: cancel}
	m.inflight[conversationID] = op
	return &Handle{m: m, conversationID: conversationID, op: op, ctx: opCtx}, nil
}

// Do runs the reserved send and blocks until the operation settles.
// Exactly one of the classified outcomes is produced: a Result,
// ErrCancelled, a passed-through gateway classification, or a wrapped
// transport failure. The slot is released on return.
func (h *Handle) Do(query, modelName string) (*Result, error) {
	m := h.m
	defer func() {
		m.mu.Lock()
		if m.inflight[h.conversationID] == h.op {
			delete(m.inflight, h.conversationID)
		}
		m.mu.Unlock()
		h.op.cancel()
	}()

	start := time.Now()
	req := model.SendMessageRequest{Query: query, Model: modelName}

	var (
		result *Result
		err    error
	)
	if m.streaming {
		result, err = m.sendStreamed(h.ctx, h.conversationID, req)
	} else {
		result, err = m.sendBuffered(h.ctx, h.conversationID, req)
	}

	outcome := classify(result, err)
	metrics.RecordSend(outcome, time.Since(start).Seconds())
	m.log.Debug("send settled",
		"conversation_id", h.conversationID,
		"outcome", outcome,
		"generation", h.op.gen,
	)

	return result, err
}

// Send reserves the slot and runs the send in one step, for callers that
// have no gap between submit and network call.
func (m *Manager) Send(ctx context.Context, conversationID, query, modelName string) (*Result, error) {
	h, err := m.Begin(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return h.Do(query, modelName)
}

// Cancel signals the cancellation handle of the conversation's in-flight
// send, if any. The underlying transport observes the signal and stops
// consuming further data; partial results are discarded by the caller.
func (m *Manager) Cancel(conversationID string) bool {
	m.mu.Lock()
	op, ok := m.inflight[conversationID]
	m.mu.Unlock()

	if !ok {
		return false
	}
	op.cancel()
	metrics.CancellationsTotal.Inc()
	return true
}

// InFlight reports whether a send is outstanding for the conversation.
func (m *Manager) InFlight(conversationID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.inflight[conversationID]
	return ok
}

func (m *Manager) sendBuffered(ctx context.Context, conversationID string, req model.SendMessageRequest) (*Result, error) {
	resp, err := m.gw.SendMessage(ctx, conversationID, req)
	if err != nil {
		return nil, m.classifyError(ctx, err)
	}
	return &Result{
		UserMessage: resp.UserMessage,
		BotMessage:  resp.BotMessage,
	}, nil
}

func (m *Manager) sendStreamed(ctx context.Context, conversationID string, req model.SendMessageRequest) (*Result, error) {
	var serverErr error
	err := m.gw.StreamMessage(ctx, conversationID, req, func(ev model.StreamEvent) error {
		switch ev.Type {
		case model.EventThought:
			if m.onThought != nil {
				m.onThought(conversationID, ev.Data)
			}
		case model.EventError:
			serverErr = fmt.Errorf("stream failed: %s", ev.Data)
			return serverErr
		case model.EventEnd:
			// Terminal marker; the reader stops after delivering it.
		case model.EventMessage:
			// Incremental answer text is advisory here: the controller
			// reveals from the authoritative re-fetch after the end event.
		}
		return nil
	})
	if err != nil {
		if serverErr != nil {
			return nil, serverErr
		}
		return nil, m.classifyError(ctx, err)
	}
	return &Result{Streamed: true}, nil
}

func (m *Manager) classifyError(ctx context.Context, err error) error {
	if errors.Is(err, context.Canceled) || ctx.Err() != nil {
		return ErrCancelled
	}
	if gateway.IsAuthFailure(err) || gateway.IsNotFound(err) {
		return err
	}
	return fmt.Errorf("send failed: %w", err)
}

func classify(result *Result, err error) string {
	switch {
	case err == nil && result != nil && result.Streamed:
		return "streamed"
	case err == nil:
		return "completed"
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	case gateway.IsAuthFailure(err):
		return "auth_failure"
	case gateway.IsNotFound(err):
		return "not_found"
	default:
		return "failed"
	}
}
