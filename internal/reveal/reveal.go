// Package reveal simulates progressive arrival of an already-fully-known
// answer string: one rune per tick at a fixed cadence, preemptible at any
// point. Staleness is expressed through a generation token; a tick whose
// token is no longer the active one mutates nothing and schedules nothing
// further, which is how Stop takes effect without synchronous cancellation
// of an in-flight timer.
package reveal

import (
	"context"
	"sync"
	"time"

	"github.com/wellspring-kb/session-controller/pkg/metrics"
)

// EmitFunc receives each successive prefix of the revealed text, addressed
// by assistant message id.
type EmitFunc func(messageID, prefix string)

// DoneFunc is called once when a reveal session runs to completion without
// being stopped.
type DoneFunc func(messageID string)

// Scheduler runs at most one reveal session at a time.
type Scheduler struct {
	interval time.Duration
	emit     EmitFunc
	done     DoneFunc

	mu     sync.Mutex
	gen    uint64
	active bool
	cancel context.CancelFunc
}

// New creates a scheduler. done may be nil.
func New(interval time.Duration, emit EmitFunc, done DoneFunc) *Scheduler {
	if interval <= 0 {
		interval = 25 * time.Millisecond
	}
	return &Scheduler{
		interval: interval,
		emit:     emit,
		done:     done,
	}
}

// Start cancels any existing reveal, allocates a new generation token, and
// begins emitting successive prefixes of fullText of strictly increasing
// length until the full text is emitted.
func (s *Scheduler) Start(messageID, fullText string) {
	s.mu.Lock()
	s.gen++
	gen := s.gen
	if s.cancel != nil {
		s.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.active = true
	s.mu.Unlock()

	metrics.RevealSessionsTotal.Inc()
	go s.run(ctx, gen, messageID, fullText)
}

// Stop invalidates the current generation token and cancels the pending
// tick. Idempotent; safe to call when idle.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.gen++
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.active = false
}

// Active reports whether a reveal session is in progress.
func (s *Scheduler) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Scheduler) run(ctx context.Context, gen uint64, messageID, fullText string) {
	runes := []rune(fullText)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for i := 1; i <= len(runes); i++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !s.current(gen) {
			return
		}
		s.emit(messageID, string(runes[:i]))
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.active = false
	s.cancel = nil
	s.mu.Unlock()

	if s.done != nil {
		s.done(messageID)
	}
}

func (s *Scheduler) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen == gen
}
