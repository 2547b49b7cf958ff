package reveal

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu       sync.Mutex
	prefixes []string
	doneID   string
}

func (r *recorder) emit(_, prefix string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prefixes = append(r.prefixes, prefix)
}

func (r *recorder) done(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.doneID = id
}

func (r *recorder) snapshot() ([]string, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.prefixes))
	copy(out, r.prefixes)
	return out, r.doneID
}

func TestRevealDeterminism(t *testing.T) {
	rec := &recorder{}
	s := New(time.Millisecond, rec.emit, rec.done)

	s.Start("b1", "héllo")

	require.Eventually(t, func() bool {
		_, done := rec.snapshot()
		return done == "b1"
	}, time.Second, 5*time.Millisecond)

	prefixes, _ := rec.snapshot()
	require.NotEmpty(t, prefixes)
	assert.Equal(t, "héllo", prefixes[len(prefixes)-1])

	// Monotonically increasing rune prefixes, full text eventually.
	prev := 0
	for _, p := range prefixes {
		n := len([]rune(p))
		assert.Greater(t, n, prev)
		prev = n
	}
	assert.False(t, s.Active())
}

func TestStopIsIdempotentAndSafeWhenIdle(t *testing.T) {
	rec := &recorder{}
	s := New(time.Millisecond, rec.emit, rec.done)

	s.Stop()
	s.Stop()
	assert.False(t, s.Active())

	s.Start("b1", "some long answer text")
	require.True(t, s.Active())

	s.Stop()
	s.Stop()
	assert.False(t, s.Active())

	// Give any scheduled tick a chance to fire; it must not complete the
	// session after Stop.
	time.Sleep(20 * time.Millisecond)
	_, done := rec.snapshot()
	assert.Empty(t, done)
}

func TestStartPreemptsPriorSession(t *testing.T) {
	rec := &recorder{}
	s := New(time.Millisecond, rec.emit, rec.done)

	s.Start("b1", "first answer")
	s.Start("b2", "second")

	require.Eventually(t, func() bool {
		_, done := rec.snapshot()
		return done == "b2"
	}, time.Second, 5*time.Millisecond)

	prefixes, _ := rec.snapshot()
	assert.Equal(t, "second", prefixes[len(prefixes)-1])
}
