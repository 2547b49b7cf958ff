package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wellspring-kb/session-controller/internal/model"
)

func TestListOrderedByLastActivity(t *testing.T) {
	s := New()
	now := time.Now()

	s.SetConversations([]model.Conversation{
		{ID: "a", Title: "a", LastActivity: now.Add(-2 * time.Hour)},
		{ID: "b", Title: "b", LastActivity: now},
		{ID: "c", Title: "c", LastActivity: now.Add(-time.Hour)},
	})

	ids := func() []string {
		var out []string
		for _, c := range s.ListConversations() {
			out = append(out, c.ID)
		}
		return out
	}

	assert.Equal(t, []string{"b", "c", "a"}, ids())

	s.TouchConversation("a", now.Add(time.Minute))
	assert.Equal(t, []string{"a", "b", "c"}, ids())

	// Touch never moves activity backwards.
	s.TouchConversation("a", now.Add(-time.Hour))
	assert.Equal(t, []string{"a", "b", "c"}, ids())
}

func TestOptimisticAppendAndRemove(t *testing.T) {
	s := New()

	msg := s.AppendOptimisticUserMessage("conv", "hello")
	require.True(t, msg.Optimistic())
	require.Equal(t, model.RoleUser, msg.Role)

	msgs := s.Messages("conv")
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Text)

	s.RemoveMessage("conv", msg.ID)
	assert.Empty(t, s.Messages("conv"))

	// Removing again is a no-op.
	s.RemoveMessage("conv", msg.ID)
	assert.Empty(t, s.Messages("conv"))
}

func TestReplaceMessagesDiscardsLocalState(t *testing.T) {
	s := New()
	s.AppendOptimisticUserMessage("conv", "draft")

	authoritative := []model.Message{
		{ID: "u1", Role: model.RoleUser, Text: "hello"},
		{ID: "b1", Role: model.RoleAssistant, Text: "hi there"},
	}
	s.ReplaceMessages("conv", authoritative)

	msgs := s.Messages("conv")
	require.Len(t, msgs, 2)
	assert.Equal(t, "u1", msgs[0].ID)
	assert.Equal(t, "b1", msgs[1].ID)
}

func TestUpsertAssistantPlaceholderAfterTrigger(t *testing.T) {
	s := New()
	s.ReplaceMessages("conv", []model.Message{
		{ID: "u1", Role: model.RoleUser, Text: "first"},
		{ID: "b1", Role: model.RoleAssistant, Text: "answer"},
		{ID: "u2", Role: model.RoleUser, Text: "second"},
	})

	s.UpsertAssistantPlaceholder("conv", "u2", model.Message{ID: "b2", Role: model.RoleAssistant})

	msgs := s.Messages("conv")
	require.Len(t, msgs, 4)
	assert.Equal(t, "b2", msgs[3].ID)

	// Re-upserting the same placeholder does not duplicate it.
	s.UpsertAssistantPlaceholder("conv", "u2", model.Message{ID: "b2", Role: model.RoleAssistant})
	assert.Len(t, s.Messages("conv"), 4)
}

func TestMutateAssistantTextNoOpOnMissing(t *testing.T) {
	s := New()
	s.ReplaceMessages("conv", []model.Message{
		{ID: "u1", Role: model.RoleUser, Text: "q"},
		{ID: "b1", Role: model.RoleAssistant, Text: ""},
	})

	s.MutateAssistantText("conv", "b1", "partial")
	assert.Equal(t, "partial", s.Messages("conv")[1].Text)

	// User messages are never mutated through this path.
	s.MutateAssistantText("conv", "u1", "nope")
	assert.Equal(t, "q", s.Messages("conv")[0].Text)

	// Gone message: silent no-op.
	s.ReplaceMessages("conv", nil)
	s.MutateAssistantText("conv", "b1", "stale tick")
	assert.Empty(t, s.Messages("conv"))
}

func TestRemoveConversationDropsMessages(t *testing.T) {
	s := New()
	s.SetConversations([]model.Conversation{{ID: "a"}, {ID: "b"}})
	s.AppendOptimisticUserMessage("a", "x")

	s.RemoveConversation("a")

	require.Len(t, s.ListConversations(), 1)
	assert.Equal(t, "b", s.ListConversations()[0].ID)
	assert.Empty(t, s.Messages("a"))
}
