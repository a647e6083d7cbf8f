// Package statetest holds behavioural checks shared by every state backend.
package statetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PipeOpsHQ/agent-controlplane/state"
	"github.com/PipeOpsHQ/agent-controlplane/types"
)

// RunDurable exercises a state.Durable implementation. newStore must return a
// fresh, empty store.
func RunDurable(t *testing.T, newStore func(t *testing.T) state.Durable) {
	t.Run("AppendAndListOldestFirst", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		base := time.Now().UTC()
		for i := 0; i < 5; i++ {
			err := s.AppendMessage(ctx, state.MessageRecord{
				ConversationID: "conv-1",
				Role:           string(types.RoleUser),
				Content:        fmt.Sprintf("m%d", i),
				CreatedAt:      base.Add(time.Duration(i) * time.Millisecond),
			})
			require.NoError(t, err)
		}
		require.NoError(t, s.AppendMessage(ctx, state.MessageRecord{ConversationID: "conv-2", Role: "user", Content: "other"}))

		got, err := s.ListRecentMessages(ctx, "conv-1", 3)
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, []string{"m2", "m3", "m4"}, contents(got))
		for _, m := range got {
			assert.NotEmpty(t, m.ID)
			assert.Equal(t, "conv-1", m.ConversationID)
		}
	})

	t.Run("ToolLinkageAndMetadataRoundTrip", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		in := state.MessageRecord{
			ID:             "msg-1",
			ConversationID: "conv-1",
			Role:           string(types.RoleAssistant),
			Content:        "calling",
			ToolCalls:      []types.ToolCall{{ID: "call-1", Name: "lookup", Arguments: []byte(`{"q":"x"}`)}},
			ModelID:        "model-a",
			Metadata:       map[string]any{"iterations": float64(2)},
		}
		require.NoError(t, s.AppendMessage(ctx, in))
		require.NoError(t, s.AppendMessage(ctx, state.MessageRecord{
			ConversationID: "conv-1",
			Role:           string(types.RoleTool),
			Content:        `{"ok":true}`,
			Name:           "lookup",
			ToolCallID:     "call-1",
		}))

		got, err := s.ListRecentMessages(ctx, "conv-1", 10)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "model-a", got[0].ModelID)
		require.Len(t, got[0].ToolCalls, 1)
		assert.Equal(t, "lookup", got[0].ToolCalls[0].Name)
		assert.JSONEq(t, `{"q":"x"}`, string(got[0].ToolCalls[0].Arguments))
		assert.Equal(t, float64(2), got[0].Metadata["iterations"])
		assert.Equal(t, "call-1", got[1].ToolCallID)
		assert.Equal(t, "lookup", got[1].Name)
	})

	t.Run("DuplicateMessageIDConflicts", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		msg := state.MessageRecord{ID: "dup", ConversationID: "conv-1", Role: "user", Content: "a"}
		require.NoError(t, s.AppendMessage(ctx, msg))
		assert.ErrorIs(t, s.AppendMessage(ctx, msg), state.ErrConflict)
	})

	t.Run("DeleteMessages", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.AppendMessage(ctx, state.MessageRecord{ConversationID: "conv-1", Role: "user", Content: "a"}))
		require.NoError(t, s.DeleteMessages(ctx, "conv-1"))
		got, err := s.ListRecentMessages(ctx, "conv-1", 10)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("ConversationLifecycle", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.LoadConversation(ctx, "conv-1")
		require.ErrorIs(t, err, state.ErrNotFound)

		require.NoError(t, s.CreateConversation(ctx, state.ConversationRecord{ID: "conv-1", AgentID: "agent", Title: "hello"}))
		assert.ErrorIs(t, s.CreateConversation(ctx, state.ConversationRecord{ID: "conv-1"}), state.ErrConflict)

		require.NoError(t, s.IncrementMessageCount(ctx, "conv-1", 2))
		require.NoError(t, s.IncrementMessageCount(ctx, "conv-1", 1))
		require.NoError(t, s.UpdateConversationStatus(ctx, "conv-1", state.ConversationStatusArchived))

		conv, err := s.LoadConversation(ctx, "conv-1")
		require.NoError(t, err)
		assert.Equal(t, "hello", conv.Title)
		assert.Equal(t, "agent", conv.AgentID)
		assert.Equal(t, 3, conv.MessageCount)
		assert.Equal(t, state.ConversationStatusArchived, conv.Status)
		assert.False(t, conv.CreatedAt.IsZero())

		assert.ErrorIs(t, s.IncrementMessageCount(ctx, "missing", 1), state.ErrNotFound)
	})
}

// RunTTL exercises a state.TTLStore implementation.
func RunTTL(t *testing.T, newStore func(t *testing.T) state.TTLStore) {
	t.Run("SetGetDelete", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.Get(ctx, "k")
		require.ErrorIs(t, err, state.ErrNotFound)

		require.NoError(t, s.Set(ctx, "k", []byte("v"), time.Minute))
		got, err := s.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, "v", string(got))

		ok, err := s.Exists(ctx, "k")
		require.NoError(t, err)
		assert.True(t, ok)

		require.NoError(t, s.Delete(ctx, "k"))
		ok, err = s.Exists(ctx, "k")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.NoError(t, s.Delete(ctx, "k"), "deleting a missing key is not an error")
	})

	t.Run("Overwrite", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Set(ctx, "k", []byte("a"), time.Minute))
		require.NoError(t, s.Set(ctx, "k", []byte("b"), time.Minute))
		got, err := s.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, "b", string(got))
	})
}

func contents(msgs []state.MessageRecord) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}
