package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ragdesk/internal/model"
	"ragdesk/internal/repository"
)

func seedDocument(t *testing.T, s *Store, id, owner string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.Documents.Create(ctx, &model.Document{ID: id, OwnerID: owner, Filename: id + ".txt", ContentHash: id, Status: model.StatusPending}))
	require.NoError(t, s.Documents.TransitionStatus(ctx, id, owner, model.StatusPending, model.StatusProcessing, ""))
	require.NoError(t, s.Documents.Complete(ctx, id, owner, []model.Chunk{
		{ID: id + "-0", DocumentID: id, OwnerID: owner, Ordinal: 0, VectorID: id + "-0", Content: "x"},
	}, 1))
}

func TestOwnerScoping(t *testing.T) {
	ctx := context.Background()
	s := New()
	seedDocument(t, s, "doc-a", "alice")

	doc, err := s.Documents.GetByIDAndOwner(ctx, "doc-a", "bob")
	require.NoError(t, err)
	assert.Nil(t, doc)

	resolved, err := s.Documents.ResolveChunks(ctx, "bob", []string{"doc-a-0"})
	require.NoError(t, err)
	assert.Empty(t, resolved)

	deleted, err := s.Documents.DeleteByIDAndOwner(ctx, "doc-a", "bob")
	require.NoError(t, err)
	assert.False(t, deleted)

	resolved, err = s.Documents.ResolveChunks(ctx, "alice", []string{"doc-a-0"})
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	assert.Equal(t, "doc-a.txt", resolved[0].Filename)
}

func TestDuplicateHashRejected(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.Documents.Create(ctx, &model.Document{ID: "1", OwnerID: "alice", ContentHash: "h"}))
	err := s.Documents.Create(ctx, &model.Document{ID: "2", OwnerID: "alice", ContentHash: "h"})
	assert.ErrorIs(t, err, repository.ErrDuplicateDocument)
	// other owners may hold the same content
	require.NoError(t, s.Documents.Create(ctx, &model.Document{ID: "3", OwnerID: "bob", ContentHash: "h"}))
}

func TestAppendExchangeStoresCitations(t *testing.T) {
	ctx := context.Background()
	s := New()
	seedDocument(t, s, "doc-a", "alice")

	now := time.Now()
	newExchange := func() *repository.Exchange {
		cit := model.MessageCitation{ID: "c1", MessageID: "m2", DocumentID: "doc-a", OwnerID: "alice"}
		cit.SetChunkIDs([]string{"doc-a-0"})
		return &repository.Exchange{
			Conversation:     &model.Conversation{ID: "conv", OwnerID: "alice", Title: "t", CreatedAt: now, UpdatedAt: now},
			NewConversation:  true,
			UserMessage:      &model.Message{ID: "m1", ConversationID: "conv", OwnerID: "alice", Role: model.RoleUser, CreatedAt: now},
			AssistantMessage: &model.Message{ID: "m2", ConversationID: "conv", OwnerID: "alice", Role: model.RoleAssistant, CreatedAt: now.Add(time.Millisecond)},
			Citations:        []model.MessageCitation{cit},
		}
	}

	require.NoError(t, s.Conversations.AppendExchange(ctx, newExchange()))
	assert.Equal(t, 2, s.MessageCount())
	assert.Equal(t, 1, s.CitationCount())

	msgs, err := s.Conversations.MessagesWithCitations(ctx, "conv", "alice")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, model.RoleUser, msgs[0].Role)
	require.Len(t, msgs[1].Citations, 1)

	// deleting the document takes its citations with it
	_, err = s.Documents.DeleteByIDAndOwner(ctx, "doc-a", "alice")
	require.NoError(t, err)
	assert.Zero(t, s.CitationCount())
}

func TestRecentMessagesWindow(t *testing.T) {
	ctx := context.Background()
	s := New()
	base := time.Now()
	for i := 0; i < 4; i++ {
		ex := &repository.Exchange{
			Conversation:     &model.Conversation{ID: "conv", OwnerID: "alice", UpdatedAt: base},
			NewConversation:  i == 0,
			UserMessage:      &model.Message{ID: string(rune('a'+2*i)) + "u", ConversationID: "conv", OwnerID: "alice", Role: model.RoleUser, CreatedAt: base.Add(time.Duration(2*i) * time.Second)},
			AssistantMessage: &model.Message{ID: string(rune('a'+2*i)) + "a", ConversationID: "conv", OwnerID: "alice", Role: model.RoleAssistant, CreatedAt: base.Add(time.Duration(2*i+1) * time.Second)},
		}
		require.NoError(t, s.Conversations.AppendExchange(ctx, ex))
	}

	msgs, err := s.Conversations.RecentMessages(ctx, "conv", "alice", 3)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.True(t, msgs[0].CreatedAt.Before(msgs[2].CreatedAt))
	assert.Equal(t, model.RoleAssistant, msgs[2].Role)

	none, err := s.Conversations.RecentMessages(ctx, "conv", "bob", 3)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestFailStaleProcessing(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.Documents.Create(ctx, &model.Document{ID: "d", OwnerID: "alice", ContentHash: "h", Status: model.StatusPending}))
	require.NoError(t, s.Documents.TransitionStatus(ctx, "d", "alice", model.StatusPending, model.StatusProcessing, ""))

	failed, err := s.Documents.FailStaleProcessing(ctx, time.Now().Add(-time.Minute), "processing timed out")
	require.NoError(t, err)
	assert.Empty(t, failed)

	s.Documents.Backdate("d", time.Hour)
	failed, err = s.Documents.FailStaleProcessing(ctx, time.Now().Add(-time.Minute), "processing timed out")
	require.NoError(t, err)
	require.Len(t, failed, 1)

	doc, _ := s.Documents.GetByIDAndOwner(ctx, "d", "alice")
	assert.Equal(t, model.StatusFailed, doc.Status)
	assert.Equal(t, "processing timed out", doc.ErrorMessage)
}
