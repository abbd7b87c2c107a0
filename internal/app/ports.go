package app

import (
	"context"
	"time"

	"ragdesk/internal/ai"
	"ragdesk/internal/model"
	"ragdesk/internal/repository"
)

// DocumentRepository is implemented by repository.DocumentRepository and
// memstore.Documents.
type DocumentRepository interface {
	Create(ctx context.Context, doc *model.Document) error
	GetByIDAndOwner(ctx context.Context, id, ownerID string) (*model.Document, error)
	GetByContentHash(ctx context.Context, ownerID, hash string) (*model.Document, error)
	ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]model.Document, int64, error)
	TransitionStatus(ctx context.Context, id, ownerID string, from, to model.DocumentStatus, errMsg string) error
	Complete(ctx context.Context, id, ownerID string, chunks []model.Chunk, totalTokens int) error
	ListChunkVectorIDs(ctx context.Context, id, ownerID string) ([]string, error)
	ResolveChunks(ctx context.Context, ownerID string, vectorIDs []string) ([]model.ResolvedChunk, error)
	DeleteByIDAndOwner(ctx context.Context, id, ownerID string) (bool, error)
	CountByOwner(ctx context.Context, ownerID string) (int64, error)
	FailStaleProcessing(ctx context.Context, cutoff time.Time, reason string) ([]model.Document, error)
}

type ConversationRepository interface {
	GetByIDAndOwner(ctx context.Context, id, ownerID string) (*model.Conversation, error)
	ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]model.Conversation, int64, error)
	RecentMessages(ctx context.Context, conversationID, ownerID string, limit int) ([]model.Message, error)
	MessagesWithCitations(ctx context.Context, conversationID, ownerID string) ([]model.Message, error)
	AppendExchange(ctx context.Context, ex *repository.Exchange) error
	DeleteByIDAndOwner(ctx context.Context, id, ownerID string) (bool, error)
	CountByOwner(ctx context.Context, ownerID string) (int64, error)
}

type UsageRepository interface {
	Create(ctx context.Context, rec *model.UsageRecord) error
	TotalTokensByOwner(ctx context.Context, ownerID string) (int64, error)
}

type ObjectStore interface {
	Put(ctx context.Context, key, contentType string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

type ChatModel interface {
	Model() string
	Complete(ctx context.Context, messages []ai.ChatMessage) (*ai.Completion, error)
	StreamComplete(ctx context.Context, messages []ai.ChatMessage, onChunk func(string) error) (string, error)
}

type JobPublisher interface {
	Publish(ctx context.Context, job model.IngestJob) error
}

type EventPublisher interface {
	Publish(ctx context.Context, ev model.DocumentEvent) error
}

type HistoryCache interface {
	Get(ctx context.Context, ownerID, conversationID string) ([]model.Message, bool, error)
	Set(ctx context.Context, ownerID, conversationID string, messages []model.Message) error
	Invalidate(ctx context.Context, ownerID, conversationID string) error
}

// NopEvents drops every event. Used when nats is disabled.
type NopEvents struct{}

func (NopEvents) Publish(context.Context, model.DocumentEvent) error { return nil }

type nopHistoryCache struct{}

func (nopHistoryCache) Get(context.Context, string, string) ([]model.Message, bool, error) {
	return nil, false, nil
}
func (nopHistoryCache) Set(context.Context, string, string, []model.Message) error { return nil }
func (nopHistoryCache) Invalidate(context.Context, string, string) error           { return nil }
