package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"ragdesk/internal/model"
)

type ConversationService struct {
	convs   ConversationRepository
	history HistoryCache
	log     *zap.Logger
}

func NewConversationService(convs ConversationRepository, history HistoryCache, log *zap.Logger) *ConversationService {
	if history == nil {
		history = nopHistoryCache{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &ConversationService{convs: convs, history: history, log: log}
}

func (s *ConversationService) List(ctx context.Context, ownerID string, limit, offset int) ([]model.Conversation, int64, error) {
	if ownerID == "" {
		return nil, 0, ErrAuth
	}
	return s.convs.ListByOwner(ctx, ownerID, limit, offset)
}

// Messages returns the whole conversation, oldest first, with citations.
func (s *ConversationService) Messages(ctx context.Context, ownerID, conversationID string) ([]model.Message, error) {
	if ownerID == "" {
		return nil, ErrAuth
	}
	conv, err := s.convs.GetByIDAndOwner(ctx, conversationID, ownerID)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, fmt.Errorf("%w: conversation not found", ErrNotFound)
	}
	return s.convs.MessagesWithCitations(ctx, conv.ID, ownerID)
}

func (s *ConversationService) Delete(ctx context.Context, ownerID, conversationID string) error {
	if ownerID == "" {
		return ErrAuth
	}
	deleted, err := s.convs.DeleteByIDAndOwner(ctx, conversationID, ownerID)
	if err != nil {
		return err
	}
	if !deleted {
		return fmt.Errorf("%w: conversation not found", ErrNotFound)
	}
	if err := s.history.Invalidate(ctx, ownerID, conversationID); err != nil {
		s.log.Warn("invalidate history cache failed", zap.String("conversation_id", conversationID), zap.Error(err))
	}
	return nil
}

type Stats struct {
	UserID             string `json:"user_id"`
	TotalDocuments     int64  `json:"total_documents"`
	TotalConversations int64  `json:"total_conversations"`
	TotalTokens        int64  `json:"total_tokens"`
	VectorBackend      string `json:"vector_backend"`
	LLMModel           string `json:"llm_model"`
}

// StatsService reports per-owner totals.
type StatsService struct {
	docs          DocumentRepository
	convs         ConversationRepository
	usage         UsageRepository
	vectorBackend string
	model         string
}

func NewStatsService(docs DocumentRepository, convs ConversationRepository, usage UsageRepository, vectorBackend, model string) *StatsService {
	return &StatsService{docs: docs, convs: convs, usage: usage, vectorBackend: vectorBackend, model: model}
}

func (s *StatsService) Stats(ctx context.Context, ownerID string) (*Stats, error) {
	if ownerID == "" {
		return nil, ErrAuth
	}
	docs, err := s.docs.CountByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	convs, err := s.convs.CountByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	tokens, err := s.usage.TotalTokensByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	return &Stats{
		UserID:             ownerID,
		TotalDocuments:     docs,
		TotalConversations: convs,
		TotalTokens:        tokens,
		VectorBackend:      s.vectorBackend,
		LLMModel:           s.model,
	}, nil
}
