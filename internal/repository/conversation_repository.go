package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"ragdesk/internal/model"
)

type ConversationRepository struct {
	db *gorm.DB
}

func NewConversationRepository(db *gorm.DB) *ConversationRepository {
	return &ConversationRepository{db: db}
}

func (r *ConversationRepository) GetByIDAndOwner(ctx context.Context, id, ownerID string) (*model.Conversation, error) {
	var conv model.Conversation
	if err := r.db.WithContext(ctx).Where("id = ? AND owner_id = ?", id, ownerID).First(&conv).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get conversation failed: %w", err)
	}
	return &conv, nil
}

func (r *ConversationRepository) ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]model.Conversation, int64, error) {
	q := r.db.WithContext(ctx).Model(&model.Conversation{}).Where("owner_id = ?", ownerID)

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count conversations failed: %w", err)
	}
	var list []model.Conversation
	if err := q.Order("updated_at DESC").Limit(limit).Offset(offset).Find(&list).Error; err != nil {
		return nil, 0, fmt.Errorf("list conversations failed: %w", err)
	}
	return list, total, nil
}

// RecentMessages returns the last limit messages in chronological order.
func (r *ConversationRepository) RecentMessages(ctx context.Context, conversationID, ownerID string, limit int) ([]model.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	var messages []model.Message
	err := r.db.WithContext(ctx).
		Where("conversation_id = ? AND owner_id = ?", conversationID, ownerID).
		Order("created_at DESC").
		Limit(limit).
		Find(&messages).Error
	if err != nil {
		return nil, fmt.Errorf("list recent messages failed: %w", err)
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (r *ConversationRepository) MessagesWithCitations(ctx context.Context, conversationID, ownerID string) ([]model.Message, error) {
	var messages []model.Message
	err := r.db.WithContext(ctx).
		Preload("Citations", "owner_id = ?", ownerID).
		Where("conversation_id = ? AND owner_id = ?", conversationID, ownerID).
		Order("created_at ASC").
		Find(&messages).Error
	if err != nil {
		return nil, fmt.Errorf("list messages failed: %w", err)
	}
	return messages, nil
}

// AppendExchange writes the conversation bump, both messages and the
// citations in one transaction. Citations to documents the owner no longer
// has are dropped before insert.
func (r *ConversationRepository) AppendExchange(ctx context.Context, ex *Exchange) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		conv := ex.Conversation
		if ex.NewConversation {
			if err := tx.Omit("Messages").Create(conv).Error; err != nil {
				return fmt.Errorf("create conversation failed: %w", err)
			}
		} else {
			res := tx.Model(&model.Conversation{}).
				Where("id = ? AND owner_id = ?", conv.ID, conv.OwnerID).
				Update("updated_at", conv.UpdatedAt)
			if res.Error != nil {
				return fmt.Errorf("touch conversation failed: %w", res.Error)
			}
			if res.RowsAffected == 0 {
				return ErrConversationGone
			}
		}

		for _, msg := range []*model.Message{ex.UserMessage, ex.AssistantMessage} {
			if err := tx.Omit("Citations").Create(msg).Error; err != nil {
				return fmt.Errorf("create message failed: %w", err)
			}
		}

		if len(ex.Citations) == 0 {
			return nil
		}
		docIDs := make([]string, 0, len(ex.Citations))
		for _, c := range ex.Citations {
			docIDs = append(docIDs, c.DocumentID)
		}
		var live []string
		err := tx.Model(&model.Document{}).
			Where("owner_id = ? AND id IN ?", conv.OwnerID, docIDs).
			Pluck("id", &live).Error
		if err != nil {
			return fmt.Errorf("check cited documents failed: %w", err)
		}
		ex.Citations = keepCitations(ex.Citations, live)
		if len(ex.Citations) == 0 {
			return nil
		}
		if err := tx.Create(&ex.Citations).Error; err != nil {
			return fmt.Errorf("create citations failed: %w", err)
		}
		return nil
	})
}

func keepCitations(citations []model.MessageCitation, liveDocIDs []string) []model.MessageCitation {
	live := make(map[string]struct{}, len(liveDocIDs))
	for _, id := range liveDocIDs {
		live[id] = struct{}{}
	}
	kept := make([]model.MessageCitation, 0, len(citations))
	for _, c := range citations {
		if _, ok := live[c.DocumentID]; ok {
			kept = append(kept, c)
		}
	}
	return kept
}

func (r *ConversationRepository) DeleteByIDAndOwner(ctx context.Context, id, ownerID string) (bool, error) {
	var deleted bool
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		msgIDs := tx.Model(&model.Message{}).Select("id").Where("conversation_id = ? AND owner_id = ?", id, ownerID)
		if err := tx.Where("message_id IN (?)", msgIDs).Delete(&model.MessageCitation{}).Error; err != nil {
			return fmt.Errorf("delete citations failed: %w", err)
		}
		if err := tx.Where("conversation_id = ? AND owner_id = ?", id, ownerID).Delete(&model.Message{}).Error; err != nil {
			return fmt.Errorf("delete messages failed: %w", err)
		}
		res := tx.Where("id = ? AND owner_id = ?", id, ownerID).Delete(&model.Conversation{})
		if res.Error != nil {
			return fmt.Errorf("delete conversation failed: %w", res.Error)
		}
		deleted = res.RowsAffected > 0
		return nil
	})
	return deleted, err
}

func (r *ConversationRepository) CountByOwner(ctx context.Context, ownerID string) (int64, error) {
	var n int64
	if err := r.db.WithContext(ctx).Model(&model.Conversation{}).Where("owner_id = ?", ownerID).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count conversations failed: %w", err)
	}
	return n, nil
}
