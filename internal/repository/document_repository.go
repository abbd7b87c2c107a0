package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"ragdesk/internal/model"
)

const chunkInsertBatch = 200

type DocumentRepository struct {
	db *gorm.DB
}

func NewDocumentRepository(db *gorm.DB) *DocumentRepository {
	return &DocumentRepository{db: db}
}

func (r *DocumentRepository) Create(ctx context.Context, doc *model.Document) error {
	if err := r.db.WithContext(ctx).Omit("Chunks").Create(doc).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicateDocument
		}
		return fmt.Errorf("create document failed: %w", err)
	}
	return nil
}

func (r *DocumentRepository) GetByIDAndOwner(ctx context.Context, id, ownerID string) (*model.Document, error) {
	var doc model.Document
	if err := r.db.WithContext(ctx).Where("id = ? AND owner_id = ?", id, ownerID).First(&doc).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get document failed: %w", err)
	}
	return &doc, nil
}

func (r *DocumentRepository) GetByContentHash(ctx context.Context, ownerID, hash string) (*model.Document, error) {
	var doc model.Document
	if err := r.db.WithContext(ctx).Where("owner_id = ? AND content_hash = ?", ownerID, hash).First(&doc).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get document by hash failed: %w", err)
	}
	return &doc, nil
}

func (r *DocumentRepository) ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]model.Document, int64, error) {
	q := r.db.WithContext(ctx).Model(&model.Document{}).Where("owner_id = ?", ownerID)

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count documents failed: %w", err)
	}
	var docs []model.Document
	if err := q.Order("created_at DESC").Limit(limit).Offset(offset).Find(&docs).Error; err != nil {
		return nil, 0, fmt.Errorf("list documents failed: %w", err)
	}
	return docs, total, nil
}

// TransitionStatus moves a document from one status to the next only if it
// is still in the expected state. A lost race returns ErrStatusConflict.
func (r *DocumentRepository) TransitionStatus(ctx context.Context, id, ownerID string, from, to model.DocumentStatus, errMsg string) error {
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	now := time.Now()
	updates := map[string]any{
		"status":     to,
		"updated_at": now,
	}
	if to == model.StatusFailed {
		updates["error_message"] = errMsg
	}
	if to.Terminal() {
		updates["processed_at"] = now
	}

	res := r.db.WithContext(ctx).Model(&model.Document{}).
		Where("id = ? AND owner_id = ? AND status = ?", id, ownerID, from).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update document status failed: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrStatusConflict
	}
	return nil
}

// Complete writes all chunks and flips processing -> completed in one
// transaction.
func (r *DocumentRepository) Complete(ctx context.Context, id, ownerID string, chunks []model.Chunk, totalTokens int) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(chunks) > 0 {
			if err := tx.CreateInBatches(&chunks, chunkInsertBatch).Error; err != nil {
				return fmt.Errorf("create chunks failed: %w", err)
			}
		}
		now := time.Now()
		res := tx.Model(&model.Document{}).
			Where("id = ? AND owner_id = ? AND status = ?", id, ownerID, model.StatusProcessing).
			Updates(map[string]any{
				"status":        model.StatusCompleted,
				"chunk_count":   len(chunks),
				"total_tokens":  totalTokens,
				"error_message": "",
				"processed_at":  now,
				"updated_at":    now,
			})
		if res.Error != nil {
			return fmt.Errorf("complete document failed: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrStatusConflict
		}
		return nil
	})
}

func (r *DocumentRepository) ListChunkVectorIDs(ctx context.Context, id, ownerID string) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).Model(&model.Chunk{}).
		Where("document_id = ? AND owner_id = ?", id, ownerID).
		Order("ordinal ASC").
		Pluck("vector_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("list chunk vector ids failed: %w", err)
	}
	return ids, nil
}

// ResolveChunks maps vector hits back to chunk rows. Chunks of documents
// that are gone, foreign or not completed are dropped.
func (r *DocumentRepository) ResolveChunks(ctx context.Context, ownerID string, vectorIDs []string) ([]model.ResolvedChunk, error) {
	if len(vectorIDs) == 0 {
		return nil, nil
	}
	var out []model.ResolvedChunk
	err := r.db.WithContext(ctx).Table("chunks").
		Select("chunks.*, documents.filename").
		Joins("JOIN documents ON documents.id = chunks.document_id").
		Where("chunks.owner_id = ? AND documents.owner_id = ? AND documents.status = ?", ownerID, ownerID, model.StatusCompleted).
		Where("chunks.vector_id IN ?", vectorIDs).
		Scan(&out).Error
	if err != nil {
		return nil, fmt.Errorf("resolve chunks failed: %w", err)
	}
	return out, nil
}

// DeleteByIDAndOwner removes the document with its chunks and any citations
// pointing at it. It reports false when nothing matched.
func (r *DocumentRepository) DeleteByIDAndOwner(ctx context.Context, id, ownerID string) (bool, error) {
	var deleted bool
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("document_id = ? AND owner_id = ?", id, ownerID).Delete(&model.MessageCitation{}).Error; err != nil {
			return fmt.Errorf("delete citations failed: %w", err)
		}
		if err := tx.Where("document_id = ? AND owner_id = ?", id, ownerID).Delete(&model.Chunk{}).Error; err != nil {
			return fmt.Errorf("delete chunks failed: %w", err)
		}
		res := tx.Where("id = ? AND owner_id = ?", id, ownerID).Delete(&model.Document{})
		if res.Error != nil {
			return fmt.Errorf("delete document failed: %w", res.Error)
		}
		deleted = res.RowsAffected > 0
		return nil
	})
	return deleted, err
}

func (r *DocumentRepository) CountByOwner(ctx context.Context, ownerID string) (int64, error) {
	var n int64
	if err := r.db.WithContext(ctx).Model(&model.Document{}).Where("owner_id = ?", ownerID).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count documents failed: %w", err)
	}
	return n, nil
}

// FailStaleProcessing marks documents stuck in processing since before
// cutoff as failed and returns them.
func (r *DocumentRepository) FailStaleProcessing(ctx context.Context, cutoff time.Time, reason string) ([]model.Document, error) {
	var stale []model.Document
	err := r.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", model.StatusProcessing, cutoff).
		Find(&stale).Error
	if err != nil {
		return nil, fmt.Errorf("list stale documents failed: %w", err)
	}

	failed := stale[:0]
	for _, doc := range stale {
		err := r.TransitionStatus(ctx, doc.ID, doc.OwnerID, model.StatusProcessing, model.StatusFailed, reason)
		if errors.Is(err, ErrStatusConflict) {
			continue
		}
		if err != nil {
			return failed, err
		}
		doc.Status = model.StatusFailed
		doc.ErrorMessage = reason
		failed = append(failed, doc)
	}
	return failed, nil
}
