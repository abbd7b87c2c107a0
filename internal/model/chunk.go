package model

import (
	"time"

	"gorm.io/datatypes"
)

// Chunk is one ordered slice of a document's text. VectorID points at the
// entry in the owner's vector namespace; embeddings are not stored here.
type Chunk struct {
	ID         string            `gorm:"size:36;primaryKey" json:"id"`
	DocumentID string            `gorm:"size:36;not null;uniqueIndex:idx_chunks_document_ordinal,priority:1" json:"document_id"`
	OwnerID    string            `gorm:"size:128;not null;index" json:"owner_id"`
	Ordinal    int               `gorm:"not null;uniqueIndex:idx_chunks_document_ordinal,priority:2" json:"ordinal"`
	Content    string            `gorm:"type:text;not null" json:"content"`
	VectorID   string            `gorm:"size:64;not null;index" json:"vector_id"`
	TokenCount int               `gorm:"not null;default:0" json:"token_count"`
	Metadata   datatypes.JSONMap `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// ResolvedChunk is a chunk joined with its document's filename, as seen by
// retrieval.
type ResolvedChunk struct {
	Chunk
	Filename string `json:"filename"`
}
