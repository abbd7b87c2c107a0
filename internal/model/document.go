package model

import "time"

type DocumentStatus string

const (
	StatusPending    DocumentStatus = "pending"
	StatusProcessing DocumentStatus = "processing"
	StatusCompleted  DocumentStatus = "completed"
	StatusFailed     DocumentStatus = "failed"
)

// CanTransitionTo reports whether a document may move from s to next.
// Status only moves forward; pending may fail directly when the file is
// rejected before processing starts.
func (s DocumentStatus) CanTransitionTo(next DocumentStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessing || next == StatusFailed
	case StatusProcessing:
		return next == StatusCompleted || next == StatusFailed
	default:
		return false
	}
}

func (s DocumentStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

type Document struct {
	ID           string         `gorm:"size:36;primaryKey" json:"id"`
	OwnerID      string         `gorm:"size:128;not null;index;uniqueIndex:idx_documents_owner_hash,priority:1" json:"owner_id"`
	Filename     string         `gorm:"size:255;not null" json:"filename"`
	StoragePath  string         `gorm:"size:512;not null" json:"storage_path"`
	ContentType  string         `gorm:"size:128;not null" json:"content_type"`
	FileType     string         `gorm:"size:16;not null" json:"file_type"`
	FileSize     int64          `gorm:"not null" json:"file_size"`
	ContentHash  string         `gorm:"size:64;not null;uniqueIndex:idx_documents_owner_hash,priority:2" json:"content_hash"`
	Status       DocumentStatus `gorm:"size:16;not null;index" json:"status"`
	ChunkCount   int            `gorm:"not null;default:0" json:"chunk_count"`
	TotalTokens  int            `gorm:"not null;default:0" json:"total_tokens"`
	ErrorMessage string         `gorm:"type:text" json:"error_message,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	ProcessedAt  *time.Time     `json:"processed_at,omitempty"`

	Chunks []Chunk `gorm:"foreignKey:DocumentID;constraint:OnDelete:CASCADE" json:"-"`
}
