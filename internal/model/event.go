package model

import "time"

const (
	EventDocumentCompleted = "document.completed"
	EventDocumentFailed    = "document.failed"
	EventDocumentDeleted   = "document.deleted"
)

type DocumentEvent struct {
	Type       string         `json:"type"`
	DocumentID string         `json:"document_id"`
	OwnerID    string         `json:"owner_id"`
	Status     DocumentStatus `json:"status,omitempty"`
	ChunkCount int            `json:"chunk_count,omitempty"`
	Error      string         `json:"error,omitempty"`
	At         time.Time      `json:"at"`
}
