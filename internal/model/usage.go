package model

import (
	"time"

	"gorm.io/datatypes"
)

const (
	EndpointUpload = "upload"
	EndpointQuery  = "query"
)

// UsageRecord is one append-only accounting row per billable request.
type UsageRecord struct {
	ID           string            `gorm:"size:36;primaryKey" json:"id"`
	OwnerID      string            `gorm:"size:128;not null;index" json:"owner_id"`
	Endpoint     string            `gorm:"size:32;not null" json:"endpoint"`
	TokensUsed   int               `gorm:"not null;default:0" json:"tokens_used"`
	CostEstimate float64           `gorm:"not null;default:0" json:"cost_estimate"`
	Metadata     datatypes.JSONMap `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// IngestJob is the queue payload asking a worker to process an uploaded
// document.
type IngestJob struct {
	DocumentID string `json:"document_id"`
	OwnerID    string `json:"owner_id"`
}
