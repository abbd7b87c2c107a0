package model

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

func ValidRole(role string) bool {
	return role == RoleUser || role == RoleAssistant || role == RoleSystem
}

type Conversation struct {
	ID        string            `gorm:"size:36;primaryKey" json:"id"`
	OwnerID   string            `gorm:"size:128;not null;index" json:"owner_id"`
	Title     string            `gorm:"size:255;not null" json:"title"`
	Metadata  datatypes.JSONMap `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `gorm:"index" json:"updated_at"`

	Messages []Message `gorm:"foreignKey:ConversationID;constraint:OnDelete:CASCADE" json:"-"`
}

type Message struct {
	ID             string            `gorm:"size:36;primaryKey" json:"id"`
	ConversationID string            `gorm:"size:36;not null;index" json:"conversation_id"`
	OwnerID        string            `gorm:"size:128;not null;index" json:"owner_id"`
	Role           string            `gorm:"size:16;not null" json:"role"`
	Content        string            `gorm:"type:text;not null" json:"content"`
	Metadata       datatypes.JSONMap `json:"metadata,omitempty"`
	CreatedAt      time.Time         `gorm:"index" json:"created_at"`

	Citations []MessageCitation `gorm:"foreignKey:MessageID;constraint:OnDelete:CASCADE" json:"citations,omitempty"`
}

type MessageCitation struct {
	ID             string         `gorm:"size:36;primaryKey" json:"id"`
	MessageID      string         `gorm:"size:36;not null;index" json:"message_id"`
	DocumentID     string         `gorm:"size:36;not null;index" json:"document_id"`
	OwnerID        string         `gorm:"size:128;not null;index" json:"owner_id"`
	ChunkIDs       datatypes.JSON `json:"chunk_ids"`
	RelevanceScore float64        `json:"relevance_score"`
	CreatedAt      time.Time      `json:"created_at"`
}

func (c *MessageCitation) SetChunkIDs(ids []string) {
	if ids == nil {
		ids = []string{}
	}
	b, _ := json.Marshal(ids)
	c.ChunkIDs = datatypes.JSON(b)
}

// ChunkIDList returns the cited chunk ids; empty when the column is unset.
func (c *MessageCitation) ChunkIDList() []string {
	var ids []string
	if len(c.ChunkIDs) == 0 {
		return ids
	}
	_ = json.Unmarshal(c.ChunkIDs, &ids)
	return ids
}
