package repository

import (
	"errors"

	"ragdesk/internal/model"
)

var (
	ErrDuplicateDocument = errors.New("document with the same content already exists")
	ErrStatusConflict    = errors.New("document status changed concurrently")
	ErrInvalidTransition = errors.New("document status transition not allowed")
	ErrConversationGone  = errors.New("conversation no longer exists")
)

// Exchange is one question/answer turn persisted as a unit.
type Exchange struct {
	Conversation     *model.Conversation
	NewConversation  bool
	UserMessage      *model.Message
	AssistantMessage *model.Message
	// Citations is narrowed in place to the rows actually written.
	Citations []model.MessageCitation
}
