// Package memstore is an in-process metadata backend with the same
// owner-scoped semantics as the gorm repositories. It backs
// database.driver = "memory" and the service tests.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"ragdesk/internal/model"
	"ragdesk/internal/repository"
)

type state struct {
	mu            sync.RWMutex
	documents     map[string]model.Document
	chunks        map[string]model.Chunk
	conversations map[string]model.Conversation
	messages      map[string]model.Message
	citations     map[string]model.MessageCitation
	usage         []model.UsageRecord
}

type Store struct {
	Documents     *Documents
	Conversations *Conversations
	Usage         *Usage

	st *state
}

func New() *Store {
	st := &state{
		documents:     map[string]model.Document{},
		chunks:        map[string]model.Chunk{},
		conversations: map[string]model.Conversation{},
		messages:      map[string]model.Message{},
		citations:     map[string]model.MessageCitation{},
	}
	return &Store{
		Documents:     &Documents{st: st},
		Conversations: &Conversations{st: st},
		Usage:         &Usage{st: st},
		st:            st,
	}
}

func (s *Store) CitationCount() int {
	s.st.mu.RLock()
	defer s.st.mu.RUnlock()
	return len(s.st.citations)
}

func (s *Store) MessageCount() int {
	s.st.mu.RLock()
	defer s.st.mu.RUnlock()
	return len(s.st.messages)
}

func (s *Store) ChunkCount(documentID string) int {
	s.st.mu.RLock()
	defer s.st.mu.RUnlock()
	n := 0
	for _, c := range s.st.chunks {
		if c.DocumentID == documentID {
			n++
		}
	}
	return n
}

func (s *Store) UsageRecords() []model.UsageRecord {
	s.st.mu.RLock()
	defer s.st.mu.RUnlock()
	return append([]model.UsageRecord(nil), s.st.usage...)
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

type Documents struct{ st *state }

func (d *Documents) Create(_ context.Context, doc *model.Document) error {
	d.st.mu.Lock()
	defer d.st.mu.Unlock()
	for _, existing := range d.st.documents {
		if existing.OwnerID == doc.OwnerID && existing.ContentHash == doc.ContentHash {
			return repository.ErrDuplicateDocument
		}
	}
	now := time.Now()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now
	stored := *doc
	stored.Chunks = nil
	d.st.documents[doc.ID] = stored
	return nil
}

func (d *Documents) GetByIDAndOwner(_ context.Context, id, ownerID string) (*model.Document, error) {
	d.st.mu.RLock()
	defer d.st.mu.RUnlock()
	doc, ok := d.st.documents[id]
	if !ok || doc.OwnerID != ownerID {
		return nil, nil
	}
	return &doc, nil
}

func (d *Documents) GetByContentHash(_ context.Context, ownerID, hash string) (*model.Document, error) {
	d.st.mu.RLock()
	defer d.st.mu.RUnlock()
	for _, doc := range d.st.documents {
		if doc.OwnerID == ownerID && doc.ContentHash == hash {
			return &doc, nil
		}
	}
	return nil, nil
}

func (d *Documents) ListByOwner(_ context.Context, ownerID string, limit, offset int) ([]model.Document, int64, error) {
	d.st.mu.RLock()
	defer d.st.mu.RUnlock()
	var docs []model.Document
	for _, doc := range d.st.documents {
		if doc.OwnerID == ownerID {
			docs = append(docs, doc)
		}
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].CreatedAt.After(docs[j].CreatedAt) })
	return page(docs, limit, offset), int64(len(docs)), nil
}

func (d *Documents) TransitionStatus(_ context.Context, id, ownerID string, from, to model.DocumentStatus, errMsg string) error {
	if !from.CanTransitionTo(to) {
		return repository.ErrInvalidTransition
	}
	d.st.mu.Lock()
	defer d.st.mu.Unlock()
	doc, ok := d.st.documents[id]
	if !ok || doc.OwnerID != ownerID || doc.Status != from {
		return repository.ErrStatusConflict
	}
	now := time.Now()
	doc.Status = to
	doc.UpdatedAt = now
	if to == model.StatusFailed {
		doc.ErrorMessage = errMsg
	}
	if to.Terminal() {
		doc.ProcessedAt = &now
	}
	d.st.documents[id] = doc
	return nil
}

func (d *Documents) Complete(_ context.Context, id, ownerID string, chunks []model.Chunk, totalTokens int) error {
	d.st.mu.Lock()
	defer d.st.mu.Unlock()
	doc, ok := d.st.documents[id]
	if !ok || doc.OwnerID != ownerID || doc.Status != model.StatusProcessing {
		return repository.ErrStatusConflict
	}
	for _, c := range chunks {
		if _, dup := d.st.chunks[c.ID]; dup {
			return repository.ErrDuplicateDocument
		}
	}
	now := time.Now()
	for _, c := range chunks {
		c.CreatedAt = now
		d.st.chunks[c.ID] = c
	}
	doc.Status = model.StatusCompleted
	doc.ChunkCount = len(chunks)
	doc.TotalTokens = totalTokens
	doc.ErrorMessage = ""
	doc.ProcessedAt = &now
	doc.UpdatedAt = now
	d.st.documents[id] = doc
	return nil
}

func (d *Documents) ListChunkVectorIDs(_ context.Context, id, ownerID string) ([]string, error) {
	d.st.mu.RLock()
	defer d.st.mu.RUnlock()
	var chunks []model.Chunk
	for _, c := range d.st.chunks {
		if c.DocumentID == id && c.OwnerID == ownerID {
			chunks = append(chunks, c)
		}
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Ordinal < chunks[j].Ordinal })
	ids := make([]string, len(chunks))
	for i, c := range chunks {
		ids[i] = c.VectorID
	}
	return ids, nil
}

func (d *Documents) ResolveChunks(_ context.Context, ownerID string, vectorIDs []string) ([]model.ResolvedChunk, error) {
	want := make(map[string]struct{}, len(vectorIDs))
	for _, id := range vectorIDs {
		want[id] = struct{}{}
	}
	d.st.mu.RLock()
	defer d.st.mu.RUnlock()
	var out []model.ResolvedChunk
	for _, c := range d.st.chunks {
		if _, ok := want[c.VectorID]; !ok || c.OwnerID != ownerID {
			continue
		}
		doc, ok := d.st.documents[c.DocumentID]
		if !ok || doc.OwnerID != ownerID || doc.Status != model.StatusCompleted {
			continue
		}
		out = append(out, model.ResolvedChunk{Chunk: c, Filename: doc.Filename})
	}
	return out, nil
}

func (d *Documents) DeleteByIDAndOwner(_ context.Context, id, ownerID string) (bool, error) {
	d.st.mu.Lock()
	defer d.st.mu.Unlock()
	doc, ok := d.st.documents[id]
	if !ok || doc.OwnerID != ownerID {
		return false, nil
	}
	for cid, c := range d.st.citations {
		if c.DocumentID == id {
			delete(d.st.citations, cid)
		}
	}
	for cid, c := range d.st.chunks {
		if c.DocumentID == id {
			delete(d.st.chunks, cid)
		}
	}
	delete(d.st.documents, id)
	return true, nil
}

func (d *Documents) CountByOwner(_ context.Context, ownerID string) (int64, error) {
	d.st.mu.RLock()
	defer d.st.mu.RUnlock()
	var n int64
	for _, doc := range d.st.documents {
		if doc.OwnerID == ownerID {
			n++
		}
	}
	return n, nil
}

func (d *Documents) FailStaleProcessing(_ context.Context, cutoff time.Time, reason string) ([]model.Document, error) {
	d.st.mu.Lock()
	defer d.st.mu.Unlock()
	var failed []model.Document
	now := time.Now()
	for id, doc := range d.st.documents {
		if doc.Status != model.StatusProcessing || !doc.UpdatedAt.Before(cutoff) {
			continue
		}
		doc.Status = model.StatusFailed
		doc.ErrorMessage = reason
		doc.ProcessedAt = &now
		doc.UpdatedAt = now
		d.st.documents[id] = doc
		failed = append(failed, doc)
	}
	return failed, nil
}

// Backdate shifts a document's UpdatedAt, for reaper tests.
func (d *Documents) Backdate(id string, by time.Duration) {
	d.st.mu.Lock()
	defer d.st.mu.Unlock()
	if doc, ok := d.st.documents[id]; ok {
		doc.UpdatedAt = doc.UpdatedAt.Add(-by)
		d.st.documents[id] = doc
	}
}

type Conversations struct{ st *state }

func (c *Conversations) GetByIDAndOwner(_ context.Context, id, ownerID string) (*model.Conversation, error) {
	c.st.mu.RLock()
	defer c.st.mu.RUnlock()
	conv, ok := c.st.conversations[id]
	if !ok || conv.OwnerID != ownerID {
		return nil, nil
	}
	return &conv, nil
}

func (c *Conversations) ListByOwner(_ context.Context, ownerID string, limit, offset int) ([]model.Conversation, int64, error) {
	c.st.mu.RLock()
	defer c.st.mu.RUnlock()
	var list []model.Conversation
	for _, conv := range c.st.conversations {
		if conv.OwnerID == ownerID {
			list = append(list, conv)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].UpdatedAt.After(list[j].UpdatedAt) })
	return page(list, limit, offset), int64(len(list)), nil
}

func (c *Conversations) messagesOf(conversationID, ownerID string) []model.Message {
	var out []model.Message
	for _, m := range c.st.messages {
		if m.ConversationID == conversationID && m.OwnerID == ownerID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (c *Conversations) RecentMessages(_ context.Context, conversationID, ownerID string, limit int) ([]model.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	c.st.mu.RLock()
	defer c.st.mu.RUnlock()
	msgs := c.messagesOf(conversationID, ownerID)
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

func (c *Conversations) MessagesWithCitations(_ context.Context, conversationID, ownerID string) ([]model.Message, error) {
	c.st.mu.RLock()
	defer c.st.mu.RUnlock()
	msgs := c.messagesOf(conversationID, ownerID)
	for i := range msgs {
		for _, cit := range c.st.citations {
			if cit.MessageID == msgs[i].ID && cit.OwnerID == ownerID {
				msgs[i].Citations = append(msgs[i].Citations, cit)
			}
		}
	}
	return msgs, nil
}

// AppendExchange stages every write and applies them only once all of them
// have been validated, which mirrors the transactional repository.
func (c *Conversations) AppendExchange(_ context.Context, ex *repository.Exchange) error {
	c.st.mu.Lock()
	defer c.st.mu.Unlock()

	conv := *ex.Conversation
	if !ex.NewConversation {
		existing, ok := c.st.conversations[conv.ID]
		if !ok || existing.OwnerID != conv.OwnerID {
			return repository.ErrConversationGone
		}
		existing.UpdatedAt = conv.UpdatedAt
		conv = existing
	}

	kept := make([]model.MessageCitation, 0, len(ex.Citations))
	for _, cit := range ex.Citations {
		doc, ok := c.st.documents[cit.DocumentID]
		if ok && doc.OwnerID == conv.OwnerID {
			kept = append(kept, cit)
		}
	}
	conv.Messages = nil
	c.st.conversations[conv.ID] = conv
	for _, m := range []*model.Message{ex.UserMessage, ex.AssistantMessage} {
		stored := *m
		stored.Citations = nil
		c.st.messages[m.ID] = stored
	}
	for _, cit := range kept {
		c.st.citations[cit.ID] = cit
	}
	ex.Citations = kept
	return nil
}

func (c *Conversations) DeleteByIDAndOwner(_ context.Context, id, ownerID string) (bool, error) {
	c.st.mu.Lock()
	defer c.st.mu.Unlock()
	conv, ok := c.st.conversations[id]
	if !ok || conv.OwnerID != ownerID {
		return false, nil
	}
	for mid, m := range c.st.messages {
		if m.ConversationID != id {
			continue
		}
		for cid, cit := range c.st.citations {
			if cit.MessageID == mid {
				delete(c.st.citations, cid)
			}
		}
		delete(c.st.messages, mid)
	}
	delete(c.st.conversations, id)
	return true, nil
}

func (c *Conversations) CountByOwner(_ context.Context, ownerID string) (int64, error) {
	c.st.mu.RLock()
	defer c.st.mu.RUnlock()
	var n int64
	for _, conv := range c.st.conversations {
		if conv.OwnerID == ownerID {
			n++
		}
	}
	return n, nil
}

type Usage struct{ st *state }

func (u *Usage) Create(_ context.Context, rec *model.UsageRecord) error {
	u.st.mu.Lock()
	defer u.st.mu.Unlock()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	u.st.usage = append(u.st.usage, *rec)
	return nil
}

func (u *Usage) TotalTokensByOwner(_ context.Context, ownerID string) (int64, error) {
	u.st.mu.RLock()
	defer u.st.mu.RUnlock()
	var total int64
	for _, rec := range u.st.usage {
		if rec.OwnerID == ownerID {
			total += int64(rec.TokensUsed)
		}
	}
	return total, nil
}
