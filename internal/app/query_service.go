package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"ragdesk/internal/ai"
	"ragdesk/internal/chunker"
	"ragdesk/internal/model"
	"ragdesk/internal/repository"
	"ragdesk/internal/vectorindex"
)

const (
	defaultMaxQueryChars = 10000
	titleRunes           = 60
)

type queryState string

const (
	stateReceived         queryState = "received"
	stateEmbeddingQuery   queryState = "embedding_query"
	stateRetrieving       queryState = "retrieving"
	stateAssemblingPrompt queryState = "assembling_prompt"
	stateGenerating       queryState = "generating"
	statePersisting       queryState = "persisting"
	stateDone             queryState = "done"
	stateFailed           queryState = "failed"
)

type QueryDeps struct {
	Documents     DocumentRepository
	Conversations ConversationRepository
	Usage         UsageRepository
	Index         vectorindex.Index
	Embedder      ai.Embedder
	LLM           ChatModel
	History       HistoryCache
	Retry         ai.RetryPolicy
	Logger        *zap.Logger

	TopK          int
	MinScore      float64
	HistoryWindow int
	MaxQueryChars int
	CostPer1K     float64
}

type QueryService struct {
	docs      DocumentRepository
	convs     ConversationRepository
	usage     UsageRepository
	index     vectorindex.Index
	embedder  ai.Embedder
	llm       ChatModel
	history   HistoryCache
	retry     ai.RetryPolicy
	log       *zap.Logger
	topK      int
	minScore  float64
	window    int
	maxChars  int
	costPer1K float64
}

func NewQueryService(deps QueryDeps) *QueryService {
	s := &QueryService{
		docs:      deps.Documents,
		convs:     deps.Conversations,
		usage:     deps.Usage,
		index:     deps.Index,
		embedder:  deps.Embedder,
		llm:       deps.LLM,
		history:   deps.History,
		retry:     deps.Retry,
		log:       deps.Logger,
		topK:      deps.TopK,
		minScore:  deps.MinScore,
		window:    deps.HistoryWindow,
		maxChars:  deps.MaxQueryChars,
		costPer1K: deps.CostPer1K,
	}
	if s.history == nil {
		s.history = nopHistoryCache{}
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.topK <= 0 {
		s.topK = vectorindex.DefaultK
	}
	if s.maxChars <= 0 {
		s.maxChars = defaultMaxQueryChars
	}
	return s
}

type HistoryMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type QueryInput struct {
	OwnerID        string
	Query          string
	ChatHistory    []HistoryMessage
	ConversationID string
	DocumentIDs    []string
}

type Source struct {
	DocumentID     string  `json:"document_id"`
	Filename       string  `json:"filename"`
	RelevanceScore float64 `json:"relevance_score"`
	ChunkCount     int     `json:"chunk_count"`
}

type QueryResult struct {
	Response       string   `json:"response"`
	Sources        []Source `json:"sources"`
	ConversationID string   `json:"conversation_id"`
	MessageID      string   `json:"message_id"`
	Model          string   `json:"model,omitempty"`
}

// Query answers in one piece.
func (s *QueryService) Query(ctx context.Context, in QueryInput) (*QueryResult, error) {
	return s.run(ctx, in, nil)
}

// QueryStream forwards answer deltas to onDelta as they arrive. An error
// from onDelta aborts generation and is returned as is.
func (s *QueryService) QueryStream(ctx context.Context, in QueryInput, onDelta func(string) error) (*QueryResult, error) {
	if onDelta == nil {
		return nil, fmt.Errorf("%w: stream callback is required", ErrValidation)
	}
	return s.run(ctx, in, onDelta)
}

// queryRun carries one query through its states.
type queryRun struct {
	s     *QueryService
	ctx   context.Context
	state queryState
	span  trace.Span
	log   *zap.Logger
	start time.Time

	in       QueryInput
	question string
	conv     *model.Conversation
	history  []ai.ChatMessage
	hits     []contextHit
	prompt   []ai.ChatMessage
	answer   string
	usage    tokenUsage
}

type tokenUsage struct {
	embedding  int
	prompt     int
	completion int
}

func (u tokenUsage) total() int { return u.embedding + u.prompt + u.completion }

func (r *queryRun) enter(next queryState) context.Context {
	if r.span != nil {
		r.span.End()
	}
	r.log.Debug("query state",
		zap.String("from", string(r.state)),
		zap.String("to", string(next)),
		zap.Duration("elapsed", time.Since(r.start)),
	)
	r.state = next
	var stateCtx context.Context
	stateCtx, r.span = tracer.Start(r.ctx, "rag."+string(next))
	return stateCtx
}

func (r *queryRun) fail(err error) error {
	failed := r.state
	r.enter(stateFailed)
	r.span.SetAttributes(attribute.String("rag.failed_state", string(failed)))
	r.span.RecordError(err)
	r.span.SetStatus(codes.Error, KindOf(err))
	r.span.End()
	if isCanceled(err) {
		r.log.Info("query cancelled", zap.String("state", string(failed)))
	} else {
		r.log.Warn("query failed", zap.String("state", string(failed)), zap.String("kind", KindOf(err)), zap.Error(err))
	}
	return err
}

func (s *QueryService) run(ctx context.Context, in QueryInput, onDelta func(string) error) (*QueryResult, error) {
	ctx, root := tracer.Start(ctx, "rag.query")
	defer root.End()
	root.SetAttributes(attribute.Bool("rag.stream", onDelta != nil))

	r := &queryRun{
		s:     s,
		ctx:   ctx,
		log:   s.log.With(zap.String("owner_id", in.OwnerID)),
		start: time.Now(),
		in:    in,
	}

	stateCtx := r.enter(stateReceived)
	if err := r.receive(stateCtx); err != nil {
		return nil, r.fail(err)
	}

	stateCtx = r.enter(stateEmbeddingQuery)
	vectors, err := s.embedder.EmbedBatch(stateCtx, []string{r.question})
	if err != nil {
		return nil, r.fail(fromEmbedding(err))
	}
	if len(vectors) != 1 {
		return nil, r.fail(fmt.Errorf("%w: got %d vectors for 1 query", ErrEmbeddingService, len(vectors)))
	}
	r.usage.embedding = chunker.EstimateTokens(r.question)

	stateCtx = r.enter(stateRetrieving)
	if err := r.retrieve(stateCtx, vectors[0]); err != nil {
		return nil, r.fail(err)
	}
	r.span.SetAttributes(attribute.Int("rag.hits", len(r.hits)))

	r.enter(stateAssemblingPrompt)
	r.prompt = buildPrompt(r.history, r.hits, r.question)

	stateCtx = r.enter(stateGenerating)
	if err := r.generate(stateCtx, onDelta); err != nil {
		return nil, r.fail(err)
	}

	stateCtx = r.enter(statePersisting)
	result, err := r.persist(stateCtx)
	if err != nil {
		return nil, r.fail(err)
	}

	r.enter(stateDone)
	r.span.End()
	r.log.Info("query answered",
		zap.String("conversation_id", result.ConversationID),
		zap.Int("sources", len(result.Sources)),
		zap.Int("tokens", r.usage.total()),
		zap.Duration("elapsed", time.Since(r.start)),
	)
	return result, nil
}

func (r *queryRun) receive(ctx context.Context) error {
	in := r.in
	if strings.TrimSpace(in.OwnerID) == "" {
		return ErrAuth
	}
	r.question = strings.TrimSpace(in.Query)
	if r.question == "" {
		return fmt.Errorf("%w: query must not be empty", ErrValidation)
	}
	if n := utf8.RuneCountInString(r.question); n > r.s.maxChars {
		return fmt.Errorf("%w: query exceeds %d characters", ErrValidation, r.s.maxChars)
	}
	for i, m := range in.ChatHistory {
		if !model.ValidRole(m.Role) {
			return fmt.Errorf("%w: chat_history[%d] has invalid role %q", ErrValidation, i, m.Role)
		}
	}

	if in.ConversationID == "" {
		for _, m := range historyWindow(in.ChatHistory, r.s.window) {
			r.history = append(r.history, ai.ChatMessage{Role: m.Role, Content: m.Content})
		}
		return nil
	}

	conv, err := r.s.convs.GetByIDAndOwner(ctx, in.ConversationID, in.OwnerID)
	if err != nil {
		return err
	}
	if conv == nil {
		return fmt.Errorf("%w: conversation not found", ErrNotFound)
	}
	r.conv = conv
	msgs, err := r.s.loadHistory(ctx, in.OwnerID, conv.ID)
	if err != nil {
		return err
	}
	for _, m := range historyWindow(msgs, r.s.window) {
		r.history = append(r.history, ai.ChatMessage{Role: m.Role, Content: m.Content})
	}
	return nil
}

func (s *QueryService) loadHistory(ctx context.Context, ownerID, conversationID string) ([]model.Message, error) {
	if s.window <= 0 {
		return nil, nil
	}
	if cached, ok, err := s.history.Get(ctx, ownerID, conversationID); err != nil {
		s.log.Warn("read history cache failed", zap.String("conversation_id", conversationID), zap.Error(err))
	} else if ok {
		return cached, nil
	}
	msgs, err := s.convs.RecentMessages(ctx, conversationID, ownerID, s.window)
	if err != nil {
		return nil, err
	}
	if err := s.history.Set(ctx, ownerID, conversationID, msgs); err != nil {
		s.log.Warn("write history cache failed", zap.String("conversation_id", conversationID), zap.Error(err))
	}
	return msgs, nil
}

func (r *queryRun) retrieve(ctx context.Context, vector []float32) error {
	filter := vectorindex.Filter{DocumentIDs: r.in.DocumentIDs}
	matches, err := r.s.index.Search(ctx, r.in.OwnerID, vector, r.s.topK, filter)
	if err != nil {
		return fmt.Errorf("vector search failed: %w", err)
	}

	kept := matches[:0]
	for _, m := range matches {
		if m.Score >= r.s.minScore {
			kept = append(kept, m)
		}
	}
	if len(kept) == 0 {
		return nil
	}

	ids := make([]string, len(kept))
	for i, m := range kept {
		ids[i] = m.ID
	}
	resolved, err := r.s.docs.ResolveChunks(ctx, r.in.OwnerID, ids)
	if err != nil {
		return err
	}
	byVector := make(map[string]model.ResolvedChunk, len(resolved))
	for _, c := range resolved {
		byVector[c.VectorID] = c
	}
	// the index is ahead of metadata for chunks of deleted or unfinished
	// documents; those are dropped here
	for _, m := range kept {
		c, ok := byVector[m.ID]
		if !ok {
			continue
		}
		r.hits = append(r.hits, contextHit{
			VectorID:   c.VectorID,
			DocumentID: c.DocumentID,
			Filename:   c.Filename,
			Content:    c.Content,
			Score:      m.Score,
		})
	}
	return nil
}

// exchangeTimes stamps a question and its answer strictly after the
// conversation's previous exchange. Steps are whole milliseconds, the
// coarsest precision any metadata backend stores.
func exchangeTimes(now, last time.Time) (asked, answered time.Time) {
	asked = now.UTC().Truncate(time.Millisecond)
	if !asked.After(last) {
		asked = last.UTC().Truncate(time.Millisecond).Add(time.Millisecond)
	}
	return asked, asked.Add(time.Millisecond)
}

// deltaError marks a failure of the caller's delta callback.
type deltaError struct{ err error }

func (e *deltaError) Error() string { return e.err.Error() }
func (e *deltaError) Unwrap() error { return e.err }

func (r *queryRun) generate(ctx context.Context, onDelta func(string) error) error {
	llm := r.s.llm
	if onDelta == nil {
		var completion *ai.Completion
		err := r.s.retry.Do(ctx, func(ctx context.Context) error {
			c, err := llm.Complete(ctx, r.prompt)
			if err != nil {
				return err
			}
			completion = c
			return nil
		})
		if err != nil {
			return fromLLM(err)
		}
		r.answer = completion.Content
		r.usage.prompt = completion.PromptTokens
		r.usage.completion = completion.CompletionTokens
	} else {
		forwarded := false
		err := r.s.retry.Do(ctx, func(ctx context.Context) error {
			text, err := llm.StreamComplete(ctx, r.prompt, func(delta string) error {
				forwarded = true
				if err := onDelta(delta); err != nil {
					return &deltaError{err: err}
				}
				return nil
			})
			if err != nil {
				// the caller has seen part of the answer; a retry would repeat it
				if forwarded {
					return ai.Permanent(err)
				}
				return err
			}
			r.answer = text
			return nil
		})
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			var de *deltaError
			if errors.As(err, &de) {
				return de.err
			}
			return fromLLM(err)
		}
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	// both modes store the same text
	r.answer = strings.TrimSpace(r.answer)
	if r.usage.prompt == 0 {
		for _, m := range r.prompt {
			r.usage.prompt += chunker.EstimateTokens(m.Content)
		}
	}
	if r.usage.completion == 0 {
		r.usage.completion = chunker.EstimateTokens(r.answer)
	}
	return nil
}

func (r *queryRun) persist(ctx context.Context) (*QueryResult, error) {
	ownerID := r.in.OwnerID
	var last time.Time
	if r.conv != nil {
		last = r.conv.UpdatedAt
	}
	now, answeredAt := exchangeTimes(time.Now(), last)

	ex := &repository.Exchange{Conversation: r.conv}
	if ex.Conversation == nil {
		ex.NewConversation = true
		ex.Conversation = &model.Conversation{
			ID:        uuid.NewString(),
			OwnerID:   ownerID,
			Title:     conversationTitle(r.question),
			CreatedAt: now,
		}
	}
	conv := ex.Conversation
	conv.UpdatedAt = answeredAt

	ex.UserMessage = &model.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		OwnerID:        ownerID,
		Role:           model.RoleUser,
		Content:        r.question,
		CreatedAt:      now,
	}
	ex.AssistantMessage = &model.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		OwnerID:        ownerID,
		Role:           model.RoleAssistant,
		Content:        r.answer,
		CreatedAt:      answeredAt,
		Metadata: map[string]any{
			"model":             r.s.llm.Model(),
			"prompt_tokens":     r.usage.prompt,
			"completion_tokens": r.usage.completion,
		},
	}

	sources := groupSources(r.hits)
	ex.Citations = make([]model.MessageCitation, 0, len(sources))
	for _, src := range sources {
		c := model.MessageCitation{
			ID:             uuid.NewString(),
			MessageID:      ex.AssistantMessage.ID,
			DocumentID:     src.DocumentID,
			OwnerID:        ownerID,
			RelevanceScore: src.RelevanceScore,
			CreatedAt:      now,
		}
		c.SetChunkIDs(chunkIDsOf(r.hits, src.DocumentID))
		ex.Citations = append(ex.Citations, c)
	}

	if err := r.s.convs.AppendExchange(ctx, ex); err != nil {
		if errors.Is(err, repository.ErrConversationGone) {
			return nil, fmt.Errorf("%w: conversation not found", ErrNotFound)
		}
		return nil, fmt.Errorf("persist exchange failed: %w", err)
	}

	cited := make(map[string]struct{}, len(ex.Citations))
	for _, c := range ex.Citations {
		cited[c.DocumentID] = struct{}{}
	}
	kept := make([]Source, 0, len(sources))
	for _, src := range sources {
		if _, ok := cited[src.DocumentID]; ok {
			kept = append(kept, src)
		}
	}

	if err := r.s.history.Invalidate(ctx, ownerID, conv.ID); err != nil {
		r.log.Warn("invalidate history cache failed", zap.String("conversation_id", conv.ID), zap.Error(err))
	}
	recordUsage(ctx, r.s.usage, r.log, r.s.costPer1K, ownerID, model.EndpointQuery, r.usage.total(), map[string]any{
		"conversation_id":   conv.ID,
		"message_id":        ex.AssistantMessage.ID,
		"embedding_tokens":  r.usage.embedding,
		"prompt_tokens":     r.usage.prompt,
		"completion_tokens": r.usage.completion,
		"sources":           len(kept),
	})

	return &QueryResult{
		Response:       r.answer,
		Sources:        kept,
		ConversationID: conv.ID,
		MessageID:      ex.AssistantMessage.ID,
		Model:          r.s.llm.Model(),
	}, nil
}

// groupSources folds hits into one source per document, scored by its best
// chunk, best first.
func groupSources(hits []contextHit) []Source {
	byDoc := make(map[string]*Source)
	order := make([]string, 0)
	for _, h := range hits {
		src, ok := byDoc[h.DocumentID]
		if !ok {
			src = &Source{DocumentID: h.DocumentID, Filename: h.Filename, RelevanceScore: h.Score}
			byDoc[h.DocumentID] = src
			order = append(order, h.DocumentID)
		}
		src.ChunkCount++
		if h.Score > src.RelevanceScore {
			src.RelevanceScore = h.Score
		}
	}
	out := make([]Source, 0, len(order))
	for _, id := range order {
		out = append(out, *byDoc[id])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].RelevanceScore > out[j].RelevanceScore })
	return out
}

func chunkIDsOf(hits []contextHit, documentID string) []string {
	var ids []string
	for _, h := range hits {
		if h.DocumentID == documentID {
			ids = append(ids, h.VectorID)
		}
	}
	return ids
}

func conversationTitle(question string) string {
	title := strings.Join(strings.Fields(question), " ")
	if utf8.RuneCountInString(title) <= titleRunes {
		return title
	}
	return string([]rune(title)[:titleRunes]) + "..."
}
