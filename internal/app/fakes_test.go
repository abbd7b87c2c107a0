package app

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ragdesk/internal/ai"
	"ragdesk/internal/chunker"
	"ragdesk/internal/extract"
	"ragdesk/internal/model"
	"ragdesk/internal/repository"
	"ragdesk/internal/repository/memstore"
	"ragdesk/internal/storage"
	"ragdesk/internal/vectorindex"
)

const testDims = 8

// fakeEmbedder maps text to a letter histogram so similar texts land close.
type fakeEmbedder struct {
	mu      sync.Mutex
	calls   int
	failFor int
	err     error
	panics  bool
}

func (f *fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	f.calls++
	failing := f.failFor > 0
	if failing {
		f.failFor--
	}
	f.mu.Unlock()
	if f.panics {
		panic("embedder exploded")
	}
	if failing {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = histogram(t)
	}
	return out, nil
}

func (f *fakeEmbedder) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func histogram(text string) []float32 {
	v := make([]float32, testDims)
	v[0] = 0.01
	for _, r := range strings.ToLower(text) {
		if r >= 'a' && r <= 'z' {
			v[int(r-'a')%testDims]++
		}
	}
	return v
}

// fakeLLM answers with a fixed text, optionally split into deltas.
type fakeLLM struct {
	mu       sync.Mutex
	answer   string
	deltas   []string
	failFor  int
	failWith error
	// failAfter makes a stream fail once this many deltas were sent.
	failAfter int
	onCall    func()
	calls     int
	prompts   [][]ai.ChatMessage
}

func (f *fakeLLM) Model() string { return "fake-model" }

func (f *fakeLLM) begin(messages []ai.ChatMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.prompts = append(f.prompts, messages)
	if f.onCall != nil {
		f.onCall()
	}
	if f.failFor > 0 {
		f.failFor--
		return f.failWith
	}
	return nil
}

func (f *fakeLLM) Complete(ctx context.Context, messages []ai.ChatMessage) (*ai.Completion, error) {
	if err := f.begin(messages); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &ai.Completion{Content: f.answer, PromptTokens: 12, CompletionTokens: 7}, nil
}

func (f *fakeLLM) StreamComplete(ctx context.Context, messages []ai.ChatMessage, onChunk func(string) error) (string, error) {
	if err := f.begin(messages); err != nil {
		return "", err
	}
	deltas := f.deltas
	if len(deltas) == 0 {
		deltas = []string{f.answer}
	}
	var full strings.Builder
	for i, d := range deltas {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if f.failAfter > 0 && i == f.failAfter {
			return "", f.failWith
		}
		full.WriteString(d)
		if err := onChunk(d); err != nil {
			return "", err
		}
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return full.String(), nil
}

func (f *fakeLLM) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeLLM) LastPrompt() []ai.ChatMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.prompts) == 0 {
		return nil
	}
	return f.prompts[len(f.prompts)-1]
}

// failingExchanges rejects the next exchange that carries citations
// before anything is written, like a rolled back transaction.
type failingExchanges struct {
	ConversationRepository
	mu       sync.Mutex
	failNext error
}

func (f *failingExchanges) FailNext(err error) {
	f.mu.Lock()
	f.failNext = err
	f.mu.Unlock()
}

func (f *failingExchanges) AppendExchange(ctx context.Context, ex *repository.Exchange) error {
	f.mu.Lock()
	err := f.failNext
	if len(ex.Citations) > 0 {
		f.failNext = nil
	} else {
		err = nil
	}
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.ConversationRepository.AppendExchange(ctx, ex)
}

// hookIndex wraps a vector index with failure and timing hooks.
type hookIndex struct {
	vectorindex.Index
	afterUpsert error
	afterSearch func()
}

func (h *hookIndex) Upsert(ctx context.Context, scope string, items []vectorindex.Item) error {
	if err := h.Index.Upsert(ctx, scope, items); err != nil {
		return err
	}
	return h.afterUpsert
}

func (h *hookIndex) Search(ctx context.Context, scope string, vector []float32, k int, filter vectorindex.Filter) ([]vectorindex.Match, error) {
	matches, err := h.Index.Search(ctx, scope, vector, k, filter)
	if h.afterSearch != nil {
		h.afterSearch()
	}
	return matches, err
}

type recordingJobs struct {
	mu   sync.Mutex
	jobs []model.IngestJob
}

func (r *recordingJobs) Publish(_ context.Context, job model.IngestJob) error {
	r.mu.Lock()
	r.jobs = append(r.jobs, job)
	r.mu.Unlock()
	return nil
}

type recordingEvents struct {
	mu     sync.Mutex
	events []model.DocumentEvent
}

func (r *recordingEvents) Publish(_ context.Context, ev model.DocumentEvent) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

func (r *recordingEvents) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

type recordingHistory struct {
	mu          sync.Mutex
	entries     map[string][]model.Message
	invalidated []string
}

func (r *recordingHistory) Get(_ context.Context, ownerID, conversationID string) ([]model.Message, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	msgs, ok := r.entries[ownerID+"/"+conversationID]
	return msgs, ok, nil
}

func (r *recordingHistory) Set(_ context.Context, ownerID, conversationID string, messages []model.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries == nil {
		r.entries = map[string][]model.Message{}
	}
	r.entries[ownerID+"/"+conversationID] = messages
	return nil
}

func (r *recordingHistory) Invalidate(_ context.Context, ownerID, conversationID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, ownerID+"/"+conversationID)
	r.invalidated = append(r.invalidated, conversationID)
	return nil
}

var errUpstream = errors.New("upstream unavailable")

type fixture struct {
	meta      *memstore.Store
	index     *vectorindex.Memory
	hooks     *hookIndex
	exchanges *failingExchanges
	objects   *storage.MemoryStore
	embedder  *fakeEmbedder
	llm       *fakeLLM
	events    *recordingEvents
	history   *recordingHistory
	ingest    *IngestService
	query     *QueryService
	convs     *ConversationService
}

type fixtureOption func(*IngestDeps, *QueryDeps)

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	splitter, err := chunker.New(1000, 100)
	require.NoError(t, err)

	f := &fixture{
		meta:     memstore.New(),
		index:    vectorindex.NewMemory(testDims),
		objects:  storage.NewMemoryStore(),
		embedder: &fakeEmbedder{err: errUpstream},
		llm:      &fakeLLM{answer: "The answer.", failWith: errUpstream},
		events:   &recordingEvents{},
		history:  &recordingHistory{},
	}
	f.hooks = &hookIndex{Index: f.index}
	f.exchanges = &failingExchanges{ConversationRepository: f.meta.Conversations}
	retry := ai.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

	ingestDeps := IngestDeps{
		Documents: f.meta.Documents,
		Usage:     f.meta.Usage,
		Storage:   f.objects,
		Index:     f.hooks,
		Embedder:  f.embedder,
		Extractor: extract.New(50 << 20),
		Splitter:  splitter,
		Events:    f.events,
		Logger:    zap.NewNop(),
		CostPer1K: 0.002,
	}
	queryDeps := QueryDeps{
		Documents:     f.meta.Documents,
		Conversations: f.exchanges,
		Usage:         f.meta.Usage,
		Index:         f.hooks,
		Embedder:      f.embedder,
		LLM:           f.llm,
		History:       f.history,
		Retry:         retry,
		Logger:        zap.NewNop(),
		TopK:          5,
		HistoryWindow: 6,
		MaxQueryChars: 10000,
		CostPer1K:     0.002,
	}
	for _, opt := range opts {
		opt(&ingestDeps, &queryDeps)
	}
	f.ingest = NewIngestService(ingestDeps)
	f.query = NewQueryService(queryDeps)
	f.convs = NewConversationService(f.meta.Conversations, f.history, zap.NewNop())
	return f
}

func (f *fixture) upload(t *testing.T, owner, name, content string) *model.Document {
	t.Helper()
	res, err := f.ingest.Upload(context.Background(), UploadInput{
		OwnerID:  owner,
		Filename: name,
		Data:     []byte(content),
	})
	require.NoError(t, err)
	return res.Document
}
