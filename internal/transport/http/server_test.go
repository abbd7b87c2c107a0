package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	nethttp "net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ragdesk/internal/ai"
	"ragdesk/internal/app"
	"ragdesk/internal/chunker"
	"ragdesk/internal/extract"
	"ragdesk/internal/pkg/jwtutil"
	"ragdesk/internal/pkg/metrics"
	"ragdesk/internal/ratelimit"
	"ragdesk/internal/repository/memstore"
	"ragdesk/internal/storage"
	"ragdesk/internal/transport/http/handler"
	"ragdesk/internal/vectorindex"
)

const testSecret = "test-secret"

type constEmbedder struct{}

func (constEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0.5, 0.25}
	}
	return out, nil
}

type scriptedLLM struct{ deltas []string }

func (scriptedLLM) Model() string { return "test-model" }

func (l scriptedLLM) Complete(context.Context, []ai.ChatMessage) (*ai.Completion, error) {
	return &ai.Completion{Content: strings.Join(l.deltas, ""), PromptTokens: 3, CompletionTokens: 2}, nil
}

func (l scriptedLLM) StreamComplete(ctx context.Context, _ []ai.ChatMessage, onChunk func(string) error) (string, error) {
	for _, d := range l.deltas {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if err := onChunk(d); err != nil {
			return "", err
		}
	}
	return strings.Join(l.deltas, ""), nil
}

type testServer struct {
	router  nethttp.Handler
	metrics *metrics.Metrics
}

func newTestServer(t *testing.T, queriesPerMinute int, checks ...handler.Check) *testServer {
	t.Helper()
	meta := memstore.New()
	index := vectorindex.NewMemory(3)
	splitter, err := chunker.New(1000, 100)
	require.NoError(t, err)
	llm := scriptedLLM{deltas: []string{"Hello ", "there."}}
	m := metrics.New()

	ingest := app.NewIngestService(app.IngestDeps{
		Documents: meta.Documents,
		Usage:     meta.Usage,
		Storage:   storage.NewMemoryStore(),
		Index:     index,
		Embedder:  constEmbedder{},
		Extractor: extract.New(1 << 20),
		Splitter:  splitter,
		Logger:    zap.NewNop(),
		Metrics:   m,
	})
	query := app.NewQueryService(app.QueryDeps{
		Documents:     meta.Documents,
		Conversations: meta.Conversations,
		Usage:         meta.Usage,
		Index:         index,
		Embedder:      constEmbedder{},
		LLM:           llm,
		Retry:         ai.RetryPolicy{MaxAttempts: 1},
		Logger:        zap.NewNop(),
		HistoryWindow: 6,
	})

	router := NewRouter(Deps{
		AppName:          "ragdesk",
		Env:              "test",
		GinMode:          "test",
		StartedAt:        time.Now(),
		Logger:           zap.NewNop(),
		Verifier:         jwtutil.NewVerifier(testSecret, "", ""),
		Limiter:          ratelimit.NewMemory(),
		QueriesPerMinute: queriesPerMinute,
		UploadsPerHour:   10,
		MaxFileBytes:     1 << 20,
		Ingest:           ingest,
		Query:            query,
		Conversations:    app.NewConversationService(meta.Conversations, nil, zap.NewNop()),
		Stats:            app.NewStatsService(meta.Documents, meta.Conversations, meta.Usage, index.Name(), llm.Model()),
		HealthChecks:     checks,
		Metrics:          m,
	})
	return &testServer{router: router, metrics: m}
}

func token(t *testing.T, subject string) string {
	t.Helper()
	signed, err := jwtutil.Sign(testSecret, jwtutil.Claims{
		Email: subject + "@example.com",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	require.NoError(t, err)
	return signed
}

func (s *testServer) do(t *testing.T, req *nethttp.Request, user string) *httptest.ResponseRecorder {
	t.Helper()
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, user))
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) upload(t *testing.T, user, filename, content string) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(nethttp.MethodPost, "/api/rag/upload", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return s.do(t, req, user)
}

func (s *testServer) query(t *testing.T, user string, payload map[string]any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	req := httptest.NewRequest(nethttp.MethodPost, "/api/rag/query", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	return s.do(t, req, user)
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestUploadAndReadDocuments(t *testing.T) {
	s := newTestServer(t, 60)

	rec := s.upload(t, "alice", "notes.txt", "the quick brown fox")
	require.Equal(t, nethttp.StatusOK, rec.Code, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Process-Time"))
	body := decode(t, rec)
	assert.Equal(t, "notes.txt", body["filename"])
	assert.Equal(t, "txt", body["file_type"])
	assert.Equal(t, float64(1), body["chunks_created"])
	assert.Equal(t, "completed", body["processing_status"])
	docID := body["document_id"].(string)

	rec = s.do(t, httptest.NewRequest(nethttp.MethodGet, "/api/rag/documents", nil), "alice")
	require.Equal(t, nethttp.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decode(t, rec)["total"])

	rec = s.do(t, httptest.NewRequest(nethttp.MethodGet, "/api/rag/documents/"+docID, nil), "alice")
	require.Equal(t, nethttp.StatusOK, rec.Code)
	assert.Equal(t, docID, decode(t, rec)["id"])

	rec = s.do(t, httptest.NewRequest(nethttp.MethodGet, "/api/rag/documents/"+docID, nil), "bob")
	assert.Equal(t, nethttp.StatusNotFound, rec.Code)
	assert.Equal(t, app.KindNotFound, decode(t, rec)["kind"])
}

func TestUploadRejectsUnsupportedFormat(t *testing.T) {
	s := newTestServer(t, 60)
	rec := s.upload(t, "alice", "tool.exe", "MZ")
	assert.Equal(t, nethttp.StatusUnsupportedMediaType, rec.Code)
	assert.Equal(t, app.KindUnsupportedFormat, decode(t, rec)["kind"])
}

func TestUploadWithoutFile(t *testing.T) {
	s := newTestServer(t, 60)
	req := httptest.NewRequest(nethttp.MethodPost, "/api/rag/upload", strings.NewReader(""))
	req.Header.Set("Content-Type", "multipart/form-data; boundary=x")
	rec := s.do(t, req, "alice")
	assert.Equal(t, nethttp.StatusBadRequest, rec.Code)
	assert.Equal(t, app.KindValidation, decode(t, rec)["kind"])
}

func TestRequiresBearerToken(t *testing.T) {
	s := newTestServer(t, 60)

	rec := s.do(t, httptest.NewRequest(nethttp.MethodGet, "/api/rag/documents", nil), "")
	assert.Equal(t, nethttp.StatusUnauthorized, rec.Code)
	assert.Equal(t, app.KindAuth, decode(t, rec)["kind"])

	req := httptest.NewRequest(nethttp.MethodGet, "/api/rag/documents", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rec = s.do(t, req, "")
	assert.Equal(t, nethttp.StatusUnauthorized, rec.Code)

	expired, err := jwtutil.Sign(testSecret, jwtutil.Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "alice",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	}})
	require.NoError(t, err)
	req = httptest.NewRequest(nethttp.MethodGet, "/api/rag/documents", nil)
	req.Header.Set("Authorization", "Bearer "+expired)
	rec = s.do(t, req, "")
	assert.Equal(t, nethttp.StatusUnauthorized, rec.Code)
}

func TestQueryReturnsAnswer(t *testing.T) {
	s := newTestServer(t, 60)
	require.Equal(t, nethttp.StatusOK, s.upload(t, "alice", "notes.txt", "the quick brown fox").Code)

	rec := s.query(t, "alice", map[string]any{"query": "what does the fox do?"})
	require.Equal(t, nethttp.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, "Hello there.", body["response"])
	assert.NotEmpty(t, body["conversation_id"])
	assert.NotEmpty(t, body["message_id"])
	sources := body["sources"].([]any)
	require.Len(t, sources, 1)
	assert.Equal(t, "notes.txt", sources[0].(map[string]any)["filename"])

	convID := body["conversation_id"].(string)
	rec = s.do(t, httptest.NewRequest(nethttp.MethodGet, "/api/rag/conversations/"+convID+"/messages", nil), "alice")
	require.Equal(t, nethttp.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["messages"], 2)

	rec = s.do(t, httptest.NewRequest(nethttp.MethodGet, "/api/rag/conversations/"+convID+"/messages", nil), "bob")
	assert.Equal(t, nethttp.StatusNotFound, rec.Code)
}

func TestQueryWithoutDocumentsHasEmptySources(t *testing.T) {
	s := newTestServer(t, 60)
	rec := s.query(t, "alice", map[string]any{"query": "anything?"})
	require.Equal(t, nethttp.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"sources":[]`)
}

func TestQueryValidationError(t *testing.T) {
	s := newTestServer(t, 60)
	rec := s.query(t, "alice", map[string]any{"query": "   "})
	assert.Equal(t, nethttp.StatusBadRequest, rec.Code)
	assert.Equal(t, app.KindValidation, decode(t, rec)["kind"])
}

func TestQueryStream(t *testing.T) {
	s := newTestServer(t, 60)
	rec := s.query(t, "alice", map[string]any{"query": "hi", "stream": true})

	require.Equal(t, nethttp.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	out := rec.Body.String()
	assert.Contains(t, out, "event: delta\ndata: {\"delta\":\"Hello \"}\n\n")
	assert.Contains(t, out, "event: delta\ndata: {\"delta\":\"there.\"}\n\n")
	assert.Contains(t, out, "event: done\ndata: {")
	assert.Contains(t, out, `"response":"Hello there."`)
	assert.Less(t, strings.Index(out, "event: delta"), strings.Index(out, "event: done"))
}

func TestQueryStreamReportsErrorEvent(t *testing.T) {
	s := newTestServer(t, 60)
	req := httptest.NewRequest(nethttp.MethodPost, "/api/rag/query", strings.NewReader(`{"query":""}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	rec := s.do(t, req, "alice")

	assert.Contains(t, rec.Body.String(), "event: error\ndata: {\"kind\":\"validation_error\"")
}

func TestDeleteDocument(t *testing.T) {
	s := newTestServer(t, 60)
	docID := decode(t, s.upload(t, "alice", "notes.txt", "content"))["document_id"].(string)

	rec := s.do(t, httptest.NewRequest(nethttp.MethodDelete, "/api/rag/documents/"+docID, nil), "bob")
	assert.Equal(t, nethttp.StatusNotFound, rec.Code)

	rec = s.do(t, httptest.NewRequest(nethttp.MethodDelete, "/api/rag/documents/"+docID, nil), "alice")
	require.Equal(t, nethttp.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, true, body["deleted"])
	assert.Equal(t, docID, body["document_id"])

	rec = s.do(t, httptest.NewRequest(nethttp.MethodDelete, "/api/rag/documents/"+docID, nil), "alice")
	assert.Equal(t, nethttp.StatusNotFound, rec.Code)
}

func TestQueryRateLimited(t *testing.T) {
	s := newTestServer(t, 1)
	require.Equal(t, nethttp.StatusOK, s.query(t, "alice", map[string]any{"query": "one"}).Code)

	rec := s.query(t, "alice", map[string]any{"query": "two"})
	assert.Equal(t, nethttp.StatusTooManyRequests, rec.Code)
	assert.Equal(t, app.KindRateLimited, decode(t, rec)["kind"])
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// limits are per user
	assert.Equal(t, nethttp.StatusOK, s.query(t, "bob", map[string]any{"query": "one"}).Code)
}

func TestListPaginationBounds(t *testing.T) {
	s := newTestServer(t, 60)
	rec := s.do(t, httptest.NewRequest(nethttp.MethodGet, "/api/rag/documents?limit=500", nil), "alice")
	assert.Equal(t, nethttp.StatusBadRequest, rec.Code)
	rec = s.do(t, httptest.NewRequest(nethttp.MethodGet, "/api/rag/conversations?offset=-1", nil), "alice")
	assert.Equal(t, nethttp.StatusBadRequest, rec.Code)
}

func TestStatsAndProfile(t *testing.T) {
	s := newTestServer(t, 60)
	require.Equal(t, nethttp.StatusOK, s.upload(t, "alice", "notes.txt", "content").Code)

	rec := s.do(t, httptest.NewRequest(nethttp.MethodGet, "/api/rag/stats", nil), "alice")
	require.Equal(t, nethttp.StatusOK, rec.Code)
	stats := decode(t, rec)
	assert.Equal(t, "alice", stats["user_id"])
	assert.Equal(t, float64(1), stats["total_documents"])
	assert.Equal(t, "memory", stats["vector_backend"])
	assert.Equal(t, "test-model", stats["llm_model"])

	rec = s.do(t, httptest.NewRequest(nethttp.MethodGet, "/api/profile", nil), "alice")
	require.Equal(t, nethttp.StatusOK, rec.Code)
	profile := decode(t, rec)
	assert.Equal(t, "alice", profile["user_id"])
	assert.Equal(t, "alice@example.com", profile["email"])
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t, 60,
		handler.Check{Name: "db", Fn: func(context.Context) error { return nil }},
		handler.Check{Name: "redis", Fn: func(context.Context) error {
			return errors.New("dial tcp redis.internal:6379: connection refused (password=hunter2)")
		}},
	)
	rec := s.do(t, httptest.NewRequest(nethttp.MethodGet, "/healthz", nil), "")
	assert.Equal(t, nethttp.StatusServiceUnavailable, rec.Code)
	body := decode(t, rec)
	deps := body["dependencies"].(map[string]any)
	assert.Equal(t, true, deps["db"].(map[string]any)["ok"])
	assert.Equal(t, false, deps["redis"].(map[string]any)["ok"])
	assert.Equal(t, "unavailable", deps["redis"].(map[string]any)["message"])
	assert.NotContains(t, rec.Body.String(), "redis.internal")
	assert.NotContains(t, rec.Body.String(), "hunter2")
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, 60)
	docID := decode(t, s.upload(t, "alice", "notes.txt", "content"))["document_id"].(string)
	require.Equal(t, nethttp.StatusOK, s.query(t, "alice", map[string]any{"query": "what?"}).Code)
	require.Equal(t, nethttp.StatusOK, s.do(t, httptest.NewRequest(nethttp.MethodDelete, "/api/rag/documents/"+docID, nil), "alice").Code)
	s.do(t, httptest.NewRequest(nethttp.MethodGet, "/nowhere/"+docID, nil), "")

	rec := s.do(t, httptest.NewRequest(nethttp.MethodGet, "/metrics", nil), "")
	require.Equal(t, nethttp.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `ragdesk_http_requests_total{method="POST",route="/api/rag/upload",status="200"} 1`)
	assert.Contains(t, body, `ragdesk_http_requests_total{method="POST",route="/api/rag/query",status="200"} 1`)
	assert.Contains(t, body, `ragdesk_http_requests_total{method="DELETE",route="/api/rag/documents/:id",status="200"} 1`)
	assert.Contains(t, body, `route="unmatched"`)
	assert.NotContains(t, body, docID)
	assert.Contains(t, body, `ragdesk_ingest_documents_total{status="completed"} 1`)
	assert.Contains(t, body, `ragdesk_http_request_duration_seconds_count{method="POST",route="/api/rag/query"} 1`)
}
