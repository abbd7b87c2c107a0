package handler

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"ragdesk/internal/app"
	"ragdesk/internal/model"
	"ragdesk/internal/transport/http/response"
)

type RAGHandler struct {
	ingest       *app.IngestService
	query        *app.QueryService
	stats        *app.StatsService
	maxFileBytes int64
}

type QueryRequest struct {
	Query          string               `json:"query"`
	ChatHistory    []app.HistoryMessage `json:"chat_history"`
	ConversationID string               `json:"conversation_id"`
	DocumentIDs    []string             `json:"document_ids"`
	Stream         bool                 `json:"stream"`
}

type UploadResponse struct {
	DocumentID       string               `json:"document_id"`
	Filename         string               `json:"filename"`
	FileSize         int64                `json:"file_size"`
	FileType         string               `json:"file_type"`
	ChunksCreated    int                  `json:"chunks_created"`
	TotalTokens      int                  `json:"total_tokens"`
	ProcessingStatus model.DocumentStatus `json:"processing_status"`
	Duplicate        bool                 `json:"duplicate,omitempty"`
}

func NewRAGHandler(ingest *app.IngestService, query *app.QueryService, stats *app.StatsService, maxFileBytes int64) *RAGHandler {
	return &RAGHandler{ingest: ingest, query: query, stats: stats, maxFileBytes: maxFileBytes}
}

func (h *RAGHandler) Upload(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}

	fh, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			response.Error(c, http.StatusBadRequest, app.KindValidation, "file too large")
			return
		}
		response.Error(c, http.StatusBadRequest, app.KindValidation, "multipart field \"file\" is required")
		return
	}
	if fh.Size > h.maxFileBytes {
		response.Error(c, http.StatusBadRequest, app.KindValidation,
			fmt.Sprintf("file too large: %d bytes exceeds the %d byte limit", fh.Size, h.maxFileBytes))
		return
	}

	f, err := fh.Open()
	if err != nil {
		response.FromError(c, fmt.Errorf("open upload failed: %w", err))
		return
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, h.maxFileBytes+1))
	if err != nil {
		response.FromError(c, fmt.Errorf("read upload failed: %w", err))
		return
	}

	result, err := h.ingest.Upload(c.Request.Context(), app.UploadInput{
		OwnerID:     userID,
		Filename:    fh.Filename,
		ContentType: fh.Header.Get("Content-Type"),
		Data:        data,
	})
	if err != nil {
		response.FromError(c, err)
		return
	}

	doc := result.Document
	response.OK(c, UploadResponse{
		DocumentID:       doc.ID,
		Filename:         doc.Filename,
		FileSize:         doc.FileSize,
		FileType:         doc.FileType,
		ChunksCreated:    doc.ChunkCount,
		TotalTokens:      doc.TotalTokens,
		ProcessingStatus: doc.Status,
		Duplicate:        result.Duplicate,
	})
}

func (h *RAGHandler) Query(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}

	var req QueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, app.KindValidation, "invalid request payload")
		return
	}
	in := app.QueryInput{
		OwnerID:        userID,
		Query:          req.Query,
		ChatHistory:    req.ChatHistory,
		ConversationID: strings.TrimSpace(req.ConversationID),
		DocumentIDs:    req.DocumentIDs,
	}

	if req.Stream || strings.Contains(c.GetHeader("Accept"), "text/event-stream") {
		h.streamQuery(c, in)
		return
	}

	result, err := h.query.Query(c.Request.Context(), in)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.OK(c, result)
}

func (h *RAGHandler) streamQuery(c *gin.Context, in app.QueryInput) {
	w, ok := newSSEWriter(c)
	if !ok {
		response.Error(c, http.StatusInternalServerError, app.KindInternal, "stream not supported")
		return
	}

	result, err := h.query.QueryStream(c.Request.Context(), in, func(delta string) error {
		return w.send("delta", gin.H{"delta": delta})
	})
	if err != nil {
		_ = c.Error(err)
		if c.Request.Context().Err() != nil {
			// client is gone
			return
		}
		_ = w.send("error", response.Body(err))
		return
	}
	_ = w.send("done", result)
}

func (h *RAGHandler) ListDocuments(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}
	limit, offset, ok := pagination(c)
	if !ok {
		return
	}
	docs, total, err := h.ingest.List(c.Request.Context(), userID, limit, offset)
	if err != nil {
		response.FromError(c, err)
		return
	}
	if docs == nil {
		docs = []model.Document{}
	}
	response.OK(c, gin.H{"documents": docs, "total": total})
}

func (h *RAGHandler) GetDocument(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}
	doc, err := h.ingest.Get(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.OK(c, doc)
}

func (h *RAGHandler) DeleteDocument(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}
	id := c.Param("id")
	if err := h.ingest.Delete(c.Request.Context(), userID, id); err != nil {
		response.FromError(c, err)
		return
	}
	response.OK(c, gin.H{"deleted": true, "document_id": id})
}

func (h *RAGHandler) Stats(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}
	stats, err := h.stats.Stats(c.Request.Context(), userID)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.OK(c, gin.H{
		"user_id":             stats.UserID,
		"total_documents":     stats.TotalDocuments,
		"total_conversations": stats.TotalConversations,
		"total_tokens":        stats.TotalTokens,
		"vector_backend":      stats.VectorBackend,
		"llm_model":           stats.LLMModel,
		"timestamp":           time.Now().UTC(),
	})
}
