package app

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"ragdesk/internal/ai"
	"ragdesk/internal/chunker"
	"ragdesk/internal/extract"
	"ragdesk/internal/model"
	"ragdesk/internal/pkg/metrics"
	"ragdesk/internal/repository"
	"ragdesk/internal/storage"
	"ragdesk/internal/vectorindex"
)

const (
	defaultProcessTimeout = 10 * time.Minute
	cleanupTimeout        = 30 * time.Second

	reasonNoText       = "no extractable text"
	reasonEmbedding    = "embedding service unavailable"
	reasonInternal     = "internal error during processing"
	reasonCancelled    = "processing cancelled"
	reasonStorage      = "stored file unavailable"
	reasonEnqueue      = "could not schedule processing"
	reasonStaleTimeout = "processing timed out"
)

var tracer = otel.Tracer("ragdesk/internal/app")

// chunkNamespace seeds the deterministic chunk ids, so re-processing a
// document overwrites its vectors instead of adding new ones.
var chunkNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("ragdesk/chunk"))

// ChunkID is the vector id of chunk index of document docID.
func ChunkID(docID string, index int) string {
	return uuid.NewSHA1(chunkNamespace, []byte(docID+":"+strconv.Itoa(index))).String()
}

var (
	// errAlreadyClaimed means another run moved the document out of pending.
	errAlreadyClaimed = errors.New("document already claimed")
	errNoText         = fmt.Errorf("%w: %s", ErrExtractionFailed, reasonNoText)
)

type IngestDeps struct {
	Documents DocumentRepository
	Usage     UsageRepository
	Storage   ObjectStore
	Index     vectorindex.Index
	Embedder  ai.Embedder
	Extractor *extract.Extractor
	Splitter  *chunker.Splitter
	// Jobs switches uploads to async processing when set.
	Jobs           JobPublisher
	Events         EventPublisher
	Logger         *zap.Logger
	Metrics        *metrics.Metrics
	CostPer1K      float64
	ProcessTimeout time.Duration
}

type IngestService struct {
	docs      DocumentRepository
	usage     UsageRepository
	store     ObjectStore
	index     vectorindex.Index
	embedder  ai.Embedder
	extractor *extract.Extractor
	splitter  *chunker.Splitter
	jobs      JobPublisher
	events    EventPublisher
	log       *zap.Logger
	metrics   *metrics.Metrics
	costPer1K float64
	timeout   time.Duration
}

func NewIngestService(deps IngestDeps) *IngestService {
	s := &IngestService{
		docs:      deps.Documents,
		usage:     deps.Usage,
		store:     deps.Storage,
		index:     deps.Index,
		embedder:  deps.Embedder,
		extractor: deps.Extractor,
		splitter:  deps.Splitter,
		jobs:      deps.Jobs,
		events:    deps.Events,
		log:       deps.Logger,
		metrics:   deps.Metrics,
		costPer1K: deps.CostPer1K,
		timeout:   deps.ProcessTimeout,
	}
	if s.events == nil {
		s.events = NopEvents{}
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.timeout <= 0 {
		s.timeout = defaultProcessTimeout
	}
	return s
}

func (s *IngestService) Async() bool { return s.jobs != nil }

type UploadInput struct {
	OwnerID     string
	Filename    string
	ContentType string
	Data        []byte
}

type UploadResult struct {
	Document *model.Document
	// Duplicate is set when an existing document with the same content
	// was returned instead of a new one.
	Duplicate bool
}

// Upload validates, stores and processes one file. In async mode it returns
// as soon as the ingest job is queued.
func (s *IngestService) Upload(ctx context.Context, in UploadInput) (*UploadResult, error) {
	ownerID := strings.TrimSpace(in.OwnerID)
	if ownerID == "" {
		return nil, ErrAuth
	}
	filename := strings.TrimSpace(filepath.Base(strings.ReplaceAll(in.Filename, "\\", "/")))
	if filename == "" || filename == "." || filename == "/" {
		return nil, fmt.Errorf("%w: filename is required", ErrValidation)
	}
	format, err := s.extractor.Check(filename, in.ContentType, int64(len(in.Data)))
	if err != nil {
		return nil, fromExtract(err)
	}

	sum := blake2b.Sum256(in.Data)
	hash := hex.EncodeToString(sum[:])

	existing, err := s.docs.GetByContentHash(ctx, ownerID, hash)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.Status != model.StatusFailed {
			s.log.Info("duplicate upload",
				zap.String("owner_id", ownerID),
				zap.String("document_id", existing.ID),
				zap.String("status", string(existing.Status)),
			)
			return &UploadResult{Document: existing, Duplicate: true}, nil
		}
		if err := s.purge(ctx, existing); err != nil {
			return nil, err
		}
	}

	doc := &model.Document{
		ID:          uuid.NewString(),
		OwnerID:     ownerID,
		Filename:    filename,
		ContentType: format.ContentType(),
		FileType:    string(format),
		FileSize:    int64(len(in.Data)),
		ContentHash: hash,
		Status:      model.StatusPending,
	}
	doc.StoragePath, err = storage.ObjectKey(ownerID, doc.ID, filename)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	if err := s.docs.Create(ctx, doc); err != nil {
		if errors.Is(err, repository.ErrDuplicateDocument) {
			// lost a race with an identical concurrent upload
			winner, getErr := s.docs.GetByContentHash(ctx, ownerID, hash)
			if getErr == nil && winner != nil {
				return &UploadResult{Document: winner, Duplicate: true}, nil
			}
		}
		return nil, err
	}

	if err := s.store.Put(ctx, doc.StoragePath, doc.ContentType, in.Data); err != nil {
		s.failPending(ctx, doc, reasonStorage)
		return nil, fmt.Errorf("store upload failed: %w", err)
	}

	if s.jobs != nil {
		job := model.IngestJob{DocumentID: doc.ID, OwnerID: ownerID}
		if err := s.jobs.Publish(ctx, job); err != nil {
			s.failPending(ctx, doc, reasonEnqueue)
			return nil, fmt.Errorf("enqueue ingest job failed: %w", err)
		}
		return &UploadResult{Document: doc}, nil
	}

	// a client disconnect must not strand the document half processed
	procCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()
	processed, err := s.Process(procCtx, doc, in.Data)
	if err != nil {
		return nil, err
	}
	return &UploadResult{Document: processed}, nil
}

// Process runs extract, chunk, embed and index for a pending document and
// marks it completed. On any failure the vectors written so far are removed
// and the document ends up failed.
func (s *IngestService) Process(ctx context.Context, doc *model.Document, raw []byte) (result *model.Document, err error) {
	ctx, span := tracer.Start(ctx, "rag.ingest")
	span.SetAttributes(
		attribute.String("document.id", doc.ID),
		attribute.String("document.file_type", doc.FileType),
		attribute.Int64("document.size", doc.FileSize),
	)
	defer span.End()

	log := s.log.With(zap.String("document_id", doc.ID), zap.String("owner_id", doc.OwnerID))

	if err := s.docs.TransitionStatus(ctx, doc.ID, doc.OwnerID, model.StatusPending, model.StatusProcessing, ""); err != nil {
		if errors.Is(err, repository.ErrStatusConflict) {
			return nil, errAlreadyClaimed
		}
		return nil, err
	}
	started := time.Now()

	var written []string
	finished := false
	defer func() {
		if r := recover(); r != nil {
			log.Error("ingest panicked", zap.Any("panic", r), zap.Stack("stack"))
			err = fmt.Errorf("ingest panicked: %v", r)
			result = nil
		}
		if finished {
			return
		}
		reason := failureReason(err)
		s.metrics.ObserveIngest(string(model.StatusFailed), time.Since(started))
		span.RecordError(err)
		span.SetStatus(codes.Error, reason)

		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		defer cancel()
		if len(written) > 0 {
			if delErr := s.index.Delete(cleanupCtx, doc.OwnerID, written); delErr != nil {
				log.Error("rollback vectors failed", zap.Int("vectors", len(written)), zap.Error(delErr))
			}
		}
		if tErr := s.docs.TransitionStatus(cleanupCtx, doc.ID, doc.OwnerID, model.StatusProcessing, model.StatusFailed, reason); tErr != nil {
			log.Warn("mark document failed skipped", zap.Error(tErr))
			return
		}
		log.Warn("document processing failed", zap.String("reason", reason), zap.Error(err))
		s.publish(cleanupCtx, model.DocumentEvent{
			Type:       model.EventDocumentFailed,
			DocumentID: doc.ID,
			OwnerID:    doc.OwnerID,
			Status:     model.StatusFailed,
			Error:      reason,
		})
	}()

	text, err := s.extractor.Extract(doc.Filename, doc.ContentType, raw)
	if err != nil {
		return nil, fromExtract(err)
	}
	pieces := s.splitter.Split(text)
	if len(pieces) == 0 {
		return nil, errNoText
	}

	texts := make([]string, len(pieces))
	totalTokens := 0
	for i, p := range pieces {
		texts[i] = p.Text
		totalTokens += p.TokenCount
	}
	vectors, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, fromEmbedding(err)
	}
	if len(vectors) != len(pieces) {
		return nil, fmt.Errorf("%w: got %d vectors for %d chunks", ErrEmbeddingService, len(vectors), len(pieces))
	}

	items := make([]vectorindex.Item, len(pieces))
	chunks := make([]model.Chunk, len(pieces))
	for i, p := range pieces {
		id := ChunkID(doc.ID, p.Index)
		items[i] = vectorindex.Item{
			ID:         id,
			DocumentID: doc.ID,
			Vector:     vectors[i],
			Metadata: map[string]any{
				"document_id": doc.ID,
				"filename":    doc.Filename,
				"chunk_index": p.Index,
			},
		}
		chunks[i] = model.Chunk{
			ID:         id,
			DocumentID: doc.ID,
			OwnerID:    doc.OwnerID,
			Ordinal:    p.Index,
			Content:    p.Text,
			VectorID:   id,
			TokenCount: p.TokenCount,
			Metadata: map[string]any{
				"offset": p.Offset,
			},
		}
	}

	// record ids before the write so a partial upsert is rolled back too
	written = make([]string, len(items))
	for i := range items {
		written[i] = items[i].ID
	}
	if err := s.index.Upsert(ctx, doc.OwnerID, items); err != nil {
		return nil, fmt.Errorf("index vectors failed: %w", err)
	}

	if err := s.docs.Complete(ctx, doc.ID, doc.OwnerID, chunks, totalTokens); err != nil {
		return nil, fmt.Errorf("complete document failed: %w", err)
	}
	finished = true
	s.metrics.ObserveIngest(string(model.StatusCompleted), time.Since(started))

	log.Info("document processed",
		zap.Int("chunks", len(chunks)),
		zap.Int("tokens", totalTokens),
		zap.Duration("elapsed", time.Since(started)),
	)
	span.SetAttributes(attribute.Int("document.chunks", len(chunks)))

	s.recordUsage(ctx, doc.OwnerID, model.EndpointUpload, totalTokens, map[string]any{
		"document_id": doc.ID,
		"chunks":      len(chunks),
	})
	s.publish(ctx, model.DocumentEvent{
		Type:       model.EventDocumentCompleted,
		DocumentID: doc.ID,
		OwnerID:    doc.OwnerID,
		Status:     model.StatusCompleted,
		ChunkCount: len(chunks),
	})

	done := *doc
	now := time.Now()
	done.Status = model.StatusCompleted
	done.ChunkCount = len(chunks)
	done.TotalTokens = totalTokens
	done.ErrorMessage = ""
	done.ProcessedAt = &now
	return &done, nil
}

// ProcessJob handles one queued ingest job. Jobs for documents that are gone
// or already past pending are acknowledged without work.
func (s *IngestService) ProcessJob(ctx context.Context, job model.IngestJob) error {
	doc, err := s.docs.GetByIDAndOwner(ctx, job.DocumentID, job.OwnerID)
	if err != nil {
		return err
	}
	if doc == nil || doc.Status != model.StatusPending {
		s.log.Info("skip ingest job", zap.String("document_id", job.DocumentID))
		return nil
	}
	raw, err := s.store.Get(ctx, doc.StoragePath)
	if errors.Is(err, storage.ErrObjectNotFound) {
		s.failPending(ctx, doc, reasonStorage)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load stored file failed: %w", err)
	}

	procCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if _, err := s.Process(procCtx, doc, raw); err != nil {
		if errors.Is(err, errAlreadyClaimed) {
			return nil
		}
		// the document is failed already; redelivery would not help
		s.log.Warn("ingest job failed", zap.String("document_id", doc.ID), zap.Error(err))
	}
	return nil
}

// ReapStale fails documents that have been processing for longer than the
// processing timeout.
func (s *IngestService) ReapStale(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-s.timeout)
	failed, err := s.docs.FailStaleProcessing(ctx, cutoff, reasonStaleTimeout)
	if err != nil {
		return 0, err
	}
	for _, doc := range failed {
		s.log.Warn("reaped stale document", zap.String("document_id", doc.ID), zap.String("owner_id", doc.OwnerID))
		s.publish(ctx, model.DocumentEvent{
			Type:       model.EventDocumentFailed,
			DocumentID: doc.ID,
			OwnerID:    doc.OwnerID,
			Status:     model.StatusFailed,
			Error:      reasonStaleTimeout,
		})
	}
	return len(failed), nil
}

func (s *IngestService) Get(ctx context.Context, ownerID, id string) (*model.Document, error) {
	if ownerID == "" {
		return nil, ErrAuth
	}
	doc, err := s.docs.GetByIDAndOwner(ctx, id, ownerID)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: document not found", ErrNotFound)
	}
	return doc, nil
}

func (s *IngestService) List(ctx context.Context, ownerID string, limit, offset int) ([]model.Document, int64, error) {
	if ownerID == "" {
		return nil, 0, ErrAuth
	}
	return s.docs.ListByOwner(ctx, ownerID, limit, offset)
}

// Delete removes a document's vectors, stored file and metadata, in that
// order.
func (s *IngestService) Delete(ctx context.Context, ownerID, id string) error {
	doc, err := s.Get(ctx, ownerID, id)
	if err != nil {
		return err
	}
	if err := s.removeArtifacts(ctx, doc); err != nil {
		return err
	}
	deleted, err := s.docs.DeleteByIDAndOwner(ctx, doc.ID, ownerID)
	if err != nil {
		return err
	}
	if !deleted {
		return fmt.Errorf("%w: document not found", ErrNotFound)
	}
	s.log.Info("document deleted", zap.String("document_id", doc.ID), zap.String("owner_id", ownerID))
	s.publish(ctx, model.DocumentEvent{
		Type:       model.EventDocumentDeleted,
		DocumentID: doc.ID,
		OwnerID:    ownerID,
	})
	return nil
}

// purge drops a failed document so the same content can be uploaded again.
func (s *IngestService) purge(ctx context.Context, doc *model.Document) error {
	if err := s.removeArtifacts(ctx, doc); err != nil {
		return err
	}
	if _, err := s.docs.DeleteByIDAndOwner(ctx, doc.ID, doc.OwnerID); err != nil {
		return err
	}
	s.log.Info("purged failed duplicate", zap.String("document_id", doc.ID))
	return nil
}

func (s *IngestService) removeArtifacts(ctx context.Context, doc *model.Document) error {
	ids, err := s.docs.ListChunkVectorIDs(ctx, doc.ID, doc.OwnerID)
	if err != nil {
		return err
	}
	if err := s.index.Delete(ctx, doc.OwnerID, ids); err != nil {
		return fmt.Errorf("delete document vectors failed: %w", err)
	}
	if doc.StoragePath != "" {
		if err := s.store.Delete(ctx, doc.StoragePath); err != nil && !errors.Is(err, storage.ErrObjectNotFound) {
			s.log.Warn("delete stored file failed", zap.String("key", doc.StoragePath), zap.Error(err))
		}
	}
	return nil
}

func (s *IngestService) failPending(ctx context.Context, doc *model.Document, reason string) {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	err := s.docs.TransitionStatus(cleanupCtx, doc.ID, doc.OwnerID, model.StatusPending, model.StatusFailed, reason)
	if err != nil {
		s.log.Warn("mark pending document failed skipped", zap.String("document_id", doc.ID), zap.Error(err))
		return
	}
	doc.Status = model.StatusFailed
	doc.ErrorMessage = reason
}

func (s *IngestService) recordUsage(ctx context.Context, ownerID, endpoint string, tokens int, meta map[string]any) {
	recordUsage(ctx, s.usage, s.log, s.costPer1K, ownerID, endpoint, tokens, meta)
}

func (s *IngestService) publish(ctx context.Context, ev model.DocumentEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	if ev.Status.Terminal() {
		s.metrics.IngestFinished(string(ev.Status))
	}
	if err := s.events.Publish(ctx, ev); err != nil {
		s.log.Warn("publish document event failed", zap.String("type", ev.Type), zap.Error(err))
	}
}

func failureReason(err error) string {
	switch {
	case err == nil:
		return reasonInternal
	case isCanceled(err):
		return reasonCancelled
	case errors.Is(err, errNoText):
		return reasonNoText
	case errors.Is(err, ErrExtractionFailed), errors.Is(err, ErrUnsupportedFormat), errors.Is(err, ErrValidation):
		return err.Error()
	case errors.Is(err, ErrEmbeddingService):
		return reasonEmbedding
	default:
		return reasonInternal
	}
}

func recordUsage(ctx context.Context, repo UsageRepository, log *zap.Logger, costPer1K float64, ownerID, endpoint string, tokens int, meta map[string]any) {
	if repo == nil {
		return
	}
	rec := &model.UsageRecord{
		ID:           uuid.NewString(),
		OwnerID:      ownerID,
		Endpoint:     endpoint,
		TokensUsed:   tokens,
		CostEstimate: float64(tokens) / 1000 * costPer1K,
		Metadata:     meta,
	}
	if err := repo.Create(ctx, rec); err != nil {
		log.Warn("record usage failed", zap.String("endpoint", endpoint), zap.Error(err))
	}
}
