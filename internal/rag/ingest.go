package rag

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
	"unicode"

	"github.com/cenkalti/backoff/v4"
	"github.com/convoyhq/convoy-engine/internal/apperrors"
	"github.com/convoyhq/convoy-engine/internal/config"
	"github.com/convoyhq/convoy-engine/internal/embeddings"
	"github.com/convoyhq/convoy-engine/internal/store"
	"github.com/convoyhq/convoy-engine/internal/vectorindex"
	"github.com/convoyhq/convoy-engine/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/text/language"
)

// Pipeline is the Ingestion Pipeline (C5): chunk -> embed -> upsert, run
// synchronously for small documents and as a tracked background job for
// large ones.
type Pipeline struct {
	store      store.Store
	embeddings *embeddings.Registry
	index      vectorindex.Index
	cfg        config.KnowledgeConfig
	chunker    ChunkerConfig

	jobQueue       chan jobRef
	pendingContent *contentBuffer
}

// ingestionQueueCapacity is the ingestion/embedding pool's queue depth.
// Past this, IngestDocument falls back to caller-runs instead of dropping
// the job. IngestionWorkerCount is the pool's fixed worker count.
const (
	ingestionQueueCapacity = 1000
	IngestionWorkerCount   = 10
)

type jobRef struct {
	tenantID   string
	documentID string
}

// contentBuffer holds raw document text between IngestDocument enqueuing an
// async job and the worker picking it up. A real deployment with a
// multi-process worker pool would need this durable; a single-process
// server can hold it in memory for the short window before the worker runs.
type contentBuffer struct {
	mu sync.Mutex
	m  map[string]string
}

func newContentBuffer() *contentBuffer {
	return &contentBuffer{m: make(map[string]string)}
}

func (b *contentBuffer) store(documentID, content string) {
	b.mu.Lock()
	b.m[documentID] = content
	b.mu.Unlock()
}

func (b *contentBuffer) load(documentID string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.m[documentID]
	return v, ok
}

func (b *contentBuffer) delete(documentID string) {
	b.mu.Lock()
	delete(b.m, documentID)
	b.mu.Unlock()
}

func NewPipeline(s store.Store, embReg *embeddings.Registry, idx vectorindex.Index, cfg config.KnowledgeConfig) *Pipeline {
	return &Pipeline{
		store:      s,
		embeddings: embReg,
		index:      idx,
		cfg:        cfg,
		chunker: ChunkerConfig{
			TargetTokens:  cfg.ChunkTargetTokens,
			MaxTokens:     cfg.ChunkMaxTokens,
			OverlapTokens: cfg.ChunkOverlapTokens,
		},
		jobQueue:       make(chan jobRef, ingestionQueueCapacity),
		pendingContent: newContentBuffer(),
	}
}

// StartWorkers launches n background workers draining the ingestion job
// queue. Call once at server startup.
func (p *Pipeline) StartWorkers(ctx context.Context, n int) {
	for i := 0; i < n; i++ {
		go p.worker(ctx)
	}
}

func (p *Pipeline) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-p.jobQueue:
			if err := p.processDocument(ctx, job.tenantID, job.documentID); err != nil {
				log.Error().Err(err).Str("document_id", job.documentID).Msg("ingestion job failed")
			}
		}
	}
}

// IngestDocument registers a new document and either ingests it inline
// (small documents) or enqueues a tracked background job (large ones),
// per the sync/async thresholds in KnowledgeConfig.
func (p *Pipeline) IngestDocument(ctx context.Context, tenantID, title, sourceType, mimeType, content, language, operatorID string) (*models.Document, error) {
	if len(content) == 0 {
		return nil, apperrors.NewValidation("EMPTY_DOCUMENT", "document content must not be empty")
	}
	if len(content) > p.cfg.MaxDocumentSizeBytes {
		return nil, apperrors.NewValidation("DOCUMENT_TOO_LARGE", fmt.Sprintf("document is %d bytes, max is %d", len(content), p.cfg.MaxDocumentSizeBytes))
	}

	hash := contentHash(content)
	if existing, err := p.store.FindDocumentByHash(ctx, tenantID, hash); err == nil {
		return nil, apperrors.NewConflict("DUPLICATE_DOCUMENT_CONTENT", fmt.Sprintf("content already ingested as document %q", existing.ID))
	}

	if language == "" || language == "auto" {
		language = detectLanguage(content)
	}

	doc := &models.Document{
		ID:            uuid.NewString(),
		TenantID:      tenantID,
		Title:         title,
		SourceType:    sourceType,
		MimeType:      mimeType,
		Language:      language,
		ContentHash:   hash,
		ParsingStatus: models.ParsingPending,
		OperatorID:    operatorID,
		CreatedAt:     time.Now().UTC(),
		UpdatedAt:     time.Now().UTC(),
	}
	if err := p.store.CreateDocument(ctx, doc); err != nil {
		return nil, apperrors.Wrap(err, "DOCUMENT_CREATE_FAILED", "failed to record document")
	}

	// content isn't persisted on the Document itself (only chunks are): the
	// inline path hands it straight to processing, and the job path holds it
	// in pendingContent until a worker picks the job up.
	estChunks := estimateChunkCount(content, p.chunker)
	sync := estChunks <= p.cfg.SyncChunkThreshold && len(content) <= p.cfg.SyncCharThreshold

	if sync {
		if err := p.ingestContent(ctx, doc, content); err != nil {
			return nil, err
		}
		refreshed, err := p.store.GetDocument(ctx, tenantID, doc.ID)
		if err != nil {
			return doc, nil
		}
		return refreshed, nil
	}

	job := &models.IngestionJob{
		ID:           uuid.NewString(),
		DocumentID:   doc.ID,
		TenantID:     tenantID,
		Status:       models.IngestionPending,
		BatchesTotal: (estChunks + p.cfg.EmbeddingBatchSize - 1) / p.cfg.EmbeddingBatchSize,
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}
	if err := p.store.CreateIngestionJob(ctx, job); err != nil {
		return nil, apperrors.Wrap(err, "INGESTION_JOB_CREATE_FAILED", "failed to record ingestion job")
	}

	p.pendingContent.store(doc.ID, content)
	select {
	case p.jobQueue <- jobRef{tenantID: tenantID, documentID: doc.ID}:
		return doc, nil
	default:
		// caller-runs backpressure: the queue is saturated, so this
		// goroutine executes the job inline instead of dropping it.
		log.Warn().Str("document_id", doc.ID).Msg("ingestion queue full, running job inline (caller-runs)")
		if err := p.processDocument(ctx, tenantID, doc.ID); err != nil {
			return nil, err
		}
		refreshed, err := p.store.GetDocument(ctx, tenantID, doc.ID)
		if err != nil {
			return doc, nil
		}
		return refreshed, nil
	}
}

// processDocument is the async path: re-fetch queued content and run it
// through the same ingestContent used by the sync path.
func (p *Pipeline) processDocument(ctx context.Context, tenantID, documentID string) error {
	content, ok := p.pendingContent.load(documentID)
	if !ok {
		return fmt.Errorf("no pending content buffered for document %s", documentID)
	}
	defer p.pendingContent.delete(documentID)

	doc, err := p.store.GetDocument(ctx, tenantID, documentID)
	if err != nil {
		return err
	}
	return p.ingestContent(ctx, doc, content)
}

// ingestContent performs the chunk -> embed -> upsert sequence for one
// document, updating its IngestionJob (if any) as batches complete.
func (p *Pipeline) ingestContent(ctx context.Context, doc *models.Document, content string) error {
	job, _ := p.findJobForDocument(ctx, doc.ID)
	if job != nil {
		job.Status = models.IngestionRunning
		_ = p.store.UpdateIngestionJob(ctx, job)
	}

	driver, err := p.embeddings.Get(p.cfg.DefaultEmbeddingModel)
	if err != nil {
		return p.fail(ctx, doc, job, apperrors.Wrap(err, "EMBEDDING_DRIVER_UNAVAILABLE", "no embedding driver configured"))
	}

	textChunks := ChunkText(content, p.chunker)
	chunks := make([]models.Chunk, len(textChunks))
	now := time.Now().UTC()
	for i, tc := range textChunks {
		chunks[i] = models.Chunk{
			ID:          uuid.NewString(),
			DocumentID:  doc.ID,
			TenantID:    doc.TenantID,
			ChunkNumber: i,
			Text:        tc.Text,
			Language:    doc.Language,
			TokenSize:   tc.TokenSize,
			VectorVersion: 1,
			CreatedAt:   now,
		}
	}

	batchSize := p.cfg.EmbeddingBatchSize
	if batchSize <= 0 {
		batchSize = 32
	}

	var items []vectorindex.Item
	for start := 0; start < len(chunks); start += batchSize {
		end := start + batchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[start:end]
		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Text
		}

		vectors, err := embedWithRetry(ctx, driver, texts)
		if err != nil {
			log.Warn().Err(err).Str("document_id", doc.ID).Int("batch_start", start).Msg("embedding batch failed after retries")
			if job != nil {
				job.LastError = err.Error()
				_ = p.store.UpdateIngestionJob(ctx, job)
			}
			continue
		}
		for i, v := range vectors {
			items = append(items, vectorindex.Item{
				ChunkID:       batch[i].ID,
				TenantID:      doc.TenantID,
				Vector:        v,
				VectorVersion: batch[i].VectorVersion,
				CreatedAt:     now,
			})
		}

		if job != nil {
			job.BatchesDone++
			_ = p.store.UpdateIngestionJob(ctx, job)
		}
	}

	if err := p.store.SaveChunksBatch(ctx, chunks); err != nil {
		return p.fail(ctx, doc, job, apperrors.Wrap(err, "CHUNK_SAVE_FAILED", "failed to persist chunks"))
	}
	if err := p.index.Upsert(ctx, items); err != nil {
		return p.fail(ctx, doc, job, apperrors.Wrap(err, "VECTOR_UPSERT_FAILED", "failed to upsert vectors"))
	}

	doc.ParsingStatus = models.ParsingSuccess
	doc.ChunkCount = len(chunks)
	doc.UpdatedAt = time.Now().UTC()
	if err := p.store.UpdateDocument(ctx, doc); err != nil {
		return err
	}

	if job != nil {
		job.Status = models.IngestionDone
		job.UpdatedAt = time.Now().UTC()
		_ = p.store.UpdateIngestionJob(ctx, job)
	}
	return nil
}

func (p *Pipeline) fail(ctx context.Context, doc *models.Document, job *models.IngestionJob, cause error) error {
	doc.ParsingStatus = models.ParsingFailed
	doc.ParsingError = cause.Error()
	doc.UpdatedAt = time.Now().UTC()
	_ = p.store.UpdateDocument(ctx, doc)

	if job != nil {
		job.Status = models.IngestionFailed
		job.LastError = cause.Error()
		job.UpdatedAt = time.Now().UTC()
		_ = p.store.UpdateIngestionJob(ctx, job)
	}
	return cause
}

func (p *Pipeline) findJobForDocument(ctx context.Context, documentID string) (*models.IngestionJob, error) {
	jobs, err := p.store.ListPendingIngestionJobs(ctx)
	if err != nil {
		return nil, err
	}
	for i := range jobs {
		if jobs[i].DocumentID == documentID {
			return &jobs[i], nil
		}
	}
	return nil, nil
}

// embedWithRetry wraps a single embedding batch call in exponential backoff:
// transient provider hiccups shouldn't fail an entire ingestion job.
func embedWithRetry(ctx context.Context, driver embeddings.Driver, texts []string) ([][]float32, error) {
	var result [][]float32
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = time.Second
	op := func() error {
		vectors, err := driver.Embed(ctx, texts)
		if err != nil {
			return err
		}
		result = vectors
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(eb, 3), ctx)); err != nil {
		return nil, err
	}
	return result, nil
}

func contentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

func estimateChunkCount(content string, cfg ChunkerConfig) int {
	tokens := estimateTokens(content)
	if cfg.TargetTokens <= 0 {
		return 1
	}
	count := tokens / cfg.TargetTokens
	if count < 1 {
		count = 1
	}
	return count
}

// detectLanguage applies a coarse script heuristic, then canonicalizes the
// result to a BCP-47 tag with golang.org/x/text/language — there is no
// statistical language detector in the dependency stack, only script
// counting. Ambiguous or Latin-script text resolves to "und" (undetermined)
// rather than guessing English.
func detectLanguage(text string) string {
	var han, hiragana, katakana, hangul, cyrillic, arabic, latin int
	for _, r := range text {
		switch {
		case unicode.Is(unicode.Han, r):
			han++
		case unicode.Is(unicode.Hiragana, r):
			hiragana++
		case unicode.Is(unicode.Katakana, r):
			katakana++
		case unicode.Is(unicode.Hangul, r):
			hangul++
		case unicode.Is(unicode.Cyrillic, r):
			cyrillic++
		case unicode.Is(unicode.Arabic, r):
			arabic++
		case unicode.IsLetter(r):
			latin++
		}
	}
	var tag language.Tag
	switch {
	case hiragana > 0 || katakana > 0:
		tag = language.Japanese
	case hangul > 0:
		tag = language.Korean
	case han > 0:
		tag = language.Chinese
	case cyrillic > latin:
		tag = language.Russian
	case arabic > latin:
		tag = language.Arabic
	default:
		tag = language.Und
	}
	return tag.String()
}
