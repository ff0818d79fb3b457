// Package store defines the persistence boundary for the conversation
// platform (C10 Thread Store, plus the knowledge-base entities C4/C5
// depend on) and provides an in-memory implementation of it
// (MemoryStore).
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/convoyhq/convoy-engine/pkg/models"
)

// ErrNotFound is returned when a lookup by key finds no live row.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("%s '%s' not found", e.Entity, e.Key)
}

// ListFilter is the shared pagination contract: offset/size with size
// capped at 100, and an optional since-cursor for incremental listing.
type ListFilter struct {
	Offset int
	Size   int
	Since  *time.Time
}

func (f ListFilter) Normalized() ListFilter {
	if f.Size <= 0 || f.Size > 100 {
		f.Size = 100
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

// DocumentStore persists knowledge documents (C5 writes, C6/C4 read).
type DocumentStore interface {
	CreateDocument(ctx context.Context, d *models.Document) error
	UpdateDocument(ctx context.Context, d *models.Document) error
	GetDocument(ctx context.Context, tenantID, id string) (*models.Document, error)
	FindDocumentByHash(ctx context.Context, tenantID, contentHash string) (*models.Document, error)
	FindDocumentByTitle(ctx context.Context, tenantID, title string) (*models.Document, error)
	ListDocuments(ctx context.Context, tenantID string, f ListFilter) ([]models.Document, error)
	SoftDeleteDocument(ctx context.Context, tenantID, id string) error
}

// ChunkStore persists chunk text (the Vector Index stores vectors separately).
type ChunkStore interface {
	SaveChunksBatch(ctx context.Context, chunks []models.Chunk) error
	ListChunksByDocument(ctx context.Context, documentID string) ([]models.Chunk, error)
	GetChunk(ctx context.Context, chunkID string) (*models.Chunk, error)
	GetChunksByIDs(ctx context.Context, chunkIDs []string) ([]models.Chunk, error)
	BumpVectorVersion(ctx context.Context, chunkID string) (int, error)
	DeleteChunksByDocument(ctx context.Context, documentID string) error
	SearchChunksLexical(ctx context.Context, tenantID, queryNormalized string, tagIDs, documentIDs []string, limit int) ([]models.Chunk, error)
}

// TagStore manages the shared label set and its chunk membership.
type TagStore interface {
	UpsertTag(ctx context.Context, tag *models.Tag) error
	ListTags(ctx context.Context, tenantID string) ([]models.Tag, error)
	TagChunk(ctx context.Context, chunkID, tagID string) error
	ListChunkTags(ctx context.Context, chunkID string) ([]models.ChunkTag, error)
	DeleteChunkTags(ctx context.Context, chunkID string) error
}

// ThreadStore is C10's conversation-state contract.
type ThreadStore interface {
	CreateThread(ctx context.Context, t *models.Thread) error
	UpdateThread(ctx context.Context, t *models.Thread) error
	GetThread(ctx context.Context, tenantID, id string) (*models.Thread, error)
	ListThreads(ctx context.Context, tenantID, userID string, f ListFilter) ([]models.Thread, error)
	SoftDeleteThread(ctx context.Context, tenantID, id string) error
}

// MessageStore persists thread turns.
type MessageStore interface {
	SaveMessage(ctx context.Context, m *models.Message) error
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	ListMessagesByThread(ctx context.Context, threadID string, f ListFilter) ([]models.Message, error)
	// ListRecentMessagesByThread returns the last n messages in a thread,
	// oldest first, for assembling provider context without paging through
	// the whole history from the beginning.
	ListRecentMessagesByThread(ctx context.Context, threadID string, n int) ([]models.Message, error)
	DeleteMessagesAfter(ctx context.Context, threadID string, after time.Time) error
	CountUserMessagesSince(ctx context.Context, tenantID, userID string, since time.Time) (int, error)
}

// CitationStore persists per-message citations.
type CitationStore interface {
	SaveCitationsBatch(ctx context.Context, citations []models.Citation) error
	ListCitationsByMessage(ctx context.Context, messageID string) ([]models.Citation, error)
	DeleteCitationsByMessage(ctx context.Context, messageID string) error
}

// UsageStore accumulates per-tenant, per-model token/cost usage.
type UsageStore interface {
	SaveUsage(ctx context.Context, u *models.UsageRecord) error
	GetUsage(ctx context.Context, tenantID, modelCode, day string) (*models.UsageRecord, error)
}

// ToolStore manages the tool catalog (C3).
type ToolStore interface {
	UpsertTool(ctx context.Context, t *models.Tool) error
	GetTool(ctx context.Context, tenantID, code string) (*models.Tool, error)
	ListTools(ctx context.Context, tenantID string) ([]models.Tool, error)
}

// ToolGrantStore manages per-tenant tool authorization and quota.
type ToolGrantStore interface {
	UpsertToolGrant(ctx context.Context, g *models.ToolGrant) error
	GetToolGrant(ctx context.Context, tenantID, toolCode string) (*models.ToolGrant, error)
	IncrementToolQuota(ctx context.Context, tenantID, toolCode string, delta int64) (*models.ToolGrant, error)
	DecrementToolQuota(ctx context.Context, tenantID, toolCode string, delta int64) error
}

// ToolCallLogStore records every Execute attempt regardless of outcome.
type ToolCallLogStore interface {
	SaveToolCallLog(ctx context.Context, l *models.ToolCallLog) error
	ListToolCallLogs(ctx context.Context, tenantID, toolCode string, f ListFilter) ([]models.ToolCallLog, error)
	CountToolCallsSince(ctx context.Context, tenantID, toolCode string, since time.Time) (int, error)
}

// IngestionJobStore tracks async embedding jobs (C5).
type IngestionJobStore interface {
	CreateIngestionJob(ctx context.Context, j *models.IngestionJob) error
	UpdateIngestionJob(ctx context.Context, j *models.IngestionJob) error
	GetIngestionJob(ctx context.Context, id string) (*models.IngestionJob, error)
	ListPendingIngestionJobs(ctx context.Context) ([]models.IngestionJob, error)
}

// ModelProviderStore holds configured completion/embedding backends (C7).
type ModelProviderStore interface {
	UpsertProvider(ctx context.Context, p *models.ModelProvider) error
	GetProvider(ctx context.Context, name string) (*models.ModelProvider, error)
	ListProviders(ctx context.Context) ([]models.ModelProvider, error)
}

// FlowSnapshotStore holds immutable flow-DAG definitions referenced by
// threads (C9's doFlow subtask).
type FlowSnapshotStore interface {
	CreateFlowSnapshot(ctx context.Context, s *models.FlowSnapshot) error
	GetFlowSnapshot(ctx context.Context, tenantID, id string) (*models.FlowSnapshot, error)
}

// Store composes every sub-interface the platform needs, the way the
// reference control plane composes its per-entity stores into one Store.
type Store interface {
	DocumentStore
	ChunkStore
	TagStore
	ThreadStore
	MessageStore
	CitationStore
	UsageStore
	ToolStore
	ToolGrantStore
	ToolCallLogStore
	IngestionJobStore
	ModelProviderStore
	FlowSnapshotStore

	Ping(ctx context.Context) error
	Close() error
}
