package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/convoyhq/convoy-engine/pkg/models"
	"github.com/rs/zerolog/log"
)

// snapshot is the JSON-serializable shape written to disk so an in-memory
// store survives process restarts without a real database.
type snapshot struct {
	Documents     map[string]*models.Document     `json:"documents"`
	Chunks        map[string]*models.Chunk         `json:"chunks"`
	Tags          map[string]*models.Tag            `json:"tags"`
	ChunkTags     map[string][]models.ChunkTag      `json:"chunk_tags"`
	Threads       map[string]*models.Thread         `json:"threads"`
	Messages      map[string]*models.Message        `json:"messages"`
	Citations     map[string][]models.Citation      `json:"citations"`
	Usage         map[string]*models.UsageRecord     `json:"usage"`
	Tools         map[string]*models.Tool            `json:"tools"`
	ToolGrants    map[string]*models.ToolGrant        `json:"tool_grants"`
	ToolCallLogs  []models.ToolCallLog                `json:"tool_call_logs"`
	IngestionJobs map[string]*models.IngestionJob     `json:"ingestion_jobs"`
	Providers     map[string]*models.ModelProvider    `json:"providers"`
	FlowSnapshots map[string]*models.FlowSnapshot     `json:"flow_snapshots"`
}

// MemoryStore is a thread-safe, mutex-guarded in-memory Store with a
// debounced background snapshot writer and a periodic eviction loop for
// stale usage buckets, the same shape the reference control plane uses
// for its zero-configuration OSS deployment.
type MemoryStore struct {
	mu sync.RWMutex

	documents     map[string]*models.Document  // key: tenant:id
	docsByHash    map[string]string             // key: tenant:hash -> doc id
	docsByTitle   map[string]string             // key: tenant:title -> doc id
	chunks        map[string]*models.Chunk      // key: chunk id
	chunksByDoc   map[string][]string           // document id -> chunk ids, in chunk-number order
	tags          map[string]*models.Tag        // key: tenant:id
	chunkTags     map[string][]models.ChunkTag  // key: chunk id
	threads       map[string]*models.Thread     // key: tenant:id
	messages      map[string]*models.Message    // key: message id
	messagesByThread map[string][]string        // thread id -> message ids, creation order
	citations     map[string][]models.Citation  // key: message id
	usage         map[string]*models.UsageRecord // key: tenant:model:day
	tools         map[string]*models.Tool       // key: tenant:code
	toolGrants    map[string]*models.ToolGrant  // key: tenant:code
	toolCallLogs  []models.ToolCallLog
	ingestionJobs map[string]*models.IngestionJob
	providers     map[string]*models.ModelProvider
	flowSnapshots map[string]*models.FlowSnapshot // key: tenant:id

	snapshotPath string
	saveMu       sync.Mutex
	saveCh       chan struct{}
	doneCh       chan struct{}
	usageTTL     time.Duration
}

// NewMemoryStore creates an in-memory store. If CONVOY_DATA_DIR is set (or
// defaults to ~/.convoy/data.json), it loads any existing snapshot and
// starts a debounced background writer plus a periodic eviction loop.
func NewMemoryStore() *MemoryStore {
	ttl := 90 * 24 * time.Hour
	if v := os.Getenv("CONVOY_USAGE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			ttl = d
		}
	}

	dataDir := os.Getenv("CONVOY_DATA_DIR")
	if dataDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dataDir = filepath.Join(home, ".convoy")
		}
	}
	var path string
	if dataDir != "" {
		path = filepath.Join(dataDir, "data.json")
	}

	m := &MemoryStore{
		documents:        make(map[string]*models.Document),
		docsByHash:       make(map[string]string),
		docsByTitle:      make(map[string]string),
		chunks:           make(map[string]*models.Chunk),
		chunksByDoc:      make(map[string][]string),
		tags:             make(map[string]*models.Tag),
		chunkTags:        make(map[string][]models.ChunkTag),
		threads:          make(map[string]*models.Thread),
		messages:         make(map[string]*models.Message),
		messagesByThread: make(map[string][]string),
		citations:        make(map[string][]models.Citation),
		usage:            make(map[string]*models.UsageRecord),
		tools:            make(map[string]*models.Tool),
		toolGrants:       make(map[string]*models.ToolGrant),
		ingestionJobs:    make(map[string]*models.IngestionJob),
		providers:        make(map[string]*models.ModelProvider),
		flowSnapshots:    make(map[string]*models.FlowSnapshot),
		snapshotPath:     path,
		saveCh:           make(chan struct{}, 1),
		doneCh:           make(chan struct{}),
		usageTTL:         ttl,
	}

	if path != "" {
		m.loadSnapshot()
		go m.saveLoop()
	}
	go m.evictionLoop()

	return m
}

func (m *MemoryStore) Ping(_ context.Context) error { return nil }

func (m *MemoryStore) Close() error {
	close(m.doneCh)
	if m.snapshotPath != "" {
		m.writeSnapshot()
	}
	return nil
}

// ── Snapshot persistence ─────────────────────────────────────

func (m *MemoryStore) requestSave() {
	if m.snapshotPath == "" {
		return
	}
	select {
	case m.saveCh <- struct{}{}:
	default:
	}
}

func (m *MemoryStore) saveLoop() {
	for {
		select {
		case <-m.doneCh:
			return
		case <-m.saveCh:
			time.Sleep(500 * time.Millisecond)
			m.writeSnapshot()
		}
	}
}

func (m *MemoryStore) writeSnapshot() {
	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	m.mu.RLock()
	snap := snapshot{
		Documents: m.documents, Chunks: m.chunks, Tags: m.tags, ChunkTags: m.chunkTags,
		Threads: m.threads, Messages: m.messages, Citations: m.citations, Usage: m.usage,
		Tools: m.tools, ToolGrants: m.toolGrants, ToolCallLogs: m.toolCallLogs,
		IngestionJobs: m.ingestionJobs, Providers: m.providers, FlowSnapshots: m.flowSnapshots,
	}
	m.mu.RUnlock()

	data, err := json.Marshal(snap)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal store snapshot")
		return
	}
	if err := os.MkdirAll(filepath.Dir(m.snapshotPath), 0o755); err != nil {
		log.Error().Err(err).Msg("failed to create data directory")
		return
	}
	tmp := m.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		log.Error().Err(err).Msg("failed to write store snapshot")
		return
	}
	if err := os.Rename(tmp, m.snapshotPath); err != nil {
		log.Error().Err(err).Msg("failed to finalize store snapshot")
	}
}

func (m *MemoryStore) loadSnapshot() {
	data, err := os.ReadFile(m.snapshotPath)
	if err != nil {
		return
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Error().Err(err).Msg("failed to parse store snapshot, starting empty")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if snap.Documents != nil {
		m.documents = snap.Documents
	}
	if snap.Chunks != nil {
		m.chunks = snap.Chunks
	}
	if snap.Tags != nil {
		m.tags = snap.Tags
	}
	if snap.ChunkTags != nil {
		m.chunkTags = snap.ChunkTags
	}
	if snap.Threads != nil {
		m.threads = snap.Threads
	}
	if snap.Messages != nil {
		m.messages = snap.Messages
	}
	if snap.Citations != nil {
		m.citations = snap.Citations
	}
	if snap.Usage != nil {
		m.usage = snap.Usage
	}
	if snap.Tools != nil {
		m.tools = snap.Tools
	}
	if snap.ToolGrants != nil {
		m.toolGrants = snap.ToolGrants
	}
	if snap.ToolCallLogs != nil {
		m.toolCallLogs = snap.ToolCallLogs
	}
	if snap.IngestionJobs != nil {
		m.ingestionJobs = snap.IngestionJobs
	}
	if snap.Providers != nil {
		m.providers = snap.Providers
	}
	if snap.FlowSnapshots != nil {
		m.flowSnapshots = snap.FlowSnapshots
	}

	for docID, ids := range m.chunksByDocRebuild() {
		m.chunksByDoc[docID] = ids
	}
	for threadID, ids := range m.messagesByThreadRebuild() {
		m.messagesByThread[threadID] = ids
	}
	for tenantID, doc := range m.documents {
		_ = tenantID
		m.docsByHash[doc.TenantID+":"+doc.ContentHash] = doc.ID
		m.docsByTitle[doc.TenantID+":"+doc.Title] = doc.ID
	}
}

func (m *MemoryStore) chunksByDocRebuild() map[string][]string {
	byDoc := make(map[string][]string)
	for _, c := range m.chunks {
		byDoc[c.DocumentID] = append(byDoc[c.DocumentID], c.ID)
	}
	for docID := range byDoc {
		sort.Slice(byDoc[docID], func(i, j int) bool {
			return m.chunks[byDoc[docID][i]].ChunkNumber < m.chunks[byDoc[docID][j]].ChunkNumber
		})
	}
	return byDoc
}

func (m *MemoryStore) messagesByThreadRebuild() map[string][]string {
	byThread := make(map[string][]string)
	for _, msg := range m.messages {
		byThread[msg.ThreadID] = append(byThread[msg.ThreadID], msg.ID)
	}
	for threadID := range byThread {
		ids := byThread[threadID]
		sort.Slice(ids, func(i, j int) bool {
			return m.messages[ids[i]].CreatedAt.Before(m.messages[ids[j]].CreatedAt)
		})
	}
	return byThread
}

// evictionLoop periodically drops usage buckets older than usageTTL; usage
// rows are aggregates, not audit records, so this bounds unbounded growth
// of a store that otherwise never deletes anything on its own.
func (m *MemoryStore) evictionLoop() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-m.doneCh:
			return
		case <-ticker.C:
			m.evictStaleUsage()
		}
	}
}

func (m *MemoryStore) evictStaleUsage() {
	cutoff := time.Now().UTC().Add(-m.usageTTL)
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, u := range m.usage {
		if u.UpdatedAt.Before(cutoff) {
			delete(m.usage, key)
		}
	}
}

// ── Documents ────────────────────────────────────────────────

func docKey(tenantID, id string) string { return tenantID + ":" + id }

func (m *MemoryStore) CreateDocument(_ context.Context, d *models.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	m.documents[docKey(d.TenantID, d.ID)] = &cp
	m.docsByHash[d.TenantID+":"+d.ContentHash] = d.ID
	m.docsByTitle[d.TenantID+":"+d.Title] = d.ID
	m.requestSave()
	return nil
}

func (m *MemoryStore) UpdateDocument(_ context.Context, d *models.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.documents[docKey(d.TenantID, d.ID)]; !ok {
		return &ErrNotFound{Entity: "document", Key: d.ID}
	}
	cp := *d
	m.documents[docKey(d.TenantID, d.ID)] = &cp
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetDocument(_ context.Context, tenantID, id string) (*models.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.documents[docKey(tenantID, id)]
	if !ok || !d.IsLive() {
		return nil, &ErrNotFound{Entity: "document", Key: id}
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) FindDocumentByHash(_ context.Context, tenantID, contentHash string) (*models.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.docsByHash[tenantID+":"+contentHash]
	if !ok {
		return nil, &ErrNotFound{Entity: "document", Key: contentHash}
	}
	d, ok := m.documents[docKey(tenantID, id)]
	if !ok || !d.IsLive() {
		return nil, &ErrNotFound{Entity: "document", Key: contentHash}
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) FindDocumentByTitle(_ context.Context, tenantID, title string) (*models.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.docsByTitle[tenantID+":"+title]
	if !ok {
		return nil, &ErrNotFound{Entity: "document", Key: title}
	}
	d, ok := m.documents[docKey(tenantID, id)]
	if !ok || !d.IsLive() {
		return nil, &ErrNotFound{Entity: "document", Key: title}
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) ListDocuments(_ context.Context, tenantID string, f ListFilter) ([]models.Document, error) {
	f = f.Normalized()
	m.mu.RLock()
	defer m.mu.RUnlock()

	var all []models.Document
	for _, d := range m.documents {
		if d.TenantID == tenantID && d.IsLive() {
			all = append(all, *d)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].UpdatedAt.After(all[j].UpdatedAt) })
	return paginate(all, f), nil
}

func (m *MemoryStore) SoftDeleteDocument(_ context.Context, tenantID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.documents[docKey(tenantID, id)]
	if !ok {
		return &ErrNotFound{Entity: "document", Key: id}
	}
	now := time.Now().UTC()
	d.DeletedAt = &now
	m.requestSave()
	return nil
}

func paginate[T any](items []T, f ListFilter) []T {
	if f.Offset >= len(items) {
		return []T{}
	}
	end := f.Offset + f.Size
	if end > len(items) {
		end = len(items)
	}
	return items[f.Offset:end]
}

// ── Chunks ───────────────────────────────────────────────────

func (m *MemoryStore) SaveChunksBatch(_ context.Context, chunks []models.Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range chunks {
		c := chunks[i]
		m.chunks[c.ID] = &c
		m.chunksByDoc[c.DocumentID] = append(m.chunksByDoc[c.DocumentID], c.ID)
	}
	sort.Slice(m.chunksByDoc[chunks[0].DocumentID], func(i, j int) bool {
		ids := m.chunksByDoc[chunks[0].DocumentID]
		return m.chunks[ids[i]].ChunkNumber < m.chunks[ids[j]].ChunkNumber
	})
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListChunksByDocument(_ context.Context, documentID string) ([]models.Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.chunksByDoc[documentID]
	out := make([]models.Chunk, 0, len(ids))
	for _, id := range ids {
		if c, ok := m.chunks[id]; ok {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (m *MemoryStore) GetChunk(_ context.Context, chunkID string) (*models.Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.chunks[chunkID]
	if !ok {
		return nil, &ErrNotFound{Entity: "chunk", Key: chunkID}
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) GetChunksByIDs(_ context.Context, chunkIDs []string) ([]models.Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Chunk, 0, len(chunkIDs))
	for _, id := range chunkIDs {
		if c, ok := m.chunks[id]; ok {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (m *MemoryStore) BumpVectorVersion(_ context.Context, chunkID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chunks[chunkID]
	if !ok {
		return 0, &ErrNotFound{Entity: "chunk", Key: chunkID}
	}
	c.VectorVersion++
	m.requestSave()
	return c.VectorVersion, nil
}

func (m *MemoryStore) DeleteChunksByDocument(_ context.Context, documentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.chunksByDoc[documentID] {
		delete(m.chunks, id)
		delete(m.chunkTags, id)
	}
	delete(m.chunksByDoc, documentID)
	m.requestSave()
	return nil
}

// SearchChunksLexical returns the tenant's chunks, optionally filtered by
// tag or document set; the query text is not used here. Token-overlap
// scoring itself lives in the rag package (lexicalScore); this is just the
// tenant-scoped candidate fetch with filters applied first.
func (m *MemoryStore) SearchChunksLexical(_ context.Context, tenantID, _ string, tagIDs, documentIDs []string, limit int) ([]models.Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	docSet := toSet(documentIDs)
	tagSet := toSet(tagIDs)

	var out []models.Chunk
	for _, c := range m.chunks {
		if c.TenantID != tenantID {
			continue
		}
		if len(docSet) > 0 && !docSet[c.DocumentID] {
			continue
		}
		if len(tagSet) > 0 {
			matched := false
			for _, ct := range m.chunkTags[c.ID] {
				if tagSet[ct.TagID] {
					matched = true
					break
				}
			}
			if !matched {
				continue
			}
		}
		out = append(out, *c)
		if limit > 0 && len(out) >= limit*10 {
			break // bound the candidate set; final scoring/truncation happens upstream
		}
	}
	return out, nil
}

func toSet(ids []string) map[string]bool {
	if len(ids) == 0 {
		return nil
	}
	s := make(map[string]bool, len(ids))
	for _, id := range ids {
		s[id] = true
	}
	return s
}

// ── Tags ─────────────────────────────────────────────────────

func (m *MemoryStore) UpsertTag(_ context.Context, tag *models.Tag) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *tag
	m.tags[docKey(tag.TenantID, tag.ID)] = &cp
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListTags(_ context.Context, tenantID string) ([]models.Tag, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Tag
	for _, t := range m.tags {
		if t.TenantID == tenantID {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (m *MemoryStore) TagChunk(_ context.Context, chunkID, tagID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ct := range m.chunkTags[chunkID] {
		if ct.TagID == tagID {
			return nil
		}
	}
	m.chunkTags[chunkID] = append(m.chunkTags[chunkID], models.ChunkTag{ChunkID: chunkID, TagID: tagID})
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListChunkTags(_ context.Context, chunkID string) ([]models.ChunkTag, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.ChunkTag(nil), m.chunkTags[chunkID]...), nil
}

func (m *MemoryStore) DeleteChunkTags(_ context.Context, chunkID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.chunkTags, chunkID)
	m.requestSave()
	return nil
}

// ── Threads ──────────────────────────────────────────────────

func (m *MemoryStore) CreateThread(_ context.Context, t *models.Thread) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.threads[docKey(t.TenantID, t.ID)] = &cp
	m.requestSave()
	return nil
}

func (m *MemoryStore) UpdateThread(_ context.Context, t *models.Thread) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.threads[docKey(t.TenantID, t.ID)]; !ok {
		return &ErrNotFound{Entity: "thread", Key: t.ID}
	}
	cp := *t
	cp.UpdatedAt = time.Now().UTC()
	m.threads[docKey(t.TenantID, t.ID)] = &cp
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetThread(_ context.Context, tenantID, id string) (*models.Thread, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.threads[docKey(tenantID, id)]
	if !ok || !t.IsLive() {
		return nil, &ErrNotFound{Entity: "thread", Key: id}
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) ListThreads(_ context.Context, tenantID, userID string, f ListFilter) ([]models.Thread, error) {
	f = f.Normalized()
	m.mu.RLock()
	defer m.mu.RUnlock()
	var all []models.Thread
	for _, t := range m.threads {
		if t.TenantID == tenantID && t.IsLive() && (userID == "" || t.UserID == userID) {
			all = append(all, *t)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].UpdatedAt.After(all[j].UpdatedAt) })
	return paginate(all, f), nil
}

func (m *MemoryStore) SoftDeleteThread(_ context.Context, tenantID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.threads[docKey(tenantID, id)]
	if !ok {
		return &ErrNotFound{Entity: "thread", Key: id}
	}
	now := time.Now().UTC()
	t.DeletedAt = &now
	m.requestSave()
	return nil
}

// ── Messages ─────────────────────────────────────────────────

func (m *MemoryStore) SaveMessage(_ context.Context, msg *models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *msg
	m.messages[msg.ID] = &cp
	m.messagesByThread[msg.ThreadID] = append(m.messagesByThread[msg.ThreadID], msg.ID)
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetMessage(_ context.Context, id string) (*models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msg, ok := m.messages[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "message", Key: id}
	}
	cp := *msg
	return &cp, nil
}

func (m *MemoryStore) ListMessagesByThread(_ context.Context, threadID string, f ListFilter) ([]models.Message, error) {
	f = f.Normalized()
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.messagesByThread[threadID]
	out := make([]models.Message, 0, len(ids))
	for _, id := range ids {
		if msg, ok := m.messages[id]; ok {
			out = append(out, *msg)
		}
	}
	return paginate(out, f), nil
}

func (m *MemoryStore) ListRecentMessagesByThread(_ context.Context, threadID string, n int) ([]models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.messagesByThread[threadID]
	start := 0
	if n > 0 && len(ids) > n {
		start = len(ids) - n
	}
	tail := ids[start:]
	out := make([]models.Message, 0, len(tail))
	for _, id := range tail {
		if msg, ok := m.messages[id]; ok {
			out = append(out, *msg)
		}
	}
	return out, nil
}

func (m *MemoryStore) DeleteMessagesAfter(_ context.Context, threadID string, after time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.messagesByThread[threadID]
	kept := ids[:0:0]
	for _, id := range ids {
		msg, ok := m.messages[id]
		if !ok {
			continue
		}
		if msg.Role == models.RoleAssistant && msg.CreatedAt.After(after) {
			delete(m.messages, id)
			delete(m.citations, id)
			continue
		}
		kept = append(kept, id)
	}
	m.messagesByThread[threadID] = kept
	m.requestSave()
	return nil
}

func (m *MemoryStore) CountUserMessagesSince(_ context.Context, tenantID, userID string, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, msg := range m.messages {
		if msg.TenantID == tenantID && msg.UserID == userID && msg.Role == models.RoleUser && msg.CreatedAt.After(since) {
			count++
		}
	}
	return count, nil
}

// ── Citations ────────────────────────────────────────────────

func (m *MemoryStore) SaveCitationsBatch(_ context.Context, citations []models.Citation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range citations {
		m.citations[c.MessageID] = append(m.citations[c.MessageID], c)
	}
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListCitationsByMessage(_ context.Context, messageID string) ([]models.Citation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.Citation(nil), m.citations[messageID]...), nil
}

func (m *MemoryStore) DeleteCitationsByMessage(_ context.Context, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.citations, messageID)
	m.requestSave()
	return nil
}

// ── Usage ────────────────────────────────────────────────────

func usageKey(tenantID, modelCode, day string) string { return tenantID + ":" + modelCode + ":" + day }

func (m *MemoryStore) SaveUsage(_ context.Context, u *models.UsageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := usageKey(u.TenantID, u.ModelCode, u.Day)
	if existing, ok := m.usage[key]; ok {
		existing.TokensIn += u.TokensIn
		existing.TokensOut += u.TokensOut
		existing.CostUSD += u.CostUSD
		existing.RequestCount += u.RequestCount
		existing.UpdatedAt = time.Now().UTC()
	} else {
		cp := *u
		cp.UpdatedAt = time.Now().UTC()
		m.usage[key] = &cp
	}
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetUsage(_ context.Context, tenantID, modelCode, day string) (*models.UsageRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.usage[usageKey(tenantID, modelCode, day)]
	if !ok {
		return nil, &ErrNotFound{Entity: "usage", Key: day}
	}
	cp := *u
	return &cp, nil
}

// ── Tools ────────────────────────────────────────────────────

func toolKey(tenantID, code string) string { return tenantID + ":" + code }

func (m *MemoryStore) UpsertTool(_ context.Context, t *models.Tool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.tools[toolKey(t.TenantID, t.Code)] = &cp
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetTool(_ context.Context, tenantID, code string) (*models.Tool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tools[toolKey(tenantID, code)]
	if !ok {
		return nil, &ErrNotFound{Entity: "tool", Key: code}
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) ListTools(_ context.Context, tenantID string) ([]models.Tool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Tool
	for _, t := range m.tools {
		if t.TenantID == tenantID {
			out = append(out, *t)
		}
	}
	return out, nil
}

// ── Tool grants ──────────────────────────────────────────────

// UpsertToolGrant authorizes a tenant to call a tool and sets its quota.
// Called by operator tooling when wiring a tenant to a tool, never by the
// request path itself.
func (m *MemoryStore) UpsertToolGrant(_ context.Context, g *models.ToolGrant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *g
	m.toolGrants[toolKey(g.TenantID, g.ToolCode)] = &cp
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetToolGrant(_ context.Context, tenantID, toolCode string) (*models.ToolGrant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.toolGrants[toolKey(tenantID, toolCode)]
	if !ok {
		return nil, &ErrNotFound{Entity: "tool_grant", Key: toolCode}
	}
	cp := *g
	return &cp, nil
}

// IncrementToolQuota performs the increment-then-check atomically under the
// store's mutex, then hands back a copy for the caller to check against
// QuotaLimit; DecrementToolQuota rolls it back on execution failure.
func (m *MemoryStore) IncrementToolQuota(_ context.Context, tenantID, toolCode string, delta int64) (*models.ToolGrant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.toolGrants[toolKey(tenantID, toolCode)]
	if !ok {
		return nil, &ErrNotFound{Entity: "tool_grant", Key: toolCode}
	}
	g.QuotaUsed += delta
	m.requestSave()
	cp := *g
	return &cp, nil
}

func (m *MemoryStore) DecrementToolQuota(_ context.Context, tenantID, toolCode string, delta int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.toolGrants[toolKey(tenantID, toolCode)]
	if !ok {
		return &ErrNotFound{Entity: "tool_grant", Key: toolCode}
	}
	g.QuotaUsed -= delta
	if g.QuotaUsed < 0 {
		g.QuotaUsed = 0
	}
	m.requestSave()
	return nil
}

// ── Tool call logs ───────────────────────────────────────────

func (m *MemoryStore) SaveToolCallLog(_ context.Context, l *models.ToolCallLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.toolCallLogs = append(m.toolCallLogs, *l)
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListToolCallLogs(_ context.Context, tenantID, toolCode string, f ListFilter) ([]models.ToolCallLog, error) {
	f = f.Normalized()
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.ToolCallLog
	for _, l := range m.toolCallLogs {
		if l.TenantID == tenantID && (toolCode == "" || l.ToolCode == toolCode) {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return paginate(out, f), nil
}

func (m *MemoryStore) CountToolCallsSince(_ context.Context, tenantID, toolCode string, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, l := range m.toolCallLogs {
		if l.TenantID == tenantID && l.ToolCode == toolCode && l.CreatedAt.After(since) {
			count++
		}
	}
	return count, nil
}

// ── Ingestion jobs ───────────────────────────────────────────

func (m *MemoryStore) CreateIngestionJob(_ context.Context, j *models.IngestionJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *j
	m.ingestionJobs[j.ID] = &cp
	m.requestSave()
	return nil
}

func (m *MemoryStore) UpdateIngestionJob(_ context.Context, j *models.IngestionJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.ingestionJobs[j.ID]; !ok {
		return &ErrNotFound{Entity: "ingestion_job", Key: j.ID}
	}
	cp := *j
	cp.UpdatedAt = time.Now().UTC()
	m.ingestionJobs[j.ID] = &cp
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetIngestionJob(_ context.Context, id string) (*models.IngestionJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.ingestionJobs[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "ingestion_job", Key: id}
	}
	cp := *j
	return &cp, nil
}

func (m *MemoryStore) ListPendingIngestionJobs(_ context.Context) ([]models.IngestionJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.IngestionJob
	for _, j := range m.ingestionJobs {
		if j.Status == models.IngestionPending {
			out = append(out, *j)
		}
	}
	return out, nil
}

// ── Model providers ──────────────────────────────────────────

func (m *MemoryStore) UpsertProvider(_ context.Context, p *models.ModelProvider) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.providers[strings.ToLower(p.Name)] = &cp
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetProvider(_ context.Context, name string) (*models.ModelProvider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.providers[strings.ToLower(name)]
	if !ok {
		return nil, &ErrNotFound{Entity: "provider", Key: name}
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) ListProviders(_ context.Context) ([]models.ModelProvider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.ModelProvider, 0, len(m.providers))
	for _, p := range m.providers {
		out = append(out, *p)
	}
	return out, nil
}

// ── Flow snapshots ───────────────────────────────────────────

func (m *MemoryStore) CreateFlowSnapshot(_ context.Context, s *models.FlowSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.flowSnapshots[toolKey(s.TenantID, s.ID)] = &cp
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetFlowSnapshot(_ context.Context, tenantID, id string) (*models.FlowSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.flowSnapshots[toolKey(tenantID, id)]
	if !ok {
		return nil, &ErrNotFound{Entity: "flow_snapshot", Key: id}
	}
	cp := *s
	return &cp, nil
}
