package store_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/convoyhq/convoy-engine/internal/store"
	"github.com/convoyhq/convoy-engine/pkg/models"
)

// newTestStore creates a fresh in-memory store for tests with no persistence
// leaking between runs.
func newTestStore(t *testing.T) store.Store {
	t.Helper()
	dir := t.TempDir()
	os.Setenv("CONVOY_DATA_DIR", dir)
	defer os.Unsetenv("CONVOY_DATA_DIR")
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })
	return s
}

// ─── Document CRUD ──────────────────────────────────────────

func TestCreateAndGetDocument(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	doc := &models.Document{
		ID:            "doc-1",
		TenantID:      "tenant-a",
		Title:         "Onboarding guide",
		SourceType:    "upload",
		MimeType:      "text/plain",
		ParsingStatus: models.ParsingSuccess,
	}
	if err := s.CreateDocument(ctx, doc); err != nil {
		t.Fatalf("CreateDocument() error = %v", err)
	}

	got, err := s.GetDocument(ctx, "tenant-a", "doc-1")
	if err != nil {
		t.Fatalf("GetDocument() error = %v", err)
	}
	if got.Title != "Onboarding guide" {
		t.Errorf("GetDocument().Title = %q, want %q", got.Title, "Onboarding guide")
	}
}

func TestListDocuments_ScopedByTenant(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"d1", "d2", "d3"} {
		if err := s.CreateDocument(ctx, &models.Document{ID: id, TenantID: "tenant-a", Title: id}); err != nil {
			t.Fatalf("CreateDocument(%s) error = %v", id, err)
		}
	}
	if err := s.CreateDocument(ctx, &models.Document{ID: "other", TenantID: "tenant-b", Title: "other"}); err != nil {
		t.Fatalf("CreateDocument(other) error = %v", err)
	}

	docs, err := s.ListDocuments(ctx, "tenant-a", store.ListFilter{})
	if err != nil {
		t.Fatalf("ListDocuments() error = %v", err)
	}
	if len(docs) != 3 {
		t.Errorf("ListDocuments() returned %d documents, want 3", len(docs))
	}
}

func TestSoftDeleteDocument(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateDocument(ctx, &models.Document{ID: "del", TenantID: "tenant-a", Title: "to delete"}); err != nil {
		t.Fatalf("CreateDocument() error = %v", err)
	}
	if err := s.SoftDeleteDocument(ctx, "tenant-a", "del"); err != nil {
		t.Fatalf("SoftDeleteDocument() error = %v", err)
	}

	docs, err := s.ListDocuments(ctx, "tenant-a", store.ListFilter{})
	if err != nil {
		t.Fatalf("ListDocuments() error = %v", err)
	}
	for _, d := range docs {
		if d.ID == "del" {
			t.Error("ListDocuments() should not include a soft-deleted document")
		}
	}
}

// ─── Thread CRUD ────────────────────────────────────────────

func TestCreateAndGetThread(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	th := &models.Thread{ID: "thread-1", TenantID: "tenant-a", UserID: "user-1", Title: "support chat"}
	if err := s.CreateThread(ctx, th); err != nil {
		t.Fatalf("CreateThread() error = %v", err)
	}

	got, err := s.GetThread(ctx, "tenant-a", "thread-1")
	if err != nil {
		t.Fatalf("GetThread() error = %v", err)
	}
	if got.UserID != "user-1" {
		t.Errorf("GetThread().UserID = %q, want %q", got.UserID, "user-1")
	}
	if !got.IsLive() {
		t.Error("newly created thread should be live")
	}
}

func TestSoftDeleteThread(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateThread(ctx, &models.Thread{ID: "thread-2", TenantID: "tenant-a"}); err != nil {
		t.Fatalf("CreateThread() error = %v", err)
	}
	if err := s.SoftDeleteThread(ctx, "tenant-a", "thread-2"); err != nil {
		t.Fatalf("SoftDeleteThread() error = %v", err)
	}

	got, err := s.GetThread(ctx, "tenant-a", "thread-2")
	if err != nil {
		t.Fatalf("GetThread() after soft-delete error = %v", err)
	}
	if got.IsLive() {
		t.Error("soft-deleted thread should not report IsLive()")
	}
}

// ─── Messages ───────────────────────────────────────────────

func TestListRecentMessagesByThread_ReturnsTail(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		msg := &models.Message{
			ID:       "m" + string(rune('0'+i)),
			ThreadID: "thread-1",
			TenantID: "tenant-a",
			Role:     models.RoleUser,
			Content:  "message",
		}
		if err := s.SaveMessage(ctx, msg); err != nil {
			t.Fatalf("SaveMessage(%d): %v", i, err)
		}
	}

	recent, err := s.ListRecentMessagesByThread(ctx, "thread-1", 2)
	if err != nil {
		t.Fatalf("ListRecentMessagesByThread() error = %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("len(recent) = %d, want 2", len(recent))
	}
	if recent[0].ID != "m3" || recent[1].ID != "m4" {
		t.Errorf("recent = [%s, %s], want [m3, m4] (oldest-first tail)", recent[0].ID, recent[1].ID)
	}
}

func TestListRecentMessagesByThread_FewerThanN(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveMessage(ctx, &models.Message{ID: "m0", ThreadID: "thread-1", TenantID: "tenant-a", Role: models.RoleUser, Content: "hi"}); err != nil {
		t.Fatalf("SaveMessage: %v", err)
	}

	recent, err := s.ListRecentMessagesByThread(ctx, "thread-1", 20)
	if err != nil {
		t.Fatalf("ListRecentMessagesByThread() error = %v", err)
	}
	if len(recent) != 1 {
		t.Errorf("len(recent) = %d, want 1", len(recent))
	}
}

func TestCountUserMessagesSince_ScopedByUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveMessage(ctx, &models.Message{ID: "m0", ThreadID: "thread-1", TenantID: "tenant-a", UserID: "user-1", Role: models.RoleUser, Content: "hi", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("SaveMessage: %v", err)
	}
	if err := s.SaveMessage(ctx, &models.Message{ID: "m1", ThreadID: "thread-1", TenantID: "tenant-a", UserID: "user-2", Role: models.RoleUser, Content: "hi", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("SaveMessage: %v", err)
	}

	count, err := s.CountUserMessagesSince(ctx, "tenant-a", "user-1", time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("CountUserMessagesSince() error = %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1 (scoped to user-1 only)", count)
	}
}

// ─── Tool + grant ───────────────────────────────────────────

func TestToolCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tool := &models.Tool{Code: "calculator", TenantID: "tenant-a", Endpoint: "http://localhost:9000", Transport: "http", Enabled: true}
	if err := s.UpsertTool(ctx, tool); err != nil {
		t.Fatalf("UpsertTool() error = %v", err)
	}

	tools, err := s.ListTools(ctx, "tenant-a")
	if err != nil {
		t.Fatalf("ListTools() error = %v", err)
	}
	if len(tools) != 1 {
		t.Errorf("ListTools() returned %d, want 1", len(tools))
	}

	got, err := s.GetTool(ctx, "tenant-a", "calculator")
	if err != nil {
		t.Fatalf("GetTool() error = %v", err)
	}
	if got.Endpoint != "http://localhost:9000" {
		t.Errorf("GetTool().Endpoint = %q, want %q", got.Endpoint, "http://localhost:9000")
	}
}

func TestToolQuota_IncrementAndDecrement(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertToolGrant(ctx, &models.ToolGrant{TenantID: "tenant-a", ToolCode: "calculator", QuotaLimit: 100, Enabled: true}); err != nil {
		t.Fatalf("UpsertToolGrant() error = %v", err)
	}

	grant, err := s.IncrementToolQuota(ctx, "tenant-a", "calculator", 1)
	if err != nil {
		t.Fatalf("IncrementToolQuota() error = %v", err)
	}
	if grant.QuotaUsed != 1 {
		t.Errorf("QuotaUsed after first increment = %d, want 1", grant.QuotaUsed)
	}

	if err := s.DecrementToolQuota(ctx, "tenant-a", "calculator", 1); err != nil {
		t.Fatalf("DecrementToolQuota() error = %v", err)
	}

	got, err := s.GetToolGrant(ctx, "tenant-a", "calculator")
	if err != nil {
		t.Fatalf("GetToolGrant() error = %v", err)
	}
	if got.QuotaUsed != 0 {
		t.Errorf("QuotaUsed after decrement = %d, want 0", got.QuotaUsed)
	}
}

// ─── Provider CRUD ──────────────────────────────────────────

func TestProviderUpsertAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := &models.ModelProvider{ID: "p1", Name: "openai-1", Kind: "openai", Models: []string{"gpt-4o"}}
	if err := s.UpsertProvider(ctx, p); err != nil {
		t.Fatalf("UpsertProvider() error = %v", err)
	}

	providers, err := s.ListProviders(ctx)
	if err != nil {
		t.Fatalf("ListProviders() error = %v", err)
	}
	if len(providers) != 1 {
		t.Errorf("ListProviders() returned %d, want 1", len(providers))
	}

	got, err := s.GetProvider(ctx, "openai-1")
	if err != nil {
		t.Fatalf("GetProvider() error = %v", err)
	}
	if got.Kind != "openai" {
		t.Errorf("GetProvider().Kind = %q, want %q", got.Kind, "openai")
	}
}

// ─── Flow snapshot ──────────────────────────────────────────

func TestFlowSnapshot_CreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	snap := &models.FlowSnapshot{
		ID:       "flow-1",
		TenantID: "tenant-a",
		Name:     "greet",
		Steps:    []models.FlowStep{{Name: "step1", Kind: models.FlowStepPrompt, Template: "hi"}},
	}
	if err := s.CreateFlowSnapshot(ctx, snap); err != nil {
		t.Fatalf("CreateFlowSnapshot() error = %v", err)
	}

	got, err := s.GetFlowSnapshot(ctx, "tenant-a", "flow-1")
	if err != nil {
		t.Fatalf("GetFlowSnapshot() error = %v", err)
	}
	if len(got.Steps) != 1 || got.Steps[0].Name != "step1" {
		t.Errorf("GetFlowSnapshot() steps = %+v, want one step named step1", got.Steps)
	}
}

func TestFlowSnapshot_NotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.GetFlowSnapshot(ctx, "tenant-a", "missing"); err == nil {
		t.Error("GetFlowSnapshot() for missing id should return an error")
	}
}

// ─── Close / persistence ────────────────────────────────────

func TestCloseFlush_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	os.Setenv("CONVOY_DATA_DIR", dir)
	s := store.NewMemoryStore()
	os.Unsetenv("CONVOY_DATA_DIR")

	ctx := context.Background()
	if err := s.CreateDocument(ctx, &models.Document{ID: "persist-me", TenantID: "tenant-a", Title: "durable"}); err != nil {
		t.Fatalf("CreateDocument() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	os.Setenv("CONVOY_DATA_DIR", dir)
	s2 := store.NewMemoryStore()
	os.Unsetenv("CONVOY_DATA_DIR")
	defer s2.Close()

	got, err := s2.GetDocument(ctx, "tenant-a", "persist-me")
	if err != nil {
		t.Fatalf("after reopen, GetDocument() error = %v", err)
	}
	if got.Title != "durable" {
		t.Errorf("after reopen, Title = %q, want %q", got.Title, "durable")
	}
}
