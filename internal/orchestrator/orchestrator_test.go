package orchestrator_test

import (
	"context"
	"os"
	"testing"

	"github.com/convoyhq/convoy-engine/internal/admission"
	"github.com/convoyhq/convoy-engine/internal/apperrors"
	"github.com/convoyhq/convoy-engine/internal/config"
	"github.com/convoyhq/convoy-engine/internal/orchestrator"
	"github.com/convoyhq/convoy-engine/internal/rag"
	"github.com/convoyhq/convoy-engine/internal/router"
	"github.com/convoyhq/convoy-engine/internal/store"
	"github.com/convoyhq/convoy-engine/internal/toolexec"
	"github.com/convoyhq/convoy-engine/pkg/models"
)

func newTestStore(t *testing.T) *store.MemoryStore {
	t.Helper()
	dir := t.TempDir()
	os.Setenv("CONVOY_DATA_DIR", dir)
	s := store.NewMemoryStore()
	os.Unsetenv("CONVOY_DATA_DIR")
	t.Cleanup(func() { s.Close() })
	return s
}

type mockDriver struct{}

func (d *mockDriver) Kind() string { return "mock" }
func (d *mockDriver) Call(ctx context.Context, provider *models.ModelProvider, req *router.CompletionRequest) (*router.CompletionResponse, error) {
	return &router.CompletionResponse{Provider: provider.Name, Model: req.Model, Content: "mock reply"}, nil
}
func (d *mockDriver) HealthCheck(ctx context.Context, provider *models.ModelProvider) error { return nil }

// nilFlowRunner satisfies orchestrator.FlowRunner but is never exercised in
// these tests since no thread carries a FlowSnapshotID.
type nilFlowRunner struct{}

func (nilFlowRunner) RunFlow(ctx context.Context, tenantID, flowSnapshotID string, vars map[string]string) (string, error) {
	return "", nil
}

func newOrchestrator(t *testing.T, s *store.MemoryStore, cfg config.ChatConfig) *orchestrator.Orchestrator {
	t.Helper()
	ctx := context.Background()
	if err := s.UpsertProvider(ctx, &models.ModelProvider{ID: "p1", Name: "mock", Kind: "mock", IsDefault: true, Models: []string{"mock-model"}}); err != nil {
		t.Fatalf("UpsertProvider: %v", err)
	}
	comp := router.NewCompletionRouter(s, config.LLMConfig{})
	comp.RegisterDriver(&mockDriver{})

	adm := admission.NewController(s, cfg, 0)
	ret := rag.NewRetriever(s, nil, nil, config.KnowledgeConfig{})
	tex := toolexec.NewExecutor(s, config.MCPConfig{})

	return orchestrator.New(s, adm, ret, tex, comp, nilFlowRunner{}, cfg)
}

func testChatConfig() config.ChatConfig {
	return config.ChatConfig{MaxMessageLength: 1000, RateLimitWindowSec: 0, RateLimitMax: 0}
}

func TestSendMessage_PersistsTurn(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	o := newOrchestrator(t, s, testChatConfig())

	thread := &models.Thread{TenantID: "tenant-a", UserID: "user-1", DefaultModel: "mock-model"}
	if err := o.CreateThread(ctx, thread); err != nil {
		t.Fatalf("CreateThread: %v", err)
	}

	forceFalse := false
	resp, err := o.SendMessage(ctx, orchestrator.SendCommand{
		ThreadID:      thread.ID,
		TenantID:      "tenant-a",
		UserID:        "user-1",
		Content:       "hello there",
		ForceRetrieve: &forceFalse,
		ForceTools:    &forceFalse,
	})
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if resp.Message.Content != "mock reply" {
		t.Errorf("Message.Content = %q, want %q", resp.Message.Content, "mock reply")
	}
	if resp.Message.Role != models.RoleAssistant {
		t.Errorf("Message.Role = %q, want ASSISTANT", resp.Message.Role)
	}

	history, err := s.ListMessagesByThread(ctx, thread.ID, store.ListFilter{Size: 10})
	if err != nil {
		t.Fatalf("ListMessagesByThread: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("len(history) = %d, want 2 (user + assistant)", len(history))
	}
}

func TestSendMessage_UnknownThread(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	o := newOrchestrator(t, s, testChatConfig())

	_, err := o.SendMessage(ctx, orchestrator.SendCommand{ThreadID: "missing", TenantID: "tenant-a", UserID: "user-1", Content: "hi"})
	if err == nil {
		t.Fatal("expected error for unknown thread")
	}
	if apperrors.As(err).Kind != apperrors.KindNotFound {
		t.Errorf("Kind = %v, want NotFound", apperrors.As(err).Kind)
	}
}

func TestSendMessage_RejectedByAdmission(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	cfg := config.ChatConfig{MaxMessageLength: 5, RateLimitWindowSec: 0, RateLimitMax: 0}
	o := newOrchestrator(t, s, cfg)

	thread := &models.Thread{TenantID: "tenant-a", UserID: "user-1", DefaultModel: "mock-model"}
	if err := o.CreateThread(ctx, thread); err != nil {
		t.Fatalf("CreateThread: %v", err)
	}

	_, err := o.SendMessage(ctx, orchestrator.SendCommand{
		ThreadID: thread.ID, TenantID: "tenant-a", UserID: "user-1", Content: "this message is far too long",
	})
	if err == nil {
		t.Fatal("expected admission rejection for over-length message")
	}

	history, err := s.ListMessagesByThread(ctx, thread.ID, store.ListFilter{Size: 10})
	if err != nil {
		t.Fatalf("ListMessagesByThread: %v", err)
	}
	if len(history) != 0 {
		t.Errorf("expected no message persisted when admission rejects, got %d", len(history))
	}
}

func TestRegenerate_DropsLaterAssistantMessageAndReruns(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	o := newOrchestrator(t, s, testChatConfig())

	thread := &models.Thread{TenantID: "tenant-a", UserID: "user-1", DefaultModel: "mock-model"}
	if err := o.CreateThread(ctx, thread); err != nil {
		t.Fatalf("CreateThread: %v", err)
	}

	forceFalse := false
	if _, err := o.SendMessage(ctx, orchestrator.SendCommand{
		ThreadID: thread.ID, TenantID: "tenant-a", UserID: "user-1", Content: "hello there",
		ForceRetrieve: &forceFalse, ForceTools: &forceFalse,
	}); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	before, err := s.ListRecentMessagesByThread(ctx, thread.ID, 10)
	if err != nil {
		t.Fatalf("ListRecentMessagesByThread: %v", err)
	}
	if len(before) != 2 {
		t.Fatalf("len(before) = %d, want 2", len(before))
	}
	userMsg := before[0]

	resp, err := o.Regenerate(ctx, thread.ID, "tenant-a", &userMsg, orchestrator.SendCommand{
		ForceRetrieve: &forceFalse, ForceTools: &forceFalse,
	})
	if err != nil {
		t.Fatalf("Regenerate: %v", err)
	}
	if resp.Message.Role != models.RoleAssistant {
		t.Errorf("Message.Role = %q, want ASSISTANT", resp.Message.Role)
	}

	after, err := s.ListRecentMessagesByThread(ctx, thread.ID, 10)
	if err != nil {
		t.Fatalf("ListRecentMessagesByThread: %v", err)
	}
	if len(after) != 2 {
		t.Fatalf("len(after) = %d, want 2 (original user message + new assistant reply)", len(after))
	}
	if after[1].ID == before[1].ID {
		t.Error("expected the old assistant message to be replaced by a new one")
	}
}

func TestCreateThread_RejectsInvalidTemperature(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	o := newOrchestrator(t, s, testChatConfig())

	thread := &models.Thread{TenantID: "tenant-a", UserID: "user-1", DefaultModel: "mock-model", Temperature: 3}
	if err := o.CreateThread(ctx, thread); err == nil {
		t.Fatal("expected validation error for out-of-range temperature")
	}
}
