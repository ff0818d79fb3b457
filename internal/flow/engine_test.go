package flow_test

import (
	"context"
	"os"
	"testing"

	"github.com/convoyhq/convoy-engine/internal/config"
	"github.com/convoyhq/convoy-engine/internal/flow"
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

func TestEngine_RunFlow_SingleStepChain(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	provider := &models.ModelProvider{ID: "p1", Name: "mock", Kind: "mock", IsDefault: true, Models: []string{"mock-model"}}
	if err := s.UpsertProvider(ctx, provider); err != nil {
		t.Fatalf("UpsertProvider: %v", err)
	}

	snap := &models.FlowSnapshot{
		ID:       "flow-1",
		TenantID: "tenant-a",
		Name:     "greet",
		Steps: []models.FlowStep{
			{Name: "step1", Kind: models.FlowStepPrompt, Template: "hello {{message}}", Model: "mock-model"},
		},
	}
	if err := s.CreateFlowSnapshot(ctx, snap); err != nil {
		t.Fatalf("CreateFlowSnapshot: %v", err)
	}

	comp := router.NewCompletionRouter(s, config.LLMConfig{})
	comp.RegisterDriver(&mockDriver{})

	eng := flow.NewEngine(s, toolexec.NewExecutor(s, config.MCPConfig{}), comp)

	out, err := eng.RunFlow(ctx, "tenant-a", "flow-1", map[string]string{"message": "world"})
	if err != nil {
		t.Fatalf("RunFlow: %v", err)
	}
	if out == "" {
		t.Error("expected non-empty flow output")
	}
}

func TestEngine_RunFlow_GateSkipsDependents(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	provider := &models.ModelProvider{ID: "p1", Name: "mock", Kind: "mock", IsDefault: true, Models: []string{"mock-model"}}
	if err := s.UpsertProvider(ctx, provider); err != nil {
		t.Fatalf("UpsertProvider: %v", err)
	}

	snap := &models.FlowSnapshot{
		ID:       "flow-gate",
		TenantID: "tenant-a",
		Name:     "gated",
		Steps: []models.FlowStep{
			{Name: "check", Kind: models.FlowStepGate, Condition: "tier == \"pro\""},
			{Name: "upsell", Kind: models.FlowStepPrompt, Template: "upgrade now", Model: "mock-model", DependsOn: []string{"check"}},
		},
	}
	if err := s.CreateFlowSnapshot(ctx, snap); err != nil {
		t.Fatalf("CreateFlowSnapshot: %v", err)
	}

	comp := router.NewCompletionRouter(s, config.LLMConfig{})
	comp.RegisterDriver(&mockDriver{})
	eng := flow.NewEngine(s, toolexec.NewExecutor(s, config.MCPConfig{}), comp)

	out, err := eng.RunFlow(ctx, "tenant-a", "flow-gate", map[string]string{"tier": "free"})
	if err != nil {
		t.Fatalf("RunFlow: %v", err)
	}
	if out != "" {
		t.Errorf("expected no output when gate condition is false, got %q", out)
	}
}

func TestEngine_RunFlow_UnknownSnapshot(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	comp := router.NewCompletionRouter(s, config.LLMConfig{})
	eng := flow.NewEngine(s, toolexec.NewExecutor(s, config.MCPConfig{}), comp)

	if _, err := eng.RunFlow(ctx, "tenant-a", "does-not-exist", nil); err == nil {
		t.Error("expected error for missing flow snapshot")
	}
}

type mockDriver struct{}

func (d *mockDriver) Kind() string { return "mock" }
func (d *mockDriver) Call(ctx context.Context, provider *models.ModelProvider, req *router.CompletionRequest) (*router.CompletionResponse, error) {
	return &router.CompletionResponse{Provider: provider.Name, Model: req.Model, Content: "mock reply"}, nil
}
func (d *mockDriver) HealthCheck(ctx context.Context, provider *models.ModelProvider) error { return nil }
