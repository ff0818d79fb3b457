package toolexec_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/convoyhq/convoy-engine/internal/apperrors"
	"github.com/convoyhq/convoy-engine/internal/config"
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

func testConfig() config.MCPConfig {
	return config.MCPConfig{DefaultTimeout: 5 * time.Second, MaxTimeout: 5 * time.Second}
}

func TestExecute_NotFound(t *testing.T) {
	s := newTestStore(t)
	ex := toolexec.NewExecutor(s, testConfig())

	_, err := ex.Execute(context.Background(), toolexec.ExecuteRequest{TenantID: "tenant-a", ToolCode: "missing"})
	if err == nil {
		t.Fatal("expected error for unregistered tool")
	}
	if apperrors.As(err).Kind != apperrors.KindNotFound {
		t.Errorf("Kind = %v, want NotFound", apperrors.As(err).Kind)
	}
}

func TestExecute_NoGrant(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	if err := s.UpsertTool(ctx, &models.Tool{Code: "calc", TenantID: "tenant-a", Endpoint: "http://example.invalid", Transport: models.TransportHTTP, Enabled: true}); err != nil {
		t.Fatalf("UpsertTool: %v", err)
	}
	ex := toolexec.NewExecutor(s, testConfig())

	_, err := ex.Execute(ctx, toolexec.ExecuteRequest{TenantID: "tenant-a", ToolCode: "calc"})
	if err == nil {
		t.Fatal("expected error when no tool grant exists")
	}
	if apperrors.As(err).Kind != apperrors.KindForbidden {
		t.Errorf("Kind = %v, want Forbidden", apperrors.As(err).Kind)
	}
}

func TestExecute_Success(t *testing.T) {
	ctx := context.Background()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"jsonrpc": "2.0",
			"result":  "42",
			"id":      "1",
		})
	}))
	defer srv.Close()

	s := newTestStore(t)
	if err := s.UpsertTool(ctx, &models.Tool{Code: "calc", TenantID: "tenant-a", Endpoint: srv.URL, Transport: models.TransportHTTP, Enabled: true}); err != nil {
		t.Fatalf("UpsertTool: %v", err)
	}
	if err := s.UpsertToolGrant(ctx, &models.ToolGrant{TenantID: "tenant-a", ToolCode: "calc", QuotaLimit: 10, Enabled: true}); err != nil {
		t.Fatalf("UpsertToolGrant: %v", err)
	}
	ex := toolexec.NewExecutor(s, testConfig())

	res, err := ex.Execute(ctx, toolexec.ExecuteRequest{TenantID: "tenant-a", ToolCode: "calc", Params: map[string]interface{}{"a": float64(1), "b": float64(2)}})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.IsError {
		t.Errorf("expected successful result, got IsError=true content=%q", res.Content)
	}

	grant, err := s.GetToolGrant(ctx, "tenant-a", "calc")
	if err != nil {
		t.Fatalf("GetToolGrant: %v", err)
	}
	if grant.QuotaUsed != 1 {
		t.Errorf("QuotaUsed after one call = %d, want 1", grant.QuotaUsed)
	}
}

func TestExecute_QuotaExhausted(t *testing.T) {
	ctx := context.Background()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"jsonrpc": "2.0", "result": "ok", "id": "1"})
	}))
	defer srv.Close()

	s := newTestStore(t)
	if err := s.UpsertTool(ctx, &models.Tool{Code: "calc", TenantID: "tenant-a", Endpoint: srv.URL, Transport: models.TransportHTTP, Enabled: true}); err != nil {
		t.Fatalf("UpsertTool: %v", err)
	}
	if err := s.UpsertToolGrant(ctx, &models.ToolGrant{TenantID: "tenant-a", ToolCode: "calc", QuotaLimit: 1, Enabled: true}); err != nil {
		t.Fatalf("UpsertToolGrant: %v", err)
	}
	ex := toolexec.NewExecutor(s, testConfig())

	if _, err := ex.Execute(ctx, toolexec.ExecuteRequest{TenantID: "tenant-a", ToolCode: "calc"}); err != nil {
		t.Fatalf("first Execute() error = %v", err)
	}
	_, err := ex.Execute(ctx, toolexec.ExecuteRequest{TenantID: "tenant-a", ToolCode: "calc"})
	if err == nil {
		t.Fatal("expected quota-exceeded error on second call")
	}
	if apperrors.As(err).Kind != apperrors.KindQuotaExceeded {
		t.Errorf("Kind = %v, want QuotaExceeded", apperrors.As(err).Kind)
	}
}

func TestExecute_PoolCapsGlobalConcurrency(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	var active int32
	var maxActive int32
	release := make(chan struct{})
	entered := make(chan struct{}, 32)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&active, 1)
		for {
			old := atomic.LoadInt32(&maxActive)
			if n <= old || atomic.CompareAndSwapInt32(&maxActive, old, n) {
				break
			}
		}
		entered <- struct{}{}
		<-release
		atomic.AddInt32(&active, -1)
		json.NewEncoder(w).Encode(map[string]interface{}{"jsonrpc": "2.0", "result": "ok", "id": "1"})
	}))
	defer srv.Close()

	if err := s.UpsertTool(ctx, &models.Tool{Code: "slow", TenantID: "tenant-a", Endpoint: srv.URL, Transport: models.TransportHTTP, Enabled: true}); err != nil {
		t.Fatalf("UpsertTool: %v", err)
	}
	if err := s.UpsertToolGrant(ctx, &models.ToolGrant{TenantID: "tenant-a", ToolCode: "slow", QuotaLimit: 100, Enabled: true}); err != nil {
		t.Fatalf("UpsertToolGrant: %v", err)
	}

	ex := toolexec.NewExecutor(s, testConfig())

	const calls = 20
	var wg sync.WaitGroup
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := ex.Execute(ctx, toolexec.ExecuteRequest{TenantID: "tenant-a", ToolCode: "slow"}); err != nil {
				t.Errorf("Execute() error = %v", err)
			}
		}()
	}

	// the pool holds exactly 10 slots, so 10 of the 20 calls reach the
	// handler while the rest queue behind acquireSlot.
	for i := 0; i < 10; i++ {
		<-entered
	}
	if got := atomic.LoadInt32(&active); got != 10 {
		t.Errorf("active in-flight = %d, want 10 saturating the shared pool", got)
	}

	close(release)
	wg.Wait()

	if got := atomic.LoadInt32(&maxActive); got > 10 {
		t.Errorf("peak concurrent tool calls = %d, want <= 10", got)
	}
}

func TestExecute_DangerousParamsRejected(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	if err := s.UpsertTool(ctx, &models.Tool{Code: "calc", TenantID: "tenant-a", Endpoint: "http://example.invalid", Transport: models.TransportHTTP, Enabled: true}); err != nil {
		t.Fatalf("UpsertTool: %v", err)
	}
	if err := s.UpsertToolGrant(ctx, &models.ToolGrant{TenantID: "tenant-a", ToolCode: "calc", QuotaLimit: 10, Enabled: true}); err != nil {
		t.Fatalf("UpsertToolGrant: %v", err)
	}
	ex := toolexec.NewExecutor(s, testConfig())

	_, err := ex.Execute(ctx, toolexec.ExecuteRequest{
		TenantID: "tenant-a", ToolCode: "calc",
		Params: map[string]interface{}{"cmd": "; rm -rf /tmp"},
	})
	if err == nil {
		t.Fatal("expected rejection for dangerous parameter content")
	}
	if apperrors.As(err).Kind != apperrors.KindForbidden {
		t.Errorf("Kind = %v, want Forbidden", apperrors.As(err).Kind)
	}
}
