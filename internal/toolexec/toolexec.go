// Package toolexec implements the Tool Executor (C3): it authorizes a
// tenant against a registered tool, enforces quota and rate limits, screens
// parameters for unsafe content, and invokes the tool over JSON-RPC 2.0,
// logging every attempt regardless of outcome.
package toolexec

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"sync"
	"time"

	"github.com/convoyhq/convoy-engine/internal/apperrors"
	"github.com/convoyhq/convoy-engine/internal/config"
	"github.com/convoyhq/convoy-engine/internal/store"
	"github.com/convoyhq/convoy-engine/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// dangerousParamPatterns catches parameter values that look like an attempt
// to smuggle credentials or shell metacharacters through a tool call.
var dangerousParamPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)-----BEGIN [A-Z ]*PRIVATE KEY-----`),
	regexp.MustCompile(`(?i)\bsk-[a-zA-Z0-9]{16,}\b`),
	regexp.MustCompile(`(?i)\b(aws_secret_access_key|authorization|api_key)\s*[:=]`),
	regexp.MustCompile("[;&|`$]\\s*(rm|curl|wget|nc)\\s"),
}

// ExecuteRequest is one tool invocation attempt.
type ExecuteRequest struct {
	TenantID string
	ToolCode string
	Params   map[string]interface{}
}

// ExecuteResult is what the caller gets back, mirroring MCP's tool-result
// shape (content blocks, an error flag) without depending on an MCP model.
type ExecuteResult struct {
	Content   string
	IsError   bool
	LatencyMs int64
}

// jsonrpcRequest/jsonrpcResponse are the wire shapes used to call the tool's
// endpoint; they are local to this package, not shared with any transport
// the tool consumer uses to reach this service.
type jsonrpcRequest struct {
	Jsonrpc string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      string      `json:"id"`
}

type jsonrpcResponse struct {
	Jsonrpc string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *jsonrpcError   `json:"error"`
	ID      string          `json:"id"`
}

type jsonrpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data"`
}

// toolExecutorPoolSize is the total number of tool calls this executor runs
// concurrently, shared across every tenant. toolExecutorTenantCap is the
// most slots a single tenant may hold while another tenant is waiting for
// one, so one bursty tenant can't starve the rest of the queue.
const (
	toolExecutorPoolSize  = 10
	toolExecutorTenantCap = toolExecutorPoolSize / 4
)

// Executor is the C3 Tool Executor.
type Executor struct {
	store  store.Store
	cfg    config.MCPConfig
	client *http.Client

	poolMu        sync.Mutex
	poolCond      *sync.Cond
	activeSlots   int
	tenantActive  map[string]int
	tenantWaiting map[string]int
}

func NewExecutor(s store.Store, cfg config.MCPConfig) *Executor {
	e := &Executor{
		store:         s,
		cfg:           cfg,
		client:        &http.Client{Timeout: cfg.MaxTimeout},
		tenantActive:  make(map[string]int),
		tenantWaiting: make(map[string]int),
	}
	e.poolCond = sync.NewCond(&e.poolMu)
	return e
}

// acquireSlot blocks until a tool-execution slot opens up for tenantID, or
// ctx is canceled first. A tenant only hits toolExecutorTenantCap once some
// other tenant is also waiting; otherwise it may use the whole pool.
func (e *Executor) acquireSlot(ctx context.Context, tenantID string) (func(), error) {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			e.poolMu.Lock()
			e.poolCond.Broadcast()
			e.poolMu.Unlock()
		case <-stop:
		}
	}()

	e.poolMu.Lock()
	e.tenantWaiting[tenantID]++
	for {
		if err := ctx.Err(); err != nil {
			e.tenantWaiting[tenantID]--
			if e.tenantWaiting[tenantID] == 0 {
				delete(e.tenantWaiting, tenantID)
			}
			e.poolMu.Unlock()
			return nil, err
		}

		tenantCap := toolExecutorPoolSize
		for t, n := range e.tenantWaiting {
			if t != tenantID && n > 0 {
				tenantCap = toolExecutorTenantCap
				break
			}
		}

		if e.activeSlots < toolExecutorPoolSize && e.tenantActive[tenantID] < tenantCap {
			e.tenantWaiting[tenantID]--
			if e.tenantWaiting[tenantID] == 0 {
				delete(e.tenantWaiting, tenantID)
			}
			e.activeSlots++
			e.tenantActive[tenantID]++
			e.poolMu.Unlock()
			return func() {
				e.poolMu.Lock()
				e.activeSlots--
				e.tenantActive[tenantID]--
				if e.tenantActive[tenantID] == 0 {
					delete(e.tenantActive, tenantID)
				}
				e.poolMu.Unlock()
				e.poolCond.Broadcast()
			}, nil
		}

		e.poolCond.Wait()
	}
}

// Execute authorizes, quota-checks, rate-limits, screens, invokes and logs
// one tool call. A call log is written for every attempt, including ones
// rejected before the tool was ever reached.
func (e *Executor) Execute(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error) {
	release, err := e.acquireSlot(ctx, req.TenantID)
	if err != nil {
		e.logCall(ctx, req, hashParams(req.Params), models.ToolCallError, 0, "canceled while waiting for a tool execution slot")
		return nil, apperrors.Wrap(err, "TOOL_POOL_CANCELED", "canceled while waiting for a tool execution slot")
	}
	defer release()

	start := time.Now()
	paramsHash := hashParams(req.Params)

	tool, err := e.store.GetTool(ctx, req.TenantID, req.ToolCode)
	if err != nil {
		e.logCall(ctx, req, paramsHash, models.ToolCallError, 0, "tool not found")
		return nil, apperrors.NewNotFound("tool", req.ToolCode)
	}
	if !tool.Enabled {
		e.logCall(ctx, req, paramsHash, models.ToolCallError, 0, "tool disabled")
		return nil, apperrors.NewForbidden(fmt.Sprintf("tool '%s' is disabled", req.ToolCode))
	}

	grant, err := e.store.GetToolGrant(ctx, req.TenantID, req.ToolCode)
	if err != nil || !grant.Enabled {
		e.logCall(ctx, req, paramsHash, models.ToolCallError, 0, "tenant not authorized for tool")
		return nil, apperrors.NewForbidden(fmt.Sprintf("tenant is not authorized to call '%s'", req.ToolCode))
	}

	if err := e.checkRateLimit(ctx, req); err != nil {
		e.logCall(ctx, req, paramsHash, models.ToolCallError, 0, err.Error())
		return nil, err
	}

	if err := validateParams(req.Params, tool.Schema); err != nil {
		e.logCall(ctx, req, paramsHash, models.ToolCallError, 0, err.Error())
		return nil, apperrors.NewValidation("INVALID_TOOL_PARAMS", err.Error())
	}

	if err := screenParams(req.Params); err != nil {
		e.logCall(ctx, req, paramsHash, models.ToolCallError, 0, err.Error())
		return nil, apperrors.NewForbidden(err.Error())
	}

	updatedGrant, err := e.store.IncrementToolQuota(ctx, req.TenantID, req.ToolCode, 1)
	if err != nil {
		e.logCall(ctx, req, paramsHash, models.ToolCallError, 0, "quota check failed")
		return nil, apperrors.Wrap(err, "QUOTA_CHECK_FAILED", "failed to check tool quota")
	}
	if updatedGrant.QuotaLimit > 0 && updatedGrant.QuotaUsed > updatedGrant.QuotaLimit {
		_ = e.store.DecrementToolQuota(ctx, req.TenantID, req.ToolCode, 1)
		e.logCall(ctx, req, paramsHash, models.ToolCallError, 0, "quota exceeded")
		return nil, apperrors.NewQuotaExceeded(fmt.Sprintf("tool '%s' quota exhausted for this tenant", req.ToolCode))
	}

	timeout := e.cfg.DefaultTimeout
	if timeout <= 0 || timeout > e.cfg.MaxTimeout {
		timeout = e.cfg.MaxTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, callErr := e.invoke(callCtx, tool, req.Params)
	latency := time.Since(start)

	if callErr != nil {
		_ = e.store.DecrementToolQuota(ctx, req.TenantID, req.ToolCode, 1)
		status := models.ToolCallError
		if callCtx.Err() == context.DeadlineExceeded {
			status = models.ToolCallTimeout
		}
		e.logCall(ctx, req, paramsHash, status, latency.Milliseconds(), callErr.Error())
		return nil, apperrors.Wrap(callErr, "TOOL_CALL_FAILED", fmt.Sprintf("tool '%s' call failed", req.ToolCode))
	}

	e.logCall(ctx, req, paramsHash, models.ToolCallOK, latency.Milliseconds(), "")
	result.LatencyMs = latency.Milliseconds()
	return result, nil
}

// checkRateLimit enforces a sliding window over the store's own call-log
// history rather than an in-process counter, so the limit holds across
// process restarts and multiple instances of this service.
func (e *Executor) checkRateLimit(ctx context.Context, req ExecuteRequest) error {
	if e.cfg.RateLimitMax <= 0 {
		return nil
	}
	since := time.Now().Add(-e.cfg.RateLimitWindow)
	count, err := e.store.CountToolCallsSince(ctx, req.TenantID, req.ToolCode, since)
	if err != nil {
		return apperrors.Wrap(err, "RATE_LIMIT_CHECK_FAILED", "failed to check tool call rate")
	}
	if count >= e.cfg.RateLimitMax {
		return apperrors.NewRateLimited(fmt.Sprintf("tool '%s' call rate exceeded for this tenant", req.ToolCode))
	}
	return nil
}

func (e *Executor) invoke(ctx context.Context, tool *models.Tool, params map[string]interface{}) (*ExecuteResult, error) {
	rpcReq := jsonrpcRequest{
		Jsonrpc: "2.0",
		Method:  "tools/call",
		Params: map[string]interface{}{
			"name":      tool.Code,
			"arguments": params,
		},
		ID: uuid.NewString(),
	}
	body, err := json.Marshal(rpcReq)
	if err != nil {
		return nil, fmt.Errorf("marshal tool request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, tool.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build tool request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	applyAuth(httpReq, tool)

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("tool request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read tool response: %w", err)
	}

	var rpcResp jsonrpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err == nil && (rpcResp.Result != nil || rpcResp.Error != nil) {
		if rpcResp.Error != nil {
			return &ExecuteResult{Content: rpcResp.Error.Message, IsError: true}, nil
		}
		return &ExecuteResult{Content: string(rpcResp.Result)}, nil
	}

	// Not a JSON-RPC envelope; treat the raw body as the result text.
	return &ExecuteResult{Content: string(respBody)}, nil
}

func applyAuth(req *http.Request, tool *models.Tool) {
	if tool.AuthConfig == nil {
		return
	}
	authType, _ := tool.AuthConfig["type"].(string)
	switch authType {
	case "bearer":
		if token, ok := tool.AuthConfig["token"].(string); ok {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	case "api-key":
		header, _ := tool.AuthConfig["header"].(string)
		key, _ := tool.AuthConfig["key"].(string)
		if header != "" && key != "" {
			req.Header.Set(header, key)
		}
	}
}

// validateParams does a shallow check against the tool's JSON Schema:
// required fields present, declared types match. It deliberately doesn't
// implement the full JSON Schema spec (no $ref, no combinators) since
// registered tools describe flat parameter objects in practice.
func validateParams(params map[string]interface{}, schema map[string]interface{}) error {
	if schema == nil {
		return nil
	}
	properties, _ := schema["properties"].(map[string]interface{})
	required, _ := schema["required"].([]interface{})

	for _, r := range required {
		name, ok := r.(string)
		if !ok {
			continue
		}
		if _, present := params[name]; !present {
			return fmt.Errorf("missing required parameter %q", name)
		}
	}

	for name, value := range params {
		propSchema, ok := properties[name].(map[string]interface{})
		if !ok {
			continue
		}
		wantType, _ := propSchema["type"].(string)
		if wantType == "" {
			continue
		}
		if !matchesJSONType(value, wantType) {
			return fmt.Errorf("parameter %q: expected type %s", name, wantType)
		}
	}
	return nil
}

func matchesJSONType(v interface{}, jsonType string) bool {
	switch jsonType {
	case "string":
		_, ok := v.(string)
		return ok
	case "number":
		switch v.(type) {
		case float64, float32, int, int64:
			return true
		}
		return false
	case "integer":
		switch n := v.(type) {
		case float64:
			return n == float64(int64(n))
		case int, int64:
			return true
		}
		return false
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "object":
		_, ok := v.(map[string]interface{})
		return ok
	case "array":
		_, ok := v.([]interface{})
		return ok
	default:
		return true
	}
}

func screenParams(params map[string]interface{}) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("serialize params for screening: %w", err)
	}
	text := string(raw)
	for _, pattern := range dangerousParamPatterns {
		if pattern.MatchString(text) {
			return fmt.Errorf("parameters contain disallowed content")
		}
	}
	return nil
}

func hashParams(params map[string]interface{}) string {
	raw, err := json.Marshal(params)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

func (e *Executor) logCall(ctx context.Context, req ExecuteRequest, paramsHash string, status models.ToolCallStatus, latencyMs int64, errMsg string) {
	entry := &models.ToolCallLog{
		ID:         uuid.NewString(),
		TenantID:   req.TenantID,
		ToolCode:   req.ToolCode,
		ParamsHash: paramsHash,
		Status:     status,
		LatencyMs:  latencyMs,
		Error:      errMsg,
		CreatedAt:  time.Now().UTC(),
	}
	if err := e.store.SaveToolCallLog(ctx, entry); err != nil {
		log.Warn().Err(err).Str("tenant", req.TenantID).Str("tool", req.ToolCode).Msg("failed to save tool call log")
	}
}
