// Package models defines the persistent entities of the conversation
// platform: knowledge documents and their chunks/embeddings, chat threads
// and messages, citations, usage accounting, and the tool catalog.
package models

import "time"

// ── Document ─────────────────────────────────────────────────

type ParsingStatus string

const (
	ParsingPending ParsingStatus = "PENDING"
	ParsingSuccess ParsingStatus = "SUCCESS"
	ParsingFailed  ParsingStatus = "FAILED"
)

// Document is one uploaded source text belonging to a tenant.
type Document struct {
	ID            string        `json:"id" db:"id"`
	TenantID      string        `json:"tenant_id" db:"tenant_id"`
	Title         string        `json:"title" db:"title"`
	SourceType    string        `json:"source_type" db:"source_type"`
	MimeType      string        `json:"mime_type" db:"mime_type"`
	Language      string        `json:"language" db:"language"`
	ContentHash   string        `json:"content_hash" db:"content_hash"`
	ParsingStatus ParsingStatus `json:"parsing_status" db:"parsing_status"`
	ParsingError  string        `json:"parsing_error,omitempty" db:"parsing_error"`
	ChunkCount    int           `json:"chunk_count" db:"chunk_count"`
	OperatorID    string        `json:"operator_id,omitempty" db:"operator_id"`
	CreatedAt     time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at" db:"updated_at"`
	DeletedAt     *time.Time    `json:"deleted_at,omitempty" db:"deleted_at"`
}

func (d *Document) IsLive() bool { return d.DeletedAt == nil }

// ── Chunk ────────────────────────────────────────────────────

// Chunk is an ordered text fragment of a Document.
type Chunk struct {
	ID             string    `json:"id" db:"id"`
	DocumentID     string    `json:"document_id" db:"document_id"`
	TenantID       string    `json:"tenant_id" db:"tenant_id"`
	ChunkNumber    int       `json:"chunk_number" db:"chunk_number"`
	Text           string    `json:"text" db:"text"`
	Language       string    `json:"language" db:"language"`
	TokenSize      int       `json:"token_size" db:"token_size"`
	VectorVersion  int       `json:"vector_version" db:"vector_version"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// ── Embedding ────────────────────────────────────────────────

// Embedding is a vector bound to a specific chunk x model x version.
type Embedding struct {
	ChunkID       string    `json:"chunk_id" db:"chunk_id"`
	ModelCode     string    `json:"model_code" db:"model_code"`
	VectorVersion int       `json:"vector_version" db:"vector_version"`
	Vector        []float32 `json:"vector" db:"vector"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

// ── Tag / ChunkTag ───────────────────────────────────────────

type Tag struct {
	ID       string `json:"id" db:"id"`
	TenantID string `json:"tenant_id" db:"tenant_id"`
	Name     string `json:"name" db:"name"`
}

type ChunkTag struct {
	ChunkID string `json:"chunk_id" db:"chunk_id"`
	TagID   string `json:"tag_id" db:"tag_id"`
}

// ── Thread ───────────────────────────────────────────────────

type Thread struct {
	ID             string     `json:"id" db:"id"`
	TenantID       string     `json:"tenant_id" db:"tenant_id"`
	UserID         string     `json:"user_id" db:"user_id"`
	Title          string     `json:"title" db:"title"`
	DefaultModel   string     `json:"default_model" db:"default_model"`
	Temperature    float64    `json:"temperature" db:"temperature"`
	SystemPrompt   string     `json:"system_prompt,omitempty" db:"system_prompt"`
	FlowSnapshotID string     `json:"flow_snapshot_id,omitempty" db:"flow_snapshot_id"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at" db:"updated_at"`
	DeletedAt      *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
}

func (t *Thread) IsLive() bool { return t.DeletedAt == nil }

// ── Message ──────────────────────────────────────────────────

type MessageRole string

const (
	RoleUser      MessageRole = "USER"
	RoleAssistant MessageRole = "ASSISTANT"
	RoleSystem    MessageRole = "SYSTEM"
	RoleTool      MessageRole = "TOOL"
)

type ToolCallPayload struct {
	ToolCode string                 `json:"tool_code"`
	Params   map[string]interface{} `json:"params"`
	Result   string                 `json:"result,omitempty"`
	IsError  bool                   `json:"is_error,omitempty"`
}

type Message struct {
	ID         string            `json:"id" db:"id"`
	ThreadID   string            `json:"thread_id" db:"thread_id"`
	TenantID   string            `json:"tenant_id" db:"tenant_id"`
	UserID     string            `json:"user_id,omitempty" db:"user_id"`
	Role       MessageRole       `json:"role" db:"role"`
	Content    string            `json:"content" db:"content"`
	ToolCall   *ToolCallPayload  `json:"tool_call,omitempty" db:"tool_call"`
	TokenIn    int               `json:"token_in" db:"token_in"`
	TokenOut   int               `json:"token_out" db:"token_out"`
	LatencyMs  int64             `json:"latency_ms" db:"latency_ms"`
	Warnings   []string          `json:"warnings,omitempty" db:"warnings"`
	CreatedAt  time.Time         `json:"created_at" db:"created_at"`
}

// ── Citation ─────────────────────────────────────────────────

type Citation struct {
	MessageID       string  `json:"message_id" db:"message_id"`
	ChunkID         string  `json:"chunk_id" db:"chunk_id"`
	SimilarityScore float64 `json:"similarity_score" db:"similarity_score"`
	ModelCode       string  `json:"model_code" db:"model_code"`
}

// ── UsageRecord ──────────────────────────────────────────────

// UsageRecord is a per-tenant, per-model token/cost aggregate bucketed by day.
type UsageRecord struct {
	TenantID    string    `json:"tenant_id" db:"tenant_id"`
	ModelCode   string    `json:"model_code" db:"model_code"`
	Day         string    `json:"day" db:"day"` // YYYY-MM-DD
	TokensIn    int64     `json:"tokens_in" db:"tokens_in"`
	TokensOut   int64     `json:"tokens_out" db:"tokens_out"`
	CostUSD     float64   `json:"cost_usd" db:"cost_usd"`
	RequestCount int64    `json:"request_count" db:"request_count"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// ── Tool / ToolGrant / ToolCallLog ───────────────────────────

type ToolTransport string

const (
	TransportHTTP ToolTransport = "http"
	TransportSSE  ToolTransport = "sse"
)

type Tool struct {
	ID          string                 `json:"id" db:"id"`
	TenantID    string                 `json:"tenant_id" db:"tenant_id"`
	Code        string                 `json:"code" db:"code"`
	Description string                 `json:"description" db:"description"`
	Endpoint    string                 `json:"endpoint" db:"endpoint"`
	Transport   ToolTransport          `json:"transport" db:"transport"`
	Schema      map[string]interface{} `json:"schema,omitempty" db:"schema"`
	AuthConfig  map[string]interface{} `json:"auth_config,omitempty" db:"auth_config"`
	Enabled     bool                   `json:"enabled" db:"enabled"`
	SandboxEnabled bool                `json:"sandbox_enabled" db:"sandbox_enabled"`
	CreatedAt   time.Time              `json:"created_at" db:"created_at"`
}

type ToolGrant struct {
	TenantID   string `json:"tenant_id" db:"tenant_id"`
	ToolCode   string `json:"tool_code" db:"tool_code"`
	QuotaLimit int64  `json:"quota_limit" db:"quota_limit"`
	QuotaUsed  int64  `json:"quota_used" db:"quota_used"`
	Enabled    bool   `json:"enabled" db:"enabled"`
}

type ToolCallStatus string

const (
	ToolCallOK      ToolCallStatus = "OK"
	ToolCallError   ToolCallStatus = "ERROR"
	ToolCallTimeout ToolCallStatus = "TIMEOUT"
)

type ToolCallLog struct {
	ID         string         `json:"id" db:"id"`
	TenantID   string         `json:"tenant_id" db:"tenant_id"`
	ToolCode   string         `json:"tool_code" db:"tool_code"`
	ParamsHash string         `json:"params_hash" db:"params_hash"`
	Status     ToolCallStatus `json:"status" db:"status"`
	LatencyMs  int64          `json:"latency_ms" db:"latency_ms"`
	Error      string         `json:"error,omitempty" db:"error"`
	CreatedAt  time.Time      `json:"created_at" db:"created_at"`
}

// ── IngestionJob ─────────────────────────────────────────────

type IngestionStatus string

const (
	IngestionPending IngestionStatus = "PENDING"
	IngestionRunning IngestionStatus = "RUNNING"
	IngestionDone    IngestionStatus = "DONE"
	IngestionFailed  IngestionStatus = "FAILED"
)

type IngestionJob struct {
	ID            string          `json:"id" db:"id"`
	DocumentID    string          `json:"document_id" db:"document_id"`
	TenantID      string          `json:"tenant_id" db:"tenant_id"`
	Status        IngestionStatus `json:"status" db:"status"`
	BatchesTotal  int             `json:"batches_total" db:"batches_total"`
	BatchesDone   int             `json:"batches_done" db:"batches_done"`
	LastError     string          `json:"last_error,omitempty" db:"last_error"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

// ── Model Provider ───────────────────────────────────────────

// ModelProvider is a configured upstream completion/embedding backend.
type ModelProvider struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Kind      string   `json:"kind"` // openai, azure-openai, anthropic, ollama, qwen
	Endpoint  string   `json:"endpoint,omitempty"`
	APIKey    string   `json:"api_key,omitempty"`
	Models    []string `json:"models"`
	IsDefault bool     `json:"is_default"`
}

// TokenUsage tracks token and cost accounting for a single call or turn.
type TokenUsage struct {
	TokensIn  int     `json:"tokens_in"`
	TokensOut int     `json:"tokens_out"`
	CostUSD   float64 `json:"cost_usd"`
}

// Confidence is the coarse bucket the Vector Index attaches to a hit.
type Confidence string

const (
	ConfidenceHigh   Confidence = "HIGH"
	ConfidenceMedium Confidence = "MEDIUM"
	ConfidenceLow    Confidence = "LOW"
)

func BucketConfidence(score float64) Confidence {
	switch {
	case score >= 0.85:
		return ConfidenceHigh
	case score >= 0.70:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

// ── Flow ─────────────────────────────────────────────────────

// FlowSnapshot is an immutable captured version of a flow definition,
// referenced by a thread's flow-snapshot-id. Once created it never
// changes — a thread keeps producing the same flow behavior even if a
// newer snapshot is later published under the same flow name.
type FlowSnapshot struct {
	ID        string     `json:"id" db:"id"`
	TenantID  string     `json:"tenant_id" db:"tenant_id"`
	Name      string     `json:"name" db:"name"`
	Steps     []FlowStep `json:"steps" db:"steps"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
}

// FlowStepKind selects what a step does when it runs.
type FlowStepKind string

const (
	FlowStepPrompt FlowStepKind = "PROMPT" // render Template and call the completion router
	FlowStepTool   FlowStepKind = "TOOL"   // invoke ToolCode via the Tool Executor
	FlowStepGate   FlowStepKind = "GATE"   // evaluate Condition against accumulated vars; skip dependents on false
)

// FlowStep is one node of a flow snapshot's DAG. DependsOn names sibling
// steps (by Name) that must complete before this one is eligible to run;
// steps whose dependencies are all satisfied run concurrently.
type FlowStep struct {
	Name      string       `json:"name" db:"name"`
	Kind      FlowStepKind `json:"kind" db:"kind"`
	DependsOn []string     `json:"depends_on,omitempty" db:"depends_on"`
	Template  string       `json:"template,omitempty" db:"template"`   // PROMPT steps: {{variable}} placeholders
	ToolCode  string       `json:"tool_code,omitempty" db:"tool_code"` // TOOL steps
	Model     string       `json:"model,omitempty" db:"model"`         // PROMPT steps: overrides the flow-run default
	Condition string       `json:"condition,omitempty" db:"condition"` // GATE steps: boolean expression over vars
}
