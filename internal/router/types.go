// Package router implements the Completion Client (C2) and Provider
// Router (C7): a driver registry fronting chat-completion providers, a
// prefix-based model-to-provider map, and the fallback/cost-optimized/
// latency-optimized/round-robin selection strategies.
package router

import (
	"context"

	"github.com/convoyhq/convoy-engine/pkg/models"
)

// RoutingStrategy selects how CompletionRouter.Complete orders candidate
// providers before trying them in sequence.
type RoutingStrategy string

const (
	RoutingFallback         RoutingStrategy = "fallback"
	RoutingCostOptimized    RoutingStrategy = "cost-optimized"
	RoutingLatencyOptimized RoutingStrategy = "latency-optimized"
	RoutingRoundRobin       RoutingStrategy = "round-robin"
)

// ChatMessage is one turn handed to a completion provider.
type ChatMessage struct {
	Role    models.MessageRole `json:"role"`
	Content string             `json:"content"`
}

// ToolSpec describes a tool the model may call, passed through to providers
// that support function calling.
type ToolSpec struct {
	Code        string                 `json:"code"`
	Description string                 `json:"description"`
	Schema      map[string]interface{} `json:"schema"`
}

// ToolCallRequest is a model-issued request to invoke a tool.
type ToolCallRequest struct {
	ToolCode string                 `json:"tool_code"`
	Params   map[string]interface{} `json:"params"`
}

// CompletionRequest is the provider-agnostic request shape.
type CompletionRequest struct {
	TenantID    string
	Model       string
	Messages    []ChatMessage
	Tools       []ToolSpec
	Temperature float64
	MaxTokens   int
	Strategy    RoutingStrategy
}

// CompletionResponse is the provider-agnostic response shape. Substituted
// is true when no configured provider advertises the requested model and
// the call went to a provider of the same family instead; the requested
// model name is sent to that provider unchanged.
type CompletionResponse struct {
	Provider    string
	Model       string
	Content     string
	ToolCalls   []ToolCallRequest
	Usage       models.TokenUsage
	LatencyMs   int64
	Substituted bool
}

// StreamChunk is one increment of a streamed completion.
type StreamChunk struct {
	Content  string
	ToolCall *ToolCallRequest
	Done     bool
	Usage    *models.TokenUsage
}

// ProviderDriver is the interface for chat-completion provider integrations.
type ProviderDriver interface {
	Kind() string
	Call(ctx context.Context, provider *models.ModelProvider, req *CompletionRequest) (*CompletionResponse, error)
	HealthCheck(ctx context.Context, provider *models.ModelProvider) error
}

// StreamingProviderDriver is an OPTIONAL capability checked at runtime via
// type assertion; drivers without it fall back to a buffered single chunk.
type StreamingProviderDriver interface {
	ProviderDriver
	StreamCall(ctx context.Context, provider *models.ModelProvider, req *CompletionRequest, callback func(chunk *StreamChunk) error) error
}

// EmbeddingModelInfo describes an embedding model available from a provider kind.
type EmbeddingModelInfo struct {
	Model      string
	Dimensions int
	MaxBatch   int
}

// EmbeddingCapableDriver is an OPTIONAL capability a ProviderDriver can
// implement so the Embedding Client registry can auto-discover models from
// an already-configured completion provider, instead of requiring a
// separate embedding-only configuration surface.
type EmbeddingCapableDriver interface {
	ProviderDriver
	EmbeddingModels() []EmbeddingModelInfo
	Embed(ctx context.Context, provider *models.ModelProvider, model string, texts []string) ([][]float32, error)
}
