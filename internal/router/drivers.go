package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/convoyhq/convoy-engine/pkg/models"
)

// ── OpenAI ───────────────────────────────────────────────────

type OpenAIProviderDriver struct {
	client *http.Client
}

func NewOpenAIProviderDriver() *OpenAIProviderDriver {
	return &OpenAIProviderDriver{client: &http.Client{Timeout: 120 * time.Second}}
}

func (d *OpenAIProviderDriver) Kind() string { return "openai" }

type openAIChatRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
}

type openAIChatResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (d *OpenAIProviderDriver) Call(ctx context.Context, provider *models.ModelProvider, req *CompletionRequest) (*CompletionResponse, error) {
	endpoint := provider.Endpoint
	if endpoint == "" {
		endpoint = "https://api.openai.com/v1"
	}
	if provider.APIKey == "" {
		return nil, fmt.Errorf("openai: api_key not configured for provider %s", provider.Name)
	}

	body, _ := json.Marshal(openAIChatRequest{Model: req.Model, Messages: req.Messages})
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+provider.APIKey)

	httpResp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai: request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(httpResp.Body)
		return nil, fmt.Errorf("openai: status %d: %s", httpResp.StatusCode, string(respBody))
	}

	var oaiResp openAIChatResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&oaiResp); err != nil {
		return nil, fmt.Errorf("openai: decode response: %w", err)
	}

	content := ""
	if len(oaiResp.Choices) > 0 {
		content = oaiResp.Choices[0].Message.Content
	}

	return &CompletionResponse{
		Provider: provider.Name,
		Model:    req.Model,
		Content:  content,
		Usage: models.TokenUsage{
			TokensIn:  oaiResp.Usage.PromptTokens,
			TokensOut: oaiResp.Usage.CompletionTokens,
		},
	}, nil
}

func (d *OpenAIProviderDriver) HealthCheck(ctx context.Context, provider *models.ModelProvider) error {
	model := "gpt-4o-mini"
	if len(provider.Models) > 0 {
		model = provider.Models[0]
	}
	_, err := d.Call(ctx, provider, &CompletionRequest{Model: model, Messages: []ChatMessage{{Role: models.RoleUser, Content: "ping"}}})
	return err
}

// ── Anthropic ────────────────────────────────────────────────

type AnthropicProviderDriver struct {
	client *http.Client
}

func NewAnthropicProviderDriver() *AnthropicProviderDriver {
	return &AnthropicProviderDriver{client: &http.Client{Timeout: 120 * time.Second}}
}

func (d *AnthropicProviderDriver) Kind() string { return "anthropic" }

type anthropicChatRequest struct {
	Model     string        `json:"model"`
	Messages  []ChatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens"`
}

type anthropicChatResponse struct {
	ID      string `json:"id"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (d *AnthropicProviderDriver) Call(ctx context.Context, provider *models.ModelProvider, req *CompletionRequest) (*CompletionResponse, error) {
	endpoint := provider.Endpoint
	if endpoint == "" {
		endpoint = "https://api.anthropic.com"
	}
	if provider.APIKey == "" {
		return nil, fmt.Errorf("anthropic: api_key not configured for provider %s", provider.Name)
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	body, _ := json.Marshal(anthropicChatRequest{Model: req.Model, Messages: req.Messages, MaxTokens: maxTokens})
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("anthropic: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", provider.APIKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	httpResp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(httpResp.Body)
		return nil, fmt.Errorf("anthropic: status %d: %s", httpResp.StatusCode, string(respBody))
	}

	var anthResp anthropicChatResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&anthResp); err != nil {
		return nil, fmt.Errorf("anthropic: decode response: %w", err)
	}

	content := ""
	for _, c := range anthResp.Content {
		if c.Type == "text" {
			content += c.Text
		}
	}

	return &CompletionResponse{
		Provider: provider.Name,
		Model:    req.Model,
		Content:  content,
		Usage: models.TokenUsage{
			TokensIn:  anthResp.Usage.InputTokens,
			TokensOut: anthResp.Usage.OutputTokens,
		},
	}, nil
}

func (d *AnthropicProviderDriver) HealthCheck(ctx context.Context, provider *models.ModelProvider) error {
	model := "claude-3-5-haiku-20241022"
	if len(provider.Models) > 0 {
		model = provider.Models[0]
	}
	_, err := d.Call(ctx, provider, &CompletionRequest{Model: model, MaxTokens: 8, Messages: []ChatMessage{{Role: models.RoleUser, Content: "ping"}}})
	return err
}

// ── Ollama ───────────────────────────────────────────────────
//
// Ollama speaks the OpenAI chat-completions wire format on its local
// /v1/chat/completions endpoint, and additionally implements
// EmbeddingCapableDriver so the Embedding Client can auto-discover local
// models without a separate embedding-only configuration.

type OllamaProviderDriver struct {
	client *http.Client
}

func NewOllamaProviderDriver() *OllamaProviderDriver {
	return &OllamaProviderDriver{client: &http.Client{Timeout: 180 * time.Second}}
}

func (d *OllamaProviderDriver) Kind() string { return "ollama" }

func (d *OllamaProviderDriver) Call(ctx context.Context, provider *models.ModelProvider, req *CompletionRequest) (*CompletionResponse, error) {
	endpoint := provider.Endpoint
	if endpoint == "" {
		endpoint = "http://localhost:11434"
	}

	body, _ := json.Marshal(openAIChatRequest{Model: req.Model, Messages: req.Messages})
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ollama: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ollama: request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(httpResp.Body)
		return nil, fmt.Errorf("ollama: status %d: %s", httpResp.StatusCode, string(respBody))
	}

	var oaiResp openAIChatResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&oaiResp); err != nil {
		return nil, fmt.Errorf("ollama: decode response: %w", err)
	}

	content := ""
	if len(oaiResp.Choices) > 0 {
		content = oaiResp.Choices[0].Message.Content
	}

	return &CompletionResponse{
		Provider: provider.Name,
		Model:    req.Model,
		Content:  content,
		Usage: models.TokenUsage{
			TokensIn:  oaiResp.Usage.PromptTokens,
			TokensOut: oaiResp.Usage.CompletionTokens,
		},
	}, nil
}

func (d *OllamaProviderDriver) HealthCheck(ctx context.Context, provider *models.ModelProvider) error {
	model := "llama3.2"
	if len(provider.Models) > 0 {
		model = provider.Models[0]
	}
	_, err := d.Call(ctx, provider, &CompletionRequest{Model: model, Messages: []ChatMessage{{Role: models.RoleUser, Content: "ping"}}})
	return err
}

func (d *OllamaProviderDriver) EmbeddingModels() []EmbeddingModelInfo {
	return []EmbeddingModelInfo{
		{Model: "nomic-embed-text", Dimensions: 768, MaxBatch: 512},
		{Model: "mxbai-embed-large", Dimensions: 1024, MaxBatch: 512},
	}
}

type ollamaEmbedRequest struct {
	Model string `json:"model"`
	Input any    `json:"input"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

func (d *OllamaProviderDriver) Embed(ctx context.Context, provider *models.ModelProvider, model string, texts []string) ([][]float32, error) {
	endpoint := provider.Endpoint
	if endpoint == "" {
		endpoint = "http://localhost:11434"
	}

	body, _ := json.Marshal(ollamaEmbedRequest{Model: model, Input: texts})
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ollama: create embed request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ollama: embed request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(httpResp.Body)
		return nil, fmt.Errorf("ollama: embed status %d: %s", httpResp.StatusCode, string(respBody))
	}

	var result ollamaEmbedResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("ollama: decode embed response: %w", err)
	}
	return result.Embeddings, nil
}
