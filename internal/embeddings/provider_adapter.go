// ProviderEmbeddingAdapter bridges a router.EmbeddingCapableDriver with the
// embeddings.Driver interface, so registering a completion provider (e.g.
// Ollama with an API key) makes its embedding models available through the
// same registry without separate embedding-only configuration.
package embeddings

import (
	"context"
	"fmt"

	"github.com/convoyhq/convoy-engine/internal/router"
	"github.com/convoyhq/convoy-engine/pkg/models"
)

type ProviderEmbeddingAdapter struct {
	driver   router.EmbeddingCapableDriver
	provider *models.ModelProvider
	model    router.EmbeddingModelInfo
}

func NewProviderEmbeddingAdapter(driver router.EmbeddingCapableDriver, provider *models.ModelProvider, model router.EmbeddingModelInfo) *ProviderEmbeddingAdapter {
	return &ProviderEmbeddingAdapter{driver: driver, provider: provider, model: model}
}

func (a *ProviderEmbeddingAdapter) Kind() string       { return fmt.Sprintf("%s/%s", a.provider.Kind, a.model.Model) }
func (a *ProviderEmbeddingAdapter) Dimensions() int    { return a.model.Dimensions }
func (a *ProviderEmbeddingAdapter) MaxBatchSize() int  { return a.model.MaxBatch }

func (a *ProviderEmbeddingAdapter) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if len(texts) > a.model.MaxBatch {
		return nil, fmt.Errorf("batch size %d exceeds max %d for %s", len(texts), a.model.MaxBatch, a.model.Model)
	}
	return a.driver.Embed(ctx, a.provider, a.model.Model, texts)
}

func (a *ProviderEmbeddingAdapter) HealthCheck(ctx context.Context) error {
	_, err := a.driver.Embed(ctx, a.provider, a.model.Model, []string{"health check"})
	return err
}

func (a *ProviderEmbeddingAdapter) ProviderName() string { return a.provider.Name }
func (a *ProviderEmbeddingAdapter) ModelName() string    { return a.model.Model }
