// Package embeddings implements the Embedding Client (C1): a driver
// registry fronting text-to-vector providers, plus the OSS drivers
// themselves (OpenAI, Ollama). A provider is wired in by registering a
// Driver under a name; retrieval and ingestion never branch on provider
// kind directly.
package embeddings

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// Driver embeds texts into fixed-dimension vectors for one model.
type Driver interface {
	Kind() string
	Dimensions() int
	MaxBatchSize() int
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	HealthCheck(ctx context.Context) error
}

// Registry holds named embedding drivers. Thread-safe.
type Registry struct {
	mu      sync.RWMutex
	drivers map[string]Driver
}

// NewRegistry creates an empty embedding registry.
func NewRegistry() *Registry {
	return &Registry{drivers: make(map[string]Driver)}
}

// Register adds a driver under the given name, overwriting any existing one.
func (r *Registry) Register(name string, driver Driver) {
	r.mu.Lock()
	r.drivers[name] = driver
	r.mu.Unlock()
	log.Info().Str("name", name).Str("kind", driver.Kind()).Int("dims", driver.Dimensions()).Msg("embedding driver registered")
}

func (r *Registry) Get(name string) (Driver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drivers[name]
	if !ok {
		return nil, fmt.Errorf("embedding driver not found: %s", name)
	}
	return d, nil
}

func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.drivers))
	for name := range r.drivers {
		names = append(names, name)
	}
	return names
}

// HealthCheckAll pings every registered driver and returns errors keyed by name.
func (r *Registry) HealthCheckAll(ctx context.Context) map[string]error {
	r.mu.RLock()
	snapshot := make(map[string]Driver, len(r.drivers))
	for k, v := range r.drivers {
		snapshot[k] = v
	}
	r.mu.RUnlock()

	results := make(map[string]error, len(snapshot))
	for name, driver := range snapshot {
		results[name] = driver.HealthCheck(ctx)
	}
	return results
}
