// Package vectorindex implements the Vector Index (C4): a driver registry
// fronting nearest-neighbor search over chunk embeddings, with an
// in-memory brute-force driver for development and a pgvector-backed
// driver for production. Both drivers serve only the latest vector
// version per chunk and resolve concurrent upserts with a version guard.
package vectorindex

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/convoyhq/convoy-engine/pkg/models"
	"github.com/rs/zerolog/log"
)

// Item is one chunk's embedding, scoped to a tenant and optional namespace.
type Item struct {
	ChunkID       string
	TenantID      string
	Namespace     string
	Vector        []float32
	VectorVersion int
	Metadata      map[string]string
	CreatedAt     time.Time
}

// Hit is a scored search result. Confidence is derived from Score via
// models.BucketConfidence so callers never recompute the thresholds.
type Hit struct {
	ChunkID    string
	Score      float64
	Confidence models.Confidence
}

// SearchParams narrows a Search call. Threshold drops any hit scoring
// below it; zero means no threshold. Metadata values must match exactly.
type SearchParams struct {
	Vector     []float32
	TopK       int
	Threshold  float64
	Namespace  string
	Metadata   map[string]string
	ExcludeIDs map[string]bool
}

// Index is a vector search backend.
type Index interface {
	Kind() string
	Upsert(ctx context.Context, items []Item) error
	Search(ctx context.Context, tenantID string, params SearchParams) ([]Hit, error)
	Delete(ctx context.Context, tenantID string, chunkIDs []string) error
	Count(ctx context.Context, tenantID string) (int, error)
	HealthCheck(ctx context.Context) error
}

// Registry holds named vector index drivers. Thread-safe.
type Registry struct {
	mu      sync.RWMutex
	drivers map[string]Index
}

func NewRegistry() *Registry {
	return &Registry{drivers: make(map[string]Index)}
}

func (r *Registry) Register(name string, driver Index) {
	r.mu.Lock()
	r.drivers[name] = driver
	r.mu.Unlock()
	log.Info().Str("name", name).Str("kind", driver.Kind()).Msg("vector index driver registered")
}

func (r *Registry) Get(name string) (Index, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drivers[name]
	if !ok {
		return nil, fmt.Errorf("vector index driver not found: %s", name)
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
