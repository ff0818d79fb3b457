package vectorindex

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/convoyhq/convoy-engine/pkg/models"
	"github.com/rs/zerolog/log"
)

// DefaultMaxVectors caps the embedded index at 50K entries; exceeding it
// nudges the operator toward pgvector rather than failing silently.
const DefaultMaxVectors = 50_000

// EmbeddedIndex is an in-memory brute-force cosine-similarity index,
// suitable for development and small tenants. Concurrent upserts of the
// same chunk are resolved by keeping only the higher VectorVersion, the
// same compare-and-swap rule the pgvector driver enforces in SQL.
type EmbeddedIndex struct {
	mu         sync.RWMutex
	items      map[string]*Item // key: tenant:chunk
	maxVectors int
}

type EmbeddedOption func(*EmbeddedIndex)

func WithMaxVectors(max int) EmbeddedOption {
	return func(s *EmbeddedIndex) { s.maxVectors = max }
}

func NewEmbeddedIndex(opts ...EmbeddedOption) *EmbeddedIndex {
	s := &EmbeddedIndex{items: make(map[string]*Item), maxVectors: DefaultMaxVectors}
	for _, opt := range opts {
		opt(s)
	}
	log.Info().Int("max_vectors", s.maxVectors).Msg("embedded vector index initialized")
	return s
}

func (s *EmbeddedIndex) Kind() string { return "embedded" }

func itemKey(tenantID, chunkID string) string { return tenantID + ":" + chunkID }

func (s *EmbeddedIndex) Upsert(_ context.Context, items []Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	newCount := 0
	for _, it := range items {
		if _, exists := s.items[itemKey(it.TenantID, it.ChunkID)]; !exists {
			newCount++
		}
	}
	total := len(s.items) + newCount
	if total > s.maxVectors {
		return fmt.Errorf("embedded vector index capacity exceeded: %d > %d (upgrade to pgvector)", total, s.maxVectors)
	}
	if total > int(float64(s.maxVectors)*0.9) {
		log.Warn().Int("count", total).Int("max", s.maxVectors).Msg("embedded vector index nearing capacity")
	}

	now := time.Now().UTC()
	for _, it := range items {
		k := itemKey(it.TenantID, it.ChunkID)
		if existing, ok := s.items[k]; ok && existing.VectorVersion > it.VectorVersion {
			continue // stale write lost the race, same guarantee pgvector enforces with a WHERE clause
		}
		cp := it
		if cp.CreatedAt.IsZero() {
			cp.CreatedAt = now
		}
		s.items[k] = &cp
	}
	return nil
}

func (s *EmbeddedIndex) Search(_ context.Context, tenantID string, params SearchParams) ([]Hit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type scored struct {
		item  *Item
		score float64
	}
	var candidates []scored

	for _, it := range s.items {
		if it.TenantID != tenantID {
			continue
		}
		if params.Namespace != "" && it.Namespace != params.Namespace {
			continue
		}
		if params.ExcludeIDs != nil && params.ExcludeIDs[it.ChunkID] {
			continue
		}
		if len(it.Vector) != len(params.Vector) {
			continue
		}
		match := true
		for fk, fv := range params.Metadata {
			if it.Metadata[fk] != fv {
				match = false
				break
			}
		}
		if !match {
			continue
		}

		score := cosineSimilarity(params.Vector, it.Vector)
		if params.Threshold > 0 && score < params.Threshold {
			continue
		}
		candidates = append(candidates, scored{item: it, score: score})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].item.ChunkID < candidates[j].item.ChunkID // stable tiebreak
	})

	topK := params.TopK
	if topK <= 0 || topK > len(candidates) {
		topK = len(candidates)
	}

	hits := make([]Hit, topK)
	for i := 0; i < topK; i++ {
		hits[i] = Hit{
			ChunkID:    candidates[i].item.ChunkID,
			Score:      candidates[i].score,
			Confidence: models.BucketConfidence(candidates[i].score),
		}
	}
	return hits, nil
}

func (s *EmbeddedIndex) Delete(_ context.Context, tenantID string, chunkIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range chunkIDs {
		delete(s.items, itemKey(tenantID, id))
	}
	return nil
}

func (s *EmbeddedIndex) Count(_ context.Context, tenantID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, it := range s.items {
		if it.TenantID == tenantID {
			count++
		}
	}
	return count, nil
}

func (s *EmbeddedIndex) HealthCheck(_ context.Context) error { return nil }

func cosineSimilarity(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
