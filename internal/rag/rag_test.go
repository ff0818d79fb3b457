package rag_test

import (
	"context"
	"os"
	"testing"

	"github.com/convoyhq/convoy-engine/internal/config"
	"github.com/convoyhq/convoy-engine/internal/embeddings"
	"github.com/convoyhq/convoy-engine/internal/rag"
	"github.com/convoyhq/convoy-engine/internal/store"
	"github.com/convoyhq/convoy-engine/internal/vectorindex"
)

const testEmbeddingModel = "mock-embed"

// hashDriver is a deterministic embedding driver: it derives a short vector
// from the input text so identical query/document terms land close together
// in cosine distance without pulling in a real provider.
type hashDriver struct{}

func (hashDriver) Kind() string      { return "mock" }
func (hashDriver) Dimensions() int   { return 4 }
func (hashDriver) MaxBatchSize() int { return 32 }
func (hashDriver) HealthCheck(ctx context.Context) error { return nil }

func (hashDriver) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		var buckets [4]float32
		for j, r := range t {
			buckets[j%4] += float32(r % 31)
		}
		out[i] = buckets[:]
	}
	return out, nil
}

func newTestStore(t *testing.T) *store.MemoryStore {
	t.Helper()
	dir := t.TempDir()
	os.Setenv("CONVOY_DATA_DIR", dir)
	s := store.NewMemoryStore()
	os.Unsetenv("CONVOY_DATA_DIR")
	t.Cleanup(func() { s.Close() })
	return s
}

func testKnowledgeConfig() config.KnowledgeConfig {
	return config.KnowledgeConfig{
		MaxDocumentSizeBytes:  1 << 20,
		MaxBatchSize:          10,
		DefaultEmbeddingModel: testEmbeddingModel,
		EmbeddingBatchSize:    8,
		VectorTopKMax:         50,
		SimilarityDefault:     0,
		SyncChunkThreshold:    100,
		SyncCharThreshold:     1 << 20,
		ChunkTargetTokens:     200,
		ChunkMaxTokens:        400,
		ChunkOverlapTokens:    20,
	}
}

// newFixture wires a Pipeline and Retriever against the same store,
// embedding registry, and vector index, mirroring how pkg/server/server.go
// shares them between the ingestion and retrieval paths.
func newFixture(t *testing.T) (*store.MemoryStore, *rag.Pipeline, *rag.Retriever) {
	t.Helper()
	s := newTestStore(t)
	embReg := embeddings.NewRegistry()
	embReg.Register(testEmbeddingModel, hashDriver{})
	idx := vectorindex.NewEmbeddedIndex()
	cfg := testKnowledgeConfig()

	p := rag.NewPipeline(s, embReg, idx, cfg)
	r := rag.NewRetriever(s, embReg, idx, cfg)
	return s, p, r
}

func TestIngestThenSearch_Vector(t *testing.T) {
	ctx := context.Background()
	_, p, r := newFixture(t)

	doc, err := p.IngestDocument(ctx, "tenant-a", "onboarding guide", "upload", "text/plain",
		"Rotate your API credentials every ninety days to limit exposure.", "en", "operator-1")
	if err != nil {
		t.Fatalf("IngestDocument() error = %v", err)
	}
	if doc.ParsingStatus != "SUCCESS" {
		t.Errorf("ParsingStatus = %q, want SUCCESS for a synchronous ingest", doc.ParsingStatus)
	}

	hits, err := r.Search(ctx, rag.SearchRequest{
		TenantID: "tenant-a",
		Query:    "Rotate your API credentials every ninety days to limit exposure.",
		Mode:     rag.RetrievalVector,
		TopK:     5,
	})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(hits) == 0 {
		t.Fatal("expected at least one vector hit for the ingested document")
	}
	if hits[0].DocumentID != doc.ID {
		t.Errorf("top hit DocumentID = %q, want %q", hits[0].DocumentID, doc.ID)
	}
}

func TestIngestThenSearch_Lexical(t *testing.T) {
	ctx := context.Background()
	_, p, r := newFixture(t)

	doc, err := p.IngestDocument(ctx, "tenant-a", "runbook", "upload", "text/plain",
		"The incident commander pages the on-call engineer when latency exceeds budget.", "en", "operator-1")
	if err != nil {
		t.Fatalf("IngestDocument() error = %v", err)
	}

	hits, err := r.Search(ctx, rag.SearchRequest{
		TenantID: "tenant-a",
		Query:    "on-call engineer latency",
		Mode:     rag.RetrievalLexical,
		TopK:     5,
	})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(hits) == 0 {
		t.Fatal("expected at least one lexical hit")
	}
	if hits[0].DocumentID != doc.ID {
		t.Errorf("top hit DocumentID = %q, want %q", hits[0].DocumentID, doc.ID)
	}
	if len(hits[0].Highlights) == 0 {
		t.Error("expected highlight fragments on a lexical hit")
	}
}

func TestSearch_TenantIsolation(t *testing.T) {
	ctx := context.Background()
	_, p, r := newFixture(t)

	if _, err := p.IngestDocument(ctx, "tenant-a", "doc", "upload", "text/plain",
		"Confidential tenant-a onboarding notes about rollout sequencing.", "en", "operator-1"); err != nil {
		t.Fatalf("IngestDocument() error = %v", err)
	}

	hits, err := r.Search(ctx, rag.SearchRequest{
		TenantID: "tenant-b",
		Query:    "rollout sequencing",
		Mode:     rag.RetrievalLexical,
		TopK:     5,
	})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("expected no hits for a tenant that never ingested anything, got %d", len(hits))
	}
}

func TestIngestDocument_RejectsDuplicateContent(t *testing.T) {
	ctx := context.Background()
	_, p, _ := newFixture(t)

	content := "Duplicate detection relies on a content hash, not the title."
	if _, err := p.IngestDocument(ctx, "tenant-a", "first", "upload", "text/plain", content, "en", "operator-1"); err != nil {
		t.Fatalf("first IngestDocument() error = %v", err)
	}
	_, err := p.IngestDocument(ctx, "tenant-a", "second", "upload", "text/plain", content, "en", "operator-1")
	if err == nil {
		t.Fatal("expected conflict error for duplicate content")
	}
}

func TestIngestDocument_RejectsEmptyContent(t *testing.T) {
	ctx := context.Background()
	_, p, _ := newFixture(t)

	if _, err := p.IngestDocument(ctx, "tenant-a", "empty", "upload", "text/plain", "", "en", "operator-1"); err == nil {
		t.Fatal("expected validation error for empty content")
	}
}
