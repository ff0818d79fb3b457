package rag

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/convoyhq/convoy-engine/internal/apperrors"
	"github.com/convoyhq/convoy-engine/internal/config"
	"github.com/convoyhq/convoy-engine/internal/embeddings"
	"github.com/convoyhq/convoy-engine/internal/store"
	"github.com/convoyhq/convoy-engine/internal/vectorindex"
	"github.com/convoyhq/convoy-engine/pkg/models"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/cases"
)

// foldCase case-folds text before lexical matching so differently-cased
// forms of the same word still match. Accents are not stripped.
var foldCase = cases.Fold()

// RetrievalMode selects how Retriever.Search finds candidate chunks.
type RetrievalMode string

const (
	RetrievalVector  RetrievalMode = "VECTOR"
	RetrievalLexical RetrievalMode = "LEXICAL"
	RetrievalHybrid  RetrievalMode = "HYBRID"
)

// defaultHybridVectorWeight is the HYBRID merge weight used when a caller
// doesn't supply one via SearchRequest.VectorWeight. Lexical scores already
// live in [0,1] (see lexicalScore), so no extra normalization is applied
// before weighting.
const (
	defaultHybridVectorWeight = 0.6

	highlightFragments = 3
	highlightChars     = 200
)

// SearchRequest describes one retrieval call.
type SearchRequest struct {
	TenantID     string
	Query        string
	Mode         RetrievalMode
	TopK         int
	Threshold    float64
	Namespace    string
	TagIDs       []string
	DocumentIDs  []string
	ExcludeChunk map[string]bool
	// VectorWeight biases the HYBRID merge toward the vector leg (1) or the
	// lexical leg (0). Nil uses defaultHybridVectorWeight. Ignored outside
	// HYBRID mode.
	VectorWeight *float64
}

// SearchHit is a scored chunk with highlight fragments for display.
type SearchHit struct {
	ChunkID    string
	DocumentID string
	Text       string
	Score      float64
	Confidence models.Confidence
	Highlights []string
}

// Retriever implements the knowledge base's query side: VECTOR search over
// embeddings, LEXICAL search over stored chunk text, and a HYBRID mode that
// fans both out concurrently and merges them by weighted score.
type Retriever struct {
	store      store.Store
	embeddings *embeddings.Registry
	index      vectorindex.Index
	cfg        config.KnowledgeConfig
}

func NewRetriever(s store.Store, embReg *embeddings.Registry, idx vectorindex.Index, cfg config.KnowledgeConfig) *Retriever {
	return &Retriever{store: s, embeddings: embReg, index: idx, cfg: cfg}
}

// Search dispatches on req.Mode and returns hits sorted by score descending,
// trimmed to req.TopK.
func (r *Retriever) Search(ctx context.Context, req SearchRequest) ([]SearchHit, error) {
	if req.TopK <= 0 {
		req.TopK = 10
	}
	if r.cfg.VectorTopKMax > 0 && req.TopK > r.cfg.VectorTopKMax {
		req.TopK = r.cfg.VectorTopKMax
	}
	if req.Threshold == 0 {
		req.Threshold = r.cfg.SimilarityDefault
	}

	switch req.Mode {
	case RetrievalLexical:
		return r.lexicalSearch(ctx, req)
	case RetrievalHybrid:
		return r.hybridSearch(ctx, req)
	case RetrievalVector, "":
		return r.vectorSearch(ctx, req)
	default:
		return nil, apperrors.NewValidation("UNKNOWN_RETRIEVAL_MODE", fmt.Sprintf("unknown retrieval mode: %s", req.Mode))
	}
}

func (r *Retriever) vectorSearch(ctx context.Context, req SearchRequest) ([]SearchHit, error) {
	driver, err := r.embeddings.Get(r.cfg.DefaultEmbeddingModel)
	if err != nil {
		return nil, apperrors.Wrap(err, "EMBEDDING_DRIVER_UNAVAILABLE", "no embedding driver configured")
	}
	vectors, err := driver.Embed(ctx, []string{canonicalizeQuery(req.Query)})
	if err != nil || len(vectors) == 0 {
		return nil, apperrors.Wrap(err, "EMBEDDING_FAILED", "failed to embed query")
	}

	hits, err := r.index.Search(ctx, req.TenantID, vectorindex.SearchParams{
		Vector:     vectors[0],
		TopK:       req.TopK,
		Threshold:  req.Threshold,
		Namespace:  req.Namespace,
		ExcludeIDs: req.ExcludeChunk,
	})
	if err != nil {
		return nil, apperrors.Wrap(err, "VECTOR_SEARCH_FAILED", "vector index search failed")
	}

	results, err := r.hydrate(ctx, hits)
	if err != nil {
		return nil, err
	}
	return r.filterByTagsAndDocs(ctx, results, req.TagIDs, req.DocumentIDs)
}

// lexicalSearch takes unranked candidate chunks from the store and scores
// them locally with lexicalScore, whose scores already lie in [0,1] so
// hybridSearch can weight them against vector scores without rescaling.
func (r *Retriever) lexicalSearch(ctx context.Context, req SearchRequest) ([]SearchHit, error) {
	chunks, err := r.store.SearchChunksLexical(ctx, req.TenantID, normalizeQuery(req.Query), req.TagIDs, req.DocumentIDs, req.TopK)
	if err != nil {
		return nil, apperrors.Wrap(err, "LEXICAL_SEARCH_FAILED", "lexical search failed")
	}

	terms := queryTerms(req.Query)
	hits := make([]SearchHit, 0, len(chunks))
	for _, c := range chunks {
		if req.ExcludeChunk != nil && req.ExcludeChunk[c.ID] {
			continue
		}
		score := lexicalScore(c.Text, terms)
		if score < req.Threshold {
			continue
		}
		hits = append(hits, SearchHit{
			ChunkID:    c.ID,
			DocumentID: c.DocumentID,
			Text:       c.Text,
			Score:      score,
			Confidence: models.BucketConfidence(score),
			Highlights: extractHighlights(c.Text, terms),
		})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > req.TopK {
		hits = hits[:req.TopK]
	}
	return hits, nil
}

// hybridSearch runs vector and lexical search concurrently. Either leg may
// fail without failing the whole call as long as the other succeeds;
// both failing is reported to the caller.
func (r *Retriever) hybridSearch(ctx context.Context, req SearchRequest) ([]SearchHit, error) {
	vectorWeight := defaultHybridVectorWeight
	if req.VectorWeight != nil {
		vectorWeight = *req.VectorWeight
		if vectorWeight < 0 {
			vectorWeight = 0
		} else if vectorWeight > 1 {
			vectorWeight = 1
		}
	}
	lexicalWeight := 1 - vectorWeight

	var vecHits, lexHits []SearchHit
	var vecErr, lexErr error

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		vecHits, vecErr = r.vectorSearch(gctx, req)
		if vecErr != nil {
			log.Warn().Err(vecErr).Msg("hybrid search: vector leg failed")
		}
		return nil
	})
	g.Go(func() error {
		lexHits, lexErr = r.lexicalSearch(gctx, req)
		if lexErr != nil {
			log.Warn().Err(lexErr).Msg("hybrid search: lexical leg failed")
		}
		return nil
	})
	_ = g.Wait()

	if vecErr != nil && lexErr != nil {
		return nil, apperrors.Wrap(vecErr, "HYBRID_SEARCH_FAILED", "both vector and lexical legs failed")
	}

	merged := make(map[string]*SearchHit, len(vecHits)+len(lexHits))
	order := make([]string, 0, len(vecHits)+len(lexHits))
	for _, h := range vecHits {
		cp := h
		cp.Score = h.Score * vectorWeight
		merged[h.ChunkID] = &cp
		order = append(order, h.ChunkID)
	}
	for _, h := range lexHits {
		if existing, ok := merged[h.ChunkID]; ok {
			existing.Score += h.Score * lexicalWeight
			if len(existing.Highlights) == 0 {
				existing.Highlights = h.Highlights
			}
			continue
		}
		cp := h
		cp.Score = h.Score * lexicalWeight
		merged[h.ChunkID] = &cp
		order = append(order, h.ChunkID)
	}

	hits := make([]SearchHit, 0, len(merged))
	seen := make(map[string]bool, len(order))
	for _, id := range order {
		if seen[id] {
			continue
		}
		seen[id] = true
		h := merged[id]
		h.Confidence = models.BucketConfidence(h.Score)
		hits = append(hits, *h)
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ChunkID < hits[j].ChunkID
	})
	if len(hits) > req.TopK {
		hits = hits[:req.TopK]
	}
	return hits, nil
}

func (r *Retriever) hydrate(ctx context.Context, hits []vectorindex.Hit) ([]SearchHit, error) {
	if len(hits) == 0 {
		return nil, nil
	}
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.ChunkID
	}
	chunks, err := r.store.GetChunksByIDs(ctx, ids)
	if err != nil {
		return nil, apperrors.Wrap(err, "CHUNK_LOOKUP_FAILED", "failed to hydrate chunk text")
	}
	byID := make(map[string]*models.Chunk, len(chunks))
	for i := range chunks {
		byID[chunks[i].ID] = &chunks[i]
	}

	results := make([]SearchHit, 0, len(hits))
	for _, h := range hits {
		c, ok := byID[h.ChunkID]
		if !ok {
			continue // chunk was deleted after the vector index saw it
		}
		results = append(results, SearchHit{
			ChunkID:    h.ChunkID,
			DocumentID: c.DocumentID,
			Text:       c.Text,
			Score:      h.Score,
			Confidence: h.Confidence,
			Highlights: extractHighlights(c.Text, nil),
		})
	}
	return results, nil
}

func (r *Retriever) filterByTagsAndDocs(ctx context.Context, hits []SearchHit, tagIDs, documentIDs []string) ([]SearchHit, error) {
	if len(tagIDs) == 0 && len(documentIDs) == 0 {
		return hits, nil
	}
	docSet := toSet(documentIDs)
	tagSet := toSet(tagIDs)

	filtered := make([]SearchHit, 0, len(hits))
	for _, h := range hits {
		if len(docSet) > 0 && !docSet[h.DocumentID] {
			continue
		}
		if len(tagSet) > 0 {
			chunkTags, err := r.store.ListChunkTags(ctx, h.ChunkID)
			if err != nil {
				return nil, apperrors.Wrap(err, "TAG_LOOKUP_FAILED", "failed to check chunk tags")
			}
			matched := false
			for _, ct := range chunkTags {
				if tagSet[ct.TagID] {
					matched = true
					break
				}
			}
			if !matched {
				continue
			}
		}
		filtered = append(filtered, h)
	}
	return filtered, nil
}

func toSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

func normalizeQuery(q string) string {
	return strings.TrimSpace(foldCase.String(q))
}

// canonicalizeQuery collapses whitespace and drops words shorter than 3
// characters before embedding, unless that would leave nothing to embed.
func canonicalizeQuery(q string) string {
	fields := strings.Fields(q)
	kept := make([]string, 0, len(fields))
	for _, f := range fields {
		if len([]rune(f)) >= 3 {
			kept = append(kept, f)
		}
	}
	if len(kept) == 0 {
		kept = fields
	}
	return strings.Join(kept, " ")
}

func queryTerms(q string) []string {
	fields := strings.Fields(normalizeQuery(q))
	seen := make(map[string]bool, len(fields))
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, ".,!?;:\"'()[]{}")
		if f == "" || seen[f] {
			continue
		}
		seen[f] = true
		terms = append(terms, f)
	}
	return terms
}

// lexicalScore is matched-query-tokens / total-query-tokens, already
// bounded to [0,1] so hybridSearch can weight it directly against a
// vector score without any further rescaling.
func lexicalScore(text string, terms []string) float64 {
	if len(terms) == 0 {
		return 1
	}
	lower := foldCase.String(text)
	matched := 0
	for _, t := range terms {
		if strings.Contains(lower, t) {
			matched++
		}
	}
	return float64(matched) / float64(len(terms))
}

// extractHighlights pulls up to highlightFragments windows of highlightChars
// around term matches, falling back to a leading excerpt when nothing
// matches or no terms were given (e.g. a vector-only hit).
func extractHighlights(text string, terms []string) []string {
	if text == "" {
		return nil
	}
	// plain ToLower here, not foldCase: the byte offsets found in lower are
	// used to slice text directly below, so length must stay aligned.
	lower := strings.ToLower(text)
	var frags []string
	used := make([]bool, len(text))

	markUsed := func(start, end int) {
		for i := start; i < end && i < len(used); i++ {
			used[i] = true
		}
	}
	overlaps := func(start, end int) bool {
		for i := start; i < end && i < len(used); i++ {
			if used[i] {
				return true
			}
		}
		return false
	}

	for _, t := range terms {
		if len(frags) >= highlightFragments {
			break
		}
		idx := strings.Index(lower, t)
		for idx != -1 && len(frags) < highlightFragments {
			start := idx - highlightChars/2
			if start < 0 {
				start = 0
			}
			end := start + highlightChars
			if end > len(text) {
				end = len(text)
				start = end - highlightChars
				if start < 0 {
					start = 0
				}
			}
			if !overlaps(start, end) {
				frags = append(frags, strings.TrimSpace(text[start:end]))
				markUsed(start, end)
			}
			rest := lower[idx+len(t):]
			next := strings.Index(rest, t)
			if next == -1 {
				break
			}
			idx = idx + len(t) + next
		}
	}

	if len(frags) == 0 {
		end := highlightChars
		if end > len(text) {
			end = len(text)
		}
		frags = append(frags, strings.TrimSpace(text[:end]))
	}
	return frags
}
