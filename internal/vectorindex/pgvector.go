package vectorindex

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/convoyhq/convoy-engine/pkg/models"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// PgvectorIndex implements Index using PostgreSQL with the pgvector
// extension. The operator provides their own PostgreSQL instance;
// CONVOY_PGVECTOR_URL selects it (read in pkg/server).
type PgvectorIndex struct {
	pool       *pgxpool.Pool
	dimensions int
}

func NewPgvectorIndex(ctx context.Context, pool *pgxpool.Pool, dimensions int) (*PgvectorIndex, error) {
	s := &PgvectorIndex{pool: pool, dimensions: dimensions}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("pgvector migrate: %w", err)
	}
	log.Info().Int("dims", dimensions).Msg("pgvector index initialized")
	return s, nil
}

func (s *PgvectorIndex) migrate(ctx context.Context) error {
	ddl := fmt.Sprintf(`
		CREATE EXTENSION IF NOT EXISTS vector;

		CREATE TABLE IF NOT EXISTS convoy_vectors (
			chunk_id       TEXT NOT NULL,
			tenant_id      TEXT NOT NULL,
			namespace      TEXT NOT NULL DEFAULT '',
			metadata       JSONB NOT NULL DEFAULT '{}',
			vector         vector(%d) NOT NULL,
			vector_version INT NOT NULL DEFAULT 1,
			created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (tenant_id, chunk_id)
		);

		CREATE INDEX IF NOT EXISTS idx_convoy_vectors_tenant ON convoy_vectors (tenant_id);
		CREATE INDEX IF NOT EXISTS idx_convoy_vectors_ns ON convoy_vectors (tenant_id, namespace);
	`, s.dimensions)

	_, err := s.pool.Exec(ctx, ddl)
	return err
}

func (s *PgvectorIndex) Kind() string { return "pgvector" }

// Upsert writes vectors with a compare-and-swap on vector_version so a
// delayed re-embed of an older chunk version can never clobber a newer one.
func (s *PgvectorIndex) Upsert(ctx context.Context, items []Item) error {
	if len(items) == 0 {
		return nil
	}

	var sb strings.Builder
	sb.WriteString(`INSERT INTO convoy_vectors (chunk_id, tenant_id, namespace, metadata, vector, vector_version, created_at) VALUES `)

	args := make([]interface{}, 0, len(items)*7)
	for i, it := range items {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i*7 + 1
		sb.WriteString(fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d)", base, base+1, base+2, base+3, base+4, base+5, base+6))
		now := it.CreatedAt
		if now.IsZero() {
			now = time.Now().UTC()
		}
		metadata := it.Metadata
		if metadata == nil {
			metadata = map[string]string{}
		}
		args = append(args, it.ChunkID, it.TenantID, it.Namespace, metadata, pgvectorArray(it.Vector), it.VectorVersion, now)
	}

	sb.WriteString(` ON CONFLICT (tenant_id, chunk_id) DO UPDATE SET
		namespace = EXCLUDED.namespace,
		metadata = EXCLUDED.metadata,
		vector = EXCLUDED.vector,
		vector_version = EXCLUDED.vector_version
		WHERE EXCLUDED.vector_version > convoy_vectors.vector_version`)

	_, err := s.pool.Exec(ctx, sb.String(), args...)
	return err
}

func (s *PgvectorIndex) Search(ctx context.Context, tenantID string, params SearchParams) ([]Hit, error) {
	query := `SELECT chunk_id, 1 - (vector <=> $1) AS score
		FROM convoy_vectors
		WHERE tenant_id = $2`
	args := []interface{}{pgvectorArray(params.Vector), tenantID}
	argIdx := 3

	if params.Namespace != "" {
		query += fmt.Sprintf(" AND namespace = $%d", argIdx)
		args = append(args, params.Namespace)
		argIdx++
	}
	for k, v := range params.Metadata {
		query += fmt.Sprintf(" AND metadata->>'%s' = $%d", escapeJSONKey(k), argIdx)
		args = append(args, v)
		argIdx++
	}
	if params.Threshold > 0 {
		query += fmt.Sprintf(" AND 1 - (vector <=> $1) >= $%d", argIdx)
		args = append(args, params.Threshold)
		argIdx++
	}

	topK := params.TopK
	if topK <= 0 {
		topK = 10
	}
	query += fmt.Sprintf(" ORDER BY vector <=> $1, chunk_id LIMIT $%d", argIdx)
	args = append(args, topK)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("pgvector search: %w", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var chunkID string
		var score float64
		if err := rows.Scan(&chunkID, &score); err != nil {
			return nil, fmt.Errorf("pgvector scan: %w", err)
		}
		if params.ExcludeIDs != nil && params.ExcludeIDs[chunkID] {
			continue
		}
		hits = append(hits, Hit{ChunkID: chunkID, Score: score, Confidence: models.BucketConfidence(score)})
	}
	return hits, rows.Err()
}

func (s *PgvectorIndex) Delete(ctx context.Context, tenantID string, chunkIDs []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, "DELETE FROM convoy_vectors WHERE tenant_id = $1 AND chunk_id = ANY($2)", tenantID, chunkIDs)
	return err
}

func (s *PgvectorIndex) Count(ctx context.Context, tenantID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM convoy_vectors WHERE tenant_id = $1", tenantID).Scan(&count)
	return count, err
}

func (s *PgvectorIndex) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func pgvectorArray(v []float32) string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(fmt.Sprintf("%g", f))
	}
	sb.WriteByte(']')
	return sb.String()
}

func escapeJSONKey(k string) string {
	return strings.ReplaceAll(k, "'", "''")
}
