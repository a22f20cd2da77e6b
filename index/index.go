// Package index owns the per-knowledge-base search partitions: a dense
// vector column for semantic similarity and a tsvector column for
// lexical match, both living in Postgres next to the relational rows.
package index

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"opskb/config"
	"opskb/types"
)

type Retriever struct {
	pool      *pgxpool.Pool
	dimension int
	tsConfig  string
	cfg       config.RetrieverConfig
	logger    *slog.Logger
}

// NewRetriever resolves the lexical analyzer up front: if the preferred
// text search config is not installed we fall back to "simple" instead
// of failing index creation later.
func NewRetriever(ctx context.Context, pool *pgxpool.Pool, dimension int, cfg config.RetrieverConfig) (*Retriever, error) {
	logger := slog.Default()

	tsConfig := "simple"
	var found string
	err := pool.QueryRow(ctx,
		"SELECT cfgname FROM pg_ts_config WHERE cfgname = $1",
		cfg.TextSearchConfig,
	).Scan(&found)
	switch {
	case err == nil:
		tsConfig = found
	case err == pgx.ErrNoRows:
		logger.Warn("text search config not available, falling back to simple",
			"wanted", cfg.TextSearchConfig)
	default:
		return nil, &types.IndexError{Op: "resolve analyzer", Err: err}
	}

	return &Retriever{
		pool:      pool,
		dimension: dimension,
		tsConfig:  tsConfig,
		cfg:       cfg,
		logger:    logger,
	}, nil
}

// tableName derives the partition name for a knowledge base.
func tableName(kbID uuid.UUID) string {
	return "kb_chunks_" + strings.ReplaceAll(kbID.String(), "-", "")
}

// EnsureIndex is idempotent: an existing partition is left untouched,
// but a vector column whose dimension disagrees with the embedder is a
// configuration error and fails fast.
func (r *Retriever) EnsureIndex(ctx context.Context, kbID uuid.UUID) error {
	table := tableName(kbID)

	var existingDim int
	err := r.pool.QueryRow(ctx, `
		SELECT a.atttypmod
		FROM pg_attribute a
		JOIN pg_class c ON c.oid = a.attrelid
		WHERE c.relname = $1 AND a.attname = 'embedding'`,
		table,
	).Scan(&existingDim)
	if err == nil {
		if existingDim != r.dimension {
			return &types.ConfigurationError{
				Field: "EMBEDDING_DIMENSION",
				Reason: fmt.Sprintf("index %s has %d-dim vectors, embedder produces %d",
					table, existingDim, r.dimension),
			}
		}
		return nil
	}
	if err != pgx.ErrNoRows {
		return &types.IndexError{Op: "inspect " + table, Err: err}
	}

	// tsConfig and table are validated identifiers, not user input.
	ddl := fmt.Sprintf(`
	CREATE EXTENSION IF NOT EXISTS vector;

	CREATE TABLE IF NOT EXISTS %[1]s (
		id TEXT PRIMARY KEY,
		content TEXT NOT NULL,
		content_tsv tsvector GENERATED ALWAYS AS (to_tsvector('%[2]s', content)) STORED,
		embedding vector(%[3]d) NOT NULL,
		document_id UUID NOT NULL,
		chunk_index INT NOT NULL,
		kb_id UUID NOT NULL,
		metadata JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMP WITH TIME ZONE DEFAULT now()
	);

	CREATE INDEX IF NOT EXISTS idx_%[1]s_embedding ON %[1]s
		USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100);

	CREATE INDEX IF NOT EXISTS idx_%[1]s_tsv ON %[1]s USING gin (content_tsv);

	CREATE INDEX IF NOT EXISTS idx_%[1]s_document ON %[1]s (document_id);
	`, table, r.tsConfig, r.dimension)

	if _, err := r.pool.Exec(ctx, ddl); err != nil {
		return &types.IndexError{Op: "create " + table, Err: err}
	}
	r.logger.Info("index partition created", "table", table, "analyzer", r.tsConfig)
	return nil
}

// DropIndex removes a knowledge base's partition entirely.
func (r *Retriever) DropIndex(ctx context.Context, kbID uuid.UUID) error {
	table := tableName(kbID)
	if _, err := r.pool.Exec(ctx, "DROP TABLE IF EXISTS "+table); err != nil {
		return &types.IndexError{Op: "drop " + table, Err: err}
	}
	return nil
}

// BulkIndex upserts entries for one document. The batch runs as one
// pipeline in an implicit transaction, so a failure rolls back every
// statement in it: on error nothing persisted and the count is zero.
// The error reports how far the pipeline got before aborting.
func (r *Retriever) BulkIndex(ctx context.Context, kbID uuid.UUID, entries []types.IndexEntry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	table := tableName(kbID)

	batch := &pgx.Batch{}
	for _, e := range entries {
		if len(e.Vector) != r.dimension {
			return 0, &types.ConfigurationError{
				Field: "EMBEDDING_DIMENSION",
				Reason: fmt.Sprintf("entry %s carries %d-dim vector, index expects %d",
					e.ID, len(e.Vector), r.dimension),
			}
		}
		meta, err := json.Marshal(e.Metadata)
		if err != nil {
			return 0, &types.IndexError{Op: "encode metadata", Err: err}
		}
		batch.Queue(fmt.Sprintf(`
			INSERT INTO %s (id, content, embedding, document_id, chunk_index, kb_id, metadata)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO UPDATE SET
				content = EXCLUDED.content,
				embedding = EXCLUDED.embedding,
				metadata = EXCLUDED.metadata`, table),
			e.ID, e.Content, pgvector.NewVector(e.Vector), e.DocumentID, e.ChunkIndex, e.KBID, meta)
	}

	br := r.pool.SendBatch(ctx, batch)
	defer br.Close()

	success := 0
	var firstErr error
	for range entries {
		if _, err := br.Exec(); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		success++
	}
	if firstErr != nil {
		r.logger.Error("bulk index aborted",
			"table", table, "accepted", success, "total", len(entries), "error", firstErr)
		return 0, &types.IndexError{
			Op:  fmt.Sprintf("bulk write %s (%d/%d)", table, success, len(entries)),
			Err: firstErr,
		}
	}
	r.logger.Debug("bulk index done", "table", table, "count", success)
	return success, nil
}

// DeleteByDocument removes every entry for a document. Must complete
// before new entries for the same document are written, otherwise stale
// ghosts survive a reprocess.
func (r *Retriever) DeleteByDocument(ctx context.Context, kbID, documentID uuid.UUID) (int64, error) {
	table := tableName(kbID)
	tag, err := r.pool.Exec(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE document_id = $1", table), documentID)
	if err != nil {
		// A partition that was never created has nothing to delete.
		if strings.Contains(err.Error(), "does not exist") {
			return 0, nil
		}
		return 0, &types.IndexError{Op: "delete from " + table, Err: err}
	}
	r.logger.Debug("deleted document entries", "table", table, "count", tag.RowsAffected())
	return tag.RowsAffected(), nil
}

// Retrieve runs whichever search mode the configuration selects, with
// the configured defaults.
func (r *Retriever) Retrieve(ctx context.Context, kbIDs []uuid.UUID, queryVector []float32, queryText string, topK int) ([]types.SearchResult, error) {
	if r.cfg.UseHybridSearch {
		return r.HybridSearch(ctx, kbIDs, queryVector, queryText, topK)
	}
	return r.Search(ctx, kbIDs, queryVector, queryText, topK, r.cfg.ScoreThreshold, nil)
}

// Filters restricts the vector candidate set before ranking; keys are
// whitelisted column names.
type Filters map[string]any

var filterColumns = map[string]bool{
	"document_id": true,
	"chunk_index": true,
}

// Search is the score-threshold mode: one kNN query per knowledge base
// with a candidate pool of 2*topK, optionally blended with a lexical
// "should" signal, merged and cut at the threshold.
func (r *Retriever) Search(
	ctx context.Context,
	kbIDs []uuid.UUID,
	queryVector []float32,
	queryText string,
	topK int,
	scoreThreshold float64,
	filters Filters,
) ([]types.SearchResult, error) {
	if len(queryVector) != r.dimension {
		return nil, &types.ConfigurationError{
			Field:  "EMBEDDING_DIMENSION",
			Reason: fmt.Sprintf("query vector has %d dims, index expects %d", len(queryVector), r.dimension),
		}
	}

	var merged []types.SearchResult
	for _, kbID := range kbIDs {
		results, err := r.searchOne(ctx, kbID, queryVector, queryText, topK, filters)
		if err != nil {
			return nil, err
		}
		merged = append(merged, results...)
	}

	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Score > merged[j].Score })

	out := merged[:0]
	for _, res := range merged {
		if res.Score < scoreThreshold {
			continue
		}
		out = append(out, res)
		if len(out) == topK {
			break
		}
	}
	return out, nil
}

func (r *Retriever) searchOne(
	ctx context.Context,
	kbID uuid.UUID,
	queryVector []float32,
	queryText string,
	topK int,
	filters Filters,
) ([]types.SearchResult, error) {
	table := tableName(kbID)
	query, args := r.searchQuery(table, queryVector, queryText, topK, filters)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		if strings.Contains(err.Error(), "does not exist") {
			return nil, nil // KB was never indexed; not an error for search
		}
		return nil, &types.IndexError{Op: "search " + table, Err: err}
	}
	defer rows.Close()

	return scanResults(rows)
}

// searchQuery renders the kNN query for one partition. Filter
// placeholders are numbered after the bound prefix, which is $1 for the
// vector alone or $1,$2 when the lexical signal is in play.
func (r *Retriever) searchQuery(table string, queryVector []float32, queryText string, topK int, filters Filters) (string, []any) {
	vec := pgvector.NewVector(queryVector)

	firstArg := 2
	if queryText != "" {
		firstArg = 3
	}
	where, filterArgs := buildFilter(filters, firstArg)

	if queryText != "" {
		// Lexical "should": the keyword signal boosts but never gates.
		query := fmt.Sprintf(`
			SELECT id, content, document_id, chunk_index, kb_id, metadata,
			       (1 - (embedding <=> $1)) * %[2]f +
			       COALESCE(ts_rank(content_tsv, plainto_tsquery('%[3]s', $2)), 0) * %[4]f AS score
			FROM (
				SELECT * FROM %[1]s %[5]s
				ORDER BY embedding <=> $1
				LIMIT %[6]d
			) candidates
			ORDER BY score DESC`,
			table, r.cfg.VectorWeight, r.tsConfig, r.cfg.TextWeight, where, 2*topK)
		return query, append([]any{vec, queryText}, filterArgs...)
	}

	query := fmt.Sprintf(`
		SELECT id, content, document_id, chunk_index, kb_id, metadata,
		       1 - (embedding <=> $1) AS score
		FROM (
			SELECT * FROM %[1]s %[2]s
			ORDER BY embedding <=> $1
			LIMIT %[3]d
		) candidates
		ORDER BY score DESC`,
		table, where, 2*topK)
	return query, append([]any{vec}, filterArgs...)
}

// buildFilter renders whitelisted equality filters. firstArg is the
// positional parameter number the filter arguments start at; the vector
// and text parameters come first.
func buildFilter(filters Filters, firstArg int) (string, []any) {
	if len(filters) == 0 {
		return "", nil
	}
	keys := make([]string, 0, len(filters))
	for k := range filters {
		if filterColumns[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if len(keys) == 0 {
		return "", nil
	}

	var clauses []string
	var args []any
	for i, k := range keys {
		clauses = append(clauses, fmt.Sprintf("%s = $%d", k, firstArg+i))
		args = append(args, filters[k])
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

func scanResults(rows pgx.Rows) ([]types.SearchResult, error) {
	var out []types.SearchResult
	for rows.Next() {
		var res types.SearchResult
		var meta []byte
		if err := rows.Scan(&res.ID, &res.Content, &res.DocumentID, &res.ChunkIndex,
			&res.KBID, &meta, &res.Score); err != nil {
			return nil, &types.IndexError{Op: "scan result", Err: err}
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &res.Metadata); err != nil {
				return nil, &types.IndexError{Op: "decode metadata", Err: err}
			}
		}
		out = append(out, res)
	}
	return out, rows.Err()
}
