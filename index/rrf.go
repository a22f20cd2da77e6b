package index

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"opskb/types"
)

// HybridSearch is the fusion mode: a vector-ranked list and a
// lexical-ranked list, each of window 2*topK, fused client-side with
// reciprocal rank. Fusion scores are rank-based, so the score threshold
// does not apply here.
func (r *Retriever) HybridSearch(
	ctx context.Context,
	kbIDs []uuid.UUID,
	queryVector []float32,
	queryText string,
	topK int,
) ([]types.SearchResult, error) {
	if len(queryVector) != r.dimension {
		return nil, &types.ConfigurationError{
			Field:  "EMBEDDING_DIMENSION",
			Reason: fmt.Sprintf("query vector has %d dims, index expects %d", len(queryVector), r.dimension),
		}
	}
	window := 2 * topK

	var vectorList, lexicalList []types.SearchResult
	for _, kbID := range kbIDs {
		vres, err := r.vectorRank(ctx, kbID, queryVector, window)
		if err != nil {
			return nil, err
		}
		vectorList = append(vectorList, vres...)

		if queryText != "" {
			lres, err := r.lexicalRank(ctx, kbID, queryText, window)
			if err != nil {
				return nil, err
			}
			lexicalList = append(lexicalList, lres...)
		}
	}

	// Each signal is merged across knowledge bases on its own raw score
	// before ranks are assigned, so fusion sees one global list per signal.
	vectorList = trimRanked(vectorList, window)
	lexicalList = trimRanked(lexicalList, window)

	fused := fuse([][]types.SearchResult{vectorList, lexicalList}, r.cfg.RRFRankConstant)
	if len(fused) > topK {
		fused = fused[:topK]
	}
	return fused, nil
}

func (r *Retriever) vectorRank(ctx context.Context, kbID uuid.UUID, queryVector []float32, window int) ([]types.SearchResult, error) {
	table := tableName(kbID)
	rows, err := r.pool.Query(ctx, fmt.Sprintf(`
		SELECT id, content, document_id, chunk_index, kb_id, metadata,
		       1 - (embedding <=> $1) AS score
		FROM %s
		ORDER BY embedding <=> $1
		LIMIT %d`, table, window),
		pgvector.NewVector(queryVector))
	if err != nil {
		if strings.Contains(err.Error(), "does not exist") {
			return nil, nil
		}
		return nil, &types.IndexError{Op: "vector rank " + table, Err: err}
	}
	defer rows.Close()
	return scanResults(rows)
}

func (r *Retriever) lexicalRank(ctx context.Context, kbID uuid.UUID, queryText string, window int) ([]types.SearchResult, error) {
	table := tableName(kbID)
	rows, err := r.pool.Query(ctx, fmt.Sprintf(`
		SELECT id, content, document_id, chunk_index, kb_id, metadata,
		       ts_rank(content_tsv, plainto_tsquery('%s', $1)) AS score
		FROM %s
		WHERE content_tsv @@ plainto_tsquery('%s', $1)
		ORDER BY score DESC
		LIMIT %d`, r.tsConfig, table, r.tsConfig, window),
		queryText)
	if err != nil {
		if strings.Contains(err.Error(), "does not exist") {
			return nil, nil
		}
		return nil, &types.IndexError{Op: "lexical rank " + table, Err: err}
	}
	defer rows.Close()
	return scanResults(rows)
}

func trimRanked(list []types.SearchResult, window int) []types.SearchResult {
	sort.SliceStable(list, func(i, j int) bool { return list[i].Score > list[j].Score })
	if len(list) > window {
		list = list[:window]
	}
	return list
}

// fuse computes reciprocal rank fusion over ranked lists: an entry
// appearing at zero-based rank i in a list contributes
// 1/(rankConstant + i + 1). Entries are keyed by id; the first list an
// entry appears in supplies its content and metadata.
func fuse(lists [][]types.SearchResult, rankConstant int) []types.SearchResult {
	scores := make(map[string]float64)
	byID := make(map[string]types.SearchResult)
	var order []string

	for _, list := range lists {
		for i, res := range list {
			if _, seen := scores[res.ID]; !seen {
				byID[res.ID] = res
				order = append(order, res.ID)
			}
			scores[res.ID] += 1.0 / float64(rankConstant+i+1)
		}
	}

	out := make([]types.SearchResult, 0, len(order))
	for _, id := range order {
		res := byID[id]
		res.Score = scores[id]
		out = append(out, res)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}
