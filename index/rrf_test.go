package index

import (
	"regexp"
	"strconv"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"opskb/config"
	"opskb/types"
)

func result(id string, score float64) types.SearchResult {
	return types.SearchResult{ID: id, Score: score, Content: "content " + id}
}

func TestFuseBothSignalsBeatSingleSignal(t *testing.T) {
	vector := []types.SearchResult{
		result("a", 0.91),
		result("b", 0.88),
		result("c", 0.80),
	}
	lexical := []types.SearchResult{
		result("d", 14.2),
		result("e", 11.0),
		result("c", 9.7),
	}

	fused := fuse([][]types.SearchResult{vector, lexical}, 60)
	require.Len(t, fused, 5)

	// c is rank 3 in both lists: 1/63 + 1/63 beats any single rank-1 hit.
	require.Equal(t, "c", fused[0].ID)
	require.InDelta(t, 1.0/63+1.0/63, fused[0].Score, 1e-12)

	// Single-signal entries tie-break by raw ranks; a and d share rank 1.
	next := []string{fused[1].ID, fused[2].ID}
	require.ElementsMatch(t, []string{"a", "d"}, next)
	require.InDelta(t, 1.0/61, fused[1].Score, 1e-12)
}

func TestFuseScoreIsRankBasedNotScoreBased(t *testing.T) {
	// Raw scores live on different scales per signal; only ranks count.
	vector := []types.SearchResult{result("a", 0.99)}
	lexical := []types.SearchResult{result("b", 500.0)}

	fused := fuse([][]types.SearchResult{vector, lexical}, 60)
	require.Len(t, fused, 2)
	require.InDelta(t, fused[0].Score, fused[1].Score, 1e-12)
}

func TestFuseSharedEntrySumsRanks(t *testing.T) {
	vector := []types.SearchResult{result("x", 0.9), result("y", 0.8)}
	lexical := []types.SearchResult{result("z", 3.0), result("x", 2.0), result("y", 1.0)}

	fused := fuse([][]types.SearchResult{vector, lexical}, 60)

	scores := make(map[string]float64, len(fused))
	for _, res := range fused {
		scores[res.ID] = res.Score
	}
	require.InDelta(t, 1.0/61+1.0/62, scores["x"], 1e-12)
	require.InDelta(t, 1.0/62+1.0/63, scores["y"], 1e-12)
	require.InDelta(t, 1.0/61, scores["z"], 1e-12)
	require.Equal(t, "x", fused[0].ID)
}

func TestFuseEmptyLexicalList(t *testing.T) {
	vector := []types.SearchResult{result("a", 0.9), result("b", 0.5)}

	fused := fuse([][]types.SearchResult{vector, nil}, 60)
	require.Len(t, fused, 2)
	require.Equal(t, "a", fused[0].ID)
	require.Equal(t, "b", fused[1].ID)
	require.Greater(t, fused[0].Score, fused[1].Score)
}

func TestFuseKeepsContentFromFirstAppearance(t *testing.T) {
	vector := []types.SearchResult{{ID: "a", Score: 0.9, Content: "from vector"}}
	lexical := []types.SearchResult{{ID: "a", Score: 5.0, Content: "from lexical"}}

	fused := fuse([][]types.SearchResult{vector, lexical}, 60)
	require.Len(t, fused, 1)
	require.Equal(t, "from vector", fused[0].Content)
}

func TestTableNameIsStable(t *testing.T) {
	id := uuid.MustParse("9f3c1a2b-4d5e-4f60-8a71-02b3c4d5e6f7")
	require.Equal(t, "kb_chunks_9f3c1a2b4d5e4f608a7102b3c4d5e6f7", tableName(id))
	require.Equal(t, tableName(id), tableName(id))
}

func TestBuildFilterWhitelistsColumns(t *testing.T) {
	docID := uuid.New()
	where, args := buildFilter(Filters{
		"document_id": docID,
		"chunk_index": 3,
		"content":     "drop table", // not a filterable column
	}, 3)

	require.Equal(t, "WHERE chunk_index = $3 AND document_id = $4", where)
	require.Equal(t, []any{3, docID}, args)
}

func TestBuildFilterEmpty(t *testing.T) {
	where, args := buildFilter(nil, 2)
	require.Empty(t, where)
	require.Nil(t, args)
}

// maxPlaceholder returns the highest $N referenced in a query.
func maxPlaceholder(t *testing.T, query string) int {
	t.Helper()
	max := 0
	for _, m := range regexp.MustCompile(`\$(\d+)`).FindAllStringSubmatch(query, -1) {
		n, err := strconv.Atoi(m[1])
		require.NoError(t, err)
		if n > max {
			max = n
		}
	}
	return max
}

func TestSearchQueryPlaceholdersMatchArgs(t *testing.T) {
	r := &Retriever{
		dimension: 3,
		tsConfig:  "simple",
		cfg:       config.RetrieverConfig{VectorWeight: 0.7, TextWeight: 0.3},
	}
	vec := []float32{0.1, 0.2, 0.3}
	filters := Filters{"document_id": uuid.New()}

	// Vector only: the filter must bind right after the vector at $2.
	query, args := r.searchQuery("kb_chunks_test", vec, "", 10, filters)
	require.Contains(t, query, "WHERE document_id = $2")
	require.Len(t, args, 2)
	require.Equal(t, len(args), maxPlaceholder(t, query))

	// With query text the filter shifts past the text parameter.
	query, args = r.searchQuery("kb_chunks_test", vec, "failover runbook", 10, filters)
	require.Contains(t, query, "WHERE document_id = $3")
	require.Len(t, args, 3)
	require.Equal(t, len(args), maxPlaceholder(t, query))
}

func TestSearchQueryNoFilters(t *testing.T) {
	r := &Retriever{dimension: 3, tsConfig: "simple", cfg: config.RetrieverConfig{VectorWeight: 0.7, TextWeight: 0.3}}
	vec := []float32{0.1, 0.2, 0.3}

	query, args := r.searchQuery("kb_chunks_test", vec, "", 10, nil)
	require.NotContains(t, query, "WHERE")
	require.Len(t, args, 1)
	require.Equal(t, 1, maxPlaceholder(t, query))

	query, args = r.searchQuery("kb_chunks_test", vec, "failover", 10, nil)
	require.Len(t, args, 2)
	require.Equal(t, 2, maxPlaceholder(t, query))
}

func TestTrimRankedSortsAndCuts(t *testing.T) {
	list := []types.SearchResult{result("low", 0.1), result("high", 0.9), result("mid", 0.5)}
	trimmed := trimRanked(list, 2)
	require.Len(t, trimmed, 2)
	require.Equal(t, "high", trimmed[0].ID)
	require.Equal(t, "mid", trimmed[1].ID)
}
