package model

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHTTPRerankerEmptyDocuments(t *testing.T) {
	r := NewHTTPReranker("http://localhost:1/rerank", time.Second)
	results, err := r.Rerank(context.Background(), "q", nil, 5)
	require.NoError(t, err, "empty input must not hit the network")
	require.Empty(t, results)
}

func TestHTTPRerankerOrdersAndClamps(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		var in httpRerankRequest
		require.NoError(t, json.NewDecoder(req.Body).Decode(&in))
		require.Equal(t, "failover steps", in.Query)

		// Deliberately unsorted, with one bogus index.
		resp := map[string]any{"results": []map[string]any{
			{"index": 2, "score": 0.41},
			{"index": 0, "score": 0.93},
			{"index": 9, "score": 0.99},
			{"index": 1, "score": 0.77},
		}}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	r := NewHTTPReranker(srv.URL, time.Second)
	docs := []string{"doc a", "doc b", "doc c"}
	results, err := r.Rerank(context.Background(), "failover steps", docs, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, 0, results[0].Index)
	require.Equal(t, 1, results[1].Index)
	require.Greater(t, results[0].Score, results[1].Score)
}

func TestRerankTopKLargerThanDocuments(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		resp := map[string]any{"results": []map[string]any{
			{"index": 0, "score": 0.5},
			{"index": 1, "score": 0.6},
		}}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	r := NewHTTPReranker(srv.URL, time.Second)
	results, err := r.Rerank(context.Background(), "q", []string{"a", "b"}, 10)
	require.NoError(t, err)
	require.Len(t, results, 2, "at most min(topK, len(documents)) results")
}

func TestClampRerank(t *testing.T) {
	in := []RerankResult{{Index: 0, Score: 0.1}, {Index: 1, Score: 0.9}, {Index: 2, Score: 0.5}}
	out := clampRerank(in, 2, 3)
	require.Len(t, out, 2)
	require.Equal(t, 1, out[0].Index)
	require.Equal(t, 2, out[1].Index)
}
