package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"opskb/config"
	"opskb/index"
	"opskb/types"
)

type stubEmbedder struct{}

func (stubEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}

func (stubEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	vecs := make([][]float32, len(texts))
	for i := range texts {
		vecs[i] = []float32{1, 0, 0}
	}
	return vecs, nil
}

func (stubEmbedder) Dimension() int { return 3 }

type stubSearcher struct {
	results      []types.SearchResult
	hybridCalls  int
	searchCalls  int
	gotTopK      int
	gotThreshold float64
}

func (s *stubSearcher) Search(_ context.Context, _ []uuid.UUID, _ []float32, _ string,
	topK int, threshold float64, _ index.Filters) ([]types.SearchResult, error) {
	s.searchCalls++
	s.gotTopK = topK
	s.gotThreshold = threshold
	return s.results, nil
}

func (s *stubSearcher) HybridSearch(_ context.Context, _ []uuid.UUID, _ []float32, _ string,
	topK int) ([]types.SearchResult, error) {
	s.hybridCalls++
	s.gotTopK = topK
	return s.results, nil
}

type stubAnswerer struct {
	answer *types.Answer
	err    error
}

func (s *stubAnswerer) Ask(_ context.Context, _ types.QAParams) (*types.Answer, error) {
	return s.answer, s.err
}

func newTestApp(h *QueryHandler) *fiber.App {
	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler})
	app.Post("/search", h.HandleSearch)
	app.Post("/qa", h.HandleQA)
	return app
}

func postJSON(t *testing.T, app *fiber.App, path string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	resp.Body.Close()
}

func TestHandleSearchHybridMode(t *testing.T) {
	searcher := &stubSearcher{results: []types.SearchResult{{ID: "a", Score: 0.03}}}
	h := NewQueryHandler(stubEmbedder{}, searcher, &stubAnswerer{},
		config.RetrieverConfig{UseHybridSearch: true})
	app := newTestApp(h)

	resp := postJSON(t, app, "/search", fiber.Map{
		"query":  "failover",
		"kb_ids": []string{uuid.NewString()},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Results []types.SearchResult `json:"results"`
		Count   int                  `json:"count"`
	}
	decodeBody(t, resp, &body)
	require.Equal(t, 1, body.Count)
	require.Equal(t, 1, searcher.hybridCalls)
	require.Zero(t, searcher.searchCalls)
	require.Equal(t, defaultSearchTopK, searcher.gotTopK)
}

func TestHandleSearchThresholdModeWithOverrides(t *testing.T) {
	searcher := &stubSearcher{}
	h := NewQueryHandler(stubEmbedder{}, searcher, &stubAnswerer{},
		config.RetrieverConfig{UseHybridSearch: false, ScoreThreshold: 0.5})
	app := newTestApp(h)

	resp := postJSON(t, app, "/search", fiber.Map{
		"query":           "failover",
		"kb_ids":          []string{uuid.NewString()},
		"top_k":           7,
		"score_threshold": 0.8,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 1, searcher.searchCalls)
	require.Equal(t, 7, searcher.gotTopK)
	require.InDelta(t, 0.8, searcher.gotThreshold, 1e-9)
}

func TestHandleSearchExplicitZeroThreshold(t *testing.T) {
	searcher := &stubSearcher{}
	h := NewQueryHandler(stubEmbedder{}, searcher, &stubAnswerer{},
		config.RetrieverConfig{UseHybridSearch: false, ScoreThreshold: 0.5})
	app := newTestApp(h)

	// An explicit zero disables the cut instead of falling back to the
	// configured default.
	resp := postJSON(t, app, "/search", fiber.Map{
		"query":           "failover",
		"kb_ids":          []string{uuid.NewString()},
		"score_threshold": 0,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 1, searcher.searchCalls)
	require.Zero(t, searcher.gotThreshold)

	// Omitting the field keeps the configured default.
	resp = postJSON(t, app, "/search", fiber.Map{
		"query":  "failover",
		"kb_ids": []string{uuid.NewString()},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.InDelta(t, 0.5, searcher.gotThreshold, 1e-9)
}

func TestHandleSearchValidation(t *testing.T) {
	h := NewQueryHandler(stubEmbedder{}, &stubSearcher{}, &stubAnswerer{}, config.RetrieverConfig{})
	app := newTestApp(h)

	// missing kb_ids
	resp := postJSON(t, app, "/search", fiber.Map{"query": "failover"})
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	// malformed body
	req := httptest.NewRequest(http.MethodPost, "/search", bytes.NewReader([]byte("{not json")))
	req.Header.Set("Content-Type", "application/json")
	raw, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, raw.StatusCode)
}

func TestHandleQA(t *testing.T) {
	answer := &types.Answer{Answer: "Promote the replica.", Sources: []types.Source{}}
	h := NewQueryHandler(stubEmbedder{}, &stubSearcher{}, &stubAnswerer{answer: answer}, config.RetrieverConfig{})
	app := newTestApp(h)

	resp := postJSON(t, app, "/qa", fiber.Map{
		"question": "how to failover?",
		"kb_ids":   []string{uuid.NewString()},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got types.Answer
	decodeBody(t, resp, &got)
	require.Equal(t, "Promote the replica.", got.Answer)
}

func TestErrorHandlerMapsDomainErrors(t *testing.T) {
	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler})
	app.Get("/notfound", func(c *fiber.Ctx) error { return types.ErrNotFound })
	app.Get("/busy", func(c *fiber.Ctx) error { return types.ErrAlreadyProcessing })
	app.Get("/badconf", func(c *fiber.Ctx) error {
		return &types.ConfigurationError{Field: "CHUNK_OVERLAP", Reason: "too large"}
	})
	app.Get("/wrapped", func(c *fiber.Ctx) error {
		return fmt.Errorf("loading document: %w", types.ErrNotFound)
	})
	app.Get("/boom", func(c *fiber.Ctx) error { return fmt.Errorf("pool exhausted") })

	cases := map[string]int{
		"/notfound": http.StatusNotFound,
		"/busy":     http.StatusConflict,
		"/badconf":  http.StatusBadRequest,
		"/wrapped":  http.StatusNotFound,
		"/boom":     http.StatusInternalServerError,
	}
	for path, want := range cases {
		resp, err := app.Test(httptest.NewRequest(http.MethodGet, path, nil))
		require.NoError(t, err)
		require.Equal(t, want, resp.StatusCode, path)
	}
}
