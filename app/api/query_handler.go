package api

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"opskb/config"
	"opskb/index"
	"opskb/model"
	"opskb/types"
)

const defaultSearchTopK = 10

// Searcher is the retrieval surface the query handler uses; both modes
// are exposed so the score threshold stays overridable per request.
type Searcher interface {
	Search(ctx context.Context, kbIDs []uuid.UUID, queryVector []float32, queryText string,
		topK int, scoreThreshold float64, filters index.Filters) ([]types.SearchResult, error)
	HybridSearch(ctx context.Context, kbIDs []uuid.UUID, queryVector []float32, queryText string,
		topK int) ([]types.SearchResult, error)
}

type Answerer interface {
	Ask(ctx context.Context, params types.QAParams) (*types.Answer, error)
}

type QueryHandler struct {
	embedder model.Embedder
	searcher Searcher
	qa       Answerer
	cfg      config.RetrieverConfig
}

func NewQueryHandler(embedder model.Embedder, searcher Searcher, answerer Answerer, cfg config.RetrieverConfig) *QueryHandler {
	return &QueryHandler{
		embedder: embedder,
		searcher: searcher,
		qa:       answerer,
		cfg:      cfg,
	}
}

func (h *QueryHandler) HandleSearch(c *fiber.Ctx) error {
	var params types.SearchParams
	if c.BodyParser(&params) != nil {
		return ErrBadRequest()
	}
	if errors := types.Validate(&params); len(errors) > 0 {
		return NewValidationError(errors)
	}

	topK := params.TopK
	if topK == 0 {
		topK = defaultSearchTopK
	}

	vec, err := h.embedder.Embed(c.Context(), params.Query)
	if err != nil {
		return err
	}

	var results []types.SearchResult
	if h.cfg.UseHybridSearch {
		results, err = h.searcher.HybridSearch(c.Context(), params.KBIDs, vec, params.Query, topK)
	} else {
		threshold := h.cfg.ScoreThreshold
		if params.ScoreThreshold != nil {
			threshold = *params.ScoreThreshold
		}
		results, err = h.searcher.Search(c.Context(), params.KBIDs, vec, params.Query, topK, threshold, nil)
	}
	if err != nil {
		return err
	}
	if results == nil {
		results = []types.SearchResult{}
	}

	return c.JSON(fiber.Map{
		"results": results,
		"count":   len(results),
	})
}

func (h *QueryHandler) HandleQA(c *fiber.Ctx) error {
	var params types.QAParams
	if c.BodyParser(&params) != nil {
		return ErrBadRequest()
	}
	if errors := types.Validate(&params); len(errors) > 0 {
		return NewValidationError(errors)
	}

	answer, err := h.qa.Ask(c.Context(), params)
	if err != nil {
		return err
	}
	return c.JSON(answer)
}
