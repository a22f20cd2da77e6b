// Package qa answers questions over one or more knowledge bases:
// retrieve candidates, optionally rerank them, assemble a bounded
// context and ask the language model.
package qa

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/pkoukk/tiktoken-go"

	"opskb/app/agent"
	"opskb/config"
	"opskb/model"
	"opskb/types"
)

const systemPrompt = `You are an operations knowledge assistant. Answer strictly from the provided context.
If the context does not contain the information needed, say "No relevant information was found in the knowledge base." and nothing else.
Answer clearly and to the point, without introductions or filler.`

const userPromptTemplate = `Answer the question based on the following context.

Context:
%s

Question:
%s

Answer:`

// NoMatchAnswer is returned without calling the language model when
// retrieval comes back empty.
const NoMatchAnswer = "No relevant information was found in the knowledge base."

// sourceExcerptLen bounds the content echoed back per source, in runes.
const sourceExcerptLen = 200

type Searcher interface {
	Retrieve(ctx context.Context, kbIDs []uuid.UUID, queryVector []float32, queryText string, topK int) ([]types.SearchResult, error)
}

type Service struct {
	embedder  model.Embedder
	searcher  Searcher
	reranker  model.Reranker // nil when reranking is disabled
	generator agent.Generator
	cfg       config.QAConfig
	logger    *slog.Logger

	countTokens func(string) int
}

func New(
	cfg config.QAConfig,
	embedder model.Embedder,
	searcher Searcher,
	reranker model.Reranker,
	generator agent.Generator,
) (*Service, error) {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, fmt.Errorf("load token encoding: %w", err)
	}
	return &Service{
		embedder:  embedder,
		searcher:  searcher,
		reranker:  reranker,
		generator: generator,
		cfg:       cfg,
		logger:    slog.Default(),
		countTokens: func(s string) int {
			return len(enc.Encode(s, nil, nil))
		},
	}, nil
}

func (s *Service) Ask(ctx context.Context, params types.QAParams) (*types.Answer, error) {
	vec, err := s.embedder.Embed(ctx, params.Question)
	if err != nil {
		return nil, err
	}

	results, err := s.searcher.Retrieve(ctx, params.KBIDs, vec, params.Question, s.cfg.TopKRetrieve)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return &types.Answer{Answer: NoMatchAnswer, Sources: []types.Source{}}, nil
	}

	results = s.rerank(ctx, params.Question, results)

	contextText, used := s.buildContext(results)

	completion, err := s.generator.Complete(ctx, systemPrompt,
		fmt.Sprintf(userPromptTemplate, contextText, params.Question))
	if err != nil {
		return nil, err
	}

	sources := make([]types.Source, len(used))
	for i, res := range used {
		sources[i] = types.Source{
			Content:    excerpt(res.Content),
			Score:      res.Score,
			DocumentID: res.DocumentID,
			ChunkIndex: res.ChunkIndex,
		}
	}

	return &types.Answer{
		Answer:       strings.TrimSpace(completion.Text),
		Sources:      sources,
		InputTokens:  completion.InputTokens,
		OutputTokens: completion.OutputTokens,
	}, nil
}

// rerank rescores the candidates and keeps the configured top slice. A
// single candidate is returned as-is, and a reranker failure falls back
// to the retrieval order instead of failing the question.
func (s *Service) rerank(ctx context.Context, question string, results []types.SearchResult) []types.SearchResult {
	if s.reranker == nil || len(results) <= 1 {
		return clip(results, s.cfg.TopKRerank)
	}

	docs := make([]string, len(results))
	for i, res := range results {
		docs[i] = res.Content
	}

	ranked, err := s.reranker.Rerank(ctx, question, docs, s.cfg.TopKRerank)
	if err != nil {
		s.logger.Warn("rerank failed, using retrieval order", "error", err)
		return clip(results, s.cfg.TopKRerank)
	}
	if len(ranked) == 0 {
		return clip(results, s.cfg.TopKRerank)
	}

	out := make([]types.SearchResult, 0, len(ranked))
	for _, rr := range ranked {
		res := results[rr.Index]
		res.Score = rr.Score
		out = append(out, res)
	}
	return out
}

func clip(results []types.SearchResult, topK int) []types.SearchResult {
	if len(results) > topK {
		return results[:topK]
	}
	return results
}

// buildContext labels each candidate as a numbered source and stops
// when the token budget is reached. The first source is always
// included so the model never sees an empty context.
func (s *Service) buildContext(results []types.SearchResult) (string, []types.SearchResult) {
	var b strings.Builder
	var used []types.SearchResult
	total := 0

	for i, res := range results {
		block := fmt.Sprintf("[Source %d] %s", i+1, res.Content)
		tokens := s.countTokens(block)
		if len(used) > 0 && total+tokens > s.cfg.ContextMaxTokens {
			break
		}
		if len(used) > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(block)
		total += tokens
		used = append(used, res)
	}
	return b.String(), used
}

func excerpt(content string) string {
	runes := []rune(content)
	if len(runes) <= sourceExcerptLen {
		return content
	}
	return string(runes[:sourceExcerptLen]) + "..."
}
