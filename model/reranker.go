package model

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"opskb/config"
	"opskb/types"
)

// RerankResult points back into the candidate list handed to Rerank.
type RerankResult struct {
	Index int
	Score float64
}

// Reranker rescores candidates with a cross-encoder style relevance
// model. An empty document list yields an empty result, never an error.
type Reranker interface {
	Rerank(ctx context.Context, query string, documents []string, topK int) ([]RerankResult, error)
}

func NewReranker(cfg config.RerankConfig) (Reranker, error) {
	switch cfg.Provider {
	case "http":
		return NewHTTPReranker(cfg.URL, cfg.Timeout), nil
	case "dashscope":
		return NewDashScopeReranker(cfg.URL, cfg.APIKey, cfg.Model, cfg.Timeout), nil
	default:
		return nil, &types.ConfigurationError{
			Field:  "RERANK_PROVIDER",
			Reason: fmt.Sprintf("unknown provider %q", cfg.Provider),
		}
	}
}

// clampRerank enforces the contract regardless of what the provider
// returned: at most min(topK, len(documents)) results, strictly sorted
// by score descending.
func clampRerank(results []RerankResult, topK, docCount int) []RerankResult {
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	limit := topK
	if docCount < limit {
		limit = docCount
	}
	if len(results) > limit {
		results = results[:limit]
	}
	return results
}

// HTTPReranker calls a self-hosted rerank service exposing POST /rerank.
type HTTPReranker struct {
	url    string
	client *http.Client
}

func NewHTTPReranker(url string, timeout time.Duration) *HTTPReranker {
	return &HTTPReranker{url: url, client: &http.Client{Timeout: timeout}}
}

type httpRerankRequest struct {
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	TopK      int      `json:"top_k"`
}

type httpRerankResponse struct {
	Results []struct {
		Index int     `json:"index"`
		Score float64 `json:"score"`
	} `json:"results"`
}

func (r *HTTPReranker) Rerank(ctx context.Context, query string, documents []string, topK int) ([]RerankResult, error) {
	if len(documents) == 0 {
		return nil, nil
	}

	limit := topK
	if len(documents) < limit {
		limit = len(documents)
	}
	body, err := json.Marshal(httpRerankRequest{Query: query, Documents: documents, TopK: limit})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("rerank API error: status %d, body: %s", resp.StatusCode, string(respBody))
	}

	var out httpRerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	results := make([]RerankResult, 0, len(out.Results))
	for _, item := range out.Results {
		if item.Index < 0 || item.Index >= len(documents) {
			continue
		}
		results = append(results, RerankResult{Index: item.Index, Score: item.Score})
	}
	return clampRerank(results, topK, len(documents)), nil
}

// DashScopeReranker calls the hosted gte-rerank endpoint.
type DashScopeReranker struct {
	url    string
	apiKey string
	model  string
	client *http.Client
}

func NewDashScopeReranker(url, apiKey, model string, timeout time.Duration) *DashScopeReranker {
	return &DashScopeReranker{
		url:    url,
		apiKey: apiKey,
		model:  model,
		client: &http.Client{Timeout: timeout},
	}
}

type dashScopeRerankRequest struct {
	Model string `json:"model"`
	Input struct {
		Query     string   `json:"query"`
		Documents []string `json:"documents"`
	} `json:"input"`
	Parameters struct {
		TopN            int  `json:"top_n"`
		ReturnDocuments bool `json:"return_documents"`
	} `json:"parameters"`
}

type dashScopeRerankResponse struct {
	Output struct {
		Results []struct {
			Index          int     `json:"index"`
			RelevanceScore float64 `json:"relevance_score"`
		} `json:"results"`
	} `json:"output"`
}

func (r *DashScopeReranker) Rerank(ctx context.Context, query string, documents []string, topK int) ([]RerankResult, error) {
	if len(documents) == 0 {
		return nil, nil
	}

	reqBody := dashScopeRerankRequest{Model: r.model}
	reqBody.Input.Query = query
	reqBody.Input.Documents = documents
	reqBody.Parameters.TopN = topK
	if len(documents) < topK {
		reqBody.Parameters.TopN = len(documents)
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.apiKey)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("rerank API error: status %d, body: %s", resp.StatusCode, string(respBody))
	}

	var out dashScopeRerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	results := make([]RerankResult, 0, len(out.Output.Results))
	for _, item := range out.Output.Results {
		if item.Index < 0 || item.Index >= len(documents) {
			continue
		}
		results = append(results, RerankResult{Index: item.Index, Score: item.RelevanceScore})
	}
	return clampRerank(results, topK, len(documents)), nil
}
