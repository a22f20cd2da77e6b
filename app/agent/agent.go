// Package agent talks to the answer-generating language model. The
// orchestration above it only sees Generator; the wire shape of each
// provider stays in here.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"opskb/config"
)

// Completion is one generated answer with the provider's token usage,
// zero when the provider does not report it.
type Completion struct {
	Text         string
	InputTokens  int
	OutputTokens int
}

type Generator interface {
	Complete(ctx context.Context, system, user string) (*Completion, error)
}

func NewGenerator(cfg config.LLMConfig) (Generator, error) {
	client := &http.Client{Timeout: cfg.Timeout}
	switch cfg.Provider {
	case "ollama":
		return &OllamaGenerator{url: cfg.URL, model: cfg.Model, client: client}, nil
	case "openai":
		return &OpenAIGenerator{url: cfg.URL, apiKey: cfg.APIKey, model: cfg.Model, client: client}, nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}

type OllamaGenerator struct {
	url    string
	model  string
	client *http.Client
}

type ollamaRequest struct {
	Model  string `json:"model"`
	System string `json:"system"`
	Prompt string `json:"prompt"`
}

type ollamaChunk struct {
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

func (g *OllamaGenerator) Complete(ctx context.Context, system, user string) (*Completion, error) {
	start := time.Now()

	reqBody, err := json.Marshal(ollamaRequest{
		Model:  g.model,
		System: system,
		Prompt: user,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("llm returned %d: %s", resp.StatusCode, body)
	}

	// The default response is a stream of JSON chunks; collect them all.
	// A non-streaming server sends a single chunk with done=true, which
	// the same loop handles.
	var out Completion
	decoder := json.NewDecoder(resp.Body)
	for decoder.More() {
		var chunk ollamaChunk
		if err := decoder.Decode(&chunk); err != nil {
			return nil, fmt.Errorf("decode llm stream: %w", err)
		}
		out.Text += chunk.Response
		if chunk.Done {
			out.InputTokens = chunk.PromptEvalCount
			out.OutputTokens = chunk.EvalCount
		}
	}

	slog.Debug("llm answer generated", "model", g.model, "took", time.Since(start))
	return &out, nil
}

type OpenAIGenerator struct {
	url    string
	apiKey string
	model  string
	client *http.Client
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (g *OpenAIGenerator) Complete(ctx context.Context, system, user string) (*Completion, error) {
	reqBody, err := json.Marshal(chatRequest{
		Model: g.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("llm returned %d: %s", resp.StatusCode, body)
	}

	var chat chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		return nil, fmt.Errorf("decode llm response: %w", err)
	}
	if len(chat.Choices) == 0 {
		return nil, fmt.Errorf("llm returned no choices")
	}

	return &Completion{
		Text:         chat.Choices[0].Message.Content,
		InputTokens:  chat.Usage.PromptTokens,
		OutputTokens: chat.Usage.CompletionTokens,
	}, nil
}
