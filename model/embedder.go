package model

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"opskb/config"
	"opskb/types"
)

// Embedder turns text into fixed-dimension vectors. Implementations must
// return vectors in the same order texts were submitted.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// NewEmbedder builds the provider selected by configuration. No hidden
// globals: the caller owns the instance.
func NewEmbedder(cfg config.EmbedderConfig) (Embedder, error) {
	var provider Embedder
	switch cfg.Provider {
	case "openai":
		provider = NewOpenAIEmbedder(cfg.APIBase, cfg.APIKey, cfg.Model, cfg.Dimension, cfg.Timeout)
	case "ollama":
		provider = NewOllamaEmbedder(cfg.APIBase, cfg.Model, cfg.Dimension, cfg.Timeout)
	default:
		return nil, &types.ConfigurationError{
			Field:  "EMBEDDING_PROVIDER",
			Reason: fmt.Sprintf("unknown provider %q", cfg.Provider),
		}
	}
	return NewBatchEmbedder(provider, cfg.BatchSize, cfg.MaxRetries, cfg.RetryDelay), nil
}

// BatchEmbedder wraps a provider with upstream-friendly batching and a
// bounded retry on transient failures. Order of the returned vectors
// matches the order of the input texts.
type BatchEmbedder struct {
	provider   Embedder
	batchSize  int
	maxRetries int
	retryDelay time.Duration
	logger     *slog.Logger
}

func NewBatchEmbedder(provider Embedder, batchSize, maxRetries int, retryDelay time.Duration) *BatchEmbedder {
	if batchSize <= 0 {
		batchSize = 32
	}
	return &BatchEmbedder{
		provider:   provider,
		batchSize:  batchSize,
		maxRetries: maxRetries,
		retryDelay: retryDelay,
		logger:     slog.Default(),
	}
}

func (b *BatchEmbedder) Dimension() int { return b.provider.Dimension() }

func (b *BatchEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := b.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (b *BatchEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += b.batchSize {
		end := start + b.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		vecs, err := b.embedWithRetry(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
		b.logger.Debug("embedding progress", "done", end, "total", len(texts))
	}
	return out, nil
}

func (b *BatchEmbedder) embedWithRetry(ctx context.Context, texts []string) ([][]float32, error) {
	var lastErr error
	for attempt := 0; attempt <= b.maxRetries; attempt++ {
		if attempt > 0 {
			b.logger.Warn("retrying embedding batch", "attempt", attempt, "error", lastErr)
			select {
			case <-time.After(b.retryDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		vecs, err := b.provider.EmbedBatch(ctx, texts)
		if err == nil {
			if len(vecs) != len(texts) {
				return nil, &types.EmbeddingError{
					Provider: providerName(b.provider),
					Err:      fmt.Errorf("got %d vectors for %d texts", len(vecs), len(texts)),
				}
			}
			return vecs, nil
		}
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		lastErr = err
	}
	return nil, &types.EmbeddingError{Provider: providerName(b.provider), Err: lastErr}
}

func providerName(e Embedder) string {
	switch e.(type) {
	case *OpenAIEmbedder:
		return "openai"
	case *OllamaEmbedder:
		return "ollama"
	default:
		return fmt.Sprintf("%T", e)
	}
}
