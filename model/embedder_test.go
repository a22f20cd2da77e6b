package model

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"opskb/types"
)

// fakeProvider records batch boundaries and can fail the first N calls.
type fakeProvider struct {
	dim       int
	batches   [][]string
	failFirst int
	calls     int
}

func (f *fakeProvider) Dimension() int { return f.dim }

func (f *fakeProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := f.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (f *fakeProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	f.calls++
	if f.calls <= f.failFirst {
		return nil, errors.New("transient provider failure")
	}
	f.batches = append(f.batches, texts)
	out := make([][]float32, len(texts))
	for i, t := range texts {
		// Encode input identity into the vector so order is checkable.
		out[i] = []float32{float32(len(t)), float32(t[0])}
	}
	return out, nil
}

func TestBatchEmbedderSplitsAndPreservesOrder(t *testing.T) {
	provider := &fakeProvider{dim: 2}
	be := NewBatchEmbedder(provider, 2, 0, 0)

	texts := []string{"a", "bb", "ccc", "dddd", "eeeee"}
	vecs, err := be.EmbedBatch(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, vecs, len(texts))

	for i, text := range texts {
		require.Equal(t, float32(len(text)), vecs[i][0],
			"vector %d does not match input order", i)
	}
	require.Len(t, provider.batches, 3) // 2 + 2 + 1
	require.Equal(t, []string{"a", "bb"}, provider.batches[0])
	require.Equal(t, []string{"eeeee"}, provider.batches[2])
}

func TestBatchEmbedderRetriesTransientFailures(t *testing.T) {
	provider := &fakeProvider{dim: 2, failFirst: 2}
	be := NewBatchEmbedder(provider, 10, 3, time.Millisecond)

	vecs, err := be.EmbedBatch(context.Background(), []string{"x", "y"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	require.Equal(t, 3, provider.calls)
}

func TestBatchEmbedderGivesUpAfterRetryBudget(t *testing.T) {
	provider := &fakeProvider{dim: 2, failFirst: 100}
	be := NewBatchEmbedder(provider, 10, 2, time.Millisecond)

	_, err := be.EmbedBatch(context.Background(), []string{"x"})
	require.Error(t, err)

	var embErr *types.EmbeddingError
	require.ErrorAs(t, err, &embErr)
	require.Equal(t, 3, provider.calls) // initial attempt + 2 retries
}

func TestBatchEmbedderStopsOnCancel(t *testing.T) {
	provider := &fakeProvider{dim: 2, failFirst: 100}
	be := NewBatchEmbedder(provider, 10, 5, 50*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := be.EmbedBatch(ctx, []string{"x"})
	require.Error(t, err)
}
