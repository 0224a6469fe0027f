// Package rag answers questions about an uploaded CSV from the rows that are
// closest to the question in embedding space.
package rag

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/cloudwego/eino/components/embedding"
	"github.com/philippgille/chromem-go"
	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"csvai/internal/config"
	"csvai/internal/logger"
)

const (
	defaultAttempts = 3
	defaultDelay    = 200 * time.Millisecond
	defaultMaxDelay = 2 * time.Second
)

// EmbeddingClient is the part of the go-openai client used for embeddings.
type EmbeddingClient interface {
	CreateEmbeddings(ctx context.Context, conv openai.EmbeddingRequestConverter) (openai.EmbeddingResponse, error)
}

// NewOpenAIClient builds an embeddings client for apiKey. An empty baseURL
// keeps the public endpoint.
func NewOpenAIClient(apiKey, baseURL string) *openai.Client {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return openai.NewClientWithConfig(cfg)
}

// Embedder batches texts into embedding requests, retries transient failures
// and serves repeated texts from the cache.
type Embedder struct {
	client    EmbeddingClient
	model     string
	batchSize int
	cache     *EmbeddingCache
	retryOpts []retry.Option
}

var _ embedding.Embedder = (*Embedder)(nil)

func NewEmbedder(client EmbeddingClient, cfg config.EmbeddingConfig, cache *EmbeddingCache) *Embedder {
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 64
	}
	return &Embedder{
		client:    client,
		model:     cfg.Model,
		batchSize: batch,
		cache:     cache,
		retryOpts: []retry.Option{
			retry.Attempts(defaultAttempts),
			retry.Delay(defaultDelay),
			retry.MaxDelay(defaultMaxDelay),
			retry.DelayType(retry.BackOffDelay),
			retry.LastErrorOnly(true),
			retry.RetryIf(retryable),
		},
	}
}

// Embed returns one vector per text, in input order.
func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missing []int
	for i, text := range texts {
		if vec, ok := e.cache.Get(ctx, CacheKey(e.model, text)); ok {
			out[i] = vec
			continue
		}
		missing = append(missing, i)
	}
	if len(missing) > 0 {
		logger.Extract(ctx).Debug("embedding texts",
			zap.Int("total", len(texts)),
			zap.Int("cached", len(texts)-len(missing)),
		)
	}

	for start := 0; start < len(missing); start += e.batchSize {
		end := min(start+e.batchSize, len(missing))
		idx := missing[start:end]
		batch := make([]string, len(idx))
		for j, i := range idx {
			batch[j] = texts[i]
		}
		vecs, err := e.request(ctx, batch)
		if err != nil {
			return nil, err
		}
		for j, i := range idx {
			out[i] = vecs[j]
			e.cache.Set(ctx, CacheKey(e.model, texts[i]), vecs[j])
		}
	}
	return out, nil
}

func (e *Embedder) request(ctx context.Context, batch []string) ([][]float32, error) {
	req := openai.EmbeddingRequest{
		Input: batch,
		Model: openai.EmbeddingModel(e.model),
	}
	var resp openai.EmbeddingResponse
	opts := append([]retry.Option{retry.Context(ctx)}, e.retryOpts...)
	err := retry.Do(func() error {
		var err error
		resp, err = e.client.CreateEmbeddings(ctx, req)
		return err
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("create embeddings: %w", err)
	}
	if len(resp.Data) != len(batch) {
		return nil, fmt.Errorf("create embeddings: got %d vectors for %d texts", len(resp.Data), len(batch))
	}
	vecs := make([][]float32, len(batch))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(batch) {
			return nil, fmt.Errorf("create embeddings: index %d out of range", d.Index)
		}
		vecs[d.Index] = d.Embedding
	}
	return vecs, nil
}

// EmbedStrings implements the eino embedder.
func (e *Embedder) EmbedStrings(ctx context.Context, texts []string, _ ...embedding.Option) ([][]float64, error) {
	vecs, err := e.Embed(ctx, texts)
	if err != nil {
		return nil, err
	}
	out := make([][]float64, len(vecs))
	for i, v := range vecs {
		out[i] = make([]float64, len(v))
		for j, f := range v {
			out[i][j] = float64(f)
		}
	}
	return out, nil
}

// EmbeddingFunc adapts the embedder for chromem collections.
func (e *Embedder) EmbeddingFunc() chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		vecs, err := e.Embed(ctx, []string{text})
		if err != nil {
			return nil, err
		}
		return vecs[0], nil
	}
}

// retryable rejects cancellations and client errors other than rate limits.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}
	if status == http.StatusTooManyRequests {
		return true
	}
	return status < 400 || status >= 500
}
