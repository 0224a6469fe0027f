package rag

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/philippgille/chromem-go"
	"go.uber.org/zap"

	"csvai/internal/config"
	"csvai/internal/logger"
)

// ClientFactory builds the embeddings client for an API key.
type ClientFactory func(apiKey string) EmbeddingClient

// Service owns the in-memory vector store. Each session gets one collection.
type Service struct {
	db        *chromem.DB
	cfg       config.EmbeddingConfig
	cache     *EmbeddingCache
	newClient ClientFactory
}

func NewService(cfg *config.Config, cache *EmbeddingCache) *Service {
	baseURL := cfg.Providers[config.ProviderOpenAI].BaseURL
	return &Service{
		db:    chromem.NewDB(),
		cfg:   cfg.Embedding,
		cache: cache,
		newClient: func(apiKey string) EmbeddingClient {
			return NewOpenAIClient(apiKey, baseURL)
		},
	}
}

// WithClientFactory replaces how embeddings clients are built.
func (s *Service) WithClientFactory(f ClientFactory) *Service {
	s.newClient = f
	return s
}

func collectionName(sessionID int64) string {
	return fmt.Sprintf("session-%d", sessionID)
}

// Build embeds docs and replaces the session's collection with them.
func (s *Service) Build(ctx context.Context, sessionID int64, apiKey string, docs []*schema.Document) (*Retriever, error) {
	if apiKey == "" {
		return nil, errors.New("api key required for embeddings")
	}
	start := time.Now()
	embedder := NewEmbedder(s.newClient(apiKey), s.cfg, s.cache)

	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Content
	}
	vecs, err := embedder.Embed(ctx, texts)
	if err != nil {
		return nil, err
	}

	name := collectionName(sessionID)
	if err := s.db.DeleteCollection(name); err != nil {
		return nil, fmt.Errorf("drop collection %s: %w", name, err)
	}
	col, err := s.db.CreateCollection(name, nil, embedder.EmbeddingFunc())
	if err != nil {
		return nil, fmt.Errorf("create collection %s: %w", name, err)
	}
	if len(docs) > 0 {
		chromemDocs := make([]chromem.Document, len(docs))
		for i, d := range docs {
			chromemDocs[i] = chromem.Document{
				ID:        d.ID,
				Content:   d.Content,
				Metadata:  toChromemMeta(d.MetaData),
				Embedding: vecs[i],
			}
		}
		if err := col.AddDocuments(ctx, chromemDocs, runtime.NumCPU()); err != nil {
			return nil, fmt.Errorf("add documents: %w", err)
		}
	}

	topK := s.cfg.TopK
	if topK <= 0 {
		topK = DefaultTopK
	}
	logger.Extract(ctx).Info("vector index built",
		zap.Int64("session_id", sessionID),
		zap.Int("documents", len(docs)),
		zap.Duration("took", time.Since(start)),
	)
	return &Retriever{collection: col, embedder: embedder, topK: topK}, nil
}

// Drop removes the session's collection.
func (s *Service) Drop(sessionID int64) error {
	return s.db.DeleteCollection(collectionName(sessionID))
}
