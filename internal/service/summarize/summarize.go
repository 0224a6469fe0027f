// Package summarize produces a short summary of an uploaded CSV by stuffing
// its first chunks into a single prompt.
package summarize

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/document"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"

	"csvai/internal/csvload"
	"csvai/internal/logger"
)

const (
	MaxChunks     = 50
	answerReserve = 512

	summaryPrompt = "Write a concise summary of the following:\n\n\"{text}\"\n\nCONCISE SUMMARY:"
	chunkSep      = "\n\n"
)

var ErrNothingToSummarize = errors.New("the file has no content to summarize")

type Service struct {
	counter TokenCounter
}

func NewService(counter TokenCounter) *Service {
	if counter == nil {
		counter = ApproxCounter{}
	}
	return &Service{counter: counter}
}

// LoadChunks reads a stored upload and splits it into at most MaxChunks chunks.
func (s *Service) LoadChunks(ctx context.Context, path string) ([]*schema.Document, error) {
	loader, err := csvload.NewLoader(ctx)
	if err != nil {
		return nil, err
	}
	docs, err := loader.Load(ctx, document.Source{URI: path})
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	splitter, err := csvload.NewSplitter(ctx)
	if err != nil {
		return nil, err
	}
	chunks, err := splitter.Transform(ctx, docs)
	if err != nil {
		return nil, fmt.Errorf("split documents: %w", err)
	}
	if len(chunks) > MaxChunks {
		chunks = chunks[:MaxChunks]
	}
	return chunks, nil
}

// Fit drops chunks from the tail until the stuffed prompt leaves room for
// the answer in a window of contextWindow tokens. The first chunk is always kept.
func (s *Service) Fit(chunks []*schema.Document, contextWindow int) []*schema.Document {
	if len(chunks) == 0 {
		return chunks
	}
	budget := contextWindow - answerReserve - s.counter.Count(summaryPrompt)
	sepTokens := s.counter.Count(chunkSep)
	used := 0
	for i, c := range chunks {
		cost := s.counter.Count(c.Content)
		if i > 0 {
			cost += sepTokens
		}
		if i > 0 && used+cost > budget {
			return chunks[:i]
		}
		used += cost
	}
	return chunks
}

// Summarize runs the stuff chain over chunks with chatModel.
func (s *Service) Summarize(ctx context.Context, chatModel model.BaseChatModel, chunks []*schema.Document, contextWindow int) (string, error) {
	if len(chunks) == 0 {
		return "", ErrNothingToSummarize
	}
	kept := s.Fit(chunks, contextWindow)
	if len(kept) < len(chunks) {
		logger.Extract(ctx).Info("summary input trimmed to context window",
			zap.Int("chunks", len(chunks)),
			zap.Int("kept", len(kept)),
			zap.Int("context_window", contextWindow),
		)
	}

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.
		AppendChatTemplate(prompt.FromMessages(schema.FString, schema.UserMessage(summaryPrompt))).
		AppendChatModel(chatModel)
	runnable, err := chain.Compile(ctx)
	if err != nil {
		return "", fmt.Errorf("compile summary chain: %w", err)
	}

	texts := make([]string, len(kept))
	for i, c := range kept {
		texts[i] = c.Content
	}
	out, err := runnable.Invoke(ctx, map[string]any{"text": strings.Join(texts, chunkSep)})
	if err != nil {
		return "", fmt.Errorf("run summary chain: %w", err)
	}
	return strings.TrimSpace(out.Content), nil
}
