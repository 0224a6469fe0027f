package csvload

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/cloudwego/eino-ext/components/document/transformer/splitter/recursive"
	"github.com/cloudwego/eino/components/document"
)

const (
	DefaultChunkSize    = 500
	DefaultChunkOverlap = 0
)

var DefaultSeparators = []string{"\n\n", "\n", " "}

// NewSplitter returns the recursive character splitter used for summaries.
// Chunk length is measured in runes.
func NewSplitter(ctx context.Context) (document.Transformer, error) {
	return NewSplitterWithSize(ctx, DefaultChunkSize, DefaultChunkOverlap)
}

func NewSplitterWithSize(ctx context.Context, chunkSize, overlap int) (document.Transformer, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}
	if overlap < 0 || overlap >= chunkSize {
		return nil, fmt.Errorf("chunk overlap %d must be in [0, %d)", overlap, chunkSize)
	}
	return recursive.NewSplitter(ctx, &recursive.Config{
		ChunkSize:   chunkSize,
		OverlapSize: overlap,
		Separators:  DefaultSeparators,
		LenFunc:     utf8.RuneCountInString,
		IDGenerator: func(ctx context.Context, originalID string, splitIndex int) string {
			return fmt.Sprintf("%s_%d", originalID, splitIndex)
		},
	})
}
