package csvload

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitterRespectsChunkSize(t *testing.T) {
	s, err := NewSplitterWithSize(context.Background(), 20, 0)
	require.NoError(t, err)
	text := strings.Repeat("alpha beta gamma\n", 5) + "\n\n" + strings.Repeat("delta ", 12)

	out, err := s.Transform(context.Background(), []*schema.Document{{ID: "f.csv#0", Content: text}})
	require.NoError(t, err)
	require.Greater(t, len(out), 1)
	for _, c := range out {
		assert.LessOrEqual(t, utf8.RuneCountInString(c.Content), 20, c.Content)
	}
	assert.Contains(t, out[0].Content, "alpha beta gamma")
}

func TestSplitterTransform(t *testing.T) {
	s, err := NewSplitterWithSize(context.Background(), 10, 0)
	require.NoError(t, err)
	src := []*schema.Document{{
		ID:       "f.csv#0",
		Content:  "name: Ann\nage: 31\ncity: Rome",
		MetaData: map[string]any{MetaRow: 0},
	}}

	out, err := s.Transform(context.Background(), src)
	require.NoError(t, err)
	require.Len(t, out, 3)
	for i, doc := range out {
		assert.Equal(t, fmt.Sprintf("f.csv#0_%d", i), doc.ID)
		assert.Equal(t, 0, doc.MetaData[MetaRow])
	}
	assert.Contains(t, out[2].Content, "city: Rome")
}

func TestSplitterDefaultKeepsSmallDocuments(t *testing.T) {
	s, err := NewSplitter(context.Background())
	require.NoError(t, err)

	out, err := s.Transform(context.Background(), []*schema.Document{{ID: "a#0", Content: "region: North\nunits: 10"}})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Contains(t, out[0].Content, "region: North")
}

func TestSplitterRejectsBadOverlap(t *testing.T) {
	_, err := NewSplitterWithSize(context.Background(), 5, 5)
	assert.Error(t, err)
	_, err = NewSplitterWithSize(context.Background(), 0, 0)
	assert.Error(t, err)
}
