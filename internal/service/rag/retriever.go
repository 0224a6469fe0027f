package rag

import (
	"context"
	"fmt"
	"strconv"

	"github.com/cloudwego/eino/components/embedding"
	"github.com/cloudwego/eino/components/retriever"
	"github.com/cloudwego/eino/schema"
	"github.com/philippgille/chromem-go"

	"csvai/internal/csvload"
)

const DefaultTopK = 4

// Retriever returns the rows of one session's collection nearest to a query.
type Retriever struct {
	collection *chromem.Collection
	embedder   embedding.Embedder
	topK       int
}

var _ retriever.Retriever = (*Retriever)(nil)

func (r *Retriever) Retrieve(ctx context.Context, query string, opts ...retriever.Option) ([]*schema.Document, error) {
	topK := r.topK
	o := retriever.GetCommonOptions(&retriever.Options{TopK: &topK}, opts...)
	if o.TopK != nil && *o.TopK > 0 {
		topK = *o.TopK
	}
	n := r.collection.Count()
	if n == 0 {
		return nil, nil
	}
	topK = min(topK, n)

	vecs, err := r.embedder.EmbedStrings(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("embed query: got %d vectors", len(vecs))
	}
	results, err := r.collection.QueryEmbedding(ctx, toFloat32(vecs[0]), topK, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query collection: %w", err)
	}
	docs := make([]*schema.Document, 0, len(results))
	for _, res := range results {
		doc := &schema.Document{
			ID:       res.ID,
			Content:  res.Content,
			MetaData: fromChromemMeta(res.Metadata),
		}
		docs = append(docs, doc.WithScore(float64(res.Similarity)))
	}
	return docs, nil
}

// Count is the number of indexed documents.
func (r *Retriever) Count() int {
	return r.collection.Count()
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, f := range v {
		out[i] = float32(f)
	}
	return out
}

func toChromemMeta(meta map[string]any) map[string]string {
	if len(meta) == 0 {
		return nil
	}
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[k] = fmt.Sprint(v)
	}
	return out
}

func fromChromemMeta(meta map[string]string) map[string]any {
	out := make(map[string]any, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	if row, ok := meta[csvload.MetaRow]; ok {
		if n, err := strconv.Atoi(row); err == nil {
			out[csvload.MetaRow] = n
		}
	}
	return out
}
