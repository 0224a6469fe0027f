package rag

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/components/retriever"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
)

const qaPrompt = `Use the following pieces of context to answer the question at the end. If you don't know the answer, just say that you don't know, don't try to make up an answer.

{context}

Question: {question}
Helpful Answer:`

// QA stuffs the retrieved rows into one prompt and asks the chat model.
type QA struct {
	runnable compose.Runnable[string, *schema.Message]
}

func NewQA(ctx context.Context, r retriever.Retriever, chatModel model.BaseChatModel) (*QA, error) {
	if r == nil || chatModel == nil {
		return nil, errors.New("retriever and chat model are required")
	}
	chain := compose.NewChain[string, *schema.Message]()
	chain.
		AppendLambda(compose.InvokableLambda(func(ctx context.Context, question string) (map[string]any, error) {
			docs, err := r.Retrieve(ctx, question)
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"context":  joinDocuments(docs),
				"question": question,
			}, nil
		})).
		AppendChatTemplate(prompt.FromMessages(schema.FString, schema.UserMessage(qaPrompt))).
		AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile qa chain: %w", err)
	}
	return &QA{runnable: runnable}, nil
}

// Answer streams the answer to question. onChunk receives the text produced
// so far after every chunk.
func (q *QA) Answer(ctx context.Context, question string, onChunk func(string) error) (string, error) {
	stream, err := q.runnable.Stream(ctx, question)
	if err != nil {
		return "", fmt.Errorf("run qa chain: %w", err)
	}
	defer stream.Close()

	var sb strings.Builder
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("receive answer: %w", err)
		}
		if chunk == nil || chunk.Content == "" {
			continue
		}
		sb.WriteString(chunk.Content)
		if onChunk != nil {
			if err := onChunk(sb.String()); err != nil {
				return "", err
			}
		}
	}
	return strings.TrimSpace(sb.String()), nil
}

func joinDocuments(docs []*schema.Document) string {
	parts := make([]string, 0, len(docs))
	for _, d := range docs {
		parts = append(parts, d.Content)
	}
	return strings.Join(parts, "\n\n")
}
