package worker

import (
	"context"
	"fmt"
	"os"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"

	"csvai/internal/csvload"
	"csvai/internal/frame"
	"csvai/internal/logger"
	"csvai/internal/models"
	"csvai/internal/service/analyze"
	"csvai/internal/service/llm"
	"csvai/internal/service/rag"
	"csvai/internal/service/summarize"
)

// Pipelines wires the three functionalities to the model providers.
type Pipelines struct {
	llm        *llm.Factory
	rag        *rag.Service
	summarizer *summarize.Service
}

var _ Engine = (*Pipelines)(nil)

func NewPipelines(factory *llm.Factory, ragSvc *rag.Service, summarizer *summarize.Service) *Pipelines {
	return &Pipelines{llm: factory, rag: ragSvc, summarizer: summarizer}
}

type chatRuntime struct {
	retriever    *rag.Retriever
	embeddingKey string
}

func (*chatRuntime) Mode() models.Mode { return models.ModeChat }

type summaryRuntime struct {
	chunks []*schema.Document
}

func (*summaryRuntime) Mode() models.Mode { return models.ModeSummarize }

type frameRuntime struct {
	frame *frame.Frame
}

func (*frameRuntime) Mode() models.Mode { return models.ModeAnalyze }

func (p *Pipelines) Prepare(ctx context.Context, session *models.Session, upload *models.Upload, sessionKey string) (Runtime, error) {
	switch session.Mode {
	case models.ModeChat:
		key, err := p.llm.EmbeddingKey(sessionKey)
		if err != nil {
			return nil, err
		}
		tbl, err := readTable(upload.StoredPath)
		if err != nil {
			return nil, err
		}
		retriever, err := p.rag.Build(ctx, session.ID, key, csvload.Documents(upload.FileName, tbl))
		if err != nil {
			return nil, err
		}
		return &chatRuntime{retriever: retriever, embeddingKey: key}, nil
	case models.ModeSummarize:
		chunks, err := p.summarizer.LoadChunks(ctx, upload.StoredPath)
		if err != nil {
			return nil, err
		}
		return &summaryRuntime{chunks: chunks}, nil
	case models.ModeAnalyze:
		tbl, err := readTable(upload.StoredPath)
		if err != nil {
			return nil, err
		}
		f := frame.FromTable(tbl)
		logger.Extract(ctx).Debug("frame loaded", zap.Int("rows", f.Len()), zap.Int("columns", len(f.Columns)))
		return &frameRuntime{frame: f}, nil
	}
	return nil, fmt.Errorf("unknown mode %q", session.Mode)
}

func (p *Pipelines) Usable(rt Runtime, sessionKey string) bool {
	chat, ok := rt.(*chatRuntime)
	if !ok {
		return true
	}
	key, err := p.llm.EmbeddingKey(sessionKey)
	return err == nil && key == chat.embeddingKey
}

func (p *Pipelines) Ask(ctx context.Context, session *models.Session, rt Runtime, sessionKey, question string, onChunk func(string) error) (string, error) {
	chatModel, err := p.chatModel(ctx, session, sessionKey)
	if err != nil {
		return "", err
	}
	switch rt := rt.(type) {
	case *chatRuntime:
		qa, err := rag.NewQA(ctx, rt.retriever, chatModel)
		if err != nil {
			return "", err
		}
		return qa.Answer(ctx, question, onChunk)
	case *frameRuntime:
		answer := analyze.Answer(ctx, chatModel, rt.frame, question)
		if onChunk != nil {
			if err := onChunk(answer); err != nil {
				return "", err
			}
		}
		return answer, nil
	}
	return "", fmt.Errorf("%w: %s", ErrWrongMode, rt.Mode().DisplayName())
}

func (p *Pipelines) Summarize(ctx context.Context, session *models.Session, rt Runtime, sessionKey string) (string, error) {
	sr, ok := rt.(*summaryRuntime)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrWrongMode, rt.Mode().DisplayName())
	}
	chatModel, err := p.chatModel(ctx, session, sessionKey)
	if err != nil {
		return "", err
	}
	return p.summarizer.Summarize(ctx, chatModel, sr.chunks, p.llm.ContextWindow(session.Settings.Model))
}

func (p *Pipelines) Release(ctx context.Context, sessionID int64) {
	if err := p.rag.Drop(sessionID); err != nil {
		logger.Extract(ctx).Warn("drop vector collection", zap.Int64("session_id", sessionID), zap.Error(err))
	}
}

func (p *Pipelines) chatModel(ctx context.Context, session *models.Session, sessionKey string) (model.ToolCallingChatModel, error) {
	key, err := p.llm.APIKey(session.Settings.Model, sessionKey)
	if err != nil {
		return nil, err
	}
	return p.llm.ChatModel(ctx, session.Settings, key)
}

func readTable(path string) (*csvload.Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	return csvload.Load(data)
}
