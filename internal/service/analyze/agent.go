// Package analyze answers quantitative questions about a CSV with a ReAct
// agent whose tools query an in-memory frame.
package analyze

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/flow/agent/react"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"

	"csvai/internal/frame"
	"csvai/internal/logger"
)

// MaxIterations bounds the number of tool rounds per question.
const MaxIterations = 4

const systemPrompt = `You are working with a table loaded from a CSV file.
Answer the question using the tools below. Do not guess values you have not read from the table.
These are the first rows of the table:

%s`

// Fallback is the answer shown whenever the agent fails.
func Fallback(err error) string {
	return fmt.Sprintf("An error occurred: %v. Try asking quantitative questions about structure of csv data!", err)
}

// Agent is a dataframe agent bound to one frame.
type Agent struct {
	agent *react.Agent
	frame *frame.Frame
}

func NewAgent(ctx context.Context, chatModel model.ToolCallingChatModel, f *frame.Frame) (*Agent, error) {
	if chatModel == nil || f == nil {
		return nil, errors.New("chat model and frame are required")
	}
	agent, err := react.NewAgent(ctx, &react.AgentConfig{
		ToolCallingModel: chatModel,
		ToolsConfig: compose.ToolsNodeConfig{
			Tools: Tools(f),
		},
		// one model call per round plus the final answer
		MaxStep: 2*MaxIterations + 1,
	})
	if err != nil {
		return nil, fmt.Errorf("init react agent: %w", err)
	}
	return &Agent{agent: agent, frame: f}, nil
}

// Ask runs the agent on question.
func (a *Agent) Ask(ctx context.Context, question string) (string, error) {
	msgs := []*schema.Message{
		schema.SystemMessage(fmt.Sprintf(systemPrompt, a.frame.Head(defaultHeadRows))),
		schema.UserMessage(question),
	}
	out, err := a.agent.Generate(ctx, msgs)
	if err != nil {
		return "", err
	}
	answer := strings.TrimSpace(out.Content)
	if answer == "" {
		return "", errors.New("agent returned an empty answer")
	}
	return answer, nil
}

// Answer never fails: agent errors are turned into the Fallback message.
func Answer(ctx context.Context, chatModel model.ToolCallingChatModel, f *frame.Frame, question string) string {
	agent, err := NewAgent(ctx, chatModel, f)
	if err == nil {
		var answer string
		if answer, err = agent.Ask(ctx, question); err == nil {
			return answer
		}
	}
	logger.Extract(ctx).Warn("dataframe agent failed", zap.Error(err))
	return Fallback(err)
}
