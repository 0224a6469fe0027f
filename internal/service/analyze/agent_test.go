package analyze

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"csvai/internal/csvload"
	"csvai/internal/frame"
)

const salesCSV = `region,product,units,unit price
North,apple,10,1.5
North,pear,4,2.0
South,apple,7,1.5
East,apple,3,1.25
`

func salesFrame(t *testing.T) *frame.Frame {
	t.Helper()
	tbl, err := csvload.Load([]byte(salesCSV))
	require.NoError(t, err)
	return frame.FromTable(tbl)
}

// scriptedModel replays replies in order; the last reply repeats.
type scriptedModel struct {
	mu      sync.Mutex
	replies []*schema.Message
	err     error
	inputs  [][]*schema.Message
	tools   []*schema.ToolInfo
}

func (m *scriptedModel) Generate(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inputs = append(m.inputs, input)
	if m.err != nil {
		return nil, m.err
	}
	reply := m.replies[0]
	if len(m.replies) > 1 {
		m.replies = m.replies[1:]
	}
	return reply, nil
}

func (m *scriptedModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	msg, err := m.Generate(ctx, input, opts...)
	if err != nil {
		return nil, err
	}
	return schema.StreamReaderFromArray([]*schema.Message{msg}), nil
}

func (m *scriptedModel) WithTools(tools []*schema.ToolInfo) (model.ToolCallingChatModel, error) {
	m.tools = tools
	return m, nil
}

func toolCall(id, name, args string) *schema.Message {
	return schema.AssistantMessage("", []schema.ToolCall{{
		ID:       id,
		Type:     "function",
		Function: schema.FunctionCall{Name: name, Arguments: args},
	}})
}

func findTool(t *testing.T, f *frame.Frame, name string) tool.InvokableTool {
	t.Helper()
	for _, bt := range Tools(f) {
		info, err := bt.Info(context.Background())
		require.NoError(t, err)
		if info.Name == name {
			return bt.(tool.InvokableTool)
		}
	}
	t.Fatalf("tool %s not found", name)
	return nil
}

func TestFallbackMessage(t *testing.T) {
	got := Fallback(errors.New("boom"))
	assert.Equal(t, "An error occurred: boom. Try asking quantitative questions about structure of csv data!", got)
}

func TestQueryTool(t *testing.T) {
	q := findTool(t, salesFrame(t), "query_dataframe")

	out, err := q.InvokableRun(context.Background(), `{"group_by":["product"],"aggregation":"sum","column":"units","sort":"value_desc"}`)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "product | sum(units)\napple | 20\n"), out)

	out, err = q.InvokableRun(context.Background(), `{"filters":[{"column":"units","op":"gt","value":"5"}],"columns":["region"]}`)
	require.NoError(t, err)
	assert.Equal(t, "region\nNorth\nSouth\n", out)

	out, err = q.InvokableRun(context.Background(), `{"aggregation":"sum","column":"region"}`)
	require.NoError(t, err, "query errors are reported to the model")
	assert.True(t, strings.HasPrefix(out, "error: "), out)

	out, err = q.InvokableRun(context.Background(), `{"where":"units > 100"}`)
	require.NoError(t, err)
	assert.Contains(t, out, "(no matching rows)")
}

func TestDescribeAndHeadTools(t *testing.T) {
	f := salesFrame(t)

	out, err := findTool(t, f, "describe_dataframe").InvokableRun(context.Background(), `{}`)
	require.NoError(t, err)
	assert.Contains(t, out, "rows: 4, columns: 4")

	out, err = findTool(t, f, "head_rows").InvokableRun(context.Background(), `{"n":1}`)
	require.NoError(t, err)
	assert.Equal(t, "region | product | units | unit price\nNorth | apple | 10 | 1.5\n(showing 1 of 4)\n", out)
}

func TestAgentUsesTools(t *testing.T) {
	chat := &scriptedModel{replies: []*schema.Message{
		toolCall("call_1", "query_dataframe", `{"aggregation":"sum","column":"units"}`),
		schema.AssistantMessage("24 units were sold.", nil),
	}}

	answer := Answer(context.Background(), chat, salesFrame(t), "How many units were sold?")
	assert.Equal(t, "24 units were sold.", answer)
	assert.Len(t, chat.tools, 3)

	require.Len(t, chat.inputs, 2)
	first := chat.inputs[0]
	assert.Equal(t, schema.System, first[0].Role)
	assert.Contains(t, first[0].Content, "North | apple | 10 | 1.5")
	last := chat.inputs[1][len(chat.inputs[1])-1]
	assert.Equal(t, schema.Tool, last.Role)
	assert.Contains(t, last.Content, "sum(units)\n24")
}

func TestAgentFailureFallsBack(t *testing.T) {
	chat := &scriptedModel{err: errors.New("model unavailable")}
	answer := Answer(context.Background(), chat, salesFrame(t), "anything")
	assert.True(t, strings.HasPrefix(answer, "An error occurred: "), answer)
	assert.Contains(t, answer, "model unavailable")
	assert.True(t, strings.HasSuffix(answer, ". Try asking quantitative questions about structure of csv data!"))
}

func TestAgentStopsAfterMaxIterations(t *testing.T) {
	chat := &scriptedModel{replies: []*schema.Message{
		toolCall("loop", "head_rows", `{"n":1}`),
	}}
	answer := Answer(context.Background(), chat, salesFrame(t), "loop forever")
	assert.True(t, strings.HasPrefix(answer, "An error occurred: "), answer)
	assert.LessOrEqual(t, len(chat.inputs), MaxIterations+1)
}
