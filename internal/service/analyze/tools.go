package analyze

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/components/tool/utils"
	"github.com/cloudwego/eino/schema"

	"csvai/internal/frame"
)

const (
	defaultHeadRows = 5
	maxHeadRows     = 50
)

// Tools returns the dataframe tools bound to f. Query errors are returned to
// the model as tool output so it can correct itself.
func Tools(f *frame.Frame) []tool.BaseTool {
	return []tool.BaseTool{
		describeTool(f),
		headTool(f),
		queryTool(f),
	}
}

type describeParams struct{}

func describeTool(f *frame.Frame) tool.InvokableTool {
	info := &schema.ToolInfo{
		Name: "describe_dataframe",
		Desc: "Describe the table: row count, columns with their kind, null counts, unique counts, numeric min/max/mean and sample values.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{}),
	}
	return utils.NewTool(info, func(_ context.Context, _ *describeParams) (string, error) {
		return f.Describe(), nil
	})
}

type headParams struct {
	N int `json:"n"`
}

func headTool(f *frame.Frame) tool.InvokableTool {
	info := &schema.ToolInfo{
		Name: "head_rows",
		Desc: "Show the first n rows of the table.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"n": {
				Desc: fmt.Sprintf("Number of rows, default %d, at most %d", defaultHeadRows, maxHeadRows),
				Type: schema.Integer,
			},
		}),
	}
	return utils.NewTool(info, func(_ context.Context, p *headParams) (string, error) {
		n := defaultHeadRows
		if p != nil && p.N > 0 {
			n = min(p.N, maxHeadRows)
		}
		return f.Head(n), nil
	})
}

func queryTool(f *frame.Frame) tool.InvokableTool {
	column := func(desc string) *schema.ParameterInfo {
		return &schema.ParameterInfo{Type: schema.String, Desc: desc}
	}
	info := &schema.ToolInfo{
		Name: "query_dataframe",
		Desc: "Filter, group and aggregate the table. Without aggregation the matching rows are listed. " +
			"Column names are case-insensitive. Expressions use column names as variables, " +
			"wrap names containing spaces in brackets like [unit price].",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"filters": {
				Type: schema.Array,
				Desc: "Row filters, all must match",
				ElemInfo: &schema.ParameterInfo{
					Type: schema.Object,
					SubParams: map[string]*schema.ParameterInfo{
						"column": {Type: schema.String, Desc: "Column name", Required: true},
						"op":     {Type: schema.String, Desc: "Comparison", Enum: frame.FilterOps, Required: true},
						"value":  {Type: schema.String, Desc: "Value to compare with; a list of values for op in", Required: true},
					},
				},
			},
			"where":       column("Boolean expression over columns, e.g. price > 10 && region == 'EU'"),
			"group_by":    {Type: schema.Array, Desc: "Columns to group by", ElemInfo: column("Column name")},
			"aggregation": {Type: schema.String, Desc: "Aggregation applied per group", Enum: frame.Aggregations},
			"column":      column("Column to aggregate, or to sort listed rows by"),
			"expression":  column("Arithmetic expression aggregated instead of column, e.g. price * quantity"),
			"sort":        {Type: schema.String, Desc: "Order of the result", Enum: frame.SortOrders},
			"limit":       {Type: schema.Integer, Desc: "Maximum number of rows or groups returned"},
			"columns":     {Type: schema.Array, Desc: "Columns shown when listing rows", ElemInfo: column("Column name")},
		}),
	}
	return utils.NewTool(info, func(_ context.Context, q *frame.Query) (string, error) {
		if q == nil {
			q = &frame.Query{}
		}
		res, err := f.Run(*q)
		if err != nil {
			return "error: " + err.Error(), nil
		}
		if len(res.Rows) == 0 {
			return strings.Join(res.Headers, " | ") + "\n(no matching rows)", nil
		}
		return res.String(), nil
	})
}
