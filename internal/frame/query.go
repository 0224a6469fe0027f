package frame

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

const (
	DefaultRowLimit   = 20
	MaxRowLimit       = 200
	DefaultGroupLimit = 50

	keySep = "\x1f"
)

// Filter restricts rows by comparing one column against Value.
// Op is one of eq, ne, gt, gte, lt, lte, contains, in. For "in" Value is a list.
type Filter struct {
	Column string `json:"column"`
	Op     string `json:"op"`
	Value  any    `json:"value"`
}

// Query is a structured question about a frame.
//
// Without Aggregation the matching rows are listed (optionally projected on
// Columns and sorted by Column). With Aggregation the rows are grouped by
// GroupBy and Column (or Expression, evaluated per row) is aggregated.
type Query struct {
	Filters     []Filter `json:"filters,omitempty"`
	Where       string   `json:"where,omitempty"`
	GroupBy     []string `json:"group_by,omitempty"`
	Aggregation string   `json:"aggregation,omitempty"`
	Column      string   `json:"column,omitempty"`
	Expression  string   `json:"expression,omitempty"`
	Sort        string   `json:"sort,omitempty"`
	Limit       int      `json:"limit,omitempty"`
	Columns     []string `json:"columns,omitempty"`
}

var (
	Aggregations = []string{"count", "sum", "avg", "min", "max", "median", "nunique", "list"}
	SortOrders   = []string{"value_desc", "value_asc", "key_asc", "key_desc"}
	FilterOps    = []string{"eq", "ne", "gt", "gte", "lt", "lte", "contains", "in"}
)

// Result is a small table ready to be shown to a model or a user.
type Result struct {
	Headers []string
	Rows    [][]string
	// Matched is the number of rows (or groups) before the limit was applied.
	Matched int
}

func (r *Result) String() string {
	var b strings.Builder
	b.WriteString(strings.Join(r.Headers, " | "))
	b.WriteByte('\n')
	for _, row := range r.Rows {
		b.WriteString(strings.Join(row, " | "))
		b.WriteByte('\n')
	}
	if r.Matched > len(r.Rows) {
		fmt.Fprintf(&b, "(showing %d of %d)\n", len(r.Rows), r.Matched)
	}
	return b.String()
}

// Run executes q: filter, then list or group-aggregate, then sort and limit.
func (f *Frame) Run(q Query) (*Result, error) {
	rows, err := f.selectRows(q.Filters, q.Where)
	if err != nil {
		return nil, err
	}
	if q.Aggregation == "" {
		return f.listRows(rows, q)
	}
	return f.aggregate(rows, q)
}

func (f *Frame) selectRows(filters []Filter, where string) ([]int, error) {
	type boundFilter struct {
		Filter
		col int
	}
	bound := make([]boundFilter, 0, len(filters))
	for _, flt := range filters {
		c, err := f.mustColumn(flt.Column)
		if err != nil {
			return nil, err
		}
		flt.Op = strings.ToLower(strings.TrimSpace(flt.Op))
		if !contains(FilterOps, flt.Op) {
			return nil, fmt.Errorf("unknown filter op %q (want one of %s)", flt.Op, strings.Join(FilterOps, ", "))
		}
		bound = append(bound, boundFilter{Filter: flt, col: c})
	}
	var cond *rowExpr
	if strings.TrimSpace(where) != "" {
		var err error
		if cond, err = f.compile(where); err != nil {
			return nil, err
		}
	}

	rows := make([]int, 0, len(f.rows))
	for r := range f.rows {
		pass := true
		for _, flt := range bound {
			if !f.matchFilter(r, flt.col, flt.Op, flt.Value) {
				pass = false
				break
			}
		}
		if pass && cond != nil {
			ok, err := cond.match(f, r)
			if err != nil {
				return nil, err
			}
			pass = ok
		}
		if pass {
			rows = append(rows, r)
		}
	}
	return rows, nil
}

func (f *Frame) matchFilter(row, col int, op string, value any) bool {
	cell := f.Cell(row, col)
	switch op {
	case "eq":
		return f.equal(row, col, cell, value)
	case "ne":
		return !f.equal(row, col, cell, value)
	case "contains":
		return strings.Contains(strings.ToLower(cell), strings.ToLower(toString(value)))
	case "in":
		for _, v := range toList(value) {
			if f.equal(row, col, cell, v) {
				return true
			}
		}
		return false
	}

	if isNull(cell) {
		return false
	}
	cmp, ok := f.compare(row, col, cell, value)
	if !ok {
		return false
	}
	switch op {
	case "gt":
		return cmp > 0
	case "gte":
		return cmp >= 0
	case "lt":
		return cmp < 0
	case "lte":
		return cmp <= 0
	}
	return false
}

func (f *Frame) equal(row, col int, cell string, value any) bool {
	if f.Columns[col].Kind == KindNumber {
		if n, ok := f.Number(row, col); ok {
			if want, ok := parseNumber(toString(value)); ok {
				return n == want
			}
		}
	}
	return strings.EqualFold(cell, strings.TrimSpace(toString(value)))
}

func (f *Frame) compare(row, col int, cell string, value any) (int, bool) {
	want := toString(value)
	switch f.Columns[col].Kind {
	case KindNumber:
		n, ok1 := f.Number(row, col)
		w, ok2 := parseNumber(want)
		if !ok1 || !ok2 {
			return 0, false
		}
		return cmpFloat(n, w), true
	case KindDate:
		t, ok1 := parseDate(cell)
		w, ok2 := parseDate(want)
		if !ok1 || !ok2 {
			return 0, false
		}
		return t.Compare(w), true
	}
	return strings.Compare(cell, want), true
}

func (f *Frame) listRows(rows []int, q Query) (*Result, error) {
	cols := make([]int, 0, len(f.Columns))
	if len(q.Columns) == 0 {
		for c := range f.Columns {
			cols = append(cols, c)
		}
	} else {
		for _, name := range q.Columns {
			c, err := f.mustColumn(name)
			if err != nil {
				return nil, err
			}
			cols = append(cols, c)
		}
	}

	if q.Sort != "" {
		if q.Column == "" {
			return nil, fmt.Errorf("sort %q needs a column to sort rows by", q.Sort)
		}
		c, err := f.mustColumn(q.Column)
		if err != nil {
			return nil, err
		}
		desc, err := sortDescending(q.Sort)
		if err != nil {
			return nil, err
		}
		sort.SliceStable(rows, func(i, j int) bool {
			a, b := f.Cell(rows[i], c), f.Cell(rows[j], c)
			if desc {
				return compareKeys(b, a) < 0
			}
			return compareKeys(a, b) < 0
		})
	}

	limit := q.Limit
	if limit <= 0 {
		limit = DefaultRowLimit
	}
	if limit > MaxRowLimit {
		limit = MaxRowLimit
	}

	res := &Result{Matched: len(rows)}
	for _, c := range cols {
		res.Headers = append(res.Headers, f.Columns[c].Name)
	}
	for i, r := range rows {
		if i >= limit {
			break
		}
		out := make([]string, len(cols))
		for j, c := range cols {
			out[j] = f.Cell(r, c)
		}
		res.Rows = append(res.Rows, out)
	}
	return res, nil
}

type group struct {
	key   string
	rows  []int
	value float64
	text  string
}

func (f *Frame) aggregate(rows []int, q Query) (*Result, error) {
	agg := strings.ToLower(q.Aggregation)
	if !contains(Aggregations, agg) {
		return nil, fmt.Errorf("unknown aggregation %q (want one of %s)", q.Aggregation, strings.Join(Aggregations, ", "))
	}

	groupCols := make([]int, len(q.GroupBy))
	for i, name := range q.GroupBy {
		c, err := f.mustColumn(name)
		if err != nil {
			return nil, err
		}
		groupCols[i] = c
	}

	measure, textCol, label, err := f.measure(agg, q)
	if err != nil {
		return nil, err
	}

	var groups []*group
	byKey := make(map[string]*group)
	for _, r := range rows {
		parts := make([]string, len(groupCols))
		for i, c := range groupCols {
			parts[i] = f.Cell(r, c)
		}
		key := strings.Join(parts, keySep)
		g, ok := byKey[key]
		if !ok {
			g = &group{key: key}
			byKey[key] = g
			groups = append(groups, g)
		}
		g.rows = append(g.rows, r)
	}
	if len(groupCols) == 0 && len(groups) == 0 {
		groups = []*group{{}}
	}

	for _, g := range groups {
		if err := f.aggregateGroup(g, agg, measure, textCol); err != nil {
			return nil, err
		}
	}

	if q.Sort != "" {
		if err := sortGroups(groups, q.Sort); err != nil {
			return nil, err
		}
	}

	limit := q.Limit
	if limit <= 0 {
		limit = DefaultGroupLimit
	}
	if limit > MaxRowLimit {
		limit = MaxRowLimit
	}

	res := &Result{Matched: len(groups)}
	for _, c := range groupCols {
		res.Headers = append(res.Headers, f.Columns[c].Name)
	}
	res.Headers = append(res.Headers, label)
	for i, g := range groups {
		if i >= limit {
			break
		}
		var row []string
		if len(groupCols) > 0 {
			row = strings.Split(g.key, keySep)
		}
		if agg == "list" {
			row = append(row, g.text)
		} else {
			row = append(row, formatNumber(g.value))
		}
		res.Rows = append(res.Rows, row)
	}
	return res, nil
}

// measureFunc returns the value a numeric aggregation reduces for one row.
type measureFunc func(row int) (float64, bool, error)

// measure resolves what agg aggregates: a per-row number, or for nunique and
// list the column whose distinct cells are collected. It also returns the
// header of the result column.
func (f *Frame) measure(agg string, q Query) (measureFunc, int, string, error) {
	switch agg {
	case "count":
		return nil, -1, "count", nil
	case "nunique", "list":
		if q.Column == "" {
			return nil, -1, "", fmt.Errorf("aggregation %s needs a column", agg)
		}
		c, err := f.mustColumn(q.Column)
		if err != nil {
			return nil, -1, "", err
		}
		return nil, c, fmt.Sprintf("%s(%s)", agg, f.Columns[c].Name), nil
	}

	if q.Expression != "" {
		expr, err := f.compile(q.Expression)
		if err != nil {
			return nil, -1, "", err
		}
		return func(row int) (float64, bool, error) {
			v, err := expr.number(f, row)
			if err != nil {
				return 0, false, err
			}
			return v, !math.IsNaN(v) && !math.IsInf(v, 0), nil
		}, -1, fmt.Sprintf("%s(%s)", agg, q.Expression), nil
	}

	if q.Column == "" {
		return nil, -1, "", fmt.Errorf("aggregation %s needs a column or an expression", agg)
	}
	c, err := f.mustColumn(q.Column)
	if err != nil {
		return nil, -1, "", err
	}
	if f.Columns[c].Kind != KindNumber {
		return nil, -1, "", fmt.Errorf("aggregation %s needs a numeric column, %s is %s", agg, f.Columns[c].Name, f.Columns[c].Kind)
	}
	return func(row int) (float64, bool, error) {
		v, ok := f.Number(row, c)
		return v, ok, nil
	}, -1, fmt.Sprintf("%s(%s)", agg, f.Columns[c].Name), nil
}

func (f *Frame) aggregateGroup(g *group, agg string, measure measureFunc, textCol int) error {
	switch agg {
	case "count":
		g.value = float64(len(g.rows))
		return nil
	case "nunique", "list":
		seen := make(map[string]struct{})
		var distinct []string
		for _, r := range g.rows {
			v := f.Cell(r, textCol)
			if isNull(v) {
				continue
			}
			if _, dup := seen[v]; !dup {
				seen[v] = struct{}{}
				distinct = append(distinct, v)
			}
		}
		g.value = float64(len(distinct))
		g.text = strings.Join(distinct, ", ")
		return nil
	}

	values := make([]float64, 0, len(g.rows))
	for _, r := range g.rows {
		v, ok, err := measure(r)
		if err != nil {
			return err
		}
		if ok {
			values = append(values, v)
		}
	}
	g.value = reduce(agg, values)
	return nil
}

func reduce(agg string, values []float64) float64 {
	if len(values) == 0 {
		if agg == "sum" {
			return 0
		}
		return math.NaN()
	}
	switch agg {
	case "sum", "avg":
		var total float64
		for _, v := range values {
			total += v
		}
		if agg == "avg" {
			return total / float64(len(values))
		}
		return total
	case "min":
		m := values[0]
		for _, v := range values[1:] {
			m = math.Min(m, v)
		}
		return m
	case "max":
		m := values[0]
		for _, v := range values[1:] {
			m = math.Max(m, v)
		}
		return m
	case "median":
		sorted := append([]float64(nil), values...)
		sort.Float64s(sorted)
		mid := len(sorted) / 2
		if len(sorted)%2 == 1 {
			return sorted[mid]
		}
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return math.NaN()
}

func sortGroups(groups []*group, order string) error {
	var less func(a, b *group) bool
	switch order {
	case "value_desc":
		less = func(a, b *group) bool { return cmpFloat(a.value, b.value) > 0 }
	case "value_asc":
		less = func(a, b *group) bool { return cmpFloat(a.value, b.value) < 0 }
	case "key_asc":
		less = func(a, b *group) bool { return compareKeys(a.key, b.key) < 0 }
	case "key_desc":
		less = func(a, b *group) bool { return compareKeys(a.key, b.key) > 0 }
	default:
		return fmt.Errorf("unknown sort %q (want one of %s)", order, strings.Join(SortOrders, ", "))
	}
	sort.SliceStable(groups, func(i, j int) bool { return less(groups[i], groups[j]) })
	return nil
}

func sortDescending(order string) (bool, error) {
	switch order {
	case "value_desc", "key_desc":
		return true, nil
	case "value_asc", "key_asc":
		return false, nil
	}
	return false, fmt.Errorf("unknown sort %q (want one of %s)", order, strings.Join(SortOrders, ", "))
}

// compareKeys orders numerically when both keys are numbers.
func compareKeys(a, b string) int {
	x, ok1 := parseNumber(a)
	y, ok2 := parseNumber(b)
	if ok1 && ok2 {
		return cmpFloat(x, y)
	}
	return strings.Compare(a, b)
}

// cmpFloat orders NaN below every number.
func cmpFloat(a, b float64) int {
	switch {
	case math.IsNaN(a) && math.IsNaN(b):
		return 0
	case math.IsNaN(a):
		return -1
	case math.IsNaN(b):
		return 1
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func toString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprint(t)
	}
}

func toList(v any) []any {
	switch t := v.(type) {
	case []any:
		return t
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	case string:
		var out []any
		for _, s := range strings.Split(t, ",") {
			out = append(out, strings.TrimSpace(s))
		}
		return out
	}
	return []any{v}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
