// Package frame holds an uploaded CSV as a typed in-memory table and answers
// structured queries against it. All computation is local.
package frame

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"csvai/internal/csvload"
)

type Kind string

const (
	KindNumber Kind = "number"
	KindBool   Kind = "bool"
	KindDate   Kind = "date"
	KindString Kind = "string"
)

// kindThreshold is the share of non-null values that must parse for a column
// to get a non-string kind.
const kindThreshold = 0.8

type Column struct {
	Name  string
	Kind  Kind
	Nulls int
}

// Frame is a row-major table. numbers[c] is nil unless column c is numeric;
// unparseable and null cells hold NaN.
type Frame struct {
	Columns []Column
	rows    [][]string
	numbers [][]float64
	index   map[string]int
}

// FromTable builds a frame from a parsed CSV file.
func FromTable(tbl *csvload.Table) *Frame {
	return New(tbl.Header, tbl.Rows)
}

// New builds a frame and infers a kind for every column.
func New(header []string, rows [][]string) *Frame {
	f := &Frame{
		Columns: make([]Column, len(header)),
		rows:    rows,
		numbers: make([][]float64, len(header)),
		index:   make(map[string]int, len(header)),
	}
	for c, name := range header {
		f.Columns[c] = Column{Name: name}
		f.index[strings.ToLower(name)] = c
		f.analyze(c)
	}
	return f
}

func (f *Frame) analyze(c int) {
	col := &f.Columns[c]
	var nonNull, nums, bools, dates int
	for _, row := range f.rows {
		v := strings.TrimSpace(row[c])
		if isNull(v) {
			col.Nulls++
			continue
		}
		nonNull++
		if _, ok := parseNumber(v); ok {
			nums++
		}
		if _, ok := parseBool(v); ok {
			bools++
		}
		if _, ok := parseDate(v); ok {
			dates++
		}
	}

	col.Kind = KindString
	if nonNull == 0 {
		return
	}
	threshold := int(math.Ceil(float64(nonNull) * kindThreshold))
	switch {
	case bools >= threshold:
		col.Kind = KindBool
	case nums >= threshold:
		col.Kind = KindNumber
	case dates >= threshold:
		col.Kind = KindDate
	}

	if col.Kind == KindNumber {
		values := make([]float64, len(f.rows))
		for r, row := range f.rows {
			n, ok := parseNumber(strings.TrimSpace(row[c]))
			if !ok {
				n = math.NaN()
			}
			values[r] = n
		}
		f.numbers[c] = values
	}
}

func (f *Frame) Len() int {
	return len(f.rows)
}

// ColumnIndex resolves a column name, ignoring case and surrounding spaces.
func (f *Frame) ColumnIndex(name string) (int, bool) {
	c, ok := f.index[strings.ToLower(strings.TrimSpace(name))]
	return c, ok
}

func (f *Frame) columnNames() []string {
	names := make([]string, len(f.Columns))
	for i, c := range f.Columns {
		names[i] = c.Name
	}
	return names
}

func (f *Frame) mustColumn(name string) (int, error) {
	c, ok := f.ColumnIndex(name)
	if !ok {
		return 0, fmt.Errorf("unknown column %q (columns: %s)", name, strings.Join(f.columnNames(), ", "))
	}
	return c, nil
}

func (f *Frame) Cell(row, col int) string {
	return strings.TrimSpace(f.rows[row][col])
}

// Number returns the numeric value of a cell in a number column.
func (f *Frame) Number(row, col int) (float64, bool) {
	if f.numbers[col] == nil {
		return parseNumber(f.Cell(row, col))
	}
	v := f.numbers[col][row]
	return v, !math.IsNaN(v)
}

// Head returns the first n rows as a text table.
func (f *Frame) Head(n int) string {
	if n <= 0 {
		n = 5
	}
	if n > len(f.rows) {
		n = len(f.rows)
	}
	res := &Result{Headers: f.columnNames(), Matched: len(f.rows)}
	for r := 0; r < n; r++ {
		row := make([]string, len(f.Columns))
		for c := range f.Columns {
			row[c] = f.Cell(r, c)
		}
		res.Rows = append(res.Rows, row)
	}
	return res.String()
}

func isNull(v string) bool {
	switch v {
	case "", "null", "NULL", "N/A", "n/a", "NA", "NaN", "nan", "None", "-":
		return true
	}
	return false
}

func parseNumber(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")
	for _, prefix := range []string{"$", "€", "£"} {
		s = strings.TrimPrefix(s, prefix)
	}
	s = strings.TrimSuffix(s, "%")
	s = strings.ReplaceAll(s, ",", "")
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	if neg {
		v = -v
	}
	return v, true
}

func parseBool(s string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "yes":
		return true, true
	case "false", "no":
		return false, true
	}
	return false, false
}

var dateFormats = []string{
	"2006-01-02",
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02 15:04:05",
	"2006/01/02",
	"01/02/2006",
	"02.01.2006",
	"Jan 2, 2006",
	"2 Jan 2006",
	"Jan-2006",
}

func parseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range dateFormats {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func formatNumber(v float64) string {
	if math.IsNaN(v) {
		return "NaN"
	}
	return strconv.FormatFloat(math.Round(v*1e6)/1e6, 'f', -1, 64)
}
