// Package csvload turns uploaded CSV bytes into tables and eino documents.
package csvload

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

const (
	EncodingUTF8   = "utf-8"
	EncodingCP1252 = "cp1252"
)

var (
	ErrEmptyCSV = errors.New("csv has no header row")

	utf8BOM = []byte{0xEF, 0xBB, 0xBF}
)

// Table is a parsed CSV file. Every row has len(Header) cells.
type Table struct {
	Header   []string
	Rows     [][]string
	Encoding string
}

// Decode returns data as text. Valid UTF-8 is used as is; anything else is read
// as Windows-1252.
func Decode(data []byte) (string, string, error) {
	data = bytes.TrimPrefix(data, utf8BOM)
	if utf8.Valid(data) {
		return string(data), EncodingUTF8, nil
	}
	out, err := charmap.Windows1252.NewDecoder().Bytes(data)
	if err != nil {
		return "", "", fmt.Errorf("decode cp1252: %w", err)
	}
	return string(out), EncodingCP1252, nil
}

// Load decodes and parses a CSV file.
func Load(data []byte) (*Table, error) {
	text, enc, err := Decode(data)
	if err != nil {
		return nil, err
	}
	tbl, err := ParseRecords(text)
	if err != nil {
		return nil, err
	}
	tbl.Encoding = enc
	return tbl, nil
}

// ParseRecords reads the header row and all data rows from text. Short rows are
// padded with empty cells and extra cells are dropped.
func ParseRecords(text string) (*Table, error) {
	reader := csv.NewReader(strings.NewReader(text))
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, ErrEmptyCSV
	}
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	header = normalizeHeader(header)
	if len(header) == 0 {
		return nil, ErrEmptyCSV
	}

	tbl := &Table{Header: header}
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv row %d: %w", len(tbl.Rows)+1, err)
		}
		cells := make([]string, len(header))
		copy(cells, row)
		tbl.Rows = append(tbl.Rows, cells)
	}
	return tbl, nil
}

func normalizeHeader(header []string) []string {
	out := make([]string, len(header))
	seen := make(map[string]struct{}, len(header))
	for i, h := range header {
		name := strings.TrimSpace(h)
		if _, dup := seen[name]; dup || name == "" {
			name = fallbackName(seen, i)
		}
		seen[name] = struct{}{}
		out[i] = name
	}
	return out
}

// fallbackName returns column_<i>, suffixed until it is not taken.
func fallbackName(seen map[string]struct{}, i int) string {
	name := fmt.Sprintf("column_%d", i)
	for n := 2; ; n++ {
		if _, taken := seen[name]; !taken {
			return name
		}
		name = fmt.Sprintf("column_%d_%d", i, n)
	}
}
