package csvload

import (
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"
)

const (
	MetaSource   = "source"
	MetaRow      = "row"
	MetaEncoding = "encoding"
)

// Documents renders one document per data row as "header: value" lines.
func Documents(source string, tbl *Table) []*schema.Document {
	docs := make([]*schema.Document, 0, len(tbl.Rows))
	for i, row := range tbl.Rows {
		var b strings.Builder
		for j, h := range tbl.Header {
			if j > 0 {
				b.WriteByte('\n')
			}
			b.WriteString(h)
			b.WriteString(": ")
			b.WriteString(strings.TrimSpace(row[j]))
		}
		docs = append(docs, &schema.Document{
			ID:      fmt.Sprintf("%s#%d", source, i),
			Content: b.String(),
			MetaData: map[string]any{
				MetaSource:   source,
				MetaRow:      i,
				MetaEncoding: tbl.Encoding,
			},
		})
	}
	return docs
}
