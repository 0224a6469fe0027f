package csvload

import (
	"context"
	"fmt"
	"io"
	"path/filepath"

	"github.com/cloudwego/eino-ext/components/document/loader/file"
	"github.com/cloudwego/eino/components/document/parser"
	"github.com/cloudwego/eino/schema"
)

// Parser is an eino document parser producing one document per CSV row.
type Parser struct{}

var _ parser.Parser = (*Parser)(nil)

func (p *Parser) Parse(ctx context.Context, reader io.Reader, opts ...parser.Option) ([]*schema.Document, error) {
	options := parser.GetCommonOptions(&parser.Options{}, opts...)

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}
	tbl, err := Load(data)
	if err != nil {
		return nil, err
	}

	source := ""
	if options.URI != "" {
		source = filepath.Base(options.URI)
	}
	docs := Documents(source, tbl)
	for _, doc := range docs {
		for k, v := range options.ExtraMeta {
			if _, taken := doc.MetaData[k]; !taken {
				doc.MetaData[k] = v
			}
		}
	}
	return docs, nil
}

// NewLoader returns a file loader that parses .csv files with Parser and
// anything else as plain text.
func NewLoader(ctx context.Context) (*file.FileLoader, error) {
	parserExt, err := parser.NewExtParser(ctx, &parser.ExtParserConfig{
		Parsers: map[string]parser.Parser{
			".csv": &Parser{},
		},
		FallbackParser: parser.TextParser{},
	})
	if err != nil {
		return nil, fmt.Errorf("build ext parser: %w", err)
	}
	loader, err := file.NewFileLoader(ctx, &file.FileLoaderConfig{
		Parser: parserExt,
	})
	if err != nil {
		return nil, fmt.Errorf("build file loader: %w", err)
	}
	return loader, nil
}
