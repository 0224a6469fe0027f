package csvload

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cloudwego/eino/components/document"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeFallsBackToCP1252(t *testing.T) {
	// "name\ncafé\n" with é as 0xE9
	data := []byte{'n', 'a', 'm', 'e', '\n', 'c', 'a', 'f', 0xE9, '\n'}

	text, enc, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, EncodingCP1252, enc)
	assert.Equal(t, "name\ncafé\n", text)
}

func TestDecodeUTF8StripsBOM(t *testing.T) {
	data := append([]byte{0xEF, 0xBB, 0xBF}, []byte("a,b\n1,é\n")...)

	text, enc, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, EncodingUTF8, enc)
	assert.Equal(t, "a,b\n1,é\n", text)
}

func TestLoadCP1252Table(t *testing.T) {
	data := []byte("city,drink\nParis,caf\xe9\nBerlin,bier\n")

	tbl, err := Load(data)
	require.NoError(t, err)
	assert.Equal(t, EncodingCP1252, tbl.Encoding)
	assert.Equal(t, []string{"city", "drink"}, tbl.Header)
	require.Len(t, tbl.Rows, 2)
	assert.Equal(t, "café", tbl.Rows[0][1])
}

func TestParseRecordsEmpty(t *testing.T) {
	_, err := ParseRecords("")
	assert.ErrorIs(t, err, ErrEmptyCSV)

	_, err = ParseRecords("\n\n")
	assert.ErrorIs(t, err, ErrEmptyCSV)
}

func TestParseRecordsNormalizesShape(t *testing.T) {
	tbl, err := ParseRecords("id,,id\n1,2\n3,4,5,6\n")
	require.NoError(t, err)

	assert.Equal(t, []string{"id", "column_1", "column_2"}, tbl.Header)
	assert.Equal(t, [][]string{{"1", "2", ""}, {"3", "4", "5"}}, tbl.Rows)

	tbl, err = ParseRecords("column_1,,x,column_1\n1,2,3,4\n")
	require.NoError(t, err)
	assert.Equal(t, []string{"column_1", "column_1_2", "x", "column_3"}, tbl.Header)
}

func TestDocuments(t *testing.T) {
	tbl := &Table{
		Header:   []string{"name", "age"},
		Rows:     [][]string{{"Ann", " 31 "}, {"Bob", "40"}},
		Encoding: EncodingUTF8,
	}

	docs := Documents("people.csv", tbl)
	require.Len(t, docs, 2)
	assert.Equal(t, "name: Ann\nage: 31", docs[0].Content)
	assert.Equal(t, "people.csv#1", docs[1].ID)
	assert.Equal(t, "people.csv", docs[1].MetaData[MetaSource])
	assert.Equal(t, 1, docs[1].MetaData[MetaRow])
}

func TestParserParse(t *testing.T) {
	p := &Parser{}
	docs, err := p.Parse(context.Background(), strings.NewReader("a,b\n1,2\n"))
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "a: 1\nb: 2", docs[0].Content)
	assert.Equal(t, EncodingUTF8, docs[0].MetaData[MetaEncoding])
}

func TestLoaderReadsStoredCSV(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "upload.csv")
	require.NoError(t, os.WriteFile(path, []byte("x,y\n1,2\n3,4\n"), 0o600))

	loader, err := NewLoader(ctx)
	require.NoError(t, err)

	docs, err := loader.Load(ctx, document.Source{URI: path})
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "x: 3\ny: 4", docs[1].Content)
	assert.Equal(t, "upload.csv", docs[1].MetaData[MetaSource])
}
