package parser

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"opskb/config"
	"opskb/types"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func newService() *Service {
	return New(config.ParserConfig{PDFConverterURL: "http://localhost:5001/v1/convert/file"})
}

func TestParsePlainText(t *testing.T) {
	path := writeFile(t, "notes.txt", "restart the worker pool after deploys\n")

	res, err := newService().Parse(context.Background(), path)
	require.NoError(t, err)
	require.Equal(t, "restart the worker pool after deploys\n", res.Text)
	require.False(t, res.Markdown)
}

func TestParseMarkdownSetsFlag(t *testing.T) {
	path := writeFile(t, "runbook.md", "# Failover\n\nPromote the replica.\n")

	res, err := newService().Parse(context.Background(), path)
	require.NoError(t, err)
	require.True(t, res.Markdown)
	require.Contains(t, res.Text, "# Failover")
}

func TestParseYAMLReadAsText(t *testing.T) {
	path := writeFile(t, "alerts.yaml", "severity: critical\nrunbook: db-failover\n")

	res, err := newService().Parse(context.Background(), path)
	require.NoError(t, err)
	require.False(t, res.Markdown)
	require.Contains(t, res.Text, "severity: critical")
}

func TestParseValidJSON(t *testing.T) {
	path := writeFile(t, "config.json", `{"retries": 3, "timeout": "60s"}`)

	res, err := newService().Parse(context.Background(), path)
	require.NoError(t, err)
	require.Contains(t, res.Text, `"retries": 3`)
}

func TestParseBrokenJSONFails(t *testing.T) {
	path := writeFile(t, "broken.json", `{"retries": `)

	_, err := newService().Parse(context.Background(), path)
	var perr *types.ParseError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, path, perr.Path)
}

func TestParseUnknownExtension(t *testing.T) {
	path := writeFile(t, "archive.zip", "not really a zip")

	_, err := newService().Parse(context.Background(), path)
	var perr *types.ParseError
	require.ErrorAs(t, err, &perr)
}

func TestParseMissingFile(t *testing.T) {
	_, err := newService().Parse(context.Background(), filepath.Join(t.TempDir(), "gone.txt"))
	var perr *types.ParseError
	require.ErrorAs(t, err, &perr)
}

func TestSupported(t *testing.T) {
	require.True(t, Supported("doc.PDF"))
	require.True(t, Supported("doc.markdown"))
	require.True(t, Supported("doc.yml"))
	require.False(t, Supported("doc.docx"))
	require.False(t, Supported("noextension"))
}

func TestFileTypeCanonicalizes(t *testing.T) {
	require.Equal(t, "md", FileType("a.markdown"))
	require.Equal(t, "yaml", FileType("a.yml"))
	require.Equal(t, "pdf", FileType("a.PDF"))
	require.Equal(t, "txt", FileType("a.txt"))
}

func TestHashFileIsStable(t *testing.T) {
	path := writeFile(t, "same.txt", "identical content")
	other := writeFile(t, "other.txt", "identical content")

	h1, err := HashFile(path)
	require.NoError(t, err)
	h2, err := HashFile(other)
	require.NoError(t, err)

	require.Equal(t, h1, h2)
	require.Len(t, h1, 64)
}
