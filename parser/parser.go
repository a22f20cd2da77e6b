// Package parser turns uploaded files into plain text or markdown for
// the splitter. Each supported file type has its own reader; everything
// the pipeline downstream sees is UTF-8 text.
package parser

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"

	"opskb/config"
	"opskb/types"
)

// Result is the extracted content of one file. Markdown tells the
// splitter to use the heading-aware path.
type Result struct {
	Text     string
	Markdown bool
}

type Parser interface {
	Parse(ctx context.Context, path string) (*Result, error)
}

type Service struct {
	pdf *pdfConverter
}

func New(cfg config.ParserConfig) *Service {
	return &Service{pdf: newPDFConverter(cfg)}
}

// SupportedTypes are the file extensions accepted at upload, without
// the leading dot.
var SupportedTypes = []string{"txt", "md", "markdown", "json", "yaml", "yml", "pdf"}

func Supported(filename string) bool {
	ext := normalizeExt(filename)
	for _, t := range SupportedTypes {
		if ext == t {
			return true
		}
	}
	return false
}

func normalizeExt(filename string) string {
	return strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), ".")
}

// FileType reports the canonical type label stored on the document.
func FileType(filename string) string {
	switch ext := normalizeExt(filename); ext {
	case "markdown":
		return "md"
	case "yml":
		return "yaml"
	default:
		return ext
	}
}

func (s *Service) Parse(ctx context.Context, path string) (*Result, error) {
	switch normalizeExt(path) {
	case "txt", "yaml", "yml":
		return readPlain(path)
	case "md", "markdown":
		res, err := readPlain(path)
		if err != nil {
			return nil, err
		}
		res.Markdown = true
		return res, nil
	case "json":
		return readJSON(path)
	case "pdf":
		return s.pdf.parse(ctx, path)
	default:
		return nil, &types.ParseError{Path: path, Err: errUnsupportedType}
	}
}

func readPlain(path string) (*Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &types.ParseError{Path: path, Err: err}
	}
	return &Result{Text: string(data)}, nil
}

// readJSON checks well-formedness before handing the raw document text
// to the splitter; a broken upload fails at parse, not at question time.
func readJSON(path string) (*Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &types.ParseError{Path: path, Err: err}
	}
	if !json.Valid(data) {
		return nil, &types.ParseError{Path: path, Err: errInvalidJSON}
	}
	return &Result{Text: string(data)}, nil
}

// HashFile returns the hex sha256 of the file contents, used for the
// document's content hash.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
