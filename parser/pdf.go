package parser

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	pdftypes "github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"

	"opskb/config"
	"opskb/types"
)

var (
	errUnsupportedType = errors.New("unsupported file type")
	errInvalidJSON     = errors.New("invalid json document")
	errNoConverter     = errors.New("pdf converter is not configured")
	errEmptyPDF        = errors.New("pdf has no pages")
)

// pdfConverter validates the file locally with pdfcpu, optionally crops
// repeating headers and footers, then sends it to the markdown
// conversion service for text extraction.
type pdfConverter struct {
	cfg    config.ParserConfig
	client *http.Client
}

func newPDFConverter(cfg config.ParserConfig) *pdfConverter {
	return &pdfConverter{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func (c *pdfConverter) parse(ctx context.Context, path string) (*Result, error) {
	if c.cfg.PDFConverterURL == "" {
		return nil, &types.ParseError{Path: path, Err: errNoConverter}
	}

	if err := api.ValidateFile(path, nil); err != nil {
		return nil, &types.ParseError{Path: path, Err: fmt.Errorf("validate pdf: %w", err)}
	}
	pages, err := api.PageCountFile(path)
	if err != nil {
		return nil, &types.ParseError{Path: path, Err: fmt.Errorf("count pages: %w", err)}
	}
	if pages == 0 {
		return nil, &types.ParseError{Path: path, Err: errEmptyPDF}
	}

	sendPath := path
	if c.cfg.PDFCropTop > 0 || c.cfg.PDFCropBottom > 0 {
		cropped, err := c.cropHeaderFooter(path)
		if err != nil {
			return nil, &types.ParseError{Path: path, Err: err}
		}
		defer os.Remove(cropped)
		sendPath = cropped
	}

	md, err := c.convertToMarkdown(ctx, sendPath)
	if err != nil {
		return nil, &types.ParseError{Path: path, Err: err}
	}
	return &Result{Text: md, Markdown: true}, nil
}

// cropHeaderFooter writes a cropped copy next to the original. Top and
// bottom margins are in points (1 pt = 1/72 inch).
func (c *pdfConverter) cropHeaderFooter(path string) (string, error) {
	out := filepath.Join(filepath.Dir(path), "cropped_"+filepath.Base(path))

	cropStr := fmt.Sprintf("%.2f 0 %.2f 0", c.cfg.PDFCropTop, c.cfg.PDFCropBottom)
	box, err := model.ParseBox(cropStr, pdftypes.POINTS)
	if err != nil {
		return "", fmt.Errorf("parse crop box: %w", err)
	}

	conf := api.LoadConfiguration()
	if err := api.CropFile(path, out, []string{"1-"}, box, conf); err != nil {
		return "", fmt.Errorf("crop pdf: %w", err)
	}
	return out, nil
}

type doclingResponse struct {
	Document struct {
		MdContent string `json:"md_content"`
	} `json:"document"`
}

func (c *pdfConverter) convertToMarkdown(ctx context.Context, path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("files", filepath.Base(path))
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, file); err != nil {
		return "", err
	}
	writer.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.PDFConverterURL, &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("converter returned %d: %s", resp.StatusCode, body)
	}

	var d doclingResponse
	if err := json.NewDecoder(resp.Body).Decode(&d); err != nil {
		return "", fmt.Errorf("decode converter response: %w", err)
	}
	return d.Document.MdContent, nil
}
