// Package ingest drives a document through the pipeline: parse, split,
// embed, index, persist. One document is processed by at most one
// worker at a time; the lifecycle status on the document row is the
// externally visible progress.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkoukk/tiktoken-go"

	"opskb/model"
	"opskb/parser"
	"opskb/splitter"
	"opskb/types"
)

type Store interface {
	CreateDocument(context.Context, *types.Document) error
	GetDocument(context.Context, uuid.UUID) (*types.Document, error)
	SetDocumentStatus(context.Context, uuid.UUID, types.DocumentStatus, string) error
	ResetDocumentChunks(context.Context, uuid.UUID) error
	CompleteDocument(context.Context, *types.Document, []types.Chunk) error
}

type Index interface {
	EnsureIndex(context.Context, uuid.UUID) error
	BulkIndex(context.Context, uuid.UUID, []types.IndexEntry) (int, error)
	DeleteByDocument(context.Context, uuid.UUID, uuid.UUID) (int64, error)
}

type Processor struct {
	store       Store
	index       Index
	embedder    model.Embedder
	parser      parser.Parser
	split       *splitter.Splitter
	mdSplit     *splitter.MarkdownSplitter
	documentDir string
	countTokens func(string) int // nil when the encoding is unavailable
	logger      *slog.Logger

	mu       sync.Mutex
	inflight map[uuid.UUID]bool
}

func NewProcessor(
	store Store,
	index Index,
	embedder model.Embedder,
	prs parser.Parser,
	split *splitter.Splitter,
	mdSplit *splitter.MarkdownSplitter,
	documentDir string,
) *Processor {
	p := &Processor{
		store:       store,
		index:       index,
		embedder:    embedder,
		parser:      prs,
		split:       split,
		mdSplit:     mdSplit,
		documentDir: documentDir,
		logger:      slog.Default(),
		inflight:    make(map[uuid.UUID]bool),
	}
	if enc, err := tiktoken.GetEncoding("cl100k_base"); err == nil {
		p.countTokens = func(s string) int { return len(enc.Encode(s, nil, nil)) }
	} else {
		p.logger.Warn("token encoding unavailable, chunk token counts disabled", "error", err)
	}
	return p
}

// Ingest stores the uploaded content, records a pending document and
// starts processing in the background. The returned document is the
// pending row; callers poll its status for progress.
func (p *Processor) Ingest(ctx context.Context, kbID uuid.UUID, filename string, content io.Reader) (*types.Document, error) {
	if !parser.Supported(filename) {
		return nil, &types.ParseError{Path: filename, Err: errors.New("unsupported file type")}
	}

	docID := uuid.New()
	dir := filepath.Join(p.documentDir, kbID.String())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, docID.String()+"_"+filepath.Base(filename))

	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	size, err := io.Copy(f, content)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return nil, err
	}

	hash, err := parser.HashFile(path)
	if err != nil {
		os.Remove(path)
		return nil, err
	}

	doc := &types.Document{
		ID:          docID,
		KBID:        kbID,
		Filename:    filename,
		FileType:    parser.FileType(filename),
		FileSize:    size,
		ContentHash: hash,
		FilePath:    path,
	}
	if err := p.store.CreateDocument(ctx, doc); err != nil {
		os.Remove(path)
		return nil, err
	}

	if err := p.Start(doc.ID); err != nil {
		return nil, err
	}
	return doc, nil
}

func (p *Processor) acquire(docID uuid.UUID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inflight[docID] {
		return false
	}
	p.inflight[docID] = true
	return true
}

func (p *Processor) release(docID uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inflight, docID)
}

// Start launches processing in the background. The inflight check is
// synchronous so a concurrent attempt on the same document is rejected
// immediately.
func (p *Processor) Start(docID uuid.UUID) error {
	if !p.acquire(docID) {
		return types.ErrAlreadyProcessing
	}
	go func() {
		defer p.release(docID)
		if err := p.processGuarded(context.Background(), docID); err != nil {
			p.logger.Error("ingestion failed", "document", docID, "error", err)
		}
	}()
	return nil
}

// Run processes a document synchronously. Used where the caller wants
// the result, Start everywhere else.
func (p *Processor) Run(ctx context.Context, docID uuid.UUID) error {
	if !p.acquire(docID) {
		return types.ErrAlreadyProcessing
	}
	defer p.release(docID)
	return p.processGuarded(ctx, docID)
}

// processGuarded converts a panic anywhere in the pipeline into a
// failed status, so a crashed run cannot leave the document stuck in
// processing.
func (p *Processor) processGuarded(ctx context.Context, docID uuid.UUID) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			p.logger.Error("ingestion panicked", "document", docID, "panic", rec)
			err = p.fail(ctx, docID, fmt.Errorf("ingestion panicked: %v", rec))
		}
	}()
	return p.process(ctx, docID)
}

var errNoText = errors.New("document produced no text")

func (p *Processor) process(ctx context.Context, docID uuid.UUID) error {
	doc, err := p.store.GetDocument(ctx, docID)
	if err != nil {
		return err
	}

	if err := p.store.SetDocumentStatus(ctx, docID, types.StatusProcessing, ""); err != nil {
		return err
	}

	// Reprocessing a document must never leave entries from the previous
	// pass behind, so cleanup runs before parsing.
	if _, err := p.index.DeleteByDocument(ctx, doc.KBID, docID); err != nil {
		return p.fail(ctx, docID, err)
	}
	if err := p.store.ResetDocumentChunks(ctx, docID); err != nil {
		return p.fail(ctx, docID, err)
	}

	parsed, err := p.parser.Parse(ctx, doc.FilePath)
	if err != nil {
		return p.fail(ctx, docID, err)
	}
	if strings.TrimSpace(parsed.Text) == "" {
		return p.fail(ctx, docID, errNoText)
	}

	var pieces []splitter.Piece
	if parsed.Markdown {
		pieces = p.mdSplit.Split(parsed.Text)
	} else {
		pieces = p.split.Split(parsed.Text)
	}
	if len(pieces) == 0 {
		return p.fail(ctx, docID, errNoText)
	}

	chunks := make([]types.Chunk, len(pieces))
	contents := make([]string, len(pieces))
	for i, piece := range pieces {
		contents[i] = piece.Content
		meta := types.ChunkMetadata{
			StartPos: piece.Start,
			EndPos:   piece.End,
			Title:    piece.Title,
			Level:    piece.Level,
		}
		if p.countTokens != nil {
			meta.TokenCount = p.countTokens(piece.Content)
		}
		chunks[i] = types.Chunk{
			ID:            uuid.New(),
			DocumentID:    docID,
			Index:         piece.Index,
			Content:       piece.Content,
			ContentLength: len(piece.Content),
			Metadata:      meta,
		}
	}

	vectors, err := p.embedder.EmbedBatch(ctx, contents)
	if err != nil {
		return p.failWithRollback(ctx, doc, err)
	}

	if err := p.index.EnsureIndex(ctx, doc.KBID); err != nil {
		return p.failWithRollback(ctx, doc, err)
	}

	entries := make([]types.IndexEntry, len(chunks))
	for i, c := range chunks {
		entries[i] = types.IndexEntry{
			ID:         types.EntryID(docID, c.Index),
			Content:    c.Content,
			Vector:     vectors[i],
			DocumentID: docID,
			ChunkIndex: c.Index,
			KBID:       doc.KBID,
			Metadata:   c.Metadata,
		}
	}
	if _, err := p.index.BulkIndex(ctx, doc.KBID, entries); err != nil {
		return p.failWithRollback(ctx, doc, err)
	}

	if err := p.store.CompleteDocument(ctx, doc, chunks); err != nil {
		return p.failWithRollback(ctx, doc, err)
	}

	p.logger.Info("document ingested", "document", docID, "kb", doc.KBID, "chunks", len(chunks))
	return nil
}

// fail records the terminal failed status; the document is never left
// in processing.
func (p *Processor) fail(ctx context.Context, docID uuid.UUID, cause error) error {
	if err := p.store.SetDocumentStatus(ctx, docID, types.StatusFailed, cause.Error()); err != nil {
		p.logger.Error("recording failure status failed", "document", docID, "error", err)
	}
	return cause
}

// failWithRollback additionally removes any index entries written
// during this attempt, so a half-indexed document cannot serve search.
func (p *Processor) failWithRollback(ctx context.Context, doc *types.Document, cause error) error {
	if _, err := p.index.DeleteByDocument(ctx, doc.KBID, doc.ID); err != nil {
		p.logger.Error("index rollback failed", "document", doc.ID, "error", err)
	}
	return p.fail(ctx, doc.ID, cause)
}
