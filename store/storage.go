// Package store is the relational side of the system: knowledge bases,
// documents and their chunks live here, while the searchable projection
// of the chunks lives in the index partitions.
package store

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"opskb/types"
)

type DBStorer interface {
	CreateKB(context.Context, types.CreateKBParams) (*types.KnowledgeBase, error)
	GetKB(context.Context, uuid.UUID) (*types.KnowledgeBase, error)
	ListKBs(context.Context) ([]types.KnowledgeBase, error)
	DeleteKB(context.Context, uuid.UUID) error

	CreateDocument(context.Context, *types.Document) error
	GetDocument(context.Context, uuid.UUID) (*types.Document, error)
	ListDocuments(context.Context, uuid.UUID) ([]types.Document, error)
	DeleteDocument(context.Context, uuid.UUID) error
	SetDocumentStatus(context.Context, uuid.UUID, types.DocumentStatus, string) error

	ResetDocumentChunks(context.Context, uuid.UUID) error
	CompleteDocument(context.Context, *types.Document, []types.Chunk) error
	ListChunks(context.Context, uuid.UUID, int, int) ([]types.Chunk, int, error)
}

type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewPostgresStore(ctx context.Context, connStr string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{
		pool:   pool,
		logger: slog.Default(),
	}, nil
}

// Pool exposes the underlying connection pool so the index partitions
// can share it.
func (p *PostgresStore) Pool() *pgxpool.Pool {
	return p.pool
}

func (p *PostgresStore) Init(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS knowledge_bases (
		id UUID PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'active',
		document_count INT NOT NULL DEFAULT 0,
		chunk_count INT NOT NULL DEFAULT 0,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT now(),
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS documents (
		id UUID PRIMARY KEY,
		kb_id UUID NOT NULL REFERENCES knowledge_bases(id) ON DELETE CASCADE,
		filename TEXT NOT NULL,
		file_type TEXT NOT NULL,
		file_size BIGINT NOT NULL DEFAULT 0,
		content_hash TEXT NOT NULL DEFAULT '',
		file_path TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		chunk_count INT NOT NULL DEFAULT 0,
		error_message TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT now(),
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT now()
	);

	CREATE INDEX IF NOT EXISTS idx_documents_kb_id ON documents(kb_id);
	CREATE INDEX IF NOT EXISTS idx_documents_status ON documents(status);

	CREATE TABLE IF NOT EXISTS document_chunks (
		id UUID PRIMARY KEY,
		document_id UUID NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
		chunk_index INT NOT NULL,
		content TEXT NOT NULL,
		content_length INT NOT NULL,
		metadata JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT now(),
		UNIQUE (document_id, chunk_index)
	);

	CREATE INDEX IF NOT EXISTS idx_document_chunks_document ON document_chunks(document_id);
	`
	_, err := p.pool.Exec(ctx, query)
	return err
}

func (p *PostgresStore) CreateKB(ctx context.Context, params types.CreateKBParams) (*types.KnowledgeBase, error) {
	kb := &types.KnowledgeBase{
		ID:          uuid.New(),
		Name:        params.Name,
		Description: params.Description,
		Status:      "active",
	}
	err := p.pool.QueryRow(ctx, `
		INSERT INTO knowledge_bases (id, name, description)
		VALUES ($1, $2, $3)
		RETURNING created_at, updated_at`,
		kb.ID, kb.Name, kb.Description,
	).Scan(&kb.CreatedAt, &kb.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.logger.Info("knowledge base created", "id", kb.ID, "name", kb.Name)
	return kb, nil
}

func (p *PostgresStore) GetKB(ctx context.Context, id uuid.UUID) (*types.KnowledgeBase, error) {
	kb := &types.KnowledgeBase{}
	err := p.pool.QueryRow(ctx, `
		SELECT id, name, description, status, document_count, chunk_count, created_at, updated_at
		FROM knowledge_bases WHERE id = $1`, id,
	).Scan(&kb.ID, &kb.Name, &kb.Description, &kb.Status,
		&kb.DocumentCount, &kb.ChunkCount, &kb.CreatedAt, &kb.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return kb, nil
}

func (p *PostgresStore) ListKBs(ctx context.Context) ([]types.KnowledgeBase, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, name, description, status, document_count, chunk_count, created_at, updated_at
		FROM knowledge_bases ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var kbs []types.KnowledgeBase
	for rows.Next() {
		var kb types.KnowledgeBase
		if err := rows.Scan(&kb.ID, &kb.Name, &kb.Description, &kb.Status,
			&kb.DocumentCount, &kb.ChunkCount, &kb.CreatedAt, &kb.UpdatedAt); err != nil {
			return nil, err
		}
		kbs = append(kbs, kb)
	}
	return kbs, rows.Err()
}

// DeleteKB removes the knowledge base row; documents and chunks go with
// it via cascade. The caller is responsible for dropping the index
// partition.
func (p *PostgresStore) DeleteKB(ctx context.Context, id uuid.UUID) error {
	tag, err := p.pool.Exec(ctx, "DELETE FROM knowledge_bases WHERE id = $1", id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return types.ErrNotFound
	}
	return nil
}

func (p *PostgresStore) CreateDocument(ctx context.Context, doc *types.Document) error {
	if doc.ID == uuid.Nil {
		doc.ID = uuid.New()
	}
	if doc.Status == "" {
		doc.Status = types.StatusPending
	}
	err := p.pool.QueryRow(ctx, `
		INSERT INTO documents (id, kb_id, filename, file_type, file_size, content_hash, file_path, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at`,
		doc.ID, doc.KBID, doc.Filename, doc.FileType, doc.FileSize,
		doc.ContentHash, doc.FilePath, doc.Status,
	).Scan(&doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		return err
	}

	_, err = p.pool.Exec(ctx, `
		UPDATE knowledge_bases
		SET document_count = document_count + 1, updated_at = now()
		WHERE id = $1`, doc.KBID)
	return err
}

func (p *PostgresStore) GetDocument(ctx context.Context, id uuid.UUID) (*types.Document, error) {
	doc := &types.Document{}
	err := p.pool.QueryRow(ctx, `
		SELECT id, kb_id, filename, file_type, file_size, content_hash, file_path,
		       status, chunk_count, error_message, created_at, updated_at
		FROM documents WHERE id = $1`, id,
	).Scan(&doc.ID, &doc.KBID, &doc.Filename, &doc.FileType, &doc.FileSize,
		&doc.ContentHash, &doc.FilePath, &doc.Status, &doc.ChunkCount,
		&doc.ErrorMessage, &doc.CreatedAt, &doc.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func (p *PostgresStore) ListDocuments(ctx context.Context, kbID uuid.UUID) ([]types.Document, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, kb_id, filename, file_type, file_size, content_hash, file_path,
		       status, chunk_count, error_message, created_at, updated_at
		FROM documents WHERE kb_id = $1 ORDER BY created_at DESC`, kbID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []types.Document
	for rows.Next() {
		var doc types.Document
		if err := rows.Scan(&doc.ID, &doc.KBID, &doc.Filename, &doc.FileType, &doc.FileSize,
			&doc.ContentHash, &doc.FilePath, &doc.Status, &doc.ChunkCount,
			&doc.ErrorMessage, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func (p *PostgresStore) DeleteDocument(ctx context.Context, id uuid.UUID) error {
	doc, err := p.GetDocument(ctx, id)
	if err != nil {
		return err
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "DELETE FROM documents WHERE id = $1", id); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE knowledge_bases
		SET document_count = GREATEST(document_count - 1, 0),
		    chunk_count = GREATEST(chunk_count - $2, 0),
		    updated_at = now()
		WHERE id = $1`, doc.KBID, doc.ChunkCount); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// SetDocumentStatus records a lifecycle transition. The error message is
// cleared on any non-failed status.
func (p *PostgresStore) SetDocumentStatus(ctx context.Context, id uuid.UUID, status types.DocumentStatus, errMsg string) error {
	if status != types.StatusFailed {
		errMsg = ""
	}
	tag, err := p.pool.Exec(ctx, `
		UPDATE documents SET status = $2, error_message = $3, updated_at = now()
		WHERE id = $1`, id, status, errMsg)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return types.ErrNotFound
	}
	return nil
}

// ResetDocumentChunks drops the stored chunks of a document and zeroes
// its chunk count, subtracting from the knowledge base totals. Runs
// before every (re)processing pass.
func (p *PostgresStore) ResetDocumentChunks(ctx context.Context, docID uuid.UUID) error {
	doc, err := p.GetDocument(ctx, docID)
	if err != nil {
		return err
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "DELETE FROM document_chunks WHERE document_id = $1", docID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE documents SET chunk_count = 0, updated_at = now() WHERE id = $1`, docID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE knowledge_bases
		SET chunk_count = GREATEST(chunk_count - $2, 0), updated_at = now()
		WHERE id = $1`, doc.KBID, doc.ChunkCount); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// CompleteDocument persists the final chunk set and flips the document
// to completed in one transaction, so a crash can never leave chunks
// without the matching status.
func (p *PostgresStore) CompleteDocument(ctx context.Context, doc *types.Document, chunks []types.Chunk) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, c := range chunks {
		meta, err := json.Marshal(c.Metadata)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO document_chunks (id, document_id, chunk_index, content, content_length, metadata)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (document_id, chunk_index) DO UPDATE SET
				content = EXCLUDED.content,
				content_length = EXCLUDED.content_length,
				metadata = EXCLUDED.metadata`,
			c.ID, c.DocumentID, c.Index, c.Content, c.ContentLength, meta); err != nil {
			return err
		}
	}

	if _, err := tx.Exec(ctx, `
		UPDATE documents
		SET status = $2, chunk_count = $3, error_message = '', updated_at = now()
		WHERE id = $1`, doc.ID, types.StatusCompleted, len(chunks)); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE knowledge_bases
		SET chunk_count = chunk_count + $2, updated_at = now()
		WHERE id = $1`, doc.KBID, len(chunks)); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}
	p.logger.Info("document completed", "id", doc.ID, "chunks", len(chunks))
	return nil
}

// ListChunks returns one page of a document's chunks in index order,
// plus the total count for pagination.
func (p *PostgresStore) ListChunks(ctx context.Context, docID uuid.UUID, limit, offset int) ([]types.Chunk, int, error) {
	var total int
	if err := p.pool.QueryRow(ctx,
		"SELECT count(*) FROM document_chunks WHERE document_id = $1", docID,
	).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := p.pool.Query(ctx, `
		SELECT id, document_id, chunk_index, content, content_length, metadata, created_at
		FROM document_chunks
		WHERE document_id = $1
		ORDER BY chunk_index
		LIMIT $2 OFFSET $3`, docID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var chunks []types.Chunk
	for rows.Next() {
		var c types.Chunk
		var meta []byte
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.Index, &c.Content,
			&c.ContentLength, &meta, &c.CreatedAt); err != nil {
			return nil, 0, err
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &c.Metadata); err != nil {
				return nil, 0, err
			}
		}
		chunks = append(chunks, c)
	}
	return chunks, total, rows.Err()
}

func (p *PostgresStore) Close() error {
	if p.pool != nil {
		p.pool.Close()
		p.logger.Info("postgres connection pool closed")
	}
	return nil
}
