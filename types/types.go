package types

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type DocumentStatus string

const (
	StatusPending    DocumentStatus = "pending"
	StatusProcessing DocumentStatus = "processing"
	StatusCompleted  DocumentStatus = "completed"
	StatusFailed     DocumentStatus = "failed"
)

type KnowledgeBase struct {
	ID            uuid.UUID `json:"id"`
	Name          string    `json:"name"`
	Description   string    `json:"description,omitempty"`
	Status        string    `json:"status"`
	DocumentCount int       `json:"document_count"`
	ChunkCount    int       `json:"chunk_count"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type Document struct {
	ID           uuid.UUID      `json:"id"`
	KBID         uuid.UUID      `json:"kb_id"`
	Filename     string         `json:"filename"`
	FileType     string         `json:"file_type"`
	FileSize     int64          `json:"file_size"`
	ContentHash  string         `json:"content_hash,omitempty"`
	FilePath     string         `json:"-"` // opaque storage reference
	Status       DocumentStatus `json:"status"`
	ChunkCount   int            `json:"chunk_count"`
	ErrorMessage string         `json:"error_message,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// ChunkMetadata carries the known typed fields plus a free-form side map
// for anything a splitter variant wants to attach.
type ChunkMetadata struct {
	TokenCount int            `json:"token_count,omitempty"`
	StartPos   int            `json:"start_pos"`
	EndPos     int            `json:"end_pos"`
	Title      string         `json:"title,omitempty"`
	Level      int            `json:"level,omitempty"`
	Extra      map[string]any `json:"extra,omitempty"`
}

// Chunk is one immutable slice of a document's extracted text. Index is
// dense and zero-based within the parent document.
type Chunk struct {
	ID            uuid.UUID     `json:"id"`
	DocumentID    uuid.UUID     `json:"document_id"`
	Index         int           `json:"chunk_index"`
	Content       string        `json:"content"`
	ContentLength int           `json:"content_length"`
	Metadata      ChunkMetadata `json:"metadata"`
	CreatedAt     time.Time     `json:"created_at"`
}

// IndexEntry is the projection of a Chunk written to the search index.
type IndexEntry struct {
	ID         string
	Content    string
	Vector     []float32
	DocumentID uuid.UUID
	ChunkIndex int
	KBID       uuid.UUID
	Metadata   ChunkMetadata
}

// EntryID builds the index entry id for a chunk: "{document_id}_{chunk_index}".
func EntryID(docID uuid.UUID, chunkIndex int) string {
	return fmt.Sprintf("%s_%d", docID, chunkIndex)
}

type SearchResult struct {
	ID         string        `json:"id"`
	Score      float64       `json:"score"`
	Content    string        `json:"content"`
	DocumentID uuid.UUID     `json:"document_id"`
	ChunkIndex int           `json:"chunk_index"`
	KBID       uuid.UUID     `json:"kb_id"`
	Metadata   ChunkMetadata `json:"metadata"`
}

type Source struct {
	Content    string    `json:"content"`
	Score      float64   `json:"score"`
	DocumentID uuid.UUID `json:"document_id"`
	ChunkIndex int       `json:"chunk_index"`
}

type Answer struct {
	Answer       string   `json:"answer"`
	Sources      []Source `json:"sources"`
	InputTokens  int      `json:"input_tokens"`
	OutputTokens int      `json:"output_tokens"`
}
