package types

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound means an unknown document or knowledge base id. Surfaced
	// to the caller as-is, never retried.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyProcessing rejects a second concurrent ingestion attempt
	// for the same document id.
	ErrAlreadyProcessing = errors.New("document is already being processed")
)

// ConfigurationError is an invalid setting detected before any work starts
// (chunk overlap >= chunk size, embedding dimension mismatch).
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration %s: %s", e.Field, e.Reason)
}

// ParseError is fatal for the ingestion attempt: the file is unreadable,
// unsupported or yields no text.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// EmbeddingError wraps a provider failure after retries are exhausted.
type EmbeddingError struct {
	Provider string
	Err      error
}

func (e *EmbeddingError) Error() string {
	return fmt.Sprintf("embedding provider %s: %v", e.Provider, e.Err)
}

func (e *EmbeddingError) Unwrap() error { return e.Err }

// IndexError is a failed index creation or write. Partial writes must be
// cleaned up by the caller before the document is marked failed.
type IndexError struct {
	Op  string
	Err error
}

func (e *IndexError) Error() string {
	return fmt.Sprintf("index %s: %v", e.Op, e.Err)
}

func (e *IndexError) Unwrap() error { return e.Err }
