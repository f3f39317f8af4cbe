// Package storage defines the sink abstraction frames are persisted
// through. Implementations cover local disk, in-memory (tests), MinIO and
// S3-compatible object stores, AWS S3, and Azure Blob Storage.
package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("storage: not found")

// Content types written by the pipeline.
const (
	ContentTypeJPEG        = "image/jpeg"
	ContentTypeJSON        = "application/json"
	ContentTypeOctetStream = "application/octet-stream"
)

// Sink persists encoded frames and run artifacts under string keys.
type Sink interface {
	// Prepare resets the destination before a run: it is invoked exactly
	// once, by the pipeline, before any worker starts. Existing objects
	// under the sink's root or prefix are removed.
	Prepare(ctx context.Context) error
	// Put durably stores payload under key and returns the number of bytes
	// written.
	Put(ctx context.Context, key string, payload []byte, contentType string) (int64, error)
	// Get returns the payload stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// List returns the keys stored under prefix, in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)
	Close() error
}
