package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned by Read when no object exists under the key.
var ErrNotFound = errors.New("storage: object not found")

// FileInfo describes one cached object.
type FileInfo struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
	ContentType  string    `json:"content_type,omitempty"`
}

// Storage is the attachment cache backend. Keys use "/" separators.
type Storage interface {
	// Write stores r under key. size is -1 when unknown.
	Write(ctx context.Context, key string, r io.Reader, size int64, contentType string) error

	// Read opens the object under key. The caller closes it.
	Read(ctx context.Context, key string) (io.ReadCloser, error)

	Exists(ctx context.Context, key string) (bool, error)

	Delete(ctx context.Context, key string) error

	// List returns every object whose key starts with prefix.
	List(ctx context.Context, prefix string) ([]FileInfo, error)
}

// New builds the backend named by driver ("local" or "s3").
func New(ctx context.Context, driver string, local LocalConfig, s3cfg S3Config) (Storage, error) {
	switch driver {
	case "", "local":
		return NewLocalStorage(local)
	case "s3":
		return NewS3Storage(ctx, s3cfg)
	default:
		return nil, errors.New("storage: unknown driver " + driver)
	}
}
