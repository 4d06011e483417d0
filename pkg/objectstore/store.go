package objectstore

import (
	"context"
	"iter"
	"time"
)

// Entry is one result of a listing: an object, or a common prefix when
// listing non-recursively
type Entry struct {
	Key          string
	Size         int64
	LastModified time.Time
	CommonPrefix string
}

// IsPrefix reports whether the entry is a folder-like common prefix
func (e Entry) IsPrefix() bool {
	return e.CommonPrefix != ""
}

// Store is the capability interface over a single bucket.
// Implementations do not retry; callers own retry policy.
type Store interface {
	// Put writes data under key, replacing any existing object
	Put(ctx context.Context, key string, data []byte, contentType string) error

	// Remove deletes key. Removing a missing key is not an error.
	Remove(ctx context.Context, key string) error

	// BucketExists reports whether the bound bucket exists
	BucketExists(ctx context.Context) (bool, error)

	// EnsureBucket creates the bound bucket if needed; it is idempotent
	EnsureBucket(ctx context.Context) error

	// List lazily yields entries under prefix. Each call starts a fresh,
	// finite listing; iteration stops after the first error.
	List(ctx context.Context, prefix string, recursive bool) iter.Seq2[Entry, error]
}
