// Package storage defines the Backend interface for object storage and
// the listing types shared by its implementations.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// Delimiter derives hierarchy from flat object keys.
const Delimiter = "/"

// MaxListEntries caps a single listing response. Callers wanting more
// must issue further prefix-scoped requests.
const MaxListEntries = 10000

// ErrNotFound is returned when a key does not exist. Listings of missing
// prefixes are empty results, not errors.
var ErrNotFound = errors.New("storage: object not found")

// Object describes one stored object.
type Object struct {
	Key          string
	Size         int64
	LastModified time.Time
	ETag         string
}

// Listing is the raw result of a delimiter listing: common prefixes
// (derived folders) and direct objects under the requested prefix, in
// backend order.
type Listing struct {
	Prefix         string
	CommonPrefixes []string
	Objects        []Object
	Truncated      bool
}

// Backend is the interface for object storage backends. Implementations
// handle raw object I/O (S3, local filesystem); hierarchy is derived by
// the vtree package.
type Backend interface {
	// List returns common prefixes and objects directly under prefix,
	// paging internally up to maxKeys entries (capped at MaxListEntries).
	List(ctx context.Context, prefix string, maxKeys int) (*Listing, error)

	// Put uploads content to the given key.
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error

	// PutMarker writes a zero-length folder marker object at key. The key
	// must be delimiter-terminated.
	PutMarker(ctx context.Context, key string) error

	// Head returns metadata for a single object, or ErrNotFound.
	Head(ctx context.Context, key string) (*Object, error)

	// PresignGet issues a time-bounded URL granting direct read access to
	// one object.
	PresignGet(ctx context.Context, key string, expiresIn time.Duration) (string, error)

	// PresignPut issues a time-bounded URL granting direct write access
	// to one key, so large uploads can bypass the server.
	PresignPut(ctx context.Context, key string, expiresIn time.Duration) (string, error)

	// Delete removes an object by key.
	Delete(ctx context.Context, key string) error

	// Type returns the backend type identifier ("s3", "local").
	Type() string

	// Close releases any resources held by the backend.
	Close() error
}
