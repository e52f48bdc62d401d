// Package local provides a filesystem storage backend for development
// and tests. Directories stand in for common prefixes.
package local

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/arcvault/arcvault/internal/storage"
)

// Config holds local filesystem backend settings.
type Config struct {
	RootPath string
}

// Backend implements storage.Backend on the local filesystem.
type Backend struct {
	rootPath string
}

// New creates a local filesystem backend, creating the root if needed.
func New(cfg Config) (*Backend, error) {
	if cfg.RootPath == "" {
		return nil, fmt.Errorf("local: root path is required")
	}
	if err := os.MkdirAll(cfg.RootPath, 0o755); err != nil {
		return nil, fmt.Errorf("local: create root %s: %w", cfg.RootPath, err)
	}
	return &Backend{rootPath: cfg.RootPath}, nil
}

func (b *Backend) fullPath(key string) string {
	return filepath.Join(b.rootPath, filepath.FromSlash(key))
}

// List emulates a delimiter listing: directories under the prefix become
// common prefixes, regular files become objects. Entries are returned in
// directory order (lexical per os.ReadDir).
func (b *Backend) List(ctx context.Context, prefix string, maxKeys int) (*storage.Listing, error) {
	if maxKeys <= 0 || maxKeys > storage.MaxListEntries {
		maxKeys = storage.MaxListEntries
	}

	// Split the raw prefix into a directory part and a name filter, the
	// way S3 matches prefixes mid-segment.
	dir := prefix
	filter := ""
	if !strings.HasSuffix(prefix, storage.Delimiter) {
		idx := strings.LastIndex(prefix, storage.Delimiter)
		dir = prefix[:idx+1]
		filter = prefix[idx+1:]
	}

	listing := &storage.Listing{Prefix: prefix}
	entries, err := os.ReadDir(b.fullPath(dir))
	if err != nil {
		if os.IsNotExist(err) {
			return listing, nil // missing prefix is an empty result
		}
		return nil, fmt.Errorf("local: list %q: %w", prefix, err)
	}

	for _, entry := range entries {
		if filter != "" && !strings.HasPrefix(entry.Name(), filter) {
			continue
		}
		if len(listing.CommonPrefixes)+len(listing.Objects) >= maxKeys {
			listing.Truncated = true
			break
		}
		if entry.IsDir() {
			listing.CommonPrefixes = append(listing.CommonPrefixes, dir+entry.Name()+storage.Delimiter)
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		listing.Objects = append(listing.Objects, storage.Object{
			Key:          dir + entry.Name(),
			Size:         info.Size(),
			LastModified: info.ModTime(),
		})
	}

	return listing, nil
}

// Put writes content to the file at key, creating parent directories.
func (b *Backend) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	path := b.fullPath(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("local: mkdir for %q: %w", key, err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("local: create %q: %w", key, err)
	}
	defer f.Close()
	if _, err := io.Copy(f, body); err != nil {
		return fmt.Errorf("local: write %q: %w", key, err)
	}
	return nil
}

// PutMarker creates the directory the marker key denotes.
func (b *Backend) PutMarker(ctx context.Context, key string) error {
	dir := strings.TrimSuffix(key, storage.Delimiter)
	if err := os.MkdirAll(b.fullPath(dir), 0o755); err != nil {
		return fmt.Errorf("local: create marker %q: %w", key, err)
	}
	return nil
}

// Head stats the file (or, for delimiter-terminated keys, the directory)
// at key.
func (b *Backend) Head(ctx context.Context, key string) (*storage.Object, error) {
	path := b.fullPath(strings.TrimSuffix(key, storage.Delimiter))
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("local: head %q: %w", key, err)
	}
	obj := &storage.Object{Key: key, LastModified: info.ModTime()}
	if !info.IsDir() {
		obj.Size = info.Size()
	}
	return obj, nil
}

// PresignGet returns a file:// URL. Good enough for development; real
// deployments use the s3 backend.
func (b *Backend) PresignGet(ctx context.Context, key string, expiresIn time.Duration) (string, error) {
	if _, err := b.Head(ctx, key); err != nil {
		return "", err
	}
	return "file://" + b.fullPath(key), nil
}

// PresignPut returns a file:// URL for the target key, creating parent
// directories so the caller can write to it directly.
func (b *Backend) PresignPut(ctx context.Context, key string, expiresIn time.Duration) (string, error) {
	path := b.fullPath(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("local: mkdir for %q: %w", key, err)
	}
	return "file://" + path, nil
}

// Delete removes the file at key.
func (b *Backend) Delete(ctx context.Context, key string) error {
	if err := os.Remove(b.fullPath(key)); err != nil {
		if os.IsNotExist(err) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("local: delete %q: %w", key, err)
	}
	return nil
}

// Type returns the backend type identifier.
func (b *Backend) Type() string { return "local" }

// Close releases backend resources.
func (b *Backend) Close() error { return nil }
