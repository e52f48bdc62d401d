// Package gateway validates and executes write operations against the
// storage backend. Every mutation re-checks write authorization before
// touching storage; denials produce no backend calls.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/arcvault/arcvault/internal/logging"
	"github.com/arcvault/arcvault/internal/metrics"
	"github.com/arcvault/arcvault/internal/policy"
	"github.com/arcvault/arcvault/internal/storage"
	"github.com/arcvault/arcvault/internal/users"
)

// Gateway errors. ErrAccessDenied is surfaced verbatim to the caller;
// ErrUploadFailed leaves retry policy to the caller (uploads are not
// assumed idempotent).
var (
	ErrAccessDenied       = errors.New("gateway: access denied to this path")
	ErrInvalidPath        = errors.New("gateway: invalid path")
	ErrUploadFailed       = errors.New("gateway: upload failed")
	ErrFileTypeNotAllowed = errors.New("gateway: file type not allowed")
)

// Auditor records mutations. Satisfied by *users.Store.
type Auditor interface {
	RecordAudit(ctx context.Context, e users.AuditEntry)
}

// Gateway executes validated mutations.
type Gateway struct {
	backend      storage.Backend
	eval         *policy.Evaluator
	audit        Auditor
	allowedTypes map[string]bool
}

// New creates a Gateway. allowedTypes may be nil to accept any content
// type.
func New(backend storage.Backend, eval *policy.Evaluator, audit Auditor, allowedTypes []string) *Gateway {
	var types map[string]bool
	if len(allowedTypes) > 0 {
		types = make(map[string]bool, len(allowedTypes))
		for _, t := range allowedTypes {
			types[t] = true
		}
	}
	return &Gateway{
		backend:      backend,
		eval:         eval,
		audit:        audit,
		allowedTypes: types,
	}
}

// uploadKey derives the destination key for an upload. An explicit path
// wins; otherwise admins get a per-user area at the root and everyone
// else a per-user area under the shared write prefix.
func (g *Gateway) uploadKey(p policy.Principal, path, filename string) (string, error) {
	if filename == "" || strings.Contains(filename, storage.Delimiter) {
		return "", fmt.Errorf("%w: bad filename %q", ErrInvalidPath, filename)
	}
	dest := policy.NormalizePrefix(path)
	if dest == "" {
		if p.Role == policy.RoleAdmin {
			dest = strconv.Itoa(p.ID)
		} else {
			dest = policy.NormalizePrefix(g.eval.SharedWritePrefix) + storage.Delimiter + strconv.Itoa(p.ID)
		}
	}
	return dest + storage.Delimiter + filename, nil
}

// Upload stores file content at the derived key. Authorization is
// checked before any backend call; backend failures surface as
// ErrUploadFailed with no automatic retry.
func (g *Gateway) Upload(ctx context.Context, p policy.Principal, path, filename string, body io.Reader, size int64, contentType string) (string, error) {
	key, err := g.uploadKey(p, path, filename)
	if err != nil {
		return "", err
	}

	if !g.eval.CanWrite(p, key) {
		metrics.RecordAccessDenied("upload")
		return "", ErrAccessDenied
	}
	if g.allowedTypes != nil && contentType != "" && !g.allowedTypes[contentType] {
		return "", fmt.Errorf("%w: %s", ErrFileTypeNotAllowed, contentType)
	}

	if err := g.backend.Put(ctx, key, body, size, contentType); err != nil {
		logging.Error("upload failed",
			zap.String("key", key),
			zap.Int("user", p.ID),
			zap.Error(err))
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}

	metrics.RecordUploadBytes(size)
	g.audit.RecordAudit(ctx, users.AuditEntry{
		UserID:       &p.ID,
		Action:       users.AuditFileUpload,
		ResourceType: "file",
		ResourceID:   key,
		Details:      map[string]any{"size": size, "content_type": contentType},
	})
	logging.Info("file uploaded", zap.String("key", key), zap.Int("user", p.ID))
	return key, nil
}

// PresignUpload issues a direct-upload URL for key, gated by the same
// write check as Upload. The object is written by the caller against
// storage, so no upload audit entry exists until it lands.
func (g *Gateway) PresignUpload(ctx context.Context, p policy.Principal, key string, expiresIn time.Duration) (string, error) {
	if strings.TrimSpace(key) == "" || strings.HasSuffix(key, storage.Delimiter) {
		return "", fmt.Errorf("%w: bad upload key %q", ErrInvalidPath, key)
	}

	if !g.eval.CanWrite(p, key) {
		metrics.RecordAccessDenied("presign_upload")
		return "", ErrAccessDenied
	}

	url, err := g.backend.PresignPut(ctx, key, expiresIn)
	if err != nil {
		logging.Error("presign upload failed", zap.String("key", key), zap.Error(err))
		return "", fmt.Errorf("presign upload: %w", err)
	}
	return url, nil
}

// CreateFolder writes a zero-length marker object at the normalized
// delimiter-terminated key. Creating an existing folder is a no-op
// success. The new folder only appears in listings that re-query
// storage.
func (g *Gateway) CreateFolder(ctx context.Context, p policy.Principal, path string) (string, error) {
	name := policy.NormalizePrefix(path)
	if name == "" {
		return "", fmt.Errorf("%w: empty folder path", ErrInvalidPath)
	}
	key := name + storage.Delimiter

	if !g.eval.CanWrite(p, key) {
		metrics.RecordAccessDenied("create_folder")
		return "", ErrAccessDenied
	}

	// Idempotent: an existing marker is success, not an error.
	if _, err := g.backend.Head(ctx, key); err == nil {
		return key, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return "", fmt.Errorf("check folder marker: %w", err)
	}

	if err := g.backend.PutMarker(ctx, key); err != nil {
		logging.Error("folder create failed", zap.String("key", key), zap.Error(err))
		return "", fmt.Errorf("create folder: %w", err)
	}

	g.audit.RecordAudit(ctx, users.AuditEntry{
		UserID:       &p.ID,
		Action:       users.AuditFolderCreate,
		ResourceType: "folder",
		ResourceID:   key,
	})
	logging.Info("folder created", zap.String("key", key), zap.Int("user", p.ID))
	return key, nil
}

// Delete removes one object.
func (g *Gateway) Delete(ctx context.Context, p policy.Principal, key string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidPath)
	}

	if !g.eval.CanDelete(p, key) {
		metrics.RecordAccessDenied("delete")
		return ErrAccessDenied
	}

	if err := g.backend.Delete(ctx, key); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return err
		}
		logging.Error("delete failed", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("delete object: %w", err)
	}

	g.audit.RecordAudit(ctx, users.AuditEntry{
		UserID:       &p.ID,
		Action:       users.AuditFileDelete,
		ResourceType: "file",
		ResourceID:   key,
	})
	return nil
}
