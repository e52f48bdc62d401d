package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/arcvault/arcvault/internal/auth"
	"github.com/arcvault/arcvault/internal/gateway"
	"github.com/arcvault/arcvault/internal/logging"
	"github.com/arcvault/arcvault/internal/metrics"
	"github.com/arcvault/arcvault/internal/policy"
	"github.com/arcvault/arcvault/internal/storage"
	"github.com/arcvault/arcvault/internal/vtree"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500

	defaultPresignTTL = 15 * time.Minute
	maxPresignTTL     = 24 * time.Hour
)

// treeResponse is one page of the virtual folder view.
type treeResponse struct {
	Prefix      string        `json:"prefix"`
	Folders     []vtree.Node  `json:"folders"`
	Files       []vtree.Node  `json:"files"`
	Breadcrumbs []vtree.Crumb `json:"breadcrumbs"`
	Page        int           `json:"page"`
	PageSize    int           `json:"page_size"`
	TotalPages  int           `json:"total_pages"`
	TotalItems  int           `json:"total_items"`
	Truncated   bool          `json:"truncated"`
}

// ─── Tree ───────────────────────────────────────────────────────────────────

func (s *Server) handleTree(w http.ResponseWriter, r *http.Request) {
	u := auth.CurrentUser(r.Context())
	p := u.Principal()

	// Restricted principals land at their own subtree when no prefix is
	// asked for; everyone else starts at the root.
	prefix := policy.NormalizePrefix(r.URL.Query().Get("prefix"))
	if prefix == "" {
		prefix = p.AllowedPathPrefix
	}
	if !s.eval.CanRead(p, prefix) {
		metrics.RecordAccessDenied("tree")
		s.sendError(w, http.StatusForbidden, "access denied to this path")
		return
	}

	listPrefix := ""
	if prefix != "" {
		listPrefix = prefix + storage.Delimiter
	}

	maxKeys := clampInt(queryInt(r, "max_keys", s.config.ListMaxKeys), 1, s.config.ListMaxKeys)
	listing, err := s.backend.List(r.Context(), listPrefix, maxKeys)
	if err != nil {
		logging.Error("tree listing failed", zap.String("prefix", listPrefix), zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "failed to list storage")
		return
	}

	children := vtree.ListChildren(listPrefix, listing)
	paged := vtree.Paginate(children.Merged(), vtree.Cursor{
		Page:     queryInt(r, "page", 1),
		PageSize: clampInt(queryInt(r, "page_size", defaultPageSize), 1, maxPageSize),
	})

	resp := treeResponse{
		Prefix:      listPrefix,
		Folders:     []vtree.Node{},
		Files:       []vtree.Node{},
		Breadcrumbs: vtree.Breadcrumbs(listPrefix),
		Page:        paged.Page,
		PageSize:    paged.PageSize,
		TotalPages:  paged.TotalPages,
		TotalItems:  paged.TotalItems,
		Truncated:   listing.Truncated,
	}
	for _, node := range paged.Items {
		if node.Type == vtree.NodeFolder {
			resp.Folders = append(resp.Folders, node)
		} else {
			resp.Files = append(resp.Files, node)
		}
	}

	s.sendJSON(w, http.StatusOK, resp)
}

// ─── Download ───────────────────────────────────────────────────────────────

func (s *Server) handleDownloadURL(w http.ResponseWriter, r *http.Request) {
	u := auth.CurrentUser(r.Context())
	p := u.Principal()

	key := r.PathValue("key")
	if key == "" {
		s.sendError(w, http.StatusBadRequest, "file key required")
		return
	}

	if !s.eval.CanRead(p, key) {
		metrics.RecordAccessDenied("download")
		s.sendError(w, http.StatusForbidden, "access denied to this path")
		return
	}

	ttl, ok := presignTTL(r)
	if !ok {
		s.sendError(w, http.StatusBadRequest, "invalid expires_in")
		return
	}

	url, err := s.backend.PresignGet(r.Context(), key, ttl)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.sendError(w, http.StatusNotFound, "file not found: "+key)
			return
		}
		logging.Error("presign failed", zap.String("key", key), zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "failed to generate download url")
		return
	}

	s.sendJSON(w, http.StatusOK, map[string]any{
		"url":        url,
		"expires_in": int(ttl.Seconds()),
	})
}

// presignTTL reads the expires_in query parameter, defaulting and
// clamping to the presign bounds.
func presignTTL(r *http.Request) (time.Duration, bool) {
	raw := r.URL.Query().Get("expires_in")
	if raw == "" {
		return defaultPresignTTL, true
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs < 1 {
		return 0, false
	}
	ttl := time.Duration(secs) * time.Second
	if ttl > maxPresignTTL {
		ttl = maxPresignTTL
	}
	return ttl, true
}

// ─── Mutations ──────────────────────────────────────────────────────────────

// handlePresignedUpload issues a direct-to-storage upload URL for an
// exact key, so large files can bypass the multipart endpoint.
func (s *Server) handlePresignedUpload(w http.ResponseWriter, r *http.Request) {
	u := auth.CurrentUser(r.Context())
	p := u.Principal()

	key := r.URL.Query().Get("key")
	if key == "" {
		s.sendError(w, http.StatusBadRequest, "upload key required")
		return
	}

	ttl, ok := presignTTL(r)
	if !ok {
		s.sendError(w, http.StatusBadRequest, "invalid expires_in")
		return
	}

	url, err := s.gateway.PresignUpload(r.Context(), p, key, ttl)
	if err != nil {
		s.sendMutationError(w, err)
		return
	}

	s.sendJSON(w, http.StatusOK, map[string]any{
		"url":        url,
		"key":        key,
		"expires_in": int(ttl.Seconds()),
	})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	u := auth.CurrentUser(r.Context())
	p := u.Principal()

	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxUploadSize)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		s.sendError(w, http.StatusRequestEntityTooLarge, "upload too large or malformed")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "file field required")
		return
	}
	defer file.Close()

	key, err := s.gateway.Upload(r.Context(), p,
		r.FormValue("path"), header.Filename, file, header.Size,
		header.Header.Get("Content-Type"))
	if err != nil {
		s.sendMutationError(w, err)
		return
	}

	s.sendJSON(w, http.StatusCreated, map[string]string{"key": key})
}

func (s *Server) handleCreateFolder(w http.ResponseWriter, r *http.Request) {
	u := auth.CurrentUser(r.Context())
	p := u.Principal()

	var req struct {
		Path string `json:"path"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	key, err := s.gateway.CreateFolder(r.Context(), p, req.Path)
	if err != nil {
		s.sendMutationError(w, err)
		return
	}

	s.sendJSON(w, http.StatusOK, map[string]string{"key": key})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	u := auth.CurrentUser(r.Context())
	p := u.Principal()

	key := r.PathValue("key")
	if err := s.gateway.Delete(r.Context(), p, key); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.sendError(w, http.StatusNotFound, "file not found: "+key)
			return
		}
		s.sendMutationError(w, err)
		return
	}

	s.sendJSON(w, http.StatusOK, map[string]string{"message": "deleted"})
}

// sendMutationError maps gateway errors onto HTTP statuses.
func (s *Server) sendMutationError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, gateway.ErrAccessDenied):
		s.sendError(w, http.StatusForbidden, "access denied to this path")
	case errors.Is(err, gateway.ErrInvalidPath):
		s.sendError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, gateway.ErrFileTypeNotAllowed):
		s.sendError(w, http.StatusUnsupportedMediaType, err.Error())
	default:
		s.sendError(w, http.StatusInternalServerError, "operation failed")
	}
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

func clampInt(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}
