package api

import (
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/arcvault/arcvault/internal/auth"
	"github.com/arcvault/arcvault/internal/logging"
	"github.com/arcvault/arcvault/internal/policy"
	"github.com/arcvault/arcvault/internal/users"
	"github.com/arcvault/arcvault/internal/vtree"
)

// ─── User management ────────────────────────────────────────────────────────

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	offset := queryInt(r, "offset", 0)
	limit := clampInt(queryInt(r, "limit", 100), 1, 500)

	list, err := s.store.List(r.Context(), offset, limit)
	if err != nil {
		logging.Error("list users failed", zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "failed to list users")
		return
	}
	s.sendJSON(w, http.StatusOK, list)
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email             string `json:"email"`
		Password          string `json:"password"`
		FullName          string `json:"full_name"`
		Role              string `json:"role"`
		AllowedPathPrefix string `json:"allowed_path_prefix"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Email == "" || len(req.Password) < 8 {
		s.sendError(w, http.StatusBadRequest, "email and a password of at least 8 characters required")
		return
	}
	role := policy.Role(req.Role)
	if !role.Valid() {
		s.sendError(w, http.StatusBadRequest, "unknown role: "+req.Role)
		return
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, "failed to hash password")
		return
	}

	created, err := s.store.Create(r.Context(), &users.User{
		Email:             req.Email,
		HashedPassword:    string(hashed),
		FullName:          req.FullName,
		Role:              role,
		IsActive:          true,
		AllowedPathPrefix: policy.NormalizePrefix(req.AllowedPathPrefix),
	})
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "could not create user")
		return
	}

	admin := auth.CurrentUser(r.Context())
	s.store.RecordAudit(r.Context(), users.AuditEntry{
		UserID:       &admin.ID,
		Action:       users.AuditUserCreate,
		ResourceType: "user",
		ResourceID:   created.Email,
	})
	s.sendJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	u, err := s.store.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, users.ErrNotFound) {
			s.sendError(w, http.StatusNotFound, "user not found")
			return
		}
		s.sendError(w, http.StatusInternalServerError, "failed to load user")
		return
	}
	s.sendJSON(w, http.StatusOK, u)
}

func (s *Server) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid user id")
		return
	}

	u, err := s.store.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, users.ErrNotFound) {
			s.sendError(w, http.StatusNotFound, "user not found")
			return
		}
		s.sendError(w, http.StatusInternalServerError, "failed to load user")
		return
	}

	var req struct {
		Email             *string `json:"email"`
		Password          *string `json:"password"`
		FullName          *string `json:"full_name"`
		Role              *string `json:"role"`
		IsActive          *bool   `json:"is_active"`
		AllowedPathPrefix *string `json:"allowed_path_prefix"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Email != nil && *req.Email != "" {
		u.Email = *req.Email
	}
	if req.FullName != nil {
		u.FullName = *req.FullName
	}
	if req.Role != nil {
		role := policy.Role(*req.Role)
		if !role.Valid() {
			s.sendError(w, http.StatusBadRequest, "unknown role: "+*req.Role)
			return
		}
		u.Role = role
	}
	if req.IsActive != nil {
		u.IsActive = *req.IsActive
	}
	if req.AllowedPathPrefix != nil {
		u.AllowedPathPrefix = policy.NormalizePrefix(*req.AllowedPathPrefix)
	}
	if req.Password != nil {
		if len(*req.Password) < 8 {
			s.sendError(w, http.StatusBadRequest, "password must be at least 8 characters")
			return
		}
		hashed, err := bcrypt.GenerateFromPassword([]byte(*req.Password), bcrypt.DefaultCost)
		if err != nil {
			s.sendError(w, http.StatusInternalServerError, "failed to hash password")
			return
		}
		u.HashedPassword = string(hashed)
	}

	updated, err := s.store.Update(r.Context(), u)
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, "failed to update user")
		return
	}

	admin := auth.CurrentUser(r.Context())
	s.store.RecordAudit(r.Context(), users.AuditEntry{
		UserID:       &admin.ID,
		Action:       users.AuditUserUpdate,
		ResourceType: "user",
		ResourceID:   updated.Email,
	})
	s.sendJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid user id")
		return
	}

	admin := auth.CurrentUser(r.Context())
	if admin.ID == id {
		s.sendError(w, http.StatusBadRequest, "cannot delete your own account")
		return
	}

	if err := s.store.Delete(r.Context(), id); err != nil {
		if errors.Is(err, users.ErrNotFound) {
			s.sendError(w, http.StatusNotFound, "user not found")
			return
		}
		s.sendError(w, http.StatusInternalServerError, "failed to delete user")
		return
	}

	s.store.RecordAudit(r.Context(), users.AuditEntry{
		UserID:       &admin.ID,
		Action:       users.AuditUserDelete,
		ResourceType: "user",
		ResourceID:   strconv.Itoa(id),
	})
	s.sendJSON(w, http.StatusOK, map[string]string{"message": "user deleted"})
}

// ─── Access administration ──────────────────────────────────────────────────

// handlePathPrefixes returns the statically configured named prefixes
// offered when scoping a user.
func (s *Server) handlePathPrefixes(w http.ResponseWriter, r *http.Request) {
	prefixes := policy.MergePrefixes(s.config.NamedPathPrefixes, nil)
	s.sendJSON(w, http.StatusOK, map[string]any{"prefixes": prefixes})
}

// handleDiscoverPaths merges the configured prefixes with top-level
// folders discovered from storage.
func (s *Server) handleDiscoverPaths(w http.ResponseWriter, r *http.Request) {
	listing, err := s.backend.List(r.Context(), "", s.config.ListMaxKeys)
	if err != nil {
		logging.Error("path discovery failed", zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "failed to list storage")
		return
	}

	children := vtree.ListChildren("", listing)
	discovered := make([]string, 0, len(children.Folders))
	for _, f := range children.Folders {
		discovered = append(discovered, f.Name)
	}

	merged := policy.MergePrefixes(s.config.NamedPathPrefixes, discovered)
	s.sendJSON(w, http.StatusOK, map[string]any{"prefixes": merged})
}

func (s *Server) handleUserStats(w http.ResponseWriter, r *http.Request) {
	total, active, err := s.store.Stats(r.Context())
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, "failed to load stats")
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]int{
		"total_users":    total,
		"active_users":   active,
		"inactive_users": total - active,
	})
}

// handleAccessRules exposes the role/permission matrix so the admin UI
// does not hard-code it.
func (s *Server) handleAccessRules(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, map[string]any{
		"roles":               policy.RolePermissions(),
		"shared_write_prefix": s.eval.SharedWritePrefix,
	})
}

func (s *Server) handleAuditLog(w http.ResponseWriter, r *http.Request) {
	limit := clampInt(queryInt(r, "limit", 100), 1, 1000)
	entries, err := s.store.ListAudit(r.Context(), limit)
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, "failed to load audit log")
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
