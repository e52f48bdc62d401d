// Package api provides the HTTP server and handlers.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/arcvault/arcvault/internal/auth"
	"github.com/arcvault/arcvault/internal/config"
	"github.com/arcvault/arcvault/internal/gateway"
	"github.com/arcvault/arcvault/internal/metrics"
	"github.com/arcvault/arcvault/internal/policy"
	"github.com/arcvault/arcvault/internal/storage"
	"github.com/arcvault/arcvault/internal/users"
)

// Server is the HTTP server.
type Server struct {
	config  *config.Config
	auth    *auth.Auth
	store   *users.Store
	backend storage.Backend
	gateway *gateway.Gateway
	eval    *policy.Evaluator
}

// NewServer creates a new server.
func NewServer(
	cfg *config.Config,
	authHandler *auth.Auth,
	store *users.Store,
	backend storage.Backend,
	gw *gateway.Gateway,
	eval *policy.Evaluator,
) *Server {
	return &Server{
		config:  cfg,
		auth:    authHandler,
		store:   store,
		backend: backend,
		gateway: gw,
		eval:    eval,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Public endpoints (no auth required)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /api/v1/auth/login", s.auth.HandleLogin)
	mux.HandleFunc("POST /api/v1/auth/refresh", s.auth.HandleRefresh)
	mux.HandleFunc("POST /api/v1/auth/logout", s.auth.HandleLogout)
	mux.HandleFunc("POST /api/v1/auth/signup", s.auth.HandleSignup)

	// Protected endpoints
	protected := http.NewServeMux()

	protected.HandleFunc("GET /api/v1/auth/me", s.auth.HandleMe)

	// Browsing
	protected.HandleFunc("GET /api/v1/files/tree", s.handleTree)
	protected.HandleFunc("GET /api/v1/files/download/{key...}", s.handleDownloadURL)

	// Mutations
	protected.HandleFunc("POST /api/v1/files/upload", s.handleUpload)
	protected.HandleFunc("GET /api/v1/files/presigned-upload", s.handlePresignedUpload)
	protected.HandleFunc("POST /api/v1/files/create-folder", s.handleCreateFolder)
	protected.HandleFunc("DELETE /api/v1/files/{key...}", s.handleDelete)

	// Admin endpoints
	protected.HandleFunc("GET /api/v1/users", s.requireAdmin(s.handleListUsers))
	protected.HandleFunc("POST /api/v1/users", s.requireAdmin(s.handleCreateUser))
	protected.HandleFunc("GET /api/v1/users/path-prefixes", s.requireAdmin(s.handlePathPrefixes))
	protected.HandleFunc("GET /api/v1/users/discover-paths", s.requireAdmin(s.handleDiscoverPaths))
	protected.HandleFunc("GET /api/v1/users/stats", s.requireAdmin(s.handleUserStats))
	protected.HandleFunc("GET /api/v1/users/access-rules", s.requireAdmin(s.handleAccessRules))
	protected.HandleFunc("GET /api/v1/users/{id}", s.requireAdmin(s.handleGetUser))
	protected.HandleFunc("PUT /api/v1/users/{id}", s.requireAdmin(s.handleUpdateUser))
	protected.HandleFunc("DELETE /api/v1/users/{id}", s.requireAdmin(s.handleDeleteUser))
	protected.HandleFunc("GET /api/v1/admin/audit", s.requireAdmin(s.handleAuditLog))

	mux.Handle("/api/v1/", s.auth.Middleware(protected))

	return metrics.Middleware(mux)
}

// requireAdmin gates a handler on the admin role. The principal is
// already authenticated by the auth middleware.
func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u := auth.CurrentUser(r.Context())
		if u == nil || u.Role != policy.RoleAdmin {
			metrics.RecordAccessDenied("admin")
			s.sendError(w, http.StatusForbidden, "admin access required")
			return
		}
		next(w, r)
	}
}

// ─── Health ─────────────────────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "ok",
		"backend": s.backend.Type(),
	})
}

// ─── Helpers ────────────────────────────────────────────────────────────────

type errorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(errorResponse{Error: message, Code: code})
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}
