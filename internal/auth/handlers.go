package auth

import (
	"encoding/json"
	"net"
	"net/http"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/arcvault/arcvault/internal/logging"
	"github.com/arcvault/arcvault/internal/metrics"
	"github.com/arcvault/arcvault/internal/policy"
	"github.com/arcvault/arcvault/internal/users"
)

// HandleLogin handles POST /api/v1/auth/login.
func (a *Auth) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		metrics.RecordAuthAttempt(false)
		sendAuthError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Email == "" || req.Password == "" {
		metrics.RecordAuthAttempt(false)
		sendAuthError(w, http.StatusBadRequest, "email and password required")
		return
	}

	u, err := a.store.GetByEmail(r.Context(), req.Email)
	if err != nil {
		metrics.RecordAuthAttempt(false)
		logging.Warn("login failed: unknown user", zap.String("email", req.Email))
		sendAuthError(w, http.StatusUnauthorized, "incorrect email or password")
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.HashedPassword), []byte(req.Password)); err != nil {
		metrics.RecordAuthAttempt(false)
		logging.Warn("login failed: invalid password", zap.String("email", req.Email))
		sendAuthError(w, http.StatusUnauthorized, "incorrect email or password")
		return
	}
	if !u.IsActive {
		metrics.RecordAuthAttempt(false)
		sendAuthError(w, http.StatusUnauthorized, "user is inactive")
		return
	}

	pair, err := a.issuePair(r.Context(), u)
	if err != nil {
		metrics.RecordAuthAttempt(false)
		logging.Error("login token issue failed", zap.Error(err))
		sendAuthError(w, http.StatusInternalServerError, "failed to generate tokens")
		return
	}

	if err := a.store.TouchLastLogin(r.Context(), u.ID); err != nil {
		logging.Error("update last login failed", zap.Error(err))
	}

	metrics.RecordAuthAttempt(true)
	a.store.RecordAudit(r.Context(), users.AuditEntry{
		UserID:    &u.ID,
		Action:    users.AuditLogin,
		IPAddress: remoteIP(r),
		UserAgent: r.UserAgent(),
	})
	logging.Info("login successful", zap.String("email", u.Email))

	writeJSON(w, http.StatusOK, pair)
}

// HandleRefresh handles POST /api/v1/auth/refresh. The refresh token is
// rotated; the previous one stops working immediately.
func (a *Auth) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
		metrics.RecordTokenRefresh(false)
		sendAuthError(w, http.StatusBadRequest, "refresh_token required")
		return
	}

	pair, err := a.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		metrics.RecordTokenRefresh(false)
		sendAuthError(w, http.StatusUnauthorized, "invalid or expired refresh token")
		return
	}

	metrics.RecordTokenRefresh(true)
	writeJSON(w, http.StatusOK, pair)
}

// HandleLogout handles POST /api/v1/auth/logout.
func (a *Auth) HandleLogout(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
		sendAuthError(w, http.StatusBadRequest, "refresh_token required")
		return
	}

	if err := a.store.DeleteSession(r.Context(), req.RefreshToken); err != nil {
		sendAuthError(w, http.StatusBadRequest, "invalid refresh token")
		return
	}

	a.store.RecordAudit(r.Context(), users.AuditEntry{
		Action:    users.AuditLogout,
		IPAddress: remoteIP(r),
		UserAgent: r.UserAgent(),
	})
	writeJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}

// HandleMe handles GET /api/v1/auth/me (behind Middleware).
func (a *Auth) HandleMe(w http.ResponseWriter, r *http.Request) {
	u := CurrentUser(r.Context())
	if u == nil {
		sendAuthError(w, http.StatusUnauthorized, "not authenticated")
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// HandleSignup handles POST /api/v1/auth/signup. Public signup always
// produces a viewer; roles are assigned by admins afterwards.
func (a *Auth) HandleSignup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		FullName string `json:"full_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendAuthError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Email == "" || len(req.Password) < 8 {
		sendAuthError(w, http.StatusBadRequest, "email and a password of at least 8 characters required")
		return
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		sendAuthError(w, http.StatusInternalServerError, "failed to hash password")
		return
	}

	created, err := a.store.Create(r.Context(), &users.User{
		Email:          req.Email,
		HashedPassword: string(hashed),
		FullName:       req.FullName,
		Role:           policy.RoleViewer,
		IsActive:       true,
	})
	if err != nil {
		sendAuthError(w, http.StatusBadRequest, "could not create user")
		return
	}

	a.store.RecordAudit(r.Context(), users.AuditEntry{
		UserID:       &created.ID,
		Action:       users.AuditUserCreate,
		ResourceType: "user",
		ResourceID:   created.Email,
		IPAddress:    remoteIP(r),
	})
	writeJSON(w, http.StatusCreated, created)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func remoteIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
