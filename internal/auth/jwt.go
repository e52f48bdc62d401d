// Package auth provides JWT-based authentication: token issuance,
// refresh-token sessions with rotation, and HTTP middleware.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/arcvault/arcvault/internal/logging"
	"github.com/arcvault/arcvault/internal/policy"
	"github.com/arcvault/arcvault/internal/users"
)

type contextKey string

const userContextKey contextKey = "user"

const tokenIssuer = "arcvault"

// Claims holds JWT access-token claims.
type Claims struct {
	UserID int    `json:"user_id"`
	Email  string `json:"email"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// Auth issues and validates tokens and owns the session table.
type Auth struct {
	store      *users.Store
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
}

// New creates an Auth handler.
func New(store *users.Store, jwtSecret string, accessTTL, refreshTTL time.Duration) *Auth {
	return &Auth{
		store:      store,
		secret:     []byte(jwtSecret),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
	}
}

// TokenPair is the credential pair returned by login and refresh. The
// pair is always issued together; an access token without its matching
// refresh token is invalid state.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}

func (a *Auth) signAccessToken(u *users.User) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID: u.ID,
		Email:  u.Email,
		Role:   string(u.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   fmt.Sprint(u.ID),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.accessTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    tokenIssuer,
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func (a *Auth) validateToken(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// newRefreshToken returns an opaque random bearer string.
func newRefreshToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate refresh token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// issuePair creates a fresh access token and refresh-token session.
func (a *Auth) issuePair(ctx context.Context, u *users.User) (*TokenPair, error) {
	access, err := a.signAccessToken(u)
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}
	refresh, err := newRefreshToken()
	if err != nil {
		return nil, err
	}
	if err := a.store.CreateSession(ctx, u.ID, refresh, time.Now().Add(a.refreshTTL)); err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "bearer",
		ExpiresIn:    int(a.accessTTL.Seconds()),
	}, nil
}

// Refresh exchanges a refresh token for a new pair, rotating the stored
// token. Expired or unknown tokens fail; the session is pruned when
// expired.
func (a *Auth) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	sess, err := a.store.GetSession(ctx, refreshToken)
	if err != nil {
		return nil, fmt.Errorf("unknown refresh token")
	}
	if time.Now().After(sess.ExpiresAt) {
		_ = a.store.DeleteSession(ctx, refreshToken)
		return nil, fmt.Errorf("refresh token expired")
	}

	u, err := a.store.GetByID(ctx, sess.UserID)
	if err != nil || !u.IsActive {
		return nil, fmt.Errorf("user inactive or missing")
	}

	access, err := a.signAccessToken(u)
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}
	newRefresh, err := newRefreshToken()
	if err != nil {
		return nil, err
	}
	if err := a.store.RotateSession(ctx, sess.ID, newRefresh, time.Now().Add(a.refreshTTL)); err != nil {
		return nil, err
	}

	return &TokenPair{
		AccessToken:  access,
		RefreshToken: newRefresh,
		TokenType:    "bearer",
		ExpiresIn:    int(a.accessTTL.Seconds()),
	}, nil
}

// Middleware validates bearer tokens, loads the principal, and stores it
// in the request context. 401 on missing/invalid/expired tokens and
// inactive users.
func (a *Auth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenStr := extractToken(r)
		if tokenStr == "" {
			sendAuthError(w, http.StatusUnauthorized, "missing authentication token")
			return
		}

		claims, err := a.validateToken(tokenStr)
		if err != nil {
			sendAuthError(w, http.StatusUnauthorized, "invalid token: "+err.Error())
			return
		}

		// Role and path prefix come from the store, not the token, so
		// admin changes take effect without waiting for expiry.
		u, err := a.store.GetByID(r.Context(), claims.UserID)
		if err != nil {
			sendAuthError(w, http.StatusUnauthorized, "unknown user")
			return
		}
		if !u.IsActive {
			sendAuthError(w, http.StatusUnauthorized, "user is inactive")
			return
		}

		next.ServeHTTP(w, r.WithContext(ContextWithUser(r.Context(), u)))
	})
}

// ContextWithUser returns ctx carrying u as the authenticated user.
func ContextWithUser(ctx context.Context, u *users.User) context.Context {
	return context.WithValue(ctx, userContextKey, u)
}

// CurrentUser extracts the authenticated user from the request context.
func CurrentUser(ctx context.Context) *users.User {
	u, _ := ctx.Value(userContextKey).(*users.User)
	return u
}

// EnsureDefaultAdmin seeds an admin account on an empty users table.
func (a *Auth) EnsureDefaultAdmin(ctx context.Context, email, password string) error {
	total, _, err := a.store.Stats(ctx)
	if err != nil {
		return err
	}
	if total > 0 {
		return nil
	}
	if password == "" {
		logging.Warn("users table empty and no DEFAULT_ADMIN_PASSWORD set; skipping admin seed")
		return nil
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}
	_, err = a.store.Create(ctx, &users.User{
		Email:          email,
		HashedPassword: string(hashed),
		FullName:       "Administrator",
		Role:           policy.RoleAdmin,
		IsActive:       true,
	})
	if err != nil {
		return fmt.Errorf("seed default admin: %w", err)
	}
	logging.Info("seeded default admin", zap.String("email", email))
	return nil
}

func extractToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}

func sendAuthError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{"error": message, "code": code})
}
