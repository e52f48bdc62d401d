// Package users provides the PostgreSQL-backed principal store and the
// refresh-token session table. It is the sole writer of principal state;
// the policy layer only reads it.
package users

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/arcvault/arcvault/internal/policy"
)

// ErrNotFound is returned when a user or session does not exist.
var ErrNotFound = errors.New("users: not found")

// User maps to the users table.
type User struct {
	ID                int        `json:"id"`
	Email             string     `json:"email"`
	HashedPassword    string     `json:"-"`
	FullName          string     `json:"full_name,omitempty"`
	Role              policy.Role `json:"role"`
	IsActive          bool       `json:"is_active"`
	AllowedPathPrefix string     `json:"allowed_path_prefix,omitempty"`
	LastLoginAt       *time.Time `json:"last_login_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Principal returns the read-only identity the policy layer evaluates.
func (u *User) Principal() policy.Principal {
	return policy.Principal{
		ID:                u.ID,
		Role:              u.Role,
		AllowedPathPrefix: policy.NormalizePrefix(u.AllowedPathPrefix),
	}
}

// Session maps to the sessions table (one row per issued refresh token).
type Session struct {
	ID           int
	UserID       int
	RefreshToken string
	ExpiresAt    time.Time
	CreatedAt    time.Time
}

// Store is the PostgreSQL principal store.
type Store struct {
	db *sql.DB
}

// New opens the database and configures the connection pool.
func New(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying connection for use by other packages.
func (s *Store) DB() *sql.DB {
	return s.db
}

// EnsureSchema creates the tables on first run.
func (s *Store) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id SERIAL PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			hashed_password TEXT NOT NULL,
			full_name TEXT,
			role TEXT NOT NULL DEFAULT 'viewer',
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			allowed_path_prefix TEXT,
			last_login_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id SERIAL PRIMARY KEY,
			user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			refresh_token TEXT NOT NULL UNIQUE,
			expires_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS audit_logs (
			id SERIAL PRIMARY KEY,
			user_id INTEGER REFERENCES users(id) ON DELETE SET NULL,
			action TEXT NOT NULL,
			resource_type TEXT,
			resource_id TEXT,
			details JSONB,
			ip_address TEXT,
			user_agent TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_logs_action ON audit_logs(action)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_logs_created_at ON audit_logs(created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

const userColumns = `id, email, hashed_password, COALESCE(full_name, ''), role,
	is_active, COALESCE(allowed_path_prefix, ''), last_login_at, created_at, updated_at`

func scanUser(row interface{ Scan(dest ...any) error }) (*User, error) {
	var u User
	var lastLogin sql.NullTime
	err := row.Scan(&u.ID, &u.Email, &u.HashedPassword, &u.FullName, &u.Role,
		&u.IsActive, &u.AllowedPathPrefix, &lastLogin, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if lastLogin.Valid {
		t := lastLogin.Time
		u.LastLoginAt = &t
	}
	// Empty-string prefixes are normalized to unrestricted here, at the
	// boundary, so nothing downstream has to special-case them.
	u.AllowedPathPrefix = policy.NormalizePrefix(u.AllowedPathPrefix)
	return &u, nil
}

// GetByEmail returns the user with the given email.
func (s *Store) GetByEmail(ctx context.Context, email string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = $1`, email)
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user by email: %w", err)
	}
	return u, nil
}

// GetByID returns the user with the given id.
func (s *Store) GetByID(ctx context.Context, id int) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user by id: %w", err)
	}
	return u, nil
}

// List returns users ordered by id.
func (s *Store) List(ctx context.Context, offset, limit int) ([]*User, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users ORDER BY id OFFSET $1 LIMIT $2`, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var out []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// Create inserts a new user and returns it.
func (s *Store) Create(ctx context.Context, u *User) (*User, error) {
	prefix := sql.NullString{String: policy.NormalizePrefix(u.AllowedPathPrefix)}
	prefix.Valid = prefix.String != ""

	row := s.db.QueryRowContext(ctx,
		`INSERT INTO users (email, hashed_password, full_name, role, is_active, allowed_path_prefix)
		 VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6)
		 RETURNING `+userColumns,
		u.Email, u.HashedPassword, u.FullName, string(u.Role), u.IsActive, prefix)
	created, err := scanUser(row)
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	return created, nil
}

// Update persists mutable user fields.
func (s *Store) Update(ctx context.Context, u *User) (*User, error) {
	prefix := sql.NullString{String: policy.NormalizePrefix(u.AllowedPathPrefix)}
	prefix.Valid = prefix.String != ""

	row := s.db.QueryRowContext(ctx,
		`UPDATE users SET email = $2, full_name = NULLIF($3, ''), role = $4,
		        is_active = $5, allowed_path_prefix = $6,
		        hashed_password = COALESCE(NULLIF($7, ''), hashed_password),
		        updated_at = NOW()
		 WHERE id = $1
		 RETURNING `+userColumns,
		u.ID, u.Email, u.FullName, string(u.Role), u.IsActive, prefix, u.HashedPassword)
	updated, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update user: %w", err)
	}
	return updated, nil
}

// Delete removes a user.
func (s *Store) Delete(ctx context.Context, id int) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchLastLogin records a successful login.
func (s *Store) TouchLastLogin(ctx context.Context, id int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET last_login_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("touch last login: %w", err)
	}
	return nil
}

// Stats returns total and active user counts for the admin panel.
func (s *Store) Stats(ctx context.Context) (total, active int, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(*) FILTER (WHERE is_active) FROM users`).Scan(&total, &active)
	if err != nil {
		return 0, 0, fmt.Errorf("user stats: %w", err)
	}
	return total, active, nil
}

// CreateSession stores a refresh token for a user.
func (s *Store) CreateSession(ctx context.Context, userID int, refreshToken string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (user_id, refresh_token, expires_at) VALUES ($1, $2, $3)`,
		userID, refreshToken, expiresAt)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// GetSession returns the session holding the given refresh token.
func (s *Store) GetSession(ctx context.Context, refreshToken string) (*Session, error) {
	var sess Session
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, refresh_token, expires_at, created_at
		 FROM sessions WHERE refresh_token = $1`, refreshToken).
		Scan(&sess.ID, &sess.UserID, &sess.RefreshToken, &sess.ExpiresAt, &sess.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &sess, nil
}

// RotateSession replaces the session's refresh token in place. The old
// token is invalid the moment this commits.
func (s *Store) RotateSession(ctx context.Context, id int, newToken string, expiresAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET refresh_token = $2, expires_at = $3 WHERE id = $1`,
		id, newToken, expiresAt)
	if err != nil {
		return fmt.Errorf("rotate session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSession removes the session holding the given refresh token.
func (s *Store) DeleteSession(ctx context.Context, refreshToken string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE refresh_token = $1`, refreshToken)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteExpiredSessions prunes sessions past their expiry.
func (s *Store) DeleteExpiredSessions(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at < NOW()`)
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
