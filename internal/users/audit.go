package users

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/arcvault/arcvault/internal/logging"
)

// AuditEntry is one recorded user action. UserID is nil for system
// actions.
type AuditEntry struct {
	ID           int            `json:"id"`
	UserID       *int           `json:"user_id,omitempty"`
	Action       string         `json:"action"`
	ResourceType string         `json:"resource_type,omitempty"`
	ResourceID   string         `json:"resource_id,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
	IPAddress    string         `json:"ip_address,omitempty"`
	UserAgent    string         `json:"user_agent,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Audit actions recorded by the gateway and auth layers.
const (
	AuditLogin        = "login"
	AuditTokenRefresh = "token_refresh"
	AuditLogout       = "logout"
	AuditFileUpload   = "file_upload"
	AuditFileDelete   = "file_delete"
	AuditFolderCreate = "folder_create"
	AuditUserCreate   = "user_create"
	AuditUserUpdate   = "user_update"
	AuditUserDelete   = "user_delete"
)

// RecordAudit inserts an audit row. Failures are logged, not returned;
// auditing never blocks the operation it describes. Credential material
// is never written here.
func (s *Store) RecordAudit(ctx context.Context, e AuditEntry) {
	var details []byte
	if e.Details != nil {
		details, _ = json.Marshal(e.Details)
	}

	var userID sql.NullInt64
	if e.UserID != nil {
		userID = sql.NullInt64{Int64: int64(*e.UserID), Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_logs (user_id, action, resource_type, resource_id, details, ip_address, user_agent)
		 VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, NULLIF($6, ''), NULLIF($7, ''))`,
		userID, e.Action, e.ResourceType, e.ResourceID, nullJSON(details), e.IPAddress, e.UserAgent)
	if err != nil {
		logging.Error("audit record failed",
			zap.String("action", e.Action),
			zap.Error(err))
	}
}

// ListAudit returns recent audit entries, newest first.
func (s *Store) ListAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, action, COALESCE(resource_type, ''), COALESCE(resource_id, ''),
		        details, COALESCE(ip_address, ''), COALESCE(user_agent, ''), created_at
		 FROM audit_logs ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var userID sql.NullInt64
		var details []byte
		if err := rows.Scan(&e.ID, &userID, &e.Action, &e.ResourceType, &e.ResourceID,
			&details, &e.IPAddress, &e.UserAgent, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		if userID.Valid {
			id := int(userID.Int64)
			e.UserID = &id
		}
		if len(details) > 0 {
			_ = json.Unmarshal(details, &e.Details)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
