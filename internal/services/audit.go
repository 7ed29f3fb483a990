package services

import (
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/pandeptwidyaop/devflow/internal/database"
	"github.com/pandeptwidyaop/devflow/internal/models"
)

// AuditService records who did what through the API.
type AuditService struct {
	db     *database.DB
	logger zerolog.Logger
}

func NewAuditService(db *database.DB, logger zerolog.Logger) *AuditService {
	return &AuditService{db: db, logger: logger.With().Str("component", "audit").Logger()}
}

// AuditLog is an entry to be recorded.
type AuditLog struct {
	UserID       *int64
	Details      map[string]interface{}
	Username     string
	Action       string
	ResourceType string
	ResourceID   string
	IPAddress    string
	UserAgent    string
}

// Log writes an entry. Failures are logged and returned, callers usually ignore them.
func (s *AuditService) Log(entry AuditLog) error {
	var details *string
	if entry.Details != nil {
		if b, err := json.Marshal(entry.Details); err == nil {
			str := string(b)
			details = &str
		}
	}

	_, err := s.db.Exec(`
		INSERT INTO audit_logs (user_id, username, action, resource_type, resource_id, ip_address, user_agent, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.UserID, entry.Username, entry.Action, entry.ResourceType, entry.ResourceID,
		entry.IPAddress, entry.UserAgent, details, time.Now().UTC())
	if err != nil {
		s.logger.Error().Err(err).Str("action", entry.Action).Msg("failed to write audit log")
	}
	return err
}

// LogAction records an action by user on a resource.
func (s *AuditService) LogAction(user *models.User, action, resourceType, resourceID, ip, userAgent string, details map[string]interface{}) {
	entry := AuditLog{
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		IPAddress:    ip,
		UserAgent:    userAgent,
		Details:      details,
	}
	if user != nil {
		entry.UserID = &user.ID
		entry.Username = user.Username
	}
	_ = s.Log(entry)
}

func (s *AuditService) LogLogin(user *models.User, ip, userAgent string, success bool) {
	action := "login_success"
	if !success {
		action = "login_failed"
	}
	s.LogAction(user, action, "auth", "", ip, userAgent, nil)
}

func (s *AuditService) LogLogout(user *models.User, ip, userAgent string) {
	s.LogAction(user, "logout", "auth", "", ip, userAgent, nil)
}

// AuditLogEntry is a stored audit row.
type AuditLogEntry struct {
	CreatedAt    time.Time `json:"created_at"`
	UserID       *int64    `json:"user_id"`
	Username     string    `json:"username"`
	Action       string    `json:"action"`
	ResourceType string    `json:"resource_type"`
	ResourceID   string    `json:"resource_id"`
	IPAddress    string    `json:"ip_address"`
	UserAgent    string    `json:"user_agent"`
	Details      string    `json:"details"`
	ID           int64     `json:"id"`
}

// AuditFilter narrows GetLogs. Empty fields match everything.
type AuditFilter struct {
	Since        *time.Time
	Action       string
	ResourceType string
	ResourceID   string
	Username     string
	Limit        int
	Offset       int
}

// GetLogs returns entries newest first.
func (s *AuditService) GetLogs(f AuditFilter) ([]AuditLogEntry, error) {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 50
	}

	query := `SELECT id, user_id, COALESCE(username, ''), action, COALESCE(resource_type, ''), COALESCE(resource_id, ''),
		       COALESCE(ip_address, ''), COALESCE(user_agent, ''), COALESCE(details, ''), created_at
		FROM audit_logs WHERE 1 = 1`
	var args []any
	for col, v := range map[string]string{"action": f.Action, "resource_type": f.ResourceType, "resource_id": f.ResourceID, "username": f.Username} {
		if v != "" {
			query += " AND " + col + " = ?"
			args = append(args, v)
		}
	}
	if f.Since != nil {
		query += " AND created_at >= ?"
		args = append(args, *f.Since)
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, f.Limit, f.Offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]AuditLogEntry, 0)
	for rows.Next() {
		var e AuditLogEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Username, &e.Action, &e.ResourceType, &e.ResourceID,
			&e.IPAddress, &e.UserAgent, &e.Details, &e.CreatedAt); err != nil {
			return nil, err
		}
		logs = append(logs, e)
	}
	return logs, rows.Err()
}
