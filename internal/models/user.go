package models

import "time"

// Role controls what a user may do through the API.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
	RoleViewer   Role = "viewer"
)

// RoleRank orders roles so that a higher rank includes the lower ones.
func RoleRank(r Role) int {
	switch r {
	case RoleAdmin:
		return 3
	case RoleOperator:
		return 2
	case RoleViewer:
		return 1
	}
	return 0
}

// User represents a user account.
type User struct {
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	Username     string    `json:"username"`
	Email        string    `json:"email,omitempty"`
	PasswordHash string    `json:"-"`
	TOTPSecret   string    `json:"-"` // encrypted at rest
	Role         Role      `json:"role"`
	ID           int64     `json:"id"`
	TOTPEnabled  bool      `json:"totp_enabled"`
}

// IsAdmin reports whether the user holds the admin role.
func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

// Session represents a user session bound to the client that created it.
type Session struct {
	ExpiresAt     time.Time `json:"expires_at"`
	CreatedAt     time.Time `json:"created_at"`
	ID            string    `json:"id"`
	IPAddress     string    `json:"ip_address"`
	UserAgentHash string    `json:"user_agent_hash"`
	UserID        int64     `json:"user_id"`
}
