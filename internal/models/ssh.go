package models

import (
	"encoding/json"
	"time"
)

// SSHConfiguration mirrors the security relevant subset of a server's sshd_config.
type SSHConfiguration struct {
	UpdatedAt           time.Time  `json:"updated_at"`
	LastSyncedAt        *time.Time `json:"last_synced_at"`
	ID                  int64      `json:"id"`
	ServerID            int64      `json:"server_id"`
	Port                int        `json:"port"`
	MaxAuthTries        int        `json:"max_auth_tries"`
	LoginGraceTime      int        `json:"login_grace_time"`
	RootLoginEnabled    bool       `json:"root_login_enabled"`
	PasswordAuthEnabled bool       `json:"password_auth_enabled"`
	PubkeyAuthEnabled   bool       `json:"pubkey_auth_enabled"`
	X11Forwarding       bool       `json:"x11_forwarding"`
}

type UpdateSSHConfigRequest struct {
	Port                *int  `json:"port" binding:"omitempty,sshport"`
	RootLoginEnabled    *bool `json:"root_login_enabled"`
	PasswordAuthEnabled *bool `json:"password_auth_enabled"`
	PubkeyAuthEnabled   *bool `json:"pubkey_auth_enabled"`
	MaxAuthTries        *int  `json:"max_auth_tries" binding:"omitempty,min=1,max=10"`
	X11Forwarding       *bool `json:"x11_forwarding"`
	LoginGraceTime      *int  `json:"login_grace_time" binding:"omitempty,min=10,max=600"`
}

type SecurityEvent struct {
	CreatedAt time.Time `json:"created_at"`
	ServerID  *int64    `json:"server_id"`
	UserID    *int64    `json:"user_id"`
	EventType string    `json:"event_type"`
	Details   string    `json:"details"`
	ID        int64     `json:"id"`
}

// FirewallRule is a ufw rule added through DevFlow, kept for audit.
type FirewallRule struct {
	CreatedAt   time.Time `json:"created_at"`
	UserID      *int64    `json:"user_id"`
	Action      string    `json:"action"`
	Protocol    string    `json:"protocol"`
	Port        string    `json:"port"`
	FromIP      string    `json:"from_ip,omitempty"`
	Description string    `json:"description,omitempty"`
	ID          int64     `json:"id"`
	ServerID    int64     `json:"server_id"`
}

type AddFirewallRuleRequest struct {
	Port        string `json:"port" binding:"required,max=32"`
	Protocol    string `json:"protocol" binding:"omitempty,oneof=tcp udp any"`
	Action      string `json:"action" binding:"omitempty,oneof=allow deny reject limit"`
	FromIP      string `json:"from_ip" binding:"omitempty,ip|cidr"`
	Description string `json:"description" binding:"omitempty,max=255"`
}

type BanRequest struct {
	IP   string `json:"ip" binding:"required,ip"`
	Jail string `json:"jail" binding:"omitempty,max=64"`
}

// SecurityScan is one stored run of the server security scorer.
type SecurityScan struct {
	CreatedAt       time.Time       `json:"created_at"`
	CompletedAt     *time.Time      `json:"completed_at"`
	UserID          *int64          `json:"user_id"`
	Findings        json.RawMessage `json:"findings"`
	Breakdown       json.RawMessage `json:"breakdown"`
	Recommendations json.RawMessage `json:"recommendations"`
	Status          string          `json:"status"`
	RiskLevel       string          `json:"risk_level"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	ID              int64           `json:"id"`
	ServerID        int64           `json:"server_id"`
	Score           int             `json:"score"`
}
