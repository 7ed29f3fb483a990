package models

import "time"

// TeamRole is a member's role within a team.
type TeamRole string

const (
	TeamRoleOwner  TeamRole = "owner"
	TeamRoleAdmin  TeamRole = "admin"
	TeamRoleMember TeamRole = "member"
	TeamRoleViewer TeamRole = "viewer"
)

type Team struct {
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
	Name      string       `json:"name"`
	Members   []TeamMember `json:"members,omitempty"`
	ID        int64        `json:"id"`
	OwnerID   int64        `json:"owner_id"`
}

type TeamMember struct {
	JoinedAt time.Time `json:"joined_at"`
	Username string    `json:"username"`
	Role     TeamRole  `json:"role"`
	ID       int64     `json:"id"`
	TeamID   int64     `json:"team_id"`
	UserID   int64     `json:"user_id"`
}

type TeamInvitation struct {
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	AcceptedAt *time.Time `json:"accepted_at"`
	Email      string     `json:"email"`
	Role       TeamRole   `json:"role"`
	Token      string     `json:"token,omitempty"`
	ID         int64      `json:"id"`
	TeamID     int64      `json:"team_id"`
	InvitedBy  int64      `json:"invited_by"`
}

// Expired reports whether the invitation can no longer be accepted.
func (i *TeamInvitation) Expired(now time.Time) bool {
	return now.After(i.ExpiresAt)
}

type CreateTeamRequest struct {
	Name string `json:"name" binding:"required,max=255"`
}

type InviteRequest struct {
	Email string   `json:"email" binding:"required,email"`
	Role  TeamRole `json:"role" binding:"required,oneof=admin member viewer"`
}

type UpdateMemberRoleRequest struct {
	Role TeamRole `json:"role" binding:"required,oneof=admin member viewer"`
}

type TransferOwnershipRequest struct {
	UserID int64 `json:"user_id" binding:"required"`
}
