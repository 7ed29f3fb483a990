package services

import (
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/pandeptwidyaop/devflow/internal/database"
	"github.com/pandeptwidyaop/devflow/internal/models"
)

var (
	ErrTeamNotFound       = errors.New("team not found")
	ErrMemberNotFound     = errors.New("user is not a member of this team")
	ErrInvitationNotFound = errors.New("invitation not found")
	ErrInvitationExpired  = errors.New("invitation has expired")
	ErrInvitationAccepted = errors.New("invitation has already been accepted")
	ErrAlreadyMember      = errors.New("user is already a member of this team")
	ErrTeamPermission     = errors.New("insufficient team permissions")
	ErrCannotChangeOwner  = errors.New("the team owner cannot be removed or have their role changed")
	ErrInvalidTeamRole    = errors.New("role must be admin, member or viewer")
)

const invitationTTL = 7 * 24 * time.Hour

// TeamService manages teams, their members and invitations.
type TeamService struct {
	db     *database.DB
	logger zerolog.Logger
	now    func() time.Time
}

func NewTeamService(db *database.DB, logger zerolog.Logger) *TeamService {
	return &TeamService{
		db:     db,
		logger: logger.With().Str("component", "teams").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func assignableRole(r models.TeamRole) bool {
	return r == models.TeamRoleAdmin || r == models.TeamRoleMember || r == models.TeamRoleViewer
}

// CreateTeam creates a team owned by ownerID.
func (s *TeamService) CreateTeam(ownerID int64, name string) (*models.Team, error) {
	var id int64
	err := s.db.Tx(func(tx *sql.Tx) error {
		now := s.now()
		res, err := tx.Exec("INSERT INTO teams (name, owner_id, created_at, updated_at) VALUES (?, ?, ?, ?)",
			name, ownerID, now, now)
		if err != nil {
			return err
		}
		id, _ = res.LastInsertId()
		_, err = tx.Exec("INSERT INTO team_members (team_id, user_id, role, joined_at) VALUES (?, ?, ?, ?)",
			id, ownerID, models.TeamRoleOwner, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.Get(id)
}

// Get returns a team with its members.
func (s *TeamService) Get(id int64) (*models.Team, error) {
	var t models.Team
	err := s.db.QueryRow("SELECT id, name, owner_id, created_at, updated_at FROM teams WHERE id = ?", id).
		Scan(&t.ID, &t.Name, &t.OwnerID, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTeamNotFound
	}
	if err != nil {
		return nil, err
	}
	if t.Members, err = s.Members(id); err != nil {
		return nil, err
	}
	return &t, nil
}

// ListForUser returns the teams userID belongs to.
func (s *TeamService) ListForUser(userID int64) ([]*models.Team, error) {
	rows, err := s.db.Query(`
		SELECT t.id, t.name, t.owner_id, t.created_at, t.updated_at
		FROM teams t JOIN team_members m ON m.team_id = t.id
		WHERE m.user_id = ? ORDER BY t.name`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	teams := make([]*models.Team, 0)
	for rows.Next() {
		var t models.Team
		if err := rows.Scan(&t.ID, &t.Name, &t.OwnerID, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		teams = append(teams, &t)
	}
	return teams, rows.Err()
}

func (s *TeamService) Members(teamID int64) ([]models.TeamMember, error) {
	rows, err := s.db.Query(`
		SELECT m.id, m.team_id, m.user_id, u.username, m.role, m.joined_at
		FROM team_members m JOIN users u ON u.id = m.user_id
		WHERE m.team_id = ? ORDER BY m.joined_at, m.id`, teamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	members := make([]models.TeamMember, 0)
	for rows.Next() {
		var m models.TeamMember
		if err := rows.Scan(&m.ID, &m.TeamID, &m.UserID, &m.Username, &m.Role, &m.JoinedAt); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// Role returns the role of userID in teamID.
func (s *TeamService) Role(teamID, userID int64) (models.TeamRole, error) {
	var role models.TeamRole
	err := s.db.QueryRow("SELECT role FROM team_members WHERE team_id = ? AND user_id = ?", teamID, userID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrMemberNotFound
	}
	return role, err
}

func (s *TeamService) requireManager(teamID, userID int64) error {
	if _, err := s.Get(teamID); err != nil {
		return err
	}
	role, err := s.Role(teamID, userID)
	if errors.Is(err, ErrMemberNotFound) {
		return ErrTeamPermission
	}
	if err != nil {
		return err
	}
	if role != models.TeamRoleOwner && role != models.TeamRoleAdmin {
		return ErrTeamPermission
	}
	return nil
}

// Invite creates an invitation valid for seven days. Only owners and
// admins may invite.
func (s *TeamService) Invite(teamID, inviterID int64, email string, role models.TeamRole) (*models.TeamInvitation, error) {
	if !assignableRole(role) {
		return nil, ErrInvalidTeamRole
	}
	if err := s.requireManager(teamID, inviterID); err != nil {
		return nil, err
	}
	email = strings.ToLower(strings.TrimSpace(email))
	var exists int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM team_members m JOIN users u ON u.id = m.user_id
		WHERE m.team_id = ? AND LOWER(COALESCE(u.email, '')) = ?`, teamID, email).Scan(&exists)
	if err != nil {
		return nil, err
	}
	if exists > 0 {
		return nil, ErrAlreadyMember
	}

	now := s.now()
	res, err := s.db.Exec(`
		INSERT INTO team_invitations (team_id, email, role, token, invited_by, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		teamID, email, role, GenerateWebhookSecret(), inviterID, now.Add(invitationTTL), now,
	)
	if err != nil {
		return nil, err
	}
	id, _ := res.LastInsertId()
	s.logger.Info().Int64("team_id", teamID).Str("email", email).Str("role", string(role)).Msg("invitation created")
	return s.invitation("id = ?", id)
}

const invitationColumns = `id, team_id, email, role, token, invited_by, expires_at, accepted_at, created_at`

func scanInvitation(row scanner) (*models.TeamInvitation, error) {
	var inv models.TeamInvitation
	var accepted sql.NullTime
	err := row.Scan(&inv.ID, &inv.TeamID, &inv.Email, &inv.Role, &inv.Token, &inv.InvitedBy,
		&inv.ExpiresAt, &accepted, &inv.CreatedAt)
	if err != nil {
		return nil, err
	}
	inv.AcceptedAt = timePtr(accepted)
	return &inv, nil
}

func (s *TeamService) invitation(where string, arg any) (*models.TeamInvitation, error) {
	inv, err := scanInvitation(s.db.QueryRow("SELECT "+invitationColumns+" FROM team_invitations WHERE "+where, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvitationNotFound
	}
	return inv, err
}

// Invitations lists the pending invitations of a team.
func (s *TeamService) Invitations(teamID int64) ([]*models.TeamInvitation, error) {
	rows, err := s.db.Query("SELECT "+invitationColumns+` FROM team_invitations
		WHERE team_id = ? AND accepted_at IS NULL ORDER BY created_at DESC`, teamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*models.TeamInvitation, 0)
	for rows.Next() {
		inv, err := scanInvitation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

// ResendInvitation issues a new token and expiry for a pending invitation.
func (s *TeamService) ResendInvitation(invitationID, actorID int64) (*models.TeamInvitation, error) {
	inv, err := s.invitation("id = ?", invitationID)
	if err != nil {
		return nil, err
	}
	if inv.AcceptedAt != nil {
		return nil, ErrInvitationAccepted
	}
	if err := s.requireManager(inv.TeamID, actorID); err != nil {
		return nil, err
	}
	_, err = s.db.Exec("UPDATE team_invitations SET token = ?, expires_at = ? WHERE id = ?",
		GenerateWebhookSecret(), s.now().Add(invitationTTL), invitationID)
	if err != nil {
		return nil, err
	}
	return s.invitation("id = ?", invitationID)
}

func (s *TeamService) CancelInvitation(invitationID, actorID int64) error {
	inv, err := s.invitation("id = ?", invitationID)
	if err != nil {
		return err
	}
	if err := s.requireManager(inv.TeamID, actorID); err != nil {
		return err
	}
	_, err = s.db.Exec("DELETE FROM team_invitations WHERE id = ?", invitationID)
	return err
}

// AcceptInvitation adds userID to the invitation's team with the invited role.
func (s *TeamService) AcceptInvitation(token string, userID int64) (*models.Team, error) {
	inv, err := s.invitation("token = ?", token)
	if err != nil {
		return nil, err
	}
	if inv.AcceptedAt != nil {
		return nil, ErrInvitationAccepted
	}
	now := s.now()
	if inv.Expired(now) {
		return nil, ErrInvitationExpired
	}

	err = s.db.Tx(func(tx *sql.Tx) error {
		_, err := tx.Exec("INSERT INTO team_members (team_id, user_id, role, joined_at) VALUES (?, ?, ?, ?)",
			inv.TeamID, userID, inv.Role, now)
		if IsUniqueViolation(err) {
			return ErrAlreadyMember
		}
		if err != nil {
			return err
		}
		_, err = tx.Exec("UPDATE team_invitations SET accepted_at = ? WHERE id = ?", now, inv.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.Get(inv.TeamID)
}

// RemoveMember removes a member other than the owner.
func (s *TeamService) RemoveMember(teamID, actorID, userID int64) error {
	if err := s.requireManager(teamID, actorID); err != nil {
		return err
	}
	role, err := s.Role(teamID, userID)
	if err != nil {
		return err
	}
	if role == models.TeamRoleOwner {
		return ErrCannotChangeOwner
	}
	_, err = s.db.Exec("DELETE FROM team_members WHERE team_id = ? AND user_id = ?", teamID, userID)
	return err
}

func (s *TeamService) UpdateMemberRole(teamID, actorID, userID int64, role models.TeamRole) error {
	if !assignableRole(role) {
		return ErrInvalidTeamRole
	}
	if err := s.requireManager(teamID, actorID); err != nil {
		return err
	}
	current, err := s.Role(teamID, userID)
	if err != nil {
		return err
	}
	if current == models.TeamRoleOwner {
		return ErrCannotChangeOwner
	}
	_, err = s.db.Exec("UPDATE team_members SET role = ? WHERE team_id = ? AND user_id = ?", role, teamID, userID)
	return err
}

// TransferOwnership hands the team to an existing member. The previous
// owner stays on as admin.
func (s *TeamService) TransferOwnership(teamID, ownerID, newOwnerID int64) error {
	t, err := s.Get(teamID)
	if err != nil {
		return err
	}
	if t.OwnerID != ownerID {
		return ErrTeamPermission
	}
	if _, err := s.Role(teamID, newOwnerID); err != nil {
		return err
	}
	return s.db.Tx(func(tx *sql.Tx) error {
		now := s.now()
		if _, err := tx.Exec("UPDATE teams SET owner_id = ?, updated_at = ? WHERE id = ?", newOwnerID, now, teamID); err != nil {
			return err
		}
		if _, err := tx.Exec("UPDATE team_members SET role = ? WHERE team_id = ? AND user_id = ?",
			models.TeamRoleAdmin, teamID, ownerID); err != nil {
			return err
		}
		_, err := tx.Exec("UPDATE team_members SET role = ? WHERE team_id = ? AND user_id = ?",
			models.TeamRoleOwner, teamID, newOwnerID)
		return err
	})
}

// DeleteTeam removes the team; only its owner may do so.
func (s *TeamService) DeleteTeam(teamID, actorID int64) error {
	t, err := s.Get(teamID)
	if err != nil {
		return err
	}
	if t.OwnerID != actorID {
		return ErrTeamPermission
	}
	_, err = s.db.Exec("DELETE FROM teams WHERE id = ?", teamID)
	return err
}
