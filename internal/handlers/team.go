package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/pandeptwidyaop/devflow/internal/middleware"
	"github.com/pandeptwidyaop/devflow/internal/models"
	"github.com/pandeptwidyaop/devflow/internal/services"
)

// TeamHandler exposes teams to their members. Every action is taken as the
// signed-in user; the service enforces team roles.
type TeamHandler struct {
	handlerBase
	teams *services.TeamService
}

func NewTeamHandler(teams *services.TeamService, audit *services.AuditService, logger zerolog.Logger) *TeamHandler {
	return &TeamHandler{handlerBase: handlerBase{audit: audit, logger: logger}, teams: teams}
}

func actorID(c *gin.Context) int64 {
	if u := middleware.CurrentUser(c); u != nil {
		return u.ID
	}
	return 0
}

// memberTeam loads :id and checks the caller belongs to it.
func (h *TeamHandler) memberTeam(c *gin.Context) (*models.Team, models.TeamRole, bool) {
	id, ok := paramID(c, "id")
	if !ok {
		return nil, "", false
	}
	team, err := h.teams.Get(id)
	if err != nil {
		h.respondError(c, err)
		return nil, "", false
	}
	role, err := h.teams.Role(id, actorID(c))
	if err != nil {
		h.respondError(c, err)
		return nil, "", false
	}
	return team, role, true
}

func (h *TeamHandler) List(c *gin.Context) {
	teams, err := h.teams.ListForUser(actorID(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, teams)
}

func (h *TeamHandler) Create(c *gin.Context) {
	var req models.CreateTeamRequest
	if !bindJSON(c, &req) {
		return
	}
	team, err := h.teams.CreateTeam(actorID(c), req.Name)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.record(c, "team_create", "team", team.ID, map[string]interface{}{"name": team.Name})
	c.JSON(http.StatusCreated, team)
}

func (h *TeamHandler) Get(c *gin.Context) {
	team, role, ok := h.memberTeam(c)
	if !ok {
		return
	}
	members, err := h.teams.Members(team.ID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"team": team, "members": members, "role": role})
}

func (h *TeamHandler) Delete(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	if err := h.teams.DeleteTeam(id, actorID(c)); err != nil {
		h.respondError(c, err)
		return
	}
	h.record(c, "team_delete", "team", id, nil)
	c.JSON(http.StatusOK, gin.H{"message": "team deleted"})
}

func (h *TeamHandler) Invitations(c *gin.Context) {
	team, _, ok := h.memberTeam(c)
	if !ok {
		return
	}
	list, err := h.teams.Invitations(team.ID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (h *TeamHandler) Invite(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req models.InviteRequest
	if !bindJSON(c, &req) {
		return
	}
	inv, err := h.teams.Invite(id, actorID(c), req.Email, req.Role)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.record(c, "team_invite", "team", id, map[string]interface{}{"email": inv.Email, "role": inv.Role})
	c.JSON(http.StatusCreated, inv)
}

func (h *TeamHandler) ResendInvitation(c *gin.Context) {
	invID, ok := paramID(c, "invitation")
	if !ok {
		return
	}
	inv, err := h.teams.ResendInvitation(invID, actorID(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.record(c, "team_invitation_resend", "team_invitation", invID, nil)
	c.JSON(http.StatusOK, inv)
}

func (h *TeamHandler) CancelInvitation(c *gin.Context) {
	invID, ok := paramID(c, "invitation")
	if !ok {
		return
	}
	if err := h.teams.CancelInvitation(invID, actorID(c)); err != nil {
		h.respondError(c, err)
		return
	}
	h.record(c, "team_invitation_cancel", "team_invitation", invID, nil)
	c.JSON(http.StatusOK, gin.H{"message": "invitation cancelled"})
}

// AcceptInvitation joins the caller to the team behind :token.
func (h *TeamHandler) AcceptInvitation(c *gin.Context) {
	team, err := h.teams.AcceptInvitation(c.Param("token"), actorID(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.record(c, "team_join", "team", team.ID, nil)
	c.JSON(http.StatusOK, team)
}

func (h *TeamHandler) RemoveMember(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	uid, ok := paramID(c, "user")
	if !ok {
		return
	}
	if err := h.teams.RemoveMember(id, actorID(c), uid); err != nil {
		h.respondError(c, err)
		return
	}
	h.record(c, "team_member_remove", "team", id, map[string]interface{}{"user_id": uid})
	c.JSON(http.StatusOK, gin.H{"message": "member removed"})
}

func (h *TeamHandler) UpdateMemberRole(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	uid, ok := paramID(c, "user")
	if !ok {
		return
	}
	var req models.UpdateMemberRoleRequest
	if !bindJSON(c, &req) {
		return
	}
	if err := h.teams.UpdateMemberRole(id, actorID(c), uid, req.Role); err != nil {
		h.respondError(c, err)
		return
	}
	h.record(c, "team_member_role", "team", id, map[string]interface{}{"user_id": uid, "role": req.Role})
	c.JSON(http.StatusOK, gin.H{"message": "role updated"})
}

func (h *TeamHandler) TransferOwnership(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req models.TransferOwnershipRequest
	if !bindJSON(c, &req) {
		return
	}
	if err := h.teams.TransferOwnership(id, actorID(c), req.UserID); err != nil {
		h.respondError(c, err)
		return
	}
	h.record(c, "team_transfer", "team", id, map[string]interface{}{"new_owner_id": req.UserID})
	c.JSON(http.StatusOK, gin.H{"message": "ownership transferred"})
}
