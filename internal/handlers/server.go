package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/pandeptwidyaop/devflow/internal/models"
	"github.com/pandeptwidyaop/devflow/internal/services"
)

// ServerHandler manages servers and their SSH hardening.
type ServerHandler struct {
	handlerBase
	servers *services.ServerService
	health  *services.ProjectHealthService
	ssh     *services.SSHSecurityService
}

func NewServerHandler(servers *services.ServerService, health *services.ProjectHealthService, ssh *services.SSHSecurityService,
	audit *services.AuditService, logger zerolog.Logger) *ServerHandler {
	return &ServerHandler{
		handlerBase: handlerBase{audit: audit, logger: logger},
		servers:     servers,
		health:      health,
		ssh:         ssh,
	}
}

func (h *ServerHandler) List(c *gin.Context) {
	servers, err := h.servers.List()
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, servers)
}

func (h *ServerHandler) Get(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	srv, err := h.servers.Get(id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, srv)
}

func (h *ServerHandler) Create(c *gin.Context) {
	var req models.CreateServerRequest
	if !bindJSON(c, &req) {
		return
	}
	srv, err := h.servers.Create(req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.record(c, "server_create", "server", srv.ID, map[string]interface{}{"name": srv.Name, "hostname": srv.Hostname})
	c.JSON(http.StatusCreated, srv)
}

func (h *ServerHandler) Update(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req models.UpdateServerRequest
	if !bindJSON(c, &req) {
		return
	}
	srv, err := h.servers.Update(id, req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.record(c, "server_update", "server", id, nil)
	c.JSON(http.StatusOK, srv)
}

func (h *ServerHandler) Delete(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	if err := h.servers.Delete(id); err != nil {
		h.respondError(c, err)
		return
	}
	h.record(c, "server_delete", "server", id, nil)
	c.JSON(http.StatusOK, gin.H{"message": "server deleted"})
}

// TestConnection always answers 200; the result carries success and status.
func (h *ServerHandler) TestConnection(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	res, err := h.servers.TestConnection(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *ServerHandler) RefreshStatus(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	srv, snap, err := h.servers.RefreshStatus(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"server": srv, "metrics": snap})
}

func (h *ServerHandler) Health(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	report, err := h.health.CheckServer(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// SSHStatus returns the stored sshd settings with a security score.
func (h *ServerHandler) SSHStatus(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	st, err := h.ssh.Status(id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *ServerHandler) SSHSync(c *gin.Context) {
	h.sshAction(c, "ssh_sync", func(id int64) (*models.SSHConfiguration, error) {
		return h.ssh.LoadSSHConfig(c.Request.Context(), id, userID(c))
	})
}

func (h *ServerHandler) SSHUpdate(c *gin.Context) {
	var req models.UpdateSSHConfigRequest
	if _, ok := paramID(c, "id"); !ok {
		return
	}
	if !bindJSON(c, &req) {
		return
	}
	h.sshAction(c, "ssh_update", func(id int64) (*models.SSHConfiguration, error) {
		return h.ssh.UpdateConfig(c.Request.Context(), id, userID(c), req)
	})
}

type changePortRequest struct {
	Port int `json:"port" binding:"required,sshport"`
}

func (h *ServerHandler) SSHChangePort(c *gin.Context) {
	var req changePortRequest
	if _, ok := paramID(c, "id"); !ok {
		return
	}
	if !bindJSON(c, &req) {
		return
	}
	h.sshAction(c, "ssh_change_port", func(id int64) (*models.SSHConfiguration, error) {
		return h.ssh.ChangePort(c.Request.Context(), id, userID(c), req.Port)
	})
}

func (h *ServerHandler) SSHToggleRootLogin(c *gin.Context) {
	h.sshAction(c, "ssh_toggle_root_login", func(id int64) (*models.SSHConfiguration, error) {
		return h.ssh.ToggleRootLogin(c.Request.Context(), id, userID(c))
	})
}

func (h *ServerHandler) SSHTogglePasswordAuth(c *gin.Context) {
	h.sshAction(c, "ssh_toggle_password_auth", func(id int64) (*models.SSHConfiguration, error) {
		return h.ssh.TogglePasswordAuth(c.Request.Context(), id, userID(c))
	})
}

func (h *ServerHandler) SSHHarden(c *gin.Context) {
	h.sshAction(c, "ssh_harden", func(id int64) (*models.SSHConfiguration, error) {
		return h.ssh.HardenSSH(c.Request.Context(), id, userID(c))
	})
}

func (h *ServerHandler) sshAction(c *gin.Context, action string, fn func(id int64) (*models.SSHConfiguration, error)) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	cfg, err := fn(id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.record(c, action, "server", id, nil)
	c.JSON(http.StatusOK, cfg)
}

func (h *ServerHandler) SSHRestart(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	if err := h.ssh.RestartSSH(c.Request.Context(), id, userID(c)); err != nil {
		h.respondError(c, err)
		return
	}
	h.record(c, "ssh_restart", "server", id, nil)
	c.JSON(http.StatusOK, gin.H{"message": "SSH service restarted"})
}

func (h *ServerHandler) SSHValidate(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	valid, output, err := h.ssh.ValidateConfig(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": valid, "output": output})
}

func (h *ServerHandler) SSHEvents(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	events, err := h.ssh.Events(id, queryInt(c, "limit", 50))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, events)
}
