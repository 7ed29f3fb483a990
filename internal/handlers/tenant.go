package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/pandeptwidyaop/devflow/internal/models"
	"github.com/pandeptwidyaop/devflow/internal/services"
)

// TenantHandler serves the tenants of multi-tenant projects. Routes are
// nested under /projects/:id/tenants.
type TenantHandler struct {
	handlerBase
	tenants *services.TenantService
}

func NewTenantHandler(tenants *services.TenantService, audit *services.AuditService, logger zerolog.Logger) *TenantHandler {
	return &TenantHandler{handlerBase: handlerBase{audit: audit, logger: logger}, tenants: tenants}
}

func (h *TenantHandler) List(c *gin.Context) {
	projectID, ok := paramID(c, "id")
	if !ok {
		return
	}
	list, err := h.tenants.List(projectID, models.TenantStatus(c.Query("status")))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (h *TenantHandler) Stats(c *gin.Context) {
	projectID, ok := paramID(c, "id")
	if !ok {
		return
	}
	st, err := h.tenants.Stats(projectID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *TenantHandler) Create(c *gin.Context) {
	projectID, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req models.CreateTenantRequest
	if !bindJSON(c, &req) {
		return
	}
	t, err := h.tenants.Create(projectID, req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.record(c, "tenant_create", "tenant", t.ID, map[string]interface{}{"project_id": projectID, "subdomain": t.Subdomain})
	c.JSON(http.StatusCreated, t)
}

func (h *TenantHandler) Get(c *gin.Context) {
	id, ok := paramID(c, "tenant")
	if !ok {
		return
	}
	t, err := h.tenants.Get(id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (h *TenantHandler) Update(c *gin.Context) {
	id, ok := paramID(c, "tenant")
	if !ok {
		return
	}
	var req models.UpdateTenantRequest
	if !bindJSON(c, &req) {
		return
	}
	t, err := h.tenants.Update(id, req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.record(c, "tenant_update", "tenant", id, nil)
	c.JSON(http.StatusOK, t)
}

func (h *TenantHandler) Delete(c *gin.Context) {
	id, ok := paramID(c, "tenant")
	if !ok {
		return
	}
	if err := h.tenants.Delete(id); err != nil {
		h.respondError(c, err)
		return
	}
	h.record(c, "tenant_delete", "tenant", id, nil)
	c.JSON(http.StatusOK, gin.H{"message": "tenant deleted"})
}

func (h *TenantHandler) Toggle(c *gin.Context) {
	id, ok := paramID(c, "tenant")
	if !ok {
		return
	}
	t, err := h.tenants.ToggleStatus(id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.record(c, "tenant_toggle", "tenant", id, map[string]interface{}{"status": t.Status})
	c.JSON(http.StatusOK, t)
}

// Reset reruns the project's tenant init command against the tenant.
func (h *TenantHandler) Reset(c *gin.Context) {
	id, ok := paramID(c, "tenant")
	if !ok {
		return
	}
	res, err := h.tenants.Reset(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.record(c, "tenant_reset", "tenant", id, map[string]interface{}{"exit_code": res.ExitCode})
	c.JSON(http.StatusOK, gin.H{
		"success":   res.Success(),
		"exit_code": res.ExitCode,
		"output":    res.Stdout,
		"error":     res.Stderr,
	})
}

func (h *TenantHandler) Backup(c *gin.Context) {
	id, ok := paramID(c, "tenant")
	if !ok {
		return
	}
	b, err := h.tenants.Backup(id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.record(c, "tenant_backup", "tenant", id, map[string]interface{}{"backup_id": b.ID})
	c.JSON(http.StatusAccepted, b)
}

type tenantDeployRequest struct {
	services.TenantDeployOptions
	Async bool `json:"async"`
}

// Deploy runs the deploy commands for every selected tenant. With async set
// the work is queued and only the job id comes back.
func (h *TenantHandler) Deploy(c *gin.Context) {
	projectID, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req tenantDeployRequest
	if c.Request.ContentLength > 0 && !bindJSON(c, &req) {
		return
	}

	if req.Async {
		jobID, err := h.tenants.DeployToTenantsAsync(projectID, req.TenantDeployOptions)
		if err != nil {
			h.respondError(c, err)
			return
		}
		h.record(c, "tenant_deploy_queued", "project", projectID, map[string]interface{}{"job_id": jobID, "tenants": len(req.TenantIDs)})
		c.JSON(http.StatusAccepted, gin.H{"job_id": jobID})
		return
	}

	sum, err := h.tenants.DeployToTenants(c.Request.Context(), projectID, req.TenantDeployOptions)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.record(c, "tenant_deploy", "project", projectID, map[string]interface{}{"successful": sum.Successful, "failed": sum.Failed})
	c.JSON(http.StatusOK, sum)
}
