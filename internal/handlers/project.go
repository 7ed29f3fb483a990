package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/pandeptwidyaop/devflow/internal/middleware"
	"github.com/pandeptwidyaop/devflow/internal/models"
	"github.com/pandeptwidyaop/devflow/internal/services"
	"github.com/pandeptwidyaop/devflow/internal/webhook"
)

// ProjectHandler manages projects, their deployments and repository webhooks.
type ProjectHandler struct {
	handlerBase
	projects    *services.ProjectService
	deployments *services.DeploymentService
	health      *services.ProjectHealthService
	hooks       *webhook.Client
	publicURL   string
}

func NewProjectHandler(projects *services.ProjectService, deployments *services.DeploymentService, health *services.ProjectHealthService,
	hooks *webhook.Client, publicURL string, audit *services.AuditService, logger zerolog.Logger) *ProjectHandler {
	return &ProjectHandler{
		handlerBase: handlerBase{audit: audit, logger: logger},
		projects:    projects,
		deployments: deployments,
		health:      health,
		hooks:       hooks,
		publicURL:   strings.TrimRight(publicURL, "/"),
	}
}

func (h *ProjectHandler) List(c *gin.Context) {
	projects, err := h.projects.List()
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, projects)
}

func (h *ProjectHandler) Get(c *gin.Context) {
	p, ok := h.project(c)
	if !ok {
		return
	}
	latest, err := h.deployments.Latest(p.ID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"project": p, "latest_deployment": latest})
}

func (h *ProjectHandler) Create(c *gin.Context) {
	var req models.CreateProjectRequest
	if !bindJSON(c, &req) {
		return
	}
	p, err := h.projects.Create(req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.record(c, "project_create", "project", p.ID, map[string]interface{}{"name": p.Name, "slug": p.Slug})
	c.JSON(http.StatusCreated, p)
}

func (h *ProjectHandler) Update(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req models.UpdateProjectRequest
	if !bindJSON(c, &req) {
		return
	}
	p, err := h.projects.Update(id, req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.record(c, "project_update", "project", id, nil)
	c.JSON(http.StatusOK, p)
}

func (h *ProjectHandler) Delete(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	if err := h.projects.Delete(id); err != nil {
		h.respondError(c, err)
		return
	}
	h.record(c, "project_delete", "project", id, nil)
	c.JSON(http.StatusOK, gin.H{"message": "project deleted"})
}

func (h *ProjectHandler) RegenerateSecret(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	p, err := h.projects.RegenerateWebhookSecret(id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.record(c, "project_regenerate_secret", "project", id, nil)
	c.JSON(http.StatusOK, gin.H{"webhook_secret": p.WebhookSecret})
}

func (h *ProjectHandler) Deliveries(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	deliveries, err := h.projects.Deliveries(id, queryInt(c, "limit", 50))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, deliveries)
}

func (h *ProjectHandler) Health(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	report, err := h.health.CheckProject(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *ProjectHandler) HealthAll(c *gin.Context) {
	reports, err := h.health.CheckAll(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, reports)
}

// DeployRequest overrides the branch or records the commit being deployed.
type DeployRequest struct {
	Branch        string `json:"branch"`
	CommitHash    string `json:"commit_hash"`
	CommitMessage string `json:"commit_message"`
}

// Deploy queues a manual deployment. The body is optional.
func (h *ProjectHandler) Deploy(c *gin.Context) {
	p, ok := h.project(c)
	if !ok {
		return
	}
	var req DeployRequest
	if c.Request.ContentLength > 0 && !bindJSON(c, &req) {
		return
	}
	d, err := h.deployments.Deploy(p, models.DeployOptions{
		Trigger:       models.TriggerManual,
		Branch:        req.Branch,
		CommitHash:    req.CommitHash,
		CommitMessage: req.CommitMessage,
		TriggeredBy:   middleware.CurrentUser(c).Username,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.record(c, "deploy", "project", p.ID, map[string]interface{}{"deployment_id": d.ID, "branch": d.Branch})
	c.JSON(http.StatusAccepted, gin.H{
		"deployment_id": d.ID,
		"status":        d.Status,
	})
}

func (h *ProjectHandler) ListDeployments(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	list, err := h.deployments.List(id, queryInt(c, "limit", 20), queryInt(c, "offset", 0))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (h *ProjectHandler) GetDeployment(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	d, err := h.deployments.Get(id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (h *ProjectHandler) CancelDeployment(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	if err := h.deployments.Cancel(id); err != nil {
		h.respondError(c, err)
		return
	}
	h.record(c, "deploy_cancel", "deployment", id, nil)
	c.JSON(http.StatusOK, gin.H{"message": "deployment cancelled"})
}

// SetupWebhook registers the project's intake URL on its repository.
func (h *ProjectHandler) SetupWebhook(c *gin.Context) {
	p, ok := h.project(c)
	if !ok {
		return
	}
	provider := webhook.DetectProvider(p.RepositoryURL)
	callback := h.publicURL + h.callbackPath(provider, p.WebhookSecret)
	hookID, err := h.hooks.Setup(c.Request.Context(), provider, webhook.Hook{
		RepositoryURL: p.RepositoryURL,
		CallbackURL:   callback,
		Secret:        p.WebhookSecret,
		Description:   "DevFlow " + p.Name,
	})
	if err != nil {
		h.respondUpstream(c, err)
		return
	}
	if err := h.projects.SetWebhookID(p.ID, provider, hookID); err != nil {
		h.respondError(c, err)
		return
	}
	h.record(c, "webhook_setup", "project", p.ID, map[string]interface{}{"provider": provider, "hook_id": hookID})
	c.JSON(http.StatusOK, gin.H{"provider": provider, "webhook_id": hookID, "url": callback})
}

func (h *ProjectHandler) DeleteWebhook(c *gin.Context) {
	p, ok := h.project(c)
	if !ok {
		return
	}
	if p.WebhookID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no webhook registered"})
		return
	}
	if err := h.hooks.Delete(c.Request.Context(), p.WebhookProvider, p.RepositoryURL, p.WebhookID); err != nil {
		h.respondUpstream(c, err)
		return
	}
	if err := h.projects.SetWebhookID(p.ID, p.WebhookProvider, ""); err != nil {
		h.respondError(c, err)
		return
	}
	h.record(c, "webhook_delete", "project", p.ID, nil)
	c.JSON(http.StatusOK, gin.H{"message": "webhook deleted"})
}

func (h *ProjectHandler) TestWebhook(c *gin.Context) {
	p, ok := h.project(c)
	if !ok {
		return
	}
	if p.WebhookID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no webhook registered"})
		return
	}
	res, err := h.hooks.Test(c.Request.Context(), p.WebhookProvider, p.RepositoryURL, p.WebhookID)
	if err != nil {
		h.respondUpstream(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *ProjectHandler) callbackPath(provider, secret string) string {
	switch provider {
	case webhook.ProviderGitLab, webhook.ProviderBitbucket:
		return "/webhooks/" + provider + "/" + secret
	}
	return "/webhooks/github/" + secret
}

// respondUpstream reports provider API failures as 502 unless they are
// configuration errors.
func (h *ProjectHandler) respondUpstream(c *gin.Context, err error) {
	if statusFor(err) != http.StatusInternalServerError {
		h.respondError(c, err)
		return
	}
	h.logger.Warn().Err(err).Msg("webhook provider request failed")
	c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
}

func (h *ProjectHandler) project(c *gin.Context) (*models.Project, bool) {
	id, ok := paramID(c, "id")
	if !ok {
		return nil, false
	}
	p, err := h.projects.Get(id)
	if err != nil {
		h.respondError(c, err)
		return nil, false
	}
	return p, true
}
