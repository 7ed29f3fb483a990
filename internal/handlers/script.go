package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/pandeptwidyaop/devflow/internal/models"
	"github.com/pandeptwidyaop/devflow/internal/services"
)

// ScriptHandler manages custom scripts and runs them against projects.
type ScriptHandler struct {
	handlerBase
	scripts *services.ScriptService
}

func NewScriptHandler(scripts *services.ScriptService, audit *services.AuditService, logger zerolog.Logger) *ScriptHandler {
	return &ScriptHandler{handlerBase: handlerBase{audit: audit, logger: logger}, scripts: scripts}
}

func (h *ScriptHandler) List(c *gin.Context) {
	list, err := h.scripts.List()
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (h *ScriptHandler) Get(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	sc, err := h.scripts.Get(id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sc)
}

func (h *ScriptHandler) Create(c *gin.Context) {
	var req models.ScriptRequest
	if !bindJSON(c, &req) {
		return
	}
	sc, err := h.scripts.Create(req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.record(c, "script_create", "script", sc.ID, map[string]interface{}{"name": sc.Name, "language": sc.Language})
	c.JSON(http.StatusCreated, sc)
}

func (h *ScriptHandler) Update(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req models.ScriptRequest
	if !bindJSON(c, &req) {
		return
	}
	sc, err := h.scripts.Update(id, req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.record(c, "script_update", "script", id, nil)
	c.JSON(http.StatusOK, sc)
}

func (h *ScriptHandler) Delete(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	if err := h.scripts.Delete(id); err != nil {
		h.respondError(c, err)
		return
	}
	h.record(c, "script_delete", "script", id, nil)
	c.JSON(http.StatusOK, gin.H{"message": "script deleted"})
}

func (h *ScriptHandler) Toggle(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	sc, err := h.scripts.Toggle(id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.record(c, "script_toggle", "script", id, map[string]interface{}{"enabled": sc.Enabled})
	c.JSON(http.StatusOK, sc)
}

func (h *ScriptHandler) Templates(c *gin.Context) {
	list, err := h.scripts.Templates()
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

type useTemplateRequest struct {
	ProjectID *int64 `json:"project_id"`
}

func (h *ScriptHandler) UseTemplate(c *gin.Context) {
	var req useTemplateRequest
	if c.Request.ContentLength > 0 && !bindJSON(c, &req) {
		return
	}
	sc, err := h.scripts.UseTemplate(c.Param("key"), req.ProjectID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.record(c, "script_from_template", "script", sc.ID, map[string]interface{}{"template": c.Param("key")})
	c.JSON(http.StatusCreated, sc)
}

type executeScriptRequest struct {
	services.ScriptRun
	Async bool `json:"async"`
}

// Execute runs the script now, or queues it when async is set.
func (h *ScriptHandler) Execute(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req executeScriptRequest
	if !bindJSON(c, &req) {
		return
	}

	if req.Async {
		jobID, err := h.scripts.ExecuteAsync(id, req.ScriptRun)
		if err != nil {
			h.respondError(c, err)
			return
		}
		h.record(c, "script_execute_queued", "script", id, map[string]interface{}{"project_id": req.ProjectID, "job_id": jobID})
		c.JSON(http.StatusAccepted, gin.H{"job_id": jobID})
		return
	}

	res, err := h.scripts.Execute(c.Request.Context(), id, req.ScriptRun)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.record(c, "script_execute", "script", id, map[string]interface{}{
		"project_id": req.ProjectID,
		"success":    res.Success,
		"exit_code":  res.ExitCode,
	})
	c.JSON(http.StatusOK, res)
}

type validateScriptRequest struct {
	Language string `json:"language" binding:"required,oneof=bash sh python php node ruby"`
	Content  string `json:"content" binding:"required"`
}

func (h *ScriptHandler) Validate(c *gin.Context) {
	var req validateScriptRequest
	if !bindJSON(c, &req) {
		return
	}
	res, err := h.scripts.ValidateSyntax(c.Request.Context(), req.Language, req.Content)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Test checks the syntax of the script as prepared for ?project_id=.
func (h *ScriptHandler) Test(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	projectID := int64(queryInt(c, "project_id", 0))
	if projectID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "project_id is required"})
		return
	}
	res, err := h.scripts.Test(c.Request.Context(), id, projectID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *ScriptHandler) Download(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	projectID := int64(queryInt(c, "project_id", 0))
	if projectID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "project_id is required"})
		return
	}
	name, content, err := h.scripts.Download(id, projectID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.Header("Content-Disposition", `attachment; filename="`+name+`"`)
	c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(content))
}
