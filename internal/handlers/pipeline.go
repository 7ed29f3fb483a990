package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/pandeptwidyaop/devflow/internal/models"
	"github.com/pandeptwidyaop/devflow/internal/pipeline"
	"github.com/pandeptwidyaop/devflow/internal/services"
)

type PipelineHandler struct {
	handlerBase
	pipelines *services.PipelineService
}

func NewPipelineHandler(pipelines *services.PipelineService, audit *services.AuditService, logger zerolog.Logger) *PipelineHandler {
	return &PipelineHandler{handlerBase: handlerBase{audit: audit, logger: logger}, pipelines: pipelines}
}

// List returns the pipelines of ?project_id=, or all when omitted.
func (h *PipelineHandler) List(c *gin.Context) {
	list, err := h.pipelines.List(int64(queryInt(c, "project_id", 0)))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (h *PipelineHandler) Get(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	p, err := h.pipelines.Get(id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *PipelineHandler) Create(c *gin.Context) {
	var req models.CreatePipelineRequest
	if !bindJSON(c, &req) {
		return
	}
	p, err := h.pipelines.Create(req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.record(c, "pipeline_create", "pipeline", p.ID, map[string]interface{}{"name": p.Name, "provider": p.Provider})
	c.JSON(http.StatusCreated, p)
}

func (h *PipelineHandler) Update(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req models.UpdatePipelineRequest
	if !bindJSON(c, &req) {
		return
	}
	p, err := h.pipelines.Update(id, req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.record(c, "pipeline_update", "pipeline", id, nil)
	c.JSON(http.StatusOK, p)
}

func (h *PipelineHandler) Delete(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	if err := h.pipelines.Delete(id); err != nil {
		h.respondError(c, err)
		return
	}
	h.record(c, "pipeline_delete", "pipeline", id, nil)
	c.JSON(http.StatusOK, gin.H{"message": "pipeline deleted"})
}

func (h *PipelineHandler) Toggle(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	p, err := h.pipelines.Toggle(id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.record(c, "pipeline_toggle", "pipeline", id, map[string]interface{}{"enabled": p.Enabled})
	c.JSON(http.StatusOK, p)
}

// Config downloads the rendered provider CI file.
func (h *PipelineHandler) Config(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	name, content, err := h.pipelines.GenerateConfig(id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.Header("Content-Disposition", `attachment; filename="`+name+`"`)
	c.Data(http.StatusOK, "text/plain; charset=utf-8", content)
}

type runPipelineRequest struct {
	Branch     string `json:"branch"`
	CommitHash string `json:"commit_hash"`
}

func (h *PipelineHandler) Run(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req runPipelineRequest
	if c.Request.ContentLength > 0 && !bindJSON(c, &req) {
		return
	}
	run, err := h.pipelines.Run(id, services.RunOptions{Trigger: models.TriggerManual, Branch: req.Branch, CommitHash: req.CommitHash})
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.record(c, "pipeline_run", "pipeline", id, map[string]interface{}{"run_id": run.ID})
	c.JSON(http.StatusAccepted, run)
}

func (h *PipelineHandler) Runs(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	runs, err := h.pipelines.Runs(id, queryInt(c, "limit", 20))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, runs)
}

func (h *PipelineHandler) GetRun(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	run, err := h.pipelines.GetRun(id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

func (h *PipelineHandler) CancelRun(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	if err := h.pipelines.Cancel(id); err != nil {
		h.respondError(c, err)
		return
	}
	h.record(c, "pipeline_run_cancel", "pipeline_run", id, nil)
	c.JSON(http.StatusOK, gin.H{"message": "run cancelled"})
}

func (h *PipelineHandler) RetryRun(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	run, err := h.pipelines.Retry(id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.record(c, "pipeline_run_retry", "pipeline_run", id, map[string]interface{}{"new_run_id": run.ID})
	c.JSON(http.StatusAccepted, run)
}

// ReportStatus lets an external CI provider push the state of a run.
func (h *PipelineHandler) ReportStatus(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var st pipeline.ExternalStatus
	if !bindJSON(c, &st) {
		return
	}
	run, err := h.pipelines.ReportStatus(id, st)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}
