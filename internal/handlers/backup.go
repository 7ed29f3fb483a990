package handlers

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/pandeptwidyaop/devflow/internal/models"
	"github.com/pandeptwidyaop/devflow/internal/services"
)

// BackupHandler handles backups and backup schedules.
type BackupHandler struct {
	handlerBase
	backups   *services.BackupService
	schedules *services.BackupScheduleService
}

func NewBackupHandler(backups *services.BackupService, schedules *services.BackupScheduleService, audit *services.AuditService, logger zerolog.Logger) *BackupHandler {
	return &BackupHandler{
		handlerBase: handlerBase{audit: audit, logger: logger},
		backups:     backups,
		schedules:   schedules,
	}
}

func (h *BackupHandler) List(c *gin.Context) {
	list, err := h.backups.List(services.BackupFilter{
		ServerID:   int64(queryInt(c, "server_id", 0)),
		ProjectID:  int64(queryInt(c, "project_id", 0)),
		ScheduleID: int64(queryInt(c, "schedule_id", 0)),
		Status:     models.BackupStatus(c.Query("status")),
		Limit:      queryInt(c, "limit", 50),
		Offset:     queryInt(c, "offset", 0),
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (h *BackupHandler) Stats(c *gin.Context) {
	stats, err := h.backups.Stats()
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *BackupHandler) Get(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	b, err := h.backups.Get(id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

// Create queues a backup; the worker fills in size, checksum and manifest.
func (h *BackupHandler) Create(c *gin.Context) {
	var req models.CreateBackupRequest
	if !bindJSON(c, &req) {
		return
	}
	b, err := h.backups.Create(req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.record(c, "backup_create", "backup", b.ID, map[string]interface{}{"type": b.Type, "source_path": b.SourcePath})
	c.JSON(http.StatusAccepted, b)
}

func (h *BackupHandler) Manifest(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	m, err := h.backups.Manifest(id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func (h *BackupHandler) Chain(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	chain, err := h.backups.Chain(id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, chain)
}

func (h *BackupHandler) Restore(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req models.RestoreBackupRequest
	if !bindJSON(c, &req) {
		return
	}
	res, err := h.backups.Restore(c.Request.Context(), id, req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.record(c, "backup_restore", "backup", id, map[string]interface{}{"target_path": res.TargetPath, "files": res.Files})
	c.JSON(http.StatusOK, res)
}

func (h *BackupHandler) Delete(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	if err := h.backups.Delete(c.Request.Context(), id); err != nil {
		h.respondError(c, err)
		return
	}
	h.record(c, "backup_delete", "backup", id, nil)
	c.JSON(http.StatusOK, gin.H{"message": "backup deleted"})
}

func (h *BackupHandler) UploadToS3(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	b, err := h.backups.UploadToS3(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.record(c, "backup_upload_s3", "backup", id, nil)
	c.JSON(http.StatusOK, b)
}

func (h *BackupHandler) Download(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	rc, name, err := h.backups.Download(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	defer rc.Close()

	h.record(c, "backup_download", "backup", id, nil)
	c.Header("Content-Disposition", `attachment; filename="`+name+`"`)
	c.Header("Content-Type", "application/gzip")
	c.Status(http.StatusOK)
	if _, err := io.Copy(c.Writer, rc); err != nil {
		h.logger.Warn().Err(err).Int64("backup_id", id).Msg("backup download interrupted")
	}
}

func (h *BackupHandler) ListSchedules(c *gin.Context) {
	list, err := h.schedules.List()
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (h *BackupHandler) GetSchedule(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	sc, err := h.schedules.Get(id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sc)
}

func (h *BackupHandler) CreateSchedule(c *gin.Context) {
	var req models.CreateScheduleRequest
	if !bindJSON(c, &req) {
		return
	}
	sc, err := h.schedules.Create(req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.record(c, "backup_schedule_create", "backup_schedule", sc.ID, map[string]interface{}{"frequency": sc.Frequency})
	c.JSON(http.StatusCreated, sc)
}

func (h *BackupHandler) UpdateSchedule(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req models.CreateScheduleRequest
	if !bindJSON(c, &req) {
		return
	}
	sc, err := h.schedules.Update(id, req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.record(c, "backup_schedule_update", "backup_schedule", id, nil)
	c.JSON(http.StatusOK, sc)
}

func (h *BackupHandler) DeleteSchedule(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	if err := h.schedules.Delete(id); err != nil {
		h.respondError(c, err)
		return
	}
	h.record(c, "backup_schedule_delete", "backup_schedule", id, nil)
	c.JSON(http.StatusOK, gin.H{"message": "schedule deleted"})
}

func (h *BackupHandler) ToggleSchedule(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	sc, err := h.schedules.Toggle(id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.record(c, "backup_schedule_toggle", "backup_schedule", id, map[string]interface{}{"is_active": sc.IsActive})
	c.JSON(http.StatusOK, sc)
}

func (h *BackupHandler) RunSchedule(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	b, err := h.schedules.RunNow(id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.record(c, "backup_schedule_run", "backup_schedule", id, map[string]interface{}{"backup_id": b.ID})
	c.JSON(http.StatusAccepted, b)
}
