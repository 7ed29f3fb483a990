package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/pandeptwidyaop/devflow/internal/models"
	"github.com/pandeptwidyaop/devflow/internal/services"
)

// DatabaseBackupHandler handles SQL dumps of managed databases.
type DatabaseBackupHandler struct {
	handlerBase
	backups *services.DatabaseBackupService
}

func NewDatabaseBackupHandler(backups *services.DatabaseBackupService, audit *services.AuditService, logger zerolog.Logger) *DatabaseBackupHandler {
	return &DatabaseBackupHandler{
		handlerBase: handlerBase{audit: audit, logger: logger},
		backups:     backups,
	}
}

func (h *DatabaseBackupHandler) List(c *gin.Context) {
	list, err := h.backups.List(services.DatabaseBackupFilter{
		ServerID:     int64(queryInt(c, "server_id", 0)),
		DatabaseName: c.Query("database"),
		Status:       models.BackupStatus(c.Query("status")),
		Limit:        queryInt(c, "limit", 50),
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (h *DatabaseBackupHandler) Get(c *gin.Context) {
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

func (h *DatabaseBackupHandler) Create(c *gin.Context) {
	var req models.CreateDatabaseBackupRequest
	if !bindJSON(c, &req) {
		return
	}
	b, err := h.backups.Create(req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.record(c, "database_backup_create", "database_backup", b.ID,
		map[string]interface{}{"database_type": b.DatabaseType, "database": b.DatabaseName})
	c.JSON(http.StatusAccepted, b)
}

func (h *DatabaseBackupHandler) Verify(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	b, err := h.backups.Verify(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

func (h *DatabaseBackupHandler) Restore(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	if err := h.backups.Restore(c.Request.Context(), id); err != nil {
		h.respondError(c, err)
		return
	}
	h.record(c, "database_backup_restore", "database_backup", id, nil)
	c.JSON(http.StatusOK, gin.H{"message": "Database restored"})
}

func (h *DatabaseBackupHandler) Delete(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	if err := h.backups.Delete(c.Request.Context(), id); err != nil {
		h.respondError(c, err)
		return
	}
	h.record(c, "database_backup_delete", "database_backup", id, nil)
	c.JSON(http.StatusOK, gin.H{"message": "Database backup deleted"})
}

func (h *DatabaseBackupHandler) ApplyRetention(c *gin.Context) {
	var req models.DatabaseRetentionRequest
	if !bindJSON(c, &req) {
		return
	}
	deleted, err := h.backups.ApplyRetention(c.Request.Context(), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.record(c, "database_backup_retention", "database_backup", 0,
		map[string]interface{}{"database": req.DatabaseName, "deleted": len(deleted)})
	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}
