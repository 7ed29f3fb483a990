package handlers

import (
	"net/http"
	"runtime"

	"github.com/gin-gonic/gin"

	"github.com/pandeptwidyaop/devflow/internal/upgrade"
	"github.com/pandeptwidyaop/devflow/internal/version"
)

type VersionHandler struct {
	checker *upgrade.Checker
}

func NewVersionHandler(checker *upgrade.Checker) *VersionHandler {
	return &VersionHandler{checker: checker}
}

// Get returns build information.
// GET /api/version
func (h *VersionHandler) Get(c *gin.Context) {
	info := version.Info()
	info["go_version"] = runtime.Version()
	c.JSON(http.StatusOK, info)
}

// CheckUpdate checks if a new version is available
// GET /api/version/check
func (h *VersionHandler) CheckUpdate(c *gin.Context) {
	release, err := h.checker.Latest(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusOK, gin.H{
			"current":          version.Version,
			"latest":           "",
			"update_available": false,
			"error":            err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"current":          version.Version,
		"latest":           release.TagName,
		"update_available": upgrade.NeedsUpgrade(version.Version, release.TagName),
		"release_name":     release.Name,
		"release_url":      release.HTMLURL,
	})
}
