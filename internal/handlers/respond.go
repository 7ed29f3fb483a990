// Package handlers exposes the services over a JSON HTTP API.
package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/pandeptwidyaop/devflow/internal/archive"
	"github.com/pandeptwidyaop/devflow/internal/hostsec"
	"github.com/pandeptwidyaop/devflow/internal/kube"
	"github.com/pandeptwidyaop/devflow/internal/middleware"
	"github.com/pandeptwidyaop/devflow/internal/pipeline"
	"github.com/pandeptwidyaop/devflow/internal/queue"
	"github.com/pandeptwidyaop/devflow/internal/services"
	"github.com/pandeptwidyaop/devflow/internal/sshconfig"
	"github.com/pandeptwidyaop/devflow/internal/storage"
	"github.com/pandeptwidyaop/devflow/internal/validation"
	"github.com/pandeptwidyaop/devflow/internal/webhook"
)

var notFoundErrors = []error{
	services.ErrServerNotFound,
	services.ErrProjectNotFound,
	services.ErrDeploymentNotFound,
	services.ErrBackupNotFound,
	services.ErrScheduleNotFound,
	services.ErrHealthCheckNotFound,
	services.ErrChannelNotFound,
	services.ErrPipelineNotFound,
	services.ErrRunNotFound,
	services.ErrClusterNotFound,
	services.ErrTenantNotFound,
	services.ErrTeamNotFound,
	services.ErrMemberNotFound,
	services.ErrInvitationNotFound,
	services.ErrLogSourceNotFound,
	services.ErrScriptNotFound,
	services.ErrTemplateNotFound,
	services.ErrUserNotFound,
	services.ErrContainerNotFound,
	services.ErrDatabaseBackupNotFound,
	services.ErrSecurityScanNotFound,
	queue.ErrJobNotFound,
	queue.ErrFailedJobNotFound,
	storage.ErrObjectNotFound,
}

var conflictErrors = []error{
	services.ErrSlugTaken,
	services.ErrServerInUse,
	services.ErrTenantExists,
	services.ErrAlreadyMember,
	services.ErrUserExists,
	services.ErrBackupHasDependents,
	services.ErrDeploymentFinished,
	services.ErrRunFinished,
	services.ErrInvitationAccepted,
	services.ErrTOTPAlreadyEnabled,
	services.ErrUFWNotInstalled,
	services.ErrFail2banNotInstalled,
	services.ErrFail2banNotRunning,
	archive.ErrFileExists,
}

var badRequestErrors = []error{
	services.ErrInvalidSlug,
	services.ErrInvalidTeamRole,
	services.ErrNoParentBackup,
	services.ErrBackupNotCompleted,
	services.ErrNoTenants,
	services.ErrNoTenantInitCommand,
	services.ErrNoDefaultCluster,
	services.ErrPipelineDisabled,
	services.ErrScriptDisabled,
	services.ErrLogSourceDisabled,
	services.ErrInvalidTOTP,
	services.ErrTOTPNotSetup,
	services.ErrInvitationExpired,
	services.ErrUnsupportedDatabase,
	services.ErrRangeNeedsProto,
	services.ErrInvalidRuleIndex,
	services.ErrInvalidBanIP,
	hostsec.ErrInvalidPort,
	hostsec.ErrInvalidProtocol,
	hostsec.ErrInvalidAction,
	hostsec.ErrInvalidSource,
	hostsec.ErrInvalidJail,
	sshconfig.ErrMaxAuthTries,
	kube.ErrInvalidKubeconfig,
	kube.ErrNoContext,
	pipeline.ErrNoStages,
	pipeline.ErrUnknownProvider,
	storage.ErrNotConfigured,
	storage.ErrUnknownDriver,
	archive.ErrSourceNotFound,
	archive.ErrUnsafePath,
	validation.ErrInvalidPort,
	validation.ErrPrivilegedPort,
	validation.ErrInvalidSubdomain,
	validation.ErrInputInvalid,
	validation.ErrPasswordTooShort,
	validation.ErrPasswordNoUppercase,
	validation.ErrPasswordNoLowercase,
	validation.ErrPasswordNoDigit,
	validation.ErrPasswordCommon,
	webhook.ErrProviderNotConfigured,
	webhook.ErrInvalidRepositoryURL,
	webhook.ErrUnsupportedProvider,
	webhook.ErrInvalidPayload,
}

// remoteCommandErrors are non-zero exits of tools on a managed server.
var remoteCommandErrors = []error{
	services.ErrDumpFailed,
	services.ErrDatabaseRestoreFailed,
	services.ErrFirewallCommand,
	services.ErrFail2banCommand,
}

var forbiddenErrors = []error{
	services.ErrTeamPermission,
	services.ErrCannotChangeOwner,
	services.ErrLastAdmin,
}

func matches(err error, targets []error) bool {
	for _, t := range targets {
		if errors.Is(err, t) {
			return true
		}
	}
	return false
}

// statusFor maps a service error onto an HTTP status.
func statusFor(err error) int {
	switch {
	case matches(err, notFoundErrors):
		return http.StatusNotFound
	case matches(err, conflictErrors):
		return http.StatusConflict
	case errors.Is(err, services.ErrSSHInvalidConfig):
		return http.StatusUnprocessableEntity
	case matches(err, badRequestErrors):
		return http.StatusBadRequest
	case matches(err, forbiddenErrors):
		return http.StatusForbidden
	case errors.Is(err, services.ErrConnectionFailed), errors.Is(err, services.ErrSSHCommandFailed),
		matches(err, remoteCommandErrors):
		return http.StatusBadGateway
	case errors.Is(err, services.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, services.ErrAccountLocked):
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}

// handlerBase carries what every handler needs: the audit trail and a logger
// for errors that are hidden from the client.
type handlerBase struct {
	audit  *services.AuditService
	logger zerolog.Logger
}

// respondError writes err as {"error": ...}. Internal errors are logged and
// replaced by a generic message.
func (h *handlerBase) respondError(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
		c.JSON(status, gin.H{"error": "internal server error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// record writes an audit entry for the current user.
func (h *handlerBase) record(c *gin.Context, action, resourceType string, resourceID int64, details map[string]interface{}) {
	if h.audit == nil {
		return
	}
	id := ""
	if resourceID > 0 {
		id = strconv.FormatInt(resourceID, 10)
	}
	h.audit.LogAction(middleware.CurrentUser(c), action, resourceType, id, c.ClientIP(), c.GetHeader("User-Agent"), details)
}

// bindJSON decodes the body into dst. Validation failures answer 422 with
// per-field messages, malformed bodies answer 400.
func bindJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body too large"})
			return false
		}
		if fields := validation.FieldErrors(err); fields != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "validation failed", "fields": fields})
			return false
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return false
	}
	return true
}

// paramID parses a positive integer path parameter.
func paramID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return id, true
}

func queryInt(c *gin.Context, name string, def int) int {
	v, err := strconv.Atoi(c.Query(name))
	if err != nil {
		return def
	}
	return v
}

func userID(c *gin.Context) *int64 {
	if u := middleware.CurrentUser(c); u != nil {
		id := u.ID
		return &id
	}
	return nil
}
