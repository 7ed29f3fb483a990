package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/pandeptwidyaop/devflow/internal/services"
	"github.com/pandeptwidyaop/devflow/internal/webhook"
)

// WebhookHandler is the public intake for provider webhooks. Requests are
// authenticated by the project secret, never by session.
type WebhookHandler struct {
	intake *services.WebhookIntakeService
	logger zerolog.Logger
}

func NewWebhookHandler(intake *services.WebhookIntakeService, logger zerolog.Logger) *WebhookHandler {
	return &WebhookHandler{intake: intake, logger: logger.With().Str("component", "webhook_intake").Logger()}
}

func (h *WebhookHandler) GitHub(c *gin.Context) {
	req, ok := h.request(c)
	if !ok {
		return
	}
	req.Event = c.GetHeader("X-GitHub-Event")
	req.Signature = c.GetHeader("X-Hub-Signature-256")
	req.DeliveryID = c.GetHeader("X-GitHub-Delivery")
	h.respond(c, func() (*services.WebhookResult, error) { return h.intake.HandleGitHub(req) })
}

func (h *WebhookHandler) GitLab(c *gin.Context) {
	req, ok := h.request(c)
	if !ok {
		return
	}
	req.Event = c.GetHeader("X-Gitlab-Event")
	req.Token = c.GetHeader("X-Gitlab-Token")
	req.DeliveryID = c.GetHeader("X-Gitlab-Event-UUID")
	h.respond(c, func() (*services.WebhookResult, error) { return h.intake.HandleGitLab(req) })
}

func (h *WebhookHandler) Bitbucket(c *gin.Context) {
	req, ok := h.request(c)
	if !ok {
		return
	}
	req.Event = c.GetHeader("X-Event-Key")
	req.DeliveryID = c.GetHeader("X-Request-UUID")
	h.respond(c, func() (*services.WebhookResult, error) { return h.intake.HandleBitbucket(req) })
}

// Deploy triggers a deployment addressed by project slug or webhook secret.
func (h *WebhookHandler) Deploy(c *gin.Context) {
	req, ok := h.request(c)
	if !ok {
		return
	}
	req.Secret = c.Param("token")
	req.Event = "deploy"
	h.respond(c, func() (*services.WebhookResult, error) { return h.intake.HandleDeployToken(req) })
}

func (h *WebhookHandler) request(c *gin.Context) (services.WebhookRequest, bool) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Payload too large"})
		return services.WebhookRequest{}, false
	}
	return services.WebhookRequest{
		Secret:   c.Param("secret"),
		SourceIP: c.ClientIP(),
		Body:     body,
	}, true
}

func (h *WebhookHandler) respond(c *gin.Context, fn func() (*services.WebhookResult, error)) {
	res, err := fn()
	if err == nil {
		c.JSON(http.StatusOK, res)
		return
	}

	switch {
	case errors.Is(err, services.ErrInvalidWebhookSecret):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid webhook secret"})
	case errors.Is(err, services.ErrInvalidSignature):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid signature"})
	case errors.Is(err, services.ErrInvalidToken):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
	case errors.Is(err, services.ErrInvalidDeployToken):
		c.JSON(http.StatusNotFound, gin.H{"error": "Invalid webhook token"})
	case errors.Is(err, services.ErrAutoDeployDisabled):
		c.JSON(http.StatusForbidden, gin.H{"error": "Auto-deploy is not enabled"})
	case errors.Is(err, services.ErrUntrustedSource):
		c.JSON(http.StatusForbidden, gin.H{"error": "Untrusted source"})
	case errors.Is(err, webhook.ErrInvalidPayload):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid payload"})
	default:
		h.logger.Error().Err(err).Str("path", c.FullPath()).Msg("webhook processing failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Webhook processing failed"})
	}
}
