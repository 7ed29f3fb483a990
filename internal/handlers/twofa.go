package handlers

import (
	"bytes"
	"encoding/base64"
	"image/png"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pquerna/otp"
	"github.com/rs/zerolog"

	"github.com/pandeptwidyaop/devflow/internal/middleware"
	"github.com/pandeptwidyaop/devflow/internal/services"
)

// TwoFAHandler handles two-factor authentication setup for the current user.
type TwoFAHandler struct {
	handlerBase
	authService *services.AuthService
}

// NewTwoFAHandler creates a new TwoFAHandler instance
func NewTwoFAHandler(authService *services.AuthService, auditService *services.AuditService, logger zerolog.Logger) *TwoFAHandler {
	return &TwoFAHandler{
		handlerBase: handlerBase{audit: auditService, logger: logger},
		authService: authService,
	}
}

// VerifyTOTPRequest carries a code from the authenticator app.
type VerifyTOTPRequest struct {
	Code string `json:"code" binding:"required,len=6"`
}

// GenerateSecret stores a new pending secret and returns it with a QR code.
func (h *TwoFAHandler) GenerateSecret(c *gin.Context) {
	user := middleware.CurrentUser(c)
	secret, url, err := h.authService.GenerateTOTPSecret(user)
	if err != nil {
		h.respondError(c, err)
		return
	}

	resp := gin.H{"secret": secret, "qr_code_url": url}
	if qr, err := qrDataURL(url); err == nil {
		resp["qr_code"] = qr
	} else {
		h.logger.Warn().Err(err).Msg("failed to render QR code")
	}
	c.JSON(http.StatusOK, resp)
}

func qrDataURL(url string) (string, error) {
	key, err := otp.NewKeyFromURL(url)
	if err != nil {
		return "", err
	}
	img, err := key.Image(200, 200)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// EnableTOTP enables 2FA after verifying the TOTP code
func (h *TwoFAHandler) EnableTOTP(c *gin.Context) {
	user := middleware.CurrentUser(c)
	var req VerifyTOTPRequest
	if !bindJSON(c, &req) {
		return
	}
	if err := h.authService.EnableTOTP(user.ID, req.Code); err != nil {
		h.respondError(c, err)
		return
	}
	h.record(c, "enable_2fa", "auth", user.ID, nil)
	c.JSON(http.StatusOK, gin.H{"message": "2FA enabled successfully", "enabled": true})
}

// DisableTOTP disables 2FA after verifying the TOTP code
func (h *TwoFAHandler) DisableTOTP(c *gin.Context) {
	user := middleware.CurrentUser(c)
	var req VerifyTOTPRequest
	if !bindJSON(c, &req) {
		return
	}
	if err := h.authService.DisableTOTP(user.ID, req.Code); err != nil {
		h.respondError(c, err)
		return
	}
	h.record(c, "disable_2fa", "auth", user.ID, nil)
	c.JSON(http.StatusOK, gin.H{"message": "2FA disabled successfully", "enabled": false})
}

// GetStatus returns the current 2FA status
func (h *TwoFAHandler) GetStatus(c *gin.Context) {
	user := middleware.CurrentUser(c)
	c.JSON(http.StatusOK, gin.H{
		"enabled": user.TOTPEnabled,
		"setup":   user.TOTPSecret != "",
	})
}
