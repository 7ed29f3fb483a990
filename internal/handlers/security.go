package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/pandeptwidyaop/devflow/internal/hostsec"
	"github.com/pandeptwidyaop/devflow/internal/models"
	"github.com/pandeptwidyaop/devflow/internal/services"
)

// SecurityHandler exposes ufw, fail2ban and the security score of a server.
type SecurityHandler struct {
	handlerBase
	firewall *services.FirewallService
	fail2ban *services.Fail2banService
	scores   *services.SecurityScoreService
}

func NewSecurityHandler(firewall *services.FirewallService, fail2ban *services.Fail2banService, scores *services.SecurityScoreService,
	audit *services.AuditService, logger zerolog.Logger) *SecurityHandler {
	return &SecurityHandler{
		handlerBase: handlerBase{audit: audit, logger: logger},
		firewall:    firewall,
		fail2ban:    fail2ban,
		scores:      scores,
	}
}

// serve runs fn for the :id server and writes its result.
func serve[T any](h *SecurityHandler, c *gin.Context, fn func(id int64) (T, error)) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	v, err := fn(id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

// act runs a state-changing fn and audits it.
func (h *SecurityHandler) act(c *gin.Context, action, message string, fn func(id int64) error) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	if err := fn(id); err != nil {
		h.respondError(c, err)
		return
	}
	h.record(c, action, "server", id, nil)
	c.JSON(http.StatusOK, gin.H{"message": message})
}

func (h *SecurityHandler) Overview(c *gin.Context) {
	serve(h, c, func(id int64) (*services.SecurityOverview, error) {
		return h.scores.Overview(c.Request.Context(), id)
	})
}

func (h *SecurityHandler) FirewallStatus(c *gin.Context) {
	serve(h, c, func(id int64) (*hostsec.UFWStatus, error) {
		return h.firewall.Status(c.Request.Context(), id)
	})
}

func (h *SecurityHandler) FirewallRules(c *gin.Context) {
	serve(h, c, func(id int64) ([]hostsec.UFWRule, error) {
		return h.firewall.Rules(c.Request.Context(), id)
	})
}

func (h *SecurityHandler) FirewallHistory(c *gin.Context) {
	serve(h, c, h.firewall.History)
}

func (h *SecurityHandler) AddFirewallRule(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req models.AddFirewallRuleRequest
	if !bindJSON(c, &req) {
		return
	}
	rule, err := h.firewall.AddRule(c.Request.Context(), id, userID(c), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.record(c, "firewall_rule_add", "server", id, map[string]interface{}{"port": rule.Port, "action": rule.Action})
	c.JSON(http.StatusCreated, rule)
}

func (h *SecurityHandler) DeleteFirewallRule(c *gin.Context) {
	number, err := strconv.Atoi(c.Param("number"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid rule number"})
		return
	}
	h.act(c, "firewall_rule_delete", "Firewall rule deleted", func(id int64) error {
		return h.firewall.DeleteRule(c.Request.Context(), id, userID(c), number)
	})
}

func (h *SecurityHandler) EnableFirewall(c *gin.Context) {
	h.act(c, "firewall_enable", "Firewall enabled", func(id int64) error {
		return h.firewall.Enable(c.Request.Context(), id, userID(c))
	})
}

func (h *SecurityHandler) DisableFirewall(c *gin.Context) {
	h.act(c, "firewall_disable", "Firewall disabled", func(id int64) error {
		return h.firewall.Disable(c.Request.Context(), id, userID(c))
	})
}

func (h *SecurityHandler) Fail2banStatus(c *gin.Context) {
	serve(h, c, func(id int64) (*services.Fail2banStatus, error) {
		return h.fail2ban.Status(c.Request.Context(), id)
	})
}

func (h *SecurityHandler) BannedIPs(c *gin.Context) {
	serve(h, c, func(id int64) ([]hostsec.JailStatus, error) {
		return h.fail2ban.BannedIPs(c.Request.Context(), id)
	})
}

func (h *SecurityHandler) ban(c *gin.Context, action string, fn func(id int64, req models.BanRequest) error) {
	if _, ok := paramID(c, "id"); !ok {
		return
	}
	var req models.BanRequest
	if !bindJSON(c, &req) {
		return
	}
	h.act(c, action, "OK", func(id int64) error { return fn(id, req) })
}

func (h *SecurityHandler) BanIP(c *gin.Context) {
	h.ban(c, "fail2ban_ban", func(id int64, req models.BanRequest) error {
		return h.fail2ban.Ban(c.Request.Context(), id, userID(c), req)
	})
}

func (h *SecurityHandler) UnbanIP(c *gin.Context) {
	h.ban(c, "fail2ban_unban", func(id int64, req models.BanRequest) error {
		return h.fail2ban.Unban(c.Request.Context(), id, userID(c), req)
	})
}

func (h *SecurityHandler) StartFail2ban(c *gin.Context) {
	h.act(c, "fail2ban_start", "Fail2ban started", func(id int64) error {
		return h.fail2ban.Start(c.Request.Context(), id, userID(c))
	})
}

func (h *SecurityHandler) StopFail2ban(c *gin.Context) {
	h.act(c, "fail2ban_stop", "Fail2ban stopped", func(id int64) error {
		return h.fail2ban.Stop(c.Request.Context(), id, userID(c))
	})
}

// Scan runs a security scan synchronously; it takes a few seconds per server.
func (h *SecurityHandler) Scan(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	scan, err := h.scores.Scan(c.Request.Context(), id, userID(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.record(c, "security_scan", "server", id, map[string]interface{}{"score": scan.Score})
	c.JSON(http.StatusOK, scan)
}

func (h *SecurityHandler) Scans(c *gin.Context) {
	serve(h, c, func(id int64) ([]*models.SecurityScan, error) {
		return h.scores.List(id, queryInt(c, "limit", 20))
	})
}

func (h *SecurityHandler) LatestScan(c *gin.Context) {
	serve(h, c, h.scores.Latest)
}
