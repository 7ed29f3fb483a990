package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/pandeptwidyaop/devflow/internal/database"
	"github.com/pandeptwidyaop/devflow/internal/hostsec"
	"github.com/pandeptwidyaop/devflow/internal/models"
	"github.com/pandeptwidyaop/devflow/internal/remote"
)

var (
	ErrUFWNotInstalled  = errors.New("ufw is not installed")
	ErrFirewallCommand  = errors.New("firewall command failed")
	ErrRangeNeedsProto  = errors.New("port ranges need tcp or udp")
	ErrInvalidRuleIndex = errors.New("rule number must be positive")
)

const (
	EventFirewallEnabled     = "firewall_enabled"
	EventFirewallDisabled    = "firewall_disabled"
	EventFirewallRuleAdded   = "firewall_rule_added"
	EventFirewallRuleDeleted = "firewall_rule_deleted"
)

// privileged prefixes cmd with non-interactive sudo unless the server logs
// in as root.
func privileged(srv *models.Server, cmd string) string {
	if srv == nil || srv.Username == "" || srv.Username == "root" {
		return cmd
	}
	return "sudo -n " + cmd
}

// notInstalled reports whether a command failed because the binary is missing.
func notInstalled(res *remote.Result) bool {
	return res.ExitCode == 127 || strings.Contains(res.Stdout+res.Stderr, "command not found")
}

// FirewallService drives ufw on managed servers.
type FirewallService struct {
	db      *database.DB
	servers *ServerService
	logger  zerolog.Logger
	now     func() time.Time
}

func NewFirewallService(db *database.DB, servers *ServerService, logger zerolog.Logger) *FirewallService {
	return &FirewallService{
		db:      db,
		servers: servers,
		logger:  logger.With().Str("component", "firewall").Logger(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *FirewallService) exec(ctx context.Context, serverID int64, cmd string) (*remote.Result, error) {
	srv, err := s.servers.Get(serverID)
	if err != nil {
		return nil, err
	}
	res, err := s.servers.Run(ctx, srv, remote.Command{Script: privileged(srv, cmd), Timeout: 30 * time.Second})
	if err != nil {
		return nil, err
	}
	if notInstalled(res) {
		return nil, ErrUFWNotInstalled
	}
	if !res.Success() {
		return nil, fmt.Errorf("%w: %s", ErrFirewallCommand, truncate(strings.TrimSpace(res.Stderr+res.Stdout), 500))
	}
	return res, nil
}

// Status reads `ufw status verbose`. A missing ufw is reported, not returned
// as an error.
func (s *FirewallService) Status(ctx context.Context, serverID int64) (*hostsec.UFWStatus, error) {
	res, err := s.exec(ctx, serverID, "ufw status verbose")
	if errors.Is(err, ErrUFWNotInstalled) {
		return &hostsec.UFWStatus{Rules: []hostsec.UFWRule{}}, nil
	}
	if err != nil {
		return nil, err
	}
	st := hostsec.ParseUFWStatus(res.Stdout)
	return &st, nil
}

// Rules lists the numbered rules used by DeleteRule.
func (s *FirewallService) Rules(ctx context.Context, serverID int64) ([]hostsec.UFWRule, error) {
	res, err := s.exec(ctx, serverID, "ufw status numbered")
	if err != nil {
		return nil, err
	}
	return hostsec.ParseNumberedRules(res.Stdout), nil
}

// RuleCommand builds the ufw invocation for a rule. Input must already be
// validated.
func RuleCommand(action, port, protocol, from string) string {
	if from != "" {
		cmd := fmt.Sprintf("ufw %s from %s to any port %s", action, from, port)
		if protocol != "any" {
			cmd += " proto " + protocol
		}
		return cmd
	}
	if protocol == "any" {
		return fmt.Sprintf("ufw %s %s", action, port)
	}
	return fmt.Sprintf("ufw %s %s/%s", action, port, protocol)
}

// AddRule validates and applies a rule, then records it.
func (s *FirewallService) AddRule(ctx context.Context, serverID int64, userID *int64, req models.AddFirewallRuleRequest) (*models.FirewallRule, error) {
	if req.Protocol == "" {
		req.Protocol = "tcp"
	}
	if req.Action == "" {
		req.Action = "allow"
	}
	if err := hostsec.ValidatePort(req.Port); err != nil {
		return nil, err
	}
	if err := hostsec.ValidateProtocol(req.Protocol); err != nil {
		return nil, err
	}
	if err := hostsec.ValidateAction(req.Action); err != nil {
		return nil, err
	}
	if req.FromIP != "" {
		if err := hostsec.ValidateSource(req.FromIP); err != nil {
			return nil, err
		}
	}
	if strings.Contains(req.Port, ":") && req.Protocol == "any" {
		return nil, ErrRangeNeedsProto
	}

	cmd := RuleCommand(req.Action, req.Port, req.Protocol, req.FromIP)
	if _, err := s.exec(ctx, serverID, cmd); err != nil {
		return nil, err
	}

	now := s.now()
	res, err := s.db.Exec(`
		INSERT INTO firewall_rules (server_id, user_id, action, protocol, port, from_ip, description, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		serverID, userID, req.Action, req.Protocol, req.Port, nullString(req.FromIP), nullString(req.Description), now)
	if err != nil {
		return nil, err
	}
	id, _ := res.LastInsertId()
	logSecurityEvent(s.db, s.logger, now, &serverID, userID, EventFirewallRuleAdded, cmd)
	s.logger.Info().Int64("server_id", serverID).Str("rule", cmd).Msg("firewall rule added")
	return &models.FirewallRule{
		ID: id, ServerID: serverID, UserID: userID, Action: req.Action, Protocol: req.Protocol, Port: req.Port,
		FromIP: req.FromIP, Description: req.Description, CreatedAt: now,
	}, nil
}

// DeleteRule removes a rule by its `ufw status numbered` index.
func (s *FirewallService) DeleteRule(ctx context.Context, serverID int64, userID *int64, number int) error {
	if number < 1 {
		return ErrInvalidRuleIndex
	}
	if _, err := s.exec(ctx, serverID, "ufw --force delete "+strconv.Itoa(number)); err != nil {
		return err
	}
	logSecurityEvent(s.db, s.logger, s.now(), &serverID, userID, EventFirewallRuleDeleted, "rule "+strconv.Itoa(number))
	return nil
}

func (s *FirewallService) Enable(ctx context.Context, serverID int64, userID *int64) error {
	if _, err := s.exec(ctx, serverID, "ufw --force enable"); err != nil {
		return err
	}
	logSecurityEvent(s.db, s.logger, s.now(), &serverID, userID, EventFirewallEnabled, "")
	s.logger.Info().Int64("server_id", serverID).Msg("firewall enabled")
	return nil
}

func (s *FirewallService) Disable(ctx context.Context, serverID int64, userID *int64) error {
	if _, err := s.exec(ctx, serverID, "ufw disable"); err != nil {
		return err
	}
	logSecurityEvent(s.db, s.logger, s.now(), &serverID, userID, EventFirewallDisabled, "")
	s.logger.Warn().Int64("server_id", serverID).Msg("firewall disabled")
	return nil
}

// History lists rules added through DevFlow, newest first.
func (s *FirewallService) History(serverID int64) ([]models.FirewallRule, error) {
	rows, err := s.db.Query(`
		SELECT id, server_id, user_id, action, protocol, port, COALESCE(from_ip, ''), COALESCE(description, ''), created_at
		FROM firewall_rules WHERE server_id = ? ORDER BY created_at DESC, id DESC`, serverID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rules := []models.FirewallRule{}
	for rows.Next() {
		var r models.FirewallRule
		var uid sql.NullInt64
		if err := rows.Scan(&r.ID, &r.ServerID, &uid, &r.Action, &r.Protocol, &r.Port, &r.FromIP, &r.Description, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.UserID = nullInt64(uid)
		rules = append(rules, r)
	}
	return rules, rows.Err()
}
