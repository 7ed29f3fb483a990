package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/pandeptwidyaop/devflow/internal/database"
	"github.com/pandeptwidyaop/devflow/internal/hostsec"
	"github.com/pandeptwidyaop/devflow/internal/models"
	"github.com/pandeptwidyaop/devflow/internal/remote"
	"github.com/pandeptwidyaop/devflow/internal/sshconfig"
)

var ErrSecurityScanNotFound = errors.New("security scan not found")

const EventSecurityScan = "security_scan"

// updatesScript prints the pending security and total package updates.
const updatesScript = `apt list --upgradable 2>/dev/null | awk '/upgradable/{t++} /-security/{s++} END{print s+0, t+0}'`

const (
	scanStatusCompleted = "completed"
	scanStatusFailed    = "failed"
)

// SecurityScoreService scores a server from its firewall, fail2ban, sshd,
// listening ports and pending updates, and keeps the scan history.
type SecurityScoreService struct {
	db       *database.DB
	servers  *ServerService
	firewall *FirewallService
	fail2ban *Fail2banService
	ssh      *SSHSecurityService
	logger   zerolog.Logger
	now      func() time.Time
}

func NewSecurityScoreService(db *database.DB, servers *ServerService, firewall *FirewallService, fail2ban *Fail2banService,
	ssh *SSHSecurityService, logger zerolog.Logger) *SecurityScoreService {
	return &SecurityScoreService{
		db:       db,
		servers:  servers,
		firewall: firewall,
		fail2ban: fail2ban,
		ssh:      ssh,
		logger:   logger.With().Str("component", "security-score").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// OpenPorts lists the distinct ports with a listening socket.
func (s *SecurityScoreService) OpenPorts(ctx context.Context, serverID int64) ([]int, error) {
	srv, err := s.servers.Get(serverID)
	if err != nil {
		return nil, err
	}
	res, err := s.servers.Run(ctx, srv, remote.Command{Script: "ss -tulnH", Timeout: 30 * time.Second})
	if err != nil {
		return nil, err
	}
	if !res.Success() {
		return nil, fmt.Errorf("list sockets: %s", truncate(strings.TrimSpace(res.Stderr), 500))
	}
	return hostsec.ParseListeningPorts(res.Stdout), nil
}

func (s *SecurityScoreService) updates(ctx context.Context, srv *models.Server) (security, total int) {
	res, err := s.servers.Run(ctx, srv, remote.Command{Script: updatesScript, Timeout: 2 * time.Minute})
	if err != nil || !res.Success() {
		return 0, 0
	}
	fmt.Sscan(res.Stdout, &security, &total)
	return security, total
}

func (s *SecurityScoreService) sshSettings(ctx context.Context, serverID int64, userID *int64) *sshconfig.Settings {
	c, err := s.ssh.LoadSSHConfig(ctx, serverID, userID)
	if err != nil {
		s.logger.Warn().Err(err).Int64("server_id", serverID).Msg("could not read sshd_config, using last sync")
		if c, err = s.ssh.Get(serverID); err != nil || c.LastSyncedAt == nil {
			return nil
		}
	}
	st := settingsOf(c)
	return &st
}

// Collect gathers findings from the server. Only transport errors on the
// firewall read abort it; missing tools count as findings.
func (s *SecurityScoreService) Collect(ctx context.Context, serverID int64, userID *int64) (*hostsec.Findings, error) {
	srv, err := s.servers.Get(serverID)
	if err != nil {
		return nil, err
	}
	fw, err := s.firewall.Status(ctx, serverID)
	if err != nil {
		return nil, fmt.Errorf("firewall: %w", err)
	}
	f := &hostsec.Findings{
		Firewall:      fw.Enabled,
		FirewallFound: fw.Installed,
		FirewallRules: len(fw.Rules),
		Jails:         []string{},
		OpenPorts:     []int{},
	}
	if f2b, err := s.fail2ban.Status(ctx, serverID); err == nil {
		f.Fail2ban, f.Fail2banFound, f.Jails = f2b.Running, f2b.Installed, f2b.Jails
	} else {
		s.logger.Warn().Err(err).Int64("server_id", serverID).Msg("fail2ban status failed")
	}
	if ports, err := s.OpenPorts(ctx, serverID); err == nil {
		f.OpenPorts = ports
	} else {
		s.logger.Warn().Err(err).Int64("server_id", serverID).Msg("listing sockets failed")
	}
	f.SSH = s.sshSettings(ctx, serverID, userID)
	f.SecurityUpdates, f.TotalUpdates = s.updates(ctx, srv)
	return f, nil
}

// Scan collects findings, scores them and stores the result.
func (s *SecurityScoreService) Scan(ctx context.Context, serverID int64, userID *int64) (*models.SecurityScan, error) {
	if _, err := s.servers.Get(serverID); err != nil {
		return nil, err
	}
	f, err := s.Collect(ctx, serverID, userID)
	if err != nil {
		if _, dbErr := s.db.Exec(`INSERT INTO security_scans (server_id, user_id, status, error_message, completed_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`, serverID, userID, scanStatusFailed, truncate(err.Error(), 2000), s.now(), s.now()); dbErr != nil {
			s.logger.Error().Err(dbErr).Int64("server_id", serverID).Msg("failed to record security scan failure")
		}
		return nil, err
	}

	score := hostsec.Score(*f)
	risk := hostsec.RiskLevel(score)
	findings, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	breakdown, err := json.Marshal(hostsec.Breakdown(*f))
	if err != nil {
		return nil, err
	}
	recs, err := json.Marshal(hostsec.Recommendations(*f))
	if err != nil {
		return nil, err
	}
	now := s.now()
	res, err := s.db.Exec(`
		INSERT INTO security_scans (server_id, user_id, status, score, risk_level, findings, breakdown, recommendations,
			completed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		serverID, userID, scanStatusCompleted, score, risk, string(findings), string(breakdown), string(recs), now, now)
	if err != nil {
		return nil, err
	}
	id, _ := res.LastInsertId()
	logSecurityEvent(s.db, s.logger, now, &serverID, userID, EventSecurityScan, fmt.Sprintf("score %d (%s)", score, risk))
	s.logger.Info().Int64("server_id", serverID).Int("score", score).Str("risk", risk).Msg("security scan completed")
	return s.Get(id)
}

const securityScanColumns = `id, server_id, user_id, status, COALESCE(score, 0), COALESCE(risk_level, ''), findings, breakdown,
	recommendations, COALESCE(error_message, ''), completed_at, created_at`

func scanSecurityScan(row scanner) (*models.SecurityScan, error) {
	var sc models.SecurityScan
	var uid sql.NullInt64
	var findings, breakdown, recs sql.NullString
	var completed sql.NullTime
	if err := row.Scan(&sc.ID, &sc.ServerID, &uid, &sc.Status, &sc.Score, &sc.RiskLevel, &findings, &breakdown,
		&recs, &sc.ErrorMessage, &completed, &sc.CreatedAt); err != nil {
		return nil, err
	}
	sc.UserID = nullInt64(uid)
	sc.CompletedAt = timePtr(completed)
	for _, f := range []struct {
		raw sql.NullString
		dst *json.RawMessage
	}{{findings, &sc.Findings}, {breakdown, &sc.Breakdown}, {recs, &sc.Recommendations}} {
		if f.raw.Valid {
			*f.dst = json.RawMessage(f.raw.String)
		}
	}
	return &sc, nil
}

func (s *SecurityScoreService) Get(id int64) (*models.SecurityScan, error) {
	sc, err := scanSecurityScan(s.db.QueryRow("SELECT "+securityScanColumns+" FROM security_scans WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSecurityScanNotFound
	}
	return sc, err
}

// Latest returns the newest completed scan of a server.
func (s *SecurityScoreService) Latest(serverID int64) (*models.SecurityScan, error) {
	sc, err := scanSecurityScan(s.db.QueryRow("SELECT "+securityScanColumns+
		" FROM security_scans WHERE server_id = ? AND status = ? ORDER BY created_at DESC, id DESC LIMIT 1",
		serverID, scanStatusCompleted))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSecurityScanNotFound
	}
	return sc, err
}

func (s *SecurityScoreService) List(serverID int64, limit int) ([]*models.SecurityScan, error) {
	if limit <= 0 || limit > 200 {
		limit = 20
	}
	rows, err := s.db.Query("SELECT "+securityScanColumns+
		" FROM security_scans WHERE server_id = ? ORDER BY created_at DESC, id DESC LIMIT ?", serverID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	scans := []*models.SecurityScan{}
	for rows.Next() {
		sc, err := scanSecurityScan(rows)
		if err != nil {
			return nil, err
		}
		scans = append(scans, sc)
	}
	return scans, rows.Err()
}

// SecurityOverview is the live security picture of one server.
type SecurityOverview struct {
	Firewall   *hostsec.UFWStatus   `json:"firewall"`
	Fail2ban   *Fail2banStatus      `json:"fail2ban"`
	SSH        *SSHStatus           `json:"ssh"`
	LatestScan *models.SecurityScan `json:"latest_scan"`
	OpenPorts  []int                `json:"open_ports"`
}

// Overview reads live firewall, fail2ban and socket state next to the
// stored ssh configuration and last scan.
func (s *SecurityScoreService) Overview(ctx context.Context, serverID int64) (*SecurityOverview, error) {
	fw, err := s.firewall.Status(ctx, serverID)
	if err != nil {
		return nil, err
	}
	f2b, err := s.fail2ban.Status(ctx, serverID)
	if err != nil {
		return nil, err
	}
	ports, err := s.OpenPorts(ctx, serverID)
	if err != nil {
		return nil, err
	}
	ssh, err := s.ssh.Status(serverID)
	if err != nil {
		return nil, err
	}
	latest, err := s.Latest(serverID)
	if err != nil && !errors.Is(err, ErrSecurityScanNotFound) {
		return nil, err
	}
	return &SecurityOverview{Firewall: fw, Fail2ban: f2b, SSH: ssh, LatestScan: latest, OpenPorts: ports}, nil
}
