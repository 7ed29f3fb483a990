package services

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/pandeptwidyaop/devflow/internal/database"
	"github.com/pandeptwidyaop/devflow/internal/hostsec"
	"github.com/pandeptwidyaop/devflow/internal/models"
	"github.com/pandeptwidyaop/devflow/internal/remote"
)

var (
	ErrFail2banNotInstalled = errors.New("fail2ban is not installed")
	ErrFail2banNotRunning   = errors.New("fail2ban is not running")
	ErrFail2banCommand      = errors.New("fail2ban command failed")
	ErrInvalidBanIP         = errors.New("invalid IP address")
)

const (
	EventFail2banStarted = "fail2ban_started"
	EventFail2banStopped = "fail2ban_stopped"
	EventIPBanned        = "ip_banned"
	EventIPUnbanned      = "ip_unbanned"
)

const defaultJail = "sshd"

// Fail2banStatus is the service state and its jails.
type Fail2banStatus struct {
	Jails     []string `json:"jails"`
	Installed bool     `json:"installed"`
	Running   bool     `json:"running"`
}

// Fail2banService reads and controls fail2ban on managed servers.
type Fail2banService struct {
	db      *database.DB
	servers *ServerService
	logger  zerolog.Logger
	now     func() time.Time
}

func NewFail2banService(db *database.DB, servers *ServerService, logger zerolog.Logger) *Fail2banService {
	return &Fail2banService{
		db:      db,
		servers: servers,
		logger:  logger.With().Str("component", "fail2ban").Logger(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *Fail2banService) run(ctx context.Context, serverID int64, cmd string) (*remote.Result, error) {
	srv, err := s.servers.Get(serverID)
	if err != nil {
		return nil, err
	}
	return s.servers.Run(ctx, srv, remote.Command{Script: privileged(srv, cmd) + " 2>&1", Timeout: 30 * time.Second})
}

func clientDown(out string) bool {
	out = strings.ToLower(out)
	return strings.Contains(out, "not running") || strings.Contains(out, "failed to access socket")
}

func (s *Fail2banService) client(ctx context.Context, serverID int64, args string) (string, error) {
	res, err := s.run(ctx, serverID, "fail2ban-client "+args)
	if err != nil {
		return "", err
	}
	switch {
	case notInstalled(res):
		return "", ErrFail2banNotInstalled
	case clientDown(res.Stdout):
		return "", ErrFail2banNotRunning
	case !res.Success():
		return "", fmt.Errorf("%w: %s", ErrFail2banCommand, truncate(strings.TrimSpace(res.Stdout), 500))
	}
	return res.Stdout, nil
}

// Status reports whether fail2ban is installed and running. Neither case is
// an error.
func (s *Fail2banService) Status(ctx context.Context, serverID int64) (*Fail2banStatus, error) {
	out, err := s.client(ctx, serverID, "status")
	switch {
	case errors.Is(err, ErrFail2banNotInstalled):
		return &Fail2banStatus{Jails: []string{}}, nil
	case errors.Is(err, ErrFail2banNotRunning):
		return &Fail2banStatus{Jails: []string{}, Installed: true}, nil
	case err != nil:
		return nil, err
	}
	return &Fail2banStatus{Installed: true, Running: true, Jails: hostsec.ParseJailList(out)}, nil
}

func (s *Fail2banService) Jail(ctx context.Context, serverID int64, jail string) (*hostsec.JailStatus, error) {
	if err := hostsec.ValidateJail(jail); err != nil {
		return nil, err
	}
	out, err := s.client(ctx, serverID, "status "+jail)
	if err != nil {
		return nil, err
	}
	st := hostsec.ParseJailStatus(jail, out)
	return &st, nil
}

// BannedIPs returns the status of every jail.
func (s *Fail2banService) BannedIPs(ctx context.Context, serverID int64) ([]hostsec.JailStatus, error) {
	st, err := s.Status(ctx, serverID)
	if err != nil {
		return nil, err
	}
	jails := []hostsec.JailStatus{}
	for _, name := range st.Jails {
		js, err := s.Jail(ctx, serverID, name)
		if err != nil {
			return nil, err
		}
		jails = append(jails, *js)
	}
	return jails, nil
}

func (s *Fail2banService) setBan(ctx context.Context, serverID int64, userID *int64, req models.BanRequest, op, event string) error {
	if req.Jail == "" {
		req.Jail = defaultJail
	}
	if err := hostsec.ValidateJail(req.Jail); err != nil {
		return err
	}
	if net.ParseIP(req.IP) == nil {
		return fmt.Errorf("%w: %q", ErrInvalidBanIP, req.IP)
	}
	if _, err := s.client(ctx, serverID, fmt.Sprintf("set %s %s %s", req.Jail, op, req.IP)); err != nil {
		return err
	}
	logSecurityEvent(s.db, s.logger, s.now(), &serverID, userID, event, req.Jail+" "+req.IP)
	s.logger.Info().Int64("server_id", serverID).Str("jail", req.Jail).Str("ip", req.IP).Msg(strings.ReplaceAll(event, "_", " "))
	return nil
}

func (s *Fail2banService) Ban(ctx context.Context, serverID int64, userID *int64, req models.BanRequest) error {
	return s.setBan(ctx, serverID, userID, req, "banip", EventIPBanned)
}

func (s *Fail2banService) Unban(ctx context.Context, serverID int64, userID *int64, req models.BanRequest) error {
	return s.setBan(ctx, serverID, userID, req, "unbanip", EventIPUnbanned)
}

func (s *Fail2banService) systemctl(ctx context.Context, serverID int64, userID *int64, verb, event string) error {
	res, err := s.run(ctx, serverID, "systemctl "+verb+" fail2ban")
	if err != nil {
		return err
	}
	if !res.Success() {
		return fmt.Errorf("%w: %s", ErrFail2banCommand, truncate(strings.TrimSpace(res.Stdout), 500))
	}
	logSecurityEvent(s.db, s.logger, s.now(), &serverID, userID, event, "")
	return nil
}

func (s *Fail2banService) Start(ctx context.Context, serverID int64, userID *int64) error {
	return s.systemctl(ctx, serverID, userID, "start", EventFail2banStarted)
}

func (s *Fail2banService) Stop(ctx context.Context, serverID int64, userID *int64) error {
	return s.systemctl(ctx, serverID, userID, "stop", EventFail2banStopped)
}
