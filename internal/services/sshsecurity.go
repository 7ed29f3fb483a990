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
	"github.com/pandeptwidyaop/devflow/internal/models"
	"github.com/pandeptwidyaop/devflow/internal/remote"
	"github.com/pandeptwidyaop/devflow/internal/sshconfig"
	"github.com/pandeptwidyaop/devflow/internal/validation"
)

var (
	ErrSSHCommandFailed = errors.New("ssh command failed")
	ErrSSHInvalidConfig = errors.New("sshd rejected the configuration")
)

// Security event types.
const (
	EventSSHConfigSynced  = "ssh_config_synced"
	EventSSHConfigUpdated = "ssh_config_updated"
	EventSSHPortChanged   = "ssh_port_changed"
	EventSSHHardened      = "ssh_hardened"
	EventSSHRestarted     = "ssh_restarted"
	EventSSHUpdateFailed  = "ssh_update_failed"
)

// SSHSecurityService reads and edits sshd_config on managed servers.
type SSHSecurityService struct {
	db      *database.DB
	servers *ServerService
	path    string
	logger  zerolog.Logger
	now     func() time.Time
}

func NewSSHSecurityService(db *database.DB, servers *ServerService, logger zerolog.Logger) *SSHSecurityService {
	return &SSHSecurityService{
		db:      db,
		servers: servers,
		path:    sshconfig.Path,
		logger:  logger.With().Str("component", "ssh-security").Logger(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SSHStatus is the stored configuration plus its score.
type SSHStatus struct {
	Config *models.SSHConfiguration `json:"config"`
	Issues []string                 `json:"issues"`
	Score  int                      `json:"score"`
}

func (s *SSHSecurityService) read(ctx context.Context, srv *models.Server) (string, error) {
	res, err := s.servers.Run(ctx, srv, remote.Command{Script: "cat " + remote.Quote(s.path), Timeout: 30 * time.Second})
	if err != nil {
		return "", err
	}
	if !res.Success() {
		return "", fmt.Errorf("%w: %s", ErrSSHCommandFailed, strings.TrimSpace(res.Stderr))
	}
	return res.Stdout, nil
}

// write replaces the config after a timestamped backup and restores that
// backup when sshd -t rejects the result.
func (s *SSHSecurityService) write(ctx context.Context, srv *models.Server, content string) error {
	path := remote.Quote(s.path)
	backup := remote.Quote(s.path + ".bak." + s.now().Format("20060102150405"))
	script := fmt.Sprintf("cp %s %s && cat > %s && (sshd -t || { cp %s %s; echo 'invalid sshd configuration' >&2; exit 3; })",
		path, backup, path, backup, path)
	res, err := s.servers.Run(ctx, srv, remote.Command{Script: script, Stdin: strings.NewReader(content), Timeout: 30 * time.Second})
	if err != nil {
		return err
	}
	switch {
	case res.ExitCode == 3:
		return fmt.Errorf("%w: %s", ErrSSHInvalidConfig, strings.TrimSpace(res.Stderr))
	case !res.Success():
		return fmt.Errorf("%w: %s", ErrSSHCommandFailed, strings.TrimSpace(res.Stderr))
	}
	return nil
}

func (s *SSHSecurityService) save(serverID int64, st sshconfig.Settings) (*models.SSHConfiguration, error) {
	now := s.now()
	_, err := s.db.Exec(`
		INSERT INTO ssh_configurations (server_id, port, root_login_enabled, password_auth_enabled, pubkey_auth_enabled,
			max_auth_tries, x11_forwarding, login_grace_time, last_synced_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(server_id) DO UPDATE SET port = excluded.port, root_login_enabled = excluded.root_login_enabled,
			password_auth_enabled = excluded.password_auth_enabled, pubkey_auth_enabled = excluded.pubkey_auth_enabled,
			max_auth_tries = excluded.max_auth_tries, x11_forwarding = excluded.x11_forwarding,
			login_grace_time = excluded.login_grace_time, last_synced_at = excluded.last_synced_at,
			updated_at = excluded.updated_at`,
		serverID, st.Port, st.RootLoginEnabled, st.PasswordAuthEnabled, st.PubkeyAuthEnabled,
		st.MaxAuthTries, st.X11Forwarding, st.LoginGraceTime, now, now,
	)
	if err != nil {
		return nil, err
	}
	return s.Get(serverID)
}

// Get returns the stored configuration, or defaults when the server was
// never synced.
func (s *SSHSecurityService) Get(serverID int64) (*models.SSHConfiguration, error) {
	var c models.SSHConfiguration
	var synced sql.NullTime
	err := s.db.QueryRow(`SELECT id, server_id, port, root_login_enabled, password_auth_enabled, pubkey_auth_enabled,
		max_auth_tries, x11_forwarding, login_grace_time, last_synced_at, updated_at
		FROM ssh_configurations WHERE server_id = ?`, serverID).Scan(
		&c.ID, &c.ServerID, &c.Port, &c.RootLoginEnabled, &c.PasswordAuthEnabled, &c.PubkeyAuthEnabled,
		&c.MaxAuthTries, &c.X11Forwarding, &c.LoginGraceTime, &synced, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := s.servers.Get(serverID); err != nil {
			return nil, err
		}
		d := sshconfig.Defaults()
		return &models.SSHConfiguration{
			ServerID: serverID, Port: d.Port, MaxAuthTries: d.MaxAuthTries, LoginGraceTime: d.LoginGraceTime,
			RootLoginEnabled: d.RootLoginEnabled, PasswordAuthEnabled: d.PasswordAuthEnabled,
			PubkeyAuthEnabled: d.PubkeyAuthEnabled, X11Forwarding: d.X11Forwarding,
		}, nil
	}
	if err != nil {
		return nil, err
	}
	c.LastSyncedAt = timePtr(synced)
	return &c, nil
}

// Status returns the stored configuration with its security score.
func (s *SSHSecurityService) Status(serverID int64) (*SSHStatus, error) {
	c, err := s.Get(serverID)
	if err != nil {
		return nil, err
	}
	score, issues := sshconfig.Score(settingsOf(c))
	if issues == nil {
		issues = []string{}
	}
	return &SSHStatus{Config: c, Score: score, Issues: issues}, nil
}

func settingsOf(c *models.SSHConfiguration) sshconfig.Settings {
	return sshconfig.Settings{
		Port:                c.Port,
		MaxAuthTries:        c.MaxAuthTries,
		LoginGraceTime:      c.LoginGraceTime,
		RootLoginEnabled:    c.RootLoginEnabled,
		PasswordAuthEnabled: c.PasswordAuthEnabled,
		PubkeyAuthEnabled:   c.PubkeyAuthEnabled,
		X11Forwarding:       c.X11Forwarding,
	}
}

// LoadSSHConfig reads sshd_config from the server and stores it.
func (s *SSHSecurityService) LoadSSHConfig(ctx context.Context, serverID int64, userID *int64) (*models.SSHConfiguration, error) {
	srv, err := s.servers.Get(serverID)
	if err != nil {
		return nil, err
	}
	content, err := s.read(ctx, srv)
	if err != nil {
		return nil, err
	}
	c, err := s.save(serverID, sshconfig.Parse(content))
	if err != nil {
		return nil, err
	}
	s.logEvent(&serverID, userID, EventSSHConfigSynced, "Loaded "+s.path)
	return c, nil
}

// UpdateConfig applies the requested settings, validates them with sshd -t
// and stores the result. sshd is not restarted.
func (s *SSHSecurityService) UpdateConfig(ctx context.Context, serverID int64, userID *int64, req models.UpdateSSHConfigRequest) (*models.SSHConfiguration, error) {
	if req.Port != nil {
		if err := validation.ValidateSSHPort(*req.Port); err != nil {
			return nil, err
		}
	}
	if req.MaxAuthTries != nil {
		if err := sshconfig.ValidateMaxAuthTries(*req.MaxAuthTries); err != nil {
			return nil, err
		}
	}
	srv, err := s.servers.Get(serverID)
	if err != nil {
		return nil, err
	}
	content, err := s.read(ctx, srv)
	if err != nil {
		return nil, err
	}
	current := sshconfig.Parse(content)
	desired := current
	if req.Port != nil {
		desired.Port = *req.Port
	}
	desired.RootLoginEnabled = boolOr(req.RootLoginEnabled, desired.RootLoginEnabled)
	desired.PasswordAuthEnabled = boolOr(req.PasswordAuthEnabled, desired.PasswordAuthEnabled)
	desired.PubkeyAuthEnabled = boolOr(req.PubkeyAuthEnabled, desired.PubkeyAuthEnabled)
	desired.X11Forwarding = boolOr(req.X11Forwarding, desired.X11Forwarding)
	desired.MaxAuthTries = intOr(req.MaxAuthTries, desired.MaxAuthTries)
	desired.LoginGraceTime = intOr(req.LoginGraceTime, desired.LoginGraceTime)

	changes := sshconfig.Diff(current, desired)
	if len(changes) == 0 {
		return s.save(serverID, current)
	}
	return s.applyChanges(ctx, srv, userID, content, changes, EventSSHConfigUpdated)
}

func (s *SSHSecurityService) applyChanges(ctx context.Context, srv *models.Server, userID *int64, content string, changes []sshconfig.Change, event string) (*models.SSHConfiguration, error) {
	updated := sshconfig.Apply(content, changes)
	parts := make([]string, len(changes))
	for i, c := range changes {
		parts[i] = c.String()
	}
	details := strings.Join(parts, ", ")

	if err := s.write(ctx, srv, updated); err != nil {
		s.logEvent(&srv.ID, userID, EventSSHUpdateFailed, details+": "+err.Error())
		return nil, err
	}
	c, err := s.save(srv.ID, sshconfig.Parse(updated))
	if err != nil {
		return nil, err
	}
	s.logEvent(&srv.ID, userID, event, details)
	s.logger.Info().Int64("server_id", srv.ID).Str("changes", details).Msg("sshd_config updated")
	return c, nil
}

// ChangePort moves sshd to port.
func (s *SSHSecurityService) ChangePort(ctx context.Context, serverID int64, userID *int64, port int) (*models.SSHConfiguration, error) {
	if err := validation.ValidateSSHPort(port); err != nil {
		return nil, err
	}
	srv, err := s.servers.Get(serverID)
	if err != nil {
		return nil, err
	}
	content, err := s.read(ctx, srv)
	if err != nil {
		return nil, err
	}
	return s.applyChanges(ctx, srv, userID, content, []sshconfig.Change{{Key: "Port", Value: strconv.Itoa(port)}}, EventSSHPortChanged)
}

func (s *SSHSecurityService) toggle(ctx context.Context, serverID int64, userID *int64, key string, enabled func(sshconfig.Settings) bool) (*models.SSHConfiguration, error) {
	srv, err := s.servers.Get(serverID)
	if err != nil {
		return nil, err
	}
	content, err := s.read(ctx, srv)
	if err != nil {
		return nil, err
	}
	value := "yes"
	if enabled(sshconfig.Parse(content)) {
		value = "no"
	}
	return s.applyChanges(ctx, srv, userID, content, []sshconfig.Change{{Key: key, Value: value}}, EventSSHConfigUpdated)
}

func (s *SSHSecurityService) ToggleRootLogin(ctx context.Context, serverID int64, userID *int64) (*models.SSHConfiguration, error) {
	return s.toggle(ctx, serverID, userID, "PermitRootLogin", func(st sshconfig.Settings) bool { return st.RootLoginEnabled })
}

func (s *SSHSecurityService) TogglePasswordAuth(ctx context.Context, serverID int64, userID *int64) (*models.SSHConfiguration, error) {
	return s.toggle(ctx, serverID, userID, "PasswordAuthentication", func(st sshconfig.Settings) bool { return st.PasswordAuthEnabled })
}

// HardenSSH applies the hardening preset.
func (s *SSHSecurityService) HardenSSH(ctx context.Context, serverID int64, userID *int64) (*models.SSHConfiguration, error) {
	srv, err := s.servers.Get(serverID)
	if err != nil {
		return nil, err
	}
	content, err := s.read(ctx, srv)
	if err != nil {
		return nil, err
	}
	return s.applyChanges(ctx, srv, userID, content, sshconfig.HardeningChanges(), EventSSHHardened)
}

// RestartSSH restarts sshd under either of its common unit names.
func (s *SSHSecurityService) RestartSSH(ctx context.Context, serverID int64, userID *int64) error {
	srv, err := s.servers.Get(serverID)
	if err != nil {
		return err
	}
	res, err := s.servers.Run(ctx, srv, remote.Command{
		Script:  "systemctl restart sshd 2>/dev/null || systemctl restart ssh 2>/dev/null || service ssh restart",
		Timeout: time.Minute,
	})
	if err != nil {
		return err
	}
	if !res.Success() {
		return fmt.Errorf("%w: %s", ErrSSHCommandFailed, strings.TrimSpace(res.Stderr))
	}
	s.logEvent(&serverID, userID, EventSSHRestarted, "sshd restarted")
	return nil
}

// ValidateConfig runs sshd -t and returns its verdict and output.
func (s *SSHSecurityService) ValidateConfig(ctx context.Context, serverID int64) (bool, string, error) {
	srv, err := s.servers.Get(serverID)
	if err != nil {
		return false, "", err
	}
	res, err := s.servers.Run(ctx, srv, remote.Command{Script: "sshd -t", Timeout: 30 * time.Second})
	if err != nil {
		return false, "", err
	}
	out := strings.TrimSpace(res.Stdout + res.Stderr)
	if res.Success() && out == "" {
		out = "Configuration is valid"
	}
	return res.Success(), out, nil
}

func (s *SSHSecurityService) logEvent(serverID, userID *int64, eventType, details string) {
	logSecurityEvent(s.db, s.logger, s.now(), serverID, userID, eventType, details)
}

func logSecurityEvent(db *database.DB, logger zerolog.Logger, at time.Time, serverID, userID *int64, eventType, details string) {
	_, err := db.Exec("INSERT INTO security_events (server_id, event_type, details, user_id, created_at) VALUES (?, ?, ?, ?, ?)",
		serverID, eventType, details, userID, at)
	if err != nil {
		logger.Error().Err(err).Str("event", eventType).Msg("failed to record security event")
	}
}

// Events lists recent security events, newest first. A zero serverID lists
// every server.
func (s *SSHSecurityService) Events(serverID int64, limit int) ([]models.SecurityEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	query := "SELECT id, server_id, user_id, event_type, COALESCE(details, ''), created_at FROM security_events"
	args := []any{}
	if serverID != 0 {
		query += " WHERE server_id = ?"
		args = append(args, serverID)
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]models.SecurityEvent, 0)
	for rows.Next() {
		var e models.SecurityEvent
		var sid, uid sql.NullInt64
		if err := rows.Scan(&e.ID, &sid, &uid, &e.EventType, &e.Details, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.ServerID = nullInt64(sid)
		e.UserID = nullInt64(uid)
		events = append(events, e)
	}
	return events, rows.Err()
}
