package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/pandeptwidyaop/devflow/internal/database"
	"github.com/pandeptwidyaop/devflow/internal/metrics"
	"github.com/pandeptwidyaop/devflow/internal/models"
	"github.com/pandeptwidyaop/devflow/internal/remote"
)

var (
	ErrServerNotFound   = errors.New("server not found")
	ErrServerInUse      = errors.New("server still has projects assigned")
	ErrConnectionFailed = errors.New("connection test failed")
)

// ServerService manages servers and runs commands on them.
type ServerService struct {
	db     *database.DB
	crypto *CryptoService
	runner remote.Executor
	logger zerolog.Logger
	now    func() time.Time
}

func NewServerService(db *database.DB, crypto *CryptoService, runner remote.Executor, logger zerolog.Logger) *ServerService {
	return &ServerService{
		db:     db,
		crypto: crypto,
		runner: runner,
		logger: logger.With().Str("component", "servers").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

const serverColumns = `id, name, hostname, COALESCE(ip_address, ''), port, username, COALESCE(ssh_key, ''),
	COALESCE(ssh_password, ''), COALESCE(host_key, ''), status, docker_installed, COALESCE(os_info, ''),
	cpu_cores, memory_mb, disk_gb, last_ping_at, created_at, updated_at`

func scanServer(row scanner) (*models.Server, error) {
	var s models.Server
	var lastPing sql.NullTime
	err := row.Scan(&s.ID, &s.Name, &s.Hostname, &s.IPAddress, &s.Port, &s.Username, &s.SSHKey,
		&s.SSHPassword, &s.HostKey, &s.Status, &s.DockerInstalled, &s.OSInfo,
		&s.CPUCores, &s.MemoryMB, &s.DiskGB, &lastPing, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	s.LastPingAt = timePtr(lastPing)
	return &s, nil
}

func (s *ServerService) Create(req models.CreateServerRequest) (*models.Server, error) {
	if req.Port == 0 {
		req.Port = 22
	}
	if req.Username == "" {
		req.Username = "root"
	}
	key, err := s.crypto.EncryptPtr(req.SSHKey)
	if err != nil {
		return nil, err
	}
	pass, err := s.crypto.EncryptPtr(req.SSHPassword)
	if err != nil {
		return nil, err
	}

	now := s.now()
	res, err := s.db.Exec(`
		INSERT INTO servers (name, hostname, ip_address, port, username, ssh_key, ssh_password, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.Name, req.Hostname, nullString(req.IPAddress), req.Port, req.Username, key, pass, models.ServerUnknown, now, now,
	)
	if err != nil {
		return nil, err
	}
	id, _ := res.LastInsertId()
	return s.Get(id)
}

// Get returns a server with its secrets still encrypted.
func (s *ServerService) Get(id int64) (*models.Server, error) {
	srv, err := scanServer(s.db.QueryRow("SELECT "+serverColumns+" FROM servers WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrServerNotFound
	}
	return srv, err
}

func (s *ServerService) List() ([]*models.Server, error) {
	rows, err := s.db.Query("SELECT " + serverColumns + " FROM servers ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	servers := make([]*models.Server, 0)
	for rows.Next() {
		srv, err := scanServer(rows)
		if err != nil {
			return nil, err
		}
		servers = append(servers, srv)
	}
	return servers, rows.Err()
}

func (s *ServerService) Update(id int64, req models.UpdateServerRequest) (*models.Server, error) {
	srv, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if req.Name != nil {
		srv.Name = *req.Name
	}
	if req.Hostname != nil && *req.Hostname != srv.Hostname {
		srv.Hostname = *req.Hostname
		srv.HostKey = ""
	}
	if req.IPAddress != nil && *req.IPAddress != srv.IPAddress {
		srv.IPAddress = *req.IPAddress
		srv.HostKey = ""
	}
	if req.Port != nil {
		srv.Port = *req.Port
	}
	if req.Username != nil {
		srv.Username = *req.Username
	}
	if req.Status != nil {
		srv.Status = *req.Status
	}
	if req.SSHKey != nil {
		if srv.SSHKey, err = s.crypto.Encrypt(*req.SSHKey); err != nil {
			return nil, err
		}
	}
	if req.SSHPassword != nil {
		if srv.SSHPassword, err = s.crypto.Encrypt(*req.SSHPassword); err != nil {
			return nil, err
		}
	}

	_, err = s.db.Exec(`
		UPDATE servers SET name = ?, hostname = ?, ip_address = ?, port = ?, username = ?, ssh_key = ?,
			ssh_password = ?, host_key = ?, status = ?, updated_at = ?
		WHERE id = ?`,
		srv.Name, srv.Hostname, nullString(srv.IPAddress), srv.Port, srv.Username, nullString(srv.SSHKey),
		nullString(srv.SSHPassword), nullString(srv.HostKey), srv.Status, s.now(), id,
	)
	if err != nil {
		return nil, err
	}
	return s.Get(id)
}

func (s *ServerService) Delete(id int64) error {
	if _, err := s.Get(id); err != nil {
		return err
	}
	var projects int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM projects WHERE server_id = ?", id).Scan(&projects); err != nil {
		return err
	}
	if projects > 0 {
		return ErrServerInUse
	}
	_, err := s.db.Exec("DELETE FROM servers WHERE id = ?", id)
	return err
}

// Target decrypts the server's credentials into a runner target. A nil
// server targets the local machine.
func (s *ServerService) Target(srv *models.Server) (remote.Target, error) {
	if srv == nil {
		return remote.Target{Host: "localhost"}, nil
	}
	key, err := s.crypto.Decrypt(srv.SSHKey)
	if err != nil {
		return remote.Target{}, fmt.Errorf("decrypt ssh key: %w", err)
	}
	pass, err := s.crypto.Decrypt(srv.SSHPassword)
	if err != nil {
		return remote.Target{}, fmt.Errorf("decrypt ssh password: %w", err)
	}
	return remote.Target{
		Host:       srv.Address(),
		Port:       srv.Port,
		User:       srv.Username,
		PrivateKey: key,
		Password:   pass,
		HostKey:    srv.HostKey,
	}, nil
}

// Run executes cmd on srv, or locally when srv is nil.
func (s *ServerService) Run(ctx context.Context, srv *models.Server, cmd remote.Command) (*remote.Result, error) {
	t, err := s.Target(srv)
	if err != nil {
		return nil, err
	}
	return s.runner.Run(ctx, t, cmd)
}

// Stream is Run with live output.
func (s *ServerService) Stream(ctx context.Context, srv *models.Server, cmd remote.Command, stdout, stderr io.Writer) (int, error) {
	t, err := s.Target(srv)
	if err != nil {
		return -1, err
	}
	return s.runner.Stream(ctx, t, cmd, stdout, stderr)
}

// Lookup loads a server by optional id.
func (s *ServerService) Lookup(id *int64) (*models.Server, error) {
	if id == nil {
		return nil, nil
	}
	return s.Get(*id)
}

// PinHostKey stores the first key presented by a host. It is wired as the
// runner's OnHostKey callback.
func (s *ServerService) PinHostKey(host, key string) {
	_, err := s.db.Exec(
		"UPDATE servers SET host_key = ? WHERE (ip_address = ? OR (COALESCE(ip_address, '') = '' AND hostname = ?)) AND COALESCE(host_key, '') = ''",
		key, host, host,
	)
	if err != nil {
		s.logger.Error().Err(err).Str("host", host).Msg("failed to pin host key")
		return
	}
	fp, _ := remote.Fingerprint(key)
	s.logger.Info().Str("host", host).Str("fingerprint", fp).Msg("pinned ssh host key")
}

// ConnectionResult is returned by TestConnection.
type ConnectionResult struct {
	Message   string              `json:"message"`
	Status    models.ServerStatus `json:"status"`
	LatencyMS int64               `json:"latency_ms"`
	Success   bool                `json:"success"`
}

// TestConnection runs `echo ok` and records the outcome on the server.
func (s *ServerService) TestConnection(ctx context.Context, id int64) (*ConnectionResult, error) {
	srv, err := s.Get(id)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	res, runErr := s.Run(ctx, srv, remote.Command{Script: "echo ok", Timeout: 15 * time.Second})
	out := &ConnectionResult{LatencyMS: time.Since(start).Milliseconds()}

	switch {
	case runErr != nil:
		out.Status = models.ServerOffline
		out.Message = runErr.Error()
	case !res.Success() || strings.TrimSpace(res.Stdout) != "ok":
		out.Status = models.ServerOffline
		out.Message = strings.TrimSpace(res.Stderr)
		if out.Message == "" {
			out.Message = fmt.Sprintf("unexpected exit code %d", res.ExitCode)
		}
	default:
		out.Status = models.ServerOnline
		out.Success = true
		out.Message = "Connection successful"
	}

	if srv.Status == models.ServerMaintenance {
		out.Status = models.ServerMaintenance
	}
	now := s.now()
	if out.Success {
		_, err = s.db.Exec("UPDATE servers SET status = ?, last_ping_at = ?, updated_at = ? WHERE id = ?", out.Status, now, now, id)
	} else {
		_, err = s.db.Exec("UPDATE servers SET status = ?, updated_at = ? WHERE id = ?", out.Status, now, id)
	}
	if err != nil {
		return nil, err
	}
	s.logger.Info().Int64("server_id", id).Bool("success", out.Success).Int64("latency_ms", out.LatencyMS).Msg("connection test")
	return out, nil
}

// RefreshStatus collects OS, CPU, memory, disk and docker presence.
func (s *ServerService) RefreshStatus(ctx context.Context, id int64) (*models.Server, *metrics.SystemMetrics, error) {
	srv, err := s.Get(id)
	if err != nil {
		return nil, nil, err
	}

	var snap *metrics.SystemMetrics
	var docker bool
	if remote.IsLocal(srv.Address()) {
		if snap, err = metrics.CollectSystem(ctx); err != nil {
			return nil, nil, err
		}
		docker = metrics.DockerAvailable(ctx)
	} else {
		res, err := s.Run(ctx, srv, remote.Command{Script: metrics.RemoteStatsScript + "\necho \"== docker\"; command -v docker", Timeout: 30 * time.Second})
		if err != nil {
			_, _ = s.db.Exec("UPDATE servers SET status = ?, updated_at = ? WHERE id = ?", models.ServerOffline, s.now(), id)
			return nil, nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
		}
		snap = metrics.ParseRemote(res.Stdout)
		docker = strings.Contains(res.Stdout[strings.LastIndex(res.Stdout, "== docker")+1:], "/docker")
	}

	var diskGB int64
	if d, ok := snap.RootDisk(); ok {
		diskGB = int64(d.Total / (1 << 30))
	}
	status := models.ServerOnline
	if srv.Status == models.ServerMaintenance {
		status = models.ServerMaintenance
	}
	now := s.now()
	_, err = s.db.Exec(`
		UPDATE servers SET status = ?, os_info = ?, cpu_cores = ?, memory_mb = ?, disk_gb = ?, docker_installed = ?,
			last_ping_at = ?, updated_at = ?
		WHERE id = ?`,
		status, snap.OS, snap.CPU.Cores, int64(snap.Memory.Total/(1<<20)), diskGB, docker, now, now, id,
	)
	if err != nil {
		return nil, nil, err
	}
	srv, err = s.Get(id)
	return srv, snap, err
}
