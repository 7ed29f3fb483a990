package services

import (
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/pandeptwidyaop/devflow/internal/database"
	"github.com/pandeptwidyaop/devflow/internal/logparse"
	"github.com/pandeptwidyaop/devflow/internal/models"
	"github.com/pandeptwidyaop/devflow/internal/remote"
)

var (
	ErrLogSourceNotFound = errors.New("log source not found")
	ErrLogSourceDisabled = errors.New("log source is disabled")
)

// maxSyncBytes bounds how much of a file one Sync reads.
const maxSyncBytes = 1 << 20

// LogTemplate is a preset for a common log location.
type LogTemplate struct {
	Key  string `json:"key"`
	Name string `json:"name"`
	Type string `json:"type"`
	Path string `json:"path"`
}

// LogTemplates are the presets offered when adding a source.
var LogTemplates = []LogTemplate{
	{Key: "laravel", Name: "Laravel Application Log", Type: models.LogSourceFile, Path: "storage/logs/laravel.log"},
	{Key: "nginx-access", Name: "Nginx Access Log", Type: models.LogSourceFile, Path: "/var/log/nginx/access.log"},
	{Key: "nginx-error", Name: "Nginx Error Log", Type: models.LogSourceFile, Path: "/var/log/nginx/error.log"},
	{Key: "php-fpm", Name: "PHP-FPM Log", Type: models.LogSourceFile, Path: "/var/log/php-fpm.log"},
	{Key: "mysql", Name: "MySQL Error Log", Type: models.LogSourceFile, Path: "/var/log/mysql/error.log"},
	{Key: "docker", Name: "Docker Container", Type: models.LogSourceDocker, Path: "app"},
}

// LogFilter narrows Search and Export.
type LogFilter struct {
	Since    *time.Time
	Until    *time.Time
	Level    string
	Pattern  string
	SourceID int64
	Limit    int
	Offset   int
}

// SyncResult reports what one Sync imported.
type SyncResult struct {
	Imported int   `json:"imported"`
	Offset   int64 `json:"offset"`
}

// LogSourceService collects log lines from files, containers and journald
// units into log_entries.
type LogSourceService struct {
	db       *database.DB
	servers  *ServerService
	projects *ProjectService
	logger   zerolog.Logger
	now      func() time.Time
}

func NewLogSourceService(db *database.DB, servers *ServerService, projects *ProjectService, logger zerolog.Logger) *LogSourceService {
	return &LogSourceService{
		db:       db,
		servers:  servers,
		projects: projects,
		logger:   logger.With().Str("component", "logs").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

const logSourceColumns = `id, project_id, server_id, name, type, path, enabled, COALESCE(read_offset, 0), last_synced_at, created_at`

func scanLogSource(row scanner) (*models.LogSource, error) {
	var ls models.LogSource
	var projectID, serverID sql.NullInt64
	var synced sql.NullTime
	err := row.Scan(&ls.ID, &projectID, &serverID, &ls.Name, &ls.Type, &ls.Path, &ls.Enabled, &ls.ReadOffset, &synced, &ls.CreatedAt)
	if err != nil {
		return nil, err
	}
	ls.ProjectID = nullInt64(projectID)
	ls.ServerID = nullInt64(serverID)
	ls.LastSyncedAt = timePtr(synced)
	return &ls, nil
}

func (s *LogSourceService) Create(req models.CreateLogSourceRequest) (*models.LogSource, error) {
	if req.ServerID != nil {
		if _, err := s.servers.Get(*req.ServerID); err != nil {
			return nil, err
		}
	}
	if req.ProjectID != nil {
		p, err := s.projects.Get(*req.ProjectID)
		if err != nil {
			return nil, err
		}
		if req.ServerID == nil {
			req.ServerID = p.ServerID
		}
		// relative paths are inside the project checkout
		if req.Type == models.LogSourceFile && !strings.HasPrefix(req.Path, "/") {
			req.Path = strings.TrimRight(p.WorkingDir, "/") + "/" + req.Path
		}
	}
	res, err := s.db.Exec(`
		INSERT INTO log_sources (project_id, server_id, name, type, path, enabled, read_offset, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?)`,
		req.ProjectID, req.ServerID, req.Name, req.Type, req.Path, boolOr(req.Enabled, true), s.now(),
	)
	if err != nil {
		return nil, err
	}
	id, _ := res.LastInsertId()
	return s.Get(id)
}

func (s *LogSourceService) Get(id int64) (*models.LogSource, error) {
	ls, err := scanLogSource(s.db.QueryRow("SELECT "+logSourceColumns+" FROM log_sources WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrLogSourceNotFound
	}
	return ls, err
}

func (s *LogSourceService) List() ([]*models.LogSource, error) {
	rows, err := s.db.Query("SELECT " + logSourceColumns + " FROM log_sources ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sources := make([]*models.LogSource, 0)
	for rows.Next() {
		ls, err := scanLogSource(rows)
		if err != nil {
			return nil, err
		}
		sources = append(sources, ls)
	}
	return sources, rows.Err()
}

// Update changes name, path and enabled. A new path restarts reading at
// the beginning.
func (s *LogSourceService) Update(id int64, req models.CreateLogSourceRequest) (*models.LogSource, error) {
	ls, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	offset := ls.ReadOffset
	if req.Path != ls.Path || req.Type != ls.Type {
		offset = 0
	}
	_, err = s.db.Exec("UPDATE log_sources SET name = ?, type = ?, path = ?, enabled = ?, read_offset = ? WHERE id = ?",
		req.Name, req.Type, req.Path, boolOr(req.Enabled, ls.Enabled), offset, id)
	if err != nil {
		return nil, err
	}
	return s.Get(id)
}

func (s *LogSourceService) Delete(id int64) error {
	res, err := s.db.Exec("DELETE FROM log_sources WHERE id = ?", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLogSourceNotFound
	}
	return nil
}

func (s *LogSourceService) Toggle(id int64) (*models.LogSource, error) {
	res, err := s.db.Exec("UPDATE log_sources SET enabled = NOT enabled WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrLogSourceNotFound
	}
	return s.Get(id)
}

// Test checks that the source can be read.
func (s *LogSourceService) Test(ctx context.Context, id int64) (bool, string, error) {
	ls, err := s.Get(id)
	if err != nil {
		return false, "", err
	}
	srv, err := s.servers.Lookup(ls.ServerID)
	if err != nil {
		return false, "", err
	}
	var script string
	switch ls.Type {
	case models.LogSourceDocker:
		script = "docker inspect --format '{{.State.Status}}' " + remote.Quote(ls.Path)
	case models.LogSourceJournald:
		script = "journalctl -u " + remote.Quote(ls.Path) + " -n 1 --no-pager"
	default:
		script = "test -r " + remote.Quote(ls.Path) + " && echo readable"
	}
	res, err := s.servers.Run(ctx, srv, remote.Command{Script: script, Timeout: 15 * time.Second})
	if err != nil {
		return false, err.Error(), nil
	}
	out := strings.TrimSpace(res.Stdout + res.Stderr)
	if !res.Success() && out == "" {
		out = "Path is not readable"
	}
	return res.Success(), out, nil
}

// Sync imports lines appended since the last sync. Files are read from the
// stored byte offset; a file smaller than the offset was rotated and is read
// from the start. Containers and units are read since the last sync time.
func (s *LogSourceService) Sync(ctx context.Context, id int64) (*SyncResult, error) {
	ls, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if !ls.Enabled {
		return nil, ErrLogSourceDisabled
	}
	srv, err := s.servers.Lookup(ls.ServerID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	var content, format string
	offset := ls.ReadOffset
	switch ls.Type {
	case models.LogSourceDocker, models.LogSourceJournald:
		content, err = s.readSince(ctx, srv, ls)
		format = logparse.FormatDocker
		if ls.Type == models.LogSourceJournald {
			format = logparse.FormatSyslog
		}
	default:
		content, offset, err = s.readFile(ctx, srv, ls)
		format = logparse.DetectFormat(ls.Path)
	}
	if err != nil {
		return nil, err
	}

	entries := logparse.Parse(format, content, now)
	err = s.db.Tx(func(tx *sql.Tx) error {
		stmt, err := tx.Prepare("INSERT INTO log_entries (source_id, level, message, logged_at) VALUES (?, ?, ?, ?)")
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, e := range entries {
			if _, err := stmt.Exec(ls.ID, e.Level, truncate(e.Message, 16<<10), e.LoggedAt); err != nil {
				return err
			}
		}
		_, err = tx.Exec("UPDATE log_sources SET read_offset = ?, last_synced_at = ? WHERE id = ?", offset, now, ls.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(entries) > 0 {
		s.logger.Debug().Int64("source_id", ls.ID).Int("imported", len(entries)).Msg("log source synced")
	}
	return &SyncResult{Imported: len(entries), Offset: offset}, nil
}

func (s *LogSourceService) readFile(ctx context.Context, srv *models.Server, ls *models.LogSource) (string, int64, error) {
	path := remote.Quote(ls.Path)
	res, err := s.servers.Run(ctx, srv, remote.Command{Script: "wc -c < " + path, Timeout: 15 * time.Second})
	if err != nil {
		return "", ls.ReadOffset, err
	}
	if !res.Success() {
		return "", ls.ReadOffset, fmt.Errorf("cannot read %s: %s", ls.Path, strings.TrimSpace(res.Stderr))
	}
	size, err := strconv.ParseInt(strings.TrimSpace(res.Stdout), 10, 64)
	if err != nil {
		return "", ls.ReadOffset, fmt.Errorf("unexpected size of %s: %q", ls.Path, res.Stdout)
	}

	offset := ls.ReadOffset
	if size < offset {
		offset = 0
	}
	if size == offset {
		return "", offset, nil
	}
	res, err = s.servers.Run(ctx, srv, remote.Command{
		Script:  fmt.Sprintf("tail -c +%d %s | head -c %d", offset+1, path, maxSyncBytes),
		Timeout: time.Minute,
	})
	if err != nil {
		return "", ls.ReadOffset, err
	}
	chunk := res.Stdout
	// an unterminated last line is left for the next sync
	if i := strings.LastIndexByte(chunk, '\n'); i >= 0 {
		chunk = chunk[:i+1]
	} else if int64(len(chunk)) < maxSyncBytes {
		return "", offset, nil
	}
	return chunk, offset + int64(len(chunk)), nil
}

func (s *LogSourceService) readSince(ctx context.Context, srv *models.Server, ls *models.LogSource) (string, error) {
	since := s.now().Add(-time.Hour)
	if ls.LastSyncedAt != nil {
		since = *ls.LastSyncedAt
	}
	var script string
	if ls.Type == models.LogSourceDocker {
		script = fmt.Sprintf("docker logs --timestamps --since %s %s 2>&1 | tail -n 5000",
			since.Format(time.RFC3339), remote.Quote(ls.Path))
	} else {
		script = fmt.Sprintf("journalctl -u %s --no-pager --since %s | tail -n 5000",
			remote.Quote(ls.Path), remote.Quote(since.Local().Format("2006-01-02 15:04:05")))
	}
	res, err := s.servers.Run(ctx, srv, remote.Command{Script: script, Timeout: time.Minute})
	if err != nil {
		return "", err
	}
	if !res.Success() {
		return "", fmt.Errorf("read %s %s: %s", ls.Type, ls.Path, strings.TrimSpace(res.Stderr+res.Stdout))
	}
	return res.Stdout, nil
}

// SyncAll syncs every enabled source, logging failures.
func (s *LogSourceService) SyncAll(ctx context.Context) int {
	sources, err := s.List()
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list log sources")
		return 0
	}
	imported := 0
	for _, ls := range sources {
		if !ls.Enabled {
			continue
		}
		res, err := s.Sync(ctx, ls.ID)
		if err != nil {
			s.logger.Warn().Err(err).Int64("source_id", ls.ID).Msg("log sync failed")
			continue
		}
		imported += res.Imported
	}
	return imported
}

// Start syncs all sources every interval until ctx is done.
func (s *LogSourceService) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SyncAll(ctx)
		}
	}
}

func (s *LogSourceService) where(f LogFilter) (string, []any) {
	clauses := []string{"1 = 1"}
	args := []any{}
	if f.SourceID != 0 {
		clauses = append(clauses, "source_id = ?")
		args = append(args, f.SourceID)
	}
	if f.Level != "" {
		clauses = append(clauses, "level = ?")
		args = append(args, strings.ToLower(f.Level))
	}
	if f.Pattern != "" {
		clauses = append(clauses, "message LIKE ? ESCAPE '\\'")
		esc := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(f.Pattern)
		args = append(args, "%"+esc+"%")
	}
	if f.Since != nil {
		clauses = append(clauses, "logged_at >= ?")
		args = append(args, f.Since.UTC())
	}
	if f.Until != nil {
		clauses = append(clauses, "logged_at <= ?")
		args = append(args, f.Until.UTC())
	}
	return strings.Join(clauses, " AND "), args
}

func (s *LogSourceService) queryEntries(query string, args ...any) ([]models.LogEntry, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]models.LogEntry, 0)
	for rows.Next() {
		var e models.LogEntry
		if err := rows.Scan(&e.ID, &e.SourceID, &e.Level, &e.Message, &e.LoggedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Search returns matching entries, newest first.
func (s *LogSourceService) Search(f LogFilter) ([]models.LogEntry, error) {
	if f.Limit <= 0 || f.Limit > 1000 {
		f.Limit = 100
	}
	where, args := s.where(f)
	args = append(args, f.Limit, max(f.Offset, 0))
	return s.queryEntries("SELECT id, source_id, level, message, logged_at FROM log_entries WHERE "+where+
		" ORDER BY logged_at DESC, id DESC LIMIT ? OFFSET ?", args...)
}

// Tail returns the last n entries of a source in chronological order.
func (s *LogSourceService) Tail(sourceID int64, n int) ([]models.LogEntry, error) {
	if n <= 0 {
		n = 100
	}
	entries, err := s.queryEntries(`SELECT id, source_id, level, message, logged_at FROM log_entries
		WHERE source_id = ? ORDER BY logged_at DESC, id DESC LIMIT ?`, sourceID, n)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// Stats counts entries per level. A zero sourceID counts every source.
func (s *LogSourceService) Stats(sourceID int64) (map[string]int, error) {
	where, args := s.where(LogFilter{SourceID: sourceID})
	rows, err := s.db.Query("SELECT level, COUNT(*) FROM log_entries WHERE "+where+" GROUP BY level", args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := map[string]int{"total": 0}
	for rows.Next() {
		var level string
		var n int
		if err := rows.Scan(&level, &n); err != nil {
			return nil, err
		}
		stats[level] = n
		stats["total"] += n
	}
	return stats, rows.Err()
}

// Export writes matching entries as CSV in chronological order.
func (s *LogSourceService) Export(w io.Writer, f LogFilter) (int, error) {
	where, args := s.where(f)
	entries, err := s.queryEntries("SELECT id, source_id, level, message, logged_at FROM log_entries WHERE "+where+
		" ORDER BY logged_at, id", args...)
	if err != nil {
		return 0, err
	}
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"logged_at", "source_id", "level", "message"}); err != nil {
		return 0, err
	}
	for _, e := range entries {
		err := cw.Write([]string{e.LoggedAt.Format(time.RFC3339), strconv.FormatInt(e.SourceID, 10), e.Level, e.Message})
		if err != nil {
			return 0, err
		}
	}
	cw.Flush()
	return len(entries), cw.Error()
}

// Clear deletes the stored entries of a source. The read offset is kept so
// old lines are not imported again.
func (s *LogSourceService) Clear(sourceID int64) (int64, error) {
	if _, err := s.Get(sourceID); err != nil {
		return 0, err
	}
	res, err := s.db.Exec("DELETE FROM log_entries WHERE source_id = ?", sourceID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Prune removes entries older than age across all sources.
func (s *LogSourceService) Prune(age time.Duration) (int64, error) {
	res, err := s.db.Exec("DELETE FROM log_entries WHERE logged_at < ?", s.now().Add(-age))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
