// Package logparse turns raw log text into leveled entries.
package logparse

import (
	"regexp"
	"strings"
	"time"
)

// Formats understood by Parse.
const (
	FormatLaravel = "laravel"
	FormatNginx   = "nginx"
	FormatPHP     = "php"
	FormatMySQL   = "mysql"
	FormatSyslog  = "syslog"
	FormatDocker  = "docker"
	FormatGeneric = "generic"
)

// Levels, lowest first.
const (
	LevelDebug     = "debug"
	LevelInfo      = "info"
	LevelNotice    = "notice"
	LevelWarning   = "warning"
	LevelError     = "error"
	LevelCritical  = "critical"
	LevelAlert     = "alert"
	LevelEmergency = "emergency"
)

// Levels lists every level in severity order.
var Levels = []string{LevelDebug, LevelInfo, LevelNotice, LevelWarning, LevelError, LevelCritical, LevelAlert, LevelEmergency}

// Entry is one parsed log record.
type Entry struct {
	LoggedAt time.Time
	Level    string
	Message  string
}

var (
	laravelLine = regexp.MustCompile(`^\[(\d{4}-\d{2}-\d{2}[ T]\d{2}:\d{2}:\d{2})[^\]]*\]\s+\w+\.(\w+):\s?(.*)$`)
	nginxError  = regexp.MustCompile(`^(\d{4}/\d{2}/\d{2} \d{2}:\d{2}:\d{2}) \[(\w+)\] \d+#\d+: (?:\*\d+ )?(.*)$`)
	nginxAccess = regexp.MustCompile(`^\S+ \S+ \S+ \[([^\]]+)\] "([^"]*)" (\d{3}) .*$`)
	phpLine     = regexp.MustCompile(`^\[(\d{2}-\w{3}-\d{4} \d{2}:\d{2}:\d{2})[^\]]*\]\s+(?:PHP (\w+(?: \w+)?):\s+)?(.*)$`)
	mysqlLine   = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(?:\.\d+)?Z?)\s+\d+\s+\[(\w+)\]\s+(?:\[[^\]]*\]\s+)*(.*)$`)
	syslogLine  = regexp.MustCompile(`^(\w{3}\s+\d{1,2} \d{2}:\d{2}:\d{2}) (\S+) ([^:]+): (.*)$`)
	dockerLine  = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:Z|[+-]\d{2}:\d{2}))\s(.*)$`)
	genericLine = regexp.MustCompile(`^\[([^\]]+)\]\s*(.*)$`)
)

// DetectFormat guesses the format of a log path.
func DetectFormat(path string) string {
	p := strings.ToLower(path)
	switch {
	case strings.Contains(p, "laravel") || strings.Contains(p, "storage/logs"):
		return FormatLaravel
	case strings.Contains(p, "nginx"):
		return FormatNginx
	case strings.Contains(p, "php"):
		return FormatPHP
	case strings.Contains(p, "mysql") || strings.Contains(p, "mariadb"):
		return FormatMySQL
	case strings.HasPrefix(p, "/var/log/syslog") || strings.Contains(p, "messages") || strings.Contains(p, "auth.log"):
		return FormatSyslog
	}
	return FormatGeneric
}

// Parse splits content into entries. Lines that do not start a record are
// appended to the previous record, so stack traces stay with their error.
// Timestamps that cannot be read fall back to now.
func Parse(format, content string, now time.Time) []Entry {
	entries := make([]Entry, 0)
	for _, line := range strings.Split(strings.ReplaceAll(content, "\r\n", "\n"), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		e, ok := parseLine(format, line, now)
		if !ok && len(entries) > 0 {
			last := &entries[len(entries)-1]
			last.Message += "\n" + line
			continue
		}
		if !ok {
			e = Entry{LoggedAt: now, Level: GuessLevel(line), Message: line}
		}
		entries = append(entries, e)
	}
	return entries
}

func parseLine(format, line string, now time.Time) (Entry, bool) {
	switch format {
	case FormatLaravel:
		if m := laravelLine.FindStringSubmatch(line); m != nil {
			return Entry{LoggedAt: parseTime("2006-01-02 15:04:05", strings.Replace(m[1], "T", " ", 1), now), Level: NormalizeLevel(m[2]), Message: m[3]}, true
		}
	case FormatNginx:
		if m := nginxError.FindStringSubmatch(line); m != nil {
			return Entry{LoggedAt: parseTime("2006/01/02 15:04:05", m[1], now), Level: NormalizeLevel(m[2]), Message: m[3]}, true
		}
		if m := nginxAccess.FindStringSubmatch(line); m != nil {
			level := LevelInfo
			if m[3] >= "500" {
				level = LevelError
			} else if m[3] >= "400" {
				level = LevelWarning
			}
			return Entry{LoggedAt: parseTime("02/Jan/2006:15:04:05 -0700", m[1], now), Level: level, Message: m[2] + " " + m[3]}, true
		}
	case FormatPHP:
		if m := phpLine.FindStringSubmatch(line); m != nil {
			level := LevelError
			if m[2] != "" {
				level = NormalizeLevel(m[2])
			}
			return Entry{LoggedAt: parseTime("02-Jan-2006 15:04:05", m[1], now), Level: level, Message: m[3]}, true
		}
	case FormatMySQL:
		if m := mysqlLine.FindStringSubmatch(line); m != nil {
			return Entry{LoggedAt: parseTime(time.RFC3339Nano, m[1], now), Level: NormalizeLevel(m[2]), Message: m[3]}, true
		}
	case FormatSyslog:
		if m := syslogLine.FindStringSubmatch(line); m != nil {
			// syslog omits the year
			ts := now
			if t, err := time.Parse("Jan _2 15:04:05", m[1]); err == nil {
				ts = t.AddDate(now.Year(), 0, 0)
			}
			return Entry{LoggedAt: ts, Level: GuessLevel(m[4]), Message: m[3] + ": " + m[4]}, true
		}
	case FormatDocker:
		if m := dockerLine.FindStringSubmatch(line); m != nil {
			return Entry{LoggedAt: parseTime(time.RFC3339Nano, m[1], now), Level: GuessLevel(m[2]), Message: m[2]}, true
		}
		return Entry{LoggedAt: now, Level: GuessLevel(line), Message: line}, true
	default:
		if laravelLine.MatchString(line) {
			return parseLine(FormatLaravel, line, now)
		}
		if m := genericLine.FindStringSubmatch(line); m != nil {
			return Entry{LoggedAt: parseAnyTime(m[1], now), Level: GuessLevel(m[2]), Message: m[2]}, true
		}
	}
	return Entry{}, false
}

func parseTime(layout, value string, fallback time.Time) time.Time {
	t, err := time.Parse(layout, value)
	if err != nil {
		return fallback
	}
	return t.UTC()
}

var anyLayouts = []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02T15:04:05", "02-Jan-2006 15:04:05", "2006/01/02 15:04:05"}

func parseAnyTime(value string, fallback time.Time) time.Time {
	value = strings.TrimSpace(value)
	for _, l := range anyLayouts {
		if t, err := time.Parse(l, value); err == nil {
			return t.UTC()
		}
	}
	return fallback
}

// NormalizeLevel maps the level names of PSR-3, nginx, MySQL and PHP onto
// Levels.
func NormalizeLevel(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug", "trace":
		return LevelDebug
	case "info", "note", "system":
		return LevelInfo
	case "notice", "deprecated":
		return LevelNotice
	case "warning", "warn":
		return LevelWarning
	case "error", "err", "fatal error", "parse error":
		return LevelError
	case "critical", "crit", "fatal":
		return LevelCritical
	case "alert":
		return LevelAlert
	case "emergency", "emerg":
		return LevelEmergency
	}
	return LevelInfo
}

// GuessLevel picks a level from keywords in a free-form message.
func GuessLevel(msg string) string {
	m := strings.ToLower(msg)
	switch {
	case strings.Contains(m, "critical") || strings.Contains(m, "fatal") || strings.Contains(m, "panic"):
		return LevelCritical
	case strings.Contains(m, "error") || strings.Contains(m, "exception") || strings.Contains(m, "failed"):
		return LevelError
	case strings.Contains(m, "warning") || strings.Contains(m, "warn"):
		return LevelWarning
	}
	return LevelInfo
}
