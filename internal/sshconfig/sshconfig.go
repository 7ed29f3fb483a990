// Package sshconfig reads and edits the security settings of sshd_config text.
package sshconfig

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Path is the default sshd configuration file.
const Path = "/etc/ssh/sshd_config"

var ErrMaxAuthTries = errors.New("MaxAuthTries must be between 1 and 10")

// Settings is the parsed subset of sshd_config that DevFlow manages.
type Settings struct {
	Port                int  `json:"port"`
	MaxAuthTries        int  `json:"max_auth_tries"`
	LoginGraceTime      int  `json:"login_grace_time"`
	RootLoginEnabled    bool `json:"root_login_enabled"`
	PasswordAuthEnabled bool `json:"password_auth_enabled"`
	PubkeyAuthEnabled   bool `json:"pubkey_auth_enabled"`
	X11Forwarding       bool `json:"x11_forwarding"`
}

// Defaults mirrors OpenSSH's compiled-in values for the managed keys.
func Defaults() Settings {
	return Settings{
		Port:                22,
		RootLoginEnabled:    true,
		PasswordAuthEnabled: true,
		PubkeyAuthEnabled:   true,
		MaxAuthTries:        6,
		X11Forwarding:       false,
		LoginGraceTime:      120,
	}
}

var directive = regexp.MustCompile(`^(\w+)\s+(.+)$`)

// Parse reads active directives from content. Keys are case-insensitive,
// commented lines are ignored and, as in sshd, the first value for a key wins.
func Parse(content string) Settings {
	s := Defaults()
	seen := make(map[string]bool)
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		m := directive.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		key := strings.ToLower(m[1])
		if seen[key] {
			continue
		}
		seen[key] = true
		value := strings.ToLower(strings.TrimSpace(m[2]))
		switch key {
		case "port":
			s.Port = atoi(value, s.Port)
		case "permitrootlogin":
			s.RootLoginEnabled = value == "yes" || value == "prohibit-password" || value == "without-password"
		case "passwordauthentication":
			s.PasswordAuthEnabled = value == "yes"
		case "pubkeyauthentication":
			s.PubkeyAuthEnabled = value == "yes"
		case "maxauthtries":
			s.MaxAuthTries = atoi(value, s.MaxAuthTries)
		case "x11forwarding":
			s.X11Forwarding = value == "yes"
		case "logingracetime":
			s.LoginGraceTime = atoi(value, s.LoginGraceTime)
		}
	}
	return s
}

// Set rewrites the first line starting with key (optionally commented) to
// "key value", or appends the directive when none exists.
func Set(content, key, value string) string {
	pattern := regexp.MustCompile(`(?i)^#?\s*` + regexp.QuoteMeta(key) + `(\s|$)`)
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		if pattern.MatchString(strings.TrimSpace(line)) {
			lines[i] = key + " " + value
			return strings.Join(lines, "\n")
		}
	}
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return content + key + " " + value + "\n"
}

// Change is one applied directive.
type Change struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (c Change) String() string { return c.Key + "=" + c.Value }

// Apply sets each change in order.
func Apply(content string, changes []Change) string {
	for _, c := range changes {
		content = Set(content, c.Key, c.Value)
	}
	return content
}

// HardeningChanges disables root and password logins and tightens limits.
func HardeningChanges() []Change {
	return []Change{
		{"PermitRootLogin", "no"},
		{"PasswordAuthentication", "no"},
		{"PubkeyAuthentication", "yes"},
		{"MaxAuthTries", "3"},
		{"X11Forwarding", "no"},
		{"PermitEmptyPasswords", "no"},
		{"LoginGraceTime", "60"},
	}
}

// Diff returns the directives needed to move from current to desired.
func Diff(current, desired Settings) []Change {
	var out []Change
	if current.Port != desired.Port {
		out = append(out, Change{"Port", strconv.Itoa(desired.Port)})
	}
	if current.RootLoginEnabled != desired.RootLoginEnabled {
		out = append(out, Change{"PermitRootLogin", yesNo(desired.RootLoginEnabled)})
	}
	if current.PasswordAuthEnabled != desired.PasswordAuthEnabled {
		out = append(out, Change{"PasswordAuthentication", yesNo(desired.PasswordAuthEnabled)})
	}
	if current.PubkeyAuthEnabled != desired.PubkeyAuthEnabled {
		out = append(out, Change{"PubkeyAuthentication", yesNo(desired.PubkeyAuthEnabled)})
	}
	if current.MaxAuthTries != desired.MaxAuthTries {
		out = append(out, Change{"MaxAuthTries", strconv.Itoa(desired.MaxAuthTries)})
	}
	if current.X11Forwarding != desired.X11Forwarding {
		out = append(out, Change{"X11Forwarding", yesNo(desired.X11Forwarding)})
	}
	if current.LoginGraceTime != desired.LoginGraceTime {
		out = append(out, Change{"LoginGraceTime", strconv.Itoa(desired.LoginGraceTime)})
	}
	return out
}

// ValidateMaxAuthTries enforces the 1..10 range.
func ValidateMaxAuthTries(n int) error {
	if n < 1 || n > 10 {
		return ErrMaxAuthTries
	}
	return nil
}

// Score rates the settings from 0 to 100.
func Score(s Settings) (int, []string) {
	score := 100
	var issues []string
	if s.RootLoginEnabled {
		score -= 30
		issues = append(issues, "Root login is enabled")
	}
	if s.PasswordAuthEnabled {
		score -= 25
		issues = append(issues, "Password authentication is enabled")
	}
	if !s.PubkeyAuthEnabled {
		score -= 15
		issues = append(issues, "Public key authentication is disabled")
	}
	if s.Port == 22 {
		score -= 10
		issues = append(issues, "SSH is listening on the default port")
	}
	if s.MaxAuthTries > 3 {
		score -= 10
		issues = append(issues, fmt.Sprintf("MaxAuthTries is %d", s.MaxAuthTries))
	}
	if s.X11Forwarding {
		score -= 10
		issues = append(issues, "X11 forwarding is enabled")
	}
	if score < 0 {
		score = 0
	}
	return score, issues
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func atoi(s string, fallback int) int {
	n, err := strconv.Atoi(strings.Fields(s)[0])
	if err != nil {
		return fallback
	}
	return n
}
