// Package hostsec parses ufw, fail2ban and ss output and scores the overall
// security posture of a server.
package hostsec

import (
	"errors"
	"fmt"
	"net"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/pandeptwidyaop/devflow/internal/sshconfig"
)

var (
	ErrInvalidPort     = errors.New("port must be 1-65535, a low:high range or a service name")
	ErrInvalidProtocol = errors.New("protocol must be tcp, udp or any")
	ErrInvalidAction   = errors.New("action must be allow, deny, reject or limit")
	ErrInvalidSource   = errors.New("source must be an IP address or CIDR")
	ErrInvalidJail     = errors.New("invalid jail name")
)

// UFWRule is one line of `ufw status` output.
type UFWRule struct {
	To     string `json:"to"`
	Action string `json:"action"`
	From   string `json:"from"`
	Raw    string `json:"raw"`
	Number int    `json:"number,omitempty"`
}

// UFWStatus is the parsed state of ufw.
type UFWStatus struct {
	Rules     []UFWRule `json:"rules"`
	Installed bool      `json:"installed"`
	Enabled   bool      `json:"enabled"`
}

var actions = []string{"ALLOW", "DENY", "REJECT", "LIMIT"}

// ParseUFWStatus reads `ufw status verbose`. Rules follow the dashed header line.
func ParseUFWStatus(out string) UFWStatus {
	st := UFWStatus{Installed: true, Rules: []UFWRule{}}
	inRules := false
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		lower := strings.ToLower(line)
		switch {
		case strings.HasPrefix(lower, "status:"):
			st.Enabled = strings.TrimSpace(strings.TrimPrefix(lower, "status:")) == "active"
		case strings.Contains(line, "---"):
			inRules = true
		case inRules && line != "":
			st.Rules = append(st.Rules, parseRuleLine(line))
		}
	}
	return st
}

var numbered = regexp.MustCompile(`^\[\s*(\d+)\]\s+(.+)$`)

// ParseNumberedRules reads `ufw status numbered`.
func ParseNumberedRules(out string) []UFWRule {
	rules := []UFWRule{}
	for _, line := range strings.Split(out, "\n") {
		m := numbered.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		r := parseRuleLine(strings.TrimSpace(m[2]))
		r.Number, _ = strconv.Atoi(m[1])
		rules = append(rules, r)
	}
	return rules
}

// parseRuleLine splits "80/tcp ALLOW IN Anywhere" around the action column.
func parseRuleLine(line string) UFWRule {
	r := UFWRule{Raw: line}
	fields := strings.Fields(line)
	for i, f := range fields {
		for _, a := range actions {
			if strings.ToUpper(f) != a {
				continue
			}
			r.Action = strings.ToLower(a)
			r.To = strings.Join(fields[:i], " ")
			rest := fields[i+1:]
			if len(rest) > 0 && (rest[0] == "IN" || rest[0] == "OUT" || rest[0] == "FWD") {
				rest = rest[1:]
			}
			r.From = strings.Join(rest, " ")
			return r
		}
	}
	return r
}

// ValidatePort accepts a port number, a low:high range or a service name.
func ValidatePort(port string) error {
	if n, err := strconv.Atoi(port); err == nil {
		if n < 1 || n > 65535 {
			return ErrInvalidPort
		}
		return nil
	}
	if lo, hi, ok := strings.Cut(port, ":"); ok {
		a, err1 := strconv.Atoi(lo)
		b, err2 := strconv.Atoi(hi)
		if err1 != nil || err2 != nil || a < 1 || b > 65535 || a >= b {
			return ErrInvalidPort
		}
		return nil
	}
	if !serviceName.MatchString(port) {
		return ErrInvalidPort
	}
	return nil
}

var serviceName = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9-]*$`)

func ValidateProtocol(p string) error {
	switch p {
	case "tcp", "udp", "any":
		return nil
	}
	return ErrInvalidProtocol
}

func ValidateAction(a string) error {
	switch a {
	case "allow", "deny", "reject", "limit":
		return nil
	}
	return ErrInvalidAction
}

// ValidateSource accepts a bare IP or a CIDR block.
func ValidateSource(s string) error {
	if net.ParseIP(s) != nil {
		return nil
	}
	if _, _, err := net.ParseCIDR(s); err == nil {
		return nil
	}
	return ErrInvalidSource
}

var jailName = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

func ValidateJail(name string) error {
	if !jailName.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidJail, name)
	}
	return nil
}

// JailStatus is the parsed output of `fail2ban-client status <jail>`.
type JailStatus struct {
	Name            string   `json:"name"`
	BannedIPs       []string `json:"banned_ips"`
	CurrentlyFailed int      `json:"currently_failed"`
	TotalFailed     int      `json:"total_failed"`
	CurrentlyBanned int      `json:"currently_banned"`
	TotalBanned     int      `json:"total_banned"`
}

var jailList = regexp.MustCompile(`(?i)Jail list:\s*(.+)`)

// ParseJailList reads the jail names from `fail2ban-client status`.
func ParseJailList(out string) []string {
	jails := []string{}
	m := jailList.FindStringSubmatch(out)
	if m == nil {
		return jails
	}
	for _, j := range strings.Split(m[1], ",") {
		if j = strings.TrimSpace(j); j != "" {
			jails = append(jails, j)
		}
	}
	return jails
}

var jailCounters = map[string]*regexp.Regexp{
	"currently_failed": regexp.MustCompile(`Currently failed:\s*(\d+)`),
	"total_failed":     regexp.MustCompile(`Total failed:\s*(\d+)`),
	"currently_banned": regexp.MustCompile(`Currently banned:\s*(\d+)`),
	"total_banned":     regexp.MustCompile(`Total banned:\s*(\d+)`),
}

var bannedList = regexp.MustCompile(`Banned IP list:\s*(.*)`)

// ParseJailStatus reads the counters and banned addresses of one jail.
func ParseJailStatus(name, out string) JailStatus {
	js := JailStatus{Name: name, BannedIPs: []string{}}
	count := func(key string) int {
		m := jailCounters[key].FindStringSubmatch(out)
		if m == nil {
			return 0
		}
		n, _ := strconv.Atoi(m[1])
		return n
	}
	js.CurrentlyFailed = count("currently_failed")
	js.TotalFailed = count("total_failed")
	js.CurrentlyBanned = count("currently_banned")
	js.TotalBanned = count("total_banned")
	if m := bannedList.FindStringSubmatch(out); m != nil {
		js.BannedIPs = append(js.BannedIPs, strings.Fields(m[1])...)
	}
	return js
}

// ParseListeningPorts extracts the distinct local ports of LISTEN sockets
// from `ss -tulnH` output.
func ParseListeningPorts(out string) []int {
	seen := make(map[int]bool)
	for _, line := range strings.Split(out, "\n") {
		f := strings.Fields(line)
		if len(f) < 5 || f[1] != "LISTEN" {
			continue
		}
		local := f[4]
		i := strings.LastIndex(local, ":")
		if i < 0 {
			continue
		}
		if p, err := strconv.Atoi(local[i+1:]); err == nil && p > 0 {
			seen[p] = true
		}
	}
	ports := make([]int, 0, len(seen))
	for p := range seen {
		ports = append(ports, p)
	}
	sort.Ints(ports)
	return ports
}

// Findings is everything a scan collects from a server.
type Findings struct {
	SSH             *sshconfig.Settings `json:"ssh,omitempty"`
	OpenPorts       []int               `json:"open_ports"`
	Jails           []string            `json:"jails"`
	FirewallRules   int                 `json:"firewall_rules"`
	SecurityUpdates int                 `json:"security_updates"`
	TotalUpdates    int                 `json:"total_updates"`
	Firewall        bool                `json:"firewall_enabled"`
	FirewallFound   bool                `json:"firewall_installed"`
	Fail2ban        bool                `json:"fail2ban_enabled"`
	Fail2banFound   bool                `json:"fail2ban_installed"`
}

// Check is one scored item of the breakdown.
type Check struct {
	Name   string `json:"name"`
	Detail string `json:"detail,omitempty"`
	Score  int    `json:"score"`
	Max    int    `json:"max"`
}

// Recommendation is a remediation suggestion.
type Recommendation struct {
	Priority    string `json:"priority"`
	Category    string `json:"category"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Command     string `json:"command,omitempty"`
}

// Breakdown scores findings out of 100: firewall 20, fail2ban 15, ssh port
// 10, root login 15, password auth 15, open ports 10, updates 15. An
// unreadable sshd_config scores zero on the three ssh checks.
func Breakdown(f Findings) []Check {
	checks := []Check{
		{Name: "firewall", Max: 20, Score: pick(f.Firewall, 20)},
		{Name: "fail2ban", Max: 15, Score: pick(f.Fail2ban, 15)},
	}
	ssh := sshconfig.Settings{Port: 22, RootLoginEnabled: true, PasswordAuthEnabled: true}
	if f.SSH != nil {
		ssh = *f.SSH
	}
	checks = append(checks,
		Check{Name: "ssh_port", Max: 10, Score: pick(ssh.Port != 22, 10), Detail: strconv.Itoa(ssh.Port)},
		Check{Name: "root_login", Max: 15, Score: pick(!ssh.RootLoginEnabled, 15)},
		Check{Name: "password_auth", Max: 15, Score: pick(!ssh.PasswordAuthEnabled, 15)},
		Check{Name: "open_ports", Max: 10, Score: openPortsScore(len(f.OpenPorts)), Detail: strconv.Itoa(len(f.OpenPorts))},
		Check{Name: "updates", Max: 15, Score: updatesScore(f.SecurityUpdates), Detail: strconv.Itoa(f.SecurityUpdates)},
	)
	return checks
}

// Score sums the breakdown, clamped to 0-100.
func Score(f Findings) int {
	total := 0
	for _, c := range Breakdown(f) {
		total += c.Score
	}
	return min(100, max(0, total))
}

// RiskLevel buckets a score.
func RiskLevel(score int) string {
	switch {
	case score >= 90:
		return "secure"
	case score >= 75:
		return "low"
	case score >= 50:
		return "medium"
	case score >= 25:
		return "high"
	}
	return "critical"
}

// Recommendations lists the fixes for every check that lost points.
func Recommendations(f Findings) []Recommendation {
	recs := []Recommendation{}
	switch {
	case !f.FirewallFound:
		recs = append(recs, Recommendation{Priority: "high", Category: "firewall", Title: "Install UFW Firewall",
			Description: "UFW is not installed. Install it to filter incoming traffic.", Command: "sudo apt-get install -y ufw"})
	case !f.Firewall:
		recs = append(recs, Recommendation{Priority: "high", Category: "firewall", Title: "Enable UFW Firewall",
			Description: "UFW is installed but inactive.", Command: "sudo ufw enable"})
	}
	switch {
	case !f.Fail2banFound:
		recs = append(recs, Recommendation{Priority: "medium", Category: "fail2ban", Title: "Install Fail2ban",
			Description: "Fail2ban bans addresses with repeated failed logins.", Command: "sudo apt-get install -y fail2ban"})
	case !f.Fail2ban:
		recs = append(recs, Recommendation{Priority: "medium", Category: "fail2ban", Title: "Enable Fail2ban",
			Description: "Fail2ban is installed but not running.", Command: "sudo systemctl start fail2ban"})
	}
	if f.SSH == nil || f.SSH.Port == 22 {
		recs = append(recs, Recommendation{Priority: "low", Category: "ssh", Title: "Change Default SSH Port",
			Description: "Port 22 attracts most automated login attempts."})
	}
	if f.SSH == nil || f.SSH.RootLoginEnabled {
		recs = append(recs, Recommendation{Priority: "high", Category: "ssh", Title: "Disable Root Login",
			Description: "Log in as a regular user and escalate with sudo."})
	}
	if f.SSH == nil || f.SSH.PasswordAuthEnabled {
		recs = append(recs, Recommendation{Priority: "high", Category: "ssh", Title: "Disable Password Authentication",
			Description: "Accept SSH keys only."})
	}
	if f.SecurityUpdates > 0 {
		recs = append(recs, Recommendation{Priority: "high", Category: "updates", Title: "Install Security Updates",
			Description: fmt.Sprintf("%d security updates are pending.", f.SecurityUpdates),
			Command:     "sudo apt-get update && sudo apt-get upgrade -y"})
	}
	return recs
}

func pick(ok bool, points int) int {
	if ok {
		return points
	}
	return 0
}

// openPortsScore rewards a small listening surface.
func openPortsScore(n int) int {
	switch {
	case n <= 3:
		return 10
	case n <= 5:
		return 7
	case n <= 10:
		return 4
	}
	return 0
}

func updatesScore(n int) int {
	switch {
	case n == 0:
		return 15
	case n <= 2:
		return 10
	case n <= 5:
		return 5
	}
	return 0
}
