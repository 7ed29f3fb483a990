// Package checker performs the network checks behind health checks.
package checker

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pandeptwidyaop/devflow/internal/models"
)

// SSLWarningDays is the remaining validity below which an ssl_expiry check fails.
const SSLWarningDays = 7

var ErrUnknownCheckType = errors.New("unknown check type")

var pingTimePattern = regexp.MustCompile(`time[=<]([\d.]+)\s*ms`)

// Result is the outcome of a single check.
type Result struct {
	DaysRemaining *int                `json:"days_remaining,omitempty"`
	Status        models.ResultStatus `json:"status"`
	Error         string              `json:"error,omitempty"`
	Message       string              `json:"message,omitempty"`
	ResponseTime  int64               `json:"response_time_ms"`
	StatusCode    int                 `json:"status_code,omitempty"`
}

// PingFunc runs a single ICMP echo and returns the command output.
// A non-nil exitErr means the host did not answer.
type PingFunc func(ctx context.Context, host string, timeout time.Duration) (output string, err error)

// Checker runs checks. Zero value is usable.
type Checker struct {
	HTTPClient *http.Client
	Ping       PingFunc
	Now        func() time.Time
	TLSConfig  *tls.Config
}

// Run dispatches on the check type.
func (p *Checker) Run(ctx context.Context, checkType, target string, expectedStatus int, timeout time.Duration) (Result, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	switch checkType {
	case models.CheckHTTP:
		return p.HTTP(ctx, target, expectedStatus, timeout), nil
	case models.CheckTCP:
		return p.TCP(ctx, target, timeout), nil
	case models.CheckPing:
		return p.PingHost(ctx, target, timeout), nil
	case models.CheckSSLExpiry:
		return p.SSLExpiry(ctx, target, timeout), nil
	}
	return Result{}, fmt.Errorf("%w: %s", ErrUnknownCheckType, checkType)
}

// HTTP issues a GET and compares the status code.
func (p *Checker) HTTP(ctx context.Context, target string, expectedStatus int, timeout time.Duration) Result {
	if expectedStatus == 0 {
		expectedStatus = http.StatusOK
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return failure(start, err.Error())
	}
	req.Header.Set("User-Agent", "DevFlow-HealthCheck/1.0")

	resp, err := p.client().Do(req)
	if err != nil {
		if isTimeout(err) {
			return Result{Status: models.ResultTimeout, Error: "Request timed out", ResponseTime: elapsed(start)}
		}
		return failure(start, err.Error())
	}
	defer resp.Body.Close()

	res := Result{StatusCode: resp.StatusCode, ResponseTime: elapsed(start)}
	if resp.StatusCode == expectedStatus {
		res.Status = models.ResultSuccess
		return res
	}
	res.Status = models.ResultFailure
	res.Error = fmt.Sprintf("Expected status %d, got %d", expectedStatus, resp.StatusCode)
	return res
}

// TCP opens and closes a connection.
func (p *Checker) TCP(ctx context.Context, target string, timeout time.Duration) Result {
	start := time.Now()
	addr, err := HostPort(target, 80)
	if err != nil {
		return failure(start, err.Error())
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		if isTimeout(err) {
			return Result{Status: models.ResultTimeout, Error: "Connection timed out", ResponseTime: elapsed(start)}
		}
		return failure(start, err.Error())
	}
	_ = conn.Close()
	return Result{Status: models.ResultSuccess, ResponseTime: elapsed(start)}
}

// PingHost sends one echo request via the system ping binary.
func (p *Checker) PingHost(ctx context.Context, target string, timeout time.Duration) Result {
	start := time.Now()
	host := Hostname(target)

	ping := p.Ping
	if ping == nil {
		ping = systemPing
	}
	out, err := ping(ctx, host, timeout)
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) || errors.Is(err, ErrHostUnreachable) {
			return failure(start, "Ping failed: Host unreachable")
		}
		return failure(start, err.Error())
	}

	res := Result{Status: models.ResultSuccess, ResponseTime: elapsed(start)}
	if ms, ok := ParsePingTime(out); ok {
		res.ResponseTime = int64(ms)
	}
	return res
}

// ErrHostUnreachable may be returned by a PingFunc for a silent host.
var ErrHostUnreachable = errors.New("host unreachable")

// SSLExpiry handshakes with the target and reports days until the leaf expires.
func (p *Checker) SSLExpiry(ctx context.Context, target string, timeout time.Duration) Result {
	start := time.Now()
	addr, err := HostPort(target, 443)
	if err != nil {
		return failure(start, err.Error())
	}

	cfg := &tls.Config{ServerName: Hostname(target)}
	if p.TLSConfig != nil {
		cfg = p.TLSConfig.Clone()
		if cfg.ServerName == "" {
			cfg.ServerName = Hostname(target)
		}
	}
	d := tls.Dialer{NetDialer: &net.Dialer{Timeout: timeout}, Config: cfg}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		if isTimeout(err) {
			return Result{Status: models.ResultTimeout, Error: "Connection timed out", ResponseTime: elapsed(start)}
		}
		return failure(start, err.Error())
	}
	defer conn.Close()

	certs := conn.(*tls.Conn).ConnectionState().PeerCertificates
	if len(certs) == 0 {
		return failure(start, "No certificate presented")
	}

	days := int(certs[0].NotAfter.Sub(p.now()).Hours() / 24)
	res := Result{ResponseTime: elapsed(start), DaysRemaining: &days}
	switch {
	case days < 0:
		res.Status = models.ResultFailure
		res.Error = fmt.Sprintf("Certificate expired %d days ago", -days)
	case days < SSLWarningDays:
		res.Status = models.ResultFailure
		res.Error = fmt.Sprintf("Certificate expires in %d days", days)
	default:
		res.Status = models.ResultSuccess
		res.Message = fmt.Sprintf("Certificate expires in %d days", days)
	}
	return res
}

// ParsePingTime extracts the round trip in milliseconds from ping output.
func ParsePingTime(out string) (float64, bool) {
	m := pingTimePattern.FindStringSubmatch(out)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(m[1], 64)
	return v, err == nil
}

// Hostname returns the host part of a URL or host[:port] string.
func Hostname(target string) string {
	if strings.Contains(target, "://") {
		if u, err := url.Parse(target); err == nil {
			return u.Hostname()
		}
	}
	host := target
	if i := strings.IndexByte(host, '/'); i >= 0 {
		host = host[:i]
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

// HostPort resolves target to host:port, using the scheme's port or def.
func HostPort(target string, def int) (string, error) {
	if strings.Contains(target, "://") {
		u, err := url.Parse(target)
		if err != nil {
			return "", err
		}
		port := u.Port()
		if port == "" {
			switch u.Scheme {
			case "https":
				port = "443"
			case "http":
				port = "80"
			default:
				port = strconv.Itoa(def)
			}
		}
		return net.JoinHostPort(u.Hostname(), port), nil
	}
	host := target
	if i := strings.IndexByte(host, '/'); i >= 0 {
		host = host[:i]
	}
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host, nil
	}
	if host == "" {
		return "", errors.New("empty target")
	}
	return net.JoinHostPort(host, strconv.Itoa(def)), nil
}

func systemPing(ctx context.Context, host string, timeout time.Duration) (string, error) {
	secs := int(timeout.Seconds())
	if secs < 1 {
		secs = 1
	}
	out, err := exec.CommandContext(ctx, "ping", "-c", "1", "-W", strconv.Itoa(secs), host).CombinedOutput()
	return string(out), err
}

func (p *Checker) client() *http.Client {
	if p.HTTPClient != nil {
		return p.HTTPClient
	}
	return http.DefaultClient
}

func (p *Checker) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func failure(start time.Time, msg string) Result {
	return Result{Status: models.ResultFailure, Error: msg, ResponseTime: elapsed(start)}
}

func elapsed(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
