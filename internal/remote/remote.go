// Package remote runs shell commands on managed servers, locally for the
// loopback host and over SSH otherwise.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

var (
	ErrTimeout         = errors.New("command timed out")
	ErrNoAuthMethod    = errors.New("server has neither an ssh key nor a password")
	ErrHostKeyMismatch = errors.New("ssh host key does not match the pinned key")
)

// Target identifies where a command runs.
type Target struct {
	Host       string
	User       string
	PrivateKey string
	Password   string
	// HostKey is the pinned key in authorized_keys format. Empty means trust
	// on first use; the presented key is reported through Runner.OnHostKey.
	HostKey string
	Port    int
}

// Command is a shell script plus its execution environment.
type Command struct {
	Stdin   io.Reader
	Env     map[string]string
	Script  string
	Dir     string
	Timeout time.Duration
}

// Result holds captured output of a finished command.
type Result struct {
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
}

// Success reports a zero exit code.
func (r *Result) Success() bool { return r.ExitCode == 0 }

// Executor is implemented by Runner; services depend on it so tests can fake hosts.
type Executor interface {
	Run(ctx context.Context, t Target, cmd Command) (*Result, error)
	Stream(ctx context.Context, t Target, cmd Command, stdout, stderr io.Writer) (int, error)
}

// Runner executes commands locally or over SSH.
type Runner struct {
	// OnHostKey is called with host and key when a server is seen for the first time.
	OnHostKey   func(host, key string)
	DialTimeout time.Duration
}

func NewRunner() *Runner {
	return &Runner{DialTimeout: 10 * time.Second}
}

// IsLocal reports whether host refers to this machine.
func IsLocal(host string) bool {
	switch strings.ToLower(strings.TrimSpace(host)) {
	case "", "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

// Run executes cmd and captures its output.
func (r *Runner) Run(ctx context.Context, t Target, cmd Command) (*Result, error) {
	var stdout, stderr bytes.Buffer
	start := time.Now()
	code, err := r.Stream(ctx, t, cmd, &stdout, &stderr)
	res := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: code,
		Duration: time.Since(start),
	}
	return res, err
}

// Stream executes cmd writing output as it arrives. A non-zero exit code is
// returned without an error; err is reserved for failures to run at all.
func (r *Runner) Stream(ctx context.Context, t Target, cmd Command, stdout, stderr io.Writer) (int, error) {
	if cmd.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cmd.Timeout)
		defer cancel()
	}

	var code int
	var err error
	if IsLocal(t.Host) {
		code, err = r.streamLocal(ctx, cmd, stdout, stderr)
	} else {
		code, err = r.streamSSH(ctx, t, cmd, stdout, stderr)
	}
	if ctx.Err() == context.DeadlineExceeded {
		return -1, ErrTimeout
	}
	return code, err
}

func (r *Runner) streamLocal(ctx context.Context, cmd Command, stdout, stderr io.Writer) (int, error) {
	c := exec.CommandContext(ctx, "sh", "-c", cmd.Script)
	c.Dir = cmd.Dir
	c.Stdin = cmd.Stdin
	c.Stdout = stdout
	c.Stderr = stderr
	c.WaitDelay = 2 * time.Second
	if len(cmd.Env) > 0 {
		c.Env = append(os.Environ(), envPairs(cmd.Env)...)
	}

	err := c.Run()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

func (r *Runner) streamSSH(ctx context.Context, t Target, cmd Command, stdout, stderr io.Writer) (int, error) {
	client, err := r.dial(ctx, t)
	if err != nil {
		return -1, err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return -1, fmt.Errorf("open ssh session: %w", err)
	}
	defer session.Close()

	session.Stdin = cmd.Stdin
	session.Stdout = stdout
	session.Stderr = stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(BuildScript(cmd)) }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = client.Close()
		return -1, ctx.Err()
	case err := <-done:
		if err == nil {
			return 0, nil
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitStatus(), nil
		}
		return -1, err
	}
}

func (r *Runner) dial(ctx context.Context, t Target) (*ssh.Client, error) {
	auth, err := authMethods(t)
	if err != nil {
		return nil, err
	}

	port := t.Port
	if port == 0 {
		port = 22
	}
	user := t.User
	if user == "" {
		user = "root"
	}
	addr := net.JoinHostPort(t.Host, strconv.Itoa(port))

	config := &ssh.ClientConfig{
		User:            user,
		Auth:            auth,
		HostKeyCallback: r.hostKeyCallback(t),
		Timeout:         r.DialTimeout,
	}

	d := net.Dialer{Timeout: r.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	return ssh.NewClient(c, chans, reqs), nil
}

func (r *Runner) hostKeyCallback(t Target) ssh.HostKeyCallback {
	return func(hostname string, _ net.Addr, key ssh.PublicKey) error {
		presented := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(key)))
		if t.HostKey == "" {
			if r.OnHostKey != nil {
				r.OnHostKey(t.Host, presented)
			}
			return nil
		}
		if presented != strings.TrimSpace(t.HostKey) {
			return fmt.Errorf("%w for %s", ErrHostKeyMismatch, hostname)
		}
		return nil
	}
}

func authMethods(t Target) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if t.PrivateKey != "" {
		signer, err := ssh.ParsePrivateKey([]byte(t.PrivateKey))
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if t.Password != "" {
		methods = append(methods, ssh.Password(t.Password))
	}
	if len(methods) == 0 {
		return nil, ErrNoAuthMethod
	}
	return methods, nil
}

// Fingerprint returns the SHA256 fingerprint of an authorized_keys line or private key.
func Fingerprint(key string) (string, error) {
	if pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(key)); err == nil {
		return ssh.FingerprintSHA256(pub), nil
	}
	signer, err := ssh.ParsePrivateKey([]byte(key))
	if err != nil {
		return "", err
	}
	return ssh.FingerprintSHA256(signer.PublicKey()), nil
}

// BuildScript folds Dir and Env into a single shell line for remote execution.
func BuildScript(cmd Command) string {
	var b strings.Builder
	for _, kv := range envPairs(cmd.Env) {
		k, v, _ := strings.Cut(kv, "=")
		fmt.Fprintf(&b, "export %s=%s; ", k, Quote(v))
	}
	if cmd.Dir != "" {
		fmt.Fprintf(&b, "cd %s && ", Quote(cmd.Dir))
	}
	b.WriteString(cmd.Script)
	return b.String()
}

// Quote wraps s in single quotes for POSIX shells.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func envPairs(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
