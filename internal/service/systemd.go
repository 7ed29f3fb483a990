// Package service installs DevFlow as a systemd unit.
package service

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"text/template"
)

const (
	// UnitName is the systemd unit DevFlow installs.
	UnitName        = "devflow"
	defaultUnitPath = "/etc/systemd/system/devflow.service"
)

var (
	ErrUnsupported = errors.New("systemd service management is only supported on Linux with systemctl")
	ErrNotRoot     = errors.New("root privileges required")
)

// Status is the state systemd reports for the unit.
type Status struct {
	Installed   bool   `json:"installed"`
	Enabled     bool   `json:"enabled"`
	Running     bool   `json:"running"`
	ActiveState string `json:"active_state"`
	SubState    string `json:"sub_state"`
}

// UnitConfig fills the unit template.
type UnitConfig struct {
	ExecPath   string
	ConfigPath string
	User       string
	WorkingDir string
	// DataDirs are made writable under ProtectSystem=strict.
	DataDirs []string
}

const unitTemplate = `[Unit]
Description=DevFlow Pro - server and deployment management
Documentation=https://github.com/pandeptwidyaop/devflow
After=network-online.target docker.service
Wants=network-online.target

[Service]
Type=simple
User={{.User}}
Group={{.User}}
WorkingDirectory={{.WorkingDir}}
ExecStart={{.ExecPath}} serve --config {{.ConfigPath}}
Restart=always
RestartSec=5
TimeoutStopSec=60
StandardOutput=journal
StandardError=journal

NoNewPrivileges=true
ProtectSystem=strict
ProtectHome=read-only
ReadWritePaths={{.WorkingDir}}{{range .DataDirs}} {{.}}{{end}}
PrivateTmp=true

[Install]
WantedBy=multi-user.target
`

// Render returns the unit file for cfg.
func Render(cfg UnitConfig) (string, error) {
	tmpl, err := template.New("unit").Parse(unitTemplate)
	if err != nil {
		return "", fmt.Errorf("failed to parse unit template: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, cfg); err != nil {
		return "", fmt.Errorf("failed to render unit: %w", err)
	}
	return buf.String(), nil
}

// DefaultConfig points the unit at the running binary and /etc/devflow.
func DefaultConfig() UnitConfig {
	execPath, _ := os.Executable()
	if p, err := filepath.EvalSymlinks(execPath); err == nil {
		execPath = p
	}
	return UnitConfig{
		ExecPath:   execPath,
		ConfigPath: "/etc/devflow/config.yaml",
		User:       "root",
		WorkingDir: "/etc/devflow",
	}
}

// Manager drives systemctl for the DevFlow unit.
type Manager struct {
	UnitPath string
	// Systemctl runs one systemctl invocation and returns its combined output.
	Systemctl func(args ...string) (string, error)
	// Preflight reports why the host cannot manage units, or nil.
	Preflight func() error
}

func NewManager() *Manager {
	return &Manager{
		UnitPath:  defaultUnitPath,
		Systemctl: systemctl,
		Preflight: preflight,
	}
}

func preflight() error {
	if runtime.GOOS != "linux" {
		return ErrUnsupported
	}
	if _, err := exec.LookPath("systemctl"); err != nil {
		return ErrUnsupported
	}
	if os.Geteuid() != 0 {
		return ErrNotRoot
	}
	return nil
}

func systemctl(args ...string) (string, error) {
	out, err := exec.Command("systemctl", args...).CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("systemctl %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// Install writes the unit, then enables and starts it.
func (m *Manager) Install(cfg UnitConfig) error {
	if err := m.Preflight(); err != nil {
		return err
	}
	content, err := Render(cfg)
	if err != nil {
		return err
	}
	if err := os.WriteFile(m.UnitPath, []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write unit file: %w", err)
	}
	for _, args := range [][]string{{"daemon-reload"}, {"enable", UnitName}, {"start", UnitName}} {
		if _, err := m.Systemctl(args...); err != nil {
			return err
		}
	}
	return nil
}

// Uninstall stops and disables the unit and removes its file.
func (m *Manager) Uninstall() error {
	if err := m.Preflight(); err != nil {
		return err
	}
	// not running or not enabled is fine here
	_, _ = m.Systemctl("stop", UnitName)
	_, _ = m.Systemctl("disable", UnitName)

	if err := os.Remove(m.UnitPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove unit file: %w", err)
	}
	_, err := m.Systemctl("daemon-reload")
	return err
}

// Status queries systemd. Hosts without systemd report an empty status.
func (m *Manager) Status() (*Status, error) {
	st := &Status{}
	if err := m.Preflight(); errors.Is(err, ErrUnsupported) {
		return st, nil
	}
	if _, err := os.Stat(m.UnitPath); err == nil {
		st.Installed = true
	}

	out, err := m.Systemctl("show", UnitName, "--property=ActiveState,SubState,UnitFileState")
	if err != nil {
		return st, nil
	}
	props := parseProperties(out)
	st.ActiveState = props["ActiveState"]
	st.SubState = props["SubState"]
	st.Running = st.ActiveState == "active"
	st.Enabled = props["UnitFileState"] == "enabled"
	return st, nil
}

func parseProperties(out string) map[string]string {
	props := make(map[string]string)
	for _, line := range strings.Split(out, "\n") {
		k, v, ok := strings.Cut(strings.TrimSpace(line), "=")
		if ok {
			props[k] = v
		}
	}
	return props
}

// UnderSystemd reports whether this process was started by systemd.
func UnderSystemd() bool {
	return os.Getenv("INVOCATION_ID") != ""
}
